// Package checkpoint persists the best parameters seen by a run.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// ErrCheckpointMissing is returned when a checkpoint required for resuming
// does not exist.
var ErrCheckpointMissing = errors.New("checkpoint missing")

const fileSuffix = ".ckpt"

// Checkpoint is a complete {parameters, accuracy} pair.
type Checkpoint struct {
	Run      string    `json:"run"`
	Accuracy float64   `json:"accuracy"`
	Params   []float64 `json:"params"`
	SavedAt  time.Time `json:"saved_at"`
}

// Store saves to <dir>/<name>.ckpt and loads from loadPath when set.
type Store struct {
	dir      string
	name     string
	loadPath string
}

// NewStore returns a store for the named checkpoint. loadPath overrides the
// file resumed from; saves always target the named checkpoint.
func NewStore(dir, name, loadPath string) *Store {
	return &Store{dir: dir, name: name, loadPath: loadPath}
}

// Path returns the file checkpoints are saved to.
func (s *Store) Path() string {
	return filepath.Join(s.dir, s.name+fileSuffix)
}

// LoadPath returns the file checkpoints are loaded from.
func (s *Store) LoadPath() string {
	if s.loadPath != "" {
		return s.loadPath
	}
	return s.Path()
}

// Load reads the checkpoint at LoadPath. A path that cannot exist, because
// it is absent or one of its parents is a regular file, is ErrCheckpointMissing.
func (s *Store) Load() (*Checkpoint, error) {
	path := s.LoadPath()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, unix.ENOTDIR) {
		return nil, fmt.Errorf("%w: %s: %w", ErrCheckpointMissing, path, err)
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", path, err)
	}
	return &c, nil
}

// Save writes c to a temp file in the checkpoint directory, syncs it and
// renames it over Path. A reader sees either the previous checkpoint or c.
func (s *Store) Save(c *Checkpoint) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	f, err := os.CreateTemp(s.dir, s.name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmp, s.Path()); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}
