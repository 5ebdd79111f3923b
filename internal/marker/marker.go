// Package marker implements the side channel used to coordinate attack
// workers with the orchestrator and with an external controller. A marker is
// a named, small text value; writers replace it atomically and observers poll.
package marker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Well-known marker names.
const (
	Status  = "status"
	Release = "release"
)

// Status marker contents.
const (
	StatusStarting = "Starting Training"
	StatusComplete = "Training Complete"
	StatusFailed   = "Training Failed"
)

// BiasFound names the marker a worker writes after drawing a biased batch.
func BiasFound(rank int) string {
	return "bias-found." + strconv.Itoa(rank)
}

// StageRelease names the marker that releases the given attack stage.
func StageRelease(stage int) string {
	return "stage-" + strconv.Itoa(stage) + ".release"
}

// Channel writes and observes markers.
type Channel interface {
	Write(name, content string) error
	// Observe returns the marker content and whether it exists.
	Observe(name string) (string, bool, error)
	// Remove deletes a marker. Removing a missing marker is not an error.
	Remove(name string) error
}

// FileChannel stores each marker as <dir>/<run>.<name>.
type FileChannel struct {
	dir string
	run string
}

var _ Channel = (*FileChannel)(nil)

// NewFileChannel returns a channel rooted at dir for the named run.
func NewFileChannel(dir, run string) *FileChannel {
	return &FileChannel{dir: dir, run: run}
}

// Path returns the file backing the named marker.
func (c *FileChannel) Path(name string) string {
	return filepath.Join(c.dir, c.run+"."+name)
}

func (c *FileChannel) Write(name, content string) error {
	path := c.Path(name)
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create marker dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write marker %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename marker %s: %w", name, err)
	}
	return nil
}

func (c *FileChannel) Observe(name string) (string, bool, error) {
	b, err := os.ReadFile(c.Path(name))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read marker %s: %w", name, err)
	}
	return string(b), true, nil
}

func (c *FileChannel) Remove(name string) error {
	if err := os.Remove(c.Path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove marker %s: %w", name, err)
	}
	return nil
}

// MemoryChannel keeps markers in memory. It is safe for concurrent use.
type MemoryChannel struct {
	mu      sync.Mutex
	markers map[string]string
}

var _ Channel = (*MemoryChannel)(nil)

// NewMemoryChannel returns an empty in-memory channel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{markers: make(map[string]string)}
}

func (c *MemoryChannel) Write(name, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markers[name] = content
	return nil
}

func (c *MemoryChannel) Observe(name string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.markers[name]
	return v, ok, nil
}

func (c *MemoryChannel) Remove(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.markers, name)
	return nil
}

// Exists reports whether the named marker is present, treating read errors as absent.
func Exists(c Channel, name string) bool {
	_, ok, err := c.Observe(name)
	return err == nil && ok
}
