// Package inproc runs workers as goroutines of the orchestrator. Each worker
// still maps the shared parameter file itself, so the memory it trains on is
// the same region worker processes would use. Terminate cancels the worker's
// context; the worker stops at its next batch boundary.
package inproc

import (
	"context"
	"log/slog"
	"sync"

	"github.com/seantiz/hogwild/internal/backend"
	"github.com/seantiz/hogwild/internal/marker"
	"github.com/seantiz/hogwild/internal/model"
	"github.com/seantiz/hogwild/internal/worker"
)

// Backend spawns goroutine workers.
type Backend struct {
	level slog.Level
}

var _ backend.Backend = (*Backend)(nil)

// New returns an in-process backend whose workers log at level.
func New(level slog.Level) *Backend {
	return &Backend{level: level}
}

func (b *Backend) Spawn(ctx context.Context, spec backend.WorkerSpec) (backend.Handle, error) {
	regions, err := worker.Attach(spec.RegionPath, spec.StaleRegionPath)
	if err != nil {
		return nil, err
	}
	sink, err := backend.NewLogSink(spec.LogPath, spec.LogWriter)
	if err != nil {
		regions.Close()
		return nil, err
	}

	markers := spec.Markers
	if markers == nil {
		markers = marker.NewFileChannel(spec.MarkerDir, spec.Config.Name)
	}

	wctx, cancel := context.WithCancel(ctx)
	h := &handle{rank: spec.Rank, cancel: cancel, done: make(chan struct{})}

	opts := worker.Options{
		Rank:    spec.Rank,
		Role:    spec.Role,
		Stage:   spec.Stage,
		Config:  spec.Config,
		Live:    regions.Live.Params(),
		Stale:   regions.StaleParams(),
		Markers: markers,
		Logger:  slog.New(slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: b.level})),
	}
	go func() {
		defer cancel()
		err := worker.Run(wctx, opts)
		regions.Close()
		sink.Close()
		h.finish(err)
	}()
	return h, nil
}

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:           "inproc",
		SupportedRoles: []string{model.RoleTrain, model.RoleAttackBias, model.RoleAttackStage},
	}
}

type handle struct {
	rank   int
	cancel context.CancelFunc

	mu   sync.Mutex
	done chan struct{}
	err  error
}

func (h *handle) Rank() int { return h.rank }

// PID is always 0 for goroutine workers.
func (h *handle) PID() int { return 0 }

func (h *handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *handle) Done() <-chan struct{} { return h.done }

func (h *handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *handle) finish(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

func (h *handle) Terminate() error {
	h.cancel()
	return nil
}
