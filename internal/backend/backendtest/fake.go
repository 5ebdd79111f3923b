// Package backendtest provides a scriptable in-memory Backend for tests of
// components that spawn and poll workers.
package backendtest

import (
	"context"
	"errors"
	"sync"

	"github.com/seantiz/hogwild/internal/backend"
)

// ErrSpawnRefused is returned by Backend.Spawn for ranks listed in FailRanks.
var ErrSpawnRefused = errors.New("spawn refused")

// Handle is a worker that stays alive until Exit or Terminate is called.
type Handle struct {
	rank int
	pid  int

	mu         sync.Mutex
	done       chan struct{}
	err        error
	terminated int
}

var _ backend.Handle = (*Handle)(nil)

// NewHandle returns a live handle for rank.
func NewHandle(rank int) *Handle {
	return &Handle{rank: rank, pid: 1000 + rank, done: make(chan struct{})}
}

func (h *Handle) Rank() int { return h.rank }
func (h *Handle) PID() int  { return h.pid }

func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Exit marks the worker as finished. Repeated calls are ignored.
func (h *Handle) Exit(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
	default:
		h.err = err
		close(h.done)
	}
}

func (h *Handle) Terminate() error {
	h.mu.Lock()
	h.terminated++
	h.mu.Unlock()
	h.Exit(context.Canceled)
	return nil
}

// Terminations returns how many times Terminate was called.
func (h *Handle) Terminations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

// Backend records spawns. OnSpawn, when set, runs in its own goroutine for
// every spawned handle and typically calls Exit once the scripted work is done.
type Backend struct {
	OnSpawn   func(spec backend.WorkerSpec, h *Handle)
	FailRanks map[int]bool

	mu      sync.Mutex
	specs   []backend.WorkerSpec
	handles []*Handle
}

var _ backend.Backend = (*Backend)(nil)

func (b *Backend) Spawn(_ context.Context, spec backend.WorkerSpec) (backend.Handle, error) {
	if b.FailRanks[spec.Rank] {
		return nil, ErrSpawnRefused
	}
	h := NewHandle(spec.Rank)
	b.mu.Lock()
	b.specs = append(b.specs, spec)
	b.handles = append(b.handles, h)
	b.mu.Unlock()
	if b.OnSpawn != nil {
		go b.OnSpawn(spec, h)
	}
	return h, nil
}

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Name: "fake"}
}

// Specs returns the specs passed to Spawn in call order.
func (b *Backend) Specs() []backend.WorkerSpec {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backend.WorkerSpec(nil), b.specs...)
}

// Handles returns every handle created so far in spawn order.
func (b *Backend) Handles() []*Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Handle(nil), b.handles...)
}

// ExitAll finishes every spawned handle.
func (b *Backend) ExitAll() {
	for _, h := range b.Handles() {
		h.Exit(nil)
	}
}
