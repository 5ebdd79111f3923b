package backend

import (
	"context"

	"github.com/seantiz/hogwild/internal/config"
	"github.com/seantiz/hogwild/internal/marker"
)

// Backend is the interface that all worker launchers must implement. The
// process backend runs each worker as a separate OS process; the inproc
// backend runs workers as goroutines of the orchestrator.
type Backend interface {
	// Spawn starts one worker and returns immediately with its handle.
	Spawn(ctx context.Context, spec WorkerSpec) (Handle, error)

	// Capabilities reports what this backend supports.
	Capabilities() Capabilities
}

// Handle refers to one running or finished worker.
type Handle interface {
	Rank() int
	PID() int
	// Alive reports whether the worker is still running. It never blocks.
	Alive() bool
	// Done is closed once the worker has exited.
	Done() <-chan struct{}
	// Err returns the worker's exit error after Done is closed.
	Err() error
	// Terminate forcibly stops the worker. Terminating an exited worker is
	// a no-op and returns nil.
	Terminate() error
}

// WorkerSpec describes a worker to be launched by a backend.
type WorkerSpec struct {
	RunID string `json:"run_id"`
	Rank  int    `json:"rank"`
	Role  string `json:"role"`
	Stage int    `json:"stage"`

	// Config is used by backends that share the orchestrator's memory.
	Config *config.RunConfig `json:"-"`
	// ConfigPath is the serialized Config read by worker processes.
	ConfigPath string `json:"config_path"`

	RegionPath      string `json:"region_path"`
	StaleRegionPath string `json:"stale_region_path,omitempty"`
	MarkerDir       string `json:"marker_dir"`
	LogPath         string `json:"log_path"`

	// Markers overrides the file markers under MarkerDir for backends that
	// share the orchestrator's memory.
	Markers marker.Channel `json:"-"`

	// LogWriter is an optional callback invoked with each line the worker logs.
	LogWriter func(line string) `json:"-"`
}

// Capabilities describes what a backend supports.
type Capabilities struct {
	Name           string   `json:"name"`
	SupportedRoles []string `json:"supported_roles"`
	// SeparateProcesses reports whether workers run in their own address space.
	SeparateProcesses bool `json:"separate_processes"`
}

// Alive reports whether any handle is still running.
func Alive(handles []Handle) bool {
	for _, h := range handles {
		if h.Alive() {
			return true
		}
	}
	return false
}

// CountAlive returns how many handles are still running.
func CountAlive(handles []Handle) int {
	n := 0
	for _, h := range handles {
		if h.Alive() {
			n++
		}
	}
	return n
}
