// Package process launches each worker as a separate OS process by
// re-executing the hogwild binary with the worker subcommand. Workers attach
// to the shared parameter file themselves; the only data exchanged through
// the process boundary is the worker's log output.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/seantiz/hogwild/internal/backend"
	"github.com/seantiz/hogwild/internal/model"
)

// WorkerCommand is the subcommand the re-executed binary runs.
const WorkerCommand = "worker"

// Backend spawns worker processes.
type Backend struct {
	bin    string
	logger *slog.Logger
}

var _ backend.Backend = (*Backend)(nil)

// New returns a backend that runs bin. An empty bin re-executes the running binary.
func New(bin string, logger *slog.Logger) (*Backend, error) {
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		bin = exe
	}
	return &Backend{bin: bin, logger: logger}, nil
}

// Args builds the worker command line for spec.
func Args(spec backend.WorkerSpec) []string {
	args := []string{
		WorkerCommand,
		"--config", spec.ConfigPath,
		"--rank", strconv.Itoa(spec.Rank),
		"--role", spec.Role,
		"--stage", strconv.Itoa(spec.Stage),
		"--region", spec.RegionPath,
		"--markers", spec.MarkerDir,
	}
	if spec.StaleRegionPath != "" {
		args = append(args, "--stale", spec.StaleRegionPath)
	}
	return args
}

// Spawn starts the worker process and returns without waiting for it.
func (b *Backend) Spawn(_ context.Context, spec backend.WorkerSpec) (backend.Handle, error) {
	sink, err := backend.NewLogSink(spec.LogPath, spec.LogWriter)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(b.bin, Args(spec)...)
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		sink.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		sink.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		sink.Close()
		return nil, fmt.Errorf("start worker %d: %w", spec.Rank, err)
	}

	h := &handle{
		rank: spec.Rank,
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}

	// Pipes must be drained before Wait.
	var streams sync.WaitGroup
	streams.Go(func() { sink.Stream(stdoutPipe) })
	streams.Go(func() { sink.Stream(stderrPipe) })

	go func() {
		streams.Wait()
		err := cmd.Wait()
		if cerr := sink.Close(); cerr != nil {
			b.logger.Error("close worker log", "rank", spec.Rank, "error", cerr)
		}
		h.finish(err)
		b.logger.Debug("worker exited", "rank", spec.Rank, "pid", h.pid, "error", err)
	}()

	return h, nil
}

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:              "process",
		SupportedRoles:    []string{model.RoleTrain, model.RoleAttackBias, model.RoleAttackStage},
		SeparateProcesses: true,
	}
}

type handle struct {
	rank int
	pid  int

	mu   sync.Mutex
	done chan struct{}
	err  error
}

func (h *handle) Rank() int { return h.rank }
func (h *handle) PID() int  { return h.pid }

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

// Terminate sends SIGKILL to the worker's process group. A worker that has
// already exited, or whose group is gone, is not an error.
func (h *handle) Terminate() error {
	if !h.Alive() {
		return nil
	}
	err := unix.Kill(-h.pid, unix.SIGKILL)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return fmt.Errorf("kill worker %d (pid %d): %w", h.rank, h.pid, err)
}
