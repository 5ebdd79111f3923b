package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

const (
	defaultScratchDir = "scratch"
	defaultDBPath     = "hogwild.db"
	defaultBackend    = "process"
	defaultEnvFile    = ".env"

	envScratchDir    = "HOGWILD_SCRATCH_DIR"
	envSharedDir     = "HOGWILD_SHARED_DIR"
	envCheckpointDir = "HOGWILD_CHECKPOINT_DIR"
	envDBPath        = "HOGWILD_DB_PATH"
	envListenAddr    = "HOGWILD_LISTEN_ADDR"
	envLogLevel      = "HOGWILD_LOG_LEVEL"
	envBackend       = "HOGWILD_BACKEND"
	envWorkerBin     = "HOGWILD_WORKER_BIN"
	envEnvFile       = "HOGWILD_ENV_FILE"
)

// Config holds process-level settings loaded from environment variables.
type Config struct {
	// ScratchDir holds run output directories, markers, shared parameter
	// files and run logs.
	ScratchDir string
	// SharedDir receives a copy of each completed run's output directory.
	// Copy-out is skipped when empty.
	SharedDir     string
	CheckpointDir string
	DBPath        string
	// ListenAddr enables the status HTTP server when non-empty.
	ListenAddr string
	LogLevel   slog.Level
	Backend    string
	// WorkerBin overrides the executable re-invoked for worker processes.
	WorkerBin string
}

// Load reads configuration from environment variables with sensible defaults.
// Variables from a .env file (or HOGWILD_ENV_FILE) are applied first without
// overriding the existing environment.
func Load() Config {
	envFile := os.Getenv(envEnvFile)
	if envFile == "" {
		envFile = defaultEnvFile
	}
	if err := LoadEnvFile(envFile); err != nil {
		fmt.Fprintf(os.Stderr, "hogwild: ignoring env file: %v\n", err)
	}

	cfg := Config{
		ScratchDir: defaultScratchDir,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
		Backend:    defaultBackend,
	}

	if v := os.Getenv(envScratchDir); v != "" {
		cfg.ScratchDir = v
	}
	if v := os.Getenv(envSharedDir); v != "" {
		cfg.SharedDir = v
	}
	cfg.CheckpointDir = filepath.Join(cfg.ScratchDir, "checkpoints")
	if v := os.Getenv(envCheckpointDir); v != "" {
		cfg.CheckpointDir = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envBackend); v != "" {
		cfg.Backend = strings.ToLower(v)
	}
	if v := os.Getenv(envWorkerBin); v != "" {
		cfg.WorkerBin = v
	}

	return cfg
}

// LoadEnvFile applies variables from a dotenv file. A missing file is not an error.
func LoadEnvFile(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

// RunLogPath returns the path of the orchestrator log for the named run.
func (c Config) RunLogPath(run string) string {
	return filepath.Join(c.ScratchDir, run+".log")
}

// OutputDir returns the run's output directory.
func (c Config) OutputDir(run string) string {
	return filepath.Join(c.ScratchDir, run+".hogwild")
}

// RegionPath returns the backing file of the run's shared parameters.
func (c Config) RegionPath(run string) string {
	return filepath.Join(c.ScratchDir, run+".params")
}

// StaleRegionPath returns the backing file of the stale snapshot used by staged attacks.
func (c Config) StaleRegionPath(run string) string {
	return filepath.Join(c.ScratchDir, run+".stale")
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
