package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/seantiz/hogwild/internal/model"
)

// ErrInvalidConfig is returned when a run configuration combines settings
// that cannot be executed.
var ErrInvalidConfig = errors.New("invalid run configuration")

// AnyTarget selects a fresh random target label for every biased batch.
const AnyTarget = -1

// NoResume disables checkpoint loading.
const NoResume = -1

// Optimizer kinds.
const (
	OptimizerSGD  = "sgd"
	OptimizerAdam = "adam"
	OptimizerRMS  = "rms"
)

// RunConfig is resolved once per run and passed by pointer to every component.
// It is written to the output directory so worker processes see the same values.
type RunConfig struct {
	Name      string `json:"name"`
	Mode      string `json:"mode"`
	Processes int    `json:"processes"`

	BatchSize     int     `json:"batch_size"`
	TestBatchSize int     `json:"test_batch_size"`
	LR            float64 `json:"lr"`
	// LRStep decays the learning rate by 10x every LRStep epochs; 0 keeps it fixed.
	LRStep      int     `json:"lr_step"`
	Momentum    float64 `json:"momentum"`
	Optimizer   string  `json:"optimizer"`
	MaxSteps    int     `json:"max_steps"`
	LogInterval int     `json:"log_interval"`

	Resume             int    `json:"resume"`
	CheckpointName     string `json:"checkpoint_name"`
	CheckpointLoadName string `json:"checkpoint_load_name,omitempty"`
	SoftResume         bool   `json:"soft_resume"`
	PrependFrom        string `json:"prepend_from,omitempty"`

	Target        int     `json:"target"`
	Bias          float64 `json:"bias"`
	AttackBatches int     `json:"attack_batches"`
	StepSize      int     `json:"step_size"`
	NumStages     int     `json:"num_stages"`
	// BiasDelay is how long a normal-mode worker holds a biased update after
	// signaling it; 0 disables bias signaling.
	BiasDelay time.Duration `json:"bias_delay"`
	// ExternalRelease makes staged attacks advance on a stage release marker
	// instead of waiting for the stage's workers to exit.
	ExternalRelease bool `json:"external_release"`

	EvalInterval time.Duration `json:"eval_interval"`
	Seed         uint64        `json:"seed"`
	TrainSize    int           `json:"train_size"`
	TestSize     int           `json:"test_size"`
	Features     int           `json:"features"`
	Labels       int           `json:"labels"`
}

// DefaultRunConfig returns the defaults used by the command line.
func DefaultRunConfig(name, mode string) RunConfig {
	return RunConfig{
		Name:           name,
		Mode:           mode,
		Processes:      2,
		BatchSize:      128,
		TestBatchSize:  1000,
		LR:             0.1,
		Momentum:       0.9,
		Optimizer:      OptimizerSGD,
		MaxSteps:       1,
		LogInterval:    200,
		Resume:         NoResume,
		CheckpointName: "hogwild",
		Target:         AnyTarget,
		Bias:           0.2,
		AttackBatches:  1,
		StepSize:       10,
		NumStages:      10,
		EvalInterval:   time.Second,
		Seed:           1,
		TrainSize:      6000,
		TestSize:       1000,
		Features:       32,
		Labels:         10,
	}
}

// ResumeRequested reports whether the run should try to load a checkpoint.
func (c *RunConfig) ResumeRequested() bool {
	return c.Resume != NoResume || c.SoftResume
}

// Validate checks the invariants that must hold before anything is spawned.
func (c *RunConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: run name is required", ErrInvalidConfig)
	}
	if !model.ValidMode(c.Mode) {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, c.Mode)
	}
	if c.Processes < 1 {
		return fmt.Errorf("%w: process count must be positive", ErrInvalidConfig)
	}

	switch c.Mode {
	case model.ModeBaseline:
		if c.Processes != 1 {
			return fmt.Errorf("%w: baseline supports only one process, got %d", ErrInvalidConfig, c.Processes)
		}
	case model.ModeNormal:
		if c.Processes < 2 {
			return fmt.Errorf("%w: normal training needs at least two processes, got %d", ErrInvalidConfig, c.Processes)
		}
	case model.ModeSimulateBias, model.ModeSimulateMultistage:
		if !c.ResumeRequested() {
			return fmt.Errorf("%w: %s must resume from a checkpoint", ErrInvalidConfig, c.Mode)
		}
		if c.AttackBatches < 1 {
			return fmt.Errorf("%w: attack batches must be positive", ErrInvalidConfig)
		}
	}

	if c.Mode == model.ModeSimulateMultistage {
		if c.StepSize < 1 {
			return fmt.Errorf("%w: step size must be positive", ErrInvalidConfig)
		}
		if c.NumStages < 1 {
			return fmt.Errorf("%w: stage count must be positive", ErrInvalidConfig)
		}
	}

	if c.BatchSize < 1 || c.TestBatchSize < 1 {
		return fmt.Errorf("%w: batch sizes must be positive", ErrInvalidConfig)
	}
	if c.MaxSteps < 0 {
		return fmt.Errorf("%w: max steps must not be negative", ErrInvalidConfig)
	}
	if c.LR <= 0 {
		return fmt.Errorf("%w: learning rate must be positive", ErrInvalidConfig)
	}
	switch c.Optimizer {
	case OptimizerSGD, OptimizerAdam, OptimizerRMS:
	default:
		return fmt.Errorf("%w: unknown optimizer %q", ErrInvalidConfig, c.Optimizer)
	}
	if c.Labels < 2 || c.Features < 1 || c.TrainSize < 1 || c.TestSize < 1 {
		return fmt.Errorf("%w: dataset shape is empty", ErrInvalidConfig)
	}
	if c.TrainSize < c.Labels {
		return fmt.Errorf("%w: %d training examples cannot cover %d labels", ErrInvalidConfig, c.TrainSize, c.Labels)
	}
	if c.Target != AnyTarget && (c.Target < 0 || c.Target >= c.Labels) {
		return fmt.Errorf("%w: target label %d out of range", ErrInvalidConfig, c.Target)
	}
	if c.Bias < 0 {
		return fmt.Errorf("%w: bias must not be negative", ErrInvalidConfig)
	}
	if c.EvalInterval < 0 || c.BiasDelay < 0 {
		return fmt.Errorf("%w: intervals must not be negative", ErrInvalidConfig)
	}
	return nil
}

// WriteRunConfig writes c as JSON to path via a temp file and rename.
func WriteRunConfig(path string, c *RunConfig) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// ReadRunConfig loads and validates a run configuration written by WriteRunConfig.
func ReadRunConfig(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read run config: %w", err)
	}
	var c RunConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode run config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
