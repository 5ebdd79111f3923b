package model

import "time"

// Run status constants.
const (
	StatusInit              = "init"
	StatusLoadingCheckpoint = "loading_checkpoint"
	StatusPreparingOutput   = "preparing_output"
	StatusSpawning          = "spawning"
	StatusPolling           = "polling"
	StatusDraining          = "draining"
	StatusFinalizing        = "finalizing"
	StatusDone              = "done"
	StatusFailed            = "failed"
)

// Run mode constants.
const (
	ModeNormal             = "normal"
	ModeSimulateBias       = "simulate-bias"
	ModeSimulateMultistage = "simulate-multistage"
	ModeBaseline           = "baseline"
)

// Worker role constants.
const (
	RoleTrain       = "train"
	RoleAttackBias  = "attack-bias"
	RoleAttackStage = "attack-stage"
)

// Eval phase constants.
const (
	PhaseInitial    = "initial"
	PhaseTrain      = "train"
	PhaseAttack     = "attack"
	PhasePostAttack = "post-attack"
	PhaseRecovery   = "recovery"
)

// Worker status constants.
const (
	WorkerRunning = "running"
	WorkerExited  = "exited"
	WorkerKilled  = "killed"
)

// validTransitions maps each run status to the set of statuses it may transition to.
// Draining may re-enter spawning for the recovery phase of a simulated attack.
// A run with no worker to spawn finalizes straight after preparing output.
var validTransitions = map[string]map[string]bool{
	StatusInit: {
		StatusLoadingCheckpoint: true,
		StatusFailed:            true,
	},
	StatusLoadingCheckpoint: {
		StatusPreparingOutput: true,
		StatusFailed:          true,
	},
	StatusPreparingOutput: {
		StatusSpawning:   true,
		StatusFinalizing: true,
		StatusFailed:     true,
	},
	StatusSpawning: {
		StatusPolling: true,
		StatusFailed:  true,
	},
	StatusPolling: {
		StatusDraining: true,
		StatusFailed:   true,
	},
	StatusDraining: {
		StatusSpawning:   true,
		StatusFinalizing: true,
		StatusFailed:     true,
	},
	StatusFinalizing: {
		StatusDone:   true,
		StatusFailed: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether a run in the given status will never change again.
func IsTerminal(status string) bool {
	return status == StatusDone || status == StatusFailed
}

// ValidMode reports whether mode is one of the known run modes.
func ValidMode(mode string) bool {
	switch mode {
	case ModeNormal, ModeSimulateBias, ModeSimulateMultistage, ModeBaseline:
		return true
	}
	return false
}

// IsSimulation reports whether mode runs the attack coordinator before training.
func IsSimulation(mode string) bool {
	return mode == ModeSimulateBias || mode == ModeSimulateMultistage
}

// Run represents one orchestrated training run.
type Run struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Mode         string     `json:"mode"`
	Status       string     `json:"status"`
	Processes    int        `json:"processes"`
	BestAccuracy float64    `json:"best_accuracy"`
	OutputDir    string     `json:"output_dir"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// EvalRecord is one evaluation of the shared parameters. Time is a logical
// counter assigned by the orchestrator in generation order.
type EvalRecord struct {
	Time      int       `json:"time"`
	Loss      float64   `json:"loss"`
	Accuracy  float64   `json:"accuracy"`
	Phase     string    `json:"phase"`
	PerLabel  []float64 `json:"per_label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Worker is the persisted view of a spawned training worker.
type Worker struct {
	RunID     string     `json:"run_id"`
	Rank      int        `json:"rank"`
	Role      string     `json:"role"`
	Stage     int        `json:"stage"`
	PID       int        `json:"pid"`
	Status    string     `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	ExitedAt  *time.Time `json:"exited_at,omitempty"`
}

// LogLine represents a single persisted log line from a worker.
type LogLine struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Rank      int       `json:"rank"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}

// CheckpointSave records one persisted best checkpoint.
type CheckpointSave struct {
	RunID    string    `json:"run_id"`
	Path     string    `json:"path"`
	Accuracy float64   `json:"accuracy"`
	SavedAt  time.Time `json:"saved_at"`
}

// AttackStage is one cohort of biased workers. Ranks run from FirstRank to
// LastRank inclusive; the stage is empty when FirstRank > LastRank.
type AttackStage struct {
	Index       int           `json:"index"`
	FirstRank   int           `json:"first_rank"`
	LastRank    int           `json:"last_rank"`
	BiasBatches int           `json:"bias_batches"`
	Delay       time.Duration `json:"delay"`
}

// Empty reports whether the stage admits no ranks.
func (s AttackStage) Empty() bool {
	return s.FirstRank > s.LastRank
}

// Ranks returns the ranks admitted by the stage in ascending order.
func (s AttackStage) Ranks() []int {
	if s.Empty() {
		return nil
	}
	ranks := make([]int, 0, s.LastRank-s.FirstRank+1)
	for r := s.FirstRank; r <= s.LastRank; r++ {
		ranks = append(ranks, r)
	}
	return ranks
}
