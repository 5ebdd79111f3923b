package attack

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/seantiz/hogwild/internal/backend"
	"github.com/seantiz/hogwild/internal/config"
	"github.com/seantiz/hogwild/internal/marker"
	"github.com/seantiz/hogwild/internal/model"
)

// Runner is the part of the orchestrator the coordinator drives.
type Runner interface {
	// SpawnRanks starts one worker per rank. It is all or nothing.
	SpawnRanks(ctx context.Context, ranks []int, role string, stage int) ([]backend.Handle, error)
	// PollUntil evaluates while any handle is alive and stop (if set) is false.
	PollUntil(ctx context.Context, handles []backend.Handle, phase string, stop func() bool) []model.EvalRecord
	// Drain terminates whatever is left of handles.
	Drain(ctx context.Context, handles []backend.Handle) error
	// EvaluateAt evaluates the shared parameters and records the result at time t.
	EvaluateAt(ctx context.Context, t int, phase string) model.EvalRecord
	// SnapshotStale copies the live parameters into the stale region.
	SnapshotStale() error
}

// Coordinator runs the attack phase of a simulation.
type Coordinator struct {
	runner  Runner
	cfg     *config.RunConfig
	markers marker.Channel
	logger  *slog.Logger
}

// NewCoordinator returns a coordinator for cfg. markers may be nil when
// external release is disabled.
func NewCoordinator(r Runner, cfg *config.RunConfig, markers marker.Channel, logger *slog.Logger) *Coordinator {
	return &Coordinator{runner: r, cfg: cfg, markers: markers, logger: logger}
}

// Run executes the attack and returns the post-attack evaluation. The caller
// starts recovery workers afterwards.
func (c *Coordinator) Run(ctx context.Context) (model.EvalRecord, error) {
	var err error
	switch c.cfg.Mode {
	case model.ModeSimulateBias:
		err = c.runSingle(ctx)
	case model.ModeSimulateMultistage:
		err = c.runStages(ctx)
	default:
		return model.EvalRecord{}, fmt.Errorf("%w: mode %q has no attack", config.ErrInvalidConfig, c.cfg.Mode)
	}
	if err != nil {
		return model.EvalRecord{}, err
	}
	if err := ctx.Err(); err != nil {
		return model.EvalRecord{}, err
	}

	rec := c.runner.EvaluateAt(ctx, PostAttackTime(c.cfg), model.PhasePostAttack)
	c.logger.Info("post attack accuracy", "accuracy", rec.Accuracy, "time", rec.Time)
	return rec, nil
}

func (c *Coordinator) runSingle(ctx context.Context) error {
	stage := Plan(c.cfg)[0]
	handles, err := c.runner.SpawnRanks(ctx, stage.Ranks(), model.RoleAttackBias, stage.Index)
	if err != nil {
		return err
	}
	c.logger.Info("attack worker started", "rank", stage.FirstRank, "batches", stage.BiasBatches)
	c.runner.PollUntil(ctx, handles, model.PhaseAttack, nil)
	return c.runner.Drain(ctx, handles)
}

func (c *Coordinator) runStages(ctx context.Context) error {
	if err := c.runner.SnapshotStale(); err != nil {
		return fmt.Errorf("snapshot stale parameters: %w", err)
	}
	for _, stage := range Plan(c.cfg) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if stage.Empty() {
			c.logger.Info("attack stage has no ranks", "stage", stage.Index)
			continue
		}
		handles, err := c.runner.SpawnRanks(ctx, stage.Ranks(), model.RoleAttackStage, stage.Index)
		if err != nil {
			return fmt.Errorf("stage %d: %w", stage.Index, err)
		}
		c.logger.Info("attack stage started",
			"stage", stage.Index, "first_rank", stage.FirstRank, "last_rank", stage.LastRank)

		c.runner.PollUntil(ctx, handles, model.PhaseAttack, c.releaseObserver(stage.Index))
		if err := c.runner.Drain(ctx, handles); err != nil {
			return err
		}
		c.logger.Info("attack stage finished", "stage", stage.Index)
	}
	return nil
}

// releaseObserver returns a stop condition that is true once the stage's
// release marker exists, or nil when stages advance on worker exit.
func (c *Coordinator) releaseObserver(stage int) func() bool {
	if !c.cfg.ExternalRelease || c.markers == nil {
		return nil
	}
	name := marker.StageRelease(stage)
	return func() bool {
		_, ok, err := c.markers.Observe(name)
		if err != nil {
			c.logger.Warn("observe stage release", "stage", stage, "error", err)
			return false
		}
		return ok
	}
}
