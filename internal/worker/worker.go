// Package worker runs one Hogwild training worker. Workers read and write the
// shared parameters with no synchronization: gradients may be computed from a
// view that other workers are changing, and updates may overwrite each other.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/hogwild/internal/config"
	"github.com/seantiz/hogwild/internal/data"
	"github.com/seantiz/hogwild/internal/marker"
	"github.com/seantiz/hogwild/internal/model"
	"github.com/seantiz/hogwild/internal/nn"
	"github.com/seantiz/hogwild/internal/shm"
)

const releasePollInterval = 50 * time.Millisecond

var (
	// ErrUnknownRole is returned for roles the worker cannot run.
	ErrUnknownRole = errors.New("unknown worker role")
	// ErrParamMismatch is returned when the shared region does not fit the model.
	ErrParamMismatch = errors.New("parameter region does not match model")
)

// Options configures one worker.
type Options struct {
	Rank   int
	Role   string
	Stage  int
	Config *config.RunConfig
	// Live is the shared parameter region every update is applied to.
	Live []float64
	// Stale is the snapshot staged attack workers compute gradients against.
	Stale   []float64
	Markers marker.Channel
	Logger  *slog.Logger
}

type trainer struct {
	opts    Options
	cfg     *config.RunConfig
	model   nn.Softmax
	train   *data.Dataset
	sampler *data.Sampler
	opt     nn.Optimizer
	grad    []float64
	logger  *slog.Logger

	// holdBias is cleared once the worker has signaled a biased batch or
	// observed the release marker.
	holdBias bool
}

// Run executes the worker's role until its work is done or ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	cfg := opts.Config
	m := nn.Softmax{Features: cfg.Features, Labels: cfg.Labels}
	if len(opts.Live) != m.NumParams() {
		return fmt.Errorf("%w: have %d, want %d", ErrParamMismatch, len(opts.Live), m.NumParams())
	}
	opt, err := nn.NewOptimizer(cfg.Optimizer, cfg.LR, cfg.Momentum, m.NumParams())
	if err != nil {
		return err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("rank", opts.Rank, "role", opts.Role)

	train := data.NewSynthetic(cfg.Seed, cfg.Features, cfg.Labels).Sample(cfg.TrainSize, data.StreamTrain)
	t := &trainer{
		opts:     opts,
		cfg:      cfg,
		model:    m,
		train:    train,
		sampler:  data.NewSampler(train, cfg.BatchSize, cfg.Seed, opts.Rank),
		opt:      opt,
		grad:     make([]float64, m.NumParams()),
		logger:   logger,
		holdBias: cfg.Mode == model.ModeNormal && cfg.BiasDelay > 0 && opts.Markers != nil,
	}

	switch opts.Role {
	case model.RoleTrain:
		return t.runTrain(ctx)
	case model.RoleAttackBias:
		return t.runAttack(ctx, opts.Live)
	case model.RoleAttackStage:
		if len(opts.Stale) != m.NumParams() {
			return fmt.Errorf("%w: stale snapshot has %d", ErrParamMismatch, len(opts.Stale))
		}
		return t.runAttack(ctx, opts.Stale)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRole, opts.Role)
	}
}

func (t *trainer) runTrain(ctx context.Context) error {
	live := t.opts.Live
	for epoch := range t.cfg.MaxSteps {
		t.opt.SetLR(nn.StepLR(t.cfg.LR, t.cfg.LRStep, epoch))
		batches := t.sampler.Epoch()
		for i, idx := range batches {
			if err := ctx.Err(); err != nil {
				return err
			}
			batch := t.train.Gather(idx)
			loss := t.model.Gradient(live, batch, t.grad)
			if t.holdBias {
				if err := t.holdIfBiased(ctx, batch); err != nil {
					return err
				}
			}
			t.opt.Step(live, t.grad)

			if t.cfg.LogInterval > 0 && i%t.cfg.LogInterval == 0 {
				t.logger.Info("train progress",
					"epoch", epoch,
					"batch", i,
					"batches", len(batches),
					"loss", loss,
				)
			}
		}
	}
	t.logger.Info("worker finished", "epochs", t.cfg.MaxSteps)
	return nil
}

// runAttack applies AttackBatches biased updates to the live parameters,
// computing each gradient against src.
func (t *trainer) runAttack(ctx context.Context, src []float64) error {
	for i := range t.cfg.AttackBatches {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, label := t.sampler.Biased(t.cfg.Target, t.cfg.Bias)
		loss := t.model.Gradient(src, batch, t.grad)
		t.opt.Step(t.opts.Live, t.grad)
		t.logger.Info("biased update applied",
			"stage", t.opts.Stage,
			"update", i+1,
			"of", t.cfg.AttackBatches,
			"label", label,
			"loss", loss,
		)
	}
	t.logger.Info("attack finished", "stage", t.opts.Stage, "updates", t.cfg.AttackBatches)
	return nil
}

// holdIfBiased signals a biased batch through the bias-found marker and
// holds the computed update until the bias delay passes or the release
// marker appears.
func (t *trainer) holdIfBiased(ctx context.Context, batch data.Batch) error {
	markers := t.opts.Markers
	if marker.Exists(markers, marker.Release) {
		t.holdBias = false
		return nil
	}
	if t.cfg.Bias > 1 {
		return nil
	}
	label, frac := data.Skew(batch.Y, t.cfg.Target, t.cfg.Labels)
	if frac < t.cfg.Bias {
		return nil
	}

	t.holdBias = false
	if err := markers.Write(marker.BiasFound(t.opts.Rank), fmt.Sprintf("%d %.4f", label, frac)); err != nil {
		t.logger.Error("write bias marker", "error", err)
	}
	t.logger.Info("biased batch found", "label", label, "fraction", frac, "delay", t.cfg.BiasDelay)

	deadline := time.NewTimer(t.cfg.BiasDelay)
	defer deadline.Stop()
	tick := time.NewTicker(min(releasePollInterval, t.cfg.BiasDelay))
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return nil
		case <-tick.C:
			if marker.Exists(markers, marker.Release) {
				t.logger.Info("released before delay elapsed")
				return nil
			}
		}
	}
}

// Regions holds the mapped parameter regions a worker attaches to.
type Regions struct {
	Live  *shm.Region
	Stale *shm.Region
}

// Attach maps the live region and, when stalePath is set, the stale snapshot.
func Attach(livePath, stalePath string) (*Regions, error) {
	live, err := shm.Open(livePath)
	if err != nil {
		return nil, fmt.Errorf("attach live region: %w", err)
	}
	r := &Regions{Live: live}
	if stalePath == "" {
		return r, nil
	}
	stale, err := shm.Open(stalePath)
	if err != nil {
		live.Close()
		return nil, fmt.Errorf("attach stale region: %w", err)
	}
	r.Stale = stale
	return r, nil
}

// StaleParams returns the stale view, or nil when none is attached.
func (r *Regions) StaleParams() []float64 {
	if r.Stale == nil {
		return nil
	}
	return r.Stale.Params()
}

// Close unmaps every attached region.
func (r *Regions) Close() error {
	err := r.Live.Close()
	if r.Stale != nil {
		err = errors.Join(err, r.Stale.Close())
	}
	return err
}
