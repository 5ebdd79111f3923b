package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/hogwild/internal/api"
	"github.com/seantiz/hogwild/internal/backend"
	"github.com/seantiz/hogwild/internal/backend/inproc"
	"github.com/seantiz/hogwild/internal/backend/process"
	"github.com/seantiz/hogwild/internal/config"
	"github.com/seantiz/hogwild/internal/model"
	"github.com/seantiz/hogwild/internal/orchestrator"
	"github.com/seantiz/hogwild/internal/store"
)

// runFlags registers the run configuration flags on fs, writing into c.
func runFlags(fs *flag.FlagSet, c *config.RunConfig) {
	fs.IntVar(&c.Processes, "num-processes", c.Processes, "number of training workers")
	fs.IntVar(&c.BatchSize, "batch-size", c.BatchSize, "training batch size")
	fs.IntVar(&c.TestBatchSize, "test-batch-size", c.TestBatchSize, "evaluation batch size")
	fs.Float64Var(&c.LR, "lr", c.LR, "learning rate")
	fs.IntVar(&c.LRStep, "lr-step", c.LRStep, "decay the learning rate 10x every N epochs (0 disables)")
	fs.Float64Var(&c.Momentum, "momentum", c.Momentum, "SGD momentum")
	fs.StringVar(&c.Optimizer, "optimizer", c.Optimizer, "optimizer: sgd|adam|rms")
	fs.IntVar(&c.MaxSteps, "max-steps", c.MaxSteps, "epochs per training worker")
	fs.IntVar(&c.LogInterval, "log-interval", c.LogInterval, "batches between worker progress logs")

	fs.IntVar(&c.Resume, "resume", c.Resume, "resume from the checkpoint (-1 disables)")
	fs.StringVar(&c.CheckpointName, "checkpoint-name", c.CheckpointName, "checkpoint name to save")
	fs.StringVar(&c.CheckpointLoadName, "checkpoint-lname", c.CheckpointLoadName, "checkpoint path to load instead of the saved name")
	fs.BoolVar(&c.SoftResume, "soft-resume", c.SoftResume, "resume if a checkpoint exists, otherwise start fresh")
	fs.StringVar(&c.PrependFrom, "prepend-logs", c.PrependFrom, "output directory whose eval history this run continues")

	fs.IntVar(&c.Target, "target", c.Target, "label targeted by biased batches (-1 picks one per batch)")
	fs.Float64Var(&c.Bias, "bias", c.Bias, "fraction of a biased batch drawn from the target label")
	fs.IntVar(&c.AttackBatches, "attack-batches", c.AttackBatches, "biased batches applied by each attack worker")
	fs.IntVar(&c.StepSize, "step-size", c.StepSize, "attack workers added per stage")
	fs.IntVar(&c.NumStages, "num-stages", c.NumStages, "number of attack stages")
	fs.DurationVar(&c.BiasDelay, "bias-delay", c.BiasDelay, "hold biased updates until released (0 disables)")
	fs.BoolVar(&c.ExternalRelease, "external-release", c.ExternalRelease, "advance attack stages on a release marker")

	fs.DurationVar(&c.EvalInterval, "eval-interval", c.EvalInterval, "time between evaluations")
	fs.Uint64Var(&c.Seed, "seed", c.Seed, "dataset and sampling seed")
	fs.IntVar(&c.TrainSize, "train-size", c.TrainSize, "training examples")
	fs.IntVar(&c.TestSize, "test-size", c.TestSize, "test examples")
	fs.IntVar(&c.Features, "features", c.Features, "input features")
	fs.IntVar(&c.Labels, "labels", c.Labels, "labels")
}

func runTrain(command, mode string, args []string, stdout, stderr io.Writer) int {
	name, args := splitName(args)
	cfg := config.DefaultRunConfig(name, mode)
	if command == "baseline" {
		cfg.Processes = 1
	}

	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	runFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if cfg.Name == "" && fs.NArg() > 0 {
		cfg.Name = fs.Arg(0)
	}
	if cfg.Name == "" {
		fmt.Fprintf(stderr, "%s requires a run name\n", command)
		return 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "%s failed: %v\n", command, err)
		return 1
	}

	env := config.Load()
	if err := train(&cfg, env, stdout); err != nil {
		fmt.Fprintf(stderr, "%s failed: %v\n", command, err)
		return 1
	}
	return 0
}

func train(cfg *config.RunConfig, env config.Config, stdout io.Writer) error {
	if err := os.MkdirAll(env.ScratchDir, 0o755); err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	logFile, err := os.OpenFile(env.RunLogPath(cfg.Name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open run log: %w", err)
	}
	defer logFile.Close()
	logger := config.NewLogger(io.MultiWriter(stdout, logFile), env.LogLevel)

	logger.Info("hogwild: starting",
		"run", cfg.Name,
		"mode", cfg.Mode,
		"processes", cfg.Processes,
		"backend", env.Backend,
		"db_path", env.DBPath,
	)

	reg, err := newRegistry(env, logger)
	if err != nil {
		return err
	}
	b, err := reg.ResolveFor(env.Backend, rolesFor(cfg.Mode)...)
	if err != nil {
		return err
	}

	db, err := store.NewSQLiteStore(env.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	broker := orchestrator.NewEvalBroker()
	orch, err := orchestrator.New(orchestrator.Options{
		Config:  cfg,
		Env:     env,
		Backend: b,
		Store:   db,
		Broker:  broker,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	serverCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()

	g.Go(func() error {
		defer stopServer()
		return orch.Run(gctx)
	})
	if env.ListenAddr != "" {
		srv := api.NewServer(env.ListenAddr, db, reg, broker, logger)
		g.Go(func() error {
			return srv.Run(serverCtx)
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("run interrupted", "run", cfg.Name)
		}
		return err
	}
	logger.Info("hogwild: run complete", "run", cfg.Name, "run_id", orch.RunID(), "best_accuracy", orch.Best())
	return nil
}

// rolesFor lists the worker roles a run in mode will spawn.
func rolesFor(mode string) []string {
	switch mode {
	case model.ModeSimulateBias:
		return []string{model.RoleAttackBias, model.RoleTrain}
	case model.ModeSimulateMultistage:
		return []string{model.RoleAttackStage, model.RoleTrain}
	default:
		return []string{model.RoleTrain}
	}
}

// newRegistry registers every backend this binary can launch workers with.
func newRegistry(env config.Config, logger *slog.Logger) (*backend.Registry, error) {
	reg := backend.NewRegistry()
	pb, err := process.New(env.WorkerBin, logger)
	if err != nil {
		return nil, err
	}
	reg.Register("process", pb)
	reg.Register("inproc", inproc.New(env.LogLevel))
	return reg, nil
}
