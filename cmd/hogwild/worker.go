package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/seantiz/hogwild/internal/config"
	"github.com/seantiz/hogwild/internal/marker"
	"github.com/seantiz/hogwild/internal/model"
	"github.com/seantiz/hogwild/internal/worker"
)

// runWorker is the entry point of a re-executed worker process. It logs JSON
// lines to stdout, which the process backend streams to the worker's log.
func runWorker(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var configPath, role, regionPath, markerDir, stalePath string
	var rank, stage int
	fs.StringVar(&configPath, "config", "", "run configuration written by the orchestrator")
	fs.IntVar(&rank, "rank", 0, "worker rank")
	fs.StringVar(&role, "role", model.RoleTrain, "worker role")
	fs.IntVar(&stage, "stage", 0, "attack stage")
	fs.StringVar(&regionPath, "region", "", "shared parameter file")
	fs.StringVar(&markerDir, "markers", "", "marker directory")
	fs.StringVar(&stalePath, "stale", "", "stale parameter snapshot")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if configPath == "" || regionPath == "" || markerDir == "" {
		fmt.Fprintln(stderr, "worker requires --config, --region and --markers")
		return 2
	}

	cfg, err := config.ReadRunConfig(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "worker failed: %v\n", err)
		return 1
	}
	env := config.Load()
	logger := config.NewLogger(stdout, env.LogLevel)

	regions, err := worker.Attach(regionPath, stalePath)
	if err != nil {
		logger.Error("attach regions", "rank", rank, "error", err)
		return 1
	}
	defer regions.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = worker.Run(ctx, worker.Options{
		Rank:    rank,
		Role:    role,
		Stage:   stage,
		Config:  cfg,
		Live:    regions.Live.Params(),
		Stale:   regions.StaleParams(),
		Markers: marker.NewFileChannel(markerDir, cfg.Name),
		Logger:  logger,
	})
	if err != nil {
		logger.Error("worker failed", "rank", rank, "role", role, "error", err)
		return 1
	}
	return 0
}
