package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/seantiz/hogwild/internal/config"
	"github.com/seantiz/hogwild/internal/store"
)

func runStatus(args []string, stdout, stderr io.Writer) int {
	name, args := splitName(args)
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var evals bool
	fs.BoolVar(&evals, "evals", true, "include evaluation records")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if name == "" && fs.NArg() > 0 {
		name = fs.Arg(0)
	}
	if name == "" {
		fmt.Fprintln(stderr, "status requires a run name")
		return 2
	}

	env := config.Load()
	db, err := store.NewSQLiteStore(env.DBPath)
	if err != nil {
		fmt.Fprintf(stderr, "status failed: open database: %v\n", err)
		return 1
	}
	defer db.Close()

	if err := printStatus(context.Background(), db, name, evals, stdout); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fmt.Fprintf(stderr, "no run named %q\n", name)
			return 1
		}
		fmt.Fprintf(stderr, "status failed: %v\n", err)
		return 1
	}
	return 0
}

func printStatus(ctx context.Context, s store.Store, name string, evals bool, w io.Writer) error {
	run, err := s.GetLatestRunByName(ctx, name)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "run:           %s (%s)\n", run.Name, run.ID)
	fmt.Fprintf(w, "mode:          %s\n", run.Mode)
	fmt.Fprintf(w, "status:        %s\n", run.Status)
	fmt.Fprintf(w, "processes:     %d\n", run.Processes)
	fmt.Fprintf(w, "best accuracy: %.4f\n", run.BestAccuracy)
	fmt.Fprintf(w, "output:        %s\n", run.OutputDir)
	if run.Error != "" {
		fmt.Fprintf(w, "error:         %s\n", run.Error)
	}

	workers, err := s.ListWorkers(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list workers: %w", err)
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tROLE\tSTAGE\tPID\tSTATUS")
	for _, wk := range workers {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\n", wk.Rank, wk.Role, wk.Stage, wk.PID, wk.Status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if !evals {
		return nil
	}
	recs, err := s.ListEvalRecords(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list eval records: %w", err)
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tPHASE\tLOSS\tACCURACY")
	for _, rec := range recs {
		fmt.Fprintf(tw, "%d\t%s\t%.4f\t%.4f\n", rec.Time, rec.Phase, rec.Loss, rec.Accuracy)
	}
	return tw.Flush()
}
