package orchestrator_test

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/hogwild/internal/backend"
	"github.com/seantiz/hogwild/internal/backend/backendtest"
	"github.com/seantiz/hogwild/internal/checkpoint"
	"github.com/seantiz/hogwild/internal/config"
	"github.com/seantiz/hogwild/internal/evallog"
	"github.com/seantiz/hogwild/internal/marker"
	"github.com/seantiz/hogwild/internal/model"
	"github.com/seantiz/hogwild/internal/nn"
	"github.com/seantiz/hogwild/internal/orchestrator"
	"github.com/seantiz/hogwild/internal/outdir"
	"github.com/seantiz/hogwild/internal/store"
)

type harness struct {
	cfg     *config.RunConfig
	env     config.Config
	backend *backendtest.Backend
	store   store.Store
	markers *marker.MemoryChannel
}

func newHarness(t *testing.T, mode string, procs int) *harness {
	t.Helper()
	cfg := config.DefaultRunConfig("unit", mode)
	cfg.Processes = procs
	cfg.TrainSize = 100
	cfg.TestSize = 60
	cfg.TestBatchSize = 20
	cfg.Features = 4
	cfg.Labels = 3
	cfg.EvalInterval = 2 * time.Millisecond

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	scratch := t.TempDir()
	return &harness{
		cfg: &cfg,
		env: config.Config{
			ScratchDir:    scratch,
			CheckpointDir: filepath.Join(scratch, "checkpoints"),
		},
		backend: &backendtest.Backend{},
		store:   s,
		markers: marker.NewMemoryChannel(),
	}
}

// exitAfter makes every spawned worker exit on its own after d.
func (h *harness) exitAfter(d time.Duration) {
	h.backend.OnSpawn = func(_ backend.WorkerSpec, wh *backendtest.Handle) {
		time.Sleep(d)
		wh.Exit(nil)
	}
}

func (h *harness) orchestrator(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	o, err := orchestrator.New(orchestrator.Options{
		Config:  h.cfg,
		Env:     h.env,
		Backend: h.backend,
		Store:   h.store,
		Markers: h.markers,
		Logger:  slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func (h *harness) run(t *testing.T) (*orchestrator.Orchestrator, error) {
	t.Helper()
	o := h.orchestrator(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	return o, o.Run(ctx)
}

func (h *harness) evals(t *testing.T, o *orchestrator.Orchestrator) []model.EvalRecord {
	t.Helper()
	recs, err := h.store.ListEvalRecords(context.Background(), o.RunID())
	if err != nil {
		t.Fatalf("ListEvalRecords: %v", err)
	}
	return recs
}

func phaseTimes(recs []model.EvalRecord, phase string) []int {
	var out []int
	for _, r := range recs {
		if r.Phase == phase {
			out = append(out, r.Time)
		}
	}
	return out
}

func specRanks(specs []backend.WorkerSpec, role string) []int {
	var out []int
	for _, s := range specs {
		if s.Role == role {
			out = append(out, s.Rank)
		}
	}
	return out
}

func TestRunNormal(t *testing.T) {
	h := newHarness(t, model.ModeNormal, 2)
	h.exitAfter(30 * time.Millisecond)

	o, err := h.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := specRanks(h.backend.Specs(), model.RoleTrain); !slices.Equal(got, []int{0, 1}) {
		t.Errorf("train ranks = %v, want [0 1]", got)
	}
	run, err := h.store.GetRun(context.Background(), o.RunID())
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != model.StatusDone {
		t.Errorf("Status = %q, want done", run.Status)
	}

	content, ok, _ := h.markers.Observe(marker.Status)
	if !ok || content != marker.StatusComplete {
		t.Errorf("status marker = %q, %v", content, ok)
	}

	// Eval log rows are appended once each, in generation order.
	logged, err := evallog.Read(filepath.Join(h.env.OutputDir("unit"), evallog.EvalFile))
	if err != nil {
		t.Fatalf("read eval log: %v", err)
	}
	trainTimes := phaseTimes(h.evals(t, o), model.PhaseTrain)
	if len(logged) != len(trainTimes) || len(logged) == 0 {
		t.Fatalf("eval log has %d rows, store has %d train records", len(logged), len(trainTimes))
	}
	for i, rec := range logged {
		if rec.Time != i || trainTimes[i] != i {
			t.Errorf("row %d time = %d (store %d), want %d", i, rec.Time, trainTimes[i], i)
		}
	}
	if _, err := os.Stat(filepath.Join(h.env.OutputDir("unit"), evallog.ConfFile(2))); err != nil {
		t.Errorf("per-label log missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.env.OutputDir("unit"), orchestrator.ConfigFile)); err != nil {
		t.Errorf("run config missing: %v", err)
	}
	if _, err := os.Stat(h.env.RegionPath("unit")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("parameter region left behind: %v", err)
	}

	workers, err := h.store.ListWorkers(context.Background(), o.RunID())
	if err != nil {
		t.Fatalf("ListWorkers: %v", err)
	}
	for _, w := range workers {
		if w.Status != model.WorkerExited || w.ExitedAt == nil {
			t.Errorf("worker %d = %+v, want exited", w.Rank, w)
		}
	}
}

func TestRunSingleBiasScenario(t *testing.T) {
	h := newHarness(t, model.ModeSimulateBias, 4)
	h.cfg.AttackBatches = 3
	h.cfg.SoftResume = true
	h.exitAfter(20 * time.Millisecond)

	o, err := h.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	specs := h.backend.Specs()
	if len(specs) != 4 {
		t.Fatalf("spawned %d workers, want 4", len(specs))
	}
	if specs[0].Rank != 0 || specs[0].Role != model.RoleAttackBias {
		t.Errorf("first spawn = rank %d %s, want rank 0 attack-bias", specs[0].Rank, specs[0].Role)
	}
	if got := specRanks(specs, model.RoleTrain); !slices.Equal(got, []int{1, 2, 3}) {
		t.Errorf("recovery ranks = %v, want [1 2 3]", got)
	}

	recs := h.evals(t, o)
	if got := phaseTimes(recs, model.PhasePostAttack); !slices.Equal(got, []int{3}) {
		t.Errorf("post-attack times = %v, want [3]", got)
	}
	recovery := phaseTimes(recs, model.PhaseRecovery)
	if len(recovery) == 0 || recovery[0] != 4 {
		t.Errorf("recovery times = %v, want to start at 4", recovery)
	}

	// Simulations leave the status marker alone.
	if _, ok, _ := h.markers.Observe(marker.Status); ok {
		t.Error("simulation wrote a status marker")
	}

	logged, err := evallog.Read(filepath.Join(h.env.OutputDir("unit"), evallog.EvalFile))
	if err != nil {
		t.Fatalf("read eval log: %v", err)
	}
	if len(logged) != len(recs)-1 {
		t.Errorf("eval log has %d rows, want %d", len(logged), len(recs)-1)
	}
}

func TestRunSurvivesCheckpointSaveFailure(t *testing.T) {
	h := newHarness(t, model.ModeSimulateBias, 2)
	h.cfg.AttackBatches = 3
	h.cfg.SoftResume = true
	h.exitAfter(20 * time.Millisecond)

	// Every save fails: the checkpoint dir sits under a regular file.
	blocker := filepath.Join(h.env.ScratchDir, "blocker")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	h.env.CheckpointDir = filepath.Join(blocker, "checkpoints")

	o, err := h.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	recs := h.evals(t, o)
	if got := phaseTimes(recs, model.PhasePostAttack); !slices.Equal(got, []int{3}) {
		t.Errorf("post-attack times = %v, want [3]", got)
	}
	if len(phaseTimes(recs, model.PhaseRecovery)) == 0 {
		t.Error("no recovery records after a failed post-attack checkpoint")
	}
	if got := specRanks(h.backend.Specs(), model.RoleTrain); !slices.Equal(got, []int{1}) {
		t.Errorf("recovery ranks = %v, want [1]", got)
	}
	saves, err := h.store.ListCheckpointSaves(context.Background(), o.RunID())
	if err != nil {
		t.Fatal(err)
	}
	if len(saves) != 0 {
		t.Errorf("checkpoint saves = %+v, want none", saves)
	}
	if o.Best() != 0 {
		t.Errorf("Best = %v, want 0 after failed saves", o.Best())
	}
}

func TestRunMultiStageScenario(t *testing.T) {
	h := newHarness(t, model.ModeSimulateMultistage, 21)
	h.cfg.StepSize = 10
	h.cfg.NumStages = 2
	h.cfg.SoftResume = true
	h.exitAfter(10 * time.Millisecond)

	o, err := h.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var stage1, stage2 []int
	for _, s := range h.backend.Specs() {
		if s.Role != model.RoleAttackStage {
			continue
		}
		if s.StaleRegionPath == "" {
			t.Errorf("rank %d spawned without a stale region", s.Rank)
		}
		switch s.Stage {
		case 1:
			stage1 = append(stage1, s.Rank)
		case 2:
			stage2 = append(stage2, s.Rank)
		}
	}
	if len(stage1) != 10 || stage1[0] != 1 || stage1[9] != 10 {
		t.Errorf("stage 1 ranks = %v, want 1..10", stage1)
	}
	if len(stage2) != 10 || stage2[0] != 11 || stage2[9] != 20 {
		t.Errorf("stage 2 ranks = %v, want 11..20", stage2)
	}
	recovery := specRanks(h.backend.Specs(), model.RoleTrain)
	if len(recovery) != 20 || recovery[0] != 1 || recovery[19] != 20 {
		t.Errorf("recovery ranks = %v, want 1..20", recovery)
	}
	if got := phaseTimes(h.evals(t, o), model.PhasePostAttack); !slices.Equal(got, []int{2}) {
		t.Errorf("post-attack times = %v, want [2]", got)
	}
	if _, err := os.Stat(h.env.StaleRegionPath("unit")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("stale region left behind: %v", err)
	}
}

func TestNewRejectsBaselineWithTwoProcesses(t *testing.T) {
	h := newHarness(t, model.ModeBaseline, 2)
	_, err := orchestrator.New(orchestrator.Options{Config: h.cfg, Env: h.env, Backend: h.backend, Store: h.store})
	if !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestRunBaseline(t *testing.T) {
	h := newHarness(t, model.ModeBaseline, 1)
	h.exitAfter(10 * time.Millisecond)

	if _, err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := specRanks(h.backend.Specs(), model.RoleTrain); !slices.Equal(got, []int{0}) {
		t.Errorf("ranks = %v, want [0]", got)
	}
}

func TestRunHardResumeMissingCheckpoint(t *testing.T) {
	h := newHarness(t, model.ModeNormal, 2)
	h.cfg.Resume = 0

	o, err := h.run(t)
	if !errors.Is(err, checkpoint.ErrCheckpointMissing) {
		t.Fatalf("err = %v, want ErrCheckpointMissing", err)
	}
	if n := len(h.backend.Specs()); n != 0 {
		t.Errorf("spawned %d workers after a failed resume", n)
	}
	run, err := h.store.GetRun(context.Background(), o.RunID())
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != model.StatusFailed || !strings.Contains(run.Error, "checkpoint missing") {
		t.Errorf("run = %+v", run)
	}
	content, _, _ := h.markers.Observe(marker.Status)
	if !strings.HasPrefix(content, marker.StatusFailed+": ") {
		t.Errorf("status marker = %q", content)
	}
}

func TestRunResumeKeepsCheckpointWatermark(t *testing.T) {
	h := newHarness(t, model.ModeNormal, 2)
	h.cfg.Resume = 0
	h.exitAfter(20 * time.Millisecond)

	m := nn.Softmax{Features: h.cfg.Features, Labels: h.cfg.Labels}
	params := make([]float64, m.NumParams())
	m.Init(params, 7)
	ckpts := checkpoint.NewStore(h.env.CheckpointDir, h.cfg.CheckpointName, "")
	if err := ckpts.Save(&checkpoint.Checkpoint{Run: "earlier", Accuracy: 1.5, Params: params}); err != nil {
		t.Fatal(err)
	}

	o, err := h.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if o.Best() != 1.5 {
		t.Errorf("Best() = %v, want 1.5", o.Best())
	}
	saves, err := h.store.ListCheckpointSaves(context.Background(), o.RunID())
	if err != nil {
		t.Fatal(err)
	}
	if len(saves) != 0 {
		t.Errorf("saved %d checkpoints below the watermark", len(saves))
	}
	got, err := ckpts.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.Run != "earlier" {
		t.Errorf("checkpoint overwritten by %q", got.Run)
	}
}

func TestRunPrependConflict(t *testing.T) {
	h := newHarness(t, model.ModeNormal, 2)
	h.cfg.PrependFrom = h.env.OutputDir("unit")
	sentinel := filepath.Join(h.cfg.PrependFrom, "keep")
	if err := os.MkdirAll(h.cfg.PrependFrom, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(sentinel, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := h.run(t)
	if !errors.Is(err, outdir.ErrPrependConflict) {
		t.Fatalf("err = %v, want ErrPrependConflict", err)
	}
	if _, err := os.Stat(sentinel); err != nil {
		t.Errorf("output directory was mutated: %v", err)
	}
	if n := len(h.backend.Specs()); n != 0 {
		t.Errorf("spawned %d workers", n)
	}
}

func TestRunPrependAppendsHistory(t *testing.T) {
	h := newHarness(t, model.ModeNormal, 2)
	h.exitAfter(10 * time.Millisecond)

	src := filepath.Join(t.TempDir(), "previous.hogwild")
	if err := os.MkdirAll(src, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range evallog.Artifacts(h.cfg.Labels) {
		if err := os.WriteFile(filepath.Join(src, name), []byte("99,0.5\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	h.cfg.PrependFrom = src

	if _, err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	logged, err := evallog.Read(filepath.Join(h.env.OutputDir("unit"), evallog.EvalFile))
	if err != nil {
		t.Fatalf("read eval log: %v", err)
	}
	if len(logged) < 2 || logged[0].Time != 99 || logged[1].Time != 0 {
		t.Errorf("eval log = %+v, want prepended row then new rows", logged)
	}
}

func TestRunSpawnFailureTerminatesStarted(t *testing.T) {
	h := newHarness(t, model.ModeNormal, 3)
	h.backend.FailRanks = map[int]bool{1: true}

	o, err := h.run(t)
	if !errors.Is(err, orchestrator.ErrWorkerSpawn) {
		t.Fatalf("err = %v, want ErrWorkerSpawn", err)
	}
	handles := h.backend.Handles()
	if len(handles) != 1 || handles[0].Rank() != 0 {
		t.Fatalf("handles = %d", len(handles))
	}
	if handles[0].Terminations() != 1 {
		t.Errorf("rank 0 terminated %d times, want 1", handles[0].Terminations())
	}
	workers, _ := h.store.ListWorkers(context.Background(), o.RunID())
	if len(workers) != 1 || workers[0].Status != model.WorkerKilled {
		t.Errorf("workers = %+v, want rank 0 killed", workers)
	}
}

func TestRunReleasesHeldWorkersOnFirstExit(t *testing.T) {
	h := newHarness(t, model.ModeNormal, 2)
	h.cfg.BiasDelay = time.Minute
	h.backend.OnSpawn = func(spec backend.WorkerSpec, wh *backendtest.Handle) {
		if spec.Rank == 0 {
			wh.Exit(nil)
			return
		}
		deadline := time.Now().Add(5 * time.Second)
		for !marker.Exists(h.markers, marker.Release) && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		wh.Exit(nil)
	}

	start := time.Now()
	if _, err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("rank 1 was not released early (run took %v)", elapsed)
	}
}

func TestRunStaleMarkersCleared(t *testing.T) {
	h := newHarness(t, model.ModeNormal, 2)
	h.exitAfter(10 * time.Millisecond)
	if err := h.markers.Write(marker.BiasFound(1), "old"); err != nil {
		t.Fatal(err)
	}

	if _, err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if marker.Exists(h.markers, marker.BiasFound(1)) {
		t.Error("marker from an earlier run survived")
	}
}

func TestRunPersistsWorkerLogs(t *testing.T) {
	h := newHarness(t, model.ModeNormal, 2)
	h.backend.OnSpawn = func(spec backend.WorkerSpec, wh *backendtest.Handle) {
		spec.LogWriter("hello from " + spec.Role)
		spec.LogWriter("bye")
		wh.Exit(nil)
	}

	o, err := h.run(t)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	lines, err := h.store.GetLogLines(context.Background(), o.RunID(), 1)
	if err != nil {
		t.Fatalf("GetLogLines: %v", err)
	}
	if len(lines) != 2 || lines[0].Line != "hello from train" || lines[1].Seq != 1 {
		t.Errorf("lines = %+v", lines)
	}
}

func TestRunCopiesOutput(t *testing.T) {
	h := newHarness(t, model.ModeNormal, 2)
	h.env.SharedDir = filepath.Join(t.TempDir(), "shared")
	h.exitAfter(10 * time.Millisecond)

	stale := filepath.Join(h.env.SharedDir, "unit", "old")
	if err := os.MkdirAll(filepath.Dir(stale), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stale, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := h.run(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.env.SharedDir, "unit", evallog.EvalFile)); err != nil {
		t.Errorf("eval log not copied: %v", err)
	}
	if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("previous copy not replaced: %v", err)
	}
}

func TestRunCopyOutFailureKeepsCause(t *testing.T) {
	h := newHarness(t, model.ModeNormal, 2)
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	h.env.SharedDir = filepath.Join(blocker, "shared")
	h.exitAfter(10 * time.Millisecond)

	_, err := h.run(t)
	if !errors.Is(err, outdir.ErrOutputDirectory) {
		t.Fatalf("err = %v, want ErrOutputDirectory", err)
	}
	var pathErr *fs.PathError
	if !errors.As(err, &pathErr) {
		t.Errorf("err = %v, want the OS error kept in the chain", err)
	}
}

func TestRunCancelled(t *testing.T) {
	h := newHarness(t, model.ModeNormal, 2)
	o := h.orchestrator(t)

	ctx, cancel := context.WithCancel(context.Background())
	h.backend.OnSpawn = func(spec backend.WorkerSpec, _ *backendtest.Handle) {
		if spec.Rank == 1 {
			cancel()
		}
	}

	err := o.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	for _, wh := range h.backend.Handles() {
		if wh.Alive() {
			t.Errorf("rank %d left running", wh.Rank())
		}
	}
	run, _ := h.store.GetRun(context.Background(), o.RunID())
	if run.Status != model.StatusFailed {
		t.Errorf("Status = %q, want failed", run.Status)
	}
}

func TestCheckpointIfImprovedIsMonotonic(t *testing.T) {
	h := newHarness(t, model.ModeNormal, 2)
	o := h.orchestrator(t)
	params := []float64{1, 2, 3}

	steps := []struct {
		acc  float64
		want bool
	}{
		{0.5, true},
		{0.5, false},
		{0.4, false},
		{0.6, true},
	}
	for _, s := range steps {
		saved, err := o.CheckpointIfImproved(s.acc, params)
		if err != nil {
			t.Fatalf("CheckpointIfImproved(%v): %v", s.acc, err)
		}
		if saved != s.want {
			t.Errorf("CheckpointIfImproved(%v) = %v, want %v", s.acc, saved, s.want)
		}
	}
	if o.Best() != 0.6 {
		t.Errorf("Best() = %v, want 0.6", o.Best())
	}
	got, err := checkpoint.NewStore(h.env.CheckpointDir, h.cfg.CheckpointName, "").Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.Accuracy != 0.6 {
		t.Errorf("checkpoint accuracy = %v, want 0.6", got.Accuracy)
	}
}

func TestSpawnWorkersNoopAtProcessCount(t *testing.T) {
	h := newHarness(t, model.ModeNormal, 2)
	o := h.orchestrator(t)
	handles, err := o.SpawnWorkers(context.Background(), 2, model.RoleTrain)
	if err != nil || handles != nil {
		t.Errorf("SpawnWorkers = %v, %v; want nil, nil", handles, err)
	}
	if n := len(h.backend.Specs()); n != 0 {
		t.Errorf("spawned %d workers", n)
	}
}

func TestReapStragglersIsIdempotent(t *testing.T) {
	h := newHarness(t, model.ModeNormal, 2)
	o := h.orchestrator(t)
	alive := backendtest.NewHandle(1)
	dead := backendtest.NewHandle(2)
	dead.Exit(nil)
	handles := []backend.Handle{alive, dead}

	for range 2 {
		if err := o.ReapStragglers(handles); err != nil {
			t.Fatalf("ReapStragglers: %v", err)
		}
	}
	if alive.Terminations() != 1 {
		t.Errorf("alive worker terminated %d times, want 1", alive.Terminations())
	}
	if dead.Terminations() != 0 {
		t.Errorf("exited worker terminated %d times", dead.Terminations())
	}
}
