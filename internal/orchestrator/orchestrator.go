package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/seantiz/hogwild/internal/attack"
	"github.com/seantiz/hogwild/internal/backend"
	"github.com/seantiz/hogwild/internal/checkpoint"
	"github.com/seantiz/hogwild/internal/config"
	"github.com/seantiz/hogwild/internal/data"
	"github.com/seantiz/hogwild/internal/evallog"
	"github.com/seantiz/hogwild/internal/marker"
	"github.com/seantiz/hogwild/internal/model"
	"github.com/seantiz/hogwild/internal/nn"
	"github.com/seantiz/hogwild/internal/outdir"
	"github.com/seantiz/hogwild/internal/shm"
	"github.com/seantiz/hogwild/internal/store"
)

// ErrWorkerSpawn is returned when a worker cannot be started. Workers already
// started for the same phase are terminated first.
var ErrWorkerSpawn = errors.New("worker spawn failed")

const (
	// ConfigFile is the run configuration read by worker processes.
	ConfigFile = "config.json"
	// WorkerLogDir holds one log per worker rank.
	WorkerLogDir = "workers"
)

// Options wires an orchestrator to its collaborators.
type Options struct {
	Config  *config.RunConfig
	Env     config.Config
	Backend backend.Backend
	Store   store.Store
	// Markers defaults to file markers in the scratch directory.
	Markers marker.Channel
	// Broker defaults to a private broker.
	Broker *EvalBroker
	Logger *slog.Logger
}

// Orchestrator runs one training run: it spawns workers, polls them without
// blocking, evaluates the shared parameters and checkpoints on improvement.
type Orchestrator struct {
	cfg     *config.RunConfig
	env     config.Config
	backend backend.Backend
	store   store.Store
	markers marker.Channel
	broker  *EvalBroker
	logger  *slog.Logger

	model  nn.Softmax
	test   *data.Dataset
	ckpts  *checkpoint.Store
	run    *model.Run
	status string

	region *shm.Region
	stale  *shm.Region

	best      float64
	counter   int
	phases    int
	prepended bool
	released  bool
	evals     *evallog.Writer

	mu       sync.Mutex
	seqs     map[int]int
	killed   map[backend.Handle]bool
	handles  []backend.Handle
	watchers sync.WaitGroup
}

var _ attack.Runner = (*Orchestrator)(nil)

// New validates the run configuration and builds an orchestrator. Nothing is
// written until Run is called.
func New(opts Options) (*Orchestrator, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	markers := opts.Markers
	if markers == nil {
		markers = marker.NewFileChannel(opts.Env.ScratchDir, cfg.Name)
	}
	broker := opts.Broker
	if broker == nil {
		broker = NewEvalBroker()
	}

	return &Orchestrator{
		cfg:     cfg,
		env:     opts.Env,
		backend: opts.Backend,
		store:   opts.Store,
		markers: markers,
		broker:  broker,
		logger:  logger.With("run", cfg.Name),
		model:   nn.Softmax{Features: cfg.Features, Labels: cfg.Labels},
		test:    data.NewSynthetic(cfg.Seed, cfg.Features, cfg.Labels).Sample(cfg.TestSize, data.StreamTest),
		ckpts:   checkpoint.NewStore(opts.Env.CheckpointDir, cfg.CheckpointName, cfg.CheckpointLoadName),
		run: &model.Run{
			ID:        model.NewID(),
			Name:      cfg.Name,
			Mode:      cfg.Mode,
			Status:    model.StatusInit,
			Processes: cfg.Processes,
			OutputDir: opts.Env.OutputDir(cfg.Name),
			CreatedAt: time.Now().UTC(),
		},
		status:    model.StatusInit,
		prepended: cfg.PrependFrom != "",
		seqs:      make(map[int]int),
		killed:    make(map[backend.Handle]bool),
	}, nil
}

// RunID returns the id the run is stored under.
func (o *Orchestrator) RunID() string {
	return o.run.ID
}

// Broker returns the broker evaluation records are published to.
func (o *Orchestrator) Broker() *EvalBroker {
	return o.broker
}

// Best returns the best accuracy watermark.
func (o *Orchestrator) Best() float64 {
	return o.best
}

// Run executes the whole run. Results are copied to the shared directory only
// when every phase succeeded.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	if err := o.store.CreateRun(ctx, o.run); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	defer o.broker.Close(o.run.ID)
	defer o.cleanup()
	defer func() {
		if err != nil {
			o.fail(err)
		}
	}()

	if err := o.transition(ctx, model.StatusLoadingCheckpoint); err != nil {
		return err
	}
	region, best, err := o.Resolve(ctx)
	if err != nil {
		return err
	}
	o.region, o.best = region, best

	initial := o.evaluate(-1, model.PhaseInitial)
	o.logger.Info("initial evaluation", "accuracy", initial.Accuracy, "loss", initial.Loss)
	if err := o.store.InsertEvalRecord(ctx, o.run.ID, initial); err != nil {
		o.logger.Error("failed to persist initial evaluation", "error", err)
	}

	if err := o.transition(ctx, model.StatusPreparingOutput); err != nil {
		return err
	}
	if err := o.prepareOutput(); err != nil {
		return err
	}

	start := time.Now()
	startRank, phase := 0, model.PhaseTrain
	if model.IsSimulation(o.cfg.Mode) {
		post, err := attack.NewCoordinator(o, o.cfg, o.markers, o.logger).Run(ctx)
		if err != nil {
			return err
		}
		o.counter = post.Time + 1
		startRank, phase = 1, model.PhaseRecovery
	} else {
		o.writeMarker(marker.Status, marker.StatusStarting)
	}

	handles, err := o.SpawnWorkers(ctx, startRank, model.RoleTrain)
	if err != nil {
		return err
	}
	if len(handles) > 0 {
		o.PollLoop(ctx, handles, phase)
		if err := o.Drain(ctx, handles); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	o.logger.Info("training run time", "seconds", time.Since(start).Seconds())

	return o.finalize(ctx)
}

// Resolve maps the shared parameter region and fills it from the checkpoint
// when resuming. It returns the region and the starting watermark. A missing
// checkpoint is fatal unless soft resume is set, in which case the run starts
// from fresh parameters.
func (o *Orchestrator) Resolve(ctx context.Context) (*shm.Region, float64, error) {
	if err := os.MkdirAll(o.env.ScratchDir, 0o755); err != nil {
		return nil, 0, fmt.Errorf("create scratch dir: %w", err)
	}
	region, err := shm.Create(o.env.RegionPath(o.cfg.Name), o.model.NumParams())
	if err != nil {
		return nil, 0, fmt.Errorf("create parameter region: %w", err)
	}

	if !o.cfg.ResumeRequested() {
		o.model.Init(region.Params(), o.cfg.Seed)
		return region, 0, nil
	}

	ckpt, err := o.ckpts.Load()
	switch {
	case errors.Is(err, checkpoint.ErrCheckpointMissing) && o.cfg.SoftResume:
		o.logger.Warn("checkpoint not found, starting from fresh parameters", "path", o.ckpts.LoadPath())
		o.model.Init(region.Params(), o.cfg.Seed)
		return region, 0, nil
	case err != nil:
		region.Remove()
		return nil, 0, err
	}

	if err := region.Load(ckpt.Params); err != nil {
		region.Remove()
		return nil, 0, fmt.Errorf("load checkpoint %s: %w", o.ckpts.LoadPath(), err)
	}
	o.logger.Info("loaded checkpoint", "path", o.ckpts.LoadPath(), "accuracy", ckpt.Accuracy)
	if err := o.store.UpdateBestAccuracy(ctx, o.run.ID, ckpt.Accuracy); err != nil {
		o.logger.Error("failed to persist best accuracy", "error", err)
	}
	return region, ckpt.Accuracy, nil
}

func (o *Orchestrator) prepareOutput() error {
	dir := o.run.OutputDir
	o.logger.Info("output directory", "path", dir)
	if err := outdir.Prepare(dir, o.cfg.PrependFrom, evallog.Artifacts(o.cfg.Labels)); err != nil {
		return err
	}
	if err := config.WriteRunConfig(filepath.Join(dir, ConfigFile), o.cfg); err != nil {
		return fmt.Errorf("%w: %w", outdir.ErrOutputDirectory, err)
	}

	// Markers left over from an earlier run of the same name would release
	// workers early.
	stale := []string{marker.Release}
	for r := range o.cfg.Processes {
		stale = append(stale, marker.BiasFound(r))
	}
	for s := 1; s <= o.cfg.NumStages; s++ {
		stale = append(stale, marker.StageRelease(s))
	}
	for _, name := range stale {
		if err := o.markers.Remove(name); err != nil {
			o.logger.Warn("failed to clear marker", "marker", name, "error", err)
		}
	}
	return nil
}

// SnapshotStale copies the live parameters into the stale region that staged
// attack workers compute their gradients against.
func (o *Orchestrator) SnapshotStale() error {
	if o.stale == nil {
		r, err := shm.Create(o.env.StaleRegionPath(o.cfg.Name), o.model.NumParams())
		if err != nil {
			return err
		}
		o.stale = r
	}
	return o.stale.Load(o.region.Snapshot())
}

// SpawnWorkers starts one worker per rank in [startRank, processes). It is a
// no-op when startRank equals the process count.
func (o *Orchestrator) SpawnWorkers(ctx context.Context, startRank int, role string) ([]backend.Handle, error) {
	if startRank >= o.cfg.Processes {
		o.logger.Info("no workers to spawn", "start_rank", startRank)
		return nil, nil
	}
	ranks := make([]int, 0, o.cfg.Processes-startRank)
	for r := startRank; r < o.cfg.Processes; r++ {
		ranks = append(ranks, r)
	}
	return o.SpawnRanks(ctx, ranks, role, 0)
}

// SpawnRanks starts one worker per rank. If any spawn fails, the workers
// already started are terminated and ErrWorkerSpawn is returned.
func (o *Orchestrator) SpawnRanks(ctx context.Context, ranks []int, role string, stage int) ([]backend.Handle, error) {
	if err := o.transition(ctx, model.StatusSpawning); err != nil {
		return nil, err
	}

	handles := make([]backend.Handle, 0, len(ranks))
	for _, rank := range ranks {
		h, err := o.spawn(ctx, rank, role, stage)
		if err != nil {
			if rerr := o.ReapStragglers(handles); rerr != nil {
				o.logger.Warn("failed to terminate started workers", "error", rerr)
			}
			return nil, fmt.Errorf("%w: rank %d: %w", ErrWorkerSpawn, rank, err)
		}
		handles = append(handles, h)
	}

	if err := o.transition(ctx, model.StatusPolling); err != nil {
		o.ReapStragglers(handles)
		return nil, err
	}
	return handles, nil
}

func (o *Orchestrator) spawn(ctx context.Context, rank int, role string, stage int) (backend.Handle, error) {
	spec := backend.WorkerSpec{
		RunID:      o.run.ID,
		Rank:       rank,
		Role:       role,
		Stage:      stage,
		Config:     o.cfg,
		ConfigPath: filepath.Join(o.run.OutputDir, ConfigFile),
		RegionPath: o.region.Path(),
		MarkerDir:  o.env.ScratchDir,
		LogPath:    filepath.Join(o.run.OutputDir, WorkerLogDir, strconv.Itoa(rank)+".log"),
		LogWriter:  o.logWriter(rank),
	}
	if o.stale != nil {
		spec.StaleRegionPath = o.stale.Path()
	}
	if !o.backend.Capabilities().SeparateProcesses {
		spec.Markers = o.markers
	}

	h, err := o.backend.Spawn(ctx, spec)
	if err != nil {
		return nil, err
	}
	o.handles = append(o.handles, h)
	workerSpawnsTotal.WithLabelValues(role).Inc()
	o.logger.Info("started worker", "rank", rank, "role", role, "stage", stage, "pid", h.PID())

	w := &model.Worker{
		RunID:     o.run.ID,
		Rank:      rank,
		Role:      role,
		Stage:     stage,
		PID:       h.PID(),
		Status:    model.WorkerRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := o.store.UpsertWorker(context.Background(), w); err != nil {
		o.logger.Error("failed to persist worker", "rank", rank, "error", err)
	}
	o.watchers.Go(func() { o.watch(h, w) })
	return h, nil
}

// watch records the worker's exit once its handle is done.
func (o *Orchestrator) watch(h backend.Handle, w *model.Worker) {
	<-h.Done()
	now := time.Now().UTC()
	w.ExitedAt = &now
	w.Status = model.WorkerExited

	o.mu.Lock()
	if o.killed[h] {
		w.Status = model.WorkerKilled
	}
	o.mu.Unlock()

	if err := h.Err(); err != nil && w.Status == model.WorkerExited {
		o.logger.Warn("worker exited with error", "rank", w.Rank, "role", w.Role, "error", err)
	}
	if err := o.store.UpsertWorker(context.Background(), w); err != nil {
		o.logger.Error("failed to persist worker exit", "rank", w.Rank, "error", err)
	}
}

// logWriter persists each worker log line with a per-rank sequence number
// that continues across phases.
func (o *Orchestrator) logWriter(rank int) func(string) {
	return func(line string) {
		o.mu.Lock()
		seq := o.seqs[rank]
		o.seqs[rank]++
		o.mu.Unlock()
		if err := o.store.InsertLogLine(context.Background(), o.run.ID, rank, seq, line); err != nil {
			o.logger.Error("failed to persist log line", "rank", rank, "seq", seq, "error", err)
		}
	}
}

// PollLoop evaluates the shared parameters while any worker is alive.
func (o *Orchestrator) PollLoop(ctx context.Context, handles []backend.Handle, phase string) []model.EvalRecord {
	return o.PollUntil(ctx, handles, phase, nil)
}

// PollUntil is PollLoop with an extra stop condition checked before every
// evaluation. Each iteration appends one record tagged with the logical
// counter, then checkpoints if accuracy improved. It never waits on a worker.
func (o *Orchestrator) PollUntil(ctx context.Context, handles []backend.Handle, phase string, stop func() bool) []model.EvalRecord {
	o.beginPhase(phase)

	var recs []model.EvalRecord
	for {
		alive := backend.CountAlive(handles)
		liveWorkers.WithLabelValues(o.cfg.Name).Set(float64(alive))
		if alive == 0 || ctx.Err() != nil {
			break
		}
		if stop != nil && stop() {
			o.logger.Info("poll stopped by release", "phase", phase)
			break
		}
		if alive < len(handles) {
			o.releaseHeldWorkers(phase)
		}

		started := time.Now()
		rec := o.evaluate(o.counter, phase)
		o.record(ctx, rec)
		recs = append(recs, rec)
		o.counter++
		if _, err := o.CheckpointIfImproved(rec.Accuracy, o.region.Params()); err != nil {
			o.logger.Error("failed to save checkpoint", "error", err)
		}
		pollDuration.Observe(time.Since(started).Seconds())

		select {
		case <-ctx.Done():
		case <-time.After(o.cfg.EvalInterval):
		}
	}
	return recs
}

// releaseHeldWorkers writes the release marker the first time a training
// worker is seen to have exited, so workers holding biased updates apply them
// before training ends.
func (o *Orchestrator) releaseHeldWorkers(phase string) {
	if o.released || phase != model.PhaseTrain || o.cfg.Mode != model.ModeNormal || o.cfg.BiasDelay <= 0 {
		return
	}
	o.logger.Info("worker finished, releasing held updates")
	o.writeMarker(marker.Release, "release")
	o.released = true
}

// EvaluateAt evaluates and records the shared parameters at logical time t
// and checkpoints on improvement. A failed save is logged like any other
// checkpoint failure outside checkpoint loading.
func (o *Orchestrator) EvaluateAt(ctx context.Context, t int, phase string) model.EvalRecord {
	rec := o.evaluate(t, phase)
	o.record(ctx, rec)
	if _, err := o.CheckpointIfImproved(rec.Accuracy, o.region.Params()); err != nil {
		o.logger.Error("failed to save checkpoint", "time", t, "phase", phase, "error", err)
	}
	return rec
}

func (o *Orchestrator) evaluate(t int, phase string) model.EvalRecord {
	ev := o.model.Evaluate(o.region.Params(), o.test, o.cfg.TestBatchSize)
	return model.EvalRecord{
		Time:      t,
		Loss:      ev.Loss,
		Accuracy:  ev.Accuracy,
		Phase:     phase,
		PerLabel:  ev.PerLabel,
		CreatedAt: time.Now().UTC(),
	}
}

// beginPhase opens the eval log for a new phase: truncated for the first
// phase of a fresh run, appended otherwise.
func (o *Orchestrator) beginPhase(phase string) {
	if o.evals != nil {
		if err := o.evals.Close(); err != nil {
			o.logger.Warn("failed to close eval log", "error", err)
		}
		o.evals = nil
	}
	mode := evallog.ModeFor(o.phases == 0, o.prepended)
	o.phases++
	w, err := evallog.Open(o.run.OutputDir, o.cfg.Labels, mode)
	if err != nil {
		o.logger.Error("failed to open eval log", "phase", phase, "error", err)
		return
	}
	o.evals = w
}

// record appends rec to the eval log, the store and live subscribers.
func (o *Orchestrator) record(ctx context.Context, rec model.EvalRecord) {
	if o.evals != nil {
		if err := o.evals.Write(rec); err != nil {
			o.logger.Error("failed to write eval log", "time", rec.Time, "error", err)
		}
	}
	if err := o.store.InsertEvalRecord(ctx, o.run.ID, rec); err != nil {
		o.logger.Error("failed to persist eval record", "time", rec.Time, "error", err)
	}
	o.broker.Publish(o.run.ID, rec)

	evalAccuracy.WithLabelValues(o.cfg.Name).Set(rec.Accuracy)
	evalLoss.WithLabelValues(o.cfg.Name).Set(rec.Loss)
	evalRecordsTotal.WithLabelValues(rec.Phase).Inc()
	o.logger.Info("accuracy", "time", rec.Time, "phase", rec.Phase, "accuracy", rec.Accuracy, "loss", rec.Loss)
}

// CheckpointIfImproved saves params when acc is strictly above the best
// accuracy seen so far and reports whether it did. The watermark only moves
// after a successful save.
func (o *Orchestrator) CheckpointIfImproved(acc float64, params []float64) (bool, error) {
	if acc <= o.best {
		return false, nil
	}
	c := &checkpoint.Checkpoint{
		Run:      o.cfg.Name,
		Accuracy: acc,
		Params:   append([]float64(nil), params...),
		SavedAt:  time.Now().UTC(),
	}
	if err := o.ckpts.Save(c); err != nil {
		return false, err
	}
	o.best = acc
	checkpointSavesTotal.Inc()
	o.logger.Info("saved checkpoint", "path", o.ckpts.Path(), "accuracy", acc)

	ctx := context.Background()
	if err := o.store.UpdateBestAccuracy(ctx, o.run.ID, acc); err != nil {
		o.logger.Error("failed to persist best accuracy", "error", err)
	}
	save := model.CheckpointSave{RunID: o.run.ID, Path: o.ckpts.Path(), Accuracy: acc, SavedAt: c.SavedAt}
	if err := o.store.InsertCheckpointSave(ctx, save); err != nil {
		o.logger.Error("failed to persist checkpoint save", "error", err)
	}
	return true, nil
}

// Drain moves the run to draining, terminates any worker still alive and
// releases workers holding biased updates.
func (o *Orchestrator) Drain(ctx context.Context, handles []backend.Handle) error {
	if err := o.transition(ctx, model.StatusDraining); err != nil {
		return err
	}
	if err := o.ReapStragglers(handles); err != nil {
		o.logger.Warn("failed to terminate stragglers", "error", err)
	}
	if o.cfg.Mode == model.ModeNormal && o.cfg.BiasDelay > 0 {
		o.writeMarker(marker.Release, "release")
		o.released = true
	}
	return nil
}

// ReapStragglers forcibly terminates every handle that is still alive.
// Terminating an exited worker is a no-op, so it is safe to call repeatedly.
func (o *Orchestrator) ReapStragglers(handles []backend.Handle) error {
	var result *multierror.Error
	for _, h := range handles {
		if !h.Alive() {
			continue
		}
		o.mu.Lock()
		o.killed[h] = true
		o.mu.Unlock()
		o.logger.Info("terminating straggler", "rank", h.Rank(), "pid", h.PID())
		if err := h.Terminate(); err != nil {
			result = multierror.Append(result, fmt.Errorf("rank %d: %w", h.Rank(), err))
		}
	}
	return result.ErrorOrNil()
}

func (o *Orchestrator) finalize(ctx context.Context) error {
	if err := o.transition(ctx, model.StatusFinalizing); err != nil {
		return err
	}
	o.closeEvals()
	o.watchers.Wait()

	if !model.IsSimulation(o.cfg.Mode) {
		o.writeMarker(marker.Status, marker.StatusComplete)
	}
	if o.env.SharedDir != "" {
		dst := filepath.Join(o.env.SharedDir, o.cfg.Name)
		if err := outdir.CopyOut(o.run.OutputDir, dst); err != nil {
			return fmt.Errorf("%w: %w", outdir.ErrOutputDirectory, err)
		}
		o.logger.Info("copied output", "to", dst)
	}
	return o.transition(ctx, model.StatusDone)
}

func (o *Orchestrator) fail(err error) {
	o.logger.Error("run failed", "status", o.status, "error", err)
	if !model.IsSimulation(o.cfg.Mode) {
		o.writeMarker(marker.Status, marker.StatusFailed+": "+err.Error())
	}
	if ferr := o.store.FailRun(context.Background(), o.run.ID, err.Error()); ferr != nil {
		o.logger.Error("failed to mark run failed", "error", ferr)
	}
	o.status = model.StatusFailed
}

func (o *Orchestrator) cleanup() {
	o.closeEvals()
	if err := o.ReapStragglers(o.handles); err != nil {
		o.logger.Warn("failed to terminate stragglers", "error", err)
	}
	o.watchers.Wait()
	for _, r := range []*shm.Region{o.region, o.stale} {
		if r == nil {
			continue
		}
		if err := r.Remove(); err != nil {
			o.logger.Warn("failed to remove parameter region", "path", r.Path(), "error", err)
		}
	}
}

func (o *Orchestrator) closeEvals() {
	if o.evals == nil {
		return
	}
	if err := o.evals.Close(); err != nil {
		o.logger.Warn("failed to close eval log", "error", err)
	}
	o.evals = nil
}

func (o *Orchestrator) transition(ctx context.Context, status string) error {
	if o.status == status {
		return nil
	}
	// Status changes are persisted even while the run is being cancelled.
	if err := o.store.UpdateRunStatus(context.WithoutCancel(ctx), o.run.ID, status); err != nil {
		return fmt.Errorf("update run status to %s: %w", status, err)
	}
	o.logger.Debug("run status", "from", o.status, "to", status)
	o.status = status
	return nil
}

func (o *Orchestrator) writeMarker(name, content string) {
	if err := o.markers.Write(name, content); err != nil {
		o.logger.Error("failed to write marker", "marker", name, "error", err)
	}
}
