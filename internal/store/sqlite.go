package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/hogwild/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    mode          TEXT NOT NULL,
    status        TEXT NOT NULL,
    processes     INTEGER NOT NULL,
    best_accuracy REAL NOT NULL DEFAULT 0,
    output_dir    TEXT NOT NULL,
    error         TEXT NOT NULL DEFAULT '',
    created_at    DATETIME NOT NULL,
    started_at    DATETIME,
    finished_at   DATETIME
)`

const createEvalRecordsTable = `
CREATE TABLE IF NOT EXISTS eval_records (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL REFERENCES runs(id),
    time       INTEGER NOT NULL,
    phase      TEXT NOT NULL,
    loss       REAL NOT NULL,
    accuracy   REAL NOT NULL,
    per_label  TEXT,
    created_at DATETIME NOT NULL
)`

const createWorkersTable = `
CREATE TABLE IF NOT EXISTS workers (
    run_id     TEXT NOT NULL REFERENCES runs(id),
    rank       INTEGER NOT NULL,
    role       TEXT NOT NULL,
    stage      INTEGER NOT NULL,
    pid        INTEGER NOT NULL,
    status     TEXT NOT NULL,
    started_at DATETIME NOT NULL,
    exited_at  DATETIME,
    PRIMARY KEY (run_id, rank, role, stage)
)`

const createWorkerLogsTable = `
CREATE TABLE IF NOT EXISTS worker_logs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL,
    rank       INTEGER NOT NULL,
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createCheckpointsTable = `
CREATE TABLE IF NOT EXISTS checkpoint_saves (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id   TEXT NOT NULL REFERENCES runs(id),
    path     TEXT NOT NULL,
    accuracy REAL NOT NULL,
    saved_at DATETIME NOT NULL
)`

const runColumns = `id, name, mode, status, processes, best_accuracy, output_dir,
	error, created_at, started_at, finished_at`

// ErrNotFound is returned when a run is not found.
var ErrNotFound = errors.New("run not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Every connection to :memory: is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{
		createRunsTable,
		createEvalRecordsTable,
		createWorkersTable,
		createWorkerLogsTable,
		createCheckpointsTable,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create tables: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(sc rowScanner) (*model.Run, error) {
	r := &model.Run{}
	err := sc.Scan(
		&r.ID, &r.Name, &r.Mode, &r.Status, &r.Processes, &r.BestAccuracy, &r.OutputDir,
		&r.Error, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	return r, err
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Mode, r.Status, r.Processes, r.BestAccuracy, r.OutputDir,
		r.Error, r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// GetLatestRunByName retrieves the most recently created run with the given name.
func (s *SQLiteStore) GetLatestRunByName(ctx context.Context, name string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE name = ? ORDER BY created_at DESC, id DESC LIMIT 1`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run by name: %w", err)
	}
	return r, nil
}

// ListRuns returns a paginated list of runs ordered by created_at DESC,
// along with the total count of all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// UpdateRunStatus moves a run to status if the transition is allowed. Leaving
// init sets started_at; entering a terminal status sets finished_at.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM runs WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get run status: %w", err)
	}
	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()
	switch {
	case current == model.StatusInit:
		_, err = tx.ExecContext(ctx, "UPDATE runs SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	case model.IsTerminal(status):
		_, err = tx.ExecContext(ctx, "UPDATE runs SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
	default:
		_, err = tx.ExecContext(ctx, "UPDATE runs SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return tx.Commit()
}

// FailRun marks a non-terminal run as failed with errMsg.
func (s *SQLiteStore) FailRun(ctx context.Context, id, errMsg string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, finished_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		model.StatusFailed, errMsg, time.Now().UTC(), id, model.StatusDone, model.StatusFailed,
	)
	if err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetRun(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: run already finished", ErrInvalidTransition)
	}
	return nil
}

// UpdateBestAccuracy records the run's best accuracy watermark.
func (s *SQLiteStore) UpdateBestAccuracy(ctx context.Context, id string, acc float64) error {
	result, err := s.db.ExecContext(ctx, "UPDATE runs SET best_accuracy = ? WHERE id = ?", acc, id)
	if err != nil {
		return fmt.Errorf("update best accuracy: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRunStats aggregates counts across all runs.
func (s *SQLiteStore) GetRunStats(ctx context.Context) (*RunStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &RunStats{
		CountByStatus: make(map[string]int),
		CountByMode:   make(map[string]int),
	}

	var best sql.NullFloat64
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*), MAX(best_accuracy) FROM runs").Scan(&stats.Total, &best); err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	stats.BestAccuracy = best.Float64

	for column, dst := range map[string]map[string]int{"status": stats.CountByStatus, "mode": stats.CountByMode} {
		rows, err := tx.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM runs GROUP BY "+column)
		if err != nil {
			return nil, fmt.Errorf("count by %s: %w", column, err)
		}
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s count: %w", column, err)
			}
			dst[key] = n
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate %s counts: %w", column, err)
		}
		rows.Close()
	}

	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM eval_records").Scan(&stats.EvalRecords); err != nil {
		return nil, fmt.Errorf("count eval records: %w", err)
	}
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM checkpoint_saves").Scan(&stats.CheckpointSaves); err != nil {
		return nil, fmt.Errorf("count checkpoint saves: %w", err)
	}
	return stats, nil
}

// InsertEvalRecord appends an evaluation record to the run's history.
func (s *SQLiteStore) InsertEvalRecord(ctx context.Context, runID string, rec model.EvalRecord) error {
	var perLabel []byte
	if len(rec.PerLabel) > 0 {
		var err error
		if perLabel, err = json.Marshal(rec.PerLabel); err != nil {
			return fmt.Errorf("marshal per-label accuracy: %w", err)
		}
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO eval_records (run_id, time, phase, loss, accuracy, per_label, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, rec.Time, rec.Phase, rec.Loss, rec.Accuracy, perLabel, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert eval record: %w", err)
	}
	return nil
}

// ListEvalRecords returns the run's evaluation records in insertion order.
func (s *SQLiteStore) ListEvalRecords(ctx context.Context, runID string) ([]model.EvalRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT time, phase, loss, accuracy, per_label, created_at
		FROM eval_records WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list eval records: %w", err)
	}
	defer rows.Close()

	var recs []model.EvalRecord
	for rows.Next() {
		var rec model.EvalRecord
		var perLabel []byte
		if err := rows.Scan(&rec.Time, &rec.Phase, &rec.Loss, &rec.Accuracy, &perLabel, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan eval record: %w", err)
		}
		if len(perLabel) > 0 {
			if err := json.Unmarshal(perLabel, &rec.PerLabel); err != nil {
				return nil, fmt.Errorf("decode per-label accuracy: %w", err)
			}
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate eval records: %w", err)
	}
	return recs, nil
}

// UpsertWorker inserts a worker or updates its pid, status and exit time.
func (s *SQLiteStore) UpsertWorker(ctx context.Context, w *model.Worker) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workers (run_id, rank, role, stage, pid, status, started_at, exited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, rank, role, stage) DO UPDATE SET
			pid = excluded.pid,
			status = excluded.status,
			exited_at = excluded.exited_at`,
		w.RunID, w.Rank, w.Role, w.Stage, w.PID, w.Status, w.StartedAt, w.ExitedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert worker: %w", err)
	}
	return nil
}

// ListWorkers returns the run's workers ordered by start time and rank.
func (s *SQLiteStore) ListWorkers(ctx context.Context, runID string) ([]model.Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, rank, role, stage, pid, status, started_at, exited_at
		FROM workers WHERE run_id = ? ORDER BY started_at ASC, rank ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var workers []model.Worker
	for rows.Next() {
		var w model.Worker
		if err := rows.Scan(&w.RunID, &w.Rank, &w.Role, &w.Stage, &w.PID, &w.Status, &w.StartedAt, &w.ExitedAt); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workers: %w", err)
	}
	return workers, nil
}

// InsertLogLine persists a single worker log line.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, runID string, rank, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO worker_logs (run_id, rank, seq, line, created_at) VALUES (?, ?, ?, ?, ?)",
		runID, rank, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns a worker's log lines ordered by seq. A negative rank
// returns the lines of every worker in insertion order.
func (s *SQLiteStore) GetLogLines(ctx context.Context, runID string, rank int) ([]model.LogLine, error) {
	var rows *sql.Rows
	var err error
	if rank < 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, run_id, rank, seq, line, created_at FROM worker_logs
			WHERE run_id = ? ORDER BY id ASC`, runID)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, run_id, rank, seq, line, created_at FROM worker_logs
			WHERE run_id = ? AND rank = ? ORDER BY seq ASC`, runID, rank)
	}
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	var lines []model.LogLine
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.RunID, &l.Rank, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}

// InsertCheckpointSave records that a best checkpoint was written.
func (s *SQLiteStore) InsertCheckpointSave(ctx context.Context, c model.CheckpointSave) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO checkpoint_saves (run_id, path, accuracy, saved_at) VALUES (?, ?, ?, ?)",
		c.RunID, c.Path, c.Accuracy, c.SavedAt,
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint save: %w", err)
	}
	return nil
}

// ListCheckpointSaves returns the run's checkpoint saves in order.
func (s *SQLiteStore) ListCheckpointSaves(ctx context.Context, runID string) ([]model.CheckpointSave, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT run_id, path, accuracy, saved_at FROM checkpoint_saves WHERE run_id = ? ORDER BY id ASC", runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoint saves: %w", err)
	}
	defer rows.Close()

	var saves []model.CheckpointSave
	for rows.Next() {
		var c model.CheckpointSave
		if err := rows.Scan(&c.RunID, &c.Path, &c.Accuracy, &c.SavedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint save: %w", err)
		}
		saves = append(saves, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoint saves: %w", err)
	}
	return saves, nil
}
