package store

import (
	"context"
	"errors"

	"github.com/seantiz/hogwild/internal/model"
)

// ErrInvalidTransition is returned when a run status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// RunStats holds aggregate run statistics.
type RunStats struct {
	Total           int            `json:"total"`
	CountByStatus   map[string]int `json:"count_by_status"`
	CountByMode     map[string]int `json:"count_by_mode"`
	BestAccuracy    float64        `json:"best_accuracy"`
	EvalRecords     int            `json:"eval_records"`
	CheckpointSaves int            `json:"checkpoint_saves"`
}

// Store defines the persistence operations for runs and their history.
type Store interface {
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	GetLatestRunByName(ctx context.Context, name string) (*model.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error)
	UpdateRunStatus(ctx context.Context, id, status string) error
	FailRun(ctx context.Context, id, errMsg string) error
	UpdateBestAccuracy(ctx context.Context, id string, acc float64) error
	GetRunStats(ctx context.Context) (*RunStats, error)

	InsertEvalRecord(ctx context.Context, runID string, rec model.EvalRecord) error
	ListEvalRecords(ctx context.Context, runID string) ([]model.EvalRecord, error)

	UpsertWorker(ctx context.Context, w *model.Worker) error
	ListWorkers(ctx context.Context, runID string) ([]model.Worker, error)

	InsertLogLine(ctx context.Context, runID string, rank, seq int, line string) error
	GetLogLines(ctx context.Context, runID string, rank int) ([]model.LogLine, error)

	InsertCheckpointSave(ctx context.Context, c model.CheckpointSave) error
	ListCheckpointSaves(ctx context.Context, runID string) ([]model.CheckpointSave, error)

	Close() error
}
