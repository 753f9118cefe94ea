// Package store persists backtest runs and their outputs. Implementations
// include PostgreSQL (source of truth), Redis (read-through cache), and
// in-memory (for tests and the CLI).
package store

import (
	"context"
	"errors"

	"github.com/atmx/backtest-engine/internal/model"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Runs ---

	// CreateRun persists a new run header in RUNNING state.
	CreateRun(ctx context.Context, run *model.Run) error

	// GetRun retrieves a run by its ID.
	GetRun(ctx context.Context, id string) (*model.Run, error)

	// ListRuns returns every run, newest first.
	ListRuns(ctx context.Context) ([]model.Run, error)

	// FinishRun records the outcome of a run.
	FinishRun(ctx context.Context, id string, sum model.RunSummary) error

	// --- Immutable outputs ---

	// InsertTransactions appends transaction records to a run.
	InsertTransactions(ctx context.Context, runID string, txns []model.TransactionRecord) error

	// GetTransactions returns a run's transaction log in execution order.
	GetTransactions(ctx context.Context, runID string) ([]model.TransactionRecord, error)

	// InsertDailyPositions appends total-position records to a run.
	InsertDailyPositions(ctx context.Context, runID string, days []model.DailyPosition) error

	// GetDailyPositions returns a run's daily records in date order.
	GetDailyPositions(ctx context.Context, runID string) ([]model.DailyPosition, error)
}
