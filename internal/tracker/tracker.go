// Package tracker records read-only views of each committed day: the
// total-position trace, detailed per-holding rows and performance stats.
package tracker

import (
	"time"

	"github.com/atmx/backtest-engine/internal/config"
	"github.com/atmx/backtest-engine/internal/model"
)

// Snapshot is the committed state of one trading day.
type Snapshot struct {
	Date         time.Time
	Position     model.DailyPosition
	Details      []model.PositionDetail
	Transactions []model.TransactionRecord // appended today
	Unfilled     []model.UnfilledOrder     // recorded today
}

// Traded reports whether any transaction was recorded that day.
func (s Snapshot) Traded() bool { return len(s.Transactions) > 0 }

// Observer receives each day's snapshot after the ledger commits. An error
// aborts the run.
type Observer interface {
	Observe(s Snapshot) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(s Snapshot) error

func (f ObserverFunc) Observe(s Snapshot) error { return f(s) }

// TotalPositions keeps the daily total-position trace.
type TotalPositions struct {
	records []model.DailyPosition
}

func NewTotalPositions() *TotalPositions { return &TotalPositions{} }

func (t *TotalPositions) Observe(s Snapshot) error {
	t.records = append(t.records, s.Position)
	return nil
}

// Records returns the trace in date order.
func (t *TotalPositions) Records() []model.DailyPosition {
	out := make([]model.DailyPosition, len(t.records))
	copy(out, t.records)
	return out
}

// Details keeps per-holding rows at the configured granularity.
type Details struct {
	granularity config.DetailGranularity
	rows        []model.PositionDetail
}

func NewDetails(g config.DetailGranularity) *Details {
	return &Details{granularity: g}
}

func (t *Details) Observe(s Snapshot) error {
	switch t.granularity {
	case config.DetailEveryDay:
		t.rows = append(t.rows, s.Details...)
	case config.DetailTradeDays:
		if s.Traded() {
			t.rows = append(t.rows, s.Details...)
		}
	case config.DetailFinalDay:
		t.rows = append(t.rows[:0], s.Details...)
	}
	return nil
}

// Rows returns the recorded rows. With FinalDay granularity these are the
// rows of the last day observed.
func (t *Details) Rows() []model.PositionDetail {
	out := make([]model.PositionDetail, len(t.rows))
	copy(out, t.rows)
	return out
}

// Multi fans a snapshot out to several observers, stopping at the first
// error.
type Multi []Observer

func (m Multi) Observe(s Snapshot) error {
	for _, o := range m {
		if err := o.Observe(s); err != nil {
			return err
		}
	}
	return nil
}
