package store

import (
	"context"
	"fmt"

	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/tracker"
)

// Recorder persists each committed day of a run as it happens, so a run
// aborted mid-way still leaves its committed days in the store.
type Recorder struct {
	ctx   context.Context
	st    Store
	runID string
}

// NewRecorder records into run runID. ctx bounds every write.
func NewRecorder(ctx context.Context, st Store, runID string) *Recorder {
	return &Recorder{ctx: ctx, st: st, runID: runID}
}

func (r *Recorder) Observe(s tracker.Snapshot) error {
	if err := r.st.InsertTransactions(r.ctx, r.runID, s.Transactions); err != nil {
		return fmt.Errorf("record transactions %s: %w", model.DateString(s.Date), err)
	}
	if err := r.st.InsertDailyPositions(r.ctx, r.runID, []model.DailyPosition{s.Position}); err != nil {
		return fmt.Errorf("record position %s: %w", model.DateString(s.Date), err)
	}
	return nil
}

// Summarize turns performance statistics and the run error into the
// summary stored on the run header.
func Summarize(st tracker.Stats, runErr error) model.RunSummary {
	sum := model.RunSummary{
		Status:      model.RunFinished,
		Start:       st.Start,
		End:         st.End,
		FinalEquity: st.EndEquity,
		TotalReturn: st.TotalReturn,
		MaxDrawdown: st.MaxDrawdown,
		Sharpe:      st.Sharpe,
		Days:        st.Days,
		Trades:      st.Trades,
	}
	if runErr != nil {
		sum.Status = model.RunFailed
		sum.Error = runErr.Error()
	}
	return sum
}
