package metrics

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/tracker"
)

// Tracker feeds committed days into the package collectors.
type Tracker struct {
	peak decimal.Decimal
}

func NewTracker() *Tracker { return &Tracker{} }

func (t *Tracker) Observe(s tracker.Snapshot) error {
	DaysProcessed.Inc()
	for _, tx := range s.Transactions {
		dir := string(tx.Direction)
		FillsTotal.WithLabelValues(dir).Inc()
		FilledVolume.WithLabelValues(dir).Add(float64(tx.Volume))
	}
	for _, u := range s.Unfilled {
		RejectionsTotal.WithLabelValues(string(u.Reason)).Inc()
	}

	eq := s.Position.Equity
	Equity.Set(eq.InexactFloat64())
	if eq.GreaterThan(t.peak) {
		t.peak = eq
	}
	if t.peak.IsPositive() {
		Drawdown.Set(t.peak.Sub(eq).Div(t.peak).InexactFloat64())
	}
	return nil
}
