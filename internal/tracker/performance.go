package tracker

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// TradingDaysPerYear annualises daily statistics.
const TradingDaysPerYear = 252

// Stats summarises a run's equity curve.
type Stats struct {
	Start        time.Time       `json:"start"`
	End          time.Time       `json:"end"`
	Days         int             `json:"days"`
	StartEquity  decimal.Decimal `json:"start_equity"`
	EndEquity    decimal.Decimal `json:"end_equity"`
	TotalReturn  decimal.Decimal `json:"total_return"`
	AnnualReturn float64         `json:"annual_return"`
	MaxDrawdown  decimal.Decimal `json:"max_drawdown"`
	Volatility   float64         `json:"volatility"`
	Sharpe       float64         `json:"sharpe"`
	Trades       int             `json:"trades"`
	Rejections   int             `json:"rejections"`
}

// Performance accumulates the equity curve and drawdown.
type Performance struct {
	initial decimal.Decimal
	start   time.Time
	end     time.Time
	last    decimal.Decimal
	peak    decimal.Decimal
	maxDD   decimal.Decimal
	returns []float64
	trades  int
	rejects int
}

// NewPerformance measures returns against the initial capital.
func NewPerformance(initial decimal.Decimal) *Performance {
	return &Performance{initial: initial, last: initial, peak: initial}
}

func (p *Performance) Observe(s Snapshot) error {
	if p.start.IsZero() {
		p.start = s.Date
	}
	p.end = s.Date
	eq := s.Position.Equity
	if p.last.IsPositive() {
		r := eq.Div(p.last).Sub(decimal.NewFromInt(1))
		p.returns = append(p.returns, r.InexactFloat64())
	}
	p.last = eq
	if eq.GreaterThan(p.peak) {
		p.peak = eq
	}
	if p.peak.IsPositive() {
		if dd := p.peak.Sub(eq).Div(p.peak); dd.GreaterThan(p.maxDD) {
			p.maxDD = dd
		}
	}
	p.trades += len(s.Transactions)
	p.rejects += len(s.Unfilled)
	return nil
}

// Drawdown returns the current drawdown from the running peak.
func (p *Performance) Drawdown() decimal.Decimal {
	if !p.peak.IsPositive() {
		return decimal.Zero
	}
	return p.peak.Sub(p.last).Div(p.peak)
}

// Stats computes the summary. Sharpe uses a zero risk-free rate.
func (p *Performance) Stats() Stats {
	st := Stats{
		Start:       p.start,
		End:         p.end,
		Days:        len(p.returns),
		StartEquity: p.initial,
		EndEquity:   p.last,
		MaxDrawdown: p.maxDD,
		Trades:      p.trades,
		Rejections:  p.rejects,
	}
	if p.initial.IsPositive() {
		st.TotalReturn = p.last.Div(p.initial).Sub(decimal.NewFromInt(1))
	}
	if n := len(p.returns); n > 0 {
		growth := p.last.Div(p.initial).InexactFloat64()
		if growth > 0 {
			st.AnnualReturn = math.Pow(growth, TradingDaysPerYear/float64(n)) - 1
		}
		mean, sd := meanStd(p.returns)
		st.Volatility = sd * math.Sqrt(TradingDaysPerYear)
		if sd > 0 {
			st.Sharpe = mean / sd * math.Sqrt(TradingDaysPerYear)
		}
	}
	return st
}

// meanStd returns the mean and sample standard deviation.
func meanStd(xs []float64) (float64, float64) {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(ss / float64(len(xs)-1))
}
