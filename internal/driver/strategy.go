package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/ledger"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/order"
	"github.com/atmx/backtest-engine/internal/risk"
)

// Session is the strategy's view of one trading day.
type Session struct {
	Date   time.Time
	Bars   model.BarSet
	Ledger *ledger.Ledger
	Stops  *risk.StopManager
}

// Submit places an order for execution at today's matching.
func (s *Session) Submit(o *order.Order) (uint64, error) {
	return s.Ledger.Submit(o)
}

// Buy places a market buy.
func (s *Session) Buy(instrument string, qty int64) (uint64, error) {
	return s.market(instrument, order.Buy, qty)
}

// Sell places a market sell.
func (s *Session) Sell(instrument string, qty int64) (uint64, error) {
	return s.market(instrument, order.Sell, qty)
}

func (s *Session) market(instrument string, action order.Action, qty int64) (uint64, error) {
	o, err := order.NewMarket(instrument, action, qty, s.Date)
	if err != nil {
		return 0, err
	}
	return s.Ledger.Submit(o)
}

// Strategy decides each day's orders. An error aborts the run.
type Strategy interface {
	OnDay(ctx context.Context, s *Session) error
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, s *Session) error

func (f StrategyFunc) OnDay(ctx context.Context, s *Session) error { return f(ctx, s) }

var (
	ErrDuplicateSignal = errors.New("driver: duplicate signal")
	ErrInvalidSignal   = errors.New("driver: invalid signal")
)

// Mode says how a signal value is read.
type Mode uint8

const (
	// ModeWeight reads values as fractions of equity.
	ModeWeight Mode = iota
	// ModeShares reads values as target share counts.
	ModeShares
)

// ParseMode accepts "weight" (the default when empty) or "shares".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "weight", "weights":
		return ModeWeight, nil
	case "shares", "share":
		return ModeShares, nil
	default:
		return ModeWeight, fmt.Errorf("%w: unknown mode %q", ErrInvalidSignal, s)
	}
}

// Signal is one (date, instrument) row of the strategy input table.
type Signal struct {
	Date       time.Time       `json:"date"`
	Instrument string          `json:"instrument"`
	Value      decimal.Decimal `json:"value"`
}

// WeightTable holds target portfolios keyed by date. A date's rows are the
// complete target: held instruments without a row are sold.
type WeightTable struct {
	mode   Mode
	byDate map[time.Time][]Signal
	dates  []time.Time
}

// NewWeightTable indexes signals by date. Duplicate (date, instrument)
// pairs and negative values are rejected.
func NewWeightTable(mode Mode, signals []Signal) (*WeightTable, error) {
	t := &WeightTable{mode: mode, byDate: make(map[time.Time][]Signal)}
	type key struct {
		date time.Time
		id   string
	}
	seen := make(map[key]bool, len(signals))
	for _, s := range signals {
		s.Date = model.Day(s.Date)
		if s.Instrument == "" {
			return nil, fmt.Errorf("%w: empty instrument on %s", ErrInvalidSignal, model.DateString(s.Date))
		}
		if s.Value.IsNegative() {
			return nil, fmt.Errorf("%w: %s on %s has negative value %s",
				ErrInvalidSignal, s.Instrument, model.DateString(s.Date), s.Value)
		}
		k := key{s.Date, s.Instrument}
		if seen[k] {
			return nil, fmt.Errorf("%w: %s on %s", ErrDuplicateSignal, s.Instrument, model.DateString(s.Date))
		}
		seen[k] = true
		if _, ok := t.byDate[s.Date]; !ok {
			t.dates = append(t.dates, s.Date)
		}
		t.byDate[s.Date] = append(t.byDate[s.Date], s)
	}
	sort.Slice(t.dates, func(i, j int) bool { return t.dates[i].Before(t.dates[j]) })
	return t, nil
}

// Mode returns how values are read.
func (t *WeightTable) Mode() Mode { return t.mode }

// On returns the rows for date, if any.
func (t *WeightTable) On(date time.Time) ([]Signal, bool) {
	rows, ok := t.byDate[model.Day(date)]
	return rows, ok
}

// Dates returns the rebalance dates in order.
func (t *WeightTable) Dates() []time.Time {
	return append([]time.Time(nil), t.dates...)
}

// Rebalance trades toward the table's target portfolio on each of its
// dates. Sells are submitted before buys so their proceeds fund the buys
// and cash adaptation only ever shrinks the last buy.
type Rebalance struct {
	table *WeightTable
	log   *slog.Logger
}

// NewRebalance creates a rebalancing strategy over table.
func NewRebalance(table *WeightTable, log *slog.Logger) *Rebalance {
	if log == nil {
		log = slog.Default()
	}
	return &Rebalance{table: table, log: log}
}

func (r *Rebalance) OnDay(_ context.Context, s *Session) error {
	rows, ok := r.table.On(s.Date)
	if !ok {
		return nil
	}
	targets := r.targets(s, rows)

	ids := make([]string, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var buys []string
	for _, id := range ids {
		delta := targets[id] - s.Ledger.Shares(id)
		switch {
		case delta < 0:
			if _, err := s.Sell(id, -delta); err != nil {
				return err
			}
		case delta > 0:
			buys = append(buys, id)
		}
	}
	for _, id := range buys {
		if _, err := s.Buy(id, targets[id]-s.Ledger.Shares(id)); err != nil {
			return err
		}
	}
	return nil
}

// targets converts the day's rows to share counts. Held instruments absent
// from the rows get a zero target.
func (r *Rebalance) targets(s *Session, rows []Signal) map[string]int64 {
	cfg := s.Ledger.Config()
	targets := make(map[string]int64, len(rows))
	for _, p := range s.Ledger.Positions() {
		targets[p.Instrument] = 0
	}
	if r.table.mode == ModeShares {
		for _, row := range rows {
			targets[row.Instrument] = row.Value.IntPart()
		}
		return targets
	}

	equity := s.Ledger.Equity(cfg.PriceType)
	for _, row := range rows {
		if row.Value.IsZero() {
			targets[row.Instrument] = 0
			continue
		}
		rec, ok := s.Bars.Get(row.Instrument)
		px := rec.Price(cfg.PriceType)
		if !ok || !px.IsPositive() {
			// Keep the current holding when the instrument cannot be priced.
			delete(targets, row.Instrument)
			r.log.Debug("signal skipped, no price",
				"date", model.DateString(s.Date),
				"instrument", row.Instrument,
			)
			continue
		}
		targets[row.Instrument] = equity.Mul(row.Value).Div(px).IntPart()
	}
	return targets
}
