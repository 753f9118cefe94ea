// Package driver sequences one backtest: each day it pulls the next bar set,
// applies corporate actions, runs the strategy and stop rules against the
// ledger, commits, and hands the committed snapshot to trackers.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/backtest-engine/internal/corporate"
	"github.com/atmx/backtest-engine/internal/feed"
	"github.com/atmx/backtest-engine/internal/ledger"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/risk"
	"github.com/atmx/backtest-engine/internal/tracker"
)

// Stage names the step of a day that failed.
type Stage string

const (
	StageFeed      Stage = "feed"
	StageCorporate Stage = "corporate"
	StageStrategy  Stage = "strategy"
	StageMatch     Stage = "match"
	StageStops     Stage = "stops"
	StageHedge     Stage = "hedge"
	StageCommit    Stage = "commit"
	StageObserve   Stage = "observe"
	StageHook      Stage = "hook"
)

// DayError is a fatal error that aborted the run. The ledger has been
// rolled back to the last committed day.
type DayError struct {
	Date       time.Time
	Instrument string
	Stage      Stage
	Err        error
}

func (e *DayError) Error() string {
	if e.Instrument != "" {
		return fmt.Sprintf("driver: %s %s (%s): %v", model.DateString(e.Date), e.Instrument, e.Stage, e.Err)
	}
	return fmt.Sprintf("driver: %s (%s): %v", model.DateString(e.Date), e.Stage, e.Err)
}

func (e *DayError) Unwrap() error { return e.Err }

// Hooks are optional callbacks invoked at fixed points of each day. Nil
// slots are skipped. An error aborts the run like a strategy error.
type Hooks struct {
	BeforeDay      func(bars model.BarSet) error
	AfterCorporate func(s *Session) error
	AfterStrategy  func(s *Session) error
	AfterDay       func(snap tracker.Snapshot) error
}

// Result holds everything committed by a run.
type Result struct {
	Days         []model.DailyPosition
	Transactions []model.TransactionRecord
	Unfilled     []model.UnfilledOrder
	Final        []model.PositionDetail
}

// Driver runs the per-day state machine. It owns the ledger for the
// duration of Run.
type Driver struct {
	feed      feed.Feed
	ledger    *ledger.Ledger
	strategy  Strategy
	corporate *corporate.Handler
	stops     *risk.StopManager
	observers tracker.Multi
	hooks     Hooks
	log       *slog.Logger
}

// Option configures a Driver.
type Option func(*Driver)

// WithCorporate sets the corporate-action handler.
func WithCorporate(h *corporate.Handler) Option {
	return func(d *Driver) { d.corporate = h }
}

// WithStops replaces the stop manager built from the ledger's config.
func WithStops(m *risk.StopManager) Option {
	return func(d *Driver) { d.stops = m }
}

// WithObservers appends trackers notified after each commit.
func WithObservers(obs ...tracker.Observer) Option {
	return func(d *Driver) { d.observers = append(d.observers, obs...) }
}

// WithHooks sets the callback slots.
func WithHooks(h Hooks) Option {
	return func(d *Driver) { d.hooks = h }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) { d.log = l }
}

// New creates a driver over f and l. A nil strategy only holds positions.
func New(f feed.Feed, l *ledger.Ledger, s Strategy, opts ...Option) *Driver {
	d := &Driver{
		feed:     f,
		ledger:   l,
		strategy: s,
		stops:    risk.NewStopManager(l.Config().Stops),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.corporate == nil {
		d.corporate = corporate.NewHandler(nil, nil, corporate.WithLogger(d.log))
	}
	if d.strategy == nil {
		d.strategy = StrategyFunc(func(context.Context, *Session) error { return nil })
	}
	return d
}

// Stops returns the stop manager.
func (d *Driver) Stops() *risk.StopManager { return d.stops }

// Ledger returns the ledger the driver runs against.
func (d *Driver) Ledger() *ledger.Ledger { return d.ledger }

// Run replays the feed to exhaustion. Cancellation of ctx is honoured
// between days. On error the returned Result holds the committed days only.
func (d *Driver) Run(ctx context.Context) (Result, error) {
	var res Result
	start := time.Now()
	d.log.Info("backtest started")

	for {
		if err := ctx.Err(); err != nil {
			return d.finish(res), err
		}
		bars, err := d.feed.Advance()
		if errors.Is(err, feed.ErrExhausted) {
			break
		}
		if err != nil {
			d.ledger.Rollback()
			return d.finish(res), d.fail(d.ledger.Date(), StageFeed, err)
		}

		snap, err := d.step(ctx, bars, &res)
		if err != nil {
			d.ledger.Rollback()
			d.log.Error("backtest aborted", "date", model.DateString(bars.Date), "err", err)
			return d.finish(res), err
		}
		d.log.Debug("day committed",
			"date", model.DateString(snap.Date),
			"equity", snap.Position.Equity.StringFixed(2),
			"cash", snap.Position.Cash.StringFixed(2),
			"fills", len(snap.Transactions),
			"unfilled", len(snap.Unfilled),
		)
	}

	res = d.finish(res)
	d.log.Info("backtest finished",
		"days", len(res.Days),
		"transactions", len(res.Transactions),
		"unfilled", len(res.Unfilled),
		"elapsed", time.Since(start).String(),
	)
	return res, nil
}

func (d *Driver) finish(res Result) Result {
	res.Transactions = d.ledger.Transactions()
	res.Unfilled = d.ledger.Unfilled()
	if len(res.Days) > 0 {
		res.Final = d.ledger.Details()
	}
	return res
}

// step runs one trading day through commit and observation.
func (d *Driver) step(ctx context.Context, bars model.BarSet, res *Result) (tracker.Snapshot, error) {
	date := bars.Date
	txStart, unStart := d.ledger.Counts()

	if fn := d.hooks.BeforeDay; fn != nil {
		if err := fn(bars); err != nil {
			return tracker.Snapshot{}, d.fail(date, StageHook, err)
		}
	}
	d.ledger.BeginDay(bars)
	sess := &Session{Date: date, Bars: bars, Ledger: d.ledger, Stops: d.stops}

	if _, err := d.corporate.Apply(date, bars, d.ledger); err != nil {
		return tracker.Snapshot{}, d.fail(date, StageCorporate, err)
	}
	if fn := d.hooks.AfterCorporate; fn != nil {
		if err := fn(sess); err != nil {
			return tracker.Snapshot{}, d.fail(date, StageHook, err)
		}
	}

	// Intraday stops execute on the side of the day opposite to the trading
	// price: before close-priced trading, after open-priced trading.
	closePriced := d.ledger.Config().PriceType == model.PriceClose
	if closePriced {
		if err := d.intradayStops(bars); err != nil {
			return tracker.Snapshot{}, d.fail(date, StageStops, err)
		}
	}
	if err := d.strategy.OnDay(ctx, sess); err != nil {
		return tracker.Snapshot{}, d.fail(date, StageStrategy, err)
	}
	if err := d.ledger.Match(bars); err != nil {
		return tracker.Snapshot{}, d.fail(date, StageMatch, err)
	}
	if !closePriced {
		if err := d.intradayStops(bars); err != nil {
			return tracker.Snapshot{}, d.fail(date, StageStops, err)
		}
	}
	if fn := d.hooks.AfterStrategy; fn != nil {
		if err := fn(sess); err != nil {
			return tracker.Snapshot{}, d.fail(date, StageHook, err)
		}
	}

	if err := d.closeStops(date, bars); err != nil {
		return tracker.Snapshot{}, d.fail(date, StageStops, err)
	}
	if _, err := d.ledger.Hedge(); err != nil {
		return tracker.Snapshot{}, d.fail(date, StageHedge, err)
	}
	dp, err := d.ledger.Commit()
	if err != nil {
		return tracker.Snapshot{}, d.fail(date, StageCommit, err)
	}
	res.Days = append(res.Days, dp)

	snap := tracker.Snapshot{
		Date:         date,
		Position:     dp,
		Details:      d.ledger.Details(),
		Transactions: d.ledger.TransactionsSince(txStart),
		Unfilled:     d.ledger.UnfilledSince(unStart),
	}
	if err := d.observers.Observe(snap); err != nil {
		return snap, d.fail(date, StageObserve, err)
	}
	if fn := d.hooks.AfterDay; fn != nil {
		if err := fn(snap); err != nil {
			return snap, d.fail(date, StageHook, err)
		}
	}
	return snap, nil
}

// fail wraps err with the day and, when the error names one, the
// instrument.
func (d *Driver) fail(date time.Time, stage Stage, err error) error {
	de := &DayError{Date: date, Stage: stage, Err: err}
	var (
		dup        *feed.DuplicateBarError
		outOfOrder *feed.OutOfOrderError
		unresolved *corporate.UnresolvedMergerError
		missing    *corporate.MissingBarError
	)
	switch {
	case errors.As(err, &dup):
		de.Date, de.Instrument = dup.Date, dup.Instrument
	case errors.As(err, &outOfOrder):
		de.Date, de.Instrument = outOfOrder.Date, outOfOrder.Instrument
	case errors.As(err, &unresolved):
		de.Instrument = unresolved.Instrument
	case errors.As(err, &missing):
		de.Instrument = missing.Instrument
	}
	return de
}
