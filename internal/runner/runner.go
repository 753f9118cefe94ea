// Package runner assembles one backtest from loaded inputs: it builds the
// feed, ledger, corporate handler and strategy, registers the run in the
// store, drives it to completion and records the outcome.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/backtest-engine/internal/config"
	"github.com/atmx/backtest-engine/internal/corporate"
	"github.com/atmx/backtest-engine/internal/driver"
	"github.com/atmx/backtest-engine/internal/feed"
	"github.com/atmx/backtest-engine/internal/ledger"
	"github.com/atmx/backtest-engine/internal/metrics"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/store"
	"github.com/atmx/backtest-engine/internal/tracker"
)

var (
	// ErrInvalidInput wraps every error raised before a run is stored.
	ErrInvalidInput = errors.New("runner: invalid input")
	// ErrNoPrices is returned when a run has no price input at all.
	ErrNoPrices = errors.New("runner: no price records")
)

// Inputs is everything one run consumes.
type Inputs struct {
	Name   string
	Config config.Config
	// Prices are served from a materialized feed. Sources, when set, are
	// served lazily instead.
	Prices  map[string][]model.PriceRecord
	Sources map[string]feed.RecordSource
	// Events are the corporate actions. When empty they are derived from the
	// dummy-tagged price records.
	Events  []model.ExtendedStatusEvent
	Mergers []model.MergerRecord
	Signals []driver.Signal
	Mode    driver.Mode
	Seeds   []model.PositionRecord
	// End truncates the feed; zero runs to the last date.
	End time.Time
}

// Outcome is a finished run.
type Outcome struct {
	Run     *model.Run
	Result  driver.Result
	Stats   tracker.Stats
	Details []model.PositionDetail
}

// ObserverFactory builds an extra per-run observer, such as a progress
// broadcaster or a Kafka publisher.
type ObserverFactory func(ctx context.Context, runID string) tracker.Observer

// FinishHook is called with the stored run header once a run has finished,
// whatever its status.
type FinishHook func(ctx context.Context, run *model.Run)

// Runner executes runs against a store.
type Runner struct {
	store     store.Store
	factories []ObserverFactory
	hooks     []FinishHook
	log       *slog.Logger
	now       func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithObserver adds a per-run observer factory.
func WithObserver(f ObserverFactory) Option {
	return func(r *Runner) { r.factories = append(r.factories, f) }
}

// WithFinishHook adds a hook run after the header is finished.
func WithFinishHook(h FinishHook) Option {
	return func(r *Runner) { r.hooks = append(r.hooks, h) }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.log = l }
}

// New creates a runner persisting into st.
func New(st store.Store, opts ...Option) *Runner {
	r := &Runner{store: st, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one backtest. Input errors are returned before anything is
// stored. A run that fails mid-way is still finished in the store as FAILED
// with its committed days, and the error is returned alongside the outcome.
func (r *Runner) Run(ctx context.Context, in Inputs) (Outcome, error) {
	p, err := r.prepare(in)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	copts := []corporate.Option{corporate.WithLogger(r.log)}
	if len(in.Events) == 0 {
		copts = append(copts, corporate.WithDerivedEvents())
	}
	handler := corporate.NewHandler(in.Events, in.Mergers, copts...)

	run := &model.Run{
		ID:          uuid.New().String(),
		Name:        in.Name,
		Status:      model.RunRunning,
		CreatedAt:   r.now().UTC(),
		InitialCash: in.Config.InitialCash,
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return Outcome{}, fmt.Errorf("create run: %w", err)
	}
	log := r.log.With("run_id", run.ID)

	perf := tracker.NewPerformance(in.Config.InitialCash)
	details := tracker.NewDetails(in.Config.Detail)
	observers := []tracker.Observer{
		perf,
		details,
		metrics.NewTracker(),
		store.NewRecorder(ctx, r.store, run.ID),
	}
	for _, factory := range r.factories {
		if obs := factory(ctx, run.ID); obs != nil {
			observers = append(observers, obs)
		}
	}

	d := driver.New(p.feed, p.ledger, p.strategy,
		driver.WithCorporate(handler),
		driver.WithObservers(observers...),
		driver.WithLogger(log),
	)

	metrics.RunsActive.Inc()
	start := r.now()
	res, runErr := d.Run(ctx)
	metrics.RunsActive.Dec()
	metrics.ObserveRun(r.now().Sub(start), runErr)

	stats := perf.Stats()
	// The run header is finished even when ctx was cancelled.
	finishCtx := context.WithoutCancel(ctx)
	if err := r.store.FinishRun(finishCtx, run.ID, store.Summarize(stats, runErr)); err != nil {
		return Outcome{}, errors.Join(runErr, fmt.Errorf("finish run %s: %w", run.ID, err))
	}
	stored, err := r.store.GetRun(finishCtx, run.ID)
	if err != nil {
		return Outcome{}, errors.Join(runErr, err)
	}

	for _, h := range r.hooks {
		h(finishCtx, stored)
	}

	out := Outcome{Run: stored, Result: res, Stats: stats, Details: details.Rows()}
	if runErr != nil {
		log.Error("run failed", "days", stats.Days, "err", runErr)
		return out, runErr
	}
	log.Info("run finished",
		"days", stats.Days,
		"trades", stats.Trades,
		"rejections", stats.Rejections,
		"total_return", stats.TotalReturn.StringFixed(4),
		"max_drawdown", stats.MaxDrawdown.StringFixed(4),
		"sharpe", stats.Sharpe,
	)
	return out, nil
}

// plan is a validated run, ready to be stored and driven.
type plan struct {
	feed     feed.Feed
	strategy driver.Strategy
	ledger   *ledger.Ledger
}

// prepare validates the inputs and builds everything a run needs before it
// is stored.
func (r *Runner) prepare(in Inputs) (plan, error) {
	var (
		p   plan
		err error
	)
	if p.feed, err = buildFeed(in); err != nil {
		return p, err
	}
	if p.ledger, err = ledger.New(in.Config, ledger.WithLogger(r.log)); err != nil {
		return p, err
	}
	for _, seed := range in.Seeds {
		if err := p.ledger.Seed(seed); err != nil {
			return p, fmt.Errorf("seed %s: %w", seed.Instrument, err)
		}
	}
	if len(in.Signals) > 0 {
		table, err := driver.NewWeightTable(in.Mode, in.Signals)
		if err != nil {
			return p, err
		}
		p.strategy = driver.NewRebalance(table, r.log)
	}
	return p, nil
}

// buildFeed registers the price input, lazy sources taking precedence.
func buildFeed(in Inputs) (feed.Feed, error) {
	var f feed.Feed
	switch {
	case len(in.Sources) > 0:
		lazy := feed.NewLazy()
		for _, id := range sortedKeys(in.Sources) {
			if err := lazy.AddSource(id, in.Sources[id]); err != nil {
				return nil, err
			}
		}
		f = lazy
	case len(in.Prices) > 0:
		m := feed.NewMaterialized()
		for _, id := range sortedKeys(in.Prices) {
			if err := m.AddStream(id, in.Prices[id]); err != nil {
				return nil, err
			}
		}
		f = m
	default:
		return nil, ErrNoPrices
	}
	if !in.End.IsZero() {
		f.Truncate(model.Day(in.End))
	}
	return f, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
