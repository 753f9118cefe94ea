package driver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atmx/backtest-engine/internal/config"
	"github.com/atmx/backtest-engine/internal/corporate"
	"github.com/atmx/backtest-engine/internal/fee"
	"github.com/atmx/backtest-engine/internal/feed"
	"github.com/atmx/backtest-engine/internal/ledger"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/tracker"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const (
	stockA = "600000.SH"
	stockB = "000001.SZ"
)

var day0 = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

func day(n int) time.Time { return day0.AddDate(0, 0, n) }

// ohlc builds the bar of instrument id on day n.
func ohlc(id string, n int, o, h, l, c float64) model.PriceRecord {
	return model.PriceRecord{
		Instrument: id, TradeDate: day(n),
		Open: d(o), High: d(h), Low: d(l), Close: d(c),
	}
}

func flat(id string, n int, px float64) model.PriceRecord {
	return ohlc(id, n, px, px, px, px)
}

type fixture struct {
	cfg     config.Config
	streams map[string][]model.PriceRecord
	seeds   []model.PositionRecord
}

func newFixture(mutate func(*config.Config)) *fixture {
	cfg := config.Default()
	cfg.Fees = fee.Zero()
	cfg.VerifyInvariants = true
	if mutate != nil {
		mutate(&cfg)
	}
	return &fixture{cfg: cfg, streams: make(map[string][]model.PriceRecord)}
}

func (f *fixture) bars(recs ...model.PriceRecord) *fixture {
	for _, r := range recs {
		f.streams[r.Instrument] = append(f.streams[r.Instrument], r)
	}
	return f
}

func (f *fixture) build(t *testing.T, s Strategy, opts ...Option) *Driver {
	t.Helper()
	fd := feed.NewMaterialized()
	for id, recs := range f.streams {
		require.NoError(t, fd.AddStream(id, recs))
	}
	l, err := ledger.New(f.cfg)
	require.NoError(t, err)
	for _, p := range f.seeds {
		require.NoError(t, l.Seed(p))
	}
	return New(fd, l, s, opts...)
}

func TestScenario_StrictLimitRejects(t *testing.T) {
	limited := flat(stockA, 0, 11)
	limited.Limit = model.LimitUp

	f := newFixture(func(c *config.Config) { c.LimitPolicy = config.LimitPolicyStrict }).bars(limited)
	drv := f.build(t, StrategyFunc(func(_ context.Context, s *Session) error {
		_, err := s.Buy(stockA, 1000)
		return err
	}))

	res, err := drv.Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, res.Transactions)
	require.Len(t, res.Unfilled, 1)
	require.Equal(t, model.RejectPriceLimited, res.Unfilled[0].Reason)
	require.Zero(t, drv.Ledger().Shares(stockA))
	require.True(t, res.Days[0].Cash.Equal(f.cfg.InitialCash))
}

func TestRun_RebalanceSellsBeforeBuys(t *testing.T) {
	f := newFixture(func(c *config.Config) { c.AdaptQuantity = true }).bars(
		flat(stockA, 0, 10), flat(stockB, 0, 20),
		flat(stockA, 1, 10), flat(stockB, 1, 20),
		flat(stockA, 2, 12), flat(stockB, 2, 20),
	)
	table, err := NewWeightTable(ModeWeight, []Signal{
		{Date: day(0), Instrument: stockA, Value: d(0.5)},
		{Date: day(0), Instrument: stockB, Value: d(0.5)},
		{Date: day(2), Instrument: stockA, Value: d(1)},
	})
	require.NoError(t, err)

	total := tracker.NewTotalPositions()
	drv := f.build(t, NewRebalance(table, nil), WithObservers(total))
	res, err := drv.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Days, 3)
	require.Len(t, total.Records(), 3)

	l := drv.Ledger()
	require.Zero(t, l.Shares(stockB), "B is absent from the final target")
	// Day 2 equity at the open is 50,000 × 12 + 25,000 × 20 = 1,100,000;
	// A's target of 91,666 shares at 12 rounds down to whole lots.
	require.Equal(t, int64(91600), l.Shares(stockA))

	var day2 []model.TransactionRecord
	for _, tx := range res.Transactions {
		if tx.Date.Equal(day(2)) {
			day2 = append(day2, tx)
		}
	}
	require.Len(t, day2, 2)
	require.Equal(t, model.DirSell, day2[0].Direction)
	require.Equal(t, stockB, day2[0].Instrument)
	require.Equal(t, model.DirBuy, day2[1].Direction)

	for _, dp := range res.Days {
		require.True(t, dp.Equity.Equal(dp.Cash.Add(dp.MarketValue)))
	}
}

func TestRun_StopLossIdempotent(t *testing.T) {
	f := newFixture(func(c *config.Config) { c.Stops.StopLoss = d(0.1) }).bars(
		ohlc(stockA, 0, 9.5, 9.5, 8.5, 8.5),
		flat(stockA, 1, 8),
		flat(stockA, 2, 8),
		flat(stockA, 3, 7),
	)
	f.seeds = []model.PositionRecord{{Instrument: stockA, Quantity: 1000, CostPrice: d(10)}}

	drv := f.build(t, StrategyFunc(func(_ context.Context, s *Session) error {
		if s.Date.Equal(day(2)) {
			_, err := s.Buy(stockA, 1000)
			return err
		}
		return nil
	}))
	res, err := drv.Run(context.Background())
	require.NoError(t, err)

	var stops []model.TransactionRecord
	for _, tx := range res.Transactions {
		if tx.Direction == model.DirSell {
			stops = append(stops, tx)
		}
	}
	require.Len(t, stops, 2, "one liquidation per opened position")
	require.True(t, stops[0].Date.Equal(day(0)))
	require.True(t, stops[0].Price.Equal(d(8.5)))
	require.Equal(t, "STOP_LOSS", stops[0].Note)
	require.True(t, stops[1].Date.Equal(day(3)), "the re-opened position is evaluated again")
	require.Zero(t, drv.Ledger().Shares(stockA))
}

func TestRun_StopExclusion(t *testing.T) {
	f := newFixture(func(c *config.Config) { c.Stops.StopLoss = d(0.1) }).bars(flat(stockA, 0, 8))
	f.seeds = []model.PositionRecord{{Instrument: stockA, Quantity: 1000, CostPrice: d(10)}}
	drv := f.build(t, nil)
	drv.Stops().Exclude(stockA)

	res, err := drv.Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, res.Transactions)
	require.True(t, drv.Stops().Excluded(stockA))
}

func TestRun_IntradayStopOrdering(t *testing.T) {
	sellAll := StrategyFunc(func(_ context.Context, s *Session) error {
		if held := s.Ledger.Shares(stockA); held > 0 {
			_, err := s.Sell(stockA, held)
			return err
		}
		return nil
	})
	tests := []struct {
		name      string
		priceType model.PriceKind
		wantPrice float64
		wantNote  string
	}{
		{"close priced: stop first", model.PriceClose, 9.5, "intraday STOP_LOSS"},
		{"open priced: strategy first", model.PriceOpen, 10, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(func(c *config.Config) {
				c.PriceType = tt.priceType
				c.Stops.IntradayStopLoss = d(0.05)
			}).bars(ohlc(stockA, 0, 10, 10, 9, 9.8))
			f.seeds = []model.PositionRecord{{Instrument: stockA, Quantity: 1000, CostPrice: d(10)}}

			res, err := f.build(t, sellAll).Run(context.Background())
			require.NoError(t, err)
			require.Len(t, res.Transactions, 1)
			require.True(t, res.Transactions[0].Price.Equal(d(tt.wantPrice)), "price %s", res.Transactions[0].Price)
			require.Equal(t, tt.wantNote, res.Transactions[0].Note)
		})
	}
}

func TestRun_FatalErrorRollsBack(t *testing.T) {
	boom := errors.New("boom")
	f := newFixture(nil).bars(flat(stockA, 0, 10), flat(stockA, 1, 10), flat(stockA, 2, 10))
	drv := f.build(t, StrategyFunc(func(_ context.Context, s *Session) error {
		_, err := s.Buy(stockA, 100)
		return err
	}), WithHooks(Hooks{
		AfterStrategy: func(s *Session) error {
			if s.Date.Equal(day(1)) {
				return boom
			}
			return nil
		},
	}))

	res, err := drv.Run(context.Background())
	require.ErrorIs(t, err, boom)
	var de *DayError
	require.ErrorAs(t, err, &de)
	require.True(t, de.Date.Equal(day(1)))
	require.Equal(t, StageHook, de.Stage)

	require.Len(t, res.Days, 1)
	require.Len(t, res.Transactions, 1, "day 1 fill discarded")
	require.Equal(t, int64(100), drv.Ledger().Shares(stockA))
	require.True(t, drv.Ledger().Date().Equal(day(0)))
}

func TestRun_UnresolvedMergerIsFatal(t *testing.T) {
	f := newFixture(nil).bars(flat(stockA, 0, 10), flat(stockA, 1, 10))
	f.seeds = []model.PositionRecord{{Instrument: stockA, Quantity: 200, CostPrice: d(10)}}
	h := corporate.NewHandler([]model.ExtendedStatusEvent{
		{Date: day(1), Instrument: stockA, Kind: model.EventCodeChange},
	}, nil)

	res, err := f.build(t, nil, WithCorporate(h)).Run(context.Background())
	var de *DayError
	require.ErrorAs(t, err, &de)
	require.Equal(t, stockA, de.Instrument)
	require.Equal(t, StageCorporate, de.Stage)
	var unresolved *corporate.UnresolvedMergerError
	require.ErrorAs(t, err, &unresolved)
	require.Len(t, res.Days, 1)
}

func TestRun_DelistBeforeStrategy(t *testing.T) {
	f := newFixture(nil).bars(flat(stockA, 0, 20), flat(stockB, 0, 5))
	f.seeds = []model.PositionRecord{{Instrument: stockA, Quantity: 500, CostPrice: d(20)}}
	h := corporate.NewHandler([]model.ExtendedStatusEvent{
		{Date: day(0), Instrument: stockA, Kind: model.EventDelist},
	}, nil)

	var seen int64 = -1
	res, err := f.build(t, StrategyFunc(func(_ context.Context, s *Session) error {
		seen = s.Ledger.Shares(stockA)
		return nil
	}), WithCorporate(h)).Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, seen, "strategy sees the delisted position already cleaned")
	require.Equal(t, model.DirDelistSell, res.Transactions[0].Direction)
}

func TestRun_HooksOrder(t *testing.T) {
	var calls []string
	f := newFixture(nil).bars(flat(stockA, 0, 10))
	drv := f.build(t, StrategyFunc(func(context.Context, *Session) error {
		calls = append(calls, "strategy")
		return nil
	}), WithHooks(Hooks{
		BeforeDay:      func(model.BarSet) error { calls = append(calls, "before"); return nil },
		AfterCorporate: func(*Session) error { calls = append(calls, "corporate"); return nil },
		AfterStrategy:  func(*Session) error { calls = append(calls, "after-strategy"); return nil },
		AfterDay:       func(tracker.Snapshot) error { calls = append(calls, "after-day"); return nil },
	}), WithObservers(tracker.ObserverFunc(func(tracker.Snapshot) error {
		calls = append(calls, "observe")
		return nil
	})))

	_, err := drv.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"before", "corporate", "strategy", "after-strategy", "observe", "after-day"}, calls)
}

func TestRun_ContextCanceled(t *testing.T) {
	f := newFixture(nil).bars(flat(stockA, 0, 10), flat(stockA, 1, 10))
	ctx, cancel := context.WithCancel(context.Background())
	drv := f.build(t, nil, WithHooks(Hooks{
		AfterDay: func(tracker.Snapshot) error { cancel(); return nil },
	}))

	res, err := drv.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, res.Days, 1)
}

func TestRun_SnapshotCarriesDayActivity(t *testing.T) {
	f := newFixture(nil).bars(flat(stockA, 0, 10), flat(stockA, 1, 10))
	var snaps []tracker.Snapshot
	drv := f.build(t, StrategyFunc(func(_ context.Context, s *Session) error {
		if s.Date.Equal(day(0)) {
			_, err := s.Buy(stockA, 100)
			return err
		}
		return nil
	}), WithObservers(tracker.ObserverFunc(func(s tracker.Snapshot) error {
		snaps = append(snaps, s)
		return nil
	})))

	res, err := drv.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	require.Len(t, snaps[0].Transactions, 1)
	require.Empty(t, snaps[1].Transactions)
	require.Len(t, snaps[1].Details, 1)
	require.Len(t, res.Final, 1)
}

func TestWeightTable(t *testing.T) {
	_, err := NewWeightTable(ModeWeight, []Signal{
		{Date: day(0), Instrument: stockA, Value: d(0.5)},
		{Date: day(0), Instrument: stockA, Value: d(0.3)},
	})
	require.ErrorIs(t, err, ErrDuplicateSignal)

	_, err = NewWeightTable(ModeWeight, []Signal{{Date: day(0), Instrument: stockA, Value: d(-0.1)}})
	require.ErrorIs(t, err, ErrInvalidSignal)

	table, err := NewWeightTable(ModeShares, []Signal{
		{Date: day(3), Instrument: stockA, Value: d(100)},
		{Date: day(1), Instrument: stockB, Value: d(200)},
	})
	require.NoError(t, err)
	require.Equal(t, []time.Time{day(1), day(3)}, table.Dates())
	rows, ok := table.On(day(3))
	require.True(t, ok)
	require.Len(t, rows, 1)
	_, ok = table.On(day(2))
	require.False(t, ok)
}

func TestRun_SharesMode(t *testing.T) {
	f := newFixture(nil).bars(flat(stockA, 0, 10), flat(stockA, 1, 10), flat(stockA, 2, 10))
	table, err := NewWeightTable(ModeShares, []Signal{
		{Date: day(0), Instrument: stockA, Value: d(1500)},
		{Date: day(2), Instrument: stockA, Value: d(700)},
	})
	require.NoError(t, err)

	drv := f.build(t, NewRebalance(table, nil))
	_, err = drv.Run(context.Background())
	require.NoError(t, err)
	// 1500 buys 1500; selling 800 of it lot-rounds to 800 and leaves 700.
	require.Equal(t, int64(700), drv.Ledger().Shares(stockA))
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeWeight, "Weight": ModeWeight, "shares": ModeShares} {
		got, err := ParseMode(in)
		require.NoError(t, err)
		require.Equal(t, want, got, in)
	}
	_, err := ParseMode("lots")
	require.ErrorIs(t, err, ErrInvalidSignal)
}
