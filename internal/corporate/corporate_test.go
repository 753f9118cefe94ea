package corporate

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atmx/backtest-engine/internal/config"
	"github.com/atmx/backtest-engine/internal/fee"
	"github.com/atmx/backtest-engine/internal/ledger"
	"github.com/atmx/backtest-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const (
	oldID = "600001.SH"
	newID = "601001.SH"
	other = "000002.SZ"
)

var day0 = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

func day(n int) time.Time { return day0.AddDate(0, 0, n) }

func bar(id string, date time.Time, px float64) model.PriceRecord {
	p := d(px)
	return model.PriceRecord{Instrument: id, TradeDate: date, Open: p, High: p, Low: p, Close: p}
}

func bars(date time.Time, recs ...model.PriceRecord) model.BarSet {
	bs := model.NewBarSet(date)
	for _, r := range recs {
		bs.Records[r.Instrument] = r
	}
	return bs
}

func seeded(t *testing.T, seeds ...model.PositionRecord) *ledger.Ledger {
	t.Helper()
	cfg := config.Default()
	cfg.Fees = fee.Zero()
	cfg.VerifyInvariants = true
	l, err := ledger.New(cfg)
	require.NoError(t, err)
	for _, s := range seeds {
		require.NoError(t, l.Seed(s))
	}
	return l
}

func TestScenario_Delist(t *testing.T) {
	l := seeded(t,
		model.PositionRecord{Instrument: oldID, Quantity: 500, CostPrice: d(20)},
		model.PositionRecord{Instrument: other, Quantity: 300, CostPrice: d(8)},
	)
	h := NewHandler([]model.ExtendedStatusEvent{
		{Date: day(4), Instrument: oldID, Kind: model.EventDelist},
	}, nil)

	for n := 0; n < 4; n++ {
		bs := bars(day(n), bar(oldID, day(n), 20), bar(other, day(n), 8))
		l.BeginDay(bs)
		applied, err := h.Apply(day(n), bs, l)
		require.NoError(t, err)
		require.Empty(t, applied)
	}

	bs := bars(day(4), bar(other, day(4), 8))
	l.BeginDay(bs)
	applied, err := h.Apply(day(4), bs, l)
	require.NoError(t, err)
	require.Len(t, applied, 1)

	require.Zero(t, l.Shares(oldID))
	require.Equal(t, int64(300), l.Shares(other), "other holdings untouched")
	tx := l.Transactions()
	require.Len(t, tx, 1)
	require.Equal(t, model.DirDelistSell, tx[0].Direction)
	require.True(t, tx[0].Price.IsZero())
	pos, _ := l.Position(oldID)
	require.True(t, pos.RealizedPnL.Equal(d(-10000)), "realized %s", pos.RealizedPnL)

	// Never reapplied.
	applied, err = h.Apply(day(5), bars(day(5)), l)
	require.NoError(t, err)
	require.Empty(t, applied)
	require.Len(t, l.Transactions(), 1)
	require.Zero(t, h.Pending())
}

func TestScenario_CodeChange(t *testing.T) {
	l := seeded(t, model.PositionRecord{Instrument: oldID, Quantity: 200, CostPrice: d(10)})
	h := NewHandler(
		[]model.ExtendedStatusEvent{{Date: day(9), Instrument: oldID, Kind: model.EventCodeChange}},
		[]model.MergerRecord{{OldInstrument: oldID, ChangeDate: day(9), NewInstrument: newID, Ratio: d(0.5)}},
	)
	old := bar(oldID, day(9), 10)
	old.AdjFactor = d(1)
	old.ExtStatus = model.ExtDummyCodeChange
	bs := bars(day(9), old, bar(newID, day(9), 20))
	l.BeginDay(bs)
	cash := l.Cash()

	_, err := h.Apply(day(9), bs, l)
	require.NoError(t, err)
	require.Zero(t, l.Shares(oldID))
	require.Equal(t, int64(100), l.Shares(newID))
	require.True(t, l.Cash().Equal(cash), "no cash effect")

	tx := l.Transactions()
	require.Len(t, tx, 2)
	require.Equal(t, model.DirConvertOut, tx[0].Direction)
	require.Equal(t, model.DirConvertIn, tx[1].Direction)
	require.True(t, tx[1].Price.Equal(d(20)))
}

func TestCodeChange_AppliesAdjustmentFactor(t *testing.T) {
	l := seeded(t, model.PositionRecord{Instrument: oldID, Quantity: 1000, CostPrice: d(10)})
	h := NewHandler(
		[]model.ExtendedStatusEvent{{Date: day(0), Instrument: oldID, Kind: model.EventCodeChange}},
		[]model.MergerRecord{{OldInstrument: oldID, NewInstrument: newID, Ratio: d(0.5)}},
	)
	old := bar(oldID, day(0), 10)
	old.AdjFactor = d(1.2)
	bs := bars(day(0), old, bar(newID, day(0), 20))
	l.BeginDay(bs)

	_, err := h.Apply(day(0), bs, l)
	require.NoError(t, err)
	require.Equal(t, int64(600), l.Shares(newID))
}

func TestCodeChange_InlineMerger(t *testing.T) {
	l := seeded(t, model.PositionRecord{Instrument: oldID, Quantity: 400, CostPrice: d(10)})
	h := NewHandler([]model.ExtendedStatusEvent{
		{Date: day(0), Instrument: oldID, Kind: model.EventCodeChange, NewInstrument: newID, Ratio: d(1.5)},
	}, nil)
	bs := bars(day(0), bar(oldID, day(0), 10), bar(newID, day(0), 7))
	l.BeginDay(bs)

	_, err := h.Apply(day(0), bs, l)
	require.NoError(t, err)
	require.Equal(t, int64(600), l.Shares(newID))
}

func TestCodeChange_UnresolvedMerger(t *testing.T) {
	l := seeded(t, model.PositionRecord{Instrument: oldID, Quantity: 200, CostPrice: d(10)})
	h := NewHandler([]model.ExtendedStatusEvent{{Date: day(0), Instrument: oldID, Kind: model.EventCodeChange}}, nil)
	bs := bars(day(0), bar(oldID, day(0), 10))
	l.BeginDay(bs)

	_, err := h.Apply(day(0), bs, l)
	var unresolved *UnresolvedMergerError
	require.True(t, errors.As(err, &unresolved))
	require.Equal(t, oldID, unresolved.Instrument)
	require.Equal(t, int64(200), unresolved.Quantity)
	require.Equal(t, 1, h.Pending(), "failed event stays queued")
}

func TestCodeChange_FlatHoldingNeedsNoMerger(t *testing.T) {
	l := seeded(t)
	h := NewHandler([]model.ExtendedStatusEvent{{Date: day(0), Instrument: oldID, Kind: model.EventCodeChange}}, nil)
	bs := bars(day(0))
	l.BeginDay(bs)

	applied, err := h.Apply(day(0), bs, l)
	require.NoError(t, err)
	require.Len(t, applied, 1)
}

func TestCodeChange_MissingTargetBar(t *testing.T) {
	l := seeded(t, model.PositionRecord{Instrument: oldID, Quantity: 200, CostPrice: d(10)})
	h := NewHandler(
		[]model.ExtendedStatusEvent{{Date: day(0), Instrument: oldID, Kind: model.EventCodeChange}},
		[]model.MergerRecord{{OldInstrument: oldID, NewInstrument: newID, Ratio: d(1)}},
	)
	bs := bars(day(0), bar(oldID, day(0), 10))
	l.BeginDay(bs)

	_, err := h.Apply(day(0), bs, l)
	var missing *MissingBarError
	require.True(t, errors.As(err, &missing))
	require.Equal(t, newID, missing.NewInstrument)
}

func TestToCash_UsesLastClose(t *testing.T) {
	const fund = "511990.SH"
	l := seeded(t, model.PositionRecord{Instrument: fund, Quantity: 1000, CostPrice: d(100)})
	h := NewHandler([]model.ExtendedStatusEvent{{Date: day(1), Instrument: fund, Kind: model.EventToCash}}, nil)

	bs := bars(day(0), bar(fund, day(0), 100.5))
	l.BeginDay(bs)
	_, err := h.Apply(day(0), bs, l)
	require.NoError(t, err)

	bs = bars(day(1))
	l.BeginDay(bs)
	_, err = h.Apply(day(1), bs, l)
	require.NoError(t, err)

	require.Zero(t, l.Shares(fund))
	require.True(t, l.Cash().Equal(d(1100500)), "cash %s", l.Cash())
	tx := l.Transactions()
	require.Equal(t, model.DirToCash, tx[0].Direction)
	require.True(t, tx[0].Price.Equal(d(100.5)))
}

func TestApply_CatchesUpOnLateStart(t *testing.T) {
	l := seeded(t, model.PositionRecord{Instrument: oldID, Quantity: 100, CostPrice: d(5)})
	h := NewHandler([]model.ExtendedStatusEvent{
		{Date: day(3), Instrument: other, Kind: model.EventDelist},
		{Date: day(1), Instrument: oldID, Kind: model.EventDelist},
	}, nil)
	bs := bars(day(5))
	l.BeginDay(bs)

	applied, err := h.Apply(day(5), bs, l)
	require.NoError(t, err)
	require.Len(t, applied, 2)
	require.Equal(t, oldID, applied[0].Instrument, "events apply in date order")
	require.Zero(t, l.Shares(oldID))
}

func TestEventsFromRecords(t *testing.T) {
	recs := []model.PriceRecord{
		{Instrument: oldID, TradeDate: day(3), ExtStatus: model.ExtDummyCodeChange},
		{Instrument: oldID, TradeDate: day(2), ExtStatus: model.ExtDummyCodeChange},
		{Instrument: other, TradeDate: day(1), ExtStatus: model.ExtNormal},
		{Instrument: other, TradeDate: day(2), ExtStatus: model.ExtDummyDelist},
		{Instrument: "511990.SH", TradeDate: day(0), ExtStatus: model.ExtDummyToCash},
	}
	got := EventsFromRecords(recs)
	require.Equal(t, []model.ExtendedStatusEvent{
		{Date: day(0), Instrument: "511990.SH", Kind: model.EventToCash},
		{Date: day(2), Instrument: other, Kind: model.EventDelist},
		{Date: day(2), Instrument: oldID, Kind: model.EventCodeChange},
	}, got)
}

func TestHandler_DerivedEventsApplyOnce(t *testing.T) {
	l := seeded(t, model.PositionRecord{Instrument: oldID, Quantity: 100, CostPrice: d(5)})
	h := NewHandler(nil, nil, WithDerivedEvents())

	tagged := bar(oldID, day(1), 5)
	tagged.ExtStatus = model.ExtDummyDelist
	bs := bars(day(1), tagged, bar(other, day(1), 8))
	l.BeginDay(bs)
	applied, err := h.Apply(day(1), bs, l)
	require.NoError(t, err)
	require.Len(t, applied, 1)
	require.Equal(t, model.EventDelist, applied[0].Kind)
	require.Zero(t, l.Shares(oldID))

	// The tag repeats on later bars but queues no second event.
	tagged.TradeDate = day(2)
	bs = bars(day(2), tagged)
	l.BeginDay(bs)
	applied, err = h.Apply(day(2), bs, l)
	require.NoError(t, err)
	require.Empty(t, applied)
}
