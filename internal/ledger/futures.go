package ledger

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/config"
	"github.com/atmx/backtest-engine/internal/fee"
	"github.com/atmx/backtest-engine/internal/model"
)

// FutureBook is the optional index-future hedge sub-ledger. It holds a
// short position sized against the stock book; daily variation margin is
// settled into the ledger's cash.
type FutureBook struct {
	Instrument     string
	Multiplier     decimal.Decimal
	MarginRate     decimal.Decimal
	Ratio          decimal.Decimal
	CommissionRate decimal.Decimal

	contracts int64 // negative when short
	lastPrice decimal.Decimal
	dayPnL    decimal.Decimal
	totalPnL  decimal.Decimal
}

func newFutureBook(h config.Hedge) *FutureBook {
	return &FutureBook{
		Instrument:     h.Instrument,
		Multiplier:     h.Multiplier,
		MarginRate:     h.MarginRate,
		Ratio:          h.Ratio,
		CommissionRate: h.CommissionRate,
	}
}

// Contracts returns the signed position.
func (f *FutureBook) Contracts() int64 { return f.contracts }

// Notional returns |contracts| × price × multiplier at the last mark.
func (f *FutureBook) Notional() decimal.Decimal {
	n := f.contracts
	if n < 0 {
		n = -n
	}
	return f.lastPrice.Mul(f.Multiplier).Mul(decimal.NewFromInt(n))
}

// Margin returns the exchange margin the position ties up.
func (f *FutureBook) Margin() decimal.Decimal {
	return f.Notional().Mul(f.MarginRate)
}

// DayPnL returns the variation settled at the last mark.
func (f *FutureBook) DayPnL() decimal.Decimal { return f.dayPnL }

// PnL returns the cumulative variation since the run began.
func (f *FutureBook) PnL() decimal.Decimal { return f.totalPnL }

// mark revalues the position at price and returns the variation to settle.
func (f *FutureBook) mark(price decimal.Decimal) decimal.Decimal {
	f.dayPnL = decimal.Zero
	if !price.IsPositive() {
		return decimal.Zero
	}
	if f.contracts != 0 && f.lastPrice.IsPositive() {
		f.dayPnL = price.Sub(f.lastPrice).Mul(f.Multiplier).Mul(decimal.NewFromInt(f.contracts))
		f.totalPnL = f.totalPnL.Add(f.dayPnL)
	}
	f.lastPrice = price
	return f.dayPnL
}

// Hedge re-targets the short future position so that its notional is about
// Ratio × the stock market value, trading at today's close of the future.
// Without a future bar today the position is left unchanged. Returns the
// contracts traded (positive = bought).
func (l *Ledger) Hedge() (int64, error) {
	f := l.futures
	if f == nil {
		return 0, nil
	}
	rec, ok := l.today.Get(f.Instrument)
	if !ok || !rec.Close.IsPositive() {
		return 0, nil
	}
	price := rec.Close
	mv := l.MarketValue(l.cfg.ValuationPrice)
	target := -mv.Mul(f.Ratio).Div(price.Mul(f.Multiplier)).Round(0).IntPart()
	delta := target - f.contracts
	if delta == 0 {
		return 0, nil
	}

	qty := delta
	dir := model.DirBuy
	if delta < 0 {
		qty, dir = -delta, model.DirSell
	}
	notional := price.Mul(f.Multiplier).Mul(decimal.NewFromInt(qty))
	commission := notional.Mul(f.CommissionRate).Round(fee.MoneyScale)
	l.cash = l.cash.Sub(commission)
	f.contracts = target
	f.lastPrice = price

	l.txns = append(l.txns, model.TransactionRecord{
		ID:         uuid.New().String(),
		Date:       l.date,
		Instrument: f.Instrument,
		Name:       l.nameOf(f.Instrument),
		Price:      price,
		Volume:     qty,
		Commission: commission,
		Tax:        decimal.Zero,
		CashFlow:   commission.Neg(),
		Direction:  dir,
		Note:       "hedge",
	})
	l.log.Debug("hedge rebalanced",
		"date", model.DateString(l.date),
		"instrument", f.Instrument,
		"contracts", target,
		"stock_mv", mv.StringFixed(2),
	)
	return delta, l.verify()
}
