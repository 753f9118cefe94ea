package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/order"
)

// snapshot is a deep copy of the mutable state at the last commit.
type snapshot struct {
	date      time.Time
	started   bool
	today     model.BarSet
	cash      decimal.Decimal
	positions map[string]model.PositionRecord
	last      map[string]model.PriceRecord
	orders    map[uint64]order.Order
	book      []uint64
	nextID    uint64
	txns      int
	unfilled  int
	futures   *FutureBook
}

func (l *Ledger) snapshot() *snapshot {
	s := &snapshot{
		date:      l.date,
		started:   l.started,
		today:     l.today,
		cash:      l.cash,
		positions: make(map[string]model.PositionRecord, len(l.positions)),
		last:      make(map[string]model.PriceRecord, len(l.last)),
		orders:    make(map[uint64]order.Order, len(l.book)),
		book:      append([]uint64(nil), l.book...),
		nextID:    l.nextID,
		txns:      len(l.txns),
		unfilled:  len(l.unfilled),
	}
	for id, p := range l.positions {
		s.positions[id] = *p
	}
	for id, r := range l.last {
		s.last[id] = r
	}
	for _, id := range l.book {
		s.orders[id] = *l.orders[id]
	}
	if l.futures != nil {
		f := *l.futures
		s.futures = &f
	}
	return s
}

// Commit closes the trading day: it refreshes cost basis, audits when
// configured, checkpoints the state and returns the day's total-position
// record.
func (l *Ledger) Commit() (model.DailyPosition, error) {
	l.RefreshPositionCost()
	if l.cfg.VerifyInvariants {
		if err := l.Audit(); err != nil {
			return model.DailyPosition{}, err
		}
	}
	l.pruneOrders()
	l.checkpoint = l.snapshot()
	return l.DailyPosition(), nil
}

// pruneOrders forgets every order that has left the book, so only live
// orders survive a commit.
func (l *Ledger) pruneOrders() {
	live := make(map[uint64]*order.Order, len(l.book))
	for _, id := range l.book {
		live[id] = l.orders[id]
	}
	l.orders = live
}

// Rollback restores the state of the last commit, discarding everything
// the current day did.
func (l *Ledger) Rollback() {
	s := l.checkpoint
	l.date, l.started, l.today, l.cash = s.date, s.started, s.today, s.cash
	l.positions = make(map[string]*model.PositionRecord, len(s.positions))
	for id, p := range s.positions {
		l.positions[id] = &p
	}
	l.last = make(map[string]model.PriceRecord, len(s.last))
	for id, r := range s.last {
		l.last[id] = r
	}
	l.orders = make(map[uint64]*order.Order, len(s.orders))
	for id, o := range s.orders {
		l.orders[id] = &o
	}
	l.book = append([]uint64(nil), s.book...)
	l.nextID = s.nextID
	l.txns = l.txns[:s.txns]
	l.unfilled = l.unfilled[:s.unfilled]
	if s.futures != nil {
		f := *s.futures
		l.futures = &f
	}
	l.tradedToday = make(map[string]bool)
	l.log.Warn("ledger rolled back", "to", model.DateString(s.date))
}

// DailyPosition reports the current total-position record.
func (l *Ledger) DailyPosition() model.DailyPosition {
	mv := l.MarketValue(l.cfg.ValuationPrice)
	equity := l.cash.Add(mv)
	dp := model.DailyPosition{
		Date:        l.date,
		Equity:      equity,
		MarketValue: mv,
		Cash:        l.cash,
	}
	if equity.IsPositive() {
		dp.PositionRatio = mv.Div(equity)
	}
	if f := l.futures; f != nil {
		dp.Hedged = true
		dp.FutureNotional = f.Notional()
		dp.FutureMargin = f.Margin()
		dp.FuturePnL = f.PnL()
		if mv.IsPositive() {
			dp.HedgeRatio = dp.FutureNotional.Div(mv)
		}
	}
	return dp
}

// Details reports one row per holding for the current day.
func (l *Ledger) Details() []model.PositionDetail {
	positions := l.Positions()
	equity := l.Equity(l.cfg.ValuationPrice)
	out := make([]model.PositionDetail, 0, len(positions))
	for _, p := range positions {
		px, _ := l.PriceOf(p.Instrument, l.cfg.ValuationPrice)
		qty := decimal.NewFromInt(p.Quantity)
		mv := px.Mul(qty)
		row := model.PositionDetail{
			Date:          l.date,
			Instrument:    p.Instrument,
			Name:          p.Name,
			Quantity:      p.Quantity,
			Sellable:      p.Sellable,
			CostPrice:     p.CostPrice,
			Close:         px,
			MarketValue:   mv,
			UnrealizedPnL: mv.Sub(p.CostPrice.Mul(qty)),
		}
		if equity.IsPositive() {
			row.Weight = mv.Div(equity)
		}
		out = append(out, row)
	}
	return out
}

func (l *Ledger) verify() error {
	if !l.cfg.VerifyInvariants {
		return nil
	}
	return l.Audit()
}

// Audit replays the transaction log from the initial state and checks that
// it reproduces cash and every position's quantity, and that no position
// is oversold.
func (l *Ledger) Audit() error {
	cash := l.cfg.InitialCash
	qty := make(map[string]int64, len(l.seeds))
	for id, q := range l.seeds {
		qty[id] = q
	}
	var contracts int64
	hedge := ""
	if l.futures != nil {
		hedge = l.futures.Instrument
		cash = cash.Add(l.futures.PnL())
	}
	for _, t := range l.txns {
		cash = cash.Add(t.CashFlow)
		if t.Instrument == hedge {
			contracts += t.Direction.QuantitySign() * t.Volume
			continue
		}
		qty[t.Instrument] += t.Direction.QuantitySign() * t.Volume
	}

	if !cash.Equal(l.cash) {
		return fmt.Errorf("%w: cash %s, log replays to %s", ErrInvariant, l.cash, cash)
	}
	if l.futures != nil && contracts != l.futures.contracts {
		return fmt.Errorf("%w: %d hedge contracts, log replays to %d", ErrInvariant, l.futures.contracts, contracts)
	}
	ids := make([]string, 0, len(qty))
	for id := range qty {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if held := l.Shares(id); held != qty[id] {
			return fmt.Errorf("%w: %s holds %d, log replays to %d", ErrInvariant, id, held, qty[id])
		}
	}
	for id, p := range l.positions {
		if _, ok := qty[id]; !ok && p.Quantity != 0 {
			return fmt.Errorf("%w: %s holds %d without log entries", ErrInvariant, id, p.Quantity)
		}
		if p.Sellable < 0 || p.Sellable > p.Quantity {
			return fmt.Errorf("%w: %s sellable %d of %d", ErrInvariant, id, p.Sellable, p.Quantity)
		}
	}
	if !l.cfg.AllowNegativeCash && l.futures == nil && l.cash.IsNegative() {
		return fmt.Errorf("%w: negative cash %s", ErrInvariant, l.cash)
	}
	return nil
}
