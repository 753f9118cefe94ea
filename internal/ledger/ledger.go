// Package ledger is the simulated broker: it owns cash and positions,
// matches orders against daily bars, applies commission and stamp tax,
// enforces settlement and lot rules, and keeps the append-only
// transaction log.
//
// Every mutation that moves cash or shares appends its TransactionRecord in
// the same call, so the log can always be replayed to the current state.
// All monetary values use shopspring/decimal, never float64 for money.
package ledger

import (
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/config"
	"github.com/atmx/backtest-engine/internal/fee"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/order"
	"github.com/atmx/backtest-engine/internal/risk"
)

var (
	ErrInsufficientCash     = errors.New("ledger: insufficient cash")
	ErrInsufficientSellable = errors.New("ledger: insufficient sellable shares")
	ErrUnknownOrder         = errors.New("ledger: order not found")
	ErrOrderSubmitted       = errors.New("ledger: order already submitted")
	ErrNoPrice              = errors.New("ledger: no price available")
	ErrNotStarted           = errors.New("ledger: seeding is only allowed before the first day")
	ErrInvariant            = errors.New("ledger: invariant violated")
)

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(led *Ledger) { led.log = l }
}

// Ledger holds the state of one backtest run. It is not safe for
// concurrent use; the driver owns it exclusively.
type Ledger struct {
	cfg     config.Config
	fees    fee.Schedule
	matcher *order.Matcher
	limiter *risk.PositionLimiter
	log     *slog.Logger

	date        time.Time
	started     bool
	today       model.BarSet
	cash        decimal.Decimal
	positions   map[string]*model.PositionRecord
	seeds       map[string]int64
	last        map[string]model.PriceRecord
	orders      map[uint64]*order.Order
	book        []uint64
	nextID      uint64
	txns        []model.TransactionRecord
	unfilled    []model.UnfilledOrder
	tradedToday map[string]bool
	futures     *FutureBook

	checkpoint *snapshot
}

// New creates a ledger funded with cfg.InitialCash. The configuration must
// already be valid.
func New(cfg config.Config, opts ...Option) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Ledger{
		cfg:         cfg,
		fees:        cfg.Fees,
		matcher:     order.NewMatcher(cfg),
		log:         slog.Default(),
		cash:        cfg.InitialCash,
		positions:   make(map[string]*model.PositionRecord),
		seeds:       make(map[string]int64),
		last:        make(map[string]model.PriceRecord),
		orders:      make(map[uint64]*order.Order),
		tradedToday: make(map[string]bool),
	}
	if cfg.MaxPositionFraction.IsPositive() || cfg.MaxBoardFraction.IsPositive() {
		l.limiter = risk.NewPositionLimiter(cfg.MaxPositionFraction, cfg.MaxBoardFraction)
	}
	if cfg.Hedge != nil {
		l.futures = newFutureBook(*cfg.Hedge)
	}
	for _, opt := range opts {
		opt(l)
	}
	l.checkpoint = l.snapshot()
	return l, nil
}

// Config returns the ledger's configuration.
func (l *Ledger) Config() config.Config { return l.cfg }

// Date returns the current trading day.
func (l *Ledger) Date() time.Time { return l.date }

// Today returns the bar set of the current trading day.
func (l *Ledger) Today() model.BarSet { return l.today }

// Matcher returns the order matcher.
func (l *Ledger) Matcher() *order.Matcher { return l.matcher }

// Futures returns the hedge sub-ledger, or nil when hedging is off.
func (l *Ledger) Futures() *FutureBook { return l.futures }

// Cash returns available cash.
func (l *Ledger) Cash() decimal.Decimal { return l.cash }

// Positions returns every non-zero holding, sorted by instrument.
func (l *Ledger) Positions() []model.PositionRecord {
	out := make([]model.PositionRecord, 0, len(l.positions))
	for _, p := range l.positions {
		if p.Quantity != 0 {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// Position returns the record for id, including closed positions.
func (l *Ledger) Position(id string) (model.PositionRecord, bool) {
	p, ok := l.positions[id]
	if !ok {
		return model.PositionRecord{}, false
	}
	return *p, true
}

// Shares returns the held quantity of id.
func (l *Ledger) Shares(id string) int64 {
	if p, ok := l.positions[id]; ok {
		return p.Quantity
	}
	return 0
}

// Sellable returns the quantity of id that may be sold today.
func (l *Ledger) Sellable(id string) int64 {
	if p, ok := l.positions[id]; ok {
		return p.Sellable
	}
	return 0
}

// LastRecord returns the most recent bar seen for id.
func (l *Ledger) LastRecord(id string) (model.PriceRecord, bool) {
	r, ok := l.last[id]
	return r, ok
}

// PriceOf returns the kind price of id from its latest bar, falling back to
// cost for positions that have not been priced yet.
func (l *Ledger) PriceOf(id string, kind model.PriceKind) (decimal.Decimal, error) {
	if r, ok := l.last[id]; ok {
		if px := r.Price(kind); px.IsPositive() {
			return px, nil
		}
		if r.Close.IsPositive() {
			return r.Close, nil
		}
	}
	if p, ok := l.positions[id]; ok && p.CostPrice.IsPositive() {
		return p.CostPrice, nil
	}
	return decimal.Zero, ErrNoPrice
}

// MarketValue returns Σ quantity × price over every holding.
func (l *Ledger) MarketValue(kind model.PriceKind) decimal.Decimal {
	mv := decimal.Zero
	for id, p := range l.positions {
		if p.Quantity == 0 {
			continue
		}
		px, _ := l.PriceOf(id, kind)
		mv = mv.Add(px.Mul(decimal.NewFromInt(p.Quantity)))
	}
	return mv
}

// Equity returns cash + market value. Futures variation margin is already
// settled into cash.
func (l *Ledger) Equity(kind model.PriceKind) decimal.Decimal {
	return l.cash.Add(l.MarketValue(kind))
}

// exposures returns instrument → market value at the valuation price.
func (l *Ledger) exposures() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(l.positions))
	for id, p := range l.positions {
		if p.Quantity == 0 {
			continue
		}
		px, _ := l.PriceOf(id, l.cfg.ValuationPrice)
		out[id] = px.Mul(decimal.NewFromInt(p.Quantity))
	}
	return out
}

// AdjustedQuantity rounds a raw buy quantity down to a whole lot when
// whole-lot trading is configured.
func (l *Ledger) AdjustedQuantity(raw int64) int64 {
	if raw <= 0 {
		return 0
	}
	lot := l.cfg.LotSize()
	return raw - raw%lot
}

// Transactions returns a copy of the transaction log.
func (l *Ledger) Transactions() []model.TransactionRecord {
	out := make([]model.TransactionRecord, len(l.txns))
	copy(out, l.txns)
	return out
}

// TransactionsSince returns the log entries appended after the first n.
func (l *Ledger) TransactionsSince(n int) []model.TransactionRecord {
	if n >= len(l.txns) {
		return nil
	}
	out := make([]model.TransactionRecord, len(l.txns)-n)
	copy(out, l.txns[n:])
	return out
}

// Unfilled returns a copy of the unfilled-order diagnostics.
func (l *Ledger) Unfilled() []model.UnfilledOrder {
	return l.UnfilledSince(0)
}

// UnfilledSince returns the diagnostics recorded after the first n.
func (l *Ledger) UnfilledSince(n int) []model.UnfilledOrder {
	if n >= len(l.unfilled) {
		return nil
	}
	out := make([]model.UnfilledOrder, len(l.unfilled)-n)
	copy(out, l.unfilled[n:])
	return out
}

// Counts returns the lengths of the transaction log and the unfilled-order
// diagnostics.
func (l *Ledger) Counts() (txns, unfilled int) {
	return len(l.txns), len(l.unfilled)
}

// PendingOrders returns the live orders in submission order.
func (l *Ledger) PendingOrders() []order.Order {
	out := make([]order.Order, 0, len(l.book))
	for _, id := range l.book {
		out = append(out, *l.orders[id])
	}
	return out
}

// Order returns a live order, or one that left the book since the last
// commit, by id.
func (l *Ledger) Order(id uint64) (order.Order, bool) {
	o, ok := l.orders[id]
	if !ok {
		return order.Order{}, false
	}
	return *o, true
}

// Seed installs an opening position before the first trading day. The
// shares are sellable immediately and valued at CostPrice until priced.
func (l *Ledger) Seed(pos model.PositionRecord) error {
	if l.started {
		return ErrNotStarted
	}
	if pos.Quantity <= 0 {
		return ErrInvariant
	}
	p := l.position(pos.Instrument)
	p.Name = pos.Name
	p.Quantity += pos.Quantity
	p.Sellable += pos.Quantity
	cost := pos.CostAmount
	if cost.IsZero() {
		cost = pos.CostPrice.Mul(decimal.NewFromInt(pos.Quantity))
	}
	p.CostAmount = p.CostAmount.Add(cost)
	p.BoughtAmount = p.BoughtAmount.Add(cost)
	p.CostPrice = p.CostAmount.Div(decimal.NewFromInt(p.Quantity))
	l.seeds[pos.Instrument] += pos.Quantity
	l.checkpoint = l.snapshot()
	return nil
}

func (l *Ledger) position(id string) *model.PositionRecord {
	p, ok := l.positions[id]
	if !ok {
		p = &model.PositionRecord{Instrument: id}
		l.positions[id] = p
	}
	return p
}

func (l *Ledger) nameOf(id string) string {
	if r, ok := l.last[id]; ok && r.SecName != "" {
		return r.SecName
	}
	if p, ok := l.positions[id]; ok {
		return p.Name
	}
	return ""
}

// BeginDay opens a trading day: it records today's prices, settles T+1
// purchases, and marks the hedge to market.
func (l *Ledger) BeginDay(bars model.BarSet) {
	l.started = true
	l.date = bars.Date
	l.today = bars
	for id, rec := range bars.Records {
		if rec.Close.IsPositive() {
			l.last[id] = rec
		}
		if p, ok := l.positions[id]; ok && rec.SecName != "" {
			p.Name = rec.SecName
		}
	}
	if l.cfg.Settlement == config.SettleT1 {
		for _, p := range l.positions {
			p.Sellable = p.Quantity
		}
	}
	for id := range l.tradedToday {
		delete(l.tradedToday, id)
	}
	if l.futures != nil {
		if rec, ok := bars.Get(l.futures.Instrument); ok {
			l.cash = l.cash.Add(l.futures.mark(rec.Close))
		}
	}
}

// RefreshPositionCost recomputes the cost price of positions traded today
// according to the configured cost method.
func (l *Ledger) RefreshPositionCost() {
	for id := range l.tradedToday {
		p, ok := l.positions[id]
		if !ok || p.Quantity == 0 {
			continue
		}
		qty := decimal.NewFromInt(p.Quantity)
		switch l.cfg.CostMethod {
		case config.CostAccumulated:
			p.CostPrice = p.BoughtAmount.Sub(p.SoldAmount).Div(qty)
		default:
			p.CostPrice = p.CostAmount.Div(qty)
		}
	}
}
