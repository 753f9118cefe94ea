package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/config"
	"github.com/atmx/backtest-engine/internal/model"
	"github.com/atmx/backtest-engine/internal/order"
)

// Submit accepts an order into the book and returns its id. Buy quantities
// are rounded to whole lots; a sell for at least the whole holding keeps the
// holding's odd lot. An order that rounds to zero is canceled and logged as
// unfilled rather than returned as an error.
func (l *Ledger) Submit(o *order.Order) (uint64, error) {
	if o.ID != 0 || o.State != order.StateSubmitted {
		return 0, ErrOrderSubmitted
	}
	l.nextID++
	o.ID = l.nextID
	if o.SubmittedAt.IsZero() {
		o.SubmittedAt = l.date
	}
	l.orders[o.ID] = o

	qty := o.Quantity
	if o.Action == order.Buy {
		qty = l.AdjustedQuantity(qty)
	} else if held := l.Shares(o.Instrument); qty < held {
		qty = l.AdjustedQuantity(qty)
	} else {
		qty = held
	}
	if qty != o.Quantity {
		if err := o.Resize(qty); err != nil {
			return o.ID, err
		}
	}
	if qty == 0 {
		_ = o.Cancel()
		l.reject(o, model.RejectZeroQuantity, "quantity rounds to zero")
		return o.ID, nil
	}
	if err := o.Accept(); err != nil {
		return o.ID, err
	}
	l.book = append(l.book, o.ID)
	return o.ID, l.verify()
}

// Cancel removes a live order from the book.
func (l *Ledger) Cancel(id uint64) error {
	o, ok := l.orders[id]
	if !ok {
		return ErrUnknownOrder
	}
	if err := o.Cancel(); err != nil {
		return err
	}
	l.dropFromBook(id)
	return nil
}

// CancelInstrument cancels every live order for instrument.
func (l *Ledger) CancelInstrument(instrument string) {
	for _, id := range append([]uint64(nil), l.book...) {
		if l.orders[id].Instrument == instrument {
			_ = l.Cancel(id)
		}
	}
}

func (l *Ledger) dropFromBook(id uint64) {
	for i, bid := range l.book {
		if bid == id {
			l.book = append(l.book[:i], l.book[i+1:]...)
			return
		}
	}
}

func side(a order.Action) model.Direction {
	if a == order.Buy {
		return model.DirBuy
	}
	return model.DirSell
}

func (l *Ledger) reject(o *order.Order, reason model.RejectReason, detail string) {
	l.unfilled = append(l.unfilled, model.UnfilledOrder{
		Date:       l.date,
		OrderID:    o.ID,
		Instrument: o.Instrument,
		Side:       side(o.Action),
		Quantity:   o.Remaining(),
		Reason:     reason,
		Detail:     detail,
	})
	l.log.Debug("order not filled",
		"date", model.DateString(l.date),
		"order_id", o.ID,
		"instrument", o.Instrument,
		"side", o.Action.String(),
		"qty", o.Remaining(),
		"reason", string(reason),
	)
}

// Match runs every live order against today's bars in submission order.
// Execution rejections are logged as unfilled orders; only invariant
// failures are returned.
func (l *Ledger) Match(bars model.BarSet) error {
	for _, id := range append([]uint64(nil), l.book...) {
		o := l.orders[id]
		if o.Terminal() {
			l.dropFromBook(id)
			continue
		}
		rec, ok := bars.Get(o.Instrument)
		if !ok {
			if o.DayOnly() {
				l.expire(o, model.RejectNoBar, "no bar today")
			}
			continue
		}
		dec := l.matcher.Evaluate(o, rec)
		switch dec.Outcome {
		case order.OutcomeReject:
			l.expire(o, dec.Reason, "")
		case order.OutcomePending:
			if o.DayOnly() {
				l.expire(o, model.RejectExpired, "")
			}
		case order.OutcomeFill:
			if err := l.fill(o, dec.Price, dec.Quantity); err != nil {
				return err
			}
		}
	}
	return nil
}

// expire cancels o and logs the remaining quantity as unfilled.
func (l *Ledger) expire(o *order.Order, reason model.RejectReason, detail string) {
	l.reject(o, reason, detail)
	_ = o.Cancel()
	l.dropFromBook(o.ID)
}

// fill sizes a matched order against sellable shares, position limits and
// cash, then applies it. A shortfall cancels the rest of the order.
func (l *Ledger) fill(o *order.Order, price decimal.Decimal, qty int64) error {
	var (
		short  model.RejectReason
		detail string
	)
	if o.Action == order.Sell {
		if sellable := l.Sellable(o.Instrument); qty > sellable {
			qty, short = sellable, model.RejectInsufficientSellable
		}
	} else {
		qty, short, detail = l.sizeBuy(o.Instrument, qty, price)
	}

	if qty > 0 {
		if err := l.ApplyFill(o.ID, price, qty); err != nil {
			switch {
			case errors.Is(err, ErrInsufficientCash):
				l.expire(o, model.RejectInsufficientCash, err.Error())
				return nil
			case errors.Is(err, ErrInsufficientSellable):
				l.expire(o, model.RejectInsufficientSellable, err.Error())
				return nil
			}
			return err
		}
	}
	if short != "" && !o.Terminal() {
		l.expire(o, short, detail)
	}
	if o.Terminal() {
		l.dropFromBook(o.ID)
	} else if o.DayOnly() {
		l.expire(o, model.RejectExpired, "partially filled")
	}
	return nil
}

// sizeBuy shrinks a buy to the position limit and, with AdaptQuantity, to
// the affordable quantity.
func (l *Ledger) sizeBuy(id string, qty int64, price decimal.Decimal) (int64, model.RejectReason, string) {
	var (
		short  model.RejectReason
		detail string
	)
	lot := l.cfg.LotSize()
	if l.limiter.Enabled() {
		allowed, err := l.limiter.MaxBuy(id, qty, price, lot, l.exposures(), l.Equity(l.cfg.ValuationPrice))
		if allowed < qty {
			qty, short, detail = allowed, model.RejectPositionLimit, err.Error()
		}
	}
	if qty > 0 && !l.cfg.AllowNegativeCash && l.fees.BuyCost(price, qty).GreaterThan(l.cash) {
		if !l.cfg.AdaptQuantity {
			return 0, model.RejectInsufficientCash, fmt.Sprintf("need %s, have %s",
				l.fees.BuyCost(price, qty).StringFixed(2), l.cash.StringFixed(2))
		}
		qty = l.fees.MaxAffordable(l.cash, price, lot)
		short, detail = model.RejectInsufficientCash, "quantity adapted to cash"
	}
	return qty, short, detail
}

// ApplyFill executes qty shares of a live order at price. Cash, position
// and transaction log change together or not at all.
func (l *Ledger) ApplyFill(id uint64, price decimal.Decimal, qty int64) error {
	o, ok := l.orders[id]
	if !ok {
		return ErrUnknownOrder
	}
	if o.Terminal() {
		return order.ErrInvalidTransition
	}
	if qty <= 0 || qty > o.Remaining() {
		return order.ErrInvalidFill
	}
	if !price.IsPositive() {
		return fmt.Errorf("%w for %s", ErrNoPrice, o.Instrument)
	}

	rec, err := l.trade(o.Instrument, o.Action, price, qty, o.ID, o.Note)
	if err != nil {
		return err
	}
	if err := o.Fill(qty); err != nil {
		// Unreachable after the checks above.
		return err
	}
	l.log.Debug("order filled",
		"date", model.DateString(l.date),
		"order_id", o.ID,
		"instrument", o.Instrument,
		"side", o.Action.String(),
		"qty", qty,
		"price", price.String(),
		"cash_flow", rec.CashFlow.String(),
	)
	return l.verify()
}

// trade moves cash and shares for one execution and appends its record.
func (l *Ledger) trade(id string, action order.Action, price decimal.Decimal, qty int64, orderID uint64, note string) (model.TransactionRecord, error) {
	notional := price.Mul(decimal.NewFromInt(qty))
	commission := l.fees.Commission(notional)
	tax := l.fees.Tax(l.date, action == order.Sell, notional)
	p := l.position(id)

	var flow decimal.Decimal
	if action == order.Buy {
		flow = notional.Add(commission).Neg()
		if !l.cfg.AllowNegativeCash && l.cash.Add(flow).IsNegative() {
			return model.TransactionRecord{}, ErrInsufficientCash
		}
		if p.Quantity == 0 {
			p.OpenedAt = l.date
		}
		p.Quantity += qty
		if l.cfg.Settlement == config.SettleT0 {
			p.Sellable += qty
		}
		p.CostAmount = p.CostAmount.Add(notional).Add(commission)
		p.BoughtAmount = p.BoughtAmount.Add(flow.Neg())
		p.LastBuyDate = l.date
	} else {
		if qty > p.Sellable {
			return model.TransactionRecord{}, ErrInsufficientSellable
		}
		flow = notional.Sub(commission).Sub(tax)
		costOut := p.CostAmount.Mul(decimal.NewFromInt(qty)).Div(decimal.NewFromInt(p.Quantity))
		p.Quantity -= qty
		p.Sellable -= qty
		if p.Quantity == 0 {
			costOut = p.CostAmount
		}
		p.CostAmount = p.CostAmount.Sub(costOut)
		p.SoldAmount = p.SoldAmount.Add(flow)
		p.RealizedPnL = p.RealizedPnL.Add(flow.Sub(costOut))
		p.LastSellDate = l.date
	}
	l.cash = l.cash.Add(flow)
	l.tradedToday[id] = true

	rec := model.TransactionRecord{
		ID:         uuid.New().String(),
		OrderID:    orderID,
		Date:       l.date,
		Instrument: id,
		Name:       l.nameOf(id),
		Price:      price,
		Volume:     qty,
		Commission: commission,
		Tax:        tax,
		CashFlow:   flow,
		Direction:  side(action),
		Note:       note,
	}
	l.txns = append(l.txns, rec)
	return rec, nil
}

// ExecuteAt trades instrument at an explicit price outside normal
// matching, as stop liquidations do. Today's bar must be admissible. The
// quantity is clipped to sellable shares (sells) or affordable shares
// (buys, with AdaptQuantity). Returns the filled quantity.
func (l *Ledger) ExecuteAt(instrument string, action order.Action, qty int64, price decimal.Decimal, note string) (int64, error) {
	o, err := order.NewMarket(instrument, action, qty, l.date)
	if err != nil {
		return 0, err
	}
	o.Note = note
	if _, err := l.Submit(o); err != nil {
		return 0, err
	}
	if o.Terminal() {
		return 0, nil
	}
	rec, ok := l.today.Get(instrument)
	if !ok {
		l.expire(o, model.RejectNoBar, note)
		return 0, nil
	}
	if reason, ok := l.matcher.Admissible(rec); !ok {
		l.expire(o, reason, note)
		return 0, nil
	}
	if err := l.fill(o, price, o.Remaining()); err != nil {
		return 0, err
	}
	return o.Filled, nil
}
