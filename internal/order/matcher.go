package order

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/config"
	"github.com/atmx/backtest-engine/internal/model"
)

// Outcome is the result of evaluating an order against one bar.
type Outcome uint8

const (
	// OutcomePending means the order stays in the book.
	OutcomePending Outcome = iota
	// OutcomeFill means Quantity shares trade at Price.
	OutcomeFill
	// OutcomeReject means the bar is not admissible; Reason says why.
	OutcomeReject
)

// Decision is the matcher's verdict for one order on one day.
type Decision struct {
	Outcome  Outcome
	Price    decimal.Decimal
	Quantity int64
	Reason   model.RejectReason
}

// Matcher decides whether, at what price and for how much an order fills.
type Matcher struct {
	PriceType  model.PriceKind
	Policy     config.LimitPolicy
	Suspension bool
	// CapacityRatio caps a day's fill at CapacityRatio × AmountMA of
	// notional. Zero disables the cap.
	CapacityRatio decimal.Decimal
	LotSize       int64
}

// NewMatcher configures a matcher from the kernel configuration.
func NewMatcher(cfg config.Config) *Matcher {
	return &Matcher{
		PriceType:     cfg.PriceType,
		Policy:        cfg.LimitPolicy,
		Suspension:    cfg.SuspensionLimit,
		CapacityRatio: cfg.CapacityRatio,
		LotSize:       cfg.LotSize(),
	}
}

// Admissible applies the pre-fill gate: tradability, suspension and the
// price-limit policy.
func (m *Matcher) Admissible(rec model.PriceRecord) (model.RejectReason, bool) {
	switch {
	case rec.ExtStatus != model.ExtNormal:
		return model.RejectUntradable, false
	case m.Suspension && rec.Suspended:
		return model.RejectSuspended, false
	case m.limitBlocked(rec):
		return model.RejectPriceLimited, false
	case !rec.Price(m.PriceType).IsPositive():
		return model.RejectUntradable, false
	}
	return "", true
}

func (m *Matcher) limitBlocked(rec model.PriceRecord) bool {
	if !rec.Limit.Touched() {
		return false
	}
	switch m.Policy {
	case config.LimitPolicyStrict:
		return true
	case config.LimitPolicyFlexible:
		// Only a one-price bar offers no price away from the limit.
		return rec.High.Equal(rec.Low)
	case config.LimitPolicyRelaxOpen:
		return atLimit(rec, rec.Open)
	case config.LimitPolicyRelaxClose:
		return atLimit(rec, rec.Close)
	default:
		return false
	}
}

// atLimit reports whether px sits on a limit the bar touched. A bar that
// hit limit-up has its limit price at the high, limit-down at the low.
func atLimit(rec model.PriceRecord, px decimal.Decimal) bool {
	if rec.Limit&model.LimitUp != 0 && px.Equal(rec.High) {
		return true
	}
	return rec.Limit&model.LimitDown != 0 && px.Equal(rec.Low)
}

// Evaluate decides the order's fate on rec. It latches o.StopHit when a stop
// is crossed; it never changes the order's state or fill counters.
func (m *Matcher) Evaluate(o *Order, rec model.PriceRecord) Decision {
	if reason, ok := m.Admissible(rec); !ok {
		return Decision{Outcome: OutcomeReject, Reason: reason}
	}
	price, ok := m.price(o, rec)
	if !ok {
		return Decision{Outcome: OutcomePending}
	}
	qty := m.capacity(o.Remaining(), price, rec)
	if qty <= 0 {
		return Decision{Outcome: OutcomePending}
	}
	return Decision{Outcome: OutcomeFill, Price: price, Quantity: qty}
}

func (m *Matcher) price(o *Order, rec model.PriceRecord) (decimal.Decimal, bool) {
	ref := rec.Price(m.PriceType)
	switch o.Kind {
	case KindMarket:
		return ref, true
	case KindLimit:
		return limitPrice(o.Action, o.LimitPrice, ref, rec)
	case KindStop, KindStopLimit:
		if !o.StopHit {
			if !stopCrossed(o.Action, o.StopPrice, rec) {
				return decimal.Zero, false
			}
			o.StopHit = true
			// On the trigger day the order cannot trade through the stop.
			if o.Action == Buy {
				ref = decimal.Max(ref, o.StopPrice)
			} else {
				ref = decimal.Min(ref, o.StopPrice)
			}
		}
		if o.Kind == KindStop {
			return ref, true
		}
		return limitPrice(o.Action, o.LimitPrice, ref, rec)
	}
	return decimal.Zero, false
}

func limitPrice(action Action, limit, ref decimal.Decimal, rec model.PriceRecord) (decimal.Decimal, bool) {
	if action == Buy {
		if rec.Low.GreaterThan(limit) {
			return decimal.Zero, false
		}
		return decimal.Min(limit, ref), true
	}
	if rec.High.LessThan(limit) {
		return decimal.Zero, false
	}
	return decimal.Max(limit, ref), true
}

func stopCrossed(action Action, stop decimal.Decimal, rec model.PriceRecord) bool {
	if action == Buy {
		return rec.High.GreaterThanOrEqual(stop)
	}
	return rec.Low.LessThanOrEqual(stop)
}

// capacity limits qty by the day's liquidity estimate.
func (m *Matcher) capacity(qty int64, price decimal.Decimal, rec model.PriceRecord) int64 {
	if !m.CapacityRatio.IsPositive() || !rec.AmountMA.IsPositive() {
		return qty
	}
	lot := m.LotSize
	if lot <= 0 {
		lot = 1
	}
	room := rec.AmountMA.Mul(m.CapacityRatio).Div(price).IntPart()
	room -= room % lot
	if room < qty {
		return room
	}
	return qty
}
