// Package order models simulated orders and decides how they fill against
// a daily bar.
package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidOrder      = errors.New("order: invalid order")
	ErrInvalidTransition = errors.New("order: invalid state transition")
	ErrInvalidFill       = errors.New("order: invalid fill quantity")
)

// Kind is the order variant.
type Kind uint8

const (
	KindMarket Kind = iota
	KindLimit
	KindStop
	KindStopLimit
)

func (k Kind) String() string {
	switch k {
	case KindMarket:
		return "MARKET"
	case KindLimit:
		return "LIMIT"
	case KindStop:
		return "STOP"
	case KindStopLimit:
		return "STOP_LIMIT"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// Action is the order side.
type Action uint8

const (
	Buy Action = iota + 1
	Sell
)

func (a Action) String() string {
	switch a {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	default:
		return fmt.Sprintf("Action(%d)", a)
	}
}

// State tracks the lifecycle of an order.
type State uint8

const (
	StateSubmitted State = iota
	StateAccepted
	StatePartiallyFilled
	StateFilled
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateSubmitted:
		return "SUBMITTED"
	case StateAccepted:
		return "ACCEPTED"
	case StatePartiallyFilled:
		return "PARTIALLY_FILLED"
	case StateFilled:
		return "FILLED"
	case StateCanceled:
		return "CANCELED"
	default:
		return fmt.Sprintf("State(%d)", s)
	}
}

// Order is a request to trade one instrument. The ledger owns it from
// Submit until it reaches a terminal state.
type Order struct {
	ID          uint64
	Instrument  string
	Action      Action
	Kind        Kind
	Quantity    int64
	Filled      int64
	LimitPrice  decimal.Decimal // Limit, StopLimit
	StopPrice   decimal.Decimal // Stop, StopLimit
	SubmittedAt time.Time
	State       State
	// StopHit latches once the bar range crosses StopPrice.
	StopHit bool
	Note    string
}

func newOrder(instrument string, action Action, kind Kind, qty int64, at time.Time) (*Order, error) {
	if instrument == "" {
		return nil, fmt.Errorf("%w: missing instrument", ErrInvalidOrder)
	}
	if action != Buy && action != Sell {
		return nil, fmt.Errorf("%w: unknown action", ErrInvalidOrder)
	}
	if qty <= 0 {
		return nil, fmt.Errorf("%w: quantity must be > 0", ErrInvalidOrder)
	}
	return &Order{
		Instrument:  instrument,
		Action:      action,
		Kind:        kind,
		Quantity:    qty,
		SubmittedAt: at,
		State:       StateSubmitted,
	}, nil
}

// NewMarket creates a market order, filled at the bar's reference price.
func NewMarket(instrument string, action Action, qty int64, at time.Time) (*Order, error) {
	return newOrder(instrument, action, KindMarket, qty, at)
}

// NewLimit creates a limit order.
func NewLimit(instrument string, action Action, qty int64, limit decimal.Decimal, at time.Time) (*Order, error) {
	if !limit.IsPositive() {
		return nil, fmt.Errorf("%w: limit price must be > 0", ErrInvalidOrder)
	}
	o, err := newOrder(instrument, action, KindLimit, qty, at)
	if err != nil {
		return nil, err
	}
	o.LimitPrice = limit
	return o, nil
}

// NewStop creates a stop order that becomes a market order once hit.
func NewStop(instrument string, action Action, qty int64, stop decimal.Decimal, at time.Time) (*Order, error) {
	if !stop.IsPositive() {
		return nil, fmt.Errorf("%w: stop price must be > 0", ErrInvalidOrder)
	}
	o, err := newOrder(instrument, action, KindStop, qty, at)
	if err != nil {
		return nil, err
	}
	o.StopPrice = stop
	return o, nil
}

// NewStopLimit creates a stop order that becomes a limit order once hit.
func NewStopLimit(instrument string, action Action, qty int64, stop, limit decimal.Decimal, at time.Time) (*Order, error) {
	if !stop.IsPositive() || !limit.IsPositive() {
		return nil, fmt.Errorf("%w: stop and limit prices must be > 0", ErrInvalidOrder)
	}
	o, err := newOrder(instrument, action, KindStopLimit, qty, at)
	if err != nil {
		return nil, err
	}
	o.StopPrice, o.LimitPrice = stop, limit
	return o, nil
}

// Remaining is the unfilled quantity.
func (o *Order) Remaining() int64 { return o.Quantity - o.Filled }

// Terminal reports whether the order is Filled or Canceled.
func (o *Order) Terminal() bool { return isTerminal(o.State) }

// DayOnly reports whether the order expires at the end of its first
// trading day. Market orders do; the others rest until filled or canceled.
func (o *Order) DayOnly() bool { return o.Kind == KindMarket }

// Accept moves a submitted order into the book.
func (o *Order) Accept() error {
	if o.State != StateSubmitted {
		return ErrInvalidTransition
	}
	o.State = StateAccepted
	return nil
}

// Resize changes the requested quantity before any fill, e.g. for lot
// rounding or cash adaptation.
func (o *Order) Resize(qty int64) error {
	if isTerminal(o.State) || o.Filled > 0 {
		return ErrInvalidTransition
	}
	if qty < 0 {
		return ErrInvalidFill
	}
	o.Quantity = qty
	return nil
}

// Fill records an execution of qty shares.
func (o *Order) Fill(qty int64) error {
	if o.State != StateAccepted && o.State != StatePartiallyFilled {
		return ErrInvalidTransition
	}
	if qty <= 0 || qty > o.Remaining() {
		return ErrInvalidFill
	}
	o.Filled += qty
	if o.Remaining() == 0 {
		o.State = StateFilled
	} else {
		o.State = StatePartiallyFilled
	}
	return nil
}

// Cancel terminates a live order.
func (o *Order) Cancel() error {
	if isTerminal(o.State) {
		return ErrInvalidTransition
	}
	o.State = StateCanceled
	return nil
}

func isTerminal(state State) bool {
	return state == StateFilled || state == StateCanceled
}
