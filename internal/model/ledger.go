package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction classifies a transaction record.
type Direction string

const (
	DirBuy        Direction = "BUY"
	DirSell       Direction = "SELL"
	DirConvertIn  Direction = "CONVERT_IN"
	DirConvertOut Direction = "CONVERT_OUT"
	DirDelistSell Direction = "DELIST_SELL"
	DirToCash     Direction = "TO_CASH"
)

// QuantitySign returns +1 for directions that add shares and -1 for those
// that remove them.
func (d Direction) QuantitySign() int64 {
	switch d {
	case DirBuy, DirConvertIn:
		return 1
	default:
		return -1
	}
}

// TransactionRecord is an immutable record of an executed trade or a
// corporate-action conversion. Once appended it is never modified or deleted.
type TransactionRecord struct {
	ID         string          `json:"id" db:"id"`
	OrderID    uint64          `json:"order_id" db:"order_id"`
	Date       time.Time       `json:"date" db:"trade_date"`
	Instrument string          `json:"instrument" db:"instrument"`
	Name       string          `json:"name" db:"name"`
	Price      decimal.Decimal `json:"price" db:"price"`
	Volume     int64           `json:"volume" db:"volume"`
	Commission decimal.Decimal `json:"commission" db:"commission"`
	Tax        decimal.Decimal `json:"tax" db:"tax"`
	CashFlow   decimal.Decimal `json:"cash_flow" db:"cash_flow"` // signed: -buy, +sell
	Direction  Direction       `json:"direction" db:"direction"`
	Note       string          `json:"note,omitempty" db:"note"`
}

// RejectReason explains why an order did not execute.
type RejectReason string

const (
	RejectSuspended            RejectReason = "Suspended"
	RejectPriceLimited         RejectReason = "PriceLimited"
	RejectInsufficientCash     RejectReason = "InsufficientCash"
	RejectInsufficientSellable RejectReason = "InsufficientSellable"
	RejectPositionLimit        RejectReason = "PositionLimit"
	RejectUntradable           RejectReason = "Untradable"
	RejectNoBar                RejectReason = "NoBar"
	RejectZeroQuantity         RejectReason = "ZeroQuantity"
	RejectExpired              RejectReason = "Expired"
)

// UnfilledOrder is a non-fatal execution diagnostic.
type UnfilledOrder struct {
	Date       time.Time    `json:"date"`
	OrderID    uint64       `json:"order_id"`
	Instrument string       `json:"instrument"`
	Side       Direction    `json:"side"`
	Quantity   int64        `json:"quantity"`
	Reason     RejectReason `json:"reason"`
	Detail     string       `json:"detail,omitempty"`
}

// EventKind is the type of an extended-status corporate event.
type EventKind uint8

const (
	EventDelist EventKind = iota + 1
	EventCodeChange
	EventToCash
)

func (k EventKind) String() string {
	switch k {
	case EventDelist:
		return "DELIST"
	case EventCodeChange:
		return "CODE_CHANGE"
	case EventToCash:
		return "TO_CASH"
	default:
		return fmt.Sprintf("EventKind(%d)", k)
	}
}

// ParseEventKind converts the data layer's event tag.
func ParseEventKind(s string) (EventKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DELIST", "DUMMY_DELIST":
		return EventDelist, nil
	case "CODE_CHANGE", "DUMMY_CODE_CHANGE":
		return EventCodeChange, nil
	case "TO_CASH", "DUMMY_TO_CASH":
		return EventToCash, nil
	default:
		return 0, fmt.Errorf("model: unknown event kind %q", s)
	}
}

// ExtendedStatusEvent is a corporate action due on Date. NewInstrument and
// Ratio are only meaningful for code changes.
type ExtendedStatusEvent struct {
	Date          time.Time       `json:"date"`
	Instrument    string          `json:"instrument"`
	Kind          EventKind       `json:"kind"`
	NewInstrument string          `json:"new_instrument,omitempty"`
	Ratio         decimal.Decimal `json:"ratio"`
}

// MergerRecord maps an old instrument to the one that replaces it.
type MergerRecord struct {
	OldInstrument string          `json:"old_instrument"`
	ChangeDate    time.Time       `json:"change_date"`
	NewInstrument string          `json:"new_instrument"`
	Ratio         decimal.Decimal `json:"ratio"`
}

// PositionRecord is the ledger's view of one instrument's holding.
type PositionRecord struct {
	Instrument   string          `json:"instrument"`
	Name         string          `json:"name"`
	Quantity     int64           `json:"quantity"`
	Sellable     int64           `json:"sellable"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	CostAmount   decimal.Decimal `json:"cost_amount"`
	BoughtAmount decimal.Decimal `json:"bought_amount"`
	SoldAmount   decimal.Decimal `json:"sold_amount"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
	LastBuyDate  time.Time       `json:"last_buy_date"`
	LastSellDate time.Time       `json:"last_sell_date"`
	OpenedAt     time.Time       `json:"opened_at"`
}

// DailyPosition is the per-day total-position record. The future fields
// are only populated when index-future hedging is configured.
type DailyPosition struct {
	Date           time.Time       `json:"date" db:"trade_date"`
	Equity         decimal.Decimal `json:"equity" db:"equity"`
	MarketValue    decimal.Decimal `json:"market_value" db:"market_value"`
	Cash           decimal.Decimal `json:"cash" db:"cash"`
	PositionRatio  decimal.Decimal `json:"position_ratio" db:"position_ratio"`
	Hedged         bool            `json:"hedged" db:"hedged"`
	FutureNotional decimal.Decimal `json:"future_notional,omitempty" db:"future_notional"`
	FutureMargin   decimal.Decimal `json:"future_margin,omitempty" db:"future_margin"`
	FuturePnL      decimal.Decimal `json:"future_pnl,omitempty" db:"future_pnl"`
	HedgeRatio     decimal.Decimal `json:"hedge_ratio,omitempty" db:"hedge_ratio"`
}

// PositionDetail is one row of the per-instrument detailed position record.
type PositionDetail struct {
	Date          time.Time       `json:"date"`
	Instrument    string          `json:"instrument"`
	Name          string          `json:"name"`
	Quantity      int64           `json:"quantity"`
	Sellable      int64           `json:"sellable"`
	CostPrice     decimal.Decimal `json:"cost_price"`
	Close         decimal.Decimal `json:"close"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Weight        decimal.Decimal `json:"weight"`
}
