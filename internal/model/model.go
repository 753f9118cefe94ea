// Package model defines the core domain types shared across the backtest
// kernel. All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidBar is returned when a price record violates low ≤ open,close ≤ high.
var ErrInvalidBar = errors.New("model: invalid bar")

// ExtStatus tags a price record with its extended trading status.
type ExtStatus uint8

const (
	ExtNormal ExtStatus = iota
	ExtDummyDelist
	ExtDummyCodeChange
	ExtDummyToCash
	ExtUntradable
	ExtFilled
)

var extStatusNames = map[ExtStatus]string{
	ExtNormal:          "NORMAL",
	ExtDummyDelist:     "DUMMY_DELIST",
	ExtDummyCodeChange: "DUMMY_CODE_CHANGE",
	ExtDummyToCash:     "DUMMY_TO_CASH",
	ExtUntradable:      "UNTRADABLE",
	ExtFilled:          "FILLED",
}

func (s ExtStatus) String() string {
	if name, ok := extStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ExtStatus(%d)", s)
}

// ParseExtStatus converts the data layer's string tag. Empty means NORMAL.
func ParseExtStatus(s string) (ExtStatus, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return ExtNormal, nil
	}
	for status, name := range extStatusNames {
		if name == s {
			return status, nil
		}
	}
	return ExtNormal, fmt.Errorf("model: unknown ext status %q", s)
}

// IsDummy reports whether the record is a placeholder emitted for a
// corporate action rather than a real quote.
func (s ExtStatus) IsDummy() bool {
	return s == ExtDummyDelist || s == ExtDummyCodeChange || s == ExtDummyToCash
}

// LimitFlag records which daily price limits the bar touched.
type LimitFlag uint8

const (
	LimitNone LimitFlag = 0
	LimitUp   LimitFlag = 1 << 0
	LimitDown LimitFlag = 1 << 1
)

// Touched reports whether any limit was hit that day.
func (f LimitFlag) Touched() bool { return f != LimitNone }

// ParseLimitFlag accepts the data layer's max_up_down column:
// 0 none, 1 up, -1 down, 2 both.
func ParseLimitFlag(v int) (LimitFlag, error) {
	switch v {
	case 0:
		return LimitNone, nil
	case 1:
		return LimitUp, nil
	case -1:
		return LimitDown, nil
	case 2:
		return LimitUp | LimitDown, nil
	default:
		return LimitNone, fmt.Errorf("model: unknown max_up_down value %d", v)
	}
}

// PriceKind selects which quote of a bar is used for trading or valuation.
type PriceKind uint8

const (
	PriceOpen PriceKind = iota
	PriceClose
	PriceHigh
	PriceLow
	PriceTypical
)

func (k PriceKind) String() string {
	switch k {
	case PriceOpen:
		return "OPEN"
	case PriceClose:
		return "CLOSE"
	case PriceHigh:
		return "HIGH"
	case PriceLow:
		return "LOW"
	case PriceTypical:
		return "TYPICAL"
	default:
		return fmt.Sprintf("PriceKind(%d)", k)
	}
}

var three = decimal.NewFromInt(3)

// PriceRecord is one instrument's daily quote plus status tags.
// Produced by the data layer; the kernel only reads it.
type PriceRecord struct {
	Instrument string          `json:"instrument"`
	TradeDate  time.Time       `json:"trade_date"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     int64           `json:"volume"`
	Amount     decimal.Decimal `json:"amount"`
	AdjFactor  decimal.Decimal `json:"adj_factor"`
	Suspended  bool            `json:"suspended"`
	Limit      LimitFlag       `json:"max_up_down"`
	AmountMA   decimal.Decimal `json:"amount_ma"`
	ExtStatus  ExtStatus       `json:"ext_status"`
	SecName    string          `json:"sec_name"`
	ST         bool            `json:"st_flag"`
	ListDate   time.Time       `json:"list_date"`
	DelistDate time.Time       `json:"delist_date"`
}

// Validate checks the OHLC ordering invariant.
func (r PriceRecord) Validate() error {
	var reason string
	switch {
	case r.High.LessThan(r.Low):
		reason = "high < low"
	case r.High.LessThan(r.Open):
		reason = "high < open"
	case r.High.LessThan(r.Close):
		reason = "high < close"
	case r.Low.GreaterThan(r.Open):
		reason = "low > open"
	case r.Low.GreaterThan(r.Close):
		reason = "low > close"
	default:
		return nil
	}
	return fmt.Errorf("%w: %s on %s: %s", ErrInvalidBar, r.Instrument, DateString(r.TradeDate), reason)
}

// Price returns the quote selected by kind.
func (r PriceRecord) Price(kind PriceKind) decimal.Decimal {
	switch kind {
	case PriceOpen:
		return r.Open
	case PriceHigh:
		return r.High
	case PriceLow:
		return r.Low
	case PriceTypical:
		return r.High.Add(r.Low).Add(r.Close).Div(three)
	default:
		return r.Close
	}
}

// Adjustment returns the adjustment factor, treating an unset factor as 1.
func (r PriceRecord) Adjustment() decimal.Decimal {
	if r.AdjFactor.IsZero() {
		return decimal.NewFromInt(1)
	}
	return r.AdjFactor
}

// BarSet holds every instrument's record for one trade date.
type BarSet struct {
	Date    time.Time
	Records map[string]PriceRecord
}

// NewBarSet creates an empty bar set for date.
func NewBarSet(date time.Time) BarSet {
	return BarSet{Date: Day(date), Records: make(map[string]PriceRecord)}
}

// Get returns the record for an instrument, if present.
func (b BarSet) Get(instrument string) (PriceRecord, bool) {
	r, ok := b.Records[instrument]
	return r, ok
}

// Len returns the number of instruments in the set.
func (b BarSet) Len() int { return len(b.Records) }

// Instruments returns the instrument ids in ascending order.
func (b BarSet) Instruments() []string {
	ids := make([]string, 0, len(b.Records))
	for id := range b.Records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Day truncates t to midnight UTC, the canonical trade-date representation.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DateString formats a trade date as YYYY-MM-DD.
func DateString(t time.Time) string {
	return t.Format("2006-01-02")
}

// ParseDate accepts YYYY-MM-DD or YYYYMMDD.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	layout := "2006-01-02"
	if len(s) == 8 {
		layout = "20060102"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("model: invalid date %q", s)
	}
	return t, nil
}
