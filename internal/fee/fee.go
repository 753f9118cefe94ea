// Package fee implements the commission and stamp-tax schedules applied to
// every simulated execution.
//
// Commission is either a percentage of notional (with an optional minimum
// per trade) or a fixed fee per trade. Stamp tax is charged on the sell side
// only, at a rate looked up from a date-keyed table.
//
// All monetary values use shopspring/decimal, never float64 for money.
package fee

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNegativeRate is returned when a commission or tax rate is below zero.
	ErrNegativeRate = errors.New("fee: rates and fees must be non-negative")

	// ErrUnsortedTaxRates is returned when tax rate effective dates are not
	// strictly increasing.
	ErrUnsortedTaxRates = errors.New("fee: tax rate effective dates must be strictly increasing")

	// MoneyScale is the number of decimal places for commission/tax rounding.
	MoneyScale int32 = 2
)

// TaxRate is a stamp-tax rate effective from Effective (inclusive).
type TaxRate struct {
	Effective time.Time       `json:"effective"`
	Rate      decimal.Decimal `json:"rate"`
}

// Schedule holds the commission and tax parameters for one run.
type Schedule struct {
	CommissionRate  decimal.Decimal `json:"commission_rate"`
	MinCommission   decimal.Decimal `json:"min_commission"`
	FixedCommission decimal.Decimal `json:"fixed_commission"` // > 0 overrides the rate
	TaxRates        []TaxRate       `json:"tax_rates"`
}

// DefaultStampTax returns the A-share sell-side stamp tax history relevant to
// daily backtests: 0.1% until the 2023-08-28 cut to 0.05%.
func DefaultStampTax() []TaxRate {
	return []TaxRate{
		{Effective: time.Time{}, Rate: decimal.NewFromFloat(0.001)},
		{Effective: time.Date(2023, 8, 28, 0, 0, 0, 0, time.UTC), Rate: decimal.NewFromFloat(0.0005)},
	}
}

// Default returns a typical retail A-share schedule: 0.025% commission with
// a 5 yuan minimum plus the default stamp tax.
func Default() Schedule {
	return Schedule{
		CommissionRate: decimal.NewFromFloat(0.00025),
		MinCommission:  decimal.NewFromInt(5),
		TaxRates:       DefaultStampTax(),
	}
}

// Zero returns a schedule that charges nothing.
func Zero() Schedule {
	return Schedule{}
}

// Validate checks rates are non-negative and the tax table is ordered.
func (s Schedule) Validate() error {
	if s.CommissionRate.IsNegative() || s.MinCommission.IsNegative() || s.FixedCommission.IsNegative() {
		return ErrNegativeRate
	}
	for i, r := range s.TaxRates {
		if r.Rate.IsNegative() {
			return ErrNegativeRate
		}
		if i > 0 && !r.Effective.After(s.TaxRates[i-1].Effective) {
			return ErrUnsortedTaxRates
		}
	}
	return nil
}

// Commission returns the commission charged on a trade of the given notional.
// A zero notional is never charged.
func (s Schedule) Commission(notional decimal.Decimal) decimal.Decimal {
	if notional.IsZero() {
		return decimal.Zero
	}
	if s.FixedCommission.IsPositive() {
		return s.FixedCommission
	}
	c := notional.Abs().Mul(s.CommissionRate)
	if c.LessThan(s.MinCommission) {
		c = s.MinCommission
	}
	return c.Round(MoneyScale)
}

// TaxRate returns the stamp-tax rate in effect on date.
func (s Schedule) TaxRate(date time.Time) decimal.Decimal {
	// Find the last entry effective on or before date.
	i := sort.Search(len(s.TaxRates), func(i int) bool {
		return s.TaxRates[i].Effective.After(date)
	})
	if i == 0 {
		return decimal.Zero
	}
	return s.TaxRates[i-1].Rate
}

// Tax returns the stamp tax for a trade. Buys are never taxed.
func (s Schedule) Tax(date time.Time, sell bool, notional decimal.Decimal) decimal.Decimal {
	if !sell || notional.IsZero() {
		return decimal.Zero
	}
	return notional.Abs().Mul(s.TaxRate(date)).Round(MoneyScale)
}

// BuyCost returns the total cash needed to buy qty shares at price:
//
//	cost = price × qty + commission(price × qty)
func (s Schedule) BuyCost(price decimal.Decimal, qty int64) decimal.Decimal {
	notional := price.Mul(decimal.NewFromInt(qty))
	return notional.Add(s.Commission(notional))
}

// SellProceeds returns the cash received for selling qty shares at price on
// date, net of commission and stamp tax.
func (s Schedule) SellProceeds(date time.Time, price decimal.Decimal, qty int64) decimal.Decimal {
	notional := price.Mul(decimal.NewFromInt(qty))
	return notional.Sub(s.Commission(notional)).Sub(s.Tax(date, true, notional))
}

// MaxAffordable returns the largest multiple of lot that can be bought at
// price with cash, commission included. Returns 0 if not even one lot fits.
func (s Schedule) MaxAffordable(cash, price decimal.Decimal, lot int64) int64 {
	if lot <= 0 {
		lot = 1
	}
	if !price.IsPositive() || !cash.IsPositive() {
		return 0
	}
	// Start from the rate-adjusted estimate and step down until it fits;
	// the minimum/fixed commission can only make the estimate too high.
	unit := price.Mul(decimal.NewFromInt(1).Add(s.CommissionRate))
	qty := cash.Div(unit).IntPart()
	qty -= qty % lot
	for qty > 0 && s.BuyCost(price, qty).GreaterThan(cash) {
		qty -= lot
	}
	if qty < 0 {
		return 0
	}
	return qty
}
