// Package risk implements the kernel's portfolio risk controls: position
// concentration limits and stop-profit / stop-loss rules.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/instrument"
)

var (
	// ErrInstrumentLimitExceeded is returned when a trade would push one
	// instrument's market value beyond its share of equity.
	ErrInstrumentLimitExceeded = errors.New("risk: per-instrument position limit exceeded")

	// ErrBoardLimitExceeded is returned when a trade would push the
	// aggregate market value of one listing board beyond its share of equity.
	ErrBoardLimitExceeded = errors.New("risk: board concentration limit exceeded")
)

// PositionLimiter caps exposure as fractions of equity.
//
// Instruments listed on the same board (main board, ChiNext, STAR, Beijing)
// move together under board-level price-limit regimes, so their exposure is
// also capped in aggregate. A zero fraction disables that limit.
type PositionLimiter struct {
	// MaxFraction is the maximum market value of one instrument / equity.
	MaxFraction decimal.Decimal

	// MaxBoardFraction is the maximum aggregate market value of all
	// instruments on one board / equity.
	MaxBoardFraction decimal.Decimal
}

// NewPositionLimiter creates a limiter with the given fractions.
func NewPositionLimiter(maxFraction, maxBoardFraction decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{MaxFraction: maxFraction, MaxBoardFraction: maxBoardFraction}
}

// Enabled reports whether any limit is active.
func (l *PositionLimiter) Enabled() bool {
	return l != nil && (l.MaxFraction.IsPositive() || l.MaxBoardFraction.IsPositive())
}

// CheckLimit validates whether adding delta of market value to target keeps
// every limit.
//
// exposures maps instrument id → current market value; equity is the
// portfolio value the fractions apply to.
func (l *PositionLimiter) CheckLimit(
	target string,
	delta decimal.Decimal,
	exposures map[string]decimal.Decimal,
	equity decimal.Decimal,
) error {
	if !l.Enabled() {
		return nil
	}
	newPosition := exposures[target].Add(delta)

	if l.MaxFraction.IsPositive() && newPosition.GreaterThan(equity.Mul(l.MaxFraction)) {
		return ErrInstrumentLimitExceeded
	}

	if l.MaxBoardFraction.IsPositive() {
		board := boardOf(target)
		total := newPosition
		for id, exposure := range exposures {
			if id == target {
				continue // counted via newPosition
			}
			if boardOf(id) == board {
				total = total.Add(exposure)
			}
		}
		if total.GreaterThan(equity.Mul(l.MaxBoardFraction)) {
			return ErrBoardLimitExceeded
		}
	}
	return nil
}

// MaxBuy returns the largest multiple of lot, up to qty, that can be bought
// at price without breaching a limit, and the limit that bound it.
func (l *PositionLimiter) MaxBuy(
	target string,
	qty int64,
	price decimal.Decimal,
	lot int64,
	exposures map[string]decimal.Decimal,
	equity decimal.Decimal,
) (int64, error) {
	if !l.Enabled() || qty <= 0 {
		return qty, nil
	}
	if lot <= 0 {
		lot = 1
	}
	notional := func(q int64) decimal.Decimal { return price.Mul(decimal.NewFromInt(q)) }
	err := l.CheckLimit(target, notional(qty), exposures, equity)
	if err == nil {
		return qty, nil
	}
	// Binary search over whole lots.
	lo, hi := int64(0), qty/lot
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if l.CheckLimit(target, notional(mid*lot), exposures, equity) == nil {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo * lot, err
}

// boardOf groups an instrument id by listing board. Ids that do not parse
// form their own group.
func boardOf(id string) string {
	inst, err := instrument.Parse(id)
	if err != nil || inst.Board == instrument.BoardNone {
		return id
	}
	return inst.Board.String()
}
