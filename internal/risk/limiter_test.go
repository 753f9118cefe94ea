package risk

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewPositionLimiter(d(0.2), d(0.5))

	err := limiter.CheckLimit("600000.SH", d(10000), nil, d(100000))
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_InstrumentExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(0.2), decimal.Zero)

	// Existing 15,000 + new 6,000 = 21,000 > 20% of 100,000.
	existing := map[string]decimal.Decimal{
		"600000.SH": d(15000),
	}

	err := limiter.CheckLimit("600000.SH", d(6000), existing, d(100000))
	if err != ErrInstrumentLimitExceeded {
		t.Errorf("expected ErrInstrumentLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_BoardExceeded(t *testing.T) {
	// 300750.SZ and 300059.SZ are both ChiNext.
	limiter := NewPositionLimiter(d(0.5), d(0.3))

	existing := map[string]decimal.Decimal{
		"300750.SZ": d(15000),
		"300059.SZ": d(10000),
		"600000.SH": d(40000), // main board, not counted
	}

	// 6,000 + 15,000 + 10,000 = 31,000 > 30% of 100,000.
	err := limiter.CheckLimit("300014.SZ", d(6000), existing, d(100000))
	if err != ErrBoardLimitExceeded {
		t.Errorf("expected ErrBoardLimitExceeded, got %v", err)
	}
	if err := limiter.CheckLimit("300014.SZ", d(4000), existing, d(100000)); err != nil {
		t.Errorf("expected no error at 29%%, got %v", err)
	}
}

func TestCheckLimit_Disabled(t *testing.T) {
	var nilLimiter *PositionLimiter
	if nilLimiter.Enabled() {
		t.Error("nil limiter should be disabled")
	}
	limiter := NewPositionLimiter(decimal.Zero, decimal.Zero)
	if err := limiter.CheckLimit("600000.SH", d(1e9), nil, d(1)); err != nil {
		t.Errorf("zero fractions should disable limits, got %v", err)
	}
}

func TestMaxBuy_ShrinksToLimit(t *testing.T) {
	limiter := NewPositionLimiter(d(0.1), decimal.Zero)
	existing := map[string]decimal.Decimal{"600000.SH": d(2000)}

	// Room is 10,000 - 2,000 = 8,000 at 10.0 → 800 shares.
	qty, err := limiter.MaxBuy("600000.SH", 5000, d(10), 100, existing, d(100000))
	if err != ErrInstrumentLimitExceeded {
		t.Errorf("expected the binding limit to be reported, got %v", err)
	}
	if qty != 800 {
		t.Errorf("expected 800, got %d", qty)
	}

	qty, err = limiter.MaxBuy("600000.SH", 300, d(10), 100, existing, d(100000))
	if err != nil || qty != 300 {
		t.Errorf("expected 300 unchanged, got %d, %v", qty, err)
	}
}

func TestMaxBuy_NothingFits(t *testing.T) {
	limiter := NewPositionLimiter(d(0.1), decimal.Zero)
	existing := map[string]decimal.Decimal{"600000.SH": d(9950)}

	qty, err := limiter.MaxBuy("600000.SH", 1000, d(10), 100, existing, d(100000))
	if qty != 0 || err == nil {
		t.Errorf("expected 0 with an error, got %d, %v", qty, err)
	}
}
