// Package config holds the kernel configuration. String-valued settings are
// accepted only at the boundary (JSON files, HTTP bodies, CLI flags) and are
// resolved into typed constants before a run starts.
package config

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/fee"
	"github.com/atmx/backtest-engine/internal/instrument"
	"github.com/atmx/backtest-engine/internal/model"
)

// ErrInvalidConfig wraps every configuration-time failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Settlement is the rule for when bought shares become sellable.
type Settlement uint8

const (
	SettleT1 Settlement = iota
	SettleT0
	SettleNever
)

// LimitPolicy decides whether a bar that touched a daily price limit may be
// traded.
type LimitPolicy uint8

const (
	LimitPolicyNone LimitPolicy = iota
	LimitPolicyStrict
	LimitPolicyFlexible
	LimitPolicyRelaxOpen
	LimitPolicyRelaxClose
)

// CostMethod selects how a position's cost basis is computed.
type CostMethod uint8

const (
	// CostPerTradeDate keeps the weighted-average purchase cost of the
	// shares held, recomputed on each day the position trades.
	CostPerTradeDate CostMethod = iota
	// CostAccumulated uses (bought amount - sold amount) / held quantity.
	CostAccumulated
)

// DetailGranularity controls how often per-instrument position rows are kept.
type DetailGranularity uint8

const (
	DetailOff DetailGranularity = iota
	DetailEveryDay
	DetailTradeDays
	DetailFinalDay
)

// Stops holds stop-profit / stop-loss thresholds as fractions of cost
// (0.1 = 10%). Zero disables a threshold.
type Stops struct {
	StopProfit         decimal.Decimal `json:"stop_profit"`
	StopLoss           decimal.Decimal `json:"stop_loss"`
	IntradayStopProfit decimal.Decimal `json:"intraday_stop_profit"`
	IntradayStopLoss   decimal.Decimal `json:"intraday_stop_loss"`
}

// Enabled reports whether any stop rule is configured.
func (s Stops) Enabled() bool {
	return s.Overall() || s.Intraday()
}

// Overall reports whether a close-of-day threshold is configured.
func (s Stops) Overall() bool {
	return s.StopProfit.IsPositive() || s.StopLoss.IsPositive()
}

// Intraday reports whether an intraday threshold is configured.
func (s Stops) Intraday() bool {
	return s.IntradayStopProfit.IsPositive() || s.IntradayStopLoss.IsPositive()
}

// Hedge configures the optional index-future short hedge.
type Hedge struct {
	Instrument     string          `json:"instrument"`
	Multiplier     decimal.Decimal `json:"multiplier"`
	MarginRate     decimal.Decimal `json:"margin_rate"`
	Ratio          decimal.Decimal `json:"ratio"`
	CommissionRate decimal.Decimal `json:"commission_rate"`
}

// Config is the full kernel configuration surface.
type Config struct {
	InitialCash         decimal.Decimal
	Fees                fee.Schedule
	PriceType           model.PriceKind
	ValuationPrice      model.PriceKind
	LimitPolicy         LimitPolicy
	SuspensionLimit     bool
	Settlement          Settlement
	WholeLotOnly        bool
	CostMethod          CostMethod
	Stops               Stops
	AdaptQuantity       bool
	AllowNegativeCash   bool
	MaxPositionFraction decimal.Decimal // 0 disables the limit
	MaxBoardFraction    decimal.Decimal // aggregate cap per listing board; 0 disables
	CapacityRatio       decimal.Decimal // fraction of AmountMA fillable per day; 0 disables
	Detail              DetailGranularity
	Hedge               *Hedge
	// VerifyInvariants audits the ledger after every mutation. Meant for tests.
	VerifyInvariants bool
}

// Default returns the baseline A-share configuration: 1,000,000 cash, open
// price execution, T+1, whole lots, strict price limits and suspension checks.
func Default() Config {
	return Config{
		InitialCash:     decimal.NewFromInt(1000000),
		Fees:            fee.Default(),
		PriceType:       model.PriceOpen,
		ValuationPrice:  model.PriceClose,
		LimitPolicy:     LimitPolicyStrict,
		SuspensionLimit: true,
		Settlement:      SettleT1,
		WholeLotOnly:    true,
		CostMethod:      CostPerTradeDate,
		Detail:          DetailTradeDays,
	}
}

// Validate rejects contradictory or out-of-range settings.
func (c Config) Validate() error {
	if !c.InitialCash.IsPositive() {
		return fmt.Errorf("%w: initial cash must be > 0", ErrInvalidConfig)
	}
	if err := c.Fees.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.PriceType > model.PriceTypical || c.ValuationPrice > model.PriceTypical {
		return fmt.Errorf("%w: unknown price type", ErrInvalidConfig)
	}
	if c.LimitPolicy > LimitPolicyRelaxClose {
		return fmt.Errorf("%w: unknown price-limit policy", ErrInvalidConfig)
	}
	if c.Settlement > SettleNever {
		return fmt.Errorf("%w: unknown settlement rule", ErrInvalidConfig)
	}
	s := c.Stops
	if s.StopProfit.IsNegative() || s.StopLoss.IsNegative() ||
		s.IntradayStopProfit.IsNegative() || s.IntradayStopLoss.IsNegative() {
		return fmt.Errorf("%w: stop thresholds must be >= 0", ErrInvalidConfig)
	}
	if s.StopLoss.GreaterThanOrEqual(decimal.NewFromInt(1)) || s.IntradayStopLoss.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: stop-loss thresholds must be < 1", ErrInvalidConfig)
	}
	if s.Enabled() && c.CostMethod != CostPerTradeDate {
		return fmt.Errorf("%w: stop-profit/stop-loss requires the per-trade-date cost method", ErrInvalidConfig)
	}
	if c.MaxPositionFraction.IsNegative() || c.MaxPositionFraction.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: max position fraction must be in (0, 1]", ErrInvalidConfig)
	}
	if c.MaxBoardFraction.IsNegative() || c.MaxBoardFraction.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: max board fraction must be in (0, 1]", ErrInvalidConfig)
	}
	if c.CapacityRatio.IsNegative() {
		return fmt.Errorf("%w: capacity ratio must be >= 0", ErrInvalidConfig)
	}
	if c.Hedge != nil {
		if err := c.Hedge.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hedge) validate() error {
	inst, err := instrument.Parse(h.Instrument)
	if err != nil {
		return fmt.Errorf("%w: hedge instrument: %v", ErrInvalidConfig, err)
	}
	if inst.Kind != instrument.KindFuture {
		return fmt.Errorf("%w: hedge instrument %s is not an index future", ErrInvalidConfig, h.Instrument)
	}
	if !h.Multiplier.IsPositive() {
		return fmt.Errorf("%w: hedge multiplier must be > 0", ErrInvalidConfig)
	}
	if !h.Ratio.IsPositive() {
		return fmt.Errorf("%w: hedge ratio must be > 0", ErrInvalidConfig)
	}
	if h.MarginRate.IsNegative() || h.MarginRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: hedge margin rate must be in [0, 1]", ErrInvalidConfig)
	}
	if h.CommissionRate.IsNegative() {
		return fmt.Errorf("%w: hedge commission rate must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// LotSize returns the order lot to enforce: the board lot when whole-lot
// trading is on, 1 otherwise.
func (c Config) LotSize() int64 {
	if c.WholeLotOnly {
		return instrument.DefaultLotSize
	}
	return 1
}
