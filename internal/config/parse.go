package config

import (
	"fmt"
	"strings"

	"github.com/atmx/backtest-engine/internal/model"
)

func norm(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.NewReplacer("-", "_", " ", "_").Replace(s)
}

// ParsePriceType converts "open", "close", "high", "low" or "typical".
func ParsePriceType(s string) (model.PriceKind, error) {
	switch norm(s) {
	case "OPEN":
		return model.PriceOpen, nil
	case "CLOSE":
		return model.PriceClose, nil
	case "HIGH":
		return model.PriceHigh, nil
	case "LOW":
		return model.PriceLow, nil
	case "TYPICAL":
		return model.PriceTypical, nil
	default:
		return 0, fmt.Errorf("%w: unknown price type %q", ErrInvalidConfig, s)
	}
}

// ParseLimitPolicy converts "strict", "flexible", "relax_open",
// "relax_close" or "none".
func ParseLimitPolicy(s string) (LimitPolicy, error) {
	switch norm(s) {
	case "", "NONE":
		return LimitPolicyNone, nil
	case "STRICT":
		return LimitPolicyStrict, nil
	case "FLEXIBLE":
		return LimitPolicyFlexible, nil
	case "RELAX_OPEN":
		return LimitPolicyRelaxOpen, nil
	case "RELAX_CLOSE":
		return LimitPolicyRelaxClose, nil
	default:
		return 0, fmt.Errorf("%w: unknown price-limit policy %q", ErrInvalidConfig, s)
	}
}

func (p LimitPolicy) String() string {
	switch p {
	case LimitPolicyNone:
		return "NONE"
	case LimitPolicyStrict:
		return "STRICT"
	case LimitPolicyFlexible:
		return "FLEXIBLE"
	case LimitPolicyRelaxOpen:
		return "RELAX_OPEN"
	case LimitPolicyRelaxClose:
		return "RELAX_CLOSE"
	default:
		return fmt.Sprintf("LimitPolicy(%d)", p)
	}
}

// ParseSettlement converts "t0", "t1" or "never".
func ParseSettlement(s string) (Settlement, error) {
	switch norm(s) {
	case "T1", "T+1", "":
		return SettleT1, nil
	case "T0", "T+0":
		return SettleT0, nil
	case "NEVER":
		return SettleNever, nil
	default:
		return 0, fmt.Errorf("%w: unknown settlement rule %q", ErrInvalidConfig, s)
	}
}

func (s Settlement) String() string {
	switch s {
	case SettleT0:
		return "T0"
	case SettleT1:
		return "T1"
	case SettleNever:
		return "NEVER"
	default:
		return fmt.Sprintf("Settlement(%d)", s)
	}
}

// ParseCostMethod converts "trade_date" or "accumulated".
func ParseCostMethod(s string) (CostMethod, error) {
	switch norm(s) {
	case "", "TRADE_DATE", "PER_TRADE_DATE":
		return CostPerTradeDate, nil
	case "ACCUMULATED", "ACCUMULATE":
		return CostAccumulated, nil
	default:
		return 0, fmt.Errorf("%w: unknown cost method %q", ErrInvalidConfig, s)
	}
}

// ParseDetailGranularity converts "every_day", "trade_days", "final_day"
// or "off".
func ParseDetailGranularity(s string) (DetailGranularity, error) {
	switch norm(s) {
	case "OFF", "NONE":
		return DetailOff, nil
	case "EVERY_DAY", "DAILY":
		return DetailEveryDay, nil
	case "", "TRADE_DAYS", "TRADE_DAY":
		return DetailTradeDays, nil
	case "FINAL_DAY", "FINAL":
		return DetailFinalDay, nil
	default:
		return 0, fmt.Errorf("%w: unknown detail granularity %q", ErrInvalidConfig, s)
	}
}
