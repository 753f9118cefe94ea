package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"github.com/atmx/backtest-engine/internal/fee"
)

// FileConfig mirrors the JSON config layout. Enumerations are strings and
// optional toggles are pointers so that unset fields keep their defaults.
type FileConfig struct {
	InitialCash         *decimal.Decimal `json:"initial_cash"`
	CommissionRate      *decimal.Decimal `json:"commission_rate"`
	MinCommission       *decimal.Decimal `json:"min_commission"`
	FixedCommission     *decimal.Decimal `json:"fixed_commission"`
	StampTax            *decimal.Decimal `json:"stamp_tax"`
	StampTaxSchedule    []fee.TaxRate    `json:"stamp_tax_schedule"`
	PriceType           string           `json:"price_type"`
	ValuationPrice      string           `json:"valuation_price"`
	MaxUpDownLimit      string           `json:"max_up_down_limit"`
	SuspensionLimit     *bool            `json:"suspension_limit"`
	Settlement          string           `json:"settlement"`
	WholeLotOnly        *bool            `json:"whole_lot_only"`
	CostMethod          string           `json:"cost_method"`
	Stops               Stops            `json:"stops"`
	AdaptQuantity       bool             `json:"adapt_quantity"`
	AllowNegativeCash   bool             `json:"allow_negative_cash"`
	MaxPositionFraction decimal.Decimal  `json:"max_position_fraction"`
	MaxBoardFraction    decimal.Decimal  `json:"max_board_fraction"`
	CapacityRatio       decimal.Decimal  `json:"capacity_ratio"`
	DetailGranularity   string           `json:"detail_granularity"`
	Hedge               *Hedge           `json:"hedge"`
}

// Load reads a JSON config file and resolves it against Default().
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

// Parse decodes a JSON config document and resolves it against Default().
func Parse(data []byte) (Config, error) {
	var fc FileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return Resolve(fc)
}

// Resolve converts a FileConfig into a validated Config.
func Resolve(fc FileConfig) (Config, error) {
	cfg := Default()
	var err error

	if fc.InitialCash != nil {
		cfg.InitialCash = *fc.InitialCash
	}
	if fc.CommissionRate != nil {
		cfg.Fees.CommissionRate = *fc.CommissionRate
	}
	if fc.MinCommission != nil {
		cfg.Fees.MinCommission = *fc.MinCommission
	}
	if fc.FixedCommission != nil {
		cfg.Fees.FixedCommission = *fc.FixedCommission
	}
	switch {
	case len(fc.StampTaxSchedule) > 0:
		cfg.Fees.TaxRates = fc.StampTaxSchedule
	case fc.StampTax != nil:
		cfg.Fees.TaxRates = []fee.TaxRate{{Rate: *fc.StampTax}}
	}

	if fc.PriceType != "" {
		if cfg.PriceType, err = ParsePriceType(fc.PriceType); err != nil {
			return Config{}, err
		}
	}
	if fc.ValuationPrice != "" {
		if cfg.ValuationPrice, err = ParsePriceType(fc.ValuationPrice); err != nil {
			return Config{}, err
		}
	}
	if fc.MaxUpDownLimit != "" {
		if cfg.LimitPolicy, err = ParseLimitPolicy(fc.MaxUpDownLimit); err != nil {
			return Config{}, err
		}
	}
	if fc.Settlement != "" {
		if cfg.Settlement, err = ParseSettlement(fc.Settlement); err != nil {
			return Config{}, err
		}
	}
	if fc.CostMethod != "" {
		if cfg.CostMethod, err = ParseCostMethod(fc.CostMethod); err != nil {
			return Config{}, err
		}
	}
	if fc.DetailGranularity != "" {
		if cfg.Detail, err = ParseDetailGranularity(fc.DetailGranularity); err != nil {
			return Config{}, err
		}
	}
	if fc.SuspensionLimit != nil {
		cfg.SuspensionLimit = *fc.SuspensionLimit
	}
	if fc.WholeLotOnly != nil {
		cfg.WholeLotOnly = *fc.WholeLotOnly
	}

	cfg.Stops = fc.Stops
	cfg.AdaptQuantity = fc.AdaptQuantity
	cfg.AllowNegativeCash = fc.AllowNegativeCash
	cfg.MaxPositionFraction = fc.MaxPositionFraction
	cfg.MaxBoardFraction = fc.MaxBoardFraction
	cfg.CapacityRatio = fc.CapacityRatio
	cfg.Hedge = fc.Hedge

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
