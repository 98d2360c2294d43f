package backtester

import (
	"math"
	"strings"

	"github.com/atlas-desktop/backtest-engine/internal/backtester/events"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/atlas-desktop/backtest-engine/pkg/utils"
	"github.com/shopspring/decimal"
)

// SlippageModel returns the fractional price penalty applied to an order filled
// against the last observed market event for its symbol.
type SlippageModel interface {
	Calculate(order events.Order, market events.Market) decimal.Decimal
}

// FixedSlippage applies the same rate to every order
type FixedSlippage struct {
	Rate decimal.Decimal
}

// NewFixedSlippage creates a fixed slippage model; rate 0.001 means 0.1%.
func NewFixedSlippage(rate decimal.Decimal) *FixedSlippage {
	return &FixedSlippage{Rate: rate}
}

// Calculate returns the fixed rate
func (f *FixedSlippage) Calculate(order events.Order, market events.Market) decimal.Decimal {
	return f.Rate
}

// VolumeWeightedSlippage models slippage based on order size relative to volume
type VolumeWeightedSlippage struct {
	BaseRate     decimal.Decimal
	ImpactFactor decimal.Decimal // Market impact multiplier
	MaxRate      decimal.Decimal // Cap, zero means maxSlippageRate
}

// maxSlippageRate keeps a slipped SELL price positive when no cap is configured.
var maxSlippageRate = decimal.RequireFromString("0.99")

// NewVolumeWeightedSlippage creates a volume-weighted slippage model
func NewVolumeWeightedSlippage(baseRate, impactFactor, maxRate decimal.Decimal) *VolumeWeightedSlippage {
	return &VolumeWeightedSlippage{
		BaseRate:     baseRate,
		ImpactFactor: impactFactor,
		MaxRate:      maxRate,
	}
}

// Calculate returns base + k * sqrt(participation), where participation is the
// order quantity divided by the tick volume. Ticks without volume get the base rate.
func (v *VolumeWeightedSlippage) Calculate(order events.Order, market events.Market) decimal.Decimal {
	if market.Volume() <= 0 {
		return v.BaseRate
	}

	participation := float64(order.Quantity()) / float64(market.Volume())
	impact := v.ImpactFactor.Mul(decimal.NewFromFloat(math.Sqrt(participation)))
	rate := v.BaseRate.Add(impact)

	ceiling := maxSlippageRate
	if v.MaxRate.IsPositive() && v.MaxRate.LessThan(ceiling) {
		ceiling = v.MaxRate
	}
	return utils.MinDecimal(rate, ceiling)
}

// CreateSlippageModel creates a slippage model from config
func CreateSlippageModel(config types.SlippageConfig) SlippageModel {
	switch strings.ToLower(config.Model) {
	case "volume_weighted":
		return NewVolumeWeightedSlippage(config.Rate, config.ImpactFactor, config.MaxRate)
	default:
		return NewFixedSlippage(config.Rate)
	}
}
