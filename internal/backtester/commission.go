package backtester

import (
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// CommissionModel prices the fee for a fill
type CommissionModel interface {
	Calculate(quantity int64, price decimal.Decimal) decimal.Decimal
}

// FlatPlusRateCommission charges Base per fill plus Rate of the notional.
type FlatPlusRateCommission struct {
	Base decimal.Decimal
	Rate decimal.Decimal
}

// NewCommissionModel creates the commission schedule from config
func NewCommissionModel(config types.CommissionConfig) *FlatPlusRateCommission {
	return &FlatPlusRateCommission{Base: config.Base, Rate: config.Rate}
}

// Calculate returns Base + Rate * quantity * price.
func (c *FlatPlusRateCommission) Calculate(quantity int64, price decimal.Decimal) decimal.Decimal {
	notional := price.Mul(decimal.NewFromInt(quantity))
	return c.Base.Add(c.Rate.Mul(notional))
}
