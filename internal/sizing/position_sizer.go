// Package sizing turns signal strength into a whole number of shares.
//
// Two policies are provided: a fixed share count scaled by strength (the reference
// policy, 100 shares at full strength) and a fraction of current portfolio value.
package sizing

import (
	"fmt"
	"strings"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	MethodFixed          = "fixed"
	MethodEquityFraction = "equity_fraction"
)

// Sizer calculates position sizes
type Sizer interface {
	CalculateSize(req *SizingRequest) *SizingResult
}

// SizingRequest contains inputs for position sizing
type SizingRequest struct {
	Symbol         string
	Strength       decimal.Decimal // Signal strength (0-1)
	PortfolioValue decimal.Decimal
	CurrentPrice   decimal.Decimal // Zero when no price has been observed
}

// SizingResult contains the calculated position size
type SizingResult struct {
	Units          int64           `json:"units"`
	Notional       decimal.Decimal `json:"notional"` // Units * CurrentPrice, zero without a price
	LimitingFactor string          `json:"limitingFactor,omitempty"`
}

// FixedSizer sizes every signal as round(Quantity * strength)
type FixedSizer struct {
	Quantity int64
}

// CalculateSize implements Sizer
func (s *FixedSizer) CalculateSize(req *SizingRequest) *SizingResult {
	units := decimal.NewFromInt(s.Quantity).Mul(req.Strength).Round(0).IntPart()
	result := &SizingResult{
		Units:    units,
		Notional: req.CurrentPrice.Mul(decimal.NewFromInt(units)),
	}
	if units == 0 {
		result.LimitingFactor = "strength"
	}
	return result
}

// EquityFractionSizer commits Fraction * strength of portfolio value per signal
type EquityFractionSizer struct {
	Fraction decimal.Decimal
}

// CalculateSize implements Sizer. Without an observed price no size can be derived.
func (s *EquityFractionSizer) CalculateSize(req *SizingRequest) *SizingResult {
	if !req.CurrentPrice.IsPositive() {
		return &SizingResult{LimitingFactor: "no_price"}
	}
	if !req.PortfolioValue.IsPositive() {
		return &SizingResult{LimitingFactor: "portfolio_value"}
	}

	budget := req.PortfolioValue.Mul(s.Fraction).Mul(req.Strength)
	units := budget.Div(req.CurrentPrice).Floor().IntPart()
	result := &SizingResult{
		Units:    units,
		Notional: req.CurrentPrice.Mul(decimal.NewFromInt(units)),
	}
	if units == 0 {
		result.LimitingFactor = "budget"
	}
	return result
}

// New creates the sizer selected by config
func New(logger *zap.Logger, config types.SizingConfig) (Sizer, error) {
	switch strings.ToLower(config.Method) {
	case "", MethodFixed:
		if config.Quantity <= 0 {
			return nil, fmt.Errorf("fixed sizing requires a positive quantity, got %d", config.Quantity)
		}
		logger.Debug("Using fixed sizing", zap.Int64("quantity", config.Quantity))
		return &FixedSizer{Quantity: config.Quantity}, nil

	case MethodEquityFraction:
		if !config.EquityFraction.IsPositive() || config.EquityFraction.GreaterThan(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("equity fraction must be within (0, 1], got %s", config.EquityFraction)
		}
		logger.Debug("Using equity fraction sizing", zap.String("fraction", config.EquityFraction.String()))
		return &EquityFractionSizer{Fraction: config.EquityFraction}, nil
	}

	return nil, fmt.Errorf("unknown sizing method %q", config.Method)
}
