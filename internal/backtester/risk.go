package backtester

import (
	"github.com/atlas-desktop/backtest-engine/internal/backtester/events"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RiskManager gates proposed orders against position and funding limits
type RiskManager struct {
	logger *zap.Logger
	limits types.RiskLimits
}

// RiskCheck is the context the portfolio supplies for a proposed order
type RiskCheck struct {
	CurrentQty    int64
	OpenPositions int
	Cash          decimal.Decimal
	EstimatedCost decimal.Decimal // Positive cash outflow expected for the order
}

// NewRiskManager creates a new risk manager
func NewRiskManager(logger *zap.Logger, limits types.RiskLimits) *RiskManager {
	if limits.Funding == "" {
		limits.Funding = types.FundingAllow
	}
	return &RiskManager{
		logger: logger,
		limits: limits,
	}
}

// FundingPolicy returns the configured funding policy
func (rm *RiskManager) FundingPolicy() types.FundingPolicy {
	return rm.limits.Funding
}

// AllowOrder reports whether an order may be submitted, and if not, why
func (rm *RiskManager) AllowOrder(order events.Order, check RiskCheck) (bool, string) {
	next := check.CurrentQty + order.SignedQuantity()

	if rm.limits.MaxPositionQty > 0 && abs64(next) > rm.limits.MaxPositionQty && abs64(next) > abs64(check.CurrentQty) {
		return rm.deny(order, "max_position_qty")
	}

	if rm.limits.MaxOpenPositions > 0 && check.CurrentQty == 0 && check.OpenPositions >= rm.limits.MaxOpenPositions {
		return rm.deny(order, "max_open_positions")
	}

	if rm.limits.Funding == types.FundingReject && check.EstimatedCost.GreaterThan(check.Cash) {
		return rm.deny(order, "insufficient_cash")
	}

	return true, ""
}

func (rm *RiskManager) deny(order events.Order, reason string) (bool, string) {
	rm.logger.Info("Order blocked by risk limits",
		zap.String("symbol", order.GetSymbol()),
		zap.String("direction", string(order.Direction())),
		zap.Int64("quantity", order.Quantity()),
		zap.String("reason", reason),
	)
	return false, reason
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
