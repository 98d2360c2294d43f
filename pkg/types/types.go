// Package types provides shared type definitions for the backtesting engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction represents the side of a signal, order or fill
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Valid reports whether d is BUY or SELL.
func (d Direction) Valid() bool {
	return d == DirectionBuy || d == DirectionSell
}

// Sign returns +1 for BUY and -1 for SELL.
func (d Direction) Sign() int64 {
	if d == DirectionSell {
		return -1
	}
	return 1
}

// Opposite returns the reverse direction.
func (d Direction) Opposite() Direction {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// OrderKind represents the type of order
type OrderKind string

const (
	OrderKindMarket OrderKind = "MARKET"
	OrderKindLimit  OrderKind = "LIMIT"
	OrderKindStop   OrderKind = "STOP"
)

// Valid reports whether k is a supported order kind.
func (k OrderKind) Valid() bool {
	switch k {
	case OrderKindMarket, OrderKindLimit, OrderKindStop:
		return true
	}
	return false
}

// PositionSide represents long, short or flat exposure
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
	PositionSideFlat  PositionSide = "flat"
)

// Tick represents a single historical price observation
type Tick struct {
	Symbol    string          `json:"symbol" yaml:"symbol"`
	Price     decimal.Decimal `json:"price" yaml:"price"`
	Timestamp time.Time       `json:"timestamp" yaml:"timestamp"`
	Volume    int64           `json:"volume" yaml:"volume"`
}

// PositionSnapshot is a read-only copy of a position at the end of a run
type PositionSnapshot struct {
	Symbol          string          `json:"symbol" yaml:"symbol"`
	Side            PositionSide    `json:"side" yaml:"side"`
	Quantity        int64           `json:"quantity" yaml:"quantity"`
	AvgPrice        decimal.Decimal `json:"avgPrice" yaml:"avgPrice"`
	CurrentPrice    decimal.Decimal `json:"currentPrice" yaml:"currentPrice"`
	LastMarketValue decimal.Decimal `json:"lastMarketValue" yaml:"lastMarketValue"`
	UnrealizedPnL   decimal.Decimal `json:"unrealizedPnl" yaml:"unrealizedPnl"`
	RealizedPnL     decimal.Decimal `json:"realizedPnl" yaml:"realizedPnl"`
	OpenedAt        time.Time       `json:"openedAt,omitempty" yaml:"openedAt,omitempty"`
}

// Trade represents an executed fill as booked by the portfolio
type Trade struct {
	ID          string          `json:"id" yaml:"id"`
	OrderID     uint64          `json:"orderId" yaml:"orderId"`
	Symbol      string          `json:"symbol" yaml:"symbol"`
	Direction   Direction       `json:"direction" yaml:"direction"`
	Quantity    int64           `json:"quantity" yaml:"quantity"`
	Price       decimal.Decimal `json:"price" yaml:"price"`
	Commission  decimal.Decimal `json:"commission" yaml:"commission"`
	Slippage    decimal.Decimal `json:"slippage" yaml:"slippage"`
	RealizedPnL decimal.Decimal `json:"realizedPnl" yaml:"realizedPnl"`
	Closing     bool            `json:"closing" yaml:"closing"`
	StrategyID  string          `json:"strategyId,omitempty" yaml:"strategyId,omitempty"`
	ExecutedAt  time.Time       `json:"executedAt" yaml:"executedAt"`
}

// PnL returns realized profit net of commission for closing trades.
func (t Trade) PnL() decimal.Decimal {
	return t.RealizedPnL.Sub(t.Commission)
}

// PerformanceMetrics represents backtest performance metrics
type PerformanceMetrics struct {
	TotalReturn      decimal.Decimal `json:"totalReturn" yaml:"totalReturn"`
	AnnualizedReturn decimal.Decimal `json:"annualizedReturn" yaml:"annualizedReturn"`
	SharpeRatio      decimal.Decimal `json:"sharpeRatio" yaml:"sharpeRatio"`
	SortinoRatio     decimal.Decimal `json:"sortinoRatio" yaml:"sortinoRatio"`
	MaxDrawdown      decimal.Decimal `json:"maxDrawdown" yaml:"maxDrawdown"`
	MaxDrawdownDate  time.Time       `json:"maxDrawdownDate" yaml:"maxDrawdownDate"`
	WinRate          decimal.Decimal `json:"winRate" yaml:"winRate"`
	ProfitFactor     decimal.Decimal `json:"profitFactor" yaml:"profitFactor"`
	TotalTrades      int             `json:"totalTrades" yaml:"totalTrades"`
	WinningTrades    int             `json:"winningTrades" yaml:"winningTrades"`
	LosingTrades     int             `json:"losingTrades" yaml:"losingTrades"`
	AvgWin           decimal.Decimal `json:"avgWin" yaml:"avgWin"`
	AvgLoss          decimal.Decimal `json:"avgLoss" yaml:"avgLoss"`
	LargestWin       decimal.Decimal `json:"largestWin" yaml:"largestWin"`
	LargestLoss      decimal.Decimal `json:"largestLoss" yaml:"largestLoss"`
	TotalCommission  decimal.Decimal `json:"totalCommission" yaml:"totalCommission"`
	Expectancy       decimal.Decimal `json:"expectancy" yaml:"expectancy"`
}

// EquityCurvePoint represents a point on the equity curve
type EquityCurvePoint struct {
	Timestamp time.Time       `json:"timestamp" yaml:"timestamp"`
	Equity    decimal.Decimal `json:"equity" yaml:"equity"`
	Cash      decimal.Decimal `json:"cash" yaml:"cash"`
	Drawdown  decimal.Decimal `json:"drawdown" yaml:"drawdown"`
}
