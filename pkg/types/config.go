// Package types provides configuration types for the backtesting engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// FundingPolicy decides what happens when an order costs more than the available cash
type FundingPolicy string

const (
	// FundingAllow lets cash go negative (implicit margin).
	FundingAllow FundingPolicy = "allow"
	// FundingReject skips unaffordable orders and refuses fills that would overdraw cash.
	FundingReject FundingPolicy = "reject"
)

// BacktestConfig represents the configuration for a backtest run
type BacktestConfig struct {
	ID             string           `json:"id" yaml:"id"`
	InitialCapital decimal.Decimal  `json:"initialCapital" yaml:"initialCapital"`
	Strategies     []StrategyConfig `json:"strategies" yaml:"strategies"`
	Slippage       SlippageConfig   `json:"slippage" yaml:"slippage"`
	Commission     CommissionConfig `json:"commission" yaml:"commission"`
	Sizing         SizingConfig     `json:"sizing" yaml:"sizing"`
	Orders         OrderConfig      `json:"orders" yaml:"orders"`
	RiskLimits     RiskLimits       `json:"riskLimits" yaml:"riskLimits"`
	MaxEvents      uint64           `json:"maxEvents" yaml:"maxEvents"` // 0 = unbounded
}

// StrategyConfig represents strategy configuration
type StrategyConfig struct {
	Name       string         `json:"name" yaml:"name"`
	Type       string         `json:"type" yaml:"type"`
	Parameters map[string]any `json:"parameters" yaml:"parameters"`
}

// SlippageConfig represents slippage model configuration
type SlippageConfig struct {
	Model        string          `json:"model" yaml:"model"` // "fixed", "volume_weighted"
	Rate         decimal.Decimal `json:"rate" yaml:"rate"`
	ImpactFactor decimal.Decimal `json:"impactFactor,omitempty" yaml:"impactFactor,omitempty"`
	MaxRate      decimal.Decimal `json:"maxRate,omitempty" yaml:"maxRate,omitempty"`
}

// CommissionConfig represents the flat-plus-rate commission schedule
type CommissionConfig struct {
	Base decimal.Decimal `json:"base" yaml:"base"`
	Rate decimal.Decimal `json:"rate" yaml:"rate"`
}

// SizingConfig represents how signals are turned into share quantities
type SizingConfig struct {
	Method         string          `json:"method" yaml:"method"` // "fixed", "equity_fraction"
	Quantity       int64           `json:"quantity" yaml:"quantity"`
	EquityFraction decimal.Decimal `json:"equityFraction,omitempty" yaml:"equityFraction,omitempty"`
}

// OrderConfig selects the order kind the portfolio emits
type OrderConfig struct {
	Kind        OrderKind       `json:"kind" yaml:"kind"`
	LimitOffset decimal.Decimal `json:"limitOffset,omitempty" yaml:"limitOffset,omitempty"`
	StopOffset  decimal.Decimal `json:"stopOffset,omitempty" yaml:"stopOffset,omitempty"`
}

// RiskLimits represents risk management limits
type RiskLimits struct {
	MaxPositionQty   int64         `json:"maxPositionQty" yaml:"maxPositionQty"`     // 0 = unlimited
	MaxOpenPositions int           `json:"maxOpenPositions" yaml:"maxOpenPositions"` // 0 = unlimited
	Funding          FundingPolicy `json:"funding" yaml:"funding"`
}

// DefaultBacktestConfig returns the reference policy: $100,000 capital, 100 shares per
// full-strength signal, market orders, 0.1% slippage, $1 + 0.1% commission.
func DefaultBacktestConfig() *BacktestConfig {
	return &BacktestConfig{
		InitialCapital: decimal.NewFromInt(100000),
		Slippage: SlippageConfig{
			Model:        "fixed",
			Rate:         decimal.NewFromFloat(0.001),
			ImpactFactor: decimal.NewFromFloat(0.1),
			MaxRate:      decimal.NewFromFloat(0.05),
		},
		Commission: CommissionConfig{
			Base: decimal.NewFromInt(1),
			Rate: decimal.NewFromFloat(0.001),
		},
		Sizing: SizingConfig{
			Method:   "fixed",
			Quantity: 100,
		},
		Orders: OrderConfig{
			Kind: OrderKindMarket,
		},
		RiskLimits: RiskLimits{
			Funding: FundingAllow,
		},
	}
}

// BacktestResult represents the results of a backtest
type BacktestResult struct {
	ID              string              `json:"id" yaml:"id"`
	Config          *BacktestConfig     `json:"config" yaml:"config"`
	State           string              `json:"state" yaml:"state"`
	InitialCapital  decimal.Decimal     `json:"initialCapital" yaml:"initialCapital"`
	FinalValue      decimal.Decimal     `json:"finalValue" yaml:"finalValue"`
	Cash            decimal.Decimal     `json:"cash" yaml:"cash"`
	RealizedPnL     decimal.Decimal     `json:"realizedPnl" yaml:"realizedPnl"`
	Positions       []PositionSnapshot  `json:"positions" yaml:"positions"`
	Metrics         *PerformanceMetrics `json:"metrics" yaml:"metrics"`
	EquityCurve     []EquityCurvePoint  `json:"equityCurve" yaml:"equityCurve"`
	Trades          []Trade             `json:"trades" yaml:"trades"`
	PendingOrders   int                 `json:"pendingOrders" yaml:"pendingOrders"`
	StartedAt       time.Time           `json:"startedAt" yaml:"startedAt"`
	CompletedAt     time.Time           `json:"completedAt" yaml:"completedAt"`
	Duration        time.Duration       `json:"duration" yaml:"duration"`
	EventsProcessed uint64              `json:"eventsProcessed" yaml:"eventsProcessed"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host           string        `json:"host" yaml:"host"`
	Port           int           `json:"port" yaml:"port"`
	WebSocketPath  string        `json:"websocketPath" yaml:"websocketPath"`
	ReadTimeout    time.Duration `json:"readTimeout" yaml:"readTimeout"`
	WriteTimeout   time.Duration `json:"writeTimeout" yaml:"writeTimeout"`
	MaxConnections int           `json:"maxConnections" yaml:"maxConnections"`
	EnableMetrics  bool          `json:"enableMetrics" yaml:"enableMetrics"`
	AllowedOrigins []string      `json:"allowedOrigins" yaml:"allowedOrigins"`
	SubmitRate     float64       `json:"submitRate" yaml:"submitRate"` // backtest submissions per second, 0 = unlimited
	SubmitBurst    int           `json:"submitBurst" yaml:"submitBurst"`
}

// DataConfig represents tick storage configuration
type DataConfig struct {
	DataDir string `json:"dataDir" yaml:"dataDir"`
}

// BacktestProgress represents the progress of a running backtest
type BacktestProgress struct {
	ID              string          `json:"id"`
	Status          string          `json:"status"`   // "idle", "running", "completed", "failed"
	Progress        float64         `json:"progress"` // 0-100
	EventsProcessed uint64          `json:"eventsProcessed"`
	PendingEvents   int             `json:"pendingEvents"`
	CurrentDate     time.Time       `json:"currentDate"`
	TradesExecuted  int             `json:"tradesExecuted"`
	CurrentEquity   decimal.Decimal `json:"currentEquity"`
	Error           string          `json:"error,omitempty"`
}
