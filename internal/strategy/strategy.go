// Package strategy provides trading strategy implementations.
//
// A strategy observes market events one at a time and answers with zero or more
// signals. Strategies keep whatever per-symbol state they need; the engine never
// inspects it.
package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/atlas-desktop/backtest-engine/internal/backtester/events"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrUnknownStrategy is returned when the registry has no factory for a type.
	ErrUnknownStrategy = errors.New("unknown strategy type")
	// ErrInvalidParameter is returned when a strategy parameter is missing its bounds or type.
	ErrInvalidParameter = errors.New("invalid strategy parameter")
)

// Strategy is the interface all strategies must implement.
type Strategy interface {
	Name() string
	OnMarketEvent(market events.Market) ([]events.Signal, error)
}

// StrategyParameter defines a strategy parameter.
type StrategyParameter struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Type        string      `json:"type"` // "int", "decimal"
	Default     interface{} `json:"default"`
	Min         interface{} `json:"min,omitempty"`
	Max         interface{} `json:"max,omitempty"`
}

// StrategyInfo describes a registered strategy type.
type StrategyInfo struct {
	Type        string              `json:"type"`
	Description string              `json:"description"`
	Parameters  []StrategyParameter `json:"parameters"`
}

// Factory builds a strategy from a parameter map.
type Factory func(params map[string]any) (Strategy, error)

type registration struct {
	info    StrategyInfo
	factory Factory
}

// StrategyRegistry manages available strategies.
type StrategyRegistry struct {
	logger     *zap.Logger
	strategies map[string]registration
	mu         sync.RWMutex
}

// NewStrategyRegistry creates a new strategy registry with the built-in strategies.
func NewStrategyRegistry(logger *zap.Logger) *StrategyRegistry {
	r := &StrategyRegistry{
		logger:     logger,
		strategies: make(map[string]registration),
	}

	r.Register(StrategyInfo{
		Type:        "sma_crossover",
		Description: "Buys when price crosses above its simple moving average, sells on the cross below",
		Parameters: []StrategyParameter{
			{Name: "window", Description: "Moving average window in ticks", Type: "int", Default: DefaultSMAWindow, Min: 1},
		},
	}, newSMAFromParams)

	r.Register(StrategyInfo{
		Type:        "momentum",
		Description: "Trades when every change over the lookback moves beyond the threshold in the same direction",
		Parameters: []StrategyParameter{
			{Name: "lookback", Description: "Number of consecutive changes", Type: "int", Default: DefaultMomentumLookback, Min: 1},
			{Name: "threshold", Description: "Minimum relative change per tick", Type: "decimal", Default: "0.02", Min: "0"},
		},
	}, newMomentumFromParams)

	r.Register(StrategyInfo{
		Type:        "mean_reversion",
		Description: "Trades when price deviates from moving average by multiple standard deviations",
		Parameters: []StrategyParameter{
			{Name: "period", Description: "Period for moving average calculation", Type: "int", Default: DefaultMeanReversionPeriod, Min: 2},
			{Name: "std_dev_mult", Description: "Standard deviation multiplier for Bollinger Bands", Type: "decimal", Default: "2", Min: "0"},
		},
	}, newMeanReversionFromParams)

	return r
}

// Register registers a new strategy factory.
func (r *StrategyRegistry) Register(info StrategyInfo, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[info.Type] = registration{info: info, factory: factory}
}

// Create creates a new strategy instance from config.
func (r *StrategyRegistry) Create(config types.StrategyConfig) (Strategy, error) {
	r.mu.RLock()
	reg, ok := r.strategies[config.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, config.Type)
	}

	s, err := reg.factory(config.Parameters)
	if err != nil {
		return nil, fmt.Errorf("creating %s strategy: %w", config.Type, err)
	}

	r.logger.Debug("Strategy created",
		zap.String("type", config.Type),
		zap.String("name", s.Name()),
	)
	return s, nil
}

// CreateAll creates every configured strategy, in order.
func (r *StrategyRegistry) CreateAll(configs []types.StrategyConfig) ([]Strategy, error) {
	out := make([]Strategy, 0, len(configs))
	for _, c := range configs {
		s, err := r.Create(c)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// List returns all available strategy types, sorted.
func (r *StrategyRegistry) List() []StrategyInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]StrategyInfo, 0, len(r.strategies))
	for _, reg := range r.strategies {
		infos = append(infos, reg.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Type < infos[j].Type })
	return infos
}

// intParam reads an integer parameter. Values decoded from JSON arrive as float64
// and from YAML as int, so both are accepted as long as they are whole numbers.
func intParam(params map[string]any, name string, def int) (int, error) {
	raw, ok := params[name]
	if !ok || raw == nil {
		return def, nil
	}

	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("%w: %s must be a whole number, got %v", ErrInvalidParameter, name, v)
		}
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInvalidParameter, name, err)
		}
		return int(n), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %v", ErrInvalidParameter, name, err)
		}
		return n, nil
	}

	return 0, fmt.Errorf("%w: %s has unsupported type %T", ErrInvalidParameter, name, raw)
}

// decimalParam reads a decimal parameter from a number or numeric string.
func decimalParam(params map[string]any, name string, def decimal.Decimal) (decimal.Decimal, error) {
	raw, ok := params[name]
	if !ok || raw == nil {
		return def, nil
	}

	switch v := raw.(type) {
	case decimal.Decimal:
		return v, nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case json.Number:
		return parseDecimal(name, v.String())
	case string:
		return parseDecimal(name, v)
	}

	return decimal.Zero, fmt.Errorf("%w: %s has unsupported type %T", ErrInvalidParameter, name, raw)
}

func parseDecimal(name, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrInvalidParameter, name, err)
	}
	return d, nil
}
