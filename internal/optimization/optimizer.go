// Package optimization sweeps strategy parameters by running one backtest per grid
// point over the same ticks and ranking the results by a target metric.
package optimization

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/backtester"
	"github.com/atlas-desktop/backtest-engine/internal/strategy"
	"github.com/atlas-desktop/backtest-engine/internal/workers"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrEmptyGrid is returned when the parameter space has no points.
var ErrEmptyGrid = errors.New("parameter grid is empty")

// Metric names a result field to rank runs by
type Metric string

const (
	MetricTotalReturn Metric = "total_return"
	MetricSharpe      Metric = "sharpe"
	MetricSortino     Metric = "sortino"
	MetricMaxDrawdown Metric = "max_drawdown" // minimized
	MetricFinalValue  Metric = "final_value"
)

// OptimizerConfig configures the optimizer
type OptimizerConfig struct {
	StrategyType   string
	TargetMetric   Metric
	GridResolution int // points per continuous parameter
	MaxRuns        int // 0 = unbounded
	Parallelism    int // runs in flight on the pool at once
	Timeout        time.Duration
}

// DefaultOptimizerConfig returns sensible defaults
func DefaultOptimizerConfig(strategyType string) *OptimizerConfig {
	return &OptimizerConfig{
		StrategyType:   strategyType,
		TargetMetric:   MetricSharpe,
		GridResolution: 10,
		MaxRuns:        1000,
		Parallelism:    runtime.NumCPU(),
		Timeout:        10 * time.Minute,
	}
}

// ParamType represents parameter type
type ParamType string

const (
	ParamTypeContinuous ParamType = "continuous"
	ParamTypeInteger    ParamType = "integer"
	ParamTypeDiscrete   ParamType = "discrete"
)

// Parameter represents an optimization parameter
type Parameter struct {
	Name     string    `json:"name" yaml:"name"`
	Type     ParamType `json:"type" yaml:"type"`
	Min      float64   `json:"min" yaml:"min"`
	Max      float64   `json:"max" yaml:"max"`
	Step     float64   `json:"step,omitempty" yaml:"step,omitempty"`
	Discrete []float64 `json:"discrete,omitempty" yaml:"discrete,omitempty"`
}

// ParamSet represents a set of parameter values
type ParamSet map[string]float64

// EvaluationResult represents a single parameter evaluation
type EvaluationResult struct {
	Params     ParamSet        `json:"params" yaml:"params"`
	Score      float64         `json:"score" yaml:"score"`
	FinalValue decimal.Decimal `json:"finalValue" yaml:"finalValue"`
	Fills      int             `json:"fills" yaml:"fills"`
	Iteration  int             `json:"iteration" yaml:"iteration"`
	Duration   time.Duration   `json:"duration" yaml:"duration"`
	Error      string          `json:"error,omitempty" yaml:"error,omitempty"`
}

func (r EvaluationResult) ok() bool { return r.Error == "" }

// OptimizationResult contains optimization results. AllResults is ordered best first;
// failed runs sort last.
type OptimizationResult struct {
	StrategyType string             `json:"strategyType" yaml:"strategyType"`
	TargetMetric Metric             `json:"targetMetric" yaml:"targetMetric"`
	BestParams   ParamSet           `json:"bestParams" yaml:"bestParams"`
	BestScore    float64            `json:"bestScore" yaml:"bestScore"`
	AllResults   []EvaluationResult `json:"allResults" yaml:"allResults"`
	Failed       int                `json:"failed" yaml:"failed"`
	Duration     time.Duration      `json:"duration" yaml:"duration"`
	Iterations   int                `json:"iterations" yaml:"iterations"`
}

// Optimizer performs strategy parameter optimization
type Optimizer struct {
	logger   *zap.Logger
	config   *OptimizerConfig
	registry *strategy.StrategyRegistry
	pool     *workers.Pool
}

// NewOptimizer creates an optimizer that evaluates grid points on pool. The pool
// must be started by the caller.
func NewOptimizer(logger *zap.Logger, config *OptimizerConfig, registry *strategy.StrategyRegistry, pool *workers.Pool) *Optimizer {
	return &Optimizer{
		logger:   logger.Named("optimizer"),
		config:   config,
		registry: registry,
		pool:     pool,
	}
}

// Optimize runs a grid search. base supplies every engine setting except the
// strategies, which are replaced by one strategy of the configured type per run.
func (o *Optimizer) Optimize(ctx context.Context, base *types.BacktestConfig, ticks []types.Tick, params []Parameter) (*OptimizationResult, error) {
	if err := o.validate(params); err != nil {
		return nil, err
	}

	combinations := generateGridCombinations(params, o.config.GridResolution)
	if len(combinations) == 0 {
		return nil, ErrEmptyGrid
	}
	if o.config.MaxRuns > 0 && len(combinations) > o.config.MaxRuns {
		return nil, fmt.Errorf("grid has %d points, limit is %d", len(combinations), o.config.MaxRuns)
	}

	if o.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.Timeout)
		defer cancel()
	}

	o.logger.Info("starting grid search",
		zap.String("strategy", o.config.StrategyType),
		zap.Int("combinations", len(combinations)),
	)

	startTime := time.Now()
	results := make([]EvaluationResult, len(combinations))

	parallelism := o.config.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	sem := make(chan struct{}, parallelism)

	var wg sync.WaitGroup
	errCh := make(chan error, len(combinations)+1)
	for i, combo := range combinations {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			errCh <- ctx.Err()
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(idx int, params ParamSet) {
			defer wg.Done()
			defer func() { <-sem }()
			err := o.pool.SubmitWait(workers.TaskFunc(func(taskCtx context.Context) error {
				runCtx, cancel := context.WithCancel(taskCtx)
				defer cancel()
				stop := context.AfterFunc(ctx, cancel)
				defer stop()

				results[idx] = o.evaluate(runCtx, base, ticks, idx, params)
				return nil
			}))
			if err != nil {
				errCh <- err
			}
		}(i, combo)
	}
	wg.Wait()
	close(errCh)

	if err := <-errCh; err != nil {
		return nil, fmt.Errorf("grid search aborted: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("grid search aborted: %w", err)
	}

	return o.rank(results, time.Since(startTime)), nil
}

func (o *Optimizer) validate(params []Parameter) error {
	if o.config.StrategyType == "" {
		return fmt.Errorf("%w: strategy type required", strategy.ErrInvalidParameter)
	}
	switch o.config.TargetMetric {
	case MetricTotalReturn, MetricSharpe, MetricSortino, MetricMaxDrawdown, MetricFinalValue:
	default:
		return fmt.Errorf("unknown target metric %q", o.config.TargetMetric)
	}
	for _, p := range params {
		if p.Name == "" {
			return fmt.Errorf("%w: parameter without a name", strategy.ErrInvalidParameter)
		}
		if p.Type != ParamTypeDiscrete && p.Min > p.Max {
			return fmt.Errorf("%w: %s min %v exceeds max %v", strategy.ErrInvalidParameter, p.Name, p.Min, p.Max)
		}
	}
	return nil
}

// evaluate runs one backtest. Failures are recorded on the result rather than
// aborting the sweep.
func (o *Optimizer) evaluate(ctx context.Context, base *types.BacktestConfig, ticks []types.Tick, idx int, params ParamSet) EvaluationResult {
	start := time.Now()
	res := EvaluationResult{Params: params, Iteration: idx}

	result, err := o.run(ctx, base, ticks, params)
	res.Duration = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		o.logger.Debug("grid point failed", zap.Int("iteration", idx), zap.Error(err))
		return res
	}

	res.Score = score(result, o.config.TargetMetric)
	res.FinalValue = result.FinalValue
	res.Fills = len(result.Trades)
	return res
}

func (o *Optimizer) run(ctx context.Context, base *types.BacktestConfig, ticks []types.Tick, params ParamSet) (*types.BacktestResult, error) {
	cfg := *base
	cfg.ID = ""
	cfg.Strategies = []types.StrategyConfig{{
		Name:       o.config.StrategyType,
		Type:       o.config.StrategyType,
		Parameters: params.toParameters(),
	}}

	engine, err := backtester.NewEngine(o.logger, &cfg)
	if err != nil {
		return nil, err
	}
	strategies, err := o.registry.CreateAll(cfg.Strategies)
	if err != nil {
		return nil, err
	}
	for _, s := range strategies {
		if err := engine.AddStrategy(s); err != nil {
			return nil, err
		}
	}
	if err := engine.AddTicks(ticks); err != nil {
		return nil, err
	}
	return engine.Run(ctx)
}

// rank orders results best first, ties broken by grid order so output is stable.
func (o *Optimizer) rank(results []EvaluationResult, elapsed time.Duration) *OptimizationResult {
	minimize := o.config.TargetMetric == MetricMaxDrawdown

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.ok() != b.ok() {
			return a.ok()
		}
		if a.Score != b.Score {
			if minimize {
				return a.Score < b.Score
			}
			return a.Score > b.Score
		}
		return a.Iteration < b.Iteration
	})

	out := &OptimizationResult{
		StrategyType: o.config.StrategyType,
		TargetMetric: o.config.TargetMetric,
		AllResults:   results,
		Duration:     elapsed,
		Iterations:   len(results),
	}
	for _, r := range results {
		if !r.ok() {
			out.Failed++
		}
	}
	if len(results) > 0 && results[0].ok() {
		out.BestParams = results[0].Params
		out.BestScore = results[0].Score
	}

	o.logger.Info("grid search complete",
		zap.Int("runs", out.Iterations),
		zap.Int("failed", out.Failed),
		zap.Float64("best_score", out.BestScore),
		zap.Duration("duration", elapsed),
	)
	return out
}

func score(r *types.BacktestResult, metric Metric) float64 {
	m := r.Metrics
	if m == nil {
		m = &types.PerformanceMetrics{}
	}
	switch metric {
	case MetricTotalReturn:
		return m.TotalReturn.InexactFloat64()
	case MetricSortino:
		return m.SortinoRatio.InexactFloat64()
	case MetricMaxDrawdown:
		return m.MaxDrawdown.InexactFloat64()
	case MetricFinalValue:
		return r.FinalValue.InexactFloat64()
	default:
		return m.SharpeRatio.InexactFloat64()
	}
}

// toParameters converts grid values to a strategy parameter map. Whole numbers become
// ints so integer parameters decode; everything else is passed as a decimal string.
func (p ParamSet) toParameters() map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			out[k] = int(v)
			continue
		}
		out[k] = decimal.NewFromFloat(v).String()
	}
	return out
}

// generateGridCombinations generates all grid combinations in a fixed order
func generateGridCombinations(params []Parameter, resolution int) []ParamSet {
	if len(params) == 0 {
		return []ParamSet{{}}
	}
	if resolution <= 0 {
		resolution = 10
	}

	gridValues := make([][]float64, len(params))
	for i, param := range params {
		switch param.Type {
		case ParamTypeDiscrete:
			gridValues[i] = param.Discrete
		case ParamTypeInteger:
			step := param.Step
			if step <= 0 {
				step = 1
			}
			values := make([]float64, 0)
			for v := param.Min; v <= param.Max; v += step {
				values = append(values, math.Round(v))
			}
			gridValues[i] = values
		default:
			if param.Min == param.Max {
				gridValues[i] = []float64{param.Min}
				continue
			}
			step := (param.Max - param.Min) / float64(resolution)
			values := make([]float64, 0, resolution+1)
			for n := 0; n <= resolution; n++ {
				values = append(values, param.Min+float64(n)*step)
			}
			gridValues[i] = values
		}
	}

	return cartesianProduct(params, gridValues, 0, make(ParamSet))
}

// cartesianProduct generates all combinations recursively
func cartesianProduct(params []Parameter, gridValues [][]float64, idx int, current ParamSet) []ParamSet {
	if idx == len(params) {
		result := make(ParamSet, len(current))
		for k, v := range current {
			result[k] = v
		}
		return []ParamSet{result}
	}

	var combinations []ParamSet
	for _, val := range gridValues[idx] {
		current[params[idx].Name] = val
		combinations = append(combinations, cartesianProduct(params, gridValues, idx+1, current)...)
	}

	return combinations
}
