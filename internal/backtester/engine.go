// Package backtester provides the core event-driven backtesting engine.
//
// Market data is loaded into a FIFO queue and drained by a single goroutine. Each
// event is handed to exactly one component, and anything it produces goes to the back
// of the queue:
//
//	Market -> Portfolio (prices), ExecutionHandler (prices, resting orders), Strategies
//	Signal -> Portfolio      -> Order
//	Order  -> ExecutionHandler -> Fill
//	Fill   -> Portfolio
package backtester

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/backtester/events"
	"github.com/atlas-desktop/backtest-engine/internal/sizing"
	"github.com/atlas-desktop/backtest-engine/internal/strategy"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// State is the lifecycle state of an engine
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

const progressInterval = 1000

// Engine is the core event-driven backtesting engine
type Engine struct {
	mu              sync.RWMutex
	logger          *zap.Logger
	id              string
	config          *types.BacktestConfig
	state           State
	err             error
	eventQueue      *events.EventQueue
	strategies      []strategy.Strategy
	portfolio       *Portfolio
	execution       *ExecutionHandler
	metricsCalc     *MetricsCalculator
	instrumentation *Instrumentation

	// Progress
	eventsProcessed atomic.Uint64
	marketLoaded    atomic.Int64
	marketDone      atomic.Int64
	currentTime     time.Time

	// Results
	eventLog    []string
	observers   []func(line string)
	trades      []types.Trade
	equityCurve []types.EquityCurvePoint
	result      *types.BacktestResult

	progressChan chan *types.BacktestProgress
}

// NewEngine creates an engine in the Idle state. A nil config uses DefaultBacktestConfig.
func NewEngine(logger *zap.Logger, config *types.BacktestConfig) (*Engine, error) {
	if config == nil {
		config = types.DefaultBacktestConfig()
	}
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}

	sizer, err := sizing.New(logger, config.Sizing)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	id := config.ID
	if id == "" {
		id = uuid.New().String()
	}

	risk := NewRiskManager(logger, config.RiskLimits)
	execution := NewExecutionHandler(logger, CreateSlippageModel(config.Slippage), NewCommissionModel(config.Commission))
	portfolio := NewPortfolio(logger, config.InitialCapital, sizer, risk, config.Orders)
	portfolio.SetCostEstimator(execution)

	return &Engine{
		logger:       logger.With(zap.String("engine", id)),
		id:           id,
		config:       config,
		state:        StateIdle,
		eventQueue:   events.NewEventQueue(),
		portfolio:    portfolio,
		execution:    execution,
		metricsCalc:  NewMetricsCalculator(DefaultPeriodsPerYear),
		progressChan: make(chan *types.BacktestProgress, 100),
	}, nil
}

// ValidateConfig checks a backtest configuration for values the engine cannot use
func ValidateConfig(c *types.BacktestConfig) error {
	one := decimal.NewFromInt(1)
	switch {
	case !c.InitialCapital.IsPositive():
		return fmt.Errorf("%w: initial capital must be positive, got %s", ErrInvalidConfig, c.InitialCapital)
	case c.Slippage.Rate.IsNegative() || !c.Slippage.Rate.LessThan(one):
		return fmt.Errorf("%w: slippage rate must be within [0, 1), got %s", ErrInvalidConfig, c.Slippage.Rate)
	case isVolumeWeighted(c.Slippage) && (!c.Slippage.MaxRate.IsPositive() || !c.Slippage.MaxRate.LessThan(one)):
		return fmt.Errorf("%w: volume_weighted slippage needs a max rate within (0, 1), got %s", ErrInvalidConfig, c.Slippage.MaxRate)
	case c.Slippage.ImpactFactor.IsNegative():
		return fmt.Errorf("%w: slippage impact factor must be non-negative, got %s", ErrInvalidConfig, c.Slippage.ImpactFactor)
	case c.Commission.Base.IsNegative() || c.Commission.Rate.IsNegative():
		return fmt.Errorf("%w: commission must be non-negative", ErrInvalidConfig)
	case c.Orders.Kind != "" && !c.Orders.Kind.Valid():
		return fmt.Errorf("%w: unknown order kind %q", ErrInvalidConfig, c.Orders.Kind)
	case c.Orders.LimitOffset.IsNegative() || !c.Orders.LimitOffset.LessThan(one):
		return fmt.Errorf("%w: limit offset must be within [0, 1), got %s", ErrInvalidConfig, c.Orders.LimitOffset)
	case c.Orders.StopOffset.IsNegative() || !c.Orders.StopOffset.LessThan(one):
		return fmt.Errorf("%w: stop offset must be within [0, 1), got %s", ErrInvalidConfig, c.Orders.StopOffset)
	case c.RiskLimits.MaxPositionQty < 0 || c.RiskLimits.MaxOpenPositions < 0:
		return fmt.Errorf("%w: risk limits must be non-negative", ErrInvalidConfig)
	}

	switch c.RiskLimits.Funding {
	case "", types.FundingAllow, types.FundingReject:
	default:
		return fmt.Errorf("%w: unknown funding policy %q", ErrInvalidConfig, c.RiskLimits.Funding)
	}
	return nil
}

func isVolumeWeighted(c types.SlippageConfig) bool {
	return strings.EqualFold(c.Model, "volume_weighted")
}

// SetInstrumentation attaches Prometheus collectors to the engine
func (e *Engine) SetInstrumentation(inst *Instrumentation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.instrumentation = inst
}

// OnLog registers a callback invoked synchronously with every event log line
func (e *Engine) OnLog(fn func(line string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, fn)
}

// ID returns the engine id
func (e *Engine) ID() string { return e.id }

// Config returns the configuration the engine was built with
func (e *Engine) Config() *types.BacktestConfig { return e.config }

// State returns the current lifecycle state
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Err returns the error that failed the engine, if any
func (e *Engine) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}

// Portfolio returns the engine's portfolio
func (e *Engine) Portfolio() *Portfolio { return e.portfolio }

// ExecutionHandler returns the engine's execution handler
func (e *Engine) ExecutionHandler() *ExecutionHandler { return e.execution }

// AddStrategy registers a strategy. Strategies see market events in registration order.
func (e *Engine) AddStrategy(s strategy.Strategy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkState(StateIdle); err != nil {
		return err
	}
	e.strategies = append(e.strategies, s)

	e.logger.Info("Strategy added", zap.String("strategy", s.Name()))
	return nil
}

// AddMarketData validates a tick and appends it to the event queue. Loading data into
// a completed engine returns it to Idle for another run over the same portfolio.
func (e *Engine) AddMarketData(symbol string, price decimal.Decimal, timestamp time.Time, volume int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateCompleted {
		e.state = StateIdle
	}
	if err := e.checkState(StateIdle); err != nil {
		return err
	}

	market, err := events.NewMarket(symbol, price, timestamp, volume)
	if err != nil {
		return err
	}
	e.eventQueue.Push(market)
	e.marketLoaded.Add(1)
	return nil
}

// AddTicks loads ticks in slice order. It stops at the first invalid tick.
func (e *Engine) AddTicks(ticks []types.Tick) error {
	for i, t := range ticks {
		if err := e.AddMarketData(t.Symbol, t.Price, t.Timestamp, t.Volume); err != nil {
			return fmt.Errorf("tick %d: %w", i, err)
		}
	}
	return nil
}

// Run drains the event queue and returns the run summary. Any component error fails
// the engine and is returned; a failed engine cannot be reused.
func (e *Engine) Run(ctx context.Context) (*types.BacktestResult, error) {
	e.mu.Lock()
	if err := e.checkState(StateIdle); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	e.state = StateRunning
	e.mu.Unlock()

	startTime := time.Now()
	var processed uint64

	e.logger.Info("Starting backtest",
		zap.Int("strategies", len(e.strategies)),
		zap.Int("queuedEvents", e.eventQueue.Len()),
		zap.String("initialCapital", e.config.InitialCapital.String()),
	)

	// Main event loop
	for e.eventQueue.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return e.fail(startTime, fmt.Errorf("backtest cancelled: %w", err))
		}
		if e.config.MaxEvents > 0 && processed >= e.config.MaxEvents {
			return e.fail(startTime, fmt.Errorf("%w: limit %d", ErrEventLimitExceeded, e.config.MaxEvents))
		}

		event := e.eventQueue.Pop()
		e.mu.Lock()
		e.currentTime = event.GetTimestamp()
		e.mu.Unlock()
		e.record(event.String())

		if err := e.processEvent(event); err != nil {
			return e.fail(startTime, fmt.Errorf("processing %s: %w", event, err))
		}

		processed++
		e.eventsProcessed.Add(1)
		e.instrumentation.observeEvent(string(event.GetType()))

		if processed%progressInterval == 0 {
			e.sendProgress()
		}
	}

	return e.complete(startTime, processed), nil
}

// Result returns the summary of the last completed run
func (e *Engine) Result() *types.BacktestResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.result
}

// EventLog returns a copy of every log line recorded so far
func (e *Engine) EventLog() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, len(e.eventLog))
	copy(out, e.eventLog)
	return out
}

// Trades returns a copy of every fill booked so far
func (e *Engine) Trades() []types.Trade {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.Trade, len(e.trades))
	copy(out, e.trades)
	return out
}

// GetProgress returns the current progress
func (e *Engine) GetProgress() *types.BacktestProgress {
	e.mu.RLock()
	defer e.mu.RUnlock()

	progress := &types.BacktestProgress{
		ID:              e.id,
		Status:          string(e.state),
		EventsProcessed: e.eventsProcessed.Load(),
		PendingEvents:   int(e.marketLoaded.Load() - e.marketDone.Load()),
		CurrentDate:     e.currentTime,
		TradesExecuted:  len(e.trades),
		CurrentEquity:   e.portfolio.TotalValue(),
	}
	if loaded := e.marketLoaded.Load(); loaded > 0 {
		progress.Progress = float64(e.marketDone.Load()) / float64(loaded) * 100
	}
	if e.err != nil {
		progress.Error = e.err.Error()
	}
	return progress
}

// ProgressChan returns the progress channel
func (e *Engine) ProgressChan() <-chan *types.BacktestProgress {
	return e.progressChan
}

// processEvent handles a single event
func (e *Engine) processEvent(event events.Event) error {
	switch ev := event.(type) {
	case events.Market:
		return e.handleMarket(ev)
	case events.Signal:
		return e.handleSignal(ev)
	case events.Order:
		return e.handleOrder(ev)
	case events.Fill:
		return e.handleFill(ev)
	default:
		return fmt.Errorf("unexpected event type %T", event)
	}
}

// handleMarket updates both price caches, then collects signals from every strategy
// before enqueueing any of them.
func (e *Engine) handleMarket(market events.Market) error {
	e.portfolio.OnMarketEvent(market)

	fills, err := e.execution.OnMarketEvent(market)
	if err != nil {
		return err
	}

	var signals []events.Signal
	for _, s := range e.strategies {
		sigs, err := s.OnMarketEvent(market)
		if err != nil {
			return fmt.Errorf("strategy %s: %w", s.Name(), err)
		}
		signals = append(signals, sigs...)
	}

	for _, f := range fills {
		e.eventQueue.Push(f)
	}
	for _, s := range signals {
		e.eventQueue.Push(s)
	}

	point := types.EquityCurvePoint{
		Timestamp: market.GetTimestamp(),
		Equity:    e.portfolio.TotalValue(),
		Cash:      e.portfolio.GetCash(),
		Drawdown:  e.portfolio.GetDrawdown(),
	}
	e.mu.Lock()
	e.equityCurve = append(e.equityCurve, point)
	e.mu.Unlock()

	e.marketDone.Add(1)
	return nil
}

// handleSignal processes signal events
func (e *Engine) handleSignal(signal events.Signal) error {
	order, err := e.portfolio.OnSignal(signal)
	if err != nil {
		return err
	}
	if order != nil {
		e.eventQueue.Push(*order)
	}
	return nil
}

// handleOrder processes order events
func (e *Engine) handleOrder(order events.Order) error {
	fill, err := e.execution.Execute(order)
	if err != nil {
		return err
	}
	if fill != nil {
		e.eventQueue.Push(*fill)
	}
	return nil
}

// handleFill processes fill events
func (e *Engine) handleFill(fill events.Fill) error {
	trade, err := e.portfolio.OnFill(fill)
	if errors.Is(err, ErrUnfundedOrder) {
		// A resting order can trigger at a worse price than it was checked at.
		e.logger.Warn("Fill rejected", zap.Uint64("orderId", fill.OrderID()), zap.Error(err))
		e.record(fmt.Sprintf("REJECTED FILL #%d reason=insufficient_cash", fill.OrderID()))
		e.instrumentation.observeRejection()
		return nil
	}
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.trades = append(e.trades, trade)
	e.mu.Unlock()

	e.instrumentation.observeFill(string(fill.Direction()), fill.Commission())
	return nil
}

// record appends a line to the event log and notifies observers
func (e *Engine) record(line string) {
	e.mu.Lock()
	e.eventLog = append(e.eventLog, line)
	observers := e.observers
	e.mu.Unlock()

	e.logger.Debug("Event", zap.String("line", line))
	for _, fn := range observers {
		fn(line)
	}
}

func (e *Engine) complete(startTime time.Time, processed uint64) *types.BacktestResult {
	totalValue := e.portfolio.TotalValue()
	cash := e.portfolio.GetCash()
	e.record(fmt.Sprintf("COMPLETED events=%d value=%s cash=%s", processed, totalValue, cash))

	e.mu.Lock()
	e.state = StateCompleted
	trades := make([]types.Trade, len(e.trades))
	copy(trades, e.trades)
	curve := make([]types.EquityCurvePoint, len(e.equityCurve))
	copy(curve, e.equityCurve)

	result := &types.BacktestResult{
		ID:              e.id,
		Config:          e.config,
		State:           string(StateCompleted),
		InitialCapital:  e.config.InitialCapital,
		FinalValue:      totalValue,
		Cash:            cash,
		RealizedPnL:     e.portfolio.GetRealizedPnL(),
		Positions:       e.portfolio.Snapshot(),
		Metrics:         e.metricsCalc.Calculate(trades, curve, e.config.InitialCapital),
		EquityCurve:     curve,
		Trades:          trades,
		PendingOrders:   len(e.execution.PendingOrders()),
		StartedAt:       startTime,
		CompletedAt:     time.Now(),
		Duration:        time.Since(startTime),
		EventsProcessed: processed,
	}
	e.result = result
	inst := e.instrumentation
	e.mu.Unlock()

	inst.observeRun(StateCompleted, result.Duration.Seconds(), totalValue)
	e.sendProgress()

	e.logger.Info("Backtest completed",
		zap.Duration("duration", result.Duration),
		zap.Uint64("events", processed),
		zap.Int("trades", len(trades)),
		zap.String("finalValue", totalValue.String()),
		zap.String("totalReturn", result.Metrics.TotalReturn.String()),
	)
	return result
}

func (e *Engine) fail(startTime time.Time, err error) (*types.BacktestResult, error) {
	e.mu.Lock()
	e.state = StateFailed
	e.err = err
	inst := e.instrumentation
	e.mu.Unlock()

	inst.observeRun(StateFailed, time.Since(startTime).Seconds(), e.portfolio.TotalValue())
	e.sendProgress()

	e.logger.Error("Backtest failed", zap.Error(err))
	return nil, err
}

// checkState must hold lock
func (e *Engine) checkState(want State) error {
	if e.state == StateFailed {
		return fmt.Errorf("%w: %v", ErrEngineFailed, e.err)
	}
	if e.state != want {
		return fmt.Errorf("%w: engine is %s, need %s", ErrInvalidState, e.state, want)
	}
	return nil
}

// sendProgress sends a progress update without blocking the event loop
func (e *Engine) sendProgress() {
	select {
	case e.progressChan <- e.GetProgress():
	default:
		// Channel full, skip update
	}
}
