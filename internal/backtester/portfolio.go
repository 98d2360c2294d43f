package backtester

import (
	"fmt"
	"sort"
	"sync"

	"github.com/atlas-desktop/backtest-engine/internal/backtester/events"
	"github.com/atlas-desktop/backtest-engine/internal/sizing"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Portfolio owns cash, positions and the last known price per symbol. It turns signals
// into orders and is the only component that books fills.
type Portfolio struct {
	mu          sync.RWMutex
	logger      *zap.Logger
	cash        decimal.Decimal
	initialCash decimal.Decimal
	positions   map[string]*Position
	prices      map[string]decimal.Decimal
	sizer       sizing.Sizer
	risk        *RiskManager
	orders      types.OrderConfig
	nextOrderID uint64
	peakEquity  decimal.Decimal
	commission  decimal.Decimal
	estimator   CostEstimator
}

// CostEstimator prices the cash an order would consume if it filled now.
type CostEstimator interface {
	EstimateCost(order events.Order) (decimal.Decimal, bool)
}

// NewPortfolio creates a new portfolio
func NewPortfolio(logger *zap.Logger, initialCash decimal.Decimal, sizer sizing.Sizer, risk *RiskManager, orders types.OrderConfig) *Portfolio {
	if orders.Kind == "" {
		orders.Kind = types.OrderKindMarket
	}
	return &Portfolio{
		logger:      logger,
		cash:        initialCash,
		initialCash: initialCash,
		positions:   make(map[string]*Position),
		prices:      make(map[string]decimal.Decimal),
		sizer:       sizer,
		risk:        risk,
		orders:      orders,
		peakEquity:  initialCash,
	}
}

// SetCostEstimator replaces the notional-only estimate used by the cash check with
// one that includes execution costs.
func (p *Portfolio) SetCostEstimator(e CostEstimator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.estimator = e
}

// OnSignal sizes a signal and returns the order to submit, or nil when the signal
// sizes to zero shares or is blocked by risk limits.
func (p *Portfolio) OnSignal(signal events.Signal) (*events.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	symbol := signal.GetSymbol()
	price, hasPrice := p.prices[symbol]

	size := p.sizer.CalculateSize(&sizing.SizingRequest{
		Symbol:         symbol,
		Strength:       signal.Strength(),
		PortfolioValue: p.totalValue(),
		CurrentPrice:   price,
	})
	if size.Units <= 0 {
		p.logger.Debug("Signal sized to zero",
			zap.String("symbol", symbol),
			zap.String("strength", signal.Strength().String()),
			zap.String("limitingFactor", size.LimitingFactor),
		)
		return nil, nil
	}

	kind, orderPrice := p.orderTerms(signal.Direction(), price, hasPrice)
	order, err := events.NewOrder(events.OrderSpec{
		ID:         p.nextOrderID + 1,
		Symbol:     symbol,
		Kind:       kind,
		Quantity:   size.Units,
		Direction:  signal.Direction(),
		Price:      orderPrice,
		StrategyID: signal.StrategyID(),
		Timestamp:  signal.GetTimestamp(),
	})
	if err != nil {
		return nil, fmt.Errorf("building order for %s: %w", symbol, err)
	}

	check := RiskCheck{
		OpenPositions: p.openPositions(),
		Cash:          p.cash,
	}
	if pos, ok := p.positions[symbol]; ok {
		check.CurrentQty = pos.Quantity
	}
	if signal.Direction() == types.DirectionBuy {
		check.EstimatedCost = p.estimateCost(order, price, hasPrice)
	}
	if ok, _ := p.risk.AllowOrder(order, check); !ok {
		return nil, nil
	}

	p.nextOrderID++
	return &order, nil
}

func (p *Portfolio) estimateCost(order events.Order, price decimal.Decimal, hasPrice bool) decimal.Decimal {
	if p.estimator != nil {
		if cost, ok := p.estimator.EstimateCost(order); ok {
			return cost
		}
	}
	if !hasPrice {
		return decimal.Zero
	}
	if order.Kind() == types.OrderKindLimit {
		price = order.Price()
	}
	return price.Mul(decimal.NewFromInt(order.Quantity()))
}

// OnFill books a fill: cash moves by -(signed qty * price) - commission and the
// position is updated. Under the reject funding policy a fill that would leave cash
// negative is refused with ErrUnfundedOrder and nothing changes.
func (p *Portfolio) OnFill(fill events.Fill) (types.Trade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	symbol := fill.GetSymbol()
	newCash := p.cash.Add(fill.CashDelta())
	if p.risk.FundingPolicy() == types.FundingReject && newCash.IsNegative() {
		return types.Trade{}, fmt.Errorf("%w: %s order %d needs %s, cash %s",
			ErrUnfundedOrder, symbol, fill.OrderID(), fill.CashDelta().Neg(), p.cash)
	}

	pos, ok := p.positions[symbol]
	if !ok {
		pos = NewPosition(symbol)
		p.positions[symbol] = pos
	}

	before := pos.Quantity
	realized := pos.update(fill.SignedQuantity(), fill.Price(), fill.GetTimestamp())
	if price, ok := p.prices[symbol]; ok {
		pos.mark(price)
	} else {
		pos.mark(fill.Price())
	}

	p.cash = newCash
	p.commission = p.commission.Add(fill.Commission())
	p.updatePeak()

	trade := types.Trade{
		ID:          uuid.New().String(),
		OrderID:     fill.OrderID(),
		Symbol:      symbol,
		Direction:   fill.Direction(),
		Quantity:    fill.Quantity(),
		Price:       fill.Price(),
		Commission:  fill.Commission(),
		Slippage:    fill.Slippage(),
		RealizedPnL: realized,
		Closing:     before != 0 && !sameSign(before, fill.SignedQuantity()),
		StrategyID:  fill.StrategyID(),
		ExecutedAt:  fill.GetTimestamp(),
	}

	p.logger.Info("Fill booked",
		zap.String("symbol", symbol),
		zap.String("direction", string(fill.Direction())),
		zap.Int64("quantity", fill.Quantity()),
		zap.String("price", fill.Price().String()),
		zap.String("commission", fill.Commission().String()),
		zap.Int64("position", pos.Quantity),
		zap.String("avgPrice", pos.AvgPrice.String()),
		zap.String("cash", p.cash.String()),
		zap.String("totalValue", p.totalValue().String()),
	)

	return trade, nil
}

// OnMarketEvent refreshes the cached price for the tick's symbol.
func (p *Portfolio) OnMarketEvent(market events.Market) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.prices[market.GetSymbol()] = market.Price()
	if pos, ok := p.positions[market.GetSymbol()]; ok {
		pos.mark(market.Price())
	}
	p.updatePeak()
}

// TotalValue returns cash plus every position valued at its cached price, falling
// back to the position's average price when the symbol has no cached price.
func (p *Portfolio) TotalValue() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totalValue()
}

// GetCash returns available cash
func (p *Portfolio) GetCash() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash
}

// GetInitialCash returns the starting capital
func (p *Portfolio) GetInitialCash() decimal.Decimal {
	return p.initialCash
}

// GetCurrentPrice returns the cached price for a symbol
func (p *Portfolio) GetCurrentPrice(symbol string) (decimal.Decimal, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	price, ok := p.prices[symbol]
	return price, ok
}

// GetPosition returns a copy of the position for symbol
func (p *Portfolio) GetPosition(symbol string) (Position, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// GetPositions returns copies of all positions, flat ones included
func (p *Portfolio) GetPositions() map[string]Position {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make(map[string]Position, len(p.positions))
	for k, v := range p.positions {
		result[k] = *v
	}
	return result
}

// GetRealizedPnL returns the P&L realized by closing fills, before commission
func (p *Portfolio) GetRealizedPnL() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()

	total := decimal.Zero
	for _, pos := range p.positions {
		total = total.Add(pos.RealizedPnL)
	}
	return total
}

// GetUnrealizedPnL returns open P&L at cached prices
func (p *Portfolio) GetUnrealizedPnL() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()

	total := decimal.Zero
	for symbol, pos := range p.positions {
		if price, ok := p.prices[symbol]; ok {
			total = total.Add(pos.UnrealizedPnL(price))
		}
	}
	return total
}

// GetTotalCommission returns commission paid so far
func (p *Portfolio) GetTotalCommission() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.commission
}

// GetDrawdown returns current drawdown from peak
func (p *Portfolio) GetDrawdown() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.peakEquity.IsPositive() {
		return decimal.Zero
	}
	return p.peakEquity.Sub(p.totalValue()).Div(p.peakEquity)
}

// Snapshot returns every position sorted by symbol
func (p *Portfolio) Snapshot() []types.PositionSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	symbols := make([]string, 0, len(p.positions))
	for s := range p.positions {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	out := make([]types.PositionSnapshot, 0, len(symbols))
	for _, s := range symbols {
		price, ok := p.prices[s]
		out = append(out, p.positions[s].snapshot(price, ok))
	}
	return out
}

// totalValue calculates total equity (must hold lock)
func (p *Portfolio) totalValue() decimal.Decimal {
	value := p.cash
	for symbol, pos := range p.positions {
		if pos.Quantity == 0 {
			continue
		}
		price, ok := p.prices[symbol]
		if !ok {
			price = pos.AvgPrice
		}
		value = value.Add(pos.MarketValue(price))
	}
	return value
}

func (p *Portfolio) updatePeak() {
	if equity := p.totalValue(); equity.GreaterThan(p.peakEquity) {
		p.peakEquity = equity
	}
}

func (p *Portfolio) openPositions() int {
	n := 0
	for _, pos := range p.positions {
		if !pos.IsFlat() {
			n++
		}
	}
	return n
}

// orderTerms picks the order kind and trigger price for a new order. LIMIT and STOP
// need a reference price; without one the order goes out as MARKET.
func (p *Portfolio) orderTerms(direction types.Direction, price decimal.Decimal, hasPrice bool) (types.OrderKind, decimal.Decimal) {
	if !hasPrice || p.orders.Kind == types.OrderKindMarket {
		return types.OrderKindMarket, decimal.Zero
	}

	one := decimal.NewFromInt(1)
	switch p.orders.Kind {
	case types.OrderKindLimit:
		// Bid below / offer above the last price.
		if direction == types.DirectionBuy {
			return types.OrderKindLimit, price.Mul(one.Sub(p.orders.LimitOffset))
		}
		return types.OrderKindLimit, price.Mul(one.Add(p.orders.LimitOffset))

	case types.OrderKindStop:
		if direction == types.DirectionBuy {
			return types.OrderKindStop, price.Mul(one.Add(p.orders.StopOffset))
		}
		return types.OrderKindStop, price.Mul(one.Sub(p.orders.StopOffset))
	}

	return types.OrderKindMarket, decimal.Zero
}
