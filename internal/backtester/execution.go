package backtester

import (
	"fmt"
	"sync"

	"github.com/atlas-desktop/backtest-engine/internal/backtester/events"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/atlas-desktop/backtest-engine/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ExecutionHandler simulates a broker. It keeps its own view of the last market event
// per symbol, fills orders against it with slippage and commission, and holds LIMIT and
// STOP orders that cannot fill yet until a later tick satisfies them.
type ExecutionHandler struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	slippage   SlippageModel
	commission CommissionModel
	lastMarket map[string]events.Market
	resting    []events.Order
}

// NewExecutionHandler creates a new execution handler
func NewExecutionHandler(logger *zap.Logger, slippage SlippageModel, commission CommissionModel) *ExecutionHandler {
	return &ExecutionHandler{
		logger:     logger,
		slippage:   slippage,
		commission: commission,
		lastMarket: make(map[string]events.Market),
	}
}

// OnMarketEvent records the tick as the reference price for its symbol and returns
// fills for any resting orders the new price triggers, in submission order.
func (h *ExecutionHandler) OnMarketEvent(market events.Market) ([]events.Fill, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastMarket[market.GetSymbol()] = market

	if len(h.resting) == 0 {
		return nil, nil
	}

	var fills []events.Fill
	remaining := make([]events.Order, 0, len(h.resting))
	for _, order := range h.resting {
		if order.GetSymbol() != market.GetSymbol() {
			remaining = append(remaining, order)
			continue
		}

		fill, filled, err := h.tryFill(order, market)
		if err != nil {
			return nil, err
		}
		if !filled {
			remaining = append(remaining, order)
			continue
		}

		h.logger.Debug("Resting order filled",
			zap.Uint64("orderId", order.ID()),
			zap.String("symbol", order.GetSymbol()),
			zap.String("kind", string(order.Kind())),
			zap.String("price", fill.Price().String()),
		)
		fills = append(fills, fill)
	}
	h.resting = remaining

	return fills, nil
}

// Execute fills an order against the last observed price for its symbol. A LIMIT or
// STOP order whose condition is not met rests and Execute returns a nil fill.
func (h *ExecutionHandler) Execute(order events.Order) (*events.Fill, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	market, ok := h.lastMarket[order.GetSymbol()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPrice, order.GetSymbol())
	}

	fill, filled, err := h.tryFill(order, market)
	if err != nil {
		return nil, err
	}
	if !filled {
		h.resting = append(h.resting, order)
		h.logger.Debug("Order resting",
			zap.Uint64("orderId", order.ID()),
			zap.String("symbol", order.GetSymbol()),
			zap.String("kind", string(order.Kind())),
			zap.String("price", order.Price().String()),
			zap.String("reference", market.Price().String()),
		)
		return nil, nil
	}

	h.logger.Debug("Order filled",
		zap.Uint64("orderId", order.ID()),
		zap.String("price", fill.Price().String()),
		zap.String("commission", fill.Commission().String()),
	)
	return &fill, nil
}

// GetLastPrice returns the last observed price for a symbol
func (h *ExecutionHandler) GetLastPrice(symbol string) (decimal.Decimal, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.lastMarket[symbol]
	if !ok {
		return decimal.Zero, false
	}
	return m.Price(), true
}

// EstimateCost returns the cash a BUY order would consume if it filled at the last
// observed tick, slippage and commission included. LIMIT orders are priced no higher
// than the limit and STOP orders no lower than the stop. The second result is false
// when no tick has been seen for the symbol.
func (h *ExecutionHandler) EstimateCost(order events.Order) (decimal.Decimal, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	market, ok := h.lastMarket[order.GetSymbol()]
	if !ok {
		return decimal.Zero, false
	}

	ref := market.Price()
	if order.Kind() == types.OrderKindStop {
		ref = utils.MaxDecimal(ref, order.Price())
	}
	rate := h.slippage.Calculate(order, market)
	price := ref.Mul(decimal.NewFromInt(1).Add(rate))
	if order.Kind() == types.OrderKindLimit {
		price = utils.MinDecimal(price, order.Price())
	}

	qty := order.Quantity()
	return price.Mul(decimal.NewFromInt(qty)).Add(h.commission.Calculate(qty, price)), true
}

// PendingOrders returns the resting orders in submission order
func (h *ExecutionHandler) PendingOrders() []events.Order {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]events.Order, len(h.resting))
	copy(out, h.resting)
	return out
}

// CancelAll drops every resting order and returns how many were removed
func (h *ExecutionHandler) CancelAll() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.resting)
	h.resting = nil
	return n
}

// tryFill decides whether order fills against market and builds the fill (must hold lock)
func (h *ExecutionHandler) tryFill(order events.Order, market events.Market) (events.Fill, bool, error) {
	ref := market.Price()
	buy := order.Direction() == types.DirectionBuy

	switch order.Kind() {
	case types.OrderKindMarket:
		price, rate := h.slippedPrice(order, market)
		fill, err := h.newFill(order, market, price, rate)
		return fill, err == nil, err

	case types.OrderKindLimit:
		limit := order.Price()
		if (buy && ref.GreaterThan(limit)) || (!buy && ref.LessThan(limit)) {
			return events.Fill{}, false, nil
		}
		price, rate := h.slippedPrice(order, market)
		if buy {
			price = utils.MinDecimal(price, limit)
		} else {
			price = utils.MaxDecimal(price, limit)
		}
		fill, err := h.newFill(order, market, price, rate)
		return fill, err == nil, err

	case types.OrderKindStop:
		stop := order.Price()
		if (buy && ref.LessThan(stop)) || (!buy && ref.GreaterThan(stop)) {
			return events.Fill{}, false, nil
		}
		price, rate := h.slippedPrice(order, market)
		fill, err := h.newFill(order, market, price, rate)
		return fill, err == nil, err
	}

	return events.Fill{}, false, fmt.Errorf("unsupported order kind %q", order.Kind())
}

// slippedPrice moves the reference price against the trader: up for buys, down for sells.
func (h *ExecutionHandler) slippedPrice(order events.Order, market events.Market) (decimal.Decimal, decimal.Decimal) {
	rate := h.slippage.Calculate(order, market)
	one := decimal.NewFromInt(1)
	if order.Direction() == types.DirectionBuy {
		return market.Price().Mul(one.Add(rate)), rate
	}
	return market.Price().Mul(one.Sub(rate)), rate
}

func (h *ExecutionHandler) newFill(order events.Order, market events.Market, price, rate decimal.Decimal) (events.Fill, error) {
	fill, err := events.NewFill(events.FillSpec{
		OrderID:    order.ID(),
		Symbol:     order.GetSymbol(),
		Quantity:   order.Quantity(),
		Direction:  order.Direction(),
		Price:      price,
		Commission: h.commission.Calculate(order.Quantity(), price),
		Slippage:   rate,
		StrategyID: order.StrategyID(),
		Timestamp:  market.GetTimestamp(),
	})
	if err != nil {
		return events.Fill{}, fmt.Errorf("building fill for order %d: %w", order.ID(), err)
	}
	return fill, nil
}
