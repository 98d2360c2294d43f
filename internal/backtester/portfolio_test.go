package backtester_test

import (
	"testing"

	"github.com/atlas-desktop/backtest-engine/internal/backtester"
	"github.com/atlas-desktop/backtest-engine/internal/backtester/events"
	"github.com/atlas-desktop/backtest-engine/internal/sizing"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newPortfolio(cash int64, limits types.RiskLimits, orders types.OrderConfig) *backtester.Portfolio {
	logger := zap.NewNop()
	return backtester.NewPortfolio(logger, decimal.NewFromInt(cash), &sizing.FixedSizer{Quantity: 100},
		backtester.NewRiskManager(logger, limits), orders)
}

func signal(t *testing.T, symbol string, dir types.Direction, strength string) events.Signal {
	t.Helper()
	s, err := events.NewSignal(symbol, dir, decimal.RequireFromString(strength), "test", day0)
	require.NoError(t, err)
	return s
}

func market(t *testing.T, symbol string, price string) events.Market {
	t.Helper()
	m, err := events.NewMarket(symbol, decimal.RequireFromString(price), day0, 0)
	require.NoError(t, err)
	return m
}

func fill(t *testing.T, id uint64, symbol string, dir types.Direction, qty int64, price, commission string) events.Fill {
	t.Helper()
	f, err := events.NewFill(events.FillSpec{
		OrderID:    id,
		Symbol:     symbol,
		Quantity:   qty,
		Direction:  dir,
		Price:      decimal.RequireFromString(price),
		Commission: decimal.RequireFromString(commission),
		Timestamp:  day0,
	})
	require.NoError(t, err)
	return f
}

func TestPortfolioOnSignalSizesAndNumbersOrders(t *testing.T) {
	p := newPortfolio(100000, types.RiskLimits{}, types.OrderConfig{})

	first, err := p.OnSignal(signal(t, "AAPL", types.DirectionBuy, "1"))
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, uint64(1), first.ID())
	assert.Equal(t, int64(100), first.Quantity())
	assert.Equal(t, types.OrderKindMarket, first.Kind())

	// 100 * 0.255 = 25.5 rounds away from zero.
	second, err := p.OnSignal(signal(t, "AAPL", types.DirectionSell, "0.255"))
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, uint64(2), second.ID())
	assert.Equal(t, int64(26), second.Quantity())
	assert.Equal(t, int64(-26), second.SignedQuantity())

	none, err := p.OnSignal(signal(t, "AAPL", types.DirectionBuy, "0"))
	require.NoError(t, err)
	assert.Nil(t, none)

	third, err := p.OnSignal(signal(t, "AAPL", types.DirectionBuy, "1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), third.ID())
}

func TestPortfolioOnFillBooksCashAndPosition(t *testing.T) {
	p := newPortfolio(100000, types.RiskLimits{}, types.OrderConfig{})
	p.OnMarketEvent(market(t, "AAPL", "105"))

	trade, err := p.OnFill(fill(t, 1, "AAPL", types.DirectionBuy, 100, "105.105", "11.5105"))
	require.NoError(t, err)
	assert.NotEmpty(t, trade.ID)
	assert.False(t, trade.Closing)
	assert.Equal(t, "89477.9895", p.GetCash().String())
	assert.Equal(t, "99977.9895", p.TotalValue().String())
	assert.Equal(t, "-10.5", p.GetUnrealizedPnL().String())

	pos, ok := p.GetPosition("AAPL")
	require.True(t, ok)
	assert.Equal(t, "10500", pos.LastMarketValue.String())

	p.OnMarketEvent(market(t, "AAPL", "110"))
	trade, err = p.OnFill(fill(t, 2, "AAPL", types.DirectionSell, 100, "110", "12"))
	require.NoError(t, err)
	assert.True(t, trade.Closing)
	assert.Equal(t, "489.5", trade.RealizedPnL.String())
	assert.Equal(t, "477.5", trade.PnL().String())

	pos, ok = p.GetPosition("AAPL")
	require.True(t, ok)
	assert.True(t, pos.IsFlat())
	assert.Equal(t, "23.5105", p.GetTotalCommission().String())
	assert.Equal(t, "489.5", p.GetRealizedPnL().String())

	// Flat positions are kept.
	assert.Len(t, p.GetPositions(), 1)
	assert.Len(t, p.Snapshot(), 1)
}

func TestPortfolioTotalValueFallsBackToAvgPrice(t *testing.T) {
	p := newPortfolio(1000, types.RiskLimits{}, types.OrderConfig{})

	_, err := p.OnFill(fill(t, 1, "MSFT", types.DirectionBuy, 10, "50", "0"))
	require.NoError(t, err)
	assert.Equal(t, "1000", p.TotalValue().String())
	assert.True(t, p.TotalValue().Equal(p.TotalValue()))
}

func TestPortfolioShortSaleCreditsCash(t *testing.T) {
	p := newPortfolio(1000, types.RiskLimits{}, types.OrderConfig{})
	p.OnMarketEvent(market(t, "AAPL", "10"))

	_, err := p.OnFill(fill(t, 1, "AAPL", types.DirectionSell, 50, "10", "2"))
	require.NoError(t, err)
	assert.Equal(t, "1498", p.GetCash().String())
	assert.Equal(t, "998", p.TotalValue().String())

	pos, _ := p.GetPosition("AAPL")
	assert.Equal(t, types.PositionSideShort, pos.Side())
}

func TestPortfolioRejectFundingRefusesOverdraft(t *testing.T) {
	p := newPortfolio(1000, types.RiskLimits{Funding: types.FundingReject}, types.OrderConfig{})

	_, err := p.OnFill(fill(t, 1, "AAPL", types.DirectionBuy, 100, "10", "1"))
	assert.ErrorIs(t, err, backtester.ErrUnfundedOrder)
	assert.Equal(t, "1000", p.GetCash().String())
	_, ok := p.GetPosition("AAPL")
	assert.False(t, ok)
}

func TestPortfolioRejectFundingCountsExecutionCosts(t *testing.T) {
	limits := types.RiskLimits{Funding: types.FundingReject}
	tick := market(t, "AAPL", "100")

	// 10000 covers the notional but not slippage and commission on top of it.
	notional := newPortfolio(10000, limits, types.OrderConfig{})
	notional.OnMarketEvent(tick)
	order, err := notional.OnSignal(signal(t, "AAPL", types.DirectionBuy, "1"))
	require.NoError(t, err)
	assert.NotNil(t, order)

	exec := newExecution()
	_, err = exec.OnMarketEvent(tick)
	require.NoError(t, err)

	p := newPortfolio(10000, limits, types.OrderConfig{})
	p.SetCostEstimator(exec)
	p.OnMarketEvent(tick)
	order, err = p.OnSignal(signal(t, "AAPL", types.DirectionBuy, "1"))
	require.NoError(t, err)
	assert.Nil(t, order)

	// Sells are never cash checked.
	order, err = p.OnSignal(signal(t, "AAPL", types.DirectionSell, "1"))
	require.NoError(t, err)
	assert.NotNil(t, order)
}

func TestPortfolioRiskLimits(t *testing.T) {
	p := newPortfolio(100000, types.RiskLimits{MaxPositionQty: 150, MaxOpenPositions: 1}, types.OrderConfig{})
	p.OnMarketEvent(market(t, "AAPL", "10"))
	p.OnMarketEvent(market(t, "MSFT", "10"))

	_, err := p.OnFill(fill(t, 1, "AAPL", types.DirectionBuy, 100, "10", "0"))
	require.NoError(t, err)

	// Would take AAPL to 200 shares.
	order, err := p.OnSignal(signal(t, "AAPL", types.DirectionBuy, "1"))
	require.NoError(t, err)
	assert.Nil(t, order)

	// A second open position is over the limit.
	order, err = p.OnSignal(signal(t, "MSFT", types.DirectionBuy, "1"))
	require.NoError(t, err)
	assert.Nil(t, order)

	// Reducing is always allowed, and blocked signals do not consume order ids.
	order, err = p.OnSignal(signal(t, "AAPL", types.DirectionSell, "1"))
	require.NoError(t, err)
	require.NotNil(t, order)
	assert.Equal(t, uint64(1), order.ID())
}

func TestPortfolioLimitAndStopPricing(t *testing.T) {
	limit := newPortfolio(100000, types.RiskLimits{}, types.OrderConfig{
		Kind:        types.OrderKindLimit,
		LimitOffset: decimal.RequireFromString("0.01"),
	})

	// No cached price: falls back to MARKET.
	order, err := limit.OnSignal(signal(t, "AAPL", types.DirectionBuy, "1"))
	require.NoError(t, err)
	assert.Equal(t, types.OrderKindMarket, order.Kind())

	limit.OnMarketEvent(market(t, "AAPL", "200"))
	order, err = limit.OnSignal(signal(t, "AAPL", types.DirectionBuy, "1"))
	require.NoError(t, err)
	assert.Equal(t, types.OrderKindLimit, order.Kind())
	assert.Equal(t, "198", order.Price().String())

	order, err = limit.OnSignal(signal(t, "AAPL", types.DirectionSell, "1"))
	require.NoError(t, err)
	assert.Equal(t, "202", order.Price().String())

	stop := newPortfolio(100000, types.RiskLimits{}, types.OrderConfig{
		Kind:       types.OrderKindStop,
		StopOffset: decimal.RequireFromString("0.05"),
	})
	stop.OnMarketEvent(market(t, "AAPL", "200"))
	order, err = stop.OnSignal(signal(t, "AAPL", types.DirectionSell, "1"))
	require.NoError(t, err)
	assert.Equal(t, types.OrderKindStop, order.Kind())
	assert.Equal(t, "190", order.Price().String())
}

func TestPortfolioDrawdown(t *testing.T) {
	p := newPortfolio(1000, types.RiskLimits{}, types.OrderConfig{})
	p.OnMarketEvent(market(t, "AAPL", "10"))
	_, err := p.OnFill(fill(t, 1, "AAPL", types.DirectionBuy, 50, "10", "0"))
	require.NoError(t, err)

	p.OnMarketEvent(market(t, "AAPL", "12"))
	assert.True(t, p.GetDrawdown().IsZero())

	p.OnMarketEvent(market(t, "AAPL", "8"))
	// peak 1100, now 900
	assert.True(t, p.GetDrawdown().Sub(decimal.RequireFromString("0.1818")).Abs().LessThan(decimal.RequireFromString("0.0001")))
}
