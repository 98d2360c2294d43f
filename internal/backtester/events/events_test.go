package events_test

import (
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/backtester/events"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ts = time.Date(2022, 1, 4, 0, 0, 0, 0, time.UTC)

func TestNewMarket(t *testing.T) {
	t.Parallel()

	m, err := events.NewMarket("AAPL", decimal.NewFromInt(105), ts, 1200)
	require.NoError(t, err)
	assert.Equal(t, events.EventTypeMarket, m.GetType())
	assert.Equal(t, "AAPL", m.GetSymbol())
	assert.True(t, m.Price().Equal(decimal.NewFromInt(105)))
	assert.Equal(t, int64(1200), m.Volume())
	assert.Equal(t, ts, m.GetTimestamp())
	assert.Equal(t, "MARKET AAPL price=105 volume=1200 ts=2022-01-04T00:00:00Z", m.String())
}

func TestNewMarketRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		symbol string
		price  decimal.Decimal
		volume int64
	}{
		{"zero price", "AAPL", decimal.Zero, 0},
		{"negative price", "AAPL", decimal.NewFromInt(-1), 0},
		{"empty symbol", "", decimal.NewFromInt(10), 0},
		{"negative volume", "AAPL", decimal.NewFromInt(10), -5},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := events.NewMarket(tt.symbol, tt.price, ts, tt.volume)
			assert.ErrorIs(t, err, events.ErrInvalidEvent)
		})
	}
}

func TestNewSignal(t *testing.T) {
	t.Parallel()

	s, err := events.NewSignal("AAPL", types.DirectionBuy, events.DefaultSignalStrength, "SMA_3", ts)
	require.NoError(t, err)
	assert.Equal(t, events.EventTypeSignal, s.GetType())
	assert.Equal(t, types.DirectionBuy, s.Direction())
	assert.Equal(t, "SMA_3", s.StrategyID())
	assert.Equal(t, "SIGNAL AAPL BUY strength=1 strategy=SMA_3", s.String())

	_, err = events.NewSignal("AAPL", types.DirectionBuy, decimal.NewFromFloat(1.5), "x", ts)
	assert.ErrorIs(t, err, events.ErrInvalidEvent)

	_, err = events.NewSignal("AAPL", types.Direction("HOLD"), decimal.NewFromInt(1), "x", ts)
	assert.ErrorIs(t, err, events.ErrInvalidEvent)
}

func TestNewOrder(t *testing.T) {
	t.Parallel()

	o, err := events.NewOrder(events.OrderSpec{
		ID:         1,
		Symbol:     "AAPL",
		Kind:       types.OrderKindMarket,
		Quantity:   100,
		Direction:  types.DirectionSell,
		StrategyID: "SMA_3",
		Timestamp:  ts,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(-100), o.SignedQuantity())
	assert.Equal(t, "ORDER #1 AAPL MARKET SELL qty=100 strategy=SMA_3", o.String())

	_, err = events.NewOrder(events.OrderSpec{Symbol: "AAPL", Kind: types.OrderKindMarket, Quantity: 0, Direction: types.DirectionBuy})
	assert.ErrorIs(t, err, events.ErrInvalidEvent, "zero quantity")

	_, err = events.NewOrder(events.OrderSpec{Symbol: "AAPL", Kind: types.OrderKindLimit, Quantity: 10, Direction: types.DirectionBuy})
	assert.ErrorIs(t, err, events.ErrInvalidEvent, "limit order without price")

	limit, err := events.NewOrder(events.OrderSpec{ID: 2, Symbol: "AAPL", Kind: types.OrderKindLimit, Quantity: 10, Direction: types.DirectionBuy, Price: decimal.NewFromInt(99)})
	require.NoError(t, err)
	assert.Equal(t, "ORDER #2 AAPL LIMIT BUY qty=10 price=99 strategy=", limit.String())
}

func TestNewFill(t *testing.T) {
	t.Parallel()

	f, err := events.NewFill(events.FillSpec{
		OrderID:    1,
		Symbol:     "AAPL",
		Quantity:   100,
		Direction:  types.DirectionBuy,
		Price:      decimal.RequireFromString("105.105"),
		Commission: decimal.RequireFromString("11.5105"),
		Timestamp:  ts,
	})
	require.NoError(t, err)
	assert.Equal(t, "FILL #1 AAPL BUY qty=100 price=105.105 commission=11.5105", f.String())
	assert.Equal(t, "-10522.0105", f.CashDelta().String())

	_, err = events.NewFill(events.FillSpec{Symbol: "AAPL", Quantity: 1, Direction: types.DirectionBuy, Price: decimal.Zero})
	assert.ErrorIs(t, err, events.ErrInvalidEvent)

	_, err = events.NewFill(events.FillSpec{Symbol: "AAPL", Quantity: 1, Direction: types.DirectionBuy, Price: decimal.NewFromInt(1), Commission: decimal.NewFromInt(-1)})
	assert.ErrorIs(t, err, events.ErrInvalidEvent)
}

func TestSellFillCashDelta(t *testing.T) {
	t.Parallel()

	f, err := events.NewFill(events.FillSpec{
		Symbol:     "AAPL",
		Quantity:   10,
		Direction:  types.DirectionSell,
		Price:      decimal.NewFromInt(50),
		Commission: decimal.NewFromInt(2),
	})
	require.NoError(t, err)
	assert.Equal(t, "498", f.CashDelta().String())
}
