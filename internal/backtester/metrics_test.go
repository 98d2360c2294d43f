package backtester_test

import (
	"testing"

	"github.com/atlas-desktop/backtest-engine/internal/backtester"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func curve(values ...int64) []types.EquityCurvePoint {
	out := make([]types.EquityCurvePoint, len(values))
	for i, v := range values {
		out[i] = types.EquityCurvePoint{Timestamp: day0.AddDate(0, 0, i), Equity: decimal.NewFromInt(v)}
	}
	return out
}

func TestMetricsCalculator(t *testing.T) {
	trades := []types.Trade{
		{Commission: decimal.NewFromInt(1)}, // opening fill
		{Closing: true, RealizedPnL: decimal.NewFromInt(101), Commission: decimal.NewFromInt(1)},
		{Closing: true, RealizedPnL: decimal.NewFromInt(-49), Commission: decimal.NewFromInt(1)},
		{Closing: true, RealizedPnL: decimal.NewFromInt(201), Commission: decimal.NewFromInt(1)},
	}

	mc := backtester.NewMetricsCalculator(0)
	m := mc.Calculate(trades, curve(1000, 1100, 990, 1050), decimal.NewFromInt(1000))

	assert.Equal(t, 3, m.TotalTrades)
	assert.Equal(t, 2, m.WinningTrades)
	assert.Equal(t, 1, m.LosingTrades)
	assert.Equal(t, "4", m.TotalCommission.String())
	assert.Equal(t, "200", m.LargestWin.String())
	assert.Equal(t, "50", m.LargestLoss.String())
	assert.Equal(t, "150", m.AvgWin.String())
	assert.Equal(t, "6", m.ProfitFactor.String())
	assert.Equal(t, "0.05", m.TotalReturn.String())
	assert.Equal(t, "0.1", m.MaxDrawdown.String())
	assert.Equal(t, day0.AddDate(0, 0, 2), m.MaxDrawdownDate)
	assert.InDelta(t, 2.0/3.0, m.WinRate.InexactFloat64(), 1e-9)
}

func TestMetricsCalculatorEmpty(t *testing.T) {
	m := backtester.NewMetricsCalculator(252).Calculate(nil, nil, decimal.NewFromInt(1000))
	assert.Zero(t, m.TotalTrades)
	assert.True(t, m.TotalReturn.IsZero())
	assert.True(t, m.ProfitFactor.IsZero())
	assert.True(t, m.MaxDrawdownDate.IsZero())
}
