package backtester

import (
	"testing"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPositionUpdateAveraging(t *testing.T) {
	t0 := time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC)
	p := NewPosition("AAPL")

	realized := p.update(100, d("10"), t0)
	assert.True(t, realized.IsZero())
	assert.Equal(t, int64(100), p.Quantity)
	assert.Equal(t, "10", p.AvgPrice.String())
	assert.Equal(t, t0, p.OpenedAt)

	// Same direction: weighted average.
	p.update(100, d("20"), t0.Add(time.Hour))
	assert.Equal(t, "15", p.AvgPrice.String())
	assert.Equal(t, t0, p.OpenedAt)

	// Partial reduce keeps the average.
	realized = p.update(-50, d("25"), t0.Add(2*time.Hour))
	assert.Equal(t, "500", realized.String())
	assert.Equal(t, int64(150), p.Quantity)
	assert.Equal(t, "15", p.AvgPrice.String())

	// Reversal resets the average to the fill price.
	t3 := t0.Add(3 * time.Hour)
	realized = p.update(-200, d("30"), t3)
	assert.Equal(t, "2250", realized.String())
	assert.Equal(t, int64(-50), p.Quantity)
	assert.Equal(t, "30", p.AvgPrice.String())
	assert.Equal(t, types.PositionSideShort, p.Side())
	assert.Equal(t, t3, p.OpenedAt)

	// Covering a short below the average is a gain.
	realized = p.update(50, d("20"), t0.Add(4*time.Hour))
	assert.Equal(t, "500", realized.String())
	assert.True(t, p.IsFlat())
	assert.True(t, p.AvgPrice.IsZero())
	assert.Equal(t, "3250", p.RealizedPnL.String())
	assert.Equal(t, 5, p.Trades)
}

func TestPositionValuation(t *testing.T) {
	p := NewPosition("AAPL")
	assert.Equal(t, types.PositionSideFlat, p.Side())
	assert.True(t, p.UnrealizedPnL(d("50")).IsZero())

	p.update(-10, d("50"), time.Time{})
	assert.Equal(t, "-450", p.MarketValue(d("45")).String())
	assert.Equal(t, "50", p.UnrealizedPnL(d("45")).String())

	p.mark(d("45"))
	assert.Equal(t, "-450", p.LastMarketValue.String())

	snap := p.snapshot(decimal.Zero, false)
	assert.Equal(t, "50", snap.CurrentPrice.String())
	assert.True(t, snap.UnrealizedPnL.IsZero())
}

func TestPositionZeroQuantityIsNoop(t *testing.T) {
	p := NewPosition("AAPL")
	p.update(10, d("5"), time.Time{})
	assert.True(t, p.update(0, d("100"), time.Time{}).IsZero())
	assert.Equal(t, int64(10), p.Quantity)
	assert.Equal(t, 1, p.Trades)
}

func TestPositionAverageDoesNotCompoundRounding(t *testing.T) {
	p := NewPosition("AAPL")
	p.update(1, d("1"), time.Time{})
	p.update(2, d("2"), time.Time{})
	assert.Equal(t, "1.6666666666666667", p.AvgPrice.String())

	// 14/6 exactly; re-deriving from the rounded 5/3 would give ...334.
	p.update(3, d("3"), time.Time{})
	assert.Equal(t, "2.3333333333333333", p.AvgPrice.String())

	realized := p.update(-6, d("3"), time.Time{})
	assert.Equal(t, "4", realized.String())
	assert.True(t, p.IsFlat())
}

func TestPositionGrowAfterPartialReduce(t *testing.T) {
	p := NewPosition("AAPL")
	p.update(3, d("10"), time.Time{})
	p.update(-1, d("10"), time.Time{})
	p.update(1, d("13"), time.Time{})
	// (2*10 + 13) / 3
	assert.Equal(t, "11", p.AvgPrice.String())
	assert.Equal(t, "3", p.UnrealizedPnL(d("12")).String())

	p.update(-2, d("10"), time.Time{})
	p.update(-4, d("8"), time.Time{})
	assert.Equal(t, int64(-3), p.Quantity)
	assert.Equal(t, "8", p.AvgPrice.String())
	assert.Equal(t, "-3", p.UnrealizedPnL(d("9")).String())
	assert.Equal(t, "-5", p.RealizedPnL.String())
}
