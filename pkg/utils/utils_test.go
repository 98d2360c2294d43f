package utils

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decs(vals ...float64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		out[i] = decimal.NewFromFloat(v)
	}
	return out
}

func TestCalculateReturns(t *testing.T) {
	r := CalculateReturns(decs(100, 110, 0, 50))
	require.Len(t, r, 3)
	assert.True(t, r[0].Equal(decimal.RequireFromString("0.1")))
	assert.True(t, r[1].Equal(decimal.NewFromInt(-1)))
	assert.True(t, r[2].IsZero(), "return from zero is zero")

	assert.Nil(t, CalculateReturns(decs(1)))
}

func TestCalculateMaxDrawdown(t *testing.T) {
	dd, idx := CalculateMaxDrawdown(decs(100, 120, 90, 130, 117))
	assert.True(t, dd.Equal(decimal.RequireFromString("0.25")), dd.String())
	assert.Equal(t, 2, idx)

	dd, _ = CalculateMaxDrawdown(decs(100))
	assert.True(t, dd.IsZero())
}

func TestWinRateAndProfitFactor(t *testing.T) {
	pnls := decs(30, -10, 20, -10)
	assert.True(t, CalculateWinRate(pnls).Equal(decimal.RequireFromString("0.5")))
	assert.True(t, CalculateProfitFactor(pnls).Equal(decimal.RequireFromString("2.5")), CalculateProfitFactor(pnls).String())

	assert.True(t, CalculateProfitFactor(decs(5)).Equal(decimal.NewFromInt(100)))
	assert.True(t, CalculateProfitFactor(nil).IsZero())
}

func TestSMA(t *testing.T) {
	sma := NewSMA(3)
	sma.Add(decimal.NewFromInt(100))
	sma.Add(decimal.NewFromInt(101))
	assert.False(t, sma.Ready())

	assert.True(t, sma.Add(decimal.NewFromInt(99)).Equal(decimal.NewFromInt(100)))
	assert.True(t, sma.Ready())

	assert.True(t, sma.Add(decimal.NewFromInt(105)).Equal(decimal.RequireFromString("101.6666666666666667")), sma.Current().String())
	assert.Equal(t, 3, sma.Len())
}

func TestWindow(t *testing.T) {
	w := NewWindow(2)
	w.Push(decimal.NewFromInt(1))
	assert.False(t, w.Full())
	w.Push(decimal.NewFromInt(2))
	w.Push(decimal.NewFromInt(3))
	assert.True(t, w.Full())

	vals := w.Values()
	require.Len(t, vals, 2)
	assert.True(t, vals[0].Equal(decimal.NewFromInt(2)))
	assert.True(t, vals[1].Equal(decimal.NewFromInt(3)))
}

func TestClampDecimal(t *testing.T) {
	lo, hi := decimal.NewFromInt(1), decimal.NewFromInt(10)
	assert.True(t, ClampDecimal(decimal.Zero, lo, hi).Equal(lo))
	assert.True(t, ClampDecimal(decimal.NewFromInt(11), lo, hi).Equal(hi))
	assert.True(t, ClampDecimal(decimal.NewFromInt(5), lo, hi).Equal(decimal.NewFromInt(5)))
}
