// Package utils provides numeric helpers shared by the engine, strategies and metrics.
package utils

import (
	"math"

	"github.com/shopspring/decimal"
)

// CalculateReturns calculates simple returns from a value series.
func CalculateReturns(values []decimal.Decimal) []decimal.Decimal {
	if len(values) < 2 {
		return nil
	}

	returns := make([]decimal.Decimal, len(values)-1)
	for i := 1; i < len(values); i++ {
		if values[i-1].IsZero() {
			returns[i-1] = decimal.Zero
		} else {
			returns[i-1] = values[i].Sub(values[i-1]).Div(values[i-1])
		}
	}

	return returns
}

// CalculateMean calculates the mean of decimal values.
func CalculateMean(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}

	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}

	return sum.Div(decimal.NewFromInt(int64(len(values))))
}

// CalculateStdDev calculates sample standard deviation of decimal values.
func CalculateStdDev(values []decimal.Decimal) decimal.Decimal {
	if len(values) < 2 {
		return decimal.Zero
	}

	mean := CalculateMean(values)

	sumSquares := decimal.Zero
	for _, v := range values {
		diff := v.Sub(mean)
		sumSquares = sumSquares.Add(diff.Mul(diff))
	}

	variance := sumSquares.Div(decimal.NewFromInt(int64(len(values) - 1)))
	return decimal.NewFromFloat(math.Sqrt(variance.InexactFloat64()))
}

// CalculateSharpeRatio calculates the annualized Sharpe ratio.
func CalculateSharpeRatio(returns []decimal.Decimal, riskFreeRate decimal.Decimal, periodsPerYear int) decimal.Decimal {
	if len(returns) < 2 {
		return decimal.Zero
	}

	meanReturn := CalculateMean(returns)
	stdDev := CalculateStdDev(returns)

	if stdDev.IsZero() {
		return decimal.Zero
	}

	annualizationFactor := decimal.NewFromFloat(math.Sqrt(float64(periodsPerYear)))
	excessReturn := meanReturn.Sub(riskFreeRate.Div(decimal.NewFromInt(int64(periodsPerYear))))

	return excessReturn.Div(stdDev).Mul(annualizationFactor)
}

// CalculateSortinoRatio is the Sharpe ratio with only downside deviation in the denominator.
func CalculateSortinoRatio(returns []decimal.Decimal, periodsPerYear int) decimal.Decimal {
	if len(returns) < 2 {
		return decimal.Zero
	}

	sumSquares := decimal.Zero
	downside := 0
	for _, r := range returns {
		if r.IsNegative() {
			sumSquares = sumSquares.Add(r.Mul(r))
			downside++
		}
	}
	if downside == 0 {
		return decimal.Zero
	}

	downsideDev := math.Sqrt(sumSquares.Div(decimal.NewFromInt(int64(downside))).InexactFloat64())
	if downsideDev == 0 {
		return decimal.Zero
	}

	annualizationFactor := decimal.NewFromFloat(math.Sqrt(float64(periodsPerYear)))
	return CalculateMean(returns).Div(decimal.NewFromFloat(downsideDev)).Mul(annualizationFactor)
}

// CalculateMaxDrawdown calculates the maximum fractional drawdown of an equity curve
// and the index at which it occurred.
func CalculateMaxDrawdown(equity []decimal.Decimal) (decimal.Decimal, int) {
	if len(equity) < 2 {
		return decimal.Zero, 0
	}

	maxDrawdown := decimal.Zero
	maxIndex := 0
	peak := equity[0]

	for i, value := range equity {
		if value.GreaterThan(peak) {
			peak = value
		}
		if !peak.IsPositive() {
			continue
		}
		drawdown := peak.Sub(value).Div(peak)
		if drawdown.GreaterThan(maxDrawdown) {
			maxDrawdown = drawdown
			maxIndex = i
		}
	}

	return maxDrawdown, maxIndex
}

// CalculateWinRate calculates win rate from PnL values.
func CalculateWinRate(pnls []decimal.Decimal) decimal.Decimal {
	if len(pnls) == 0 {
		return decimal.Zero
	}

	wins := 0
	for _, pnl := range pnls {
		if pnl.IsPositive() {
			wins++
		}
	}

	return decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(len(pnls))))
}

// CalculateProfitFactor calculates profit factor (gross profit / gross loss).
func CalculateProfitFactor(pnls []decimal.Decimal) decimal.Decimal {
	grossProfit := decimal.Zero
	grossLoss := decimal.Zero

	for _, pnl := range pnls {
		if pnl.IsPositive() {
			grossProfit = grossProfit.Add(pnl)
		} else {
			grossLoss = grossLoss.Add(pnl.Abs())
		}
	}

	if grossLoss.IsZero() {
		if grossProfit.IsZero() {
			return decimal.Zero
		}
		return decimal.NewFromInt(100) // Infinite profit factor capped
	}

	return grossProfit.Div(grossLoss)
}

// MinDecimal returns the minimum of two decimals.
func MinDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// MaxDecimal returns the maximum of two decimals.
func MaxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// ClampDecimal clamps a value between min and max.
func ClampDecimal(value, min, max decimal.Decimal) decimal.Decimal {
	if value.LessThan(min) {
		return min
	}
	if value.GreaterThan(max) {
		return max
	}
	return value
}

// SMA calculates a simple moving average over a fixed window.
type SMA struct {
	period int
	values []decimal.Decimal
	sum    decimal.Decimal
}

// NewSMA creates a new SMA calculator.
func NewSMA(period int) *SMA {
	return &SMA{
		period: period,
		values: make([]decimal.Decimal, 0, period+1),
	}
}

// Add adds a value, evicting the oldest once the window is full, and returns the current SMA.
func (s *SMA) Add(value decimal.Decimal) decimal.Decimal {
	s.values = append(s.values, value)
	s.sum = s.sum.Add(value)

	if len(s.values) > s.period {
		s.sum = s.sum.Sub(s.values[0])
		s.values = s.values[1:]
	}

	return s.Current()
}

// Current returns the current SMA value.
func (s *SMA) Current() decimal.Decimal {
	if len(s.values) == 0 {
		return decimal.Zero
	}
	return s.sum.Div(decimal.NewFromInt(int64(len(s.values))))
}

// Ready reports whether a full window has been observed.
func (s *SMA) Ready() bool {
	return len(s.values) >= s.period
}

// Len returns the number of values currently in the window.
func (s *SMA) Len() int {
	return len(s.values)
}

// Window keeps the most recent N values in arrival order.
type Window struct {
	size   int
	values []decimal.Decimal
}

// NewWindow creates a rolling window holding at most size values.
func NewWindow(size int) *Window {
	return &Window{size: size, values: make([]decimal.Decimal, 0, size+1)}
}

// Push appends a value and drops the oldest one when the window overflows.
func (w *Window) Push(value decimal.Decimal) {
	w.values = append(w.values, value)
	if len(w.values) > w.size {
		w.values = w.values[1:]
	}
}

// Full reports whether the window holds size values.
func (w *Window) Full() bool {
	return len(w.values) >= w.size
}

// Values returns a copy of the window contents, oldest first.
func (w *Window) Values() []decimal.Decimal {
	out := make([]decimal.Decimal, len(w.values))
	copy(out, w.values)
	return out
}
