package backtester

import (
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/atlas-desktop/backtest-engine/pkg/utils"
	"github.com/shopspring/decimal"
)

// DefaultPeriodsPerYear annualizes per-tick returns as if each tick were a trading day.
const DefaultPeriodsPerYear = 252

// MetricsCalculator calculates performance metrics
type MetricsCalculator struct {
	periodsPerYear int
}

// NewMetricsCalculator creates a new metrics calculator
func NewMetricsCalculator(periodsPerYear int) *MetricsCalculator {
	if periodsPerYear <= 0 {
		periodsPerYear = DefaultPeriodsPerYear
	}
	return &MetricsCalculator{periodsPerYear: periodsPerYear}
}

// Calculate calculates all performance metrics. Trade statistics only count fills
// that closed exposure; equity statistics use one point per market event.
func (mc *MetricsCalculator) Calculate(
	trades []types.Trade,
	equityCurve []types.EquityCurvePoint,
	initialCapital decimal.Decimal,
) *types.PerformanceMetrics {
	metrics := &types.PerformanceMetrics{}

	var pnls []decimal.Decimal
	for _, trade := range trades {
		metrics.TotalCommission = metrics.TotalCommission.Add(trade.Commission)
		if trade.Closing {
			pnls = append(pnls, trade.PnL())
		}
	}
	mc.tradeStatistics(metrics, pnls)

	if len(equityCurve) == 0 {
		return metrics
	}

	equity := make([]decimal.Decimal, len(equityCurve))
	for i, p := range equityCurve {
		equity[i] = p.Equity
	}

	if initialCapital.IsPositive() {
		metrics.TotalReturn = equity[len(equity)-1].Sub(initialCapital).Div(initialCapital)
	}

	returns := utils.CalculateReturns(equity)
	if len(returns) > 0 {
		metrics.AnnualizedReturn = utils.CalculateMean(returns).Mul(decimal.NewFromInt(int64(mc.periodsPerYear)))
	}
	metrics.SharpeRatio = utils.CalculateSharpeRatio(returns, decimal.Zero, mc.periodsPerYear)
	metrics.SortinoRatio = utils.CalculateSortinoRatio(returns, mc.periodsPerYear)

	maxDD, idx := utils.CalculateMaxDrawdown(equity)
	metrics.MaxDrawdown = maxDD
	if maxDD.IsPositive() {
		metrics.MaxDrawdownDate = equityCurve[idx].Timestamp
	}

	return metrics
}

func (mc *MetricsCalculator) tradeStatistics(metrics *types.PerformanceMetrics, pnls []decimal.Decimal) {
	metrics.TotalTrades = len(pnls)
	if len(pnls) == 0 {
		return
	}

	var totalWins, totalLosses decimal.Decimal
	for _, pnl := range pnls {
		switch {
		case pnl.IsPositive():
			metrics.WinningTrades++
			totalWins = totalWins.Add(pnl)
			metrics.LargestWin = utils.MaxDecimal(metrics.LargestWin, pnl)
		case pnl.IsNegative():
			metrics.LosingTrades++
			totalLosses = totalLosses.Add(pnl.Abs())
			metrics.LargestLoss = utils.MaxDecimal(metrics.LargestLoss, pnl.Abs())
		}
	}

	metrics.WinRate = utils.CalculateWinRate(pnls)
	metrics.ProfitFactor = utils.CalculateProfitFactor(pnls)

	if metrics.WinningTrades > 0 {
		metrics.AvgWin = totalWins.Div(decimal.NewFromInt(int64(metrics.WinningTrades)))
	}
	if metrics.LosingTrades > 0 {
		metrics.AvgLoss = totalLosses.Div(decimal.NewFromInt(int64(metrics.LosingTrades)))
	}

	// Expectancy: (Win% * AvgWin) - (Loss% * AvgLoss)
	lossPct := decimal.NewFromInt(1).Sub(metrics.WinRate)
	metrics.Expectancy = metrics.WinRate.Mul(metrics.AvgWin).Sub(lossPct.Mul(metrics.AvgLoss))
}
