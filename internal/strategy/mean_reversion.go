package strategy

import (
	"fmt"

	"github.com/atlas-desktop/backtest-engine/internal/backtester/events"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/atlas-desktop/backtest-engine/pkg/utils"
	"github.com/shopspring/decimal"
)

// DefaultMeanReversionPeriod is the Bollinger window used when none is configured.
const DefaultMeanReversionPeriod = 20

// MeanReversionStrategy buys below the lower Bollinger Band and sells above the upper
// one. Strength grows with the distance beyond the band, capped at 1.
type MeanReversionStrategy struct {
	period     int
	stdDevMult decimal.Decimal
	prices     map[string]*utils.Window
}

// NewMeanReversionStrategy creates a new mean reversion strategy.
func NewMeanReversionStrategy(period int, stdDevMult decimal.Decimal) (*MeanReversionStrategy, error) {
	if period < 2 {
		return nil, fmt.Errorf("%w: period must be at least 2, got %d", ErrInvalidParameter, period)
	}
	if !stdDevMult.IsPositive() {
		return nil, fmt.Errorf("%w: std_dev_mult must be positive, got %s", ErrInvalidParameter, stdDevMult)
	}
	return &MeanReversionStrategy{
		period:     period,
		stdDevMult: stdDevMult,
		prices:     make(map[string]*utils.Window),
	}, nil
}

func newMeanReversionFromParams(params map[string]any) (Strategy, error) {
	period, err := intParam(params, "period", DefaultMeanReversionPeriod)
	if err != nil {
		return nil, err
	}
	mult, err := decimalParam(params, "std_dev_mult", decimal.NewFromInt(2))
	if err != nil {
		return nil, err
	}
	return NewMeanReversionStrategy(period, mult)
}

// Name returns BB_<period>_<mult>.
func (s *MeanReversionStrategy) Name() string {
	return fmt.Sprintf("BB_%d_%s", s.period, s.stdDevMult)
}

// OnMarketEvent implements Strategy.
func (s *MeanReversionStrategy) OnMarketEvent(market events.Market) ([]events.Signal, error) {
	w, ok := s.prices[market.GetSymbol()]
	if !ok {
		w = utils.NewWindow(s.period)
		s.prices[market.GetSymbol()] = w
	}
	w.Push(market.Price())
	if !w.Full() {
		return nil, nil
	}

	values := w.Values()
	sma := utils.CalculateMean(values)
	stdDev := utils.CalculateStdDev(values)
	if stdDev.IsZero() {
		return nil, nil
	}

	current := market.Price()
	upperBand := sma.Add(stdDev.Mul(s.stdDevMult))
	lowerBand := sma.Sub(stdDev.Mul(s.stdDevMult))

	var (
		direction types.Direction
		deviation decimal.Decimal
	)
	switch {
	case current.LessThan(lowerBand):
		direction = types.DirectionBuy
		deviation = lowerBand.Sub(current).Div(stdDev)
	case current.GreaterThan(upperBand):
		direction = types.DirectionSell
		deviation = current.Sub(upperBand).Div(stdDev)
	default:
		return nil, nil
	}

	strength := utils.ClampDecimal(deviation.Div(s.stdDevMult), decimal.Zero, events.DefaultSignalStrength)
	signal, err := events.NewSignal(market.GetSymbol(), direction, strength, s.Name(), market.GetTimestamp())
	if err != nil {
		return nil, err
	}
	return []events.Signal{signal}, nil
}
