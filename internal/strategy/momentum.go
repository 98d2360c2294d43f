package strategy

import (
	"fmt"

	"github.com/atlas-desktop/backtest-engine/internal/backtester/events"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/atlas-desktop/backtest-engine/pkg/utils"
	"github.com/shopspring/decimal"
)

// DefaultMomentumLookback is the number of consecutive changes checked by default.
const DefaultMomentumLookback = 3

var momentumStrength = decimal.RequireFromString("0.9")

// MomentumStrategy signals when price has moved in the same direction by more than
// threshold on each of the last lookback ticks. It signals on every tick the
// condition holds.
type MomentumStrategy struct {
	lookback  int
	threshold decimal.Decimal
	prices    map[string]*utils.Window
}

// NewMomentumStrategy creates a momentum strategy; threshold 0.02 means 2% per tick.
func NewMomentumStrategy(lookback int, threshold decimal.Decimal) (*MomentumStrategy, error) {
	if lookback < 1 {
		return nil, fmt.Errorf("%w: lookback must be at least 1, got %d", ErrInvalidParameter, lookback)
	}
	if threshold.IsNegative() {
		return nil, fmt.Errorf("%w: threshold must be non-negative, got %s", ErrInvalidParameter, threshold)
	}
	return &MomentumStrategy{
		lookback:  lookback,
		threshold: threshold,
		prices:    make(map[string]*utils.Window),
	}, nil
}

func newMomentumFromParams(params map[string]any) (Strategy, error) {
	lookback, err := intParam(params, "lookback", DefaultMomentumLookback)
	if err != nil {
		return nil, err
	}
	threshold, err := decimalParam(params, "threshold", decimal.RequireFromString("0.02"))
	if err != nil {
		return nil, err
	}
	return NewMomentumStrategy(lookback, threshold)
}

// Name returns e.g. Momentum_3d_2.0%.
func (s *MomentumStrategy) Name() string {
	return fmt.Sprintf("Momentum_%dd_%s%%", s.lookback, s.threshold.Mul(decimal.NewFromInt(100)).StringFixed(1))
}

// OnMarketEvent implements Strategy.
func (s *MomentumStrategy) OnMarketEvent(market events.Market) ([]events.Signal, error) {
	w, ok := s.prices[market.GetSymbol()]
	if !ok {
		w = utils.NewWindow(s.lookback + 1)
		s.prices[market.GetSymbol()] = w
	}
	w.Push(market.Price())
	if !w.Full() {
		return nil, nil
	}

	changes := utils.CalculateReturns(w.Values())
	up, down := true, true
	negThreshold := s.threshold.Neg()
	for _, c := range changes {
		if !c.GreaterThan(s.threshold) {
			up = false
		}
		if !c.LessThan(negThreshold) {
			down = false
		}
	}

	var direction types.Direction
	switch {
	case up:
		direction = types.DirectionBuy
	case down:
		direction = types.DirectionSell
	default:
		return nil, nil
	}

	signal, err := events.NewSignal(market.GetSymbol(), direction, momentumStrength, s.Name(), market.GetTimestamp())
	if err != nil {
		return nil, err
	}
	return []events.Signal{signal}, nil
}
