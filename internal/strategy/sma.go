package strategy

import (
	"fmt"

	"github.com/atlas-desktop/backtest-engine/internal/backtester/events"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/atlas-desktop/backtest-engine/pkg/utils"
)

// DefaultSMAWindow is the window used when none is configured.
const DefaultSMAWindow = 20

type side int8

const (
	sideUnknown side = iota
	sideAtOrBelow
	sideAbove
)

type smaState struct {
	sma  *utils.SMA
	side side
}

// SMAStrategy emits BUY when price crosses from at-or-below its simple moving
// average to strictly above it, and SELL on the reverse cross. Each symbol keeps its
// own window. The first full-window observation only records which side price is on.
type SMAStrategy struct {
	window  int
	symbols map[string]*smaState
}

// NewSMAStrategy creates a crossover strategy over window ticks.
func NewSMAStrategy(window int) (*SMAStrategy, error) {
	if window < 1 {
		return nil, fmt.Errorf("%w: window must be at least 1, got %d", ErrInvalidParameter, window)
	}
	return &SMAStrategy{
		window:  window,
		symbols: make(map[string]*smaState),
	}, nil
}

func newSMAFromParams(params map[string]any) (Strategy, error) {
	window, err := intParam(params, "window", DefaultSMAWindow)
	if err != nil {
		return nil, err
	}
	return NewSMAStrategy(window)
}

// Name returns SMA_<window>.
func (s *SMAStrategy) Name() string { return fmt.Sprintf("SMA_%d", s.window) }

// Window returns the moving average window.
func (s *SMAStrategy) Window() int { return s.window }

// OnMarketEvent implements Strategy.
func (s *SMAStrategy) OnMarketEvent(market events.Market) ([]events.Signal, error) {
	st, ok := s.symbols[market.GetSymbol()]
	if !ok {
		st = &smaState{sma: utils.NewSMA(s.window)}
		s.symbols[market.GetSymbol()] = st
	}

	avg := st.sma.Add(market.Price())
	if !st.sma.Ready() {
		return nil, nil
	}

	current := sideAtOrBelow
	if market.Price().GreaterThan(avg) {
		current = sideAbove
	}

	previous := st.side
	st.side = current
	if previous == sideUnknown || previous == current {
		return nil, nil
	}

	direction := types.DirectionSell
	if current == sideAbove {
		direction = types.DirectionBuy
	}

	signal, err := events.NewSignal(market.GetSymbol(), direction, events.DefaultSignalStrength, s.Name(), market.GetTimestamp())
	if err != nil {
		return nil, err
	}
	return []events.Signal{signal}, nil
}
