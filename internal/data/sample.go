package data

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// SampleSpec describes a synthetic tick series
type SampleSpec struct {
	Symbols    []string        `json:"symbols"`
	Start      time.Time       `json:"start"`
	Interval   time.Duration   `json:"interval"`
	Count      int             `json:"count"`      // ticks per symbol
	StartPrice decimal.Decimal `json:"startPrice"` // shared by every symbol
	Volatility float64         `json:"volatility"` // per-tick log-return standard deviation
	Seed       int64           `json:"seed"`
}

// DefaultSampleSpec returns a year of daily ticks for one symbol
func DefaultSampleSpec() SampleSpec {
	return SampleSpec{
		Symbols:    []string{"AAPL"},
		Start:      time.Date(2022, 1, 3, 0, 0, 0, 0, time.UTC),
		Interval:   24 * time.Hour,
		Count:      252,
		StartPrice: decimal.NewFromInt(100),
		Volatility: 0.02,
		Seed:       1,
	}
}

// GenerateSample builds a geometric random walk per symbol. The same spec always
// yields the same ticks. Ticks are interleaved by timestamp in symbol order, ready to
// be fed to an engine as-is.
func GenerateSample(spec SampleSpec) ([]types.Tick, error) {
	switch {
	case len(spec.Symbols) == 0:
		return nil, fmt.Errorf("sample needs at least one symbol")
	case spec.Count <= 0:
		return nil, fmt.Errorf("sample count must be positive, got %d", spec.Count)
	case spec.Interval <= 0:
		return nil, fmt.Errorf("sample interval must be positive, got %s", spec.Interval)
	case !spec.StartPrice.IsPositive():
		return nil, fmt.Errorf("sample start price must be positive, got %s", spec.StartPrice)
	case spec.Volatility < 0:
		return nil, fmt.Errorf("sample volatility must be non-negative, got %f", spec.Volatility)
	}

	rng := rand.New(rand.NewSource(spec.Seed))
	minPrice := decimal.RequireFromString("0.01")

	prices := make([]float64, len(spec.Symbols))
	for i := range prices {
		prices[i] = spec.StartPrice.InexactFloat64()
	}

	ticks := make([]types.Tick, 0, spec.Count*len(spec.Symbols))
	for n := 0; n < spec.Count; n++ {
		ts := spec.Start.Add(time.Duration(n) * spec.Interval)
		for i, symbol := range spec.Symbols {
			if n > 0 {
				prices[i] *= math.Exp(spec.Volatility * rng.NormFloat64())
			}
			price := decimal.NewFromFloat(prices[i]).Round(2)
			if price.LessThan(minPrice) {
				price = minPrice
			}
			ticks = append(ticks, types.Tick{
				Symbol:    symbol,
				Price:     price,
				Timestamp: ts,
				Volume:    1000 + rng.Int63n(99000),
			})
		}
	}

	return ticks, nil
}
