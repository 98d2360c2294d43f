// Package montecarlo resamples the per-period returns of a finished backtest to show
// how much of its outcome depends on the order the returns arrived in.
package montecarlo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"go.uber.org/zap"
)

// ErrTooFewPoints is returned when the equity curve has no returns to resample
var ErrTooFewPoints = errors.New("equity curve needs at least two points")

// SimulatorConfig configures the simulator
type SimulatorConfig struct {
	NumSimulations   int       // Number of resampled paths
	Seed             int64     // Path i uses Seed+i, so results do not depend on ParallelWorkers
	ParallelWorkers  int       // Number of worker goroutines
	AllowReplacement bool      // Bootstrap with replacement; false shuffles
	RuinFraction     float64   // A path is ruined when it falls below this share of initial equity
	Percentiles      []float64 // Percentiles reported for every distribution
}

// DefaultSimulatorConfig returns sensible defaults
func DefaultSimulatorConfig() *SimulatorConfig {
	return &SimulatorConfig{
		NumSimulations:   1000,
		Seed:             1,
		ParallelWorkers:  4,
		AllowReplacement: true,
		RuinFraction:     0.5,
		Percentiles:      []float64{0.05, 0.25, 0.50, 0.75, 0.95},
	}
}

// PathStats summarizes one equity path
type PathStats struct {
	FinalEquity float64 `json:"finalEquity" yaml:"finalEquity"`
	TotalReturn float64 `json:"totalReturn" yaml:"totalReturn"`
	MaxDrawdown float64 `json:"maxDrawdown" yaml:"maxDrawdown"`
	ruined      bool
}

// Distribution describes one statistic across all paths. Percentile keys look like "p5".
type Distribution struct {
	Mean        float64            `json:"mean" yaml:"mean"`
	Median      float64            `json:"median" yaml:"median"`
	StdDev      float64            `json:"stdDev" yaml:"stdDev"`
	Min         float64            `json:"min" yaml:"min"`
	Max         float64            `json:"max" yaml:"max"`
	Percentiles map[string]float64 `json:"percentiles" yaml:"percentiles"`
}

// SimulationResult contains the resampling results
type SimulationResult struct {
	NumSimulations    int           `json:"numSimulations" yaml:"numSimulations"`
	Periods           int           `json:"periods" yaml:"periods"`
	Original          PathStats     `json:"original" yaml:"original"`
	FinalEquity       *Distribution `json:"finalEquity" yaml:"finalEquity"`
	TotalReturn       *Distribution `json:"totalReturn" yaml:"totalReturn"`
	MaxDrawdown       *Distribution `json:"maxDrawdown" yaml:"maxDrawdown"`
	ProbabilityOfLoss float64       `json:"probabilityOfLoss" yaml:"probabilityOfLoss"`
	ProbabilityOfRuin float64       `json:"probabilityOfRuin" yaml:"probabilityOfRuin"`
}

// Simulator performs Monte Carlo simulations
type Simulator struct {
	logger *zap.Logger
	config *SimulatorConfig
}

// NewSimulator creates a new Monte Carlo simulator
func NewSimulator(logger *zap.Logger, config *SimulatorConfig) *Simulator {
	if config == nil {
		config = DefaultSimulatorConfig()
	}
	if config.ParallelWorkers < 1 {
		config.ParallelWorkers = 1
	}
	return &Simulator{logger: logger, config: config}
}

// PeriodReturns converts an equity curve into simple returns between consecutive points.
// Periods starting from zero equity are skipped.
func PeriodReturns(curve []types.EquityCurvePoint) []float64 {
	if len(curve) < 2 {
		return nil
	}
	out := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity.InexactFloat64()
		if prev == 0 {
			continue
		}
		out = append(out, curve[i].Equity.InexactFloat64()/prev-1)
	}
	return out
}

// Run resamples the equity curve of result.
func (s *Simulator) Run(ctx context.Context, result *types.BacktestResult) (*SimulationResult, error) {
	if s.config.NumSimulations < 1 {
		return nil, fmt.Errorf("simulations must be positive, got %d", s.config.NumSimulations)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("monte carlo aborted: %w", err)
	}
	returns := PeriodReturns(result.EquityCurve)
	if len(returns) == 0 {
		return nil, ErrTooFewPoints
	}
	initial := result.EquityCurve[0].Equity.InexactFloat64()

	s.logger.Info("starting Monte Carlo simulation",
		zap.String("backtest", result.ID),
		zap.Int("num_simulations", s.config.NumSimulations),
		zap.Int("periods", len(returns)),
	)

	paths := make([]PathStats, s.config.NumSimulations)
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < s.config.ParallelWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]float64, len(returns))
			for idx := range jobs {
				rng := rand.New(rand.NewSource(s.config.Seed + int64(idx)))
				s.resample(returns, buf, rng)
				paths[idx] = s.pathStats(buf, initial)
			}
		}()
	}

	var err error
submit:
	for i := range paths {
		select {
		case jobs <- i:
		case <-ctx.Done():
			err = ctx.Err()
			break submit
		}
	}
	close(jobs)
	wg.Wait()
	if err != nil {
		return nil, fmt.Errorf("monte carlo aborted: %w", err)
	}

	out := &SimulationResult{
		NumSimulations: len(paths),
		Periods:        len(returns),
		Original:       s.pathStats(returns, initial),
		FinalEquity:    s.distribution(paths, func(p PathStats) float64 { return p.FinalEquity }),
		TotalReturn:    s.distribution(paths, func(p PathStats) float64 { return p.TotalReturn }),
		MaxDrawdown:    s.distribution(paths, func(p PathStats) float64 { return p.MaxDrawdown }),
	}
	var losses, ruined int
	for _, p := range paths {
		if p.TotalReturn < 0 {
			losses++
		}
		if p.ruined {
			ruined++
		}
	}
	out.ProbabilityOfLoss = float64(losses) / float64(len(paths))
	out.ProbabilityOfRuin = float64(ruined) / float64(len(paths))

	s.logger.Info("Monte Carlo simulation complete",
		zap.Float64("median_final_equity", out.FinalEquity.Median),
		zap.Float64("probability_of_loss", out.ProbabilityOfLoss),
		zap.Float64("probability_of_ruin", out.ProbabilityOfRuin),
	)
	return out, nil
}

// resample fills dst with a bootstrapped or shuffled copy of returns
func (s *Simulator) resample(returns, dst []float64, rng *rand.Rand) {
	n := len(returns)
	if s.config.AllowReplacement {
		for i := range dst {
			dst[i] = returns[rng.Intn(n)]
		}
		return
	}
	for i, j := range rng.Perm(n) {
		dst[i] = returns[j]
	}
}

func (s *Simulator) pathStats(returns []float64, initial float64) PathStats {
	equity, peak := initial, initial
	floor := initial * s.config.RuinFraction
	var st PathStats
	for _, r := range returns {
		equity *= 1 + r
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			if dd := (peak - equity) / peak; dd > st.MaxDrawdown {
				st.MaxDrawdown = dd
			}
		}
		if equity < floor {
			st.ruined = true
		}
	}
	st.FinalEquity = equity
	if initial != 0 {
		st.TotalReturn = equity/initial - 1
	}
	return st
}

func (s *Simulator) distribution(paths []PathStats, field func(PathStats) float64) *Distribution {
	sorted := make([]float64, len(paths))
	sum := 0.0
	for i, p := range paths {
		sorted[i] = field(p)
		sum += sorted[i]
	}
	sort.Float64s(sorted)

	n := float64(len(sorted))
	mean := sum / n
	variance := 0.0
	for _, v := range sorted {
		variance += (v - mean) * (v - mean)
	}

	dist := &Distribution{
		Mean:        mean,
		Median:      sorted[len(sorted)/2],
		StdDev:      math.Sqrt(variance / n),
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		Percentiles: make(map[string]float64, len(s.config.Percentiles)),
	}
	for _, p := range s.config.Percentiles {
		idx := int(p * float64(len(sorted)-1))
		dist.Percentiles[fmt.Sprintf("p%g", math.Round(p*1000)/10)] = sorted[idx]
	}
	return dist
}
