package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/backtester"
	"github.com/atlas-desktop/backtest-engine/internal/data"
	"github.com/atlas-desktop/backtest-engine/internal/montecarlo"
	"github.com/atlas-desktop/backtest-engine/internal/strategy"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "run one backtest and print its report",
		Description: `Ticks come from exactly one source: --ticks (a JSON array of ticks),
--symbols (read from the data directory) or a generated sample (the default).`,
		Flags: append([]cli.Flag{
			&cli.StringSliceFlag{
				Name:    "strategy",
				Aliases: []string{"s"},
				Usage:   "strategy type to add, repeatable; replaces engine.strategies from the config",
			},
			&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Value: "text", Usage: "report format: text, json or yaml"},
			&cli.BoolFlag{Name: "log", Usage: "include the event log in the report"},
			&cli.IntFlag{Name: "monte-carlo", Usage: "resample the equity curve this many times (0 disables)"},
		}, tickSourceFlags()...),
		Action: runBacktest,
	}
}

// tickSourceFlags are shared by every command that runs backtests
func tickSourceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "ticks", Usage: "JSON file holding an array of ticks"},
		&cli.StringSliceFlag{Name: "symbols", Usage: "stored symbols to load from the data directory"},
		&cli.TimestampFlag{Name: "start", Layout: "2006-01-02", Usage: "first tick date for --symbols"},
		&cli.TimestampFlag{Name: "end", Layout: "2006-01-02", Usage: "last tick date for --symbols"},
		&cli.StringSliceFlag{Name: "sample-symbols", Value: cli.NewStringSlice("AAPL"), Usage: "symbols of the generated sample"},
		&cli.IntFlag{Name: "sample-count", Value: 252, Usage: "ticks per symbol in the generated sample"},
		&cli.Int64Flag{Name: "seed", Value: 1, Usage: "random seed of the generated sample"},
		&cli.StringFlag{Name: "capital", Usage: "initial capital; overrides the config"},
	}
}

func strategiesCommand() *cli.Command {
	return &cli.Command{
		Name:  "strategies",
		Usage: "list the available strategy types",
		Action: func(c *cli.Context) error {
			registry := strategy.NewStrategyRegistry(zap.NewNop())
			return writeStrategies(c.App.Writer, registry.List())
		},
	}
}

func runBacktest(c *cli.Context) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	format := c.String("format")
	if format != "text" && format != "json" && format != "yaml" {
		return fmt.Errorf("unknown report format %q", format)
	}

	engineCfg, err := applyCapital(c, cfg.Engine)
	if err != nil {
		return err
	}
	if names := c.StringSlice("strategy"); len(names) > 0 {
		engineCfg.Strategies = strategyConfigs(names)
	}
	if len(engineCfg.Strategies) == 0 {
		engineCfg.Strategies = strategyConfigs([]string{"sma_crossover"})
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticks, err := loadRunTicks(ctx, c, logger, cfg.Data.DataDir)
	if err != nil {
		return err
	}

	engine, err := backtester.NewEngine(logger, engineCfg)
	if err != nil {
		return err
	}
	registry := strategy.NewStrategyRegistry(logger)
	strategies, err := registry.CreateAll(engineCfg.Strategies)
	if err != nil {
		return err
	}
	for _, s := range strategies {
		if err := engine.AddStrategy(s); err != nil {
			return err
		}
	}
	if err := engine.AddTicks(ticks); err != nil {
		return err
	}

	logger.Info("Running backtest",
		zap.String("id", engine.ID()),
		zap.Int("ticks", len(ticks)),
		zap.Int("strategies", len(strategies)))

	result, err := engine.Run(ctx)
	if err != nil {
		return err
	}

	var eventLog []string
	if c.Bool("log") {
		eventLog = engine.EventLog()
	}
	rep := newReport(result, eventLog)

	if n := c.Int("monte-carlo"); n > 0 {
		mcCfg := montecarlo.DefaultSimulatorConfig()
		mcCfg.NumSimulations = n
		mcCfg.Seed = c.Int64("seed")
		rep.MonteCarlo, err = montecarlo.NewSimulator(logger, mcCfg).Run(ctx, result)
		if err != nil {
			return err
		}
	}
	return writeReport(c.App.Writer, format, rep)
}

func applyCapital(c *cli.Context, engineCfg *types.BacktestConfig) (*types.BacktestConfig, error) {
	if s := c.String("capital"); s != "" {
		capital, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid capital %q: %w", s, err)
		}
		engineCfg.InitialCapital = capital
	}
	return engineCfg, nil
}

func strategyConfigs(names []string) []types.StrategyConfig {
	out := make([]types.StrategyConfig, len(names))
	for i, name := range names {
		out[i] = types.StrategyConfig{Name: name, Type: name}
	}
	return out
}

func loadRunTicks(ctx context.Context, c *cli.Context, logger *zap.Logger, dataDir string) ([]types.Tick, error) {
	switch {
	case c.IsSet("ticks") && c.IsSet("symbols"):
		return nil, fmt.Errorf("--ticks and --symbols are mutually exclusive")

	case c.IsSet("ticks"):
		raw, err := os.ReadFile(c.String("ticks"))
		if err != nil {
			return nil, fmt.Errorf("reading ticks: %w", err)
		}
		var ticks []types.Tick
		if err := json.Unmarshal(raw, &ticks); err != nil {
			return nil, fmt.Errorf("parsing ticks: %w", err)
		}
		return ticks, nil

	case c.IsSet("symbols"):
		store, err := data.NewStore(logger, dataDir)
		if err != nil {
			return nil, err
		}
		var start, end time.Time
		if t := c.Timestamp("start"); t != nil {
			start = *t
		}
		if t := c.Timestamp("end"); t != nil {
			end = *t
		}
		return store.LoadTicks(ctx, c.StringSlice("symbols"), start, end)

	default:
		spec := data.DefaultSampleSpec()
		spec.Symbols = c.StringSlice("sample-symbols")
		spec.Count = c.Int("sample-count")
		spec.Seed = c.Int64("seed")
		return data.GenerateSample(spec)
	}
}

// report is the printable summary of a finished run
type report struct {
	ID              string                    `json:"id" yaml:"id"`
	State           string                    `json:"state" yaml:"state"`
	InitialCapital  decimal.Decimal           `json:"initialCapital" yaml:"initialCapital"`
	FinalValue      decimal.Decimal           `json:"finalValue" yaml:"finalValue"`
	Cash            decimal.Decimal           `json:"cash" yaml:"cash"`
	RealizedPnL     decimal.Decimal           `json:"realizedPnl" yaml:"realizedPnl"`
	EventsProcessed uint64                    `json:"eventsProcessed" yaml:"eventsProcessed"`
	Fills           int                       `json:"fills" yaml:"fills"`
	PendingOrders   int                       `json:"pendingOrders" yaml:"pendingOrders"`
	Duration        string                    `json:"duration" yaml:"duration"`
	Metrics         *types.PerformanceMetrics `json:"metrics" yaml:"metrics"`
	Positions       []types.PositionSnapshot  `json:"positions" yaml:"positions"`
	EventLog        []string                  `json:"eventLog,omitempty" yaml:"eventLog,omitempty"`

	MonteCarlo *montecarlo.SimulationResult `json:"monteCarlo,omitempty" yaml:"monteCarlo,omitempty"`
}

func newReport(r *types.BacktestResult, eventLog []string) report {
	return report{
		ID:              r.ID,
		State:           r.State,
		InitialCapital:  r.InitialCapital,
		FinalValue:      r.FinalValue,
		Cash:            r.Cash,
		RealizedPnL:     r.RealizedPnL,
		EventsProcessed: r.EventsProcessed,
		Fills:           len(r.Trades),
		PendingOrders:   r.PendingOrders,
		Duration:        r.Duration.String(),
		Metrics:         r.Metrics,
		Positions:       r.Positions,
		EventLog:        eventLog,
	}
}

func writeReport(w io.Writer, format string, r report) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Backtest\t%s\n", r.ID)
	fmt.Fprintf(tw, "State\t%s\n", r.State)
	fmt.Fprintf(tw, "Events\t%d\n", r.EventsProcessed)
	fmt.Fprintf(tw, "Initial capital\t%s\n", r.InitialCapital.StringFixed(2))
	fmt.Fprintf(tw, "Final value\t%s\n", r.FinalValue.StringFixed(2))
	fmt.Fprintf(tw, "Cash\t%s\n", r.Cash.StringFixed(2))
	fmt.Fprintf(tw, "Realized P&L\t%s\n", r.RealizedPnL.StringFixed(2))
	fmt.Fprintf(tw, "Fills\t%d\n", r.Fills)
	fmt.Fprintf(tw, "Pending orders\t%d\n", r.PendingOrders)
	if m := r.Metrics; m != nil {
		fmt.Fprintf(tw, "Total return\t%s%%\n", m.TotalReturn.Shift(2).StringFixed(2))
		fmt.Fprintf(tw, "Sharpe ratio\t%s\n", m.SharpeRatio.StringFixed(2))
		fmt.Fprintf(tw, "Max drawdown\t%s%%\n", m.MaxDrawdown.Shift(2).StringFixed(2))
		fmt.Fprintf(tw, "Round trips\t%d (win rate %s%%)\n", m.TotalTrades, m.WinRate.Shift(2).StringFixed(1))
		fmt.Fprintf(tw, "Commission\t%s\n", m.TotalCommission.StringFixed(2))
	}
	for _, p := range r.Positions {
		fmt.Fprintf(tw, "Position %s\t%s %d @ %s\n", p.Symbol, p.Side, p.Quantity, p.AvgPrice.StringFixed(4))
	}
	if mc := r.MonteCarlo; mc != nil {
		fmt.Fprintf(tw, "Monte Carlo paths\t%d over %d periods\n", mc.NumSimulations, mc.Periods)
		fmt.Fprintf(tw, "  final value p5/p50/p95\t%.2f / %.2f / %.2f\n",
			mc.FinalEquity.Percentiles["p5"], mc.FinalEquity.Median, mc.FinalEquity.Percentiles["p95"])
		fmt.Fprintf(tw, "  max drawdown p95\t%.2f%%\n", mc.MaxDrawdown.Percentiles["p95"]*100)
		fmt.Fprintf(tw, "  probability of loss\t%.1f%%\n", mc.ProbabilityOfLoss*100)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(r.EventLog) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, strings.Join(r.EventLog, "\n"))
	}
	return nil
}

func writeStrategies(w io.Writer, infos []strategy.StrategyInfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\n", info.Type, info.Description)
		for _, p := range info.Parameters {
			fmt.Fprintf(tw, "  %s\t%s (%s, default %v)\n", p.Name, p.Description, p.Type, p.Default)
		}
	}
	return tw.Flush()
}
