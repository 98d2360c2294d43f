package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/atlas-desktop/backtest-engine/internal/optimization"
	"github.com/atlas-desktop/backtest-engine/internal/strategy"
	"github.com/atlas-desktop/backtest-engine/internal/workers"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func optimizeCommand() *cli.Command {
	return &cli.Command{
		Name:  "optimize",
		Usage: "grid-search strategy parameters",
		Description: `Each --param is either name=min:max[:step] for an integer range,
name=min~max for a continuous range split into --resolution steps, or
name=v1,v2,... for a list of values.`,
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "strategy", Aliases: []string{"s"}, Value: "sma_crossover", Usage: "strategy type to tune"},
			&cli.StringSliceFlag{Name: "param", Aliases: []string{"p"}, Required: true, Usage: "parameter range, repeatable"},
			&cli.StringFlag{Name: "metric", Value: string(optimization.MetricSharpe), Usage: "total_return, sharpe, sortino, max_drawdown or final_value"},
			&cli.IntFlag{Name: "resolution", Value: 10, Usage: "steps per continuous range"},
			&cli.IntFlag{Name: "workers", Usage: "concurrent backtests (default: number of CPUs)"},
			&cli.IntFlag{Name: "top", Value: 10, Usage: "rows shown in the text report"},
			&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Value: "text", Usage: "report format: text, json or yaml"},
		}, tickSourceFlags()...),
		Action: optimize,
	}
}

func optimize(c *cli.Context) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	params, err := parseParams(c.StringSlice("param"))
	if err != nil {
		return err
	}
	engineCfg, err := applyCapital(c, cfg.Engine)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticks, err := loadRunTicks(ctx, c, logger, cfg.Data.DataDir)
	if err != nil {
		return err
	}

	poolCfg := workers.DefaultPoolConfig("optimizer")
	if n := c.Int("workers"); n > 0 {
		poolCfg.NumWorkers = n
	}
	pool := workers.NewPool(logger, poolCfg)
	pool.Start()
	defer pool.Stop()

	optCfg := optimization.DefaultOptimizerConfig(c.String("strategy"))
	optCfg.TargetMetric = optimization.Metric(c.String("metric"))
	optCfg.GridResolution = c.Int("resolution")
	optCfg.Parallelism = poolCfg.NumWorkers

	opt := optimization.NewOptimizer(logger, optCfg, strategy.NewStrategyRegistry(logger), pool)
	result, err := opt.Optimize(ctx, engineCfg, ticks, params)
	if err != nil {
		return err
	}

	logger.Info("Optimization finished",
		zap.Int("runs", result.Iterations),
		zap.Int("failed", result.Failed))

	return writeOptimization(c.App.Writer, c.String("format"), result, c.Int("top"))
}

// parseParams reads --param specs. See the optimize command description.
func parseParams(specs []string) ([]optimization.Parameter, error) {
	params := make([]optimization.Parameter, 0, len(specs))
	for _, spec := range specs {
		name, rng, ok := strings.Cut(spec, "=")
		if !ok || name == "" || rng == "" {
			return nil, fmt.Errorf("invalid --param %q: want name=range", spec)
		}

		p := optimization.Parameter{Name: name}
		switch {
		case strings.Contains(rng, "~"):
			lo, hi, _ := strings.Cut(rng, "~")
			vals, err := parseFloats(spec, lo, hi)
			if err != nil {
				return nil, err
			}
			p.Type = optimization.ParamTypeContinuous
			p.Min, p.Max = vals[0], vals[1]
		case strings.Contains(rng, ":"):
			vals, err := parseFloats(spec, strings.Split(rng, ":")...)
			if err != nil {
				return nil, err
			}
			if len(vals) > 3 {
				return nil, fmt.Errorf("invalid --param %q: want min:max[:step]", spec)
			}
			p.Type = optimization.ParamTypeInteger
			p.Min, p.Max = vals[0], vals[1]
			if len(vals) == 3 {
				p.Step = vals[2]
			}
		default:
			vals, err := parseFloats(spec, strings.Split(rng, ",")...)
			if err != nil {
				return nil, err
			}
			p.Type = optimization.ParamTypeDiscrete
			p.Discrete = vals
		}
		params = append(params, p)
	}
	return params, nil
}

func parseFloats(spec string, parts ...string) ([]float64, error) {
	out := make([]float64, len(parts))
	for i, s := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid --param %q: %w", spec, err)
		}
		out[i] = f
	}
	return out, nil
}

func writeOptimization(w io.Writer, format string, r *optimization.OptimizationResult, top int) error {
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
	case "text":
	default:
		return fmt.Errorf("unknown report format %q", format)
	}

	fmt.Fprintf(w, "%s by %s: %d runs, %d failed\n\n", r.StrategyType, r.TargetMetric, r.Iterations, r.Failed)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tPARAMS\tSCORE\tFINAL VALUE\tFILLS")
	for i, res := range r.AllResults {
		if top > 0 && i >= top {
			break
		}
		if res.Error != "" {
			fmt.Fprintf(tw, "%d\t%s\t-\t-\t%s\n", i+1, formatParams(res.Params), res.Error)
			continue
		}
		fmt.Fprintf(tw, "%d\t%s\t%.4f\t%s\t%d\n", i+1, formatParams(res.Params), res.Score, res.FinalValue.StringFixed(2), res.Fills)
	}
	return tw.Flush()
}

func formatParams(p optimization.ParamSet) string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + strconv.FormatFloat(p[k], 'f', -1, 64)
	}
	return strings.Join(parts, " ")
}
