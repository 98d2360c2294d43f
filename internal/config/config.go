// Package config loads server, storage and backtest settings.
//
// Values come from, in increasing priority: built-in defaults, an optional YAML file,
// an optional .env file, and BACKTEST_* environment variables. Nested keys map to
// environment names with dots replaced by underscores, so engine.initial_capital is
// read from BACKTEST_ENGINE_INITIAL_CAPITAL.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "BACKTEST"

// ErrInvalidConfig is returned when a value cannot be parsed or is out of range.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete process configuration
type Config struct {
	Server   types.ServerConfig
	Data     types.DataConfig
	LogLevel string
	Engine   *types.BacktestConfig
}

// Options selects the files Load reads. Empty fields are skipped.
type Options struct {
	File    string // YAML config file
	EnvFile string // dotenv file applied to the process environment
}

// Load builds a Config from defaults, files and the environment.
func Load(logger *zap.Logger, opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		// Existing environment variables win over the file.
		if err := godotenv.Load(opts.EnvFile); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("loading env file %s: %w", opts.EnvFile, err)
			}
			logger.Debug("Env file not found, skipping", zap.String("path", opts.EnvFile))
		} else {
			logger.Info("Loaded env file", zap.String("path", opts.EnvFile))
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.File != "" {
		v.SetConfigFile(opts.File)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", opts.File, err)
		}
		logger.Info("Loaded config file", zap.String("path", v.ConfigFileUsed()))
	}

	engine, err := engineConfig(v)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: types.ServerConfig{
			Host:           v.GetString("server.host"),
			Port:           v.GetInt("server.port"),
			WebSocketPath:  v.GetString("server.websocket_path"),
			ReadTimeout:    v.GetDuration("server.read_timeout"),
			WriteTimeout:   v.GetDuration("server.write_timeout"),
			MaxConnections: v.GetInt("server.max_connections"),
			EnableMetrics:  v.GetBool("server.enable_metrics"),
			AllowedOrigins: v.GetStringSlice("server.allowed_origins"),
			SubmitRate:     v.GetFloat64("server.submit_rate"),
			SubmitBurst:    v.GetInt("server.submit_burst"),
		},
		Data:     types.DataConfig{DataDir: v.GetString("data.dir")},
		LogLevel: v.GetString("log.level"),
		Engine:   engine,
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return nil, fmt.Errorf("%w: server.port %d", ErrInvalidConfig, cfg.Server.Port)
	}
	if cfg.Server.MaxConnections < 1 {
		return nil, fmt.Errorf("%w: server.max_connections must be positive", ErrInvalidConfig)
	}
	if cfg.Server.SubmitRate < 0 || (cfg.Server.SubmitRate > 0 && cfg.Server.SubmitBurst < 1) {
		return nil, fmt.Errorf("%w: server.submit_rate needs a non-negative rate and a positive burst", ErrInvalidConfig)
	}

	logger.Debug("Configuration loaded",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("dataDir", cfg.Data.DataDir),
		zap.String("initialCapital", engine.InitialCapital.String()),
	)
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := types.DefaultBacktestConfig()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.websocket_path", "/ws")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.max_connections", 100)
	v.SetDefault("server.enable_metrics", true)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.submit_rate", 0)
	v.SetDefault("server.submit_burst", 5)

	v.SetDefault("data.dir", "./data")
	v.SetDefault("log.level", "info")

	v.SetDefault("engine.initial_capital", def.InitialCapital.String())
	v.SetDefault("engine.max_events", 0)
	v.SetDefault("engine.slippage.model", def.Slippage.Model)
	v.SetDefault("engine.slippage.rate", def.Slippage.Rate.String())
	v.SetDefault("engine.slippage.impact_factor", def.Slippage.ImpactFactor.String())
	v.SetDefault("engine.slippage.max_rate", def.Slippage.MaxRate.String())
	v.SetDefault("engine.commission.base", def.Commission.Base.String())
	v.SetDefault("engine.commission.rate", def.Commission.Rate.String())
	v.SetDefault("engine.sizing.method", def.Sizing.Method)
	v.SetDefault("engine.sizing.quantity", def.Sizing.Quantity)
	v.SetDefault("engine.sizing.equity_fraction", "0.1")
	v.SetDefault("engine.orders.kind", string(def.Orders.Kind))
	v.SetDefault("engine.orders.limit_offset", "0")
	v.SetDefault("engine.orders.stop_offset", "0")
	v.SetDefault("engine.risk.max_position_qty", 0)
	v.SetDefault("engine.risk.max_open_positions", 0)
	v.SetDefault("engine.risk.funding", string(def.RiskLimits.Funding))
}

// engineConfig decodes the engine section. Money values are read as strings so they
// reach decimal.Decimal without a float round trip where the source allows it.
func engineConfig(v *viper.Viper) (*types.BacktestConfig, error) {
	p := decimalParser{v: v}

	cfg := &types.BacktestConfig{
		InitialCapital: p.get("engine.initial_capital"),
		MaxEvents:      v.GetUint64("engine.max_events"),
		Slippage: types.SlippageConfig{
			Model:        v.GetString("engine.slippage.model"),
			Rate:         p.get("engine.slippage.rate"),
			ImpactFactor: p.get("engine.slippage.impact_factor"),
			MaxRate:      p.get("engine.slippage.max_rate"),
		},
		Commission: types.CommissionConfig{
			Base: p.get("engine.commission.base"),
			Rate: p.get("engine.commission.rate"),
		},
		Sizing: types.SizingConfig{
			Method:         v.GetString("engine.sizing.method"),
			Quantity:       v.GetInt64("engine.sizing.quantity"),
			EquityFraction: p.get("engine.sizing.equity_fraction"),
		},
		Orders: types.OrderConfig{
			Kind:        types.OrderKind(strings.ToUpper(v.GetString("engine.orders.kind"))),
			LimitOffset: p.get("engine.orders.limit_offset"),
			StopOffset:  p.get("engine.orders.stop_offset"),
		},
		RiskLimits: types.RiskLimits{
			MaxPositionQty:   v.GetInt64("engine.risk.max_position_qty"),
			MaxOpenPositions: v.GetInt("engine.risk.max_open_positions"),
			Funding:          types.FundingPolicy(strings.ToLower(v.GetString("engine.risk.funding"))),
		},
	}
	if p.err != nil {
		return nil, p.err
	}

	if err := v.UnmarshalKey("engine.strategies", &cfg.Strategies); err != nil {
		return nil, fmt.Errorf("%w: engine.strategies: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// decimalParser keeps the first parse error so a block of fields can be read at once.
type decimalParser struct {
	v   *viper.Viper
	err error
}

func (p *decimalParser) get(key string) decimal.Decimal {
	if p.err != nil {
		return decimal.Zero
	}
	raw := strings.TrimSpace(p.v.GetString(key))
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		p.err = fmt.Errorf("%w: %s=%q is not a number", ErrInvalidConfig, key, raw)
		return decimal.Zero
	}
	return d
}
