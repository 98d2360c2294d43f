package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlas-desktop/backtest-engine/internal/api"
	"github.com/atlas-desktop/backtest-engine/internal/data"
	"github.com/atlas-desktop/backtest-engine/internal/strategy"
	"github.com/atlas-desktop/backtest-engine/internal/workers"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve the HTTP and WebSocket API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Usage: "listen host; overrides the config"},
			&cli.IntFlag{Name: "port", Usage: "listen port; overrides the config"},
			&cli.IntFlag{Name: "workers", Usage: "concurrent backtests (default: number of CPUs)"},
		},
		Action: serve,
	}
}

func serve(c *cli.Context) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if c.IsSet("host") {
		cfg.Server.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}

	logger.Info("Starting backtest server",
		zap.String("version", version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("dataDir", cfg.Data.DataDir),
	)

	dataStore, err := data.NewStore(logger, cfg.Data.DataDir)
	if err != nil {
		return err
	}

	poolCfg := workers.DefaultPoolConfig("backtests")
	if n := c.Int("workers"); n > 0 {
		poolCfg.NumWorkers = n
	}

	registry := strategy.NewStrategyRegistry(logger)
	for _, info := range registry.List() {
		logger.Debug("Registered strategy", zap.String("type", info.Type))
	}

	server := api.NewServer(logger, &cfg.Server, api.Options{
		Registry:  registry,
		DataStore: dataStore,
		Pool:      workers.NewPool(logger, poolCfg),
		Defaults:  cfg.Engine,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Shutdown error", zap.Error(err))
		return err
	}

	logger.Info("Backtest server stopped")
	return nil
}
