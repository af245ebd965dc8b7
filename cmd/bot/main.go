package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vitos/grid_trade_bot/internal/config"
	"github.com/vitos/grid_trade_bot/internal/domain"
	"github.com/vitos/grid_trade_bot/internal/infrastructure/exchange"
	"github.com/vitos/grid_trade_bot/internal/infrastructure/logger"
	"github.com/vitos/grid_trade_bot/internal/infrastructure/storage"
	"github.com/vitos/grid_trade_bot/internal/usecase"
	"github.com/vitos/grid_trade_bot/internal/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "grid bot: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config/config.yaml", "path to the yaml config")
	envPath := flag.String("env", "", "path to a .env file (default ./.env if present)")
	symbol := flag.String("symbol", "", "trading symbol, overrides the config")
	gridSpacing := flag.String("grid-spacing", "", "fractional grid spacing, e.g. 0.0003")
	orderAmount := flag.String("order-amount", "", "order notional in USD")
	dryRun := flag.Bool("dry-run", false, "simulate fills instead of trading")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath, *envPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := applyFlags(cfg, *symbol, *gridSpacing, *orderAmount, *dryRun); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// 2. Init Logger
	log, err := logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer log.Sync()

	// 3. Init Storage
	var recorder domain.FillRecorder
	var journal domain.TradeRepository
	if cfg.Storage.Path != "" {
		store, err := storage.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("failed to init sqlite: %w", err)
		}
		defer store.Close()
		recorder, journal = store, store
	}

	// 4. Init Exchange
	bybit := exchange.NewBybitAdapter(cfg.Exchange.APIKey, cfg.Exchange.APISecret,
		cfg.Exchange.RESTEndpoint, cfg.Exchange.WSEndpoint, cfg.Exchange.PrivateWSEndpoint, log)
	var gateway domain.Exchange = bybit
	if cfg.DryRun {
		log.Info("Dry run: fills are simulated", zap.Float64("fill_probability", cfg.Paper.FillProbability))
		gateway = exchange.NewPaperExchange(bybit, cfg.ToPaperConfig(), log)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 5. Init Bot
	bot := usecase.NewGridBot(cfg.ToBotConfig(), gateway, recorder, log)
	if err := bot.Bootstrap(ctx); err != nil {
		return err
	}

	// 6. Start Web Server
	var srv *web.Server
	if cfg.Server.Port > 0 {
		srv = web.NewServer(cfg.Server.Port, bot, journal, log)
		go func() {
			if err := srv.Start(); err != nil {
				log.Error("Web server failed", zap.Error(err))
			}
		}()
	}

	log.Info("Grid bot started",
		zap.String("symbol", cfg.Grid.Symbol),
		zap.Bool("dry_run", cfg.DryRun),
		zap.Stringer("grid_spacing", cfg.Grid.GridSpacing),
		zap.Stringer("order_notional_usd", cfg.Grid.OrderNotionalUSD))

	runErr := bot.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("Web server shutdown failed", zap.Error(err))
		}
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Grid bot stopped with error", zap.Error(runErr))
		return runErr
	}
	log.Info("Grid bot stopped")
	return nil
}

func applyFlags(cfg *config.Config, symbol, gridSpacing, orderAmount string, dryRun bool) error {
	if symbol != "" {
		cfg.Grid.Symbol = symbol
	}
	if gridSpacing != "" {
		d, err := decimal.NewFromString(gridSpacing)
		if err != nil {
			return fmt.Errorf("invalid -grid-spacing %q: %w", gridSpacing, err)
		}
		cfg.Grid.GridSpacing = d
	}
	if orderAmount != "" {
		d, err := decimal.NewFromString(orderAmount)
		if err != nil {
			return fmt.Errorf("invalid -order-amount %q: %w", orderAmount, err)
		}
		cfg.Grid.OrderNotionalUSD = d
	}
	if dryRun {
		cfg.DryRun = true
	}
	return nil
}
