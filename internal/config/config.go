package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vitos/grid_trade_bot/internal/domain"
	"github.com/vitos/grid_trade_bot/internal/infrastructure/exchange"
	"github.com/vitos/grid_trade_bot/internal/usecase"
)

// Config is the yaml file layout. Durations use Go syntax ("10s", "2m").
type Config struct {
	Exchange struct {
		APIKey            string `yaml:"api_key"`
		APISecret         string `yaml:"api_secret"`
		RESTEndpoint      string `yaml:"rest_endpoint"`
		WSEndpoint        string `yaml:"ws_endpoint"`
		PrivateWSEndpoint string `yaml:"private_ws_endpoint"`
	} `yaml:"exchange"`

	Grid struct {
		Symbol                  string          `yaml:"symbol"`
		GridSpacing             decimal.Decimal `yaml:"grid_spacing"`
		OrderNotionalUSD        decimal.Decimal `yaml:"order_notional_usd"`
		PositionThreshold       decimal.Decimal `yaml:"position_threshold"`
		PositionThresholdPct    decimal.Decimal `yaml:"position_threshold_pct"`
		PriceUpdateThreshold    decimal.Decimal `yaml:"price_update_threshold"`
		MaxOrdersPerSide        int             `yaml:"max_orders_per_side"`
		MinTakeProfit           decimal.Decimal `yaml:"min_take_profit"`
		MaxTakeProfit           decimal.Decimal `yaml:"max_take_profit"`
		NoHedgeTakeProfit       decimal.Decimal `yaml:"no_hedge_take_profit"`
		InventoryReductionRatio decimal.Decimal `yaml:"inventory_reduction_ratio"`
		ReductionQuantity       decimal.Decimal `yaml:"reduction_quantity"`
		EntryCooldown           time.Duration   `yaml:"entry_cooldown"`
		TimeInForce             string          `yaml:"time_in_force"`
	} `yaml:"grid"`

	Timing struct {
		UpdateInterval    time.Duration `yaml:"update_interval"`
		SyncInterval      time.Duration `yaml:"sync_interval"`
		OrphanAge         time.Duration `yaml:"orphan_age"`
		FirstPriceTimeout time.Duration `yaml:"first_price_timeout"`
		ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"timing"`

	DryRun bool `yaml:"dry_run"`
	Paper  struct {
		Equity           decimal.Decimal `yaml:"equity"`
		MinFillAge       time.Duration   `yaml:"min_fill_age"`
		FillProbability  float64         `yaml:"fill_probability"`
		SnapshotInterval time.Duration   `yaml:"snapshot_interval"`
	} `yaml:"paper"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`
	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
}

// Default returns a configuration that runs as is against BTCUSDT.
func Default() *Config {
	cfg := &Config{}
	cfg.Exchange.RESTEndpoint = exchange.BybitBaseURL
	cfg.Exchange.WSEndpoint = exchange.BybitWSURL
	cfg.Exchange.PrivateWSEndpoint = exchange.BybitPrivateWSURL

	cfg.Grid.Symbol = "BTCUSDT"
	cfg.Grid.GridSpacing = decimal.RequireFromString("0.0003")
	cfg.Grid.OrderNotionalUSD = decimal.NewFromInt(10)
	cfg.Grid.PositionThreshold = decimal.RequireFromString("0.01")
	cfg.Grid.PriceUpdateThreshold = decimal.RequireFromString("0.0001")
	cfg.Grid.MaxOrdersPerSide = 4
	cfg.Grid.MinTakeProfit = decimal.RequireFromString("0.001")
	cfg.Grid.MaxTakeProfit = decimal.RequireFromString("0.02")
	cfg.Grid.NoHedgeTakeProfit = decimal.RequireFromString("0.02")
	cfg.Grid.InventoryReductionRatio = decimal.RequireFromString("0.8")
	cfg.Grid.EntryCooldown = 10 * time.Second
	cfg.Grid.TimeInForce = string(domain.TimeInForceGTC)

	cfg.Timing.UpdateInterval = 5 * time.Second
	cfg.Timing.SyncInterval = 10 * time.Second
	cfg.Timing.OrphanAge = 30 * time.Minute
	cfg.Timing.FirstPriceTimeout = 10 * time.Second
	cfg.Timing.ShutdownTimeout = 10 * time.Second

	paper := exchange.DefaultPaperConfig()
	cfg.Paper.Equity = paper.Equity
	cfg.Paper.MinFillAge = paper.MinFillAge
	cfg.Paper.FillProbability = paper.FillProbability
	cfg.Paper.SnapshotInterval = paper.SnapshotInterval

	cfg.Storage.Path = "grid_bot.db"
	cfg.Logging.Level = "info"
	cfg.Server.Port = 8080
	return cfg
}

// Load reads the optional .env file, the yaml file at path (skipped when
// empty) and the credential environment overrides, in that order of
// increasing priority. The result is not validated; flags may still change it.
func Load(path, envPath string) (*Config, error) {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envPath, err)
		}
	} else {
		_ = godotenv.Load()
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	overrideWithEnv(cfg)
	return cfg, nil
}

func overrideWithEnv(cfg *Config) {
	if key := os.Getenv("BYBIT_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("BYBIT_API_SECRET"); secret != "" {
		cfg.Exchange.APISecret = secret
	}
}

func (c *Config) Validate() error {
	g := c.Grid
	if strings.TrimSpace(g.Symbol) == "" {
		return errors.New("symbol is required")
	}
	if !g.GridSpacing.IsPositive() || g.GridSpacing.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("grid_spacing must be in (0, 1), got %s", g.GridSpacing)
	}
	if !g.OrderNotionalUSD.IsPositive() {
		return fmt.Errorf("order_notional_usd must be positive, got %s", g.OrderNotionalUSD)
	}
	if !g.PositionThreshold.IsPositive() && !g.PositionThresholdPct.IsPositive() {
		return errors.New("position_threshold or position_threshold_pct must be positive")
	}
	if g.PositionThresholdPct.IsNegative() || g.PositionThresholdPct.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("position_threshold_pct must be within [0, 100], got %s", g.PositionThresholdPct)
	}
	if g.PriceUpdateThreshold.IsNegative() {
		return fmt.Errorf("price_update_threshold must not be negative, got %s", g.PriceUpdateThreshold)
	}
	if g.MaxOrdersPerSide < 1 {
		return fmt.Errorf("max_orders_per_side must be at least 1, got %d", g.MaxOrdersPerSide)
	}
	if g.MinTakeProfit.IsNegative() || g.MaxTakeProfit.LessThan(g.MinTakeProfit) {
		return fmt.Errorf("take-profit bounds invalid: min=%s max=%s", g.MinTakeProfit, g.MaxTakeProfit)
	}
	if g.NoHedgeTakeProfit.IsNegative() {
		return fmt.Errorf("no_hedge_take_profit must not be negative, got %s", g.NoHedgeTakeProfit)
	}
	if !g.InventoryReductionRatio.IsPositive() || g.InventoryReductionRatio.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("inventory_reduction_ratio must be in (0, 1], got %s", g.InventoryReductionRatio)
	}
	if g.ReductionQuantity.IsNegative() {
		return fmt.Errorf("reduction_quantity must not be negative, got %s", g.ReductionQuantity)
	}
	switch domain.TimeInForce(g.TimeInForce) {
	case domain.TimeInForceGTC, domain.TimeInForceIOC, domain.TimeInForcePostOnly:
	default:
		return fmt.Errorf("unknown time_in_force %q", g.TimeInForce)
	}

	t := c.Timing
	if t.UpdateInterval <= 0 || t.SyncInterval <= 0 {
		return errors.New("update_interval and sync_interval must be positive")
	}
	if t.FirstPriceTimeout <= 0 || t.ShutdownTimeout <= 0 {
		return errors.New("first_price_timeout and shutdown_timeout must be positive")
	}

	if c.DryRun && (c.Paper.FillProbability < 0 || c.Paper.FillProbability > 1) {
		return fmt.Errorf("paper.fill_probability must be within [0, 1], got %v", c.Paper.FillProbability)
	}
	if !c.DryRun && (c.Exchange.APIKey == "" || c.Exchange.APISecret == "") {
		return domain.ErrMissingCredentials
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	return nil
}

func (c *Config) ToBotConfig() usecase.BotConfig {
	g := c.Grid
	return usecase.BotConfig{
		Symbol:                  g.Symbol,
		OrderNotionalUSD:        g.OrderNotionalUSD,
		PositionThreshold:       g.PositionThreshold,
		PositionThresholdPct:    g.PositionThresholdPct,
		PriceUpdateThreshold:    g.PriceUpdateThreshold,
		InventoryReductionRatio: g.InventoryReductionRatio,
		ReductionQuantity:       g.ReductionQuantity,
		UpdateInterval:          c.Timing.UpdateInterval,
		SyncInterval:            c.Timing.SyncInterval,
		OrphanAge:               c.Timing.OrphanAge,
		FirstPriceTimeout:       c.Timing.FirstPriceTimeout,
		ShutdownTimeout:         c.Timing.ShutdownTimeout,
		Engine: usecase.EngineConfig{
			Symbol:            g.Symbol,
			GridSpacing:       g.GridSpacing,
			PositionThreshold: g.PositionThreshold,
			MaxOrdersPerSide:  g.MaxOrdersPerSide,
			MinTakeProfit:     g.MinTakeProfit,
			MaxTakeProfit:     g.MaxTakeProfit,
			NoHedgeTakeProfit: g.NoHedgeTakeProfit,
			EntryCooldown:     g.EntryCooldown,
			TimeInForce:       domain.TimeInForce(g.TimeInForce),
		},
		Reconciler: usecase.DefaultReconcilerConfig(g.MaxOrdersPerSide),
	}
}

func (c *Config) ToPaperConfig() exchange.PaperConfig {
	return exchange.PaperConfig{
		Equity:           c.Paper.Equity,
		MinFillAge:       c.Paper.MinFillAge,
		FillProbability:  c.Paper.FillProbability,
		SnapshotInterval: c.Paper.SnapshotInterval,
	}
}
