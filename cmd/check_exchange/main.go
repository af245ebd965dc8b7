package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vitos/grid_trade_bot/internal/config"
	"github.com/vitos/grid_trade_bot/internal/infrastructure/exchange"
)

// check_exchange probes the configured Bybit account: instrument rules,
// one top-of-book quote and, with credentials, open orders and positions.
func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the yaml config")
	symbol := flag.String("symbol", "", "symbol to probe, overrides the config")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath, "")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *symbol != "" {
		cfg.Grid.Symbol = *symbol
	}

	fmt.Printf("Testing Bybit Interaction...\n")
	fmt.Printf("Endpoint: %s\n", cfg.Exchange.RESTEndpoint)

	adapter := exchange.NewBybitAdapter(cfg.Exchange.APIKey, cfg.Exchange.APISecret,
		cfg.Exchange.RESTEndpoint, cfg.Exchange.WSEndpoint, cfg.Exchange.PrivateWSEndpoint, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 2. Check Public Endpoints (Instrument, Price)
	c, err := adapter.GetInstrumentConstraints(ctx, cfg.Grid.Symbol)
	if err != nil {
		fmt.Printf("❌ Failed to get instrument: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Instrument %s: tick=%s (precision %d), qty step=%s (precision %d), min qty=%s, min notional=%s\n",
		c.Symbol, c.TickSize, c.PricePrecision, c.QtyStep, c.SizePrecision, c.MinBaseAmount, c.MinNotional)

	quoteCtx, stopQuote := context.WithTimeout(ctx, 10*time.Second)
	var bid, ask decimal.Decimal
	_ = adapter.SubscribePrice(quoteCtx, cfg.Grid.Symbol, func(b, a decimal.Decimal) {
		bid, ask = b, a
		stopQuote()
	})
	stopQuote()
	if bid.IsZero() {
		fmt.Printf("❌ No quote received for %s\n", cfg.Grid.Symbol)
	} else {
		fmt.Printf("✅ Best bid/ask (%s): %s / %s\n", cfg.Grid.Symbol, bid, ask)
	}

	if cfg.Exchange.APIKey == "" {
		fmt.Printf("No API key configured, skipping private endpoints\n")
		return
	}
	fmt.Printf("API Key: %s...\n", cfg.Exchange.APIKey[:min(4, len(cfg.Exchange.APIKey))])

	// 3. Check Private Endpoints (Orders, Position, Equity)
	orders, err := adapter.FetchActiveOrders(ctx, cfg.Grid.Symbol)
	if err != nil {
		fmt.Printf("❌ Failed to fetch open orders: %v\n", err)
	} else {
		fmt.Printf("✅ Open orders (%s): %d\n", cfg.Grid.Symbol, len(orders))
		for _, o := range orders {
			fmt.Printf("   %s %s %s @ %s [%s]\n", o.OrderID, o.Side, o.RemainingAmount, o.Price, o.Status)
		}
	}

	pos, err := adapter.GetPosition(ctx, cfg.Grid.Symbol)
	if err != nil {
		fmt.Printf("❌ Failed to get position: %v\n", err)
	} else {
		fmt.Printf("✅ Position (%s): long=%s short=%s\n", cfg.Grid.Symbol, pos.LongSize, pos.ShortSize)
	}

	equity, err := adapter.GetAccountEquity(ctx)
	if err != nil {
		fmt.Printf("❌ Failed to get equity: %v\n", err)
	} else {
		fmt.Printf("✅ Account equity: %s USDT\n", equity)
	}
}
