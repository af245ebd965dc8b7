package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"

	"github.com/vitos/grid_trade_bot/internal/config"
	"github.com/vitos/grid_trade_bot/internal/domain"
	"github.com/vitos/grid_trade_bot/internal/infrastructure/exchange"
	"github.com/vitos/grid_trade_bot/internal/infrastructure/logger"
)

// watch_feed prints the live top of book and, with credentials, every order
// event of the account until interrupted.
func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the yaml config")
	symbol := flag.String("symbol", "", "symbol to watch, overrides the config")
	flag.Parse()

	cfg, err := config.Load(*configPath, "")
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *symbol != "" {
		cfg.Grid.Symbol = *symbol
	}

	log, err := logger.NewLogger("warn")
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	adapter := exchange.NewBybitAdapter(cfg.Exchange.APIKey, cfg.Exchange.APISecret,
		cfg.Exchange.RESTEndpoint, cfg.Exchange.WSEndpoint, cfg.Exchange.PrivateWSEndpoint, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Exchange.APIKey != "" {
		go func() {
			_ = adapter.SubscribeAccountOrders(ctx, cfg.Grid.Symbol, func(u domain.AccountOrdersUpdate) {
				for _, ev := range u.Events {
					fmt.Printf("%s order %s %s cum=%s price=%s\n",
						u.At.Format("15:04:05.000"), ev.OrderID, ev.Type, ev.CumulativeFilled, ev.Price)
				}
			})
		}()
	} else {
		fmt.Println("No API keys provided, watching public prices only")
	}

	fmt.Printf("Watching %s, Ctrl-C to stop\n", cfg.Grid.Symbol)
	var last decimal.Decimal
	_ = adapter.SubscribePrice(ctx, cfg.Grid.Symbol, func(bid, ask decimal.Decimal) {
		mid := bid.Add(ask).Div(decimal.NewFromInt(2))
		if mid.Equal(last) {
			return
		}
		last = mid
		fmt.Printf("bid=%s ask=%s mid=%s spread=%s\n", bid, ask, mid, ask.Sub(bid))
	})
}
