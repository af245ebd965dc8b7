package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"github.com/vitos/grid_trade_bot/internal/domain"
	"github.com/vitos/grid_trade_bot/internal/infrastructure/storage"
)

// debug_db prints the newest fills of the journal and the net position
// change they add up to per side.
func main() {
	dbPath := flag.String("db", "grid_bot.db", "path to the fill journal")
	symbol := flag.String("symbol", "", "only this symbol (default all)")
	limit := flag.Int("limit", 50, "number of fills to show")
	flag.Parse()

	store, err := storage.NewSQLiteStore(*dbPath)
	if err != nil {
		fmt.Printf("Failed to init sqlite: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	fills, err := store.ListFills(context.Background(), *symbol, *limit)
	if err != nil {
		fmt.Printf("Failed to list fills: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Found %d fills:\n", len(fills))
	var pos domain.Position
	// oldest first so the running position reads naturally
	for i := len(fills) - 1; i >= 0; i-- {
		f := fills[i]
		pos.ApplyFill(f.Side, f.PositionType, f.Quantity)
		fmt.Printf("- %s %s %-4s %-5s qty=%s price=%s source=%s order=%s\n",
			f.CreatedAt.Format("2006-01-02 15:04:05"), f.Symbol, f.Side, f.PositionType,
			f.Quantity, f.Price, f.Source, f.OrderID)
	}

	if len(fills) > 0 {
		fmt.Printf("Net from shown fills: long=%s short=%s (total %s)\n",
			pos.LongSize, pos.ShortSize, decimal.Sum(pos.LongSize, pos.ShortSize))
	}
}
