package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Exchange is the gateway the trading core needs. Implementations are chosen
// at construction time (live adapter or paper simulator).
type Exchange interface {
	FetchActiveOrders(ctx context.Context, symbol string) ([]ExchangeOrder, error)
	PlaceLimitOrder(ctx context.Context, req LimitOrderRequest) (string, error)
	PlaceMarketOrder(ctx context.Context, req MarketOrderRequest) (string, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAllOrders(ctx context.Context, symbol string) (int, error)
	GetInstrumentConstraints(ctx context.Context, symbol string) (*InstrumentConstraints, error)
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	GetAccountEquity(ctx context.Context) (decimal.Decimal, error)

	// Subscriptions block, reconnecting as needed, until ctx is cancelled.
	// Callbacks are invoked from the feed goroutine.
	SubscribePrice(ctx context.Context, symbol string, callback func(bid, ask decimal.Decimal)) error
	SubscribeAccountOrders(ctx context.Context, symbol string, callback func(AccountOrdersUpdate)) error
}

// MarketData is the public, unauthenticated part of an exchange.
type MarketData interface {
	GetInstrumentConstraints(ctx context.Context, symbol string) (*InstrumentConstraints, error)
	SubscribePrice(ctx context.Context, symbol string, callback func(bid, ask decimal.Decimal)) error
}

// FillRecorder receives every fill the bot applies to its position.
type FillRecorder interface {
	SaveFill(ctx context.Context, fill *Fill) error
}

// TradeRepository defines storage operations for the fill journal.
type TradeRepository interface {
	FillRecorder
	ListFills(ctx context.Context, symbol string, limit int) ([]*Fill, error)
}
