package usecase

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/vitos/grid_trade_bot/internal/domain"
)

// MockExchange keeps placed limit orders open until the test fills or
// cancels them.
type MockExchange struct {
	mu sync.Mutex

	Constraints domain.InstrumentConstraints
	Position    *domain.Position
	Equity      decimal.Decimal
	InitialBid  decimal.Decimal
	InitialAsk  decimal.Decimal

	FetchErr  error
	PlaceErr  error
	CancelErr error
	MarketErr map[domain.PositionType]error

	Placed         []domain.LimitOrderRequest
	PlacedIDs      []string
	Market         []domain.MarketOrderRequest
	Cancelled      []string
	CancelAllCalls int

	open   map[string]domain.ExchangeOrder
	order  []string
	nextID int
}

func NewMockExchange() *MockExchange {
	return &MockExchange{
		Constraints: domain.InstrumentConstraints{
			Symbol:         "BTCUSDT",
			MinNotional:    decimal.NewFromInt(5),
			MinBaseAmount:  decimal.RequireFromString("0.001"),
			PricePrecision: 2,
			SizePrecision:  3,
		},
		open: make(map[string]domain.ExchangeOrder),
	}
}

func (m *MockExchange) FetchActiveOrders(ctx context.Context, symbol string) ([]domain.ExchangeOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FetchErr != nil {
		return nil, m.FetchErr
	}
	var out []domain.ExchangeOrder
	for _, id := range m.order {
		if eo, ok := m.open[id]; ok {
			out = append(out, eo)
		}
	}
	return out, nil
}

func (m *MockExchange) PlaceLimitOrder(ctx context.Context, req domain.LimitOrderRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PlaceErr != nil {
		return "", m.PlaceErr
	}
	m.nextID++
	id := fmt.Sprintf("ord-%d", m.nextID)
	m.Placed = append(m.Placed, req)
	m.PlacedIDs = append(m.PlacedIDs, id)
	m.open[id] = domain.ExchangeOrder{OrderID: id, Side: req.Side, Price: req.Price, RemainingAmount: req.Quantity, Status: "open"}
	m.order = append(m.order, id)
	return id, nil
}

func (m *MockExchange) PlaceMarketOrder(ctx context.Context, req domain.MarketOrderRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.MarketErr[req.PositionType]; err != nil {
		return "", err
	}
	m.nextID++
	m.Market = append(m.Market, req)
	return fmt.Sprintf("mkt-%d", m.nextID), nil
}

func (m *MockExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CancelErr != nil {
		return m.CancelErr
	}
	m.Cancelled = append(m.Cancelled, orderID)
	delete(m.open, orderID)
	return nil
}

func (m *MockExchange) CancelAllOrders(ctx context.Context, symbol string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelAllCalls++
	n := len(m.open)
	m.open = make(map[string]domain.ExchangeOrder)
	return n, nil
}

func (m *MockExchange) GetInstrumentConstraints(ctx context.Context, symbol string) (*domain.InstrumentConstraints, error) {
	c := m.Constraints
	c.Symbol = symbol
	return &c, nil
}

func (m *MockExchange) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	if m.Position == nil {
		return &domain.Position{Symbol: symbol}, nil
	}
	p := *m.Position
	return &p, nil
}

func (m *MockExchange) GetAccountEquity(ctx context.Context) (decimal.Decimal, error) {
	return m.Equity, nil
}

func (m *MockExchange) SubscribePrice(ctx context.Context, symbol string, callback func(bid, ask decimal.Decimal)) error {
	if m.InitialBid.IsPositive() {
		callback(m.InitialBid, m.InitialAsk)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (m *MockExchange) SubscribeAccountOrders(ctx context.Context, symbol string, callback func(domain.AccountOrdersUpdate)) error {
	<-ctx.Done()
	return ctx.Err()
}

// Fill removes an order from the exchange's active list as if it executed.
func (m *MockExchange) Fill(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.open, id)
}

func (m *MockExchange) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

func (m *MockExchange) PlacedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Placed)
}

type recordedFills struct {
	fills []*domain.Fill
}

func (r *recordedFills) SaveFill(ctx context.Context, f *domain.Fill) error {
	r.fills = append(r.fills, f)
	return nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}
