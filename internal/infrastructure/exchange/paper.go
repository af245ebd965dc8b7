package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vitos/grid_trade_bot/internal/domain"
)

// PaperConfig tunes the fill simulation.
// SnapshotInterval paces the full active-order lists pushed to account
// subscribers; zero pushes fill events only.
type PaperConfig struct {
	Equity           decimal.Decimal
	MinFillAge       time.Duration
	FillProbability  float64
	SnapshotInterval time.Duration
}

func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		Equity:           decimal.NewFromInt(1000),
		MinFillAge:       5 * time.Second,
		FillProbability:  0.3,
		SnapshotInterval: 5 * time.Second,
	}
}

type paperOrder struct {
	domain.ExchangeOrder
	symbol       string
	positionType domain.PositionType
	quantity     decimal.Decimal
	createdAt    time.Time
}

// PaperExchange simulates order execution against live public prices.
// A resting order becomes eligible once the mid price crosses it and it is
// older than MinFillAge; eligible orders fill with FillProbability on every
// price update. Fills are pushed to account subscribers as fill events.
type PaperExchange struct {
	market domain.MarketData
	cfg    PaperConfig
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	rand     *rand.Rand
	seq      int
	orders   map[string]*paperOrder
	position domain.Position
	bid, ask decimal.Decimal
	subs     map[int]func(domain.AccountOrdersUpdate)
	subSeq   int
	symbol   string
	lastSnap time.Time
}

func NewPaperExchange(market domain.MarketData, cfg PaperConfig, logger *zap.Logger) *PaperExchange {
	return &PaperExchange{
		market: market,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
		orders: make(map[string]*paperOrder),
		subs:   make(map[int]func(domain.AccountOrdersUpdate)),
	}
}

// SetRand replaces the random source, for reproducible simulations.
func (p *PaperExchange) SetRand(r *rand.Rand) {
	p.mu.Lock()
	p.rand = r
	p.mu.Unlock()
}

func (p *PaperExchange) GetInstrumentConstraints(ctx context.Context, symbol string) (*domain.InstrumentConstraints, error) {
	return p.market.GetInstrumentConstraints(ctx, symbol)
}

func (p *PaperExchange) SubscribePrice(ctx context.Context, symbol string, callback func(bid, ask decimal.Decimal)) error {
	p.mu.Lock()
	p.symbol = symbol
	p.mu.Unlock()
	return p.market.SubscribePrice(ctx, symbol, func(bid, ask decimal.Decimal) {
		p.OnPrice(bid, ask)
		callback(bid, ask)
	})
}

// OnPrice records a quote and runs the matching pass. Fill events are pushed
// at once; the full active-order list rides along every SnapshotInterval.
func (p *PaperExchange) OnPrice(bid, ask decimal.Decimal) {
	p.mu.Lock()
	p.bid, p.ask = bid, ask
	events := p.match()
	update := domain.AccountOrdersUpdate{Events: events, At: p.now()}
	if p.cfg.SnapshotInterval > 0 && update.At.Sub(p.lastSnap) >= p.cfg.SnapshotInterval {
		update.Snapshot = p.activeOrders(p.symbol)
		update.HasSnapshot = true
		p.lastSnap = update.At
	}
	subs := p.subscribers()
	p.mu.Unlock()

	if len(events) == 0 && !update.HasSnapshot {
		return
	}
	for _, cb := range subs {
		cb(update)
	}
}

func (p *PaperExchange) match() []domain.OrderEvent {
	if !p.bid.IsPositive() || !p.ask.IsPositive() {
		return nil
	}
	mid := p.bid.Add(p.ask).Div(decimal.NewFromInt(2))
	now := p.now()

	ids := make([]string, 0, len(p.orders))
	for id := range p.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var events []domain.OrderEvent
	for _, id := range ids {
		o := p.orders[id]
		crossed := (o.Side == domain.SideBuy && mid.LessThanOrEqual(o.Price)) ||
			(o.Side == domain.SideSell && mid.GreaterThanOrEqual(o.Price))
		if !crossed || now.Sub(o.createdAt) < p.cfg.MinFillAge {
			continue
		}
		if p.rand.Float64() >= p.cfg.FillProbability {
			continue
		}

		delete(p.orders, id)
		p.position.ApplyFill(o.Side, o.positionType, o.quantity)
		events = append(events, domain.OrderEvent{
			OrderID:          id,
			Type:             domain.EventFill,
			CumulativeFilled: o.quantity,
			Price:            o.Price,
		})
		p.logger.Info("Paper order filled",
			zap.String("order_id", id),
			zap.String("side", string(o.Side)),
			zap.String("position_type", string(o.positionType)),
			zap.String("price", o.Price.String()),
			zap.String("qty", o.quantity.String()))
	}
	return events
}

func (p *PaperExchange) subscribers() []func(domain.AccountOrdersUpdate) {
	keys := make([]int, 0, len(p.subs))
	for k := range p.subs {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]func(domain.AccountOrdersUpdate), 0, len(keys))
	for _, k := range keys {
		out = append(out, p.subs[k])
	}
	return out
}

func (p *PaperExchange) SubscribeAccountOrders(ctx context.Context, symbol string, callback func(domain.AccountOrdersUpdate)) error {
	p.mu.Lock()
	p.subSeq++
	key := p.subSeq
	p.subs[key] = callback
	p.mu.Unlock()

	<-ctx.Done()

	p.mu.Lock()
	delete(p.subs, key)
	p.mu.Unlock()
	return ctx.Err()
}

func (p *PaperExchange) FetchActiveOrders(ctx context.Context, symbol string) ([]domain.ExchangeOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activeOrders(symbol), nil
}

// activeOrders lists resting orders of symbol; an empty symbol lists all.
func (p *PaperExchange) activeOrders(symbol string) []domain.ExchangeOrder {
	out := make([]domain.ExchangeOrder, 0, len(p.orders))
	for _, o := range p.orders {
		if symbol == "" || o.symbol == symbol {
			out = append(out, o.ExchangeOrder)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

func (p *PaperExchange) PlaceLimitOrder(ctx context.Context, req domain.LimitOrderRequest) (string, error) {
	if !req.Price.IsPositive() {
		return "", fmt.Errorf("%w: %s", domain.ErrInvalidPrice, req.Price)
	}
	if !req.Quantity.IsPositive() {
		return "", fmt.Errorf("%w: %s", domain.ErrInvalidQuantity, req.Quantity)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID()
	p.orders[id] = &paperOrder{
		ExchangeOrder: domain.ExchangeOrder{
			OrderID:         id,
			Side:            req.Side,
			Price:           req.Price,
			RemainingAmount: req.Quantity,
			Status:          string(domain.OrderActive),
		},
		symbol:       req.Symbol,
		positionType: req.PositionType,
		quantity:     req.Quantity,
		createdAt:    p.now(),
	}
	return id, nil
}

// PlaceMarketOrder fills immediately at the touch. No event is pushed; the
// caller applies the fill itself.
func (p *PaperExchange) PlaceMarketOrder(ctx context.Context, req domain.MarketOrderRequest) (string, error) {
	if !req.Quantity.IsPositive() {
		return "", fmt.Errorf("%w: %s", domain.ErrInvalidQuantity, req.Quantity)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.bid.IsPositive() || !p.ask.IsPositive() {
		return "", fmt.Errorf("%w: no quote for market order", domain.ErrInvalidPrice)
	}
	price := p.ask
	if req.Side == domain.SideSell {
		price = p.bid
	}
	p.position.ApplyFill(req.Side, req.PositionType, req.Quantity)

	id := p.nextID()
	p.logger.Info("Paper market order filled",
		zap.String("order_id", id),
		zap.String("side", string(req.Side)),
		zap.String("price", price.String()),
		zap.String("qty", req.Quantity.String()))
	return id, nil
}

func (p *PaperExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.orders[orderID]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
	}
	delete(p.orders, orderID)
	return nil
}

func (p *PaperExchange) CancelAllOrders(ctx context.Context, symbol string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for id, o := range p.orders {
		if o.symbol == symbol {
			delete(p.orders, id)
			n++
		}
	}
	return n, nil
}

func (p *PaperExchange) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos := p.position
	pos.Symbol = symbol
	return &pos, nil
}

func (p *PaperExchange) GetAccountEquity(ctx context.Context) (decimal.Decimal, error) {
	return p.cfg.Equity, nil
}

func (p *PaperExchange) nextID() string {
	p.seq++
	return fmt.Sprintf("paper-%d", p.seq)
}
