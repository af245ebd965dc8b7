package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vitos/grid_trade_bot/internal/domain"
)

var (
	ErrNoPrice         = errors.New("no price received")
	ErrNotBootstrapped = errors.New("bot not bootstrapped")
)

type BotConfig struct {
	Symbol                  string
	OrderNotionalUSD        decimal.Decimal
	PositionThreshold       decimal.Decimal
	PositionThresholdPct    decimal.Decimal // percent of account equity, overrides PositionThreshold when set
	PriceUpdateThreshold    decimal.Decimal
	InventoryReductionRatio decimal.Decimal
	ReductionQuantity       decimal.Decimal // zero means the base quantity

	UpdateInterval    time.Duration
	SyncInterval      time.Duration
	OrphanAge         time.Duration
	FirstPriceTimeout time.Duration
	ShutdownTimeout   time.Duration

	Engine     EngineConfig
	Reconciler ReconcilerConfig
}

// BotStatus is the published view of the bot, safe to read from any goroutine.
type BotStatus struct {
	Symbol            string          `json:"symbol"`
	Running           bool            `json:"running"`
	MidPrice          decimal.Decimal `json:"mid_price"`
	LastEvaluated     decimal.Decimal `json:"last_evaluated_price"`
	BestBid           decimal.Decimal `json:"best_bid"`
	BestAsk           decimal.Decimal `json:"best_ask"`
	Position          domain.Position `json:"position"`
	PositionThreshold decimal.Decimal `json:"position_threshold"`
	LongState         GridState       `json:"long_state"`
	ShortState        GridState       `json:"short_state"`
	Counts            OrderCounts     `json:"counts"`
	Orders            []domain.Order  `json:"orders"`
	ZeroReadings      int             `json:"zero_readings"`
	LastSync          time.Time       `json:"last_sync"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type quote struct {
	bid, ask decimal.Decimal
}

// GridBot runs the control loop. The loop goroutine owns the tracker, the
// position, the snapshot and the components built on them; feed goroutines
// only hand immutable messages over through the inbox channels.
type GridBot struct {
	cfg      BotConfig
	exchange domain.Exchange
	recorder domain.FillRecorder
	logger   *zap.Logger
	now      func() time.Time

	tracker     *OrderTracker
	position    *domain.Position
	snapshot    *MarketSnapshot
	constraints domain.InstrumentConstraints
	reconciler  *Reconciler
	engine      *GridEngine
	risk        *RiskController

	prices   chan quote
	accounts chan domain.AccountOrdersUpdate
	feeds    sync.WaitGroup

	equity       decimal.Decimal
	lastSync     time.Time
	lastVersion  uint64
	lastPosition domain.Position
	longState    GridState
	shortState   GridState
	bootstrapped bool

	mu     sync.RWMutex
	status BotStatus
}

func NewGridBot(cfg BotConfig, exchange domain.Exchange, recorder domain.FillRecorder, logger *zap.Logger) *GridBot {
	return &GridBot{
		cfg:      cfg,
		exchange: exchange,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
		tracker:  NewOrderTracker(),
		position: &domain.Position{Symbol: cfg.Symbol},
		snapshot: &MarketSnapshot{},
		prices:   make(chan quote, 1),
		accounts: make(chan domain.AccountOrdersUpdate, 256),
		status:   BotStatus{Symbol: cfg.Symbol},
	}
}

// Bootstrap resolves the instrument, seeds the position, rebuilds the tracker
// from the exchange and starts both feeds. Feeds stop when ctx is cancelled.
func (b *GridBot) Bootstrap(ctx context.Context) error {
	c, err := b.exchange.GetInstrumentConstraints(ctx, b.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("failed to resolve instrument %s: %w", b.cfg.Symbol, err)
	}
	b.constraints = *c

	if pos, err := b.exchange.GetPosition(ctx, b.cfg.Symbol); err != nil {
		b.logger.Warn("Failed to seed position, starting flat", zap.Error(err))
	} else if pos != nil {
		b.position.LongSize = pos.LongSize
		b.position.ShortSize = pos.ShortSize
	}

	if b.cfg.PositionThresholdPct.IsPositive() {
		equity, err := b.exchange.GetAccountEquity(ctx)
		if err != nil {
			b.logger.Warn("Failed to fetch account equity, using absolute threshold", zap.Error(err))
		} else {
			b.equity = equity
		}
	}

	b.tracker.now = b.now
	b.reconciler = NewReconciler(b.cfg.Symbol, b.tracker, b.position, b.cfg.Reconciler, b.recorder, b.logger)
	b.reconciler.now = b.now
	engineCfg := b.cfg.Engine
	engineCfg.Symbol = b.cfg.Symbol
	engineCfg.PositionThreshold = b.cfg.PositionThreshold
	b.engine = NewGridEngine(engineCfg, b.constraints, b.exchange, b.tracker, b.logger)
	b.engine.now = b.now
	b.risk = NewRiskController(b.cfg.Symbol, b.exchange, b.position, b.cfg.PositionThreshold, b.cfg.InventoryReductionRatio, b.recorder, b.logger)
	b.risk.now = b.now

	if orders, err := b.exchange.FetchActiveOrders(ctx, b.cfg.Symbol); err != nil {
		b.logger.Warn("Initial order sync failed", zap.Error(err))
	} else {
		b.reconciler.Adopt(orders)
		b.lastSync = b.now()
	}

	b.logger.Info("Bot bootstrapped",
		zap.String("symbol", b.cfg.Symbol),
		zap.Int32("price_precision", b.constraints.PricePrecision),
		zap.Int32("size_precision", b.constraints.SizePrecision),
		zap.Stringer("long", b.position.LongSize),
		zap.Stringer("short", b.position.ShortSize),
		zap.Int("adopted_orders", b.tracker.Len()))

	b.startFeeds(ctx)
	b.bootstrapped = true
	b.publish(true)
	return nil
}

func (b *GridBot) startFeeds(ctx context.Context) {
	b.feeds.Add(2)
	go func() {
		defer b.feeds.Done()
		err := b.exchange.SubscribePrice(ctx, b.cfg.Symbol, func(bid, ask decimal.Decimal) {
			q := quote{bid: bid, ask: ask}
			// only the latest quote matters
			select {
			case <-b.prices:
			default:
			}
			select {
			case b.prices <- q:
			default:
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error("Price feed stopped", zap.Error(err))
		}
	}()
	go func() {
		defer b.feeds.Done()
		err := b.exchange.SubscribeAccountOrders(ctx, b.cfg.Symbol, func(u domain.AccountOrdersUpdate) {
			select {
			case b.accounts <- u:
			case <-ctx.Done():
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error("Account order feed stopped", zap.Error(err))
		}
	}()
}

// Run drives the control loop until ctx is cancelled, then cancels every
// open order within the shutdown timeout.
func (b *GridBot) Run(ctx context.Context) error {
	if !b.bootstrapped {
		return ErrNotBootstrapped
	}

	if err := b.waitFirstPrice(ctx); err != nil {
		b.shutdown()
		return err
	}
	b.resolveThreshold()

	ticker := time.NewTicker(b.cfg.UpdateInterval)
	defer ticker.Stop()

	b.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			b.feeds.Wait()
			return nil
		case q := <-b.prices:
			b.snapshot.Update(q.bid, q.ask)
		case u := <-b.accounts:
			b.handleAccountUpdate(ctx, u)
		case <-ticker.C:
			b.cycle(ctx)
		}
	}
}

func (b *GridBot) waitFirstPrice(ctx context.Context) error {
	timer := time.NewTimer(b.cfg.FirstPriceTimeout)
	defer timer.Stop()

	for !b.snapshot.HasPrice() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("%w for %s within %s", ErrNoPrice, b.cfg.Symbol, b.cfg.FirstPriceTimeout)
		case q := <-b.prices:
			b.snapshot.Update(q.bid, q.ask)
		case u := <-b.accounts:
			b.handleAccountUpdate(ctx, u)
		}
	}
	b.logger.Info("First price received", zap.Stringer("mid", b.snapshot.MidPrice))
	return nil
}

// resolveThreshold turns a percentage of equity into a size at the current price.
func (b *GridBot) resolveThreshold() {
	if !b.cfg.PositionThresholdPct.IsPositive() || !b.equity.IsPositive() {
		return
	}
	notional := b.equity.Mul(b.cfg.PositionThresholdPct).Div(decimal.NewFromInt(100))
	threshold := b.constraints.FloorQuantity(notional.Div(b.snapshot.MidPrice))
	b.cfg.PositionThreshold = threshold
	b.engine.cfg.PositionThreshold = threshold
	b.risk.SetThreshold(threshold)
	b.logger.Info("Position threshold resolved from equity",
		zap.Stringer("equity", b.equity),
		zap.Stringer("pct", b.cfg.PositionThresholdPct),
		zap.Stringer("threshold", threshold))
}

func (b *GridBot) handleAccountUpdate(ctx context.Context, u domain.AccountOrdersUpdate) {
	at := u.At
	if at.IsZero() {
		at = b.now()
	}
	b.reconciler.NotePush(at)
	if len(u.Events) > 0 {
		b.reconciler.ApplyEvents(ctx, u.Events)
	}
	if u.HasSnapshot {
		b.reconciler.ReconcileAsOf(ctx, u.Snapshot, SourcePush, u.At)
	}
}

// cycle runs one control-loop iteration: reconciliation and safety nets first,
// then the gated grid decisions.
func (b *GridBot) cycle(ctx context.Context) {
	now := b.now()
	if b.reconciler.VerificationRequested() || now.Sub(b.lastSync) >= b.cfg.SyncInterval {
		b.syncOrders(ctx)
	}

	if b.cfg.OrphanAge > 0 {
		if orphans := b.tracker.CleanupStale(b.cfg.OrphanAge); len(orphans) > 0 {
			b.logger.Info("Dropping orphaned orders", zap.Int("count", len(orphans)))
			b.cancelDropped(ctx, orphans)
		}
	}
	b.cancelDropped(ctx, b.reconciler.EnforceCeiling())
	b.cancelDropped(ctx, b.reconciler.CheckHealth(now))

	if b.shouldEvaluate() {
		b.evaluate(ctx)
	}
	b.publish(true)
}

func (b *GridBot) shouldEvaluate() bool {
	if !b.snapshot.HasPrice() {
		return false
	}
	return b.snapshot.MovedSinceEvaluation(b.cfg.PriceUpdateThreshold) ||
		b.tracker.Version() != b.lastVersion ||
		!b.position.Equal(b.lastPosition)
}

func (b *GridBot) evaluate(ctx context.Context) {
	price := b.snapshot.MidPrice
	baseQty, err := BaseQuantity(b.cfg.OrderNotionalUSD, price, b.constraints)
	if err != nil {
		b.logger.Warn("Cannot size orders", zap.Stringer("price", price), zap.Error(err))
		return
	}

	reduceQty := b.cfg.ReductionQuantity
	if !reduceQty.IsPositive() {
		reduceQty = baseQty
	}
	b.risk.Check(ctx, reduceQty)

	long, _ := b.engine.Evaluate(ctx, domain.PositionLong, price, *b.position, baseQty)
	short, _ := b.engine.Evaluate(ctx, domain.PositionShort, price, *b.position, baseQty)
	b.longState, b.shortState = long.State, short.State

	b.snapshot.MarkEvaluated()
	b.lastVersion = b.tracker.Version()
	b.lastPosition = *b.position
}

func (b *GridBot) syncOrders(ctx context.Context) {
	b.lastSync = b.now()
	orders, err := b.exchange.FetchActiveOrders(ctx, b.cfg.Symbol)
	if err != nil {
		b.logger.Warn("Order sync failed, keeping tracked orders", zap.Error(err))
		return
	}
	b.reconciler.Reconcile(ctx, orders, SourceREST)
	b.reconciler.ClearVerification()
}

// cancelDropped makes a best-effort attempt to cancel orders the tracker gave up on.
func (b *GridBot) cancelDropped(ctx context.Context, orders []domain.Order) {
	for _, o := range orders {
		if err := b.exchange.CancelOrder(ctx, b.cfg.Symbol, o.ID); err != nil {
			b.logger.Debug("Cancel of dropped order failed", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
}

func (b *GridBot) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ShutdownTimeout)
	defer cancel()

	n, err := b.exchange.CancelAllOrders(ctx, b.cfg.Symbol)
	if err != nil {
		b.logger.Error("Failed to cancel orders on shutdown", zap.Int("tracked", b.tracker.Len()), zap.Error(err))
	} else {
		b.logger.Info("Cancelled orders on shutdown", zap.Int("count", n))
	}
	b.tracker.Clear()
	b.publish(false)
}

func (b *GridBot) publish(running bool) {
	st := BotStatus{
		Symbol:            b.cfg.Symbol,
		Running:           running,
		MidPrice:          b.snapshot.MidPrice,
		LastEvaluated:     b.snapshot.LastEvaluated(),
		BestBid:           b.snapshot.BestBid,
		BestAsk:           b.snapshot.BestAsk,
		Position:          *b.position,
		PositionThreshold: b.cfg.PositionThreshold,
		LongState:         b.longState,
		ShortState:        b.shortState,
		Counts:            b.tracker.Counts(),
		Orders:            b.tracker.Snapshot(),
		LastSync:          b.lastSync,
		UpdatedAt:         b.now(),
	}
	if b.reconciler != nil {
		st.ZeroReadings = b.reconciler.ZeroReadings()
	}

	b.mu.Lock()
	b.status = st
	b.mu.Unlock()
}

// Status returns a copy of the last published state.
func (b *GridBot) Status() BotStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := b.status
	st.Orders = append([]domain.Order(nil), b.status.Orders...)
	return st
}
