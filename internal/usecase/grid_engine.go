package usecase

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vitos/grid_trade_bot/internal/domain"
)

type GridState string

const (
	StateFlat      GridState = "flat"
	StateHolding   GridState = "holding"
	StateOversized GridState = "oversized"
)

type OrderIntent string

const (
	IntentEntry   OrderIntent = "entry"
	IntentReentry OrderIntent = "reentry"
	IntentExit    OrderIntent = "exit"
)

type EngineConfig struct {
	Symbol            string
	GridSpacing       decimal.Decimal
	PositionThreshold decimal.Decimal
	MaxOrdersPerSide  int
	MinTakeProfit     decimal.Decimal
	MaxTakeProfit     decimal.Decimal
	NoHedgeTakeProfit decimal.Decimal
	EntryCooldown     time.Duration
	TimeInForce       domain.TimeInForce
}

// DecisionInput is everything a per-side decision depends on.
type DecisionInput struct {
	Price        decimal.Decimal
	Position     domain.Position
	Tracked      []domain.Order // orders of the side being decided
	BaseQuantity decimal.Decimal
	Now          time.Time
	LastEntry    time.Time
}

type PlannedOrder struct {
	Side         domain.Side
	PositionType domain.PositionType
	Intent       OrderIntent
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	ReduceOnly   bool
}

type Decision struct {
	PositionType domain.PositionType
	State        GridState
	Cancel       []domain.Order
	Place        []PlannedOrder
	// Skipped explains why nothing is placed, when that is the outcome.
	Skipped string
	// Rejected holds placements abandoned because they could not be made valid.
	Rejected []error
}

type ExecutionResult struct {
	Placed    int
	Cancelled int
	Failed    int
}

// GridEngine decides and realises the orders of both grid sides.
type GridEngine struct {
	cfg         EngineConfig
	constraints domain.InstrumentConstraints
	exchange    domain.Exchange
	tracker     *OrderTracker
	logger      *zap.Logger
	now         func() time.Time

	lastEntry map[domain.PositionType]time.Time
}

func NewGridEngine(cfg EngineConfig, constraints domain.InstrumentConstraints, exchange domain.Exchange, tracker *OrderTracker, logger *zap.Logger) *GridEngine {
	if cfg.TimeInForce == "" {
		cfg.TimeInForce = domain.TimeInForceGTC
	}
	return &GridEngine{
		cfg:         cfg,
		constraints: constraints,
		exchange:    exchange,
		tracker:     tracker,
		logger:      logger,
		now:         time.Now,
		lastEntry:   make(map[domain.PositionType]time.Time),
	}
}

// State classifies one side of the position.
func (e *GridEngine) State(size decimal.Decimal) GridState {
	switch {
	case !size.IsPositive():
		return StateFlat
	case e.cfg.PositionThreshold.IsPositive() && size.GreaterThan(e.cfg.PositionThreshold):
		return StateOversized
	default:
		return StateHolding
	}
}

// HedgeMultiplier is the take-profit multiplier used while a side is oversized.
// It grows with the ratio of the side to its opposite and is clamped to
// [1+MinTakeProfit, 1+MaxTakeProfit]. With nothing on the opposite side the
// fixed NoHedgeTakeProfit applies.
func (e *GridEngine) HedgeMultiplier(size, opposite decimal.Decimal) decimal.Decimal {
	if !opposite.IsPositive() {
		return decimal.NewFromInt(1).Add(e.cfg.NoHedgeTakeProfit)
	}
	one := decimal.NewFromInt(1)
	ratio := size.Div(opposite)
	m := ratio.Div(decimal.NewFromInt(100)).Add(one)

	lo := one.Add(e.cfg.MinTakeProfit)
	hi := one.Add(e.cfg.MaxTakeProfit)
	if m.LessThan(lo) {
		return lo
	}
	if m.GreaterThan(hi) {
		return hi
	}
	return m
}

// Decide computes the cancellations and placements for one side. It performs
// no I/O.
func (e *GridEngine) Decide(pt domain.PositionType, in DecisionInput) Decision {
	one := decimal.NewFromInt(1)
	down := one.Sub(e.cfg.GridSpacing)
	up := one.Add(e.cfg.GridSpacing)

	size := in.Position.Size(pt)
	entrySide := pt.EntrySide()
	exitSide := pt.ExitSide()

	d := Decision{PositionType: pt, State: e.State(size)}
	if !in.Price.IsPositive() {
		d.Skipped = "no price"
		return d
	}

	var plan []PlannedOrder
	switch d.State {
	case StateFlat:
		var hasEntry bool
		for _, o := range in.Tracked {
			if o.IsEntry() {
				hasEntry = true
			} else {
				// exits have nothing left to close
				d.Cancel = append(d.Cancel, o)
			}
		}
		if hasEntry {
			d.Skipped = "entry already tracked"
			break
		}
		if !in.LastEntry.IsZero() && in.Now.Sub(in.LastEntry) < e.cfg.EntryCooldown {
			d.Skipped = "entry cooldown"
			break
		}
		price := in.Price.Mul(down)
		if pt == domain.PositionShort {
			price = in.Price.Mul(up)
		}
		plan = append(plan, PlannedOrder{Side: entrySide, PositionType: pt, Intent: IntentEntry, Price: price, Quantity: in.BaseQuantity})

	case StateHolding:
		d.Cancel = append(d.Cancel, in.Tracked...)
		exitPrice, reentryPrice := in.Price.Mul(up), in.Price.Mul(down)
		if pt == domain.PositionShort {
			exitPrice, reentryPrice = in.Price.Mul(down), in.Price.Mul(up)
		}
		plan = append(plan,
			PlannedOrder{Side: exitSide, PositionType: pt, Intent: IntentExit, Price: exitPrice, Quantity: in.BaseQuantity, ReduceOnly: true},
			PlannedOrder{Side: entrySide, PositionType: pt, Intent: IntentReentry, Price: reentryPrice, Quantity: in.BaseQuantity},
		)

	case StateOversized:
		var hasExit bool
		for _, o := range in.Tracked {
			if o.IsEntry() {
				d.Cancel = append(d.Cancel, o)
			} else {
				hasExit = true
			}
		}
		if hasExit {
			d.Skipped = "take-profit already tracked"
			break
		}
		m := e.HedgeMultiplier(size, in.Position.Size(pt.Opposite()))
		price := in.Price.Mul(m)
		if pt == domain.PositionShort {
			price = in.Price.Div(m)
		}
		plan = append(plan, PlannedOrder{Side: exitSide, PositionType: pt, Intent: IntentExit, Price: price, Quantity: in.BaseQuantity.Mul(two), ReduceOnly: true})
	}

	for _, p := range plan {
		price, qty, _, err := NormalizeOrder(p.Price, p.Quantity, e.constraints)
		if err != nil {
			d.Rejected = append(d.Rejected, err)
			continue
		}
		p.Price, p.Quantity = price, qty
		d.Place = append(d.Place, p)
	}

	if e.cfg.MaxOrdersPerSide > 0 {
		room := e.cfg.MaxOrdersPerSide - (len(in.Tracked) - len(d.Cancel))
		if room < 0 {
			room = 0
		}
		if len(d.Place) > room {
			d.Place = d.Place[:room]
			if room == 0 {
				d.Skipped = "max orders per side reached"
			}
		}
	}
	return d
}

// Evaluate decides one side from the tracker's current view and executes it.
func (e *GridEngine) Evaluate(ctx context.Context, pt domain.PositionType, price decimal.Decimal, pos domain.Position, baseQty decimal.Decimal) (Decision, ExecutionResult) {
	d := e.Decide(pt, DecisionInput{
		Price:        price,
		Position:     pos,
		Tracked:      e.tracker.ByPositionType(pt),
		BaseQuantity: baseQty,
		Now:          e.now(),
		LastEntry:    e.lastEntry[pt],
	})
	return d, e.Execute(ctx, d)
}

// Execute realises a decision through the exchange. Successful cancels leave
// the tracker but stay known to it for late execution reports; successful
// placements join it. Failures are logged and left for the next cycle.
func (e *GridEngine) Execute(ctx context.Context, d Decision) ExecutionResult {
	var res ExecutionResult

	for _, err := range d.Rejected {
		e.logger.Warn("Order abandoned", zap.String("position_type", string(d.PositionType)), zap.Error(err))
	}

	for _, o := range d.Cancel {
		if err := e.exchange.CancelOrder(ctx, e.cfg.Symbol, o.ID); err != nil {
			res.Failed++
			e.logger.Warn("Failed to cancel order", zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		e.tracker.MarkCancelled(o.ID)
		res.Cancelled++
	}

	for _, p := range d.Place {
		if e.cfg.MaxOrdersPerSide > 0 && len(e.tracker.ByPositionType(p.PositionType)) >= e.cfg.MaxOrdersPerSide {
			e.logger.Info("Max orders per side reached", zap.String("position_type", string(p.PositionType)))
			break
		}
		if p.Intent == IntentEntry {
			e.lastEntry[p.PositionType] = e.now()
		}

		id, err := e.exchange.PlaceLimitOrder(ctx, domain.LimitOrderRequest{
			Symbol:       e.cfg.Symbol,
			Side:         p.Side,
			PositionType: p.PositionType,
			Price:        p.Price,
			Quantity:     p.Quantity,
			TimeInForce:  e.cfg.TimeInForce,
			ReduceOnly:   p.ReduceOnly,
		})
		if err != nil {
			res.Failed++
			e.logger.Warn("Failed to place order",
				zap.String("side", string(p.Side)),
				zap.String("intent", string(p.Intent)),
				zap.Stringer("price", p.Price),
				zap.Error(err))
			continue
		}

		order := domain.Order{
			ID:                id,
			Symbol:            e.cfg.Symbol,
			Side:              p.Side,
			PositionType:      p.PositionType,
			Price:             p.Price,
			Quantity:          p.Quantity,
			RemainingQuantity: p.Quantity,
			Status:            domain.OrderActive,
			CreatedAt:         e.now(),
		}
		if err := e.tracker.Add(order); err != nil {
			e.logger.Error("Placed order could not be tracked", zap.String("order_id", id), zap.Error(err))
			continue
		}
		res.Placed++
		e.logger.Info("Order placed",
			zap.String("order_id", id),
			zap.String("state", string(d.State)),
			zap.String("intent", string(p.Intent)),
			zap.String("side", string(p.Side)),
			zap.String("position_type", string(p.PositionType)),
			zap.Stringer("price", p.Price),
			zap.Stringer("qty", p.Quantity))
	}
	return res
}
