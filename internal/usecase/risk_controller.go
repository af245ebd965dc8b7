package usecase

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vitos/grid_trade_bot/internal/domain"
)

// RiskReport describes one risk check.
type RiskReport struct {
	Triggered bool
	Threshold decimal.Decimal
	Quantity  decimal.Decimal
	LongOK    bool
	ShortOK   bool
}

// RiskController cuts both sides when long and short inventory are large at
// the same time.
type RiskController struct {
	symbol         string
	exchange       domain.Exchange
	position       *domain.Position
	recorder       domain.FillRecorder
	threshold      decimal.Decimal
	reductionRatio decimal.Decimal
	logger         *zap.Logger
	now            func() time.Time
}

func NewRiskController(symbol string, exchange domain.Exchange, position *domain.Position, threshold, reductionRatio decimal.Decimal, recorder domain.FillRecorder, logger *zap.Logger) *RiskController {
	return &RiskController{
		symbol:         symbol,
		exchange:       exchange,
		position:       position,
		recorder:       recorder,
		threshold:      threshold,
		reductionRatio: reductionRatio,
		logger:         logger,
		now:            time.Now,
	}
}

func (r *RiskController) SetThreshold(threshold decimal.Decimal) {
	r.threshold = threshold
}

// ReductionThreshold is the per-side size above which both sides are reduced.
func (r *RiskController) ReductionThreshold() decimal.Decimal {
	return r.threshold.Mul(r.reductionRatio)
}

// Check issues one reduce-only market order per side when both sides are at
// or above the reduction threshold. Each leg only decrements its own side
// once the order was accepted.
func (r *RiskController) Check(ctx context.Context, qty decimal.Decimal) RiskReport {
	rep := RiskReport{Threshold: r.ReductionThreshold(), Quantity: qty}
	if !rep.Threshold.IsPositive() || !qty.IsPositive() {
		return rep
	}
	if r.position.LongSize.LessThan(rep.Threshold) || r.position.ShortSize.LessThan(rep.Threshold) {
		return rep
	}
	rep.Triggered = true

	r.logger.Warn("Both sides above reduction threshold, reducing inventory",
		zap.Stringer("long", r.position.LongSize),
		zap.Stringer("short", r.position.ShortSize),
		zap.Stringer("threshold", rep.Threshold),
		zap.Stringer("qty", qty))

	rep.LongOK = r.reduce(ctx, domain.PositionLong, qty)
	rep.ShortOK = r.reduce(ctx, domain.PositionShort, qty)
	return rep
}

func (r *RiskController) reduce(ctx context.Context, pt domain.PositionType, qty decimal.Decimal) bool {
	side := pt.ExitSide()
	id, err := r.exchange.PlaceMarketOrder(ctx, domain.MarketOrderRequest{
		Symbol:       r.symbol,
		Side:         side,
		PositionType: pt,
		Quantity:     qty,
		ReduceOnly:   true,
	})
	if err != nil {
		r.logger.Error("Inventory reduction failed",
			zap.String("position_type", string(pt)),
			zap.Error(err))
		return false
	}

	r.position.Reduce(pt, qty)
	if r.recorder != nil {
		fill := &domain.Fill{
			OrderID:      id,
			Symbol:       r.symbol,
			Side:         side,
			PositionType: pt,
			Quantity:     qty,
			Source:       FillSourceRisk,
			CreatedAt:    r.now(),
		}
		if err := r.recorder.SaveFill(ctx, fill); err != nil {
			r.logger.Warn("Failed to record fill", zap.String("order_id", id), zap.Error(err))
		}
	}
	return true
}
