package usecase

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vitos/grid_trade_bot/internal/domain"
)

type SnapshotSource string

const (
	SourceREST SnapshotSource = "rest"
	SourcePush SnapshotSource = "push"
)

const (
	FillSourceEvent    = "event"
	FillSourceVanished = "vanished"
	FillSourceRisk     = "risk"
)

type ReconcilerConfig struct {
	// Empty push snapshots are only suspicious while at least this many
	// orders are tracked.
	MinTrackedForSuspicion int
	ZeroReadingsStale      int
	ZeroReadingsEscalate   int
	ZeroReadingsClear      int
	// The full clear only applies while at most this many orders are tracked.
	ZeroClearMaxTracked   int
	ZeroStaleAge          time.Duration
	ZeroStaleAgeEscalated time.Duration

	MaxPushSilence    time.Duration
	MaxHealthFailures int
	UnhealthyStaleAge time.Duration

	EmergencyCeiling int
	EmergencyMinAge  time.Duration
	EmergencyBatch   int
}

func DefaultReconcilerConfig(maxOrdersPerSide int) ReconcilerConfig {
	return ReconcilerConfig{
		MinTrackedForSuspicion: 3,
		ZeroReadingsStale:      3,
		ZeroReadingsEscalate:   5,
		ZeroReadingsClear:      12,
		ZeroClearMaxTracked:    4,
		ZeroStaleAge:           120 * time.Second,
		ZeroStaleAgeEscalated:  60 * time.Second,
		MaxPushSilence:         120 * time.Second,
		MaxHealthFailures:      5,
		UnhealthyStaleAge:      180 * time.Second,
		EmergencyCeiling:       2 * maxOrdersPerSide,
		EmergencyMinAge:        10 * time.Minute,
		EmergencyBatch:         3,
	}
}

// ReconcileResult describes what one reconciliation pass changed.
type ReconcileResult struct {
	Vanished []domain.Order
	// Unknown lists exchange-active orders the tracker does not hold.
	Unknown      []domain.ExchangeOrder
	Adopted      []domain.Order
	ZeroReadings int
	// Suspicious is set when an empty push snapshot was handled by the
	// escalation policy instead of the plain diff.
	Suspicious bool
}

// Reconciler keeps the tracker and the position consistent with what the
// exchange reports. It shares the control loop's ownership of both and is not
// safe for concurrent use.
type Reconciler struct {
	symbol   string
	tracker  *OrderTracker
	position *domain.Position
	recorder domain.FillRecorder
	cfg      ReconcilerConfig
	logger   *zap.Logger
	now      func() time.Time

	zeroReadings   int
	healthFailures int
	lastPush       time.Time
	lastREST       time.Time
	verify         bool
}

func NewReconciler(symbol string, tracker *OrderTracker, position *domain.Position, cfg ReconcilerConfig, recorder domain.FillRecorder, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		symbol:   symbol,
		tracker:  tracker,
		position: position,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Reconcile diffs the tracker against an exchange active-order list.
// Tracked orders missing from the list are assumed filled and credited to the
// position; exchange orders the tracker does not know are reported, not adopted.
func (r *Reconciler) Reconcile(ctx context.Context, snapshot []domain.ExchangeOrder, src SnapshotSource) ReconcileResult {
	return r.ReconcileAsOf(ctx, snapshot, src, time.Time{})
}

// ReconcileAsOf is Reconcile for a list taken at asOf. Orders tracked after
// that moment cannot be in the list and are left alone.
func (r *Reconciler) ReconcileAsOf(ctx context.Context, snapshot []domain.ExchangeOrder, src SnapshotSource, asOf time.Time) ReconcileResult {
	active := activeOnly(snapshot)
	if src == SourceREST {
		r.lastREST = r.now()
	}

	if src == SourcePush && len(active) == 0 && r.tracker.Len() >= r.cfg.MinTrackedForSuspicion {
		return r.escalate(ctx)
	}
	r.zeroReadings = 0

	var res ReconcileResult
	exchangeIDs := make(map[string]domain.ExchangeOrder, len(active))
	for _, eo := range active {
		exchangeIDs[eo.OrderID] = eo
	}

	for _, id := range r.tracker.IDs() {
		eo, ok := exchangeIDs[id]
		if !ok {
			if o, _ := r.tracker.Get(id); !asOf.IsZero() && o.CreatedAt.After(asOf) {
				continue
			}
			o, _ := r.tracker.Remove(id)
			r.credit(ctx, o, o.RemainingQuantity, o.Price, FillSourceVanished)
			res.Vanished = append(res.Vanished, o)
			continue
		}
		r.absorbRemaining(ctx, id, eo.RemainingAmount)
	}

	for _, eo := range active {
		if !r.tracker.Has(eo.OrderID) {
			res.Unknown = append(res.Unknown, eo)
		}
	}

	if len(res.Vanished) > 0 {
		r.logger.Info("Reconciled vanished orders",
			zap.String("source", string(src)),
			zap.Int("vanished", len(res.Vanished)),
			zap.Int("tracked", r.tracker.Len()),
			zap.Int("exchange_active", len(active)))
	}
	if len(res.Unknown) > 0 {
		r.logger.Info("Exchange reports untracked orders, not adopting",
			zap.String("source", string(src)),
			zap.Int("count", len(res.Unknown)))
	}
	return res
}

// Adopt rebuilds the tracker from exchange ground truth. It is used once at
// startup; position types are inferred from the current position.
func (r *Reconciler) Adopt(snapshot []domain.ExchangeOrder) ReconcileResult {
	var res ReconcileResult
	for _, eo := range activeOnly(snapshot) {
		if r.tracker.Has(eo.OrderID) {
			continue
		}
		o := domain.Order{
			ID:                eo.OrderID,
			Symbol:            r.symbol,
			Side:              eo.Side,
			PositionType:      domain.InferPositionType(eo.Side, *r.position),
			Price:             eo.Price,
			Quantity:          eo.RemainingAmount,
			RemainingQuantity: eo.RemainingAmount,
			Status:            domain.OrderActive,
		}
		if err := r.tracker.Add(o); err != nil {
			r.logger.Warn("Skipping malformed exchange order", zap.String("order_id", eo.OrderID), zap.Error(err))
			continue
		}
		res.Adopted = append(res.Adopted, o)
	}
	r.lastREST = r.now()
	if len(res.Adopted) > 0 {
		r.logger.Info("Adopted exchange orders", zap.Int("count", len(res.Adopted)))
	}
	return res
}

// ApplyEvents absorbs explicit lifecycle events. Fills credit only the part of
// the order not credited before, so replays and overlapping snapshots never
// count a quantity twice. Events for orders this process cancelled recently
// are still credited; a cancel event credits whatever executed before it.
func (r *Reconciler) ApplyEvents(ctx context.Context, events []domain.OrderEvent) int {
	applied := 0
	for _, ev := range events {
		o, cancelled, ok := r.lookup(ev.OrderID)
		if !ok {
			r.logger.Debug("Event for untracked order", zap.String("order_id", ev.OrderID), zap.String("type", string(ev.Type)))
			continue
		}
		price := ev.Price
		if !price.IsPositive() {
			price = o.Price
		}

		switch ev.Type {
		case domain.EventFill:
			r.drop(o.ID, cancelled)
			r.credit(ctx, o, o.RemainingQuantity, price, FillSourceEvent)
		case domain.EventPartialFill:
			delta := executedSince(o, ev)
			if !delta.IsPositive() {
				continue
			}
			o.RemainingQuantity = o.RemainingQuantity.Sub(delta)
			switch {
			case o.RemainingQuantity.IsZero():
				r.drop(o.ID, cancelled)
			case cancelled:
				r.tracker.updateCancelled(o)
			default:
				r.tracker.update(o)
			}
			r.credit(ctx, o, delta, price, FillSourceEvent)
		case domain.EventCancel:
			delta := executedSince(o, ev)
			r.drop(o.ID, cancelled)
			r.credit(ctx, o, delta, price, FillSourceEvent)
			r.logger.Info("Order cancelled",
				zap.String("order_id", o.ID),
				zap.String("side", string(o.Side)),
				zap.Stringer("executed_before_cancel", delta))
		default:
			continue
		}
		applied++
	}
	return applied
}

// lookup finds the order an event refers to among the tracked and the
// recently cancelled orders.
func (r *Reconciler) lookup(id string) (domain.Order, bool, bool) {
	if o, ok := r.tracker.Get(id); ok {
		return o, false, true
	}
	if o, ok := r.tracker.Cancelled(id); ok {
		return o, true, true
	}
	return domain.Order{}, false, false
}

func (r *Reconciler) drop(id string, cancelled bool) {
	if cancelled {
		r.tracker.forgetCancelled(id)
		return
	}
	r.tracker.Remove(id)
}

// executedSince is the executed quantity an event reports beyond what was
// already credited, capped at what is still open.
func executedSince(o domain.Order, ev domain.OrderEvent) decimal.Decimal {
	delta := ev.CumulativeFilled.Sub(o.FilledQuantity())
	if !delta.IsPositive() {
		return decimal.Zero
	}
	return decimal.Min(delta, o.RemainingQuantity)
}

// NotePush records that the account feed delivered a message.
func (r *Reconciler) NotePush(at time.Time) {
	r.lastPush = at
	r.healthFailures = 0
}

// CheckHealth counts consecutive checks without any push message. Once the
// feed has been silent for too long a REST verification is requested; orders
// are only dropped when REST has not confirmed anything for as long either.
func (r *Reconciler) CheckHealth(now time.Time) []domain.Order {
	if r.lastPush.IsZero() {
		r.lastPush = now
		return nil
	}
	if now.Sub(r.lastPush) < r.cfg.MaxPushSilence {
		r.healthFailures = 0
		return nil
	}
	r.healthFailures++
	if r.healthFailures < r.cfg.MaxHealthFailures {
		return nil
	}

	r.healthFailures = 0
	r.verify = true
	r.logger.Warn("Account feed silent, requesting verification",
		zap.Duration("silence", now.Sub(r.lastPush)),
		zap.Int("tracked", r.tracker.Len()))

	if !r.lastREST.IsZero() && now.Sub(r.lastREST) < r.cfg.MaxPushSilence {
		return nil
	}
	removed := r.tracker.CleanupStale(r.cfg.UnhealthyStaleAge)
	if len(removed) > 0 {
		r.logger.Warn("Dropped stale orders while feeds unhealthy", zap.Int("count", len(removed)))
	}
	return removed
}

// EnforceCeiling removes a small batch of old orders when far more orders are
// tracked than the grid can legitimately hold.
func (r *Reconciler) EnforceCeiling() []domain.Order {
	if r.cfg.EmergencyCeiling <= 0 || r.tracker.Len() <= r.cfg.EmergencyCeiling {
		return nil
	}
	var removed []domain.Order
	for _, o := range r.tracker.Oldest(r.cfg.EmergencyBatch, r.cfg.EmergencyMinAge) {
		if rec, ok := r.tracker.Remove(o.ID); ok {
			removed = append(removed, rec)
		}
	}
	if len(removed) > 0 {
		r.logger.Warn("Tracked order ceiling exceeded, dropped oldest",
			zap.Int("removed", len(removed)),
			zap.Int("tracked", r.tracker.Len()),
			zap.Int("ceiling", r.cfg.EmergencyCeiling))
	}
	return removed
}

func (r *Reconciler) VerificationRequested() bool { return r.verify }

func (r *Reconciler) ClearVerification() { r.verify = false }

func (r *Reconciler) ZeroReadings() int { return r.zeroReadings }

func (r *Reconciler) escalate(ctx context.Context) ReconcileResult {
	r.zeroReadings++
	res := ReconcileResult{Suspicious: true, ZeroReadings: r.zeroReadings}

	var victims []domain.Order
	switch {
	case r.zeroReadings >= r.cfg.ZeroReadingsClear && r.tracker.Len() <= r.cfg.ZeroClearMaxTracked:
		victims = r.tracker.Snapshot()
		r.zeroReadings = 0
	case r.zeroReadings >= r.cfg.ZeroReadingsEscalate:
		r.verify = true
		limit := r.tracker.Len() / 2
		if limit < 1 {
			limit = 1
		}
		victims = r.tracker.Oldest(limit, r.cfg.ZeroStaleAgeEscalated)
	case r.zeroReadings >= r.cfg.ZeroReadingsStale:
		victims = r.tracker.Oldest(0, r.cfg.ZeroStaleAge)
	}

	for _, o := range victims {
		if rec, ok := r.tracker.Remove(o.ID); ok {
			r.credit(ctx, rec, rec.RemainingQuantity, rec.Price, FillSourceVanished)
			res.Vanished = append(res.Vanished, rec)
		}
	}

	r.logger.Warn("Account feed reports no active orders",
		zap.Int("reading", res.ZeroReadings),
		zap.Int("removed", len(res.Vanished)),
		zap.Int("tracked", r.tracker.Len()))
	return res
}

// absorbRemaining credits a fill the exchange reports only through a lower
// remaining amount.
func (r *Reconciler) absorbRemaining(ctx context.Context, id string, remaining decimal.Decimal) {
	o, ok := r.tracker.Get(id)
	if !ok || !remaining.LessThan(o.RemainingQuantity) {
		return
	}
	delta := o.RemainingQuantity.Sub(remaining)
	o.RemainingQuantity = remaining
	r.tracker.update(o)
	r.credit(ctx, o, delta, o.Price, FillSourceVanished)
}

func (r *Reconciler) credit(ctx context.Context, o domain.Order, qty, price decimal.Decimal, source string) {
	if !qty.IsPositive() {
		return
	}
	r.position.ApplyFill(o.Side, o.PositionType, qty)
	r.logger.Info("Position updated from fill",
		zap.String("order_id", o.ID),
		zap.String("side", string(o.Side)),
		zap.String("position_type", string(o.PositionType)),
		zap.Stringer("qty", qty),
		zap.String("source", source),
		zap.Stringer("long", r.position.LongSize),
		zap.Stringer("short", r.position.ShortSize))

	if r.recorder == nil {
		return
	}
	fill := &domain.Fill{
		OrderID:      o.ID,
		Symbol:       r.symbol,
		Side:         o.Side,
		PositionType: o.PositionType,
		Quantity:     qty,
		Price:        price,
		Source:       source,
		CreatedAt:    r.now(),
	}
	if err := r.recorder.SaveFill(ctx, fill); err != nil {
		r.logger.Warn("Failed to record fill", zap.String("order_id", o.ID), zap.Error(err))
	}
}

func activeOnly(snapshot []domain.ExchangeOrder) []domain.ExchangeOrder {
	active := make([]domain.ExchangeOrder, 0, len(snapshot))
	for _, eo := range snapshot {
		if eo.IsActive() {
			active = append(active, eo)
		}
	}
	return active
}
