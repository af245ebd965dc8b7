package usecase

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vitos/grid_trade_bot/internal/domain"
)

type reconcilerFixture struct {
	clock    *fakeClock
	tracker  *OrderTracker
	position *domain.Position
	fills    *recordedFills
	rec      *Reconciler
}

func newReconcilerFixture(t *testing.T, logger *zap.Logger) *reconcilerFixture {
	t.Helper()
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &reconcilerFixture{
		clock:    newClock(),
		tracker:  NewOrderTracker(),
		position: &domain.Position{Symbol: "BTCUSDT"},
		fills:    &recordedFills{},
	}
	f.tracker.now = f.clock.Now
	f.rec = NewReconciler("BTCUSDT", f.tracker, f.position, DefaultReconcilerConfig(4), f.fills, logger)
	f.rec.now = f.clock.Now
	return f
}

// addAged tracks an order created age ago.
func (f *reconcilerFixture) addAged(t *testing.T, id string, side domain.Side, pt domain.PositionType, qty string, age time.Duration) {
	t.Helper()
	o := testOrder(id, side, pt, qty)
	o.CreatedAt = f.clock.Now().Add(-age)
	require.NoError(t, f.tracker.Add(o))
}

func active(id string, side domain.Side, remaining string) domain.ExchangeOrder {
	return domain.ExchangeOrder{OrderID: id, Side: side, Price: dec("100"), RemainingAmount: dec(remaining), Status: "open"}
}

func TestReconciler_RemovesExactlyVanishedOrders(t *testing.T) {
	f := newReconcilerFixture(t, nil)
	f.addAged(t, "a", domain.SideBuy, domain.PositionLong, "0.1", time.Second)
	f.addAged(t, "b", domain.SideBuy, domain.PositionLong, "0.1", time.Second)
	f.addAged(t, "c", domain.SideSell, domain.PositionShort, "0.2", time.Second)
	f.addAged(t, "d", domain.SideSell, domain.PositionShort, "0.2", time.Second)

	cFilled := active("c", domain.SideSell, "0.2")
	cFilled.Status = "filled"
	snapshot := []domain.ExchangeOrder{
		active("b", domain.SideBuy, "0.1"),
		cFilled,
		active("d", domain.SideSell, "0.2"),
		active("x", domain.SideBuy, "1"),
	}

	res := f.rec.Reconcile(context.Background(), snapshot, SourceREST)

	require.Len(t, res.Vanished, 2)
	assert.ElementsMatch(t, []string{"b", "d"}, f.tracker.IDs())
	require.Len(t, res.Unknown, 1)
	assert.Equal(t, "x", res.Unknown[0].OrderID)
	assert.False(t, f.tracker.Has("x"), "untracked exchange orders are not adopted")

	assert.True(t, f.position.LongSize.Equal(dec("0.1")))
	assert.True(t, f.position.ShortSize.Equal(dec("0.2")))
	assert.Len(t, f.fills.fills, 2)
	assert.Equal(t, FillSourceVanished, f.fills.fills[0].Source)
}

func TestReconciler_ConservationAcrossSnapshots(t *testing.T) {
	f := newReconcilerFixture(t, nil)
	for i := 0; i < 8; i++ {
		f.addAged(t, fmt.Sprintf("o%d", i), domain.SideBuy, domain.PositionLong, "1", time.Second)
	}

	snapshots := [][]string{
		{"o0", "o1", "o2", "o3", "o4", "o5", "o6", "o7"},
		{"o1", "o2", "o4", "o5", "o6", "o7", "zz"},
		{"o2", "o5", "o7"},
		{"o7"},
	}
	for _, ids := range snapshots {
		var snap []domain.ExchangeOrder
		present := map[string]bool{}
		for _, id := range ids {
			snap = append(snap, active(id, domain.SideBuy, "1"))
			present[id] = true
		}

		expected := 0
		for _, id := range f.tracker.IDs() {
			if !present[id] {
				expected++
			}
		}
		before := f.tracker.IDs()

		res := f.rec.Reconcile(context.Background(), snap, SourcePush)
		assert.Len(t, res.Vanished, expected)
		for _, id := range before {
			if present[id] {
				assert.True(t, f.tracker.Has(id), "order %s is still reported and must stay", id)
			}
		}
	}
	assert.True(t, f.position.LongSize.Equal(dec("7")))
}

func TestReconciler_VanishedOrdersUpdatePositionBySideAndType(t *testing.T) {
	f := newReconcilerFixture(t, nil)
	f.position.LongSize = dec("1")
	f.position.ShortSize = dec("1")

	f.addAged(t, "buy-long", domain.SideBuy, domain.PositionLong, "0.3", time.Second)
	f.addAged(t, "sell-long", domain.SideSell, domain.PositionLong, "0.1", time.Second)
	f.addAged(t, "sell-short", domain.SideSell, domain.PositionShort, "0.5", time.Second)
	f.addAged(t, "buy-short", domain.SideBuy, domain.PositionShort, "2", time.Second)

	f.rec.Reconcile(context.Background(), nil, SourceREST)

	assert.Equal(t, 0, f.tracker.Len())
	assert.True(t, f.position.LongSize.Equal(dec("1.2")), f.position.LongSize.String())
	assert.True(t, f.position.ShortSize.Equal(dec("0")), "closing fills floor at zero, got %s", f.position.ShortSize)
}

func TestReconciler_EmptyPushSnapshotEscalates(t *testing.T) {
	f := newReconcilerFixture(t, nil)
	f.addAged(t, "old1", domain.SideBuy, domain.PositionLong, "0.1", 300*time.Second)
	f.addAged(t, "old2", domain.SideBuy, domain.PositionLong, "0.1", 300*time.Second)
	f.addAged(t, "mid1", domain.SideBuy, domain.PositionLong, "0.1", 90*time.Second)
	f.addAged(t, "mid2", domain.SideBuy, domain.PositionLong, "0.1", 90*time.Second)
	f.addAged(t, "new1", domain.SideBuy, domain.PositionLong, "0.1", 10*time.Second)
	f.addAged(t, "new2", domain.SideBuy, domain.PositionLong, "0.1", 10*time.Second)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		res := f.rec.Reconcile(ctx, nil, SourcePush)
		assert.True(t, res.Suspicious)
		assert.Empty(t, res.Vanished, "reading %d must keep everything", i)
	}
	assert.Equal(t, 6, f.tracker.Len())

	res := f.rec.Reconcile(ctx, nil, SourcePush)
	assert.Equal(t, 3, res.ZeroReadings)
	assert.ElementsMatch(t, []string{"mid1", "mid2", "new1", "new2"}, f.tracker.IDs())

	res = f.rec.Reconcile(ctx, nil, SourcePush)
	assert.Empty(t, res.Vanished, "nothing else is older than the short threshold")
	assert.False(t, f.rec.VerificationRequested())

	res = f.rec.Reconcile(ctx, nil, SourcePush)
	assert.Equal(t, 5, res.ZeroReadings)
	assert.True(t, f.rec.VerificationRequested())
	require.Len(t, res.Vanished, 2)
	assert.ElementsMatch(t, []string{"new1", "new2"}, f.tracker.IDs())

	assert.True(t, f.position.LongSize.Equal(dec("0.4")))
}

func TestReconciler_EscalationClearsAfterLongMismatch(t *testing.T) {
	f := newReconcilerFixture(t, nil)
	for i := 0; i < 4; i++ {
		f.addAged(t, fmt.Sprintf("o%d", i), domain.SideBuy, domain.PositionLong, "0.1", 10*time.Second)
	}
	ctx := context.Background()

	for i := 1; i < 12; i++ {
		res := f.rec.Reconcile(ctx, nil, SourcePush)
		require.Empty(t, res.Vanished, "reading %d", i)
	}
	res := f.rec.Reconcile(ctx, nil, SourcePush)
	assert.Len(t, res.Vanished, 4)
	assert.Equal(t, 0, f.tracker.Len())
	assert.Equal(t, 0, f.rec.ZeroReadings())
	assert.True(t, f.position.LongSize.Equal(dec("0.4")))
}

func TestReconciler_FullClearSkippedWithManyTrackedOrders(t *testing.T) {
	f := newReconcilerFixture(t, nil)
	for i := 0; i < 6; i++ {
		f.addAged(t, fmt.Sprintf("o%d", i), domain.SideBuy, domain.PositionLong, "0.1", 10*time.Second)
	}
	ctx := context.Background()

	for i := 1; i <= 14; i++ {
		res := f.rec.Reconcile(ctx, nil, SourcePush)
		require.Empty(t, res.Vanished, "reading %d", i)
	}
	assert.Equal(t, 6, f.tracker.Len())
	assert.Equal(t, 14, f.rec.ZeroReadings())
	assert.True(t, f.position.LongSize.IsZero())

	// age-based removal still applies once the orders get old
	f.clock.Advance(time.Minute)
	res := f.rec.Reconcile(ctx, nil, SourcePush)
	assert.Len(t, res.Vanished, 3, "half of the tracked orders per escalated reading")
}

func TestReconciler_ZeroCounterResets(t *testing.T) {
	f := newReconcilerFixture(t, nil)
	var snap []domain.ExchangeOrder
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("o%d", i)
		f.addAged(t, id, domain.SideSell, domain.PositionShort, "0.1", time.Hour)
		snap = append(snap, active(id, domain.SideSell, "0.1"))
	}
	ctx := context.Background()

	f.rec.Reconcile(ctx, nil, SourcePush)
	f.rec.Reconcile(ctx, nil, SourcePush)
	assert.Equal(t, 2, f.rec.ZeroReadings())

	f.rec.Reconcile(ctx, snap, SourcePush)
	assert.Equal(t, 0, f.rec.ZeroReadings())

	f.rec.Reconcile(ctx, nil, SourcePush)
	f.rec.Reconcile(ctx, nil, SourcePush)
	assert.Equal(t, 4, f.tracker.Len(), "counter restarted, old orders kept")
}

func TestReconciler_EmptyRESTSnapshotIsAuthoritative(t *testing.T) {
	f := newReconcilerFixture(t, nil)
	for i := 0; i < 5; i++ {
		f.addAged(t, fmt.Sprintf("o%d", i), domain.SideBuy, domain.PositionLong, "0.2", time.Second)
	}

	res := f.rec.Reconcile(context.Background(), []domain.ExchangeOrder{}, SourceREST)
	assert.False(t, res.Suspicious)
	assert.Len(t, res.Vanished, 5)
	assert.True(t, f.position.LongSize.Equal(dec("1")))
}

func TestReconciler_LifecycleEventsNeverDoubleCredit(t *testing.T) {
	f := newReconcilerFixture(t, nil)
	f.addAged(t, "a", domain.SideBuy, domain.PositionLong, "1", time.Second)
	f.addAged(t, "b", domain.SideSell, domain.PositionShort, "0.5", time.Second)
	ctx := context.Background()

	partial := domain.OrderEvent{OrderID: "a", Type: domain.EventPartialFill, CumulativeFilled: dec("0.4")}
	f.rec.ApplyEvents(ctx, []domain.OrderEvent{partial})
	f.rec.ApplyEvents(ctx, []domain.OrderEvent{partial})
	assert.True(t, f.position.LongSize.Equal(dec("0.4")), f.position.LongSize.String())

	o, ok := f.tracker.Get("a")
	require.True(t, ok)
	assert.True(t, o.RemainingQuantity.Equal(dec("0.6")))

	f.rec.ApplyEvents(ctx, []domain.OrderEvent{{OrderID: "a", Type: domain.EventPartialFill, CumulativeFilled: dec("0.7")}})
	assert.True(t, f.position.LongSize.Equal(dec("0.7")))

	// remaining 0.3 is credited once the order vanishes
	f.rec.Reconcile(ctx, []domain.ExchangeOrder{active("b", domain.SideSell, "0.5")}, SourceREST)
	assert.True(t, f.position.LongSize.Equal(dec("1")), f.position.LongSize.String())

	f.rec.ApplyEvents(ctx, []domain.OrderEvent{{OrderID: "b", Type: domain.EventFill, CumulativeFilled: dec("0.5")}})
	f.rec.ApplyEvents(ctx, []domain.OrderEvent{{OrderID: "b", Type: domain.EventFill, CumulativeFilled: dec("0.5")}})
	assert.True(t, f.position.ShortSize.Equal(dec("0.5")))
	assert.Equal(t, 0, f.tracker.Len())
}

func TestReconciler_CancelEventRemovesWithoutCredit(t *testing.T) {
	f := newReconcilerFixture(t, nil)
	f.addAged(t, "a", domain.SideBuy, domain.PositionLong, "1", time.Second)

	n := f.rec.ApplyEvents(context.Background(), []domain.OrderEvent{
		{OrderID: "a", Type: domain.EventCancel},
		{OrderID: "unknown", Type: domain.EventFill},
	})
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, f.tracker.Len())
	assert.True(t, f.position.LongSize.IsZero())
	assert.Empty(t, f.fills.fills)
}

func TestReconciler_CancelEventCreditsExecutedQuantity(t *testing.T) {
	f := newReconcilerFixture(t, nil)
	f.addAged(t, "a", domain.SideBuy, domain.PositionLong, "0.1", time.Second)
	ctx := context.Background()

	n := f.rec.ApplyEvents(ctx, []domain.OrderEvent{{OrderID: "a", Type: domain.EventCancel, CumulativeFilled: dec("0.04")}})
	assert.Equal(t, 1, n)
	assert.False(t, f.tracker.Has("a"))
	assert.True(t, f.position.LongSize.Equal(dec("0.04")), f.position.LongSize.String())
	require.Len(t, f.fills.fills, 1)
	assert.True(t, f.fills.fills[0].Quantity.Equal(dec("0.04")))

	// already partially credited: only the rest of the execution counts
	f.addAged(t, "b", domain.SideSell, domain.PositionShort, "1", time.Second)
	f.rec.ApplyEvents(ctx, []domain.OrderEvent{{OrderID: "b", Type: domain.EventPartialFill, CumulativeFilled: dec("0.3")}})
	f.rec.ApplyEvents(ctx, []domain.OrderEvent{{OrderID: "b", Type: domain.EventCancel, CumulativeFilled: dec("0.5")}})
	assert.True(t, f.position.ShortSize.Equal(dec("0.5")), f.position.ShortSize.String())

	// capped at the open quantity
	f.addAged(t, "c", domain.SideBuy, domain.PositionLong, "0.1", time.Second)
	f.rec.ApplyEvents(ctx, []domain.OrderEvent{{OrderID: "c", Type: domain.EventCancel, CumulativeFilled: dec("5")}})
	assert.True(t, f.position.LongSize.Equal(dec("0.14")), f.position.LongSize.String())
}

func TestReconciler_LateEventsForCancelledOrderStillCredit(t *testing.T) {
	f := newReconcilerFixture(t, nil)
	f.position.LongSize = dec("0.1")
	f.addAged(t, "exit", domain.SideSell, domain.PositionLong, "0.1", time.Second)
	ctx := context.Background()

	_, ok := f.tracker.MarkCancelled("exit")
	require.True(t, ok)
	assert.False(t, f.tracker.Has("exit"))

	events := []domain.OrderEvent{
		{OrderID: "exit", Type: domain.EventPartialFill, CumulativeFilled: dec("0.05")},
		{OrderID: "exit", Type: domain.EventCancel, CumulativeFilled: dec("0.05")},
	}
	assert.Equal(t, 2, f.rec.ApplyEvents(ctx, events))
	assert.True(t, f.position.LongSize.Equal(dec("0.05")), f.position.LongSize.String())

	// terminal event consumed the record, replays are ignored
	_, ok = f.tracker.Cancelled("exit")
	assert.False(t, ok)
	assert.Equal(t, 0, f.rec.ApplyEvents(ctx, events))
	assert.True(t, f.position.LongSize.Equal(dec("0.05")))
	assert.Len(t, f.fills.fills, 1)
}

func TestReconciler_CancelledOrderForgottenAfterRetention(t *testing.T) {
	f := newReconcilerFixture(t, nil)
	f.addAged(t, "a", domain.SideBuy, domain.PositionLong, "0.1", time.Second)
	f.tracker.MarkCancelled("a")

	f.clock.Advance(DefaultCancelRetention + time.Second)
	n := f.rec.ApplyEvents(context.Background(), []domain.OrderEvent{{OrderID: "a", Type: domain.EventFill}})
	assert.Equal(t, 0, n)
	assert.True(t, f.position.LongSize.IsZero())
}

func TestReconciler_EngineCancelThenLateExecution(t *testing.T) {
	f := newReconcilerFixture(t, nil)
	f.position.LongSize = dec("0.1")
	ex := NewMockExchange()
	engine := NewGridEngine(testEngineConfig(), ex.Constraints, ex, f.tracker, zap.NewNop())
	engine.now = f.clock.Now
	ctx := context.Background()

	engine.Evaluate(ctx, domain.PositionLong, dec("100"), *f.position, dec("0.1"))
	require.Len(t, ex.PlacedIDs, 2)
	exitID := ex.PlacedIDs[0]
	require.Equal(t, domain.SideSell, ex.Placed[0].Side)

	// the re-quote cancels the exit before its execution report arrives
	_, res := engine.Evaluate(ctx, domain.PositionLong, dec("101"), *f.position, dec("0.1"))
	assert.Equal(t, 2, res.Cancelled)
	assert.False(t, f.tracker.Has(exitID))

	f.rec.ApplyEvents(ctx, []domain.OrderEvent{
		{OrderID: exitID, Type: domain.EventPartialFill, CumulativeFilled: dec("0.05")},
		{OrderID: exitID, Type: domain.EventCancel, CumulativeFilled: dec("0.05")},
	})
	assert.True(t, f.position.LongSize.Equal(dec("0.05")), f.position.LongSize.String())
}

func TestReconciler_SnapshotIgnoresOrdersTrackedAfterIt(t *testing.T) {
	f := newReconcilerFixture(t, nil)
	f.addAged(t, "old", domain.SideBuy, domain.PositionLong, "0.1", time.Minute)
	asOf := f.clock.Now().Add(-time.Second)
	f.addAged(t, "fresh", domain.SideBuy, domain.PositionLong, "0.1", 0)

	res := f.rec.ReconcileAsOf(context.Background(), nil, SourcePush, asOf)
	require.Len(t, res.Vanished, 1)
	assert.Equal(t, "old", res.Vanished[0].ID)
	assert.Equal(t, []string{"fresh"}, f.tracker.IDs())
	assert.True(t, f.position.LongSize.Equal(dec("0.1")))
}

func TestReconciler_LowerRemainingCreditsPartialFill(t *testing.T) {
	f := newReconcilerFixture(t, nil)
	f.addAged(t, "a", domain.SideSell, domain.PositionShort, "1", time.Second)

	f.rec.Reconcile(context.Background(), []domain.ExchangeOrder{active("a", domain.SideSell, "0.6")}, SourceREST)

	assert.True(t, f.position.ShortSize.Equal(dec("0.4")))
	o, _ := f.tracker.Get("a")
	assert.True(t, o.RemainingQuantity.Equal(dec("0.6")))
}

func TestReconciler_AdoptInfersPositionType(t *testing.T) {
	f := newReconcilerFixture(t, nil)
	f.position.ShortSize = dec("1")

	res := f.rec.Adopt([]domain.ExchangeOrder{
		active("buy", domain.SideBuy, "0.1"),
		active("sell", domain.SideSell, "0.1"),
		{OrderID: "done", Side: domain.SideBuy, Price: dec("100"), RemainingAmount: dec("0"), Status: "open"},
	})

	require.Len(t, res.Adopted, 2)
	buy, _ := f.tracker.Get("buy")
	assert.Equal(t, domain.PositionShort, buy.PositionType, "buy closes the held short")
	sell, _ := f.tracker.Get("sell")
	assert.Equal(t, domain.PositionShort, sell.PositionType, "sell opens a short without a long")
	assert.False(t, f.tracker.Has("done"))
}

func TestReconciler_LogsUntrackedOrders(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	f := newReconcilerFixture(t, zap.New(core))

	f.rec.Reconcile(context.Background(), []domain.ExchangeOrder{active("x", domain.SideBuy, "1")}, SourceREST)

	entries := logs.FilterMessage("Exchange reports untracked orders, not adopting").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].ContextMap()["count"])
}

func TestReconciler_HealthCheck(t *testing.T) {
	f := newReconcilerFixture(t, nil)
	f.addAged(t, "old", domain.SideBuy, domain.PositionLong, "1", 100*time.Second)
	t0 := f.clock.Now()
	f.rec.NotePush(t0)

	f.clock.Advance(100 * time.Second)
	f.addAged(t, "fresh", domain.SideBuy, domain.PositionLong, "1", 0)

	f.clock.Advance(30 * time.Second)
	for i := 0; i < 4; i++ {
		assert.Empty(t, f.rec.CheckHealth(f.clock.Now()))
		f.clock.Advance(time.Second)
	}
	assert.False(t, f.rec.VerificationRequested())

	removed := f.rec.CheckHealth(f.clock.Now())
	require.Len(t, removed, 1)
	assert.Equal(t, "old", removed[0].ID)
	assert.True(t, f.tracker.Has("fresh"))
	assert.True(t, f.rec.VerificationRequested())
	assert.True(t, f.position.LongSize.IsZero(), "age cleanup never credits")

	f.rec.NotePush(f.clock.Now())
	assert.Empty(t, f.rec.CheckHealth(f.clock.Now()))
}

func TestReconciler_HealthCheckTrustsRecentREST(t *testing.T) {
	f := newReconcilerFixture(t, nil)
	f.addAged(t, "old", domain.SideBuy, domain.PositionLong, "1", time.Hour)
	f.rec.NotePush(f.clock.Now())

	f.clock.Advance(3 * time.Minute)
	f.rec.Reconcile(context.Background(), []domain.ExchangeOrder{active("old", domain.SideBuy, "1")}, SourceREST)

	for i := 0; i < 5; i++ {
		assert.Empty(t, f.rec.CheckHealth(f.clock.Now()))
	}
	assert.True(t, f.rec.VerificationRequested())
	assert.True(t, f.tracker.Has("old"))
}

func TestReconciler_EnforceCeiling(t *testing.T) {
	f := newReconcilerFixture(t, nil)
	for i := 0; i < 5; i++ {
		f.addAged(t, fmt.Sprintf("old%d", i), domain.SideBuy, domain.PositionLong, "1", time.Duration(20-i)*time.Minute)
	}
	for i := 0; i < 4; i++ {
		f.addAged(t, fmt.Sprintf("new%d", i), domain.SideBuy, domain.PositionLong, "1", time.Minute)
	}

	removed := f.rec.EnforceCeiling()
	require.Len(t, removed, 3)
	assert.Equal(t, "old0", removed[0].ID)
	assert.Equal(t, "old1", removed[1].ID)
	assert.Equal(t, "old2", removed[2].ID)
	assert.Equal(t, 6, f.tracker.Len())
	assert.True(t, f.position.LongSize.IsZero())

	f2 := newReconcilerFixture(t, nil)
	for i := 0; i < 8; i++ {
		f2.addAged(t, fmt.Sprintf("o%d", i), domain.SideBuy, domain.PositionLong, "1", time.Hour)
	}
	assert.Empty(t, f2.rec.EnforceCeiling(), "at the ceiling nothing is dropped")
}
