package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitos/grid_trade_bot/internal/domain"
)

func testEngineConfig() EngineConfig {
	return EngineConfig{
		Symbol:            "BTCUSDT",
		GridSpacing:       dec("0.0003"),
		PositionThreshold: dec("1"),
		MaxOrdersPerSide:  4,
		MinTakeProfit:     dec("0.001"),
		MaxTakeProfit:     dec("0.02"),
		NoHedgeTakeProfit: dec("0.02"),
		EntryCooldown:     5 * time.Second,
	}
}

func newTestEngine(cfg EngineConfig) (*GridEngine, *MockExchange, *OrderTracker) {
	ex := NewMockExchange()
	tr := NewOrderTracker()
	return NewGridEngine(cfg, ex.Constraints, ex, tr, zap.NewNop()), ex, tr
}

func input(price string, pos domain.Position, tracked ...domain.Order) DecisionInput {
	return DecisionInput{
		Price:        dec(price),
		Position:     pos,
		Tracked:      tracked,
		BaseQuantity: dec("0.1"),
		Now:          time.Now(),
	}
}

func TestGridEngine_FlatEntriesUseGridSpacing(t *testing.T) {
	e, _, _ := newTestEngine(testEngineConfig())

	long := e.Decide(domain.PositionLong, input("100", domain.Position{}))
	assert.Equal(t, StateFlat, long.State)
	require.Len(t, long.Place, 1)
	assert.Equal(t, domain.SideBuy, long.Place[0].Side)
	assert.Equal(t, IntentEntry, long.Place[0].Intent)
	assert.True(t, long.Place[0].Price.Equal(dec("99.97")), long.Place[0].Price.String())
	assert.True(t, long.Place[0].Quantity.Equal(dec("0.1")))
	assert.False(t, long.Place[0].ReduceOnly)

	short := e.Decide(domain.PositionShort, input("100", domain.Position{}))
	require.Len(t, short.Place, 1)
	assert.Equal(t, domain.SideSell, short.Place[0].Side)
	assert.True(t, short.Place[0].Price.Equal(dec("100.03")), short.Place[0].Price.String())
}

func TestGridEngine_FlatSkipsDuplicateEntry(t *testing.T) {
	e, _, _ := newTestEngine(testEngineConfig())
	entry := testOrder("e1", domain.SideBuy, domain.PositionLong, "0.1")

	d := e.Decide(domain.PositionLong, input("100", domain.Position{}, entry))
	assert.Empty(t, d.Place)
	assert.Empty(t, d.Cancel)
	assert.Equal(t, "entry already tracked", d.Skipped)
}

func TestGridEngine_FlatCancelsLeftoverExit(t *testing.T) {
	e, _, _ := newTestEngine(testEngineConfig())
	exit := testOrder("x1", domain.SideSell, domain.PositionLong, "0.1")

	d := e.Decide(domain.PositionLong, input("100", domain.Position{}, exit))
	require.Len(t, d.Cancel, 1)
	assert.Equal(t, "x1", d.Cancel[0].ID)
	require.Len(t, d.Place, 1)
	assert.Equal(t, IntentEntry, d.Place[0].Intent)
}

func TestGridEngine_FlatEntryCooldown(t *testing.T) {
	e, _, _ := newTestEngine(testEngineConfig())
	in := input("100", domain.Position{})
	in.LastEntry = in.Now.Add(-time.Second)

	d := e.Decide(domain.PositionLong, in)
	assert.Empty(t, d.Place)
	assert.Equal(t, "entry cooldown", d.Skipped)

	in.LastEntry = in.Now.Add(-6 * time.Second)
	d = e.Decide(domain.PositionLong, in)
	assert.Len(t, d.Place, 1)
}

func TestGridEngine_HoldingPlacesExitAndReentry(t *testing.T) {
	e, _, _ := newTestEngine(testEngineConfig())
	pos := domain.Position{LongSize: dec("0.1"), ShortSize: dec("0.3")}
	stale := testOrder("old", domain.SideSell, domain.PositionLong, "0.1")

	long := e.Decide(domain.PositionLong, input("100", pos, stale))
	assert.Equal(t, StateHolding, long.State)
	require.Len(t, long.Cancel, 1)
	require.Len(t, long.Place, 2)

	exit, reentry := long.Place[0], long.Place[1]
	assert.Equal(t, domain.SideSell, exit.Side)
	assert.True(t, exit.ReduceOnly)
	assert.True(t, exit.Price.Equal(dec("100.03")), exit.Price.String())
	assert.Equal(t, domain.SideBuy, reentry.Side)
	assert.True(t, reentry.Price.Equal(dec("99.97")), reentry.Price.String())

	short := e.Decide(domain.PositionShort, input("100", pos))
	require.Len(t, short.Place, 2)
	assert.Equal(t, domain.SideBuy, short.Place[0].Side)
	assert.True(t, short.Place[0].Price.Equal(dec("99.97")))
	assert.Equal(t, domain.SideSell, short.Place[1].Side)
	assert.True(t, short.Place[1].Price.Equal(dec("100.03")))
}

func TestGridEngine_OversizedExitOnly(t *testing.T) {
	e, _, _ := newTestEngine(testEngineConfig())
	pos := domain.Position{LongSize: dec("1.5"), ShortSize: dec("1")}
	reentry := testOrder("re", domain.SideBuy, domain.PositionLong, "0.1")

	d := e.Decide(domain.PositionLong, input("100", pos, reentry))
	assert.Equal(t, StateOversized, d.State)
	require.Len(t, d.Cancel, 1, "entry-direction orders are cancelled")
	assert.Equal(t, "re", d.Cancel[0].ID)
	require.Len(t, d.Place, 1)
	assert.Equal(t, domain.SideSell, d.Place[0].Side)
	assert.True(t, d.Place[0].Quantity.Equal(dec("0.2")), "double the base quantity")
	// ratio 1.5 -> multiplier 1.015
	assert.True(t, d.Place[0].Price.Equal(dec("101.5")), d.Place[0].Price.String())

	shortPos := domain.Position{LongSize: dec("1"), ShortSize: dec("1.5")}
	s := e.Decide(domain.PositionShort, input("100", shortPos))
	require.Len(t, s.Place, 1)
	assert.Equal(t, domain.SideBuy, s.Place[0].Side)
	assert.True(t, s.Place[0].Price.Equal(dec("98.52")), s.Place[0].Price.String())
}

func TestGridEngine_OversizedWithoutHedgeUsesFixedTakeProfit(t *testing.T) {
	e, _, _ := newTestEngine(testEngineConfig())
	d := e.Decide(domain.PositionLong, input("100", domain.Position{LongSize: dec("3")}))
	require.Len(t, d.Place, 1)
	assert.True(t, d.Place[0].Price.Equal(dec("102")), d.Place[0].Price.String())
}

func TestGridEngine_OversizedDoesNotStackTakeProfits(t *testing.T) {
	e, _, _ := newTestEngine(testEngineConfig())
	exit := testOrder("tp", domain.SideSell, domain.PositionLong, "0.2")

	d := e.Decide(domain.PositionLong, input("100", domain.Position{LongSize: dec("3")}, exit))
	assert.Empty(t, d.Place)
	assert.Empty(t, d.Cancel)
	assert.Equal(t, "take-profit already tracked", d.Skipped)
}

func TestGridEngine_HedgeMultiplierMonotoneAndBounded(t *testing.T) {
	e, _, _ := newTestEngine(testEngineConfig())
	lo, hi := dec("1.001"), dec("1.02")
	short := dec("1")

	prev := decimal.Zero
	for long := dec("1"); long.LessThanOrEqual(dec("20")); long = long.Add(dec("0.25")) {
		m := e.HedgeMultiplier(long, short)
		assert.True(t, m.GreaterThanOrEqual(prev), "multiplier decreased at ratio %s", long)
		assert.True(t, m.GreaterThanOrEqual(lo) && m.LessThanOrEqual(hi), "multiplier %s out of bounds", m)
		prev = m
	}
	assert.True(t, e.HedgeMultiplier(dec("0.01"), short).Equal(lo))
	assert.True(t, e.HedgeMultiplier(dec("100"), short).Equal(hi))
}

func TestGridEngine_MaxOrdersPerSide(t *testing.T) {
	cfg := testEngineConfig()
	cfg.MaxOrdersPerSide = 1
	e, _, _ := newTestEngine(cfg)

	d := e.Decide(domain.PositionLong, input("100", domain.Position{LongSize: dec("0.5")}))
	require.Len(t, d.Place, 1)
	assert.Equal(t, IntentExit, d.Place[0].Intent, "exit has priority")

	cfg.MaxOrdersPerSide = 0
	e, _, _ = newTestEngine(cfg)
	assert.Len(t, e.Decide(domain.PositionLong, input("100", domain.Position{LongSize: dec("0.5")})).Place, 2)
}

func TestGridEngine_RejectsUnsatisfiablePrice(t *testing.T) {
	e, _, _ := newTestEngine(testEngineConfig())
	d := e.Decide(domain.PositionLong, input("0.001", domain.Position{}))
	assert.Empty(t, d.Place)
	require.Len(t, d.Rejected, 1)
	assert.ErrorIs(t, d.Rejected[0], domain.ErrInvalidPrice)
}

func TestGridEngine_ExecuteUpdatesTracker(t *testing.T) {
	e, ex, tr := newTestEngine(testEngineConfig())
	ctx := context.Background()
	require.NoError(t, tr.Add(testOrder("stale", domain.SideSell, domain.PositionLong, "0.1")))

	d, res := e.Evaluate(ctx, domain.PositionLong, dec("100"), domain.Position{LongSize: dec("0.5")}, dec("0.1"))
	assert.Equal(t, StateHolding, d.State)
	assert.Equal(t, ExecutionResult{Placed: 2, Cancelled: 1}, res)
	assert.Equal(t, []string{"stale"}, ex.Cancelled)

	assert.False(t, tr.Has("stale"))
	_, ok := tr.Cancelled("stale")
	assert.True(t, ok, "cancelled orders stay reachable for late events")
	assert.Equal(t, 2, tr.Len())
	for _, id := range ex.PlacedIDs {
		o, ok := tr.Get(id)
		require.True(t, ok)
		assert.Equal(t, domain.PositionLong, o.PositionType)
		assert.True(t, o.RemainingQuantity.Equal(o.Quantity))
	}
	assert.True(t, ex.Placed[0].ReduceOnly)
	assert.Equal(t, domain.TimeInForceGTC, ex.Placed[0].TimeInForce)
}

func TestGridEngine_ExecuteFailuresLeaveTracker(t *testing.T) {
	e, ex, tr := newTestEngine(testEngineConfig())
	ctx := context.Background()
	require.NoError(t, tr.Add(testOrder("keep", domain.SideSell, domain.PositionLong, "0.1")))
	ex.CancelErr = errors.New("timeout")
	ex.PlaceErr = errors.New("rejected")

	_, res := e.Evaluate(ctx, domain.PositionLong, dec("100"), domain.Position{LongSize: dec("0.5")}, dec("0.1"))
	assert.Equal(t, 3, res.Failed)
	assert.True(t, tr.Has("keep"))
	assert.Equal(t, 1, tr.Len())
}

func TestGridEngine_EntryCooldownAcrossEvaluations(t *testing.T) {
	e, ex, tr := newTestEngine(testEngineConfig())
	clock := newClock()
	e.now = clock.Now
	ex.PlaceErr = errors.New("rejected")
	ctx := context.Background()

	e.Evaluate(ctx, domain.PositionLong, dec("100"), domain.Position{}, dec("0.1"))
	assert.Equal(t, 0, tr.Len())

	ex.PlaceErr = nil
	clock.Advance(time.Second)
	d, _ := e.Evaluate(ctx, domain.PositionLong, dec("100"), domain.Position{}, dec("0.1"))
	assert.Equal(t, "entry cooldown", d.Skipped)

	clock.Advance(5 * time.Second)
	_, res := e.Evaluate(ctx, domain.PositionLong, dec("100"), domain.Position{}, dec("0.1"))
	assert.Equal(t, 1, res.Placed)
}
