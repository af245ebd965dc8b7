package usecase

import (
	"slices"
	"time"

	"github.com/vitos/grid_trade_bot/internal/domain"
)

// OrderCounts aggregates the tracked orders.
type OrderCounts struct {
	Total int `json:"total"`
	Buy   int `json:"buy"`
	Sell  int `json:"sell"`
	Long  int `json:"long"`
	Short int `json:"short"`
}

// DefaultCancelRetention is how long a cancelled order is remembered so that
// executions reported after the cancel can still be credited.
const DefaultCancelRetention = 2 * time.Minute

type cancelledOrder struct {
	order domain.Order
	at    time.Time
}

// OrderTracker is the local view of the orders this process believes are open.
// It is owned by the control loop and is not safe for concurrent use.
type OrderTracker struct {
	orders  map[string]*domain.Order
	order   []string // insertion order of ids
	version uint64
	now     func() time.Time

	cancelled       map[string]cancelledOrder
	cancelRetention time.Duration
}

func NewOrderTracker() *OrderTracker {
	return &OrderTracker{
		orders:          make(map[string]*domain.Order),
		cancelled:       make(map[string]cancelledOrder),
		cancelRetention: DefaultCancelRetention,
		now:             time.Now,
	}
}

// Add inserts the order, or updates it in place if the id is already tracked.
// Inconsistent records are rejected so the table never holds them.
func (t *OrderTracker) Add(o domain.Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = t.now()
	}
	if o.Status == "" {
		o.Status = domain.OrderActive
	}
	if existing, ok := t.orders[o.ID]; ok {
		*existing = o
	} else {
		rec := o
		t.orders[o.ID] = &rec
		t.order = append(t.order, o.ID)
	}
	t.version++
	return nil
}

// Remove deletes the order and returns the prior record.
func (t *OrderTracker) Remove(id string) (domain.Order, bool) {
	o, ok := t.orders[id]
	if !ok {
		return domain.Order{}, false
	}
	delete(t.orders, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	t.version++
	return *o, true
}

// MarkCancelled removes an order whose cancel the exchange accepted. The record
// stays reachable through Cancelled until its terminal event arrives or the
// retention period ends.
func (t *OrderTracker) MarkCancelled(id string) (domain.Order, bool) {
	o, ok := t.Remove(id)
	if !ok {
		return o, false
	}
	t.pruneCancelled()
	t.cancelled[id] = cancelledOrder{order: o, at: t.now()}
	return o, true
}

// Cancelled returns a recently cancelled order.
func (t *OrderTracker) Cancelled(id string) (domain.Order, bool) {
	c, ok := t.cancelled[id]
	if !ok || t.now().Sub(c.at) > t.cancelRetention {
		return domain.Order{}, false
	}
	return c.order, true
}

func (t *OrderTracker) updateCancelled(o domain.Order) {
	if c, ok := t.cancelled[o.ID]; ok {
		c.order = o
		t.cancelled[o.ID] = c
	}
}

func (t *OrderTracker) forgetCancelled(id string) {
	delete(t.cancelled, id)
}

func (t *OrderTracker) pruneCancelled() {
	now := t.now()
	for id, c := range t.cancelled {
		if now.Sub(c.at) > t.cancelRetention {
			delete(t.cancelled, id)
		}
	}
}

func (t *OrderTracker) Get(id string) (domain.Order, bool) {
	o, ok := t.orders[id]
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

// update replaces a tracked record without changing its position in the table.
func (t *OrderTracker) update(o domain.Order) {
	if existing, ok := t.orders[o.ID]; ok {
		*existing = o
		t.version++
	}
}

func (t *OrderTracker) Has(id string) bool {
	_, ok := t.orders[id]
	return ok
}

func (t *OrderTracker) Len() int {
	return len(t.orders)
}

// IDs returns the tracked ids in insertion order.
func (t *OrderTracker) IDs() []string {
	ids := make([]string, len(t.order))
	copy(ids, t.order)
	return ids
}

// Snapshot returns copies of all tracked orders in insertion order.
func (t *OrderTracker) Snapshot() []domain.Order {
	return t.filter(func(domain.Order) bool { return true })
}

func (t *OrderTracker) BySide(side domain.Side) []domain.Order {
	return t.filter(func(o domain.Order) bool { return o.Side == side })
}

func (t *OrderTracker) ByPositionType(pt domain.PositionType) []domain.Order {
	return t.filter(func(o domain.Order) bool { return o.PositionType == pt })
}

// Select returns the orders with both the given side and position type.
func (t *OrderTracker) Select(side domain.Side, pt domain.PositionType) []domain.Order {
	return t.filter(func(o domain.Order) bool { return o.Side == side && o.PositionType == pt })
}

func (t *OrderTracker) Counts() OrderCounts {
	var c OrderCounts
	for _, o := range t.orders {
		c.Total++
		if o.Side == domain.SideBuy {
			c.Buy++
		} else {
			c.Sell++
		}
		if o.PositionType == domain.PositionLong {
			c.Long++
		} else {
			c.Short++
		}
	}
	return c
}

// CleanupStale removes every order older than maxAge and returns them.
func (t *OrderTracker) CleanupStale(maxAge time.Duration) []domain.Order {
	now := t.now()
	var removed []domain.Order
	for _, id := range t.IDs() {
		o := t.orders[id]
		if now.Sub(o.CreatedAt) > maxAge {
			if rec, ok := t.Remove(id); ok {
				removed = append(removed, rec)
			}
		}
	}
	return removed
}

// Oldest returns up to n orders older than minAge, oldest first.
// n <= 0 means no limit.
func (t *OrderTracker) Oldest(n int, minAge time.Duration) []domain.Order {
	now := t.now()
	candidates := t.filter(func(o domain.Order) bool { return now.Sub(o.CreatedAt) > minAge })
	// stable, so equal ages keep insertion order
	slices.SortStableFunc(candidates, func(a, b domain.Order) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if n > 0 && len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// Clear drops every tracked order and returns how many there were.
func (t *OrderTracker) Clear() int {
	n := len(t.orders)
	t.orders = make(map[string]*domain.Order)
	t.order = nil
	t.cancelled = make(map[string]cancelledOrder)
	if n > 0 {
		t.version++
	}
	return n
}

// Version changes on every mutation.
func (t *OrderTracker) Version() uint64 {
	return t.version
}

func (t *OrderTracker) filter(keep func(domain.Order) bool) []domain.Order {
	var out []domain.Order
	for _, id := range t.order {
		o := t.orders[id]
		if keep(*o) {
			out = append(out, *o)
		}
	}
	return out
}
