package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ibot_go/internal/domain"
)

type trackedOrder struct {
	mu    sync.RWMutex
	order domain.Order
}

// StatusUpdate describes the effect of one applied status event.
type StatusUpdate struct {
	Order     domain.Order       // state after the update
	Previous  domain.OrderStatus // status before the update
	FillDelta int64              // newly filled quantity, 0 if none
	FillPrice decimal.Decimal    // average price of the newly filled quantity
	Changed   bool
}

// OrderTracker keeps every order submitted in this session. The index lock
// guards the map and registration order; each order has its own RWMutex so
// readers do not serialize behind one another.
type OrderTracker struct {
	mu     sync.RWMutex
	orders map[int64]*trackedOrder
	seq    []*trackedOrder // registration order
	now    func() time.Time
	logger *slog.Logger
}

// NewOrderTracker creates an empty tracker.
func NewOrderTracker(logger *slog.Logger) *OrderTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderTracker{
		orders: make(map[int64]*trackedOrder),
		now:    time.Now,
		logger: logger.With(slog.String("module", "tracker")),
	}
}

// Register inserts order as PENDING_SUBMIT.
func (t *OrderTracker) Register(order domain.Order) (domain.Order, error) {
	now := t.now()
	order.Status = domain.OrderStatusPendingSubmit
	order.FilledQty = 0
	order.AvgFillPrice = decimal.Zero
	order.CancelRequested = false
	order.CreatedAt = now
	order.LastUpdate = now

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.orders[order.ID]; exists {
		return domain.Order{}, &domain.DuplicateIdError{OrderID: order.ID}
	}
	to := &trackedOrder{order: order}
	t.orders[order.ID] = to
	t.seq = append(t.seq, to)
	return order, nil
}

func (t *OrderTracker) lookup(id int64) (*trackedOrder, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	to, ok := t.orders[id]
	return to, ok
}

// OnStatus applies a gateway status report. Unknown ids are logged and
// reported with domain.ErrUnknownOrder. Terminal orders never change; an
// overfill forces the order to REJECTED; a filled quantity lower than
// the one already seen is treated as stale and ignored.
func (t *OrderTracker) OnStatus(ev domain.OrderStatusEvent) (StatusUpdate, error) {
	to, ok := t.lookup(ev.OrderID)
	if !ok {
		t.logger.Warn("Status for unknown order dropped",
			slog.Int64("order_id", ev.OrderID),
			slog.String("status", ev.Status.String()))
		return StatusUpdate{}, fmt.Errorf("order %d: %w", ev.OrderID, domain.ErrUnknownOrder)
	}

	to.mu.Lock()
	defer to.mu.Unlock()

	o := &to.order
	upd := StatusUpdate{Previous: o.Status}

	if o.Status.IsTerminal() {
		upd.Order = *o
		if ev.Status == o.Status && ev.FilledQty == o.FilledQty {
			return upd, nil
		}
		return upd, &domain.IllegalTransitionError{OrderID: o.ID, From: o.Status, To: ev.Status, Detail: "order is terminal"}
	}

	if ev.FilledQty > o.RequestedQty {
		o.Status = domain.OrderStatusRejected
		o.LastUpdate = t.now()
		upd.Order = *o
		upd.Changed = true
		return upd, &domain.IllegalTransitionError{
			OrderID: o.ID, From: upd.Previous, To: ev.Status,
			Detail: fmt.Sprintf("filled %d exceeds requested %d", ev.FilledQty, o.RequestedQty),
		}
	}

	if ev.FilledQty < o.FilledQty {
		upd.Order = *o
		return upd, &domain.IllegalTransitionError{
			OrderID: o.ID, From: o.Status, To: ev.Status,
			Detail: fmt.Sprintf("stale fill %d below %d", ev.FilledQty, o.FilledQty),
		}
	}

	if delta := ev.FilledQty - o.FilledQty; delta > 0 {
		upd.FillDelta = delta
		upd.FillPrice = deltaPrice(o, ev.FilledQty, ev.AvgFillPrice, delta)
		o.FilledQty = ev.FilledQty
		if ev.AvgFillPrice.IsPositive() {
			o.AvgFillPrice = ev.AvgFillPrice
		} else {
			o.AvgFillPrice = upd.FillPrice
		}
	}

	o.Status = nextStatus(o, ev.Status)
	upd.Changed = upd.FillDelta > 0 || o.Status != upd.Previous
	if upd.Changed {
		o.LastUpdate = t.now()
	}
	upd.Order = *o
	return upd, nil
}

// nextStatus derives the new status of a non-terminal order from the
// reported status and the (already updated) filled quantity.
func nextStatus(o *domain.Order, reported domain.OrderStatus) domain.OrderStatus {
	if o.FilledQty == o.RequestedQty {
		return domain.OrderStatusFilled
	}
	switch reported {
	case domain.OrderStatusCancelled, domain.OrderStatusRejected:
		return reported
	case domain.OrderStatusPendingSubmit:
		if o.Status == domain.OrderStatusPendingSubmit && o.FilledQty == 0 {
			return domain.OrderStatusPendingSubmit
		}
	}
	if o.FilledQty > 0 {
		return domain.OrderStatusPartiallyFilled
	}
	return domain.OrderStatusSubmitted
}

// deltaPrice backs the price of the newest fill out of cumulative averages.
// Without a reported average it falls back to the limit price, then to the
// average of earlier fills. Zero means the price is unknown.
func deltaPrice(o *domain.Order, newFilled int64, newAvg decimal.Decimal, delta int64) decimal.Decimal {
	if !newAvg.IsPositive() {
		if o.LimitPrice.Valid {
			return o.LimitPrice.Decimal
		}
		if o.AvgFillPrice.IsPositive() {
			return o.AvgFillPrice
		}
		return decimal.Zero
	}
	if o.FilledQty == 0 || !o.AvgFillPrice.IsPositive() {
		return newAvg
	}
	total := newAvg.Mul(decimal.NewFromInt(newFilled))
	prior := o.AvgFillPrice.Mul(decimal.NewFromInt(o.FilledQty))
	return total.Sub(prior).Div(decimal.NewFromInt(delta))
}

// MarkRejected forces a non-terminal order to REJECTED, used when the
// gateway refuses a submission synchronously.
func (t *OrderTracker) MarkRejected(id int64) bool {
	to, ok := t.lookup(id)
	if !ok {
		return false
	}
	to.mu.Lock()
	defer to.mu.Unlock()
	if to.order.Status.IsTerminal() {
		return false
	}
	to.order.Status = domain.OrderStatusRejected
	to.order.LastUpdate = t.now()
	return true
}

// CancelByID flags an open order as pending cancel. It returns false for
// unknown or terminal orders and leaves them untouched.
func (t *OrderTracker) CancelByID(id int64) bool {
	to, ok := t.lookup(id)
	if !ok {
		return false
	}
	to.mu.Lock()
	defer to.mu.Unlock()
	if to.order.Status.IsTerminal() {
		return false
	}
	to.order.CancelRequested = true
	return true
}

// ClearCancelRequest undoes CancelByID after a failed dispatch.
func (t *OrderTracker) ClearCancelRequest(id int64) {
	if to, ok := t.lookup(id); ok {
		to.mu.Lock()
		to.order.CancelRequested = false
		to.mu.Unlock()
	}
}

// CancelByMatch flags the first open order, in registration order, whose
// instrument, side and limit price all match exactly. Orders already
// pending cancel are skipped. A market order matches only an invalid
// limitPrice.
func (t *OrderTracker) CancelByMatch(instrument string, side domain.Side, limitPrice decimal.NullDecimal) (int64, bool) {
	for _, to := range t.snapshot() {
		to.mu.Lock()
		o := &to.order
		if !o.Status.IsTerminal() && !o.CancelRequested &&
			o.Instrument == instrument && o.Side == side && samePrice(o.LimitPrice, limitPrice) {
			o.CancelRequested = true
			id := o.ID
			to.mu.Unlock()
			return id, true
		}
		to.mu.Unlock()
	}
	return 0, false
}

func samePrice(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}

// CancelAllOpen flags every non-terminal order and returns their ids in
// registration order.
func (t *OrderTracker) CancelAllOpen() []int64 {
	var ids []int64
	for _, to := range t.snapshot() {
		to.mu.Lock()
		if !to.order.Status.IsTerminal() {
			to.order.CancelRequested = true
			ids = append(ids, to.order.ID)
		}
		to.mu.Unlock()
	}
	return ids
}

// Get returns a copy of one order.
func (t *OrderTracker) Get(id int64) (domain.Order, bool) {
	to, ok := t.lookup(id)
	if !ok {
		return domain.Order{}, false
	}
	to.mu.RLock()
	defer to.mu.RUnlock()
	return to.order, true
}

// Open returns copies of non-terminal orders in registration order.
func (t *OrderTracker) Open() []domain.Order {
	return t.collect(func(o *domain.Order) bool { return o.IsOpen() })
}

// All returns copies of every tracked order in registration order.
func (t *OrderTracker) All() []domain.Order {
	return t.collect(func(*domain.Order) bool { return true })
}

// Prune drops terminal orders and returns how many were removed.
func (t *OrderTracker) Prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.seq[:0]
	removed := 0
	for _, to := range t.seq {
		to.mu.RLock()
		terminal := to.order.Status.IsTerminal()
		id := to.order.ID
		to.mu.RUnlock()
		if terminal {
			delete(t.orders, id)
			removed++
			continue
		}
		kept = append(kept, to)
	}
	for i := len(kept); i < len(t.seq); i++ {
		t.seq[i] = nil
	}
	t.seq = kept
	return removed
}

// Len returns the number of tracked orders.
func (t *OrderTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.seq)
}

func (t *OrderTracker) snapshot() []*trackedOrder {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*trackedOrder(nil), t.seq...)
}

func (t *OrderTracker) collect(keep func(*domain.Order) bool) []domain.Order {
	var out []domain.Order
	for _, to := range t.snapshot() {
		to.mu.RLock()
		if keep(&to.order) {
			out = append(out, to.order)
		}
		to.mu.RUnlock()
	}
	return out
}
