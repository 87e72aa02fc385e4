package event

import (
	"sync"

	"github.com/shopspring/decimal"
)

// Order status reports are the high-frequency event; they are pooled to
// reduce GC pressure.
//
// Usage:
//
//	ev := AcquireOrderStatusEvent()
//	ev.OrderID = 42
//	// ... dispatch ...
//	ReleaseOrderStatusEvent(ev)  // Return to pool after processing
var orderStatusPool = sync.Pool{
	New: func() interface{} {
		return &OrderStatusEvent{}
	},
}

// AcquireOrderStatusEvent gets an OrderStatusEvent from the pool.
// The returned event has zero values and must be initialized.
func AcquireOrderStatusEvent() *OrderStatusEvent {
	return orderStatusPool.Get().(*OrderStatusEvent)
}

// ReleaseOrderStatusEvent returns an OrderStatusEvent to the pool.
// The event is reset to zero values before being pooled.
func ReleaseOrderStatusEvent(ev *OrderStatusEvent) {
	if ev == nil {
		return
	}
	ev.Seq = 0
	ev.Ts = 0
	ev.OrderID = 0
	ev.Status = 0
	ev.FilledQty = 0
	ev.RemainingQty = 0
	ev.AvgFillPrice = decimal.Zero
	ev.Message = ""

	orderStatusPool.Put(ev)
}

// Warmup pre-allocates event objects to reduce GC pressure at startup.
func Warmup() {
	const batchSize = 256

	evs := make([]*OrderStatusEvent, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		evs = append(evs, AcquireOrderStatusEvent())
	}
	for _, ev := range evs {
		ReleaseOrderStatusEvent(ev)
	}
}
