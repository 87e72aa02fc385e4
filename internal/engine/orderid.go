package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ibot_go/internal/domain"
)

// OrderIDAllocator hands out broker order ids. It is seeded by the
// gateway's ready event and never goes backwards across re-seeds.
type OrderIDAllocator struct {
	mu        sync.Mutex
	next      int64
	highWater int64 // last id handed out, 0 if none
	seeded    bool
	ready     chan struct{}
	logger    *slog.Logger
}

// NewOrderIDAllocator creates an unseeded allocator.
func NewOrderIDAllocator(logger *slog.Logger) *OrderIDAllocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &OrderIDAllocator{
		ready:  make(chan struct{}),
		logger: logger.With(slog.String("module", "orderid")),
	}
}

// Seed sets the next id to max(initial, highWater+1) and marks the
// allocator ready.
func (a *OrderIDAllocator) Seed(initial int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := initial
	if floor := a.highWater + 1; next < floor {
		a.logger.Warn("Seed below high-water mark, keeping high-water",
			slog.Int64("seed", initial),
			slog.Int64("high_water", a.highWater))
		next = floor
	}
	a.next = next
	if !a.seeded {
		a.seeded = true
		close(a.ready)
	}
	a.logger.Info("Order ids seeded", slog.Int64("next", next))
}

// Restore raises the high-water mark from a previous run without making
// the allocator ready. Lower values are ignored.
func (a *OrderIDAllocator) Restore(highWater int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if highWater > a.highWater {
		a.highWater = highWater
	}
}

// Next returns the next id. Before the first seed, or after Invalidate,
// it fails with *domain.NotReadyError.
func (a *OrderIDAllocator) Next() (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.seeded {
		return 0, &domain.NotReadyError{Component: "order id allocator"}
	}
	id := a.next
	a.next++
	a.highWater = id
	return id, nil
}

// Invalidate marks the allocator not ready until the next Seed. The
// high-water mark is kept.
func (a *OrderIDAllocator) Invalidate() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.seeded {
		a.seeded = false
		a.ready = make(chan struct{})
	}
}

// Ready reports whether Next can currently succeed.
func (a *OrderIDAllocator) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seeded
}

// HighWater returns the largest id handed out so far.
func (a *OrderIDAllocator) HighWater() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.highWater
}

// WaitReady blocks until seeded, the timeout elapses, or ctx is done.
func (a *OrderIDAllocator) WaitReady(ctx context.Context, timeout time.Duration) error {
	a.mu.Lock()
	ready := a.ready
	a.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ready:
		return nil
	case <-timer.C:
		return &domain.ConnectionTimeoutError{Op: "wait for next valid id", Timeout: timeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}
