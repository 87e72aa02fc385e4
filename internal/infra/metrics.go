package infra

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Signal outcomes
	signalsAccepted    atomic.Uint64
	signalsSkipped     atomic.Uint64
	signalsRejected    atomic.Uint64
	signalsUnavailable atomic.Uint64

	// Order lifecycle
	ordersFilled       atomic.Uint64
	ordersCancelled    atomic.Uint64
	ordersRejected     atomic.Uint64
	eventsDropped      atomic.Uint64
	illegalTransitions atomic.Uint64

	// Event latency (enqueue -> applied)
	eventsProcessed atomic.Uint64
	latencySumNs    atomic.Int64

	// Gauges
	connected atomic.Int32 // 1 = session ready, 0 = down
}

// GlobalMetrics is the process-wide metrics instance.
var GlobalMetrics = &Metrics{}

func (m *Metrics) RecordAccepted()    { m.signalsAccepted.Add(1) }
func (m *Metrics) RecordSkipped()     { m.signalsSkipped.Add(1) }
func (m *Metrics) RecordRejected()    { m.signalsRejected.Add(1) }
func (m *Metrics) RecordUnavailable() { m.signalsUnavailable.Add(1) }

// RecordOrderFilled records an order reaching FILLED.
func (m *Metrics) RecordOrderFilled() {
	m.ordersFilled.Add(1)
}

func (m *Metrics) RecordOrderCancelled() { m.ordersCancelled.Add(1) }
func (m *Metrics) RecordOrderRejected()  { m.ordersRejected.Add(1) }

// RecordDropped records a status event for an unknown order.
func (m *Metrics) RecordDropped() {
	m.eventsDropped.Add(1)
}

// RecordIllegalTransition records a status event the tracker refused.
func (m *Metrics) RecordIllegalTransition() {
	m.illegalTransitions.Add(1)
}

// RecordEvent records one dispatched gateway event with its queueing latency.
func (m *Metrics) RecordEvent(latencyNs int64) {
	m.eventsProcessed.Add(1)
	m.latencySumNs.Add(latencyNs)
}

// SetConnected sets the session state gauge.
func (m *Metrics) SetConnected(up bool) {
	if up {
		m.connected.Store(1)
	} else {
		m.connected.Store(0)
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	SignalsAccepted    uint64    `json:"signals_accepted"`
	SignalsSkipped     uint64    `json:"signals_skipped"`
	SignalsRejected    uint64    `json:"signals_rejected"`
	SignalsUnavailable uint64    `json:"signals_unavailable"`
	OrdersFilled       uint64    `json:"orders_filled"`
	OrdersCancelled    uint64    `json:"orders_cancelled"`
	OrdersRejected     uint64    `json:"orders_rejected"`
	EventsDropped      uint64    `json:"events_dropped"`
	IllegalTransitions uint64    `json:"illegal_transitions"`
	EventsProcessed    uint64    `json:"events_processed"`
	AvgLatencyNs       int64     `json:"avg_latency_ns"`
	Connected          bool      `json:"connected"`
	Timestamp          time.Time `json:"timestamp"`
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.eventsProcessed.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		SignalsAccepted:    m.signalsAccepted.Load(),
		SignalsSkipped:     m.signalsSkipped.Load(),
		SignalsRejected:    m.signalsRejected.Load(),
		SignalsUnavailable: m.signalsUnavailable.Load(),
		OrdersFilled:       m.ordersFilled.Load(),
		OrdersCancelled:    m.ordersCancelled.Load(),
		OrdersRejected:     m.ordersRejected.Load(),
		EventsDropped:      m.eventsDropped.Load(),
		IllegalTransitions: m.illegalTransitions.Load(),
		EventsProcessed:    count,
		AvgLatencyNs:       avgLatency,
		Connected:          m.connected.Load() == 1,
		Timestamp:          time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.signalsAccepted.Store(0)
	m.signalsSkipped.Store(0)
	m.signalsRejected.Store(0)
	m.signalsUnavailable.Store(0)
	m.ordersFilled.Store(0)
	m.ordersCancelled.Store(0)
	m.ordersRejected.Store(0)
	m.eventsDropped.Store(0)
	m.illegalTransitions.Store(0)
	m.eventsProcessed.Store(0)
	m.latencySumNs.Store(0)
	m.connected.Store(0)
}

// Report logs a snapshot every interval until ctx is done.
func (m *Metrics) Report(ctx context.Context, logger *slog.Logger, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s := m.Snapshot()
			logger.Info("📊 Metrics",
				slog.Uint64("accepted", s.SignalsAccepted),
				slog.Uint64("skipped", s.SignalsSkipped),
				slog.Uint64("rejected", s.SignalsRejected),
				slog.Uint64("unavailable", s.SignalsUnavailable),
				slog.Uint64("filled", s.OrdersFilled),
				slog.Uint64("dropped", s.EventsDropped),
				slog.Uint64("illegal", s.IllegalTransitions),
				slog.Int64("avg_latency_ns", s.AvgLatencyNs),
				slog.Bool("connected", s.Connected))
		}
	}
}
