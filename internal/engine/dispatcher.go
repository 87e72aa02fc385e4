package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ibot_go/internal/domain"
	"ibot_go/internal/event"
	"ibot_go/internal/infra"
)

// Dispatcher is the single callback context. Gateways report into it from
// any goroutine; Run delivers the events one at a time, in arrival order,
// to a domain.EventSink.
type Dispatcher struct {
	inbox   chan event.Event
	stopped chan struct{}
	stop    sync.Once

	mu      sync.Mutex // serializes sequence assignment with the send
	lastSeq uint64
	nextSeq uint64 // consumer side, only touched by Run

	metrics *infra.Metrics
	logger  *slog.Logger
}

var _ domain.EventSink = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher with a buffered inbox.
func NewDispatcher(inboxSize int, metrics *infra.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = &infra.Metrics{}
	}
	return &Dispatcher{
		inbox:   make(chan event.Event, inboxSize),
		stopped: make(chan struct{}),
		nextSeq: 1,
		metrics: metrics,
		logger:  logger.With(slog.String("module", "dispatcher")),
	}
}

func (d *Dispatcher) OnReady(nextValidID int64) {
	d.enqueue(func(b event.BaseEvent) event.Event {
		return &event.ReadyEvent{BaseEvent: b, NextValidID: nextValidID}
	})
}

func (d *Dispatcher) OnOrderStatus(ev domain.OrderStatusEvent) {
	d.enqueue(func(b event.BaseEvent) event.Event {
		pooled := event.AcquireOrderStatusEvent()
		pooled.BaseEvent = b
		pooled.OrderStatusEvent = ev
		return pooled
	})
}

func (d *Dispatcher) OnPositionSnapshot(ev domain.PositionSnapshotEvent) {
	d.enqueue(func(b event.BaseEvent) event.Event {
		return &event.PositionSnapshotEvent{BaseEvent: b, PositionSnapshotEvent: ev}
	})
}

func (d *Dispatcher) OnConnectionLost(err error) {
	d.enqueue(func(b event.BaseEvent) event.Event {
		return &event.ConnectionLostEvent{BaseEvent: b, Err: err}
	})
}

// enqueue stamps and sends an event. It blocks while the inbox is full
// and drops the event once the dispatcher has stopped.
func (d *Dispatcher) enqueue(build func(event.BaseEvent) event.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	select {
	case <-d.stopped:
		d.logger.Warn("Dispatcher stopped, event dropped")
		return
	default:
	}

	ev := build(event.BaseEvent{Seq: d.lastSeq + 1, Ts: time.Now().UnixNano()})
	select {
	case d.inbox <- ev:
		d.lastSeq++
	case <-d.stopped:
		d.logger.Warn("Dispatcher stopped, event dropped", slog.String("type", ev.GetType().String()))
		release(ev)
	}
}

// Run delivers events to sink until ctx is done. It MUST be run in a
// single goroutine.
func (d *Dispatcher) Run(ctx context.Context, sink domain.EventSink) error {
	d.logger.Info("Dispatcher started")
	defer d.shutdown()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Dispatcher stopping...")
			return nil
		case ev := <-d.inbox:
			d.process(ev, sink)
		}
	}
}

// shutdown refuses further events and returns undelivered ones to the
// pool. Taking mu waits out any enqueue that is mid-send.
func (d *Dispatcher) shutdown() {
	d.stop.Do(func() { close(d.stopped) })

	d.mu.Lock()
	defer d.mu.Unlock()

	dropped := 0
	for {
		select {
		case ev := <-d.inbox:
			release(ev)
			dropped++
		default:
			if dropped > 0 {
				d.logger.Warn("Undelivered events discarded", slog.Int("count", dropped))
			}
			return
		}
	}
}

// Pending returns the number of queued events.
func (d *Dispatcher) Pending() int {
	return len(d.inbox)
}

func (d *Dispatcher) process(ev event.Event, sink domain.EventSink) {
	defer release(ev)
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("CRITICAL_PANIC_RECOVERED",
				slog.String("type", ev.GetType().String()),
				slog.Uint64("seq", ev.GetSeq()),
				slog.Any("panic", fmt.Sprint(r)))
		}
	}()

	if ev.GetSeq() != d.nextSeq {
		d.logger.Error("SEQUENCE_GAP_DETECTED",
			slog.Uint64("expected", d.nextSeq),
			slog.Uint64("got", ev.GetSeq()))
	}
	d.nextSeq = ev.GetSeq() + 1

	switch e := ev.(type) {
	case *event.ReadyEvent:
		sink.OnReady(e.NextValidID)
	case *event.OrderStatusEvent:
		sink.OnOrderStatus(e.OrderStatusEvent)
	case *event.PositionSnapshotEvent:
		sink.OnPositionSnapshot(e.PositionSnapshotEvent)
	case *event.ConnectionLostEvent:
		sink.OnConnectionLost(e.Err)
	default:
		d.logger.Warn("Unknown event type", slog.Any("type", ev.GetType()))
	}

	d.metrics.RecordEvent(time.Now().UnixNano() - ev.GetTs())
}

func release(ev event.Event) {
	if se, ok := ev.(*event.OrderStatusEvent); ok {
		event.ReleaseOrderStatusEvent(se)
	}
}
