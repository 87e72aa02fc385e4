package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// ExecutionGateway defines the broker capability the engine submits through.
// Submit and Cancel are fire-and-forget: outcomes arrive later as events.
type ExecutionGateway interface {
	Connect(ctx context.Context, host string, port int, clientID int) error
	Submit(ctx context.Context, req SubmitRequest) error
	Cancel(ctx context.Context, orderID int64) error
	Close() error
}

// OrderStatusEvent is a broker report about one order.
// FilledQty and AvgFillPrice are cumulative.
type OrderStatusEvent struct {
	OrderID      int64
	Status       OrderStatus
	FilledQty    int64
	RemainingQty int64
	AvgFillPrice decimal.Decimal
	Message      string
}

// PositionSnapshotEvent is an authoritative position report.
type PositionSnapshotEvent struct {
	Instrument string
	Quantity   int64
	AvgCost    decimal.Decimal
}

// OrderEvents receives order lifecycle callbacks.
type OrderEvents interface {
	OnOrderStatus(ev OrderStatusEvent)
}

// PositionEvents receives authoritative position snapshots.
type PositionEvents interface {
	OnPositionSnapshot(ev PositionSnapshotEvent)
}

// ConnectionEvents receives session lifecycle callbacks.
type ConnectionEvents interface {
	// OnReady carries the broker's next valid order id.
	OnReady(nextValidID int64)
	OnConnectionLost(err error)
}

// EventSink is the union a gateway needs to report everything it sees.
type EventSink interface {
	OrderEvents
	PositionEvents
	ConnectionEvents
}

// OrderJournal persists order snapshots and fills for audit. It is never
// read back by the engine, and implementations must not block callers.
type OrderJournal interface {
	RecordOrder(order Order)
	RecordFill(fill Fill)
}
