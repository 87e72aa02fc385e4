package event

import (
	"ibot_go/internal/domain"
)

// Type defines the type of event.
type Type uint16

const (
	EvReady Type = iota + 1
	EvOrderStatus
	EvPositionSnapshot
	EvConnectionLost
)

func (t Type) String() string {
	switch t {
	case EvReady:
		return "ready"
	case EvOrderStatus:
		return "order_status"
	case EvPositionSnapshot:
		return "position_snapshot"
	case EvConnectionLost:
		return "connection_lost"
	default:
		return "unknown"
	}
}

// Event is the interface for all dispatcher events.
type Event interface {
	GetSeq() uint64
	GetTs() int64
	GetType() Type
}

// BaseEvent contains common fields for all events. Ts is the enqueue time
// in unix nanoseconds.
type BaseEvent struct {
	Seq uint64 `json:"seq"`
	Ts  int64  `json:"ts"`
}

func (e BaseEvent) GetSeq() uint64 { return e.Seq }
func (e BaseEvent) GetTs() int64   { return e.Ts }

// ReadyEvent carries the gateway's next valid order id.
type ReadyEvent struct {
	BaseEvent
	NextValidID int64 `json:"next_valid_id"`
}

func (e ReadyEvent) GetType() Type { return EvReady }

// OrderStatusEvent wraps a broker order report.
type OrderStatusEvent struct {
	BaseEvent
	domain.OrderStatusEvent
}

func (e OrderStatusEvent) GetType() Type { return EvOrderStatus }

// PositionSnapshotEvent wraps an authoritative position report.
type PositionSnapshotEvent struct {
	BaseEvent
	domain.PositionSnapshotEvent
}

func (e PositionSnapshotEvent) GetType() Type { return EvPositionSnapshot }

// ConnectionLostEvent signals the gateway session dropped.
type ConnectionLostEvent struct {
	BaseEvent
	Err error `json:"-"`
}

func (e ConnectionLostEvent) GetType() Type { return EvConnectionLost }
