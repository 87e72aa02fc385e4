package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Reason tags an intent as increasing (OPEN) or reducing (CLOSE) exposure.
type Reason uint8

const (
	ReasonUnknown Reason = iota
	ReasonOpen
	ReasonClose
)

func (r Reason) String() string {
	switch r {
	case ReasonOpen:
		return "OPEN"
	case ReasonClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// ParseReason accepts OPEN/CLOSE as well as alert tags such as
// "Open-Long" or "Close-Short"; only the prefix decides.
func ParseReason(value string) (Reason, error) {
	v := strings.ToUpper(strings.TrimSpace(value))
	switch {
	case strings.HasPrefix(v, "OPEN"):
		return ReasonOpen, nil
	case strings.HasPrefix(v, "CLOSE"):
		return ReasonClose, nil
	}
	return ReasonUnknown, &ValidationError{Field: "reason", Value: value, Err: ErrInvalidReason}
}

// Intent is a directional trading request from a webhook or a strategy.
// A zero Type lets the engine choose: LIMIT when LimitPrice is set,
// otherwise its configured default.
type Intent struct {
	Instrument   string
	Action       Side
	Reason       Reason
	RequestedQty int64
	Type         OrderType
	LimitPrice   decimal.NullDecimal
}

// OutcomeKind classifies the result of handling an intent.
type OutcomeKind uint8

const (
	OutcomeAccepted OutcomeKind = iota + 1
	OutcomeSkipped
	OutcomeRejected
	OutcomeUnavailable
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeRejected:
		return "rejected"
	case OutcomeUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// SkipNoOp is the reason attached to a Skipped outcome when the resolver
// returns a zero quantity.
const SkipNoOp = "no-op"

// Outcome is what HandleSignal returns to the inbound collaborator.
type Outcome struct {
	Kind    OutcomeKind
	OrderID int64
	Qty     int64
	Side    Side
	Reason  string
	Err     error
}

func Accepted(orderID, qty int64, side Side) Outcome {
	return Outcome{Kind: OutcomeAccepted, OrderID: orderID, Qty: qty, Side: side}
}

func Skipped(reason string) Outcome {
	return Outcome{Kind: OutcomeSkipped, Reason: reason}
}

func Rejected(err error) Outcome {
	return Outcome{Kind: OutcomeRejected, Reason: err.Error(), Err: err}
}

func Unavailable(err error) Outcome {
	return Outcome{Kind: OutcomeUnavailable, Reason: err.Error(), Err: err}
}
