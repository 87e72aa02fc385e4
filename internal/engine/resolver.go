package engine

import "ibot_go/internal/domain"

// Resolution is the order the resolver decided on. Qty 0 means no action.
type Resolution struct {
	Side domain.Side
	Qty  int64
}

// NoOp reports whether nothing needs to be sent.
func (r Resolution) NoOp() bool {
	return r.Qty == 0
}

// Resolve sizes an order against the current signed position.
//
// OPEN adds requested to the target direction, first flattening an
// opposite position: BUY against a short of -3 with requested 2 sends 5.
// CLOSE only ever reduces: it sends min(requested, |current|) when the
// action closes existing exposure and 0 otherwise. The side is always the
// action.
func Resolve(current int64, action domain.Side, reason domain.Reason, requested int64) (Resolution, error) {
	if !action.Valid() {
		return Resolution{}, &domain.ValidationError{Field: "action", Value: action, Err: domain.ErrInvalidAction}
	}
	if requested <= 0 {
		return Resolution{}, &domain.ValidationError{Field: "quantity", Value: requested, Err: domain.ErrInvalidQuantity}
	}

	opposes := (action == domain.SideBuy && current < 0) || (action == domain.SideSell && current > 0)

	switch reason {
	case domain.ReasonOpen:
		qty := requested
		if opposes {
			qty += abs64(current)
		}
		return Resolution{Side: action, Qty: qty}, nil
	case domain.ReasonClose:
		if !opposes {
			return Resolution{Side: action}, nil
		}
		return Resolution{Side: action, Qty: min(requested, abs64(current))}, nil
	default:
		return Resolution{}, &domain.ValidationError{Field: "reason", Value: reason, Err: domain.ErrInvalidReason}
	}
}
