package domain

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or a trading intent.
type Side uint8

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

const (
	sideBuyStr  = "BUY"
	sideSellStr = "SELL"
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return sideBuyStr
	case SideSell:
		return sideSellStr
	default:
		return "UNKNOWN"
	}
}

// Sign returns +1 for BUY, -1 for SELL and 0 otherwise.
func (s Side) Sign() int64 {
	switch s {
	case SideBuy:
		return 1
	case SideSell:
		return -1
	default:
		return 0
	}
}

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

func (s Side) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, errors.New("invalid side json conversion: " + strconv.Itoa(int(s)))
	}
	return []byte(`"` + s.String() + `"`), nil
}

func (s *Side) UnmarshalJSON(data []byte) error {
	parsed, err := ParseSide(string(bytes.Trim(data, `"`)))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSide converts "buy"/"BUY"/"sell"/"SELL" into a Side.
func ParseSide(value string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case sideBuyStr:
		return SideBuy, nil
	case sideSellStr:
		return SideSell, nil
	}
	return SideUnknown, &ValidationError{Field: "action", Value: value, Err: ErrInvalidAction}
}

// OrderType is MARKET or LIMIT.
type OrderType uint8

const (
	OrderTypeMarket OrderType = iota + 1
	OrderTypeLimit
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "MARKET"
	case OrderTypeLimit:
		return "LIMIT"
	default:
		return "UNKNOWN"
	}
}

func (t OrderType) MarshalJSON() ([]byte, error) {
	if t != OrderTypeMarket && t != OrderTypeLimit {
		return nil, errors.New("invalid order type json conversion: " + strconv.Itoa(int(t)))
	}
	return []byte(`"` + t.String() + `"`), nil
}

// ParseOrderType accepts the long names and the broker short forms (MKT, LMT).
func ParseOrderType(value string) (OrderType, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "MARKET", "MKT":
		return OrderTypeMarket, nil
	case "LIMIT", "LMT":
		return OrderTypeLimit, nil
	}
	return 0, errors.New("unsupported order type: " + value)
}

// OrderStatus is the lifecycle state of a tracked order.
type OrderStatus uint8

const (
	OrderStatusPendingSubmit OrderStatus = iota
	OrderStatusSubmitted
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
)

var orderStatusNames = [...]string{
	OrderStatusPendingSubmit:   "PENDING_SUBMIT",
	OrderStatusSubmitted:       "SUBMITTED",
	OrderStatusPartiallyFilled: "PARTIALLY_FILLED",
	OrderStatusFilled:          "FILLED",
	OrderStatusCancelled:       "CANCELLED",
	OrderStatusRejected:        "REJECTED",
}

func (s OrderStatus) String() string {
	if int(s) < len(orderStatusNames) {
		return orderStatusNames[s]
	}
	return "UNKNOWN(" + strconv.Itoa(int(s)) + ")"
}

// IsTerminal reports whether no further transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusRejected
}

func (s OrderStatus) MarshalJSON() ([]byte, error) {
	if int(s) >= len(orderStatusNames) {
		return nil, errors.New("invalid order status json conversion: " + strconv.Itoa(int(s)))
	}
	return []byte(`"` + orderStatusNames[s] + `"`), nil
}

func (s *OrderStatus) UnmarshalJSON(data []byte) error {
	parsed, err := ParseOrderStatus(string(bytes.Trim(data, `"`)))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseOrderStatus maps our own status names and the broker's status
// vocabulary onto OrderStatus. PendingCancel stays SUBMITTED-equivalent
// because the cancel is not yet acknowledged.
func ParseOrderStatus(value string) (OrderStatus, error) {
	key := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(value), "_", ""))
	switch key {
	case "PENDINGSUBMIT", "APIPENDING":
		return OrderStatusPendingSubmit, nil
	case "SUBMITTED", "PRESUBMITTED", "PENDINGCANCEL", "NEW":
		return OrderStatusSubmitted, nil
	case "PARTIALLYFILLED":
		return OrderStatusPartiallyFilled, nil
	case "FILLED":
		return OrderStatusFilled, nil
	case "CANCELLED", "CANCELED", "APICANCELLED":
		return OrderStatusCancelled, nil
	case "REJECTED", "INACTIVE":
		return OrderStatusRejected, nil
	}
	return 0, errors.New("unsupported order status: " + value)
}

// Order is the tracked record of one submitted order.
type Order struct {
	ID              int64               `json:"id"`
	Instrument      string              `json:"instrument"`
	Side            Side                `json:"side"`
	Type            OrderType           `json:"type"`
	RequestedQty    int64               `json:"requested_qty"`
	LimitPrice      decimal.NullDecimal `json:"limit_price"`
	Status          OrderStatus         `json:"status"`
	FilledQty       int64               `json:"filled_qty"`
	AvgFillPrice    decimal.Decimal     `json:"avg_fill_price"`
	CancelRequested bool                `json:"cancel_requested"`
	CreatedAt       time.Time           `json:"created_at"`
	LastUpdate      time.Time           `json:"last_update"`
}

// IsOpen checks if the order is still active.
func (o *Order) IsOpen() bool {
	return !o.Status.IsTerminal()
}

// RemainingQty is the quantity not yet filled.
func (o *Order) RemainingQty() int64 {
	return o.RequestedQty - o.FilledQty
}

// SubmitRequest is what the engine hands to the execution gateway.
type SubmitRequest struct {
	OrderID    int64               `json:"order_id"`
	Instrument string              `json:"instrument"`
	Side       Side                `json:"side"`
	Type       OrderType           `json:"type"`
	Qty        int64               `json:"qty"`
	LimitPrice decimal.NullDecimal `json:"limit_price"`
}

// Fill is one confirmed execution increment derived from cumulative
// status reports.
type Fill struct {
	OrderID    int64           `json:"order_id"`
	Instrument string          `json:"instrument"`
	Side       Side            `json:"side"`
	Qty        int64           `json:"qty"`
	Price      decimal.Decimal `json:"price"`
	Time       time.Time       `json:"time"`
}
