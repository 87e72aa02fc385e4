package webhook

import (
	"github.com/shopspring/decimal"

	"ibot_go/internal/domain"
	"ibot_go/internal/infra"
)

// AlertRequest is the payload of POST /webhook, shaped like a charting
// alert. Reason takes alert tags such as "Open-Long" or "Close-Short".
type AlertRequest struct {
	Ticker    string              `json:"ticker"`
	Action    string              `json:"action"`
	Reason    string              `json:"reason"`
	Qty       int64               `json:"qty"`
	Price     decimal.NullDecimal `json:"price"`
	OrderType string              `json:"order_type"`
	Token     string              `json:"token"`
}

// SignalResponse reports how an alert was handled.
type SignalResponse struct {
	Outcome   string `json:"outcome"`
	OrderID   int64  `json:"order_id,omitempty"`
	Qty       int64  `json:"qty,omitempty"`
	Side      string `json:"side,omitempty"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"request_id"`
}

// CancelMatchRequest is the payload for POST /api/v1/orders/cancel.
type CancelMatchRequest struct {
	Ticker string              `json:"ticker"`
	Action string              `json:"action"`
	Price  decimal.NullDecimal `json:"price"`
}

// CancelResponse reports a cancel dispatch.
type CancelResponse struct {
	OrderID    int64 `json:"order_id,omitempty"`
	Dispatched int   `json:"dispatched"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status     string                `json:"status"`
	Ready      bool                  `json:"ready"`
	OpenOrders int                   `json:"open_orders"`
	Metrics    infra.MetricsSnapshot `json:"metrics"`
}

// PositionsResponse is returned by GET /api/v1/positions.
type PositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
