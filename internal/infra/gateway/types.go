package gateway

import (
	"github.com/shopspring/decimal"

	"ibot_go/internal/domain"
)

// Frame types exchanged with the bridge.
const (
	msgReady       = "ready"
	msgOrderStatus = "order_status"
	msgPosition    = "position"
	msgError       = "error"
	msgSubmit      = "submit"
	msgCancel      = "cancel"
)

type submitRequest struct {
	Type      string               `json:"type"`
	RequestID string               `json:"request_id"`
	Order     domain.SubmitRequest `json:"order"`
}

type cancelRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	OrderID   int64  `json:"order_id"`
}

// inboundMessage is any frame the bridge sends. Only the fields that
// belong to Type are populated.
type inboundMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`

	// ready
	NextValidID int64 `json:"next_valid_id"`

	// order_status
	OrderID      int64           `json:"order_id"`
	Status       string          `json:"status"`
	Filled       int64           `json:"filled"`
	Remaining    int64           `json:"remaining"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`

	// position
	Symbol   string          `json:"symbol"`
	Quantity int64           `json:"quantity"`
	AvgCost  decimal.Decimal `json:"avg_cost"`

	// error
	Code    int    `json:"code"`
	Reject  bool   `json:"reject"`
	Message string `json:"message"`
}
