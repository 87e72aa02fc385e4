package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position represents the net signed holding in one instrument.
type Position struct {
	Instrument  string          `json:"instrument"`
	Quantity    int64           `json:"quantity"` // Positive for Long, Negative for Short.
	AvgCost     decimal.Decimal `json:"avg_cost"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// IsLong checks if the position is Long.
func (p *Position) IsLong() bool {
	return p.Quantity > 0
}

// IsShort checks if the position is Short.
func (p *Position) IsShort() bool {
	return p.Quantity < 0
}

// IsFlat checks if there is no exposure.
func (p *Position) IsFlat() bool {
	return p.Quantity == 0
}
