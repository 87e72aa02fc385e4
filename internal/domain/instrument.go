package domain

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// Instrument describes the static trading attributes of a symbol.
type Instrument struct {
	Symbol   string          `json:"symbol"`
	Exchange string          `json:"exchange"`
	TickSize decimal.Decimal `json:"tick_size"`
}

// DefaultTickSize is used for symbols missing from the instrument table.
var DefaultTickSize = decimal.NewFromInt(1)

// NormalizeSymbol upper-cases a symbol and strips a continuous-contract
// suffix such as "1!" ("MES1!" becomes "MES").
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	n := len(s)
	if n > 2 && s[n-1] == '!' && unicode.IsDigit(rune(s[n-2])) {
		s = s[:n-2]
	}
	return s
}

// InstrumentTable is a read-only symbol lookup built once at startup.
type InstrumentTable struct {
	bySymbol map[string]Instrument
}

// NewInstrumentTable indexes instruments by normalized symbol.
func NewInstrumentTable(instruments []Instrument) *InstrumentTable {
	t := &InstrumentTable{bySymbol: make(map[string]Instrument, len(instruments))}
	for _, inst := range instruments {
		inst.Symbol = NormalizeSymbol(inst.Symbol)
		t.bySymbol[inst.Symbol] = inst
	}
	return t
}

// Lookup returns the instrument for a symbol, normalizing it first.
func (t *InstrumentTable) Lookup(symbol string) (Instrument, bool) {
	inst, ok := t.bySymbol[NormalizeSymbol(symbol)]
	return inst, ok
}

// TickSize returns the configured tick, or DefaultTickSize when unknown
// or non-positive.
func (t *InstrumentTable) TickSize(symbol string) decimal.Decimal {
	inst, ok := t.Lookup(symbol)
	if !ok || !inst.TickSize.IsPositive() {
		return DefaultTickSize
	}
	return inst.TickSize
}

// Len returns the number of configured instruments.
func (t *InstrumentTable) Len() int {
	return len(t.bySymbol)
}

// RoundLimitPrice snaps price onto the tick grid after moving it
// offsetTicks in the aggressive direction for side (up for BUY, down for
// SELL). Half-way values round to even.
func RoundLimitPrice(price, tick decimal.Decimal, side Side, offsetTicks int64) decimal.Decimal {
	if !tick.IsPositive() {
		tick = DefaultTickSize
	}
	steps := price.Div(tick).Add(decimal.NewFromInt(side.Sign() * offsetTicks))
	return steps.RoundBank(0).Mul(tick)
}
