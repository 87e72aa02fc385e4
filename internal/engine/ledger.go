package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ibot_go/internal/domain"
)

type ledgerEntry struct {
	mu  sync.RWMutex
	pos domain.Position
}

// PositionLedger holds the net signed position per instrument. Each
// instrument has its own lock so unrelated instruments never contend.
type PositionLedger struct {
	entries sync.Map // string -> *ledgerEntry
	now     func() time.Time
}

// NewPositionLedger creates an empty ledger.
func NewPositionLedger() *PositionLedger {
	return &PositionLedger{now: time.Now}
}

func (l *PositionLedger) load(instrument string) (*ledgerEntry, bool) {
	v, ok := l.entries.Load(instrument)
	if !ok {
		return nil, false
	}
	return v.(*ledgerEntry), true
}

func (l *PositionLedger) loadOrCreate(instrument string) *ledgerEntry {
	if e, ok := l.load(instrument); ok {
		return e
	}
	v, _ := l.entries.LoadOrStore(instrument, &ledgerEntry{pos: domain.Position{Instrument: instrument}})
	return v.(*ledgerEntry)
}

// Get returns the signed quantity, 0 for unknown instruments. It does not
// create an entry.
func (l *PositionLedger) Get(instrument string) int64 {
	e, ok := l.load(instrument)
	if !ok {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pos.Quantity
}

// Position returns a copy of the full position record.
func (l *PositionLedger) Position(instrument string) domain.Position {
	e, ok := l.load(instrument)
	if !ok {
		return domain.Position{Instrument: instrument}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pos
}

// Snapshot returns copies of all known positions sorted by instrument.
func (l *PositionLedger) Snapshot() []domain.Position {
	var out []domain.Position
	l.entries.Range(func(_, v any) bool {
		e := v.(*ledgerEntry)
		e.mu.RLock()
		out = append(out, e.pos)
		e.mu.RUnlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// ApplyFill adjusts the position by a confirmed fill of deltaQty at price.
// BUY adds, SELL subtracts. A non-positive price means the fill price is
// unknown: the quantity still moves, the cost basis is left alone and no
// PnL is realized. Crossing or reaching zero at an unknown price clears
// the cost basis until the next snapshot.
func (l *PositionLedger) ApplyFill(instrument string, side domain.Side, deltaQty int64, price decimal.Decimal) (domain.Position, error) {
	if !side.Valid() {
		return domain.Position{}, &domain.ValidationError{Field: "side", Value: side, Err: domain.ErrInvalidAction}
	}
	if deltaQty <= 0 {
		return domain.Position{}, &domain.ValidationError{Field: "fill qty", Value: deltaQty, Err: domain.ErrInvalidQuantity}
	}

	e := l.loadOrCreate(instrument)
	e.mu.Lock()
	defer e.mu.Unlock()

	p := &e.pos
	oldQty := p.Quantity
	newQty := oldQty + side.Sign()*deltaQty

	if !price.IsPositive() {
		if newQty == 0 || !sameSign(oldQty, newQty) {
			p.AvgCost = decimal.Zero
		}
		p.Quantity = newQty
		p.UpdatedAt = l.now()
		return *p, nil
	}

	switch {
	case newQty == 0:
		p.RealizedPnL = p.RealizedPnL.Add(realized(oldQty, p.AvgCost, price, abs64(oldQty)))
		p.AvgCost = decimal.Zero
	case oldQty == 0 || sameSign(oldQty, newQty) && abs64(newQty) > abs64(oldQty):
		// Growing exposure: weighted average.
		oldNotional := p.AvgCost.Mul(decimal.NewFromInt(abs64(oldQty)))
		addNotional := price.Mul(decimal.NewFromInt(deltaQty))
		p.AvgCost = oldNotional.Add(addNotional).Div(decimal.NewFromInt(abs64(newQty)))
	case sameSign(oldQty, newQty):
		// Shrinking without crossing: cost basis unchanged.
		p.RealizedPnL = p.RealizedPnL.Add(realized(oldQty, p.AvgCost, price, deltaQty))
	default:
		// Crossed zero: the old side is fully closed, the remainder opens at price.
		p.RealizedPnL = p.RealizedPnL.Add(realized(oldQty, p.AvgCost, price, abs64(oldQty)))
		p.AvgCost = price
	}
	p.Quantity = newQty
	p.UpdatedAt = l.now()
	return *p, nil
}

// ApplySnapshot overwrites the position with an authoritative report.
func (l *PositionLedger) ApplySnapshot(instrument string, qty int64, avgCost decimal.Decimal) domain.Position {
	e := l.loadOrCreate(instrument)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pos.Quantity = qty
	e.pos.AvgCost = avgCost
	if qty == 0 {
		e.pos.AvgCost = decimal.Zero
	}
	e.pos.UpdatedAt = l.now()
	return e.pos
}

// realized is the PnL of closing closedQty out of a position of signed
// size held at avg, at exit price.
func realized(held int64, avg, exit decimal.Decimal, closedQty int64) decimal.Decimal {
	diff := exit.Sub(avg)
	if held < 0 {
		diff = diff.Neg()
	}
	return diff.Mul(decimal.NewFromInt(closedQty))
}

func sameSign(a, b int64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
