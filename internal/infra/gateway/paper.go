package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ibot_go/internal/domain"
	"ibot_go/internal/engine"
)

// Paper simulates a broker in-process. Market orders fill at the mark
// price, marketable limits fill at their limit and the rest wait for
// UpdatePrice to cross them.
type Paper struct {
	mu          sync.Mutex
	sink        domain.EventSink
	nextValidID int64
	connected   bool
	marks       map[string]decimal.Decimal
	resting     map[int64]domain.SubmitRequest
	book        *engine.PositionLedger
	fills       []domain.Fill
	now         func() time.Time
	logger      *slog.Logger
}

var _ domain.ExecutionGateway = (*Paper)(nil)

// notice is a callback collected under the lock and delivered after it is
// released.
type notice func(domain.EventSink)

// NewPaper creates a paper gateway that reports to sink. nextValidID
// seeds the ready event on the first Connect.
func NewPaper(nextValidID int64, marks map[string]decimal.Decimal, sink domain.EventSink, logger *slog.Logger) *Paper {
	if logger == nil {
		logger = slog.Default()
	}
	if nextValidID <= 0 {
		nextValidID = 1
	}
	p := &Paper{
		sink:        sink,
		nextValidID: nextValidID,
		marks:       make(map[string]decimal.Decimal, len(marks)),
		resting:     make(map[int64]domain.SubmitRequest),
		book:        engine.NewPositionLedger(),
		now:         time.Now,
		logger:      logger.With(slog.String("module", "paper")),
	}
	for symbol, px := range marks {
		p.marks[domain.NormalizeSymbol(symbol)] = px
	}
	return p
}

// Connect opens the simulated session and reports ready with the next
// unused order id.
func (p *Paper) Connect(ctx context.Context, host string, port int, clientID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.connected = true
	next := p.nextValidID
	positions := p.book.Snapshot()
	p.mu.Unlock()

	p.logger.Info("📝 Paper session opened", slog.Int("client_id", clientID), slog.Int64("next_valid_id", next))
	p.sink.OnReady(next)
	for _, pos := range positions {
		p.sink.OnPositionSnapshot(domain.PositionSnapshotEvent{Instrument: pos.Instrument, Quantity: pos.Quantity, AvgCost: pos.AvgCost})
	}
	return nil
}

// Submit acknowledges the order and fills it if the mark allows.
func (p *Paper) Submit(ctx context.Context, req domain.SubmitRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return domain.ErrNotConnected
	}
	if req.OrderID >= p.nextValidID {
		p.nextValidID = req.OrderID + 1
	}

	notices := []notice{status(req.OrderID, domain.OrderStatusSubmitted, 0, req.Qty, decimal.Zero, "")}
	mark, hasMark := p.marks[req.Instrument]

	switch req.Type {
	case domain.OrderTypeMarket:
		if !hasMark {
			notices = append(notices, status(req.OrderID, domain.OrderStatusRejected, 0, req.Qty, decimal.Zero, "no mark price for "+req.Instrument))
			break
		}
		notices = append(notices, p.fillLocked(req, mark)...)
	case domain.OrderTypeLimit:
		if hasMark && marketable(req.Side, req.LimitPrice.Decimal, mark) {
			notices = append(notices, p.fillLocked(req, req.LimitPrice.Decimal)...)
			break
		}
		p.resting[req.OrderID] = req
	default:
		notices = append(notices, status(req.OrderID, domain.OrderStatusRejected, 0, req.Qty, decimal.Zero, "unsupported order type"))
	}
	p.mu.Unlock()

	p.deliver(notices)
	return nil
}

// Cancel removes a resting order.
func (p *Paper) Cancel(ctx context.Context, orderID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return domain.ErrNotConnected
	}
	req, ok := p.resting[orderID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("order %d not resting: %w", orderID, domain.ErrUnknownOrder)
	}
	delete(p.resting, orderID)
	p.mu.Unlock()

	p.logger.Info("PAPER EXECUTION: Order Canceled", slog.Int64("order_id", orderID))
	p.deliver([]notice{status(orderID, domain.OrderStatusCancelled, 0, req.Qty, decimal.Zero, "")})
	return nil
}

// Close ends the simulated session. Resting orders survive for the next
// session, as they would at a broker.
func (p *Paper) Close() error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	return nil
}

// UpdatePrice sets the mark for symbol and fills resting limits it
// crosses, oldest first.
func (p *Paper) UpdatePrice(symbol string, price decimal.Decimal) {
	symbol = domain.NormalizeSymbol(symbol)

	p.mu.Lock()
	p.marks[symbol] = price

	ids := make([]int64, 0, len(p.resting))
	for id, req := range p.resting {
		if req.Instrument == symbol && marketable(req.Side, req.LimitPrice.Decimal, price) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var notices []notice
	for _, id := range ids {
		req := p.resting[id]
		delete(p.resting, id)
		notices = append(notices, p.fillLocked(req, req.LimitPrice.Decimal)...)
	}
	p.mu.Unlock()

	p.deliver(notices)
}

// Fills returns all executed fills.
func (p *Paper) Fills() []domain.Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]domain.Fill, len(p.fills))
	copy(result, p.fills)
	return result
}

// Position returns the simulated broker position for symbol.
func (p *Paper) Position(symbol string) domain.Position {
	return p.book.Position(domain.NormalizeSymbol(symbol))
}

// Resting returns the number of unfilled limit orders.
func (p *Paper) Resting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.resting)
}

// fillLocked fills req completely at price. Caller holds p.mu.
func (p *Paper) fillLocked(req domain.SubmitRequest, price decimal.Decimal) []notice {
	pos, err := p.book.ApplyFill(req.Instrument, req.Side, req.Qty, price)
	if err != nil {
		return []notice{status(req.OrderID, domain.OrderStatusRejected, 0, req.Qty, decimal.Zero, err.Error())}
	}
	p.fills = append(p.fills, domain.Fill{
		OrderID:    req.OrderID,
		Instrument: req.Instrument,
		Side:       req.Side,
		Qty:        req.Qty,
		Price:      price,
		Time:       p.now(),
	})

	p.logger.Info("PAPER EXECUTION: Order Filled",
		slog.Int64("order_id", req.OrderID),
		slog.String("instrument", req.Instrument),
		slog.String("side", req.Side.String()),
		slog.String("price", price.String()),
		slog.Int64("qty", req.Qty))

	snapshot := domain.PositionSnapshotEvent{Instrument: pos.Instrument, Quantity: pos.Quantity, AvgCost: pos.AvgCost}
	return []notice{
		status(req.OrderID, domain.OrderStatusFilled, req.Qty, 0, price, ""),
		func(s domain.EventSink) { s.OnPositionSnapshot(snapshot) },
	}
}

func (p *Paper) deliver(notices []notice) {
	for _, n := range notices {
		n(p.sink)
	}
}

func status(id int64, st domain.OrderStatus, filled, remaining int64, avg decimal.Decimal, msg string) notice {
	ev := domain.OrderStatusEvent{
		OrderID:      id,
		Status:       st,
		FilledQty:    filled,
		RemainingQty: remaining,
		AvgFillPrice: avg,
		Message:      msg,
	}
	return func(s domain.EventSink) { s.OnOrderStatus(ev) }
}

// marketable reports whether a limit at limit would trade against mark.
func marketable(side domain.Side, limit, mark decimal.Decimal) bool {
	if side == domain.SideBuy {
		return mark.LessThanOrEqual(limit)
	}
	return mark.GreaterThanOrEqual(limit)
}
