package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"ibot_go/internal/domain"
	"ibot_go/internal/infra"
)

// Options tunes order construction.
type Options struct {
	// LimitOffsetTicks moves limit prices this many ticks in the
	// aggressive direction before snapping to the tick grid.
	LimitOffsetTicks int64
	// DefaultOrderType is used when an intent has no type and no price.
	DefaultOrderType domain.OrderType
}

// Deps are the collaborators an Engine drives. Journal and Metrics are
// optional.
type Deps struct {
	Gateway     domain.ExecutionGateway
	Instruments *domain.InstrumentTable
	Journal     domain.OrderJournal
	Metrics     *infra.Metrics
	Logger      *slog.Logger
}

// Engine turns intents into orders and folds gateway events back into the
// ledger and tracker. It implements domain.EventSink.
type Engine struct {
	ledger      *PositionLedger
	tracker     *OrderTracker
	orderIDs    *OrderIDAllocator
	instruments *domain.InstrumentTable
	gateway     domain.ExecutionGateway
	journal     domain.OrderJournal
	metrics     *infra.Metrics
	opts        Options
	logger      *slog.Logger
}

var _ domain.EventSink = (*Engine)(nil)

// NewEngine wires a fresh ledger, tracker and order id allocator around
// the given gateway.
func NewEngine(deps Deps, opts Options) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	instruments := deps.Instruments
	if instruments == nil {
		instruments = domain.NewInstrumentTable(nil)
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = &infra.Metrics{}
	}
	if opts.DefaultOrderType == 0 {
		opts.DefaultOrderType = domain.OrderTypeMarket
	}
	return &Engine{
		ledger:      NewPositionLedger(),
		tracker:     NewOrderTracker(logger),
		orderIDs:    NewOrderIDAllocator(logger),
		instruments: instruments,
		gateway:     deps.Gateway,
		journal:     deps.Journal,
		metrics:     metrics,
		opts:        opts,
		logger:      logger.With(slog.String("module", "engine")),
	}
}

func (e *Engine) Ledger() *PositionLedger     { return e.ledger }
func (e *Engine) Tracker() *OrderTracker      { return e.tracker }
func (e *Engine) OrderIDs() *OrderIDAllocator { return e.orderIDs }

// WaitReady blocks until the gateway has seeded order ids.
func (e *Engine) WaitReady(ctx context.Context, timeout time.Duration) error {
	return e.orderIDs.WaitReady(ctx, timeout)
}

// HandleSignal resolves an intent against the current position and
// submits the resulting order. It never blocks on the order's outcome.
func (e *Engine) HandleSignal(ctx context.Context, in domain.Intent) domain.Outcome {
	out := e.handleSignal(ctx, in)
	switch out.Kind {
	case domain.OutcomeAccepted:
		e.metrics.RecordAccepted()
	case domain.OutcomeSkipped:
		e.metrics.RecordSkipped()
	case domain.OutcomeRejected:
		e.metrics.RecordRejected()
	case domain.OutcomeUnavailable:
		e.metrics.RecordUnavailable()
	}
	e.logger.Info("Signal handled",
		slog.String("instrument", in.Instrument),
		slog.String("action", in.Action.String()),
		slog.String("reason", in.Reason.String()),
		slog.Int64("requested", in.RequestedQty),
		slog.String("outcome", out.Kind.String()),
		slog.Int64("order_id", out.OrderID),
		slog.Int64("qty", out.Qty),
		slog.String("detail", out.Reason))
	return out
}

func (e *Engine) handleSignal(ctx context.Context, in domain.Intent) domain.Outcome {
	instrument := domain.NormalizeSymbol(in.Instrument)
	if instrument == "" {
		return domain.Rejected(&domain.ValidationError{Field: "instrument", Value: in.Instrument, Err: domain.ErrInvalidInstrument})
	}
	if in.LimitPrice.Valid && !in.LimitPrice.Decimal.IsPositive() {
		return domain.Rejected(&domain.ValidationError{Field: "limit price", Value: in.LimitPrice.Decimal, Err: domain.ErrInvalidPrice})
	}

	res, err := Resolve(e.ledger.Get(instrument), in.Action, in.Reason, in.RequestedQty)
	if err != nil {
		return domain.Rejected(err)
	}
	if res.NoOp() {
		return domain.Skipped(domain.SkipNoOp)
	}

	orderType, limit, err := e.pricing(instrument, res.Side, in)
	if err != nil {
		return domain.Rejected(err)
	}

	id, err := e.orderIDs.Next()
	if err != nil {
		return domain.Unavailable(err)
	}

	order, err := e.tracker.Register(domain.Order{
		ID:           id,
		Instrument:   instrument,
		Side:         res.Side,
		Type:         orderType,
		RequestedQty: res.Qty,
		LimitPrice:   limit,
	})
	if err != nil {
		e.logger.Error("Order registration failed", slog.Int64("order_id", id), slog.Any("error", err))
		return domain.Rejected(err)
	}
	e.record(order)

	req := domain.SubmitRequest{
		OrderID:    id,
		Instrument: instrument,
		Side:       res.Side,
		Type:       orderType,
		Qty:        res.Qty,
		LimitPrice: limit,
	}
	if err := e.gateway.Submit(ctx, req); err != nil {
		e.logger.Error("Submit failed", slog.Int64("order_id", id), slog.Any("error", err))
		if e.tracker.MarkRejected(id) {
			e.metrics.RecordOrderRejected()
			if o, ok := e.tracker.Get(id); ok {
				e.record(o)
			}
		}
		return domain.Unavailable(err)
	}

	return domain.Accepted(id, res.Qty, res.Side)
}

// pricing picks the order type and snaps a limit price onto the
// instrument's tick grid.
func (e *Engine) pricing(instrument string, side domain.Side, in domain.Intent) (domain.OrderType, decimal.NullDecimal, error) {
	orderType := in.Type
	if orderType == 0 {
		orderType = e.opts.DefaultOrderType
		if in.LimitPrice.Valid {
			orderType = domain.OrderTypeLimit
		}
	}

	switch orderType {
	case domain.OrderTypeMarket:
		return orderType, decimal.NullDecimal{}, nil
	case domain.OrderTypeLimit:
		if !in.LimitPrice.Valid {
			return 0, decimal.NullDecimal{}, &domain.ValidationError{Field: "limit price", Value: nil, Err: domain.ErrInvalidPrice}
		}
		tick := e.instruments.TickSize(instrument)
		px := domain.RoundLimitPrice(in.LimitPrice.Decimal, tick, side, e.opts.LimitOffsetTicks)
		if !px.IsPositive() {
			return 0, decimal.NullDecimal{}, &domain.ValidationError{Field: "limit price", Value: px, Err: domain.ErrInvalidPrice}
		}
		return orderType, decimal.NewNullDecimal(px), nil
	default:
		return 0, decimal.NullDecimal{}, &domain.ValidationError{Field: "order type", Value: orderType, Err: errors.New("unsupported order type")}
	}
}

// CancelByID dispatches a cancel for one open order. It reports false for
// unknown or terminal orders and when the gateway refuses the request.
func (e *Engine) CancelByID(ctx context.Context, id int64) bool {
	if !e.tracker.CancelByID(id) {
		return false
	}
	return e.dispatchCancel(ctx, id)
}

// CancelByMatch cancels the oldest open order matching all three
// attributes exactly.
func (e *Engine) CancelByMatch(ctx context.Context, instrument string, side domain.Side, limitPrice decimal.NullDecimal) (int64, bool) {
	id, ok := e.tracker.CancelByMatch(domain.NormalizeSymbol(instrument), side, limitPrice)
	if !ok {
		return 0, false
	}
	return id, e.dispatchCancel(ctx, id)
}

// CancelAllOpen dispatches a cancel for every open order and returns how
// many were accepted for dispatch.
func (e *Engine) CancelAllOpen(ctx context.Context) int {
	n := 0
	for _, id := range e.tracker.CancelAllOpen() {
		if e.dispatchCancel(ctx, id) {
			n++
		}
	}
	return n
}

func (e *Engine) dispatchCancel(ctx context.Context, id int64) bool {
	if err := e.gateway.Cancel(ctx, id); err != nil {
		e.tracker.ClearCancelRequest(id)
		e.logger.Error("Cancel dispatch failed", slog.Int64("order_id", id), slog.Any("error", err))
		return false
	}
	e.logger.Info("Cancel dispatched", slog.Int64("order_id", id))
	return true
}

// OnReady seeds order ids from the gateway's next valid id.
func (e *Engine) OnReady(nextValidID int64) {
	e.orderIDs.Seed(nextValidID)
	e.metrics.SetConnected(true)
	e.logger.Info("✅ Gateway ready", slog.Int64("next_valid_id", nextValidID))
}

// OnConnectionLost stops id allocation until the next OnReady.
func (e *Engine) OnConnectionLost(err error) {
	e.orderIDs.Invalidate()
	e.metrics.SetConnected(false)
	e.logger.Warn("⚠️ Gateway connection lost", slog.Any("error", err))
}

// OnOrderStatus applies a status report to the tracker and books any new
// fill into the ledger. Invariant violations are logged and absorbed.
func (e *Engine) OnOrderStatus(ev domain.OrderStatusEvent) {
	upd, err := e.tracker.OnStatus(ev)
	if err != nil {
		var ite *domain.IllegalTransitionError
		switch {
		case errors.Is(err, domain.ErrUnknownOrder):
			e.metrics.RecordDropped()
			return
		case errors.As(err, &ite):
			e.metrics.RecordIllegalTransition()
			e.logger.Warn("Status update refused", slog.Any("error", err))
		default:
			e.logger.Error("Status update failed", slog.Any("error", err))
			return
		}
	}

	if upd.FillDelta > 0 {
		o := upd.Order
		if !upd.FillPrice.IsPositive() {
			e.logger.Warn("Fill without price, cost basis kept",
				slog.Int64("order_id", o.ID),
				slog.Int64("qty", upd.FillDelta))
		}
		if _, ferr := e.ledger.ApplyFill(o.Instrument, o.Side, upd.FillDelta, upd.FillPrice); ferr != nil {
			e.logger.Error("Ledger fill failed", slog.Int64("order_id", o.ID), slog.Any("error", ferr))
		} else if e.journal != nil {
			e.journal.RecordFill(domain.Fill{
				OrderID:    o.ID,
				Instrument: o.Instrument,
				Side:       o.Side,
				Qty:        upd.FillDelta,
				Price:      upd.FillPrice,
				Time:       o.LastUpdate,
			})
		}
	}

	if !upd.Changed {
		return
	}
	if upd.Order.Status != upd.Previous {
		switch upd.Order.Status {
		case domain.OrderStatusFilled:
			e.metrics.RecordOrderFilled()
		case domain.OrderStatusCancelled:
			e.metrics.RecordOrderCancelled()
		case domain.OrderStatusRejected:
			e.metrics.RecordOrderRejected()
		}
	}
	e.record(upd.Order)
}

// OnPositionSnapshot reconciles the ledger with an authoritative report.
func (e *Engine) OnPositionSnapshot(ev domain.PositionSnapshotEvent) {
	instrument := domain.NormalizeSymbol(ev.Instrument)
	before := e.ledger.Get(instrument)
	pos := e.ledger.ApplySnapshot(instrument, ev.Quantity, ev.AvgCost)
	if before != pos.Quantity {
		e.logger.Warn("Position reconciled",
			slog.String("instrument", instrument),
			slog.Int64("ledger", before),
			slog.Int64("gateway", pos.Quantity))
	}
}

func (e *Engine) record(o domain.Order) {
	if e.journal != nil {
		e.journal.RecordOrder(o)
	}
}
