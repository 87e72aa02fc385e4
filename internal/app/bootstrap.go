package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"ibot_go/internal/domain"
	"ibot_go/internal/engine"
	"ibot_go/internal/event"
	"ibot_go/internal/infra"
	"ibot_go/internal/infra/gateway"
	"ibot_go/internal/infra/storage"
	"ibot_go/internal/webhook"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	Config     *infra.Config
	Logger     *slog.Logger
	Metrics    *infra.Metrics
	Storage    *storage.Storage
	ClientIDs  *engine.ClientIDAllocator
	Dispatcher *engine.Dispatcher
	Gateway    domain.ExecutionGateway
	Engine     *engine.Engine
	Server     *webhook.Server

	watcher *lossWatcher
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads configuration and wires every component. Nothing is
// started until Run.
func (b *Bootstrap) Initialize(configPath string) error {
	slog.Info("🚀 Bootstrapping ibot...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err // Let main handle the error
	}
	return b.wire(cfg)
}

func (b *Bootstrap) wire(cfg *infra.Config) error {
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)
	b.Logger = logger
	b.Metrics = infra.GlobalMetrics

	// 3. Initialize Storage (DB)
	store, err := storage.NewStorage(cfg.Storage.Path, cfg.Storage.BufferSize, logger)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("✅ Journal initialized", slog.String("path", cfg.Storage.Path))

	// 4. Client ids
	ids, err := engine.NewClientIDAllocator(clientIDRules(cfg.ClientIDs), nil, logger)
	if err != nil {
		return err
	}
	b.ClientIDs = ids

	// 5. Dispatcher, gateway and engine. The gateway reports into the
	// dispatcher, which feeds the engine from a single goroutine.
	event.Warmup()
	b.Dispatcher = engine.NewDispatcher(cfg.Gateway.InboxSize, b.Metrics, logger)
	gw, err := gateway.New(cfg, b.Dispatcher, logger)
	if err != nil {
		return err
	}
	b.Gateway = gw

	defaultType, err := domain.ParseOrderType(cfg.Orders.DefaultType)
	if err != nil {
		return &domain.ConfigError{Field: "orders.default_type", Err: err}
	}
	b.Engine = engine.NewEngine(engine.Deps{
		Gateway:     gw,
		Instruments: domain.NewInstrumentTable(cfg.DomainInstruments()),
		Journal:     store,
		Metrics:     b.Metrics,
		Logger:      logger,
	}, engine.Options{
		LimitOffsetTicks: cfg.Orders.LimitOffsetTicks,
		DefaultOrderType: defaultType,
	})

	if hw, err := store.LoadOrderIDHighWater(); err != nil {
		slog.Warn("Could not load order id high-water mark", slog.Any("error", err))
	} else if hw > 0 {
		b.Engine.OrderIDs().Restore(hw)
		slog.Info("Order id high-water restored", slog.Int64("high_water", hw))
	}

	b.watcher = newLossWatcher(b.Engine)

	// 6. Webhook
	b.Server = webhook.NewServer(b.Engine, store, b.Metrics, cfg.Webhook.Token, logger)
	slog.Info("✅ Components wired", slog.String("gateway", cfg.Gateway.Mode))
	return nil
}

func clientIDRules(ranges []infra.ClientIDRange) []engine.ClientIDRule {
	rules := make([]engine.ClientIDRule, 0, len(ranges))
	for _, r := range ranges {
		rules = append(rules, engine.ClientIDRule{
			Category: r.Category,
			Keywords: r.Keywords,
			Lo:       r.Lo,
			Hi:       r.Hi,
		})
	}
	return rules
}

// Run starts every task and blocks until ctx is cancelled or one of them
// fails. The gateway is closed and the journal flushed before returning.
func (b *Bootstrap) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return b.Storage.Run(gctx) })
	g.Go(func() error { return b.Dispatcher.Run(gctx, b.watcher) })
	g.Go(func() error { return b.Server.Start(gctx, b.Config.Webhook.Addr) })
	if every := b.Config.Metrics.ReportIntervalSec; every > 0 {
		g.Go(func() error { return b.Metrics.Report(gctx, b.Logger, time.Duration(every)*time.Second) })
	}
	g.Go(func() error { return b.superviseSession(gctx) })

	err := g.Wait()
	b.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// superviseSession connects the gateway and reconnects whenever the
// session is lost, until ctx is done. Losses reported for a session older
// than the current one are ignored.
func (b *Bootstrap) superviseSession(ctx context.Context) error {
	cfg := b.Config
	p := RetryPolicy{
		Host:      cfg.Gateway.Host,
		Port:      cfg.Gateway.Port,
		TaskName:  cfg.App.TaskName,
		Attempts:  cfg.Gateway.RetryAttempts,
		Timeout:   cfg.ConnectTimeout(),
		BaseDelay: cfg.RetryBase(),
	}

	recovering := false
	for {
		if recovering {
			// The dropped session's id may still be held open on the broker side.
			if _, err := b.ClientIDs.Reassign(p.TaskName); err != nil {
				return fmt.Errorf("gateway session: %w", err)
			}
		}
		if _, err := ConnectWithRetry(ctx, b.Gateway, b.Engine, b.ClientIDs, p, b.Logger); err != nil {
			return fmt.Errorf("gateway session: %w", err)
		}
		session := b.watcher.Session()
		slog.Info("✨ ibot fully operational", slog.Uint64("session", session))

		if err := b.watcher.WaitLost(ctx, session); err != nil {
			return err
		}
		slog.Warn("Gateway session lost, reconnecting", slog.Any("error", b.watcher.LastError()))
		recovering = true
	}
}

func (b *Bootstrap) shutdown() {
	if err := b.Gateway.Close(); err != nil {
		slog.Warn("Gateway close failed", slog.Any("error", err))
	}
	if hw := b.Engine.OrderIDs().HighWater(); hw > 0 {
		if err := b.Storage.SaveOrderIDHighWater(hw); err != nil {
			slog.Error("Failed to persist order id high-water mark", slog.Any("error", err))
		}
	}
	if err := b.Storage.Close(); err != nil {
		slog.Warn("Journal close failed", slog.Any("error", err))
	}
	b.ClientIDs.Release(b.Config.App.TaskName)
}

// lossWatcher forwards every event to the engine and tracks gateway
// sessions. Each ready event starts a new session; a loss is attributed to
// the session that was current when it arrived.
type lossWatcher struct {
	domain.EventSink

	session atomic.Uint64 // ready events seen
	lostAt  atomic.Uint64 // session of the latest loss, 0 if none
	notify  chan struct{}

	mu      sync.Mutex
	lastErr error
}

func newLossWatcher(sink domain.EventSink) *lossWatcher {
	return &lossWatcher{EventSink: sink, notify: make(chan struct{}, 1)}
}

func (w *lossWatcher) OnReady(nextValidID int64) {
	// Counted before forwarding so anyone woken by the engine sees the new session.
	w.session.Add(1)
	w.EventSink.OnReady(nextValidID)
}

func (w *lossWatcher) OnConnectionLost(err error) {
	w.EventSink.OnConnectionLost(err)

	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
	w.lostAt.Store(w.session.Load())

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Session returns the current session number.
func (w *lossWatcher) Session() uint64 {
	return w.session.Load()
}

// LastError returns the error of the most recent loss.
func (w *lossWatcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// WaitLost blocks until session (or a later one) is reported lost, or ctx
// is done.
func (w *lossWatcher) WaitLost(ctx context.Context, session uint64) error {
	for {
		if w.lostAt.Load() >= session {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.notify:
		}
	}
}
