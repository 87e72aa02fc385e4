package app

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ibot_go/internal/domain"
	"ibot_go/internal/infra"
	"ibot_go/internal/infra/storage"
)

func testConfig(t *testing.T) *infra.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := infra.DefaultConfig()
	cfg.Gateway.Mode = infra.GatewayModePaper
	cfg.Gateway.ConnectTimeoutSec = 1
	cfg.Gateway.RetryBaseMS = 10
	cfg.Gateway.Paper.NextValidID = 1
	cfg.Gateway.Paper.Marks = map[string]decimal.Decimal{"MES": decimal.NewFromInt(5000)}
	cfg.Instruments = []infra.InstrumentConfig{{Symbol: "MES", Exchange: "CME", TickSize: decimal.RequireFromString("0.25")}}
	cfg.Webhook.Addr = "127.0.0.1:0"
	cfg.Storage.Path = filepath.Join(dir, "ibot.db")
	cfg.Metrics.ReportIntervalSec = 0
	cfg.Logging.Dir = filepath.Join(dir, "logs")
	cfg.Logging.Level = "error"
	return cfg
}

func TestBootstrap_RunAndShutdown(t *testing.T) {
	cfg := testConfig(t)

	b := NewBootstrap()
	if err := b.wire(cfg); err != nil {
		t.Fatalf("wire failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	if err := b.Engine.WaitReady(ctx, 2*time.Second); err != nil {
		t.Fatalf("engine never became ready: %v", err)
	}
	if _, ok := b.ClientIDs.Lookup(cfg.App.TaskName); !ok {
		t.Error("session client id should be assigned")
	}

	body := []byte(`{"ticker":"MES1!","action":"buy","reason":"Open-Long","qty":2}`)
	rec := httptest.NewRecorder()
	b.Server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for b.Engine.Ledger().Get("MES") != 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if q := b.Engine.Ledger().Get("MES"); q != 2 {
		t.Fatalf("Expected position 2, got %d", q)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	t.Run("journal and high-water persisted", func(t *testing.T) {
		store, err := storage.NewStorage(cfg.Storage.Path, 0, nil)
		if err != nil {
			t.Fatal(err)
		}
		defer store.Close()

		hw, err := store.LoadOrderIDHighWater()
		if err != nil || hw != 1 {
			t.Errorf("Expected high-water 1, got %d, %v", hw, err)
		}
		fills, _ := store.Fills(1)
		if len(fills) != 1 || fills[0].Qty != 2 {
			t.Errorf("Expected one fill of 2, got %+v", fills)
		}
	})
}

// countingGateway counts session opens on top of the wired gateway.
type countingGateway struct {
	domain.ExecutionGateway
	connects atomic.Int32
}

func (g *countingGateway) Connect(ctx context.Context, host string, port int, clientID int) error {
	g.connects.Add(1)
	return g.ExecutionGateway.Connect(ctx, host, port, clientID)
}

func TestBootstrap_ReconnectsAfterLoss(t *testing.T) {
	cfg := testConfig(t)

	b := NewBootstrap()
	if err := b.wire(cfg); err != nil {
		t.Fatalf("wire failed: %v", err)
	}
	gw := &countingGateway{ExecutionGateway: b.Gateway}
	b.Gateway = gw

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	if err := b.Engine.WaitReady(ctx, 2*time.Second); err != nil {
		t.Fatalf("engine never became ready: %v", err)
	}

	first, _ := b.ClientIDs.Lookup(cfg.App.TaskName)

	b.Dispatcher.OnConnectionLost(errors.New("socket closed"))

	deadline := time.Now().Add(3 * time.Second)
	for gw.connects.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := gw.connects.Load(); n != 2 {
		t.Fatalf("Expected a second session, got %d connects", n)
	}
	if err := b.Engine.WaitReady(ctx, 2*time.Second); err != nil {
		t.Errorf("Expected engine ready again after reconnect: %v", err)
	}
	if id, _ := b.ClientIDs.Lookup(cfg.App.TaskName); id == first {
		t.Errorf("Expected a fresh client id after the loss, still %d", id)
	}
	if _, ok := b.ClientIDs.TaskName(first); ok {
		t.Errorf("Client id %d of the lost session should be retired", first)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}

// flakyGateway fails its first Connect after reporting a lost connection,
// the way a bridge does when the socket drops during the handshake.
type flakyGateway struct {
	domain.ExecutionGateway
	sink     domain.EventSink
	connects atomic.Int32
}

func (g *flakyGateway) Connect(ctx context.Context, host string, port int, clientID int) error {
	if g.connects.Add(1) == 1 {
		g.sink.OnConnectionLost(errors.New("handshake dropped"))
		return domain.NewNetworkError("connect", domain.ErrConnectionFailed)
	}
	return g.ExecutionGateway.Connect(ctx, host, port, clientID)
}

func TestBootstrap_FailedAttemptLossKeepsHealthySession(t *testing.T) {
	cfg := testConfig(t)

	b := NewBootstrap()
	if err := b.wire(cfg); err != nil {
		t.Fatalf("wire failed: %v", err)
	}
	gw := &flakyGateway{ExecutionGateway: b.Gateway, sink: b.Dispatcher}
	b.Gateway = gw

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	if err := b.Engine.WaitReady(ctx, 3*time.Second); err != nil {
		t.Fatalf("engine never became ready: %v", err)
	}

	// Give the supervisor time to act on anything left over from attempt one.
	time.Sleep(300 * time.Millisecond)
	if n := gw.connects.Load(); n != 2 {
		t.Fatalf("Expected the healthy session to be kept after 2 connects, got %d", n)
	}

	b.Dispatcher.OnConnectionLost(errors.New("socket closed"))
	deadline := time.Now().Add(3 * time.Second)
	for gw.connects.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if n := gw.connects.Load(); n != 3 {
		t.Errorf("Expected exactly one reconnect for one real loss, got %d connects", n)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run returned %v", err)
	}
}

type readyRecorder struct {
	domain.EventSink
	ready, lost int
}

func (r *readyRecorder) OnReady(int64)          { r.ready++ }
func (r *readyRecorder) OnConnectionLost(error) { r.lost++ }

func TestLossWatcher(t *testing.T) {
	t.Run("forwards and counts sessions", func(t *testing.T) {
		rec := &readyRecorder{}
		w := newLossWatcher(rec)

		w.OnReady(1)
		w.OnConnectionLost(errors.New("first"))
		w.OnReady(5)

		if rec.ready != 2 || rec.lost != 1 {
			t.Errorf("Expected 2 ready and 1 lost forwarded, got %d and %d", rec.ready, rec.lost)
		}
		if w.Session() != 2 {
			t.Errorf("Expected session 2, got %d", w.Session())
		}
		if err := w.LastError(); err == nil || err.Error() != "first" {
			t.Errorf("Expected last error first, got %v", err)
		}
	})

	t.Run("loss of an earlier session is ignored", func(t *testing.T) {
		w := newLossWatcher(&readyRecorder{})
		w.OnReady(1)
		w.OnConnectionLost(errors.New("old"))
		w.OnReady(2)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		if err := w.WaitLost(ctx, w.Session()); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Expected to keep waiting, got %v", err)
		}
	})

	t.Run("loss before any ready is ignored", func(t *testing.T) {
		w := newLossWatcher(&readyRecorder{})
		w.OnConnectionLost(errors.New("handshake"))
		w.OnReady(1)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		if err := w.WaitLost(ctx, w.Session()); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Expected to keep waiting, got %v", err)
		}
	})

	t.Run("loss of the current session wakes the waiter", func(t *testing.T) {
		w := newLossWatcher(&readyRecorder{})
		w.OnReady(1)
		session := w.Session()

		go func() {
			time.Sleep(10 * time.Millisecond)
			w.OnConnectionLost(errors.New("drop"))
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.WaitLost(ctx, session); err != nil {
			t.Errorf("Expected wake on loss, got %v", err)
		}
	})
}
