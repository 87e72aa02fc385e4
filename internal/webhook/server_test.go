package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ibot_go/internal/domain"
	"ibot_go/internal/engine"
	"ibot_go/internal/infra"
	"ibot_go/internal/infra/gateway"
)

type fixture struct {
	srv   *Server
	eng   *engine.Engine
	paper *gateway.Paper
}

// newFixture wires a paper gateway, dispatcher and engine behind the
// server. connect controls whether the session is made ready.
func newFixture(t *testing.T, token string, history History, connect bool) *fixture {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	metrics := &infra.Metrics{}

	dispatcher := engine.NewDispatcher(64, metrics, logger)
	paper := gateway.NewPaper(1, map[string]decimal.Decimal{"MES": decimal.NewFromInt(5000)}, dispatcher, logger)
	eng := engine.NewEngine(engine.Deps{
		Gateway: paper,
		Instruments: domain.NewInstrumentTable([]domain.Instrument{
			{Symbol: "MES", Exchange: "CME", TickSize: decimal.RequireFromString("0.25")},
		}),
		Metrics: metrics,
		Logger:  logger,
	}, engine.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go dispatcher.Run(ctx, eng)

	if connect {
		if err := paper.Connect(ctx, "", 0, 2001); err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
		if err := eng.WaitReady(ctx, time.Second); err != nil {
			t.Fatalf("WaitReady failed: %v", err)
		}
	}

	return &fixture{
		srv:   NewServer(eng, history, metrics, token, logger),
		eng:   eng,
		paper: paper,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func decodeSignal(t *testing.T, rec *httptest.ResponseRecorder) SignalResponse {
	t.Helper()
	var resp SignalResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return resp
}

func TestAlert_NotReady(t *testing.T) {
	f := newFixture(t, "", nil, false)

	rec := f.do(t, http.MethodPost, "/webhook", AlertRequest{Ticker: "MES1!", Action: "buy", Reason: "Open-Long", Qty: 1}, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", rec.Code)
	}
	if resp := decodeSignal(t, rec); resp.Outcome != "unavailable" {
		t.Errorf("Expected unavailable, got %s", resp.Outcome)
	}

	health := f.do(t, http.MethodGet, "/health", nil, nil)
	var h HealthResponse
	json.Unmarshal(health.Body.Bytes(), &h)
	if h.Ready || h.Status != "degraded" {
		t.Errorf("Expected degraded health, got %+v", h)
	}
}

func TestAlert_Outcomes(t *testing.T) {
	f := newFixture(t, "", nil, true)

	t.Run("accepted", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/webhook", AlertRequest{Ticker: "MES1!", Action: "buy", Reason: "Open-Long", Qty: 2}, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		resp := decodeSignal(t, rec)
		if resp.Outcome != "accepted" || resp.OrderID != 1 || resp.Qty != 2 || resp.Side != "BUY" {
			t.Errorf("Unexpected response: %+v", resp)
		}
		if resp.RequestID == "" || rec.Header().Get(headerRequestID) != resp.RequestID {
			t.Error("Expected request id in body and header")
		}
		waitFor(t, "long 2", func() bool { return f.eng.Ledger().Get("MES") == 2 })
	})

	t.Run("skipped", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/webhook", AlertRequest{Ticker: "MES", Action: "buy", Reason: "Close-Short", Qty: 1}, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", rec.Code)
		}
		if resp := decodeSignal(t, rec); resp.Outcome != "skipped" || resp.Detail != domain.SkipNoOp {
			t.Errorf("Unexpected response: %+v", resp)
		}
	})

	t.Run("rejected by engine", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/webhook", AlertRequest{Ticker: "MES", Action: "sell", Reason: "Open", Qty: 0}, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("Expected 400, got %d", rec.Code)
		}
		if resp := decodeSignal(t, rec); resp.Outcome != "rejected" {
			t.Errorf("Expected rejected, got %+v", resp)
		}
	})

	t.Run("reverse", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/webhook", AlertRequest{Ticker: "MES", Action: "sell", Reason: "Open-Short", Qty: 1}, nil)
		resp := decodeSignal(t, rec)
		if resp.Qty != 3 || resp.Side != "SELL" {
			t.Errorf("Expected SELL 3 to reverse, got %+v", resp)
		}
		waitFor(t, "short 1", func() bool { return f.eng.Ledger().Get("MES") == -1 })
	})
}

func TestAlert_BadPayload(t *testing.T) {
	f := newFixture(t, "", nil, true)

	tests := []struct {
		name string
		body any
	}{
		{"bad action", AlertRequest{Ticker: "MES", Action: "hold", Reason: "Open", Qty: 1}},
		{"bad reason", AlertRequest{Ticker: "MES", Action: "buy", Reason: "Flip", Qty: 1}},
		{"bad order type", AlertRequest{Ticker: "MES", Action: "buy", Reason: "Open", Qty: 1, OrderType: "STP"}},
		{"not json", "{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/webhook", tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", rec.Code)
			}
			var e ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil || e.Error == "" {
				t.Errorf("Expected error body, got %s", rec.Body.String())
			}
		})
	}
}

func TestToken(t *testing.T) {
	f := newFixture(t, "s3cret", nil, true)
	alert := AlertRequest{Ticker: "MES", Action: "buy", Reason: "Open", Qty: 1}

	if rec := f.do(t, http.MethodPost, "/webhook", alert, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", rec.Code)
	}

	alert.Token = "s3cret"
	if rec := f.do(t, http.MethodPost, "/webhook", alert, nil); rec.Code != http.StatusOK {
		t.Errorf("Expected 200 with body token, got %d", rec.Code)
	}

	if rec := f.do(t, http.MethodGet, "/api/v1/positions", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 on api without token, got %d", rec.Code)
	}
	hdr := http.Header{headerToken: {"s3cret"}}
	if rec := f.do(t, http.MethodGet, "/api/v1/positions", nil, hdr); rec.Code != http.StatusOK {
		t.Errorf("Expected 200 on api with token, got %d", rec.Code)
	}

	if rec := f.do(t, http.MethodGet, "/health", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("Health should not need a token, got %d", rec.Code)
	}
}

func TestOrdersAndCancels(t *testing.T) {
	f := newFixture(t, "", nil, true)

	limit := func(px string) AlertRequest {
		return AlertRequest{
			Ticker: "MES", Action: "buy", Reason: "Open", Qty: 1,
			Price: decimal.NewNullDecimal(decimal.RequireFromString(px)), OrderType: "LMT",
		}
	}

	first := decodeSignal(t, f.do(t, http.MethodPost, "/webhook", limit("4000"), nil))
	second := decodeSignal(t, f.do(t, http.MethodPost, "/webhook", limit("4100"), nil))
	third := decodeSignal(t, f.do(t, http.MethodPost, "/webhook", limit("4200"), nil))
	waitFor(t, "acks", func() bool {
		o, _ := f.eng.Tracker().Get(third.OrderID)
		return o.Status == domain.OrderStatusSubmitted
	})

	t.Run("get order", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/api/v1/orders/"+strconv.FormatInt(first.OrderID, 10), nil, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", rec.Code)
		}
		var o map[string]any
		json.Unmarshal(rec.Body.Bytes(), &o)
		if o["status"] != "SUBMITTED" || o["limit_price"] != "4000" {
			t.Errorf("Unexpected order: %v", o)
		}

		if rec := f.do(t, http.MethodGet, "/api/v1/orders/999", nil, nil); rec.Code != http.StatusNotFound {
			t.Errorf("Expected 404, got %d", rec.Code)
		}
	})

	t.Run("open list", func(t *testing.T) {
		var orders []map[string]any
		json.Unmarshal(f.do(t, http.MethodGet, "/api/v1/orders?status=open", nil, nil).Body.Bytes(), &orders)
		if len(orders) != 3 {
			t.Errorf("Expected 3 open orders, got %d", len(orders))
		}
	})

	t.Run("cancel by id", func(t *testing.T) {
		path := "/api/v1/orders/" + strconv.FormatInt(first.OrderID, 10) + "/cancel"
		if rec := f.do(t, http.MethodPost, path, nil, nil); rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		waitFor(t, "cancelled", func() bool {
			o, _ := f.eng.Tracker().Get(first.OrderID)
			return o.Status == domain.OrderStatusCancelled
		})
		if rec := f.do(t, http.MethodPost, path, nil, nil); rec.Code != http.StatusConflict {
			t.Errorf("Expected 409 for terminal order, got %d", rec.Code)
		}
	})

	t.Run("cancel by match", func(t *testing.T) {
		body := CancelMatchRequest{Ticker: "MES1!", Action: "buy", Price: decimal.NewNullDecimal(decimal.RequireFromString("4100"))}
		rec := f.do(t, http.MethodPost, "/api/v1/orders/cancel", body, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var resp CancelResponse
		json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp.OrderID != second.OrderID {
			t.Errorf("Expected order %d, got %d", second.OrderID, resp.OrderID)
		}

		body.Price = decimal.NewNullDecimal(decimal.RequireFromString("1"))
		if rec := f.do(t, http.MethodPost, "/api/v1/orders/cancel", body, nil); rec.Code != http.StatusNotFound {
			t.Errorf("Expected 404 for no match, got %d", rec.Code)
		}
	})

	t.Run("cancel all", func(t *testing.T) {
		waitFor(t, "second cancelled", func() bool {
			o, _ := f.eng.Tracker().Get(second.OrderID)
			return o.Status == domain.OrderStatusCancelled
		})
		var resp CancelResponse
		json.Unmarshal(f.do(t, http.MethodPost, "/api/v1/orders/cancel-all", nil, nil).Body.Bytes(), &resp)
		if resp.Dispatched != 1 {
			t.Errorf("Expected 1 dispatched, got %d", resp.Dispatched)
		}
		if f.paper.Resting() != 0 {
			t.Errorf("Expected nothing resting, got %d", f.paper.Resting())
		}
	})
}

func TestPositions(t *testing.T) {
	f := newFixture(t, "", nil, true)

	f.do(t, http.MethodPost, "/webhook", AlertRequest{Ticker: "MES", Action: "sell", Reason: "Open", Qty: 3}, nil)
	waitFor(t, "short 3", func() bool { return f.eng.Ledger().Get("MES") == -3 })

	var resp struct {
		Positions []struct {
			Instrument string `json:"instrument"`
			Quantity   int64  `json:"quantity"`
			AvgCost    string `json:"avg_cost"`
		} `json:"positions"`
	}
	json.Unmarshal(f.do(t, http.MethodGet, "/api/v1/positions", nil, nil).Body.Bytes(), &resp)
	if len(resp.Positions) != 1 || resp.Positions[0].Quantity != -3 || resp.Positions[0].AvgCost != "5000" {
		t.Errorf("Unexpected positions: %+v", resp.Positions)
	}
}

type fakeHistory struct {
	orders []domain.Order
	err    error
	limit  int
}

func (h *fakeHistory) Orders(limit int) ([]domain.Order, error) {
	h.limit = limit
	return h.orders, h.err
}

func TestHistory(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t, "", nil, true)
		if rec := f.do(t, http.MethodGet, "/api/v1/orders/history", nil, nil); rec.Code != http.StatusNotFound {
			t.Errorf("Expected 404, got %d", rec.Code)
		}
	})

	t.Run("limit passed through", func(t *testing.T) {
		h := &fakeHistory{orders: []domain.Order{{ID: 1, Side: domain.SideBuy, Type: domain.OrderTypeMarket}}}
		f := newFixture(t, "", h, true)
		rec := f.do(t, http.MethodGet, "/api/v1/orders/history?limit=5", nil, nil)
		if rec.Code != http.StatusOK || h.limit != 5 {
			t.Errorf("Expected 200 with limit 5, got %d / %d", rec.Code, h.limit)
		}
		if rec := f.do(t, http.MethodGet, "/api/v1/orders/history?limit=x", nil, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("Expected 400 for bad limit, got %d", rec.Code)
		}
	})

	t.Run("query error", func(t *testing.T) {
		f := newFixture(t, "", &fakeHistory{err: errors.New("disk")}, true)
		if rec := f.do(t, http.MethodGet, "/api/v1/orders/history", nil, nil); rec.Code != http.StatusInternalServerError {
			t.Errorf("Expected 500, got %d", rec.Code)
		}
	})
}
