package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"ibot_go/internal/domain"
	"ibot_go/internal/engine"
	"ibot_go/internal/infra"
)

const (
	headerToken     = "X-Webhook-Token"
	headerRequestID = "X-Request-ID"
	maxBodyBytes    = 64 << 10
)

type ctxKey int

const requestIDKey ctxKey = iota

// History is the read side of the order journal.
type History interface {
	Orders(limit int) ([]domain.Order, error)
}

// Server exposes the engine over HTTP: alerts in, order and position
// queries and cancels out.
type Server struct {
	engine  *engine.Engine
	history History
	metrics *infra.Metrics
	token   string
	router  *mux.Router
	logger  *slog.Logger
}

// NewServer creates the HTTP surface. history and metrics may be nil. An
// empty token disables authentication.
func NewServer(eng *engine.Engine, history History, metrics *infra.Metrics, token string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = &infra.Metrics{}
	}
	s := &Server{
		engine:  eng,
		history: history,
		metrics: metrics,
		token:   token,
		router:  mux.NewRouter(),
		logger:  logger.With(slog.String("module", "webhook")),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestID)

	// Alerts carry their token in the body
	s.router.HandleFunc("/webhook", s.handleAlert).Methods(http.MethodPost)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.requireToken)

	api.HandleFunc("/orders", s.handleGetOrders).Methods(http.MethodGet)
	api.HandleFunc("/orders/history", s.handleGetHistory).Methods(http.MethodGet)
	api.HandleFunc("/orders/cancel", s.handleCancelMatch).Methods(http.MethodPost)
	api.HandleFunc("/orders/cancel-all", s.handleCancelAll).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id:[0-9]+}", s.handleGetOrder).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id:[0-9]+}/cancel", s.handleCancelOrder).Methods(http.MethodPost)
	api.HandleFunc("/positions", s.handleGetPositions).Methods(http.MethodGet)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("🌐 Webhook server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// ==============================
// Middleware
// ==============================

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
		s.logger.Debug("HTTP request",
			slog.String("request_id", id),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r.Header.Get(headerToken)) {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(token string) bool {
	if s.token == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) == 1
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// ==============================
// Handlers
// ==============================

func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	reqID := requestIDFrom(r.Context())

	var req AlertRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload", err.Error())
		return
	}
	if !s.authorized(req.Token) && !s.authorized(r.Header.Get(headerToken)) {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
		return
	}

	intent, err := req.toIntent()
	if err != nil {
		s.metrics.RecordRejected()
		respondError(w, http.StatusBadRequest, "invalid alert", err.Error())
		return
	}

	s.logger.Info("🔔 Alert received",
		slog.String("request_id", reqID),
		slog.String("ticker", req.Ticker),
		slog.String("action", req.Action),
		slog.String("reason", req.Reason),
		slog.Int64("qty", req.Qty))

	out := s.engine.HandleSignal(r.Context(), intent)

	resp := SignalResponse{
		Outcome:   out.Kind.String(),
		OrderID:   out.OrderID,
		Qty:       out.Qty,
		Detail:    out.Reason,
		RequestID: reqID,
	}
	if out.Side.Valid() {
		resp.Side = out.Side.String()
	}
	respondStatus(w, outcomeStatus(out.Kind), resp)
}

func (r AlertRequest) toIntent() (domain.Intent, error) {
	side, err := domain.ParseSide(r.Action)
	if err != nil {
		return domain.Intent{}, err
	}
	reason, err := domain.ParseReason(r.Reason)
	if err != nil {
		return domain.Intent{}, err
	}
	intent := domain.Intent{
		Instrument:   r.Ticker,
		Action:       side,
		Reason:       reason,
		RequestedQty: r.Qty,
		LimitPrice:   r.Price,
	}
	if r.OrderType != "" {
		t, err := domain.ParseOrderType(r.OrderType)
		if err != nil {
			return domain.Intent{}, &domain.ValidationError{Field: "order_type", Value: r.OrderType, Err: err}
		}
		intent.Type = t
		if t == domain.OrderTypeMarket {
			// Alerts often quote the bar close; it is not a limit for market orders.
			intent.LimitPrice = decimal.NullDecimal{}
		}
	}
	return intent, nil
}

func outcomeStatus(k domain.OutcomeKind) int {
	switch k {
	case domain.OutcomeAccepted, domain.OutcomeSkipped:
		return http.StatusOK
	case domain.OutcomeRejected:
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("status") == "open" {
		respondJSON(w, s.engine.Tracker().Open())
		return
	}
	respondJSON(w, s.engine.Tracker().All())
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusNotFound, "history not available", "journal disabled")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		limit = n
	}
	orders, err := s.history.Orders(limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "history query failed", err.Error())
		return
	}
	respondJSON(w, orders)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)

	order, ok := s.engine.Tracker().Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "order not found", strconv.FormatInt(id, 10))
		return
	}
	respondJSON(w, order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)

	if !s.engine.CancelByID(r.Context(), id) {
		respondError(w, http.StatusConflict, "cancel not dispatched", "order unknown, terminal or gateway refused")
		return
	}
	respondJSON(w, CancelResponse{OrderID: id, Dispatched: 1})
}

func (s *Server) handleCancelMatch(w http.ResponseWriter, r *http.Request) {
	var req CancelMatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload", err.Error())
		return
	}
	side, err := domain.ParseSide(req.Action)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid action", err.Error())
		return
	}

	id, ok := s.engine.CancelByMatch(r.Context(), req.Ticker, side, req.Price)
	if !ok {
		respondError(w, http.StatusNotFound, "no matching open order", "")
		return
	}
	respondJSON(w, CancelResponse{OrderID: id, Dispatched: 1})
}

func (s *Server) handleCancelAll(w http.ResponseWriter, r *http.Request) {
	n := s.engine.CancelAllOpen(r.Context())
	respondJSON(w, CancelResponse{Dispatched: n})
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	positions := s.engine.Ledger().Snapshot()
	if positions == nil {
		positions = []domain.Position{}
	}
	respondJSON(w, PositionsResponse{Positions: positions})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ready := s.engine.OrderIDs().Ready()
	status := "ok"
	if !ready {
		status = "degraded"
	}
	respondJSON(w, HealthResponse{
		Status:     status,
		Ready:      ready,
		OpenOrders: len(s.engine.Tracker().Open()),
		Metrics:    s.metrics.Snapshot(),
	})
}

// ==============================
// Helpers
// ==============================

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondStatus(w, status, ErrorResponse{
		Error:   error,
		Message: message,
	})
}
