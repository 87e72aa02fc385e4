package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ibot_go/internal/domain"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
	pingInterval     = 20 * time.Second
	readTimeout      = 60 * time.Second
)

// Bridge is an ExecutionGateway that talks JSON frames over a websocket to
// a broker bridge process. Everything the bridge reports is forwarded to
// the sink from the read goroutine.
type Bridge struct {
	path   string
	signer *Signer
	sink   domain.EventSink
	logger *slog.Logger

	conn    *websocket.Conn
	mu      sync.RWMutex
	writeMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ domain.ExecutionGateway = (*Bridge)(nil)

// NewBridge creates a disconnected bridge client. signer may be nil when
// the bridge does not require authentication.
func NewBridge(path string, signer *Signer, sink domain.EventSink, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		path = "/"
	}
	return &Bridge{
		path:   path,
		signer: signer,
		sink:   sink,
		logger: logger.With(slog.String("module", "bridge")),
	}
}

// Connect dials the bridge with the given client id. Any previous session
// is closed first. It returns once the socket is open; the session becomes
// usable when the bridge sends its ready frame.
func (b *Bridge) Connect(ctx context.Context, host string, port int, clientID int) error {
	_ = b.Close()

	u := url.URL{
		Scheme:   "ws",
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		Path:     b.path,
		RawQuery: url.Values{"client_id": {strconv.Itoa(clientID)}}.Encode(),
	}

	header := http.Header{}
	if b.signer != nil {
		for k, v := range b.signer.GenerateHeaders(http.MethodGet, u.Path, u.RawQuery, "") {
			header.Set(k, v)
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return domain.NewNetworkError("connect", fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.conn = conn
	b.cancel = cancel
	b.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	b.wg.Add(2)
	go b.readLoop(runCtx, conn)
	go b.pingLoop(runCtx)

	b.logger.Info("Bridge connected", slog.String("url", u.Host+u.Path), slog.Int("client_id", clientID))
	return nil
}

// Submit sends an order. The outcome arrives later as status frames.
func (b *Bridge) Submit(ctx context.Context, req domain.SubmitRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := submitRequest{Type: msgSubmit, RequestID: uuid.NewString(), Order: req}
	if err := b.writeJSON(msg); err != nil {
		return fmt.Errorf("submit order %d: %w", req.OrderID, err)
	}
	b.logger.Debug("Order sent", slog.Int64("order_id", req.OrderID), slog.String("request_id", msg.RequestID))
	return nil
}

// Cancel requests cancellation of one order.
func (b *Bridge) Cancel(ctx context.Context, orderID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := cancelRequest{Type: msgCancel, RequestID: uuid.NewString(), OrderID: orderID}
	if err := b.writeJSON(msg); err != nil {
		return fmt.Errorf("cancel order %d: %w", orderID, err)
	}
	return nil
}

// Connected reports whether a socket is currently open.
func (b *Bridge) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conn != nil
}

// Close ends the session without reporting a lost connection.
func (b *Bridge) Close() error {
	b.mu.Lock()
	conn, cancel := b.conn, b.cancel
	b.conn, b.cancel = nil, nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		b.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		b.writeMu.Unlock()
		err = conn.Close()
	}
	b.wg.Wait()
	return err
}

func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer b.wg.Done()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.dropConnection(conn)
			b.logger.Warn("Bridge read failed", slog.Any("error", err))
			b.sink.OnConnectionLost(domain.NewNetworkError("read", err))
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		b.handleMessage(msg)
	}
}

func (b *Bridge) pingLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.threadSafeWrite(websocket.PingMessage, nil); err != nil {
				b.logger.Debug("Ping failed", slog.Any("error", err))
			}
		}
	}
}

// dropConnection forgets conn if it is still the active one.
func (b *Bridge) dropConnection(conn *websocket.Conn) {
	b.mu.Lock()
	if b.conn == conn {
		b.conn = nil
		if b.cancel != nil {
			b.cancel()
			b.cancel = nil
		}
	}
	b.mu.Unlock()
	conn.Close()
}

func (b *Bridge) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.threadSafeWrite(websocket.TextMessage, data)
}

func (b *Bridge) threadSafeWrite(msgType int, data []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()
	if conn == nil {
		return domain.ErrNotConnected
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(msgType, data); err != nil {
		return domain.NewNetworkError("write", err)
	}
	return nil
}

func (b *Bridge) handleMessage(data []byte) {
	var m inboundMessage
	if err := json.Unmarshal(data, &m); err != nil {
		b.logger.Warn("Malformed bridge frame", slog.Any("error", err))
		return
	}

	switch m.Type {
	case msgReady:
		b.sink.OnReady(m.NextValidID)

	case msgOrderStatus:
		status, err := domain.ParseOrderStatus(m.Status)
		if err != nil {
			b.logger.Warn("Unknown order status", slog.Int64("order_id", m.OrderID), slog.String("status", m.Status))
			return
		}
		b.sink.OnOrderStatus(domain.OrderStatusEvent{
			OrderID:      m.OrderID,
			Status:       status,
			FilledQty:    m.Filled,
			RemainingQty: m.Remaining,
			AvgFillPrice: m.AvgFillPrice,
			Message:      m.Message,
		})

	case msgPosition:
		b.sink.OnPositionSnapshot(domain.PositionSnapshotEvent{
			Instrument: m.Symbol,
			Quantity:   m.Quantity,
			AvgCost:    m.AvgCost,
		})

	case msgError:
		b.logger.Warn("Bridge error",
			slog.Int("code", m.Code),
			slog.String("message", m.Message),
			slog.Int64("order_id", m.OrderID),
			slog.String("request_id", m.RequestID))
		if m.Reject && m.OrderID > 0 {
			b.sink.OnOrderStatus(domain.OrderStatusEvent{
				OrderID: m.OrderID,
				Status:  domain.OrderStatusRejected,
				Message: m.Message,
			})
		}

	default:
		b.logger.Debug("Ignoring bridge frame", slog.String("type", m.Type))
	}
}
