package cardsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransportConfig configures the WebSocket sync transport.
type WebSocketTransportConfig struct {
	// URL is the authority's sync socket, e.g. wss://host/api/v1/sync/ws.
	URL string `json:"url" yaml:"url"`

	// HandshakeTimeout bounds the dial.
	HandshakeTimeout time.Duration `json:"handshake_timeout" yaml:"handshake_timeout"`

	// ExchangeTimeout bounds one request/response round trip.
	ExchangeTimeout time.Duration `json:"exchange_timeout" yaml:"exchange_timeout"`
}

// DefaultWebSocketTransportConfig returns sensible defaults.
func DefaultWebSocketTransportConfig(url string) WebSocketTransportConfig {
	return WebSocketTransportConfig{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		ExchangeTimeout:  30 * time.Second,
	}
}

// WebSocketTransport performs the same request/response exchange as
// HTTPTransport over a persistent WebSocket connection. Exchanges are
// serialized on the single connection; the connection is re-dialed lazily
// after an error.
type WebSocketTransport struct {
	config WebSocketTransportConfig
	dialer *websocket.Dialer
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketTransport creates a WebSocket sync transport.
func NewWebSocketTransport(config WebSocketTransportConfig) *WebSocketTransport {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	if config.ExchangeTimeout <= 0 {
		config.ExchangeTimeout = 30 * time.Second
	}
	return &WebSocketTransport{
		config: config,
		dialer: &websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout},
		logger: slog.Default(),
	}
}

// Exchange sends the request and waits for the matching response.
func (t *WebSocketTransport) Exchange(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn, err := t.connLocked(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}

	deadline := time.Now().Add(t.config.ExchangeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)

	if err := conn.WriteJSON(req); err != nil {
		t.dropLocked()
		return nil, fmt.Errorf("%w: write: %v", ErrTransportFailure, err)
	}

	var resp SyncResponse
	if err := conn.ReadJSON(&resp); err != nil {
		t.dropLocked()
		return nil, fmt.Errorf("%w: read: %v", ErrTransportFailure, err)
	}
	return &resp, nil
}

// Close shuts down the connection if one is open.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *WebSocketTransport) connLocked(ctx context.Context) (*websocket.Conn, error) {
	if t.conn != nil {
		return t.conn, nil
	}
	conn, _, err := t.dialer.DialContext(ctx, t.config.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.config.URL, err)
	}
	t.conn = conn
	return conn, nil
}

func (t *WebSocketTransport) dropLocked() {
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}

var _ SyncTransport = (*WebSocketTransport)(nil)
