package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// WSConfig configures a websocket MCP transport. JSON-RPC messages travel
// as text frames over one persistent connection; responses are correlated
// back to callers by request id.
type WSConfig struct {
	// URL is the MCP server endpoint (ws://, wss://, or http(s):// which
	// is rewritten to the websocket scheme).
	URL string

	// Headers are sent with the websocket handshake (e.g., Authorization).
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// WSTransport communicates with an MCP server over a websocket. Unlike
// stdio, responses may arrive out of order, so a read loop routes each
// incoming message to the pending call with the matching id.
type WSTransport struct {
	config WSConfig
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	pendingMu sync.Mutex
	pending   map[int64]chan *Response
}

// NewWSTransport creates a websocket transport for the given config.
// The connection is not dialed until the first Send or Notify call.
func NewWSTransport(cfg WSConfig) *WSTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WSTransport{
		config:  cfg,
		logger:  logger,
		pending: make(map[int64]chan *Response),
	}
}

// ensureConn dials the websocket if it is not already connected.
// Caller must hold t.connMu.
func (t *WSTransport) ensureConn(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}

	u, err := url.Parse(t.config.URL)
	if err != nil {
		return fmt.Errorf("parse websocket URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	header := http.Header{}
	for k, v := range t.config.Headers {
		header.Set(k, v)
	}

	t.logger.Info("dialing MCP websocket", "url", u.String())

	// Larger buffers for big tool results.
	dialer := websocket.Dialer{
		ReadBufferSize:  1 << 20,
		WriteBufferSize: 64 * 1024,
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial websocket (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial websocket: %w", err)
	}
	conn.SetReadLimit(10 << 20)

	t.conn = conn
	go t.readLoop(conn)

	return nil
}

// readLoop routes incoming responses to their pending callers. It exits
// when the connection dies, failing every outstanding call.
func (t *WSTransport) readLoop(conn *websocket.Conn) {
	for {
		var resp Response
		if err := conn.ReadJSON(&resp); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Info("MCP websocket closed")
			} else {
				t.logger.Error("MCP websocket read error, connection lost", "error", err)
			}
			t.failPending()
			t.connMu.Lock()
			if t.conn == conn {
				t.conn = nil
			}
			t.connMu.Unlock()
			return
		}

		t.pendingMu.Lock()
		ch, ok := t.pending[resp.ID]
		if ok {
			delete(t.pending, resp.ID)
		}
		t.pendingMu.Unlock()

		if ok {
			ch <- &resp
		} else {
			// Server-initiated notifications land here; they carry no
			// pending caller.
			t.logger.Debug("unmatched MCP websocket message", "id", resp.ID)
		}
	}
}

// failPending closes every outstanding response channel so callers see a
// disconnect instead of hanging.
func (t *WSTransport) failPending() {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
}

// Send writes a JSON-RPC request and waits for the response with the
// matching id.
func (t *WSTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	t.connMu.Lock()
	if err := t.ensureConn(ctx); err != nil {
		t.connMu.Unlock()
		return nil, err
	}
	conn := t.conn

	respCh := make(chan *Response, 1)
	t.pendingMu.Lock()
	t.pending[req.ID] = respCh
	t.pendingMu.Unlock()

	err := conn.WriteJSON(req)
	t.connMu.Unlock()
	if err != nil {
		t.pendingMu.Lock()
		delete(t.pending, req.ID)
		t.pendingMu.Unlock()
		return nil, fmt.Errorf("write websocket message: %w", err)
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, fmt.Errorf("websocket connection lost awaiting response %d", req.ID)
		}
		return resp, nil
	case <-ctx.Done():
		t.pendingMu.Lock()
		delete(t.pending, req.ID)
		t.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

// Notify writes a JSON-RPC notification. No response is expected.
func (t *WSTransport) Notify(ctx context.Context, notif *Notification) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if err := t.ensureConn(ctx); err != nil {
		return err
	}
	if err := t.conn.WriteJSON(notif); err != nil {
		return fmt.Errorf("write websocket notification: %w", err)
	}
	return nil
}

// Close shuts down the websocket connection. Idempotent.
func (t *WSTransport) Close() error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.conn == nil {
		return nil
	}

	// Best-effort close frame so well-behaved servers see a clean shutdown.
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := t.conn.Close()
	t.conn = nil
	return err
}
