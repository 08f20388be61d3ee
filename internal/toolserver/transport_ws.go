package toolserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WSTransport holds a persistent WebSocket connection to the tool server
// and multiplexes JSON-RPC calls over it.
type WSTransport struct {
	config *ServerConfig
	logger *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	pending   map[int64]chan *rpcResponse
	pendingMu sync.Mutex
	nextID    atomic.Int64

	connected atomic.Bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewWSTransport creates a new WebSocket transport.
func NewWSTransport(cfg *ServerConfig) *WSTransport {
	return &WSTransport{
		config:   cfg,
		logger:   slog.Default().With("tool_server", cfg.ID, "transport", "websocket"),
		pending:  make(map[int64]chan *rpcResponse),
		stopChan: make(chan struct{}),
	}
}

// Connect dials the server and starts the read loop.
func (t *WSTransport) Connect(ctx context.Context) error {
	if t.config.URL == "" {
		return fmt.Errorf("url is required for websocket transport")
	}

	header := http.Header{}
	for k, v := range t.config.Headers {
		header.Set(k, v)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, t.config.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: HTTP %d: %w", t.config.URL, resp.StatusCode, err)
		}
		return fmt.Errorf("dial %s: %w", t.config.URL, err)
	}

	t.conn = conn
	t.connected.Store(true)
	t.logger.Info("websocket connected", "url", t.config.URL)

	t.wg.Add(1)
	go t.readLoop()

	return nil
}

// Close closes the connection and stops the read loop.
func (t *WSTransport) Close() error {
	if !t.connected.Swap(false) && t.conn == nil {
		return nil
	}
	select {
	case <-t.stopChan:
	default:
		close(t.stopChan)
	}

	if t.conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		t.conn.Close()
	}

	t.wg.Wait()
	return nil
}

// Call sends a request and waits for the matching response.
func (t *WSTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("not connected")
	}

	id := t.nextID.Add(1)

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	respChan := make(chan *rpcResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.writeJSON(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	timeout := t.config.CallTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("request timeout after %v", timeout)
	case <-t.stopChan:
		return nil, fmt.Errorf("transport closed")
	}
}

// Notify sends a notification (no response expected).
func (t *WSTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}

	notif := rpcNotification{
		JSONRPC: "2.0",
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}

	return t.writeJSON(notif)
}

// Connected returns whether the transport is connected.
func (t *WSTransport) Connected() bool {
	return t.connected.Load()
}

func (t *WSTransport) writeJSON(v any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(v)
}

func (t *WSTransport) readLoop() {
	defer t.wg.Done()
	defer t.connected.Store(false)

	for {
		select {
		case <-t.stopChan:
			return
		default:
		}

		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.stopChan:
			default:
				t.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil || resp.ID == nil {
			continue
		}

		var id int64
		switch v := resp.ID.(type) {
		case float64:
			id = int64(v)
		case int64:
			id = v
		case int:
			id = int64(v)
		default:
			t.logger.Warn("unexpected response id type", "id", resp.ID)
			continue
		}

		t.pendingMu.Lock()
		if ch, ok := t.pending[id]; ok {
			select {
			case ch <- &resp:
			default:
			}
			delete(t.pending, id)
		}
		t.pendingMu.Unlock()
	}
}
