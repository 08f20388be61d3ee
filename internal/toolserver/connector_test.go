package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// fakeTransport is an in-process Transport for tests.
type fakeTransport struct {
	connectDelay time.Duration
	connectErr   error
	callErr      error
	tools        []map[string]any
	callResult   json.RawMessage
	connected    bool
	closed       int
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	if f.connectDelay > 0 {
		select {
		case <-time.After(f.connectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.connected = false
	f.closed++
	return nil
}

func (f *fakeTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if f.callErr != nil {
		return nil, f.callErr
	}
	switch method {
	case "initialize":
		return json.RawMessage(`{"protocolVersion":"2024-11-05","serverInfo":{"name":"fake","version":"0.1"}}`), nil
	case "tools/list":
		payload, _ := json.Marshal(map[string]any{"tools": f.tools})
		return payload, nil
	case "ping":
		return json.RawMessage(`{}`), nil
	default:
		if f.callResult != nil {
			return f.callResult, nil
		}
		return json.RawMessage(`{"content":[{"type":"text","text":"ok"}]}`), nil
	}
}

func (f *fakeTransport) Notify(ctx context.Context, method string, params any) error { return nil }
func (f *fakeTransport) Connected() bool                                             { return f.connected }

func testConfig(id string) *ServerConfig {
	return &ServerConfig{
		ID:          id,
		Transport:   TransportStdio,
		Command:     "echo",
		Enabled:     true,
		InitTimeout: 100 * time.Millisecond,
	}
}

func TestConnectorConnectFetchesDescriptors(t *testing.T) {
	tr := &fakeTransport{
		tools: []map[string]any{
			{"name": "get_time", "description": "returns the current time"},
			{"name": "get_weather", "description": "returns the weather"},
		},
	}
	c := newConnectorWithTransport(testConfig("a"), tr, nil)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	descs := c.Descriptors()
	if len(descs) != 2 {
		t.Fatalf("got %d descriptors, want 2", len(descs))
	}
	if descs[0].Name != "get_time" || descs[0].ServerID != "a" {
		t.Errorf("descriptor = %+v", descs[0])
	}
}

func TestConnectorConnectTimesOut(t *testing.T) {
	tr := &fakeTransport{connectDelay: time.Second}
	cfg := testConfig("slow")
	cfg.InitTimeout = 30 * time.Millisecond
	c := newConnectorWithTransport(cfg, tr, nil)

	start := time.Now()
	err := c.Connect(context.Background())
	if err == nil {
		t.Fatal("Connect succeeded, want timeout")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Connect took %v, want bounded by init timeout", elapsed)
	}
}

func TestConnectorInvokeMapsTransportError(t *testing.T) {
	tr := &fakeTransport{tools: []map[string]any{{"name": "t"}}}
	c := newConnectorWithTransport(testConfig("a"), tr, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	tr.callErr = errors.New("broken pipe")
	_, err := c.Invoke(context.Background(), "t", nil)

	var invokeErr *InvokeError
	if !errors.As(err, &invokeErr) {
		t.Fatalf("Invoke error = %T, want *InvokeError", err)
	}
	if invokeErr.Code != ErrCodeTransport {
		t.Errorf("Code = %d, want %d", invokeErr.Code, ErrCodeTransport)
	}
	if !strings.Contains(invokeErr.Message, "broken pipe") {
		t.Errorf("Message = %q, want transport detail preserved", invokeErr.Message)
	}
}

func TestConnectorInvokeResult(t *testing.T) {
	tr := &fakeTransport{
		tools:      []map[string]any{{"name": "t"}},
		callResult: json.RawMessage(`{"content":[{"type":"text","text":"hello "},{"type":"text","text":"world"}]}`),
	}
	c := newConnectorWithTransport(testConfig("a"), tr, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	result, err := c.Invoke(context.Background(), "t", json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if got := result.Text(); got != "hello world" {
		t.Errorf("Text() = %q, want %q", got, "hello world")
	}
}

func TestConnectorHealthCheck(t *testing.T) {
	tr := &fakeTransport{}
	c := newConnectorWithTransport(testConfig("a"), tr, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	h := c.HealthCheck(context.Background())
	if !h.OK {
		t.Errorf("HealthCheck OK = false: %s", h.Err)
	}

	tr.callErr = fmt.Errorf("gone")
	h = c.HealthCheck(context.Background())
	if h.OK {
		t.Error("HealthCheck OK = true after transport failure")
	}
}

func TestServerConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ServerConfig
		wantErr bool
	}{
		{"valid stdio", ServerConfig{ID: "a", Transport: TransportStdio, Command: "srv"}, false},
		{"missing id", ServerConfig{Transport: TransportStdio, Command: "srv"}, true},
		{"missing command", ServerConfig{ID: "a", Transport: TransportStdio}, true},
		{"traversal command", ServerConfig{ID: "a", Transport: TransportStdio, Command: "../../bin/sh"}, true},
		{"shell metachars", ServerConfig{ID: "a", Transport: TransportStdio, Command: "srv", Args: []string{"x; rm -rf /"}}, true},
		{"valid http", ServerConfig{ID: "a", Transport: TransportHTTP, URL: "https://tools.local/rpc"}, false},
		{"bad http scheme", ServerConfig{ID: "a", Transport: TransportHTTP, URL: "ftp://tools.local"}, true},
		{"valid websocket", ServerConfig{ID: "a", Transport: TransportWebSocket, URL: "wss://tools.local/rpc"}, false},
		{"bad websocket scheme", ServerConfig{ID: "a", Transport: TransportWebSocket, URL: "https://tools.local"}, true},
		{"unknown transport", ServerConfig{ID: "a", Transport: "carrier-pigeon"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
