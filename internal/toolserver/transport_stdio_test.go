package toolserver

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

// shellServerScript is a minimal JSON-RPC responder over stdin/stdout.
// Requests carry an id and arrive in order, so a counter stands in for id
// parsing; notifications have no id and are skipped.
const shellServerScript = `#!/bin/sh
n=0
while IFS= read -r line; do
  case "$line" in
    *'"id"'*) ;;
    *) continue ;;
  esac
  n=$((n+1))
  case "$line" in
    *initialize*) printf '{"jsonrpc":"2.0","id":%d,"result":{"protocolVersion":"2024-11-05","serverInfo":{"name":"shellsrv","version":"0.1"}}}\n' "$n" ;;
    *tools/list*) printf '{"jsonrpc":"2.0","id":%d,"result":{"tools":[{"name":"echo","description":"echoes input"}]}}\n' "$n" ;;
    *tools/call*) printf '{"jsonrpc":"2.0","id":%d,"result":{"content":[{"type":"text","text":"pong"}]}}\n' "$n" ;;
    *) printf '{"jsonrpc":"2.0","id":%d,"result":{}}\n' "$n" ;;
  esac
done
`

func startShellServer(t *testing.T, initTimeout time.Duration) *Connector {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}

	script := filepath.Join(t.TempDir(), "server.sh")
	if err := os.WriteFile(script, []byte(shellServerScript), 0o700); err != nil {
		t.Fatalf("writing server script: %v", err)
	}

	cfg := &ServerConfig{
		ID:          "shellsrv",
		Transport:   TransportStdio,
		Enabled:     true,
		Command:     "/bin/sh",
		Args:        []string{script},
		InitTimeout: initTimeout,
		CallTimeout: 2 * time.Second,
	}
	conn := NewConnector(cfg, nil)
	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { conn.Disconnect() })
	return conn
}

func TestStdioServerSurvivesInitDeadline(t *testing.T) {
	initTimeout := 250 * time.Millisecond
	conn := startShellServer(t, initTimeout)

	if got := conn.Descriptors(); len(got) != 1 || got[0].Name != "echo" {
		t.Fatalf("descriptors = %+v, want the echo tool", got)
	}

	// The subprocess must outlive the handshake deadline; only Disconnect
	// ends it.
	time.Sleep(2 * initTimeout)

	res, err := conn.Invoke(context.Background(), "echo", json.RawMessage(`{"msg":"hi"}`))
	if err != nil {
		t.Fatalf("Invoke after init deadline: %v", err)
	}
	if res.Text() != "pong" {
		t.Errorf("result = %q, want %q", res.Text(), "pong")
	}
}

func TestStdioHealthCheckRoundTrip(t *testing.T) {
	conn := startShellServer(t, 2*time.Second)

	health := conn.HealthCheck(context.Background())
	if !health.OK {
		t.Fatalf("health check failed: %v", health.Err)
	}
	if health.Latency <= 0 {
		t.Errorf("latency = %v, want > 0", health.Latency)
	}
}
