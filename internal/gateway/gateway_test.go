// ABOUTME: Tests for Gateway wiring, health endpoints, and the agent WebSocket listener
// ABOUTME: Uses a real WebSocket client against httptest servers for end-to-end delivery

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/command"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/store"
)

// testConfig creates a minimal config with an in-memory database.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			AgentAddr: "127.0.0.1:0",
			HTTPAddr:  "127.0.0.1:0",
		},
		Database: config.DatabaseConfig{
			Path: store.MemoryPath,
		},
		Metrics: config.MetricsConfig{
			Enabled: true,
		},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestGateway builds a gateway over a fresh SQLite store. mutate, if
// non-nil, adjusts the config before wiring.
func newTestGateway(t *testing.T, mutate func(*config.Config)) *Gateway {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	require.NoError(t, err)

	gw, err := newWithStore(cfg, s, testLogger())
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return gw
}

// isBound reports whether any connection is bound to token.
func isBound(gw *Gateway, token string) bool {
	_, ok := gw.registry.Lookup(token)
	return ok
}

// startAgentServer exposes the gateway's agent listener on a test server and
// returns its ws:// URL.
func startAgentServer(t *testing.T, gw *Gateway) string {
	t.Helper()
	srv := httptest.NewServer(gw.agentServer.Handler)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// dialAgent connects a test agent and identifies it with token.
func dialAgent(t *testing.T, gw *Gateway, url, token string) *websocket.Conn {
	t.Helper()

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	require.NoError(t, ws.WriteJSON(map[string]string{"token": token}))
	require.Eventually(t, func() bool { return isBound(gw, token) }, 2*time.Second, 10*time.Millisecond)
	return ws
}

func deliverFiles(token string) *command.Command {
	return &command.Command{
		Token:  token,
		Action: command.ActionDeliverFiles,
		Payload: &command.DeliverFiles{
			IDs:   []string{"7"},
			Paths: []string{"/x.zip"},
		},
	}
}

func TestGatewayNew(t *testing.T) {
	gw := newTestGateway(t, nil)

	assert.NotNil(t, gw.registry)
	assert.NotNil(t, gw.dispatcher)
	assert.NotNil(t, gw.metrics)
	assert.Equal(t, config.DefaultPingInterval, gw.config.Agents.PingInterval)
	assert.Equal(t, config.DefaultMetricsPath, gw.config.Metrics.Path)
}

func TestGatewayNew_WeakSecret(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.JWTSecret = "short"

	_, err := newWithStore(cfg, store.NewMockStore(), testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT verifier")
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig()
	s, err := store.NewSQLiteStore(store.MemoryPath)
	require.NoError(t, err)
	gw, err := newWithStore(cfg, s, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- gw.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shut down in time")
	}
}

func TestHealthEndpoint(t *testing.T) {
	gw := newTestGateway(t, nil)

	rec := httptest.NewRecorder()
	gw.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestReadyEndpoint(t *testing.T) {
	gw := newTestGateway(t, nil)
	url := startAgentServer(t, gw)

	rec := httptest.NewRecorder()
	gw.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "no agents connected", rec.Body.String())

	dialAgent(t, gw, url, "abc")

	rec = httptest.NewRecorder()
	gw.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready (1 agents)", rec.Body.String())
}

func TestAgentRoundTrip(t *testing.T) {
	gw := newTestGateway(t, nil)
	url := startAgentServer(t, gw)
	ws := dialAgent(t, gw, url, "abc")

	outcome, err := gw.dispatcher.Dispatch(context.Background(), deliverFiles("abc"))
	require.NoError(t, err)
	assert.Equal(t, command.Delivered, outcome)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	assert.JSONEq(t, `{"action":"deliver-files","ids":["7"],"paths":["/x.zip"]}`, string(data))
}

func TestAgentDisconnectUnbinds(t *testing.T) {
	gw := newTestGateway(t, nil)
	url := startAgentServer(t, gw)
	ws := dialAgent(t, gw, url, "abc")

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return !isBound(gw, "abc") }, 2*time.Second, 10*time.Millisecond)

	outcome, err := gw.dispatcher.Dispatch(context.Background(), deliverFiles("abc"))
	assert.Equal(t, command.TargetNotConnected, outcome)
	assert.ErrorIs(t, err, command.ErrTargetNotConnected)
}

func TestAgentSupersede(t *testing.T) {
	gw := newTestGateway(t, nil)
	url := startAgentServer(t, gw)

	first := dialAgent(t, gw, url, "abc")
	firstID := gw.registry.ListAgents()[0].ConnectionID

	second, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })
	require.NoError(t, second.WriteJSON(map[string]string{"token": "abc"}))
	require.Eventually(t, func() bool {
		agents := gw.registry.ListAgents()
		return len(agents) == 1 && agents[0].ConnectionID != firstID
	}, 2*time.Second, 10*time.Millisecond)

	outcome, err := gw.dispatcher.Dispatch(context.Background(), deliverFiles("abc"))
	require.NoError(t, err)
	assert.Equal(t, command.Delivered, outcome)

	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := second.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"deliver-files"`)

	// Closing the displaced connection must not unbind its successor.
	require.NoError(t, first.Close())
	time.Sleep(100 * time.Millisecond)
	assert.True(t, isBound(gw, "abc"))
}

func TestAgentIdentifyRetry(t *testing.T) {
	gw := newTestGateway(t, nil)
	url := startAgentServer(t, gw)

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("hello")))
	require.NoError(t, ws.WriteJSON(map[string]any{"token": 42}))
	require.NoError(t, ws.WriteJSON(map[string]string{"token": "abc"}))

	require.Eventually(t, func() bool { return isBound(gw, "abc") }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, gw.registry.Count())
}

func TestAgentReadLimitClosesConnection(t *testing.T) {
	gw := newTestGateway(t, func(c *config.Config) {
		c.Agents.MaxMessageBytes = 64
	})
	url := startAgentServer(t, gw)
	ws := dialAgent(t, gw, url, "abc")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 1024))))
	require.Eventually(t, func() bool { return !isBound(gw, "abc") }, 2*time.Second, 10*time.Millisecond)
}

func TestAgentReadErrorLogsSession(t *testing.T) {
	gw := newTestGateway(t, func(c *config.Config) {
		c.Agents.MaxMessageBytes = 64
	})
	logs := &lockedBuffer{}
	gw.agentLogger = slog.New(slog.NewTextHandler(logs, nil))
	url := startAgentServer(t, gw)
	ws := dialAgent(t, gw, url, "abc")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 1024))))
	require.Eventually(t, func() bool {
		out := logs.String()
		return strings.Contains(out, "agent message exceeded read limit") && strings.Contains(out, "token=abc")
	}, 2*time.Second, 10*time.Millisecond)
}

// lockedBuffer is a log sink shared with connection goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestAgentPongTimeoutClosesConnection(t *testing.T) {
	gw := newTestGateway(t, func(c *config.Config) {
		c.Agents.PingInterval = 50 * time.Millisecond
		c.Agents.PongTimeout = 200 * time.Millisecond
	})
	url := startAgentServer(t, gw)

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	require.NoError(t, ws.WriteJSON(map[string]string{"token": "abc"}))
	require.Eventually(t, func() bool { return isBound(gw, "abc") }, 2*time.Second, 10*time.Millisecond)

	// The client never reads, so pings are never answered with pongs.
	require.Eventually(t, func() bool { return !isBound(gw, "abc") }, 3*time.Second, 20*time.Millisecond)
}

func TestShutdownClosesAgentSessions(t *testing.T) {
	cfg := testConfig()
	s, err := store.NewSQLiteStore(store.MemoryPath)
	require.NoError(t, err)
	gw, err := newWithStore(cfg, s, testLogger())
	require.NoError(t, err)

	srv := httptest.NewServer(gw.agentServer.Handler)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws := dialAgent(t, gw, url, "abc")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, gw.Shutdown(ctx))

	assert.Equal(t, 0, gw.registry.Count())

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = ws.ReadMessage()
	assert.Error(t, err)

	// Connections arriving after shutdown are refused a session.
	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		defer late.Close()
		_ = late.WriteJSON(map[string]string{"token": "late"})
		time.Sleep(100 * time.Millisecond)
		assert.False(t, isBound(gw, "late"))
	}
}

func TestConnectionEventsAudited(t *testing.T) {
	gw := newTestGateway(t, nil)
	url := startAgentServer(t, gw)
	ws := dialAgent(t, gw, url, "abc")
	require.NoError(t, ws.Close())

	require.Eventually(t, func() bool {
		events, err := gw.store.ListConnectionEvents(context.Background(), store.ListFilter{})
		if err != nil || len(events) < 3 {
			return false
		}
		kinds := make([]string, len(events))
		for i, e := range events {
			kinds[i] = e.Kind
		}
		return assert.ObjectsAreEqual([]string{"closed", "bound", "connected"}, kinds)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestMetricsEndpoint(t *testing.T) {
	gw := newTestGateway(t, nil)
	url := startAgentServer(t, gw)
	dialAgent(t, gw, url, "abc")

	_, _ = gw.dispatcher.Dispatch(context.Background(), deliverFiles("abc"))
	_, _ = gw.dispatcher.Dispatch(context.Background(), deliverFiles("nobody"))

	// One remembered delivery; the not-connected outcome is not cached.
	doRequest(gw, http.MethodPost, "/api/commands",
		`{"token":"abc","action":"deliver-files","payload":{"ids":[],"paths":[]},"request_id":"m-1"}`, nil)
	doRequest(gw, http.MethodPost, "/api/commands",
		`{"token":"nobody","action":"deliver-files","payload":{"ids":[],"paths":[]},"request_id":"m-2"}`, nil)

	rec := httptest.NewRecorder()
	gw.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "relay_bound_agents 1")
	assert.Contains(t, body, `relay_dispatch_total{action="deliver-files",outcome="delivered"} 2`)
	assert.Contains(t, body, `relay_dispatch_total{action="deliver-files",outcome="target_not_connected"} 2`)
	assert.Contains(t, body, `relay_connection_events_total{kind="bound"} 1`)
	assert.Contains(t, body, "relay_dispatch_send_seconds_count 2")
	assert.Contains(t, body, "relay_idempotency_entries 1")
}

func TestMetricsDisabled(t *testing.T) {
	gw := newTestGateway(t, func(c *config.Config) {
		c.Metrics.Enabled = false
	})

	rec := httptest.NewRecorder()
	gw.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActionLabel(t *testing.T) {
	assert.Equal(t, "deliver-files", actionLabel(command.ActionDeliverFiles))
	assert.Equal(t, "unknown", actionLabel(command.Action("rm -rf")))
}

func TestUpgraderOrigins(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{name: "no allow-list", origin: "https://evil.example", want: true},
		{name: "no origin header", allowed: []string{"https://ok.example"}, want: true},
		{name: "listed origin", allowed: []string{"https://ok.example"}, origin: "https://ok.example", want: true},
		{name: "unlisted origin", allowed: []string{"https://ok.example"}, origin: "https://evil.example", want: false},
		{name: "wildcard", allowed: []string{"*"}, origin: "https://any.example", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, newUpgrader(tt.allowed).CheckOrigin(r))
		})
	}
}

// decodeJSON decodes a recorder body into v.
func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}
