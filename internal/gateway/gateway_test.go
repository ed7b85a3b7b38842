package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmylchreest/browserhost/internal/auth"
	"github.com/jmylchreest/browserhost/internal/config"
	"github.com/jmylchreest/browserhost/internal/router"
	"github.com/jmylchreest/browserhost/internal/session"
	"github.com/jmylchreest/browserhost/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	cfg := &config.Config{DefaultViewportWidth: 1440, DefaultViewportHeight: 1880}
	logger := testLogger()
	sessMgr := session.NewManager(nil, cfg, logger, nil, nil)
	rtr := router.New(nil, cfg, logger, nil)

	return New(Config{
		Cfg:        cfg,
		Logger:     logger,
		Sessions:   sessMgr,
		Router:     rtr,
		Authn:      auth.NoopAuthenticator{},
		Registerer: prometheus.NewRegistry(),
	})
}

func TestExtractTokenFromQueryString(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?token=abc123", nil)
	if got := extractToken(req); got != "abc123" {
		t.Errorf("extractToken() = %q, want %q", got, "abc123")
	}
}

func TestExtractTokenFromBearerHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Authorization", "Bearer xyz789")
	if got := extractToken(req); got != "xyz789" {
		t.Errorf("extractToken() = %q, want %q", got, "xyz789")
	}
}

func TestExtractTokenFromRawAuthHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Authorization", "raw-token")
	if got := extractToken(req); got != "raw-token" {
		t.Errorf("extractToken() = %q, want %q", got, "raw-token")
	}
}

func TestExtractTokenMissing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if got := extractToken(req); got != "" {
		t.Errorf("extractToken() = %q, want empty", got)
	}
}

func TestNewClientIDIsUniqueAndSortable(t *testing.T) {
	g := newTestGateway(t)
	a := g.newClientID()
	b := g.newClientID()
	if a == "" || b == "" {
		t.Fatalf("newClientID() returned empty id")
	}
	if a == b {
		t.Errorf("newClientID() returned the same id twice: %q", a)
	}
	if a >= b {
		t.Errorf("newClientID() ids not monotonically increasing: %q >= %q", a, b)
	}
}

func TestHandleConnectionRejectsMissingToken(t *testing.T) {
	g := newTestGateway(t)
	srv := httptest.NewServer(http.HandlerFunc(g.HandleConnection))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestHandleConnectionRejectsInvalidToken(t *testing.T) {
	g := newTestGateway(t)
	g.authn = rejectingAuthenticator{}
	srv := httptest.NewServer(http.HandlerFunc(g.HandleConnection))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?token=anything")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

type rejectingAuthenticator struct{}

func (rejectingAuthenticator) Verify(_ context.Context, _ string) (auth.Identity, error) {
	return auth.Identity{}, auth.ErrInvalidToken
}

func TestHealthReflectsCircuitBreakerState(t *testing.T) {
	g := newTestGateway(t)
	h := g.Health()
	if h.Status != "ok" {
		t.Errorf("Health().Status = %q, want %q", h.Status, "ok")
	}
	if h.CircuitBreaker.IsOpen {
		t.Errorf("Health().CircuitBreaker.IsOpen = true, want false before any failures")
	}
}

func TestTrimAndDropFrameQueuesActOnLiveConnections(t *testing.T) {
	g := newTestGateway(t)

	acker := noopAcker{}
	p := stream.New(g.cfg, acker, g.logger)
	for i := 0; i < 5; i++ {
		p.OnFrame([]byte("x"), "sess")
	}
	time.Sleep(10 * time.Millisecond)

	g.mu.Lock()
	g.connections["c1"] = &connection{clientID: "c1", pump: p}
	g.mu.Unlock()

	g.TrimFrameQueues()
	if p.Len() > 2 {
		t.Errorf("Len() = %d after TrimFrameQueues, want <= 2", p.Len())
	}

	g.DropFrameQueues()
	if p.Len() != 0 {
		t.Errorf("Len() = %d after DropFrameQueues, want 0", p.Len())
	}
}

type noopAcker struct{}

func (noopAcker) Ack(string) error { return nil }

func TestShutdownClosesConnectionsAndCleansUpSessions(t *testing.T) {
	g := newTestGateway(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = g.upgrader.Upgrade(w, r, nil)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	u, _ := url.Parse(wsURL)
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	g.mu.Lock()
	g.connections["c1"] = &connection{clientID: "c1", conn: conn, sender: &wsSender{conn: conn}}
	g.mu.Unlock()

	g.Shutdown(context.Background())

	if g.activeConnectionCount() != 0 {
		t.Errorf("activeConnectionCount() = %d after Shutdown, want 0", g.activeConnectionCount())
	}
}
