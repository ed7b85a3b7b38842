// Package gateway implements Gateway: the WebSocket control-plane server
// that accepts operator connections, allocates a browser Session per
// connection via SessionManager, and pumps screencast frames back over the
// same connection through StreamPump. It is the outermost component; every
// other package in this repo is wired together here.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmylchreest/browserhost/internal/auth"
	"github.com/jmylchreest/browserhost/internal/browser"
	"github.com/jmylchreest/browserhost/internal/config"
	"github.com/jmylchreest/browserhost/internal/logging"
	"github.com/jmylchreest/browserhost/internal/operation"
	"github.com/jmylchreest/browserhost/internal/router"
	"github.com/jmylchreest/browserhost/internal/session"
	"github.com/jmylchreest/browserhost/internal/shutdown"
	"github.com/jmylchreest/browserhost/internal/stream"
)

// pingInterval and deadPeerInterval match the external interface's liveness
// defaults: a ping every 30s, and a check every 45s for a connection that
// never answered the previous ping.
const (
	pingInterval      = 30 * time.Second
	deadPeerInterval  = 45 * time.Second
	pingSkipThreshold = 1024 * 1024
)

// Gateway wires SessionManager, MessageRouter, StreamPump and the memory
// governor together behind a WebSocket upgrade handler. One Gateway exists
// per process.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	driver  *browser.Driver
	sess    *session.Manager
	rtr     *router.Router
	authn   auth.Authenticator
	idle    *shutdown.IdleMonitor
	breaker *operation.CircuitBreaker
	metrics *metrics

	upgrader websocket.Upgrader

	mu          sync.RWMutex
	connections map[string]*connection
	shuttingDown bool

	startedAt time.Time

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// connection is the per-client bookkeeping a Gateway keeps for the
// lifetime of one WebSocket: its Session, its frame pump, and the timers
// that drive liveness.
type connection struct {
	clientID string
	ctx      context.Context // carries clientID for logging.FromContext; cancelled by cancel
	conn     *websocket.Conn
	sender   *wsSender
	pump     *stream.Pump
	sess     *session.Session

	releaseIdle func()

	mu       sync.Mutex
	lastPong time.Time
	cancel   context.CancelFunc
}

// Config configures a Gateway.
type Config struct {
	Cfg         *config.Config
	Logger      *slog.Logger
	Driver      *browser.Driver
	Sessions    *session.Manager
	Router      *router.Router
	Authn       auth.Authenticator
	IdleMonitor *shutdown.IdleMonitor
	Registerer  prometheus.Registerer
}

// New constructs a Gateway. The global circuit breaker guards browser
// session creation across all connections (threshold 10, reset 60s), per
// §4.7 step 3.
func New(cfg Config) *Gateway {
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	return &Gateway{
		cfg:         cfg.Cfg,
		logger:      cfg.Logger,
		driver:      cfg.Driver,
		sess:        cfg.Sessions,
		rtr:         cfg.Router,
		authn:       cfg.Authn,
		idle:        cfg.IdleMonitor,
		breaker:     operation.NewCircuitBreaker(10, 60*time.Second),
		metrics:     newMetrics(reg),
		connections: make(map[string]*connection),
		startedAt:   time.Now(),
		upgrader:    websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
	}
}

func (g *Gateway) activeConnectionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.connections)
}

// newClientID allocates a lexicographically sortable client id. ulid's
// monotonic entropy source is not safe for unsynchronized concurrent use,
// so generation is serialized under entropyMu.
func (g *Gateway) newClientID() string {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()
	if g.entropy == nil {
		g.entropy = ulid.Monotonic(rand.Reader, 0)
	}
	id, err := ulid.New(ulid.Timestamp(time.Now()), g.entropy)
	if err != nil {
		return fmt.Sprintf("fallback-%d", time.Now().UnixNano())
	}
	return id.String()
}

// extractToken reads a bearer token from the query string (?token=) or the
// Authorization header, in that order, following the teacher's own
// Bearer-prefix-or-raw convention (internal/http/mw/auth.go).
func extractToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return authHeader
}

// HandleConnection is the http.HandlerFunc mounted at the control-channel
// path. It implements §4.7's connect sequence: authenticate, upgrade,
// create a Session behind the global circuit breaker, start the
// screencast, and hand inbound messages to the Router until the socket
// closes.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	shuttingDown := g.shuttingDown
	g.mu.RUnlock()
	if shuttingDown {
		http.Error(w, `{"error":"server shutting down"}`, http.StatusServiceUnavailable)
		return
	}

	token := extractToken(r)
	if token == "" {
		http.Error(w, `{"error":"AUTH_REQUIRED"}`, http.StatusUnauthorized)
		return
	}
	identity, err := g.authn.Verify(r.Context(), token)
	if err != nil {
		g.logger.Warn("gateway: rejected connection", "error", err)
		http.Error(w, `{"error":"AUTH_REJECTED"}`, http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("gateway: upgrade failed", "error", err)
		return
	}

	clientID := g.newClientID()
	logCtx := logging.WithClientID(context.Background(), clientID)
	log := logging.FromContext(logCtx, g.logger)
	log.Info("gateway: connection opened", "user_id", identity.UserID)

	vp := session.Viewport{Width: g.cfg.DefaultViewportWidth, Height: g.cfg.DefaultViewportHeight}

	var sess *session.Session
	breakerErr := g.breaker.Safe(r.Context(), func(ctx context.Context) error {
		s, createErr := g.sess.Create(ctx, clientID, vp)
		if createErr != nil {
			return createErr
		}
		sess = s
		return nil
	})
	if g.breaker.State().IsOpen {
		g.metrics.circuitBreakerOpen.Set(1)
	} else {
		g.metrics.circuitBreakerOpen.Set(0)
	}
	if breakerErr != nil {
		g.replyFatal(conn, breakerErr)
		_ = conn.Close()
		if errors.Is(breakerErr, operation.ErrCircuitOpen) {
			log.Warn("gateway: circuit open, rejecting connection")
		} else {
			log.Error("gateway: session create failed", "error", breakerErr)
		}
		return
	}
	g.metrics.sessionsCreated.Inc()

	sender := &wsSender{conn: conn}
	pump := stream.New(g.cfg, sess.CDP(), g.logger)
	pump.Attach(sender, g.metrics.framesDropped.Inc, func() { g.markUnhealthy(clientID) })

	if err := g.sess.StartScreencast(sess, vp.Width, vp.Height, pump.OnFrame); err != nil {
		log.Error("gateway: start screencast failed", "error", err)
	}

	ctx, cancel := context.WithCancel(logCtx)
	c := &connection{clientID: clientID, ctx: ctx, conn: conn, sender: sender, pump: pump, sess: sess, cancel: cancel, lastPong: time.Now()}
	if g.idle != nil {
		c.releaseIdle = g.idle.TrackConnection()
	}

	g.mu.Lock()
	g.connections[clientID] = c
	g.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		return nil
	})

	go g.runLiveness(ctx, c)
	g.readLoop(c)
}

// readLoop blocks reading inbound control messages and dispatching them
// through the Router until the socket errors out or closes, then performs
// §4.7 step 8's teardown.
func (g *Gateway) readLoop(c *connection) {
	defer g.closeConnection(c)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		reply := g.rtr.Dispatch(c.ctx, c.sess, raw)
		encoded, err := json.Marshal(reply)
		if err != nil {
			logging.FromContext(c.ctx, g.logger).Error("gateway: encode reply", "error", err)
			continue
		}
		if err := c.sender.Send(encoded); err != nil {
			logging.FromContext(c.ctx, g.logger).Warn("gateway: send reply failed", "error", err)
			return
		}
	}
}

// runLiveness pings the connection every pingInterval (skipping a ping when
// the outbound buffer is already over 1MB) and closes it if a dead-peer
// check finds no pong since the previous tick.
func (g *Gateway) runLiveness(ctx context.Context, c *connection) {
	pingTicker := time.NewTicker(pingInterval)
	deadTicker := time.NewTicker(deadPeerInterval)
	defer pingTicker.Stop()
	defer deadTicker.Stop()

	log := logging.FromContext(c.ctx, g.logger)

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			if c.sender.BufferedBytes() > pingSkipThreshold {
				continue
			}
			if err := c.sender.Ping(); err != nil {
				log.Warn("gateway: ping failed", "error", err)
			}
		case <-deadTicker.C:
			c.mu.Lock()
			stale := time.Since(c.lastPong) > deadPeerInterval
			c.mu.Unlock()
			if stale {
				log.Warn("gateway: dead peer detected, closing")
				_ = c.conn.Close()
				return
			}
		}
	}
}

func (g *Gateway) closeConnection(c *connection) {
	c.cancel()
	c.pump.Close()
	_ = c.conn.Close()

	g.sess.Cleanup(c.clientID, true)
	g.metrics.sessionsTerminated.Inc()

	if c.releaseIdle != nil {
		c.releaseIdle()
	}

	g.mu.Lock()
	delete(g.connections, c.clientID)
	g.mu.Unlock()

	logging.FromContext(c.ctx, g.logger).Info("gateway: connection closed")
}

func (g *Gateway) markUnhealthy(clientID string) {
	ctx := logging.WithClientID(context.Background(), clientID)
	logging.FromContext(ctx, g.logger).Warn("gateway: CDP channel broken")
	g.sess.MarkUnhealthy(clientID)
}

// replyFatal writes a best-effort error frame before the caller closes the
// connection. Used only for the pre-Session-established failure paths
// (§7: SESSION_CREATE_FAILED, CIRCUIT_OPEN), where there is no
// MessageRouter reply loop yet to carry the error. Authentication failures
// never reach it: HandleConnection answers them with HTTP 401 before the
// upgrade.
func (g *Gateway) replyFatal(conn *websocket.Conn, err error) {
	code := "SESSION_CREATE_FAILED"
	if errors.Is(err, operation.ErrCircuitOpen) {
		code = "CIRCUIT_OPEN"
	}
	_ = conn.WriteJSON(map[string]any{"type": "error", "error": code, "message": err.Error(), "recoverable": false})
}

// NotifySessionRecovered implements session.Notifier, pushing a
// {type:"session_recovered"} notice to the client whose Session was
// transparently replaced.
func (g *Gateway) NotifySessionRecovered(clientID string) {
	g.mu.RLock()
	c, ok := g.connections[clientID]
	g.mu.RUnlock()
	if !ok {
		return
	}

	g.metrics.sessionsRecovered.Inc()
	envelope, _ := json.Marshal(map[string]any{"type": "session_recovered", "clientId": clientID})
	if err := c.sender.Send(envelope); err != nil {
		logging.FromContext(c.ctx, g.logger).Warn("gateway: notify session_recovered failed", "error", err)
	}
}

// TrimFrameQueues implements memory.LoadShedder.
func (g *Gateway) TrimFrameQueues() {
	for _, c := range g.snapshotConnections() {
		c.pump.TrimToRecent(2)
	}
}

// DropFrameQueues implements memory.LoadShedder.
func (g *Gateway) DropFrameQueues() {
	for _, c := range g.snapshotConnections() {
		c.pump.DropAll()
	}
}

// DegradeSessions implements memory.LoadShedder.
func (g *Gateway) DegradeSessions() {
	g.sess.DegradeAll()
}

func (g *Gateway) snapshotConnections() []*connection {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*connection, 0, len(g.connections))
	for _, c := range g.connections {
		out = append(out, c)
	}
	return out
}

// Shutdown closes every active connection and tears down every Session, in
// that order, for use from a SIGINT/SIGTERM handler.
func (g *Gateway) Shutdown(ctx context.Context) {
	g.mu.Lock()
	g.shuttingDown = true
	conns := make([]*connection, 0, len(g.connections))
	for _, c := range g.connections {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseServiceRestart, "server shutting down"),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
		g.mu.Lock()
		delete(g.connections, c.clientID)
		g.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		g.sess.CleanupAll()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("gateway: shutdown deadline exceeded waiting for session cleanup")
	}
}

// wsSender adapts a *websocket.Conn to stream.Sender. gorilla/websocket
// requires writes to be serialized across goroutines; wsSender's mutex is
// the single point every data write, reply write, and ping passes through.
type wsSender struct {
	conn *websocket.Conn

	mu      sync.Mutex
	pending atomic.Int64
}

func (s *wsSender) Send(data []byte) error {
	s.pending.Add(int64(len(data)))
	defer s.pending.Add(-int64(len(data)))

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSender) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (s *wsSender) BufferedBytes() int64 {
	return s.pending.Load()
}
