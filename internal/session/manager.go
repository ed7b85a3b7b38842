// Package session implements SessionManager: the component that owns the
// lifecycle of one {browser, page, CDP} triple per connected client. It is
// the direct descendant of the teacher's session manager, reworked from a
// shared-pool-of-sessions model (Acquire/Release/waiters) to one Session
// exclusively owned by one client for its entire connection, with a
// continuous background health probe instead of lazy idle checks.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/jmylchreest/browserhost/internal/audit"
	"github.com/jmylchreest/browserhost/internal/browser"
	"github.com/jmylchreest/browserhost/internal/config"
	"github.com/jmylchreest/browserhost/internal/logging"
)

var (
	// ErrSessionNotFound is returned when a clientId has no Session.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrManagerClosed is returned by Create once CleanupAll has run.
	ErrManagerClosed = errors.New("session: manager is closed")
)

// maxCreateRetries bounds Create's retry loop. The spec names the backoff
// formula (1s x attempt) but not a specific attempt count; 3 matches the
// teacher's other retry-shaped defaults (NavRetries).
const maxCreateRetries = 3

// blackFrameURL is navigated to right after page creation so the first
// screencast frame the operator ever sees is a solid color rather than
// Chrome's default blank-white new-tab content.
const blackFrameURL = `data:text/html,<html><body style="background:#000;margin:0"></body></html>`

// defaultScreencastOpts is the quality profile every screencast starts at,
// per the external interface defaults.
func defaultScreencastOpts(w, h int) browser.ScreencastOptions {
	return browser.ScreencastOptions{Quality: 60, MaxWidth: w, MaxHeight: h, EveryNthFrame: 2}
}

// Viewport is a page's pixel dimensions.
type Viewport struct {
	Width  int
	Height int
}

// Session is the per-client triple {browser, page, CDP} plus its liveness
// state. Only Manager's methods ever mutate a Session; callers treat it as
// read-only.
type Session struct {
	ClientID string

	browserHandle *rod.Browser
	pageHandle    *rod.Page
	cdp           *browser.CDP

	Viewport Viewport

	CreatedAt      time.Time
	lastActivityAt time.Time
	healthFailures int
	isHealthy      bool

	onFrame browser.FrameHandler
}

// Page exposes the underlying page handle to callers (MessageRouter,
// StreamPump) that need to drive it directly.
func (s *Session) Page() *rod.Page { return s.pageHandle }

// CDP exposes the underlying CDP handle.
func (s *Session) CDP() *browser.CDP { return s.cdp }

// IsHealthy reports the Session's last-known liveness.
func (s *Session) IsHealthy() bool { return s.isHealthy }

// Notifier lets the Gateway learn when a Session was transparently
// recovered so it can push a {type:"session_recovered"} message to the
// client. SessionManager never touches the wire itself.
type Notifier interface {
	NotifySessionRecovered(clientID string)
}

// Manager owns every live Session, keyed by clientId, under a single
// mutex. Background per-session health probes and a stale-session sweep
// run for the manager's entire lifetime.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	probes   map[string]chan struct{}
	closed   bool

	// recovering coalesces concurrent Recover calls for the same
	// clientId (health probe, MarkUnhealthy, and Get's synchronous
	// recovery path can all fire at once) into a single in-flight
	// recovery. Without this, two callers each launch and register their
	// own replacement browser and one overwrites the other's map entry,
	// leaking the loser's browser/page/CDP handles and its health-probe
	// goroutine forever (invariants 1 and 3).
	recovering map[string]*recoveryState

	driver   *browser.Driver
	cfg      *config.Config
	logger   *slog.Logger
	audit    *audit.Log
	notifier Notifier

	sweepStop chan struct{}
	wg        sync.WaitGroup
}

// recoveryState is shared by every caller that joins an in-flight Recover
// for the same clientId: the first caller populates sess/err and closes
// done, every later caller blocks on done and then reads the same result.
type recoveryState struct {
	done chan struct{}
	sess *Session
	err  error
}

// NewManager constructs a Manager. Call StartSweep to begin the
// stale-session background sweep; health probes start per-session inside
// Create.
func NewManager(driver *browser.Driver, cfg *config.Config, logger *slog.Logger, auditLog *audit.Log, notifier Notifier) *Manager {
	return &Manager{
		sessions:   make(map[string]*Session),
		probes:     make(map[string]chan struct{}),
		recovering: make(map[string]*recoveryState),
		driver:     driver,
		cfg:        cfg,
		logger:     logger,
		audit:      auditLog,
		notifier:   notifier,
		sweepStop:  make(chan struct{}),
	}
}

// SetNotifier wires the Notifier after construction, for callers (the
// Gateway) that must exist before they can be passed as a Notifier
// themselves, and so cannot be handed to NewManager.
func (m *Manager) SetNotifier(notifier Notifier) {
	m.mu.Lock()
	m.notifier = notifier
	m.mu.Unlock()
}

// Create launches a browser, page, and CDP channel for clientId and
// registers the resulting Session, starting its health probe. Retries up
// to maxCreateRetries times with a 1s*attempt backoff between attempts.
func (m *Manager) Create(ctx context.Context, clientID string, vp Viewport) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.mu.Unlock()

	ctx = logging.WithClientID(ctx, clientID)
	log := logging.FromContext(ctx, m.logger)

	var lastErr error
	for attempt := 1; attempt <= maxCreateRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(time.Duration(attempt-1) * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		sess, err := m.createOnce(ctx, clientID, vp)
		if err == nil {
			return sess, nil
		}
		lastErr = err
		log.Warn("session create attempt failed", "attempt", attempt, "error", err)
	}

	return nil, fmt.Errorf("session: create failed for %q after %d attempts: %w", clientID, maxCreateRetries, lastErr)
}

func (m *Manager) createOnce(ctx context.Context, clientID string, vp Viewport) (*Session, error) {
	b, err := m.driver.Launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	page, err := m.driver.NewPage(ctx, b, browser.Viewport{Width: vp.Width, Height: vp.Height})
	if err != nil {
		m.driver.Close(b)
		return nil, fmt.Errorf("create page: %w", err)
	}

	log := logging.FromContext(ctx, m.logger)

	if err := m.driver.BlockCMPRequests(page); err != nil {
		log.Warn("block CMP requests failed, continuing", "error", err)
	}

	// A solid black frame gives the operator something meaningful before
	// the CDP channel (and therefore the screencast) exists at all.
	if err := m.driver.Navigate(ctx, page, blackFrameURL, m.cfg.NavPrimaryTimeout, m.cfg.NavFallbackTimeout); err != nil {
		log.Warn("initial black-frame navigation failed, continuing", "error", err)
	}

	cdp, err := m.driver.NewCDP(page)
	if err != nil {
		m.driver.ClosePage(page)
		m.driver.Close(b)
		return nil, fmt.Errorf("create CDP channel: %w", err)
	}

	sess := &Session{
		ClientID:       clientID,
		browserHandle:  b,
		pageHandle:     page,
		cdp:            cdp,
		Viewport:       vp,
		CreatedAt:      time.Now(),
		lastActivityAt: time.Now(),
		isHealthy:      true,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.closeHandles(sess)
		return nil, ErrManagerClosed
	}
	m.sessions[clientID] = sess
	stop := make(chan struct{})
	m.probes[clientID] = stop
	m.mu.Unlock()

	m.wg.Add(1)
	go m.runHealthProbe(clientID, stop)

	if m.audit != nil {
		m.audit.Record(clientID, audit.EventCreated, "")
	}

	return sess, nil
}

// Get returns the Session for clientId, updating its activity timestamp.
// If the Session is unhealthy it is synchronously recovered first; if that
// recovery fails, Get returns a nil Session and the recovery error.
func (m *Manager) Get(ctx context.Context, clientID string) (*Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[clientID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	unhealthy := !sess.isHealthy
	m.mu.Unlock()

	if unhealthy {
		return m.Recover(ctx, clientID)
	}

	m.mu.Lock()
	sess.lastActivityAt = time.Now()
	m.mu.Unlock()
	return sess, nil
}

// StartScreencast starts the Session's screencast at (w, h) using the
// default quality profile and registers onFrame to receive frames.
func (m *Manager) StartScreencast(sess *Session, w, h int, onFrame browser.FrameHandler) error {
	sess.onFrame = onFrame
	return sess.cdp.StartScreencast(defaultScreencastOpts(w, h), onFrame)
}

// UpdateViewport resizes the page's emulated viewport and restarts the
// screencast at the new dimensions, keeping the same frame handler.
func (m *Manager) UpdateViewport(ctx context.Context, clientID string, w, h int) error {
	m.mu.RLock()
	sess, ok := m.sessions[clientID]
	m.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}

	ctx = logging.WithClientID(ctx, clientID)

	if sess.pageHandle != nil {
		if err := sess.pageHandle.Context(ctx).SetViewport(&proto.EmulationSetDeviceMetricsOverride{
			Width:             w,
			Height:            h,
			DeviceScaleFactor: 1,
		}); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
	}

	if err := sess.cdp.StopScreencast(); err != nil {
		logging.FromContext(ctx, m.logger).Warn("stop screencast during viewport update failed", "error", err)
	}

	m.mu.Lock()
	sess.Viewport = Viewport{Width: w, Height: h}
	onFrame := sess.onFrame
	m.mu.Unlock()

	if err := sess.cdp.StartScreencast(defaultScreencastOpts(w, h), onFrame); err != nil {
		return fmt.Errorf("restart screencast: %w", err)
	}
	return nil
}

// degradedScreencastOpts is the reduced-quality profile every session is
// forced to during a memory emergency (§4.2): smaller frames, sent less
// often, to shed load without dropping the connection outright.
func degradedScreencastOpts() browser.ScreencastOptions {
	return browser.ScreencastOptions{Quality: 30, MaxWidth: 1024, MaxHeight: 768, EveryNthFrame: 2}
}

// DegradeAll restarts every live Session's screencast at the degraded
// quality profile. Called by the memory governor's LoadShedder at the
// emergency threshold; it does not change Session.Viewport, so a later
// UpdateViewport or Recover restores the normal profile.
func (m *Manager) DegradeAll() {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	for _, sess := range sessions {
		if sess.cdp == nil || sess.onFrame == nil {
			continue
		}
		log := logging.FromContext(logging.WithClientID(context.Background(), sess.ClientID), m.logger)
		if err := sess.cdp.StopScreencast(); err != nil {
			log.Warn("degrade: stop screencast failed", "error", err)
		}
		if err := sess.cdp.StartScreencast(degradedScreencastOpts(), sess.onFrame); err != nil {
			log.Warn("degrade: restart screencast failed", "error", err)
		}
	}
}

// Cleanup tears down a Session's handles. Every close is best-effort and
// swallowed, per invariant 3: a Session is never abandoned without an
// attempt to close all three handles.
func (m *Manager) Cleanup(clientID string, removeFromMap bool) {
	m.mu.Lock()
	sess, ok := m.sessions[clientID]
	if ok && removeFromMap {
		delete(m.sessions, clientID)
	}
	stop, hasProbe := m.probes[clientID]
	if hasProbe {
		delete(m.probes, clientID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	if hasProbe {
		close(stop)
	}
	m.closeHandles(sess)

	if m.audit != nil {
		m.audit.Record(clientID, audit.EventTerminated, "")
	}
}

func (m *Manager) closeHandles(sess *Session) {
	if sess.cdp != nil {
		_ = sess.cdp.StopScreencast()
	}
	if sess.pageHandle != nil {
		m.driver.ClosePage(sess.pageHandle)
	}
	if sess.browserHandle != nil {
		m.driver.Close(sess.browserHandle)
	}
}

// CleanupAll cleans up every Session concurrently and waits for all of
// them to finish. Called during graceful shutdown.
func (m *Manager) CleanupAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.closed = true
	m.mu.Unlock()

	close(m.sweepStop)

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.Cleanup(id, true)
		}(id)
	}
	wg.Wait()

	m.wg.Wait()
}

// Recover replaces clientId's Session with a freshly created one at the
// same viewport, closing the old handles first so there is never a window
// with two Sessions open for the same client (invariant 1). If Create
// fails, the entry is removed entirely and the caller sees
// SESSION_UNAVAILABLE on its next Get.
//
// Concurrent callers for the same clientId (the health probe, a broken-CDP
// MarkUnhealthy, and Get's synchronous recovery path can all race here) do
// not each run their own recovery: only the first actually recovers, and
// every other caller blocks on recoveryState.done and returns that same
// result, so exactly one replacement browser/page/CDP triple is ever
// created per recovery.
func (m *Manager) Recover(ctx context.Context, clientID string) (*Session, error) {
	m.mu.Lock()
	if rs, inFlight := m.recovering[clientID]; inFlight {
		m.mu.Unlock()
		select {
		case <-rs.done:
			return rs.sess, rs.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	rs := &recoveryState{done: make(chan struct{})}
	m.recovering[clientID] = rs
	m.mu.Unlock()

	sess, err := m.recoverOnce(ctx, clientID)

	m.mu.Lock()
	delete(m.recovering, clientID)
	m.mu.Unlock()

	rs.sess, rs.err = sess, err
	close(rs.done)

	return sess, err
}

func (m *Manager) recoverOnce(ctx context.Context, clientID string) (*Session, error) {
	m.mu.RLock()
	old, ok := m.sessions[clientID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	vp := old.Viewport

	m.Cleanup(clientID, false)

	sess, err := m.Create(ctx, clientID, vp)
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, clientID)
		m.mu.Unlock()
		if m.audit != nil {
			m.audit.Record(clientID, audit.EventRecovered, "create failed: "+err.Error())
		}
		return nil, err
	}

	if m.audit != nil {
		m.audit.Record(clientID, audit.EventRecovered, "")
	}
	if m.notifier != nil {
		m.notifier.NotifySessionRecovered(clientID)
	}
	return sess, nil
}
