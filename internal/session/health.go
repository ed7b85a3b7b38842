package session

import (
	"context"
	"time"

	"github.com/jmylchreest/browserhost/internal/logging"
)

// probeTimeout bounds each individual health check round-trip, separate
// from the interval between probes.
const probeTimeout = 5 * time.Second

// runHealthProbe runs for the lifetime of one Session, checking liveness
// on cfg.HealthCheckInterval and triggering Recover once healthFailures
// reaches cfg.MaxHealthCheckFailures. It is the continuous background
// probe the spec requires in place of the teacher's lazy idle-only check.
func (m *Manager) runHealthProbe(clientID string, stop chan struct{}) {
	defer m.wg.Done()

	interval := m.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.probeOnce(clientID)
		}
	}
}

func (m *Manager) probeOnce(clientID string) {
	m.mu.RLock()
	sess, ok := m.sessions[clientID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	logCtx := logging.WithClientID(context.Background(), clientID)
	log := logging.FromContext(logCtx, m.logger)

	ctx, cancel := context.WithTimeout(logCtx, probeTimeout)
	defer cancel()

	if !m.healthy(ctx, sess) {
		m.mu.Lock()
		sess.healthFailures++
		failures := sess.healthFailures
		maxFailures := m.cfg.MaxHealthCheckFailures
		if maxFailures <= 0 {
			maxFailures = 5
		}
		tripped := failures >= maxFailures
		if tripped {
			sess.isHealthy = false
		}
		m.mu.Unlock()

		log.Warn("session health probe failed", "failures", failures)

		if tripped {
			log.Error("session unhealthy, triggering recovery")
			go func() {
				if _, err := m.Recover(logCtx, clientID); err != nil {
					log.Error("session recovery failed", "error", err)
				}
			}()
		}
		return
	}

	m.mu.Lock()
	sess.healthFailures = 0
	sess.isHealthy = true
	m.mu.Unlock()
}

// MarkUnhealthy flags clientID's session unhealthy and immediately triggers
// recovery. It is the external entry point into the same unhealthy path
// probeOnce drives internally, for callers outside the probe loop —
// currently the Gateway, when its StreamPump detects a broken CDP channel
// underneath a session (the "Session closed"/"Target closed" signature).
func (m *Manager) MarkUnhealthy(clientID string) {
	m.mu.Lock()
	sess, ok := m.sessions[clientID]
	if ok {
		sess.isHealthy = false
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	logCtx := logging.WithClientID(context.Background(), clientID)
	log := logging.FromContext(logCtx, m.logger)

	log.Error("session marked unhealthy, triggering recovery")
	go func() {
		if _, err := m.Recover(logCtx, clientID); err != nil {
			log.Error("session recovery failed", "error", err)
		}
	}()
}

// healthy runs the probe's three checks: browser connectivity, an eval of
// "true" bounded by ctx, and an eval of "1+1"; both evals go through the
// Session's CDP handle. The teacher's "browser process handle absent or
// killed" check collapses into the same connectivity check go-rod exposes
// for both local and remote (CDP_REMOTE_URL) browsers.
func (m *Manager) healthy(ctx context.Context, sess *Session) bool {
	if !m.driver.IsConnected(sess.browserHandle) {
		return false
	}

	done := make(chan bool, 1)
	go func() {
		_, err := sess.cdp.Eval("true")
		done <- err == nil
	}()
	select {
	case ok := <-done:
		if !ok {
			return false
		}
	case <-ctx.Done():
		return false
	}

	if _, err := sess.cdp.Eval("1+1"); err != nil {
		return false
	}
	return true
}

// StartSweep begins the stale-session background sweep: any Session idle
// longer than cfg.SessionTimeout is cleaned up and removed. Runs until
// CleanupAll closes sweepStop.
func (m *Manager) StartSweep() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(1 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-m.sweepStop:
				return
			case <-ticker.C:
				m.sweepStale()
			}
		}
	}()
}

func (m *Manager) sweepStale() {
	timeout := m.cfg.SessionTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	m.mu.RLock()
	var stale []string
	now := time.Now()
	for id, sess := range m.sessions {
		if now.Sub(sess.lastActivityAt) > timeout {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		logging.FromContext(logging.WithClientID(context.Background(), id), m.logger).Info("cleaning up stale session")
		m.Cleanup(id, true)
	}
}
