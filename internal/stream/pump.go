// Package stream implements StreamPump: the bounded frame queue that sits
// between a Session's CDP screencast and its WebSocket connection. Frames
// always get acked back to Chrome regardless of queue or socket state,
// since an unacked screencast stalls; the queue itself drops the oldest
// frame first when full rather than blocking the CDP callback goroutine.
//
// The mutex-guarded slice-as-queue is the same bookkeeping shape as the
// teacher's browser pool (internal/browser/pool.go's waiting []chan slice),
// adapted from a pool of waiters to a bounded ring of frames.
package stream

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/browserhost/internal/browser"
	"github.com/jmylchreest/browserhost/internal/config"
)

// backpressureRetryDelay is how long Drain waits before retrying a send
// that was deferred because the outbound buffer was over the high
// watermark.
const backpressureRetryDelay = 100 * time.Millisecond

// largeFrameWarnBytes is the size above which a single frame is logged, to
// catch a screencast quality setting that is producing abnormally large
// JPEGs.
const largeFrameWarnBytes = 100 * 1024

// Frame is one screencast frame queued for delivery to a specific client's
// WebSocket connection.
type Frame struct {
	Data      []byte
	SessionID string
}

// Sender delivers one frame over the wire and reports the current size of
// its outbound write buffer, so Pump can back off before it grows without
// bound. Gateway's per-connection WebSocket wrapper implements this.
type Sender interface {
	Send(envelope []byte) error
	BufferedBytes() int64
}

// Acker is the subset of browser.CDP that Pump needs to acknowledge
// frames; declared as an interface so tests can fake it without a live
// CDP connection.
type Acker interface {
	Ack(sessionID string) error
}

// Pump is a bounded FIFO queue of frames for one client connection, plus
// the draining goroutine that sends them to a Sender. One Pump exists per
// active Gateway connection.
type Pump struct {
	cfg    *config.Config
	cdp    Acker
	logger *slog.Logger

	mu       sync.Mutex
	queue    []Frame
	draining bool
	closed   bool

	sender      Sender
	onDrop      func()
	onChannelBroken func()
}

// New constructs a Pump bound to cdp for acking and cfg for its capacity
// and backpressure thresholds. sender may be nil until Attach is called,
// letting the Pump exist (and start acking frames) before the WebSocket
// handshake that provides its Sender completes.
func New(cfg *config.Config, cdp Acker, logger *slog.Logger) *Pump {
	return &Pump{cfg: cfg, cdp: cdp, logger: logger}
}

// Attach wires the Sender frames are drained to, and the callbacks invoked
// when a frame is dropped for capacity reasons or the CDP channel is found
// broken during an ack. Either callback may be nil.
func (p *Pump) Attach(sender Sender, onDrop, onChannelBroken func()) {
	p.mu.Lock()
	p.sender = sender
	p.onDrop = onDrop
	p.onChannelBroken = onChannelBroken
	p.mu.Unlock()
}

// capacity returns the configured queue bound, defaulting to 10 frames to
// match the external interface's documented default when cfg is zero-valued
// (as in unit tests constructed without config.Load).
func (p *Pump) capacity() int {
	if p.cfg != nil && p.cfg.FrameQueueMax > 0 {
		return p.cfg.FrameQueueMax
	}
	return 10
}

func (p *Pump) highWatermark() int64 {
	if p.cfg != nil && p.cfg.BufferHighWatermark > 0 {
		return p.cfg.BufferHighWatermark
	}
	return 5 * 1024 * 1024
}

// OnFrame is the browser.FrameHandler Pump exposes to CDP.StartScreencast.
// It enqueues (dropping the oldest frame first if full), always acks, and
// schedules a drain, in that order: acking is never made conditional on
// queue or socket health, since a stalled screencast is worse than a
// dropped frame.
func (p *Pump) OnFrame(data []byte, sessionID string) {
	if len(data) > largeFrameWarnBytes {
		p.logger.Warn("stream: unusually large screencast frame", "session_id", sessionID, "bytes", len(data))
	}

	p.enqueue(Frame{Data: data, SessionID: sessionID})

	if err := p.cdp.Ack(sessionID); err != nil {
		if isChannelBroken(err) {
			p.logger.Warn("stream: CDP channel appears broken", "session_id", sessionID, "error", err)
			p.mu.Lock()
			cb := p.onChannelBroken
			p.mu.Unlock()
			if cb != nil {
				cb()
			}
		}
	}

	go p.drain()
}

// isChannelBroken reports whether err indicates the underlying CDP target
// is gone rather than a transient ack failure, per the error taxonomy's
// CDP_CHANNEL_BROKEN classification.
func isChannelBroken(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Session closed") || strings.Contains(msg, "Target closed")
}

func (p *Pump) enqueue(f Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	if len(p.queue) >= p.capacity() {
		p.queue = p.queue[1:]
		if p.onDrop != nil {
			p.onDrop()
		}
	}
	p.queue = append(p.queue, f)
}

// TrimToRecent discards every queued frame except the n most recent,
// invoking onDrop once per discarded frame. Called by the memory
// governor's LoadShedder at the cleanup threshold.
func (p *Pump) TrimToRecent(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) <= n {
		return
	}
	dropped := len(p.queue) - n
	p.queue = p.queue[dropped:]

	if p.onDrop != nil {
		for i := 0; i < dropped; i++ {
			p.onDrop()
		}
	}
}

// DropAll empties the queue entirely, invoking onDrop once per discarded
// frame. Called by the memory governor's LoadShedder at the emergency
// threshold.
func (p *Pump) DropAll() {
	p.mu.Lock()
	dropped := len(p.queue)
	p.queue = nil
	onDrop := p.onDrop
	p.mu.Unlock()

	if onDrop != nil {
		for i := 0; i < dropped; i++ {
			onDrop()
		}
	}
}

// drain sends queued frames to the attached Sender one at a time, backing
// off when the outbound buffer is over the high watermark rather than
// piling more writes on top of a socket that is already behind. Only one
// drain runs at a time per Pump; OnFrame's goroutine either becomes that
// drain or finds one already running and returns immediately.
func (p *Pump) drain() {
	p.mu.Lock()
	if p.draining || p.closed {
		p.mu.Unlock()
		return
	}
	p.draining = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.draining = false
		p.mu.Unlock()
	}()

	for {
		p.mu.Lock()
		if p.closed || len(p.queue) == 0 || p.sender == nil {
			p.mu.Unlock()
			return
		}

		if p.sender.BufferedBytes() > p.highWatermark() {
			p.mu.Unlock()
			time.AfterFunc(backpressureRetryDelay, func() { go p.drain() })
			return
		}

		f := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		envelope, err := encodeFrame(f)
		if err != nil {
			p.logger.Error("stream: encode frame", "session_id", f.SessionID, "error", err)
			continue
		}
		if err := p.sender.Send(envelope); err != nil {
			p.logger.Warn("stream: send frame failed", "session_id", f.SessionID, "error", err)
			return
		}
	}
}

// Close marks the Pump closed; further OnFrame calls still ack (to keep
// Chrome's screencast from stalling while teardown proceeds) but stop
// enqueueing and draining.
func (p *Pump) Close() {
	p.mu.Lock()
	p.closed = true
	p.queue = nil
	p.mu.Unlock()
}

// Len reports the current queue depth, for tests and diagnostics.
func (p *Pump) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// frameEnvelope is the wire shape of a queued frame, per the external
// interface's frame envelope.
type frameEnvelope struct {
	Type      string `json:"type"`
	Data      string `json:"data"`
	SessionID string `json:"sessionId"`
}

func encodeFrame(f Frame) ([]byte, error) {
	env := frameEnvelope{
		Type:      "frame",
		Data:      base64.StdEncoding.EncodeToString(f.Data),
		SessionID: f.SessionID,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("stream: encode frame: %w", err)
	}
	return b, nil
}

var _ browser.FrameHandler = (*Pump)(nil).OnFrame
