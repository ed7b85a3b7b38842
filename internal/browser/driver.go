// Package browser wraps go-rod/rod to give the rest of the gateway a small,
// spec-shaped surface over Chrome DevTools Protocol: launching a browser,
// opening a stealth-patched page, and driving a screencast over it. Nothing
// here pools or shares a browser across sessions — SessionManager owns one
// BrowserHandle exclusively per Session for its lifetime.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/jmylchreest/browserhost/internal/config"
)

// ErrScreencastNotStarted is returned by Ack when no screencast is active
// on the CDP handle. StopScreencast on an idle handle returns nil.
var ErrScreencastNotStarted = errors.New("browser: screencast not started")

// Driver launches browsers and pages on behalf of SessionManager. It carries
// no per-session state of its own; Launch, NewPage and NewCDP return the
// handles SessionManager then owns.
type Driver struct {
	cfg *config.Config
}

// NewDriver creates a Driver bound to the given configuration's ChromePath
// and CDPRemoteURL.
func NewDriver(cfg *config.Config) *Driver {
	return &Driver{cfg: cfg}
}

// Viewport describes a page's initial emulated viewport.
type Viewport struct {
	Width  int
	Height int
}

// Launch starts a new local Chrome process (or, if CDPRemoteURL is set,
// attaches to an already-running remote CDP endpoint) and returns a
// connected *rod.Browser. Flags mirror the headless-detection-resistant
// defaults a headful human-operator session also benefits from: no
// automation banner, no sandboxing surprises in containers, no background
// throttling that would stall a page the operator is actively watching.
func (d *Driver) Launch(ctx context.Context) (*rod.Browser, error) {
	if d.cfg.CDPRemoteURL != "" {
		b := rod.New().Context(ctx).ControlURL(d.cfg.CDPRemoteURL)
		if err := b.Connect(); err != nil {
			return nil, fmt.Errorf("browser: connect to remote CDP endpoint: %w", err)
		}
		return b, nil
	}

	l := launcher.New()
	if d.cfg.ChromePath != "" {
		l = l.Bin(d.cfg.ChromePath)
	}
	l = l.
		Headless(true).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-infobars").
		Set("disable-background-networking").
		Set("disable-background-timer-throttling").
		Set("disable-backgrounding-occluded-windows").
		Set("disable-renderer-backgrounding").
		Set("lang", "en-US,en")

	u, err := l.Context(ctx).Launch()
	if err != nil {
		return nil, fmt.Errorf("browser: launch: %w", err)
	}

	b := rod.New().Context(ctx).ControlURL(u)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	return b, nil
}

// Close closes a browser and its underlying process/connection. Safe to
// call on a browser that is already dead; rod swallows the resulting error.
func (d *Driver) Close(b *rod.Browser) {
	_ = b.Close()
}

// IsConnected reports whether b still answers a cheap CDP round-trip. Used
// by the per-session health probe's first check; go-rod has no push-based
// disconnect event, so liveness is polled rather than pushed.
func (d *Driver) IsConnected(b *rod.Browser) bool {
	_, err := b.Version()
	return err == nil
}

// NewPage opens a stealth-patched page at about:blank with the given
// viewport, ready for Navigate. The stealth init script and viewport are
// applied before any site script runs.
func (d *Driver) NewPage(ctx context.Context, b *rod.Browser, vp Viewport) (*rod.Page, error) {
	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: create page: %w", err)
	}
	page = page.Context(ctx)

	if _, err := page.EvalOnNewDocument(initScript); err != nil {
		return nil, fmt.Errorf("browser: install init script: %w", err)
	}

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             vp.Width,
		Height:            vp.Height,
		DeviceScaleFactor: 1,
		Mobile:            false,
	}); err != nil {
		return nil, fmt.Errorf("browser: set viewport: %w", err)
	}

	return page, nil
}

// ClosePage closes a page. Safe to call on an already-closed page.
func (d *Driver) ClosePage(page *rod.Page) {
	_ = page.Close()
}

// CDP wraps the subset of the Chrome DevTools Protocol the gateway drives
// directly: screencast start/stop/ack and raw expression evaluation. A rod
// Page already speaks CDP scoped to its own target, so CDP is a thin,
// stateful wrapper over *rod.Page rather than a separate connection.
type CDP struct {
	page *rod.Page

	mu            sync.Mutex
	screencasting bool
	stopCh        chan struct{}
}

// NewCDP enables the Page domain on page and returns a handle for
// screencast control and evaluation.
func (d *Driver) NewCDP(page *rod.Page) (*CDP, error) {
	if err := (proto.PageEnable{}).Call(page); err != nil {
		return nil, fmt.Errorf("browser: enable page domain: %w", err)
	}
	return &CDP{page: page}, nil
}

// ScreencastOptions configures Page.startScreencast quality and cadence.
type ScreencastOptions struct {
	Quality       int
	MaxWidth      int
	MaxHeight     int
	EveryNthFrame int
}

// FrameHandler receives each screencast frame as raw (already base64
// decoded) image bytes along with the CDP sessionId that must be passed
// back to Ack.
type FrameHandler func(data []byte, sessionID string)

// StartScreencast begins streaming frames from the page and invokes onFrame
// for each one on a dedicated goroutine. The caller must Ack every frame
// (or StopScreencast) to keep Chrome sending more; CDP back-pressures a
// screencast that never gets acked.
func (c *CDP) StartScreencast(opts ScreencastOptions, onFrame FrameHandler) error {
	c.mu.Lock()
	if c.screencasting {
		c.mu.Unlock()
		return errors.New("browser: screencast already started")
	}
	quality := opts.Quality
	maxWidth := opts.MaxWidth
	maxHeight := opts.MaxHeight
	everyNth := opts.EveryNthFrame

	cmd := proto.PageStartScreencast{
		Format:        proto.PageStartScreencastFormatJpeg,
		Quality:       &quality,
		MaxWidth:      &maxWidth,
		MaxHeight:     &maxHeight,
		EveryNthFrame: &everyNth,
	}
	if err := cmd.Call(c.page); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("browser: start screencast: %w", err)
	}

	stopCh := make(chan struct{})
	c.screencasting = true
	c.stopCh = stopCh
	c.mu.Unlock()

	go func() {
		wait := c.page.EachEvent(func(e *proto.PageScreencastFrame) bool {
			select {
			case <-stopCh:
				return true
			default:
			}
			onFrame(e.Data, strconv.Itoa(e.SessionID))
			return false
		})
		wait()
	}()

	return nil
}

// StopScreencast stops the active screencast. Idempotent.
func (c *CDP) StopScreencast() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.screencasting {
		return nil
	}
	close(c.stopCh)
	c.screencasting = false
	return proto.PageStopScreencast{}.Call(c.page)
}

// Ack acknowledges receipt of a screencast frame by session id, unblocking
// Chrome to send the next one. Returns ErrScreencastNotStarted if called
// outside an active screencast; callers should treat that as a no-op rather
// than a fatal error, since a frame can be in flight when the screencast is
// being torn down.
func (c *CDP) Ack(sessionID string) error {
	c.mu.Lock()
	active := c.screencasting
	c.mu.Unlock()
	if !active {
		return ErrScreencastNotStarted
	}
	id, err := strconv.Atoi(sessionID)
	if err != nil {
		return fmt.Errorf("browser: ack: invalid session id %q: %w", sessionID, err)
	}
	return proto.PageScreencastFrameAck{SessionID: id}.Call(c.page)
}

// Eval evaluates a JavaScript expression in the page's main frame and
// returns its result as a JSON-encoded string (ReturnByValue semantics).
func (c *CDP) Eval(expr string) (string, error) {
	res, err := proto.RuntimeEvaluate{
		Expression:    expr,
		ReturnByValue: true,
	}.Call(c.page)
	if err != nil {
		return "", fmt.Errorf("browser: eval: %w", err)
	}
	if res.ExceptionDetails != nil {
		return "", fmt.Errorf("browser: eval threw: %s", res.ExceptionDetails.Text)
	}
	if res.Result == nil || res.Result.Value.Nil() {
		return "", nil
	}
	return res.Result.Value.JSON("", ""), nil
}
