package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
)

// navigationIdleWindow is how long the page must go quiet on the network
// before the primary navigation strategy considers it settled.
const navigationIdleWindow = 2 * time.Second

// blankPage is where a session's page is reset to after a navigation that
// exhausts both strategies, so an operator is never left staring at a
// half-loaded page from a failed navigate.
const blankPage = "about:blank"

// NormalizeURL prepends https:// to raw when it has no "://" scheme
// separator and is not a data: or about: URL, so an operator can type
// "example.com" instead of a full URL.
func NormalizeURL(raw string) string {
	if raw == "" || strings.Contains(raw, "://") ||
		strings.HasPrefix(raw, "data:") || strings.HasPrefix(raw, "about:") {
		return raw
	}
	return "https://" + raw
}

// Navigate loads url, normalizing a bare host to https first, and waits
// for the page to settle using a primary/fallback strategy: network idle
// within primaryTimeout, falling back to the DOM load event within
// fallbackTimeout if the page never goes idle. The final failure, if any,
// is the one surfaced to the caller.
func (d *Driver) Navigate(ctx context.Context, page *rod.Page, url string, primaryTimeout, fallbackTimeout time.Duration) error {
	url = NormalizeURL(url)

	primaryErr := d.navigateNetworkIdle(ctx, page, url, primaryTimeout)
	if primaryErr == nil {
		return nil
	}

	if err := d.navigateDOMLoad(ctx, page, url, fallbackTimeout); err != nil {
		return fmt.Errorf("browser: navigate %q: primary strategy failed (%v), fallback failed: %w", url, primaryErr, err)
	}
	return nil
}

func (d *Driver) navigateNetworkIdle(ctx context.Context, page *rod.Page, url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p := page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if err := p.WaitIdle(navigationIdleWindow); err != nil {
		return fmt.Errorf("wait for network idle: %w", err)
	}
	return nil
}

func (d *Driver) navigateDOMLoad(ctx context.Context, page *rod.Page, url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p := page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("wait for dom load: %w", err)
	}
	return nil
}

// ResetToBlank best-effort navigates page to about:blank, used after a
// navigation that exhausts its retries so the operator is not left looking
// at a partially loaded page. Errors are swallowed: this runs on an
// already-failed path and has nothing further to report.
func (d *Driver) ResetToBlank(ctx context.Context, page *rod.Page) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = page.Context(ctx).Navigate(blankPage)
}

// Click clicks the first element matching selector.
func (d *Driver) Click(ctx context.Context, page *rod.Page, selector string) error {
	el, err := page.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("browser: click: find %q: %w", selector, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("browser: click %q: %w", selector, err)
	}
	return nil
}

// Hover moves the mouse over the first element matching selector.
func (d *Driver) Hover(ctx context.Context, page *rod.Page, selector string) error {
	el, err := page.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("browser: hover: find %q: %w", selector, err)
	}
	if err := el.Hover(); err != nil {
		return fmt.Errorf("browser: hover %q: %w", selector, err)
	}
	return nil
}

// Type focuses the first element matching selector and types text into it,
// character by character, the way a real keyboard would.
func (d *Driver) Type(ctx context.Context, page *rod.Page, selector, text string) error {
	el, err := page.Context(ctx).Element(selector)
	if err != nil {
		return fmt.Errorf("browser: type: find %q: %w", selector, err)
	}
	if err := el.Focus(); err != nil {
		return fmt.Errorf("browser: type: focus %q: %w", selector, err)
	}
	if err := el.Input(text); err != nil {
		return fmt.Errorf("browser: type into %q: %w", selector, err)
	}
	return nil
}

// ClickAt moves the mouse to (x, y) and clicks there, for operators driving
// the page through the screencast rather than by selector.
func (d *Driver) ClickAt(ctx context.Context, page *rod.Page, x, y float64) error {
	p := page.Context(ctx)
	if err := p.Mouse.MoveTo(proto.Point{X: x, Y: y}); err != nil {
		return fmt.Errorf("browser: click at (%.0f,%.0f): move: %w", x, y, err)
	}
	if err := p.Mouse.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("browser: click at (%.0f,%.0f): %w", x, y, err)
	}
	return nil
}

// HoverAt moves the mouse to (x, y) without clicking.
func (d *Driver) HoverAt(ctx context.Context, page *rod.Page, x, y float64) error {
	if err := page.Context(ctx).Mouse.MoveTo(proto.Point{X: x, Y: y}); err != nil {
		return fmt.Errorf("browser: hover at (%.0f,%.0f): %w", x, y, err)
	}
	return nil
}

// typeCharDelay mirrors a real operator's typing cadence closely enough
// that keystroke-rate-based bot detection does not flag the session.
const typeCharDelay = 50 * time.Millisecond

// TypeText types text into whatever element currently has focus,
// character by character with a human-scale delay between keystrokes,
// rather than inserting it all at once.
func (d *Driver) TypeText(ctx context.Context, page *rod.Page, text string) error {
	p := page.Context(ctx)
	for _, r := range text {
		if err := p.InsertText(string(r)); err != nil {
			return fmt.Errorf("browser: type text: %w", err)
		}
		select {
		case <-time.After(typeCharDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Scroll scrolls the page by (dx, dy) CSS pixels. Scrolling is done via an
// injected window.scrollBy rather than rod's synthetic wheel events: the
// operator's wheel arrives as a page-relative delta, and no mouse input
// event is dispatched for it.
func (d *Driver) Scroll(ctx context.Context, page *rod.Page, dx, dy int) error {
	_, err := page.Context(ctx).Eval(fmt.Sprintf("() => window.scrollBy(%d, %d)", dx, dy))
	if err != nil {
		return fmt.Errorf("browser: scroll: %w", err)
	}
	return nil
}

// namedKeys maps the key names KeyPress accepts to rod's input.Key values.
var namedKeys = map[string]input.Key{
	"Escape":      input.Escape,
	"Tab":         input.Tab,
	"Enter":       input.Enter,
	"Backspace":   input.Backspace,
	"Delete":      input.Delete,
	"Insert":      input.Insert,
	"Home":        input.Home,
	"End":         input.End,
	"PageUp":      input.PageUp,
	"PageDown":    input.PageDown,
	"ArrowLeft":   input.ArrowLeft,
	"ArrowUp":     input.ArrowUp,
	"ArrowRight":  input.ArrowRight,
	"ArrowDown":   input.ArrowDown,
	"Space":       input.Space,
	"ShiftLeft":   input.ShiftLeft,
	"ShiftRight":  input.ShiftRight,
	"ControlLeft": input.ControlLeft,
	"AltLeft":     input.AltLeft,
}

// KeyPress sends a single named key press (e.g. "Enter", "Tab") to the
// page's currently focused element.
func (d *Driver) KeyPress(ctx context.Context, page *rod.Page, key string) error {
	k, ok := namedKeys[key]
	if !ok {
		return fmt.Errorf("browser: key press: unknown key %q", key)
	}
	if err := page.Context(ctx).Keyboard.Type(k); err != nil {
		return fmt.Errorf("browser: key press %q: %w", key, err)
	}
	return nil
}

// Screenshot captures the current viewport as a JPEG.
func (d *Driver) Screenshot(ctx context.Context, page *rod.Page, quality int) ([]byte, error) {
	q := quality
	data, err := page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format:  proto.PageCaptureScreenshotFormatJpeg,
		Quality: &q,
	})
	if err != nil {
		return nil, fmt.Errorf("browser: screenshot: %w", err)
	}
	return data, nil
}

// Content returns the page's current outer HTML.
func (d *Driver) Content(ctx context.Context, page *rod.Page) (string, error) {
	html, err := page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("browser: content: %w", err)
	}
	return html, nil
}
