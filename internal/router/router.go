// Package router implements MessageRouter: the dispatch table that turns an
// inbound control-channel message into a browser action and a JSON reply.
// It is new to this repo, but the shape is lifted straight from the
// teacher's handler package (internal/api/handlers/solve.go): one function
// per operation, a shared panic-recovery wrapper, errors turned into a
// reply payload rather than propagated up the stack.
package router

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod"

	"github.com/jmylchreest/browserhost/internal/browser"
	"github.com/jmylchreest/browserhost/internal/config"
	"github.com/jmylchreest/browserhost/internal/operation"
	"github.com/jmylchreest/browserhost/internal/session"
)

// inbound is the shape every control-channel message is decoded into
// before being dispatched on Type.
type inbound struct {
	Type string `json:"type"`

	URL    string `json:"url,omitempty"`
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	DeltaY int     `json:"deltaY,omitempty"`
	Text   string  `json:"text,omitempty"`
	Code   string  `json:"code,omitempty"`
	Width  int     `json:"width,omitempty"`
	Height int     `json:"height,omitempty"`
}

// Reply is the outbound envelope shape. Fields are tagged omitempty so each
// handler only emits what its operation actually produced. Status is "ok"
// or "error" on operation replies (heartbeat and a successful set_viewport
// carry none); Recoverable is only ever set on error replies.
type Reply struct {
	Type        string `json:"type"`
	Status      string `json:"status,omitempty"`
	Error       string `json:"error,omitempty"`
	Message     string `json:"message,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`

	URL        string `json:"url,omitempty"`
	X          float64 `json:"x,omitempty"`
	Y          float64 `json:"y,omitempty"`
	DeltaY     int     `json:"deltaY,omitempty"`
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	Result     string  `json:"result,omitempty"`
	Screenshot string  `json:"screenshot,omitempty"`
	HTML       string  `json:"html,omitempty"`
	PageState  string  `json:"pageState,omitempty"`
	Timestamp  int64   `json:"timestamp,omitempty"`
}

// ViewportFunc resizes a client's session viewport and restarts its
// screencast. It is satisfied by *session.Manager.UpdateViewport; the
// Router takes it as a function value rather than a *session.Manager so
// that constructing a Router never has to reach across the Gateway's
// wiring order.
type ViewportFunc func(ctx context.Context, clientID string, width, height int) error

// driverIface is the subset of *browser.Driver the Router depends on,
// narrowed to an interface so tests can substitute a fake in place of a
// live browser. *browser.Driver satisfies it directly.
type driverIface interface {
	Navigate(ctx context.Context, page *rod.Page, url string, primaryTimeout, fallbackTimeout time.Duration) error
	ResetToBlank(ctx context.Context, page *rod.Page)
	ClickAt(ctx context.Context, page *rod.Page, x, y float64) error
	HoverAt(ctx context.Context, page *rod.Page, x, y float64) error
	Scroll(ctx context.Context, page *rod.Page, dx, dy int) error
	TypeText(ctx context.Context, page *rod.Page, text string) error
	Screenshot(ctx context.Context, page *rod.Page, quality int) ([]byte, error)
	Content(ctx context.Context, page *rod.Page) (string, error)
	DetectPageState(page *rod.Page) string
}

// Router dispatches decoded control-channel messages against a Session's
// page, using the OperationFabric for retry-shaped handlers.
type Router struct {
	driver      driverIface
	cfg         *config.Config
	logger      *slog.Logger
	setViewport ViewportFunc
}

// New constructs a Router. setViewport may be nil in tests that never
// exercise set_viewport.
func New(driver driverIface, cfg *config.Config, logger *slog.Logger, setViewport ViewportFunc) *Router {
	return &Router{driver: driver, cfg: cfg, logger: logger, setViewport: setViewport}
}

// Dispatch decodes raw and runs the matching handler against sess, always
// returning a Reply rather than an error: every failure mode this package
// knows about is represented in the reply envelope instead.
func (r *Router) Dispatch(ctx context.Context, sess *session.Session, raw []byte) Reply {
	var msg inbound
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Reply{Type: "error", Status: "error", Error: "malformed message: " + err.Error()}
	}

	return r.recoverDispatch(ctx, sess, msg)
}

// recoverDispatch wraps the actual dispatch switch in a panic recovery,
// grounded on the teacher's own defer/recover guard around a brittle
// rod call (internal/browser/pool.go's isHealthy check): a page that
// disappears mid-operation must not take the whole connection down with
// it.
func (r *Router) recoverDispatch(ctx context.Context, sess *session.Session, msg inbound) (reply Reply) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("router: handler panicked", "type", msg.Type, "panic", p)
			reply = Reply{Type: msg.Type, Status: "error", Error: fmt.Sprintf("internal error: %v", p), Recoverable: true}
		}
	}()

	switch msg.Type {
	case "navigate":
		return r.handleNavigate(ctx, sess, msg)
	case "click":
		return r.handleClick(ctx, sess, msg)
	case "scroll":
		return r.handleScroll(ctx, sess, msg)
	case "hover":
		return r.handleHover(ctx, sess, msg)
	case "type":
		return r.handleType(ctx, sess, msg)
	case "evaluate":
		return r.handleEvaluate(ctx, sess, msg)
	case "request_screenshot_and_html":
		return r.handleScreenshotAndHTML(ctx, sess, msg)
	case "set_viewport":
		return r.handleSetViewport(ctx, sess, msg)
	case "heartbeat":
		return Reply{Type: "heartbeat", Timestamp: time.Now().Unix()}
	default:
		return Reply{Type: msg.Type, Message: "Unknown message type: " + msg.Type}
	}
}

func (r *Router) handleNavigate(ctx context.Context, sess *session.Session, msg inbound) Reply {
	url := browser.NormalizeURL(msg.URL)

	err := operation.WithRetry(ctx, operation.RetryConfig{
		Retries: r.cfg.NavRetries,
		Timeout: r.cfg.NavPrimaryTimeout + r.cfg.NavFallbackTimeout,
		Backoff: r.cfg.NavBackoff,
	}, "navigate", func(ctx context.Context) error {
		return r.driver.Navigate(ctx, sess.Page(), url, r.cfg.NavPrimaryTimeout, r.cfg.NavFallbackTimeout)
	})
	if err != nil {
		r.driver.ResetToBlank(context.Background(), sess.Page())
		return Reply{Type: "navigation", Status: "error", URL: url, Error: err.Error(), Recoverable: true}
	}
	return Reply{Type: "navigation", Status: "ok", URL: url, PageState: r.driver.DetectPageState(sess.Page())}
}

func (r *Router) handleClick(ctx context.Context, sess *session.Session, msg inbound) Reply {
	err := operation.WithRetry(ctx, operation.RetryConfig{
		Retries: 2,
		Timeout: 5 * time.Second,
		Backoff: r.cfg.NavBackoff,
	}, "click", func(ctx context.Context) error {
		return r.driver.ClickAt(ctx, sess.Page(), msg.X, msg.Y)
	})
	if err != nil {
		return Reply{Type: "click", Status: "error", X: msg.X, Y: msg.Y, Error: err.Error(), Recoverable: true}
	}
	return Reply{Type: "click", Status: "ok", X: msg.X, Y: msg.Y}
}

func (r *Router) handleScroll(ctx context.Context, sess *session.Session, msg inbound) Reply {
	err := operation.WithRetry(ctx, operation.RetryConfig{
		Retries: r.cfg.OpRetries,
		Timeout: r.cfg.OpTimeout,
		Backoff: r.cfg.NavBackoff,
	}, "scroll", func(ctx context.Context) error {
		return r.driver.Scroll(ctx, sess.Page(), 0, msg.DeltaY)
	})
	if err != nil {
		return Reply{Type: "scroll", Status: "error", DeltaY: msg.DeltaY, Error: err.Error(), Recoverable: true}
	}
	return Reply{Type: "scroll", Status: "ok", DeltaY: msg.DeltaY}
}

func (r *Router) handleHover(ctx context.Context, sess *session.Session, msg inbound) Reply {
	err := operation.WithRetry(ctx, operation.RetryConfig{
		Retries: 1,
		Timeout: 5 * time.Second,
		Backoff: r.cfg.NavBackoff,
	}, "hover", func(ctx context.Context) error {
		return r.driver.HoverAt(ctx, sess.Page(), msg.X, msg.Y)
	})
	if err != nil {
		return Reply{Type: "hover", Status: "error", X: msg.X, Y: msg.Y, Error: err.Error(), Recoverable: true}
	}
	return Reply{Type: "hover", Status: "ok", X: msg.X, Y: msg.Y}
}

func (r *Router) handleType(ctx context.Context, sess *session.Session, msg inbound) Reply {
	err := operation.WithRetry(ctx, operation.RetryConfig{
		Retries: r.cfg.OpRetries,
		Timeout: r.cfg.OpTimeout,
		Backoff: r.cfg.NavBackoff,
	}, "type", func(ctx context.Context) error {
		return r.driver.TypeText(ctx, sess.Page(), msg.Text)
	})
	if err != nil {
		return Reply{Type: "type", Status: "error", Error: err.Error(), Recoverable: true}
	}
	return Reply{Type: "type", Status: "ok"}
}

func (r *Router) handleEvaluate(ctx context.Context, sess *session.Session, msg inbound) Reply {
	var evalResult string
	err := operation.WithRetry(ctx, operation.RetryConfig{
		Retries: r.cfg.OpRetries,
		Timeout: r.cfg.OpTimeout,
		Backoff: r.cfg.NavBackoff,
	}, "evaluate", func(ctx context.Context) error {
		result, err := sess.CDP().Eval(msg.Code)
		if err != nil {
			return err
		}
		evalResult = result
		return nil
	})
	if err != nil {
		return Reply{Type: "evaluate", Status: "error", Error: err.Error(), Recoverable: true}
	}
	return Reply{Type: "evaluate", Status: "ok", Result: evalResult}
}

// svgTagRemoval strips every <svg>...</svg> subtree from html before it is
// handed back to the operator: inline SVG icon sets routinely add tens of
// kilobytes of markup that is useless outside a live DOM.
func svgTagRemoval(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html, err
	}
	doc.Find("svg").Remove()
	out, err := doc.Html()
	if err != nil {
		return html, err
	}
	return out, nil
}

func (r *Router) handleScreenshotAndHTML(ctx context.Context, sess *session.Session, msg inbound) Reply {
	type result struct {
		screenshot []byte
		html       string
		err        error
	}

	screenshotCh := make(chan result, 1)
	htmlCh := make(chan result, 1)

	opCfg := operation.RetryConfig{
		Retries: r.cfg.OpRetries,
		Timeout: r.cfg.OpTimeout,
		Backoff: r.cfg.NavBackoff,
	}

	go func() {
		var data []byte
		err := operation.WithRetry(ctx, opCfg, "screenshot", func(ctx context.Context) error {
			d, err := r.driver.Screenshot(ctx, sess.Page(), 60)
			if err != nil {
				return err
			}
			data = d
			return nil
		})
		screenshotCh <- result{screenshot: data, err: err}
	}()
	go func() {
		var html string
		err := operation.WithRetry(ctx, opCfg, "content", func(ctx context.Context) error {
			h, err := r.driver.Content(ctx, sess.Page())
			if err != nil {
				return err
			}
			html = h
			return nil
		})
		htmlCh <- result{html: html, err: err}
	}()

	shot := <-screenshotCh
	page := <-htmlCh

	if shot.err != nil {
		return Reply{Type: "screenshot_and_html", Status: "error", Error: shot.err.Error(), Recoverable: true}
	}
	if page.err != nil {
		return Reply{Type: "screenshot_and_html", Status: "error", Error: page.err.Error(), Recoverable: true}
	}

	stripped, err := svgTagRemoval(page.html)
	if err != nil {
		r.logger.Warn("router: svg strip failed, returning unstripped html", "error", err)
		stripped = page.html
	}

	return Reply{
		Type:       "screenshot_and_html",
		Status:     "ok",
		Screenshot: base64.StdEncoding.EncodeToString(shot.screenshot),
		HTML:       stripped,
		PageState:  r.driver.DetectPageState(sess.Page()),
	}
}

func (r *Router) handleSetViewport(ctx context.Context, sess *session.Session, msg inbound) Reply {
	// The Manager, not the Driver, owns viewport/screencast restart;
	// cmd/gateway-server passes the Manager's UpdateViewport to New as the
	// setViewport ViewportFunc, so the Router holds no *session.Manager.
	if r.setViewport == nil {
		return Reply{Type: "viewport_updated", Status: "error", Error: "viewport updates not wired", Recoverable: true}
	}
	if err := r.setViewport(ctx, sess.ClientID, msg.Width, msg.Height); err != nil {
		return Reply{Type: "viewport_updated", Status: "error", Width: msg.Width, Height: msg.Height, Error: err.Error(), Recoverable: true}
	}
	return Reply{Type: "viewport_updated", Width: msg.Width, Height: msg.Height}
}
