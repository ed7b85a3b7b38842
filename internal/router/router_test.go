package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-rod/rod"

	"github.com/jmylchreest/browserhost/internal/config"
	"github.com/jmylchreest/browserhost/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDriver implements driverIface without a live browser, recording the
// calls handleNavigate makes so tests can assert on scheme-normalization,
// retry count, and the about:blank reset without needing a real *rod.Page.
type fakeDriver struct {
	mu sync.Mutex

	navigateErr   error
	navigateCalls []fakeNavigateCall
	resetCalls    int
	pageState     string
}

type fakeNavigateCall struct {
	url                            string
	primaryTimeout, fallbackTimeout time.Duration
}

func (f *fakeDriver) Navigate(_ context.Context, _ *rod.Page, url string, primaryTimeout, fallbackTimeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigateCalls = append(f.navigateCalls, fakeNavigateCall{url, primaryTimeout, fallbackTimeout})
	return f.navigateErr
}

func (f *fakeDriver) ResetToBlank(context.Context, *rod.Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalls++
}

func (f *fakeDriver) ClickAt(context.Context, *rod.Page, float64, float64) error { return nil }
func (f *fakeDriver) HoverAt(context.Context, *rod.Page, float64, float64) error { return nil }
func (f *fakeDriver) Scroll(context.Context, *rod.Page, int, int) error          { return nil }
func (f *fakeDriver) TypeText(context.Context, *rod.Page, string) error         { return nil }
func (f *fakeDriver) Screenshot(context.Context, *rod.Page, int) ([]byte, error) { return nil, nil }
func (f *fakeDriver) Content(context.Context, *rod.Page) (string, error)        { return "", nil }

func (f *fakeDriver) DetectPageState(*rod.Page) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pageState
}

func navTestConfig() *config.Config {
	return &config.Config{
		NavRetries:         3,
		NavPrimaryTimeout:  20 * time.Millisecond,
		NavFallbackTimeout: 15 * time.Millisecond,
		NavBackoff:         time.Millisecond,
	}
}

func TestDispatchNavigatePrependsHTTPSScheme(t *testing.T) {
	fd := &fakeDriver{}
	r := New(fd, navTestConfig(), testLogger(), nil)

	reply := r.Dispatch(context.Background(), &session.Session{}, []byte(`{"type":"navigate","url":"example.com"}`))

	if reply.Status != "ok" || reply.URL != "https://example.com" {
		t.Fatalf("reply = %+v, want ok with url https://example.com", reply)
	}
	if len(fd.navigateCalls) != 1 || fd.navigateCalls[0].url != "https://example.com" {
		t.Fatalf("driver.Navigate calls = %+v, want one call with https://example.com", fd.navigateCalls)
	}
}

func TestDispatchNavigateLeavesSchemedURLUntouched(t *testing.T) {
	fd := &fakeDriver{}
	r := New(fd, navTestConfig(), testLogger(), nil)

	reply := r.Dispatch(context.Background(), &session.Session{}, []byte(`{"type":"navigate","url":"http://example.com/path"}`))

	if reply.URL != "http://example.com/path" {
		t.Errorf("reply.URL = %q, want unchanged http://example.com/path", reply.URL)
	}
}

func TestDispatchNavigateResetsToBlankOnTerminalFailure(t *testing.T) {
	fd := &fakeDriver{navigateErr: errors.New("navigation exploded")}
	cfg := navTestConfig()
	r := New(fd, cfg, testLogger(), nil)

	reply := r.Dispatch(context.Background(), &session.Session{}, []byte(`{"type":"navigate","url":"example.com"}`))

	if reply.Status != "error" || !reply.Recoverable {
		t.Fatalf("reply = %+v, want a recoverable error", reply)
	}
	if len(fd.navigateCalls) != cfg.NavRetries {
		t.Errorf("driver.Navigate called %d times, want %d (cfg.NavRetries)", len(fd.navigateCalls), cfg.NavRetries)
	}
	if fd.resetCalls != 1 {
		t.Errorf("driver.ResetToBlank called %d times, want 1", fd.resetCalls)
	}
}

func TestDispatchNavigatePassesPrimaryAndFallbackTimeouts(t *testing.T) {
	fd := &fakeDriver{}
	cfg := navTestConfig()
	r := New(fd, cfg, testLogger(), nil)

	r.Dispatch(context.Background(), &session.Session{}, []byte(`{"type":"navigate","url":"example.com"}`))

	if len(fd.navigateCalls) != 1 {
		t.Fatalf("driver.Navigate calls = %+v, want exactly one", fd.navigateCalls)
	}
	call := fd.navigateCalls[0]
	if call.primaryTimeout != cfg.NavPrimaryTimeout || call.fallbackTimeout != cfg.NavFallbackTimeout {
		t.Errorf("navigate call timeouts = (%v, %v), want (%v, %v)", call.primaryTimeout, call.fallbackTimeout, cfg.NavPrimaryTimeout, cfg.NavFallbackTimeout)
	}
}

func TestDispatchNavigateSucceedsWithoutResettingOnSuccess(t *testing.T) {
	fd := &fakeDriver{}
	r := New(fd, navTestConfig(), testLogger(), nil)

	r.Dispatch(context.Background(), &session.Session{}, []byte(`{"type":"navigate","url":"example.com"}`))

	if fd.resetCalls != 0 {
		t.Errorf("driver.ResetToBlank called %d times on success, want 0", fd.resetCalls)
	}
}

func TestDispatchNavigateAttachesPageState(t *testing.T) {
	fd := &fakeDriver{pageState: "likely_challenge:cloudflare"}
	r := New(fd, navTestConfig(), testLogger(), nil)

	reply := r.Dispatch(context.Background(), &session.Session{}, []byte(`{"type":"navigate","url":"example.com"}`))

	if reply.PageState != "likely_challenge:cloudflare" {
		t.Errorf("reply.PageState = %q, want %q", reply.PageState, "likely_challenge:cloudflare")
	}
}

func TestDispatchUnknownType(t *testing.T) {
	r := New(nil, &config.Config{}, testLogger(), nil)
	reply := r.Dispatch(context.Background(), &session.Session{}, []byte(`{"type":"juggle"}`))

	if reply.Type != "juggle" {
		t.Errorf("reply.Type = %q, want %q (the original message type)", reply.Type, "juggle")
	}
	if reply.Message != "Unknown message type: juggle" {
		t.Errorf("reply.Message = %q, want %q", reply.Message, "Unknown message type: juggle")
	}
}

func TestDispatchMalformedJSON(t *testing.T) {
	r := New(nil, &config.Config{}, testLogger(), nil)
	reply := r.Dispatch(context.Background(), &session.Session{}, []byte(`not json`))

	if reply.Status != "error" {
		t.Errorf("reply.Status = %q, want %q", reply.Status, "error")
	}
}

func TestDispatchHeartbeatRepliesImmediately(t *testing.T) {
	r := New(nil, &config.Config{}, testLogger(), nil)
	reply := r.Dispatch(context.Background(), &session.Session{}, []byte(`{"type":"heartbeat"}`))

	if reply.Type != "heartbeat" {
		t.Errorf("reply.Type = %q, want %q", reply.Type, "heartbeat")
	}
	if reply.Timestamp == 0 {
		t.Errorf("reply.Timestamp is zero")
	}
}

func TestDispatchSetViewportWithoutWiringReturnsError(t *testing.T) {
	r := New(nil, &config.Config{}, testLogger(), nil)
	reply := r.Dispatch(context.Background(), &session.Session{}, []byte(`{"type":"set_viewport","width":800,"height":600}`))

	if reply.Status != "error" || !reply.Recoverable {
		t.Errorf("reply = %+v, want a recoverable error", reply)
	}
}

func TestDispatchSetViewportCallsWiredFunc(t *testing.T) {
	var gotClientID string
	var gotW, gotH int
	fn := ViewportFunc(func(_ context.Context, clientID string, width, height int) error {
		gotClientID, gotW, gotH = clientID, width, height
		return nil
	})

	r := New(nil, &config.Config{}, testLogger(), fn)
	sess := &session.Session{ClientID: "c1"}
	reply := r.Dispatch(context.Background(), sess, []byte(`{"type":"set_viewport","width":1024,"height":768}`))

	if reply.Type != "viewport_updated" || reply.Status != "" {
		t.Errorf("reply = %+v, want ok viewport_updated", reply)
	}
	if gotClientID != "c1" || gotW != 1024 || gotH != 768 {
		t.Errorf("ViewportFunc called with (%q,%d,%d), want (c1,1024,768)", gotClientID, gotW, gotH)
	}
}

func TestSvgTagRemovalStripsSvgSubtrees(t *testing.T) {
	in := `<html><body><p>hi</p><svg><path d="M0 0"/></svg><div>after</div></body></html>`
	out, err := svgTagRemoval(in)
	if err != nil {
		t.Fatalf("svgTagRemoval() error = %v", err)
	}
	if strings.Contains(out, "<svg") {
		t.Errorf("svgTagRemoval() left an <svg> tag: %s", out)
	}
	if !strings.Contains(out, "after") {
		t.Errorf("svgTagRemoval() dropped unrelated content: %s", out)
	}
}
