package browser

import (
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/gobwas/glob"
)

// cmpHostPatterns are the script- and iframe-serving hostnames of the
// consent-management platforms a teacher build used to dismiss by clicking
// their accept button. A streamed page is operated by a human who can
// click the banner themselves, so the network-level approach here is
// narrower: block the CMP's own request before it ever renders a banner,
// rather than render-then-dismiss.
var cmpHostPatterns = []string{
	"*.onetrust.com",
	"*.cookielaw.org",
	"*.cookiebot.com",
	"consent.cookiebot.com",
	"*.quantcast.com",
	"*.quantcast.mgr.consensu.org",
	"*.trustarc.com",
	"*.didomi.io",
	"*.usercentrics.eu",
	"*.cookieyes.com",
	"*.privacy-mgmt.com",
	"*.privacy-center.org",
}

func compileCMPGlobs() []glob.Glob {
	globs := make([]glob.Glob, 0, len(cmpHostPatterns))
	for _, pattern := range cmpHostPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			// Patterns are a fixed literal list; a compile failure here is
			// a programming error, not a runtime condition to recover from.
			panic(fmt.Sprintf("browser: invalid CMP host pattern %q: %v", pattern, err))
		}
		globs = append(globs, g)
	}
	return globs
}

var cmpGlobs = compileCMPGlobs()

// BlockCMPRequests installs a request-interception hook on page that aborts
// any request whose hostname matches a known consent-management-platform
// pattern, so cookie banners never reach the page the operator sees. It
// returns without blocking; the hijack router runs on its own goroutine
// until the page closes.
func (d *Driver) BlockCMPRequests(page *rod.Page) error {
	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		host := h.Request.URL().Hostname()
		for _, g := range cmpGlobs {
			if g.Match(host) {
				h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
				return
			}
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return nil
}
