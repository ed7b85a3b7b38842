package browser

import (
	"strings"

	"github.com/go-rod/rod"
)

// cloudflareTitlePatterns are substrings a Cloudflare interstitial's <title>
// commonly contains. Folded from a standalone challenge detector that used
// to block on these and try to auto-solve them; here they only produce a
// hint string attached to outbound replies so an operator knows why a page
// looks stalled. Nothing in the gateway waits on or reacts to this value.
var cloudflareTitlePatterns = []string{
	"just a moment",
	"checking your browser",
	"attention required",
	"one more step",
	"verify you are human",
}

// DetectPageState returns "normal", or an advisory hint of the form
// "likely_challenge:<kind>" when the page looks like it's showing an
// anti-bot interstitial or CAPTCHA widget. This is purely informational:
// the gateway streams the page to the operator either way.
func (d *Driver) DetectPageState(page *rod.Page) string {
	info, err := page.Info()
	if err != nil {
		return "normal"
	}

	title := strings.ToLower(info.Title)
	for _, pattern := range cloudflareTitlePatterns {
		if strings.Contains(title, pattern) {
			return "likely_challenge:cloudflare"
		}
	}
	if strings.Contains(title, "ddos-guard") {
		return "likely_challenge:ddos_guard"
	}

	if has, _, _ := page.Has(`iframe[src*="challenges.cloudflare.com"]`); has {
		return "likely_challenge:cloudflare_turnstile"
	}
	if has, _, _ := page.Has(`iframe[src*="hcaptcha.com"]`); has {
		return "likely_challenge:hcaptcha"
	}
	if has, _, _ := page.Has(`.g-recaptcha, iframe[src*="recaptcha"]`); has {
		return "likely_challenge:recaptcha"
	}
	if has, _, _ := page.Has("#cf-browser-verification, .challenge-running, #cf-challenge-running"); has {
		return "likely_challenge:cloudflare"
	}

	return "normal"
}
