package browser

import "testing"

func TestCMPGlobsMatchKnownProviders(t *testing.T) {
	tests := []struct {
		host      string
		wantMatch bool
	}{
		{"cdn.cookielaw.org", true},
		{"geolocation.onetrust.com", true},
		{"consent.cookiebot.com", true},
		{"a.quantcast.mgr.consensu.org", true},
		{"consent.trustarc.com", true},
		{"sdk.privacy-mgmt.com", true},
		{"example.com", false},
		{"api.stripe.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			matched := false
			for _, g := range cmpGlobs {
				if g.Match(tt.host) {
					matched = true
					break
				}
			}
			if matched != tt.wantMatch {
				t.Errorf("host %q matched = %v, want %v", tt.host, matched, tt.wantMatch)
			}
		})
	}
}
