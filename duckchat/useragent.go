package duckchat

import "github.com/corpix/uarand"

// randomUserAgent picks a browser User-Agent for the session. Pin a fixed
// one with WithUserAgent.
func randomUserAgent() string {
	return uarand.GetRandom()
}
