// File: internal/browser/cdp/proxy.go
package cdp

import (
	"fmt"
	"net/url"

	"github.com/chromedp/cdproto/fetch"
	"go.uber.org/zap"
)

// proxySettings splits a proxy URL into the server string Chrome accepts for a
// browser context and the credentials it refuses inline.
func proxySettings(raw string) (server string, creds *url.Userinfo, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", nil, fmt.Errorf("invalid proxy url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", nil, fmt.Errorf("invalid proxy url %q: missing scheme or host", u.Redacted())
	}
	switch u.Scheme {
	case "http", "https", "socks4", "socks5":
	default:
		return "", nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	return u.Scheme + "://" + u.Host, u.User, nil
}

// authResponse answers a proxy challenge with creds. Server challenges and
// proxies without credentials fall back to the browser's default handling.
func authResponse(challenge *fetch.AuthChallenge, creds *url.Userinfo) *fetch.AuthChallengeResponse {
	if challenge == nil || challenge.Source != fetch.AuthChallengeSourceProxy || creds == nil {
		return &fetch.AuthChallengeResponse{Response: fetch.AuthChallengeResponseResponseDefault}
	}
	password, _ := creds.Password()
	return &fetch.AuthChallengeResponse{
		Response: fetch.AuthChallengeResponseResponseProvideCredentials,
		Username: creds.Username(),
		Password: password,
	}
}

// handleAuth resolves one authentication challenge raised while fetch
// interception is enabled.
func (t *Tab) handleAuth(ev *fetch.EventAuthRequired) {
	defer t.inflight.Done()

	resp := authResponse(ev.AuthChallenge, t.proxyAuth)
	if err := fetch.ContinueWithAuth(ev.RequestID, resp).Do(t.executor()); err != nil && t.ctx.Err() == nil {
		var target string
		if ev.Request != nil {
			target = ev.Request.URL
		}
		t.logger.Debug("Failed to answer auth challenge.", zap.String("url", target), zap.Error(err))
	}
}
