package cdp

import (
	"context"
	"encoding/base64"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/phantomfetch/api/schemas"
)

func TestURLMatcher(t *testing.T) {
	tests := []struct {
		pattern string
		url     string
		want    bool
	}{
		{"**/dashboard", "https://example.com/dashboard", true},
		{"**/dashboard", "https://example.com/app/dashboard", true},
		{"**/dashboard", "https://example.com/dashboard/settings", false},
		{"https://example.com/*", "https://example.com/login", true},
		{"https://example.com/*", "https://example.com/a/b", false},
		{"https://example.com/**", "https://example.com/a/b", true},
		{"**/item/?", "https://shop.test/item/7", true},
		{"**/{login,signin}", "https://example.com/signin", true},
		{"https://example.com/done", "https://example.com/done", true},
		{"https://example.com/done", "https://example.com/done?x=1", false},
	}
	for _, tt := range tests {
		match, err := urlMatcher(tt.pattern)
		require.NoError(t, err, tt.pattern)
		assert.Equal(t, tt.want, match(tt.url), "%s ~ %s", tt.pattern, tt.url)
	}

	_, err := urlMatcher("")
	assert.Error(t, err)
	_, err = urlMatcher("https://example.com/[")
	assert.Error(t, err)
}

func TestParseArgs(t *testing.T) {
	got := parseArgs([]string{"--disable-dev-shm-usage", "--window-size=1280,720", "  ", "lang=en-US", "--"})
	assert.Equal(t, []flag{
		{name: "disable-dev-shm-usage", value: true},
		{name: "window-size", value: "1280,720"},
		{name: "lang", value: "en-US"},
	}, got)
}

func TestAllocatorOptions(t *testing.T) {
	base := len(allocatorOptions(Options{}))
	withExtras := allocatorOptions(Options{IgnoreTLSErrors: true, Args: []string{"--mute-audio"}})
	assert.Len(t, withExtras, base+2)
}

func TestFirstPage(t *testing.T) {
	assert.Nil(t, firstPage(nil))
	targets := []*target.Info{
		{TargetID: "sw", Type: "service_worker"},
		{TargetID: "p1", Type: "page", URL: "https://example.com/"},
		{TargetID: "p2", Type: "page"},
	}
	assert.Equal(t, target.ID("p1"), firstPage(targets).TargetID)
}

func TestResourceTypeName(t *testing.T) {
	assert.Equal(t, schemas.ResourceDocument, resourceTypeName(network.ResourceTypeDocument))
	assert.Equal(t, schemas.ResourceXHR, resourceTypeName(network.ResourceTypeXHR))
	assert.Equal(t, schemas.ResourceStylesheet, resourceTypeName(network.ResourceTypeStylesheet))
	assert.Equal(t, schemas.ResourceOther, resourceTypeName(""))
}

func TestHeaderEntries(t *testing.T) {
	h := http.Header{
		"Content-Type":     {"text/css"},
		"Content-Encoding": {"br"},
		"Content-Length":   {"42"},
		"Set-Cookie":       {"a=1", "b=2"},
	}
	assert.Equal(t, []*fetch.HeaderEntry{
		{Name: "Content-Type", Value: "text/css"},
		{Name: "Set-Cookie", Value: "a=1"},
		{Name: "Set-Cookie", Value: "b=2"},
	}, headerEntries(h))
	assert.Empty(t, headerEntries(nil))
}

func TestFulfill(t *testing.T) {
	resp := &schemas.Response{Status: 203, Body: []byte("body{}"), Headers: http.Header{"Content-Type": {"text/css"}}}
	p := fulfill("req-1", resp)
	assert.Equal(t, fetch.RequestID("req-1"), p.RequestID)
	assert.Equal(t, int64(203), p.ResponseCode)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("body{}")), p.Body)
	require.Len(t, p.ResponseHeaders, 1)

	empty := fulfill("req-2", nil)
	assert.Equal(t, int64(200), empty.ResponseCode)
	assert.Empty(t, empty.Body)
}

func TestCookieConversion(t *testing.T) {
	in := []*network.Cookie{
		{Name: "sid", Value: "abc", Domain: ".example.com", Path: "/", Expires: 1893456000, HTTPOnly: true, Secure: true, SameSite: network.CookieSameSiteLax},
		{Name: "tmp", Value: "1", Domain: "example.com", Path: "/", Expires: -1, Session: true},
		nil,
	}
	cookies := fromCDPCookies(in)
	require.Len(t, cookies, 2)
	assert.Equal(t, schemas.Cookie{Name: "sid", Value: "abc", Domain: ".example.com", Path: "/", Expires: 1893456000, HTTPOnly: true, Secure: true, SameSite: schemas.CookieSameSiteLax}, cookies[0])
	assert.Equal(t, float64(-1), cookies[1].Expires)

	state := &schemas.StorageState{
		Origin: "https://example.com",
		Cookies: append(cookies,
			schemas.Cookie{Name: "hostonly", Value: "x"},
		),
	}
	params := toCookieParams(state)
	require.Len(t, params, 3)
	require.NotNil(t, params[0].Expires)
	assert.Equal(t, time.Unix(1893456000, 0).UTC(), params[0].Expires.Time().UTC())
	assert.Equal(t, network.CookieSameSiteLax, params[0].SameSite)
	assert.Nil(t, params[1].Expires, "session cookies carry no expiry")
	assert.Equal(t, "https://example.com", params[2].URL)
	assert.Equal(t, "/", params[2].Path)

	state.Origin = ""
	assert.Len(t, toCookieParams(state), 2, "cookies with neither domain nor origin are skipped")
}

func TestLocalStorageScript(t *testing.T) {
	script, err := localStorageScript("https://example.com", map[string]string{"token": `a"b`})
	require.NoError(t, err)
	assert.Contains(t, script, `location.origin !== "https://example.com"`)
	assert.Contains(t, script, `{"token":"a\"b"}`)
}

func TestJSString(t *testing.T) {
	assert.Equal(t, `"#login"`, jsString("#login"))
	assert.Equal(t, `"a[name=\"q\"]"`, jsString(`a[name="q"]`))
}

func TestToHTTPHeader(t *testing.T) {
	h := toHTTPHeader(network.Headers{"content-type": "text/html", "x-count": 3})
	assert.Equal(t, "text/html", h.Get("Content-Type"))
	assert.Equal(t, "3", h.Get("X-Count"))
	assert.Nil(t, headerMap(nil))
}

func TestBound(t *testing.T) {
	t.Run("caller cancellation", func(t *testing.T) {
		parent, cancelParent := context.WithCancel(context.Background())
		defer cancelParent()
		caller, cancelCaller := context.WithCancel(context.Background())

		ctx, cancel := bound(parent, caller, 0)
		defer cancel()
		cancelCaller()
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
			t.Fatal("bound context not cancelled with caller")
		}
		assert.NoError(t, parent.Err(), "parent is never cancelled")
	})

	t.Run("caller deadline and timeout", func(t *testing.T) {
		caller, cancelCaller := context.WithTimeout(context.Background(), time.Hour)
		defer cancelCaller()
		ctx, cancel := bound(context.Background(), caller, 10*time.Millisecond)
		defer cancel()
		<-ctx.Done()
		assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
		assert.NoError(t, caller.Err())
	})
}
