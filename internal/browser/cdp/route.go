// File: internal/browser/cdp/route.go
package cdp

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"go.uber.org/zap"

	"github.com/xkilldash9x/phantomfetch/api/schemas"
	"github.com/xkilldash9x/phantomfetch/internal/browser"
)

// SetRoute implements browser.Tab. Every request the page makes is paused
// at the request stage and decided by handler. Tabs behind an authenticated
// proxy keep interception on without a handler; their requests continue.
func (t *Tab) SetRoute(ctx context.Context, handler browser.RouteHandler) error {
	t.mu.Lock()
	t.route = handler
	enabled := t.intercept
	t.mu.Unlock()
	keep := t.proxyAuth != nil

	switch {
	case handler != nil && !enabled:
		if err := t.run(ctx, 0, t.enableFetch()); err != nil {
			return fmt.Errorf("failed to enable request interception: %w", err)
		}
	case handler == nil && enabled && !keep:
		if err := t.run(ctx, 0, fetch.Disable()); err != nil {
			return fmt.Errorf("failed to disable request interception: %w", err)
		}
	}
	t.mu.Lock()
	t.intercept = handler != nil || keep
	t.mu.Unlock()
	return nil
}

func (t *Tab) enableFetch() *fetch.EnableParams {
	pattern := &fetch.RequestPattern{URLPattern: "*", RequestStage: fetch.RequestStageRequest}
	return fetch.Enable().
		WithPatterns([]*fetch.RequestPattern{pattern}).
		WithHandleAuthRequests(t.proxyAuth != nil)
}

// handlePaused resolves one paused request. Every paused request must be
// answered or the page stalls, so requests seen after the handler is removed
// continue.
func (t *Tab) handlePaused(ev *fetch.EventRequestPaused) {
	defer t.inflight.Done()

	t.mu.Lock()
	handler := t.route
	t.mu.Unlock()

	decision := browser.RouteDecision{Action: browser.RouteContinue}
	if handler != nil {
		decision = handler(t.ctx, browser.RouteRequest{
			URL:          ev.Request.URL,
			Method:       ev.Request.Method,
			ResourceType: resourceTypeName(ev.ResourceType),
		})
	}

	ctx := t.executor()
	var err error
	switch decision.Action {
	case browser.RouteAbort:
		err = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(ctx)
	case browser.RouteFulfill:
		err = fulfill(ev.RequestID, decision.Response).Do(ctx)
	default:
		err = fetch.ContinueRequest(ev.RequestID).Do(ctx)
	}
	if err != nil && t.ctx.Err() == nil {
		t.logger.Debug("Failed to resolve intercepted request.",
			zap.String("url", ev.Request.URL),
			zap.Stringer("decision", decision.Action),
			zap.Error(err))
	}
}

func fulfill(id fetch.RequestID, resp *schemas.Response) *fetch.FulfillRequestParams {
	status := http.StatusOK
	var body []byte
	var headers http.Header
	if resp != nil {
		if resp.Status > 0 {
			status = resp.Status
		}
		body = resp.Body
		headers = resp.Headers
	}
	return fetch.FulfillRequest(id, int64(status)).
		WithResponseHeaders(headerEntries(headers)).
		WithBody(base64.StdEncoding.EncodeToString(body))
}

// headerEntries converts cached headers for a fulfilled response. Cached
// bodies are stored decoded, so encoding and length headers are dropped.
func headerEntries(h http.Header) []*fetch.HeaderEntry {
	names := make([]string, 0, len(h))
	for name := range h {
		switch strings.ToLower(name) {
		case "content-encoding", "content-length", "transfer-encoding":
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]*fetch.HeaderEntry, 0, len(names))
	for _, name := range names {
		for _, v := range h[name] {
			entries = append(entries, &fetch.HeaderEntry{Name: name, Value: v})
		}
	}
	return entries
}

// resourceTypeName maps CDP resource types onto the lower-case names used by
// cache policy and block lists.
func resourceTypeName(rt network.ResourceType) string {
	if rt == "" {
		return schemas.ResourceOther
	}
	return strings.ToLower(string(rt))
}
