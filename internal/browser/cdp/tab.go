// File: internal/browser/cdp/tab.go
package cdp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/phantomfetch/internal/browser"
)

const (
	pollInterval     = 100 * time.Millisecond
	bodyFetchTimeout = 30 * time.Second
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Tab is a chromedp page target.
type Tab struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	contextID cdp.BrowserContextID
	onClose   func()
	closeOnce sync.Once
	// proxyAuth answers proxy challenges of the tab's browser context. Set
	// before init and never changed.
	proxyAuth *url.Userinfo

	mu          sync.Mutex
	url         string
	mainFrame   cdp.FrameID
	route       browser.RouteHandler
	intercept   bool
	capture     *capture
	initScripts []page.ScriptIdentifier
	// closing is set under mu before inflight is waited on; no handler is
	// added after that.
	closing bool

	// inflight tracks paused-request handlers still talking to the browser.
	inflight sync.WaitGroup
}

var _ browser.Tab = (*Tab)(nil)

func newTab(ctx context.Context, cancel context.CancelFunc, logger *zap.Logger, url string) *Tab {
	return &Tab{ctx: ctx, cancel: cancel, logger: logger.Named("tab"), url: url}
}

// init attaches the event listener and enables the domains the tab relies on.
func (t *Tab) init(ctx context.Context, setup ...chromedp.Action) error {
	chromedp.ListenTarget(t.ctx, t.onEvent)
	actions := []chromedp.Action{network.Enable(), page.Enable()}
	if t.proxyAuth != nil {
		// Proxy challenges only reach us while the fetch domain is enabled.
		actions = append(actions, t.enableFetch())
		t.mu.Lock()
		t.intercept = true
		t.mu.Unlock()
	}
	return t.run(ctx, 0, append(actions, setup...)...)
}

// onEvent runs on chromedp's event goroutine. It must not issue CDP commands
// synchronously.
func (t *Tab) onEvent(ev any) {
	switch e := ev.(type) {
	case *page.EventFrameNavigated:
		if e.Frame.ParentID == "" {
			t.mu.Lock()
			t.mainFrame = e.Frame.ID
			t.url = e.Frame.URL + e.Frame.URLFragment
			t.mu.Unlock()
		}
	case *page.EventNavigatedWithinDocument:
		t.mu.Lock()
		if t.mainFrame == "" || e.FrameID == t.mainFrame {
			t.url = e.URL
		}
		t.mu.Unlock()
	case *fetch.EventRequestPaused:
		if t.track() {
			go t.handlePaused(e)
		}
	case *fetch.EventAuthRequired:
		if t.track() {
			go t.handleAuth(e)
		}
	case *network.EventRequestWillBeSent, *network.EventResponseReceived,
		*network.EventLoadingFinished, *network.EventLoadingFailed:
		t.mu.Lock()
		c := t.capture
		t.mu.Unlock()
		if c != nil {
			c.handle(ev)
		}
	}
}

// track registers one handler goroutine with inflight. It refuses once the
// tab is closing, so Add never races the Wait in shutdown.
func (t *Tab) track() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closing {
		return false
	}
	t.inflight.Add(1)
	return true
}

// URL implements actions.Page. Blank and browser error pages report "".
func (t *Tab) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.url == "about:blank" || strings.HasPrefix(t.url, "chrome-error:") {
		return ""
	}
	return t.url
}

// Goto implements browser.Tab.
func (t *Tab) Goto(ctx context.Context, url string) (int, http.Header, error) {
	runCtx, cancel := bound(t.ctx, ctx, 0)
	defer cancel()

	resp, err := chromedp.RunResponse(runCtx, chromedp.Navigate(url))
	t.dropInitScripts()
	if err != nil {
		return 0, nil, t.wrapErr(ctx, 0, err)
	}
	if resp == nil {
		// Same-document navigations produce no network response.
		return http.StatusOK, http.Header{}, nil
	}
	if resp.URL != "" {
		t.mu.Lock()
		if t.url == "" || t.url == "about:blank" {
			t.url = resp.URL
		}
		t.mu.Unlock()
	}
	return int(resp.Status), toHTTPHeader(resp.Headers), nil
}

// WaitForURL implements browser.Tab.
func (t *Tab) WaitForURL(ctx context.Context, pattern string, timeout time.Duration) error {
	match, err := urlMatcher(pattern)
	if err != nil {
		return err
	}
	runCtx, cancel := bound(t.ctx, ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	var last string
	for {
		var state struct {
			Href       string `json:"href"`
			ReadyState string `json:"readyState"`
		}
		err := chromedp.Run(runCtx, chromedp.Evaluate(`({href: location.href, readyState: document.readyState})`, &state))
		if err == nil {
			last = state.Href
			if match(state.Href) && state.ReadyState != "loading" {
				return nil
			}
		}
		select {
		case <-runCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("timeout %dms exceeded waiting for URL %q (last URL %q)", timeout.Milliseconds(), pattern, last)
		case <-ticker.C:
		}
	}
}

// Count implements actions.Page.
func (t *Tab) Count(ctx context.Context, selector string) (int, error) {
	var n int
	err := t.run(ctx, 0, chromedp.Evaluate(fmt.Sprintf(`document.querySelectorAll(%s).length`, jsString(selector)), &n))
	return n, err
}

// WaitForSelector implements actions.Page.
func (t *Tab) WaitForSelector(ctx context.Context, selector, state string, timeout time.Duration) error {
	var action chromedp.Action
	switch state {
	case "attached":
		action = chromedp.WaitReady(selector, chromedp.ByQuery)
	case "hidden":
		action = poll(fmt.Sprintf(`(() => { const el = document.querySelector(%s); return !el || !(el.offsetWidth || el.offsetHeight || el.getClientRects().length); })()`, jsString(selector)))
	case "detached":
		action = poll(fmt.Sprintf(`document.querySelector(%s) === null`, jsString(selector)))
	default:
		action = chromedp.WaitVisible(selector, chromedp.ByQuery)
	}
	return t.run(ctx, timeout, action)
}

// WaitForTimeout implements actions.Page.
func (t *Tab) WaitForTimeout(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.ctx.Done():
		return errors.New("page has been closed")
	}
}

// WaitForLoad implements actions.Page.
func (t *Tab) WaitForLoad(ctx context.Context, timeout time.Duration) error {
	return t.run(ctx, timeout, poll(`document.readyState === "complete"`))
}

// Click implements actions.Page.
func (t *Tab) Click(ctx context.Context, selector string, timeout time.Duration) error {
	return t.run(ctx, timeout, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

// Fill implements actions.Page. It replaces the field's value and fires input events.
func (t *Tab) Fill(ctx context.Context, selector, value string, timeout time.Duration) error {
	return t.run(ctx, timeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

// Hover implements actions.Page.
func (t *Tab) Hover(ctx context.Context, selector string, timeout time.Duration) error {
	var point struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	script := fmt.Sprintf(`(() => { const r = document.querySelector(%s).getBoundingClientRect(); return {x: r.left + r.width / 2, y: r.top + r.height / 2}; })()`, jsString(selector))
	return t.run(ctx, timeout,
		chromedp.ScrollIntoView(selector, chromedp.ByQuery),
		chromedp.Evaluate(script, &point),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return chromedp.MouseEvent(input.MouseMoved, point.X, point.Y).Do(ctx)
		}),
	)
}

// SelectOption implements actions.Page.
func (t *Tab) SelectOption(ctx context.Context, selector, value string, timeout time.Duration) error {
	var found bool
	script := fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  const v = %s;
  const opt = Array.from(el.options || []).find(o => o.value === v || o.label === v);
  if (!opt) return false;
  el.value = opt.value;
  el.dispatchEvent(new Event('input', {bubbles: true}));
  el.dispatchEvent(new Event('change', {bubbles: true}));
  return true;
})()`, jsString(selector), jsString(value))
	if err := t.run(ctx, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery), chromedp.Evaluate(script, &found)); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no option %q in %s", value, selector)
	}
	return nil
}

// ScrollIntoView implements actions.Page.
func (t *Tab) ScrollIntoView(ctx context.Context, selector string, timeout time.Duration) error {
	return t.run(ctx, timeout, chromedp.ScrollIntoView(selector, chromedp.ByQuery))
}

// Evaluate implements actions.Page. Promises are awaited.
func (t *Tab) Evaluate(ctx context.Context, script string) (any, error) {
	var res any
	err := t.run(ctx, 0, chromedp.Evaluate(script, &res, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	return res, err
}

const contentScript = `(() => {
  const dt = document.doctype;
  const prefix = dt ? '<!DOCTYPE ' + dt.name + (dt.publicId ? ' PUBLIC "' + dt.publicId + '"' : '') + (dt.systemId ? ' "' + dt.systemId + '"' : '') + '>' : '';
  return prefix + (document.documentElement ? document.documentElement.outerHTML : '');
})()`

// Content implements actions.Page.
func (t *Tab) Content(ctx context.Context) (string, error) {
	var html string
	err := t.run(ctx, 0, chromedp.Evaluate(contentScript, &html))
	return html, err
}

// Screenshot implements actions.Page.
func (t *Tab) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := t.run(ctx, 0, chromedp.CaptureScreenshot(&buf))
	return buf, err
}

// Close closes an owned page and disposes its browser context. Pages
// attached with ExistingTab are left open; the driver detaches them.
func (t *Tab) Close() error {
	if t.onClose == nil {
		return nil
	}
	t.closeOnce.Do(func() {
		t.shutdown()
		t.onClose()
	})
	return nil
}

func (t *Tab) detach() {
	t.closeOnce.Do(t.shutdown)
}

func (t *Tab) shutdown() {
	t.stopCapture()
	t.mu.Lock()
	t.closing = true
	t.mu.Unlock()
	t.cancel()
	t.inflight.Wait()
}

func (t *Tab) stopCapture() {
	t.mu.Lock()
	c := t.capture
	t.capture = nil
	t.mu.Unlock()
	if c != nil {
		c.stop(0)
	}
}

// run executes actions on the page bounded by ctx and timeout.
func (t *Tab) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := bound(t.ctx, ctx, timeout)
	defer cancel()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return t.wrapErr(ctx, timeout, err)
	}
	return nil
}

// executor returns a context that sends commands to this page's target
// without going through chromedp.Run, for use off the event goroutine.
func (t *Tab) executor() context.Context {
	c := chromedp.FromContext(t.ctx)
	if c == nil || c.Target == nil {
		return t.ctx
	}
	return cdp.WithExecutor(t.ctx, c.Target)
}

func (t *Tab) wrapErr(ctx context.Context, timeout time.Duration, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case t.ctx.Err() != nil:
		return fmt.Errorf("page has been closed: %w", err)
	case timeout > 0 && errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("timeout %dms exceeded", timeout.Milliseconds())
	}
	return err
}

// bound derives a context from parent (a chromedp context) that is also
// cancelled when ctx is done, and carries ctx's deadline and the optional
// timeout. Cancelling it never tears down the chromedp target.
func bound(parent, ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(ctx, cancel)
	cancels := []context.CancelFunc{func() { stop() }, cancel}
	if dl, ok := ctx.Deadline(); ok {
		var c context.CancelFunc
		runCtx, c = context.WithDeadline(runCtx, dl)
		cancels = append(cancels, c)
	}
	if timeout > 0 {
		var c context.CancelFunc
		runCtx, c = context.WithTimeout(runCtx, timeout)
		cancels = append(cancels, c)
	}
	return runCtx, func() {
		for i := len(cancels) - 1; i >= 0; i-- {
			cancels[i]()
		}
	}
}

func poll(expr string) chromedp.Action {
	var ok bool
	return chromedp.Poll(expr, &ok, chromedp.WithPollingInterval(pollInterval))
}

func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}

func toHTTPHeader(h network.Headers) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		out.Add(k, s)
	}
	return out
}

func headerMap(h network.Headers) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}
