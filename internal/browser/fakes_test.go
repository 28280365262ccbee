package browser

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xkilldash9x/phantomfetch/api/schemas"
)

// fakeTab is an in-memory Tab. Zero values succeed with a 200 response.
type fakeTab struct {
	mu sync.Mutex

	url        string
	status     int
	content    string
	gotoErr    error
	waitURLErr error
	contentErr error
	counts     map[string]int

	state       *schemas.StorageState
	applied     []*schemas.StorageState
	route       RouteHandler
	routeSets   int
	exchanges   []schemas.NetworkExchange
	capturing   bool
	closed      atomic.Bool
	navigated   []string
	clicks      []string
	gotoDelay   time.Duration
	inFlight    *atomic.Int32
	maxInFlight *atomic.Int32
}

func newFakeTab() *fakeTab {
	return &fakeTab{status: 200, content: "<html><h1>ok</h1></html>", counts: map[string]int{}}
}

func (t *fakeTab) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

func (t *fakeTab) Goto(ctx context.Context, url string) (int, http.Header, error) {
	if t.inFlight != nil {
		n := t.inFlight.Add(1)
		defer t.inFlight.Add(-1)
		for {
			m := t.maxInFlight.Load()
			if n <= m || t.maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
	}
	if t.gotoDelay > 0 {
		select {
		case <-time.After(t.gotoDelay):
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.navigated = append(t.navigated, url)
	if t.gotoErr != nil {
		return 0, nil, t.gotoErr
	}
	t.url = url
	return t.status, http.Header{"Content-Type": {"text/html"}}, nil
}

func (t *fakeTab) WaitForURL(ctx context.Context, pattern string, timeout time.Duration) error {
	return t.waitURLErr
}

func (t *fakeTab) SetRoute(ctx context.Context, handler RouteHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.route = handler
	t.routeSets++
	return nil
}

func (t *fakeTab) StartCapture(captureBodies bool) func() []schemas.NetworkExchange {
	t.mu.Lock()
	t.capturing = true
	t.mu.Unlock()
	return func() []schemas.NetworkExchange {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.capturing = false
		return append([]schemas.NetworkExchange(nil), t.exchanges...)
	}
}

func (t *fakeTab) StorageState(ctx context.Context) (*schemas.StorageState, error) {
	return t.state.Clone(), nil
}

func (t *fakeTab) ApplyStorageState(ctx context.Context, state *schemas.StorageState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applied = append(t.applied, state.Clone())
	return nil
}

func (t *fakeTab) Close() error {
	t.closed.Store(true)
	return nil
}

func (t *fakeTab) Count(ctx context.Context, selector string) (int, error) {
	return t.counts[selector], nil
}

func (t *fakeTab) WaitForSelector(ctx context.Context, selector, state string, timeout time.Duration) error {
	return nil
}

func (t *fakeTab) WaitForTimeout(ctx context.Context, d time.Duration) error { return nil }

func (t *fakeTab) WaitForLoad(ctx context.Context, timeout time.Duration) error { return nil }

func (t *fakeTab) Click(ctx context.Context, selector string, timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clicks = append(t.clicks, selector)
	return nil
}

func (t *fakeTab) Fill(ctx context.Context, selector, value string, timeout time.Duration) error {
	return nil
}

func (t *fakeTab) Hover(ctx context.Context, selector string, timeout time.Duration) error {
	return nil
}

func (t *fakeTab) SelectOption(ctx context.Context, selector, value string, timeout time.Duration) error {
	return nil
}

func (t *fakeTab) ScrollIntoView(ctx context.Context, selector string, timeout time.Duration) error {
	return nil
}

func (t *fakeTab) Evaluate(ctx context.Context, script string) (any, error) { return nil, nil }

func (t *fakeTab) Content(ctx context.Context) (string, error) {
	if t.contentErr != nil {
		return "", t.contentErr
	}
	return t.content, nil
}

func (t *fakeTab) Screenshot(ctx context.Context) ([]byte, error) { return nil, nil }

// fakeDriver hands out a fresh tab per NewTab and a single shared tab for
// ExistingTab.
type fakeDriver struct {
	mu       sync.Mutex
	newTab   func() *fakeTab
	opened   []*fakeTab
	proxies  []string
	existing *fakeTab
	closed   bool
}

func (d *fakeDriver) NewTab(ctx context.Context, proxy string) (Tab, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tab := newFakeTab()
	if d.newTab != nil {
		tab = d.newTab()
	}
	d.opened = append(d.opened, tab)
	d.proxies = append(d.proxies, proxy)
	return tab, nil
}

func (d *fakeDriver) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *fakeDriver) ExistingTab(ctx context.Context) (Tab, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.existing == nil {
		return nil, errors.New("no open pages")
	}
	return d.existing, nil
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// dialerFor returns a Dialer that records the endpoints it was asked for.
func dialerFor(drivers map[string]*fakeDriver, dialed *[]string) Dialer {
	var mu sync.Mutex
	return func(ctx context.Context, endpoint string) (Driver, error) {
		mu.Lock()
		defer mu.Unlock()
		*dialed = append(*dialed, endpoint)
		d, ok := drivers[endpoint]
		if !ok {
			return nil, errors.New("connection refused")
		}
		return d, nil
	}
}

// fakeCache is a map-backed ResourceCache.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string]*schemas.Response
	stored  map[string]string
	blocked map[string]bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string]*schemas.Response{}, stored: map[string]string{}, blocked: map[string]bool{}}
}

func (c *fakeCache) Get(ctx context.Context, url string) (*schemas.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[url], nil
}

func (c *fakeCache) SetResource(ctx context.Context, url, resourceType string, resp *schemas.Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.shouldCache(resourceType) {
		return nil
	}
	c.stored[url] = resourceType
	c.entries[url] = resp
	return nil
}

func (c *fakeCache) ShouldBlock(url string) bool { return c.blocked[url] }

func (c *fakeCache) ShouldCacheRequest(resourceType string) bool { return c.shouldCache(resourceType) }

func (c *fakeCache) shouldCache(rt string) bool {
	return rt != schemas.ResourceDocument && rt != schemas.ResourceXHR && rt != schemas.ResourceFetch
}
