// File: internal/browser/engine.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/xkilldash9x/phantomfetch/api/schemas"
	"github.com/xkilldash9x/phantomfetch/internal/browser/actions"
	"github.com/xkilldash9x/phantomfetch/internal/config"
	"github.com/xkilldash9x/phantomfetch/internal/engine"
	"github.com/xkilldash9x/phantomfetch/internal/observability"
)

// DefaultNavigationTimeout bounds a whole browser fetch when neither the
// config nor the call sets a timeout.
const DefaultNavigationTimeout = 30 * time.Second

// diagnosticsTimeout bounds best effort work done after a fetch has already failed.
const diagnosticsTimeout = 5 * time.Second

var errClosed = errors.New("browser engine is closed")

// Config configures the browser engine.
type Config struct {
	// CDPEndpoint is a ws:// or wss:// debugging URL. Empty launches a local browser.
	CDPEndpoint string
	// UseExistingPage reuses the first open page of a remote browser. Nil
	// reuses it whenever an endpoint is set.
	UseExistingPage   *bool
	NavigationTimeout time.Duration
	CaptureBodies     bool
	BlockResources    []string
}

// ConfigFrom maps the library configuration onto the engine's Config.
func ConfigFrom(bc config.BrowserConfig) Config {
	return Config{
		CDPEndpoint:       bc.CDPEndpoint,
		UseExistingPage:   engine.Bool(bc.UseExistingPage),
		NavigationTimeout: bc.NavigationTimeout,
		CaptureBodies:     bc.CaptureResponseBodies,
		BlockResources:    bc.BlockResources,
	}
}

// Engine fetches pages through a real browser. It holds no cross-call
// session state; storage state flows in and out through Options and Response.
type Engine struct {
	cfg      Config
	logger   *zap.Logger
	dial     Dialer
	executor *actions.Executor

	// dialing collapses concurrent dials of one endpoint. It runs outside mu.
	dialing singleflight.Group

	mu      sync.Mutex
	cache   ResourceCache
	drivers map[string]Driver
	// slots serializes fetches on the shared page of each endpoint.
	slots  map[string]*semaphore.Weighted
	closed bool
}

var _ engine.Engine = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithExecutor replaces the default action executor.
func WithExecutor(x *actions.Executor) Option {
	return func(e *Engine) { e.executor = x }
}

// WithCache enables cache-aware routing and subresource warming.
func WithCache(c ResourceCache) Option {
	return func(e *Engine) { e.cache = c }
}

// New creates a browser engine. Drivers are dialed lazily on first use.
func New(cfg Config, dial Dialer, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = DefaultNavigationTimeout
	}
	e := &Engine{
		cfg:     cfg,
		logger:  logger.Named("browser_engine"),
		dial:    dial,
		drivers: make(map[string]Driver),
		slots:   make(map[string]*semaphore.Weighted),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.executor == nil {
		e.executor = actions.NewExecutor(logger)
	}
	return e
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return schemas.EngineBrowser }

// SetCache installs or replaces the cache consulted while routing.
func (e *Engine) SetCache(c ResourceCache) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = c
}

func (e *Engine) currentCache() ResourceCache {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache
}

// Close shuts down every driver the engine dialed.
func (e *Engine) Close() error {
	e.mu.Lock()
	drivers := e.drivers
	e.drivers = make(map[string]Driver)
	e.closed = true
	e.mu.Unlock()

	var errs []error
	for endpoint, d := range drivers {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing driver %q: %w", endpoint, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) endpoint(opts engine.Options) string {
	if opts.CDPEndpoint != "" {
		return opts.CDPEndpoint
	}
	return e.cfg.CDPEndpoint
}

// ReusesPage reports whether a fetch with opts runs on the shared page of a
// remote browser. The call's flag wins over the config; with neither set a
// remote endpoint means reuse. A locally launched browser never shares pages.
func (e *Engine) ReusesPage(opts engine.Options) bool {
	if e.endpoint(opts) == "" {
		return false
	}
	if opts.UseExistingPage != nil {
		return *opts.UseExistingPage
	}
	if e.cfg.UseExistingPage != nil {
		return *e.cfg.UseExistingPage
	}
	return true
}

// Fetch implements engine.Engine. Fresh pages route through opts.Proxy in a
// browser context of their own; the shared page of a remote browser keeps
// whatever proxy that browser was started with.
func (e *Engine) Fetch(ctx context.Context, url string, opts engine.Options) *schemas.Response {
	start := time.Now()
	endpoint := e.endpoint(opts)
	useExisting := e.ReusesPage(opts)

	timeout := opts.TimeoutOr(e.cfg.NavigationTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := e.logger.With(zap.String("url", url), zap.Bool("existing_page", useExisting))

	proxy := opts.Proxy
	if useExisting && proxy != "" {
		log.Warn("Shared page cannot switch proxies; fetching without the requested proxy.",
			zap.String("proxy", observability.RedactURL(proxy)))
		proxy = ""
	}

	fail := func(err error) *schemas.Response {
		return engine.Failure(schemas.EngineBrowser, url, err, time.Since(start))
	}

	driver, err := e.driver(ctx, endpoint)
	if err != nil {
		return fail(err)
	}

	var tab Tab
	if useExisting {
		slot := e.slot(endpoint)
		if err := slot.Acquire(ctx, 1); err != nil {
			return fail(fmt.Errorf("waiting for shared page: %w", err))
		}
		defer slot.Release(1)
		tab, err = driver.ExistingTab(ctx)
		if err != nil {
			return fail(fmt.Errorf("attaching to existing page: %w", err))
		}
	} else {
		tab, err = driver.NewTab(ctx, proxy)
		if err != nil {
			return fail(fmt.Errorf("opening page: %w", err))
		}
		defer func() {
			if cerr := tab.Close(); cerr != nil {
				log.Debug("Failed to close page.", zap.Error(cerr))
			}
		}()
	}

	resp := e.fetchOnTab(ctx, tab, url, opts, log)
	resp.Engine = schemas.EngineBrowser
	resp.Elapsed = time.Since(start)
	if proxy != "" {
		resp.Proxy = observability.RedactURL(proxy)
	}
	return resp
}

// fetchOnTab runs one navigation on an acquired tab.
func (e *Engine) fetchOnTab(ctx context.Context, tab Tab, url string, opts engine.Options, log *zap.Logger) *schemas.Response {
	cache := e.currentCache()

	if !opts.StorageState.Empty() {
		if err := tab.ApplyStorageState(ctx, opts.StorageState); err != nil {
			log.Warn("Failed to apply storage state.", zap.Error(err))
		}
	}

	blockResources := opts.BlockResources
	if len(blockResources) == 0 {
		blockResources = e.cfg.BlockResources
	}
	if handler := NewRouteHandler(blockResources, cache, log); handler != nil {
		if err := tab.SetRoute(ctx, handler); err != nil {
			log.Warn("Failed to install request interception.", zap.Error(err))
		} else {
			// A reused page outlives this fetch; leave it without our handler.
			defer func() {
				if err := tab.SetRoute(context.WithoutCancel(ctx), nil); err != nil {
					log.Debug("Failed to remove request interception.", zap.Error(err))
				}
			}()
		}
	}

	stop := tab.StartCapture(e.cfg.CaptureBodies)
	resp := &schemas.Response{URL: url}
	defer func() {
		resp.NetworkLog = stop()
		if cache != nil && resp.OK() {
			e.warmCache(context.WithoutCancel(ctx), cache, resp.NetworkLog, log)
		}
	}()

	navCtx, span := observability.StartSpan(ctx, "browser.navigate", url, schemas.EngineBrowser)
	observability.SetProxy(span, opts.Proxy)
	status, headers, err := tab.Goto(navCtx, url)
	if err != nil {
		resp.Error = fmt.Sprintf("Navigation failed: %v", err)
		resp.URL = lastURL(tab, url)
		observability.EndSpan(span, 0, resp.Error)
		return resp
	}
	resp.Status = status
	resp.Headers = headers

	if opts.WaitForURL != "" {
		if err := tab.WaitForURL(navCtx, opts.WaitForURL, opts.TimeoutOr(e.cfg.NavigationTimeout)); err != nil {
			resp.Error = "Wait for URL failed: " + err.Error()
			// Best effort diagnostics. A failure here must not mask the wait error.
			diagCtx, diagCancel := context.WithTimeout(context.WithoutCancel(ctx), diagnosticsTimeout)
			html, cerr := tab.Content(diagCtx)
			diagCancel()
			if cerr != nil {
				log.Debug("Content capture after failed URL wait also failed.", zap.Error(cerr))
				html = ""
			}
			resp.Body = []byte(html)
			resp.URL = lastURL(tab, url)
			observability.EndSpan(span, status, resp.Error)
			return resp
		}
	}
	observability.EndSpan(span, status, "")

	if len(opts.Actions) > 0 {
		resp.ActionResults = e.runActions(ctx, tab, url, opts.Actions)
	}

	html, err := tab.Content(ctx)
	resp.URL = lastURL(tab, url)
	if err != nil {
		resp.Error = fmt.Sprintf("Failed to read page content: %v", err)
		return resp
	}
	resp.Body = []byte(html)

	if ctxErr := ctx.Err(); ctxErr != nil {
		resp.Error = ctxErr.Error()
		return resp
	}

	if resp.OK() {
		state, err := tab.StorageState(ctx)
		if err != nil {
			log.Debug("Failed to extract storage state.", zap.Error(err))
		} else {
			resp.StorageState = state
		}
	}
	return resp
}

// runActions executes the action script inside its own span. Failed actions
// do not fail the fetch, but they mark the span.
func (e *Engine) runActions(ctx context.Context, tab Tab, url string, list []schemas.Action) []schemas.ActionResult {
	ctx, span := observability.StartSpan(ctx, "browser.actions", url, schemas.EngineBrowser,
		observability.ActionsKey.Int(len(list)))
	defer span.End()

	results := e.executor.Execute(ctx, tab, list)
	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	if failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d actions failed", failed, len(results)))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return results
}

// warmCache stores captured subresources so later fetches can be fulfilled
// from disk. The cache's own policy decides what is kept.
func (e *Engine) warmCache(ctx context.Context, cache ResourceCache, exchanges []schemas.NetworkExchange, logger *zap.Logger) {
	for _, ex := range exchanges {
		if ex.ResponseBody == "" || ex.Status != 200 || ex.Method != "GET" || ex.ResourceType == schemas.ResourceDocument {
			continue
		}
		r := &schemas.Response{URL: ex.URL, Status: ex.Status, Body: []byte(ex.ResponseBody), Engine: schemas.EngineBrowser}
		r.SetHeaders(ex.ResponseHeaders)
		if err := cache.SetResource(ctx, ex.URL, ex.ResourceType, r); err != nil {
			logger.Debug("Failed to cache subresource.", zap.String("resource", ex.URL), zap.Error(err))
		}
	}
}

// cached returns the connected driver for endpoint, if any.
func (e *Engine) cached(endpoint string) (Driver, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, false, errClosed
	}
	d, ok := e.drivers[endpoint]
	return d, ok, nil
}

// driver returns the driver for endpoint, dialing it on first use. The dial
// happens without holding mu, so a slow browser never blocks other endpoints,
// SetCache or Close. Concurrent callers share one dial and its outcome.
func (e *Engine) driver(ctx context.Context, endpoint string) (Driver, error) {
	if d, ok, err := e.cached(endpoint); err != nil || ok {
		return d, err
	}
	if e.dial == nil {
		return nil, errors.New("no browser dialer configured")
	}

	v, err, _ := e.dialing.Do(endpoint, func() (any, error) {
		if d, ok, err := e.cached(endpoint); err != nil || ok {
			return d, err
		}
		d, err := e.dial(ctx, endpoint)
		if err != nil {
			return nil, fmt.Errorf("connecting to browser: %w", err)
		}

		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			if cerr := d.Close(); cerr != nil {
				e.logger.Debug("Failed to close driver dialed during shutdown.", zap.Error(cerr))
			}
			return nil, errClosed
		}
		e.drivers[endpoint] = d
		e.mu.Unlock()

		e.logger.Info("Browser driver connected.", zap.Bool("remote", endpoint != ""))
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Driver), nil
}

func (e *Engine) slot(endpoint string) *semaphore.Weighted {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.slots[endpoint]
	if !ok {
		s = semaphore.NewWeighted(1)
		e.slots[endpoint] = s
	}
	return s
}

func lastURL(tab Tab, fallback string) string {
	if u := tab.URL(); u != "" {
		return u
	}
	return fallback
}
