// File: internal/fetcher/fetcher.go
// Description: The top level entry point. It picks an engine per call, injects
// the proxy and session state, and consults the response cache around it.

package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/xkilldash9x/phantomfetch/api/schemas"
	"github.com/xkilldash9x/phantomfetch/internal/browser"
	"github.com/xkilldash9x/phantomfetch/internal/browser/cdp"
	"github.com/xkilldash9x/phantomfetch/internal/cache"
	"github.com/xkilldash9x/phantomfetch/internal/engine"
	"github.com/xkilldash9x/phantomfetch/internal/engine/httpengine"
	"github.com/xkilldash9x/phantomfetch/internal/observability"
	"github.com/xkilldash9x/phantomfetch/internal/proxypool"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultMaxRetries = 3
)

// ErrUnknownEngine is returned when a call names an engine that is not registered.
var ErrUnknownEngine = errors.New("unknown engine")

// Options are the per-call settings of Fetch. Engine selects the engine by
// kind; empty uses the fetcher's default.
type Options struct {
	Engine string
	engine.Options
}

// cacheSetter is implemented by engines that consult the cache themselves.
type cacheSetter interface {
	SetCache(browser.ResourceCache)
}

// pageReuser is implemented by engines that may run a fetch on a page they
// do not own, where a per-fetch proxy cannot be applied.
type pageReuser interface {
	ReusesPage(engine.Options) bool
}

// Fetcher dispatches fetches to its engines. The session slot is the only
// state that outlives a call: it starts empty, is read before every browser
// fetch and is overwritten after every successful one.
type Fetcher struct {
	logger        *zap.Logger
	engines       map[string]engine.Engine
	defaultEngine string
	cache         *cache.FileSystemCache
	pool          *proxypool.Pool
	timeout       time.Duration
	maxRetries    int

	// pending proxy configuration, resolved in New.
	proxyURLs     []string
	proxyObjects  []*proxypool.Proxy
	proxyStrategy proxypool.Strategy
	proxiesSet    bool

	mu      sync.Mutex
	session *schemas.StorageState
}

// Option configures a Fetcher.
type Option func(*Fetcher) error

// WithProxies rotates requests through the given proxy URLs.
func WithProxies(urls []string) Option {
	return func(f *Fetcher) error {
		f.proxyURLs = append(f.proxyURLs, urls...)
		f.proxiesSet = true
		return nil
	}
}

// WithProxyObjects rotates requests through prebuilt proxies, keeping their
// locations and failure counters.
func WithProxyObjects(proxies []*proxypool.Proxy) Option {
	return func(f *Fetcher) error {
		f.proxyObjects = append(f.proxyObjects, proxies...)
		f.proxiesSet = true
		return nil
	}
}

// WithProxyStrategy selects how proxies are rotated.
func WithProxyStrategy(s proxypool.Strategy) Option {
	return func(f *Fetcher) error {
		if _, err := proxypool.ParseStrategy(string(s)); err != nil {
			return err
		}
		f.proxyStrategy = s
		return nil
	}
}

// WithCache uses c for lookups and stores.
func WithCache(c *cache.FileSystemCache) Option {
	return func(f *Fetcher) error {
		f.cache = c
		return nil
	}
}

// WithDefaultCache opens a cache in dir with the default strategy.
func WithDefaultCache(dir string) Option {
	return func(f *Fetcher) error {
		c, err := cache.New(cache.Config{Dir: dir}, f.logger)
		if err != nil {
			return fmt.Errorf("failed to open cache: %w", err)
		}
		f.cache = c
		return nil
	}
}

// WithEngine registers e under kind, replacing any engine of that kind.
func WithEngine(kind string, e engine.Engine) Option {
	return func(f *Fetcher) error {
		if kind == "" || e == nil {
			return errors.New("engine kind and implementation are required")
		}
		f.engines[kind] = e
		return nil
	}
}

// WithDefaultEngine sets the engine used when a call does not name one.
func WithDefaultEngine(kind string) Option {
	return func(f *Fetcher) error {
		f.defaultEngine = kind
		return nil
	}
}

// WithTimeout sets the per-call timeout used when a call does not set one.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
		f.timeout = d
		return nil
	}
}

// WithMaxRetries sets the attempt count used when a call does not set one.
func WithMaxRetries(n int) Option {
	return func(f *Fetcher) error {
		if n < 1 {
			return fmt.Errorf("max retries must be at least 1, got %d", n)
		}
		f.maxRetries = n
		return nil
	}
}

// New creates a Fetcher. Engines not supplied with WithEngine get defaults:
// the HTTP engine and a browser engine that launches a local headless browser
// on first use.
func New(logger *zap.Logger, opts ...Option) (*Fetcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		logger:        logger.Named("fetcher"),
		engines:       make(map[string]engine.Engine),
		defaultEngine: schemas.EngineHTTP,
		timeout:       DefaultTimeout,
		maxRetries:    DefaultMaxRetries,
		proxyStrategy: proxypool.RoundRobin,
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}

	if f.proxiesSet {
		proxies := append([]*proxypool.Proxy(nil), f.proxyObjects...)
		for _, u := range f.proxyURLs {
			proxies = append(proxies, proxypool.NewProxy(u, ""))
		}
		f.pool = proxypool.New(proxies, f.proxyStrategy, logger)
	}

	if _, ok := f.engines[schemas.EngineHTTP]; !ok {
		f.engines[schemas.EngineHTTP] = httpengine.New(httpengine.Config{
			Timeout:    f.timeout,
			MaxRetries: f.maxRetries,
		}, logger)
	}
	if _, ok := f.engines[schemas.EngineBrowser]; !ok {
		dial := cdp.NewDialer(cdp.Options{Headless: true, Logger: logger})
		f.engines[schemas.EngineBrowser] = browser.New(browser.Config{NavigationTimeout: f.timeout}, dial, logger)
	}
	if _, ok := f.engines[f.defaultEngine]; !ok {
		return nil, fmt.Errorf("%w: default %q", ErrUnknownEngine, f.defaultEngine)
	}

	if f.cache != nil {
		for _, e := range f.engines {
			if cs, ok := e.(cacheSetter); ok {
				cs.SetCache(f.cache)
			}
		}
	}

	f.logger.Debug("Fetcher initialized.",
		zap.Strings("engines", f.Engines()),
		zap.String("default_engine", f.defaultEngine),
		zap.Bool("cache", f.cache != nil),
		zap.Int("proxies", f.proxyCount()),
	)
	return f, nil
}

// Engines lists the registered engine kinds in sorted order.
func (f *Fetcher) Engines() []string {
	kinds := make([]string, 0, len(f.engines))
	for k := range f.engines {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Cache returns the configured cache, or nil.
func (f *Fetcher) Cache() *cache.FileSystemCache { return f.cache }

// Pool returns the configured proxy pool, or nil.
func (f *Fetcher) Pool() *proxypool.Pool { return f.pool }

func (f *Fetcher) proxyCount() int {
	if f.pool == nil {
		return 0
	}
	return f.pool.Len()
}

// Fetch retrieves url. The returned error is reserved for configuration
// faults: an unknown engine, an empty proxy pool or an invalid action. Every
// other outcome, including cancellation, is reported through the Response.
// Each call is traced as a fetcher.fetch span parenting the engine's spans.
func (f *Fetcher) Fetch(ctx context.Context, url string, opts Options) (resp *schemas.Response, err error) {
	kind := opts.Engine
	if kind == "" {
		kind = f.defaultEngine
	}

	ctx, span := observability.StartSpan(ctx, "fetcher.fetch", url, kind)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			return
		}
		span.SetAttributes(observability.FromCacheKey.Bool(resp.FromCache))
		observability.EndSpan(span, resp.Status, resp.Error)
	}()

	eng, ok := f.engines[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, kind)
	}
	if err := schemas.ValidateActions(opts.Actions); err != nil {
		return nil, err
	}

	log := f.logger.With(zap.String("request_id", uuid.NewString()), zap.String("url", url), zap.String("engine", kind))
	eopts := opts.Options
	if eopts.Timeout <= 0 {
		eopts.Timeout = f.timeout
	}
	if eopts.MaxRetries <= 0 {
		eopts.MaxRetries = f.maxRetries
	}

	resourceType := eopts.ResourceType
	if resourceType == "" {
		resourceType = schemas.ResourceDocument
	}
	eligible := f.cacheEligible(url, resourceType)
	if eligible {
		cached, err := f.cache.Get(ctx, url)
		if err != nil {
			log.Debug("Cache lookup failed.", zap.Error(err))
		}
		if cached != nil {
			log.Debug("Serving from cache.")
			cached.FromCache = true
			return cached, nil
		}
	}

	var proxy *proxypool.Proxy
	if f.pool != nil && eopts.Proxy == "" {
		if r, ok := eng.(pageReuser); ok && r.ReusesPage(eopts) {
			// Taking one would advance the rotation and charge the proxy
			// for a fetch that never used it.
			log.Debug("Fetch runs on a shared browser page; proxy pool skipped.")
		} else {
			p, err := f.pool.Get()
			if err != nil {
				return nil, err
			}
			proxy = p
			eopts.Proxy = p.URL
			log = log.With(zap.Stringer("proxy", p))
		}
	}
	observability.SetProxy(span, eopts.Proxy)

	if kind == schemas.EngineBrowser && eopts.StorageState == nil {
		eopts.StorageState = f.Session()
	}

	log.Debug("Dispatching fetch.")
	resp = eng.Fetch(ctx, url, eopts)
	if resp == nil {
		resp = engine.Failure(kind, url, errors.New("engine returned no response"), 0)
	}

	if err := ctx.Err(); err != nil {
		if resp.Error == "" {
			resp.Error = err.Error()
		}
		log.Debug("Fetch cancelled.", zap.Error(err))
		return resp, nil
	}

	if proxy != nil {
		if resp.OK() {
			f.pool.MarkSuccess(proxy)
		} else {
			f.pool.MarkFailed(proxy)
		}
	}

	if kind == schemas.EngineBrowser && resp.OK() && resp.StorageState != nil {
		f.SetSession(resp.StorageState)
	}

	if eligible && resp.OK() {
		if err := f.cache.SetResource(ctx, url, resourceType, resp); err != nil {
			log.Warn("Failed to cache response.", zap.Error(err))
		}
	}

	if resp.OK() {
		log.Info("Fetch succeeded.", zap.Int("status", resp.Status), zap.Duration("elapsed", resp.Elapsed))
	} else {
		log.Warn("Fetch failed.", zap.Int("status", resp.Status), zap.String("error", resp.Error))
	}
	return resp, nil
}

func (f *Fetcher) cacheEligible(url, resourceType string) bool {
	return f.cache != nil && f.cache.ShouldCacheRequest(resourceType) && !f.cache.ShouldBlock(url)
}

// Session returns a copy of the current session state, or nil.
func (f *Fetcher) Session() *schemas.StorageState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session.Clone()
}

// SetSession replaces the session state used by the next browser fetch.
func (f *Fetcher) SetSession(s *schemas.StorageState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = s.Clone()
}

// ClearSession forgets the session state.
func (f *Fetcher) ClearSession() {
	f.SetSession(nil)
}

// Close closes every engine.
func (f *Fetcher) Close() error {
	var errs []error
	for _, kind := range f.Engines() {
		if err := f.engines[kind].Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s engine: %w", kind, err))
		}
	}
	return errors.Join(errs...)
}
