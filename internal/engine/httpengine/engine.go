// File: internal/engine/httpengine/engine.go
package httpengine

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/phantomfetch/api/schemas"
	"github.com/xkilldash9x/phantomfetch/internal/config"
	"github.com/xkilldash9x/phantomfetch/internal/engine"
	"github.com/xkilldash9x/phantomfetch/internal/network"
	"github.com/xkilldash9x/phantomfetch/internal/observability"
)

// Defaults for a zero Config.
const (
	DefaultTimeout          = 30 * time.Second
	DefaultMaxRetries       = 3
	DefaultRetryBackoffBase = 2.0

	// Jitter bounds applied to every backoff delay.
	jitterMin = 0.5
	jitterMax = 1.5
)

// RetryStatusCodes are retried when neither the config nor the call names its own.
var RetryStatusCodes = []int{
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// Config configures the HTTP engine.
type Config struct {
	Timeout          time.Duration
	MaxRetries       int
	RetryBackoffBase float64
	RetryOn          []int
	// RateLimit is requests per second per host; zero disables it.
	RateLimit       float64
	Burst           int
	IgnoreTLSErrors bool
	ForceHTTP2      bool
}

// ConfigFrom maps the library configuration onto the engine's Config.
func ConfigFrom(fc config.FetcherConfig, hc config.HTTPConfig) Config {
	return Config{
		Timeout:          fc.Timeout,
		MaxRetries:       fc.MaxRetries,
		RetryBackoffBase: hc.RetryBackoffBase,
		RetryOn:          hc.RetryOn,
		RateLimit:        hc.RateLimit,
		Burst:            hc.Burst,
		IgnoreTLSErrors:  hc.IgnoreTLSErrors,
		ForceHTTP2:       hc.ForceHTTP2,
	}
}

// Engine fetches URLs over plain HTTP with a rotating browser fingerprint and
// its own retry loop.
type Engine struct {
	cfg     Config
	logger  *zap.Logger
	limiter *network.HostLimiter

	mu      sync.Mutex
	clients map[string]*http.Client

	// sleep waits for d or until ctx is done. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

var _ engine.Engine = (*Engine)(nil)

// New creates an HTTP engine, filling unset config values with defaults.
func New(cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = DefaultRetryBackoffBase
	}
	if len(cfg.RetryOn) == 0 {
		cfg.RetryOn = RetryStatusCodes
	}
	return &Engine{
		cfg:     cfg,
		logger:  logger.Named("http_engine"),
		limiter: network.NewHostLimiter(cfg.RateLimit, cfg.Burst),
		clients: make(map[string]*http.Client),
		sleep:   sleepCtx,
	}
}

// Name implements engine.Engine.
func (e *Engine) Name() string { return schemas.EngineHTTP }

// Close releases idle connections of every cached client.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.clients {
		c.CloseIdleConnections()
	}
	e.clients = make(map[string]*http.Client)
	return nil
}

// Fetch implements engine.Engine. Attempts run sequentially; a transport
// error or a status in the retry set triggers a backoff and another attempt
// until MaxRetries attempts have been made.
func (e *Engine) Fetch(ctx context.Context, rawURL string, opts engine.Options) *schemas.Response {
	start := time.Now()

	maxAttempts := opts.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = e.cfg.MaxRetries
	}
	base := opts.RetryBackoff
	if base <= 0 {
		base = e.cfg.RetryBackoffBase
	}
	retryOn := opts.RetryOn
	if len(retryOn) == 0 {
		retryOn = e.cfg.RetryOn
	}
	timeout := opts.TimeoutOr(e.cfg.Timeout)

	finish := func(resp *schemas.Response) *schemas.Response {
		resp.Engine = schemas.EngineHTTP
		resp.Elapsed = time.Since(start)
		if opts.Proxy != "" {
			resp.Proxy = redact(opts.Proxy)
		}
		if resp.URL == "" {
			resp.URL = rawURL
		}
		return resp
	}

	client, err := e.clientFor(opts.Proxy)
	if err != nil {
		return finish(engine.Failure(schemas.EngineHTTP, rawURL, err, 0))
	}

	var last *schemas.Response
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, base, rand.Float64())
			e.logger.Debug("Backing off before retry.",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay))
			if err := e.sleep(ctx, delay); err != nil {
				return finish(engine.Failure(schemas.EngineHTTP, rawURL, err, 0))
			}
		}
		if err := e.limiter.Wait(ctx, rawURL); err != nil {
			return finish(engine.Failure(schemas.EngineHTTP, rawURL, err, 0))
		}

		resp, retryable := e.attempt(ctx, client, rawURL, opts, timeout, retryOn, attempt+1)
		last = resp
		if !retryable {
			return finish(resp)
		}
		e.logger.Debug("Attempt failed.",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxAttempts),
			zap.Int("status", resp.Status),
			zap.String("error", resp.Error))
	}

	if last.Error == "" {
		last.Error = fmt.Sprintf("retries exhausted after %d attempts: status %d", maxAttempts, last.Status)
	}
	e.logger.Warn("Giving up on URL.", zap.String("url", rawURL), zap.Int("attempts", maxAttempts), zap.String("error", last.Error))
	return finish(last)
}

// attempt performs one request, traced as its own span. retryable reports
// whether another attempt may help; a cancelled parent context never is.
func (e *Engine) attempt(ctx context.Context, client *http.Client, rawURL string, opts engine.Options, timeout time.Duration, retryOn []int, n int) (resp *schemas.Response, retryable bool) {
	ctx, span := observability.StartSpan(ctx, "http.attempt", rawURL, schemas.EngineHTTP, observability.AttemptKey.Int(n))
	observability.SetProxy(span, opts.Proxy)
	defer func() { observability.EndSpan(span, resp.Status, resp.Error) }()

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return engine.Failure(schemas.EngineHTTP, rawURL, fmt.Errorf("invalid request: %w", err), 0), false
	}
	req.Header = buildHeaders(browserConfig(), opts.Referer, opts.Headers)

	httpResp, err := client.Do(req)
	if err != nil {
		return engine.Failure(schemas.EngineHTTP, rawURL, err, 0), ctx.Err() == nil
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	resp = &schemas.Response{
		URL:     httpResp.Request.URL.String(),
		Status:  httpResp.StatusCode,
		Body:    body,
		Headers: httpResp.Header.Clone(),
	}
	if err != nil {
		resp.Error = fmt.Sprintf("failed to read body: %v", err)
		return resp, ctx.Err() == nil
	}
	return resp, containsStatus(retryOn, resp.Status)
}

// clientFor returns the cached client for proxyURL, creating it on first use.
func (e *Engine) clientFor(proxyURL string) (*http.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[proxyURL]; ok {
		return c, nil
	}

	cc := network.NewDefaultClientConfig()
	cc.Logger = e.logger
	cc.IgnoreTLSErrors = e.cfg.IgnoreTLSErrors
	cc.ForceHTTP2 = e.cfg.ForceHTTP2
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy url %q", redact(proxyURL))
		}
		cc.ProxyURL = u
	}
	c := network.NewClient(cc)
	e.clients[proxyURL] = c
	return c, nil
}

// backoffDelay is base^n scaled by a jitter factor drawn from [0.5, 1.5).
// u is a uniform sample in [0, 1).
func backoffDelay(n int, base, u float64) time.Duration {
	jitter := jitterMin + u*(jitterMax-jitterMin)
	seconds := math.Pow(base, float64(n)) * jitter
	return time.Duration(seconds * float64(time.Second))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func containsStatus(codes []int, status int) bool {
	for _, c := range codes {
		if c == status {
			return true
		}
	}
	return false
}

func redact(proxyURL string) string {
	if _, err := url.Parse(proxyURL); err != nil {
		return "<invalid proxy>"
	}
	return observability.RedactURL(proxyURL)
}

// IsRetryableStatus reports whether status is in the default retry set.
func IsRetryableStatus(status int) bool {
	return containsStatus(RetryStatusCodes, status)
}
