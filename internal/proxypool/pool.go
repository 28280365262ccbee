// File: internal/proxypool/pool.go
package proxypool

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrEmptyPool is returned by Get when the pool holds no proxies.
var ErrEmptyPool = errors.New("proxy pool is empty")

// Strategy selects the next proxy handed out by Get.
type Strategy string

const (
	RoundRobin    Strategy = "round_robin"
	Random        Strategy = "random"
	LeastFailures Strategy = "least_failures"
)

// ParseStrategy maps a configuration string to a Strategy. The empty string
// selects round robin.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return RoundRobin, nil
	case RoundRobin, Random, LeastFailures:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown proxy strategy %q", s)
	}
}

// Proxy is an upstream proxy endpoint with a failure counter.
type Proxy struct {
	URL      string
	Location string

	failures atomic.Int64
}

// NewProxy creates a proxy with zero failures.
func NewProxy(rawURL, location string) *Proxy {
	return &Proxy{URL: rawURL, Location: location}
}

// Failures returns the number of failures since the last success.
func (p *Proxy) Failures() int {
	return int(p.failures.Load())
}

// Parsed returns the proxy URL as a *url.URL.
func (p *Proxy) Parsed() (*url.URL, error) {
	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url %q: %w", p.URL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid proxy url %q: missing scheme or host", p.URL)
	}
	return u, nil
}

// String returns the proxy URL without credentials, for logging.
func (p *Proxy) String() string {
	u, err := url.Parse(p.URL)
	if err != nil {
		return p.URL
	}
	return u.Redacted()
}

// Pool hands out proxies according to its strategy and tracks their health.
// It is safe for concurrent use. Proxies are never removed from rotation;
// callers wanting exclusion can read Failures.
type Pool struct {
	proxies  []*Proxy
	strategy Strategy
	cursor   atomic.Uint64
	logger   *zap.Logger

	// rngMu guards rng, which rand.Rand does not make goroutine safe.
	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates a pool over proxies. An unknown strategy falls back to round
// robin. A nil logger discards health updates.
func New(proxies []*Proxy, strategy Strategy, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch strategy {
	case RoundRobin, Random, LeastFailures:
	case "":
		strategy = RoundRobin
	default:
		logger.Warn("Unknown proxy strategy, using round robin.", zap.String("strategy", string(strategy)))
		strategy = RoundRobin
	}
	return &Pool{
		proxies:  append([]*Proxy(nil), proxies...),
		strategy: strategy,
		logger:   logger.Named("proxy_pool"),
		rng:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// FromURLs creates a pool from plain proxy URLs.
func FromURLs(urls []string, strategy Strategy, logger *zap.Logger) *Pool {
	proxies := make([]*Proxy, 0, len(urls))
	for _, u := range urls {
		proxies = append(proxies, NewProxy(u, ""))
	}
	return New(proxies, strategy, logger)
}

// Strategy returns the selection policy in use.
func (p *Pool) Strategy() Strategy { return p.strategy }

// Len returns the number of proxies.
func (p *Pool) Len() int { return len(p.proxies) }

// Proxies returns a snapshot of the proxies in rotation order.
func (p *Pool) Proxies() []*Proxy {
	return append([]*Proxy(nil), p.proxies...)
}

// Get returns the next proxy.
func (p *Pool) Get() (*Proxy, error) {
	n := len(p.proxies)
	if n == 0 {
		return nil, ErrEmptyPool
	}

	switch p.strategy {
	case Random:
		return p.proxies[p.intn(n)], nil
	case LeastFailures:
		return p.weighted(), nil
	default:
		// Add returns the advanced value; subtract one for this caller's slot.
		idx := (p.cursor.Add(1) - 1) % uint64(n)
		return p.proxies[idx], nil
	}
}

// MarkSuccess resets the proxy's failure counter.
func (p *Pool) MarkSuccess(proxy *Proxy) {
	if proxy == nil {
		return
	}
	if prev := proxy.failures.Swap(0); prev > 0 {
		p.logger.Debug("Proxy recovered.", zap.Stringer("proxy", proxy), zap.Int64("previous_failures", prev))
		return
	}
	p.logger.Debug("Proxy succeeded.", zap.Stringer("proxy", proxy))
}

// MarkFailed increments the proxy's failure counter by one.
func (p *Pool) MarkFailed(proxy *Proxy) {
	if proxy == nil {
		return
	}
	n := proxy.failures.Add(1)
	p.logger.Debug("Proxy failed.", zap.Stringer("proxy", proxy), zap.Int64("failures", n))
}

// weighted picks a proxy with probability proportional to 1/(1+failures).
func (p *Pool) weighted() *Proxy {
	weights := make([]float64, len(p.proxies))
	total := 0.0
	for i, proxy := range p.proxies {
		weights[i] = 1.0 / float64(1+proxy.Failures())
		total += weights[i]
	}

	p.rngMu.Lock()
	target := p.rng.Float64() * total
	p.rngMu.Unlock()

	for i, w := range weights {
		if target < w {
			return p.proxies[i]
		}
		target -= w
	}
	return p.proxies[len(p.proxies)-1]
}

func (p *Pool) intn(n int) int {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return p.rng.IntN(n)
}
