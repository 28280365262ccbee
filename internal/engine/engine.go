// File: internal/engine/engine.go
package engine

import (
	"context"
	"time"

	"github.com/xkilldash9x/phantomfetch/api/schemas"
)

// Engine performs a single fetch. Implementations never return Go errors:
// every outcome, including cancellation, is reported through the Response.
type Engine interface {
	// Name is the engine kind, e.g. schemas.EngineHTTP.
	Name() string
	Fetch(ctx context.Context, url string, opts Options) *schemas.Response
	Close() error
}

// Options is the union of per-call settings understood by the engines. Each
// engine ignores the fields that do not apply to it.
type Options struct {
	// Timeout bounds the whole fetch. Zero uses the engine default.
	Timeout time.Duration

	// HTTP engine.
	MaxRetries   int
	RetryOn      []int
	RetryBackoff float64
	Headers      map[string]string
	Referer      string

	// Proxy is a proxy URL injected by the orchestrator or the caller. The
	// browser engine cannot apply it to a shared page and drops it there.
	Proxy string

	// Browser engine.
	BlockResources  []string
	WaitForURL      string
	Actions         []schemas.Action
	StorageState    *schemas.StorageState
	CDPEndpoint     string
	UseExistingPage *bool

	// ResourceType drives cache eligibility. Empty means document.
	ResourceType string
}

// TimeoutOr returns o.Timeout, or def when unset.
func (o Options) TimeoutOr(def time.Duration) time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return def
}

// Bool is a helper for optional flags such as UseExistingPage.
func Bool(b bool) *bool { return &b }

// Failure builds the Response an engine returns when nothing was fetched.
func Failure(engineName, url string, err error, elapsed time.Duration) *schemas.Response {
	resp := &schemas.Response{
		URL:     url,
		Engine:  engineName,
		Elapsed: elapsed,
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// Func adapts a function to the Engine interface.
type Func struct {
	Kind string
	Fn   func(ctx context.Context, url string, opts Options) *schemas.Response
}

func (f Func) Name() string { return f.Kind }

func (f Func) Fetch(ctx context.Context, url string, opts Options) *schemas.Response {
	return f.Fn(ctx, url, opts)
}

func (f Func) Close() error { return nil }
