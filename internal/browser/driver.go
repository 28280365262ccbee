// File: internal/browser/driver.go
package browser

import (
	"context"
	"net/http"
	"time"

	"github.com/xkilldash9x/phantomfetch/api/schemas"
	"github.com/xkilldash9x/phantomfetch/internal/browser/actions"
)

// Tab is a live browser page. It extends the action surface with the
// navigation, interception, capture and session operations the engine needs.
type Tab interface {
	actions.Page

	// Goto navigates and returns the main document's status and headers.
	Goto(ctx context.Context, url string) (int, http.Header, error)

	// WaitForURL blocks until the page URL matches the glob pattern while the
	// document is at least DOMContentLoaded, or timeout elapses.
	WaitForURL(ctx context.Context, pattern string, timeout time.Duration) error

	// SetRoute installs handler for every request the page makes. A nil
	// handler removes interception.
	SetRoute(ctx context.Context, handler RouteHandler) error

	// StartCapture begins recording network exchanges. The returned stop
	// function ends recording and returns the exchanges in completion order.
	StartCapture(captureBodies bool) (stop func() []schemas.NetworkExchange)

	StorageState(ctx context.Context) (*schemas.StorageState, error)
	ApplyStorageState(ctx context.Context, state *schemas.StorageState) error

	Close() error
}

// Driver opens tabs on one browser, local or remote.
type Driver interface {
	// NewTab opens a page in a fresh, isolated browser context. A non-empty
	// proxy routes all of that context's traffic through it.
	NewTab(ctx context.Context, proxy string) (Tab, error)

	// ExistingTab attaches to the first page already open in the browser and
	// returns the same Tab on every call. Closing the driver detaches it.
	ExistingTab(ctx context.Context) (Tab, error)

	Close() error
}

// Dialer connects a Driver. An empty endpoint launches a local browser.
type Dialer func(ctx context.Context, endpoint string) (Driver, error)
