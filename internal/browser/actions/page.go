// File: internal/browser/actions/page.go
package actions

import (
	"context"
	"time"
)

// Page is the subset of a live browser page the executor drives. The CDP
// tab implements it; tests substitute a recording fake.
//
// Element operations take the timeout of the action that triggered them.
// Implementations must return promptly once ctx is done.
type Page interface {
	// URL returns the last known page URL without touching the browser.
	URL() string

	// Count returns the number of elements currently matching selector.
	Count(ctx context.Context, selector string) (int, error)

	// WaitForSelector blocks until selector reaches state (visible, hidden,
	// attached, detached) or timeout elapses.
	WaitForSelector(ctx context.Context, selector, state string, timeout time.Duration) error

	// WaitForTimeout sleeps for d.
	WaitForTimeout(ctx context.Context, d time.Duration) error

	// WaitForLoad blocks until the document reaches the load readiness state.
	WaitForLoad(ctx context.Context, timeout time.Duration) error

	Click(ctx context.Context, selector string, timeout time.Duration) error
	Fill(ctx context.Context, selector, value string, timeout time.Duration) error
	Hover(ctx context.Context, selector string, timeout time.Duration) error
	SelectOption(ctx context.Context, selector, value string, timeout time.Duration) error
	ScrollIntoView(ctx context.Context, selector string, timeout time.Duration) error

	// Evaluate runs script in the page and returns its JSON-decoded result.
	Evaluate(ctx context.Context, script string) (any, error)

	// Content returns the serialized DOM of the page.
	Content(ctx context.Context) (string, error)

	// Screenshot captures the viewport as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
}
