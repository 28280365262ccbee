// File: internal/browser/cdp/capture.go
package cdp

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"go.uber.org/zap"

	"github.com/xkilldash9x/phantomfetch/api/schemas"
)

// requestState follows one request from send to completion.
type requestState struct {
	exchange schemas.NetworkExchange
	started  *cdp.MonotonicTime
}

// capture records network exchanges in completion order. It is fed from the
// tab's event listener and fetches bodies in the background.
type capture struct {
	logger        *zap.Logger
	captureBodies bool
	// fetchBody retrieves a response body. Nil disables body capture.
	fetchBody func(ctx context.Context, id network.RequestID) ([]byte, error)
	// exec supplies the parent context for body fetches.
	exec func() context.Context

	mu        sync.Mutex
	pending   map[network.RequestID]*requestState
	exchanges []schemas.NetworkExchange
	stopped   bool

	wg sync.WaitGroup
}

func newCapture(logger *zap.Logger, captureBodies bool, fetchBody func(context.Context, network.RequestID) ([]byte, error)) *capture {
	return &capture{
		logger:        logger.Named("capture"),
		captureBodies: captureBodies && fetchBody != nil,
		fetchBody:     fetchBody,
		pending:       make(map[network.RequestID]*requestState),
	}
}

// StartCapture implements browser.Tab.
func (t *Tab) StartCapture(captureBodies bool) func() []schemas.NetworkExchange {
	c := newCapture(t.logger, captureBodies, func(ctx context.Context, id network.RequestID) ([]byte, error) {
		return network.GetResponseBody(id).Do(ctx)
	})
	c.exec = t.executor

	t.mu.Lock()
	prev := t.capture
	t.capture = c
	t.mu.Unlock()
	if prev != nil {
		prev.stop(0)
	}

	return func() []schemas.NetworkExchange {
		t.mu.Lock()
		if t.capture == c {
			t.capture = nil
		}
		t.mu.Unlock()
		return c.stop(bodyFetchTimeout)
	}
}

func (c *capture) handle(ev any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if e.RedirectResponse != nil {
			if prev, ok := c.pending[e.RequestID]; ok {
				applyResponse(&prev.exchange, e.RedirectResponse)
				c.complete(prev, e.Timestamp)
			}
		}
		st := &requestState{
			exchange: schemas.NetworkExchange{
				URL:            e.Request.URL,
				Method:         e.Request.Method,
				ResourceType:   resourceTypeName(e.Type),
				RequestHeaders: headerMap(e.Request.Headers),
			},
			started: e.Timestamp,
		}
		if e.WallTime != nil {
			st.exchange.StartedAt = e.WallTime.Time()
		}
		c.pending[e.RequestID] = st

	case *network.EventResponseReceived:
		if st, ok := c.pending[e.RequestID]; ok && e.Response != nil {
			applyResponse(&st.exchange, e.Response)
			if st.exchange.ResourceType == schemas.ResourceOther && e.Type != "" {
				st.exchange.ResourceType = resourceTypeName(e.Type)
			}
		}

	case *network.EventLoadingFinished:
		st, ok := c.pending[e.RequestID]
		if !ok {
			return
		}
		delete(c.pending, e.RequestID)
		if st.exchange.Status == 0 {
			return
		}
		idx := c.complete(st, e.Timestamp)
		if c.captureBodies && !strings.HasPrefix(st.exchange.URL, "data:") {
			c.wg.Add(1)
			go c.loadBody(idx, e.RequestID)
		}

	case *network.EventLoadingFailed:
		if st, ok := c.pending[e.RequestID]; ok {
			delete(c.pending, e.RequestID)
			c.logger.Debug("Request failed before completing.",
				zap.String("url", st.exchange.URL),
				zap.String("error", e.ErrorText),
				zap.Bool("blocked", e.BlockedReason != ""))
		}
	}
}

// complete appends the exchange and returns its index. Callers hold c.mu.
func (c *capture) complete(st *requestState, finished *cdp.MonotonicTime) int {
	if st.started != nil && finished != nil {
		if d := finished.Time().Sub(st.started.Time()); d > 0 {
			st.exchange.Duration = d
		}
	}
	c.exchanges = append(c.exchanges, st.exchange)
	return len(c.exchanges) - 1
}

func (c *capture) loadBody(idx int, id network.RequestID) {
	defer c.wg.Done()
	parent := context.Background()
	if c.exec != nil {
		parent = c.exec()
	}
	ctx, cancel := context.WithTimeout(parent, bodyFetchTimeout)
	defer cancel()

	body, err := c.fetchBody(ctx, id)
	if err != nil {
		c.logger.Debug("Failed to fetch response body.", zap.String("reqID", string(id)), zap.Error(err))
		return
	}
	c.mu.Lock()
	c.exchanges[idx].ResponseBody = string(body)
	c.mu.Unlock()
}

// stop ends recording, waits up to wait for outstanding body fetches and
// returns a copy of the exchanges.
func (c *capture) stop(wait time.Duration) []schemas.NetworkExchange {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	if wait > 0 {
		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			c.logger.Warn("Capture stopped before all bodies were fetched. Network log may be incomplete.")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]schemas.NetworkExchange(nil), c.exchanges...)
}

func applyResponse(ex *schemas.NetworkExchange, resp *network.Response) {
	ex.Status = int(resp.Status)
	ex.ResponseHeaders = headerMap(resp.Headers)
}
