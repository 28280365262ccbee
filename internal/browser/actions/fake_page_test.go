package actions

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// call records one invocation on fakePage.
type call struct {
	Method   string
	Selector string
	Value    string
	State    string
	Timeout  time.Duration
}

// fakePage is a recording Page. Per-method behavior is overridden through
// the func fields; unset funcs succeed.
type fakePage struct {
	mu    sync.Mutex
	calls []call

	url     string
	counts  map[string]int
	content string
	png     []byte

	countErr     error
	waitErr      map[string]error
	evalResult   any
	evalErr      error
	contentErr   error
	clickFn      func(selector string) error
	panicOnHover bool
}

func newFakePage() *fakePage {
	return &fakePage{url: "https://example.com/", counts: map[string]int{}, waitErr: map[string]error{}}
}

func (p *fakePage) record(c call) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, c)
}

func (p *fakePage) Calls() []call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]call(nil), p.calls...)
}

func (p *fakePage) callsTo(method string) []call {
	var out []call
	for _, c := range p.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (p *fakePage) URL() string { return p.url }

func (p *fakePage) Count(ctx context.Context, selector string) (int, error) {
	p.record(call{Method: "Count", Selector: selector})
	if p.countErr != nil {
		return 0, p.countErr
	}
	return p.counts[selector], nil
}

func (p *fakePage) WaitForSelector(ctx context.Context, selector, state string, timeout time.Duration) error {
	p.record(call{Method: "WaitForSelector", Selector: selector, State: state, Timeout: timeout})
	return p.waitErr[selector]
}

func (p *fakePage) WaitForTimeout(ctx context.Context, d time.Duration) error {
	p.record(call{Method: "WaitForTimeout", Timeout: d})
	return nil
}

func (p *fakePage) WaitForLoad(ctx context.Context, timeout time.Duration) error {
	p.record(call{Method: "WaitForLoad", Timeout: timeout})
	return nil
}

func (p *fakePage) Click(ctx context.Context, selector string, timeout time.Duration) error {
	p.record(call{Method: "Click", Selector: selector, Timeout: timeout})
	if p.clickFn != nil {
		return p.clickFn(selector)
	}
	return nil
}

func (p *fakePage) Fill(ctx context.Context, selector, value string, timeout time.Duration) error {
	p.record(call{Method: "Fill", Selector: selector, Value: value, Timeout: timeout})
	return nil
}

func (p *fakePage) Hover(ctx context.Context, selector string, timeout time.Duration) error {
	p.record(call{Method: "Hover", Selector: selector, Timeout: timeout})
	if p.panicOnHover {
		panic(fmt.Sprintf("hover exploded on %s", selector))
	}
	return nil
}

func (p *fakePage) SelectOption(ctx context.Context, selector, value string, timeout time.Duration) error {
	p.record(call{Method: "SelectOption", Selector: selector, Value: value, Timeout: timeout})
	return nil
}

func (p *fakePage) ScrollIntoView(ctx context.Context, selector string, timeout time.Duration) error {
	p.record(call{Method: "ScrollIntoView", Selector: selector, Timeout: timeout})
	return nil
}

func (p *fakePage) Evaluate(ctx context.Context, script string) (any, error) {
	p.record(call{Method: "Evaluate", Value: script})
	return p.evalResult, p.evalErr
}

func (p *fakePage) Content(ctx context.Context) (string, error) {
	p.record(call{Method: "Content"})
	return p.content, p.contentErr
}

func (p *fakePage) Screenshot(ctx context.Context) ([]byte, error) {
	p.record(call{Method: "Screenshot"})
	return p.png, nil
}

var _ Page = (*fakePage)(nil)
