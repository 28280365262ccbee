// File: internal/browser/actions/executor_test.go
package actions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/phantomfetch/api/schemas"
)

func intPtr(i int) *int { return &i }

func waitAction(timeout int, ifSelector string, ifTimeout *int) schemas.Action {
	a := schemas.NewAction(schemas.ActionWait)
	a.Timeout = timeout
	a.IfSelector = ifSelector
	a.IfSelectorTimeout = ifTimeout
	return a
}

func TestConditionalGate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		ifTimeout    *int
		count        int
		waitErr      error
		wantSkipped  bool
		wantGateCall string
	}{
		{name: "absent selector without timeout", count: 0, wantSkipped: true, wantGateCall: "Count"},
		{name: "present selector without timeout", count: 1, wantSkipped: false, wantGateCall: "Count"},
		{name: "wait times out", ifTimeout: intPtr(500), waitErr: errors.New("Timeout"), wantSkipped: true, wantGateCall: "WaitForSelector"},
		{name: "wait succeeds", ifTimeout: intPtr(500), wantSkipped: false, wantGateCall: "WaitForSelector"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			page := newFakePage()
			page.counts["#el"] = tt.count
			if tt.waitErr != nil {
				page.waitErr["#el"] = tt.waitErr
			}

			x := NewExecutor(zaptest.NewLogger(t))
			results := x.Execute(context.Background(), page, []schemas.Action{waitAction(1000, "#el", tt.ifTimeout)})
			require.Len(t, results, 1)
			res := results[0]

			assert.True(t, res.Success)
			assert.Empty(t, res.Error)
			require.NotEmpty(t, page.callsTo(tt.wantGateCall))

			sleeps := page.callsTo("WaitForTimeout")
			if tt.wantSkipped {
				assert.Equal(t, schemas.SkippedConditionNotMet, res.Data)
				assert.Empty(t, sleeps, "a skipped action must not run")
			} else {
				assert.Nil(t, res.Data)
				require.Len(t, sleeps, 1)
				assert.Equal(t, time.Second, sleeps[0].Timeout)
			}

			if tt.ifTimeout != nil {
				gate := page.callsTo("WaitForSelector")
				require.Len(t, gate, 1)
				assert.Equal(t, call{Method: "WaitForSelector", Selector: "#el", State: schemas.StateAttached, Timeout: 500 * time.Millisecond}, gate[0])
				assert.Empty(t, page.callsTo("Count"))
			}
		})
	}
}

func TestConditionCountErrorSkips(t *testing.T) {
	page := newFakePage()
	page.countErr = errors.New("detached frame")

	a := schemas.NewAction(schemas.ActionClick)
	a.Selector = "#btn"
	a.IfSelector = "#btn"

	results := NewExecutor(nil).Execute(context.Background(), page, []schemas.Action{a})
	assert.True(t, results[0].Success)
	assert.Equal(t, schemas.SkippedConditionNotMet, results[0].Data)
	assert.Empty(t, page.callsTo("Click"))
}

func TestWaitVariants(t *testing.T) {
	page := newFakePage()
	x := NewExecutor(zaptest.NewLogger(t))

	hidden := schemas.NewAction(schemas.ActionWait)
	hidden.Selector = "#el"
	hidden.State = schemas.StateHidden

	visible := schemas.NewAction(schemas.ActionWait)
	visible.Selector = "#other"
	visible.Timeout = 2500

	results := x.Execute(context.Background(), page, []schemas.Action{hidden, visible})
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.True(t, results[1].Success)

	waits := page.callsTo("WaitForSelector")
	require.Len(t, waits, 2)
	assert.Equal(t, call{Method: "WaitForSelector", Selector: "#el", State: schemas.StateHidden, Timeout: 30 * time.Second}, waits[0])
	assert.Equal(t, call{Method: "WaitForSelector", Selector: "#other", State: schemas.StateVisible, Timeout: 2500 * time.Millisecond}, waits[1])
}

func TestScroll(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		action     schemas.Action
		wantScript string
		wantInView string
	}{
		{name: "coordinates", action: schemas.Action{Action: schemas.ActionScroll, X: intPtr(100), Y: intPtr(200)}, wantScript: "window.scrollTo(100, 200)"},
		{name: "only y", action: schemas.Action{Action: schemas.ActionScroll, Y: intPtr(50)}, wantScript: "window.scrollTo(0, 50)"},
		{name: "top", action: schemas.Action{Action: schemas.ActionScroll, Selector: "top"}, wantScript: "window.scrollTo(0, 0)"},
		{name: "bottom", action: schemas.Action{Action: schemas.ActionScroll, Selector: "bottom"}, wantScript: "window.scrollTo(0, document.body.scrollHeight)"},
		{name: "element", action: schemas.Action{Action: schemas.ActionScroll, Selector: "#footer"}, wantInView: "#footer"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			page := newFakePage()
			results := NewExecutor(nil).Execute(context.Background(), page, []schemas.Action{tt.action})
			require.True(t, results[0].Success, results[0].Error)

			if tt.wantScript != "" {
				evals := page.callsTo("Evaluate")
				require.Len(t, evals, 1)
				assert.Equal(t, tt.wantScript, evals[0].Value)
				assert.Empty(t, page.callsTo("ScrollIntoView"))
			} else {
				views := page.callsTo("ScrollIntoView")
				require.Len(t, views, 1)
				assert.Equal(t, tt.wantInView, views[0].Selector)
			}
		})
	}

	page := newFakePage()
	results := NewExecutor(nil).Execute(context.Background(), page, []schemas.Action{{Action: schemas.ActionScroll}})
	assert.False(t, results[0].Success)
}

func TestElementActions(t *testing.T) {
	page := newFakePage()
	x := NewExecutor(nil)

	actions := []schemas.Action{
		{Action: schemas.ActionClick, Selector: "#go", Timeout: 1000},
		{Action: schemas.ActionInput, Selector: "#q", Value: "golang", Timeout: 1000},
		{Action: schemas.ActionHover, Selector: "#menu", Timeout: 1000},
		{Action: schemas.ActionSelect, Selector: "#lang", Value: "en", Timeout: 1000},
		{Action: schemas.ActionWaitForLoad},
	}
	results := x.Execute(context.Background(), page, actions)
	require.Len(t, results, len(actions))
	for i, r := range results {
		assert.True(t, r.Success, "action %d: %s", i, r.Error)
		assert.Equal(t, actions[i].Action, r.Action)
	}

	assert.Equal(t, []call{
		{Method: "Click", Selector: "#go", Timeout: time.Second},
		{Method: "Fill", Selector: "#q", Value: "golang", Timeout: time.Second},
		{Method: "Hover", Selector: "#menu", Timeout: time.Second},
		{Method: "SelectOption", Selector: "#lang", Value: "en", Timeout: time.Second},
		{Method: "WaitForLoad", Timeout: 30 * time.Second},
	}, page.Calls())
}

func TestFailureDoesNotAbortSequence(t *testing.T) {
	page := newFakePage()
	page.clickFn = func(selector string) error {
		if selector == "#missing" {
			return errors.New("no node found")
		}
		return nil
	}
	page.panicOnHover = true

	actions := []schemas.Action{
		{Action: schemas.ActionClick, Selector: "#missing"},
		{Action: schemas.ActionHover, Selector: "#boom"},
		{Action: "teleport"},
		{Action: schemas.ActionClick},
		{Action: schemas.ActionClick, Selector: "#ok"},
	}
	results := NewExecutor(zaptest.NewLogger(t)).Execute(context.Background(), page, actions)
	require.Len(t, results, 5)

	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "no node found")
	assert.False(t, results[1].Success)
	assert.Contains(t, results[1].Error, "panic")
	assert.False(t, results[2].Success)
	assert.Contains(t, results[2].Error, "unknown action")
	assert.False(t, results[3].Success)
	assert.True(t, results[4].Success)
}

func TestEvaluateAndScreenshot(t *testing.T) {
	page := newFakePage()
	page.evalResult = map[string]any{"title": "Example"}
	page.png = []byte{0x89, 'P', 'N', 'G'}

	results := NewExecutor(nil).Execute(context.Background(), page, []schemas.Action{
		{Action: schemas.ActionEvaluate, Value: "({title: document.title})"},
		{Action: schemas.ActionScreenshot},
		{Action: schemas.ActionEvaluate},
	})

	assert.True(t, results[0].Success)
	assert.Equal(t, map[string]any{"title": "Example"}, results[0].Data)
	assert.True(t, results[1].Success)
	assert.Equal(t, "iVBORw==", results[1].Data)
	assert.False(t, results[2].Success)
}

func TestExtractAction(t *testing.T) {
	page := newFakePage()
	page.content = `<html><body><h1> Hello   World </h1><a class="n" href="/a">A</a><a class="n" href="/b">B</a></body></html>`

	results := NewExecutor(nil).Execute(context.Background(), page, []schemas.Action{{
		Action: schemas.ActionExtract,
		Schema: map[string]any{
			"title": "h1",
			"first": "a.n@href",
			"links": map[string]any{"selector": "a.n", "attr": "href", "all": true},
		},
	}})

	require.True(t, results[0].Success, results[0].Error)
	assert.Equal(t, map[string]any{
		"title": "Hello World",
		"first": "/a",
		"links": []any{"/a", "/b"},
	}, results[0].Data)

	page.contentErr = errors.New("target closed")
	results = NewExecutor(nil).Execute(context.Background(), page, []schemas.Action{{Action: schemas.ActionExtract, Schema: map[string]any{"t": "h1"}}})
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "target closed")
}

func TestSolveCaptcha(t *testing.T) {
	page := newFakePage()

	var seen schemas.Action
	var seenPage Page
	solved := NewExecutor(nil, WithSolver(SolverFunc(func(ctx context.Context, p Page, a schemas.Action) (string, error) {
		seen, seenPage = a, p
		return "solved_token", nil
	})))
	results := solved.Execute(context.Background(), page, []schemas.Action{{Action: schemas.ActionSolveCaptcha, APIKey: "12345", Provider: "2captcha"}})
	assert.True(t, results[0].Success)
	assert.Equal(t, "solved_token", results[0].Data)
	assert.Equal(t, "12345", seen.APIKey)
	assert.Same(t, page, seenPage)

	empty := NewExecutor(nil, WithSolver(SolverFunc(func(context.Context, Page, schemas.Action) (string, error) {
		return "", nil
	})))
	results = empty.Execute(context.Background(), page, []schemas.Action{{Action: schemas.ActionSolveCaptcha, APIKey: "12345"}})
	assert.False(t, results[0].Success)
	assert.Equal(t, ErrCaptchaFailed, results[0].Error)

	failing := NewExecutor(nil, WithSolver(SolverFunc(func(context.Context, Page, schemas.Action) (string, error) {
		return "", errors.New("provider unreachable")
	})))
	results = failing.Execute(context.Background(), page, []schemas.Action{{Action: schemas.ActionSolveCaptcha}})
	assert.False(t, results[0].Success)
	assert.Equal(t, ErrCaptchaFailed, results[0].Error)
}

func TestSolveCaptchaRegistry(t *testing.T) {
	const provider = "test-provider"
	var gotKey string
	RegisterSolver(provider, func(apiKey string) (Solver, error) {
		gotKey = apiKey
		return SolverFunc(func(context.Context, Page, schemas.Action) (string, error) { return "tok", nil }), nil
	})
	t.Cleanup(func() { UnregisterSolver(provider) })

	assert.Contains(t, Providers(), provider)

	x := NewExecutor(nil, WithCaptchaDefaults(provider, "default-key"))
	results := x.Execute(context.Background(), newFakePage(), []schemas.Action{{Action: schemas.ActionSolveCaptcha}})
	assert.True(t, results[0].Success)
	assert.Equal(t, "tok", results[0].Data)
	assert.Equal(t, "default-key", gotKey)

	results = x.Execute(context.Background(), newFakePage(), []schemas.Action{{Action: schemas.ActionSolveCaptcha, Provider: "nobody"}})
	assert.False(t, results[0].Success)
	assert.Equal(t, ErrCaptchaFailed, results[0].Error)

	_, err := LookupSolver("nobody", "")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestCancelledContext(t *testing.T) {
	page := newFakePage()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := NewExecutor(nil).Execute(ctx, page, []schemas.Action{
		{Action: schemas.ActionClick, Selector: "#a"},
		{Action: schemas.ActionClick, Selector: "#b"},
	})
	require.Len(t, results, 2)
	for _, r := range results {
		assert.False(t, r.Success)
		assert.Equal(t, context.Canceled.Error(), r.Error)
	}
	assert.Empty(t, page.Calls())
}
