// File: internal/browser/actions/executor.go
package actions

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/phantomfetch/api/schemas"
)

// ErrCaptchaFailed is the error text reported by a failed solve_captcha action.
const ErrCaptchaFailed = "Failed to solve CAPTCHA"

var errSelectorRequired = errors.New("selector is required")

// Executor runs scripted actions against a Page.
type Executor struct {
	logger *zap.Logger
	solver Solver

	// Defaults applied to solve_captcha actions that do not name their own.
	provider string
	apiKey   string
}

// Option configures an Executor.
type Option func(*Executor)

// WithSolver injects a solver used for every solve_captcha action, bypassing
// the provider registry.
func WithSolver(s Solver) Option {
	return func(x *Executor) { x.solver = s }
}

// WithCaptchaDefaults sets the provider and API key used when an action
// leaves them empty.
func WithCaptchaDefaults(provider, apiKey string) Option {
	return func(x *Executor) {
		x.provider = provider
		x.apiKey = apiKey
	}
}

// NewExecutor creates an action executor.
func NewExecutor(logger *zap.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	x := &Executor{logger: logger.Named("actions")}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Execute runs actions in order against page and returns one result per
// action, in the same order. A failing action is recorded and the next one
// still runs.
func (x *Executor) Execute(ctx context.Context, page Page, actions []schemas.Action) []schemas.ActionResult {
	results := make([]schemas.ActionResult, 0, len(actions))
	for i, a := range actions {
		res := x.run(ctx, page, a)
		if !res.Success {
			x.logger.Debug("Action failed.",
				zap.Int("index", i),
				zap.String("action", string(a.Action)),
				zap.String("selector", a.Selector),
				zap.String("error", res.Error))
		}
		results = append(results, res)
	}
	return results
}

// run executes one action. Panics from the page implementation are turned
// into failed results.
func (x *Executor) run(ctx context.Context, page Page, a schemas.Action) (res schemas.ActionResult) {
	res.Action = a.Action
	defer func() {
		if r := recover(); r != nil {
			x.logger.Error("Recovered from panic during action.", zap.String("action", string(a.Action)), zap.Any("panic", r))
			res = schemas.ActionResult{Action: a.Action, Error: fmt.Sprintf("panic: %v", r)}
		}
	}()

	if err := ctx.Err(); err != nil {
		res.Error = err.Error()
		return res
	}

	if a.IfSelector != "" && !x.conditionMet(ctx, page, a) {
		res.Success = true
		res.Data = schemas.SkippedConditionNotMet
		return res
	}

	data, err := x.dispatch(ctx, page, a)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	res.Data = data
	return res
}

// conditionMet resolves the if_selector gate. Without an explicit timeout it
// is an immediate presence check; with one it waits for the element to attach.
func (x *Executor) conditionMet(ctx context.Context, page Page, a schemas.Action) bool {
	if a.IfSelectorTimeout == nil {
		n, err := page.Count(ctx, a.IfSelector)
		if err != nil {
			x.logger.Debug("Condition check failed.", zap.String("if_selector", a.IfSelector), zap.Error(err))
			return false
		}
		return n > 0
	}
	timeout := time.Duration(*a.IfSelectorTimeout) * time.Millisecond
	if err := page.WaitForSelector(ctx, a.IfSelector, schemas.StateAttached, timeout); err != nil {
		x.logger.Debug("Condition not met within timeout.", zap.String("if_selector", a.IfSelector), zap.Error(err))
		return false
	}
	return true
}

func (x *Executor) dispatch(ctx context.Context, page Page, a schemas.Action) (any, error) {
	timeout := actionTimeout(a)

	switch a.Action {
	case schemas.ActionWait:
		if a.Selector == "" {
			return nil, page.WaitForTimeout(ctx, time.Duration(a.Timeout)*time.Millisecond)
		}
		state := a.State
		if state == "" {
			state = schemas.StateVisible
		}
		return nil, page.WaitForSelector(ctx, a.Selector, state, timeout)

	case schemas.ActionClick:
		if a.Selector == "" {
			return nil, errSelectorRequired
		}
		return nil, page.Click(ctx, a.Selector, timeout)

	case schemas.ActionInput:
		if a.Selector == "" {
			return nil, errSelectorRequired
		}
		return nil, page.Fill(ctx, a.Selector, a.Value, timeout)

	case schemas.ActionHover:
		if a.Selector == "" {
			return nil, errSelectorRequired
		}
		return nil, page.Hover(ctx, a.Selector, timeout)

	case schemas.ActionSelect:
		if a.Selector == "" {
			return nil, errSelectorRequired
		}
		return nil, page.SelectOption(ctx, a.Selector, a.Value, timeout)

	case schemas.ActionScroll:
		return nil, scroll(ctx, page, a, timeout)

	case schemas.ActionScreenshot:
		png, err := page.Screenshot(ctx)
		if err != nil {
			return nil, err
		}
		return base64.StdEncoding.EncodeToString(png), nil

	case schemas.ActionWaitForLoad:
		return nil, page.WaitForLoad(ctx, timeout)

	case schemas.ActionEvaluate:
		if a.Value == "" {
			return nil, errors.New("evaluate requires a script in value")
		}
		return page.Evaluate(ctx, a.Value)

	case schemas.ActionExtract:
		if len(a.Schema) == 0 {
			return nil, errors.New("extract requires a schema")
		}
		html, err := page.Content(ctx)
		if err != nil {
			return nil, err
		}
		return Extract(html, a.Schema)

	case schemas.ActionSolveCaptcha:
		token, err := x.solveCaptcha(ctx, page, a)
		if err != nil || token == "" {
			x.logger.Warn("CAPTCHA solve failed.", zap.String("provider", a.Provider), zap.Error(err))
			return nil, errors.New(ErrCaptchaFailed)
		}
		return token, nil

	default:
		return nil, fmt.Errorf("unknown action %q", a.Action)
	}
}

func scroll(ctx context.Context, page Page, a schemas.Action, timeout time.Duration) error {
	switch {
	case a.X != nil || a.Y != nil:
		var xPos, yPos int
		if a.X != nil {
			xPos = *a.X
		}
		if a.Y != nil {
			yPos = *a.Y
		}
		_, err := page.Evaluate(ctx, fmt.Sprintf("window.scrollTo(%d, %d)", xPos, yPos))
		return err
	case a.Selector == "top":
		_, err := page.Evaluate(ctx, "window.scrollTo(0, 0)")
		return err
	case a.Selector == "bottom":
		_, err := page.Evaluate(ctx, "window.scrollTo(0, document.body.scrollHeight)")
		return err
	case a.Selector != "":
		return page.ScrollIntoView(ctx, a.Selector, timeout)
	default:
		return errors.New("scroll requires a selector or coordinates")
	}
}

func (x *Executor) solveCaptcha(ctx context.Context, page Page, a schemas.Action) (string, error) {
	solver := x.solver
	if solver == nil {
		provider := a.Provider
		if provider == "" {
			provider = x.provider
		}
		apiKey := a.APIKey
		if apiKey == "" {
			apiKey = x.apiKey
		}
		var err error
		solver, err = LookupSolver(provider, apiKey)
		if err != nil {
			return "", err
		}
	}
	if a.APIKey == "" && x.apiKey != "" {
		a.APIKey = x.apiKey
	}
	return solver.Solve(ctx, page, a)
}

// actionTimeout converts the action's millisecond timeout; zero means the default.
func actionTimeout(a schemas.Action) time.Duration {
	ms := a.Timeout
	if ms <= 0 {
		ms = schemas.DefaultActionTimeout
	}
	return time.Duration(ms) * time.Millisecond
}
