// File: api/schemas/action.go
package schemas

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ActionType discriminates the kind of a scripted page step.
type ActionType string

const (
	ActionWait         ActionType = "wait"
	ActionClick        ActionType = "click"
	ActionInput        ActionType = "input"
	ActionScroll       ActionType = "scroll"
	ActionHover        ActionType = "hover"
	ActionSelect       ActionType = "select"
	ActionScreenshot   ActionType = "screenshot"
	ActionWaitForLoad  ActionType = "wait_for_load"
	ActionEvaluate     ActionType = "evaluate"
	ActionExtract      ActionType = "extract"
	ActionSolveCaptcha ActionType = "solve_captcha"
)

// Selector states understood by wait actions and conditional gates.
const (
	StateVisible  = "visible"
	StateHidden   = "hidden"
	StateAttached = "attached"
	StateDetached = "detached"
)

// DefaultActionTimeout is applied to actions that do not carry their own, in milliseconds.
const DefaultActionTimeout = 30000

// SkippedConditionNotMet is the payload of an action whose if_selector gate failed.
const SkippedConditionNotMet = "Skipped (condition not met)"

// ErrInvalidAction is wrapped by every validation failure.
var ErrInvalidAction = errors.New("invalid action")

// Action is a single scripted step. The fields are a superset covering every
// kind; each kind reads only the ones it needs.
type Action struct {
	Action            ActionType     `json:"action" validate:"required,oneof=wait click input scroll hover select screenshot wait_for_load evaluate extract solve_captcha"`
	Selector          string         `json:"selector,omitempty"`
	Value             string         `json:"value,omitempty"`
	X                 *int           `json:"x,omitempty"`
	Y                 *int           `json:"y,omitempty"`
	Schema            map[string]any `json:"schema,omitempty"`
	APIKey            string         `json:"api_key,omitempty"`
	Provider          string         `json:"provider,omitempty"`
	State             string         `json:"state,omitempty" validate:"omitempty,oneof=visible hidden attached detached"`
	Timeout           int            `json:"timeout" validate:"gte=0"`
	IfSelector        string         `json:"if_selector,omitempty"`
	IfSelectorTimeout *int           `json:"if_selector_timeout,omitempty" validate:"omitempty,gte=0"`
}

// NewAction returns an action of the given kind with the default timeout.
func NewAction(kind ActionType) Action {
	return Action{Action: kind, Timeout: DefaultActionTimeout}
}

// ActionResult records the outcome of one action. Data is a string, a
// mapping, a list, or nil depending on the kind.
type ActionResult struct {
	Action  ActionType `json:"action"`
	Success bool       `json:"success"`
	Data    any        `json:"data"`
	Error   string     `json:"error,omitempty"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func actionValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the action's invariants: a known kind, a known selector
// state, and non-negative timeouts.
func (a Action) Validate() error {
	if err := actionValidator().Struct(a); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: field %s failed %q (value %v)", ErrInvalidAction, fe.Field(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	return nil
}

// ValidateActions validates every action, reporting the index of the first bad one.
func ValidateActions(actions []Action) error {
	for i, a := range actions {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	return nil
}

// UnmarshalJSON fills the default timeout when the field is absent.
func (a *Action) UnmarshalJSON(data []byte) error {
	type plain Action
	aux := plain{Timeout: DefaultActionTimeout}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*a = Action(aux)
	return nil
}

// DecodeAction parses and validates a single action from untrusted JSON.
func DecodeAction(data []byte) (Action, error) {
	var a Action
	if err := json.Unmarshal(data, &a); err != nil {
		return Action{}, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	if err := a.Validate(); err != nil {
		return Action{}, err
	}
	return a, nil
}

// DecodeActions parses and validates a JSON array of actions.
func DecodeActions(data []byte) ([]Action, error) {
	var actions []Action
	if err := json.Unmarshal(data, &actions); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	if err := ValidateActions(actions); err != nil {
		return nil, err
	}
	return actions, nil
}
