package order

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownAction reports action text outside NEW/RENEW/REVISE/DISCONTINUE.
var ErrUnknownAction = errors.New("unknown order action")

// Action is the lifecycle operation an order was created with.
type Action uint8

const (
	ActionUnknown Action = iota
	ActionNew
	ActionRenew
	ActionRevise
	ActionDiscontinue
)

// revisionActions is the fixed evaluation order of the eligibility resolver.
var revisionActions = [...]Action{ActionRenew, ActionRevise, ActionDiscontinue}

// ParseAction converts action text to an Action.
func ParseAction(s string) (Action, error) {
	switch s {
	case "NEW":
		return ActionNew, nil
	case "RENEW":
		return ActionRenew, nil
	case "REVISE":
		return ActionRevise, nil
	case "DISCONTINUE":
		return ActionDiscontinue, nil
	}
	return ActionUnknown, fmt.Errorf("%w: %q", ErrUnknownAction, s)
}

func (a Action) String() string {
	switch a {
	case ActionNew:
		return "NEW"
	case ActionRenew:
		return "RENEW"
	case ActionRevise:
		return "REVISE"
	case ActionDiscontinue:
		return "DISCONTINUE"
	default:
		return ""
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unrecognised text decodes
// to ActionUnknown so a malformed record never fails the whole payload.
func (a *Action) UnmarshalText(text []byte) error {
	parsed, err := ParseAction(string(text))
	if err != nil {
		*a = ActionUnknown
		return nil
	}
	*a = parsed
	return nil
}

// ActionSet is the set of actions a form is configured to support.
type ActionSet uint8

// NewActionSet builds a set from the given actions.
func NewActionSet(actions ...Action) ActionSet {
	var s ActionSet
	for _, a := range actions {
		s = s.With(a)
	}
	return s
}

// AllActions supports every lifecycle action.
func AllActions() ActionSet {
	return NewActionSet(ActionNew, ActionRenew, ActionRevise, ActionDiscontinue)
}

// With returns s plus a.
func (s ActionSet) With(a Action) ActionSet {
	if a == ActionUnknown {
		return s
	}
	return s | 1<<a
}

// Has reports whether a is in the set.
func (s ActionSet) Has(a Action) bool {
	return a != ActionUnknown && s&(1<<a) != 0
}

// Actions lists members in NEW, RENEW, REVISE, DISCONTINUE order.
func (s ActionSet) Actions() []Action {
	out := make([]Action, 0, 4)
	for _, a := range []Action{ActionNew, ActionRenew, ActionRevise, ActionDiscontinue} {
		if s.Has(a) {
			out = append(out, a)
		}
	}
	return out
}

// MarshalJSON encodes the set as an array of action names.
func (s ActionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Actions())
}

// UnmarshalJSON decodes an array of action names, skipping unknown entries.
func (s *ActionSet) UnmarshalJSON(data []byte) error {
	var actions []Action
	if err := json.Unmarshal(data, &actions); err != nil {
		return fmt.Errorf("decode supported actions: %w", err)
	}
	*s = NewActionSet(actions...)
	return nil
}
