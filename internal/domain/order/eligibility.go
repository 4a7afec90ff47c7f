package order

// EditKind describes how the server will treat an action taken on an order.
type EditKind uint8

const (
	// EditKindRevision creates a new order that revises the existing one.
	EditKindRevision EditKind = iota
	// EditKindVoidAndEdit replaces an order placed in the current encounter.
	EditKindVoidAndEdit
	// EditKindVoid deletes an order placed in the current encounter.
	EditKindVoid
)

func (k EditKind) String() string {
	switch k {
	case EditKindVoidAndEdit:
		return "void-and-edit"
	case EditKindVoid:
		return "void"
	default:
		return "revision"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k EditKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *EditKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "void-and-edit":
		*k = EditKindVoidAndEdit
	case "void":
		*k = EditKindVoid
	default:
		*k = EditKindRevision
	}
	return nil
}

// CanEdit reports whether order may receive a revision action. It must be
// visible and must not have been superseded by another order in the history.
func CanEdit(order Record, cfg *Config, onDate Date) bool {
	if !ShouldRenderOrder(order, cfg, onDate) {
		return false
	}
	return !cfg.History.IsRevised(order.OrderID)
}

// SupportedActions lists the revision actions legal on order, always in the
// order RENEW, REVISE, DISCONTINUE.
func SupportedActions(order Record, cfg *Config, onDate Date) []Action {
	actions := make([]Action, 0, len(revisionActions))
	if !CanEdit(order, cfg, onDate) {
		return actions
	}
	for _, a := range revisionActions {
		if allows(a, order, cfg) {
			actions = append(actions, a)
		}
	}
	return actions
}

func allows(a Action, order Record, cfg *Config) bool {
	if !cfg.Supports(a) {
		return false
	}
	inEncounter := InCurrentEncounter(order, cfg)
	current := order.Action.Value

	switch a {
	case ActionRenew:
		if current == ActionDiscontinue {
			return false
		}
		switch cfg.Rules {
		case RulesInEncounterEdit:
			return !inEncounter || current == ActionRenew
		default:
			return !inEncounter
		}
	case ActionRevise:
		if current == ActionDiscontinue {
			return false
		}
		switch cfg.Rules {
		case RulesInEncounterEdit:
			return !inEncounter || current == ActionNew || current == ActionRevise
		default:
			return true
		}
	case ActionDiscontinue:
		return inEncounter || current != ActionDiscontinue
	case ActionNew, ActionUnknown:
		return false
	}
	return false
}

// EditKindOf classifies an action offered on order so the view layer can
// label it as a plain revision, an in-place edit or a deletion.
func EditKindOf(order Record, cfg *Config, action Action) EditKind {
	if !InCurrentEncounter(order, cfg) {
		return EditKindRevision
	}
	current := order.Action.Value
	switch action {
	case ActionDiscontinue:
		return EditKindVoid
	case ActionRevise:
		if current == ActionNew || current == ActionRevise {
			return EditKindVoidAndEdit
		}
	case ActionRenew:
		if current == ActionRenew {
			return EditKindVoidAndEdit
		}
	case ActionNew, ActionUnknown:
	}
	return EditKindRevision
}

// RetrospectiveActions computes the actions available on a per-drug section
// given the last rendered order, in the order NEW, REVISE, RENEW, DISCONTINUE.
// A nil last means the drug has no order to act on yet. RENEW requires the
// last order to have started strictly before encDate; REVISE and DISCONTINUE
// accept a same-day start.
func RetrospectiveActions(last *Record, encDate Date) []Action {
	actions := make([]Action, 0, 4)

	var start, stop Date
	if last != nil {
		start = last.EffectiveStartDate.Value
		stop = last.EffectiveStopDate.Value
	}

	if start.IsZero() || (!stop.IsZero() && stop.OnOrBefore(encDate)) {
		actions = append(actions, ActionNew)
	}

	if start.IsZero() || last.Action.Value == ActionDiscontinue {
		return actions
	}
	if start.OnOrBefore(encDate) {
		actions = append(actions, ActionRevise)
	}
	if start.Before(encDate) {
		actions = append(actions, ActionRenew)
	}
	if start.OnOrBefore(encDate) {
		actions = append(actions, ActionDiscontinue)
	}
	return actions
}
