package section

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/drfirst/go-orderwidget/internal/domain/order"
)

var (
	// ErrSectionNotFound is returned when no events exist for a section.
	ErrSectionNotFound = errors.New("order section not found")
	// ErrSectionOpen is returned when Open is called twice.
	ErrSectionOpen = errors.New("order section already opened")
	// ErrSectionNotOpen is returned for commands on an unopened section.
	ErrSectionNotOpen = errors.New("order section not opened")
	// ErrActionNotAllowed is returned when the action is not offered.
	ErrActionNotAllowed = errors.New("action not allowed for order section")
	// ErrNoActionSelected is returned when editing without a selected action.
	ErrNoActionSelected = errors.New("no action selected")
	// ErrFieldNotEditable is returned for fields the selected action hides.
	ErrFieldNotEditable = errors.New("field not editable for selected action")
	// ErrConcurrentModification is returned by Save when another command
	// stored the same section version first.
	ErrConcurrentModification = errors.New("order section modified concurrently")
)

// Status represents the section session state
type Status string

const (
	StatusNew     Status = "new"
	StatusIdle    Status = "idle"
	StatusEditing Status = "editing"
)

// editableFields are the pending-order inputs of a drug order section.
var editableFields = map[string]bool{
	"careSetting": true, "drug": true, "drugNonCoded": true, "dosingType": true,
	"dose": true, "doseUnits": true, "route": true, "frequency": true,
	"asNeeded": true, "asNeededCondition": true, "instructions": true,
	"dosingInstructions": true, "quantity": true, "quantityUnits": true,
	"numRefills": true, "duration": true, "durationUnits": true, "urgency": true,
	"scheduledDate": true, "orderReason": true, "orderReasonNonCoded": true,
	"discontinueReason": true, "discontinueReasonNonCoded": true,
}

// actionFields limits the inputs shown for an action. Actions missing here
// may edit every field.
var actionFields = map[order.Action]map[string]bool{
	order.ActionDiscontinue: {
		"discontinueReason":         true,
		"discontinueReasonNonCoded": true,
	},
	order.ActionRenew: {
		"duration": true, "durationUnits": true,
		"quantity": true, "quantityUnits": true,
		"numRefills": true,
	},
}

// PendingOrder is the form-input state for the selected action. It is not an
// order record until the form is submitted.
type PendingOrder struct {
	Action          order.Action      `json:"action"`
	EditKind        order.EditKind    `json:"editKind"`
	PreviousOrderID string            `json:"previousOrderId,omitempty"`
	ConceptID       string            `json:"conceptId,omitempty"`
	Fields          map[string]string `json:"fields"`
}

// Aggregate is one rendered order section and its ephemeral action state.
type Aggregate struct {
	id            string
	version       int
	status        Status
	fieldName     string
	encounterID   string
	orderID       string
	conceptID     string
	encounterDate order.Date
	allowed       []ActionOption
	selected      ActionOption
	pending       map[string]string
	createdAt     time.Time
	updatedAt     time.Time
	changes       []*Event
}

// NewAggregate creates an unopened section aggregate
func NewAggregate(id string) *Aggregate {
	now := time.Now().UTC()
	return &Aggregate{
		id:        id,
		status:    StatusNew,
		pending:   map[string]string{},
		createdAt: now,
		updatedAt: now,
		changes:   make([]*Event, 0),
	}
}

// ID returns the aggregate ID
func (a *Aggregate) ID() string { return a.id }

// Version returns the current version
func (a *Aggregate) Version() int { return a.version }

// Status returns the current status
func (a *Aggregate) Status() Status { return a.status }

// EncounterID returns the encounter the section belongs to.
func (a *Aggregate) EncounterID() string { return a.encounterID }

// FieldName returns the form field the section renders.
func (a *Aggregate) FieldName() string { return a.fieldName }

// OrderID returns the order the section's actions apply to, if any. For a
// per-drug section it is the last rendered order and follows encounter date
// changes.
func (a *Aggregate) OrderID() string { return a.orderID }

// ConceptID returns the orderable of a per-drug section.
func (a *Aggregate) ConceptID() string { return a.conceptID }

// EncounterDate returns the as-of date of the last render.
func (a *Aggregate) EncounterDate() order.Date { return a.encounterDate }

// AllowedActions returns the actions currently offered.
func (a *Aggregate) AllowedActions() []ActionOption {
	return append([]ActionOption(nil), a.allowed...)
}

// Selected returns the selected action, or ActionUnknown.
func (a *Aggregate) Selected() order.Action { return a.selected.Action }

// UpdatedAt returns the time of the last applied event.
func (a *Aggregate) UpdatedAt() time.Time { return a.updatedAt }

// Changes returns uncommitted events
func (a *Aggregate) Changes() []*Event { return a.changes }

// ClearChanges clears uncommitted events
func (a *Aggregate) ClearChanges() { a.changes = make([]*Event, 0) }

// Pending returns the pending order, or false when no action is selected.
func (a *Aggregate) Pending() (PendingOrder, bool) {
	if a.status != StatusEditing {
		return PendingOrder{}, false
	}
	p := PendingOrder{
		Action:    a.selected.Action,
		EditKind:  a.selected.EditKind,
		ConceptID: a.conceptID,
		Fields:    maps.Clone(a.pending),
	}
	if a.selected.Action != order.ActionNew {
		p.PreviousOrderID = a.orderID
	}
	return p, true
}

// Open records a freshly rendered section.
func (a *Aggregate) Open(data *SectionOpenedData) error {
	if a.status != StatusNew {
		return ErrSectionOpen
	}
	data.SectionID = a.id
	if data.AllowedActions == nil {
		data.AllowedActions = []ActionOption{}
	}
	return a.raise(EventSectionOpened, data)
}

// SelectAction picks one of the offered actions. Input for a previously
// selected action is discarded.
func (a *Aggregate) SelectAction(action order.Action) error {
	if a.status == StatusNew {
		return ErrSectionNotOpen
	}
	opt, ok := a.option(action)
	if !ok {
		return fmt.Errorf("%w: %s", ErrActionNotAllowed, action)
	}
	if a.status == StatusEditing {
		if a.selected.Action == action {
			return nil
		}
		if err := a.discard(DiscardActionChanged); err != nil {
			return err
		}
	}
	return a.raise(EventActionSelected, &ActionSelectedData{Action: opt.Action, EditKind: opt.EditKind})
}

// EditField sets one input of the pending order.
func (a *Aggregate) EditField(name, value string) error {
	if a.status != StatusEditing {
		return ErrNoActionSelected
	}
	if !editableFields[name] {
		return fmt.Errorf("%w: %q", ErrFieldNotEditable, name)
	}
	if only, ok := actionFields[a.selected.Action]; ok && !only[name] {
		return fmt.Errorf("%w: %q for %s", ErrFieldNotEditable, name, a.selected.Action)
	}
	return a.raise(EventPendingOrderEdited, &PendingOrderEditedData{Field: name, Value: value})
}

// ClearAction removes the selected action and its pending input.
func (a *Aggregate) ClearAction() error {
	if a.status != StatusEditing {
		return ErrNoActionSelected
	}
	action := a.selected.Action
	if err := a.discard(DiscardActionCleared); err != nil {
		return err
	}
	return a.raise(EventActionCleared, &ActionClearedData{Action: action})
}

// ChangeEncounterDate re-renders the section at a new as-of date, acting on
// orderID from then on. Any selection and pending input is discarded without
// confirmation.
func (a *Aggregate) ChangeEncounterDate(date order.Date, orderID string, allowed []ActionOption) error {
	if a.status == StatusNew {
		return ErrSectionNotOpen
	}
	if a.status == StatusEditing {
		if err := a.discard(DiscardEncounterDateChanged); err != nil {
			return err
		}
	}
	if allowed == nil {
		allowed = []ActionOption{}
	}
	return a.raise(EventEncounterDateChanged, &EncounterDateChangedData{
		EncounterDate:  date,
		OrderID:        orderID,
		AllowedActions: allowed,
	})
}

func (a *Aggregate) discard(reason DiscardReason) error {
	return a.raise(EventPendingOrderDiscarded, &PendingOrderDiscardedData{
		Action: a.selected.Action,
		Reason: reason,
		Fields: maps.Clone(a.pending),
	})
}

func (a *Aggregate) option(action order.Action) (ActionOption, bool) {
	for _, opt := range a.allowed {
		if opt.Action == action {
			return opt, true
		}
	}
	return ActionOption{}, false
}

func (a *Aggregate) raise(eventType EventType, data any) error {
	event, err := NewEvent(a.id, eventType, data)
	if err != nil {
		return err
	}
	event.EncounterID = a.encounterID
	if opened, ok := data.(*SectionOpenedData); ok {
		event.EncounterID = opened.EncounterID
	}
	if err := a.apply(event); err != nil {
		return err
	}
	a.changes = append(a.changes, event)
	return nil
}

// apply applies an event to update state
func (a *Aggregate) apply(event *Event) error {
	switch event.EventType {
	case EventSectionOpened:
		var data SectionOpenedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.status = StatusIdle
		a.fieldName = data.FieldName
		a.encounterID = data.EncounterID
		a.orderID = data.OrderID
		a.conceptID = data.ConceptID
		a.encounterDate = data.EncounterDate
		a.allowed = data.AllowedActions
	case EventActionSelected:
		var data ActionSelectedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.status = StatusEditing
		a.selected = ActionOption(data)
		a.pending = map[string]string{}
	case EventPendingOrderEdited:
		var data PendingOrderEditedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.pending[data.Field] = data.Value
	case EventPendingOrderDiscarded, EventActionCleared:
		a.status = StatusIdle
		a.selected = ActionOption{}
		a.pending = map[string]string{}
	case EventEncounterDateChanged:
		var data EncounterDateChangedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return fmt.Errorf("decode %s: %w", event.EventType, err)
		}
		a.encounterDate = data.EncounterDate
		a.orderID = data.OrderID
		a.allowed = data.AllowedActions
	default:
		return fmt.Errorf("unknown event type %q", event.EventType)
	}
	a.version++
	a.updatedAt = event.Timestamp
	return nil
}

// LoadFromHistory rebuilds state from events
func (a *Aggregate) LoadFromHistory(events []*Event) error {
	for _, event := range events {
		if err := a.apply(event); err != nil {
			return err
		}
	}
	return nil
}
