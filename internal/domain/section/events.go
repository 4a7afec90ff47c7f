// Package section implements the order-section session aggregate and its
// domain events.
package section

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-orderwidget/internal/domain/order"
)

// AggregateType names the aggregate in the event store and the outbox.
const AggregateType = "OrderSection"

// EventType represents the type of domain event
type EventType string

const (
	EventSectionOpened         EventType = "SectionOpened"
	EventActionSelected        EventType = "ActionSelected"
	EventPendingOrderEdited    EventType = "PendingOrderEdited"
	EventPendingOrderDiscarded EventType = "PendingOrderDiscarded"
	EventActionCleared         EventType = "ActionCleared"
	EventEncounterDateChanged  EventType = "EncounterDateChanged"
)

// DiscardReason says why a pending order was thrown away.
type DiscardReason string

const (
	DiscardActionChanged        DiscardReason = "action-changed"
	DiscardActionCleared        DiscardReason = "action-cleared"
	DiscardEncounterDateChanged DiscardReason = "encounter-date-changed"
)

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	EncounterID   string          `json:"encounter_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data any) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", eventType, err)
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// WithCorrelation tags the event with the request that produced it.
func (e *Event) WithCorrelation(encounterID, correlationID string) *Event {
	e.EncounterID = encounterID
	e.CorrelationID = correlationID
	return e
}

// SectionOpenedData describes a freshly rendered section.
type SectionOpenedData struct {
	SectionID      string         `json:"section_id"`
	FieldName      string         `json:"field_name,omitempty"`
	EncounterID    string         `json:"encounter_id"`
	OrderID        string         `json:"order_id,omitempty"`
	ConceptID      string         `json:"concept_id,omitempty"`
	EncounterDate  order.Date     `json:"encounter_date"`
	AllowedActions []ActionOption `json:"allowed_actions"`
}

// ActionOption is one action the section offers with its edit label.
type ActionOption struct {
	Action   order.Action   `json:"action"`
	EditKind order.EditKind `json:"edit_kind"`
}

// OptionsFor pairs actions with their edit kinds. Missing kinds default to a
// plain revision.
func OptionsFor(actions []order.Action, kinds []order.EditKind) []ActionOption {
	opts := make([]ActionOption, 0, len(actions))
	for i, a := range actions {
		opt := ActionOption{Action: a}
		if i < len(kinds) {
			opt.EditKind = kinds[i]
		}
		opts = append(opts, opt)
	}
	return opts
}

// ActionSelectedData records the action a user picked.
type ActionSelectedData struct {
	Action   order.Action   `json:"action"`
	EditKind order.EditKind `json:"edit_kind"`
}

// PendingOrderEditedData records one field change on the pending order.
type PendingOrderEditedData struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// PendingOrderDiscardedData records the input that was thrown away.
type PendingOrderDiscardedData struct {
	Action order.Action      `json:"action"`
	Reason DiscardReason     `json:"reason"`
	Fields map[string]string `json:"fields,omitempty"`
}

// ActionClearedData records the delete button on a selected action.
type ActionClearedData struct {
	Action order.Action `json:"action"`
}

// EncounterDateChangedData records a re-render at a new as-of date.
type EncounterDateChangedData struct {
	EncounterDate  order.Date     `json:"encounter_date"`
	OrderID        string         `json:"order_id,omitempty"`
	AllowedActions []ActionOption `json:"allowed_actions"`
}
