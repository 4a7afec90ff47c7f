package order

import "fmt"

// SectionKind tells the view layer where an order section belongs.
type SectionKind string

const (
	// SectionExisting holds orders carried into the encounter or revised in it.
	SectionExisting SectionKind = "existing"
	// SectionNew holds orders placed NEW in the current encounter.
	SectionNew SectionKind = "new"
)

// Item is one rendered order with everything the view layer needs.
type Item struct {
	Order              Record   `json:"order"`
	IsPrevious         bool     `json:"isPrevious"`
	IsActive           bool     `json:"isActive"`
	InCurrentEncounter bool     `json:"inCurrentEncounter"`
	AllowedActions     []Action `json:"allowedActions"`
	// EditKinds is parallel to AllowedActions.
	EditKinds []EditKind `json:"editKinds"`
}

// Section is one orderable section: an optional previous order followed by
// the order being rendered.
type Section struct {
	Kind  SectionKind `json:"kind"`
	Items []Item      `json:"items"`
}

// Current returns the order the section was rendered for.
func (s Section) Current() Item {
	return s.Items[len(s.Items)-1]
}

// Plan is the result of a full render pass.
type Plan struct {
	EncounterDate Date         `json:"encounterDate"`
	Mode          Mode         `json:"mode"`
	Sections      []Section    `json:"sections"`
	NoOrders      bool         `json:"noOrders"`
	Fallback      bool         `json:"fallback"`
	Diagnostics   []Diagnostic `json:"diagnostics,omitempty"`
}

// Items flattens the plan in render order.
func (p Plan) Items() []Item {
	var items []Item
	for _, s := range p.Sections {
		items = append(items, s.Items...)
	}
	return items
}

// Reconstruct runs a render pass over cfg.History as of encDate.
func Reconstruct(cfg *Config, encDate Date) Plan {
	plan := Plan{
		EncounterDate: encDate,
		Mode:          cfg.Mode,
		Sections:      []Section{},
		Diagnostics:   cfg.Diagnose(),
	}

	for _, r := range cfg.History {
		if !ShouldRenderOrder(r, cfg, encDate) {
			continue
		}
		section, diag := buildSection(r, cfg.History, cfg, encDate)
		if diag != nil {
			plan.Diagnostics = append(plan.Diagnostics, *diag)
		}
		plan.Sections = append(plan.Sections, section)
	}

	if len(plan.Sections) == 0 && !cfg.IsView() {
		if last, ok := cfg.History.LastActive(encDate); ok {
			plan.Sections = append(plan.Sections, Section{
				Kind:  sectionKind(last, cfg),
				Items: []Item{newItem(last, cfg, encDate, false)},
			})
			plan.Fallback = true
		}
	}

	plan.NoOrders = len(plan.Sections) == 0
	return plan
}

func buildSection(r Record, history History, cfg *Config, encDate Date) (Section, *Diagnostic) {
	section := Section{Kind: sectionKind(r, cfg)}

	prev, diag := previousItem(r, history, cfg, encDate)
	if prev != nil {
		section.Items = append(section.Items, *prev)
	}
	section.Items = append(section.Items, newItem(r, cfg, encDate, false))
	return section, diag
}

// previousItem returns the predecessor of r when it must be shown alongside
// r. A predecessor from the current encounter is rendered as its own section.
func previousItem(r Record, history History, cfg *Config, encDate Date) (*Item, *Diagnostic) {
	if !ShouldRenderPreviousOrder(r, cfg) {
		return nil, nil
	}
	prev, ok := history.Get(r.PreviousOrderID)
	if !ok {
		return nil, &Diagnostic{
			Code:    DiagMissingPrevious,
			OrderID: r.OrderID,
			Field:   "previousOrderId",
			Message: fmt.Sprintf("previous order %q is not in the history", r.PreviousOrderID),
		}
	}
	if InCurrentEncounter(prev, cfg) {
		return nil, nil
	}
	item := newItem(prev, cfg, encDate, true)
	return &item, nil
}

func sectionKind(r Record, cfg *Config) SectionKind {
	if InCurrentEncounter(r, cfg) && r.Action.Value == ActionNew {
		return SectionNew
	}
	return SectionExisting
}

func newItem(r Record, cfg *Config, encDate Date, previous bool) Item {
	item := Item{
		Order:              r,
		IsPrevious:         previous,
		IsActive:           IsActive(r, encDate),
		InCurrentEncounter: InCurrentEncounter(r, cfg),
		AllowedActions:     []Action{},
		EditKinds:          []EditKind{},
	}
	if previous || cfg.IsView() {
		return item
	}
	item.AllowedActions = SupportedActions(r, cfg, encDate)
	for _, a := range item.AllowedActions {
		item.EditKinds = append(item.EditKinds, EditKindOf(r, cfg, a))
	}
	return item
}
