package order

// OrderableView is the render result for one per-drug section.
type OrderableView struct {
	ConceptID       string       `json:"conceptId"`
	DrugID          string       `json:"drugId,omitempty"`
	Label           string       `json:"label,omitempty"`
	SectionID       string       `json:"sectionId,omitempty"`
	Items           []Item       `json:"items"`
	LastRendered    *Record      `json:"lastRendered,omitempty"`
	LastInEncounter *Record      `json:"lastInEncounter,omitempty"`
	NoOrders        bool         `json:"noOrders"`
	AllowedActions  []Action     `json:"allowedActions"`
	Diagnostics     []Diagnostic `json:"diagnostics,omitempty"`
}

// orderableFold is the accumulator threaded through FoldOrderable. Each step
// returns a new value rather than mutating loop state.
type orderableFold struct {
	items           []Item
	lastRendered    *Record
	lastInEncounter *Record
	diagnostics     []Diagnostic
}

func (f orderableFold) step(r Record, history History, cfg *Config, encDate Date) orderableFold {
	if !InCurrentEncounter(r, cfg) {
		return f
	}
	next := orderableFold{
		items:       append([]Item(nil), f.items...),
		diagnostics: f.diagnostics,
	}
	if prev, diag := previousItem(r, history, cfg, encDate); prev != nil {
		next.items = append(next.items, *prev)
	} else if diag != nil {
		next.diagnostics = append(append([]Diagnostic(nil), f.diagnostics...), *diag)
	}
	next.items = append(next.items, displayItem(r, cfg, encDate))
	rendered := r
	next.lastRendered = &rendered
	next.lastInEncounter = &rendered
	return next
}

// FoldOrderable renders one per-drug section. Orders of the current encounter
// are shown with any predecessor from an earlier encounter. When none exist
// outside VIEW mode, the last order active on encDate is shown instead so the
// user has an order to act on. Allowed actions follow RetrospectiveActions.
func FoldOrderable(cfg *Config, o Orderable, encDate Date) OrderableView {
	acc := orderableFold{}
	for _, r := range o.History {
		acc = acc.step(r, o.History, cfg, encDate)
	}

	view := OrderableView{
		ConceptID:       o.ConceptID,
		DrugID:          o.DrugID,
		Label:           o.Label,
		SectionID:       o.SectionID,
		Items:           acc.items,
		LastRendered:    acc.lastRendered,
		LastInEncounter: acc.lastInEncounter,
		AllowedActions:  []Action{},
		Diagnostics:     acc.diagnostics,
	}
	if view.Items == nil {
		view.Items = []Item{}
	}

	if view.LastRendered == nil && !cfg.IsView() {
		if active, ok := o.History.LastActive(encDate); ok {
			view.Items = append(view.Items, displayItem(active, cfg, encDate))
			view.LastRendered = &active
		}
	}

	view.NoOrders = len(view.Items) == 0
	if !cfg.IsView() {
		view.AllowedActions = RetrospectiveActions(view.LastRendered, encDate)
	}
	return view
}

// FoldOrderables renders every per-drug section in configuration order.
func FoldOrderables(cfg *Config, encDate Date) []OrderableView {
	views := make([]OrderableView, 0, len(cfg.Orderables))
	for _, o := range cfg.Orderables {
		views = append(views, FoldOrderable(cfg, o, encDate))
	}
	return views
}

// displayItem is an item without per-order actions; per-drug sections carry
// their actions at the section level.
func displayItem(r Record, cfg *Config, encDate Date) Item {
	return Item{
		Order:              r,
		IsActive:           IsActive(r, encDate),
		InCurrentEncounter: InCurrentEncounter(r, cfg),
		AllowedActions:     []Action{},
		EditKinds:          []EditKind{},
	}
}
