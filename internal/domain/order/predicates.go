package order

// IsActive reports whether order is in effect on onDate. An order is never
// active before its activation date, and its effective stop date is
// exclusive: an order stopping on onDate is already inactive.
func IsActive(order Record, onDate Date) bool {
	if order.DateActivated.Value.After(onDate) {
		return false
	}
	stop := order.EffectiveStopDate.Value
	if !stop.IsZero() && stop.OnOrBefore(onDate) {
		return false
	}
	return true
}

// InCurrentEncounter reports whether order was placed in the encounter being
// edited.
func InCurrentEncounter(order Record, cfg *Config) bool {
	return order.EncounterID == cfg.EncounterID
}

// ShouldRenderPreviousOrder reports whether the order revises another order
// from within the current encounter, so its predecessor must be considered
// for display.
func ShouldRenderPreviousOrder(order Record, cfg *Config) bool {
	return InCurrentEncounter(order, cfg) && order.PreviousOrderID != ""
}

// ShouldRenderOrder is the visibility filter of a render pass. Orders of the
// current encounter are always shown; outside VIEW mode so are orders active
// on onDate that were not administratively stopped.
func ShouldRenderOrder(order Record, cfg *Config, onDate Date) bool {
	if InCurrentEncounter(order, cfg) {
		return true
	}
	return !cfg.IsView() && IsActive(order, onDate) && !order.IsStopped()
}
