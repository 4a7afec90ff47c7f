package order

// Record is one historical order as delivered by the server. Records are
// never mutated by the engine.
type Record struct {
	OrderID         string `json:"orderId"`
	PreviousOrderID string `json:"previousOrderId"`
	EncounterID     string `json:"encounterId"`

	Action             Field[Action] `json:"action"`
	DateActivated      Field[Date]   `json:"dateActivated"`
	EffectiveStartDate Field[Date]   `json:"effectiveStartDate"`
	EffectiveStopDate  Field[Date]   `json:"effectiveStopDate"`
	DateStopped        Field[Date]   `json:"dateStopped"`
	ScheduledDate      Field[Date]   `json:"scheduledDate"`
	AutoExpireDate     Field[Date]   `json:"autoExpireDate"`

	CareSetting               Field[string] `json:"careSetting"`
	Concept                   Field[string] `json:"concept"`
	Drug                      Field[string] `json:"drug"`
	DrugNonCoded              Field[string] `json:"drugNonCoded"`
	DosingType                Field[string] `json:"dosingType"`
	Dose                      Field[string] `json:"dose"`
	DoseUnits                 Field[string] `json:"doseUnits"`
	Route                     Field[string] `json:"route"`
	Frequency                 Field[string] `json:"frequency"`
	AsNeeded                  Field[string] `json:"asNeeded"`
	AsNeededCondition         Field[string] `json:"asNeededCondition"`
	Instructions              Field[string] `json:"instructions"`
	DosingInstructions        Field[string] `json:"dosingInstructions"`
	Quantity                  Field[string] `json:"quantity"`
	QuantityUnits             Field[string] `json:"quantityUnits"`
	NumRefills                Field[string] `json:"numRefills"`
	Duration                  Field[string] `json:"duration"`
	DurationUnits             Field[string] `json:"durationUnits"`
	Urgency                   Field[string] `json:"urgency"`
	OrderReason               Field[string] `json:"orderReason"`
	OrderReasonNonCoded       Field[string] `json:"orderReasonNonCoded"`
	DiscontinueReason         Field[string] `json:"discontinueReason"`
	DiscontinueReasonNonCoded Field[string] `json:"discontinueReasonNonCoded"`
}

// IsStopped reports whether the order was administratively stopped.
func (r Record) IsStopped() bool { return !r.DateStopped.Value.IsZero() }

// AsNeededSet reports whether the PRN flag is "true".
func (r Record) AsNeededSet() bool { return r.AsNeeded.Value == "true" }

// History is the set of orders for one orderable. Stored order is preserved
// but carries no meaning beyond "last" in fallback scans.
type History []Record

// Get returns the order with the given id. The last match wins; an empty id
// never matches.
func (h History) Get(orderID string) (Record, bool) {
	var (
		found Record
		ok    bool
	)
	if orderID == "" {
		return found, false
	}
	for _, r := range h {
		if r.OrderID == orderID {
			found, ok = r, true
		}
	}
	return found, ok
}

// RevisedBy returns the order that names orderID as its previous order.
func (h History) RevisedBy(orderID string) (Record, bool) {
	if orderID == "" {
		return Record{}, false
	}
	for _, r := range h {
		if r.PreviousOrderID == orderID && r.OrderID != orderID {
			return r, true
		}
	}
	return Record{}, false
}

// IsRevised reports whether a later order supersedes orderID.
func (h History) IsRevised(orderID string) bool {
	_, ok := h.RevisedBy(orderID)
	return ok
}

// LastActive returns the last order in stored order that is active on onDate.
func (h History) LastActive(onDate Date) (Record, bool) {
	var (
		found Record
		ok    bool
	)
	for _, r := range h {
		if IsActive(r, onDate) {
			found, ok = r, true
		}
	}
	return found, ok
}
