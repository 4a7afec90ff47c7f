package order

import "fmt"

// DiagnosticCode classifies a data-quality finding in an order history.
type DiagnosticCode string

const (
	DiagDuplicateOrder  DiagnosticCode = "duplicate-order"
	DiagMissingPrevious DiagnosticCode = "missing-previous-order"
	DiagCycle           DiagnosticCode = "revision-cycle"
	DiagInvalidDate     DiagnosticCode = "invalid-date"
	DiagUnknownRules    DiagnosticCode = "unknown-rule-set"
)

// Diagnostic is a recoverable data-quality issue. Diagnostics never change
// how a render pass behaves.
type Diagnostic struct {
	Code    DiagnosticCode `json:"code"`
	OrderID string         `json:"orderId"`
	Field   string         `json:"field,omitempty"`
	Message string         `json:"message"`
}

func (d Diagnostic) Error() string {
	return fmt.Sprintf("%s: order %q: %s", d.Code, d.OrderID, d.Message)
}

// Diagnose reports duplicate ids, dangling previous-order references, cycles
// in revision chains and malformed dates.
func (h History) Diagnose() []Diagnostic {
	var diags []Diagnostic

	seen := make(map[string]int, len(h))
	for _, r := range h {
		seen[r.OrderID]++
		if seen[r.OrderID] == 2 && r.OrderID != "" {
			diags = append(diags, Diagnostic{
				Code:    DiagDuplicateOrder,
				OrderID: r.OrderID,
				Message: "order id appears more than once",
			})
		}
	}

	for _, r := range h {
		if r.PreviousOrderID != "" && seen[r.PreviousOrderID] == 0 {
			diags = append(diags, Diagnostic{
				Code:    DiagMissingPrevious,
				OrderID: r.OrderID,
				Field:   "previousOrderId",
				Message: fmt.Sprintf("previous order %q is not in the history", r.PreviousOrderID),
			})
		}
		diags = append(diags, r.dateDiagnostics()...)
	}

	reported := make(map[string]bool)
	for _, r := range h {
		members := h.cycleFrom(r)
		if len(members) == 0 || reported[members[0]] {
			continue
		}
		for _, id := range members {
			reported[id] = true
		}
		diags = append(diags, Diagnostic{
			Code:    DiagCycle,
			OrderID: members[0],
			Field:   "previousOrderId",
			Message: fmt.Sprintf("revision chain loops back on itself through %d orders", len(members)),
		})
	}
	return diags
}

// cycleFrom follows previous-order links from r and returns the orders of the
// loop the walk runs into, starting at the first one revisited. Tails leading
// into a loop are not part of it.
func (h History) cycleFrom(r Record) []string {
	path := []string{r.OrderID}
	at := map[string]int{r.OrderID: 0}
	cur := r
	for cur.PreviousOrderID != "" {
		if i, ok := at[cur.PreviousOrderID]; ok {
			return path[i:]
		}
		next, ok := h.Get(cur.PreviousOrderID)
		if !ok {
			return nil
		}
		at[next.OrderID] = len(path)
		path = append(path, next.OrderID)
		cur = next
	}
	return nil
}

func (r Record) dateDiagnostics() []Diagnostic {
	fields := []struct {
		name  string
		value Date
	}{
		{"dateActivated", r.DateActivated.Value},
		{"effectiveStartDate", r.EffectiveStartDate.Value},
		{"effectiveStopDate", r.EffectiveStopDate.Value},
		{"dateStopped", r.DateStopped.Value},
	}
	var diags []Diagnostic
	for _, f := range fields {
		if f.value.IsZero() || f.value.Valid() {
			continue
		}
		diags = append(diags, Diagnostic{
			Code:    DiagInvalidDate,
			OrderID: r.OrderID,
			Field:   f.name,
			Message: fmt.Sprintf("%q is not a yyyy-mm-dd date", string(f.value)),
		})
	}
	return diags
}
