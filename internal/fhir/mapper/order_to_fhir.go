// Package mapper exports rendered orders as FHIR R5 MedicationRequest
// resources.
package mapper

import (
	"strconv"
	"strings"

	"github.com/drfirst/go-orderwidget/internal/domain/order"
	fhir "github.com/drfirst/go-orderwidget/internal/fhir/r5"
)

// OrderMapper transforms order records to MedicationRequest
type OrderMapper struct {
	// PatientID is used for the subject reference of every resource
	PatientID string
}

// NewOrderMapper creates a mapper for one patient
func NewOrderMapper(patientID string) *OrderMapper {
	return &OrderMapper{PatientID: patientID}
}

// MapItem converts a rendered item, carrying its allowed actions as
// extensions.
func (m *OrderMapper) MapItem(item order.Item, encDate order.Date) *fhir.MedicationRequest {
	mr := m.MapRecord(item.Order, encDate)
	for _, a := range item.AllowedActions {
		mr.Extension = append(mr.Extension, fhir.Extension{URL: fhir.ExtensionAllowedActions, ValueCode: a.String()})
	}
	return mr
}

// MapPlan converts every item of a plan in render order
func (m *OrderMapper) MapPlan(plan order.Plan) []*fhir.MedicationRequest {
	items := plan.Items()
	out := make([]*fhir.MedicationRequest, 0, len(items))
	for _, item := range items {
		out = append(out, m.MapItem(item, plan.EncounterDate))
	}
	return out
}

// SearchSet bundles a plan's MedicationRequests. Plan diagnostics travel as
// the bundle's issues.
func (m *OrderMapper) SearchSet(plan order.Plan) fhir.Bundle[*fhir.MedicationRequest] {
	bundle := fhir.NewSearchSet(m.MapPlan(plan), func(mr *fhir.MedicationRequest) string {
		return "MedicationRequest/" + mr.ID
	})
	if len(plan.Diagnostics) > 0 {
		bundle.Issues = OutcomeFromDiagnostics(plan.Diagnostics)
	}
	return bundle
}

// MapRecord converts one order record as of encDate
func (m *OrderMapper) MapRecord(rec order.Record, encDate order.Date) *fhir.MedicationRequest {
	mr := &fhir.MedicationRequest{
		ResourceType: "MedicationRequest",
		ID:           rec.OrderID,
		Identifier:   []fhir.Identifier{{Use: "official", System: fhir.SystemOrderID, Value: rec.OrderID}},
		Status:       Status(rec, encDate),
		Intent:       fhir.IntentOrder,
		Medication:   medication(rec),
		AuthoredOn:   rec.DateActivated.Value.String(),
		Priority:     priority(rec.Urgency.Value),
	}
	if m.PatientID != "" {
		mr.Subject = fhir.Reference{Reference: "Patient/" + m.PatientID}
	}
	if rec.EncounterID != "" {
		mr.Encounter = &fhir.Reference{Reference: "Encounter/" + rec.EncounterID}
	}
	if rec.PreviousOrderID != "" {
		mr.PriorPrescription = &fhir.Reference{Reference: "MedicationRequest/" + rec.PreviousOrderID}
	}
	if a := rec.Action.Value; a != order.ActionUnknown {
		mr.Extension = append(mr.Extension, fhir.Extension{URL: fhir.ExtensionOrderAction, ValueCode: a.String()})
	}
	if c := concept(fhir.SystemCareSetting, rec.CareSetting); c != nil {
		mr.Category = []fhir.CodeableConcept{*c}
	}
	if reason := concept("", rec.OrderReason); reason != nil {
		mr.Reason = append(mr.Reason, fhir.CodeableReference{Concept: reason})
	}
	if text := rec.OrderReasonNonCoded.Value; text != "" {
		mr.Reason = append(mr.Reason, fhir.CodeableReference{Concept: &fhir.CodeableConcept{Text: text}})
	}
	if reason := discontinueReason(rec); reason != nil {
		mr.StatusReason = reason
	}
	if start, stop := rec.EffectiveStartDate.Value, rec.EffectiveStopDate.Value; !start.IsZero() || !stop.IsZero() {
		mr.EffectiveDosePeriod = &fhir.Period{Start: start.String(), End: stop.String()}
	}
	if d := dosage(rec); d != nil {
		mr.DosageInstruction = []fhir.Dosage{*d}
		mr.RenderedDosageInstruction = d.Text
	}
	mr.DispenseRequest = dispense(rec)
	return mr
}

// Status maps the order lifecycle to a MedicationRequest status. A
// discontinuation order and an administratively stopped order are both
// "stopped"; an order past its stop date is "completed".
func Status(rec order.Record, encDate order.Date) string {
	switch {
	case rec.IsStopped(), rec.Action.Value == order.ActionDiscontinue:
		return fhir.StatusStopped
	case order.IsActive(rec, encDate):
		return fhir.StatusActive
	case !rec.EffectiveStopDate.Value.IsZero() && rec.EffectiveStopDate.Value.OnOrBefore(encDate):
		return fhir.StatusCompleted
	default:
		// activated after encDate
		return fhir.StatusActive
	}
}

// OutcomeFromDiagnostics reports history findings as warnings
func OutcomeFromDiagnostics(diags []order.Diagnostic) *fhir.OperationOutcome {
	issues := make([]fhir.OperationOutcomeIssue, 0, len(diags))
	for _, d := range diags {
		issue := fhir.OperationOutcomeIssue{
			Severity:    "warning",
			Code:        "business-rule",
			Diagnostics: d.Error(),
		}
		if d.Field != "" {
			issue.Expression = []string{"MedicationRequest." + d.Field}
		}
		issues = append(issues, issue)
	}
	if len(issues) == 0 {
		issues = append(issues, fhir.OperationOutcomeIssue{Severity: "information", Code: "informational", Diagnostics: "no findings"})
	}
	return fhir.NewOperationOutcome(issues...)
}

func medication(rec order.Record) fhir.CodeableReference {
	cc := &fhir.CodeableConcept{}
	if rec.Drug.Value != "" {
		cc.Coding = append(cc.Coding, fhir.Coding{System: fhir.SystemDrug, Code: rec.Drug.Value, Display: rec.Drug.Display})
	}
	if rec.Concept.Value != "" {
		cc.Coding = append(cc.Coding, fhir.Coding{System: fhir.SystemConcept, Code: rec.Concept.Value, Display: rec.Concept.Display})
	}
	switch {
	case rec.DrugNonCoded.Value != "":
		cc.Text = rec.DrugNonCoded.Value
	case rec.Drug.Display != "":
		cc.Text = rec.Drug.Display
	default:
		cc.Text = rec.Concept.Display
	}
	return fhir.CodeableReference{Concept: cc}
}

func concept(system string, f order.Field[string]) *fhir.CodeableConcept {
	if f.Value == "" && f.Display == "" {
		return nil
	}
	cc := &fhir.CodeableConcept{Text: f.Display}
	if f.Value != "" {
		cc.Coding = []fhir.Coding{{System: system, Code: f.Value, Display: f.Display}}
	}
	return cc
}

func discontinueReason(rec order.Record) *fhir.CodeableConcept {
	if cc := concept("", rec.DiscontinueReason); cc != nil {
		return cc
	}
	if text := rec.DiscontinueReasonNonCoded.Value; text != "" {
		return &fhir.CodeableConcept{Text: text}
	}
	return nil
}

func dosage(rec order.Record) *fhir.Dosage {
	d := fhir.Dosage{
		Text:               firstNonEmpty(rec.DosingInstructions.Value, rec.Instructions.Value),
		PatientInstruction: rec.Instructions.Value,
		AsNeeded:           rec.AsNeededSet(),
		Route:              concept("", rec.Route),
	}
	if c := rec.AsNeededCondition.Value; c != "" {
		d.AsNeededFor = []fhir.CodeableConcept{{Text: c}}
	}
	if v, ok := parseFloat(rec.Dose.Value); ok {
		d.DoseAndRate = []fhir.DoseAndRate{{DoseQuantity: &fhir.Quantity{Value: v, Unit: rec.DoseUnits.Display, Code: rec.DoseUnits.Value}}}
	}
	freq := concept("", rec.Frequency)
	bounds, hasBounds := parseFloat(rec.Duration.Value)
	if freq != nil || hasBounds {
		d.Timing = &fhir.Timing{Code: freq}
		if hasBounds {
			d.Timing.Repeat = &fhir.TimingRepeat{BoundsDuration: &fhir.Duration{Value: bounds, Unit: rec.DurationUnits.Display}}
		}
	}
	if d.Text == "" && d.Route == nil && d.DoseAndRate == nil && d.Timing == nil && !d.AsNeeded {
		return nil
	}
	return &d
}

func dispense(rec order.Record) *fhir.DispenseRequest {
	var dr fhir.DispenseRequest
	set := false
	if v, ok := parseFloat(rec.Quantity.Value); ok {
		dr.Quantity = &fhir.Quantity{Value: v, Unit: rec.QuantityUnits.Display, Code: rec.QuantityUnits.Value}
		set = true
	}
	if n, err := strconv.Atoi(strings.TrimSpace(rec.NumRefills.Value)); err == nil && n > 0 {
		dr.NumberOfRepeatsAllowed = n
		set = true
	}
	if exp := rec.AutoExpireDate.Value; !exp.IsZero() {
		dr.ValidityPeriod = &fhir.Period{Start: rec.DateActivated.Value.String(), End: exp.String()}
		set = true
	}
	if !set {
		return nil
	}
	return &dr
}

func priority(urgency string) string {
	switch strings.ToUpper(urgency) {
	case "STAT":
		return "stat"
	case "ROUTINE", "ON_SCHEDULED_DATE":
		return "routine"
	case "":
		return ""
	default:
		return "urgent"
	}
}

func parseFloat(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v, err == nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
