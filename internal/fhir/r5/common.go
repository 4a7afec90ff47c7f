// Package r5 holds the FHIR R5 data types the order widget exports.
package r5

// Meta contains metadata about a resource.
type Meta struct {
	VersionID string   `json:"versionId,omitempty"`
	Source    string   `json:"source,omitempty"`
	Profile   []string `json:"profile,omitempty"`
	Tag       []Coding `json:"tag,omitempty"`
}

// Identifier represents a FHIR Identifier.
type Identifier struct {
	Use    string `json:"use,omitempty"`
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

// CodeableConcept represents a concept with text and codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Coding represents a code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Reference represents a reference to another resource.
type Reference struct {
	Reference  string      `json:"reference,omitempty"`
	Type       string      `json:"type,omitempty"`
	Identifier *Identifier `json:"identifier,omitempty"`
	Display    string      `json:"display,omitempty"`
}

// CodeableReference is either a concept or a reference.
type CodeableReference struct {
	Concept   *CodeableConcept `json:"concept,omitempty"`
	Reference *Reference       `json:"reference,omitempty"`
}

// Period is a date range. Values are FHIR date or dateTime strings.
type Period struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Quantity represents a measured amount.
type Quantity struct {
	Value  float64 `json:"value,omitempty"`
	Unit   string  `json:"unit,omitempty"`
	System string  `json:"system,omitempty"`
	Code   string  `json:"code,omitempty"`
}

// Duration is a Quantity with a temporal unit.
type Duration struct {
	Value float64 `json:"value,omitempty"`
	Unit  string  `json:"unit,omitempty"`
}

// Annotation represents a note or comment.
type Annotation struct {
	Text string `json:"text"`
}

// Extension represents a FHIR extension.
type Extension struct {
	URL         string  `json:"url"`
	ValueString string  `json:"valueString,omitempty"`
	ValueCode   string  `json:"valueCode,omitempty"`
	ValueCoding *Coding `json:"valueCoding,omitempty"`
}

// OperationOutcome represents errors and warnings from FHIR operations.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

// OperationOutcomeIssue represents a single issue in an OperationOutcome.
type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"` // fatal | error | warning | information
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

// NewOperationOutcome creates a new OperationOutcome with the given issues.
func NewOperationOutcome(issues ...OperationOutcomeIssue) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue:        issues,
	}
}

// NewErrorOutcome creates an OperationOutcome with a single error issue.
func NewErrorOutcome(code, diagnostics string) *OperationOutcome {
	return NewOperationOutcome(OperationOutcomeIssue{
		Severity:    "error",
		Code:        code,
		Diagnostics: diagnostics,
	})
}

// Bundle is a searchset of resources. Issues carries warnings about the
// search as a whole.
type Bundle[T any] struct {
	ResourceType string            `json:"resourceType"`
	Type         string            `json:"type"`
	Total        int               `json:"total"`
	Issues       *OperationOutcome `json:"issues,omitempty"`
	Entry        []BundleEntry[T]  `json:"entry"`
}

// BundleEntry wraps one resource of a Bundle
type BundleEntry[T any] struct {
	FullURL  string `json:"fullUrl,omitempty"`
	Resource T      `json:"resource"`
}

// NewSearchSet bundles resources as a searchset
func NewSearchSet[T any](resources []T, fullURL func(T) string) Bundle[T] {
	b := Bundle[T]{ResourceType: "Bundle", Type: "searchset", Total: len(resources), Entry: []BundleEntry[T]{}}
	for _, r := range resources {
		e := BundleEntry[T]{Resource: r}
		if fullURL != nil {
			e.FullURL = fullURL(r)
		}
		b.Entry = append(b.Entry, e)
	}
	return b
}

// Code systems used by the exporter
const (
	SystemRxNorm            = "http://www.nlm.nih.gov/research/umls/rxnorm"
	SystemOrderID           = "urn:orderwidget:order-id"
	SystemConcept           = "urn:orderwidget:concept"
	SystemDrug              = "urn:orderwidget:drug"
	SystemCareSetting       = "urn:orderwidget:care-setting"
	SystemRequestCategory   = "http://terminology.hl7.org/CodeSystem/medicationrequest-admin-location"
	ExtensionOrderAction    = "urn:orderwidget:extension:order-action"
	ExtensionAllowedActions = "urn:orderwidget:extension:allowed-action"
)

// MedicationRequest statuses
const (
	StatusActive    = "active"
	StatusOnHold    = "on-hold"
	StatusCompleted = "completed"
	StatusStopped   = "stopped"
	StatusDraft     = "draft"
	StatusUnknown   = "unknown"
)

// MedicationRequest intents
const (
	IntentPlan          = "plan"
	IntentOrder         = "order"
	IntentOriginalOrder = "original-order"
)
