package r5

import "encoding/json"

// MedicationRequest represents a FHIR R5 MedicationRequest resource.
type MedicationRequest struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`

	Extension  []Extension  `json:"extension,omitempty"`
	Identifier []Identifier `json:"identifier,omitempty"`

	// active | on-hold | cancelled | completed | entered-in-error | stopped | draft | unknown
	Status       string           `json:"status"`
	StatusReason *CodeableConcept `json:"statusReason,omitempty"`
	Intent       string           `json:"intent"`

	Category []CodeableConcept `json:"category,omitempty"`
	Priority string            `json:"priority,omitempty"` // routine | urgent | asap | stat

	Medication CodeableReference `json:"medication"`
	Subject    Reference         `json:"subject"`
	Encounter  *Reference        `json:"encounter,omitempty"`

	AuthoredOn string              `json:"authoredOn,omitempty"`
	Reason     []CodeableReference `json:"reason,omitempty"`
	Note       []Annotation        `json:"note,omitempty"`

	EffectiveDosePeriod       *Period          `json:"effectiveDosePeriod,omitempty"`
	RenderedDosageInstruction string           `json:"renderedDosageInstruction,omitempty"`
	DosageInstruction         []Dosage         `json:"dosageInstruction,omitempty"`
	DispenseRequest           *DispenseRequest `json:"dispenseRequest,omitempty"`

	// PriorPrescription is the order this one revises, renews or stops
	PriorPrescription *Reference `json:"priorPrescription,omitempty"`
}

// DispenseRequest contains information about the requested dispensing.
type DispenseRequest struct {
	ValidityPeriod         *Period   `json:"validityPeriod,omitempty"`
	NumberOfRepeatsAllowed int       `json:"numberOfRepeatsAllowed,omitempty"`
	Quantity               *Quantity `json:"quantity,omitempty"`
	ExpectedSupplyDuration *Duration `json:"expectedSupplyDuration,omitempty"`
}

// Dosage contains dosage instructions for the medication.
type Dosage struct {
	Text               string            `json:"text,omitempty"`
	PatientInstruction string            `json:"patientInstruction,omitempty"`
	Timing             *Timing           `json:"timing,omitempty"`
	AsNeeded           bool              `json:"asNeeded,omitempty"`
	AsNeededFor        []CodeableConcept `json:"asNeededFor,omitempty"`
	Route              *CodeableConcept  `json:"route,omitempty"`
	DoseAndRate        []DoseAndRate     `json:"doseAndRate,omitempty"`
}

// DoseAndRate contains dose information.
type DoseAndRate struct {
	DoseQuantity *Quantity `json:"doseQuantity,omitempty"`
}

// Timing contains timing information for dosage.
type Timing struct {
	Code   *CodeableConcept `json:"code,omitempty"`
	Repeat *TimingRepeat    `json:"repeat,omitempty"`
}

// TimingRepeat bounds the schedule
type TimingRepeat struct {
	BoundsDuration *Duration `json:"boundsDuration,omitempty"`
}

// PatientID returns the id part of the subject reference.
func (m *MedicationRequest) PatientID() string {
	return idFromReference(m.Subject.Reference)
}

// PriorID returns the id of the prior prescription, if any.
func (m *MedicationRequest) PriorID() string {
	if m.PriorPrescription == nil {
		return ""
	}
	return idFromReference(m.PriorPrescription.Reference)
}

// ExtensionCode returns the first valueCode of the extension with url.
func (m *MedicationRequest) ExtensionCode(url string) (string, bool) {
	for _, e := range m.Extension {
		if e.URL == url {
			return e.ValueCode, true
		}
	}
	return "", false
}

// ToJSON serializes the MedicationRequest to JSON.
func (m *MedicationRequest) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// idFromReference extracts the ID from "Type/id" or "urn:uuid:id".
func idFromReference(ref string) string {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '/' || ref[i] == ':' {
			return ref[i+1:]
		}
	}
	return ref
}
