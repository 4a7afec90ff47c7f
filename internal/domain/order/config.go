package order

import (
	"encoding/json"
	"fmt"
)

// Mode is the form rendering mode.
type Mode string

const (
	ModeView  Mode = "VIEW"
	ModeEntry Mode = "ENTRY"
	ModeEdit  Mode = "EDIT"
)

// RuleSet selects the RENEW/REVISE eligibility variant.
type RuleSet uint8

const (
	// RulesStandard forbids RENEW on orders placed in the current encounter and
	// places no encounter condition on REVISE.
	RulesStandard RuleSet = iota
	// RulesInEncounterEdit lets an order placed in the current encounter be
	// edited in place: RENEW when its own action is RENEW, REVISE when its
	// action is NEW or REVISE.
	RulesInEncounterEdit
)

// ParseRuleSet converts the configuration name of a rule set.
func ParseRuleSet(s string) (RuleSet, error) {
	switch s {
	case "", "standard":
		return RulesStandard, nil
	case "in-encounter-edit":
		return RulesInEncounterEdit, nil
	}
	return RulesStandard, fmt.Errorf("unknown rule set %q", s)
}

func (r RuleSet) String() string {
	if r == RulesInEncounterEdit {
		return "in-encounter-edit"
	}
	return "standard"
}

// MarshalText implements encoding.TextMarshaler.
func (r RuleSet) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RuleSet) UnmarshalText(text []byte) error {
	parsed, err := ParseRuleSet(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Orderable is one drug or concept with its own order history, used by the
// per-drug sections of a form.
type Orderable struct {
	ConceptID string  `json:"conceptId"`
	DrugID    string  `json:"drugId,omitempty"`
	Label     string  `json:"drugLabel,omitempty"`
	SectionID string  `json:"sectionId,omitempty"`
	History   History `json:"history"`
}

// Config is the read-only widget configuration supplied with the form.
type Config struct {
	FieldName        string            `json:"fieldName"`
	EncounterID      string            `json:"encounterId"`
	Mode             Mode              `json:"mode"`
	DefaultDate      Date              `json:"defaultDate"`
	Today            Date              `json:"today"`
	SupportedActions ActionSet         `json:"supportedActions"`
	Rules            RuleSet           `json:"rules"`
	History          History           `json:"history"`
	Orderables       []Orderable       `json:"orderables,omitempty"`
	Translations     map[string]string `json:"translations,omitempty"`

	unknownRules string
}

type configFields Config

// ParseConfig decodes a configuration payload. An unknown rule set name falls
// back to RulesStandard and is reported by Diagnose.
func ParseConfig(data []byte) (*Config, error) {
	var doc struct {
		configFields
		Rules string `json:"rules"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode order widget config: %w", err)
	}
	cfg := Config(doc.configFields)
	rules, err := ParseRuleSet(doc.Rules)
	if err != nil {
		cfg.unknownRules = doc.Rules
	}
	cfg.Rules = rules
	return &cfg, nil
}

// Diagnose reports inconsistencies in the configuration itself. None of them
// stop a render pass.
func (c *Config) Diagnose() []Diagnostic {
	var diags []Diagnostic
	if c.unknownRules != "" {
		diags = append(diags, Diagnostic{
			Code:    DiagUnknownRules,
			Field:   "rules",
			Message: fmt.Sprintf("unknown rule set %q, using %s", c.unknownRules, RulesStandard),
		})
	}
	return diags
}

// EncounterDate resolves the as-of date for a render pass: the live encounter
// date when set, otherwise the default date, otherwise today.
func (c *Config) EncounterDate(asOf Date) Date {
	switch {
	case !asOf.IsZero():
		return asOf
	case !c.DefaultDate.IsZero():
		return c.DefaultDate
	default:
		return c.Today
	}
}

// IsView reports whether the form is read-only.
func (c *Config) IsView() bool { return c.Mode == ModeView }

// Supports reports whether the form offers the given action.
func (c *Config) Supports(a Action) bool { return c.SupportedActions.Has(a) }

// OrderableFor returns the per-drug section configured for conceptID.
func (c *Config) OrderableFor(conceptID string) (Orderable, bool) {
	var (
		found Orderable
		ok    bool
	)
	for _, o := range c.Orderables {
		if o.ConceptID == conceptID {
			found, ok = o, true
		}
	}
	return found, ok
}

// Translate passes a translation string through, or returns key when absent.
func (c *Config) Translate(key string) string {
	if v, ok := c.Translations[key]; ok {
		return v
	}
	return key
}
