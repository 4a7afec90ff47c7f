package order

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAction(t *testing.T) {
	a, err := ParseAction("RENEW")
	require.NoError(t, err)
	assert.Equal(t, ActionRenew, a)

	_, err = ParseAction("renew")
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestRecordDecodeToleratesUnknownAction(t *testing.T) {
	var r Record
	err := json.Unmarshal([]byte(`{"orderId":"1","action":{"value":"HOLD","display":"Hold"}}`), &r)

	require.NoError(t, err)
	assert.Equal(t, ActionUnknown, r.Action.Value)
	assert.Equal(t, "Hold", r.Action.Display)
}

func TestActionSet(t *testing.T) {
	s := NewActionSet(ActionDiscontinue, ActionNew, ActionUnknown)

	assert.True(t, s.Has(ActionNew))
	assert.False(t, s.Has(ActionRenew))
	assert.False(t, s.Has(ActionUnknown))
	assert.Equal(t, []Action{ActionNew, ActionDiscontinue}, s.Actions())

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `["NEW","DISCONTINUE"]`, string(data))

	var decoded ActionSet
	require.NoError(t, json.Unmarshal([]byte(`["REVISE","bogus","RENEW"]`), &decoded))
	assert.Equal(t, NewActionSet(ActionRenew, ActionRevise), decoded)
}

func TestParseConfig(t *testing.T) {
	payload := []byte(`{
		"fieldName": "drugOrders",
		"encounterId": "E2",
		"mode": "EDIT",
		"defaultDate": "2024-05-01",
		"today": "2024-06-01",
		"supportedActions": ["NEW", "REVISE"],
		"rules": "in-encounter-edit",
		"history": [
			{"orderId": "A", "encounterId": "E1", "action": {"value": "NEW", "display": "New"},
			 "dateActivated": {"value": "2024-01-01", "display": "01/01/2024"}}
		],
		"orderables": [{"conceptId": "C1", "drugLabel": "Aspirin", "history": []}],
		"translations": {"drugOrder.renew": "Renew"}
	}`)

	cfg, err := ParseConfig(payload)
	require.NoError(t, err)

	assert.Equal(t, ModeEdit, cfg.Mode)
	assert.Equal(t, RulesInEncounterEdit, cfg.Rules)
	assert.True(t, cfg.Supports(ActionRevise))
	assert.False(t, cfg.Supports(ActionRenew))
	require.Len(t, cfg.History, 1)
	assert.Equal(t, Date("2024-01-01"), cfg.History[0].DateActivated.Value)

	o, ok := cfg.OrderableFor("C1")
	require.True(t, ok)
	assert.Equal(t, "Aspirin", o.Label)

	assert.Equal(t, "Renew", cfg.Translate("drugOrder.renew"))
	assert.Equal(t, "drugOrder.missing", cfg.Translate("drugOrder.missing"))

	assert.Equal(t, Date("2024-03-03"), cfg.EncounterDate("2024-03-03"))
	assert.Equal(t, Date("2024-05-01"), cfg.EncounterDate(""))
	cfg.DefaultDate = ""
	assert.Equal(t, Date("2024-06-01"), cfg.EncounterDate(""))
}

func TestParseConfigUnknownRulesFallsBack(t *testing.T) {
	cfg, err := ParseConfig([]byte(`{"rules": "lenient", "encounterId": "E1"}`))
	require.NoError(t, err)
	assert.Equal(t, RulesStandard, cfg.Rules)
	assert.Equal(t, "E1", cfg.EncounterID)

	diags := cfg.Diagnose()
	require.Len(t, diags, 1)
	assert.Equal(t, DiagUnknownRules, diags[0].Code)
	assert.Contains(t, diags[0].Message, `"lenient"`)

	plan := Reconstruct(cfg, "2024-06-01")
	assert.Equal(t, []DiagnosticCode{DiagUnknownRules}, codes(plan.Diagnostics))

	cfg, err = ParseConfig([]byte(`{"rules": "in-encounter-edit"}`))
	require.NoError(t, err)
	assert.Empty(t, cfg.Diagnose())
}
