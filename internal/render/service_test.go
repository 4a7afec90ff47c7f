package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-orderwidget/internal/domain/order"
	"github.com/drfirst/go-orderwidget/pkg/circuitbreaker"
)

const revisionPayload = `{
  "fieldName": "drugOrders",
  "encounterId": "E2",
  "mode": "EDIT",
  "today": "2024-06-01",
  "supportedActions": ["NEW", "RENEW", "REVISE", "DISCONTINUE"],
  "history": [
    {"orderId": "A", "encounterId": "E1",
     "action": {"value": "NEW", "display": "New"},
     "dateActivated": {"value": "2024-01-01", "display": "Jan 1"},
     "effectiveStartDate": {"value": "2024-01-01", "display": "Jan 1"}},
    {"orderId": "B", "previousOrderId": "A", "encounterId": "E2",
     "action": {"value": "REVISE", "display": "Revise"},
     "dateActivated": {"value": "2024-06-01", "display": "Jun 1"},
     "effectiveStartDate": {"value": "2024-06-01", "display": "Jun 1"}}
  ]
}`

const renewPayload = `{
  "encounterId": "E2",
  "mode": "EDIT",
  "today": "2024-06-01",
  "supportedActions": ["RENEW", "REVISE", "DISCONTINUE"],
  %s
  "history": [
    {"orderId": "C", "encounterId": "E2",
     "action": {"value": "RENEW", "display": "Renew"},
     "dateActivated": {"value": "2024-06-01", "display": "Jun 1"}}
  ]
}`

type recordingObserver struct {
	mu      sync.Mutex
	plans   []order.Plan
	views   int
	actions [][]order.Action
}

func (o *recordingObserver) ObservePlan(plan order.Plan, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.plans = append(o.plans, plan)
}

func (o *recordingObserver) ObserveOrderables(_ order.Mode, views []order.OrderableView, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.views += len(views)
}

func (o *recordingObserver) ObserveActions(_ order.Mode, actions []order.Action, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.actions = append(o.actions, actions)
}

type stubHistories struct {
	history order.History
	err     error
	calls   int
}

func (s *stubHistories) History(_ context.Context, patientID, conceptID string) (order.History, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.history, nil
}

func renewConfig(t *testing.T, rulesMember string) json.RawMessage {
	t.Helper()
	if rulesMember != "" {
		rulesMember += ","
	}
	return json.RawMessage(fmt.Sprintf(renewPayload, rulesMember))
}

func TestDecodeConfig(t *testing.T) {
	_, err := DecodeConfig(nil, order.RulesStandard)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = DecodeConfig(json.RawMessage(`null`), order.RulesStandard)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = DecodeConfig(json.RawMessage(`{"mode": 12}`), order.RulesStandard)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	cfg, err := DecodeConfig(renewConfig(t, ""), order.RulesInEncounterEdit)
	require.NoError(t, err)
	assert.Equal(t, order.RulesInEncounterEdit, cfg.Rules)

	cfg, err = DecodeConfig(renewConfig(t, `"rules": "standard"`), order.RulesInEncounterEdit)
	require.NoError(t, err)
	assert.Equal(t, order.RulesStandard, cfg.Rules)
}

func TestPlan(t *testing.T) {
	obs := &recordingObserver{}
	svc := NewService(Options{Observer: obs})

	cfg, err := svc.DecodeConfig(json.RawMessage(revisionPayload))
	require.NoError(t, err)

	plan := svc.Plan(context.Background(), cfg, "")

	assert.Equal(t, order.Date("2024-06-01"), plan.EncounterDate)
	require.Len(t, plan.Sections, 2)
	last := plan.Sections[1]
	require.Len(t, last.Items, 2)
	assert.True(t, last.Items[0].IsPrevious)
	assert.Equal(t, "B", last.Current().Order.OrderID)
	assert.Equal(t, []order.Action{order.ActionRevise, order.ActionDiscontinue}, last.Current().AllowedActions)

	require.Len(t, obs.plans, 1)
	assert.Equal(t, plan.Sections, obs.plans[0].Sections)
}

func TestActions(t *testing.T) {
	obs := &recordingObserver{}
	svc := NewService(Options{Observer: obs})
	ctx := context.Background()

	cfg, err := svc.DecodeConfig(json.RawMessage(revisionPayload))
	require.NoError(t, err)

	res, err := svc.Actions(ctx, cfg, "", "B")
	require.NoError(t, err)
	assert.True(t, res.CanEdit)
	assert.Equal(t, []order.Action{order.ActionRevise, order.ActionDiscontinue}, res.Actions)
	assert.Equal(t, []order.EditKind{order.EditKindVoidAndEdit, order.EditKindVoid}, res.EditKinds)

	res, err = svc.Actions(ctx, cfg, "", "A")
	require.NoError(t, err)
	assert.False(t, res.CanEdit, "A is superseded by B")
	assert.Empty(t, res.Actions)

	_, err = svc.Actions(ctx, cfg, "", "ghost")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	cfg.Mode = order.ModeView
	res, err = svc.Actions(ctx, cfg, "", "B")
	require.NoError(t, err)
	assert.Empty(t, res.Actions)

	assert.Len(t, obs.actions, 3)
}

func TestActionsFollowRuleSet(t *testing.T) {
	ctx := context.Background()

	standard := NewService(Options{Rules: order.RulesStandard})
	cfg, err := standard.DecodeConfig(renewConfig(t, ""))
	require.NoError(t, err)
	res, err := standard.Actions(ctx, cfg, "", "C")
	require.NoError(t, err)
	assert.Equal(t, []order.Action{order.ActionRevise, order.ActionDiscontinue}, res.Actions)

	edit := NewService(Options{Rules: order.RulesInEncounterEdit})
	assert.Equal(t, order.RulesInEncounterEdit, edit.Rules())
	cfg, err = edit.DecodeConfig(renewConfig(t, ""))
	require.NoError(t, err)
	res, err = edit.Actions(ctx, cfg, "", "C")
	require.NoError(t, err)
	assert.Equal(t, []order.Action{order.ActionRenew, order.ActionDiscontinue}, res.Actions)
}

func TestDiagnose(t *testing.T) {
	svc := NewService(Options{})
	cfg := &order.Config{
		EncounterID: "E2",
		History: order.History{
			{OrderID: "A", EncounterID: "E1"},
			{OrderID: "A", EncounterID: "E1"},
		},
		Orderables: []order.Orderable{{
			ConceptID: "1107",
			History:   order.History{{OrderID: "X", PreviousOrderID: "ghost"}},
		}},
	}

	diags := svc.Diagnose(context.Background(), cfg)

	codes := make([]order.DiagnosticCode, 0, len(diags))
	for _, d := range diags {
		codes = append(codes, d.Code)
	}
	assert.Contains(t, codes, order.DiagDuplicateOrder)
	assert.Contains(t, codes, order.DiagMissingPrevious)

	assert.NotNil(t, svc.Diagnose(context.Background(), &order.Config{}))
}

func TestUnknownRulesDegradeToStandard(t *testing.T) {
	svc := NewService(Options{Rules: order.RulesInEncounterEdit})
	cfg, err := svc.DecodeConfig(renewConfig(t, `"rules": "lenient"`))
	require.NoError(t, err)
	assert.Equal(t, order.RulesStandard, cfg.Rules)

	diags := svc.Diagnose(context.Background(), cfg)
	require.NotEmpty(t, diags)
	assert.Equal(t, order.DiagUnknownRules, diags[0].Code)

	plan := svc.Plan(context.Background(), cfg, "")
	assert.Equal(t, order.DiagUnknownRules, plan.Diagnostics[0].Code)
}

func TestPatientPlan(t *testing.T) {
	source := &stubHistories{history: order.History{{
		OrderID:       "A",
		EncounterID:   "E1",
		Action:        order.NewField(order.ActionNew, "New"),
		DateActivated: order.NewField(order.Date("2024-01-01"), "Jan 1"),
	}}}
	breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("order-history"), nil)
	require.NoError(t, err)

	svc := NewService(Options{
		Histories: source,
		Breaker:   breaker,
		Today:     func() order.Date { return "2024-06-01" },
	})

	plan, err := svc.PatientPlan(context.Background(), PatientQuery{PatientID: "P1", ConceptID: "1107", EncounterID: "E2"})
	require.NoError(t, err)
	assert.Equal(t, order.Date("2024-06-01"), plan.EncounterDate)
	assert.Equal(t, order.ModeEdit, plan.Mode)
	require.Len(t, plan.Sections, 1)
	assert.Equal(t, []order.Action{order.ActionRenew, order.ActionRevise, order.ActionDiscontinue}, plan.Sections[0].Current().AllowedActions)
	assert.Equal(t, 1, source.calls)
}

func TestPatientPlanErrors(t *testing.T) {
	_, err := NewService(Options{}).PatientPlan(context.Background(), PatientQuery{PatientID: "P1"})
	assert.ErrorIs(t, err, ErrNoHistorySource)

	boom := errors.New("connection refused")
	svc := NewService(Options{Histories: &stubHistories{err: boom}})
	_, err = svc.PatientPlan(context.Background(), PatientQuery{PatientID: "P1"})
	assert.ErrorIs(t, err, boom)
}

func TestHandle(t *testing.T) {
	svc := NewService(Options{})
	ctx := context.Background()
	cfg := json.RawMessage(revisionPayload)

	resp, err := svc.Handle(ctx, Request{RequestID: "r1", Config: cfg})
	require.NoError(t, err)
	assert.Equal(t, KindPlan, resp.Kind)
	assert.Equal(t, "E2", resp.EncounterID)
	require.NotNil(t, resp.Plan)
	assert.Len(t, resp.Plan.Sections, 2)

	resp, err = svc.Handle(ctx, Request{RequestID: "r2", Kind: KindActions, Config: cfg, OrderID: "B"})
	require.NoError(t, err)
	require.NotNil(t, resp.Actions)
	assert.Equal(t, "B", resp.Actions.OrderID)

	resp, err = svc.Handle(ctx, Request{RequestID: "r3", Kind: KindOrderables, Config: cfg})
	require.NoError(t, err)
	assert.Empty(t, resp.Orderables)

	_, err = svc.Handle(ctx, Request{RequestID: "r4", Kind: "explode", Config: cfg})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Handle(ctx, Request{RequestID: "r5", Kind: KindActions, Config: cfg, OrderID: "ghost"})
	assert.ErrorIs(t, err, ErrOrderNotFound)
}
