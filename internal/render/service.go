// Package render runs render passes of the order engine for the API, the
// render worker and the CLI.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-orderwidget/internal/domain/order"
	"github.com/drfirst/go-orderwidget/internal/observability/tracing"
	"github.com/drfirst/go-orderwidget/pkg/circuitbreaker"
)

var (
	// ErrInvalidRequest is returned for payloads the engine cannot read.
	ErrInvalidRequest = errors.New("invalid render request")
	// ErrOrderNotFound is returned when the requested order is not in the history.
	ErrOrderNotFound = errors.New("order not found in history")
	// ErrNoHistorySource is returned for patient renders without a store.
	ErrNoHistorySource = errors.New("no order history source configured")
)

// Kind names a render operation.
type Kind string

const (
	KindPlan        Kind = "plan"
	KindOrderables  Kind = "orderables"
	KindActions     Kind = "actions"
	KindDiagnostics Kind = "diagnostics"
)

// Observer receives the outcome of each render pass.
type Observer interface {
	ObservePlan(plan order.Plan, took time.Duration)
	ObserveOrderables(mode order.Mode, views []order.OrderableView, took time.Duration)
	ObserveActions(mode order.Mode, actions []order.Action, took time.Duration)
}

// HistorySource loads the order history of one orderable of a patient.
type HistorySource interface {
	History(ctx context.Context, patientID, conceptID string) (order.History, error)
}

// Options configures a Service. Only Rules is needed for pure renders.
type Options struct {
	// Rules applies to payloads that do not name a rule set
	Rules     order.RuleSet
	Histories HistorySource
	// Breaker guards Histories when set
	Breaker  *circuitbreaker.CircuitBreaker
	Observer Observer
	Logger   *zap.Logger
	// Today returns the fallback date of patient renders
	Today func() order.Date
}

// Service wraps the engine with decoding, tracing and metrics.
type Service struct {
	rules     order.RuleSet
	histories HistorySource
	breaker   *circuitbreaker.CircuitBreaker
	observer  Observer
	logger    *zap.Logger
	today     func() order.Date
}

// NewService creates a render service
func NewService(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Today == nil {
		opts.Today = func() order.Date { return order.DateOf(time.Now()) }
	}
	return &Service{
		rules:     opts.Rules,
		histories: opts.Histories,
		breaker:   opts.Breaker,
		observer:  opts.Observer,
		logger:    opts.Logger,
		today:     opts.Today,
	}
}

// Rules returns the default rule set.
func (s *Service) Rules() order.RuleSet { return s.rules }

// DecodeConfig parses a configuration payload. A payload without a "rules"
// member gets the service default.
func (s *Service) DecodeConfig(raw json.RawMessage) (*order.Config, error) {
	return DecodeConfig(raw, s.rules)
}

// DecodeConfig parses a configuration payload, applying rules when the
// payload does not name a rule set.
func DecodeConfig(raw json.RawMessage, rules order.RuleSet) (*order.Config, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%w: config is required", ErrInvalidRequest)
	}
	cfg, err := order.ParseConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	var named struct {
		Rules *json.RawMessage `json:"rules"`
	}
	if err := json.Unmarshal(raw, &named); err == nil && named.Rules == nil {
		cfg.Rules = rules
	}
	return cfg, nil
}

// Plan runs a full render pass as of asOf.
func (s *Service) Plan(ctx context.Context, cfg *order.Config, asOf order.Date) order.Plan {
	start := time.Now()
	encDate := cfg.EncounterDate(asOf)
	_, span := tracing.StartRender(ctx, string(KindPlan), cfg, encDate)

	plan := order.Reconstruct(cfg, encDate)

	tracing.EndRender(span, plan)
	if s.observer != nil {
		s.observer.ObservePlan(plan, time.Since(start))
	}
	s.logger.Debug("rendered plan",
		zap.String("encounter_id", cfg.EncounterID),
		zap.String("encounter_date", encDate.String()),
		zap.Int("sections", len(plan.Sections)),
		zap.Bool("fallback", plan.Fallback))
	return plan
}

// Orderables renders every per-drug section as of asOf.
func (s *Service) Orderables(ctx context.Context, cfg *order.Config, asOf order.Date) []order.OrderableView {
	start := time.Now()
	encDate := cfg.EncounterDate(asOf)
	_, span := tracing.StartRender(ctx, string(KindOrderables), cfg, encDate)
	defer span.End()

	views := order.FoldOrderables(cfg, encDate)
	span.SetAttributes(attribute.Int("orderwidget.orderables", len(views)))

	if s.observer != nil {
		s.observer.ObserveOrderables(cfg.Mode, views, time.Since(start))
	}
	return views
}

// ActionsResult is the eligibility of one order.
type ActionsResult struct {
	OrderID       string           `json:"orderId"`
	EncounterDate order.Date       `json:"encounterDate"`
	CanEdit       bool             `json:"canEdit"`
	Actions       []order.Action   `json:"actions"`
	EditKinds     []order.EditKind `json:"editKinds"`
}

// Actions resolves the actions legal on orderID as of asOf. VIEW mode never
// offers actions.
func (s *Service) Actions(ctx context.Context, cfg *order.Config, asOf order.Date, orderID string) (*ActionsResult, error) {
	start := time.Now()
	encDate := cfg.EncounterDate(asOf)
	_, span := tracing.StartRender(ctx, string(KindActions), cfg, encDate)
	defer span.End()
	span.SetAttributes(attribute.String("orderwidget.order_id", orderID))

	rec, ok := cfg.History.Get(orderID)
	if !ok {
		span.RecordError(ErrOrderNotFound)
		return nil, fmt.Errorf("%w: %q", ErrOrderNotFound, orderID)
	}

	res := &ActionsResult{
		OrderID:       orderID,
		EncounterDate: encDate,
		Actions:       []order.Action{},
		EditKinds:     []order.EditKind{},
	}
	if !cfg.IsView() {
		res.CanEdit = order.CanEdit(rec, cfg, encDate)
		res.Actions = order.SupportedActions(rec, cfg, encDate)
		for _, a := range res.Actions {
			res.EditKinds = append(res.EditKinds, order.EditKindOf(rec, cfg, a))
		}
	}

	if s.observer != nil {
		s.observer.ObserveActions(cfg.Mode, res.Actions, time.Since(start))
	}
	return res, nil
}

// OrderableActions resolves the actions of the per-drug section for conceptID
// as of asOf. OrderID is the last rendered order the actions apply to, empty
// when the drug has nothing to act on yet.
func (s *Service) OrderableActions(ctx context.Context, cfg *order.Config, asOf order.Date, conceptID string) (*ActionsResult, error) {
	start := time.Now()
	encDate := cfg.EncounterDate(asOf)
	_, span := tracing.StartRender(ctx, string(KindActions), cfg, encDate)
	defer span.End()
	span.SetAttributes(attribute.String("orderwidget.concept_id", conceptID))

	o, ok := cfg.OrderableFor(conceptID)
	if !ok {
		span.RecordError(ErrInvalidRequest)
		return nil, fmt.Errorf("%w: unknown conceptId %q", ErrInvalidRequest, conceptID)
	}

	view := order.FoldOrderable(cfg, o, encDate)
	res := &ActionsResult{
		EncounterDate: encDate,
		Actions:       []order.Action{},
		EditKinds:     []order.EditKind{},
	}
	if view.LastRendered != nil {
		res.OrderID = view.LastRendered.OrderID
	}
	if !cfg.IsView() {
		res.Actions = append(res.Actions, view.AllowedActions...)
		for _, a := range res.Actions {
			kind := order.EditKindRevision
			if view.LastRendered != nil {
				kind = order.EditKindOf(*view.LastRendered, cfg, a)
			}
			res.EditKinds = append(res.EditKinds, kind)
		}
		res.CanEdit = len(res.Actions) > 0
	}

	if s.observer != nil {
		s.observer.ObserveActions(cfg.Mode, res.Actions, time.Since(start))
	}
	return res, nil
}

// Diagnose reports data-quality findings in the configured histories.
func (s *Service) Diagnose(ctx context.Context, cfg *order.Config) []order.Diagnostic {
	_, span := tracing.StartRender(ctx, string(KindDiagnostics), cfg, cfg.EncounterDate(""))
	defer span.End()

	diags := append(cfg.Diagnose(), cfg.History.Diagnose()...)
	for _, o := range cfg.Orderables {
		diags = append(diags, o.History.Diagnose()...)
	}
	span.SetAttributes(attribute.Int("orderwidget.diagnostics", len(diags)))
	if diags == nil {
		diags = []order.Diagnostic{}
	}
	return diags
}

// PatientQuery selects a stored history to render.
type PatientQuery struct {
	PatientID   string
	ConceptID   string
	EncounterID string
	Mode        order.Mode
	AsOf        order.Date
}

// PatientPlan loads a stored history and renders it with every action
// supported.
func (s *Service) PatientPlan(ctx context.Context, q PatientQuery) (order.Plan, error) {
	history, err := s.history(ctx, q.PatientID, q.ConceptID)
	if err != nil {
		return order.Plan{}, err
	}
	mode := q.Mode
	if mode == "" {
		mode = order.ModeEdit
	}
	cfg := &order.Config{
		EncounterID:      q.EncounterID,
		Mode:             mode,
		Today:            s.today(),
		SupportedActions: order.AllActions(),
		Rules:            s.rules,
		History:          history,
	}
	return s.Plan(ctx, cfg, q.AsOf), nil
}

func (s *Service) history(ctx context.Context, patientID, conceptID string) (order.History, error) {
	if s.histories == nil {
		return nil, ErrNoHistorySource
	}
	load := func(ctx context.Context) (order.History, error) {
		return s.histories.History(ctx, patientID, conceptID)
	}
	var (
		history order.History
		err     error
	)
	if s.breaker != nil {
		history, err = circuitbreaker.Do(ctx, s.breaker, load)
	} else {
		history, err = load(ctx)
	}
	if err != nil {
		s.logger.Warn("history load failed",
			zap.String("patient_id", patientID),
			zap.String("concept_id", conceptID),
			zap.Error(err))
		return nil, fmt.Errorf("load history: %w", err)
	}
	return history, nil
}
