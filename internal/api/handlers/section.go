package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-orderwidget/internal/api/middleware"
	"github.com/drfirst/go-orderwidget/internal/domain/order"
	"github.com/drfirst/go-orderwidget/internal/domain/section"
	"github.com/drfirst/go-orderwidget/internal/render"
)

// SectionStore persists section aggregates
type SectionStore interface {
	Load(ctx context.Context, id string) (*section.Aggregate, error)
	Save(ctx context.Context, agg *section.Aggregate) error
	GetEvents(ctx context.Context, aggregateID string) ([]*section.Event, error)
}

// SectionObserver counts recorded section events
type SectionObserver interface {
	SectionEvent(eventType string)
}

// SectionHandler handles order section sessions
type SectionHandler struct {
	store    SectionStore
	svc      *render.Service
	observer SectionObserver
	logger   *zap.Logger
}

// NewSectionHandler creates a new handler
func NewSectionHandler(store SectionStore, svc *render.Service, observer SectionObserver, logger *zap.Logger) *SectionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SectionHandler{store: store, svc: svc, observer: observer, logger: logger}
}

// Routes returns the handler routes
func (h *SectionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Open)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/action", h.SelectAction)
	r.Delete("/{id}/action", h.ClearAction)
	r.Post("/{id}/fields", h.EditFields)
	r.Post("/{id}/encounter-date", h.ChangeEncounterDate)
	r.Get("/{id}/events", h.GetEvents)
	return r
}

// OpenRequest renders a section and starts its session. ConceptID selects a
// per-drug section, otherwise OrderID selects an existing order. Neither
// opens a section for a new order.
type OpenRequest struct {
	Config    json.RawMessage `json:"config"`
	AsOf      order.Date      `json:"asOf,omitempty"`
	OrderID   string          `json:"orderId,omitempty"`
	ConceptID string          `json:"conceptId,omitempty"`
}

// SectionResponse is the session state returned by every section endpoint
type SectionResponse struct {
	ID             string                 `json:"id"`
	Status         section.Status         `json:"status"`
	Version        int                    `json:"version"`
	EncounterID    string                 `json:"encounterId"`
	EncounterDate  order.Date             `json:"encounterDate"`
	OrderID        string                 `json:"orderId,omitempty"`
	ConceptID      string                 `json:"conceptId,omitempty"`
	AllowedActions []section.ActionOption `json:"allowedActions"`
	Selected       *order.Action          `json:"selected,omitempty"`
	Pending        *section.PendingOrder  `json:"pending,omitempty"`
	UpdatedAt      time.Time              `json:"updatedAt"`
}

// Open handles POST /sections
func (h *SectionHandler) Open(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("section-handler").Start(r.Context(), "open_section")
	defer span.End()

	var req OpenRequest
	if err := decodeBody(w, r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	cfg, err := h.svc.DecodeConfig(req.Config)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	encDate := cfg.EncounterDate(req.AsOf)
	target, options, err := h.options(ctx, cfg, encDate, req.OrderID, req.ConceptID)
	if err != nil {
		jsonError(w, err.Error(), statusFor(err))
		return
	}

	id := uuid.New().String()
	span.SetAttributes(attribute.String("section_id", id))

	agg := section.NewAggregate(id)
	if err := agg.Open(&section.SectionOpenedData{
		FieldName:      cfg.FieldName,
		EncounterID:    cfg.EncounterID,
		OrderID:        target,
		ConceptID:      req.ConceptID,
		EncounterDate:  encDate,
		AllowedActions: options,
	}); err != nil {
		h.fail(w, r, err)
		return
	}
	if !h.save(w, r.WithContext(ctx), agg) {
		return
	}

	h.logger.Info("order section opened",
		zap.String("id", id),
		zap.String("encounter_id", cfg.EncounterID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.Int("actions", len(options)))
	writeJSON(w, http.StatusCreated, sectionResponse(agg))
}

// Get handles GET /sections/{id}
func (h *SectionHandler) Get(w http.ResponseWriter, r *http.Request) {
	agg, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sectionResponse(agg))
}

// SelectActionRequest picks an action
type SelectActionRequest struct {
	Action order.Action `json:"action"`
}

// SelectAction handles POST /sections/{id}/action
func (h *SectionHandler) SelectAction(w http.ResponseWriter, r *http.Request) {
	var req SelectActionRequest
	if err := decodeBody(w, r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	h.command(w, r, func(agg *section.Aggregate) error {
		return agg.SelectAction(req.Action)
	})
}

// ClearAction handles DELETE /sections/{id}/action
func (h *SectionHandler) ClearAction(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, func(agg *section.Aggregate) error {
		return agg.ClearAction()
	})
}

// EditFieldsRequest sets inputs of the pending order
type EditFieldsRequest struct {
	Fields map[string]string `json:"fields"`
}

// EditFields handles POST /sections/{id}/fields
func (h *SectionHandler) EditFields(w http.ResponseWriter, r *http.Request) {
	var req EditFieldsRequest
	if err := decodeBody(w, r, &req); err != nil || len(req.Fields) == 0 {
		jsonError(w, "fields are required", http.StatusBadRequest)
		return
	}
	h.command(w, r, func(agg *section.Aggregate) error {
		for _, name := range slices.Sorted(maps.Keys(req.Fields)) {
			if err := agg.EditField(name, req.Fields[name]); err != nil {
				return err
			}
		}
		return nil
	})
}

// EncounterDateRequest re-renders a section at a new as-of date
type EncounterDateRequest struct {
	Config        json.RawMessage `json:"config"`
	EncounterDate order.Date      `json:"encounterDate"`
}

// ChangeEncounterDate handles POST /sections/{id}/encounter-date. Any
// selected action and pending input is discarded.
func (h *SectionHandler) ChangeEncounterDate(w http.ResponseWriter, r *http.Request) {
	var req EncounterDateRequest
	if err := decodeBody(w, r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !req.EncounterDate.Valid() {
		jsonError(w, "encounterDate must be yyyy-mm-dd", http.StatusBadRequest)
		return
	}
	cfg, err := h.svc.DecodeConfig(req.Config)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.command(w, r, func(agg *section.Aggregate) error {
		target, options, err := h.options(r.Context(), cfg, req.EncounterDate, agg.OrderID(), agg.ConceptID())
		if err != nil {
			return err
		}
		return agg.ChangeEncounterDate(req.EncounterDate, target, options)
	})
}

// GetEvents handles GET /sections/{id}/events
func (h *SectionHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.store.GetEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.logger.Error("get section events failed", zap.Error(err))
		jsonError(w, "failed to get events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*section.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// options resolves the order a section acts on and the actions it offers as
// of encDate.
func (h *SectionHandler) options(ctx context.Context, cfg *order.Config, encDate order.Date, orderID, conceptID string) (string, []section.ActionOption, error) {
	var (
		res *render.ActionsResult
		err error
	)
	switch {
	case conceptID != "":
		res, err = h.svc.OrderableActions(ctx, cfg, encDate, conceptID)
	case orderID != "":
		res, err = h.svc.Actions(ctx, cfg, encDate, orderID)
	case !cfg.IsView() && cfg.Supports(order.ActionNew):
		return "", section.OptionsFor([]order.Action{order.ActionNew}, nil), nil
	default:
		return "", []section.ActionOption{}, nil
	}
	if err != nil {
		return "", nil, err
	}
	return res.OrderID, section.OptionsFor(res.Actions, res.EditKinds), nil
}

func (h *SectionHandler) command(w http.ResponseWriter, r *http.Request, fn func(*section.Aggregate) error) {
	agg, ok := h.load(w, r)
	if !ok {
		return
	}
	if err := fn(agg); err != nil {
		h.fail(w, r, err)
		return
	}
	if !h.save(w, r, agg) {
		return
	}
	writeJSON(w, http.StatusOK, sectionResponse(agg))
}

func (h *SectionHandler) load(w http.ResponseWriter, r *http.Request) (*section.Aggregate, bool) {
	agg, err := h.store.Load(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, section.ErrSectionNotFound) {
			jsonError(w, "order section not found", http.StatusNotFound)
			return nil, false
		}
		h.logger.Error("load section failed", zap.Error(err))
		jsonError(w, "failed to load order section", http.StatusInternalServerError)
		return nil, false
	}
	return agg, true
}

func (h *SectionHandler) save(w http.ResponseWriter, r *http.Request, agg *section.Aggregate) bool {
	changes := agg.Changes()
	correlation := middleware.GetRequestID(r.Context())
	for _, e := range changes {
		e.CorrelationID = correlation
	}
	types := make([]section.EventType, 0, len(changes))
	for _, e := range changes {
		types = append(types, e.EventType)
	}

	if err := h.store.Save(r.Context(), agg); err != nil {
		if errors.Is(err, section.ErrConcurrentModification) {
			h.logger.Warn("section save conflict", zap.String("id", agg.ID()), zap.Error(err))
			jsonError(w, "order section was changed by another request; reload and retry", http.StatusConflict)
			return false
		}
		h.logger.Error("save section failed", zap.String("id", agg.ID()), zap.Error(err))
		jsonError(w, "failed to save order section", http.StatusInternalServerError)
		return false
	}
	if h.observer != nil {
		for _, t := range types {
			h.observer.SectionEvent(string(t))
		}
	}
	return true
}

func (h *SectionHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, section.ErrActionNotAllowed),
		errors.Is(err, section.ErrNoActionSelected),
		errors.Is(err, section.ErrFieldNotEditable),
		errors.Is(err, section.ErrSectionNotOpen),
		errors.Is(err, section.ErrSectionOpen):
		jsonError(w, err.Error(), http.StatusConflict)
	default:
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("section command failed",
				zap.String("request_id", middleware.GetRequestID(r.Context())),
				zap.Error(err))
		}
		jsonError(w, err.Error(), status)
	}
}

func sectionResponse(agg *section.Aggregate) SectionResponse {
	resp := SectionResponse{
		ID:             agg.ID(),
		Status:         agg.Status(),
		Version:        agg.Version(),
		EncounterID:    agg.EncounterID(),
		EncounterDate:  agg.EncounterDate(),
		OrderID:        agg.OrderID(),
		ConceptID:      agg.ConceptID(),
		AllowedActions: agg.AllowedActions(),
		UpdatedAt:      agg.UpdatedAt(),
	}
	if resp.AllowedActions == nil {
		resp.AllowedActions = []section.ActionOption{}
	}
	if pending, ok := agg.Pending(); ok {
		selected := pending.Action
		resp.Selected = &selected
		resp.Pending = &pending
	}
	return resp
}
