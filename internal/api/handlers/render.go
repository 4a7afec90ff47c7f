// Package handlers provides HTTP handlers for the order widget API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-orderwidget/internal/api/middleware"
	"github.com/drfirst/go-orderwidget/internal/domain/order"
	"github.com/drfirst/go-orderwidget/internal/fhir/mapper"
	fhir "github.com/drfirst/go-orderwidget/internal/fhir/r5"
	"github.com/drfirst/go-orderwidget/internal/infrastructure/payload"
	"github.com/drfirst/go-orderwidget/internal/render"
	"github.com/drfirst/go-orderwidget/pkg/circuitbreaker"
)

const fhirContentType = "application/fhir+json"

// RenderHandler serves render passes over a posted configuration
type RenderHandler struct {
	svc    *render.Service
	logger *zap.Logger
}

// NewRenderHandler creates a new handler
func NewRenderHandler(svc *render.Service, logger *zap.Logger) *RenderHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RenderHandler{svc: svc, logger: logger}
}

// Register adds the render routes to r
func (h *RenderHandler) Register(r chi.Router) {
	r.Post("/render", h.Plan)
	r.Post("/render/orderables", h.Orderables)
	r.Post("/actions", h.Actions)
	r.Post("/diagnostics", h.Diagnostics)
	r.Post("/fhir/medication-requests", h.MedicationRequests)
	r.Get("/patients/{patientId}/orderables/{conceptId}/plan", h.PatientPlan)
}

// RenderRequest is the body of every render endpoint
type RenderRequest struct {
	Config    json.RawMessage `json:"config"`
	AsOf      order.Date      `json:"asOf,omitempty"`
	OrderID   string          `json:"orderId,omitempty"`
	PatientID string          `json:"patientId,omitempty"`
}

// ActionsResponse is returned by POST /actions
type ActionsResponse struct {
	*render.ActionsResult
	Options []ActionOption `json:"options"`
}

// ActionOption is an offered action with its translated label
type ActionOption struct {
	Action   order.Action   `json:"action"`
	EditKind order.EditKind `json:"editKind"`
	Label    string         `json:"label"`
}

// Plan handles POST /render
func (h *RenderHandler) Plan(w http.ResponseWriter, r *http.Request) {
	req, cfg, ok := h.decode(w, r)
	if !ok {
		return
	}
	plan := h.svc.Plan(r.Context(), cfg, req.AsOf)
	writeJSON(w, http.StatusOK, plan)
}

// Orderables handles POST /render/orderables
func (h *RenderHandler) Orderables(w http.ResponseWriter, r *http.Request) {
	req, cfg, ok := h.decode(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Orderables(r.Context(), cfg, req.AsOf))
}

// Actions handles POST /actions
func (h *RenderHandler) Actions(w http.ResponseWriter, r *http.Request) {
	req, cfg, ok := h.decode(w, r)
	if !ok {
		return
	}
	if req.OrderID == "" {
		jsonError(w, "orderId is required", http.StatusBadRequest)
		return
	}
	res, err := h.svc.Actions(r.Context(), cfg, req.AsOf, req.OrderID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := ActionsResponse{ActionsResult: res, Options: make([]ActionOption, 0, len(res.Actions))}
	for i, a := range res.Actions {
		resp.Options = append(resp.Options, ActionOption{
			Action:   a,
			EditKind: res.EditKinds[i],
			Label:    cfg.Translate(a.String()),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Diagnostics handles POST /diagnostics
func (h *RenderHandler) Diagnostics(w http.ResponseWriter, r *http.Request) {
	_, cfg, ok := h.decode(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Diagnose(r.Context(), cfg))
}

// MedicationRequests handles POST /fhir/medication-requests. The plan is
// returned as a searchset Bundle with its diagnostics as issues. Errors are
// OperationOutcomes.
func (h *RenderHandler) MedicationRequests(w http.ResponseWriter, r *http.Request) {
	var req RenderRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeFHIR(w, http.StatusBadRequest, fhir.NewErrorOutcome("invalid", "invalid request body"))
		return
	}
	cfg, err := h.svc.DecodeConfig(req.Config)
	if err != nil {
		writeFHIR(w, http.StatusBadRequest, fhir.NewErrorOutcome("invalid", err.Error()))
		return
	}

	plan := h.svc.Plan(r.Context(), cfg, req.AsOf)
	bundle := mapper.NewOrderMapper(req.PatientID).SearchSet(plan)
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.Int("fhir.resources", bundle.Total),
		attribute.Int("fhir.issues", len(plan.Diagnostics)))

	writeFHIR(w, http.StatusOK, bundle)
}

// PatientPlan handles GET /patients/{patientId}/orderables/{conceptId}/plan
func (h *RenderHandler) PatientPlan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := render.PatientQuery{
		PatientID:   chi.URLParam(r, "patientId"),
		ConceptID:   chi.URLParam(r, "conceptId"),
		EncounterID: q.Get("encounterId"),
		Mode:        order.Mode(q.Get("mode")),
		AsOf:        order.Date(q.Get("asOf")),
	}
	switch query.Mode {
	case "", order.ModeView, order.ModeEntry, order.ModeEdit:
	default:
		jsonError(w, "mode must be VIEW, ENTRY or EDIT", http.StatusBadRequest)
		return
	}
	if !query.AsOf.IsZero() && !query.AsOf.Valid() {
		jsonError(w, "asOf must be yyyy-mm-dd", http.StatusBadRequest)
		return
	}

	plan, err := h.svc.PatientPlan(r.Context(), query)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (h *RenderHandler) decode(w http.ResponseWriter, r *http.Request) (RenderRequest, *order.Config, bool) {
	var req RenderRequest
	if err := decodeBody(w, r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return req, nil, false
	}
	cfg, err := h.svc.DecodeConfig(req.Config)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return req, nil, false
	}
	return req, cfg, true
}

func (h *RenderHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("render failed",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	}
	jsonError(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, render.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, render.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, render.ErrNoHistorySource), circuitbreaker.IsUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, payload.MaxPayloadBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeFHIR(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", fhirContentType)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}
