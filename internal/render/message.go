package render

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/drfirst/go-orderwidget/internal/domain/order"
)

// Request is a render request consumed from the broker.
type Request struct {
	RequestID string          `json:"requestId"`
	Kind      Kind            `json:"kind"`
	Config    json.RawMessage `json:"config"`
	AsOf      order.Date      `json:"asOf,omitempty"`
	OrderID   string          `json:"orderId,omitempty"`
}

// Response is published for every handled Request.
type Response struct {
	RequestID   string                `json:"requestId"`
	Kind        Kind                  `json:"kind"`
	EncounterID string                `json:"encounterId,omitempty"`
	Plan        *order.Plan           `json:"plan,omitempty"`
	Orderables  []order.OrderableView `json:"orderables,omitempty"`
	Actions     *ActionsResult        `json:"actions,omitempty"`
	Diagnostics []order.Diagnostic    `json:"diagnostics,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// Handle runs one request. Errors wrap ErrInvalidRequest or ErrOrderNotFound
// and never succeed on retry.
func (s *Service) Handle(ctx context.Context, req Request) (Response, error) {
	resp := Response{RequestID: req.RequestID, Kind: req.Kind}

	cfg, err := s.DecodeConfig(req.Config)
	if err != nil {
		return resp, err
	}
	resp.EncounterID = cfg.EncounterID

	switch req.Kind {
	case KindPlan, "":
		resp.Kind = KindPlan
		plan := s.Plan(ctx, cfg, req.AsOf)
		resp.Plan = &plan
	case KindOrderables:
		resp.Orderables = s.Orderables(ctx, cfg, req.AsOf)
	case KindActions:
		actions, err := s.Actions(ctx, cfg, req.AsOf, req.OrderID)
		if err != nil {
			return resp, err
		}
		resp.Actions = actions
	case KindDiagnostics:
		resp.Diagnostics = s.Diagnose(ctx, cfg)
	default:
		return resp, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, req.Kind)
	}
	return resp, nil
}
