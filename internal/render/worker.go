package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-orderwidget/pkg/circuitbreaker"
	"github.com/drfirst/go-orderwidget/pkg/idempotency"
)

// Publisher sends one record to a topic
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// WorkerMetrics counts broker traffic
type WorkerMetrics interface {
	MessageConsumed(topic string)
	MessageProduced(topic string)
}

// WorkerConfig names the topics a Worker reads and writes
type WorkerConfig struct {
	RequestTopic    string
	PlanTopic       string
	DeadLetterTopic string
}

// Worker answers render requests from the broker. Requests are processed
// at most once per idempotency key; the stored response is replayed for
// duplicates.
type Worker struct {
	svc       *Service
	publisher Publisher
	inbox     *idempotency.Inbox
	breaker   *circuitbreaker.CircuitBreaker
	metrics   WorkerMetrics
	config    WorkerConfig
	logger    *zap.Logger
}

// NewWorker creates a worker. inbox, breaker and metrics may be nil.
func NewWorker(svc *Service, publisher Publisher, inbox *idempotency.Inbox, breaker *circuitbreaker.CircuitBreaker, metrics WorkerMetrics, cfg WorkerConfig, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		svc:       svc,
		publisher: publisher,
		inbox:     inbox,
		breaker:   breaker,
		metrics:   metrics,
		config:    cfg,
		logger:    logger,
	}
}

// DeadLetter is published for requests that cannot be read
type DeadLetter struct {
	OriginalTopic string    `json:"originalTopic"`
	Key           string    `json:"key"`
	Payload       []byte    `json:"payload"`
	Error         string    `json:"error"`
	FailedAt      time.Time `json:"failedAt"`
}

// Retryable reports whether a failed Process call may succeed when repeated.
func Retryable(err error) bool {
	return !idempotency.IsTerminal(err) &&
		!errors.Is(err, idempotency.ErrMessageInProgress) &&
		!circuitbreaker.IsUnavailable(err)
}

// Process handles one consumed record. A returned error leaves the record
// uncommitted.
func (w *Worker) Process(ctx context.Context, key, value []byte) error {
	if w.metrics != nil {
		w.metrics.MessageConsumed(w.config.RequestTopic)
	}

	var req Request
	if err := json.Unmarshal(value, &req); err != nil {
		return w.deadLetter(ctx, key, value, fmt.Errorf("decode render request: %w", err))
	}
	if req.RequestID == "" {
		req.RequestID = string(key)
	}

	run := func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		resp, err := w.svc.Handle(ctx, req)
		if err != nil {
			return nil, idempotency.Terminal(err)
		}
		return json.Marshal(resp)
	}

	var (
		result json.RawMessage
		err    error
	)
	if w.inbox != nil {
		var res *idempotency.ProcessResult
		res, err = w.inbox.Process(ctx, requestKey(req), "render."+string(req.Kind), value, run)
		if res != nil {
			result = res.Result
			if !res.IsNew && !res.WasRecovered {
				w.logger.Debug("replaying render response", zap.String("request_id", req.RequestID))
			}
		}
	} else {
		result, err = run(ctx, value)
	}

	switch {
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		w.logger.Info("skipping previously failed render request", zap.String("request_id", req.RequestID))
		return nil
	case idempotency.IsTerminal(err):
		w.logger.Warn("render request rejected", zap.String("request_id", req.RequestID), zap.Error(err))
		result, err = json.Marshal(Response{RequestID: req.RequestID, Kind: req.Kind, Error: err.Error()})
		if err != nil {
			return err
		}
	case err != nil:
		return err
	}

	out, err := withRequestID(result, req.RequestID)
	if err != nil {
		return err
	}
	return w.publish(ctx, w.config.PlanTopic, req.RequestID, out)
}

// Abandon dead-letters a request whose processing kept failing. A request
// still claimed by another consumer is left to that consumer.
func (w *Worker) Abandon(ctx context.Context, key, value []byte, cause error) error {
	if errors.Is(cause, idempotency.ErrMessageInProgress) {
		w.logger.Info("render request in progress elsewhere", zap.ByteString("key", key))
		return nil
	}
	return w.deadLetter(ctx, key, value, cause)
}

func (w *Worker) deadLetter(ctx context.Context, key, value []byte, cause error) error {
	w.logger.Warn("dead-lettering render request", zap.ByteString("key", key), zap.Error(cause))
	body, err := json.Marshal(DeadLetter{
		OriginalTopic: w.config.RequestTopic,
		Key:           string(key),
		Payload:       value,
		Error:         cause.Error(),
		FailedAt:      time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return w.publish(ctx, w.config.DeadLetterTopic, string(key), body)
}

func (w *Worker) publish(ctx context.Context, topic, key string, value []byte) error {
	send := func(ctx context.Context) (struct{}, error) {
		return struct{}{}, w.publisher.Publish(ctx, topic, key, value)
	}
	var err error
	if w.breaker != nil {
		_, err = circuitbreaker.Do(ctx, w.breaker, send)
	} else {
		_, err = send(ctx)
	}
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	if w.metrics != nil {
		w.metrics.MessageProduced(topic)
	}
	return nil
}

// requestKey identifies a request by content so resubmissions of the same
// payload share a result.
func requestKey(req Request) string {
	var head struct {
		EncounterID string `json:"encounterId"`
	}
	_ = json.Unmarshal(req.Config, &head)
	kind := string(req.Kind)
	if req.OrderID != "" {
		kind += ":" + req.OrderID
	}
	return idempotency.RenderKey(kind, head.EncounterID, req.AsOf.String(), req.Config)
}

// withRequestID stamps a stored response with the id of the request being
// answered.
func withRequestID(result json.RawMessage, requestID string) ([]byte, error) {
	var resp Response
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("decode stored response: %w", err)
	}
	resp.RequestID = requestID
	return json.Marshal(resp)
}
