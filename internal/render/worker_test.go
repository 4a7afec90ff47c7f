package render

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-orderwidget/pkg/circuitbreaker"
	"github.com/drfirst/go-orderwidget/pkg/idempotency"
)

var testTopics = WorkerConfig{
	RequestTopic:    "render.requests",
	PlanTopic:       "render.plans",
	DeadLetterTopic: "dead.letter",
}

type published struct {
	topic, key string
	value      []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{topic, key, value})
	return nil
}

type inboxStore struct {
	mu      sync.Mutex
	entries map[string]*idempotency.InboxEntry
}

func (s *inboxStore) Get(_ context.Context, key string) (*idempotency.InboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, nil
}

func (s *inboxStore) Claim(_ context.Context, key, handler string, payload json.RawMessage, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.Status != idempotency.StatusRecoverable {
		return idempotency.ErrDuplicateMessage
	}
	s.entries[key] = &idempotency.InboxEntry{IdempotencyKey: key, HandlerName: handler, Status: idempotency.StatusStarted, UpdatedAt: time.Now()}
	return nil
}

func (s *inboxStore) SetStatus(_ context.Context, key string, status idempotency.Status, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key].Status = status
	s.entries[key].Result = result
	return nil
}

type trafficCounter struct {
	consumed, produced map[string]int
}

func (c *trafficCounter) MessageConsumed(topic string) { c.consumed[topic]++ }
func (c *trafficCounter) MessageProduced(topic string) { c.produced[topic]++ }

func newTestWorker(pub Publisher, withInbox bool) (*Worker, *trafficCounter) {
	var inbox *idempotency.Inbox
	if withInbox {
		inbox = idempotency.NewInbox(&inboxStore{entries: map[string]*idempotency.InboxEntry{}}, idempotency.DefaultInboxConfig(), nil)
	}
	counter := &trafficCounter{consumed: map[string]int{}, produced: map[string]int{}}
	return NewWorker(NewService(Options{}), pub, inbox, nil, counter, testTopics, nil), counter
}

func request(t *testing.T, req Request) []byte {
	t.Helper()
	b, err := json.Marshal(req)
	require.NoError(t, err)
	return b
}

func TestWorkerPublishesPlan(t *testing.T) {
	pub := &recordingPublisher{}
	w, counter := newTestWorker(pub, true)

	err := w.Process(context.Background(), []byte("k1"), request(t, Request{RequestID: "r1", Config: json.RawMessage(revisionPayload)}))
	require.NoError(t, err)

	require.Len(t, pub.sent, 1)
	assert.Equal(t, testTopics.PlanTopic, pub.sent[0].topic)
	assert.Equal(t, "r1", pub.sent[0].key)

	var resp Response
	require.NoError(t, json.Unmarshal(pub.sent[0].value, &resp))
	assert.Equal(t, "r1", resp.RequestID)
	require.NotNil(t, resp.Plan)
	assert.Len(t, resp.Plan.Sections, 2)

	assert.Equal(t, 1, counter.consumed[testTopics.RequestTopic])
	assert.Equal(t, 1, counter.produced[testTopics.PlanTopic])
}

func TestWorkerReplaysDuplicateWithNewRequestID(t *testing.T) {
	pub := &recordingPublisher{}
	w, _ := newTestWorker(pub, true)
	ctx := context.Background()

	require.NoError(t, w.Process(ctx, nil, request(t, Request{RequestID: "r1", Config: json.RawMessage(revisionPayload)})))
	require.NoError(t, w.Process(ctx, nil, request(t, Request{RequestID: "r2", Config: json.RawMessage(revisionPayload)})))

	require.Len(t, pub.sent, 2)
	var first, second Response
	require.NoError(t, json.Unmarshal(pub.sent[0].value, &first))
	require.NoError(t, json.Unmarshal(pub.sent[1].value, &second))
	assert.Equal(t, "r2", second.RequestID)
	assert.Equal(t, first.Plan, second.Plan)
}

func TestWorkerAnswersRejectedRequestOnce(t *testing.T) {
	pub := &recordingPublisher{}
	w, _ := newTestWorker(pub, true)
	ctx := context.Background()
	msg := request(t, Request{RequestID: "r1", Kind: KindActions, OrderID: "ghost", Config: json.RawMessage(revisionPayload)})

	require.NoError(t, w.Process(ctx, nil, msg))
	require.Len(t, pub.sent, 1)
	var resp Response
	require.NoError(t, json.Unmarshal(pub.sent[0].value, &resp))
	assert.Contains(t, resp.Error, "order not found")

	require.NoError(t, w.Process(ctx, nil, msg))
	assert.Len(t, pub.sent, 1)
}

func TestWorkerDeadLettersUnreadableRequest(t *testing.T) {
	pub := &recordingPublisher{}
	w, _ := newTestWorker(pub, false)

	require.NoError(t, w.Process(context.Background(), []byte("k9"), []byte("not json")))

	require.Len(t, pub.sent, 1)
	assert.Equal(t, testTopics.DeadLetterTopic, pub.sent[0].topic)
	var dl DeadLetter
	require.NoError(t, json.Unmarshal(pub.sent[0].value, &dl))
	assert.Equal(t, "k9", dl.Key)
	assert.Equal(t, []byte("not json"), dl.Payload)
	assert.Equal(t, testTopics.RequestTopic, dl.OriginalTopic)
}

func TestWorkerPublishFailureIsRetryable(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker unavailable")}
	breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("render-plans"), nil)
	require.NoError(t, err)
	w := NewWorker(NewService(Options{}), pub, nil, breaker, nil, testTopics, nil)

	err = w.Process(context.Background(), nil, request(t, Request{RequestID: "r1", Config: json.RawMessage(revisionPayload)}))
	require.Error(t, err)
	assert.True(t, Retryable(err))
	assert.False(t, Retryable(idempotency.Terminal(err)))
	assert.False(t, Retryable(idempotency.ErrMessageInProgress))
}

func TestWorkerAbandon(t *testing.T) {
	pub := &recordingPublisher{}
	w, _ := newTestWorker(pub, false)
	ctx := context.Background()

	require.NoError(t, w.Abandon(ctx, []byte("k1"), []byte(`{}`), idempotency.ErrMessageInProgress))
	assert.Empty(t, pub.sent)

	require.NoError(t, w.Abandon(ctx, []byte("k2"), []byte(`{}`), errors.New("broker unavailable")))
	require.Len(t, pub.sent, 1)
	assert.Equal(t, testTopics.DeadLetterTopic, pub.sent[0].topic)
	var dl DeadLetter
	require.NoError(t, json.Unmarshal(pub.sent[0].value, &dl))
	assert.Equal(t, "broker unavailable", dl.Error)
}
