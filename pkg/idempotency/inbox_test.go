package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	entries map[string]*InboxEntry
	now     func() time.Time
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{entries: map[string]*InboxEntry{}, now: now}
}

func (s *memStore) Get(_ context.Context, key string) (*InboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *memStore) Claim(_ context.Context, key, handler string, payload json.RawMessage, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		if e.Status != StatusRecoverable {
			return ErrDuplicateMessage
		}
		e.Status = StatusStarted
		e.UpdatedAt = s.now()
		return nil
	}
	s.entries[key] = &InboxEntry{
		IdempotencyKey: key,
		HandlerName:    handler,
		Status:         StatusStarted,
		Payload:        payload,
		CreatedAt:      s.now(),
		UpdatedAt:      s.now(),
		ExpiresAt:      &expiresAt,
	}
	return nil
}

func (s *memStore) SetStatus(_ context.Context, key string, status Status, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[key]
	e.Status = status
	if result != nil {
		e.Result = result
	}
	e.UpdatedAt = s.now()
	return nil
}

func TestProcessOnce(t *testing.T) {
	store := newMemStore(time.Now)
	inbox := NewInbox(store, DefaultInboxConfig(), nil)

	calls := 0
	fn := func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"noOrders":true}`), nil
	}

	first, err := inbox.Process(context.Background(), "k1", "render", json.RawMessage(`{}`), fn)
	require.NoError(t, err)
	assert.True(t, first.IsNew)

	second, err := inbox.Process(context.Background(), "k1", "render", json.RawMessage(`{}`), fn)
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.JSONEq(t, `{"noOrders":true}`, string(second.Result))
	assert.Equal(t, 1, calls)
}

func TestProcessRetriesRecoverableFailure(t *testing.T) {
	store := newMemStore(time.Now)
	inbox := NewInbox(store, DefaultInboxConfig(), nil)

	_, err := inbox.Process(context.Background(), "k1", "render", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("broker timeout")
	})
	require.Error(t, err)

	res, err := inbox.Process(context.Background(), "k1", "render", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`1`), nil
	})
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)
}

func TestProcessTerminalFailure(t *testing.T) {
	store := newMemStore(time.Now)
	inbox := NewInbox(store, DefaultInboxConfig(), nil)

	_, err := inbox.Process(context.Background(), "k1", "render", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, Terminal(errors.New("malformed configuration"))
	})
	require.Error(t, err)
	assert.True(t, IsTerminal(err))

	_, err = inbox.Process(context.Background(), "k1", "render", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		t.Fatal("handler must not run again")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrPreviouslyFailed)
}

func TestProcessStaleStartedEntry(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := newMemStore(clock)
	require.NoError(t, store.Claim(context.Background(), "k1", "render", nil, now.Add(time.Hour)))

	inbox := NewInbox(store, DefaultInboxConfig(), nil)
	inbox.now = clock

	_, err := inbox.Process(context.Background(), "k1", "render", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrMessageInProgress)

	now = now.Add(10 * time.Minute)
	res, err := inbox.Process(context.Background(), "k1", "render", nil, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"ok"`), nil
	})
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)
}

func TestRenderKey(t *testing.T) {
	a := RenderKey("plan", "E1", "2024-06-01", []byte(`{"history":[]}`))
	b := RenderKey("plan", "E1", "2024-06-01", []byte(`{"history":[]}`))
	c := RenderKey("plan", "E1", "2024-06-02", []byte(`{"history":[]}`))
	d := RenderKey("orderables", "E1", "2024-06-01", []byte(`{"history":[]}`))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.Len(t, a, 64)
}
