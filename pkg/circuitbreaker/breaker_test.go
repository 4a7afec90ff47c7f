package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("connection refused")

func TestDoReturnsTypedResult(t *testing.T) {
	cb, err := New(DefaultConfig("history"), nil)
	require.NoError(t, err)

	got, err := Do(context.Background(), cb, func(context.Context) ([]string, error) {
		return []string{"A", "B"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, got)
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []State
	cfg := DefaultConfig("history")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour
	cfg.OnStateChange = func(_ string, to State) { transitions = append(transitions, to) }

	cb, err := New(cfg, nil)
	require.NoError(t, err)

	fail := func(context.Context) (int, error) { return 0, errDown }
	for i := 0; i < 2; i++ {
		_, err := Do(context.Background(), cb, fail)
		assert.ErrorIs(t, err, errDown)
	}

	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, []State{StateOpen}, transitions)

	_, err = Do(context.Background(), cb, func(context.Context) (int, error) { return 1, nil })
	assert.True(t, IsUnavailable(err))

	health := Health(cb, nil)
	require.Len(t, health, 1)
	assert.False(t, health[0].Healthy)
	assert.Equal(t, float64(1), StateOpen.Gauge())
}

func TestIgnoredErrorsDoNotTrip(t *testing.T) {
	errNotFound := errors.New("not found")
	cfg := DefaultConfig("history")
	cfg.FailureThreshold = 1
	cfg.IsFailure = func(err error) bool { return !errors.Is(err, errNotFound) }

	cb, err := New(cfg, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := Do(context.Background(), cb, func(context.Context) (int, error) { return 0, errNotFound })
		assert.ErrorIs(t, err, errNotFound)
	}
	assert.Equal(t, StateClosed, cb.State())
}
