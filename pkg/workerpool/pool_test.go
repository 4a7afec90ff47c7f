package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Workers = 4
	cfg.QueueSize = 16
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func TestSubmitWait(t *testing.T) {
	p, err := New(testConfig(), func(_ context.Context, n int) (string, error) {
		return fmt.Sprintf("n=%d", n), nil
	}, nil)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	res, err := p.SubmitWait(context.Background(), "t1", 7)
	require.NoError(t, err)
	assert.NoError(t, res.Err)
	assert.Equal(t, "n=7", res.Value)
	assert.Equal(t, "t1", res.TaskID)
	assert.Equal(t, 1, res.Attempts)
}

func TestResultsGoToTheirOwnCaller(t *testing.T) {
	p, err := New(testConfig(), func(_ context.Context, n int) (int, error) {
		time.Sleep(time.Duration(10-n) * time.Millisecond)
		return n * n, nil
	}, nil)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	replies := make([]<-chan Result[int], 0, 8)
	for i := 0; i < 8; i++ {
		reply, err := p.Submit(context.Background(), fmt.Sprint(i), i)
		require.NoError(t, err)
		replies = append(replies, reply)
	}
	for i, reply := range replies {
		res := <-reply
		assert.Equal(t, i*i, res.Value)
	}
}

func TestRetries(t *testing.T) {
	var calls atomic.Int32
	p, err := New(testConfig(), func(_ context.Context, _ struct{}) (int, error) {
		if calls.Add(1) < 3 {
			return 0, errors.New("broker unavailable")
		}
		return 1, nil
	}, nil)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	res, err := p.SubmitWait(context.Background(), "retry", struct{}{})
	require.NoError(t, err)
	assert.NoError(t, res.Err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int64(2), p.Stats().TasksRetried)
}

func TestNonRetryableError(t *testing.T) {
	errBad := errors.New("bad payload")
	cfg := testConfig()
	cfg.Retryable = func(err error) bool { return !errors.Is(err, errBad) }

	var calls atomic.Int32
	p, err := New(cfg, func(_ context.Context, _ int) (int, error) {
		calls.Add(1)
		return 0, errBad
	}, nil)
	require.NoError(t, err)
	p.Start()
	defer p.Stop()

	res, err := p.SubmitWait(context.Background(), "bad", 1)
	require.NoError(t, err)
	assert.ErrorIs(t, res.Err, errBad)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), p.Stats().TasksFailed)
}

func TestSubmitAfterStop(t *testing.T) {
	p, err := New(testConfig(), func(_ context.Context, n int) (int, error) { return n, nil }, nil)
	require.NoError(t, err)
	p.Start()
	require.NoError(t, p.Stop())

	_, err = p.Submit(context.Background(), "late", 1)
	assert.ErrorIs(t, err, ErrPoolClosed)
	assert.NoError(t, p.Stop())
}

func TestQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueSize = 1
	p, err := New(cfg, func(_ context.Context, n int) (int, error) { return n, nil }, nil)
	require.NoError(t, err)

	_, err = p.Submit(context.Background(), "a", 1)
	require.NoError(t, err)
	_, err = p.Submit(context.Background(), "b", 2)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.False(t, p.IsHealthy())

	p.Start()
	require.NoError(t, p.Stop())
}

func TestNewRequiresFunc(t *testing.T) {
	_, err := New[int, int](testConfig(), nil, nil)
	assert.Error(t, err)
}
