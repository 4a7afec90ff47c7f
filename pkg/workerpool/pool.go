// Package workerpool provides a bounded, typed worker pool for controlled
// concurrency.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrPoolClosed is returned by Submit after Stop.
	ErrPoolClosed = errors.New("pool is shutting down")
	// ErrQueueFull is returned when the task queue has no room.
	ErrQueueFull = errors.New("task queue is full")
)

// Result is the outcome of one task
type Result[T any] struct {
	TaskID   string
	Value    T
	Err      error
	Attempts int
}

// WorkerFunc processes one payload
type WorkerFunc[In, T any] func(ctx context.Context, payload In) (T, error)

// Config holds worker pool configuration
type Config struct {
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the size of the task queue
	QueueSize int
	// MaxRetries is the maximum number of retries for failed tasks
	MaxRetries int
	// RetryDelay is the base delay between retries; it grows linearly
	RetryDelay time.Duration
	// GracefulShutdownTimeout bounds Stop
	GracefulShutdownTimeout time.Duration
	// Retryable decides whether a failed task is attempted again. Nil retries
	// every error.
	Retryable func(error) bool
}

// DefaultConfig returns defaults for render workloads
func DefaultConfig() Config {
	return Config{
		Workers:                 16,
		QueueSize:               1024,
		MaxRetries:              3,
		RetryDelay:              100 * time.Millisecond,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

type job[In, T any] struct {
	id    string
	ctx   context.Context
	in    In
	reply chan Result[T]
}

// Pool runs WorkerFunc over submitted payloads on a fixed set of goroutines
type Pool[In, T any] struct {
	config Config
	fn     WorkerFunc[In, T]
	logger *zap.Logger

	jobs chan job[In, T]
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	active    atomic.Int64
}

// New creates a new worker pool
func New[In, T any](cfg Config, fn WorkerFunc[In, T], logger *zap.Logger) (*Pool[In, T], error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}

	return &Pool[In, T]{
		config: cfg,
		fn:     fn,
		logger: logger,
		jobs:   make(chan job[In, T], cfg.QueueSize),
	}, nil
}

// Start launches all workers
func (p *Pool[In, T]) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit queues a payload. The returned channel receives exactly one result.
func (p *Pool[In, T]) Submit(ctx context.Context, id string, payload In) (<-chan Result[T], error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	reply := make(chan Result[T], 1)
	select {
	case p.jobs <- job[In, T]{id: id, ctx: ctx, in: payload, reply: reply}:
		p.submitted.Add(1)
		return reply, nil
	default:
		return nil, ErrQueueFull
	}
}

// SubmitWait queues a payload and waits for its result
func (p *Pool[In, T]) SubmitWait(ctx context.Context, id string, payload In) (Result[T], error) {
	reply, err := p.Submit(ctx, id, payload)
	if err != nil {
		return Result[T]{TaskID: id}, err
	}
	select {
	case <-ctx.Done():
		return Result[T]{TaskID: id}, ctx.Err()
	case res := <-reply:
		return res, nil
	}
}

// Stop stops accepting work and waits for queued tasks to finish
func (p *Pool[In, T]) Stop() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
		return fmt.Errorf("worker pool shutdown timed out after %s", p.config.GracefulShutdownTimeout)
	}
}

func (p *Pool[In, T]) worker(id int) {
	defer p.wg.Done()
	for j := range p.jobs {
		p.active.Add(1)
		res := p.run(j)
		p.active.Add(-1)

		if res.Err != nil {
			p.failed.Add(1)
			p.logger.Error("task failed",
				zap.String("task_id", j.id),
				zap.Int("worker_id", id),
				zap.Int("attempts", res.Attempts),
				zap.Error(res.Err))
		} else {
			p.completed.Add(1)
		}
		j.reply <- res
	}
}

func (p *Pool[In, T]) run(j job[In, T]) Result[T] {
	ctx := j.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	res := Result[T]{TaskID: j.id}
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}

		res.Attempts = attempt + 1
		res.Value, res.Err = p.fn(ctx, j.in)
		if res.Err == nil {
			return res
		}
		if p.config.Retryable != nil && !p.config.Retryable(res.Err) {
			return res
		}
		if attempt == p.config.MaxRetries {
			break
		}

		p.retried.Add(1)
		select {
		case <-ctx.Done():
			res.Err = ctx.Err()
			return res
		case <-time.After(p.config.RetryDelay * time.Duration(attempt+1)):
		}
	}
	res.Err = fmt.Errorf("task failed after %d attempts: %w", res.Attempts, res.Err)
	return res
}

// Stats holds pool statistics
type Stats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksFailed    int64
	TasksRetried   int64
	ActiveWorkers  int64
	QueueDepth     int
	QueueCapacity  int
	Workers        int
}

// Stats returns current pool statistics
func (p *Pool[In, T]) Stats() Stats {
	return Stats{
		TasksSubmitted: p.submitted.Load(),
		TasksCompleted: p.completed.Load(),
		TasksFailed:    p.failed.Load(),
		TasksRetried:   p.retried.Load(),
		ActiveWorkers:  p.active.Load(),
		QueueDepth:     len(p.jobs),
		QueueCapacity:  p.config.QueueSize,
		Workers:        p.config.Workers,
	}
}

// IsHealthy reports whether the queue is below 90% of capacity
func (p *Pool[In, T]) IsHealthy() bool {
	stats := p.Stats()
	return float64(stats.QueueDepth)/float64(stats.QueueCapacity) < 0.9
}
