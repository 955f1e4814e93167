// Package scheduler runs keyed fire-and-forget background tasks such as
// stale-while-revalidate refreshes.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/l0p7/ledgerlens/internal/logging"
	"github.com/l0p7/ledgerlens/internal/metrics"
)

// Task is a unit of background work. It must honour ctx cancellation.
type Task func(ctx context.Context) error

// Options configures a Scheduler.
type Options struct {
	// Kind labels metrics and logs ("content", "discovery").
	Kind string
	// MaxConcurrent bounds running tasks; extra submissions are dropped.
	MaxConcurrent int
	// Timeout bounds each task run. Zero means no per-task timeout.
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Scheduler deduplicates tasks by key: while a task for a key is running,
// further submissions for that key are refused.
type Scheduler struct {
	kind    string
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Recorder

	sem *semaphore.Weighted

	mu      sync.Mutex
	running map[string]context.CancelFunc
	closed  bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New constructs a Scheduler. MaxConcurrent defaults to 8.
func New(opts Options) *Scheduler {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	if opts.Kind == "" {
		opts.Kind = "background"
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		kind:       opts.Kind,
		timeout:    opts.Timeout,
		logger:     opts.Logger.With(slog.String("agent", "scheduler"), slog.String("kind", opts.Kind)),
		metrics:    opts.Metrics,
		sem:        semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		running:    make(map[string]context.CancelFunc),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Schedule starts task in the background unless a task with the same key is
// already running, the scheduler is full, or it has been closed. It reports
// whether the task was started.
func (s *Scheduler) Schedule(key string, task Task) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.metrics.ObserveBackgroundTask(s.kind, "rejected")
		return false
	}
	if _, busy := s.running[key]; busy {
		s.mu.Unlock()
		s.metrics.ObserveBackgroundTask(s.kind, "duplicate")
		return false
	}
	if !s.sem.TryAcquire(1) {
		s.mu.Unlock()
		s.metrics.ObserveBackgroundTask(s.kind, "dropped")
		s.logger.Debug("background task dropped; scheduler full", slog.String("key", key))
		return false
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	if s.timeout > 0 {
		var timeoutCancel context.CancelFunc
		ctx, timeoutCancel = context.WithTimeout(ctx, s.timeout)
		parentCancel := cancel
		cancel = func() {
			timeoutCancel()
			parentCancel()
		}
	}
	s.running[key] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(ctx, key, cancel, task)
	return true
}

func (s *Scheduler) run(ctx context.Context, key string, cancel context.CancelFunc, task Task) {
	defer s.wg.Done()
	defer s.sem.Release(1)
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.running, key)
		s.mu.Unlock()
	}()

	err := safeRun(ctx, task)
	switch {
	case err == nil:
		s.metrics.ObserveBackgroundTask(s.kind, "completed")
	case ctx.Err() != nil:
		s.metrics.ObserveBackgroundTask(s.kind, "cancelled")
		s.logger.Debug("background task cancelled", slog.String("key", key), slog.Any("error", err))
	default:
		s.metrics.ObserveBackgroundTask(s.kind, "failed")
		s.logger.Warn("background task failed", slog.String("key", key), slog.Any("error", err))
	}
}

func safeRun(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: task panic: %v", r)
		}
	}()
	return task(ctx)
}

// Running reports whether a task for key is in progress.
func (s *Scheduler) Running(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[key]
	return ok
}

// Cancel signals the task for key, if any, to stop.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	cancel, ok := s.running[key]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Wait blocks until every running task has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Close refuses new tasks, cancels running ones and waits for them, or until
// ctx ends.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.baseCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: close: %w", ctx.Err())
	}
}
