package dispatchqueue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrQueueFull reports a rejected enqueue on a saturated in-process queue.
var ErrQueueFull = errors.New("dispatch queue is full")

// MemoryQueue is the in-process dispatch queue for single-instance mode.
// Params: built via NewMemoryQueue.
// Returns: producer and worker in one lifecycle; jobs do not survive restart.
type MemoryQueue struct {
	jobs        chan Job
	handler     Handler
	logger      *slog.Logger
	maxAttempts int
	retryDelay  time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// MemoryOptions configures one in-process queue.
// Params: buffer size, worker count, retry budget, and retry delay.
// Returns: consumed by NewMemoryQueue.
type MemoryOptions struct {
	Buffer      int
	Workers     int
	MaxAttempts int
	RetryDelay  time.Duration
	Logger      *slog.Logger
}

// NewMemoryQueue creates and starts the in-process queue.
// Params: options and per-job handler.
// Returns: running queue or configuration error.
func NewMemoryQueue(opts MemoryOptions, handler Handler) (*MemoryQueue, error) {
	if handler == nil {
		return nil, errors.New("queue handler is required")
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	queue := &MemoryQueue{
		jobs:        make(chan Job, buffer),
		handler:     handler,
		logger:      opts.Logger,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		ctx:         ctx,
		cancel:      cancel,
	}
	queue.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go queue.workerLoop()
	}
	return queue, nil
}

// Enqueue hands one job to the worker pool without blocking.
// Params: context and job payload.
// Returns: ErrQueueFull on saturation or context/shutdown error.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	// Checked before the send: inside one select a ready buffered send
	// races the closed-queue case and can win.
	if q.ctx.Err() != nil {
		return errors.New("dispatch queue is closed")
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops workers and waits for in-flight jobs.
// Params: none.
// Returns: nil after all workers exit; buffered jobs are dropped.
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() {
		q.cancel()
		q.wg.Wait()
	})
	return nil
}

// workerLoop consumes jobs until shutdown.
// Params: none.
// Returns: nothing; runs as one worker goroutine.
func (q *MemoryQueue) workerLoop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case job := <-q.jobs:
			q.process(job)
		}
	}
}

// process runs one job through the retry budget.
// Params: dequeued job.
// Returns: nothing; terminal failures are logged and dropped.
func (q *MemoryQueue) process(job Job) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	var lastErr error
	for attempt := 1; attempt <= q.maxAttempts; attempt++ {
		if attempt > 1 {
			if timer == nil {
				timer = time.NewTimer(q.retryDelay)
			} else {
				timer.Reset(q.retryDelay)
			}
			select {
			case <-q.ctx.Done():
				return
			case <-timer.C:
			}
		}

		lastErr = q.handler(q.ctx, job)
		if lastErr == nil {
			return
		}
		if IsPermanent(lastErr) {
			if q.logger != nil {
				q.logger.Error("dispatch job failed permanently",
					"job_id", job.ID, "target", job.Target, "attempt", attempt, "error", lastErr.Error())
			}
			return
		}
		if q.logger != nil {
			q.logger.Warn("dispatch job attempt failed",
				"job_id", job.ID, "target", job.Target, "attempt", attempt, "error", lastErr.Error())
		}
	}

	if q.logger != nil {
		q.logger.Error("dispatch job dropped after retries",
			"job_id", job.ID, "target", job.Target, "attempts", q.maxAttempts, "error", lastErr.Error())
	}
}
