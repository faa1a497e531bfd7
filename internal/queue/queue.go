package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Checker-Finance/order-router/internal/metrics"
	"github.com/Checker-Finance/order-router/pkg/model"
)

// Handler processes one attempt of a job.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *Job) error { return f(ctx, job) }

// Abandoner is implemented by handlers that settle attempts lost with their worker.
// A nil return means the lost attempt had completed, so the job is acked instead of retried.
type Abandoner interface {
	Abandon(ctx context.Context, job *Job, cause error) error
}

// ErrLeaseExpired is the failure recorded for an attempt whose worker stopped renewing it.
var ErrLeaseExpired = errors.New("worker lease expired")

// Options configures retries and the worker pool.
type Options struct {
	Concurrency  int
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	PollInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 1500 * time.Millisecond
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
}

// Queue enqueues order jobs and runs a fixed pool of workers over a Broker.
type Queue struct {
	broker Broker
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	runErr error
}

func New(broker Broker, opts Options, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.applyDefaults()
	return &Queue{broker: broker, opts: opts, logger: logger, now: time.Now}
}

// Enqueue durably records a job for the order. It does not wait for execution.
func (q *Queue) Enqueue(ctx context.Context, order model.Order) (*Job, error) {
	job := &Job{
		ID:          uuid.NewString(),
		Order:       order,
		CreatedAt:   q.now().UTC(),
		MaxAttempts: q.opts.MaxAttempts,
	}
	if err := q.broker.Push(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue order %s: %w", order.ID, err)
	}
	q.logger.Debug("queue.job_enqueued", zap.String("job_id", job.ID), zap.String("order_id", order.ID))
	return job, nil
}

// FailedCount reports how many jobs were parked after exhausting their attempts.
func (q *Queue) FailedCount(ctx context.Context) (int64, error) {
	return q.broker.FailedCount(ctx)
}

// Run starts Concurrency workers and a promoter and blocks until ctx is done.
// In-flight attempts are allowed to finish before Run returns. If the broker closes
// underneath the workers, Run stops them all and returns the cause.
func (q *Queue) Run(ctx context.Context, h Handler) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		q.promoteLoop(runCtx, h)
	}()

	for i := 0; i < q.opts.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := q.workLoop(runCtx, id, h); err != nil {
				cancel(err)
			}
		}(i)
	}

	q.logger.Info("queue.started",
		zap.Int("concurrency", q.opts.Concurrency),
		zap.Int("max_attempts", q.opts.MaxAttempts),
		zap.Duration("backoff", q.opts.BackoffBase))

	wg.Wait()
	if ctx.Err() == nil {
		err := context.Cause(runCtx)
		q.mu.Lock()
		q.runErr = err
		q.mu.Unlock()
		q.logger.Error("queue.stopped", zap.Error(err))
		return err
	}
	q.logger.Info("queue.stopped")
	return nil
}

// HealthCheck fails once Run has stopped on a broker error, or when the broker is unreachable.
func (q *Queue) HealthCheck(ctx context.Context) error {
	q.mu.Lock()
	err := q.runErr
	q.mu.Unlock()
	if err != nil {
		return err
	}
	return q.broker.HealthCheck(ctx)
}

func (q *Queue) promoteLoop(ctx context.Context, h Handler) {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.broker.Promote(ctx, q.now())
			if err != nil {
				if ctx.Err() == nil {
					q.logger.Warn("queue.promote_failed", zap.Error(err))
				}
			} else if n > 0 {
				q.logger.Debug("queue.jobs_promoted", zap.Int("count", n))
			}

			lost, err := q.broker.Reclaim(ctx, q.now())
			if err != nil {
				if ctx.Err() == nil {
					q.logger.Warn("queue.reclaim_failed", zap.Error(err))
				}
				continue
			}
			for _, job := range lost {
				q.reclaim(context.WithoutCancel(ctx), job, h)
			}
		}
	}
}

// workLoop returns a non-nil error only when the broker can no longer deliver jobs.
func (q *Queue) workLoop(ctx context.Context, id int, h Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		job, err := q.broker.Pop(ctx, q.opts.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrClosed) {
				q.logger.Error("queue.worker_stopped", zap.Int("worker", id), zap.Error(err))
				return fmt.Errorf("worker %d: %w", id, err)
			}
			q.logger.Warn("queue.pop_failed", zap.Int("worker", id), zap.Error(err))
			q.sleep(ctx, q.opts.PollInterval)
			continue
		}
		if job == nil {
			continue
		}
		// In-flight attempts run to completion during shutdown.
		q.process(context.WithoutCancel(ctx), job, h)
	}
}

func (q *Queue) process(ctx context.Context, job *Job, h Handler) {
	job.Attempts++
	start := time.Now()
	log := q.jobLogger(job)

	err := h.Handle(ctx, job)
	if err == nil {
		q.ack(ctx, job, log, start)
		return
	}
	q.fail(ctx, job, err, log, start)
}

// reclaim settles an attempt whose worker disappeared without acking it. The lost
// attempt counts against the job's budget.
func (q *Queue) reclaim(ctx context.Context, job *Job, h Handler) {
	job.Attempts++
	start := time.Now()
	log := q.jobLogger(job)
	log.Warn("queue.job_reclaimed")

	cause := ErrLeaseExpired
	if a, ok := h.(Abandoner); ok {
		err := a.Abandon(ctx, job, cause)
		if err == nil {
			q.ack(ctx, job, log, start)
			return
		}
		cause = err
	}
	q.fail(ctx, job, cause, log, start)
}

func (q *Queue) jobLogger(job *Job) *zap.Logger {
	return q.logger.With(
		zap.String("job_id", job.ID),
		zap.String("order_id", job.Order.ID),
		zap.Int("attempt", job.Attempts),
	)
}

func (q *Queue) ack(ctx context.Context, job *Job, log *zap.Logger, start time.Time) {
	if err := q.broker.Ack(ctx, job); err != nil {
		log.Error("queue.ack_failed", zap.Error(err))
	}
	metrics.IncJob("ok")
	metrics.ObserveDuration(metrics.JobDuration, start, "ok")
}

// fail schedules another attempt with backoff, or buries the job once it is exhausted.
func (q *Queue) fail(ctx context.Context, job *Job, err error, log *zap.Logger, start time.Time) {
	job.LastError = err.Error()
	if !job.Exhausted() {
		delay := Backoff(job.Attempts, q.opts.BackoffBase, q.opts.BackoffMax)
		job.NextRunAt = q.now().Add(delay).UTC()
		if serr := q.broker.Schedule(ctx, job, job.NextRunAt); serr != nil {
			log.Error("queue.schedule_failed", zap.Error(serr))
		}
		log.Warn("queue.job_retry_scheduled", zap.Duration("delay", delay), zap.Error(err))
		metrics.IncJob("retry")
		metrics.ObserveDuration(metrics.JobDuration, start, "retry")
		return
	}

	if berr := q.broker.Bury(ctx, job); berr != nil {
		log.Error("queue.bury_failed", zap.Error(berr))
	}
	log.Error("queue.job_buried", zap.Int("max_attempts", job.MaxAttempts), zap.Error(err))
	metrics.IncJob("dead")
	metrics.ObserveDuration(metrics.JobDuration, start, "dead")
}

func (q *Queue) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Close releases the broker.
func (q *Queue) Close() error {
	return q.broker.Close()
}
