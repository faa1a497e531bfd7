package queue

import (
	"context"
	"time"
)

// Broker stores jobs durably and hands them to workers.
//
// A popped job is in flight until exactly one of Ack, Schedule or Bury is called for it.
type Broker interface {
	// Push makes a job immediately available.
	Push(ctx context.Context, job *Job) error
	// Pop waits up to wait for a job. It returns (nil, nil) when none arrived.
	Pop(ctx context.Context, wait time.Duration) (*Job, error)
	// Ack removes a finished job.
	Ack(ctx context.Context, job *Job) error
	// Schedule re-queues an in-flight job to run again at the given time.
	Schedule(ctx context.Context, job *Job, at time.Time) error
	// Bury parks a job that exhausted its attempts.
	Bury(ctx context.Context, job *Job) error
	// Promote moves due scheduled jobs back to the ready set and reports how many moved.
	Promote(ctx context.Context, now time.Time) (int, error)
	// Reclaim returns in-flight jobs whose worker stopped renewing them. The caller owns
	// each returned job as if it had popped it.
	Reclaim(ctx context.Context, now time.Time) ([]*Job, error)
	// FailedCount reports how many jobs are parked.
	FailedCount(ctx context.Context) (int64, error)
	HealthCheck(ctx context.Context) error
	Close() error
}
