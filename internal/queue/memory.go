package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type delayedJob struct {
	job Job
	at  time.Time
}

// MemoryBroker keeps jobs in process memory. Jobs do not survive a restart.
type MemoryBroker struct {
	mu      sync.Mutex
	ready   []Job
	delayed []delayedJob
	active  map[string]Job
	failed  []Job
	notify  chan struct{}
	closed  bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		active: make(map[string]Job),
		notify: make(chan struct{}, 1),
	}
}

func (b *MemoryBroker) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *MemoryBroker) Push(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.ready = append(b.ready, *job)
	b.signal()
	return nil
}

func (b *MemoryBroker) Pop(ctx context.Context, wait time.Duration) (*Job, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		if len(b.ready) > 0 {
			j := b.ready[0]
			b.ready = b.ready[1:]
			b.active[j.ID] = j
			if len(b.ready) > 0 {
				b.signal()
			}
			b.mu.Unlock()
			return &j, nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-b.notify:
		}
	}
}

func (b *MemoryBroker) Ack(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.active, job.ID)
	return nil
}

func (b *MemoryBroker) Schedule(_ context.Context, job *Job, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.active, job.ID)
	b.delayed = append(b.delayed, delayedJob{job: *job, at: at})
	sort.SliceStable(b.delayed, func(i, j int) bool { return b.delayed[i].at.Before(b.delayed[j].at) })
	return nil
}

func (b *MemoryBroker) Bury(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.active, job.ID)
	b.failed = append(b.failed, *job)
	return nil
}

func (b *MemoryBroker) Promote(_ context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for n < len(b.delayed) && !b.delayed[n].at.After(now) {
		b.ready = append(b.ready, b.delayed[n].job)
		n++
	}
	if n > 0 {
		b.delayed = b.delayed[n:]
		b.signal()
	}
	return n, nil
}

// Reclaim returns nothing; in-flight jobs live and die with the process.
func (b *MemoryBroker) Reclaim(context.Context, time.Time) ([]*Job, error) {
	return nil, nil
}

func (b *MemoryBroker) HealthCheck(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *MemoryBroker) FailedCount(context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.failed)), nil
}

// Failed returns a copy of the parked jobs.
func (b *MemoryBroker) Failed() []Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Job, len(b.failed))
	copy(out, b.failed)
	return out
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
