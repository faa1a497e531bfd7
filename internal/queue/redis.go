package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultLease is how long a popped job may go without renewal before another worker reclaims it.
const DefaultLease = 60 * time.Second

// minBlock is the shortest BRPOPLPUSH timeout Redis honours; go-redis sends whole seconds.
const minBlock = time.Second

// promoteScript moves due members of the delayed set to the wait list in one step.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, m in ipairs(due) do
  redis.call('ZREM', KEYS[1], m)
  redis.call('LPUSH', KEYS[2], m)
end
return #due
`)

// claimScript hands out active jobs whose lease ran out. Active members without a lease
// are adopted first. Each claimed lease is pushed forward so only one caller gets it.
var claimScript = redis.NewScript(`
local active = redis.call('LRANGE', KEYS[1], 0, -1)
for _, m in ipairs(active) do
  if not redis.call('ZSCORE', KEYS[2], m) then
    redis.call('ZADD', KEYS[2], ARGV[2], m)
  end
end
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, m in ipairs(expired) do
  redis.call('ZADD', KEYS[2], ARGV[2], m)
end
return expired
`)

// RedisBroker stores jobs in Redis lists plus sorted sets for retries and leases.
//
//	<name>:wait     LIST  ready jobs (LPUSH in, RPOP out)
//	<name>:active   LIST  jobs being processed
//	<name>:leases   ZSET  active jobs by lease deadline (score = unix ms)
//	<name>:delayed  ZSET  jobs waiting for their retry time (score = unix ms)
//	<name>:failed   LIST  jobs that exhausted their attempts
type RedisBroker struct {
	rdb    *redis.Client
	wait   string
	active string
	leases string
	delay  string
	failed string
	lease  time.Duration
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewRedisBroker returns a broker over the keys prefixed by name. A lease <= 0 means DefaultLease.
func NewRedisBroker(rdb *redis.Client, name string, lease time.Duration, logger *zap.Logger) *RedisBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if lease <= 0 {
		lease = DefaultLease
	}
	return &RedisBroker{
		rdb:      rdb,
		wait:     name + ":wait",
		active:   name + ":active",
		leases:   name + ":leases",
		delay:    name + ":delayed",
		failed:   name + ":failed",
		lease:    lease,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

func (b *RedisBroker) Push(ctx context.Context, job *Job) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}
	if err := b.rdb.LPush(ctx, b.wait, payload).Err(); err != nil {
		return fmt.Errorf("redis push: %w", err)
	}
	return nil
}

func (b *RedisBroker) Pop(ctx context.Context, wait time.Duration) (*Job, error) {
	if wait < minBlock {
		wait = minBlock
	}
	payload, err := b.rdb.BRPopLPush(ctx, b.wait, b.active, wait).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if errors.Is(err, redis.ErrClosed) {
		return nil, ErrClosed
	}
	if err != nil {
		return nil, fmt.Errorf("redis pop: %w", err)
	}

	job, err := decodeJob(payload)
	if err != nil {
		// Unreadable payloads are parked so they cannot block the queue.
		b.logger.Error("queue.redis.decode_failed", zap.Error(err))
		b.park(ctx, payload)
		return nil, nil
	}

	b.track(job.raw, true)
	deadline := float64(time.Now().Add(b.lease).UnixMilli())
	if err := b.rdb.ZAdd(ctx, b.leases, redis.Z{Score: deadline, Member: payload}).Err(); err != nil {
		// The claim script adopts unleased active members, so the job stays recoverable.
		b.logger.Warn("queue.redis.lease_failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	return job, nil
}

func (b *RedisBroker) park(ctx context.Context, payload []byte) {
	pipe := b.rdb.TxPipeline()
	pipe.LRem(ctx, b.active, 1, payload)
	pipe.ZRem(ctx, b.leases, payload)
	pipe.LPush(ctx, b.failed, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		b.logger.Error("queue.redis.park_failed", zap.Error(err))
	}
}

func (b *RedisBroker) track(raw []byte, on bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if on {
		b.inflight[string(raw)] = struct{}{}
	} else {
		delete(b.inflight, string(raw))
	}
}

func (b *RedisBroker) Ack(ctx context.Context, job *Job) error {
	pipe := b.rdb.TxPipeline()
	pipe.LRem(ctx, b.active, 1, job.raw)
	pipe.ZRem(ctx, b.leases, job.raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis ack: %w", err)
	}
	b.track(job.raw, false)
	return nil
}

func (b *RedisBroker) Schedule(ctx context.Context, job *Job, at time.Time) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}
	pipe := b.rdb.TxPipeline()
	pipe.LRem(ctx, b.active, 1, job.raw)
	pipe.ZRem(ctx, b.leases, job.raw)
	pipe.ZAdd(ctx, b.delay, redis.Z{Score: float64(at.UnixMilli()), Member: payload})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis schedule: %w", err)
	}
	b.track(job.raw, false)
	return nil
}

func (b *RedisBroker) Bury(ctx context.Context, job *Job) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}
	pipe := b.rdb.TxPipeline()
	pipe.LRem(ctx, b.active, 1, job.raw)
	pipe.ZRem(ctx, b.leases, job.raw)
	pipe.LPush(ctx, b.failed, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis bury: %w", err)
	}
	b.track(job.raw, false)
	return nil
}

// Promote moves due jobs from the delayed set to the wait list. The move runs as a
// script, so a job is never in neither place and concurrent promoters never duplicate it.
func (b *RedisBroker) Promote(ctx context.Context, now time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, b.rdb, []string{b.delay, b.wait}, now.UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("redis promote: %w", err)
	}
	return n, nil
}

// Reclaim renews the leases of jobs this broker is still processing, then claims the
// active jobs whose lease expired because their worker went away.
func (b *RedisBroker) Reclaim(ctx context.Context, now time.Time) ([]*Job, error) {
	deadline := float64(now.Add(b.lease).UnixMilli())

	b.mu.Lock()
	held := make([]redis.Z, 0, len(b.inflight))
	for raw := range b.inflight {
		held = append(held, redis.Z{Score: deadline, Member: raw})
	}
	b.mu.Unlock()
	if len(held) > 0 {
		if err := b.rdb.ZAddXX(ctx, b.leases, held...).Err(); err != nil {
			return nil, fmt.Errorf("redis renew leases: %w", err)
		}
	}

	members, err := claimScript.Run(ctx, b.rdb, []string{b.active, b.leases},
		now.UnixMilli(), strconv.FormatInt(int64(deadline), 10)).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("redis reclaim: %w", err)
	}

	jobs := make([]*Job, 0, len(members))
	for _, m := range members {
		job, err := decodeJob([]byte(m))
		if err != nil {
			b.logger.Error("queue.redis.decode_failed", zap.Error(err))
			b.park(ctx, []byte(m))
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (b *RedisBroker) FailedCount(ctx context.Context) (int64, error) {
	n, err := b.rdb.LLen(ctx, b.failed).Result()
	if err != nil {
		return 0, fmt.Errorf("redis failed count: %w", err)
	}
	return n, nil
}

func (b *RedisBroker) HealthCheck(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (b *RedisBroker) Close() error {
	return nil
}
