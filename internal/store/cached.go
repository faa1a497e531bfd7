package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Checker-Finance/order-router/pkg/model"
)

const historyKeyPrefix = "order:history:"

// CachedStore serves GetHistory from Redis and falls through to the wrapped store.
// Every other call goes straight to the wrapped store.
type CachedStore struct {
	Store
	redis  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewCached wraps inner with a Redis read-through history cache.
func NewCached(inner Store, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedStore{Store: inner, redis: rdb, ttl: ttl, logger: logger}
}

func historyKey(orderID string) string {
	return historyKeyPrefix + orderID
}

func (s *CachedStore) AppendEvent(ctx context.Context, orderID string, status model.Status, detail any) (model.StatusEvent, error) {
	ev, err := s.Store.AppendEvent(ctx, orderID, status, detail)
	if err != nil {
		return ev, err
	}
	if err := s.redis.Del(ctx, historyKey(orderID)).Err(); err != nil {
		s.logger.Warn("store.cache.invalidate_failed", zap.String("order_id", orderID), zap.Error(err))
	}
	return ev, nil
}

func (s *CachedStore) GetHistory(ctx context.Context, orderID string) ([]model.StatusEvent, error) {
	key := historyKey(orderID)

	data, err := s.redis.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var events []model.StatusEvent
		if jerr := json.Unmarshal(data, &events); jerr == nil {
			return events, nil
		}
		s.logger.Warn("store.cache.decode_failed", zap.String("order_id", orderID))
	case !errors.Is(err, redis.Nil):
		s.logger.Warn("store.cache.get_failed", zap.String("order_id", orderID), zap.Error(err))
	}

	events, err := s.Store.GetHistory(ctx, orderID)
	if err != nil {
		return nil, err
	}
	// Only confirmed histories are cached; anything else may still grow.
	if len(events) == 0 || events[len(events)-1].Status != model.StatusConfirmed {
		return events, nil
	}
	if b, merr := json.Marshal(events); merr == nil {
		if serr := s.redis.Set(ctx, key, b, s.ttl).Err(); serr != nil {
			s.logger.Warn("store.cache.set_failed", zap.String("order_id", orderID), zap.Error(serr))
		}
	}
	return events, nil
}

func (s *CachedStore) HealthCheck(ctx context.Context) error {
	if s.redis == nil {
		return fmt.Errorf("redis not initialized")
	}
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return s.Store.HealthCheck(ctx)
}

// Close closes the wrapped store. The Redis client belongs to the caller.
func (s *CachedStore) Close() error {
	return s.Store.Close()
}
