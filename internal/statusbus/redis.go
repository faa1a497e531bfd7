package statusbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisTransport relays events over Redis pub/sub on "<prefix><orderID>" channels.
type RedisTransport struct {
	rdb    *redis.Client
	prefix string
	logger *zap.Logger
}

func NewRedisTransport(rdb *redis.Client, prefix string, logger *zap.Logger) *RedisTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "order:status:"
	}
	return &RedisTransport{rdb: rdb, prefix: prefix, logger: logger}
}

func (t *RedisTransport) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode status message: %w", err)
	}
	if err := t.rdb.Publish(ctx, t.prefix+msg.Event.OrderID, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (t *RedisTransport) Subscribe(ctx context.Context, handler func(Message)) (func(), error) {
	ps := t.rdb.PSubscribe(ctx, t.prefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis psubscribe: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for m := range ps.Channel() {
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				t.logger.Warn("statusbus.redis.decode_failed", zap.String("channel", m.Channel), zap.Error(err))
				continue
			}
			handler(msg)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = ps.Close()
			<-done
		})
	}, nil
}

func (t *RedisTransport) HealthCheck(ctx context.Context) error {
	if err := t.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (t *RedisTransport) Close() error { return nil }
