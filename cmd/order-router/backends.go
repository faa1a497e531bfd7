package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Checker-Finance/order-router/internal/config"
	"github.com/Checker-Finance/order-router/internal/queue"
	"github.com/Checker-Finance/order-router/internal/statusbus"
	"github.com/Checker-Finance/order-router/internal/store"
)

func needsRedis(cfg *config.Config) bool {
	return cfg.QueueBackend == "redis" || cfg.BusTransport == "redis" || cfg.HistoryCacheTTL > 0
}

func needsNATS(cfg *config.Config) bool {
	return cfg.BusTransport == "nats" || cfg.EventsEnabled
}

// checkSplitRole rejects a split deployment whose api and worker processes would not share
// orders, jobs and status events.
func checkSplitRole(cfg *config.Config) error {
	if cfg.Role == config.RoleAll {
		return nil
	}
	var local []string
	if cfg.StoreBackend == "memory" {
		local = append(local, "STORE_BACKEND")
	}
	if cfg.QueueBackend == "memory" {
		local = append(local, "QUEUE_BACKEND")
	}
	if cfg.BusTransport == "memory" {
		local = append(local, "BUS_TRANSPORT")
	}
	if len(local) > 0 {
		return fmt.Errorf("role %q needs shared backends, got memory for %s", cfg.Role, strings.Join(local, ", "))
	}
	return nil
}

func newStore(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.Logger) (store.Store, error) {
	var st store.Store
	switch cfg.StoreBackend {
	case "memory":
		st = store.NewMemory()
	case "postgres":
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL, store.PGPoolConfig{
			MaxConns:          int32(cfg.PGMaxConns),
			MinConns:          int32(cfg.PGMinConns),
			MaxConnLifetime:   cfg.PGMaxConnLifetime,
			MaxConnIdleTime:   cfg.PGMaxConnIdleTime,
			HealthCheckPeriod: cfg.PGHealthCheckPeriod,
		}, log)
		if err != nil {
			return nil, err
		}
		st = pg
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	if cfg.HistoryCacheTTL > 0 {
		st = store.NewCached(st, rdb, cfg.HistoryCacheTTL, log)
	}
	return st, nil
}

func newBroker(cfg *config.Config, rdb *redis.Client, log *zap.Logger) (queue.Broker, error) {
	switch cfg.QueueBackend {
	case "memory":
		return queue.NewMemoryBroker(), nil
	case "redis":
		return queue.NewRedisBroker(rdb, cfg.QueueName, cfg.QueueLeaseTimeout, log), nil
	case "amqp":
		b, err := queue.DialAMQP(cfg.RabbitMQURL, cfg.QueueName, cfg.Concurrency, log)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown QUEUE_BACKEND %q", cfg.QueueBackend)
	}
}

func newTransport(cfg *config.Config, rdb *redis.Client, nc *nats.Conn, log *zap.Logger) (statusbus.Transport, error) {
	switch cfg.BusTransport {
	case "memory":
		return nil, nil
	case "redis":
		return statusbus.NewRedisTransport(rdb, cfg.BusChannelPrefix, log), nil
	case "nats":
		return statusbus.NewNATSTransport(nc, cfg.NATSSubjectPrefix, log), nil
	default:
		return nil, fmt.Errorf("unknown BUS_TRANSPORT %q", cfg.BusTransport)
	}
}
