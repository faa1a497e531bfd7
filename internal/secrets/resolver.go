// Package secrets overlays infrastructure connection settings from a secret store.
package secrets

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Checker-Finance/order-router/internal/config"
	"github.com/Checker-Finance/order-router/internal/metrics"
	pkgsecrets "github.com/Checker-Finance/order-router/pkg/secrets"
)

// Secret keys understood by the resolver.
const (
	KeyDatabaseURL = "database_url"
	KeyRedisAddr   = "redis_addr"
	KeyRedisPass   = "redis_pass"
	KeyRabbitMQURL = "rabbitmq_url"
	KeyNATSURL     = "nats_url"
)

// InfraResolver reads one JSON secret holding DSNs and applies it over the env config.
type InfraResolver struct {
	logger   *zap.Logger
	name     string
	provider pkgsecrets.Provider
	cache    *pkgsecrets.Cache[map[string]string]
}

func NewInfraResolver(logger *zap.Logger, name string, provider pkgsecrets.Provider, cache *pkgsecrets.Cache[map[string]string]) *InfraResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InfraResolver{logger: logger, name: name, provider: provider, cache: cache}
}

// Resolve returns the secret map, from cache when fresh.
func (r *InfraResolver) Resolve(ctx context.Context) (map[string]string, error) {
	if v, ok := r.cache.Get(r.name); ok {
		metrics.IncCacheHit("hit")
		return v, nil
	}
	metrics.IncCacheHit("miss")

	v, err := r.provider.GetSecret(ctx, r.name)
	if err != nil {
		r.logger.Warn("secrets.infra_fetch_failed", zap.String("secret", r.name), zap.Error(err))
		return nil, fmt.Errorf("resolve infra secret %q: %w", r.name, err)
	}
	r.cache.Put(r.name, v)
	return v, nil
}

// Apply overwrites cfg fields for every non-empty key present in the secret.
func (r *InfraResolver) Apply(ctx context.Context, cfg *config.Config) error {
	v, err := r.Resolve(ctx)
	if err != nil {
		return err
	}

	var applied []string
	set := func(key string, dst *string) {
		if val := v[key]; val != "" {
			*dst = val
			applied = append(applied, key)
		}
	}
	set(KeyDatabaseURL, &cfg.DatabaseURL)
	set(KeyRedisAddr, &cfg.RedisAddr)
	set(KeyRedisPass, &cfg.RedisPass)
	set(KeyRabbitMQURL, &cfg.RabbitMQURL)
	set(KeyNATSURL, &cfg.NATSURL)

	r.logger.Info("secrets.infra_applied", zap.String("secret", r.name), zap.Strings("keys", applied))
	return nil
}
