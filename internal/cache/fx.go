package cache

import (
	"time"

	"github.com/muselabs/muse/internal/clock"
	"github.com/muselabs/muse/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ProvideCostCache selects the cost cache backend from configuration.
func ProvideCostCache(cfg config.Config, log *zap.Logger, clk clock.Clock) CostCache {
	ttl := time.Duration(cfg.CostCache.TTLSeconds) * time.Second

	if cfg.CostCache.Backend == config.CacheBackendRedis {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return NewRedisCostCache(client, ttl, log)
	}

	return NewCostCache(ttl, WithClock(clk))
}

// Module wires the cost cache.
var Module = fx.Module("cache",
	fx.Provide(ProvideCostCache),
)
