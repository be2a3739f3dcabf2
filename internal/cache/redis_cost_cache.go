package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	servicecostdomain "github.com/muselabs/muse/internal/servicecost/domain"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisCostKeyPrefix = "muse:cost:"

type redisCostCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

// NewRedisCostCache returns a cost cache backed by Redis so warm lookups
// survive restarts and are shared across replicas. Failures degrade to a
// cache miss, never to an error.
func NewRedisCostCache(client *redis.Client, ttl time.Duration, log *zap.Logger) CostCache {
	return &redisCostCache{
		client: client,
		ttl:    ttl,
		log:    log.Named("cache.cost"),
	}
}

func (c *redisCostCache) Get(ctx context.Context, serviceType, scene string) (servicecostdomain.ServiceCost, bool) {
	raw, err := c.client.Get(ctx, redisCostKeyPrefix+cacheKey(serviceType, scene)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("cost cache read failed", zap.Error(err))
		}
		return servicecostdomain.ServiceCost{}, false
	}

	var cost servicecostdomain.ServiceCost
	if err := json.Unmarshal(raw, &cost); err != nil {
		c.log.Warn("cost cache entry corrupt", zap.Error(err))
		return servicecostdomain.ServiceCost{}, false
	}

	return cost, true
}

func (c *redisCostCache) Set(ctx context.Context, serviceType, scene string, cost servicecostdomain.ServiceCost) {
	if cost.ID == 0 {
		return
	}

	raw, err := json.Marshal(cost)
	if err != nil {
		return
	}

	if err := c.client.Set(ctx, redisCostKeyPrefix+cacheKey(serviceType, scene), raw, c.ttl).Err(); err != nil {
		c.log.Warn("cost cache write failed", zap.Error(err))
	}
}

func (c *redisCostCache) Delete(ctx context.Context, serviceType, scene string) {
	if err := c.client.Del(ctx, redisCostKeyPrefix+cacheKey(serviceType, scene)).Err(); err != nil {
		c.log.Warn("cost cache delete failed", zap.Error(err))
	}
}
