package cache

import (
	"context"
	"strings"
	"time"

	servicecostdomain "github.com/muselabs/muse/internal/servicecost/domain"
)

// CostCache stores hot-path service cost lookups. The quota ledger itself is
// never cached; only the cost configuration rows pass through here.
type CostCache interface {
	Get(ctx context.Context, serviceType, scene string) (servicecostdomain.ServiceCost, bool)
	Set(ctx context.Context, serviceType, scene string, cost servicecostdomain.ServiceCost)
	Delete(ctx context.Context, serviceType, scene string)
}

type costCache struct {
	costs Cache[string, servicecostdomain.ServiceCost]
	ttl   time.Duration
}

// NewCostCache returns an in-memory cost cache with the given TTL.
func NewCostCache(ttl time.Duration, opts ...Option) CostCache {
	return &costCache{
		costs: NewTTLCache[string, servicecostdomain.ServiceCost](opts...),
		ttl:   ttl,
	}
}

func (c *costCache) Get(_ context.Context, serviceType, scene string) (servicecostdomain.ServiceCost, bool) {
	return c.costs.Get(cacheKey(serviceType, scene))
}

func (c *costCache) Set(_ context.Context, serviceType, scene string, cost servicecostdomain.ServiceCost) {
	if cost.ID == 0 {
		return
	}
	c.costs.Set(cacheKey(serviceType, scene), cost, c.ttl)
}

func (c *costCache) Delete(_ context.Context, serviceType, scene string) {
	c.costs.Delete(cacheKey(serviceType, scene))
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToLower(trimmed))
	}
	return strings.Join(values, "|")
}
