package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/muselabs/muse/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const (
	keyGenerationUser = "generation:create:user:%d"
	keySweepLock      = "quota:sweep:lock"

	sweepLockTTL = 5 * time.Minute
)

// GenerationLimiter throttles generation task creation per user and
// serializes the expiry sweep across instances. A nil limiter is valid and
// allows everything.
type GenerationLimiter struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	userRate  float64
	userBurst int
}

func NewGenerationLimiter(cfg config.Config) (*GenerationLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.GenerationRate <= 0 || limitCfg.GenerationBurst <= 0 {
		return nil, errors.New("generation rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})

	return newGenerationLimiter(client, limitCfg.GenerationRate, limitCfg.GenerationBurst), nil
}

// NewGenerationLimiterWithClient builds a limiter on an existing client.
// Tests pair this with miniredis.
func NewGenerationLimiterWithClient(client *redis.Client, rate float64, burst int) *GenerationLimiter {
	if client == nil {
		return nil
	}
	return newGenerationLimiter(client, rate, burst)
}

func newGenerationLimiter(client *redis.Client, rate float64, burst int) *GenerationLimiter {
	return &GenerationLimiter{
		enabled:   true,
		bucket:    NewTokenBucket(client),
		locker:    NewLocker(client),
		userRate:  rate,
		userBurst: burst,
	}
}

func (l *GenerationLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *GenerationLimiter) AllowUser(ctx context.Context, userID snowflake.ID) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyGenerationUser, userID.Int64()), l.userRate, l.userBurst)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// TryLockSweep takes the cross-instance sweep lock. The returned token must
// be passed back to ReleaseSweep.
func (l *GenerationLimiter) TryLockSweep(ctx context.Context) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	return l.locker.TryLock(ctx, keySweepLock, sweepLockTTL)
}

func (l *GenerationLimiter) ReleaseSweep(ctx context.Context, token string) error {
	if !l.Enabled() {
		return nil
	}
	return l.locker.Release(ctx, keySweepLock, token)
}
