// Package ratelimit throttles activation starts per client.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// Memory is a token bucket per key. Buckets idle for longer than the refill
// window are evicted.
type Memory struct {
	perMinute int
	buckets   *gocache.Cache
}

func NewMemory(perMinute int) *Memory {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &Memory{
		perMinute: perMinute,
		buckets:   gocache.New(2*time.Minute, time.Minute),
	}
}

func (m *Memory) bucket(key string) *rate.Limiter {
	if v, ok := m.buckets.Get(key); ok {
		return v.(*rate.Limiter)
	}
	lim := rate.NewLimiter(rate.Limit(float64(m.perMinute)/60), m.perMinute)
	if err := m.buckets.Add(key, lim, gocache.DefaultExpiration); err != nil {
		// lost the race, use the winner's bucket
		if v, ok := m.buckets.Get(key); ok {
			return v.(*rate.Limiter)
		}
	}
	return lim
}

func (m *Memory) Allow(_ context.Context, key string) (Result, error) {
	lim := m.bucket(key)
	m.buckets.Set(key, lim, gocache.DefaultExpiration)

	if !lim.Allow() {
		return Result{RetryAfter: time.Duration(float64(time.Minute) / float64(m.perMinute))}, nil
	}
	return Result{Allowed: true, Remaining: int(lim.Tokens())}, nil
}

// Redis is a fixed-window counter shared by every replica.
type Redis struct {
	client *redis.Client
	prefix string
	max    int64
	window time.Duration
	now    func() time.Time
}

func NewRedis(client *redis.Client, prefix string, perMinute int) *Redis {
	if prefix == "" {
		prefix = "rl:"
	}
	return &Redis{client: client, prefix: prefix, max: int64(perMinute), window: time.Minute, now: time.Now}
}

func (l *Redis) Allow(ctx context.Context, key string) (Result, error) {
	start := l.now().UTC().Truncate(l.window)
	k := fmt.Sprintf("%s%s:%d", l.prefix, strings.ReplaceAll(key, " ", "_"), start.Unix())

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.ExpireNX(ctx, k, l.window)
	ttl := pipe.TTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limit: %w", err)
	}

	hits := incr.Val()
	if hits > l.max {
		retry := ttl.Val()
		if retry <= 0 {
			retry = l.window
		}
		return Result{RetryAfter: retry}, nil
	}
	return Result{Allowed: true, Remaining: int(l.max - hits)}, nil
}
