package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPreCheck is an optional advisory fast-path in front of the Store's
// authoritative counters: an INCR+EXPIRE per window avoids a round trip to
// Postgres for workers that are obviously already over their local cache's
// idea of the limit. It is never the sole gate — Limiter.Allow still
// confirms against the Store afterward, since Redis counters are
// best-effort and may be evicted or briefly inconsistent across replicas.
type RedisPreCheck struct {
	client *redis.Client
}

// NewRedisPreCheck wraps an already-configured client.
func NewRedisPreCheck(client *redis.Client) *RedisPreCheck {
	return &RedisPreCheck{client: client}
}

// Probe increments workerID's counter for window and reports whether the
// post-increment count is still within limit. On any Redis error it reports
// allowed=true, deferring entirely to the Store-backed check — Redis being
// unavailable must never block sends.
func (p *RedisPreCheck) Probe(ctx context.Context, workerID string, window string, ttl time.Duration, n, limit int) bool {
	key := fmt.Sprintf("ratelimit:%s:%s", workerID, window)
	count, err := p.client.IncrBy(ctx, key, int64(n)).Result()
	if err != nil {
		return true
	}
	if count == int64(n) {
		p.client.Expire(ctx, key, ttl)
	}
	return count <= int64(limit)
}
