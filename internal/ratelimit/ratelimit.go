// Package ratelimit is the Rate Limiter (C5): per-(workerId, window)
// minute/hour counters, checked in sequence (minute then hour), both gated
// by a buffer percentage to leave headroom against provider-side counting
// drift. The Postgres/SQLite upsert-increment in the Store Gateway is the
// only authority; this package never read-modify-writes a counter itself.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dispatchkit/emaildispatch/internal/domain"
)

// Store is the narrow slice of the Store Gateway the Rate Limiter depends on.
type Store interface {
	AllowedSend(ctx context.Context, workerID string, window domain.RateWindow, windowStart time.Time, n, limit int) (bool, error)
	RecordSendCount(ctx context.Context, workerID string, window domain.RateWindow, windowStart time.Time, n int) error
}

// Config holds the per-minute/per-hour caps and the headroom buffer.
type Config struct {
	PerMinute int
	PerHour   int
	Buffer    float64 // fraction, e.g. 0.10 for 10%
}

func (c Config) effectiveMinute() int { return applyBuffer(c.PerMinute, c.Buffer) }
func (c Config) effectiveHour() int   { return applyBuffer(c.PerHour, c.Buffer) }

func applyBuffer(limit int, buffer float64) int {
	if limit <= 0 {
		return 0
	}
	reduced := int(float64(limit) * (1 - buffer))
	if reduced < 0 {
		reduced = 0
	}
	return reduced
}

// Limiter checks and records per-worker send counts against the Store's
// authoritative counters, with a local token-bucket as a fast pre-check to
// avoid hitting the store for every single send when a worker is clearly
// already rate-limited in-process.
type Limiter struct {
	store    Store
	cfg      Config
	localMu  sync.Mutex
	local    map[string]*rate.Limiter
	precheck *RedisPreCheck
}

// WithRedisPreCheck attaches an optional Redis-backed fast path in front of
// the Store-authoritative windows.
func (l *Limiter) WithRedisPreCheck(p *RedisPreCheck) *Limiter {
	l.precheck = p
	return l
}

// New builds a Limiter. cfg's zero PerMinute/PerHour mean "never allow",
// matching spec §8's `rateLimitPerMinute=0` boundary behavior.
func New(store Store, cfg Config) *Limiter {
	return &Limiter{store: store, cfg: cfg, local: make(map[string]*rate.Limiter)}
}

// localBucket is called concurrently by every worker goroutine sharing this
// Limiter, so the map itself needs a lock even though each entry, once
// created, is only ever touched by its own worker.
func (l *Limiter) localBucket(workerID string) *rate.Limiter {
	l.localMu.Lock()
	defer l.localMu.Unlock()
	if lim, ok := l.local[workerID]; ok {
		return lim
	}
	perSecond := rate.Limit(float64(l.cfg.effectiveMinute()) / 60.0)
	lim := rate.NewLimiter(perSecond, max(1, l.cfg.effectiveMinute()))
	l.local[workerID] = lim
	return lim
}

// Allow reports whether workerID may send n more emails right now, checking
// the local token bucket first, then the minute window, then the hour
// window — both store-backed windows must allow.
func (l *Limiter) Allow(ctx context.Context, workerID string, n int) (bool, error) {
	if l.cfg.PerMinute <= 0 || l.cfg.PerHour <= 0 {
		return false, nil
	}
	if !l.localBucket(workerID).AllowN(time.Now(), n) {
		return false, nil
	}
	if l.precheck != nil && !l.precheck.Probe(ctx, workerID, "minute", time.Minute, n, l.cfg.effectiveMinute()) {
		return false, nil
	}

	now := time.Now().UTC()
	minuteStart := now.Truncate(time.Minute)
	hourStart := now.Truncate(time.Hour)

	okMinute, err := l.store.AllowedSend(ctx, workerID, domain.WindowMinute, minuteStart, n, l.cfg.effectiveMinute())
	if err != nil {
		return false, fmt.Errorf("check minute window: %w", err)
	}
	if !okMinute {
		return false, nil
	}

	okHour, err := l.store.AllowedSend(ctx, workerID, domain.WindowHour, hourStart, n, l.cfg.effectiveHour())
	if err != nil {
		return false, fmt.Errorf("check hour window: %w", err)
	}
	return okHour, nil
}

// Record applies the atomic increment for both windows after n sends.
func (l *Limiter) Record(ctx context.Context, workerID string, n int) error {
	now := time.Now().UTC()
	if err := l.store.RecordSendCount(ctx, workerID, domain.WindowMinute, now.Truncate(time.Minute), n); err != nil {
		return fmt.Errorf("record minute count: %w", err)
	}
	if err := l.store.RecordSendCount(ctx, workerID, domain.WindowHour, now.Truncate(time.Hour), n); err != nil {
		return fmt.Errorf("record hour count: %w", err)
	}
	return nil
}
