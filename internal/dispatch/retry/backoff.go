package retry

import (
	"math"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Config holds the exponential backoff tunables of spec §4.4: delay(n) =
// min(baseDelay * multiplier^(n-1), maxDelay), attempts 1-indexed, no
// jitter.
type Config struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
}

func (c *Config) setDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 300 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 3
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 7200 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
}

// multiplierBackoff is a goretry.Backoff with a configurable multiplier;
// go-retry's own NewExponential hardcodes a doubling sequence, which does not
// match the tripling the spec calls for.
type multiplierBackoff struct {
	base       time.Duration
	multiplier float64
	attempt    uint64
}

func (b *multiplierBackoff) Next() (time.Duration, bool) {
	b.attempt++
	d := float64(b.base) * math.Pow(b.multiplier, float64(b.attempt-1))
	return time.Duration(d), false
}

// delayForAttempt computes delay(n) by driving a capped multiplierBackoff
// forward n steps, reusing go-retry's WithCappedDuration combinator for the
// maxDelay ceiling rather than reimplementing the cap inline.
func delayForAttempt(cfg Config, attempt int) time.Duration {
	b := goretry.WithCappedDuration(cfg.MaxDelay, &multiplierBackoff{base: cfg.BaseDelay, multiplier: cfg.Multiplier})
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d, _ = b.Next()
	}
	return d
}
