package retry

import (
	"testing"
	"time"
)

func TestDelayForAttemptFollowsExponentialFormula(t *testing.T) {
	cfg := Config{BaseDelay: 300 * time.Second, Multiplier: 3, MaxDelay: 7200 * time.Second, MaxAttempts: 6}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 300 * time.Second},
		{2, 900 * time.Second},
		{3, 2700 * time.Second},
		{4, 7200 * time.Second}, // 8100s capped to 7200s
		{5, 7200 * time.Second},
	}
	for _, tc := range cases {
		if got := delayForAttempt(cfg, tc.attempt); got != tc.want {
			t.Errorf("delayForAttempt(attempt=%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestDelayForAttemptUsesDefaults(t *testing.T) {
	var cfg Config
	cfg.setDefaults()
	if cfg.BaseDelay != 300*time.Second || cfg.Multiplier != 3 || cfg.MaxDelay != 7200*time.Second || cfg.MaxAttempts != 3 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}
