package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/dispatchkit/emaildispatch/internal/domain"
)

type mockStore struct {
	allowedFunc func(ctx context.Context, workerID string, window domain.RateWindow, windowStart time.Time, n, limit int) (bool, error)
	recordFunc  func(ctx context.Context, workerID string, window domain.RateWindow, windowStart time.Time, n int) error
}

func (m *mockStore) AllowedSend(ctx context.Context, workerID string, window domain.RateWindow, windowStart time.Time, n, limit int) (bool, error) {
	if m.allowedFunc != nil {
		return m.allowedFunc(ctx, workerID, window, windowStart, n, limit)
	}
	return true, nil
}

func (m *mockStore) RecordSendCount(ctx context.Context, workerID string, window domain.RateWindow, windowStart time.Time, n int) error {
	if m.recordFunc != nil {
		return m.recordFunc(ctx, workerID, window, windowStart, n)
	}
	return nil
}

func TestAllowDeniesWhenPerMinuteIsZero(t *testing.T) {
	l := New(&mockStore{}, Config{PerMinute: 0, PerHour: 1000})
	ok, err := l.Allow(context.Background(), "worker-1", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected Allow to deny when PerMinute is 0")
	}
}

func TestAllowChecksBothWindows(t *testing.T) {
	var sawMinute, sawHour bool
	store := &mockStore{allowedFunc: func(ctx context.Context, workerID string, window domain.RateWindow, windowStart time.Time, n, limit int) (bool, error) {
		switch window {
		case domain.WindowMinute:
			sawMinute = true
		case domain.WindowHour:
			sawHour = true
		}
		return true, nil
	}}
	l := New(store, Config{PerMinute: 100, PerHour: 1000})

	ok, err := l.Allow(context.Background(), "worker-1", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected Allow to succeed")
	}
	if !sawMinute || !sawHour {
		t.Fatalf("expected both windows checked, minute=%v hour=%v", sawMinute, sawHour)
	}
}

func TestAllowDeniesWhenHourWindowDenies(t *testing.T) {
	store := &mockStore{allowedFunc: func(ctx context.Context, workerID string, window domain.RateWindow, windowStart time.Time, n, limit int) (bool, error) {
		return window != domain.WindowHour, nil
	}}
	l := New(store, Config{PerMinute: 100, PerHour: 1000})

	ok, err := l.Allow(context.Background(), "worker-1", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected Allow to deny when hour window denies")
	}
}

func TestBufferReducesEffectiveLimit(t *testing.T) {
	cfg := Config{PerMinute: 100, PerHour: 1000, Buffer: 0.10}
	if got := cfg.effectiveMinute(); got != 90 {
		t.Errorf("effectiveMinute() = %d, want 90", got)
	}
	if got := cfg.effectiveHour(); got != 900 {
		t.Errorf("effectiveHour() = %d, want 900", got)
	}
}

func TestRecordIncrementsBothWindows(t *testing.T) {
	var windows []domain.RateWindow
	store := &mockStore{recordFunc: func(ctx context.Context, workerID string, window domain.RateWindow, windowStart time.Time, n int) error {
		windows = append(windows, window)
		return nil
	}}
	l := New(store, Config{PerMinute: 100, PerHour: 1000})

	if err := l.Record(context.Background(), "worker-1", 1); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}
	if len(windows) != 2 {
		t.Fatalf("expected 2 recorded windows, got %d", len(windows))
	}
}
