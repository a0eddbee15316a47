package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/dispatchkit/emaildispatch/internal/domain"
)

type mockStore struct {
	stats          domain.SystemStats
	workers        []*domain.Worker
	leaseAcquired  bool
	reclaimCount   int
	snapshotCalled bool
	releaseCalled  bool
}

func (m *mockStore) SystemStats(ctx context.Context) (domain.SystemStats, error) {
	return m.stats, nil
}

func (m *mockStore) ListWorkers(ctx context.Context) ([]*domain.Worker, error) {
	return m.workers, nil
}

func (m *mockStore) RecordMetricsSnapshot(ctx context.Context, at time.Time, workers []*domain.Worker) error {
	m.snapshotCalled = true
	return nil
}

func (m *mockStore) ReclaimStaleJobs(ctx context.Context, staleness time.Duration) (int, error) {
	return m.reclaimCount, nil
}

func (m *mockStore) TryAcquireExclusiveRun(ctx context.Context, runType, holderID string, leaseDuration time.Duration) (func(context.Context), bool, error) {
	return func(context.Context) { m.releaseCalled = true }, m.leaseAcquired, nil
}

type recordingSink struct {
	alerts []Alert
}

func (s *recordingSink) Alert(ctx context.Context, a Alert) {
	s.alerts = append(s.alerts, a)
}

func TestMetricsTickSkipsWhenLeaseNotAcquired(t *testing.T) {
	store := &mockStore{leaseAcquired: false}
	m := New(store, nil, Options{})

	if err := m.runMetricsTick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.snapshotCalled {
		t.Fatal("expected snapshot skipped without the lease")
	}
}

func TestMetricsTickRecordsSnapshotAndReclaims(t *testing.T) {
	store := &mockStore{leaseAcquired: true, reclaimCount: 2}
	m := New(store, nil, Options{})

	if err := m.runMetricsTick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !store.snapshotCalled {
		t.Fatal("expected snapshot recorded")
	}
	if !store.releaseCalled {
		t.Fatal("expected lease released")
	}
}

func TestAlertsTickRaisesPendingJobsAlert(t *testing.T) {
	store := &mockStore{stats: domain.SystemStats{PendingJobs: 2000}}
	sink := &recordingSink{}
	m := New(store, sink, Options{Thresholds: Thresholds{MaxQueueSize: 1000}})

	if err := m.runAlertsTick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.alerts) != 1 || sink.alerts[0].Metric != "pending_jobs" {
		t.Fatalf("expected a pending_jobs alert, got %v", sink.alerts)
	}
}

func TestAlertsTickRaisesStaleHeartbeatAlert(t *testing.T) {
	staleWorker := &domain.Worker{ID: "w1", LastHeartbeat: time.Now().UTC().Add(-10 * time.Minute)}
	store := &mockStore{workers: []*domain.Worker{staleWorker}}
	sink := &recordingSink{}
	m := New(store, sink, Options{Thresholds: Thresholds{WorkerTimeout: 2 * time.Minute}})

	if err := m.runAlertsTick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, a := range sink.alerts {
		if a.Metric == "heartbeat_age" && a.WorkerID == "w1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a heartbeat_age alert for w1, got %v", sink.alerts)
	}
}

func TestAlertsTickRaisesConsecutiveFailuresAlert(t *testing.T) {
	failing := &domain.Worker{ID: "w1", LastHeartbeat: time.Now().UTC(), ConsecutiveFailures: 10}
	store := &mockStore{workers: []*domain.Worker{failing}}
	sink := &recordingSink{}
	m := New(store, sink, Options{})

	if err := m.runAlertsTick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, a := range sink.alerts {
		if a.Metric == "consecutive_failures" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a consecutive_failures alert, got %v", sink.alerts)
	}
}

func TestAlertsTickQuietWhenNothingBreachesThresholds(t *testing.T) {
	healthy := &domain.Worker{ID: "w1", LastHeartbeat: time.Now().UTC(), ConsecutiveFailures: 0}
	store := &mockStore{stats: domain.SystemStats{PendingJobs: 1}, workers: []*domain.Worker{healthy}}
	sink := &recordingSink{}
	m := New(store, sink, Options{})

	if err := m.runAlertsTick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.alerts) != 0 {
		t.Fatalf("expected no alerts, got %v", sink.alerts)
	}
}
