package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dispatchkit/emaildispatch/internal/dispatch/retry"
	"github.com/dispatchkit/emaildispatch/internal/dispatch/worker"
	"github.com/dispatchkit/emaildispatch/internal/domain"
	"github.com/dispatchkit/emaildispatch/internal/monitor"
	"github.com/dispatchkit/emaildispatch/internal/provider"
)

// --- Manager's own Store mock ---

type mockStore struct {
	mu       sync.Mutex
	stats    domain.SystemStats
	workers  []*domain.Worker
	offlined []string
}

func (m *mockStore) SystemStats(ctx context.Context) (domain.SystemStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats, nil
}

func (m *mockStore) ListWorkers(ctx context.Context) ([]*domain.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workers, nil
}

func (m *mockStore) MarkWorkerOffline(ctx context.Context, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offlined = append(m.offlined, workerID)
	return nil
}

// --- Minimal stub stores for the child Monitor/Retry Controller ---

type stubMonitorStore struct{}

func (stubMonitorStore) SystemStats(ctx context.Context) (domain.SystemStats, error) {
	return domain.SystemStats{}, nil
}
func (stubMonitorStore) ListWorkers(ctx context.Context) ([]*domain.Worker, error) { return nil, nil }
func (stubMonitorStore) RecordMetricsSnapshot(ctx context.Context, at time.Time, workers []*domain.Worker) error {
	return nil
}
func (stubMonitorStore) ReclaimStaleJobs(ctx context.Context, staleness time.Duration) (int, error) {
	return 0, nil
}
func (stubMonitorStore) TryAcquireExclusiveRun(ctx context.Context, runType, holderID string, leaseDuration time.Duration) (func(context.Context), bool, error) {
	return func(context.Context) {}, false, nil
}

type stubRetryStore struct{}

func (stubRetryStore) DueRetryTasks(ctx context.Context, limit int) ([]*domain.RetryTask, error) {
	return nil, nil
}
func (stubRetryStore) CompleteRetryTask(ctx context.Context, taskID string, rec *domain.SendRecord) error {
	return nil
}
func (stubRetryStore) RescheduleRetryTask(ctx context.Context, taskID string, attempt int, nextAttemptAt time.Time, errMsg string) error {
	return nil
}
func (stubRetryStore) AbandonRetryTask(ctx context.Context, taskID string, errMsg string) error {
	return nil
}
func (stubRetryStore) GetJobAndRecipient(ctx context.Context, task *domain.RetryTask) (*domain.Job, *domain.SendRecord, *domain.Recipient, error) {
	return nil, nil, nil, nil
}

// --- Minimal stub store for spawned Workers: never has a batch to claim ---

type stubWorkerStore struct{}

func (stubWorkerStore) ClaimNextBatch(ctx context.Context, workerID string) (*domain.Job, *domain.Batch, error) {
	return nil, nil, domain.ErrNoBatchAvailable
}
func (stubWorkerStore) ReleaseBatch(ctx context.Context, batchID, workerID string) error { return nil }
func (stubWorkerStore) UpdateBatchStatus(ctx context.Context, batchID string, status domain.BatchStatus, sent, failed int, errMsg *string) error {
	return nil
}
func (stubWorkerStore) UpdateJobCounters(ctx context.Context, jobID string, processedDelta, failedDelta int) error {
	return nil
}
func (stubWorkerStore) RemainingPendingBatches(ctx context.Context, jobID string) (int, error) {
	return 0, nil
}
func (stubWorkerStore) FinishJob(ctx context.Context, jobID, workerID string, errMsg *string) error {
	return nil
}
func (stubWorkerStore) Heartbeat(ctx context.Context, workerID, name string) error { return nil }
func (stubWorkerStore) SendRecordFor(ctx context.Context, jobID, recipientID string) (*domain.SendRecord, error) {
	return nil, nil
}
func (stubWorkerStore) RecordSend(ctx context.Context, rec *domain.SendRecord) error { return nil }
func (stubWorkerStore) CreateRetryTask(ctx context.Context, task *domain.RetryTask) error {
	return nil
}
func (stubWorkerStore) RecordSendOutcome(ctx context.Context, workerID string, sent bool, elapsed time.Duration) error {
	return nil
}

type alwaysAllow struct{}

func (alwaysAllow) Allow(ctx context.Context, workerID string, n int) (bool, error) { return true, nil }
func (alwaysAllow) Record(ctx context.Context, workerID string, n int) error        { return nil }

func testFactory() WorkerFactory {
	return func() *worker.Worker {
		return worker.New(stubWorkerStore{}, alwaysAllow{}, &provider.Fake{}, worker.Config{
			IdleBackoff:       time.Millisecond,
			HeartbeatInterval: time.Hour,
		})
	}
}

func testManager(store Store) *Manager {
	mon := monitor.New(stubMonitorStore{}, nil, monitor.Options{MetricsInterval: time.Hour, AlertsInterval: time.Hour})
	retryCtl := retry.New(stubRetryStore{}, &provider.Fake{}, retry.Options{CheckInterval: time.Hour})
	return New(store, testFactory(), mon, retryCtl, Options{MinWorkers: 2, MaxWorkers: 10, Interval: time.Hour})
}

func TestRunSpawnsMinWorkersAndShutsDownGracefully(t *testing.T) {
	store := &mockStore{}
	m := testManager(store)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		m.Run(ctx)
	}()

	// Give the spawn loop a moment to register workers.
	time.Sleep(20 * time.Millisecond)
	if got := m.WorkerCount(); got != 2 {
		t.Fatalf("expected 2 workers spawned, got %d", got)
	}

	m.Stop()
	cancel()
	<-runDone

	if m.WorkerCount() != 0 {
		t.Fatalf("expected all workers removed after shutdown, got %d", m.WorkerCount())
	}
	if len(store.offlined) != 2 {
		t.Fatalf("expected 2 workers marked offline, got %d", len(store.offlined))
	}
}

func TestRunScaleTickScalesUpWhenBatchesPendingAndNoIdleWorkers(t *testing.T) {
	store := &mockStore{stats: domain.SystemStats{PendingBatches: 25, IdleWorkers: 0}}
	m := testManager(store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 2; i++ {
		m.spawnWorker(ctx)
	}

	if err := m.runScaleTick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// ceil(25/10) = 3 added workers on top of the 2 already spawned.
	if got := m.WorkerCount(); got != 5 {
		t.Fatalf("expected 5 workers after scale-up, got %d", got)
	}
}

func TestRunScaleTickCapsAtMaxWorkers(t *testing.T) {
	store := &mockStore{stats: domain.SystemStats{PendingBatches: 1000, IdleWorkers: 0}}
	m := testManager(store)
	m.opts.MaxWorkers = 4
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 2; i++ {
		m.spawnWorker(ctx)
	}

	if err := m.runScaleTick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := m.WorkerCount(); got != 4 {
		t.Fatalf("expected worker count capped at 4, got %d", got)
	}
}

func TestRunScaleTickScalesDownWhenIdleAndQuiet(t *testing.T) {
	store := &mockStore{stats: domain.SystemStats{IdleWorkers: 4, PendingBatches: 0, ProcessingBatches: 0}}
	m := testManager(store)
	m.opts.MinWorkers = 1
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 5; i++ {
		m.spawnWorker(ctx)
	}
	// Let the idle-backoff loop settle so every spawned worker reports idle.
	time.Sleep(10 * time.Millisecond)

	if err := m.runScaleTick(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// floor(4/2) = 2 stopped, leaving 3 of the original 5.
	if got := m.WorkerCount(); got != 3 {
		t.Fatalf("expected 3 workers remaining after scale-down, got %d", got)
	}
}
