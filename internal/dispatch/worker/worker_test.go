package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dispatchkit/emaildispatch/internal/domain"
	"github.com/dispatchkit/emaildispatch/internal/provider"
)

type mockStore struct {
	mu sync.Mutex

	batches       []*domain.Batch
	job           *domain.Job
	sendRecords   map[string]*domain.SendRecord // key: jobID+recipientID
	retryTasks    []*domain.RetryTask
	released      []string
	finished      []domain.JobStatus
	failedCount   int // mirrors the jobs row's failed_count column
	remainingFunc func() int
	sendOutcomes  []bool
}

func newMockStore(job *domain.Job, batch *domain.Batch) *mockStore {
	return &mockStore{
		job:         job,
		batches:     []*domain.Batch{batch},
		sendRecords: make(map[string]*domain.SendRecord),
	}
}

func (m *mockStore) ClaimNextBatch(ctx context.Context, workerID string) (*domain.Job, *domain.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.batches) == 0 {
		return nil, nil, domain.ErrNoBatchAvailable
	}
	b := m.batches[0]
	m.batches = m.batches[1:]
	return m.job, b, nil
}

func (m *mockStore) ReleaseBatch(ctx context.Context, batchID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, batchID)
	return nil
}

func (m *mockStore) UpdateBatchStatus(ctx context.Context, batchID string, status domain.BatchStatus, sent, failed int, errMsg *string) error {
	return nil
}

func (m *mockStore) UpdateJobCounters(ctx context.Context, jobID string, processedDelta, failedDelta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedCount += failedDelta
	return nil
}

func (m *mockStore) RemainingPendingBatches(ctx context.Context, jobID string) (int, error) {
	if m.remainingFunc != nil {
		return m.remainingFunc(), nil
	}
	return 0, nil
}

// FinishJob mirrors the real Store's behavior: it derives the outcome from
// the tracked failed_count rather than taking one as a parameter, so a test
// exercising a stale claim-time snapshot can't fool it.
func (m *mockStore) FinishJob(ctx context.Context, jobID, workerID string, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	outcome := domain.JobCompleted
	if m.failedCount > 0 {
		outcome = domain.JobFailed
	}
	m.finished = append(m.finished, outcome)
	return nil
}

func (m *mockStore) Heartbeat(ctx context.Context, workerID, name string) error { return nil }

func (m *mockStore) SendRecordFor(ctx context.Context, jobID, recipientID string) (*domain.SendRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sendRecords[jobID+recipientID], nil
}

func (m *mockStore) RecordSend(ctx context.Context, rec *domain.SendRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.sendRecords[rec.JobID+rec.RecipientID] = &cp
	return nil
}

func (m *mockStore) CreateRetryTask(ctx context.Context, task *domain.RetryTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retryTasks = append(m.retryTasks, task)
	return nil
}

func (m *mockStore) RecordSendOutcome(ctx context.Context, workerID string, sent bool, elapsed time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendOutcomes = append(m.sendOutcomes, sent)
	return nil
}

type alwaysAllow struct{}

func (alwaysAllow) Allow(ctx context.Context, workerID string, n int) (bool, error) { return true, nil }
func (alwaysAllow) Record(ctx context.Context, workerID string, n int) error        { return nil }

type neverAllow struct{}

func (neverAllow) Allow(ctx context.Context, workerID string, n int) (bool, error) { return false, nil }
func (neverAllow) Record(ctx context.Context, workerID string, n int) error        { return nil }

func testJob(recipients []domain.Recipient) (*domain.Job, *domain.Batch) {
	job := &domain.Job{
		ID:         "job-1",
		TenantID:   "tenant-1",
		CampaignID: "campaign-1",
		Status:     domain.JobProcessing,
		Template:   domain.Template{Subject: "Hi {{name}}", HTML: "<p>Hello {{name}}</p>"},
		Sender:     domain.Sender{From: "sender@example.com"},
	}
	batch := &domain.Batch{ID: "batch-1", JobID: job.ID, Index: 1, Recipients: recipients, Status: domain.BatchPending}
	return job, batch
}

func TestWorkerProcessesBatchSuccessfully(t *testing.T) {
	recipients := []domain.Recipient{
		{ID: "r1", Email: "a@example.com", DisplayName: "Alice"},
		{ID: "r2", Email: "b@example.com", DisplayName: "Bob"},
	}
	job, batch := testJob(recipients)
	store := newMockStore(job, batch)
	fakeProvider := &provider.Fake{}

	w := New(store, alwaysAllow{}, fakeProvider, Config{ID: "worker-1", PerSendPacing: time.Millisecond, ProviderTimeout: time.Second})

	processed, err := w.runOnce(context.Background())
	if err != nil {
		t.Fatalf("runOnce returned error: %v", err)
	}
	if !processed {
		t.Fatal("expected a batch to be processed")
	}
	if len(fakeProvider.Sent) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(fakeProvider.Sent))
	}
	if len(store.finished) != 1 || store.finished[0] != domain.JobCompleted {
		t.Fatalf("expected job finished completed, got %v", store.finished)
	}
}

func TestWorkerSkipsAlreadySentRecipient(t *testing.T) {
	recipients := []domain.Recipient{{ID: "r1", Email: "a@example.com"}}
	job, batch := testJob(recipients)
	store := newMockStore(job, batch)
	store.sendRecords[job.ID+"r1"] = &domain.SendRecord{Status: domain.SendSent}
	fakeProvider := &provider.Fake{}

	w := New(store, alwaysAllow{}, fakeProvider, Config{ID: "worker-1", ProviderTimeout: time.Second})
	if _, err := w.runOnce(context.Background()); err != nil {
		t.Fatalf("runOnce returned error: %v", err)
	}
	if len(fakeProvider.Sent) != 0 {
		t.Fatalf("expected idempotent skip, got %d sends", len(fakeProvider.Sent))
	}
}

func TestWorkerReleasesBatchOnRateLimitDenial(t *testing.T) {
	recipients := []domain.Recipient{{ID: "r1", Email: "a@example.com"}}
	job, batch := testJob(recipients)
	store := newMockStore(job, batch)
	fakeProvider := &provider.Fake{}

	w := New(store, neverAllow{}, fakeProvider, Config{ID: "worker-1", RateBackoff: time.Millisecond, ProviderTimeout: time.Second})
	if _, err := w.runOnce(context.Background()); err != nil {
		t.Fatalf("runOnce returned error: %v", err)
	}
	if len(store.released) != 1 || store.released[0] != batch.ID {
		t.Fatalf("expected batch released once, got %v", store.released)
	}
	if len(fakeProvider.Sent) != 0 {
		t.Fatal("expected no sends when rate limited")
	}
}

func TestWorkerCreatesRetryTaskOnTransientFailure(t *testing.T) {
	recipients := []domain.Recipient{{ID: "r1", Email: "a@example.com"}}
	job, batch := testJob(recipients)
	store := newMockStore(job, batch)
	fakeProvider := &provider.Fake{SendFunc: func(ctx context.Context, e provider.Envelope) (provider.Result, error) {
		return provider.Result{OK: false, ErrorClass: provider.ErrorClassRetryable, ErrorCode: "timeout"}, nil
	}}

	w := New(store, alwaysAllow{}, fakeProvider, Config{ID: "worker-1", ProviderTimeout: time.Second})
	if _, err := w.runOnce(context.Background()); err != nil {
		t.Fatalf("runOnce returned error: %v", err)
	}
	if len(store.retryTasks) != 1 {
		t.Fatalf("expected 1 retry task, got %d", len(store.retryTasks))
	}
}

func TestWorkerSkipsRetryTaskOnPermanentFailure(t *testing.T) {
	recipients := []domain.Recipient{{ID: "r1", Email: "a@example.com"}}
	job, batch := testJob(recipients)
	store := newMockStore(job, batch)
	fakeProvider := &provider.Fake{SendFunc: func(ctx context.Context, e provider.Envelope) (provider.Result, error) {
		return provider.Result{OK: false, ErrorClass: provider.ErrorClassPermanent, ErrorCode: "invalid_address"}, nil
	}}

	w := New(store, alwaysAllow{}, fakeProvider, Config{ID: "worker-1", ProviderTimeout: time.Second})
	if _, err := w.runOnce(context.Background()); err != nil {
		t.Fatalf("runOnce returned error: %v", err)
	}
	if len(store.retryTasks) != 0 {
		t.Fatalf("expected no retry task for permanent failure, got %d", len(store.retryTasks))
	}
	if len(store.finished) != 1 || store.finished[0] != domain.JobFailed {
		t.Fatalf("expected job failed, got %v", store.finished)
	}
}

func TestWorkerReportsNoBatchAvailable(t *testing.T) {
	store := &mockStore{sendRecords: make(map[string]*domain.SendRecord)}
	fakeProvider := &provider.Fake{}
	w := New(store, alwaysAllow{}, fakeProvider, Config{ID: "worker-1"})

	processed, err := w.runOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if processed {
		t.Fatal("expected processed=false when no batch available")
	}
}

type failingClaimStore struct {
	*mockStore
	claimErr error
}

func (f *failingClaimStore) ClaimNextBatch(ctx context.Context, workerID string) (*domain.Job, *domain.Batch, error) {
	return nil, nil, f.claimErr
}

func TestWorkerClaimErrorPropagates(t *testing.T) {
	store := &failingClaimStore{
		mockStore: &mockStore{sendRecords: make(map[string]*domain.SendRecord)},
		claimErr:  errors.New("store down"),
	}
	w := New(store, alwaysAllow{}, &provider.Fake{}, Config{ID: "worker-1"})
	if _, err := w.runOnce(context.Background()); err == nil {
		t.Fatal("expected runOnce to propagate a non-sentinel claim error")
	}
}
