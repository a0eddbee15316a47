// Package store is the Store Gateway (C1): a thin façade over the persistent
// store exposing typed reads/writes for jobs, batches, workers, rate
// counters, and the atomic claim primitive that makes concurrent workers
// safe. Interfaces here are split narrowly per consumer, in the style of
// the teacher's application/worker.Repository — Queue, Worker, Retry
// Controller, Rate Limiter, and Monitor each depend only on the slice of
// the Store they actually call.
package store

import (
	"context"
	"time"

	"github.com/dispatchkit/emaildispatch/internal/domain"
)

// JobWriter is consumed by the Job Queue (C2) to materialize a submitted
// JobSpec into persisted rows.
type JobWriter interface {
	// CreateJobWithBatches validates nothing itself; it writes a Job and its
	// pre-split Batches in a single transaction, per spec §4.2.
	CreateJobWithBatches(ctx context.Context, job *domain.Job, batches []*domain.Batch) error
}

// Claimer is consumed by the Worker (C3) run loop.
type Claimer interface {
	// ClaimNextBatch atomically claims the highest-priority claimable batch
	// for workerID, or returns domain.ErrNoBatchAvailable. See spec §4.1.
	ClaimNextBatch(ctx context.Context, workerID string) (*domain.Job, *domain.Batch, error)

	// ReleaseBatch returns a claimed batch to pending without recording any
	// batch outcome — used when a rate-limit denial, a stop signal, context
	// cancellation or a panic interrupts processing, possibly mid-batch.
	// Recipients already sent keep their SendRecords and are skipped when the
	// batch is claimed again.
	ReleaseBatch(ctx context.Context, batchID, workerID string) error

	// UpdateBatchStatus finalizes a processed batch's counters and status.
	UpdateBatchStatus(ctx context.Context, batchID string, status domain.BatchStatus, sent, failed int, errMsg *string) error

	// UpdateJobCounters applies atomic counter deltas — never read-modify-write.
	UpdateJobCounters(ctx context.Context, jobID string, processedDelta, failedDelta int) error

	// RemainingPendingBatches reports how many of the Job's batches are still
	// pending or processing, used to decide whether to call FinishJob.
	RemainingPendingBatches(ctx context.Context, jobID string) (int, error)

	// FinishJob marks a Job terminal, guarded by ownerWorkerID == workerID.
	// It derives completed-vs-failed from the jobs row's own failed_count
	// column in the same statement rather than trusting a caller-supplied
	// outcome, since a caller's last claim-time snapshot of failed_count can
	// be stale relative to failures recorded by other batches/workers.
	FinishJob(ctx context.Context, jobID, workerID string, errMsg *string) error

	// Heartbeat bumps a worker's lastHeartbeat, registering it if absent.
	Heartbeat(ctx context.Context, workerID, name string) error

	// MarkWorkerOffline sets a worker's status to offline as the last step of
	// its graceful shutdown, per spec §4.7's shutdown sequence.
	MarkWorkerOffline(ctx context.Context, workerID string) error

	// SendRecordFor returns the existing SendRecord for (jobID, recipientID),
	// or nil if none exists yet — the idempotent-resume check of spec §4.3.
	SendRecordFor(ctx context.Context, jobID, recipientID string) (*domain.SendRecord, error)

	// RecordSend upserts a SendRecord by (jobID, recipientID).
	RecordSend(ctx context.Context, rec *domain.SendRecord) error

	// CreateRetryTask schedules a per-recipient re-attempt.
	CreateRetryTask(ctx context.Context, task *domain.RetryTask) error

	// RecordSendOutcome folds one recipient send's result into the owning
	// worker's rolling counters — total_emails_sent/total_errors,
	// consecutive_failures (reset on success), avg_processing_ms (running
	// mean), success_rate, and throughput_per_hour derived from the new
	// mean — atomically from the row's own prior values, never
	// read-modify-write from Go.
	RecordSendOutcome(ctx context.Context, workerID string, sent bool, elapsed time.Duration) error
}

// RateStore is consumed by the Rate Limiter (C5).
type RateStore interface {
	// AllowedSend reports whether n additional sends fit under limit for the
	// active window starting at windowStart. Advisory: does not increment.
	AllowedSend(ctx context.Context, workerID string, window domain.RateWindow, windowStart time.Time, n, limit int) (bool, error)

	// RecordSendCount performs the atomic upsert-increment of spec §4.5.
	RecordSendCount(ctx context.Context, workerID string, window domain.RateWindow, windowStart time.Time, n int) error
}

// RetryStore is consumed by the Retry Controller (C4).
type RetryStore interface {
	// DueRetryTasks selects up to limit pending tasks whose nextAttemptAt has
	// passed, ordered by nextAttemptAt ascending, and marks them processing.
	DueRetryTasks(ctx context.Context, limit int) ([]*domain.RetryTask, error)

	// CompleteRetryTask marks a task completed and its SendRecord sent.
	CompleteRetryTask(ctx context.Context, taskID string, rec *domain.SendRecord) error

	// RescheduleRetryTask bumps attempt and nextAttemptAt, returning the task
	// to pending with the given error message.
	RescheduleRetryTask(ctx context.Context, taskID string, attempt int, nextAttemptAt time.Time, errMsg string) error

	// AbandonRetryTask marks a task abandoned and its SendRecord terminally
	// failed, per spec invariant 8.
	AbandonRetryTask(ctx context.Context, taskID string, errMsg string) error

	// GetJobAndRecipient loads the context a retry needs to re-expand the
	// template and re-send: the original Job, the SendRecord, and the
	// recipient it targets (recovered from the Batch that holds it; if none
	// is found, only its ID and email are filled in).
	GetJobAndRecipient(ctx context.Context, task *domain.RetryTask) (*domain.Job, *domain.SendRecord, *domain.Recipient, error)
}

// ReconcileStore is consumed by the Monitor (C6).
type ReconcileStore interface {
	// ReclaimStaleJobs implements spec §4.1's reclaim: any Job processing
	// whose owning worker's heartbeat is older than staleness is returned to
	// pending, its owner cleared, and its processing batches returned to
	// pending. Returns the count of jobs reclaimed.
	ReclaimStaleJobs(ctx context.Context, staleness time.Duration) (int, error)

	// SystemStats aggregates the counts Manager and Monitor read each tick.
	SystemStats(ctx context.Context) (domain.SystemStats, error)

	// ListWorkers returns all registered workers for alert threshold checks.
	ListWorkers(ctx context.Context) ([]*domain.Worker, error)

	// RecordMetricsSnapshot persists one rounded-hour metrics row per worker.
	RecordMetricsSnapshot(ctx context.Context, at time.Time, workers []*domain.Worker) error
}

// LeaseStore backs the distributed exclusive-run pattern used by Monitor's
// reclaim/retention ticks when more than one dispatcher process is live.
type LeaseStore interface {
	// TryAcquireExclusiveRun attempts to acquire runType's lease for holderID.
	// On success, returns a release func and true; on contention, (nil, false, nil).
	TryAcquireExclusiveRun(ctx context.Context, runType, holderID string, leaseDuration time.Duration) (release func(context.Context), acquired bool, err error)
}

// CancelStore backs Job cancellation via LISTEN/NOTIFY.
type CancelStore interface {
	// CancelJob marks a pending or retrying Job failed with the error
	// "cancelled by operator". For a Job in any other status it only
	// publishes jobID to SubscribeToCancellations subscribers; the Worker does
	// not subscribe, so a processing Job keeps running and its remaining
	// batches stay claimable.
	CancelJob(ctx context.Context, jobID string) error

	// SubscribeToCancellations returns a channel of cancelled job IDs; closed
	// when ctx is cancelled.
	SubscribeToCancellations(ctx context.Context) (<-chan string, error)
}

// DeadLetterStore backs the dead-letter review surface supplement.
type DeadLetterStore interface {
	ListAbandonedRetryTasks(ctx context.Context, limit int) ([]*domain.RetryTask, error)
	RequeueRetryTask(ctx context.Context, taskID string, maxAttempts int) error
}

// RetentionStore backs the retention sweep / audit archiver.
type RetentionStore interface {
	TerminalJobsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Job, error)
	DeleteJob(ctx context.Context, jobID string) error
	TerminalRetryTasksOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*domain.RetryTask, error)
	DeleteRetryTask(ctx context.Context, taskID string) error
}

// Store is the full capability set, implemented by the Postgres-backed
// production store and the SQLite-backed test store. Components depend on
// the narrower interfaces above; Store exists so cmd/dispatcher can wire one
// concrete value into all of them.
type Store interface {
	JobWriter
	Claimer
	RateStore
	RetryStore
	ReconcileStore
	LeaseStore
	CancelStore
	DeadLetterStore
	RetentionStore

	Close() error
}
