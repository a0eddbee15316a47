// Package worker is the Worker (C3): one concurrent executor that claims a
// batch, processes its recipients against the Provider, and records
// outcomes. The run loop's shape — claim, heartbeat goroutine, panic
// recovery wrapper, error routing — is grounded directly on the teacher's
// GenerationWorker.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dispatchkit/emaildispatch/internal/dispatch/template"
	"github.com/dispatchkit/emaildispatch/internal/domain"
	"github.com/dispatchkit/emaildispatch/internal/provider"
)

// Status mirrors the Worker state machine of spec §4.3.
type Status string

const (
	StatusStarting Status = "starting"
	StatusIdle     Status = "idle"
	StatusBusy     Status = "busy"
	StatusError    Status = "error"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

// Store is the narrow slice of the Store Gateway a Worker depends on.
type Store interface {
	ClaimNextBatch(ctx context.Context, workerID string) (*domain.Job, *domain.Batch, error)
	ReleaseBatch(ctx context.Context, batchID, workerID string) error
	UpdateBatchStatus(ctx context.Context, batchID string, status domain.BatchStatus, sent, failed int, errMsg *string) error
	UpdateJobCounters(ctx context.Context, jobID string, processedDelta, failedDelta int) error
	RemainingPendingBatches(ctx context.Context, jobID string) (int, error)
	FinishJob(ctx context.Context, jobID, workerID string, errMsg *string) error
	Heartbeat(ctx context.Context, workerID, name string) error
	SendRecordFor(ctx context.Context, jobID, recipientID string) (*domain.SendRecord, error)
	RecordSend(ctx context.Context, rec *domain.SendRecord) error
	CreateRetryTask(ctx context.Context, task *domain.RetryTask) error
	RecordSendOutcome(ctx context.Context, workerID string, sent bool, elapsed time.Duration) error
}

// RateLimiter is the narrow slice of the Rate Limiter a Worker depends on.
type RateLimiter interface {
	Allow(ctx context.Context, workerID string, n int) (bool, error)
	Record(ctx context.Context, workerID string, n int) error
}

// Config holds the tunables of spec §6 relevant to a single Worker.
type Config struct {
	ID                string
	Name              string
	HeartbeatInterval time.Duration
	IdleBackoff       time.Duration
	RateBackoff       time.Duration
	PerSendPacing     time.Duration
	ProviderTimeout   time.Duration
	MaxRetryAttempts  int
}

func (c *Config) setDefaults() {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Name == "" {
		c.Name = c.ID
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = 5 * time.Second
	}
	if c.RateBackoff <= 0 {
		c.RateBackoff = 60 * time.Second
	}
	if c.PerSendPacing <= 0 {
		c.PerSendPacing = 100 * time.Millisecond
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 30 * time.Second
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = 3
	}
}

// Worker runs the claim/process/heartbeat loop of spec §4.3.
type Worker struct {
	store       Store
	rateLimiter RateLimiter
	provider    provider.Provider
	cfg         Config

	status atomic.Value // Status

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// New builds a Worker. cfg.ID is generated if empty.
func New(store Store, rateLimiter RateLimiter, prov provider.Provider, cfg Config) *Worker {
	cfg.setDefaults()
	w := &Worker{
		store:       store,
		rateLimiter: rateLimiter,
		provider:    prov,
		cfg:         cfg,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	w.status.Store(StatusStarting)
	return w
}

// ID reports the Worker's identity, used by Manager for bookkeeping.
func (w *Worker) ID() string { return w.cfg.ID }

// Status reports the Worker's current state machine position.
func (w *Worker) Status() Status { return w.status.Load().(Status) }

// Run executes the claim/process loop until ctx is cancelled or Stop is
// called. It registers the worker (starting -> idle) before looping and
// sets its in-process status to stopped on exit (the store row is marked
// offline by the Manager, not here), mirroring GenerationWorker.RunProcessOnce
// wrapped in a persistent ticker loop like the teacher's Worker.Start.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)

	if err := w.store.Heartbeat(ctx, w.cfg.ID, w.cfg.Name); err != nil {
		w.status.Store(StatusError)
		return fmt.Errorf("register worker: %w", err)
	}
	w.status.Store(StatusIdle)

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx)

	for {
		select {
		case <-ctx.Done():
			w.status.Store(StatusStopped)
			return ctx.Err()
		case <-w.stop:
			w.status.Store(StatusStopped)
			return nil
		default:
		}

		processed, err := w.runOnce(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "worker run cycle failed", "worker_id", w.cfg.ID, "error", err)
			w.status.Store(StatusError)
			return err
		}
		if !processed {
			select {
			case <-time.After(w.cfg.IdleBackoff):
			case <-ctx.Done():
				w.status.Store(StatusStopped)
				return ctx.Err()
			case <-w.stop:
				w.status.Store(StatusStopped)
				return nil
			}
		}
	}
}

// Stop signals the worker to exit and blocks until Run returns. A worker
// in the middle of a batch finishes its in-flight recipient, releases the
// batch back to pending, and exits.
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Worker) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.Heartbeat(ctx, w.cfg.ID, w.cfg.Name); err != nil {
				slog.WarnContext(ctx, "heartbeat failed", "worker_id", w.cfg.ID, "error", err)
			}
		}
	}
}

// runOnce claims at most one batch and fully processes it. It returns
// processed=false when no batch was available (caller should idle-backoff).
func (w *Worker) runOnce(ctx context.Context) (processed bool, err error) {
	job, batch, err := w.store.ClaimNextBatch(ctx, w.cfg.ID)
	if errors.Is(err, domain.ErrNoBatchAvailable) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim batch: %w", err)
	}

	w.status.Store(StatusBusy)
	defer w.status.Store(StatusIdle)

	if procErr := w.processBatch(ctx, job, batch); procErr != nil {
		return true, procErr
	}
	return true, nil
}

// processBatch implements the recipient loop of spec §4.3 step 2-4, wrapped
// in panic recovery per the teacher's executeWithRecovery.
func (w *Worker) processBatch(ctx context.Context, job *domain.Job, batch *domain.Batch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			slog.ErrorContext(ctx, "worker panicked processing batch",
				"worker_id", w.cfg.ID, "batch_id", batch.ID, "panic_value", r)
			_ = w.store.ReleaseBatch(ctx, batch.ID, w.cfg.ID)
			err = domain.PanicError{Value: r, StackTrace: stack}
		}
	}()

	sent, failed := 0, 0
	for _, recipient := range batch.Recipients {
		select {
		case <-ctx.Done():
			_ = w.store.ReleaseBatch(ctx, batch.ID, w.cfg.ID)
			return ctx.Err()
		case <-w.stop:
			_ = w.store.ReleaseBatch(ctx, batch.ID, w.cfg.ID)
			return nil
		default:
		}

		existing, recErr := w.store.SendRecordFor(ctx, job.ID, recipient.ID)
		if recErr != nil {
			return fmt.Errorf("check existing send record: %w", recErr)
		}
		if existing != nil && existing.Status == domain.SendSent {
			sent++
			continue
		}

		allowed, rlErr := w.rateLimiter.Allow(ctx, w.cfg.ID, 1)
		if rlErr != nil {
			return fmt.Errorf("check rate limit: %w", rlErr)
		}
		if !allowed {
			if relErr := w.store.ReleaseBatch(ctx, batch.ID, w.cfg.ID); relErr != nil {
				return fmt.Errorf("release rate-limited batch: %w", relErr)
			}
			select {
			case <-time.After(w.cfg.RateBackoff):
			case <-ctx.Done():
				return ctx.Err()
			case <-w.stop:
				return nil
			}
			return w.requeueRemainder(ctx, job, batch)
		}

		ok, sendErr := w.sendToRecipient(ctx, job, recipient)
		if sendErr != nil {
			return fmt.Errorf("send to recipient %s: %w", recipient.ID, sendErr)
		}
		if ok {
			sent++
		} else {
			failed++
		}
	}

	return w.finalizeBatch(ctx, job, batch, sent, failed)
}

// requeueRemainder is called after a rate-limit release: the batch has
// already been returned to pending by the store, so there is nothing more
// for this worker cycle to do — the next claim of this batch (by this or
// another worker) resumes via SendRecordFor's idempotence check.
func (w *Worker) requeueRemainder(ctx context.Context, job *domain.Job, batch *domain.Batch) error {
	return nil
}

func (w *Worker) sendToRecipient(ctx context.Context, job *domain.Job, recipient domain.Recipient) (sent bool, err error) {
	vars := template.MergedVariables(recipient, job.Tags)
	envelope := provider.Envelope{
		To:      []string{recipient.Email},
		From:    job.Sender.From,
		ReplyTo: job.Sender.ReplyTo,
		Subject: template.Expand(job.Template.Subject, vars),
		HTML:    template.Expand(job.Template.HTML, vars),
		Text:    template.Expand(job.Template.Text, vars),
		Tags:    job.Tags,
	}

	sendStart := time.Now()
	sendCtx, cancel := context.WithTimeout(ctx, w.cfg.ProviderTimeout)
	result, sendErr := w.provider.Send(sendCtx, envelope)
	cancel()
	elapsed := time.Since(sendStart)

	now := time.Now().UTC()
	rec := &domain.SendRecord{
		ID:          uuid.NewString(),
		TenantID:    job.TenantID,
		CampaignID:  job.CampaignID,
		JobID:       job.ID,
		RecipientID: recipient.ID,
		Email:       recipient.Email,
	}

	if sendErr == nil && result.OK {
		rec.Status = domain.SendSent
		rec.SentAt = &now
		if result.ID != "" {
			id := result.ID
			rec.ProviderMessageID = &id
		}
		if recErr := w.store.RecordSend(ctx, rec); recErr != nil {
			return false, fmt.Errorf("record sent: %w", recErr)
		}
		if rlErr := w.rateLimiter.Record(ctx, w.cfg.ID, 1); rlErr != nil {
			slog.WarnContext(ctx, "rate limiter record failed after send", "worker_id", w.cfg.ID, "error", rlErr)
		}
		if outErr := w.store.RecordSendOutcome(ctx, w.cfg.ID, true, elapsed); outErr != nil {
			slog.WarnContext(ctx, "record send outcome failed", "worker_id", w.cfg.ID, "error", outErr)
		}
		select {
		case <-time.After(w.cfg.PerSendPacing):
		case <-ctx.Done():
		}
		return true, nil
	}

	errMsg := classifyFailure(sendErr, result)
	rec.Status = domain.SendFailed
	rec.ErrorMessage = &errMsg
	if recErr := w.store.RecordSend(ctx, rec); recErr != nil {
		return false, fmt.Errorf("record failed send: %w", recErr)
	}
	if outErr := w.store.RecordSendOutcome(ctx, w.cfg.ID, false, elapsed); outErr != nil {
		slog.WarnContext(ctx, "record send outcome failed", "worker_id", w.cfg.ID, "error", outErr)
	}

	if result.ErrorClass != provider.ErrorClassPermanent {
		task := &domain.RetryTask{
			ID:            uuid.NewString(),
			OriginalJobID: job.ID,
			SendRecordID:  rec.ID,
			Attempt:       0,
			MaxAttempts:   w.cfg.MaxRetryAttempts,
			NextAttemptAt: now,
			Status:        domain.RetryPending,
			ErrorMessage:  &errMsg,
		}
		if taskErr := w.store.CreateRetryTask(ctx, task); taskErr != nil {
			return false, fmt.Errorf("create retry task: %w", taskErr)
		}
	}

	return false, nil
}

func classifyFailure(err error, result provider.Result) string {
	if err != nil {
		return err.Error()
	}
	return result.ErrorCode
}

func (w *Worker) finalizeBatch(ctx context.Context, job *domain.Job, batch *domain.Batch, sent, failed int) error {
	status := domain.BatchCompleted
	if failed > 0 {
		status = domain.BatchFailed
	}
	if err := w.store.UpdateBatchStatus(ctx, batch.ID, status, sent, failed, nil); err != nil {
		return fmt.Errorf("update batch status: %w", err)
	}
	if err := w.store.UpdateJobCounters(ctx, job.ID, sent+failed, failed); err != nil {
		return fmt.Errorf("update job counters: %w", err)
	}

	remaining, err := w.store.RemainingPendingBatches(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("count remaining batches: %w", err)
	}
	if remaining == 0 {
		// The outcome is not decided here from job.FailedCount — that's a
		// claim-time snapshot and can be stale relative to failures recorded
		// by other batches. FinishJob derives completed-vs-failed from the
		// jobs row's current failed_count in the same statement instead.
		if err := w.store.FinishJob(ctx, job.ID, w.cfg.ID, nil); err != nil {
			if errors.Is(err, domain.ErrJobOwnershipLost) {
				slog.WarnContext(ctx, "job ownership lost while finishing", "job_id", job.ID)
				return nil
			}
			return fmt.Errorf("finish job: %w", err)
		}
	}
	return nil
}
