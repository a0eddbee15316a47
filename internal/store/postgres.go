package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dispatchkit/emaildispatch/internal/domain"
)

// PostgresStore implements Store against PostgreSQL via pgx/pgxpool. The
// claim, finish, and reclaim operations follow the single-transaction,
// row-level-locked, ownership-guarded-UPDATE pattern used throughout this
// codebase's other background-job subsystems: one `pgx.Tx`, `SELECT ... FOR
// UPDATE SKIP LOCKED` to pick a row without blocking siblings, and
// conditional `UPDATE ... WHERE owner_worker_id = $1` with the affected
// row count as the ownership check, never a separate read-then-write.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewStore wraps an already-configured pool. Exposed for callers (and
// tests) that want to manage the pool's lifecycle themselves.
func NewStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateJobWithBatches(ctx context.Context, job *domain.Job, batches []*domain.Batch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Transient(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	tagStr := encodeTags(job.Tags)
	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, tenant_id, campaign_id, priority, status, kind,
			template_subject, template_html, template_text, sender_from, sender_reply_to,
			tags, batch_size, total_recipients, max_retries, scheduled_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$17)`,
		job.ID, job.TenantID, job.CampaignID, job.Priority, job.Status, job.Kind,
		job.Template.Subject, job.Template.HTML, job.Template.Text, job.Sender.From, job.Sender.ReplyTo,
		tagStr, job.BatchSize, job.TotalRecipients, job.MaxRetries, job.ScheduledAt, job.CreatedAt)
	if err != nil {
		return domain.Transient(fmt.Errorf("insert job: %w", err))
	}

	for _, b := range batches {
		recipientsJSON, err := encodeRecipients(b.Recipients)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO batches (id, job_id, index_num, recipients, status)
			VALUES ($1,$2,$3,$4,$5)`,
			b.ID, b.JobID, b.Index, recipientsJSON, b.Status)
		if err != nil {
			return domain.Transient(fmt.Errorf("insert batch %d: %w", b.Index, err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Transient(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// ClaimNextBatch implements spec §4.1's ordering: (priority desc, scheduledAt
// asc nulls first, batch index asc), tie-broken by job createdAt asc then
// batch id. SKIP LOCKED lets concurrent workers probe the same candidate set
// without blocking each other on row locks.
func (s *PostgresStore) ClaimNextBatch(ctx context.Context, workerID string) (*domain.Job, *domain.Batch, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, domain.Transient(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT b.id, b.job_id, b.index_num, b.recipients,
		       j.id, j.tenant_id, j.campaign_id, j.priority, j.status, j.kind,
		       j.template_subject, j.template_html, j.template_text,
		       j.sender_from, j.sender_reply_to, j.tags, j.batch_size,
		       j.total_recipients, j.processed_count, j.failed_count,
		       j.retry_count, j.max_retries, j.scheduled_at, j.created_at, j.updated_at
		FROM batches b
		JOIN jobs j ON j.id = b.job_id
		WHERE b.status = 'pending'
		  AND j.status IN ('pending', 'processing')
		  AND (j.scheduled_at IS NULL OR j.scheduled_at <= now())
		ORDER BY j.priority DESC, j.scheduled_at ASC NULLS FIRST, b.index_num ASC, j.created_at ASC, b.id ASC
		LIMIT 1
		FOR UPDATE OF b, j SKIP LOCKED`)

	var (
		batchID, jobID, batchRecipients string
		index                           int
		job                             domain.Job
		tagStr                          string
	)
	err = row.Scan(&batchID, &jobID, &index, &batchRecipients,
		&job.ID, &job.TenantID, &job.CampaignID, &job.Priority, &job.Status, &job.Kind,
		&job.Template.Subject, &job.Template.HTML, &job.Template.Text,
		&job.Sender.From, &job.Sender.ReplyTo, &tagStr, &job.BatchSize,
		&job.TotalRecipients, &job.ProcessedCount, &job.FailedCount,
		&job.RetryCount, &job.MaxRetries, &job.ScheduledAt, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, domain.ErrNoBatchAvailable
	}
	if err != nil {
		return nil, nil, domain.Transient(fmt.Errorf("select claimable batch: %w", err))
	}
	job.Tags = decodeTags(tagStr)

	recipients, err := decodeRecipients(batchRecipients)
	if err != nil {
		return nil, nil, err
	}

	if _, err := tx.Exec(ctx, `UPDATE batches SET status = 'processing', started_at = now() WHERE id = $1`, batchID); err != nil {
		return nil, nil, domain.Transient(fmt.Errorf("claim batch: %w", err))
	}
	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET status = 'processing', owner_worker_id = $1, started_at = COALESCE(started_at, now()), updated_at = now()
		WHERE id = $2`, workerID, jobID); err != nil {
		return nil, nil, domain.Transient(fmt.Errorf("claim job: %w", err))
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO workers (id, name, status, last_heartbeat)
		VALUES ($1, $1, 'busy', now())
		ON CONFLICT (id) DO UPDATE SET status = 'busy', current_job_id = $2, last_heartbeat = now()`,
		workerID, jobID); err != nil {
		return nil, nil, domain.Transient(fmt.Errorf("update worker: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, domain.Transient(fmt.Errorf("commit claim: %w", err))
	}

	job.Status = domain.JobProcessing
	job.OwnerWorkerID = &workerID
	batch := &domain.Batch{ID: batchID, JobID: jobID, Index: index, Recipients: recipients, Status: domain.BatchProcessing}
	return &job, batch, nil
}

func (s *PostgresStore) ReleaseBatch(ctx context.Context, batchID, workerID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE batches SET status = 'pending', started_at = NULL WHERE id = $1 AND status = 'processing'`, batchID)
	if err != nil {
		return domain.Transient(fmt.Errorf("release batch: %w", err))
	}
	return nil
}

func (s *PostgresStore) UpdateBatchStatus(ctx context.Context, batchID string, status domain.BatchStatus, sent, failed int, errMsg *string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE batches SET status = $1, sent = $2, failed = $3, error_message = $4, completed_at = now()
		WHERE id = $5`, status, sent, failed, errMsg, batchID)
	if err != nil {
		return domain.Transient(fmt.Errorf("update batch status: %w", err))
	}
	return nil
}

func (s *PostgresStore) UpdateJobCounters(ctx context.Context, jobID string, processedDelta, failedDelta int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET processed_count = processed_count + $1, failed_count = failed_count + $2, updated_at = now()
		WHERE id = $3`, processedDelta, failedDelta, jobID)
	if err != nil {
		return domain.Transient(fmt.Errorf("update job counters: %w", err))
	}
	return nil
}

func (s *PostgresStore) RemainingPendingBatches(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM batches WHERE job_id = $1 AND status IN ('pending', 'processing')`, jobID).Scan(&n)
	if err != nil {
		return 0, domain.Transient(fmt.Errorf("count remaining batches: %w", err))
	}
	return n, nil
}

func (s *PostgresStore) FinishJob(ctx context.Context, jobID, workerID string, errMsg *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			status = CASE WHEN failed_count > 0 THEN 'failed' ELSE 'completed' END,
			completed_at = CASE WHEN failed_count > 0 THEN completed_at ELSE now() END,
			failed_at = CASE WHEN failed_count > 0 THEN now() ELSE failed_at END,
			error_message = $1,
			updated_at = now()
		WHERE id = $2 AND owner_worker_id = $3`, errMsg, jobID, workerID)
	if err != nil {
		return domain.Transient(fmt.Errorf("finish job: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobOwnershipLost
	}
	return nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, workerID, name string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workers (id, name, status, last_heartbeat)
		VALUES ($1, $2, 'idle', now())
		ON CONFLICT (id) DO UPDATE SET last_heartbeat = now()`, workerID, name)
	if err != nil {
		return domain.Transient(fmt.Errorf("heartbeat: %w", err))
	}
	return nil
}

func (s *PostgresStore) MarkWorkerOffline(ctx context.Context, workerID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE workers SET status = 'offline' WHERE id = $1`, workerID)
	if err != nil {
		return domain.Transient(fmt.Errorf("mark worker offline: %w", err))
	}
	return nil
}

func (s *PostgresStore) RecordSendOutcome(ctx context.Context, workerID string, sent bool, elapsed time.Duration) error {
	sentDelta, failDelta := 0, 0
	if sent {
		sentDelta = 1
	} else {
		failDelta = 1
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE workers SET
			total_emails_sent = total_emails_sent + $1,
			total_errors = total_errors + $2,
			consecutive_failures = CASE WHEN $2 > 0 THEN consecutive_failures + 1 ELSE 0 END,
			avg_processing_ms = (avg_processing_ms * (total_emails_sent + total_errors) + $3)
				/ (total_emails_sent + total_errors + 1),
			success_rate = (total_emails_sent + $1)::float8 / (total_emails_sent + total_errors + 1),
			throughput_per_hour = CASE
				WHEN (avg_processing_ms * (total_emails_sent + total_errors) + $3) > 0
				THEN 3600000.0 * (total_emails_sent + total_errors + 1)
					/ (avg_processing_ms * (total_emails_sent + total_errors) + $3)
				ELSE 0
			END,
			last_job_completed_at = now()
		WHERE id = $4`, sentDelta, failDelta, elapsed.Milliseconds(), workerID)
	if err != nil {
		return domain.Transient(fmt.Errorf("record send outcome: %w", err))
	}
	return nil
}

func (s *PostgresStore) SendRecordFor(ctx context.Context, jobID, recipientID string) (*domain.SendRecord, error) {
	var rec domain.SendRecord
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, campaign_id, job_id, recipient_id, email, status, provider_message_id, sent_at, error_message
		FROM send_records WHERE job_id = $1 AND recipient_id = $2`, jobID, recipientID).Scan(
		&rec.ID, &rec.TenantID, &rec.CampaignID, &rec.JobID, &rec.RecipientID, &rec.Email,
		&rec.Status, &rec.ProviderMessageID, &rec.SentAt, &rec.ErrorMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("get send record: %w", err))
	}
	return &rec, nil
}

func (s *PostgresStore) RecordSend(ctx context.Context, rec *domain.SendRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO send_records (id, tenant_id, campaign_id, job_id, recipient_id, email, status, provider_message_id, sent_at, error_message)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (job_id, recipient_id) DO UPDATE SET
			status = EXCLUDED.status,
			provider_message_id = EXCLUDED.provider_message_id,
			sent_at = EXCLUDED.sent_at,
			error_message = EXCLUDED.error_message`,
		rec.ID, rec.TenantID, rec.CampaignID, rec.JobID, rec.RecipientID, rec.Email,
		rec.Status, rec.ProviderMessageID, rec.SentAt, rec.ErrorMessage)
	if err != nil {
		return domain.Transient(fmt.Errorf("record send: %w", err))
	}
	return nil
}

func (s *PostgresStore) CreateRetryTask(ctx context.Context, task *domain.RetryTask) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO retry_tasks (id, original_job_id, send_record_id, attempt, max_attempts, next_attempt_at, status, error_message)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		task.ID, task.OriginalJobID, task.SendRecordID, task.Attempt, task.MaxAttempts,
		task.NextAttemptAt, task.Status, task.ErrorMessage)
	if err != nil {
		return domain.Transient(fmt.Errorf("create retry task: %w", err))
	}
	return nil
}

// AllowedSend is advisory-only per spec §4.5; RecordSendCount is authority.
func (s *PostgresStore) AllowedSend(ctx context.Context, workerID string, window domain.RateWindow, windowStart time.Time, n, limit int) (bool, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count FROM rate_counters WHERE worker_id = $1 AND window_unit = $2 AND window_start = $3`,
		workerID, window, windowStart).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return n <= limit, nil
	}
	if err != nil {
		return false, domain.Transient(fmt.Errorf("read rate counter: %w", err))
	}
	return count+n <= limit, nil
}

func (s *PostgresStore) RecordSendCount(ctx context.Context, workerID string, window domain.RateWindow, windowStart time.Time, n int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rate_counters (worker_id, window_unit, window_start, count)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (worker_id, window_unit, window_start) DO UPDATE SET count = rate_counters.count + $4`,
		workerID, window, windowStart, n)
	if err != nil {
		return domain.Transient(fmt.Errorf("record rate count: %w", err))
	}
	return nil
}

func (s *PostgresStore) DueRetryTasks(ctx context.Context, limit int) ([]*domain.RetryTask, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, original_job_id, send_record_id, attempt, max_attempts, next_attempt_at, status, error_message
		FROM retry_tasks
		WHERE status = 'pending' AND next_attempt_at <= now()
		ORDER BY next_attempt_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("select due retries: %w", err))
	}

	var tasks []*domain.RetryTask
	var ids []string
	for rows.Next() {
		var t domain.RetryTask
		if err := rows.Scan(&t.ID, &t.OriginalJobID, &t.SendRecordID, &t.Attempt, &t.MaxAttempts,
			&t.NextAttemptAt, &t.Status, &t.ErrorMessage); err != nil {
			rows.Close()
			return nil, domain.Transient(fmt.Errorf("scan retry task: %w", err))
		}
		tasks = append(tasks, &t)
		ids = append(ids, t.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, domain.Transient(fmt.Errorf("iterate retry tasks: %w", err))
	}

	for _, id := range ids {
		if _, err := tx.Exec(ctx, `UPDATE retry_tasks SET status = 'processing' WHERE id = $1`, id); err != nil {
			return nil, domain.Transient(fmt.Errorf("mark retry processing: %w", err))
		}
	}
	for _, t := range tasks {
		t.Status = domain.RetryProcessing
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, domain.Transient(fmt.Errorf("commit due retries: %w", err))
	}
	return tasks, nil
}

func (s *PostgresStore) CompleteRetryTask(ctx context.Context, taskID string, rec *domain.SendRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Transient(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE retry_tasks SET status = 'completed', error_message = NULL WHERE id = $1`, taskID); err != nil {
		return domain.Transient(fmt.Errorf("complete retry task: %w", err))
	}
	if _, err := tx.Exec(ctx, `
		UPDATE send_records SET status = $1, provider_message_id = $2, sent_at = $3, error_message = NULL
		WHERE id = $4`, rec.Status, rec.ProviderMessageID, rec.SentAt, rec.ID); err != nil {
		return domain.Transient(fmt.Errorf("update send record on retry success: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Transient(fmt.Errorf("commit retry completion: %w", err))
	}
	return nil
}

func (s *PostgresStore) RescheduleRetryTask(ctx context.Context, taskID string, attempt int, nextAttemptAt time.Time, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE retry_tasks SET status = 'pending', attempt = $1, next_attempt_at = $2, error_message = $3
		WHERE id = $4`, attempt, nextAttemptAt, errMsg, taskID)
	if err != nil {
		return domain.Transient(fmt.Errorf("reschedule retry task: %w", err))
	}
	return nil
}

func (s *PostgresStore) AbandonRetryTask(ctx context.Context, taskID string, errMsg string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Transient(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE retry_tasks SET status = 'abandoned', error_message = $1 WHERE id = $2`, errMsg, taskID); err != nil {
		return domain.Transient(fmt.Errorf("abandon retry task: %w", err))
	}
	if _, err := tx.Exec(ctx, `
		UPDATE send_records SET status = 'failed', error_message = $1
		WHERE id = (SELECT send_record_id FROM retry_tasks WHERE id = $2)`, errMsg, taskID); err != nil {
		return domain.Transient(fmt.Errorf("terminally fail send record: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Transient(fmt.Errorf("commit abandon: %w", err))
	}
	return nil
}

func (s *PostgresStore) GetJobAndRecipient(ctx context.Context, task *domain.RetryTask) (*domain.Job, *domain.SendRecord, *domain.Recipient, error) {
	var rec domain.SendRecord
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, campaign_id, job_id, recipient_id, email, status, provider_message_id, sent_at, error_message
		FROM send_records WHERE id = $1`, task.SendRecordID).Scan(
		&rec.ID, &rec.TenantID, &rec.CampaignID, &rec.JobID, &rec.RecipientID, &rec.Email,
		&rec.Status, &rec.ProviderMessageID, &rec.SentAt, &rec.ErrorMessage)
	if err != nil {
		return nil, nil, nil, domain.Transient(fmt.Errorf("load send record for retry: %w", err))
	}

	var job domain.Job
	var tagStr string
	err = s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, campaign_id, priority, status, kind, template_subject, template_html,
		       template_text, sender_from, sender_reply_to, tags, batch_size, total_recipients,
		       processed_count, failed_count, retry_count, max_retries, scheduled_at, created_at, updated_at
		FROM jobs WHERE id = $1`, rec.JobID).Scan(
		&job.ID, &job.TenantID, &job.CampaignID, &job.Priority, &job.Status, &job.Kind,
		&job.Template.Subject, &job.Template.HTML, &job.Template.Text, &job.Sender.From, &job.Sender.ReplyTo,
		&tagStr, &job.BatchSize, &job.TotalRecipients, &job.ProcessedCount, &job.FailedCount,
		&job.RetryCount, &job.MaxRetries, &job.ScheduledAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, nil, nil, domain.Transient(fmt.Errorf("load job for retry: %w", err))
	}
	job.Tags = decodeTags(tagStr)

	recipient := &domain.Recipient{ID: rec.RecipientID, Email: rec.Email}

	var recipientsJSON string
	err = s.pool.QueryRow(ctx, `
		SELECT recipients FROM batches
		WHERE job_id = $1 AND recipients::jsonb @> jsonb_build_array(jsonb_build_object('id', $2::text))
		LIMIT 1`, rec.JobID, rec.RecipientID).Scan(&recipientsJSON)
	if err == nil {
		if all, decErr := decodeRecipients(recipientsJSON); decErr == nil {
			for _, r := range all {
				if r.ID == rec.RecipientID {
					found := r
					recipient = &found
					break
				}
			}
		}
	}

	return &job, &rec, recipient, nil
}

func (s *PostgresStore) ReclaimStaleJobs(ctx context.Context, staleness time.Duration) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, domain.Transient(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT j.id FROM jobs j
		JOIN workers w ON w.id = j.owner_worker_id
		WHERE j.status = 'processing' AND w.last_heartbeat < now() - $1::interval
		FOR UPDATE OF j SKIP LOCKED`, staleness.String())
	if err != nil {
		return 0, domain.Transient(fmt.Errorf("select stale jobs: %w", err))
	}
	var staleJobIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, domain.Transient(fmt.Errorf("scan stale job: %w", err))
		}
		staleJobIDs = append(staleJobIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, domain.Transient(fmt.Errorf("iterate stale jobs: %w", err))
	}

	for _, id := range staleJobIDs {
		if _, err := tx.Exec(ctx, `UPDATE jobs SET status = 'pending', owner_worker_id = NULL, updated_at = now() WHERE id = $1`, id); err != nil {
			return 0, domain.Transient(fmt.Errorf("reclaim job %s: %w", id, err))
		}
		if _, err := tx.Exec(ctx, `UPDATE batches SET status = 'pending', started_at = NULL WHERE job_id = $1 AND status = 'processing'`, id); err != nil {
			return 0, domain.Transient(fmt.Errorf("reclaim batches for job %s: %w", id, err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, domain.Transient(fmt.Errorf("commit reclaim: %w", err))
	}
	return len(staleJobIDs), nil
}

func (s *PostgresStore) SystemStats(ctx context.Context) (domain.SystemStats, error) {
	var stats domain.SystemStats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM batches WHERE status = 'pending'),
			(SELECT count(*) FROM batches WHERE status = 'processing'),
			(SELECT count(*) FROM workers WHERE status = 'idle'),
			(SELECT count(*) FROM workers WHERE status = 'busy'),
			(SELECT count(*) FROM workers WHERE status = 'offline'),
			(SELECT count(*) FROM jobs WHERE status = 'pending'),
			(SELECT COALESCE(avg(throughput_per_hour), 0) FROM workers)
	`).Scan(&stats.PendingBatches, &stats.ProcessingBatches, &stats.IdleWorkers,
		&stats.BusyWorkers, &stats.OfflineWorkers, &stats.PendingJobs, &stats.AvgThroughput)
	if err != nil {
		return stats, domain.Transient(fmt.Errorf("read system stats: %w", err))
	}
	return stats, nil
}

func (s *PostgresStore) ListWorkers(ctx context.Context) ([]*domain.Worker, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, status, current_job_id, max_concurrent_jobs, rate_limit_per_minute,
		       rate_limit_per_hour, last_heartbeat, last_job_started_at, last_job_completed_at,
		       total_jobs_processed, total_emails_sent, total_errors, consecutive_failures,
		       avg_processing_ms, success_rate, throughput_per_hour
		FROM workers`)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("list workers: %w", err))
	}
	defer rows.Close()

	var workers []*domain.Worker
	for rows.Next() {
		var w domain.Worker
		var avgMS int64
		if err := rows.Scan(&w.ID, &w.Name, &w.Status, &w.CurrentJobID, &w.MaxConcurrentJobs,
			&w.RateLimitPerMinute, &w.RateLimitPerHour, &w.LastHeartbeat, &w.LastJobStartedAt,
			&w.LastJobCompletedAt, &w.TotalJobsProcessed, &w.TotalEmailsSent, &w.TotalErrors,
			&w.ConsecutiveFailures, &avgMS, &w.Metrics.SuccessRate, &w.Metrics.ThroughputPerHour); err != nil {
			return nil, domain.Transient(fmt.Errorf("scan worker: %w", err))
		}
		w.Metrics.AvgProcessingTime = time.Duration(avgMS) * time.Millisecond
		workers = append(workers, &w)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Transient(fmt.Errorf("iterate workers: %w", err))
	}
	return workers, nil
}

func (s *PostgresStore) RecordMetricsSnapshot(ctx context.Context, at time.Time, workers []*domain.Worker) error {
	bucket := at.Truncate(time.Hour)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Transient(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	for _, w := range workers {
		_, err := tx.Exec(ctx, `
			INSERT INTO worker_metrics (worker_id, bucket_hour, throughput, success_rate, response_ms)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (worker_id, bucket_hour) DO UPDATE SET
				throughput = EXCLUDED.throughput, success_rate = EXCLUDED.success_rate, response_ms = EXCLUDED.response_ms`,
			w.ID, bucket, w.Metrics.ThroughputPerHour, w.Metrics.SuccessRate, w.Metrics.AvgProcessingTime.Milliseconds())
		if err != nil {
			return domain.Transient(fmt.Errorf("record metrics for worker %s: %w", w.ID, err))
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) TryAcquireExclusiveRun(ctx context.Context, runType, holderID string, leaseDuration time.Duration) (func(context.Context), bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, domain.Transient(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO run_leases (run_type, holder_id, expires_at)
		VALUES ($1, $2, now() + $3::interval)
		ON CONFLICT (run_type) DO UPDATE SET holder_id = $2, expires_at = now() + $3::interval
		WHERE run_leases.expires_at < now()`, runType, holderID, leaseDuration.String())
	if err != nil {
		return nil, false, domain.Transient(fmt.Errorf("acquire lease: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return nil, false, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, domain.Transient(fmt.Errorf("commit lease acquire: %w", err))
	}

	release := func(ctx context.Context) {
		_, _ = s.pool.Exec(ctx, `DELETE FROM run_leases WHERE run_type = $1 AND holder_id = $2`, runType, holderID)
	}
	return release, true, nil
}

func (s *PostgresStore) CancelJob(ctx context.Context, jobID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Transient(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET status = 'failed', failed_at = now(), error_message = 'cancelled by operator', updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'retrying')`, jobID)
	if err != nil {
		return domain.Transient(fmt.Errorf("cancel pending job: %w", err))
	}
	if tag.RowsAffected() == 0 {
		// Job is processing (or already terminal); notify any worker holding it.
		if _, err := tx.Exec(ctx, `SELECT pg_notify('job_cancellations', $1)`, jobID); err != nil {
			return domain.Transient(fmt.Errorf("notify cancellation: %w", err))
		}
	}
	return tx.Commit(ctx)
}

// SubscribeToCancellations dedicates a connection to LISTEN job_cancellations,
// forwarding notified job IDs on the returned channel until ctx is done.
func (s *PostgresStore) SubscribeToCancellations(ctx context.Context) (<-chan string, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("acquire listen connection: %w", err))
	}
	if _, err := conn.Exec(ctx, "LISTEN job_cancellations"); err != nil {
		conn.Release()
		return nil, domain.Transient(fmt.Errorf("listen job_cancellations: %w", err))
	}

	out := make(chan string)
	go func() {
		defer conn.Release()
		defer close(out)
		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				return
			}
			select {
			case out <- notification.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *PostgresStore) ListAbandonedRetryTasks(ctx context.Context, limit int) ([]*domain.RetryTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, original_job_id, send_record_id, attempt, max_attempts, next_attempt_at, status, error_message
		FROM retry_tasks WHERE status = 'abandoned' ORDER BY next_attempt_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("list abandoned retries: %w", err))
	}
	defer rows.Close()

	var tasks []*domain.RetryTask
	for rows.Next() {
		var t domain.RetryTask
		if err := rows.Scan(&t.ID, &t.OriginalJobID, &t.SendRecordID, &t.Attempt, &t.MaxAttempts,
			&t.NextAttemptAt, &t.Status, &t.ErrorMessage); err != nil {
			return nil, domain.Transient(fmt.Errorf("scan abandoned retry: %w", err))
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) RequeueRetryTask(ctx context.Context, taskID string, maxAttempts int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE retry_tasks SET status = 'pending', attempt = 0, max_attempts = $1, next_attempt_at = now(), error_message = NULL
		WHERE id = $2 AND status = 'abandoned'`, maxAttempts, taskID)
	if err != nil {
		return domain.Transient(fmt.Errorf("requeue abandoned retry: %w", err))
	}
	return nil
}

func (s *PostgresStore) TerminalJobsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, campaign_id, priority, status, kind, template_subject, template_html,
		       template_text, sender_from, sender_reply_to, tags, batch_size, total_recipients,
		       processed_count, failed_count, retry_count, max_retries, scheduled_at, created_at, updated_at
		FROM jobs
		WHERE status IN ('completed', 'failed') AND updated_at < $1
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("list terminal jobs: %w", err))
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		var j domain.Job
		var tagStr string
		if err := rows.Scan(&j.ID, &j.TenantID, &j.CampaignID, &j.Priority, &j.Status, &j.Kind,
			&j.Template.Subject, &j.Template.HTML, &j.Template.Text, &j.Sender.From, &j.Sender.ReplyTo,
			&tagStr, &j.BatchSize, &j.TotalRecipients, &j.ProcessedCount, &j.FailedCount,
			&j.RetryCount, &j.MaxRetries, &j.ScheduledAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, domain.Transient(fmt.Errorf("scan terminal job: %w", err))
		}
		j.Tags = decodeTags(tagStr)
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
	if err != nil {
		return domain.Transient(fmt.Errorf("delete job: %w", err))
	}
	return nil
}

func (s *PostgresStore) TerminalRetryTasksOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*domain.RetryTask, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, original_job_id, send_record_id, attempt, max_attempts, next_attempt_at, status, error_message
		FROM retry_tasks
		WHERE status IN ('completed', 'abandoned') AND next_attempt_at < $1
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("list terminal retries: %w", err))
	}
	defer rows.Close()

	var tasks []*domain.RetryTask
	for rows.Next() {
		var t domain.RetryTask
		if err := rows.Scan(&t.ID, &t.OriginalJobID, &t.SendRecordID, &t.Attempt, &t.MaxAttempts,
			&t.NextAttemptAt, &t.Status, &t.ErrorMessage); err != nil {
			return nil, domain.Transient(fmt.Errorf("scan terminal retry: %w", err))
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) DeleteRetryTask(ctx context.Context, taskID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM retry_tasks WHERE id = $1`, taskID)
	if err != nil {
		return domain.Transient(fmt.Errorf("delete retry task: %w", err))
	}
	return nil
}
