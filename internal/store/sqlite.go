package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite"

	"github.com/dispatchkit/emaildispatch/internal/domain"
)

//go:embed migrations_sqlite/*.sql
var embedSQLiteMigrations embed.FS

// SQLiteStore is a test-only Store backend. SQLite has no equivalent of
// Postgres's SELECT ... FOR UPDATE SKIP LOCKED or LISTEN/NOTIFY, so it
// serializes every Store method behind a single mutex over a single
// connection instead of relying on row-level locking — acceptable for
// the unit/integration tests this backend exists for, not for production
// concurrency. The SKIP LOCKED claim path and LISTEN/NOTIFY cancellation
// exist only in the Postgres backend; no test in this repository runs
// against Postgres.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB

	notifyMu sync.Mutex
	notify   []chan string
}

// NewSQLiteStore opens (or creates) path, migrates it, and returns a Store.
// Use ":memory:" for ephemeral per-test databases.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single connection: avoids SQLITE_BUSY under the mutex

	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	goose.SetBaseFS(embedSQLiteMigrations)
	if err := goose.Up(db, "migrations_sqlite"); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateJobWithBatches(ctx context.Context, job *domain.Job, batches []*domain.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transient(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	tagStr := encodeTags(job.Tags)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, tenant_id, campaign_id, priority, status, kind,
			template_subject, template_html, template_text, sender_from, sender_reply_to,
			tags, batch_size, total_recipients, max_retries, scheduled_at, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		job.ID, job.TenantID, job.CampaignID, job.Priority, string(job.Status), string(job.Kind),
		job.Template.Subject, job.Template.HTML, job.Template.Text, job.Sender.From, job.Sender.ReplyTo,
		tagStr, job.BatchSize, job.TotalRecipients, job.MaxRetries, nullableTime(job.ScheduledAt), job.CreatedAt, job.CreatedAt)
	if err != nil {
		return domain.Transient(fmt.Errorf("insert job: %w", err))
	}

	for _, b := range batches {
		recipientsJSON, err := encodeRecipients(b.Recipients)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO batches (id, job_id, index_num, recipients, status)
			VALUES (?,?,?,?,?)`, b.ID, b.JobID, b.Index, recipientsJSON, string(b.Status))
		if err != nil {
			return domain.Transient(fmt.Errorf("insert batch %d: %w", b.Index, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Transient(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *SQLiteStore) ClaimNextBatch(ctx context.Context, workerID string) (*domain.Job, *domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, domain.Transient(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
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
		  AND (j.scheduled_at IS NULL OR j.scheduled_at <= datetime('now'))
		ORDER BY j.priority DESC, (j.scheduled_at IS NULL) DESC, j.scheduled_at ASC, b.index_num ASC, j.created_at ASC, b.id ASC
		LIMIT 1`)

	var (
		batchID, jobID, batchRecipients string
		index                           int
		job                             domain.Job
		tagStr, status, kind            string
		scheduledAt                     sql.NullTime
	)
	err = row.Scan(&batchID, &jobID, &index, &batchRecipients,
		&job.ID, &job.TenantID, &job.CampaignID, &job.Priority, &status, &kind,
		&job.Template.Subject, &job.Template.HTML, &job.Template.Text,
		&job.Sender.From, &job.Sender.ReplyTo, &tagStr, &job.BatchSize,
		&job.TotalRecipients, &job.ProcessedCount, &job.FailedCount,
		&job.RetryCount, &job.MaxRetries, &scheduledAt, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, domain.ErrNoBatchAvailable
	}
	if err != nil {
		return nil, nil, domain.Transient(fmt.Errorf("select claimable batch: %w", err))
	}
	job.Status = domain.JobStatus(status)
	job.Kind = domain.JobKind(kind)
	job.Tags = decodeTags(tagStr)
	if scheduledAt.Valid {
		t := scheduledAt.Time
		job.ScheduledAt = &t
	}

	recipients, err := decodeRecipients(batchRecipients)
	if err != nil {
		return nil, nil, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE batches SET status = 'processing', started_at = datetime('now') WHERE id = ?`, batchID); err != nil {
		return nil, nil, domain.Transient(fmt.Errorf("claim batch: %w", err))
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'processing', owner_worker_id = ?, started_at = COALESCE(started_at, datetime('now')), updated_at = datetime('now')
		WHERE id = ?`, workerID, jobID); err != nil {
		return nil, nil, domain.Transient(fmt.Errorf("claim job: %w", err))
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workers (id, name, status, last_heartbeat, current_job_id) VALUES (?, ?, 'busy', datetime('now'), ?)
		ON CONFLICT(id) DO UPDATE SET status = 'busy', current_job_id = excluded.current_job_id, last_heartbeat = datetime('now')`,
		workerID, workerID, jobID); err != nil {
		return nil, nil, domain.Transient(fmt.Errorf("update worker: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, domain.Transient(fmt.Errorf("commit claim: %w", err))
	}

	job.Status = domain.JobProcessing
	job.OwnerWorkerID = &workerID
	batch := &domain.Batch{ID: batchID, JobID: jobID, Index: index, Recipients: recipients, Status: domain.BatchProcessing}
	return &job, batch, nil
}

func (s *SQLiteStore) ReleaseBatch(ctx context.Context, batchID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE batches SET status = 'pending', started_at = NULL WHERE id = ? AND status = 'processing'`, batchID)
	if err != nil {
		return domain.Transient(fmt.Errorf("release batch: %w", err))
	}
	return nil
}

func (s *SQLiteStore) UpdateBatchStatus(ctx context.Context, batchID string, status domain.BatchStatus, sent, failed int, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE batches SET status = ?, sent = ?, failed = ?, error_message = ?, completed_at = datetime('now')
		WHERE id = ?`, string(status), sent, failed, errMsg, batchID)
	if err != nil {
		return domain.Transient(fmt.Errorf("update batch status: %w", err))
	}
	return nil
}

func (s *SQLiteStore) UpdateJobCounters(ctx context.Context, jobID string, processedDelta, failedDelta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET processed_count = processed_count + ?, failed_count = failed_count + ?, updated_at = datetime('now')
		WHERE id = ?`, processedDelta, failedDelta, jobID)
	if err != nil {
		return domain.Transient(fmt.Errorf("update job counters: %w", err))
	}
	return nil
}

func (s *SQLiteStore) RemainingPendingBatches(ctx context.Context, jobID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM batches WHERE job_id = ? AND status IN ('pending', 'processing')`, jobID).Scan(&n)
	if err != nil {
		return 0, domain.Transient(fmt.Errorf("count remaining batches: %w", err))
	}
	return n, nil
}

func (s *SQLiteStore) FinishJob(ctx context.Context, jobID, workerID string, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = CASE WHEN failed_count > 0 THEN 'failed' ELSE 'completed' END,
			completed_at = CASE WHEN failed_count > 0 THEN completed_at ELSE datetime('now') END,
			failed_at = CASE WHEN failed_count > 0 THEN datetime('now') ELSE failed_at END,
			error_message = ?,
			updated_at = datetime('now')
		WHERE id = ? AND owner_worker_id = ?`, errMsg, jobID, workerID)
	if err != nil {
		return domain.Transient(fmt.Errorf("finish job: %w", err))
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrJobOwnershipLost
	}
	return nil
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, workerID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (id, name, status, last_heartbeat) VALUES (?, ?, 'idle', datetime('now'))
		ON CONFLICT(id) DO UPDATE SET last_heartbeat = datetime('now')`, workerID, name)
	if err != nil {
		return domain.Transient(fmt.Errorf("heartbeat: %w", err))
	}
	return nil
}

func (s *SQLiteStore) MarkWorkerOffline(ctx context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE workers SET status = 'offline' WHERE id = ?`, workerID)
	if err != nil {
		return domain.Transient(fmt.Errorf("mark worker offline: %w", err))
	}
	return nil
}

func (s *SQLiteStore) RecordSendOutcome(ctx context.Context, workerID string, sent bool, elapsed time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sentDelta, failDelta := 0, 0
	if sent {
		sentDelta = 1
	} else {
		failDelta = 1
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE workers SET
			total_emails_sent = total_emails_sent + ?,
			total_errors = total_errors + ?,
			consecutive_failures = CASE WHEN ? > 0 THEN consecutive_failures + 1 ELSE 0 END,
			avg_processing_ms = (avg_processing_ms * (total_emails_sent + total_errors) + ?)
				/ (total_emails_sent + total_errors + 1),
			success_rate = CAST(total_emails_sent + ? AS REAL) / (total_emails_sent + total_errors + 1),
			throughput_per_hour = CASE
				WHEN (avg_processing_ms * (total_emails_sent + total_errors) + ?) > 0
				THEN 3600000.0 * (total_emails_sent + total_errors + 1)
					/ (avg_processing_ms * (total_emails_sent + total_errors) + ?)
				ELSE 0
			END,
			last_job_completed_at = datetime('now')
		WHERE id = ?`, sentDelta, failDelta, failDelta, elapsed.Milliseconds(), sentDelta,
		elapsed.Milliseconds(), elapsed.Milliseconds(), workerID)
	if err != nil {
		return domain.Transient(fmt.Errorf("record send outcome: %w", err))
	}
	return nil
}

func (s *SQLiteStore) SendRecordFor(ctx context.Context, jobID, recipientID string) (*domain.SendRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var rec domain.SendRecord
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, campaign_id, job_id, recipient_id, email, status, provider_message_id, sent_at, error_message
		FROM send_records WHERE job_id = ? AND recipient_id = ?`, jobID, recipientID).Scan(
		&rec.ID, &rec.TenantID, &rec.CampaignID, &rec.JobID, &rec.RecipientID, &rec.Email,
		&status, &rec.ProviderMessageID, &rec.SentAt, &rec.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("get send record: %w", err))
	}
	rec.Status = domain.SendStatus(status)
	return &rec, nil
}

func (s *SQLiteStore) RecordSend(ctx context.Context, rec *domain.SendRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO send_records (id, tenant_id, campaign_id, job_id, recipient_id, email, status, provider_message_id, sent_at, error_message)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(job_id, recipient_id) DO UPDATE SET
			status = excluded.status, provider_message_id = excluded.provider_message_id,
			sent_at = excluded.sent_at, error_message = excluded.error_message`,
		rec.ID, rec.TenantID, rec.CampaignID, rec.JobID, rec.RecipientID, rec.Email,
		string(rec.Status), rec.ProviderMessageID, rec.SentAt, rec.ErrorMessage)
	if err != nil {
		return domain.Transient(fmt.Errorf("record send: %w", err))
	}
	return nil
}

func (s *SQLiteStore) CreateRetryTask(ctx context.Context, task *domain.RetryTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retry_tasks (id, original_job_id, send_record_id, attempt, max_attempts, next_attempt_at, status, error_message)
		VALUES (?,?,?,?,?,?,?,?)`,
		task.ID, task.OriginalJobID, task.SendRecordID, task.Attempt, task.MaxAttempts,
		task.NextAttemptAt, string(task.Status), task.ErrorMessage)
	if err != nil {
		return domain.Transient(fmt.Errorf("create retry task: %w", err))
	}
	return nil
}

func (s *SQLiteStore) AllowedSend(ctx context.Context, workerID string, window domain.RateWindow, windowStart time.Time, n, limit int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count FROM rate_counters WHERE worker_id = ? AND window_unit = ? AND window_start = ?`,
		workerID, string(window), windowStart).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return n <= limit, nil
	}
	if err != nil {
		return false, domain.Transient(fmt.Errorf("read rate counter: %w", err))
	}
	return count+n <= limit, nil
}

func (s *SQLiteStore) RecordSendCount(ctx context.Context, workerID string, window domain.RateWindow, windowStart time.Time, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_counters (worker_id, window_unit, window_start, count) VALUES (?,?,?,?)
		ON CONFLICT(worker_id, window_unit, window_start) DO UPDATE SET count = count + excluded.count`,
		workerID, string(window), windowStart, n)
	if err != nil {
		return domain.Transient(fmt.Errorf("record rate count: %w", err))
	}
	return nil
}

func (s *SQLiteStore) DueRetryTasks(ctx context.Context, limit int) ([]*domain.RetryTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, original_job_id, send_record_id, attempt, max_attempts, next_attempt_at, status, error_message
		FROM retry_tasks WHERE status = 'pending' AND next_attempt_at <= datetime('now')
		ORDER BY next_attempt_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("select due retries: %w", err))
	}

	var tasks []*domain.RetryTask
	var ids []string
	for rows.Next() {
		var t domain.RetryTask
		var status string
		if err := rows.Scan(&t.ID, &t.OriginalJobID, &t.SendRecordID, &t.Attempt, &t.MaxAttempts,
			&t.NextAttemptAt, &status, &t.ErrorMessage); err != nil {
			rows.Close()
			return nil, domain.Transient(fmt.Errorf("scan retry task: %w", err))
		}
		t.Status = domain.RetryTaskStatus(status)
		tasks = append(tasks, &t)
		ids = append(ids, t.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, domain.Transient(fmt.Errorf("iterate retry tasks: %w", err))
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE retry_tasks SET status = 'processing' WHERE id = ?`, id); err != nil {
			return nil, domain.Transient(fmt.Errorf("mark retry processing: %w", err))
		}
	}
	for _, t := range tasks {
		t.Status = domain.RetryProcessing
	}

	if err := tx.Commit(); err != nil {
		return nil, domain.Transient(fmt.Errorf("commit due retries: %w", err))
	}
	return tasks, nil
}

func (s *SQLiteStore) CompleteRetryTask(ctx context.Context, taskID string, rec *domain.SendRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transient(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE retry_tasks SET status = 'completed', error_message = NULL WHERE id = ?`, taskID); err != nil {
		return domain.Transient(fmt.Errorf("complete retry task: %w", err))
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE send_records SET status = ?, provider_message_id = ?, sent_at = ?, error_message = NULL
		WHERE id = ?`, string(rec.Status), rec.ProviderMessageID, rec.SentAt, rec.ID); err != nil {
		return domain.Transient(fmt.Errorf("update send record on retry success: %w", err))
	}
	return tx.Commit()
}

func (s *SQLiteStore) RescheduleRetryTask(ctx context.Context, taskID string, attempt int, nextAttemptAt time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE retry_tasks SET status = 'pending', attempt = ?, next_attempt_at = ?, error_message = ?
		WHERE id = ?`, attempt, nextAttemptAt, errMsg, taskID)
	if err != nil {
		return domain.Transient(fmt.Errorf("reschedule retry task: %w", err))
	}
	return nil
}

func (s *SQLiteStore) AbandonRetryTask(ctx context.Context, taskID string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transient(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE retry_tasks SET status = 'abandoned', error_message = ? WHERE id = ?`, errMsg, taskID); err != nil {
		return domain.Transient(fmt.Errorf("abandon retry task: %w", err))
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE send_records SET status = 'failed', error_message = ?
		WHERE id = (SELECT send_record_id FROM retry_tasks WHERE id = ?)`, errMsg, taskID); err != nil {
		return domain.Transient(fmt.Errorf("terminally fail send record: %w", err))
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetJobAndRecipient(ctx context.Context, task *domain.RetryTask) (*domain.Job, *domain.SendRecord, *domain.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec domain.SendRecord
	var recStatus string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, campaign_id, job_id, recipient_id, email, status, provider_message_id, sent_at, error_message
		FROM send_records WHERE id = ?`, task.SendRecordID).Scan(
		&rec.ID, &rec.TenantID, &rec.CampaignID, &rec.JobID, &rec.RecipientID, &rec.Email,
		&recStatus, &rec.ProviderMessageID, &rec.SentAt, &rec.ErrorMessage)
	if err != nil {
		return nil, nil, nil, domain.Transient(fmt.Errorf("load send record for retry: %w", err))
	}
	rec.Status = domain.SendStatus(recStatus)

	var job domain.Job
	var tagStr, status, kind string
	var scheduledAt sql.NullTime
	err = s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, campaign_id, priority, status, kind, template_subject, template_html,
		       template_text, sender_from, sender_reply_to, tags, batch_size, total_recipients,
		       processed_count, failed_count, retry_count, max_retries, scheduled_at, created_at, updated_at
		FROM jobs WHERE id = ?`, rec.JobID).Scan(
		&job.ID, &job.TenantID, &job.CampaignID, &job.Priority, &status, &kind,
		&job.Template.Subject, &job.Template.HTML, &job.Template.Text, &job.Sender.From, &job.Sender.ReplyTo,
		&tagStr, &job.BatchSize, &job.TotalRecipients, &job.ProcessedCount, &job.FailedCount,
		&job.RetryCount, &job.MaxRetries, &scheduledAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, nil, nil, domain.Transient(fmt.Errorf("load job for retry: %w", err))
	}
	job.Status = domain.JobStatus(status)
	job.Kind = domain.JobKind(kind)
	job.Tags = decodeTags(tagStr)
	if scheduledAt.Valid {
		t := scheduledAt.Time
		job.ScheduledAt = &t
	}

	recipient := &domain.Recipient{ID: rec.RecipientID, Email: rec.Email}
	var recipientsJSON string
	if err := s.db.QueryRowContext(ctx, `
		SELECT recipients FROM batches
		WHERE job_id = ? AND EXISTS (SELECT 1 FROM json_each(batches.recipients) WHERE json_extract(json_each.value, '$.id') = ?)
		LIMIT 1`, rec.JobID, rec.RecipientID).Scan(&recipientsJSON); err == nil {
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

func (s *SQLiteStore) ReclaimStaleJobs(ctx context.Context, staleness time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, domain.Transient(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	cutoff := time.Now().Add(-staleness)
	rows, err := tx.QueryContext(ctx, `
		SELECT j.id FROM jobs j
		JOIN workers w ON w.id = j.owner_worker_id
		WHERE j.status = 'processing' AND w.last_heartbeat < ?`, cutoff)
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

	for _, id := range staleJobIDs {
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = 'pending', owner_worker_id = NULL, updated_at = datetime('now') WHERE id = ?`, id); err != nil {
			return 0, domain.Transient(fmt.Errorf("reclaim job %s: %w", id, err))
		}
		if _, err := tx.ExecContext(ctx, `UPDATE batches SET status = 'pending', started_at = NULL WHERE job_id = ? AND status = 'processing'`, id); err != nil {
			return 0, domain.Transient(fmt.Errorf("reclaim batches for job %s: %w", id, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, domain.Transient(fmt.Errorf("commit reclaim: %w", err))
	}
	return len(staleJobIDs), nil
}

func (s *SQLiteStore) SystemStats(ctx context.Context) (domain.SystemStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats domain.SystemStats
	err := s.db.QueryRowContext(ctx, `
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

func (s *SQLiteStore) ListWorkers(ctx context.Context) ([]*domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
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
		var status string
		var avgMS int64
		if err := rows.Scan(&w.ID, &w.Name, &status, &w.CurrentJobID, &w.MaxConcurrentJobs,
			&w.RateLimitPerMinute, &w.RateLimitPerHour, &w.LastHeartbeat, &w.LastJobStartedAt,
			&w.LastJobCompletedAt, &w.TotalJobsProcessed, &w.TotalEmailsSent, &w.TotalErrors,
			&w.ConsecutiveFailures, &avgMS, &w.Metrics.SuccessRate, &w.Metrics.ThroughputPerHour); err != nil {
			return nil, domain.Transient(fmt.Errorf("scan worker: %w", err))
		}
		w.Status = domain.WorkerStatus(status)
		w.Metrics.AvgProcessingTime = time.Duration(avgMS) * time.Millisecond
		workers = append(workers, &w)
	}
	return workers, rows.Err()
}

func (s *SQLiteStore) RecordMetricsSnapshot(ctx context.Context, at time.Time, workers []*domain.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := at.Truncate(time.Hour)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transient(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	for _, w := range workers {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO worker_metrics (worker_id, bucket_hour, throughput, success_rate, response_ms)
			VALUES (?,?,?,?,?)
			ON CONFLICT(worker_id, bucket_hour) DO UPDATE SET
				throughput = excluded.throughput, success_rate = excluded.success_rate, response_ms = excluded.response_ms`,
			w.ID, bucket, w.Metrics.ThroughputPerHour, w.Metrics.SuccessRate, w.Metrics.AvgProcessingTime.Milliseconds())
		if err != nil {
			return domain.Transient(fmt.Errorf("record metrics for worker %s: %w", w.ID, err))
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) TryAcquireExclusiveRun(ctx context.Context, runType, holderID string, leaseDuration time.Duration) (func(context.Context), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO run_leases (run_type, holder_id, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(run_type) DO UPDATE SET holder_id = excluded.holder_id, expires_at = excluded.expires_at
		WHERE run_leases.expires_at < ?`, runType, holderID, now.Add(leaseDuration), now)
	if err != nil {
		return nil, false, domain.Transient(fmt.Errorf("acquire lease: %w", err))
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, false, nil
	}

	release := func(ctx context.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		_, _ = s.db.ExecContext(ctx, `DELETE FROM run_leases WHERE run_type = ? AND holder_id = ?`, runType, holderID)
	}
	return release, true, nil
}

func (s *SQLiteStore) CancelJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'failed', failed_at = datetime('now'), error_message = 'cancelled by operator', updated_at = datetime('now')
		WHERE id = ? AND status IN ('pending', 'retrying')`, jobID)
	s.mu.Unlock()
	if err != nil {
		return domain.Transient(fmt.Errorf("cancel pending job: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.notifyMu.Lock()
		for _, ch := range s.notify {
			select {
			case ch <- jobID:
			default:
			}
		}
		s.notifyMu.Unlock()
	}
	return nil
}

// SubscribeToCancellations emulates LISTEN/NOTIFY with an in-process fan-out
// channel; there is only one process in tests, so this is sufficient.
func (s *SQLiteStore) SubscribeToCancellations(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, 16)
	s.notifyMu.Lock()
	s.notify = append(s.notify, ch)
	s.notifyMu.Unlock()

	go func() {
		<-ctx.Done()
		s.notifyMu.Lock()
		defer s.notifyMu.Unlock()
		for i, c := range s.notify {
			if c == ch {
				s.notify = append(s.notify[:i], s.notify[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (s *SQLiteStore) ListAbandonedRetryTasks(ctx context.Context, limit int) ([]*domain.RetryTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, original_job_id, send_record_id, attempt, max_attempts, next_attempt_at, status, error_message
		FROM retry_tasks WHERE status = 'abandoned' ORDER BY next_attempt_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("list abandoned retries: %w", err))
	}
	defer rows.Close()

	var tasks []*domain.RetryTask
	for rows.Next() {
		var t domain.RetryTask
		var status string
		if err := rows.Scan(&t.ID, &t.OriginalJobID, &t.SendRecordID, &t.Attempt, &t.MaxAttempts,
			&t.NextAttemptAt, &status, &t.ErrorMessage); err != nil {
			return nil, domain.Transient(fmt.Errorf("scan abandoned retry: %w", err))
		}
		t.Status = domain.RetryTaskStatus(status)
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) RequeueRetryTask(ctx context.Context, taskID string, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		UPDATE retry_tasks SET status = 'pending', attempt = 0, max_attempts = ?, next_attempt_at = datetime('now'), error_message = NULL
		WHERE id = ? AND status = 'abandoned'`, maxAttempts, taskID)
	if err != nil {
		return domain.Transient(fmt.Errorf("requeue abandoned retry: %w", err))
	}
	return nil
}

func (s *SQLiteStore) TerminalJobsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, campaign_id, priority, status, kind, template_subject, template_html,
		       template_text, sender_from, sender_reply_to, tags, batch_size, total_recipients,
		       processed_count, failed_count, retry_count, max_retries, scheduled_at, created_at, updated_at
		FROM jobs WHERE status IN ('completed', 'failed') AND updated_at < ? LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("list terminal jobs: %w", err))
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		var j domain.Job
		var tagStr, status, kind string
		var scheduledAt sql.NullTime
		if err := rows.Scan(&j.ID, &j.TenantID, &j.CampaignID, &j.Priority, &status, &kind,
			&j.Template.Subject, &j.Template.HTML, &j.Template.Text, &j.Sender.From, &j.Sender.ReplyTo,
			&tagStr, &j.BatchSize, &j.TotalRecipients, &j.ProcessedCount, &j.FailedCount,
			&j.RetryCount, &j.MaxRetries, &scheduledAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, domain.Transient(fmt.Errorf("scan terminal job: %w", err))
		}
		j.Status = domain.JobStatus(status)
		j.Kind = domain.JobKind(kind)
		j.Tags = decodeTags(tagStr)
		if scheduledAt.Valid {
			t := scheduledAt.Time
			j.ScheduledAt = &t
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID)
	if err != nil {
		return domain.Transient(fmt.Errorf("delete job: %w", err))
	}
	return nil
}

func (s *SQLiteStore) TerminalRetryTasksOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*domain.RetryTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, original_job_id, send_record_id, attempt, max_attempts, next_attempt_at, status, error_message
		FROM retry_tasks WHERE status IN ('completed', 'abandoned') AND next_attempt_at < ? LIMIT ?`, cutoff, limit)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("list terminal retries: %w", err))
	}
	defer rows.Close()

	var tasks []*domain.RetryTask
	for rows.Next() {
		var t domain.RetryTask
		var status string
		if err := rows.Scan(&t.ID, &t.OriginalJobID, &t.SendRecordID, &t.Attempt, &t.MaxAttempts,
			&t.NextAttemptAt, &status, &t.ErrorMessage); err != nil {
			return nil, domain.Transient(fmt.Errorf("scan terminal retry: %w", err))
		}
		t.Status = domain.RetryTaskStatus(status)
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) DeleteRetryTask(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM retry_tasks WHERE id = ?`, taskID)
	if err != nil {
		return domain.Transient(fmt.Errorf("delete retry task: %w", err))
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
