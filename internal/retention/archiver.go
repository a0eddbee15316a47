// Package retention is the audit archiver: a periodic sweep that finds
// terminal Jobs and RetryTasks older than a retention window, serializes
// each to JSON in cloud storage, and only then deletes it from the Store.
// Grounded on the teacher's internal/storage/gcs.Store (object-per-record
// JSON writes against a bucket) and on the ticker-loop shape shared by the
// Retry Controller and Monitor.
package retention

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/storage"

	"github.com/dispatchkit/emaildispatch/internal/domain"
)

// Store is the narrow slice of the Store Gateway the archiver depends on.
type Store interface {
	TerminalJobsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Job, error)
	DeleteJob(ctx context.Context, jobID string) error
	TerminalRetryTasksOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*domain.RetryTask, error)
	DeleteRetryTask(ctx context.Context, taskID string) error
}

// ObjectWriter is the narrow capability the archiver needs from a bucket: a
// durable, overwrite-safe write of one named object. gcsBucket is the
// production implementation; tests substitute an in-memory fake so the
// archiver's sweep/delete ordering is verifiable without a live GCS project.
type ObjectWriter interface {
	WriteObject(ctx context.Context, name string, data []byte) error
}

// gcsBucket adapts a cloud.google.com/go/storage bucket to ObjectWriter.
type gcsBucket struct {
	client *storage.Client
	bucket string
}

// NewGCSBucket wraps an authenticated storage.Client (e.g. configured via
// GOOGLE_APPLICATION_CREDENTIALS) as the archiver's ObjectWriter.
func NewGCSBucket(client *storage.Client, bucket string) ObjectWriter {
	return &gcsBucket{client: client, bucket: bucket}
}

func (b *gcsBucket) WriteObject(ctx context.Context, name string, data []byte) error {
	w := b.client.Bucket(b.bucket).Object(name).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write object: %w", err)
	}
	return w.Close()
}

// Options holds the archiver's tunables.
type Options struct {
	SweepInterval time.Duration
	RetentionDays int
	BatchLimit    int
}

func (o *Options) setDefaults() {
	if o.SweepInterval <= 0 {
		o.SweepInterval = 24 * time.Hour
	}
	if o.RetentionDays <= 0 {
		o.RetentionDays = 30
	}
	if o.BatchLimit <= 0 {
		o.BatchLimit = 500
	}
}

// Archiver runs the retention sweep against bucket, one JSON object per
// archived record, keyed by kind and ID so a later audit lookup needs only
// the record's ID.
type Archiver struct {
	store  Store
	bucket ObjectWriter
	opts   Options

	stop chan struct{}
	done chan struct{}
}

// New builds an Archiver writing through bucket (typically NewGCSBucket's
// result).
func New(store Store, bucket ObjectWriter, opts Options) *Archiver {
	opts.setDefaults()
	return &Archiver{
		store:  store,
		bucket: bucket,
		opts:   opts,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run sweeps once immediately, then on SweepInterval, until ctx is
// cancelled or Stop is called.
func (a *Archiver) Run(ctx context.Context) error {
	defer close(a.done)

	if err := a.RunOnce(ctx); err != nil {
		slog.ErrorContext(ctx, "retention sweep failed", "error", err)
	}

	ticker := time.NewTicker(a.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.RunOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "retention sweep failed", "error", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-a.stop:
			return nil
		}
	}
}

// Stop signals Run to exit and blocks until it does.
func (a *Archiver) Stop() {
	close(a.stop)
	<-a.done
}

// RunOnce archives and deletes every terminal Job and RetryTask older than
// the retention window. It stops partway through a kind on the first error,
// since a failed archive write must never be followed by a delete.
func (a *Archiver) RunOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -a.opts.RetentionDays)

	if err := a.sweepJobs(ctx, cutoff); err != nil {
		return fmt.Errorf("sweep jobs: %w", err)
	}
	if err := a.sweepRetryTasks(ctx, cutoff); err != nil {
		return fmt.Errorf("sweep retry tasks: %w", err)
	}
	return nil
}

func (a *Archiver) sweepJobs(ctx context.Context, cutoff time.Time) error {
	jobs, err := a.store.TerminalJobsOlderThan(ctx, cutoff, a.opts.BatchLimit)
	if err != nil {
		return fmt.Errorf("list terminal jobs: %w", err)
	}

	archived := 0
	for _, job := range jobs {
		if err := a.writeObject(ctx, objectName("job", job.ID), job); err != nil {
			return fmt.Errorf("archive job %s: %w", job.ID, err)
		}
		if err := a.store.DeleteJob(ctx, job.ID); err != nil {
			return fmt.Errorf("delete job %s after archiving: %w", job.ID, err)
		}
		archived++
	}
	if archived > 0 {
		slog.InfoContext(ctx, "archived terminal jobs", "count", archived)
	}
	return nil
}

func (a *Archiver) sweepRetryTasks(ctx context.Context, cutoff time.Time) error {
	tasks, err := a.store.TerminalRetryTasksOlderThan(ctx, cutoff, a.opts.BatchLimit)
	if err != nil {
		return fmt.Errorf("list terminal retry tasks: %w", err)
	}

	archived := 0
	for _, task := range tasks {
		if err := a.writeObject(ctx, objectName("retrytask", task.ID), task); err != nil {
			return fmt.Errorf("archive retry task %s: %w", task.ID, err)
		}
		if err := a.store.DeleteRetryTask(ctx, task.ID); err != nil {
			return fmt.Errorf("delete retry task %s after archiving: %w", task.ID, err)
		}
		archived++
	}
	if archived > 0 {
		slog.InfoContext(ctx, "archived terminal retry tasks", "count", archived)
	}
	return nil
}

func (a *Archiver) writeObject(ctx context.Context, name string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return a.bucket.WriteObject(ctx, name, data)
}

func objectName(kind, id string) string {
	return fmt.Sprintf("%s/%s.json", kind, id)
}
