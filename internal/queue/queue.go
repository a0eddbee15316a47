// Package queue is the Job Queue (C2): it validates a submitted JobSpec,
// splits its recipients into batches, and writes the Job and Batches in one
// transaction. It holds no in-memory queue of its own — claiming happens
// directly against the Store, per spec §4.1/§4.2.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/dispatchkit/emaildispatch/internal/domain"
)

const defaultBatchSize = 100

// Writer is the narrow slice of the Store Gateway the Job Queue depends on.
type Writer interface {
	CreateJobWithBatches(ctx context.Context, job *domain.Job, batches []*domain.Batch) error
}

// Queue is constructed as a value, not a singleton, per spec §9.
type Queue struct {
	store     Writer
	validate  *validator.Validate
	batchSize int
}

// Option configures a Queue at construction time.
type Option func(*Queue)

// WithDefaultBatchSize overrides the batch size used when a JobSpec doesn't
// specify one.
func WithDefaultBatchSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.batchSize = n
		}
	}
}

// New builds a Queue backed by store.
func New(store Writer, opts ...Option) *Queue {
	q := &Queue{store: store, validate: validator.New(), batchSize: defaultBatchSize}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit validates spec, splits its recipients into batchSize-sized Batches,
// and persists the resulting Job atomically. It returns the new Job's ID.
func (q *Queue) Submit(ctx context.Context, spec domain.JobSpec) (string, error) {
	if len(spec.Recipients) == 0 {
		return "", domain.ErrRecipientsEmpty
	}
	if err := q.validate.StructCtx(ctx, spec); err != nil {
		return "", fmt.Errorf("validate job spec: %w", err)
	}

	batchSize := spec.BatchSize
	if batchSize <= 0 {
		batchSize = q.batchSize
	}
	maxRetries := spec.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	now := time.Now().UTC()
	jobID := uuid.NewString()

	job := &domain.Job{
		ID:              jobID,
		TenantID:        spec.TenantID,
		CampaignID:      spec.CampaignID,
		Priority:        spec.Priority,
		Status:          domain.JobPending,
		Kind:            spec.Kind,
		Template:        spec.Template,
		Sender:          spec.Sender,
		Tags:            spec.Tags,
		BatchSize:       batchSize,
		TotalRecipients: len(spec.Recipients),
		MaxRetries:      maxRetries,
		ScheduledAt:     spec.ScheduledAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	batches := splitBatches(jobID, spec.Recipients, batchSize)

	if err := q.store.CreateJobWithBatches(ctx, job, batches); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	return jobID, nil
}

func splitBatches(jobID string, recipients []domain.Recipient, batchSize int) []*domain.Batch {
	batches := make([]*domain.Batch, 0, (len(recipients)+batchSize-1)/batchSize)
	index := 1
	for start := 0; start < len(recipients); start += batchSize {
		end := start + batchSize
		if end > len(recipients) {
			end = len(recipients)
		}
		chunk := make([]domain.Recipient, end-start)
		copy(chunk, recipients[start:end])
		for i := range chunk {
			if chunk[i].ID == "" {
				chunk[i].ID = uuid.NewString()
			}
		}
		batches = append(batches, &domain.Batch{
			ID:         uuid.NewString(),
			JobID:      jobID,
			Index:      index,
			Recipients: chunk,
			Status:     domain.BatchPending,
		})
		index++
	}
	return batches
}
