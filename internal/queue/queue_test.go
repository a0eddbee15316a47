package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/dispatchkit/emaildispatch/internal/domain"
)

type mockWriter struct {
	createFunc func(ctx context.Context, job *domain.Job, batches []*domain.Batch) error
}

func (m *mockWriter) CreateJobWithBatches(ctx context.Context, job *domain.Job, batches []*domain.Batch) error {
	if m.createFunc != nil {
		return m.createFunc(ctx, job, batches)
	}
	return nil
}

func validSpec(recipients int) domain.JobSpec {
	spec := domain.JobSpec{
		TenantID:   "tenant-1",
		CampaignID: "campaign-1",
		Kind:       domain.JobKindCampaign,
		Template:   domain.Template{Subject: "hi", HTML: "<p>hi</p>"},
		Sender:     domain.Sender{From: "sender@example.com"},
	}
	for i := 0; i < recipients; i++ {
		spec.Recipients = append(spec.Recipients, domain.Recipient{Email: "r@example.com"})
	}
	return spec
}

func TestSubmitSplitsIntoBatches(t *testing.T) {
	var gotBatches []*domain.Batch
	w := &mockWriter{createFunc: func(ctx context.Context, job *domain.Job, batches []*domain.Batch) error {
		gotBatches = batches
		return nil
	}}
	q := New(w, WithDefaultBatchSize(10))

	spec := validSpec(25)
	id, err := q.Submit(context.Background(), spec)
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty job id")
	}
	if len(gotBatches) != 3 {
		t.Fatalf("expected 3 batches for 25 recipients at size 10, got %d", len(gotBatches))
	}
	if len(gotBatches[0].Recipients) != 10 || len(gotBatches[2].Recipients) != 5 {
		t.Fatalf("unexpected batch sizes: %d, %d, %d",
			len(gotBatches[0].Recipients), len(gotBatches[1].Recipients), len(gotBatches[2].Recipients))
	}
	for i, b := range gotBatches {
		if b.Index != i+1 {
			t.Errorf("batch %d has index %d, want %d", i, b.Index, i+1)
		}
		if b.JobID != id {
			t.Errorf("batch %d has jobID %q, want %q", i, b.JobID, id)
		}
	}
}

func TestSubmitRejectsEmptyRecipients(t *testing.T) {
	w := &mockWriter{}
	q := New(w)

	spec := validSpec(0)
	_, err := q.Submit(context.Background(), spec)
	if !errors.Is(err, domain.ErrRecipientsEmpty) {
		t.Fatalf("expected ErrRecipientsEmpty, got %v", err)
	}
}

func TestSubmitRejectsInvalidTemplate(t *testing.T) {
	w := &mockWriter{}
	q := New(w)

	spec := validSpec(1)
	spec.Template.Subject = ""
	if _, err := q.Submit(context.Background(), spec); err == nil {
		t.Fatal("expected validation error for missing subject")
	}
}

func TestSubmitAssignsRecipientIDsWhenMissing(t *testing.T) {
	var gotBatches []*domain.Batch
	w := &mockWriter{createFunc: func(ctx context.Context, job *domain.Job, batches []*domain.Batch) error {
		gotBatches = batches
		return nil
	}}
	q := New(w)

	spec := validSpec(2)
	if _, err := q.Submit(context.Background(), spec); err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	for _, b := range gotBatches {
		for _, r := range b.Recipients {
			if r.ID == "" {
				t.Error("expected recipient ID to be assigned")
			}
		}
	}
}

func TestSubmitPropagatesStoreError(t *testing.T) {
	wantErr := errors.New("db down")
	w := &mockWriter{createFunc: func(ctx context.Context, job *domain.Job, batches []*domain.Batch) error {
		return wantErr
	}}
	q := New(w)

	_, err := q.Submit(context.Background(), validSpec(1))
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}
