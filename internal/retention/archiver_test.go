package retention

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchkit/emaildispatch/internal/domain"
)

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	failOn  string
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: make(map[string][]byte)}
}

func (b *fakeBucket) WriteObject(ctx context.Context, name string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failOn != "" && name == b.failOn {
		return errors.New("simulated write failure")
	}
	b.objects[name] = data
	return nil
}

type mockStore struct {
	mu           sync.Mutex
	jobs         []*domain.Job
	retryTasks   []*domain.RetryTask
	deletedJobs  []string
	deletedTasks []string
	deleteJobErr error
}

func (m *mockStore) TerminalJobsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs, nil
}

func (m *mockStore) DeleteJob(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteJobErr != nil {
		return m.deleteJobErr
	}
	m.deletedJobs = append(m.deletedJobs, jobID)
	return nil
}

func (m *mockStore) TerminalRetryTasksOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*domain.RetryTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryTasks, nil
}

func (m *mockStore) DeleteRetryTask(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletedTasks = append(m.deletedTasks, taskID)
	return nil
}

func TestRunOnceArchivesThenDeletesTerminalJobs(t *testing.T) {
	store := &mockStore{jobs: []*domain.Job{
		{ID: "job-1", Status: domain.JobCompleted},
		{ID: "job-2", Status: domain.JobFailed},
	}}
	bucket := newFakeBucket()
	a := New(store, bucket, Options{RetentionDays: 30})

	require.NoError(t, a.RunOnce(context.Background()))

	assert.ElementsMatch(t, []string{"job-1", "job-2"}, store.deletedJobs)
	assert.Contains(t, bucket.objects, "job/job-1.json")
	assert.Contains(t, bucket.objects, "job/job-2.json")

	var archived domain.Job
	require.NoError(t, json.Unmarshal(bucket.objects["job/job-1.json"], &archived))
	assert.Equal(t, "job-1", archived.ID)
}

func TestRunOnceArchivesThenDeletesTerminalRetryTasks(t *testing.T) {
	store := &mockStore{retryTasks: []*domain.RetryTask{
		{ID: "task-1", Status: domain.RetryAbandoned},
	}}
	bucket := newFakeBucket()
	a := New(store, bucket, Options{RetentionDays: 30})

	require.NoError(t, a.RunOnce(context.Background()))

	assert.Equal(t, []string{"task-1"}, store.deletedTasks)
	assert.Contains(t, bucket.objects, "retrytask/task-1.json")
}

func TestRunOnceNeverDeletesWhenArchiveWriteFails(t *testing.T) {
	store := &mockStore{jobs: []*domain.Job{{ID: "job-1", Status: domain.JobCompleted}}}
	bucket := newFakeBucket()
	bucket.failOn = "job/job-1.json"
	a := New(store, bucket, Options{RetentionDays: 30})

	err := a.RunOnce(context.Background())
	require.Error(t, err)
	assert.Empty(t, store.deletedJobs)
}

func TestRunOnceStopsOnDeleteError(t *testing.T) {
	store := &mockStore{
		jobs:         []*domain.Job{{ID: "job-1", Status: domain.JobCompleted}},
		deleteJobErr: errors.New("delete failed"),
	}
	bucket := newFakeBucket()
	a := New(store, bucket, Options{RetentionDays: 30})

	err := a.RunOnce(context.Background())
	require.Error(t, err)
	// The object was archived before the delete failed.
	assert.Contains(t, bucket.objects, "job/job-1.json")
}

func TestRunAndStopExitsCleanly(t *testing.T) {
	store := &mockStore{}
	bucket := newFakeBucket()
	a := New(store, bucket, Options{SweepInterval: time.Hour, RetentionDays: 30})

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	a.Stop()
	require.NoError(t, <-done)
}
