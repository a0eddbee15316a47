package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchkit/emaildispatch/internal/domain"
)

func newTestServer(t *testing.T, submitter *fakeSubmitter, fleet *fakeFleet) *Server {
	t.Helper()
	svc := New(submitter, fleet)
	require.NoError(t, svc.Initialize(context.Background()))
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)
	time.Sleep(5 * time.Millisecond)
	return NewServer(svc, ServerConfig{})
}

func TestHealthEndpointReportsHealthy(t *testing.T) {
	srv := newTestServer(t, &fakeSubmitter{}, &fakeFleet{workerID: "w1"})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body Health
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Healthy)
}

func TestStatusEndpointReportsWorkerCount(t *testing.T) {
	srv := newTestServer(t, &fakeSubmitter{}, &fakeFleet{workerID: "w1"})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Running)
	assert.Equal(t, 1, body.WorkerCount)
	assert.Equal(t, []string{"w1"}, body.WorkerIDs)
}

func TestSubmitJobEndpointReturnsJobID(t *testing.T) {
	srv := newTestServer(t, &fakeSubmitter{jobID: "job-abc"}, &fakeFleet{})

	spec := domain.JobSpec{
		TenantID:   "tenant-1",
		CampaignID: "campaign-1",
		Kind:       domain.JobKindCampaign,
		Template:   domain.Template{Subject: "hi", HTML: "<p>hi</p>"},
		Sender:     domain.Sender{From: "a@example.com"},
		Recipients: []domain.Recipient{{Email: "b@example.com"}},
	}
	body, err := json.Marshal(spec)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "job-abc", resp["jobId"])
}

func TestSubmitJobEndpointRejectsInvalidBody(t *testing.T) {
	srv := newTestServer(t, &fakeSubmitter{}, &fakeFleet{})

	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpointExposesPrometheusFormat(t *testing.T) {
	srv := newTestServer(t, &fakeSubmitter{}, &fakeFleet{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
