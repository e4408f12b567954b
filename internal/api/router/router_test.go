package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuongbtq/audio-pipeline/internal/api/dto"
	"github.com/cuongbtq/audio-pipeline/internal/api/handler"
	"github.com/cuongbtq/audio-pipeline/internal/api/service"
	"github.com/cuongbtq/audio-pipeline/internal/domain"
	"github.com/cuongbtq/audio-pipeline/internal/jobstore"
	"github.com/cuongbtq/audio-pipeline/internal/messages"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	engine *gin.Engine
	store  *jobstore.MemoryStore
	repo   *messages.MemoryRepository
}

func newTestServer() *testServer {
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := jobstore.NewMemoryStore(jobstore.DefaultRetryPolicy())
	repo := messages.NewMemoryRepository()
	gateway := service.NewGateway(store, nil, logger)

	engine := SetupRouter(&handler.Dependencies{
		Logger:   logger,
		Gateway:  gateway,
		Reporter: service.NewReporter(store, repo, gateway, logger),
	})
	return &testServer{engine: engine, store: store, repo: repo}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	s := newTestServer()

	w := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}

func TestHealth_Unhealthy(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := SetupRouter(&handler.Dependencies{
		Logger:      logger,
		HealthCheck: func(ctx context.Context) error { return errors.New("database down") },
	})

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "database down")
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer()

	w := s.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestRequestIDIsPropagated(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "trace-123")
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	assert.Equal(t, "trace-123", w.Header().Get(requestIDHeader))
}

func TestSubmitJob(t *testing.T) {
	s := newTestServer()

	w := s.do(t, http.MethodPost, "/api/v1/audio/jobs", dto.SubmitJobRequest{MessageID: "42", ProjectID: "p1"})
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp dto.SubmitJobResponse
	decode(t, w, &resp)
	assert.Equal(t, dto.SubmitJobResponse{JobID: "audio-42", Created: true}, resp)

	w = s.do(t, http.MethodPost, "/api/v1/audio/jobs", dto.SubmitJobRequest{MessageID: "42", ProjectID: "p1"})
	require.Equal(t, http.StatusAccepted, w.Code)
	decode(t, w, &resp)
	assert.False(t, resp.Created)

	w = s.do(t, http.MethodPost, "/api/v1/audio/jobs", map[string]string{"project_id": "p1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/audio/jobs", dto.SubmitJobRequest{MessageID: "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetJob(t *testing.T) {
	s := newTestServer()

	w := s.do(t, http.MethodGet, "/api/v1/audio/jobs/audio-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	s.do(t, http.MethodPost, "/api/v1/audio/jobs", dto.SubmitJobRequest{MessageID: "1", ProjectID: "p1"})

	w = s.do(t, http.MethodGet, "/api/v1/audio/jobs/audio-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status dto.JobStatusDTO
	decode(t, w, &status)
	assert.Equal(t, "audio-1", status.ID)
	assert.Equal(t, "1", status.MessageID)
	assert.Equal(t, string(domain.JobStateWaiting), status.State)
	assert.Equal(t, 3, status.MaxAttempts)
	assert.Nil(t, status.ProcessedOn)
	assert.Nil(t, status.FailedReason)
}

func TestListJobs(t *testing.T) {
	s := newTestServer()

	for _, id := range []string{"1", "2"} {
		s.do(t, http.MethodPost, "/api/v1/audio/jobs", dto.SubmitJobRequest{MessageID: id})
	}

	w := s.do(t, http.MethodGet, "/api/v1/audio/jobs?state=WAITING&limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp dto.ListJobsResponse
	decode(t, w, &resp)
	assert.Len(t, resp.Jobs, 1)

	w = s.do(t, http.MethodGet, "/api/v1/audio/jobs?state=PAUSED", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/audio/jobs", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetQueueMetrics(t *testing.T) {
	s := newTestServer()

	for _, id := range []string{"1", "2", "3"} {
		s.do(t, http.MethodPost, "/api/v1/audio/jobs", dto.SubmitJobRequest{MessageID: id})
	}
	_, err := s.store.Claim(context.Background(), "w1")
	require.NoError(t, err)

	w := s.do(t, http.MethodGet, "/api/v1/audio/metrics/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var m dto.QueueMetricsDTO
	decode(t, w, &m)
	assert.Equal(t, dto.QueueMetricsDTO{Waiting: 2, Active: 1, Total: 3}, m)
}

func TestRetryJob(t *testing.T) {
	ctx := context.Background()
	s := newTestServer()

	w := s.do(t, http.MethodPost, "/api/v1/audio/retry", dto.RetryJobRequest{MessageID: "missing"})
	require.Equal(t, http.StatusNotFound, w.Code)
	var resp dto.RetryJobResponse
	decode(t, w, &resp)
	assert.Equal(t, string(service.RetryOutcomeNotFound), resp.Outcome)

	s.do(t, http.MethodPost, "/api/v1/audio/jobs", dto.SubmitJobRequest{MessageID: "1"})
	_, err := s.store.Claim(ctx, "w1")
	require.NoError(t, err)
	_, err = s.store.Fail(ctx, "audio-1", "w1", "boom", false)
	require.NoError(t, err)

	w = s.do(t, http.MethodPost, "/api/v1/audio/retry", dto.RetryJobRequest{MessageID: "1"})
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &resp)
	assert.Equal(t, string(service.RetryOutcomeRetried), resp.Outcome)
	assert.Equal(t, "audio-1", resp.JobID)

	w = s.do(t, http.MethodPost, "/api/v1/audio/retry", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer()

	w := s.do(t, http.MethodOptions, "/api/v1/audio/jobs", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
