package handlers_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g-caf/expense-match-backend/internal/api/dto"
	"github.com/g-caf/expense-match-backend/internal/api/handlers"
	"github.com/g-caf/expense-match-backend/internal/application/service"
	"github.com/g-caf/expense-match-backend/internal/infrastructure/config"
	"github.com/g-caf/expense-match-backend/internal/infrastructure/storage"
)

func newJobsFixture(t *testing.T) (*handlers.JobsHandler, *service.JobProcessor) {
	t.Helper()
	repo := storage.NewMockRepository()
	svc := service.NewMatchingService(&config.Config{}, repo, slog.New(slog.DiscardHandler))
	processor := service.NewJobProcessor(svc, slog.New(slog.DiscardHandler), 1, time.Hour)
	return handlers.NewJobsHandler(processor), processor
}

func TestJobsHandler_Submit(t *testing.T) {
	t.Run("accepts a valid job", func(t *testing.T) {
		handler, _ := newJobsFixture(t)

		body, _ := json.Marshal(dto.SubmitJobRequest{
			OrganizationID: "org-1",
			Type:           "bulk_match",
			Priority:       5,
		})
		req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewReader(body))
		rec := httptest.NewRecorder()

		handler.Submit(rec, req)

		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		var job service.Job
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
		assert.NotEmpty(t, job.ID)
		assert.Equal(t, service.JobPending, job.Status)
	})

	t.Run("rejects unknown job type", func(t *testing.T) {
		handler, _ := newJobsFixture(t)

		body := []byte(`{"organization_id": "org-1", "type": "compact"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewReader(body))
		rec := httptest.NewRecorder()

		handler.Submit(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestJobsHandler_GetAndCancel(t *testing.T) {
	handler, processor := newJobsFixture(t)

	job, err := processor.Submit(service.JobRequest{
		OrganizationID: "org-1",
		Type:           service.JobBulkMatch,
	})
	require.NoError(t, err)

	router := chi.NewRouter()
	router.Get("/api/jobs/{id}", handler.Get)
	router.Delete("/api/jobs/{id}", handler.Cancel)

	// Get
	req := httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Cancel pending
	req = httptest.NewRequest(http.MethodDelete, "/api/jobs/"+job.ID, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Cancel again: conflict
	req = httptest.NewRequest(http.MethodDelete, "/api/jobs/"+job.ID, nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Unknown id
	req = httptest.NewRequest(http.MethodGet, "/api/jobs/missing", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobsHandler_List(t *testing.T) {
	handler, processor := newJobsFixture(t)

	_, err := processor.Submit(service.JobRequest{OrganizationID: "org-1", Type: service.JobBulkMatch})
	require.NoError(t, err)
	_, err = processor.Submit(service.JobRequest{OrganizationID: "org-1", Type: service.JobAutoMatchNew})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	rec := httptest.NewRecorder()

	handler.List(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var response struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	assert.Equal(t, 2, response.Count)
}
