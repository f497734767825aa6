package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/g-caf/expense-match-backend/internal/api/dto"
	"github.com/g-caf/expense-match-backend/internal/application/service"
)

// JobsHandler handles background job HTTP requests.
type JobsHandler struct {
	*Base
	processor *service.JobProcessor
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(processor *service.JobProcessor) *JobsHandler {
	return &JobsHandler{
		Base:      NewBase(nil),
		processor: processor,
	}
}

// Submit handles POST /api/jobs - enqueues a matching job.
func (h *JobsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req dto.SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("invalid JSON body"))
		return
	}

	job, err := h.processor.Submit(service.JobRequest{
		OrganizationID: req.OrganizationID,
		Type:           service.JobType(req.Type),
		Priority:       req.Priority,
		BatchSize:      req.BatchSize,
	})
	if errors.Is(err, service.ErrProcessorStopped) {
		h.WriteError(w, http.StatusServiceUnavailable,
			dto.NewAPIError("unavailable", "job processor is stopped"))
		return
	}
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.ValidationError(err.Error()))
		return
	}

	h.WriteJSON(w, http.StatusAccepted, job)
}

// List handles GET /api/jobs - returns all known jobs, newest first.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	jobs := h.processor.ListJobs()
	h.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// Get handles GET /api/jobs/{id}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.processor.GetJob(chi.URLParam(r, "id"))
	if errors.Is(err, service.ErrJobNotFound) {
		h.WriteError(w, http.StatusNotFound, dto.NotFoundError("job"))
		return
	}
	if err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}
	h.WriteJSON(w, http.StatusOK, job)
}

// Cancel handles DELETE /api/jobs/{id} - cancels a pending job.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	err := h.processor.Cancel(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, service.ErrJobNotFound):
		h.WriteError(w, http.StatusNotFound, dto.NotFoundError("job"))
	case errors.Is(err, service.ErrJobNotCancellable):
		h.WriteError(w, http.StatusConflict,
			dto.ConflictError("only pending jobs can be cancelled"))
	case err != nil:
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}
