package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/g-caf/expense-match-backend/internal/api/dto"
	"github.com/g-caf/expense-match-backend/internal/infrastructure/storage"
)

// RunsHandler handles matching run history requests.
type RunsHandler struct {
	*Base
}

// NewRunsHandler creates a new runs handler.
func NewRunsHandler(repo storage.Repository) *RunsHandler {
	return &RunsHandler{Base: NewBase(repo)}
}

// List handles GET /api/runs - returns recent matching runs.
func (h *RunsHandler) List(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.OrgID(w, r)
	if !ok {
		return
	}
	limit := ParseIntParam(r, "limit", 20)

	runs, err := h.repo.ListRuns(orgID, limit)
	if err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}
	if runs == nil {
		runs = []storage.MatchRun{}
	}

	h.WriteJSON(w, http.StatusOK, dto.RunListResponse{
		Runs:  runs,
		Count: len(runs),
	})
}

// Get handles GET /api/runs/{id} - returns a single matching run.
func (h *RunsHandler) Get(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("invalid run ID"))
		return
	}

	run, err := h.repo.GetRun(id)
	if errors.Is(err, storage.ErrNotFound) {
		h.WriteError(w, http.StatusNotFound, dto.NotFoundError("run"))
		return
	}
	if err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}

	h.WriteJSON(w, http.StatusOK, run)
}
