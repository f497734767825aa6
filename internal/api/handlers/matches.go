package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/g-caf/expense-match-backend/internal/api/dto"
	"github.com/g-caf/expense-match-backend/internal/application/service"
	"github.com/g-caf/expense-match-backend/internal/domain/expense"
	"github.com/g-caf/expense-match-backend/internal/infrastructure/storage"
)

// MatchesHandler handles match-related HTTP requests.
type MatchesHandler struct {
	*Base
	service *service.MatchingService
}

// NewMatchesHandler creates a new matches handler.
func NewMatchesHandler(repo storage.Repository, svc *service.MatchingService) *MatchesHandler {
	return &MatchesHandler{
		Base:    NewBase(repo),
		service: svc,
	}
}

// List handles GET /api/matches - returns matches for an organization.
func (h *MatchesHandler) List(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.OrgID(w, r)
	if !ok {
		return
	}

	filters := storage.MatchFilters{
		Type:       expense.MatchType(r.URL.Query().Get("type")),
		ActiveOnly: ParseBoolParam(r, "active", false),
		Limit:      ParseIntParam(r, "limit", 50),
		Offset:     ParseIntParam(r, "offset", 0),
	}

	matches, err := h.repo.ListMatches(orgID, filters)
	if err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}
	if matches == nil {
		matches = []*expense.Match{}
	}

	h.WriteJSON(w, http.StatusOK, dto.MatchListResponse{
		Matches: matches,
		Count:   len(matches),
	})
}

// Get handles GET /api/matches/{id} - returns a single match.
func (h *MatchesHandler) Get(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.OrgID(w, r)
	if !ok {
		return
	}

	match, err := h.repo.GetMatch(orgID, chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		h.WriteError(w, http.StatusNotFound, dto.NotFoundError("match"))
		return
	}
	if err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}

	h.WriteJSON(w, http.StatusOK, dto.MatchResponse{Match: match})
}

// Confirm handles POST /api/matches/confirm.
func (h *MatchesHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req dto.ConfirmMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("invalid JSON body"))
		return
	}
	if req.OrganizationID == "" || req.TransactionID == "" || req.ReceiptID == "" {
		h.WriteError(w, http.StatusBadRequest,
			dto.ValidationError("organization_id, transaction_id and receipt_id are required"))
		return
	}

	matchType := expense.MatchType(req.MatchType)
	if req.MatchType == "" {
		matchType = expense.MatchManual
	}
	confidence := -1.0
	if req.Confidence != nil {
		confidence = *req.Confidence
	}

	match, err := h.service.Confirm(req.OrganizationID, req.TransactionID, req.ReceiptID,
		matchType, req.UserID, confidence, req.Notes)
	switch {
	case errors.Is(err, service.ErrInvalidMatchType):
		h.WriteError(w, http.StatusBadRequest, dto.ValidationError(err.Error()))
		return
	case errors.Is(err, storage.ErrNotFound):
		h.WriteError(w, http.StatusNotFound, dto.NotFoundError("transaction or receipt"))
		return
	case errors.Is(err, storage.ErrConflict):
		h.WriteError(w, http.StatusConflict,
			dto.ConflictError("a concurrent confirmation won; refresh and retry"))
		return
	case err != nil:
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}

	h.WriteJSON(w, http.StatusCreated, dto.MatchResponse{Match: match})
}

// Reject handles POST /api/matches/reject.
func (h *MatchesHandler) Reject(w http.ResponseWriter, r *http.Request) {
	var req dto.RejectMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("invalid JSON body"))
		return
	}
	if req.OrganizationID == "" || req.TransactionID == "" || req.ReceiptID == "" {
		h.WriteError(w, http.StatusBadRequest,
			dto.ValidationError("organization_id, transaction_id and receipt_id are required"))
		return
	}

	var correction *service.RejectCorrection
	if req.Correction != nil {
		correction = &service.RejectCorrection{
			TransactionID: req.Correction.TransactionID,
			ReceiptID:     req.Correction.ReceiptID,
		}
	}

	err := h.service.Reject(req.OrganizationID, req.TransactionID, req.ReceiptID,
		req.UserID, req.Reason, correction)
	if errors.Is(err, storage.ErrNotFound) {
		h.WriteError(w, http.StatusNotFound, dto.NotFoundError("match"))
		return
	}
	if err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Suggestions handles GET /api/suggestions - scores one item against the
// unmatched pool.
func (h *MatchesHandler) Suggestions(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.OrgID(w, r)
	if !ok {
		return
	}
	itemID := r.URL.Query().Get("item_id")
	itemType := r.URL.Query().Get("item_type")
	if itemID == "" || itemType == "" {
		h.WriteError(w, http.StatusBadRequest,
			dto.ValidationError("item_id and item_type are required"))
		return
	}

	candidates, err := h.service.Suggestions(orgID, itemID, itemType)
	if errors.Is(err, storage.ErrNotFound) {
		h.WriteError(w, http.StatusNotFound, dto.NotFoundError(itemType))
		return
	}
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError(err.Error()))
		return
	}

	h.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"candidates": candidates,
		"count":      len(candidates),
	})
}

// BulkMatch handles POST /api/bulk-match - runs a synchronous bulk
// reconciliation pass. Long backlogs belong on the job queue instead.
func (h *MatchesHandler) BulkMatch(w http.ResponseWriter, r *http.Request) {
	var req dto.BulkMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("invalid JSON body"))
		return
	}
	if req.OrganizationID == "" {
		h.WriteError(w, http.StatusBadRequest, dto.ValidationError("organization_id is required"))
		return
	}

	result, err := h.service.BulkMatch(r.Context(), req.OrganizationID, req.BatchSize)
	if err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}

	h.WriteJSON(w, http.StatusOK, result)
}

// Feedback handles POST /api/matches/feedback.
func (h *MatchesHandler) Feedback(w http.ResponseWriter, r *http.Request) {
	var req dto.FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("invalid JSON body"))
		return
	}
	if req.OrganizationID == "" || req.MatchID == "" {
		h.WriteError(w, http.StatusBadRequest,
			dto.ValidationError("organization_id and match_id are required"))
		return
	}

	err := h.service.RecordFeedback(req.OrganizationID, req.MatchID, req.UserID,
		req.WasCorrect, req.Notes)
	if errors.Is(err, storage.ErrNotFound) {
		h.WriteError(w, http.StatusNotFound, dto.NotFoundError("match"))
		return
	}
	if err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
