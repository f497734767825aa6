package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/g-caf/expense-match-backend/internal/api/dto"
	"github.com/g-caf/expense-match-backend/internal/domain/expense"
	"github.com/g-caf/expense-match-backend/internal/infrastructure/storage"
)

// MappingsHandler handles merchant mapping admin requests.
type MappingsHandler struct {
	*Base
}

// NewMappingsHandler creates a new mappings handler.
func NewMappingsHandler(repo storage.Repository) *MappingsHandler {
	return &MappingsHandler{Base: NewBase(repo)}
}

// List handles GET /api/mappings - returns an organization's canonical
// merchant mappings, most used first.
func (h *MappingsHandler) List(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.OrgID(w, r)
	if !ok {
		return
	}

	mappings, err := h.repo.ListMerchantMappings(orgID)
	if err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}
	if mappings == nil {
		mappings = []*expense.MerchantMapping{}
	}

	h.WriteJSON(w, http.StatusOK, dto.MappingListResponse{
		Mappings: mappings,
		Count:    len(mappings),
	})
}

// Verify handles POST /api/mappings/{id}/verify - marks an inferred mapping
// as human-confirmed.
func (h *MappingsHandler) Verify(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.OrgID(w, r)
	if !ok {
		return
	}

	err := h.repo.VerifyMerchantMapping(orgID, chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		h.WriteError(w, http.StatusNotFound, dto.NotFoundError("mapping"))
		return
	}
	if err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
