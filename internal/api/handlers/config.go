package handlers

import (
	"net/http"

	"github.com/g-caf/expense-match-backend/internal/api/dto"
	"github.com/g-caf/expense-match-backend/internal/application/service"
)

// ConfigHandler handles matching configuration requests.
type ConfigHandler struct {
	*Base
	service *service.MatchingService
}

// NewConfigHandler creates a new config handler.
func NewConfigHandler(svc *service.MatchingService) *ConfigHandler {
	return &ConfigHandler{
		Base:    NewBase(nil),
		service: svc,
	}
}

// Get handles GET /api/config - the organization's effective config.
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.OrgID(w, r)
	if !ok {
		return
	}

	cfg, err := h.service.GetConfig(orgID)
	if err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}
	h.WriteJSON(w, http.StatusOK, cfg)
}

// ApplyLearned handles POST /api/config/learn - adopts the learning
// engine's suggested adjustments. This is the only path that mutates the
// stored config from feedback.
func (h *ConfigHandler) ApplyLearned(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.OrgID(w, r)
	if !ok {
		return
	}

	cfg, err := h.service.UpdateConfig(orgID)
	if err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}
	h.WriteJSON(w, http.StatusOK, cfg)
}
