package handlers

import (
	"net/http"

	"github.com/g-caf/expense-match-backend/internal/api/dto"
	"github.com/g-caf/expense-match-backend/internal/application/service"
)

// MetricsHandler handles matching metrics requests.
type MetricsHandler struct {
	*Base
	service *service.MatchingService
}

// NewMetricsHandler creates a new metrics handler.
func NewMetricsHandler(svc *service.MatchingService) *MetricsHandler {
	return &MetricsHandler{
		Base:    NewBase(nil),
		service: svc,
	}
}

// Get handles GET /api/metrics - aggregate matching statistics for an
// organization over the trailing period.
func (h *MetricsHandler) Get(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.OrgID(w, r)
	if !ok {
		return
	}
	periodDays := ParseIntParam(r, "period_days", 30)

	metrics, err := h.service.Metrics(orgID, periodDays)
	if err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}

	h.WriteJSON(w, http.StatusOK, metrics)
}
