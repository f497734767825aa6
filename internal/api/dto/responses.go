package dto

import (
	"time"

	"github.com/g-caf/expense-match-backend/internal/domain/expense"
	"github.com/g-caf/expense-match-backend/internal/infrastructure/storage"
)

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// NewHealthResponse creates a healthy response with the current time.
func NewHealthResponse() HealthResponse {
	return HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// MatchResponse represents a match in API responses. Entities serialize
// their own JSON shapes; this wrapper exists so list endpoints stay uniform.
type MatchResponse struct {
	Match *expense.Match `json:"match"`
}

// MatchListResponse wraps a page of matches.
type MatchListResponse struct {
	Matches []*expense.Match `json:"matches"`
	Count   int              `json:"count"`
}

// MappingListResponse wraps an organization's merchant mappings.
type MappingListResponse struct {
	Mappings []*expense.MerchantMapping `json:"mappings"`
	Count    int                        `json:"count"`
}

// RunListResponse wraps recent matching runs.
type RunListResponse struct {
	Runs  []storage.MatchRun `json:"runs"`
	Count int                `json:"count"`
}
