package expense

import (
	"time"

	"github.com/shopspring/decimal"
)

// CriteriaWeights are the per-criterion weights used when combining
// sub-scores into an overall confidence. Weights for criteria that produced
// no evidence (location without coordinates) are renormalized away rather
// than zero-filled.
type CriteriaWeights struct {
	Amount   float64 `json:"amount" yaml:"amount"`
	Date     float64 `json:"date" yaml:"date"`
	Merchant float64 `json:"merchant" yaml:"merchant"`
	Location float64 `json:"location" yaml:"location"`
	User     float64 `json:"user" yaml:"user"`
	Currency float64 `json:"currency" yaml:"currency"`
}

// MatchingConfig holds the per-organization tunables for the scorer.
// Created with defaults; mutated only by explicit admin action or by
// adopting a LearningEngine suggestion, never silently by matching runs.
type MatchingConfig struct {
	OrganizationID string `json:"organization_id"`

	// Amount is matched when the absolute difference is within
	// max(AmountTolerancePercent * amount, AmountToleranceFixed).
	AmountTolerancePercent float64         `json:"amount_tolerance_percent"`
	AmountToleranceFixed   decimal.Decimal `json:"amount_tolerance_fixed"`

	DateWindowDays              int     `json:"date_window_days"`
	MerchantSimilarityThreshold float64 `json:"merchant_similarity_threshold"`
	LocationRadiusKm            float64 `json:"location_radius_km"`

	AutoThreshold    float64 `json:"auto_threshold"`
	SuggestThreshold float64 `json:"suggest_threshold"`
	MaxCandidates    int     `json:"max_candidates"`

	Weights CriteriaWeights `json:"weights"`

	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultMatchingConfig returns the baseline configuration used until an
// organization tunes (or adopts learned adjustments to) its own.
func DefaultMatchingConfig(orgID string) MatchingConfig {
	return MatchingConfig{
		OrganizationID:              orgID,
		AmountTolerancePercent:      0.05,
		AmountToleranceFixed:        decimal.NewFromInt(1),
		DateWindowDays:              7,
		MerchantSimilarityThreshold: 0.7,
		LocationRadiusKm:            5,
		AutoThreshold:               0.85,
		SuggestThreshold:            0.5,
		MaxCandidates:               10,
		Weights: CriteriaWeights{
			Amount:   0.35,
			Date:     0.20,
			Merchant: 0.25,
			Location: 0.10,
			User:     0.05,
			Currency: 0.05,
		},
	}
}
