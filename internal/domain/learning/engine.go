// Package learning turns user feedback on matches into suggested
// configuration adjustments and performance reports.
//
// Suggestions are deterministic functions of the feedback history and are
// never applied automatically; the service's config-update path adopts them
// on explicit request.
package learning

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/g-caf/expense-match-backend/internal/domain/expense"
)

// Derivation constants. All caps keep one noisy week of feedback from
// swinging an organization's thresholds to extremes.
const (
	minSamples = 5

	amountMissShare      = 0.3
	amountToleranceScale = 1.5
	maxFixedTolerance    = 5.0

	dateMissShare     = 0.3
	dateWindowStep    = 3
	maxDateWindowDays = 14

	merchantFalsePositiveShare = 0.5
	merchantThresholdStep      = 0.05
	maxMerchantThreshold       = 0.9

	minIncorrectAutoMatches = 3
	autoThresholdStep       = 0.03
	maxAutoThreshold        = 0.95
)

// Sample is one feedback record joined with the evidence of the match it
// judged.
type Sample struct {
	Feedback   expense.LearningFeedback
	Criteria   expense.MatchCriteria
	Confidence float64
	MatchType  expense.MatchType
}

// ConfigSuggestion is a partial configuration: only the fields the feedback
// history justifies changing are set.
type ConfigSuggestion struct {
	AmountToleranceFixed        *decimal.Decimal `json:"amount_tolerance_fixed,omitempty"`
	DateWindowDays              *int             `json:"date_window_days,omitempty"`
	MerchantSimilarityThreshold *float64         `json:"merchant_similarity_threshold,omitempty"`
	AutoThreshold               *float64         `json:"auto_threshold,omitempty"`
	Notes                       []string         `json:"notes,omitempty"`
}

// Empty reports whether the suggestion changes nothing.
func (s ConfigSuggestion) Empty() bool {
	return s.AmountToleranceFixed == nil &&
		s.DateWindowDays == nil &&
		s.MerchantSimilarityThreshold == nil &&
		s.AutoThreshold == nil
}

// ApplyTo returns a copy of cfg with the suggested fields overridden.
func (s ConfigSuggestion) ApplyTo(cfg expense.MatchingConfig) expense.MatchingConfig {
	if s.AmountToleranceFixed != nil {
		cfg.AmountToleranceFixed = *s.AmountToleranceFixed
	}
	if s.DateWindowDays != nil {
		cfg.DateWindowDays = *s.DateWindowDays
	}
	if s.MerchantSimilarityThreshold != nil {
		cfg.MerchantSimilarityThreshold = *s.MerchantSimilarityThreshold
	}
	if s.AutoThreshold != nil {
		cfg.AutoThreshold = *s.AutoThreshold
	}
	return cfg
}

// PerformanceReport summarizes matching accuracy over a feedback window.
type PerformanceReport struct {
	TotalFeedback     int     `json:"total_feedback"`
	CorrectCount      int     `json:"correct_count"`
	IncorrectCount    int     `json:"incorrect_count"`
	Accuracy          float64 `json:"accuracy"`
	AutoMatchCount    int     `json:"auto_match_count"`
	AutoMatchAccuracy float64 `json:"auto_match_accuracy"`
	AmountMissShare   float64 `json:"amount_miss_share"`
	DateMissShare     float64 `json:"date_miss_share"`
}

// Engine derives configuration suggestions from feedback.
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates a learning engine.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// SuggestConfig derives a partial configuration from the feedback history.
// Deterministic given the same samples and current config.
func (e *Engine) SuggestConfig(current expense.MatchingConfig, samples []Sample) ConfigSuggestion {
	var suggestion ConfigSuggestion

	incorrect := incorrectSamples(samples)
	if len(incorrect) < minSamples {
		return suggestion
	}

	// Amount-boundary misses: the user kept overriding matches whose
	// amounts fell outside tolerance, so the tolerance is too tight.
	amountMisses := 0
	dateMisses := 0
	merchantFalsePositives := 0
	incorrectAuto := 0
	for _, s := range incorrect {
		if !s.Criteria.AmountMatched {
			amountMisses++
		}
		if !s.Criteria.DateMatched {
			dateMisses++
		}
		if s.Criteria.MerchantMatched && s.Criteria.MerchantScore < current.MerchantSimilarityThreshold+merchantThresholdStep {
			merchantFalsePositives++
		}
		if s.MatchType == expense.MatchAuto {
			incorrectAuto++
		}
	}

	total := float64(len(incorrect))

	if float64(amountMisses)/total >= amountMissShare {
		proposed := current.AmountToleranceFixed.Mul(decimal.NewFromFloat(amountToleranceScale))
		if limit := decimal.NewFromFloat(maxFixedTolerance); proposed.GreaterThan(limit) {
			proposed = limit
		}
		if proposed.GreaterThan(current.AmountToleranceFixed) {
			suggestion.AmountToleranceFixed = &proposed
			suggestion.Notes = append(suggestion.Notes,
				fmt.Sprintf("%d of %d incorrect matches missed on amount; raise fixed tolerance to %s",
					amountMisses, len(incorrect), proposed.StringFixed(2)))
		}
	}

	if float64(dateMisses)/total >= dateMissShare {
		proposed := current.DateWindowDays + dateWindowStep
		if proposed > maxDateWindowDays {
			proposed = maxDateWindowDays
		}
		if proposed > current.DateWindowDays {
			suggestion.DateWindowDays = &proposed
			suggestion.Notes = append(suggestion.Notes,
				fmt.Sprintf("%d of %d incorrect matches missed on date; widen window to %d days",
					dateMisses, len(incorrect), proposed))
		}
	}

	// Merchant comparisons that barely cleared the threshold and were then
	// rejected mean the threshold is too loose.
	if float64(merchantFalsePositives)/total >= merchantFalsePositiveShare {
		proposed := current.MerchantSimilarityThreshold + merchantThresholdStep
		if proposed > maxMerchantThreshold {
			proposed = maxMerchantThreshold
		}
		if proposed > current.MerchantSimilarityThreshold {
			suggestion.MerchantSimilarityThreshold = &proposed
			suggestion.Notes = append(suggestion.Notes,
				fmt.Sprintf("%d of %d incorrect matches cleared the merchant threshold narrowly; raise it to %.2f",
					merchantFalsePositives, len(incorrect), proposed))
		}
	}

	// Auto-matches the user reversed are the most expensive mistakes.
	if incorrectAuto >= minIncorrectAutoMatches {
		proposed := current.AutoThreshold + autoThresholdStep
		if proposed > maxAutoThreshold {
			proposed = maxAutoThreshold
		}
		if proposed > current.AutoThreshold {
			suggestion.AutoThreshold = &proposed
			suggestion.Notes = append(suggestion.Notes,
				fmt.Sprintf("%d auto-matches were reversed; raise auto threshold to %.2f",
					incorrectAuto, proposed))
		}
	}

	if !suggestion.Empty() {
		e.logger.Info("derived config suggestion",
			"org_id", current.OrganizationID,
			"incorrect_samples", len(incorrect),
			"notes", len(suggestion.Notes),
		)
	}

	return suggestion
}

// AnalyzePerformance summarizes matching accuracy for a feedback window.
func (e *Engine) AnalyzePerformance(samples []Sample) PerformanceReport {
	report := PerformanceReport{TotalFeedback: len(samples)}
	if len(samples) == 0 {
		return report
	}

	autoCorrect := 0
	amountMisses := 0
	dateMisses := 0
	for _, s := range samples {
		if s.Feedback.WasCorrect {
			report.CorrectCount++
		} else {
			report.IncorrectCount++
			if !s.Criteria.AmountMatched {
				amountMisses++
			}
			if !s.Criteria.DateMatched {
				dateMisses++
			}
		}
		if s.MatchType == expense.MatchAuto {
			report.AutoMatchCount++
			if s.Feedback.WasCorrect {
				autoCorrect++
			}
		}
	}

	report.Accuracy = float64(report.CorrectCount) / float64(report.TotalFeedback)
	if report.AutoMatchCount > 0 {
		report.AutoMatchAccuracy = float64(autoCorrect) / float64(report.AutoMatchCount)
	}
	if report.IncorrectCount > 0 {
		report.AmountMissShare = float64(amountMisses) / float64(report.IncorrectCount)
		report.DateMissShare = float64(dateMisses) / float64(report.IncorrectCount)
	}

	return report
}

func incorrectSamples(samples []Sample) []Sample {
	var out []Sample
	for _, s := range samples {
		if !s.Feedback.WasCorrect {
			out = append(out, s)
		}
	}
	return out
}
