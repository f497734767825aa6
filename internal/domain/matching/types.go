package matching

import (
	"github.com/g-caf/expense-match-backend/internal/domain/expense"
)

// Classification buckets a scored pair by confidence.
type Classification string

const (
	// ClassAuto pairs are confident enough to persist without human review.
	ClassAuto Classification = "auto"
	// ClassSuggested pairs need human confirmation.
	ClassSuggested Classification = "suggested"
)

// Candidate is one scored transaction-receipt pair, ranked by confidence.
type Candidate struct {
	Transaction    *expense.Transaction  `json:"transaction"`
	Receipt        *expense.Receipt      `json:"receipt"`
	Confidence     float64               `json:"confidence"`
	Classification Classification        `json:"classification"`
	Criteria       expense.MatchCriteria `json:"criteria"`
}
