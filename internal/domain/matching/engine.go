// Package matching implements the transaction-receipt scoring engine.
//
// For every pair the engine computes six independent sub-scores in [0, 1]
// (amount, date, merchant, location, user, currency), combines them into a
// weighted confidence renormalized over the criteria that actually produced
// evidence, and classifies the pair as auto or suggested. Pairs below the
// suggest threshold are discarded.
package matching

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/g-caf/expense-match-backend/internal/domain/expense"
	"github.com/g-caf/expense-match-backend/internal/domain/location"
	"github.com/g-caf/expense-match-backend/internal/domain/merchant"
)

// amountMismatchPenalty scales the confidence of a pair whose amounts fall
// outside tolerance.
const amountMismatchPenalty = 0.5

// Engine scores candidate pairs for one organization using a configuration
// snapshot and that organization's merchant mappings.
type Engine struct {
	config    expense.MatchingConfig
	merchants *merchant.Matcher
	logger    *slog.Logger
}

// NewEngine creates an engine for one organization.
func NewEngine(config expense.MatchingConfig, merchants *merchant.Matcher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		config:    config,
		merchants: merchants,
		logger:    logger,
	}
}

// Config returns the configuration snapshot the engine was built with.
func (e *Engine) Config() expense.MatchingConfig {
	return e.config
}

// Merchants returns the merchant matcher, whose touched mappings the caller
// persists after a run.
func (e *Engine) Merchants() *merchant.Matcher {
	return e.merchants
}

// FindCandidatesForTransaction scores one transaction against a set of
// candidate receipts and returns the surviving pairs ranked by confidence,
// truncated to the configured maximum. A pair whose scoring fails is logged
// and skipped, never failing the whole search.
func (e *Engine) FindCandidatesForTransaction(txn *expense.Transaction, receipts []*expense.Receipt) []Candidate {
	candidates := make([]Candidate, 0, len(receipts))
	for _, rcpt := range receipts {
		c, err := e.ScorePair(txn, rcpt)
		if err != nil {
			e.logger.Warn("skipping pair, scoring failed",
				"transaction_id", txn.ID,
				"receipt_id", rcpt.ID,
				"error", err,
			)
			continue
		}
		if c.Confidence >= e.config.SuggestThreshold {
			candidates = append(candidates, c)
		}
	}
	return e.rank(candidates)
}

// FindCandidatesForReceipt is the mirror of FindCandidatesForTransaction.
func (e *Engine) FindCandidatesForReceipt(rcpt *expense.Receipt, txns []*expense.Transaction) []Candidate {
	candidates := make([]Candidate, 0, len(txns))
	for _, txn := range txns {
		c, err := e.ScorePair(txn, rcpt)
		if err != nil {
			e.logger.Warn("skipping pair, scoring failed",
				"transaction_id", txn.ID,
				"receipt_id", rcpt.ID,
				"error", err,
			)
			continue
		}
		if c.Confidence >= e.config.SuggestThreshold {
			candidates = append(candidates, c)
		}
	}
	return e.rank(candidates)
}

func (e *Engine) rank(candidates []Candidate) []Candidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})
	if limit := e.config.MaxCandidates; limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

// ScorePair scores a single transaction-receipt pair.
func (e *Engine) ScorePair(txn *expense.Transaction, rcpt *expense.Receipt) (Candidate, error) {
	if txn == nil || rcpt == nil {
		return Candidate{}, fmt.Errorf("nil transaction or receipt")
	}
	if txn.Amount.IsZero() && rcpt.Total.IsZero() {
		return Candidate{}, fmt.Errorf("both sides have zero amount")
	}

	criteria := expense.MatchCriteria{}
	weights := e.config.Weights

	// Amount
	criteria.AmountScore, criteria.AmountMatched = e.scoreAmount(txn.Amount, rcpt.Total)

	// Date
	criteria.DateScore, criteria.DateMatched = e.scoreDate(txn, rcpt)

	// Merchant
	txnMerchant := txn.MerchantName
	if txnMerchant == "" {
		txnMerchant = txn.Description
	}
	cmp := e.merchants.Compare(txnMerchant, rcpt.MerchantName)
	criteria.MerchantScore = cmp.Similarity
	criteria.MerchantMatched = cmp.Similarity >= e.config.MerchantSimilarityThreshold
	criteria.CanonicalMerchant = cmp.CanonicalName

	// Location: skipped entirely (not zero-filled) when either side lacks
	// evidence.
	locScore, locOK := location.Score(txn.Location, rcpt.Location, e.config.LocationRadiusKm)
	if locOK {
		criteria.LocationScore = &locScore
	}

	// User
	if txn.UserID != "" && txn.UserID == rcpt.UploaderID {
		criteria.UserScore = 1.0
	}

	// Currency
	if txn.Currency == rcpt.Currency {
		criteria.CurrencyScore = 1.0
	}

	// Weighted average over the criteria actually scored.
	sum := criteria.AmountScore*weights.Amount +
		criteria.DateScore*weights.Date +
		criteria.MerchantScore*weights.Merchant +
		criteria.UserScore*weights.User +
		criteria.CurrencyScore*weights.Currency
	weightTotal := weights.Amount + weights.Date + weights.Merchant + weights.User + weights.Currency
	if locOK {
		sum += locScore * weights.Location
		weightTotal += weights.Location
	}
	if weightTotal == 0 {
		return Candidate{}, fmt.Errorf("all criteria weights are zero")
	}
	confidence := sum / weightTotal

	// A pair that fails the amount check must not reach the suggest
	// threshold on secondary evidence alone: date, user and currency agree
	// for most same-week purchases by the same person.
	if !criteria.AmountMatched {
		confidence *= amountMismatchPenalty
	}

	e.explain(&criteria, txn, rcpt, locOK, locScore)

	classification := ClassSuggested
	if confidence >= e.config.AutoThreshold {
		classification = ClassAuto
	}

	return Candidate{
		Transaction:    txn,
		Receipt:        rcpt,
		Confidence:     confidence,
		Classification: classification,
		Criteria:       criteria,
	}, nil
}

// scoreAmount rates amount proximity: 1.0 at zero difference, degrading
// linearly to 0 at max(percent tolerance * amount, fixed tolerance). The
// tolerance absorbs tips, tax and FX drift.
func (e *Engine) scoreAmount(txnAmount, rcptTotal decimal.Decimal) (score float64, matched bool) {
	// Card transactions are commonly signed (debits negative); receipts
	// carry plain totals. Compare magnitudes.
	a := txnAmount.Abs()
	b := rcptTotal.Abs()
	diff := a.Sub(b).Abs()

	// Identical amounts always score perfectly, even with zero tolerance
	// configured.
	if diff.IsZero() {
		return 1.0, true
	}

	tolerance := a.Mul(decimal.NewFromFloat(e.config.AmountTolerancePercent))
	if fixed := e.config.AmountToleranceFixed; fixed.GreaterThan(tolerance) {
		tolerance = fixed
	}
	if !tolerance.IsPositive() {
		return 0, false
	}
	if diff.GreaterThan(tolerance) {
		return 0, false
	}

	ratio, _ := diff.Div(tolerance).Float64()
	return 1.0 - ratio, true
}

// scoreDate rates date proximity: 1.0 at the same day, degrading linearly to
// 0 at the window edge. Receipt-capture dates commonly lag posting dates.
func (e *Engine) scoreDate(txn *expense.Transaction, rcpt *expense.Receipt) (score float64, matched bool) {
	window := float64(e.config.DateWindowDays)
	if window <= 0 {
		return 0, false
	}

	days := math.Abs(txn.Date.Sub(rcpt.Date).Hours() / 24)
	// The posted date can be closer to the capture date than the
	// transaction date is; use the better of the two.
	if txn.PostedDate != nil {
		if d := math.Abs(txn.PostedDate.Sub(rcpt.Date).Hours() / 24); d < days {
			days = d
		}
	}

	if days > window {
		return 0, false
	}
	return 1.0 - days/window, true
}

// explain fills the human-readable reasoning and warnings for a pair. These
// strings back the manual-review UI and the audit trail for auto-matches.
func (e *Engine) explain(c *expense.MatchCriteria, txn *expense.Transaction, rcpt *expense.Receipt, locOK bool, locScore float64) {
	if c.AmountMatched {
		if txn.Amount.Abs().Equal(rcpt.Total.Abs()) {
			c.Reasons = append(c.Reasons, "Exact amount match")
		} else {
			c.Reasons = append(c.Reasons, fmt.Sprintf("Amount within tolerance (%s vs %s)",
				txn.Amount.Abs().StringFixed(2), rcpt.Total.Abs().StringFixed(2)))
		}
	} else {
		c.Warnings = append(c.Warnings, fmt.Sprintf("Amount mismatch (%s vs %s)",
			txn.Amount.Abs().StringFixed(2), rcpt.Total.Abs().StringFixed(2)))
	}

	if c.DateMatched {
		if c.DateScore == 1.0 {
			c.Reasons = append(c.Reasons, "Same day")
		} else {
			c.Reasons = append(c.Reasons, "Dates within window")
		}
	} else {
		c.Warnings = append(c.Warnings, "Dates too far apart")
	}

	if c.MerchantMatched {
		if c.CanonicalMerchant != "" {
			c.Reasons = append(c.Reasons, fmt.Sprintf("Merchant resolved to %q", c.CanonicalMerchant))
		} else {
			c.Reasons = append(c.Reasons, "Merchant names similar")
		}
	} else {
		c.Warnings = append(c.Warnings, "Merchant names differ")
	}

	if locOK {
		if locScore == 1.0 {
			c.Reasons = append(c.Reasons, "Same location")
		} else if locScore == 0 {
			c.Warnings = append(c.Warnings, "Locations far apart")
		}
	}

	if c.UserScore == 1.0 {
		c.Reasons = append(c.Reasons, "Same user")
	} else {
		c.Warnings = append(c.Warnings, "Different users")
	}

	if c.CurrencyScore != 1.0 {
		c.Warnings = append(c.Warnings, fmt.Sprintf("Currency mismatch (%s vs %s)", txn.Currency, rcpt.Currency))
	}
}
