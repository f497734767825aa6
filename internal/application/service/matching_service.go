package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/g-caf/expense-match-backend/internal/domain/expense"
	"github.com/g-caf/expense-match-backend/internal/domain/learning"
	"github.com/g-caf/expense-match-backend/internal/domain/matching"
	"github.com/g-caf/expense-match-backend/internal/domain/merchant"
	"github.com/g-caf/expense-match-backend/internal/infrastructure/config"
	"github.com/g-caf/expense-match-backend/internal/infrastructure/storage"
)

// ErrInvalidMatchType is returned when a confirmation names a type that is
// not a confirmation type.
var ErrInvalidMatchType = errors.New("invalid match type for confirmation")

// AutoMatchStats summarizes one auto-matching pass.
type AutoMatchStats struct {
	Processed   int `json:"processed"`
	AutoMatched int `json:"auto_matched"`
	Suggested   int `json:"suggested"`
}

// AutoMatchResult is the outcome of one greedy auto-matching pass.
type AutoMatchResult struct {
	AutoMatched             []*expense.Match     `json:"auto_matched"`
	Suggestions             []matching.Candidate `json:"suggestions"`
	UnmatchedTransactionIDs []string             `json:"unmatched_transaction_ids"`
	UnmatchedReceiptIDs     []string             `json:"unmatched_receipt_ids"`
	Stats                   AutoMatchStats       `json:"stats"`
}

// BulkMatchResult accumulates the outcome of a paginated bulk run.
// Errors holds per-batch failures; a non-empty slice does not mean the run
// produced nothing.
type BulkMatchResult struct {
	RunID              int64    `json:"run_id"`
	TotalProcessed     int      `json:"total_processed"`
	MatchesCreated     int      `json:"matches_created"`
	SuggestionsCreated int      `json:"suggestions_created"`
	Errors             []string `json:"errors,omitempty"`
}

// RejectCorrection optionally points at the pair the user says is actually
// correct.
type RejectCorrection struct {
	TransactionID string `json:"transaction_id,omitempty"`
	ReceiptID     string `json:"receipt_id,omitempty"`
}

// MatchingMetrics is the aggregate view returned by Metrics.
type MatchingMetrics struct {
	OrganizationID string                     `json:"organization_id"`
	PeriodDays     int                        `json:"period_days"`
	Stats          *storage.MatchStats        `json:"stats"`
	MatchRate      float64                    `json:"match_rate"`
	Performance    learning.PerformanceReport `json:"performance"`
}

// MatchingService orchestrates scoring, persistence and learning. All
// operations are organization-scoped; engines are kept per organization so
// one tenant's mappings and config never leak into another's scoring run.
type MatchingService struct {
	cfg      *config.Config
	storage  storage.Repository
	learning *learning.Engine
	logger   *slog.Logger

	engines      map[string]*matching.Engine
	enginesMutex sync.RWMutex
}

// NewMatchingService creates a matching service.
func NewMatchingService(cfg *config.Config, store storage.Repository, logger *slog.Logger) *MatchingService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MatchingService{
		cfg:      cfg,
		storage:  store,
		learning: learning.NewEngine(logger),
		logger:   logger,
		engines:  make(map[string]*matching.Engine),
	}
}

// engineFor returns the cached engine for an organization, building one from
// the stored config and merchant mappings on first use.
func (s *MatchingService) engineFor(orgID string) (*matching.Engine, error) {
	s.enginesMutex.RLock()
	engine, ok := s.engines[orgID]
	s.enginesMutex.RUnlock()
	if ok {
		return engine, nil
	}

	matchingCfg, err := s.storage.GetMatchingConfig(orgID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to load matching config: %w", err)
		}
		defaults := expense.DefaultMatchingConfig(orgID)
		matchingCfg = &defaults
	}

	mappings, err := s.storage.ListMerchantMappings(orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to load merchant mappings: %w", err)
	}

	merchants := merchant.NewMatcher(orgID, matchingCfg.MerchantSimilarityThreshold, mappings)
	engine = matching.NewEngine(*matchingCfg, merchants, s.logger)

	s.enginesMutex.Lock()
	// Another goroutine may have built it meanwhile; keep the first one so
	// its learned variants are not thrown away.
	if existing, ok := s.engines[orgID]; ok {
		engine = existing
	} else {
		s.engines[orgID] = engine
	}
	s.enginesMutex.Unlock()
	return engine, nil
}

// invalidateEngine drops the cached engine so the next run picks up a
// changed config or mapping set.
func (s *MatchingService) invalidateEngine(orgID string) {
	s.enginesMutex.Lock()
	delete(s.engines, orgID)
	s.enginesMutex.Unlock()
}

// persistTouchedMappings writes back any merchant mappings the matcher
// created or updated during a scoring run. Best effort: a failed write is
// logged, not fatal, since mappings are re-learnable.
func (s *MatchingService) persistTouchedMappings(engine *matching.Engine) {
	for _, mapping := range engine.Merchants().Touched() {
		if mapping.ID == "" {
			mapping.ID = uuid.New().String()
		}
		if err := s.storage.UpsertMerchantMapping(mapping); err != nil {
			s.logger.Warn("failed to persist merchant mapping",
				"canonical", mapping.CanonicalName, "error", err)
		}
	}
}

// AutoMatch runs the engine over the given sets greedily: each transaction,
// in input order, gets first pick of the best remaining receipt. Auto-class
// pairs are confirmed immediately; suggested pairs are persisted for review.
// Order dependence is an accepted approximation that avoids the cost of a
// global optimal assignment.
func (s *MatchingService) AutoMatch(ctx context.Context, orgID string, txns []*expense.Transaction, rcpts []*expense.Receipt) (*AutoMatchResult, error) {
	engine, err := s.engineFor(orgID)
	if err != nil {
		return nil, err
	}

	result := &AutoMatchResult{}
	remaining := make([]*expense.Receipt, len(rcpts))
	copy(remaining, rcpts)

	for _, txn := range txns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.Stats.Processed++

		candidates := engine.FindCandidatesForTransaction(txn, remaining)
		if len(candidates) == 0 {
			result.UnmatchedTransactionIDs = append(result.UnmatchedTransactionIDs, txn.ID)
			continue
		}

		best := candidates[0]
		if best.Classification == matching.ClassAuto {
			match, err := s.confirmCandidate(orgID, best)
			if err != nil {
				s.logger.Error("failed to confirm auto match",
					"transaction_id", txn.ID, "receipt_id", best.Receipt.ID, "error", err)
				result.UnmatchedTransactionIDs = append(result.UnmatchedTransactionIDs, txn.ID)
				continue
			}
			result.AutoMatched = append(result.AutoMatched, match)
			result.Stats.AutoMatched++
			remaining = removeReceipt(remaining, best.Receipt.ID)
			continue
		}

		// Suggested pairs do not claim the receipt: a later transaction
		// may still auto-match it.
		suggestion := &expense.Match{
			ID:             uuid.New().String(),
			OrganizationID: orgID,
			TransactionID:  txn.ID,
			ReceiptID:      best.Receipt.ID,
			Type:           expense.MatchSuggested,
			Confidence:     best.Confidence,
			Criteria:       best.Criteria,
		}
		if err := s.storage.InsertMatch(suggestion); err != nil {
			s.logger.Error("failed to persist suggestion",
				"transaction_id", txn.ID, "receipt_id", best.Receipt.ID, "error", err)
		}
		result.Suggestions = append(result.Suggestions, best)
		result.Stats.Suggested++
		result.UnmatchedTransactionIDs = append(result.UnmatchedTransactionIDs, txn.ID)
	}

	for _, rcpt := range remaining {
		result.UnmatchedReceiptIDs = append(result.UnmatchedReceiptIDs, rcpt.ID)
	}

	s.persistTouchedMappings(engine)
	return result, nil
}

// confirmCandidate persists one auto-classified candidate as the active
// match, retrying once on a concurrent-confirmation conflict.
func (s *MatchingService) confirmCandidate(orgID string, c matching.Candidate) (*expense.Match, error) {
	match := &expense.Match{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		TransactionID:  c.Transaction.ID,
		ReceiptID:      c.Receipt.ID,
		Type:           expense.MatchAuto,
		Confidence:     c.Confidence,
		Criteria:       c.Criteria,
	}

	err := s.storage.ConfirmMatch(match)
	if errors.Is(err, storage.ErrConflict) {
		s.logger.Warn("confirmation race, retrying once",
			"transaction_id", match.TransactionID, "receipt_id", match.ReceiptID)
		err = s.storage.ConfirmMatch(match)
	}
	if err != nil {
		return nil, err
	}
	return match, nil
}

// Suggestions scores one item against the current unmatched pool and returns
// the ranked candidates. itemType is "transaction" or "receipt".
func (s *MatchingService) Suggestions(orgID, itemID, itemType string) ([]matching.Candidate, error) {
	engine, err := s.engineFor(orgID)
	if err != nil {
		return nil, err
	}

	var candidates []matching.Candidate
	switch itemType {
	case "transaction":
		txn, err := s.storage.GetTransaction(orgID, itemID)
		if err != nil {
			return nil, err
		}
		pool, err := s.storage.ListUnmatchedReceipts(orgID, s.poolSize(), 0)
		if err != nil {
			return nil, err
		}
		candidates = engine.FindCandidatesForTransaction(txn, pool)
	case "receipt":
		rcpt, err := s.storage.GetReceipt(orgID, itemID)
		if err != nil {
			return nil, err
		}
		pool, err := s.storage.ListUnmatchedTransactions(orgID, s.poolSize(), 0)
		if err != nil {
			return nil, err
		}
		candidates = engine.FindCandidatesForReceipt(rcpt, pool)
	default:
		return nil, fmt.Errorf("unknown item type %q", itemType)
	}

	s.persistTouchedMappings(engine)
	return candidates, nil
}

func (s *MatchingService) poolSize() int {
	if s.cfg != nil && s.cfg.Matching.BatchSize > 0 {
		return s.cfg.Matching.BatchSize
	}
	return 100
}

// Confirm establishes the given pair as the active match. The confidence is
// recomputed when the caller passes a negative value. Retries once on a
// concurrent-confirmation conflict.
func (s *MatchingService) Confirm(orgID, txnID, rcptID string, matchType expense.MatchType, userID string, confidence float64, notes string) (*expense.Match, error) {
	switch matchType {
	case expense.MatchAuto, expense.MatchManual, expense.MatchReviewed:
	default:
		return nil, ErrInvalidMatchType
	}

	txn, err := s.storage.GetTransaction(orgID, txnID)
	if err != nil {
		return nil, err
	}
	rcpt, err := s.storage.GetReceipt(orgID, rcptID)
	if err != nil {
		return nil, err
	}

	engine, err := s.engineFor(orgID)
	if err != nil {
		return nil, err
	}

	var criteria expense.MatchCriteria
	if confidence < 0 {
		scored, err := engine.ScorePair(txn, rcpt)
		if err != nil {
			return nil, fmt.Errorf("failed to score pair: %w", err)
		}
		confidence = scored.Confidence
		criteria = scored.Criteria
	}

	match := &expense.Match{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		TransactionID:  txnID,
		ReceiptID:      rcptID,
		Type:           matchType,
		Confidence:     confidence,
		Criteria:       criteria,
		ConfirmedBy:    userID,
		Notes:          notes,
	}

	err = s.storage.ConfirmMatch(match)
	if errors.Is(err, storage.ErrConflict) {
		err = s.storage.ConfirmMatch(match)
	}
	if err != nil {
		return nil, err
	}

	s.persistTouchedMappings(engine)
	return match, nil
}

// Reject deactivates the active match between the pair (when one exists) and
// records negative feedback, optionally carrying the user's correction.
func (s *MatchingService) Reject(orgID, txnID, rcptID, userID, reason string, correction *RejectCorrection) error {
	feedback := &expense.LearningFeedback{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		TransactionID:  txnID,
		ReceiptID:      rcptID,
		WasCorrect:     false,
		Notes:          reason,
	}
	if correction != nil {
		feedback.CorrectTxnID = correction.TransactionID
		feedback.CorrectRcptID = correction.ReceiptID
	}

	active, err := s.storage.GetActiveMatchByTransaction(orgID, txnID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err == nil && active.ReceiptID == rcptID {
		if err := s.storage.DeactivateMatch(orgID, active.ID, expense.MatchRejected); err != nil {
			return err
		}
		feedback.MatchID = active.ID
	} else {
		// No active match: record the rejection itself so the pair and
		// its evidence stay on file for learning.
		rejected := &expense.Match{
			ID:             uuid.New().String(),
			OrganizationID: orgID,
			TransactionID:  txnID,
			ReceiptID:      rcptID,
			Type:           expense.MatchRejected,
			ConfirmedBy:    userID,
			Notes:          reason,
		}
		if err := s.storage.InsertMatch(rejected); err != nil {
			return err
		}
		feedback.MatchID = rejected.ID
	}

	return s.storage.SaveFeedback(feedback)
}

// RecordFeedback appends a positive or negative judgment on a match.
func (s *MatchingService) RecordFeedback(orgID, matchID, userID string, wasCorrect bool, notes string) error {
	match, err := s.storage.GetMatch(orgID, matchID)
	if err != nil {
		return err
	}
	return s.storage.SaveFeedback(&expense.LearningFeedback{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		MatchID:        match.ID,
		TransactionID:  match.TransactionID,
		ReceiptID:      match.ReceiptID,
		WasCorrect:     wasCorrect,
		Notes:          notes,
	})
}

// BulkMatch paginates the unmatched backlog and runs auto-matching batch by
// batch, claiming each batch first so overlapping runs never score the same
// items. Per-batch failures are accumulated, not fatal.
func (s *MatchingService) BulkMatch(ctx context.Context, orgID string, batchSize int) (*BulkMatchResult, error) {
	if batchSize <= 0 {
		batchSize = s.poolSize()
	}

	runID, err := s.storage.StartRun(orgID, "bulk_match")
	if err != nil {
		return nil, fmt.Errorf("failed to record run: %w", err)
	}

	result := &BulkMatchResult{RunID: runID}
	status := "completed"

	// Suggested-or-unmatched transactions stay claimed until the run ends:
	// later batches must not rescore them, or each pass would insert another
	// suggestion row for the same pair. Receipts are only claimed for the
	// duration of one batch, so a leftover receipt can still match a
	// transaction from a later batch.
	var heldTxns []string

	for {
		if err := ctx.Err(); err != nil {
			status = "cancelled"
			break
		}

		// Claimed and matched rows drop out of the listing, so the next
		// batch is always page zero.
		txns, err := s.storage.ListUnmatchedTransactions(orgID, batchSize, 0)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("list transactions: %v", err))
			status = "failed"
			break
		}
		if len(txns) == 0 {
			break
		}
		rcpts, err := s.storage.ListUnmatchedReceipts(orgID, batchSize*2, 0)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("list receipts: %v", err))
			status = "failed"
			break
		}
		if len(rcpts) == 0 {
			break
		}

		txnIDs := make([]string, len(txns))
		for i, txn := range txns {
			txnIDs[i] = txn.ID
		}
		rcptIDs := make([]string, len(rcpts))
		for i, rcpt := range rcpts {
			rcptIDs[i] = rcpt.ID
		}
		if _, err := s.storage.ClaimTransactions(orgID, txnIDs); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("claim batch: %v", err))
			status = "failed"
			break
		}
		if _, err := s.storage.ClaimReceipts(orgID, rcptIDs); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("claim batch: %v", err))
			s.releaseClaims(orgID, txnIDs, nil, result)
			status = "failed"
			break
		}

		batch, err := s.AutoMatch(ctx, orgID, txns, rcpts)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("batch failed: %v", err))
			s.releaseClaims(orgID, txnIDs, rcptIDs, result)
			status = "failed"
			break
		}

		result.TotalProcessed += batch.Stats.Processed
		result.MatchesCreated += batch.Stats.AutoMatched
		result.SuggestionsCreated += batch.Stats.Suggested

		heldTxns = append(heldTxns, batch.UnmatchedTransactionIDs...)
		s.releaseClaims(orgID, nil, batch.UnmatchedReceiptIDs, result)
	}

	// Held claims go back so the next run can rescore the leftovers.
	s.releaseClaims(orgID, heldTxns, nil, result)

	errored := len(result.Errors)
	if err := s.storage.CompleteRun(runID, result.TotalProcessed, result.MatchesCreated, result.SuggestionsCreated, errored, status); err != nil {
		s.logger.Error("failed to complete run record", "run_id", runID, "error", err)
	}

	s.logger.Info("bulk match finished",
		"org_id", orgID,
		"run_id", runID,
		"processed", result.TotalProcessed,
		"matched", result.MatchesCreated,
		"suggested", result.SuggestionsCreated,
		"errors", errored)
	return result, nil
}

// releaseClaims returns claimed items to the pool, accumulating failures
// into the run result. Nil slices are no-ops.
func (s *MatchingService) releaseClaims(orgID string, txnIDs, rcptIDs []string, result *BulkMatchResult) {
	if err := s.storage.ReleaseTransactions(orgID, txnIDs); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("release transactions: %v", err))
	}
	if err := s.storage.ReleaseReceipts(orgID, rcptIDs); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("release receipts: %v", err))
	}
}

// Metrics aggregates match statistics and feedback-derived accuracy over the
// trailing period.
func (s *MatchingService) Metrics(orgID string, periodDays int) (*MatchingMetrics, error) {
	if periodDays <= 0 {
		periodDays = 30
	}
	since := time.Now().AddDate(0, 0, -periodDays)

	stats, err := s.storage.GetMatchStats(orgID, since)
	if err != nil {
		return nil, err
	}

	samples, err := s.storage.ListFeedbackSamples(orgID, since)
	if err != nil {
		return nil, err
	}

	metrics := &MatchingMetrics{
		OrganizationID: orgID,
		PeriodDays:     periodDays,
		Stats:          stats,
		Performance:    s.learning.AnalyzePerformance(samples),
	}
	totalItems := stats.ActiveMatches + stats.UnmatchedTxns
	if totalItems > 0 {
		metrics.MatchRate = float64(stats.ActiveMatches) / float64(totalItems)
	}
	return metrics, nil
}

// GetConfig returns the organization's effective matching configuration.
func (s *MatchingService) GetConfig(orgID string) (*expense.MatchingConfig, error) {
	cfg, err := s.storage.GetMatchingConfig(orgID)
	if errors.Is(err, storage.ErrNotFound) {
		defaults := expense.DefaultMatchingConfig(orgID)
		return &defaults, nil
	}
	return cfg, err
}

// UpdateConfig applies the learning engine's suggested adjustments to the
// organization's config. Suggestions are never applied silently by matching
// runs; this explicit call is the only adoption path.
func (s *MatchingService) UpdateConfig(orgID string) (*expense.MatchingConfig, error) {
	current, err := s.GetConfig(orgID)
	if err != nil {
		return nil, err
	}

	samples, err := s.storage.ListFeedbackSamples(orgID, time.Time{})
	if err != nil {
		return nil, err
	}

	suggestion := s.learning.SuggestConfig(*current, samples)
	if suggestion.Empty() {
		s.logger.Info("no configuration changes suggested", "org_id", orgID)
		return current, nil
	}

	updated := suggestion.ApplyTo(*current)
	if err := s.storage.SaveMatchingConfig(&updated); err != nil {
		return nil, err
	}
	s.invalidateEngine(orgID)

	s.logger.Info("matching config updated from feedback",
		"org_id", orgID, "notes", suggestion.Notes)
	return &updated, nil
}

func removeReceipt(rcpts []*expense.Receipt, id string) []*expense.Receipt {
	for i, rcpt := range rcpts {
		if rcpt.ID == id {
			return append(rcpts[:i], rcpts[i+1:]...)
		}
	}
	return rcpts
}
