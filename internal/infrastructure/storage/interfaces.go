package storage

import (
	"errors"
	"time"

	"github.com/g-caf/expense-match-backend/internal/domain/expense"
	"github.com/g-caf/expense-match-backend/internal/domain/learning"
)

// Sentinel errors surfaced to the orchestration layer.
var (
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a concurrent confirmation raced this one.
	// The orchestration layer retries; storage never does.
	ErrConflict = errors.New("conflict")
)

// Repository defines the complete storage interface. It allows swapping
// implementations (SQLite, PostgreSQL, ...) and makes testing with the
// in-memory mock straightforward.
type Repository interface {
	TransactionRepository
	ReceiptRepository
	MatchRepository
	MerchantMappingRepository
	FeedbackRepository
	ConfigRepository
	RunRepository
	Close() error
}

// TransactionRepository handles transaction persistence.
type TransactionRepository interface {
	// SaveTransaction inserts or replaces a transaction.
	SaveTransaction(txn *expense.Transaction) error

	// GetTransaction retrieves one transaction scoped to an organization.
	GetTransaction(orgID, id string) (*expense.Transaction, error)

	// ListUnmatchedTransactions returns transactions with no active match
	// and no outstanding claim, oldest first, paginated.
	ListUnmatchedTransactions(orgID string, limit, offset int) ([]*expense.Transaction, error)

	// ClaimTransactions marks transactions as in-progress for a bulk run so
	// overlapping runs cannot score the same items. Returns how many were
	// actually claimed (already-claimed rows are skipped).
	ClaimTransactions(orgID string, ids []string) (int, error)

	// ReleaseTransactions clears the in-progress claim.
	ReleaseTransactions(orgID string, ids []string) error

	// SetTransactionStatus updates only the lifecycle status.
	SetTransactionStatus(orgID, id string, status expense.TransactionStatus) error
}

// ReceiptRepository handles receipt persistence.
type ReceiptRepository interface {
	SaveReceipt(rcpt *expense.Receipt) error
	GetReceipt(orgID, id string) (*expense.Receipt, error)
	ListUnmatchedReceipts(orgID string, limit, offset int) ([]*expense.Receipt, error)
	ClaimReceipts(orgID string, ids []string) (int, error)
	ReleaseReceipts(orgID string, ids []string) error
	SetReceiptStatus(orgID, id string, status expense.ReceiptStatus) error
}

// MatchFilters narrows ListMatches results.
type MatchFilters struct {
	Type       expense.MatchType // empty = all
	ActiveOnly bool
	Since      time.Time // zero = all time
	Limit      int       // 0 = default 50
	Offset     int
}

// MatchStats aggregates match counts for the metrics endpoint.
type MatchStats struct {
	TotalMatches      int                       `json:"total_matches"`
	ActiveMatches     int                       `json:"active_matches"`
	CountByType       map[expense.MatchType]int `json:"count_by_type"`
	AverageConfidence float64                   `json:"average_confidence"`
	UnmatchedTxns     int                       `json:"unmatched_transactions"`
	UnmatchedReceipts int                       `json:"unmatched_receipts"`
}

// MatchRepository handles match persistence. Matches are never deleted:
// rejected and superseded records stay for audit and learning.
type MatchRepository interface {
	// InsertMatch records a non-active match (suggested or rejected).
	InsertMatch(m *expense.Match) error

	// ConfirmMatch atomically deactivates any existing active match on
	// either side, inserts m as the active match and updates both records'
	// lifecycle statuses. Returns ErrConflict when a concurrent
	// confirmation won the race.
	ConfirmMatch(m *expense.Match) error

	// GetMatch retrieves one match scoped to an organization.
	GetMatch(orgID, id string) (*expense.Match, error)

	// GetActiveMatchByTransaction returns the active match for a
	// transaction, or ErrNotFound.
	GetActiveMatchByTransaction(orgID, txnID string) (*expense.Match, error)

	// GetActiveMatchByReceipt returns the active match for a receipt.
	GetActiveMatchByReceipt(orgID, rcptID string) (*expense.Match, error)

	// ListMatches returns matches for an organization, newest first.
	ListMatches(orgID string, filters MatchFilters) ([]*expense.Match, error)

	// DeactivateMatch flips a match to inactive with the given type
	// (rejected on explicit user rejection) and resets both sides'
	// lifecycle statuses.
	DeactivateMatch(orgID, matchID string, newType expense.MatchType) error

	// GetMatchStats aggregates counts for the metrics endpoint.
	GetMatchStats(orgID string, since time.Time) (*MatchStats, error)
}

// MerchantMappingRepository handles the canonical merchant-name tables.
type MerchantMappingRepository interface {
	ListMerchantMappings(orgID string) ([]*expense.MerchantMapping, error)
	UpsertMerchantMapping(m *expense.MerchantMapping) error
	VerifyMerchantMapping(orgID, id string) error
}

// FeedbackRepository handles the append-only learning feedback log.
type FeedbackRepository interface {
	SaveFeedback(f *expense.LearningFeedback) error

	// ListFeedbackSamples returns feedback joined with the judged match's
	// evidence, for the learning engine.
	ListFeedbackSamples(orgID string, since time.Time) ([]learning.Sample, error)
}

// ConfigRepository handles per-organization matching configuration.
type ConfigRepository interface {
	// GetMatchingConfig returns ErrNotFound when the organization has no
	// stored config; callers fall back to defaults.
	GetMatchingConfig(orgID string) (*expense.MatchingConfig, error)
	SaveMatchingConfig(cfg *expense.MatchingConfig) error
}

// MatchRun is one recorded bulk/auto matching run.
type MatchRun struct {
	ID             int64      `json:"id"`
	OrganizationID string     `json:"organization_id"`
	JobType        string     `json:"job_type"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Processed      int        `json:"processed"`
	Matched        int        `json:"matched"`
	Suggested      int        `json:"suggested"`
	Errored        int        `json:"errored"`
	Status         string     `json:"status"`
}

// RunRepository tracks bulk matching runs.
type RunRepository interface {
	StartRun(orgID, jobType string) (int64, error)
	CompleteRun(runID int64, processed, matched, suggested, errored int, status string) error
	ListRuns(orgID string, limit int) ([]MatchRun, error)
	GetRun(runID int64) (*MatchRun, error)
}
