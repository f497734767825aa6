// Package expense defines the core entities shared across the matching
// subsystem: transactions, receipts, matches and the per-organization
// configuration that tunes the scorer.
package expense

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus is the lifecycle state of a bank/card transaction.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionProcessed TransactionStatus = "processed"
	TransactionMatched   TransactionStatus = "matched"
	TransactionCancelled TransactionStatus = "cancelled"
)

// ReceiptStatus is the lifecycle state of an uploaded receipt.
type ReceiptStatus string

const (
	ReceiptUploaded   ReceiptStatus = "uploaded"
	ReceiptProcessing ReceiptStatus = "processing"
	ReceiptProcessed  ReceiptStatus = "processed"
	ReceiptMatched    ReceiptStatus = "matched"
	ReceiptFailed     ReceiptStatus = "failed"
)

// MatchType classifies how a match was established.
type MatchType string

const (
	MatchAuto      MatchType = "auto"
	MatchManual    MatchType = "manual"
	MatchReviewed  MatchType = "reviewed"
	MatchSuggested MatchType = "suggested"
	MatchRejected  MatchType = "rejected"
)

// Location is an optional geolocation attached to a transaction or receipt.
// Address is free text as captured; coordinates of (0, 0) are treated as
// "no fix" rather than a point in the Gulf of Guinea.
type Location struct {
	Address   string  `json:"address,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// HasCoordinates reports whether the location carries a usable coordinate pair.
func (l *Location) HasCoordinates() bool {
	return l != nil && (l.Latitude != 0 || l.Longitude != 0)
}

// Transaction is a posted bank/card transaction. Immutable once posted
// except for Status and match linkage.
type Transaction struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organization_id"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	Date           time.Time         `json:"date"`
	PostedDate     *time.Time        `json:"posted_date,omitempty"`
	Description    string            `json:"description"`
	MerchantName   string            `json:"merchant_name,omitempty"`
	Category       string            `json:"category,omitempty"`
	Location       *Location         `json:"location,omitempty"`
	UserID         string            `json:"user_id"`
	AccountID      string            `json:"account_id"`
	Status         TransactionStatus `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
}

// ExtractedField is a single OCR-extracted receipt field. Extraction itself
// happens in an external collaborator; the matcher only consumes the result.
type ExtractedField struct {
	Name       string  `json:"name"`
	Value      string  `json:"value"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
	Verified   bool    `json:"verified"`
}

// Receipt is an uploaded receipt with its extracted fields.
type Receipt struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organization_id"`
	Total          decimal.Decimal  `json:"total"`
	Currency       string           `json:"currency"`
	Date           time.Time        `json:"date"`
	MerchantName   string           `json:"merchant_name,omitempty"`
	MerchantID     string           `json:"merchant_id,omitempty"`
	Location       *Location        `json:"location,omitempty"`
	UploaderID     string           `json:"uploader_id"`
	Status         ReceiptStatus    `json:"status"`
	Fields         []ExtractedField `json:"fields,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// MatchCriteria is the serialized evidence behind a match: the per-criterion
// sub-scores plus the human-readable reasoning surfaced to review UIs. It is
// the audit trail for why an auto-match fired.
type MatchCriteria struct {
	AmountScore   float64  `json:"amount_score"`
	DateScore     float64  `json:"date_score"`
	MerchantScore float64  `json:"merchant_score"`
	LocationScore *float64 `json:"location_score,omitempty"`
	UserScore     float64  `json:"user_score"`
	CurrencyScore float64  `json:"currency_score"`

	AmountMatched   bool `json:"amount_matched"`
	DateMatched     bool `json:"date_matched"`
	MerchantMatched bool `json:"merchant_matched"`

	CanonicalMerchant string `json:"canonical_merchant,omitempty"`

	Reasons  []string `json:"reasons,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Match links exactly one transaction to exactly one receipt. At most one
// active match may exist per transaction and per receipt at any time; a
// superseded or rejected match is kept (never deleted) for audit and learning.
type Match struct {
	ID             string        `json:"id"`
	OrganizationID string        `json:"organization_id"`
	TransactionID  string        `json:"transaction_id"`
	ReceiptID      string        `json:"receipt_id"`
	Type           MatchType     `json:"type"`
	Confidence     float64       `json:"confidence"`
	Criteria       MatchCriteria `json:"criteria"`
	ConfirmedBy    string        `json:"confirmed_by,omitempty"` // empty for system auto-matches
	Active         bool          `json:"active"`
	Notes          string        `json:"notes,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// MerchantMapping is a per-organization canonical merchant name with the raw
// variants observed so far. Verified mappings were confirmed by a human;
// unverified ones were inferred by the matcher.
type MerchantMapping struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	CanonicalName  string    `json:"canonical_name"`
	Variants       []string  `json:"variants"`
	Confidence     float64   `json:"confidence"`
	UsageCount     int       `json:"usage_count"`
	Verified       bool      `json:"verified"`
	LastUsedAt     time.Time `json:"last_used_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// LearningFeedback is one user judgment on a match. Append-only.
type LearningFeedback struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	MatchID        string    `json:"match_id"`
	TransactionID  string    `json:"transaction_id"`
	ReceiptID      string    `json:"receipt_id"`
	WasCorrect     bool      `json:"was_correct"`
	CorrectTxnID   string    `json:"correct_transaction_id,omitempty"`
	CorrectRcptID  string    `json:"correct_receipt_id,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
