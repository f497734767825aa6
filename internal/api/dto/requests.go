package dto

// ConfirmMatchRequest establishes a transaction-receipt pair as the active
// match. Confidence is optional; when omitted the pair is rescored.
type ConfirmMatchRequest struct {
	OrganizationID string   `json:"organization_id"`
	TransactionID  string   `json:"transaction_id"`
	ReceiptID      string   `json:"receipt_id"`
	MatchType      string   `json:"match_type"` // manual | reviewed | auto
	UserID         string   `json:"user_id"`
	Confidence     *float64 `json:"confidence,omitempty"`
	Notes          string   `json:"notes,omitempty"`
}

// RejectMatchRequest rejects a pair and optionally points at the correct one.
type RejectMatchRequest struct {
	OrganizationID string `json:"organization_id"`
	TransactionID  string `json:"transaction_id"`
	ReceiptID      string `json:"receipt_id"`
	UserID         string `json:"user_id"`
	Reason         string `json:"reason,omitempty"`
	Correction     *struct {
		TransactionID string `json:"transaction_id,omitempty"`
		ReceiptID     string `json:"receipt_id,omitempty"`
	} `json:"correction,omitempty"`
}

// BulkMatchRequest starts a synchronous bulk reconciliation run.
type BulkMatchRequest struct {
	OrganizationID string `json:"organization_id"`
	BatchSize      int    `json:"batch_size,omitempty"`
}

// SubmitJobRequest enqueues a background matching job.
type SubmitJobRequest struct {
	OrganizationID string `json:"organization_id"`
	Type           string `json:"type"` // bulk_match | auto_match_new | reprocess_failed
	Priority       int    `json:"priority,omitempty"`
	BatchSize      int    `json:"batch_size,omitempty"`
}

// FeedbackRequest records a user judgment on an existing match.
type FeedbackRequest struct {
	OrganizationID string `json:"organization_id"`
	MatchID        string `json:"match_id"`
	UserID         string `json:"user_id"`
	WasCorrect     bool   `json:"was_correct"`
	Notes          string `json:"notes,omitempty"`
}
