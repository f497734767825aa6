package storage

import (
	"sort"
	"time"

	"github.com/g-caf/expense-match-backend/internal/domain/expense"
	"github.com/g-caf/expense-match-backend/internal/domain/learning"
)

// MockRepository is an in-memory implementation of Repository for testing.
// It stores all data in maps and slices, making tests fast and isolated.
type MockRepository struct {
	transactions map[string]*expense.Transaction // keyed by org/id
	receipts     map[string]*expense.Receipt
	matches      map[string]*expense.Match
	mappings     map[string]*expense.MerchantMapping // keyed by org/canonical
	feedback     []*expense.LearningFeedback
	configs      map[string]*expense.MatchingConfig
	runs         map[int64]*MatchRun
	claimedTxns  map[string]bool
	claimedRcpts map[string]bool
	nextRunID    int64

	// Hooks for test assertions
	ClaimReceiptsCalled   bool
	ReleaseReceiptsCalled bool
	InsertMatchCalled     bool
	ConfirmMatchCalled    bool
	ConfirmMatchCalls  int
	LastInsertedMatch  *expense.Match
	LastConfirmedMatch *expense.Match
	SaveFeedbackCalled bool
	LastSavedFeedback  *expense.LearningFeedback
	SaveConfigCalled   bool
	StartRunCalled     bool
	CompleteRunCalled  bool

	// Error injection for testing error paths
	SaveTransactionErr error
	SaveReceiptErr     error
	InsertMatchErr     error
	ConfirmMatchErr    error
	ListMatchesErr     error
	SaveFeedbackErr    error
	GetConfigErr       error
	SaveConfigErr      error
	StartRunErr        error

	// ConfirmMatchConflicts makes the first N ConfirmMatch calls return
	// ErrConflict, for exercising the retry path.
	ConfirmMatchConflicts int
}

// NewMockRepository creates a new mock repository for testing
func NewMockRepository() *MockRepository {
	return &MockRepository{
		transactions: make(map[string]*expense.Transaction),
		receipts:     make(map[string]*expense.Receipt),
		matches:      make(map[string]*expense.Match),
		mappings:     make(map[string]*expense.MerchantMapping),
		configs:      make(map[string]*expense.MatchingConfig),
		runs:         make(map[int64]*MatchRun),
		claimedTxns:  make(map[string]bool),
		claimedRcpts: make(map[string]bool),
		nextRunID:    1,
	}
}

// Compile-time check that MockRepository implements Repository
var _ Repository = (*MockRepository)(nil)

func mockKey(orgID, id string) string { return orgID + "/" + id }

// Close does nothing for mock
func (m *MockRepository) Close() error {
	return nil
}

// --- Transactions ---

func (m *MockRepository) SaveTransaction(txn *expense.Transaction) error {
	if m.SaveTransactionErr != nil {
		return m.SaveTransactionErr
	}
	// Deep copy to avoid test mutations
	copied := *txn
	m.transactions[mockKey(txn.OrganizationID, txn.ID)] = &copied
	return nil
}

func (m *MockRepository) GetTransaction(orgID, id string) (*expense.Transaction, error) {
	txn, ok := m.transactions[mockKey(orgID, id)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *txn
	return &copied, nil
}

func (m *MockRepository) ListUnmatchedTransactions(orgID string, limit, offset int) ([]*expense.Transaction, error) {
	var out []*expense.Transaction
	for key, txn := range m.transactions {
		if txn.OrganizationID != orgID || m.claimedTxns[key] {
			continue
		}
		if txn.Status == expense.TransactionPending || txn.Status == expense.TransactionProcessed {
			copied := *txn
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return paginate(out, limit, offset), nil
}

func (m *MockRepository) ClaimTransactions(orgID string, ids []string) (int, error) {
	claimed := 0
	for _, id := range ids {
		key := mockKey(orgID, id)
		if _, ok := m.transactions[key]; ok && !m.claimedTxns[key] {
			m.claimedTxns[key] = true
			claimed++
		}
	}
	return claimed, nil
}

func (m *MockRepository) ReleaseTransactions(orgID string, ids []string) error {
	for _, id := range ids {
		delete(m.claimedTxns, mockKey(orgID, id))
	}
	return nil
}

func (m *MockRepository) SetTransactionStatus(orgID, id string, status expense.TransactionStatus) error {
	txn, ok := m.transactions[mockKey(orgID, id)]
	if !ok {
		return ErrNotFound
	}
	txn.Status = status
	return nil
}

// --- Receipts ---

func (m *MockRepository) SaveReceipt(rcpt *expense.Receipt) error {
	if m.SaveReceiptErr != nil {
		return m.SaveReceiptErr
	}
	copied := *rcpt
	m.receipts[mockKey(rcpt.OrganizationID, rcpt.ID)] = &copied
	return nil
}

func (m *MockRepository) GetReceipt(orgID, id string) (*expense.Receipt, error) {
	rcpt, ok := m.receipts[mockKey(orgID, id)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *rcpt
	return &copied, nil
}

func (m *MockRepository) ListUnmatchedReceipts(orgID string, limit, offset int) ([]*expense.Receipt, error) {
	var out []*expense.Receipt
	for key, rcpt := range m.receipts {
		if rcpt.OrganizationID != orgID || m.claimedRcpts[key] {
			continue
		}
		if rcpt.Status == expense.ReceiptUploaded || rcpt.Status == expense.ReceiptProcessed {
			copied := *rcpt
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return paginate(out, limit, offset), nil
}

func (m *MockRepository) ClaimReceipts(orgID string, ids []string) (int, error) {
	if len(ids) > 0 {
		m.ClaimReceiptsCalled = true
	}
	claimed := 0
	for _, id := range ids {
		key := mockKey(orgID, id)
		if _, ok := m.receipts[key]; ok && !m.claimedRcpts[key] {
			m.claimedRcpts[key] = true
			claimed++
		}
	}
	return claimed, nil
}

func (m *MockRepository) ReleaseReceipts(orgID string, ids []string) error {
	if len(ids) > 0 {
		m.ReleaseReceiptsCalled = true
	}
	for _, id := range ids {
		delete(m.claimedRcpts, mockKey(orgID, id))
	}
	return nil
}

func (m *MockRepository) SetReceiptStatus(orgID, id string, status expense.ReceiptStatus) error {
	rcpt, ok := m.receipts[mockKey(orgID, id)]
	if !ok {
		return ErrNotFound
	}
	rcpt.Status = status
	return nil
}

// --- Matches ---

func (m *MockRepository) InsertMatch(match *expense.Match) error {
	m.InsertMatchCalled = true
	m.LastInsertedMatch = match
	if m.InsertMatchErr != nil {
		return m.InsertMatchErr
	}
	copied := *match
	copied.Active = false
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	m.matches[mockKey(match.OrganizationID, match.ID)] = &copied
	return nil
}

func (m *MockRepository) ConfirmMatch(match *expense.Match) error {
	m.ConfirmMatchCalled = true
	m.ConfirmMatchCalls++
	m.LastConfirmedMatch = match
	if m.ConfirmMatchErr != nil {
		return m.ConfirmMatchErr
	}
	if m.ConfirmMatchConflicts > 0 {
		m.ConfirmMatchConflicts--
		return ErrConflict
	}

	for _, existing := range m.matches {
		if existing.OrganizationID != match.OrganizationID || !existing.Active {
			continue
		}
		if existing.TransactionID == match.TransactionID || existing.ReceiptID == match.ReceiptID {
			existing.Active = false
			if existing.TransactionID != match.TransactionID {
				_ = m.SetTransactionStatus(match.OrganizationID, existing.TransactionID, expense.TransactionProcessed)
			}
			if existing.ReceiptID != match.ReceiptID {
				_ = m.SetReceiptStatus(match.OrganizationID, existing.ReceiptID, expense.ReceiptProcessed)
			}
		}
	}

	copied := *match
	copied.Active = true
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	m.matches[mockKey(match.OrganizationID, match.ID)] = &copied
	_ = m.SetTransactionStatus(match.OrganizationID, match.TransactionID, expense.TransactionMatched)
	_ = m.SetReceiptStatus(match.OrganizationID, match.ReceiptID, expense.ReceiptMatched)
	delete(m.claimedTxns, mockKey(match.OrganizationID, match.TransactionID))
	delete(m.claimedRcpts, mockKey(match.OrganizationID, match.ReceiptID))
	return nil
}

func (m *MockRepository) GetMatch(orgID, id string) (*expense.Match, error) {
	match, ok := m.matches[mockKey(orgID, id)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *match
	return &copied, nil
}

func (m *MockRepository) GetActiveMatchByTransaction(orgID, txnID string) (*expense.Match, error) {
	for _, match := range m.matches {
		if match.OrganizationID == orgID && match.TransactionID == txnID && match.Active {
			copied := *match
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockRepository) GetActiveMatchByReceipt(orgID, rcptID string) (*expense.Match, error) {
	for _, match := range m.matches {
		if match.OrganizationID == orgID && match.ReceiptID == rcptID && match.Active {
			copied := *match
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockRepository) ListMatches(orgID string, filters MatchFilters) ([]*expense.Match, error) {
	if m.ListMatchesErr != nil {
		return nil, m.ListMatchesErr
	}
	var out []*expense.Match
	for _, match := range m.matches {
		if match.OrganizationID != orgID {
			continue
		}
		if filters.Type != "" && match.Type != filters.Type {
			continue
		}
		if filters.ActiveOnly && !match.Active {
			continue
		}
		if !filters.Since.IsZero() && match.CreatedAt.Before(filters.Since) {
			continue
		}
		copied := *match
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}
	return paginate(out, limit, filters.Offset), nil
}

func (m *MockRepository) DeactivateMatch(orgID, matchID string, newType expense.MatchType) error {
	match, ok := m.matches[mockKey(orgID, matchID)]
	if !ok {
		return ErrNotFound
	}
	wasActive := match.Active
	match.Active = false
	match.Type = newType
	if wasActive {
		_ = m.SetTransactionStatus(orgID, match.TransactionID, expense.TransactionProcessed)
		_ = m.SetReceiptStatus(orgID, match.ReceiptID, expense.ReceiptProcessed)
	}
	return nil
}

func (m *MockRepository) GetMatchStats(orgID string, since time.Time) (*MatchStats, error) {
	stats := &MatchStats{CountByType: make(map[expense.MatchType]int)}
	var confidenceSum float64
	for _, match := range m.matches {
		if match.OrganizationID != orgID || match.CreatedAt.Before(since) {
			continue
		}
		stats.TotalMatches++
		stats.CountByType[match.Type]++
		if match.Active {
			stats.ActiveMatches++
		}
		confidenceSum += match.Confidence
	}
	if stats.TotalMatches > 0 {
		stats.AverageConfidence = confidenceSum / float64(stats.TotalMatches)
	}
	for _, txn := range m.transactions {
		if txn.OrganizationID == orgID &&
			(txn.Status == expense.TransactionPending || txn.Status == expense.TransactionProcessed) {
			stats.UnmatchedTxns++
		}
	}
	for _, rcpt := range m.receipts {
		if rcpt.OrganizationID == orgID &&
			(rcpt.Status == expense.ReceiptUploaded || rcpt.Status == expense.ReceiptProcessed) {
			stats.UnmatchedReceipts++
		}
	}
	return stats, nil
}

// --- Merchant mappings ---

func (m *MockRepository) ListMerchantMappings(orgID string) ([]*expense.MerchantMapping, error) {
	var out []*expense.MerchantMapping
	for _, mapping := range m.mappings {
		if mapping.OrganizationID == orgID {
			copied := *mapping
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UsageCount > out[j].UsageCount })
	return out, nil
}

func (m *MockRepository) UpsertMerchantMapping(mapping *expense.MerchantMapping) error {
	copied := *mapping
	m.mappings[mockKey(mapping.OrganizationID, mapping.CanonicalName)] = &copied
	return nil
}

func (m *MockRepository) VerifyMerchantMapping(orgID, id string) error {
	for _, mapping := range m.mappings {
		if mapping.OrganizationID == orgID && mapping.ID == id {
			mapping.Verified = true
			return nil
		}
	}
	return ErrNotFound
}

// --- Learning feedback ---

func (m *MockRepository) SaveFeedback(f *expense.LearningFeedback) error {
	m.SaveFeedbackCalled = true
	m.LastSavedFeedback = f
	if m.SaveFeedbackErr != nil {
		return m.SaveFeedbackErr
	}
	copied := *f
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	m.feedback = append(m.feedback, &copied)
	return nil
}

func (m *MockRepository) ListFeedbackSamples(orgID string, since time.Time) ([]learning.Sample, error) {
	var samples []learning.Sample
	for _, f := range m.feedback {
		if f.OrganizationID != orgID || f.CreatedAt.Before(since) {
			continue
		}
		sample := learning.Sample{Feedback: *f}
		if match, ok := m.matches[mockKey(orgID, f.MatchID)]; ok {
			sample.Criteria = match.Criteria
			sample.Confidence = match.Confidence
			sample.MatchType = match.Type
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

// --- Matching config ---

func (m *MockRepository) GetMatchingConfig(orgID string) (*expense.MatchingConfig, error) {
	if m.GetConfigErr != nil {
		return nil, m.GetConfigErr
	}
	cfg, ok := m.configs[orgID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *cfg
	return &copied, nil
}

func (m *MockRepository) SaveMatchingConfig(cfg *expense.MatchingConfig) error {
	m.SaveConfigCalled = true
	if m.SaveConfigErr != nil {
		return m.SaveConfigErr
	}
	copied := *cfg
	copied.UpdatedAt = time.Now()
	m.configs[cfg.OrganizationID] = &copied
	return nil
}

// --- Match runs ---

func (m *MockRepository) StartRun(orgID, jobType string) (int64, error) {
	m.StartRunCalled = true
	if m.StartRunErr != nil {
		return 0, m.StartRunErr
	}
	id := m.nextRunID
	m.nextRunID++
	m.runs[id] = &MatchRun{
		ID:             id,
		OrganizationID: orgID,
		JobType:        jobType,
		StartedAt:      time.Now(),
		Status:         "running",
	}
	return id, nil
}

func (m *MockRepository) CompleteRun(runID int64, processed, matched, suggested, errored int, status string) error {
	m.CompleteRunCalled = true
	run, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	run.CompletedAt = &now
	run.Processed = processed
	run.Matched = matched
	run.Suggested = suggested
	run.Errored = errored
	run.Status = status
	return nil
}

func (m *MockRepository) ListRuns(orgID string, limit int) ([]MatchRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []MatchRun
	for _, run := range m.runs {
		if run.OrganizationID == orgID {
			out = append(out, *run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockRepository) GetRun(runID int64) (*MatchRun, error) {
	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *run
	return &copied, nil
}

func paginate[T any](items []*T, limit, offset int) []*T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
