package storage

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g-caf/expense-match-backend/internal/domain/expense"
)

func createTempDB(t *testing.T) string {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "matching_test_*.db")
	require.NoError(t, err)
	require.NoError(t, tmpFile.Close())
	return tmpFile.Name()
}

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	tmpDB := createTempDB(t)
	t.Cleanup(func() { os.Remove(tmpDB) })

	store, err := NewStorage(tmpDB, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testTransaction(id string) *expense.Transaction {
	return &expense.Transaction{
		ID:             id,
		OrganizationID: "org-1",
		Amount:         decimal.NewFromFloat(-42.50),
		Currency:       "USD",
		Date:           time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		Description:    "STARBUCKS STORE #1234",
		MerchantName:   "STARBUCKS STORE #1234",
		UserID:         "user-1",
		AccountID:      "acct-1",
		Status:         expense.TransactionPending,
	}
}

func testReceipt(id string) *expense.Receipt {
	return &expense.Receipt{
		ID:             id,
		OrganizationID: "org-1",
		Total:          decimal.NewFromFloat(42.50),
		Currency:       "USD",
		Date:           time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC),
		MerchantName:   "Starbucks Coffee",
		UploaderID:     "user-1",
		Status:         expense.ReceiptProcessed,
	}
}

func TestStorage_SaveAndGetTransaction(t *testing.T) {
	store := newTestStorage(t)

	txn := testTransaction("txn-1")
	txn.Location = &expense.Location{
		Address:   "123 Main St, Springfield",
		Latitude:  39.78,
		Longitude: -89.65,
	}
	require.NoError(t, store.SaveTransaction(txn))

	retrieved, err := store.GetTransaction("org-1", "txn-1")
	require.NoError(t, err)

	assert.Equal(t, "txn-1", retrieved.ID)
	assert.True(t, retrieved.Amount.Equal(decimal.NewFromFloat(-42.50)),
		"amount should survive the round trip exactly, got %s", retrieved.Amount)
	assert.Equal(t, "USD", retrieved.Currency)
	assert.Equal(t, expense.TransactionPending, retrieved.Status)
	require.NotNil(t, retrieved.Location)
	assert.Equal(t, "123 Main St, Springfield", retrieved.Location.Address)
	assert.InDelta(t, 39.78, retrieved.Location.Latitude, 1e-9)
	assert.False(t, retrieved.CreatedAt.IsZero(), "created_at should be set by storage")
}

func TestStorage_GetTransaction_NotFound(t *testing.T) {
	store := newTestStorage(t)

	_, err := store.GetTransaction("org-1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStorage_GetTransaction_OrgScoped(t *testing.T) {
	store := newTestStorage(t)
	require.NoError(t, store.SaveTransaction(testTransaction("txn-1")))

	// Another organization must not see it
	_, err := store.GetTransaction("org-2", "txn-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStorage_ListUnmatchedTransactions_OldestFirst(t *testing.T) {
	store := newTestStorage(t)

	newer := testTransaction("txn-new")
	newer.Date = time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	older := testTransaction("txn-old")
	older.Date = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	matched := testTransaction("txn-matched")
	matched.Status = expense.TransactionMatched

	require.NoError(t, store.SaveTransaction(newer))
	require.NoError(t, store.SaveTransaction(older))
	require.NoError(t, store.SaveTransaction(matched))

	txns, err := store.ListUnmatchedTransactions("org-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, txns, 2, "matched transactions are excluded")
	assert.Equal(t, "txn-old", txns[0].ID)
	assert.Equal(t, "txn-new", txns[1].ID)
}

func TestStorage_ClaimAndReleaseTransactions(t *testing.T) {
	store := newTestStorage(t)
	require.NoError(t, store.SaveTransaction(testTransaction("txn-1")))
	require.NoError(t, store.SaveTransaction(testTransaction("txn-2")))

	claimed, err := store.ClaimTransactions("org-1", []string{"txn-1", "txn-2"})
	require.NoError(t, err)
	assert.Equal(t, 2, claimed)

	// Claimed rows drop out of the unmatched listing
	txns, err := store.ListUnmatchedTransactions("org-1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, txns)

	// A second claim on the same rows is a no-op
	claimed, err = store.ClaimTransactions("org-1", []string{"txn-1"})
	require.NoError(t, err)
	assert.Equal(t, 0, claimed)

	require.NoError(t, store.ReleaseTransactions("org-1", []string{"txn-1", "txn-2"}))
	txns, err = store.ListUnmatchedTransactions("org-1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, txns, 2)
}

func TestStorage_ConfirmMatch_UpdatesStatuses(t *testing.T) {
	store := newTestStorage(t)
	require.NoError(t, store.SaveTransaction(testTransaction("txn-1")))
	require.NoError(t, store.SaveReceipt(testReceipt("rcpt-1")))

	match := &expense.Match{
		ID:             "match-1",
		OrganizationID: "org-1",
		TransactionID:  "txn-1",
		ReceiptID:      "rcpt-1",
		Type:           expense.MatchAuto,
		Confidence:     0.93,
		Criteria: expense.MatchCriteria{
			AmountScore:   1.0,
			DateScore:     1.0,
			MerchantScore: 0.85,
			Reasons:       []string{"Exact amount match"},
		},
	}
	require.NoError(t, store.ConfirmMatch(match))

	retrieved, err := store.GetMatch("org-1", "match-1")
	require.NoError(t, err)
	assert.True(t, retrieved.Active)
	assert.Equal(t, expense.MatchAuto, retrieved.Type)
	assert.InDelta(t, 0.93, retrieved.Confidence, 1e-9)
	assert.Equal(t, []string{"Exact amount match"}, retrieved.Criteria.Reasons)

	txn, err := store.GetTransaction("org-1", "txn-1")
	require.NoError(t, err)
	assert.Equal(t, expense.TransactionMatched, txn.Status)

	rcpt, err := store.GetReceipt("org-1", "rcpt-1")
	require.NoError(t, err)
	assert.Equal(t, expense.ReceiptMatched, rcpt.Status)
}

func TestStorage_ConfirmMatch_SupersedesPrior(t *testing.T) {
	store := newTestStorage(t)
	require.NoError(t, store.SaveTransaction(testTransaction("txn-1")))
	require.NoError(t, store.SaveReceipt(testReceipt("rcpt-1")))
	require.NoError(t, store.SaveReceipt(testReceipt("rcpt-2")))

	first := &expense.Match{
		ID:             "match-1",
		OrganizationID: "org-1",
		TransactionID:  "txn-1",
		ReceiptID:      "rcpt-1",
		Type:           expense.MatchAuto,
		Confidence:     0.9,
	}
	require.NoError(t, store.ConfirmMatch(first))

	// Re-matching the transaction to a different receipt deactivates the
	// first match and frees its receipt.
	second := &expense.Match{
		ID:             "match-2",
		OrganizationID: "org-1",
		TransactionID:  "txn-1",
		ReceiptID:      "rcpt-2",
		Type:           expense.MatchManual,
		Confidence:     1.0,
		ConfirmedBy:    "user-1",
	}
	require.NoError(t, store.ConfirmMatch(second))

	old, err := store.GetMatch("org-1", "match-1")
	require.NoError(t, err)
	assert.False(t, old.Active, "superseded match should be inactive")

	active, err := store.GetActiveMatchByTransaction("org-1", "txn-1")
	require.NoError(t, err)
	assert.Equal(t, "match-2", active.ID)

	freed, err := store.GetReceipt("org-1", "rcpt-1")
	require.NoError(t, err)
	assert.Equal(t, expense.ReceiptProcessed, freed.Status, "superseded receipt becomes matchable again")

	_, err = store.GetActiveMatchByReceipt("org-1", "rcpt-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStorage_DeactivateMatch(t *testing.T) {
	store := newTestStorage(t)
	require.NoError(t, store.SaveTransaction(testTransaction("txn-1")))
	require.NoError(t, store.SaveReceipt(testReceipt("rcpt-1")))

	match := &expense.Match{
		ID:             "match-1",
		OrganizationID: "org-1",
		TransactionID:  "txn-1",
		ReceiptID:      "rcpt-1",
		Type:           expense.MatchAuto,
		Confidence:     0.9,
	}
	require.NoError(t, store.ConfirmMatch(match))

	require.NoError(t, store.DeactivateMatch("org-1", "match-1", expense.MatchRejected))

	rejected, err := store.GetMatch("org-1", "match-1")
	require.NoError(t, err)
	assert.False(t, rejected.Active)
	assert.Equal(t, expense.MatchRejected, rejected.Type)

	// Both sides become matchable again
	txn, err := store.GetTransaction("org-1", "txn-1")
	require.NoError(t, err)
	assert.Equal(t, expense.TransactionProcessed, txn.Status)

	rcpt, err := store.GetReceipt("org-1", "rcpt-1")
	require.NoError(t, err)
	assert.Equal(t, expense.ReceiptProcessed, rcpt.Status)
}

func TestStorage_DeactivateMatch_NotFound(t *testing.T) {
	store := newTestStorage(t)
	err := store.DeactivateMatch("org-1", "missing", expense.MatchRejected)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStorage_ListMatches_Filters(t *testing.T) {
	store := newTestStorage(t)
	require.NoError(t, store.SaveTransaction(testTransaction("txn-1")))
	require.NoError(t, store.SaveReceipt(testReceipt("rcpt-1")))
	require.NoError(t, store.SaveReceipt(testReceipt("rcpt-2")))

	suggested := &expense.Match{
		ID:             "match-s",
		OrganizationID: "org-1",
		TransactionID:  "txn-1",
		ReceiptID:      "rcpt-2",
		Type:           expense.MatchSuggested,
		Confidence:     0.6,
	}
	require.NoError(t, store.InsertMatch(suggested))

	confirmed := &expense.Match{
		ID:             "match-c",
		OrganizationID: "org-1",
		TransactionID:  "txn-1",
		ReceiptID:      "rcpt-1",
		Type:           expense.MatchAuto,
		Confidence:     0.9,
	}
	require.NoError(t, store.ConfirmMatch(confirmed))

	all, err := store.ListMatches("org-1", MatchFilters{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := store.ListMatches("org-1", MatchFilters{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "match-c", active[0].ID)

	byType, err := store.ListMatches("org-1", MatchFilters{Type: expense.MatchSuggested})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "match-s", byType[0].ID)
}

func TestStorage_GetMatchStats(t *testing.T) {
	store := newTestStorage(t)
	require.NoError(t, store.SaveTransaction(testTransaction("txn-1")))
	require.NoError(t, store.SaveTransaction(testTransaction("txn-2")))
	require.NoError(t, store.SaveReceipt(testReceipt("rcpt-1")))

	match := &expense.Match{
		ID:             "match-1",
		OrganizationID: "org-1",
		TransactionID:  "txn-1",
		ReceiptID:      "rcpt-1",
		Type:           expense.MatchAuto,
		Confidence:     0.9,
	}
	require.NoError(t, store.ConfirmMatch(match))

	stats, err := store.GetMatchStats("org-1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalMatches)
	assert.Equal(t, 1, stats.ActiveMatches)
	assert.Equal(t, 1, stats.CountByType[expense.MatchAuto])
	assert.InDelta(t, 0.9, stats.AverageConfidence, 1e-9)
	assert.Equal(t, 1, stats.UnmatchedTxns, "txn-2 remains unmatched")
	assert.Equal(t, 0, stats.UnmatchedReceipts)
}

func TestStorage_MerchantMappings_Roundtrip(t *testing.T) {
	store := newTestStorage(t)

	mapping := &expense.MerchantMapping{
		ID:             "map-1",
		OrganizationID: "org-1",
		CanonicalName:  "Starbucks Coffee",
		Variants:       []string{"STARBUCKS STORE #1234", "SQ *STARBUCKS"},
		Confidence:     0.92,
		UsageCount:     3,
	}
	require.NoError(t, store.UpsertMerchantMapping(mapping))

	// Upsert on the same canonical name updates in place
	mapping.UsageCount = 4
	mapping.Variants = append(mapping.Variants, "STARBUCKS 5678")
	require.NoError(t, store.UpsertMerchantMapping(mapping))

	mappings, err := store.ListMerchantMappings("org-1")
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, 4, mappings[0].UsageCount)
	assert.Len(t, mappings[0].Variants, 3)
	assert.False(t, mappings[0].Verified)

	require.NoError(t, store.VerifyMerchantMapping("org-1", "map-1"))
	mappings, err = store.ListMerchantMappings("org-1")
	require.NoError(t, err)
	assert.True(t, mappings[0].Verified)
}

func TestStorage_VerifyMerchantMapping_NotFound(t *testing.T) {
	store := newTestStorage(t)
	err := store.VerifyMerchantMapping("org-1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStorage_FeedbackSamples_JoinMatchEvidence(t *testing.T) {
	store := newTestStorage(t)
	require.NoError(t, store.SaveTransaction(testTransaction("txn-1")))
	require.NoError(t, store.SaveReceipt(testReceipt("rcpt-1")))

	match := &expense.Match{
		ID:             "match-1",
		OrganizationID: "org-1",
		TransactionID:  "txn-1",
		ReceiptID:      "rcpt-1",
		Type:           expense.MatchAuto,
		Confidence:     0.88,
		Criteria:       expense.MatchCriteria{AmountScore: 1.0, AmountMatched: true},
	}
	require.NoError(t, store.ConfirmMatch(match))

	feedback := &expense.LearningFeedback{
		ID:             "fb-1",
		OrganizationID: "org-1",
		MatchID:        "match-1",
		TransactionID:  "txn-1",
		ReceiptID:      "rcpt-1",
		WasCorrect:     false,
		Notes:          "wrong receipt",
	}
	require.NoError(t, store.SaveFeedback(feedback))

	samples, err := store.ListFeedbackSamples("org-1", time.Time{})
	require.NoError(t, err)
	require.Len(t, samples, 1)

	assert.Equal(t, "fb-1", samples[0].Feedback.ID)
	assert.False(t, samples[0].Feedback.WasCorrect)
	assert.Equal(t, expense.MatchAuto, samples[0].MatchType)
	assert.InDelta(t, 0.88, samples[0].Confidence, 1e-9)
	assert.True(t, samples[0].Criteria.AmountMatched, "criteria come through the join")
}

func TestStorage_MatchingConfig_Roundtrip(t *testing.T) {
	store := newTestStorage(t)

	_, err := store.GetMatchingConfig("org-1")
	assert.ErrorIs(t, err, ErrNotFound)

	cfg := expense.DefaultMatchingConfig("org-1")
	cfg.AutoThreshold = 0.9
	require.NoError(t, store.SaveMatchingConfig(&cfg))

	loaded, err := store.GetMatchingConfig("org-1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", loaded.OrganizationID)
	assert.InDelta(t, 0.9, loaded.AutoThreshold, 1e-9)
	assert.Equal(t, cfg.DateWindowDays, loaded.DateWindowDays)
	assert.False(t, loaded.UpdatedAt.IsZero())
}

func TestStorage_MatchRuns_Lifecycle(t *testing.T) {
	store := newTestStorage(t)

	runID, err := store.StartRun("org-1", "bulk_match")
	require.NoError(t, err)
	require.NotZero(t, runID)

	run, err := store.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, "running", run.Status)
	assert.Nil(t, run.CompletedAt)

	require.NoError(t, store.CompleteRun(runID, 100, 40, 25, 2, "completed"))

	run, err = store.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, "completed", run.Status)
	assert.Equal(t, 100, run.Processed)
	assert.Equal(t, 40, run.Matched)
	assert.Equal(t, 25, run.Suggested)
	assert.Equal(t, 2, run.Errored)
	require.NotNil(t, run.CompletedAt)

	runs, err := store.ListRuns("org-1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].ID)
}

func TestStorage_CompleteRun_NotFound(t *testing.T) {
	store := newTestStorage(t)
	err := store.CompleteRun(999, 0, 0, 0, 0, "completed")
	assert.ErrorIs(t, err, ErrNotFound)
}
