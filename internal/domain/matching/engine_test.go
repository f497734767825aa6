package matching

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g-caf/expense-match-backend/internal/domain/expense"
	"github.com/g-caf/expense-match-backend/internal/domain/merchant"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := expense.DefaultMatchingConfig("org1")
	m := merchant.NewMatcher("org1", cfg.MerchantSimilarityThreshold, nil)
	return NewEngine(cfg, m, nil)
}

func makeTxn(amount float64, date time.Time, merchantName, userID string) *expense.Transaction {
	return &expense.Transaction{
		ID:             "txn1",
		OrganizationID: "org1",
		Amount:         decimal.NewFromFloat(amount),
		Currency:       "USD",
		Date:           date,
		Description:    merchantName,
		MerchantName:   merchantName,
		UserID:         userID,
		Status:         expense.TransactionProcessed,
	}
}

func makeReceipt(total float64, date time.Time, merchantName, uploaderID string) *expense.Receipt {
	return &expense.Receipt{
		ID:             "rcpt1",
		OrganizationID: "org1",
		Total:          decimal.NewFromFloat(total),
		Currency:       "USD",
		Date:           date,
		MerchantName:   merchantName,
		UploaderID:     uploaderID,
		Status:         expense.ReceiptProcessed,
	}
}

var day = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

func TestScorePair_PerfectMatch(t *testing.T) {
	e := testEngine(t)

	txn := makeTxn(12.50, day, "Starbucks", "u1")
	rcpt := makeReceipt(12.50, day, "Starbucks", "u1")

	c, err := e.ScorePair(txn, rcpt)
	require.NoError(t, err)

	assert.Equal(t, 1.0, c.Confidence)
	assert.Equal(t, ClassAuto, c.Classification)
	assert.True(t, c.Criteria.AmountMatched)
	assert.True(t, c.Criteria.DateMatched)
	assert.True(t, c.Criteria.MerchantMatched)
}

func TestScorePair_StarbucksExample(t *testing.T) {
	// Truncated bank descriptor vs full receipt merchant: still auto.
	e := testEngine(t)

	txn := makeTxn(12.50, day, "Starbucks", "u1")
	rcpt := makeReceipt(12.50, day, "Starbucks Coffee #1234", "u1")

	c, err := e.ScorePair(txn, rcpt)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, c.Criteria.MerchantScore, 0.7)
	assert.Equal(t, 1.0, c.Criteria.AmountScore)
	assert.Equal(t, 1.0, c.Criteria.DateScore)
	assert.Equal(t, 1.0, c.Criteria.UserScore)
	assert.Equal(t, 1.0, c.Criteria.CurrencyScore)
	assert.GreaterOrEqual(t, c.Confidence, 0.85)
	assert.Equal(t, ClassAuto, c.Classification)
}

func TestScorePair_AmountMismatchExcluded(t *testing.T) {
	e := testEngine(t)

	txn := makeTxn(12.50, day, "Starbucks", "u1")
	rcpt := makeReceipt(89.99, day, "Starbucks Coffee #1234", "u1")

	c, err := e.ScorePair(txn, rcpt)
	require.NoError(t, err)

	assert.Equal(t, 0.0, c.Criteria.AmountScore)
	assert.Less(t, c.Confidence, e.Config().SuggestThreshold)

	// And the candidate search drops it entirely.
	results := e.FindCandidatesForTransaction(txn, []*expense.Receipt{rcpt})
	assert.Empty(t, results)
}

func TestScoreAmount_MonotoneDecay(t *testing.T) {
	e := testEngine(t)

	// $100 with 5% tolerance: matched out to $5 difference.
	amounts := []float64{100.00, 100.50, 102.00, 104.99}
	prev := 2.0
	for _, total := range amounts {
		score, matched := e.scoreAmount(decimal.NewFromFloat(100), decimal.NewFromFloat(total))
		assert.True(t, matched, "amount %v should be within tolerance", total)
		assert.Less(t, score, prev)
		prev = score
	}

	// Beyond max(5% * 100, 1.00) = 5.00: exactly zero.
	score, matched := e.scoreAmount(decimal.NewFromFloat(100), decimal.NewFromFloat(105.01))
	assert.False(t, matched)
	assert.Equal(t, 0.0, score)
}

func TestScoreAmount_FixedToleranceFloor(t *testing.T) {
	e := testEngine(t)

	// 5% of $4 is 20 cents, but the $1 fixed tolerance governs small amounts.
	_, matched := e.scoreAmount(decimal.NewFromFloat(4.00), decimal.NewFromFloat(4.80))
	assert.True(t, matched)

	_, matched = e.scoreAmount(decimal.NewFromFloat(4.00), decimal.NewFromFloat(5.10))
	assert.False(t, matched)
}

func TestScoreAmount_ExactMatchWithZeroTolerance(t *testing.T) {
	// Identical amounts score 1.0 even when every tolerance is disabled.
	cfg := expense.DefaultMatchingConfig("org1")
	cfg.AmountTolerancePercent = 0
	cfg.AmountToleranceFixed = decimal.Zero
	m := merchant.NewMatcher("org1", cfg.MerchantSimilarityThreshold, nil)
	e := NewEngine(cfg, m, nil)

	score, matched := e.scoreAmount(decimal.NewFromFloat(42.17), decimal.NewFromFloat(42.17))
	assert.True(t, matched)
	assert.Equal(t, 1.0, score)

	// Any difference at zero tolerance is a mismatch.
	_, matched = e.scoreAmount(decimal.NewFromFloat(42.17), decimal.NewFromFloat(42.18))
	assert.False(t, matched)
}

func TestScoreAmount_SignedTransactions(t *testing.T) {
	// Card debits come through negative; receipts carry plain totals.
	e := testEngine(t)
	score, matched := e.scoreAmount(decimal.NewFromFloat(-12.50), decimal.NewFromFloat(12.50))
	assert.True(t, matched)
	assert.Equal(t, 1.0, score)
}

func TestScoreDate_WindowEdges(t *testing.T) {
	e := testEngine(t)

	txn := makeTxn(10, day, "Cafe", "u1")

	// Same day: exactly 1.0
	score, matched := e.scoreDate(txn, makeReceipt(10, day, "Cafe", "u1"))
	assert.True(t, matched)
	assert.Equal(t, 1.0, score)

	// Within window: degraded
	score, matched = e.scoreDate(txn, makeReceipt(10, day.AddDate(0, 0, 3), "Cafe", "u1"))
	assert.True(t, matched)
	assert.InDelta(t, 1.0-3.0/7.0, score, 0.001)

	// Beyond the 7-day window: exactly zero
	score, matched = e.scoreDate(txn, makeReceipt(10, day.AddDate(0, 0, 8), "Cafe", "u1"))
	assert.False(t, matched)
	assert.Equal(t, 0.0, score)
}

func TestScoreDate_PostedDateUsedWhenCloser(t *testing.T) {
	e := testEngine(t)

	txn := makeTxn(10, day, "Cafe", "u1")
	posted := day.AddDate(0, 0, 2)
	txn.PostedDate = &posted

	// Receipt two days after the transaction date, same day as posting.
	score, matched := e.scoreDate(txn, makeReceipt(10, posted, "Cafe", "u1"))
	assert.True(t, matched)
	assert.Equal(t, 1.0, score)
}

func TestScorePair_LocationSkippedWhenAbsent(t *testing.T) {
	e := testEngine(t)

	txn := makeTxn(12.50, day, "Starbucks", "u1")
	rcpt := makeReceipt(12.50, day, "Starbucks", "u1")

	c, err := e.ScorePair(txn, rcpt)
	require.NoError(t, err)

	// No location on either side: the criterion is skipped, not zero-filled,
	// so a perfect pair still scores 1.0.
	assert.Nil(t, c.Criteria.LocationScore)
	assert.Equal(t, 1.0, c.Confidence)
}

func TestScorePair_LocationScoredWhenPresent(t *testing.T) {
	e := testEngine(t)

	txn := makeTxn(12.50, day, "Starbucks", "u1")
	txn.Location = &expense.Location{Latitude: 40.0, Longitude: -74.0}
	rcpt := makeReceipt(12.50, day, "Starbucks", "u1")
	rcpt.Location = &expense.Location{Latitude: 40.0, Longitude: -74.0}

	c, err := e.ScorePair(txn, rcpt)
	require.NoError(t, err)

	require.NotNil(t, c.Criteria.LocationScore)
	assert.InDelta(t, 1.0, *c.Criteria.LocationScore, 0.001)
}

func TestScorePair_DifferentUserWarning(t *testing.T) {
	e := testEngine(t)

	txn := makeTxn(12.50, day, "Starbucks", "u1")
	rcpt := makeReceipt(12.50, day, "Starbucks", "u2")

	c, err := e.ScorePair(txn, rcpt)
	require.NoError(t, err)

	assert.Equal(t, 0.0, c.Criteria.UserScore)
	assert.Contains(t, c.Criteria.Warnings, "Different users")
}

func TestScorePair_CurrencyMismatch(t *testing.T) {
	e := testEngine(t)

	txn := makeTxn(12.50, day, "Starbucks", "u1")
	rcpt := makeReceipt(12.50, day, "Starbucks", "u1")
	rcpt.Currency = "EUR"

	c, err := e.ScorePair(txn, rcpt)
	require.NoError(t, err)

	assert.Equal(t, 0.0, c.Criteria.CurrencyScore)
}

func TestScorePair_ReasonsArePopulated(t *testing.T) {
	e := testEngine(t)

	txn := makeTxn(12.50, day, "Starbucks", "u1")
	rcpt := makeReceipt(12.50, day, "Starbucks", "u1")

	c, err := e.ScorePair(txn, rcpt)
	require.NoError(t, err)

	assert.Contains(t, c.Criteria.Reasons, "Exact amount match")
	assert.Contains(t, c.Criteria.Reasons, "Same day")
	assert.Contains(t, c.Criteria.Reasons, "Same user")
}

func TestFindCandidates_RankedAndTruncated(t *testing.T) {
	cfg := expense.DefaultMatchingConfig("org1")
	cfg.MaxCandidates = 3
	e := NewEngine(cfg, merchant.NewMatcher("org1", cfg.MerchantSimilarityThreshold, nil), nil)

	txn := makeTxn(50.00, day, "Target", "u1")

	receipts := []*expense.Receipt{
		makeReceipt(50.00, day.AddDate(0, 0, 4), "Target", "u1"),
		makeReceipt(50.00, day, "Target", "u1"),
		makeReceipt(50.00, day.AddDate(0, 0, 2), "Target", "u1"),
		makeReceipt(50.00, day.AddDate(0, 0, 1), "Target", "u1"),
		makeReceipt(50.00, day.AddDate(0, 0, 6), "Target", "u1"),
	}
	for i, r := range receipts {
		r.ID = string(rune('a' + i))
	}

	results := e.FindCandidatesForTransaction(txn, receipts)

	require.Len(t, results, 3)
	assert.Equal(t, "b", results[0].Receipt.ID) // same-day receipt first
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i].Confidence, results[i-1].Confidence)
	}
}

func TestFindCandidates_MirrorDirection(t *testing.T) {
	e := testEngine(t)

	rcpt := makeReceipt(25.00, day, "Chipotle", "u1")
	txns := []*expense.Transaction{
		makeTxn(25.00, day, "Chipotle", "u1"),
		makeTxn(99.00, day, "Delta Air", "u2"),
	}
	txns[1].ID = "txn2"

	results := e.FindCandidatesForReceipt(rcpt, txns)

	require.Len(t, results, 1)
	assert.Equal(t, "txn1", results[0].Transaction.ID)
	assert.Equal(t, ClassAuto, results[0].Classification)
}

func TestScorePair_MalformedInput(t *testing.T) {
	e := testEngine(t)

	_, err := e.ScorePair(nil, makeReceipt(10, day, "Cafe", "u1"))
	assert.Error(t, err)

	_, err = e.ScorePair(makeTxn(0, day, "Cafe", "u1"), makeReceipt(0, day, "Cafe", "u1"))
	assert.Error(t, err)
}
