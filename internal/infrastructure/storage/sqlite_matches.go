package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/g-caf/expense-match-backend/internal/domain/expense"
	"github.com/g-caf/expense-match-backend/internal/domain/learning"
)

// --- Matches ---

// InsertMatch records a non-active match (suggested or rejected)
func (s *Storage) InsertMatch(m *expense.Match) error {
	criteriaJSON, err := json.Marshal(m.Criteria)
	if err != nil {
		return fmt.Errorf("failed to encode criteria: %w", err)
	}

	query := `
	INSERT INTO matches
	(id, organization_id, transaction_id, receipt_id, match_type,
	 confidence, criteria_json, confirmed_by, active, notes, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`

	_, err = s.db.Exec(query,
		m.ID,
		m.OrganizationID,
		m.TransactionID,
		m.ReceiptID,
		string(m.Type),
		m.Confidence,
		string(criteriaJSON),
		m.ConfirmedBy,
		m.Notes,
		nullableTime(m.CreatedAt),
	)
	return err
}

// ConfirmMatch atomically deactivates any existing active match on either
// side, inserts the new active match and updates both records' statuses.
// The whole sequence runs in one immediate transaction; the unique partial
// indexes on active matches turn a lost race into ErrConflict.
func (s *Storage) ConfirmMatch(m *expense.Match) error {
	criteriaJSON, err := json.Marshal(m.Criteria)
	if err != nil {
		return fmt.Errorf("failed to encode criteria: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Deactivate priors on both sides and free their counterparts.
	rows, err := tx.Query(`
		SELECT id, transaction_id, receipt_id FROM matches
		WHERE organization_id = ? AND active = 1
		  AND (transaction_id = ? OR receipt_id = ?)`,
		m.OrganizationID, m.TransactionID, m.ReceiptID)
	if err != nil {
		return err
	}

	type prior struct{ id, txnID, rcptID string }
	var priors []prior
	for rows.Next() {
		var p prior
		if err := rows.Scan(&p.id, &p.txnID, &p.rcptID); err != nil {
			_ = rows.Close()
			return err
		}
		priors = append(priors, p)
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, p := range priors {
		if _, err := tx.Exec(`UPDATE matches SET active = 0 WHERE id = ?`, p.id); err != nil {
			return err
		}
		// The superseded counterpart becomes matchable again.
		if p.txnID != m.TransactionID {
			if _, err := tx.Exec(
				`UPDATE transactions SET status = 'processed' WHERE organization_id = ? AND id = ?`,
				m.OrganizationID, p.txnID); err != nil {
				return err
			}
		}
		if p.rcptID != m.ReceiptID {
			if _, err := tx.Exec(
				`UPDATE receipts SET status = 'processed' WHERE organization_id = ? AND id = ?`,
				m.OrganizationID, p.rcptID); err != nil {
				return err
			}
		}
	}

	_, err = tx.Exec(`
		INSERT INTO matches
		(id, organization_id, transaction_id, receipt_id, match_type,
		 confidence, criteria_json, confirmed_by, active, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, COALESCE(?, CURRENT_TIMESTAMP))`,
		m.ID,
		m.OrganizationID,
		m.TransactionID,
		m.ReceiptID,
		string(m.Type),
		m.Confidence,
		string(criteriaJSON),
		m.ConfirmedBy,
		m.Notes,
		nullableTime(m.CreatedAt),
	)
	if err != nil {
		if isConstraintErr(err) {
			return ErrConflict
		}
		return err
	}

	_, err = tx.Exec(
		`UPDATE transactions SET status = 'matched', claimed_at = NULL
		 WHERE organization_id = ? AND id = ?`,
		m.OrganizationID, m.TransactionID)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`UPDATE receipts SET status = 'matched', claimed_at = NULL
		 WHERE organization_id = ? AND id = ?`,
		m.OrganizationID, m.ReceiptID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

const matchColumns = `id, organization_id, transaction_id, receipt_id,
	match_type, confidence, criteria_json, confirmed_by, active, notes,
	created_at`

// GetMatch retrieves a match by ID within an organization
func (s *Storage) GetMatch(orgID, id string) (*expense.Match, error) {
	query := `SELECT ` + matchColumns + ` FROM matches
		WHERE organization_id = ? AND id = ?`

	m, err := scanMatch(s.db.QueryRow(query, orgID, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return m, err
}

// GetActiveMatchByTransaction returns the active match for a transaction
func (s *Storage) GetActiveMatchByTransaction(orgID, txnID string) (*expense.Match, error) {
	query := `SELECT ` + matchColumns + ` FROM matches
		WHERE organization_id = ? AND transaction_id = ? AND active = 1`

	m, err := scanMatch(s.db.QueryRow(query, orgID, txnID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return m, err
}

// GetActiveMatchByReceipt returns the active match for a receipt
func (s *Storage) GetActiveMatchByReceipt(orgID, rcptID string) (*expense.Match, error) {
	query := `SELECT ` + matchColumns + ` FROM matches
		WHERE organization_id = ? AND receipt_id = ? AND active = 1`

	m, err := scanMatch(s.db.QueryRow(query, orgID, rcptID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return m, err
}

// ListMatches returns matches for an organization, newest first
func (s *Storage) ListMatches(orgID string, filters MatchFilters) ([]*expense.Match, error) {
	query := `SELECT ` + matchColumns + ` FROM matches WHERE organization_id = ?`
	args := []interface{}{orgID}

	if filters.Type != "" {
		query += ` AND match_type = ?`
		args = append(args, string(filters.Type))
	}
	if filters.ActiveOnly {
		query += ` AND active = 1`
	}
	if !filters.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filters.Since)
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filters.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var matches []*expense.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// DeactivateMatch flips a match to inactive with the given type and resets
// both sides' lifecycle statuses
func (s *Storage) DeactivateMatch(orgID, matchID string, newType expense.MatchType) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var txnID, rcptID string
	var active bool
	err = tx.QueryRow(
		`SELECT transaction_id, receipt_id, active FROM matches
		 WHERE organization_id = ? AND id = ?`,
		orgID, matchID).Scan(&txnID, &rcptID, &active)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	_, err = tx.Exec(
		`UPDATE matches SET active = 0, match_type = ? WHERE organization_id = ? AND id = ?`,
		string(newType), orgID, matchID)
	if err != nil {
		return err
	}

	if active {
		if _, err := tx.Exec(
			`UPDATE transactions SET status = 'processed' WHERE organization_id = ? AND id = ?`,
			orgID, txnID); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`UPDATE receipts SET status = 'processed' WHERE organization_id = ? AND id = ?`,
			orgID, rcptID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetMatchStats aggregates match counts for the metrics endpoint
func (s *Storage) GetMatchStats(orgID string, since time.Time) (*MatchStats, error) {
	stats := &MatchStats{CountByType: make(map[expense.MatchType]int)}

	rows, err := s.db.Query(`
		SELECT match_type, COUNT(*), COALESCE(AVG(confidence), 0), SUM(active)
		FROM matches
		WHERE organization_id = ? AND created_at >= ?
		GROUP BY match_type`,
		orgID, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var confidenceSum float64
	for rows.Next() {
		var matchType string
		var count, activeCount int
		var avgConfidence float64
		if err := rows.Scan(&matchType, &count, &avgConfidence, &activeCount); err != nil {
			return nil, err
		}
		stats.CountByType[expense.MatchType(matchType)] = count
		stats.TotalMatches += count
		stats.ActiveMatches += activeCount
		confidenceSum += avgConfidence * float64(count)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if stats.TotalMatches > 0 {
		stats.AverageConfidence = confidenceSum / float64(stats.TotalMatches)
	}

	err = s.db.QueryRow(`
		SELECT COUNT(*) FROM transactions
		WHERE organization_id = ? AND status IN ('pending', 'processed')`,
		orgID).Scan(&stats.UnmatchedTxns)
	if err != nil {
		return nil, err
	}
	err = s.db.QueryRow(`
		SELECT COUNT(*) FROM receipts
		WHERE organization_id = ? AND status IN ('uploaded', 'processed')`,
		orgID).Scan(&stats.UnmatchedReceipts)
	if err != nil {
		return nil, err
	}

	return stats, nil
}

func scanMatch(row rowScanner) (*expense.Match, error) {
	m := &expense.Match{}
	var matchType, criteriaJSON string

	err := row.Scan(
		&m.ID,
		&m.OrganizationID,
		&m.TransactionID,
		&m.ReceiptID,
		&matchType,
		&m.Confidence,
		&criteriaJSON,
		&m.ConfirmedBy,
		&m.Active,
		&m.Notes,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.Type = expense.MatchType(matchType)
	if criteriaJSON != "" {
		if err := json.Unmarshal([]byte(criteriaJSON), &m.Criteria); err != nil {
			return nil, fmt.Errorf("malformed criteria: %w", err)
		}
	}
	return m, nil
}

// --- Merchant mappings ---

// ListMerchantMappings returns all canonical mappings for an organization
func (s *Storage) ListMerchantMappings(orgID string) ([]*expense.MerchantMapping, error) {
	rows, err := s.db.Query(`
		SELECT id, organization_id, canonical_name, variants_json, confidence,
		       usage_count, verified, last_used_at, created_at
		FROM merchant_mappings
		WHERE organization_id = ?
		ORDER BY usage_count DESC`,
		orgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var mappings []*expense.MerchantMapping
	for rows.Next() {
		m := &expense.MerchantMapping{}
		var variantsJSON string
		var lastUsed sql.NullTime
		err := rows.Scan(
			&m.ID,
			&m.OrganizationID,
			&m.CanonicalName,
			&variantsJSON,
			&m.Confidence,
			&m.UsageCount,
			&m.Verified,
			&lastUsed,
			&m.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if variantsJSON != "" {
			if err := json.Unmarshal([]byte(variantsJSON), &m.Variants); err != nil {
				return nil, fmt.Errorf("malformed variants: %w", err)
			}
		}
		if lastUsed.Valid {
			m.LastUsedAt = lastUsed.Time
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// UpsertMerchantMapping inserts or updates a canonical mapping
func (s *Storage) UpsertMerchantMapping(m *expense.MerchantMapping) error {
	variantsJSON, err := json.Marshal(m.Variants)
	if err != nil {
		return fmt.Errorf("failed to encode variants: %w", err)
	}

	query := `
	INSERT INTO merchant_mappings
	(id, organization_id, canonical_name, variants_json, confidence,
	 usage_count, verified, last_used_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	ON CONFLICT(organization_id, canonical_name) DO UPDATE SET
		variants_json = excluded.variants_json,
		confidence = excluded.confidence,
		usage_count = excluded.usage_count,
		verified = verified OR excluded.verified,
		last_used_at = excluded.last_used_at
	`

	_, err = s.db.Exec(query,
		m.ID,
		m.OrganizationID,
		m.CanonicalName,
		string(variantsJSON),
		m.Confidence,
		m.UsageCount,
		m.Verified,
		nullableTime(m.LastUsedAt),
		nullableTime(m.CreatedAt),
	)
	return err
}

// VerifyMerchantMapping marks a mapping human-confirmed
func (s *Storage) VerifyMerchantMapping(orgID, id string) error {
	result, err := s.db.Exec(
		`UPDATE merchant_mappings SET verified = 1 WHERE organization_id = ? AND id = ?`,
		orgID, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Learning feedback ---

// SaveFeedback appends one feedback record
func (s *Storage) SaveFeedback(f *expense.LearningFeedback) error {
	query := `
	INSERT INTO learning_feedback
	(id, organization_id, match_id, transaction_id, receipt_id, was_correct,
	 correct_transaction_id, correct_receipt_id, notes, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`

	_, err := s.db.Exec(query,
		f.ID,
		f.OrganizationID,
		f.MatchID,
		f.TransactionID,
		f.ReceiptID,
		f.WasCorrect,
		f.CorrectTxnID,
		f.CorrectRcptID,
		f.Notes,
		nullableTime(f.CreatedAt),
	)
	return err
}

// ListFeedbackSamples returns feedback joined with the judged match's
// evidence, for the learning engine
func (s *Storage) ListFeedbackSamples(orgID string, since time.Time) ([]learning.Sample, error) {
	rows, err := s.db.Query(`
		SELECT f.id, f.organization_id, f.match_id, f.transaction_id,
		       f.receipt_id, f.was_correct, f.correct_transaction_id,
		       f.correct_receipt_id, f.notes, f.created_at,
		       m.criteria_json, m.confidence, m.match_type
		FROM learning_feedback f
		JOIN matches m ON m.id = f.match_id
		WHERE f.organization_id = ? AND f.created_at >= ?
		ORDER BY f.created_at ASC`,
		orgID, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var samples []learning.Sample
	for rows.Next() {
		var sample learning.Sample
		var criteriaJSON, matchType string
		err := rows.Scan(
			&sample.Feedback.ID,
			&sample.Feedback.OrganizationID,
			&sample.Feedback.MatchID,
			&sample.Feedback.TransactionID,
			&sample.Feedback.ReceiptID,
			&sample.Feedback.WasCorrect,
			&sample.Feedback.CorrectTxnID,
			&sample.Feedback.CorrectRcptID,
			&sample.Feedback.Notes,
			&sample.Feedback.CreatedAt,
			&criteriaJSON,
			&sample.Confidence,
			&matchType,
		)
		if err != nil {
			return nil, err
		}
		sample.MatchType = expense.MatchType(matchType)
		if criteriaJSON != "" {
			if err := json.Unmarshal([]byte(criteriaJSON), &sample.Criteria); err != nil {
				return nil, fmt.Errorf("malformed criteria: %w", err)
			}
		}
		samples = append(samples, sample)
	}
	return samples, rows.Err()
}

// --- Matching config ---

// GetMatchingConfig loads an organization's stored config
func (s *Storage) GetMatchingConfig(orgID string) (*expense.MatchingConfig, error) {
	var configJSON string
	var updatedAt time.Time
	err := s.db.QueryRow(
		`SELECT config_json, updated_at FROM matching_configs WHERE organization_id = ?`,
		orgID).Scan(&configJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	cfg := &expense.MatchingConfig{}
	if err := json.Unmarshal([]byte(configJSON), cfg); err != nil {
		return nil, fmt.Errorf("malformed config: %w", err)
	}
	cfg.OrganizationID = orgID
	cfg.UpdatedAt = updatedAt
	return cfg, nil
}

// SaveMatchingConfig stores an organization's config
func (s *Storage) SaveMatchingConfig(cfg *expense.MatchingConfig) error {
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	query := `
	INSERT INTO matching_configs (organization_id, config_json, updated_at)
	VALUES (?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(organization_id) DO UPDATE SET
		config_json = excluded.config_json,
		updated_at = CURRENT_TIMESTAMP
	`
	_, err = s.db.Exec(query, cfg.OrganizationID, string(configJSON))
	return err
}

// --- Match runs ---

// StartRun records the start of a matching run and returns the run ID
func (s *Storage) StartRun(orgID, jobType string) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO match_runs (organization_id, job_type, status) VALUES (?, ?, 'running')`,
		orgID, jobType)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// CompleteRun records the completion of a matching run
func (s *Storage) CompleteRun(runID int64, processed, matched, suggested, errored int, status string) error {
	result, err := s.db.Exec(`
		UPDATE match_runs
		SET completed_at = CURRENT_TIMESTAMP, processed = ?, matched = ?,
		    suggested = ?, errored = ?, status = ?
		WHERE id = ?`,
		processed, matched, suggested, errored, status, runID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRuns returns recent matching runs for an organization
func (s *Storage) ListRuns(orgID string, limit int) ([]MatchRun, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT id, organization_id, job_type, started_at, completed_at,
		       processed, matched, suggested, errored, status
		FROM match_runs
		WHERE organization_id = ?
		ORDER BY started_at DESC
		LIMIT ?`,
		orgID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var runs []MatchRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// GetRun retrieves a matching run by ID
func (s *Storage) GetRun(runID int64) (*MatchRun, error) {
	run, err := scanRun(s.db.QueryRow(`
		SELECT id, organization_id, job_type, started_at, completed_at,
		       processed, matched, suggested, errored, status
		FROM match_runs WHERE id = ?`,
		runID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return run, err
}

func scanRun(row rowScanner) (*MatchRun, error) {
	run := &MatchRun{}
	var completedAt sql.NullTime
	err := row.Scan(
		&run.ID,
		&run.OrganizationID,
		&run.JobType,
		&run.StartedAt,
		&completedAt,
		&run.Processed,
		&run.Matched,
		&run.Suggested,
		&run.Errored,
		&run.Status,
	)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return run, nil
}
