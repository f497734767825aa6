package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/g-caf/expense-match-backend/internal/domain/expense"
)

// Storage provides SQLite database access for the matching subsystem.
// It implements the Repository interface.
type Storage struct {
	db     *sql.DB
	logger *slog.Logger
}

// Compile-time check that Storage implements Repository
var _ Repository = (*Storage)(nil)

// NewStorage creates a new storage instance with SQLite database
func NewStorage(dbPath string, logger *slog.Logger) (*Storage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// _txlock=immediate makes write transactions take the write lock at
	// BEGIN, so two concurrent confirmations serialize instead of both
	// reading the same "no active match" state.
	db, err := sql.Open("sqlite3", dbPath+"?_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	// Enable foreign key constraints (SQLite-specific)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Storage{db: db, logger: logger}

	// Run all pending migrations
	if err := s.runMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	return s.db.Close()
}

// isConstraintErr reports whether err is a SQLite uniqueness violation.
func isConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

// placeholders returns "?, ?, ..." for n arguments.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// --- Transactions ---

// SaveTransaction inserts or replaces a transaction
func (s *Storage) SaveTransaction(txn *expense.Transaction) error {
	locationJSON, err := marshalLocation(txn.Location)
	if err != nil {
		return fmt.Errorf("failed to encode location: %w", err)
	}

	query := `
	INSERT OR REPLACE INTO transactions
	(id, organization_id, amount, currency, txn_date, posted_date,
	 description, merchant_name, category, location_json, user_id,
	 account_id, status, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`

	_, err = s.db.Exec(query,
		txn.ID,
		txn.OrganizationID,
		txn.Amount.String(),
		txn.Currency,
		txn.Date,
		txn.PostedDate,
		txn.Description,
		txn.MerchantName,
		txn.Category,
		locationJSON,
		txn.UserID,
		txn.AccountID,
		string(txn.Status),
		nullableTime(txn.CreatedAt),
	)
	return err
}

const transactionColumns = `id, organization_id, amount, currency, txn_date,
	posted_date, description, merchant_name, category, location_json,
	user_id, account_id, status, created_at`

// GetTransaction retrieves a transaction by ID within an organization
func (s *Storage) GetTransaction(orgID, id string) (*expense.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE organization_id = ? AND id = ?`

	txn, err := scanTransaction(s.db.QueryRow(query, orgID, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return txn, err
}

// ListUnmatchedTransactions returns unclaimed, not-yet-matched transactions,
// oldest first
func (s *Storage) ListUnmatchedTransactions(orgID string, limit, offset int) ([]*expense.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE organization_id = ?
		  AND status IN ('pending', 'processed')
		  AND claimed_at IS NULL
		ORDER BY txn_date ASC
		LIMIT ? OFFSET ?`

	rows, err := s.db.Query(query, orgID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var txns []*expense.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

// ClaimTransactions marks transactions in-progress for a bulk run
func (s *Storage) ClaimTransactions(orgID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`UPDATE transactions
		SET claimed_at = CURRENT_TIMESTAMP
		WHERE organization_id = ? AND claimed_at IS NULL AND id IN (%s)`,
		placeholders(len(ids)))

	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, orgID)
	for _, id := range ids {
		args = append(args, id)
	}

	result, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	claimed, err := result.RowsAffected()
	return int(claimed), err
}

// ReleaseTransactions clears the in-progress claim
func (s *Storage) ReleaseTransactions(orgID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	query := fmt.Sprintf(`UPDATE transactions SET claimed_at = NULL
		WHERE organization_id = ? AND id IN (%s)`, placeholders(len(ids)))

	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, orgID)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.Exec(query, args...)
	return err
}

// SetTransactionStatus updates a transaction's lifecycle status
func (s *Storage) SetTransactionStatus(orgID, id string, status expense.TransactionStatus) error {
	result, err := s.db.Exec(
		`UPDATE transactions SET status = ? WHERE organization_id = ? AND id = ?`,
		string(status), orgID, id)
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

// --- Receipts ---

// SaveReceipt inserts or replaces a receipt
func (s *Storage) SaveReceipt(rcpt *expense.Receipt) error {
	locationJSON, err := marshalLocation(rcpt.Location)
	if err != nil {
		return fmt.Errorf("failed to encode location: %w", err)
	}
	fieldsJSON := ""
	if len(rcpt.Fields) > 0 {
		data, err := json.Marshal(rcpt.Fields)
		if err != nil {
			return fmt.Errorf("failed to encode extracted fields: %w", err)
		}
		fieldsJSON = string(data)
	}

	query := `
	INSERT OR REPLACE INTO receipts
	(id, organization_id, total, currency, receipt_date, merchant_name,
	 merchant_id, location_json, uploader_id, status, fields_json, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`

	_, err = s.db.Exec(query,
		rcpt.ID,
		rcpt.OrganizationID,
		rcpt.Total.String(),
		rcpt.Currency,
		rcpt.Date,
		rcpt.MerchantName,
		rcpt.MerchantID,
		locationJSON,
		rcpt.UploaderID,
		string(rcpt.Status),
		fieldsJSON,
		nullableTime(rcpt.CreatedAt),
	)
	return err
}

const receiptColumns = `id, organization_id, total, currency, receipt_date,
	merchant_name, merchant_id, location_json, uploader_id, status,
	fields_json, created_at`

// GetReceipt retrieves a receipt by ID within an organization
func (s *Storage) GetReceipt(orgID, id string) (*expense.Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts
		WHERE organization_id = ? AND id = ?`

	rcpt, err := scanReceipt(s.db.QueryRow(query, orgID, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rcpt, err
}

// ListUnmatchedReceipts returns unclaimed, not-yet-matched receipts, oldest first
func (s *Storage) ListUnmatchedReceipts(orgID string, limit, offset int) ([]*expense.Receipt, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + receiptColumns + ` FROM receipts
		WHERE organization_id = ?
		  AND status IN ('uploaded', 'processed')
		  AND claimed_at IS NULL
		ORDER BY receipt_date ASC
		LIMIT ? OFFSET ?`

	rows, err := s.db.Query(query, orgID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var rcpts []*expense.Receipt
	for rows.Next() {
		rcpt, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		rcpts = append(rcpts, rcpt)
	}
	return rcpts, rows.Err()
}

// ClaimReceipts marks receipts in-progress for a bulk run
func (s *Storage) ClaimReceipts(orgID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`UPDATE receipts
		SET claimed_at = CURRENT_TIMESTAMP
		WHERE organization_id = ? AND claimed_at IS NULL AND id IN (%s)`,
		placeholders(len(ids)))

	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, orgID)
	for _, id := range ids {
		args = append(args, id)
	}

	result, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	claimed, err := result.RowsAffected()
	return int(claimed), err
}

// ReleaseReceipts clears the in-progress claim
func (s *Storage) ReleaseReceipts(orgID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	query := fmt.Sprintf(`UPDATE receipts SET claimed_at = NULL
		WHERE organization_id = ? AND id IN (%s)`, placeholders(len(ids)))

	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, orgID)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.Exec(query, args...)
	return err
}

// SetReceiptStatus updates a receipt's lifecycle status
func (s *Storage) SetReceiptStatus(orgID, id string, status expense.ReceiptStatus) error {
	result, err := s.db.Exec(
		`UPDATE receipts SET status = ? WHERE organization_id = ? AND id = ?`,
		string(status), orgID, id)
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

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*expense.Transaction, error) {
	txn := &expense.Transaction{}
	var amount, locationJSON, status string
	var postedDate sql.NullTime

	err := row.Scan(
		&txn.ID,
		&txn.OrganizationID,
		&amount,
		&txn.Currency,
		&txn.Date,
		&postedDate,
		&txn.Description,
		&txn.MerchantName,
		&txn.Category,
		&locationJSON,
		&txn.UserID,
		&txn.AccountID,
		&status,
		&txn.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	txn.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("malformed amount %q: %w", amount, err)
	}
	txn.Status = expense.TransactionStatus(status)
	if postedDate.Valid {
		t := postedDate.Time
		txn.PostedDate = &t
	}
	txn.Location, err = unmarshalLocation(locationJSON)
	if err != nil {
		return nil, err
	}
	return txn, nil
}

func scanReceipt(row rowScanner) (*expense.Receipt, error) {
	rcpt := &expense.Receipt{}
	var total, locationJSON, fieldsJSON, status string

	err := row.Scan(
		&rcpt.ID,
		&rcpt.OrganizationID,
		&total,
		&rcpt.Currency,
		&rcpt.Date,
		&rcpt.MerchantName,
		&rcpt.MerchantID,
		&locationJSON,
		&rcpt.UploaderID,
		&status,
		&fieldsJSON,
		&rcpt.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rcpt.Total, err = decimal.NewFromString(total)
	if err != nil {
		return nil, fmt.Errorf("malformed total %q: %w", total, err)
	}
	rcpt.Status = expense.ReceiptStatus(status)
	rcpt.Location, err = unmarshalLocation(locationJSON)
	if err != nil {
		return nil, err
	}
	if fieldsJSON != "" {
		if err := json.Unmarshal([]byte(fieldsJSON), &rcpt.Fields); err != nil {
			return nil, fmt.Errorf("malformed extracted fields: %w", err)
		}
	}
	return rcpt, nil
}

func marshalLocation(loc *expense.Location) (string, error) {
	if loc == nil {
		return "", nil
	}
	data, err := json.Marshal(loc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalLocation(raw string) (*expense.Location, error) {
	if raw == "" {
		return nil, nil
	}
	loc := &expense.Location{}
	if err := json.Unmarshal([]byte(raw), loc); err != nil {
		return nil, fmt.Errorf("malformed location: %w", err)
	}
	return loc, nil
}

// nullableTime maps the zero time to NULL so CURRENT_TIMESTAMP applies.
func nullableTime(t interface{ IsZero() bool }) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
