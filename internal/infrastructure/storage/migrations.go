package storage

import (
	"database/sql"
	"fmt"
)

// Migration represents a database schema migration
type Migration struct {
	Version int
	Name    string
	Up      func(*sql.Tx) error
}

// allMigrations defines all migrations in order
var allMigrations = []Migration{
	{
		Version: 1,
		Name:    "initial_schema",
		Up:      migration001InitialSchema,
	},
	{
		Version: 2,
		Name:    "active_match_indexes",
		Up:      migration002ActiveMatchIndexes,
	},
	{
		Version: 3,
		Name:    "add_match_runs_table",
		Up:      migration003AddMatchRunsTable,
	},
}

// runMigrations executes all pending migrations
func (s *Storage) runMigrations() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, migration := range allMigrations {
		if applied[migration.Version] {
			continue // Already applied
		}

		s.logger.Info("running migration", "version", migration.Version, "name", migration.Name)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", migration.Version, err)
		}

		if err := migration.Up(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", migration.Version, migration.Name, err)
		}

		_, err = tx.Exec(`
			INSERT INTO schema_migrations (version, name) VALUES (?, ?)
		`, migration.Version, migration.Name)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

// ensureMigrationsTable creates the schema_migrations table
func (s *Storage) ensureMigrationsTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	_, err := s.db.Exec(query)
	return err
}

// getAppliedMigrations returns a set of applied migration versions
func (s *Storage) getAppliedMigrations() (map[int]bool, error) {
	applied := make(map[int]bool)

	rows, err := s.db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}

	return applied, rows.Err()
}

// migration001InitialSchema creates the core tables. Amounts are stored as
// TEXT holding decimal strings so no float drift ever enters the books.
func migration001InitialSchema(tx *sql.Tx) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			amount TEXT NOT NULL,
			currency TEXT NOT NULL DEFAULT 'USD',
			txn_date TIMESTAMP NOT NULL,
			posted_date TIMESTAMP,
			description TEXT NOT NULL DEFAULT '',
			merchant_name TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			location_json TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			account_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			claimed_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_org_status
			ON transactions(organization_id, status)`,

		`CREATE TABLE IF NOT EXISTS receipts (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			total TEXT NOT NULL,
			currency TEXT NOT NULL DEFAULT 'USD',
			receipt_date TIMESTAMP NOT NULL,
			merchant_name TEXT NOT NULL DEFAULT '',
			merchant_id TEXT NOT NULL DEFAULT '',
			location_json TEXT NOT NULL DEFAULT '',
			uploader_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'uploaded',
			fields_json TEXT NOT NULL DEFAULT '',
			claimed_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_org_status
			ON receipts(organization_id, status)`,

		`CREATE TABLE IF NOT EXISTS matches (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			receipt_id TEXT NOT NULL,
			match_type TEXT NOT NULL,
			confidence REAL NOT NULL,
			criteria_json TEXT NOT NULL DEFAULT '',
			confirmed_by TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 0,
			notes TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_matches_org_created
			ON matches(organization_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS merchant_mappings (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			canonical_name TEXT NOT NULL,
			variants_json TEXT NOT NULL DEFAULT '[]',
			confidence REAL NOT NULL DEFAULT 0,
			usage_count INTEGER NOT NULL DEFAULT 0,
			verified INTEGER NOT NULL DEFAULT 0,
			last_used_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(organization_id, canonical_name)
		)`,

		`CREATE TABLE IF NOT EXISTS learning_feedback (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			match_id TEXT NOT NULL,
			transaction_id TEXT NOT NULL DEFAULT '',
			receipt_id TEXT NOT NULL DEFAULT '',
			was_correct INTEGER NOT NULL,
			correct_transaction_id TEXT NOT NULL DEFAULT '',
			correct_receipt_id TEXT NOT NULL DEFAULT '',
			notes TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_feedback_org_created
			ON learning_feedback(organization_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS matching_configs (
			organization_id TEXT PRIMARY KEY,
			config_json TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, query := range queries {
		if _, err := tx.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

// migration002ActiveMatchIndexes enforces the at-most-one-active-match
// invariant at the schema level: a concurrent double-confirm hits a unique
// constraint instead of silently creating a second active match.
func migration002ActiveMatchIndexes(tx *sql.Tx) error {
	queries := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_matches_active_txn
			ON matches(transaction_id) WHERE active = 1`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_matches_active_rcpt
			ON matches(receipt_id) WHERE active = 1`,
	}
	for _, query := range queries {
		if _, err := tx.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

// migration003AddMatchRunsTable tracks bulk matching runs.
func migration003AddMatchRunsTable(tx *sql.Tx) error {
	query := `
	CREATE TABLE IF NOT EXISTS match_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		organization_id TEXT NOT NULL,
		job_type TEXT NOT NULL,
		started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		completed_at TIMESTAMP,
		processed INTEGER NOT NULL DEFAULT 0,
		matched INTEGER NOT NULL DEFAULT 0,
		suggested INTEGER NOT NULL DEFAULT 0,
		errored INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'running'
	)`
	_, err := tx.Exec(query)
	return err
}
