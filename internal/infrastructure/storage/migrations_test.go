package storage

import (
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMigrations_FreshDatabase tests running migrations on a fresh database
func TestMigrations_FreshDatabase(t *testing.T) {
	tmpDB := createTempDB(t)
	defer os.Remove(tmpDB)

	store, err := NewStorage(tmpDB, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer store.Close()

	var count int
	err = store.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, len(allMigrations), count, "all migrations should be recorded")
}

// TestMigrations_Idempotency tests that migrations can be run multiple times
func TestMigrations_Idempotency(t *testing.T) {
	tmpDB := createTempDB(t)
	defer os.Remove(tmpDB)

	store, err := NewStorage(tmpDB, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Reopening runs migrations again; already-applied ones are skipped
	store, err = NewStorage(tmpDB, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer store.Close()

	var count int
	err = store.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, len(allMigrations), count)
}

// TestMigrations_Schema verifies the expected tables exist
func TestMigrations_Schema(t *testing.T) {
	tmpDB := createTempDB(t)
	defer os.Remove(tmpDB)

	store, err := NewStorage(tmpDB, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer store.Close()

	tables := []string{
		"transactions",
		"receipts",
		"matches",
		"merchant_mappings",
		"learning_feedback",
		"matching_configs",
		"match_runs",
	}
	for _, table := range tables {
		var name string
		err := store.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
	}
}

// TestMigrations_ActiveMatchIndexes verifies the unique partial indexes that
// back the one-active-match-per-side invariant
func TestMigrations_ActiveMatchIndexes(t *testing.T) {
	tmpDB := createTempDB(t)
	defer os.Remove(tmpDB)

	store, err := NewStorage(tmpDB, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer store.Close()

	for _, index := range []string{"idx_matches_active_txn", "idx_matches_active_rcpt"} {
		var name string
		err := store.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='index' AND name=?", index).Scan(&name)
		require.NoError(t, err, "index %s should exist", index)
	}

	// Two active matches on the same transaction must violate the index
	for i, receiptID := range []string{"rcpt-a", "rcpt-b"} {
		_, err = store.db.Exec(`
			INSERT INTO matches
			(id, organization_id, transaction_id, receipt_id, match_type,
			 confidence, criteria_json, active)
			VALUES (?, 'org-1', 'txn-1', ?, 'auto', 0.9, '{}', 1)`,
			fmt.Sprintf("match-%d", i), receiptID)
		if i == 0 {
			require.NoError(t, err)
		}
	}
	require.Error(t, err, "second active match on the same transaction should fail")
	assert.True(t, isConstraintErr(err))
}
