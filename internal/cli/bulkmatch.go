package cli

import (
	"context"
	"errors"

	"github.com/g-caf/expense-match-backend/internal/application/service"
	"github.com/g-caf/expense-match-backend/internal/infrastructure/config"
	"github.com/g-caf/expense-match-backend/internal/infrastructure/logging"
	"github.com/g-caf/expense-match-backend/internal/infrastructure/storage"
)

// RunBulkMatch runs a one-shot bulk reconciliation over an organization's
// backlog and prints a summary.
func RunBulkMatch(cfg *config.Config, flags *BulkMatchFlags) error {
	if flags.OrgID == "" {
		return errors.New("-org is required")
	}

	loggingCfg := cfg.Observability.Logging
	if flags.Verbose {
		loggingCfg.Level = "debug"
	}
	logger := logging.NewLoggerWithSystem(loggingCfg, "bulk-match")

	store, err := storage.NewStorage(cfg.Storage.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	matcher := service.NewMatchingService(cfg, store, logger)

	PrintHeader(flags.OrgID)
	PrintConfiguration(flags.OrgID, flags.BatchSize)

	result, err := matcher.BulkMatch(context.Background(), flags.OrgID, flags.BatchSize)
	if err != nil {
		return err
	}

	PrintBulkSummary(result, store, flags.OrgID)
	return nil
}
