package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/g-caf/expense-match-backend/internal/application/service"
	"github.com/g-caf/expense-match-backend/internal/infrastructure/storage"
)

// PrintHeader prints the application header
func PrintHeader(orgID string) {
	fmt.Printf("expense-match: bulk reconciliation for %s\n", orgID)
}

// PrintConfiguration prints the run configuration
func PrintConfiguration(orgID string, batchSize int) {
	fmt.Printf("Organization: %s", orgID)
	if batchSize > 0 {
		fmt.Printf(" | Batch size: %d", batchSize)
	}
	fmt.Print("\n\n")
}

// PrintBulkSummary prints the bulk match result summary
func PrintBulkSummary(result *service.BulkMatchResult, store storage.Repository, orgID string) {
	fmt.Println(strings.Repeat("-", 60))
	fmt.Printf("Run #%d: Processed=%d Matched=%d Suggested=%d Errors=%d\n",
		result.RunID,
		result.TotalProcessed,
		result.MatchesCreated,
		result.SuggestionsCreated,
		len(result.Errors))

	// Print errors if any
	if len(result.Errors) > 0 {
		fmt.Println("\nErrors:")
		for _, msg := range result.Errors {
			fmt.Printf("  - %s\n", msg)
		}
	}

	// Get stats from database
	if store != nil {
		stats, _ := store.GetMatchStats(orgID, time.Time{})
		if stats != nil && stats.TotalMatches > 0 {
			fmt.Printf("\nAll-Time Stats: Matches=%d Active=%d AvgConfidence=%.2f Unmatched txns=%d receipts=%d\n",
				stats.TotalMatches,
				stats.ActiveMatches,
				stats.AverageConfidence,
				stats.UnmatchedTxns,
				stats.UnmatchedReceipts)
		}
	}

	if result.MatchesCreated > 0 {
		fmt.Println("\nReconciliation completed successfully.")
	}
}
