package cli

import (
	"flag"
)

// BulkMatchFlags are the flags for the one-shot bulk reconciliation command.
type BulkMatchFlags struct {
	ConfigFile string
	OrgID      string
	BatchSize  int
	Verbose    bool
}

// ParseBulkMatchFlags parses bulk-match flags from the command line.
func ParseBulkMatchFlags() *BulkMatchFlags {
	flags := &BulkMatchFlags{}
	flag.StringVar(&flags.ConfigFile, "config", "config.yaml", "Configuration file path")
	flag.StringVar(&flags.OrgID, "org", "", "Organization to reconcile (required)")
	flag.IntVar(&flags.BatchSize, "batch", 0, "Batch size per pass (0 = config default)")
	flag.BoolVar(&flags.Verbose, "verbose", false, "Verbose output")
	flag.Parse()
	return flags
}
