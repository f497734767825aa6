package main

import (
	"fmt"
	"os"

	"github.com/g-caf/expense-match-backend/internal/cli"
	"github.com/g-caf/expense-match-backend/internal/infrastructure/config"
)

func main() {
	flags := cli.ParseBulkMatchFlags()
	cfg := config.LoadOrEnvWithPath(flags.ConfigFile)

	if err := cli.RunBulkMatch(cfg, flags); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
