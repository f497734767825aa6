package main

import (
	"fmt"
	"os"

	"github.com/g-caf/expense-match-backend/internal/cli"
	"github.com/g-caf/expense-match-backend/internal/infrastructure/config"
)

func main() {
	flags := cli.ParseServeFlags()
	cfg := config.LoadOrEnvWithPath(flags.ConfigFile)

	if err := cli.RunServe(cfg, flags); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
