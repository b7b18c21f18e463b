package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lsat-prep/assessment/internal/config"
	"github.com/lsat-prep/assessment/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:           "assessment",
	Short:         "Adaptive assessment engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.AddCommand(serveCmd(), migrateCmd(), seedCmd(), tokenCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads configuration and builds the logger shared by every command.
func setup() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, log, nil
}
