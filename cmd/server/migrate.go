package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lsat-prep/assessment/internal/database"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, log, err := setup()
				if err != nil {
					return err
				}
				db, err := database.Connect(cfg)
				if err != nil {
					return err
				}
				defer db.Close()
				if err := database.Migrate(db); err != nil {
					return err
				}
				log.Info("migrations applied")
				return nil
			},
		},
		&cobra.Command{
			Use:   "down [steps]",
			Short: "Roll back migrations (default 1 step)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				steps := 1
				if len(args) == 1 {
					n, err := strconv.Atoi(args[0])
					if err != nil || n <= 0 {
						return fmt.Errorf("steps must be a positive integer, got %q", args[0])
					}
					steps = n
				}
				cfg, log, err := setup()
				if err != nil {
					return err
				}
				db, err := database.Connect(cfg)
				if err != nil {
					return err
				}
				defer db.Close()
				if err := database.Rollback(db, steps); err != nil {
					return err
				}
				log.Info("migrations rolled back", "steps", steps)
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, _, err := setup()
				if err != nil {
					return err
				}
				db, err := database.Connect(cfg)
				if err != nil {
					return err
				}
				defer db.Close()
				v, dirty, err := database.Version(db)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", v, dirty)
				return nil
			},
		},
	)
	return cmd
}
