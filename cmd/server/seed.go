package main

import (
	"github.com/spf13/cobra"

	"github.com/lsat-prep/assessment/internal/seed"
)

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Load users, levels and questions from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := seed.ParseFile(args[0])
			if err != nil {
				return err
			}
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()
			if cfg.Database.Memory {
				log.Warn("seeding the in-memory store has no lasting effect")
			}

			st, err := openStore(cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()

			counts, err := seed.Apply(cmd.Context(), st, f)
			if err != nil {
				return err
			}
			log.Info("seed applied",
				"users", counts.Users,
				"levels", counts.Levels,
				"questions", counts.Questions,
				"ratings", counts.Ratings,
			)
			return nil
		},
	}
}
