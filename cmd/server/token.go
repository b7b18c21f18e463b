package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/lsat-prep/assessment/internal/auth"
)

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a bearer token for a user (development)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || userID <= 0 {
				return fmt.Errorf("user id must be a positive integer, got %q", args[0])
			}
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			token, err := auth.NewJWT(cfg.Auth.JWTSecret, ttl).IssueToken(userID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 72*time.Hour, "token lifetime")
	return cmd
}
