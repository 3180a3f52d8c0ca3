package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/phrazzld/taskd/internal/api/middleware"
	"github.com/phrazzld/taskd/internal/platform/logger"
	"github.com/spf13/cobra"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		ttl   time.Duration
		admin bool
	)

	cmd := &cobra.Command{
		Use:   "token <owner-id>",
		Short: "Issue an API token for an owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not configured")
			}
			auth := middleware.NewAuthenticator(cfg.Auth, logger.Discard())
			var tokenOpts []middleware.TokenOption
			if admin {
				tokenOpts = append(tokenOpts, middleware.AsAdmin())
			}
			token, err := auth.IssueToken(args[0], ttl, tokenOpts...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant access to the scheduler and circuit breaker routes")
	return cmd
}
