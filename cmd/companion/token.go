package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/eightweek/companion/internal/domain/shared"
	"github.com/eightweek/companion/pkg/timeutil"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage session tokens",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "issue <user>",
		Short: "Sign a session token for a user",
		Long:  "issue prints a token for SESSION_TOKEN or the login endpoint. It needs JWT_SECRET.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := shared.NewUserID(args[0])
			if err != nil {
				return fmt.Errorf("%w: %q", err, args[0])
			}
			if user.IsAnonymous() {
				return errors.New("user is required")
			}

			cfg, _, err := loadEnv()
			if err != nil {
				return err
			}
			authn := newAuthenticator(cfg, timeutil.SystemClock{Location: cfg.App.Location})
			if authn == nil {
				return errors.New("JWT_SECRET is not set")
			}

			token, err := authn.Issue(user)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	})

	return cmd
}
