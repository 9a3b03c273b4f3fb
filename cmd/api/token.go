package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"scriptorium/api/internal/auth"
	"scriptorium/api/internal/util"
)

// newTokenCommand mints a bearer token for local development. Production
// tokens come from the account service that shares the signing secret.
func newTokenCommand() *cobra.Command {
	var (
		name  string
		email string
		orcid string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <account-id>",
		Short: "Issue a development bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _ := loadConfig()
			if ttl <= 0 {
				return errors.New("--ttl must be positive")
			}
			token, err := auth.IssueToken([]byte(cfg.JWTSecret), auth.Claims{
				Sub:   args[0],
				Name:  name,
				Email: email,
				ORCID: orcid,
				JTI:   util.NewID("tok"),
				Exp:   time.Now().Add(ttl).Unix(),
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name claim")
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().StringVar(&orcid, "orcid", "", "ORCID claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
