package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/cachesync-go/auth"
)

func newTokenCmd(s *settings) *cobra.Command {
	var (
		subject string
		email   string
		role    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access token for local testing",
		Example: `  cachesync token --subject 7 --email ada@example.com --role admin
  curl -H "Authorization: Bearer $(cachesync token --subject 7 --email ada@example.com)" localhost:8080/private/orders/orders`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := s.load()
			if err != nil {
				return err
			}
			if cfg.JWTAccessSecret == "" {
				return errors.New("JWT_ACCESS_SECRET is required")
			}

			policy, err := loadPolicy(cfg)
			if err != nil {
				return err
			}

			if ttl == 0 {
				ttl = cfg.JWTAccessExpiresIn
			}
			token, err := auth.NewIssuer([]byte(cfg.JWTAccessSecret), ttl, policy).
				Issue(subject, email, auth.Role(role))
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "user id")
	cmd.Flags().StringVar(&email, "email", "", "user email")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleUser), "role granted by the policy")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default JWT_ACCESS_EXPIRES_IN)")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("email")

	return cmd
}
