package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/glimte/cadence/internal/auth"
)

func newTokenCommand() *cobra.Command {
	var (
		email     string
		role      string
		firstname string
		lastname  string
	)

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Mint a session token for testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			if err := a.cfg.RequireSecret(); err != nil {
				return err
			}

			verifier, err := auth.NewJWTVerifier(a.cfg.Auth.Secret, a.cfg.Auth.TokenTTL)
			if err != nil {
				return err
			}

			token, err := verifier.Issue(auth.Claims{
				ID:       args[0],
				Email:    email,
				Fullname: auth.FullName{Firstname: firstname, Lastname: lastname},
				Role:     role,
			})
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().StringVar(&role, "role", "user", "Role claim")
	cmd.Flags().StringVar(&firstname, "firstname", "", "First name claim")
	cmd.Flags().StringVar(&lastname, "lastname", "", "Last name claim")
	return cmd
}
