package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"audiorelay/models"
	"audiorelay/routes"
	"audiorelay/utils"
)

// newTokenCommand issues a bearer token signed with the gateway secret for
// local testing; production tokens come from the identity service.
func newTokenCommand(cc *commandContext) *cobra.Command {
	var (
		username string
		email    string
		ttl      time.Duration
		admin    bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a gateway bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cc.cfg.Gateway.JWTSecret == "" {
				return errors.New("gateway.jwt_secret is not configured")
			}
			user := models.Identity{Username: username, Email: email}
			if err := user.Validate(); err != nil {
				return err
			}
			now := time.Now()
			tok, err := utils.CreateIdentityToken(&models.IdentityClaims{
				Issuer:    cc.cfg.Gateway.JWTIssuer,
				User:      user,
				IssuedAt:  now.Unix(),
				ExpiresAt: now.Add(ttl).Unix(),
				Admin:     admin,
			}, []byte(cc.cfg.Gateway.JWTSecret))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "user", "", "Username claim")
	cmd.Flags().StringVar(&email, "email", "", "Email the notification is sent to")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	cmd.Flags().BoolVar(&admin, "admin", false, "Grant the authz claim for the /failures and /receipts endpoints")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print build information",
		Annotations: map[string]string{skipConfigAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			info := routes.BuildInfo()
			fmt.Fprintf(cmd.OutOrStdout(), "audiorelay %s (commit %s, built %s, %s)\n",
				info.Version, info.GitCommit, info.BuildTime, info.GoVersion)
			return nil
		},
	}
}
