package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/capitalize-ai/langgraph-chat/internal/api"
)

func newLoginCmd(a *app) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and save the access token",
		Long: `Exchange a username and password for an access token and save it to
RAGCHAT_TOKEN_FILE. The password may also be given in RAGCHAT_PASSWORD.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("RAGCHAT_PASSWORD")
			}
			if err := a.session.BeginExchange(); err != nil {
				return err
			}
			token, err := a.client.Login(cmd.Context(), api.LoginRequest{Username: username, Password: password})
			if err != nil {
				a.session.AbortExchange()
				return fmt.Errorf("login failed: %w", err)
			}
			if err := a.session.Authenticate(token); err != nil {
				return fmt.Errorf("login failed: %w", err)
			}

			user, err := a.client.Me(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to load profile: %w", err)
			}
			a.session.SetUser(user)

			if err := a.saveToken(token); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s\n", user.Username)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "Account name")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Account password")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.Remove(a.cfg.TokenFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to remove token: %w", err)
			}
			a.session.Clear()
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}
