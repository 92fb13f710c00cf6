package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/rmacdonaldsmith/meshgate/internal/auth"
	"github.com/rmacdonaldsmith/meshgate/pkg/command"
)

func newLoginCommand() *cobra.Command {
	var (
		login    string
		password string
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and print a token",
		Long: `Perform the Connect handshake with a login and password and print the
issued token. Pass it to later commands with --token or MESHGATE_TOKEN.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			issued, err := client.Login(ctx, command.Principal{LoginName: login, Password: password})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), issued.AuthenticationToken)
			return nil
		},
	}

	cmd.Flags().StringVar(&login, "login", "", "Login name (required)")
	cmd.Flags().StringVar(&password, "password", "", "Password (required)")
	if err := cmd.MarkFlagRequired("login"); err != nil {
		panic(fmt.Sprintf("Failed to mark login as required: %v", err))
	}
	if err := cmd.MarkFlagRequired("password"); err != nil {
		panic(fmt.Sprintf("Failed to mark password as required: %v", err))
	}

	return cmd
}

func newHashPasswordCommand() *cobra.Command {
	var cost int

	cmd := &cobra.Command{
		Use:         "hash-password <password>",
		Short:       "Print a bcrypt hash for the auth.users config section",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{"local": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(args[0]) == "" {
				return fmt.Errorf("password cannot be blank")
			}
			hash, err := auth.HashPassword(args[0], cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}

	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}
