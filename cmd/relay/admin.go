package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/NicolasHaas/relay/pkg/crypto"
	"github.com/NicolasHaas/relay/pkg/datastore"
	"github.com/NicolasHaas/relay/pkg/server"
)

func newUsersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage accounts in the sqlite directory",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Upsert accounts from a YAML users file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read users file: %w", err)
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := server.ImportUsersFromYAML(cmd.Context(), data, datastore.NewDirectory(store, nil))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d users\n", n)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "export",
		Short: "Write all accounts as YAML to stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			users, err := datastore.NewDirectory(store, nil).Users(cmd.Context())
			if err != nil {
				return err
			}
			out, err := server.ExportUsersYAML(users)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})
	return cmd
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Session token utilities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "issue <username>",
		Short: "Issue a session token for an account in the sqlite directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tm, err := tokenManager()
			if err != nil {
				return err
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			token, err := datastore.NewDirectory(store, tm).IssueToken(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "secret",
		Short: "Print a random value for token_secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret, err := crypto.GenerateSecret()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), secret)
			return nil
		},
	})
	return cmd
}
