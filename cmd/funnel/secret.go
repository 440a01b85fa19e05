package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rendis/funnel/internal/secrets"
	"github.com/rendis/funnel/internal/store"
	"github.com/rendis/funnel/pkg/schema"
)

func newSecretCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage encrypted script variables",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <name> <value>",
		Short: "Encrypt and store a safevar",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts.cfg, func(st *store.LibSQLStore) error {
				vault, err := requireVault(opts.cfg, st)
				if err != nil {
					return err
				}
				if err := vault.Put(cmd.Context(), args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored %s\n", args[0])
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List safevar names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts.cfg, func(st *store.LibSQLStore) error {
				vault, err := requireVault(opts.cfg, st)
				if err != nil {
					return err
				}
				names, err := vault.List(cmd.Context())
				if err != nil {
					return err
				}
				if opts.Format == "json" {
					return writeJSON(cmd.OutOrStdout(), names)
				}
				for _, n := range names {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			})
		},
	})
	return cmd
}

func requireVault(cfg Config, st *store.LibSQLStore) (secrets.Vault, error) {
	vault, err := openVault(cfg, st)
	if err != nil {
		return nil, err
	}
	if vault == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "safevar_passphrase is not configured")
	}
	return vault, nil
}
