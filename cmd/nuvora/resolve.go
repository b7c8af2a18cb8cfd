package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/medrex/nuvora-ehr/internal/api"
	"github.com/medrex/nuvora-ehr/internal/identity"
	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:     "resolve <address>",
	Short:   "Resolve a wallet address against the ledger",
	Example: "  nuvora resolve 0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := withTimeout(cmd.Context(), 0)
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		resolver := identity.NewResolver(a.ledger, a.content, a.trail, a.logger, a.metrics)
		_, id, err := resolver.Connect(ctx, args[0])
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(id)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <address>",
	Short: "Mint a session token for a wallet address",
	Long:  "Mints a bearer token for the HTTP API. The token only names the wallet; its role is resolved from the ledger on every request.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		tokens, err := api.NewTokenIssuer(&cfg.Auth)
		if err != nil {
			return err
		}

		token, expires, err := tokens.Issue(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, token)
		fmt.Fprintf(os.Stderr, "expires %s\n", expires.UTC().Format(time.RFC3339))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(tokenCmd)
}
