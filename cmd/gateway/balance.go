package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func balanceCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Print the vault balance of every supported asset",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gw, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			defer gw.Close()

			balances, err := gw.Balances(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(balances)
			}

			vault := gw.Ledger().Address()
			fmt.Printf("vault %s (%s)\n", vault, gw.Ledger().Network())
			for _, b := range balances {
				suffix := ""
				if b.Degraded {
					suffix = " (no token account)"
				}
				fmt.Printf("  %-5s %s%s\n", b.Currency, b.Amount.String(), suffix)
			}
			fmt.Println(gw.Ledger().Network().ExplorerAccountURL(vault))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	return cmd
}
