package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	gateway "github.com/vitwit/x402-agent-gateway"
)

func versionCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the gateway version and what it can settle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := gateway.GetVersion()
			out := cmd.OutOrStdout()

			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}

			fmt.Fprintf(out, "x402-gateway %s (build %s, protocol v%d)\n", info.Version, Version, info.ProtocolVersion)
			fmt.Fprintf(out, "  networks:   %s\n", strings.Join(info.Networks, ", "))
			fmt.Fprintf(out, "  currencies: %s\n", strings.Join(info.Currencies, ", "))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	return cmd
}
