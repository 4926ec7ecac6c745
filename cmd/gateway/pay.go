package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vitwit/x402-agent-gateway/types"
	"github.com/vitwit/x402-agent-gateway/utils"
)

func payCmd() *cobra.Command {
	var (
		currency string
		memo     string
		agentID  string
	)

	cmd := &cobra.Command{
		Use:   "pay [recipient] [amount]",
		Short: "Send one payment from the vault",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := utils.ValidateAmount(args[1])
			if err != nil {
				return err
			}

			_, gw, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			defer gw.Close()

			proof, err := gw.Pay(cmd.Context(), &types.PaymentChallenge{
				Amount:    *amount,
				Currency:  types.ParseCurrency(currency),
				Recipient: args[0],
				IssuedAt:  time.Now().UTC(),
				Shape:     types.ShapeFlat,
			}, types.PaymentMetadata{AgentID: agentID, ServiceName: "cli", Memo: memo})
			if err != nil {
				return err
			}

			fmt.Printf("paid %s %s to %s\n", proof.Amount, proof.Currency, proof.Recipient)
			fmt.Printf("signature %s\n", proof.Signature)
			fmt.Println(proof.ExplorerURL)
			return nil
		},
	}

	cmd.Flags().StringVarP(&currency, "currency", "c", "SOL", "SOL or USDC")
	cmd.Flags().StringVar(&memo, "memo", "", "memo recorded on chain")
	cmd.Flags().StringVar(&agentID, "agent-id", "", "agent identifier recorded on chain")
	return cmd
}
