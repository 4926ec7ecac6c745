package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	gateway "github.com/vitwit/x402-agent-gateway"
	"github.com/vitwit/x402-agent-gateway/clients"
	"github.com/vitwit/x402-agent-gateway/config"
	"github.com/vitwit/x402-agent-gateway/logger"
	"github.com/vitwit/x402-agent-gateway/types"
)

var (
	Version = "dev"

	configDir string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "x402-gateway",
		Short:         "HTTP 402 payment gateway for automated agents",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", ".", "directory holding an optional .env file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(balanceCmd())
	rootCmd.AddCommand(payCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bootstrap loads configuration and builds the gateway shared by every command.
func bootstrap() (*config.Config, *gateway.Gateway, *logger.ZapLogger, error) {
	raw, err := config.Load(configDir)
	if err != nil {
		return nil, nil, nil, err
	}
	cfg, err := raw.Gateway()
	if err != nil {
		return nil, nil, nil, err
	}

	log, err := logger.NewZapLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}

	var signer clients.Signer
	if raw.VaultPrivateKey != "" {
		ks, err := clients.NewKeypairSigner(raw.VaultPrivateKey)
		if err != nil {
			return nil, nil, nil, types.NewError(types.KindConfig, types.ReasonVaultNotConfigured, "invalid vault configuration").Wrap(err)
		}
		if raw.VaultPublicKey != "" && raw.VaultPublicKey != ks.PublicKey().String() {
			log.Warn("VAULT_PUBLIC_KEY does not match VAULT_PRIVATE_KEY, using the key pair", map[string]any{
				"configured": raw.VaultPublicKey,
				"derived":    ks.PublicKey().String(),
			})
		}
		signer = ks
	} else {
		log.Warn("VAULT_PRIVATE_KEY not set, payments are disabled", nil)
	}

	gw, err := gateway.New(cfg, signer, gateway.WithLogger(log), gateway.WithTimeout(cfg.DownstreamTimeout))
	if err != nil {
		_ = log.Sync()
		return nil, nil, nil, err
	}
	return raw, gw, log, nil
}
