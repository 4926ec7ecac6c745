// Command paywall is a demo downstream service that charges for its content
// with HTTP 402 challenges. Point the gateway's /api/proxy at it.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/vitwit/x402-agent-gateway/clients"
	"github.com/vitwit/x402-agent-gateway/logger"
	"github.com/vitwit/x402-agent-gateway/types"
	"github.com/vitwit/x402-agent-gateway/verification"
)

func main() {
	var (
		addr      string
		recipient string
		network   string
		rpcURL    string
		logLevel  string
	)

	cmd := &cobra.Command{
		Use:          "paywall",
		Short:        "Serve free, premium and exclusive demo endpoints behind HTTP 402",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logger.NewZapLogger(logLevel)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			n := types.ParseNetwork(network)
			ledger, err := clients.NewSolanaClient(types.ClientConfig{Network: n, RPCUrl: rpcURL}, nil, log)
			if err != nil {
				return err
			}
			defer ledger.Close()

			pw, err := verification.NewPaywall(ledger, recipient, types.DefaultAssets(n),
				verification.WithLogger(log.With(map[string]any{"component": "paywall"})),
			)
			if err != nil {
				return err
			}

			log.Info("paywall listening", map[string]any{"addr": addr, "recipient": recipient, "network": n.String()})
			srv := &http.Server{Addr: addr, Handler: routes(pw), ReadHeaderTimeout: 10 * time.Second}
			return srv.ListenAndServe()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":5001", "listen address")
	cmd.Flags().StringVar(&recipient, "recipient", os.Getenv("PAYWALL_RECIPIENT"), "address that receives payments")
	cmd.Flags().StringVar(&network, "network", "devnet", "Solana cluster")
	cmd.Flags().StringVar(&rpcURL, "rpc-url", "", "Solana RPC endpoint (default: cluster public RPC)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func routes(pw *verification.Paywall) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"message": "x402 Test Server",
			"endpoints": map[string]string{
				"/":          "This free endpoint",
				"/premium":   "Premium content (requires 0.001 SOL)",
				"/exclusive": "Exclusive content (requires 0.01 SOL)",
			},
		})
	})

	r.With(pw.Require(decimal.RequireFromString("0.001"), types.CurrencySOL)).
		Get("/premium", content("This is premium content! You paid for this."))
	r.With(pw.Require(decimal.RequireFromString("0.01"), types.CurrencySOL)).
		Get("/exclusive", content("Exclusive premium content! You paid 0.01 SOL."))

	return r
}

func content(data string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		paid, _ := verification.ResultFromContext(r.Context())
		writeJSON(w, map[string]any{
			"success":   true,
			"data":      data,
			"payment":   paid,
			"timestamp": time.Now().UnixMilli(),
		})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
