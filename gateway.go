// Package gateway lets automated agents consume HTTP 402 protected APIs,
// settling each payment challenge from a shared Solana vault.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vitwit/x402-agent-gateway/api"
	"github.com/vitwit/x402-agent-gateway/clients"
	"github.com/vitwit/x402-agent-gateway/codec"
	"github.com/vitwit/x402-agent-gateway/gate"
	"github.com/vitwit/x402-agent-gateway/logger"
	"github.com/vitwit/x402-agent-gateway/metrics"
	"github.com/vitwit/x402-agent-gateway/proxy"
	"github.com/vitwit/x402-agent-gateway/settlement"
	"github.com/vitwit/x402-agent-gateway/types"
)

// Gateway wires the ledger client, codec, executor, orchestrator and rate
// gate behind one value.
type Gateway struct {
	config       *types.GatewayConfig
	ledger       clients.Ledger
	codec        *codec.Codec
	executor     *settlement.Executor
	orchestrator *proxy.Orchestrator
	gate         *gate.Gate
	counter      gate.Counter

	registry       *prometheus.Registry
	metricsHandler http.Handler
	httpClient     *http.Client
	logger         logger.Logger
	metrics        metrics.Recorder
	timeout        time.Duration

	closers []func()
}

// New builds a gateway from cfg. signer may be nil, in which case balances
// can be read but every payment fails with VAULT_NOT_CONFIGURED.
func New(cfg *types.GatewayConfig, signer clients.Signer, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, types.NewError(types.KindConfig, "INVALID_CONFIG", "gateway config is required")
	}
	if cfg.Policy.MaxAmountPerRequest.IsZero() || len(cfg.Policy.AllowedCurrencies) == 0 {
		return nil, types.NewError(types.KindConfig, "INVALID_CONFIG", "policy limits are required")
	}

	g := &Gateway{config: cfg, timeout: cfg.DownstreamTimeout}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logger.OrNoop(g.logger)
	if g.timeout <= 0 {
		g.timeout = 30 * time.Second
	}
	if len(cfg.Assets) == 0 {
		cfg.Assets = types.DefaultAssets(cfg.Client.Network)
	}

	if err := g.setupMetrics(); err != nil {
		return nil, err
	}

	if g.ledger == nil {
		client, err := clients.NewSolanaClient(cfg.Client, signer, g.logger.With(map[string]any{"component": "ledger"}))
		if err != nil {
			return nil, fmt.Errorf("failed to create Solana client for %s: %w", cfg.Client.Network, err)
		}
		g.ledger = client
		g.closers = append(g.closers, client.Close)
	}

	if err := g.setupGate(); err != nil {
		g.Close()
		return nil, err
	}

	g.codec = codec.New(cfg.Codec)
	g.executor = settlement.NewExecutor(g.ledger, cfg.Assets,
		settlement.WithLogger(g.logger.With(map[string]any{"component": "executor"})),
		settlement.WithMetrics(g.metrics),
	)

	client := g.httpClient
	if client == nil {
		client = &http.Client{Timeout: g.timeout}
	}
	g.orchestrator = proxy.New(g.codec, g.executor, cfg.Policy,
		proxy.WithHTTPClient(client),
		proxy.WithAutoPay(cfg.AutoPay),
		proxy.WithLogger(g.logger.With(map[string]any{"component": "proxy"})),
		proxy.WithMetrics(g.metrics),
	)

	g.logger.Info("gateway ready", map[string]any{
		"network":    cfg.Client.Network.String(),
		"vault":      g.ledger.Address(),
		"auto_pay":   cfg.AutoPay,
		"max_amount": cfg.Policy.MaxAmountPerRequest.String(),
		"currencies": cfg.Policy.SupportedCurrencies(),
	})
	return g, nil
}

func (g *Gateway) setupMetrics() error {
	if g.metrics != nil {
		return nil
	}
	if !g.config.EnableMetrics {
		g.metrics = metrics.NoopRecorder{}
		return nil
	}
	if g.registry == nil {
		g.registry = prometheus.NewRegistry()
		g.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	rec, err := metrics.NewPrometheusRecorder(g.registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	g.metrics = rec
	g.metricsHandler = promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{})
	return nil
}

func (g *Gateway) setupGate() error {
	cfg := g.config
	if g.counter == nil {
		if cfg.RedisURL != "" {
			rc, err := gate.NewRedisCounterFromURL(cfg.RedisURL, cfg.RedisPrefix)
			if err != nil {
				return err
			}
			pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := rc.Ping(pingCtx); err != nil {
				g.logger.Warn("redis unreachable, rate limiting fails open", map[string]any{"error": err})
			}
			cancel()
			g.counter = rc
			g.closers = append(g.closers, func() { _ = rc.Close() })
		} else {
			mc := gate.NewMemoryCounter(time.Minute)
			g.counter = mc
			g.closers = append(g.closers, mc.Close)
		}
	}

	var auth gate.Authenticator = gate.PresenceAuthenticator{}
	if cfg.AuthEnabled && cfg.JWTSecret != "" {
		jwtAuth, err := gate.NewJWTAuthenticator(cfg.JWTSecret)
		if err != nil {
			return err
		}
		auth = jwtAuth
	}

	g.gate = gate.New(gate.Config{
		AuthEnabled:       cfg.AuthEnabled,
		Limit:             cfg.Policy.RateLimitPerWindow,
		Window:            cfg.Policy.RateLimitWindow,
		TrustForwardedFor: cfg.TrustForwardedFor,
	}, auth, g.counter,
		gate.WithLogger(g.logger.With(map[string]any{"component": "gate"})),
		gate.WithMetrics(g.metrics),
	)
	return nil
}

// Handler returns the agent-facing HTTP API.
func (g *Gateway) Handler() http.Handler {
	return api.NewServer(api.Deps{
		Ledger:         g.ledger,
		Payer:          g.executor,
		Orchestrator:   g.orchestrator,
		Codec:          g.codec,
		Limits:         g.config.Policy,
		Assets:         g.config.Assets,
		Gate:           g.gate,
		MetricsHandler: g.metricsHandler,
		AllowedOrigins: g.config.AllowedOrigins,
		RequestTimeout: g.config.RequestTimeout,
		Logger:         g.logger.With(map[string]any{"component": "api"}),
	}).Routes()
}

// Pay settles ch from the vault under the configured policy.
func (g *Gateway) Pay(ctx context.Context, ch *types.PaymentChallenge, meta types.PaymentMetadata) (*types.PaymentProof, error) {
	return g.executor.Execute(ctx, ch, g.config.Policy, meta)
}

// Proxy forwards req downstream, paying a 402 challenge when one comes back.
func (g *Gateway) Proxy(ctx context.Context, req *proxy.Request) (*proxy.Result, error) {
	return g.orchestrator.Do(ctx, req)
}

// Balances reads the vault holding of every registered asset concurrently.
// The slice is in asset order; the first failure is returned.
func (g *Gateway) Balances(ctx context.Context) ([]*types.Balance, error) {
	vault := g.ledger.Address()
	if vault == "" {
		return nil, types.NewError(types.KindConfig, types.ReasonVaultNotConfigured, "vault wallet not configured")
	}

	assets := g.config.Assets
	results := make([]*types.Balance, len(assets))
	errs := make([]error, len(assets))

	var wg sync.WaitGroup
	for i, asset := range assets {
		wg.Add(1)
		go func(index int, a types.TokenInfo) {
			defer wg.Done()
			results[index], errs[index] = g.ledger.GetBalance(ctx, vault, a)
		}(i, asset)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

func (g *Gateway) Ledger() clients.Ledger {
	return g.ledger
}

func (g *Gateway) Config() *types.GatewayConfig {
	return g.config
}

// Close releases the ledger connection and the rate counter.
func (g *Gateway) Close() {
	for i := len(g.closers) - 1; i >= 0; i-- {
		g.closers[i]()
	}
	g.closers = nil
}

// Version information
const (
	Version         = "1.0.0"
	ProtocolVersion = 1
)

// VersionInfo describes this build and what it can settle.
type VersionInfo struct {
	Version         string   `json:"version"`
	ProtocolVersion int      `json:"protocol_version"`
	Networks        []string `json:"networks"`
	Currencies      []string `json:"currencies"`
	Standards       []string `json:"standards"`
}

// GetVersion returns version information
func GetVersion() VersionInfo {
	info := VersionInfo{
		Version:         Version,
		ProtocolVersion: ProtocolVersion,
		Networks: []string{
			types.NetworkSolanaMainnet.String(),
			types.NetworkSolanaDevnet.String(),
			types.NetworkSolanaTestnet.String(),
			types.NetworkSolanaLocalnet.String(),
		},
	}
	for _, a := range types.DefaultAssets(types.NetworkSolanaMainnet) {
		info.Currencies = append(info.Currencies, a.Symbol.String())
		info.Standards = append(info.Standards, string(a.Standard))
	}
	return info
}
