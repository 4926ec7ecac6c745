// Package config loads gateway settings from the environment and an optional
// .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/vitwit/x402-agent-gateway/types"
)

// Config mirrors the environment variables the gateway reads.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`

	SolanaRPCURL     string `mapstructure:"SOLANA_RPC_URL"`
	SolanaNetwork    string `mapstructure:"SOLANA_NETWORK"`
	SolanaCommitment string `mapstructure:"SOLANA_COMMITMENT"`
	VaultPrivateKey  string `mapstructure:"VAULT_PRIVATE_KEY"`
	VaultPublicKey   string `mapstructure:"VAULT_PUBLIC_KEY"`
	USDCMint         string `mapstructure:"USDC_MINT"`

	MaxTransactionAmount string        `mapstructure:"MAX_TRANSACTION_AMOUNT"`
	SupportedCurrencies  string        `mapstructure:"SUPPORTED_CURRENCIES"`
	RateLimitPerHour     int           `mapstructure:"RATE_LIMIT_PER_HOUR"`
	RateLimitWindow      time.Duration `mapstructure:"RATE_LIMIT_WINDOW"`

	AuthEnabled          bool   `mapstructure:"AUTH_ENABLED"`
	AuthJWTSecret        string `mapstructure:"AUTH_JWT_SECRET"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	TrustForwardedFor    bool   `mapstructure:"TRUST_FORWARDED_FOR"`

	AutoPay             bool          `mapstructure:"AUTO_PAY"`
	ConfirmationTimeout time.Duration `mapstructure:"CONFIRMATION_TIMEOUT"`
	RPCRateLimitRPS     float64       `mapstructure:"RPC_RATE_LIMIT_RPS"`
	DownstreamTimeout   time.Duration `mapstructure:"DOWNSTREAM_TIMEOUT"`
	RequestTimeout      time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	ChallengeHeader string `mapstructure:"CHALLENGE_HEADER"`
	ProofHeaders    string `mapstructure:"PROOF_HEADERS"`
	ProofBodyField  string `mapstructure:"PROOF_BODY_FIELD"`

	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	LogLevel           string `mapstructure:"LOG_LEVEL"`
	EnableMetrics      bool   `mapstructure:"ENABLE_METRICS"`
}

var keys = []string{
	"SERVER_PORT",
	"SOLANA_RPC_URL", "SOLANA_NETWORK", "SOLANA_COMMITMENT",
	"VAULT_PRIVATE_KEY", "VAULT_PUBLIC_KEY", "USDC_MINT",
	"MAX_TRANSACTION_AMOUNT", "SUPPORTED_CURRENCIES", "RATE_LIMIT_PER_HOUR", "RATE_LIMIT_WINDOW",
	"AUTH_ENABLED", "AUTH_JWT_SECRET", "REDIS_URL", "REDIS_RATE_LIMIT_PREFIX", "TRUST_FORWARDED_FOR",
	"AUTO_PAY", "CONFIRMATION_TIMEOUT", "RPC_RATE_LIMIT_RPS", "DOWNSTREAM_TIMEOUT", "REQUEST_TIMEOUT",
	"CHALLENGE_HEADER", "PROOF_HEADERS", "PROOF_BODY_FIELD",
	"CORS_ALLOWED_ORIGINS", "LOG_LEVEL", "ENABLE_METRICS",
}

// Load reads configuration from the environment, falling back to a .env file
// in path and then to defaults.
func Load(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "3000")
	viper.SetDefault("SOLANA_NETWORK", "mainnet")
	viper.SetDefault("SOLANA_COMMITMENT", "confirmed")
	viper.SetDefault("MAX_TRANSACTION_AMOUNT", "1.0")
	viper.SetDefault("SUPPORTED_CURRENCIES", "SOL,USDC")
	viper.SetDefault("RATE_LIMIT_PER_HOUR", 100)
	viper.SetDefault("RATE_LIMIT_WINDOW", "1h")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "x402:rate_limit")
	viper.SetDefault("AUTO_PAY", true)
	viper.SetDefault("CONFIRMATION_TIMEOUT", "60s")
	viper.SetDefault("DOWNSTREAM_TIMEOUT", "30s")
	viper.SetDefault("REQUEST_TIMEOUT", "120s")
	viper.SetDefault("CHALLENGE_HEADER", "X-Payment-Challenge")
	viper.SetDefault("PROOF_HEADERS", "X-Payment,X-Payment-Request")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("ENABLE_METRICS", true)

	for _, key := range keys {
		_ = viper.BindEnv(key)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.VaultPrivateKey = strings.TrimSpace(cfg.VaultPrivateKey)
	cfg.RedisURL = strings.TrimSpace(cfg.RedisURL)
	return &cfg, nil
}

// Gateway converts the raw settings into the validated runtime configuration.
func (c *Config) Gateway() (*types.GatewayConfig, error) {
	maxAmount, err := decimal.NewFromString(strings.TrimSpace(c.MaxTransactionAmount))
	if err != nil || !maxAmount.IsPositive() {
		return nil, configError("MAX_TRANSACTION_AMOUNT must be a positive decimal, got %q", c.MaxTransactionAmount)
	}

	currencies := make([]types.Currency, 0, 2)
	for _, s := range splitList(c.SupportedCurrencies) {
		currencies = append(currencies, types.ParseCurrency(s))
	}
	if len(currencies) == 0 {
		return nil, configError("SUPPORTED_CURRENCIES must name at least one currency")
	}

	if c.RateLimitPerHour < 0 {
		return nil, configError("RATE_LIMIT_PER_HOUR must not be negative")
	}
	if c.AuthEnabled && c.AuthJWTSecret != "" && len(c.AuthJWTSecret) < 32 {
		return nil, configError("AUTH_JWT_SECRET must be at least 32 bytes")
	}

	network := types.ParseNetwork(c.SolanaNetwork)
	assets := types.DefaultAssets(network)
	if mint := strings.TrimSpace(c.USDCMint); mint != "" {
		for i := range assets {
			if assets[i].Symbol == types.CurrencyUSDC {
				assets[i].Mint = mint
			}
		}
	}

	rpcURL := strings.TrimSpace(c.SolanaRPCURL)
	if rpcURL == "" {
		rpcURL = network.DefaultRPCURL()
	}

	return &types.GatewayConfig{
		Client: types.ClientConfig{
			Network:             network,
			RPCUrl:              rpcURL,
			Commitment:          strings.ToLower(strings.TrimSpace(c.SolanaCommitment)),
			ConfirmationTimeout: c.ConfirmationTimeout,
			RPCRequestsPerSec:   c.RPCRateLimitRPS,
		},
		Codec: types.CodecConfig{
			ChallengeHeader: strings.TrimSpace(c.ChallengeHeader),
			ProofHeaders:    splitList(c.ProofHeaders),
			ProofBodyField:  strings.TrimSpace(c.ProofBodyField),
		},
		Assets: assets,
		Policy: types.PolicyLimits{
			MaxAmountPerRequest: maxAmount,
			AllowedCurrencies:   currencies,
			RateLimitPerWindow:  c.RateLimitPerHour,
			RateLimitWindow:     c.RateLimitWindow,
		},
		AutoPay:           c.AutoPay,
		DownstreamTimeout: c.DownstreamTimeout,
		RequestTimeout:    c.RequestTimeout,
		AuthEnabled:       c.AuthEnabled,
		JWTSecret:         c.AuthJWTSecret,
		TrustForwardedFor: c.TrustForwardedFor,
		RedisURL:          c.RedisURL,
		RedisPrefix:       strings.TrimSpace(c.RedisRateLimitPrefix),
		AllowedOrigins:    splitList(c.CORSAllowedOrigins),
		LogLevel:          c.LogLevel,
		EnableMetrics:     c.EnableMetrics,
	}, nil
}

func configError(format string, args ...any) error {
	return types.NewError(types.KindConfig, "INVALID_CONFIG", fmt.Sprintf(format, args...))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
