package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Currency identifies an asset the vault can pay with.
type Currency string

const (
	// CurrencySOL is the chain-native coin.
	CurrencySOL Currency = "SOL"
	// CurrencyUSDC is an SPL fungible token.
	CurrencyUSDC Currency = "USDC"
)

// DefaultCurrency is applied when a payment challenge does not name a currency.
// Decoders report when it was used through PaymentChallenge.CurrencyWasDefaulted.
const DefaultCurrency = CurrencyUSDC

// ParseCurrency normalizes a currency symbol. Unknown symbols are returned as-is
// so that policy checks can reject them with the original spelling.
func ParseCurrency(s string) Currency {
	return Currency(strings.ToUpper(strings.TrimSpace(s)))
}

func (c Currency) String() string {
	return string(c)
}

// TokenStandard represents how an asset is moved on the ledger
type TokenStandard string

const (
	TokenStandardNative TokenStandard = "native"
	TokenStandardSPL    TokenStandard = "spl"
)

// TokenInfo contains information about a payable asset
type TokenInfo struct {
	Standard TokenStandard `json:"standard" validate:"required"`
	Symbol   Currency      `json:"symbol" validate:"required"`
	Decimals int32         `json:"decimals"`
	// Mint is the token mint address, empty for the native coin.
	Mint string `json:"mint,omitempty"`
}

// IsNative reports whether the asset is the chain-native coin.
func (t TokenInfo) IsNative() bool {
	return t.Standard == TokenStandardNative
}

// ChallengeShape names the layout a payment challenge was decoded from.
type ChallengeShape string

const (
	ShapeHeader     ChallengeShape = "header"
	ShapeSettlement ChallengeShape = "settlement"
	ShapeFlat       ChallengeShape = "flat"
)

// PaymentChallenge is the canonical form of what a downstream service asks to be paid.
type PaymentChallenge struct {
	Amount    decimal.Decimal `json:"amount"`
	Currency  Currency        `json:"currency"`
	Recipient string          `json:"recipient"`
	Resource  string          `json:"resource,omitempty"`
	// Nonce is opaque to the gateway and echoed unchanged in the proof.
	Nonce    string    `json:"nonce,omitempty"`
	IssuedAt time.Time `json:"issuedAt"`

	CurrencyWasDefaulted bool           `json:"currencyWasDefaulted"`
	Shape                ChallengeShape `json:"shape"`
}

// PaymentProof evidences a confirmed transfer satisfying a challenge.
type PaymentProof struct {
	Amount    decimal.Decimal `json:"amount"`
	Currency  Currency        `json:"currency"`
	Recipient string          `json:"recipient"`
	Resource  string          `json:"resource,omitempty"`
	Nonce     string          `json:"nonce,omitempty"`
	IssuedAt  time.Time       `json:"issuedAt"`

	Payer       string    `json:"payer"`
	Signature   string    `json:"signature"`
	PaidAt      time.Time `json:"paidAt"`
	ExplorerURL string    `json:"explorerUrl,omitempty"`
}

// TransferRequest is handed to the ledger client and not retained.
type TransferRequest struct {
	From   string
	To     string
	Amount decimal.Decimal
	Asset  TokenInfo
	// Annotation is attached to the transaction as an opaque memo.
	Annotation []byte
}

// PaymentMetadata carries caller-supplied context recorded in the on-chain annotation.
type PaymentMetadata struct {
	AgentID     string `json:"agent_id,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
	Memo        string `json:"memo,omitempty"`
}

// PolicyLimits is process-wide and read-only after start.
type PolicyLimits struct {
	MaxAmountPerRequest decimal.Decimal
	AllowedCurrencies   []Currency
	RateLimitPerWindow  int
	RateLimitWindow     time.Duration
}

// Allows reports whether c is on the allow-list.
func (p PolicyLimits) Allows(c Currency) bool {
	for _, allowed := range p.AllowedCurrencies {
		if allowed == c {
			return true
		}
	}
	return false
}

// SupportedCurrencies returns the allow-list as strings.
func (p PolicyLimits) SupportedCurrencies() []string {
	out := make([]string, 0, len(p.AllowedCurrencies))
	for _, c := range p.AllowedCurrencies {
		out = append(out, c.String())
	}
	return out
}

// Balance is an account balance in human units.
type Balance struct {
	Address  string          `json:"address"`
	Currency Currency        `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
	// Degraded is set when the holding does not exist and the zero is implied.
	Degraded bool `json:"degraded,omitempty"`
}

// ClientConfig contains configuration for the ledger client
type ClientConfig struct {
	Network Network `json:"network"`
	RPCUrl  string  `json:"rpcUrl"`
	// Commitment is "confirmed" or "finalized".
	Commitment          string        `json:"commitment,omitempty"`
	ConfirmationTimeout time.Duration `json:"confirmationTimeout,omitempty"`
	PollInterval        time.Duration `json:"pollInterval,omitempty"`
	RPCRequestsPerSec   float64       `json:"rpcRequestsPerSec,omitempty"`
	RPCBurst            int           `json:"rpcBurst,omitempty"`
}

// CodecConfig names the HTTP fields that carry challenges and proofs.
type CodecConfig struct {
	ChallengeHeader string   `json:"challengeHeader,omitempty"`
	ProofHeaders    []string `json:"proofHeaders,omitempty"`
	ProofBodyField  string   `json:"proofBodyField,omitempty"`
}

// GatewayConfig contains global configuration for the gateway
type GatewayConfig struct {
	Client ClientConfig `json:"client"`
	Codec  CodecConfig  `json:"codec"`
	Assets []TokenInfo  `json:"assets,omitempty"`
	Policy PolicyLimits `json:"-"`

	AutoPay           bool          `json:"autoPay"`
	DownstreamTimeout time.Duration `json:"downstreamTimeout,omitempty"`
	RequestTimeout    time.Duration `json:"requestTimeout,omitempty"`
	AuthEnabled       bool          `json:"authEnabled"`
	JWTSecret         string        `json:"-"`
	TrustForwardedFor bool          `json:"trustForwardedFor"`
	RedisURL          string        `json:"-"`
	RedisPrefix       string        `json:"-"`
	AllowedOrigins    []string      `json:"allowedOrigins,omitempty"`
	LogLevel          string        `json:"logLevel,omitempty"`
	EnableMetrics     bool          `json:"enableMetrics,omitempty"`
}
