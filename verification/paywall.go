package verification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vitwit/x402-agent-gateway/clients"
	"github.com/vitwit/x402-agent-gateway/codec"
	"github.com/vitwit/x402-agent-gateway/logger"
	"github.com/vitwit/x402-agent-gateway/metrics"
	"github.com/vitwit/x402-agent-gateway/types"
)

const (
	MetricPaywall = "paywall"

	// PaymentResponseHeader carries the accepted payment back to the payer.
	PaymentResponseHeader = "X-Payment-Response"
)

type resultKey struct{}

// ResultFromContext returns the verified payment for the current request.
func ResultFromContext(ctx context.Context) (*VerificationResult, bool) {
	r, ok := ctx.Value(resultKey{}).(*VerificationResult)
	return r, ok
}

// Paywall protects handlers behind an HTTP 402 challenge. It is the
// downstream counterpart of the gateway's orchestrator.
type Paywall struct {
	recipient string
	codec     *codec.Codec
	nonces    *NonceStore
	verifier  *Verifier
	logger    logger.Logger
	metrics   metrics.Recorder
}

type paywallConfig struct {
	codec         *codec.Codec
	nonceTTL      time.Duration
	verifyTimeout time.Duration
	logger        logger.Logger
	metrics       metrics.Recorder
}

type Option func(*paywallConfig)

func WithCodec(c *codec.Codec) Option {
	return func(cfg *paywallConfig) { cfg.codec = c }
}

// WithChallengeTTL bounds how long an issued challenge can be paid.
func WithChallengeTTL(d time.Duration) Option {
	return func(cfg *paywallConfig) { cfg.nonceTTL = d }
}

func WithVerifyTimeout(d time.Duration) Option {
	return func(cfg *paywallConfig) { cfg.verifyTimeout = d }
}

func WithLogger(l logger.Logger) Option {
	return func(cfg *paywallConfig) { cfg.logger = l }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(cfg *paywallConfig) { cfg.metrics = m }
}

// NewPaywall creates a paywall collecting payments to recipient.
func NewPaywall(ledger clients.Ledger, recipient string, assets []types.TokenInfo, opts ...Option) (*Paywall, error) {
	if err := ledger.ValidateAddress(recipient); err != nil {
		return nil, fmt.Errorf("invalid paywall recipient: %w", err)
	}

	cfg := &paywallConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.codec == nil {
		cfg.codec = codec.New(types.CodecConfig{})
	}

	nonces := NewNonceStore(cfg.nonceTTL)
	return &Paywall{
		recipient: recipient,
		codec:     cfg.codec,
		nonces:    nonces,
		verifier:  NewVerifier(ledger, nonces, assets, cfg.verifyTimeout),
		logger:    logger.OrNoop(cfg.logger),
		metrics:   metrics.OrNoop(cfg.metrics),
	}, nil
}

// Require returns middleware charging amount of currency per request.
func (p *Paywall) Require(amount decimal.Decimal, currency types.Currency) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := Requirement{
				Amount:    amount,
				Currency:  currency,
				Recipient: p.recipient,
				Resource:  r.URL.Path,
			}
			labels := map[string]string{metrics.LabelCurrency: currency.String()}

			proof, err := p.codec.DecodeProof(r.Header)
			if errors.Is(err, codec.ErrNoProof) {
				labels[metrics.LabelOutcome] = "challenged"
				p.metrics.IncCounter(MetricPaywall, labels)
				p.challenge(w, req, "Payment required")
				return
			}
			if err != nil {
				labels[metrics.LabelOutcome] = "malformed"
				p.metrics.IncCounter(MetricPaywall, labels)
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": types.AsGatewayError(err).Message})
				return
			}

			result, err := p.verifier.Verify(r.Context(), proof, req.Resource)
			if err != nil {
				p.logger.Error("payment verification unavailable", map[string]any{
					"signature": proof.Signature,
					"error":     err,
				})
				labels[metrics.LabelOutcome] = "unavailable"
				p.metrics.IncCounter(MetricPaywall, labels)
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "payment verification unavailable"})
				return
			}

			if !result.Valid {
				p.logger.Warn("payment proof rejected", map[string]any{
					"signature": proof.Signature,
					"nonce":     proof.Nonce,
					"reason":    result.InvalidReason,
				})
				labels[metrics.LabelOutcome] = "rejected"
				p.metrics.IncCounter(MetricPaywall, labels)
				if proof.Recipient != p.recipient {
					writeJSON(w, http.StatusBadRequest, map[string]any{"error": result.InvalidReason})
					return
				}
				p.challenge(w, req, result.InvalidReason)
				return
			}

			labels[metrics.LabelOutcome] = "paid"
			p.metrics.IncCounter(MetricPaywall, labels)
			p.logger.Info("payment accepted", map[string]any{
				"signature": result.Signature,
				"payer":     result.Payer,
				"amount":    result.Amount.String(),
				"resource":  req.Resource,
			})

			if receipt, err := json.Marshal(result); err == nil {
				w.Header().Set(PaymentResponseHeader, string(receipt))
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), resultKey{}, result)))
		})
	}
}

func (p *Paywall) challenge(w http.ResponseWriter, req Requirement, reason string) {
	ch := p.nonces.Issue(req)
	raw, err := p.codec.MarshalChallenge(ch)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to issue challenge"})
		return
	}

	w.Header().Set(p.codec.ChallengeHeader(), string(raw))
	w.Header().Set("WWW-Authenticate", fmt.Sprintf("x402 amount=%s token=%s", req.Amount, req.Currency))
	writeJSON(w, http.StatusPaymentRequired, map[string]any{
		"error":     reason,
		"message":   fmt.Sprintf("This endpoint requires %s %s", req.Amount, req.Currency),
		"challenge": json.RawMessage(raw),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
