package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/vitwit/x402-agent-gateway/clients"
	"github.com/vitwit/x402-agent-gateway/logger"
	"github.com/vitwit/x402-agent-gateway/metrics"
	"github.com/vitwit/x402-agent-gateway/types"
	"github.com/vitwit/x402-agent-gateway/utils"
)

const (
	// GatewayName is recorded in every on-chain annotation.
	GatewayName = "x402-agent-gateway"

	annotationType = "x402_agent_payment"
	maxMemoBytes   = 200
)

// Metric names emitted by the executor.
const (
	MetricAttempt  = "payment_attempt"
	MetricSuccess  = "payment_success"
	MetricFailure  = "payment_failure"
	MetricTransfer = "transfer"
)

// Payer executes payment challenges.
type Payer interface {
	Execute(ctx context.Context, ch *types.PaymentChallenge, limits types.PolicyLimits, meta types.PaymentMetadata) (*types.PaymentProof, error)
}

// Executor turns a payment challenge into exactly one ledger transfer.
type Executor struct {
	ledger  clients.Ledger
	assets  map[types.Currency]types.TokenInfo
	logger  logger.Logger
	metrics metrics.Recorder
	now     func() time.Time
}

var _ Payer = (*Executor)(nil)

type Option func(*Executor)

func WithLogger(l logger.Logger) Option {
	return func(e *Executor) { e.logger = logger.OrNoop(l) }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(e *Executor) { e.metrics = metrics.OrNoop(m) }
}

// NewExecutor creates an executor paying from the ledger's vault with the
// given asset registry.
func NewExecutor(ledger clients.Ledger, assets []types.TokenInfo, opts ...Option) *Executor {
	e := &Executor{
		ledger:  ledger,
		assets:  make(map[types.Currency]types.TokenInfo, len(assets)),
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
		now:     time.Now,
	}
	for _, a := range assets {
		e.assets[a.Symbol] = a
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute checks ch against limits and pays it. Policy failures never reach
// the ledger. The returned proof echoes the challenge fields unchanged.
func (e *Executor) Execute(
	ctx context.Context,
	ch *types.PaymentChallenge,
	limits types.PolicyLimits,
	meta types.PaymentMetadata,
) (*types.PaymentProof, error) {
	if ch == nil {
		return nil, types.NewError(types.KindValidation, types.ReasonMissingField, "payment challenge is required")
	}

	asset, err := e.check(ch, limits)
	if err != nil {
		e.logger.Warn("payment rejected by policy", map[string]any{
			"recipient": ch.Recipient,
			"amount":    ch.Amount.String(),
			"currency":  ch.Currency.String(),
			"error":     err,
		})
		return nil, err
	}

	payer := e.ledger.Address()
	if payer == "" {
		return nil, types.NewError(types.KindConfig, types.ReasonVaultNotConfigured, "vault wallet not configured")
	}

	paidAt := e.now().UTC()
	annotation, err := buildAnnotation(ch, meta, payer, paidAt)
	if err != nil {
		return nil, types.NewError(types.KindInternal, types.ReasonInvalidChallenge, "failed to build annotation").Wrap(err)
	}

	req := &types.TransferRequest{
		From:       payer,
		To:         ch.Recipient,
		Amount:     ch.Amount,
		Asset:      asset,
		Annotation: annotation,
	}

	labels := map[string]string{metrics.LabelCurrency: asset.Symbol.String()}
	e.metrics.IncCounter(MetricAttempt, labels)

	e.logger.Info("sending payment", map[string]any{
		"recipient": ch.Recipient,
		"amount":    ch.Amount.String(),
		"currency":  asset.Symbol.String(),
		"resource":  ch.Resource,
		"agent_id":  meta.AgentID,
	})

	start := time.Now()
	var signature string
	if asset.IsNative() {
		signature, err = e.ledger.TransferNative(ctx, req)
	} else {
		signature, err = e.ledger.TransferToken(ctx, req)
	}
	elapsed := time.Since(start)

	if err != nil {
		gerr := types.AsGatewayError(err)
		e.metrics.IncCounter(MetricFailure, map[string]string{
			metrics.LabelCurrency: asset.Symbol.String(),
			metrics.LabelOutcome:  string(gerr.Kind),
		})
		e.metrics.ObserveLatency(MetricTransfer, elapsed, map[string]string{metrics.LabelOutcome: "failure"})
		e.logger.Error("payment failed", map[string]any{
			"recipient": ch.Recipient,
			"amount":    ch.Amount.String(),
			"currency":  asset.Symbol.String(),
			"kind":      string(gerr.Kind),
			"error":     err,
		})
		return nil, gerr
	}

	e.metrics.IncCounter(MetricSuccess, labels)
	e.metrics.ObserveLatency(MetricTransfer, elapsed, map[string]string{metrics.LabelOutcome: "success"})

	explorer := e.ledger.Network().ExplorerTxURL(signature)
	e.logger.Info("payment confirmed", map[string]any{
		"signature": signature,
		"explorer":  explorer,
		"duration":  elapsed.String(),
	})

	return &types.PaymentProof{
		Amount:      ch.Amount,
		Currency:    ch.Currency,
		Recipient:   ch.Recipient,
		Resource:    ch.Resource,
		Nonce:       ch.Nonce,
		IssuedAt:    ch.IssuedAt,
		Payer:       payer,
		Signature:   signature,
		PaidAt:      paidAt,
		ExplorerURL: explorer,
	}, nil
}

// check applies the policy in order and resolves the asset to pay with.
func (e *Executor) check(ch *types.PaymentChallenge, limits types.PolicyLimits) (types.TokenInfo, error) {
	if !ch.Amount.IsPositive() {
		return types.TokenInfo{}, types.NewError(
			types.KindValidation,
			types.ReasonInvalidAmount,
			"amount must be greater than zero",
		)
	}

	if ch.Amount.GreaterThan(limits.MaxAmountPerRequest) {
		return types.TokenInfo{}, types.NewError(
			types.KindPolicyViolation,
			types.ReasonAmountExceedsLimit,
			fmt.Sprintf("amount %s exceeds maximum of %s", ch.Amount, limits.MaxAmountPerRequest),
		).WithData(map[string]any{
			"max_amount": limits.MaxAmountPerRequest.String(),
			"requested":  ch.Amount.String(),
		})
	}

	asset, registered := e.assets[ch.Currency]
	if !limits.Allows(ch.Currency) || !registered {
		return types.TokenInfo{}, types.NewError(
			types.KindPolicyViolation,
			types.ReasonUnsupportedCurrency,
			fmt.Sprintf("unsupported currency: %s", ch.Currency),
		).WithData(map[string]any{"supported_currencies": limits.SupportedCurrencies()})
	}

	if err := e.ledger.ValidateAddress(ch.Recipient); err != nil {
		return types.TokenInfo{}, types.NewError(
			types.KindPolicyViolation,
			types.ReasonInvalidAddress,
			fmt.Sprintf("invalid recipient address: %s", ch.Recipient),
		).Wrap(err)
	}

	if _, err := utils.ToBaseUnits(ch.Amount, asset.Decimals); err != nil {
		return types.TokenInfo{}, types.NewError(
			types.KindValidation,
			types.ReasonInvalidAmount,
			fmt.Sprintf("%s supports at most %d decimal places", asset.Symbol, asset.Decimals),
		).Wrap(err)
	}

	return asset, nil
}

type annotation struct {
	Type        string      `json:"type"`
	Amount      json.Number `json:"amount"`
	Currency    string      `json:"currency"`
	Recipient   string      `json:"recipient"`
	Payer       string      `json:"payer"`
	AgentID     string      `json:"agent_id,omitempty"`
	ServiceName string      `json:"service_name,omitempty"`
	Memo        string      `json:"memo,omitempty"`
	Resource    string      `json:"resource,omitempty"`
	Nonce       string      `json:"nonce,omitempty"`
	Timestamp   string      `json:"timestamp"`
	Gateway     string      `json:"gateway"`
}

func buildAnnotation(ch *types.PaymentChallenge, meta types.PaymentMetadata, payer string, at time.Time) ([]byte, error) {
	return json.Marshal(annotation{
		Type:        annotationType,
		Amount:      json.Number(ch.Amount.String()),
		Currency:    ch.Currency.String(),
		Recipient:   ch.Recipient,
		Payer:       payer,
		AgentID:     meta.AgentID,
		ServiceName: meta.ServiceName,
		Memo:        truncate(meta.Memo, maxMemoBytes),
		Resource:    ch.Resource,
		Nonce:       ch.Nonce,
		Timestamp:   at.Format(time.RFC3339),
		Gateway:     GatewayName,
	})
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
