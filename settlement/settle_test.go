package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/x402-agent-gateway/clients/clientstest"
	"github.com/vitwit/x402-agent-gateway/metrics"
	"github.com/vitwit/x402-agent-gateway/types"
)

func testLimits() types.PolicyLimits {
	return types.PolicyLimits{
		MaxAmountPerRequest: decimal.RequireFromString("1.0"),
		AllowedCurrencies:   []types.Currency{types.CurrencySOL, types.CurrencyUSDC},
	}
}

func newTestExecutor(t *testing.T) (*Executor, *clientstest.FakeLedger) {
	t.Helper()
	ledger := clientstest.NewFakeLedger(clientstest.RandomAddress())
	return NewExecutor(ledger, types.DefaultAssets(types.NetworkSolanaDevnet)), ledger
}

func challenge(amount string, currency types.Currency) *types.PaymentChallenge {
	return &types.PaymentChallenge{
		Amount:    decimal.RequireFromString(amount),
		Currency:  currency,
		Recipient: clientstest.RandomAddress(),
		Resource:  "/premium",
		Nonce:     "nonce-1",
		IssuedAt:  time.Unix(1700000000, 0).UTC(),
	}
}

func TestExecute_PolicyViolationsNeverReachLedger(t *testing.T) {
	cases := []struct {
		name   string
		ch     *types.PaymentChallenge
		kind   types.ErrorKind
		reason string
	}{
		{"zero amount", challenge("0", types.CurrencySOL), types.KindValidation, types.ReasonInvalidAmount},
		{"negative amount", challenge("-0.1", types.CurrencySOL), types.KindValidation, types.ReasonInvalidAmount},
		{"over limit", challenge("5.0", types.CurrencyUSDC), types.KindPolicyViolation, types.ReasonAmountExceedsLimit},
		{"unsupported currency", challenge("0.1", types.Currency("BTC")), types.KindPolicyViolation, types.ReasonUnsupportedCurrency},
		{"too precise", challenge("0.0000001", types.CurrencyUSDC), types.KindValidation, types.ReasonInvalidAmount},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			exec, ledger := newTestExecutor(t)
			_, err := exec.Execute(context.Background(), tc.ch, testLimits(), types.PaymentMetadata{})
			require.Error(t, err)
			gerr := types.AsGatewayError(err)
			assert.Equal(t, tc.kind, gerr.Kind)
			assert.Equal(t, tc.reason, gerr.Reason)
			assert.Empty(t, ledger.Transfers())
		})
	}
}

func TestExecute_InvalidRecipient(t *testing.T) {
	exec, ledger := newTestExecutor(t)
	ch := challenge("0.1", types.CurrencySOL)
	ch.Recipient = "not-base58!"

	_, err := exec.Execute(context.Background(), ch, testLimits(), types.PaymentMetadata{})
	assert.True(t, types.HasReason(err, types.ReasonInvalidAddress))
	assert.True(t, types.IsKind(err, types.KindPolicyViolation))
	assert.Empty(t, ledger.Transfers())
}

func TestExecute_UnsupportedCurrencyListsAllowed(t *testing.T) {
	exec, _ := newTestExecutor(t)
	limits := testLimits()
	limits.AllowedCurrencies = []types.Currency{types.CurrencySOL}

	_, err := exec.Execute(context.Background(), challenge("0.1", types.CurrencyUSDC), limits, types.PaymentMetadata{})
	gerr := types.AsGatewayError(err)
	require.NotNil(t, gerr)
	data, ok := gerr.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []string{"SOL"}, data["supported_currencies"])
}

func TestExecute_ProofEchoesChallenge(t *testing.T) {
	exec, ledger := newTestExecutor(t)
	ch := challenge("0.001", types.CurrencySOL)

	proof, err := exec.Execute(context.Background(), ch, testLimits(), types.PaymentMetadata{AgentID: "agent-7", Memo: "hello"})
	require.NoError(t, err)

	assert.True(t, proof.Amount.Equal(ch.Amount))
	assert.Equal(t, ch.Currency, proof.Currency)
	assert.Equal(t, ch.Recipient, proof.Recipient)
	assert.Equal(t, ch.Resource, proof.Resource)
	assert.Equal(t, ch.Nonce, proof.Nonce)
	assert.Equal(t, ch.IssuedAt, proof.IssuedAt)
	assert.Equal(t, ledger.Address(), proof.Payer)
	assert.Equal(t, "sig1", proof.Signature)
	assert.Contains(t, proof.ExplorerURL, "?cluster=devnet")

	transfers := ledger.Transfers()
	require.Len(t, transfers, 1)
	assert.True(t, transfers[0].Native)

	var memo map[string]any
	require.NoError(t, json.Unmarshal(transfers[0].Request.Annotation, &memo))
	assert.Equal(t, "x402_agent_payment", memo["type"])
	assert.Equal(t, "agent-7", memo["agent_id"])
	assert.Equal(t, "hello", memo["memo"])
	assert.Equal(t, "nonce-1", memo["nonce"])
	assert.Equal(t, GatewayName, memo["gateway"])
}

func TestExecute_TokenDispatch(t *testing.T) {
	exec, ledger := newTestExecutor(t)

	_, err := exec.Execute(context.Background(), challenge("0.5", types.CurrencyUSDC), testLimits(), types.PaymentMetadata{})
	require.NoError(t, err)
	transfers := ledger.Transfers()
	require.Len(t, transfers, 1)
	assert.False(t, transfers[0].Native)
	assert.Equal(t, int32(6), transfers[0].Request.Asset.Decimals)
}

func TestExecute_NoDedup(t *testing.T) {
	exec, ledger := newTestExecutor(t)
	ch := challenge("0.01", types.CurrencySOL)

	_, err := exec.Execute(context.Background(), ch, testLimits(), types.PaymentMetadata{})
	require.NoError(t, err)
	_, err = exec.Execute(context.Background(), ch, testLimits(), types.PaymentMetadata{})
	require.NoError(t, err)
	assert.Len(t, ledger.Transfers(), 2)
}

func TestExecute_LedgerFailureRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := metrics.NewPrometheusRecorder(reg)
	require.NoError(t, err)

	ledger := clientstest.NewFakeLedger(clientstest.RandomAddress())
	ledger.TransferErr = types.NewError(types.KindConfirmationTimeout, types.ReasonNotConfirmed, "not confirmed")
	exec := NewExecutor(ledger, types.DefaultAssets(types.NetworkSolanaDevnet), WithMetrics(rec))

	_, err = exec.Execute(context.Background(), challenge("0.01", types.CurrencySOL), testLimits(), types.PaymentMetadata{})
	assert.True(t, types.IsKind(err, types.KindConfirmationTimeout))

	assert.Equal(t, 1.0, testutil.ToFloat64(rec.Counter(MetricAttempt, "SOL", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.Counter(MetricFailure, "SOL", string(types.KindConfirmationTimeout))))
}

func TestExecute_UnknownLedgerErrorBecomesInternal(t *testing.T) {
	ledger := clientstest.NewFakeLedger(clientstest.RandomAddress())
	ledger.TransferErr = errors.New("boom")
	exec := NewExecutor(ledger, types.DefaultAssets(types.NetworkSolanaDevnet))

	_, err := exec.Execute(context.Background(), challenge("0.01", types.CurrencySOL), testLimits(), types.PaymentMetadata{})
	assert.True(t, types.IsKind(err, types.KindInternal))
}

func TestExecute_NoVault(t *testing.T) {
	ledger := clientstest.NewFakeLedger("")
	exec := NewExecutor(ledger, types.DefaultAssets(types.NetworkSolanaDevnet))

	_, err := exec.Execute(context.Background(), challenge("0.01", types.CurrencySOL), testLimits(), types.PaymentMetadata{})
	assert.True(t, types.HasReason(err, types.ReasonVaultNotConfigured))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "ab", truncate("abc", 2))
	long := strings.Repeat("é", 150)
	out := truncate(long, maxMemoBytes)
	assert.LessOrEqual(t, len(out), maxMemoBytes)
	assert.True(t, strings.HasPrefix(long, out))
}
