package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/x402-agent-gateway/clients/clientstest"
	"github.com/vitwit/x402-agent-gateway/codec"
	"github.com/vitwit/x402-agent-gateway/gate"
	"github.com/vitwit/x402-agent-gateway/proxy"
	"github.com/vitwit/x402-agent-gateway/settlement"
	"github.com/vitwit/x402-agent-gateway/types"
)

type harness struct {
	ledger  *clientstest.FakeLedger
	handler http.Handler
}

type harnessOption func(*Deps, *[]proxy.Option)

func withGate(g *gate.Gate) harnessOption {
	return func(d *Deps, _ *[]proxy.Option) { d.Gate = g }
}

func withProxyOptions(opts ...proxy.Option) harnessOption {
	return func(_ *Deps, p *[]proxy.Option) { *p = append(*p, opts...) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	ledger := clientstest.NewFakeLedger(clientstest.RandomAddress())
	assets := types.DefaultAssets(types.NetworkSolanaDevnet)
	limits := types.PolicyLimits{
		MaxAmountPerRequest: decimal.RequireFromString("1.0"),
		AllowedCurrencies:   []types.Currency{types.CurrencySOL, types.CurrencyUSDC},
	}
	c := codec.New(types.CodecConfig{})
	exec := settlement.NewExecutor(ledger, assets)

	deps := Deps{
		Ledger: ledger,
		Payer:  exec,
		Codec:  c,
		Limits: limits,
		Assets: assets,
	}
	var proxyOpts []proxy.Option
	for _, opt := range opts {
		opt(&deps, &proxyOpts)
	}
	deps.Orchestrator = proxy.New(c, exec, limits, proxyOpts...)

	return &harness{ledger: ledger, handler: NewServer(deps).Routes()}
}

func (h *harness) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func TestAgentRequest_Pays(t *testing.T) {
	h := newHarness(t)
	recipient := clientstest.RandomAddress()

	rec, out := h.do(t, http.MethodPost, "/api/agent-request", map[string]any{
		"recipient":    recipient,
		"amount":       0.05,
		"currency":     "sol",
		"agent_id":     "agent-7",
		"service_name": "weather",
		"memo":         "forecast",
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, out["success"])
	tx := out["transaction"].(map[string]any)
	assert.Equal(t, "sig1", tx["signature"])
	assert.Equal(t, "SOL", tx["currency"])
	assert.Equal(t, 0.05, tx["amount"])
	assert.Contains(t, tx["explorer_url"], "cluster=devnet")
	assert.Equal(t, "agent-7", out["agent_info"].(map[string]any)["agent_id"])

	transfers := h.ledger.Transfers()
	require.Len(t, transfers, 1)
	assert.True(t, transfers[0].Native)
	assert.Contains(t, string(transfers[0].Request.Annotation), "forecast")
}

func TestAgentRequest_MissingFields(t *testing.T) {
	h := newHarness(t)

	rec, out := h.do(t, http.MethodPost, "/api/agent-request", map[string]any{"amount": 0.1})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, types.ReasonMissingField, out["error"])
	assert.NotNil(t, out["example"])
	assert.NotEmpty(t, out["request_id"])
	assert.Empty(t, h.ledger.Transfers())
}

func TestAgentRequest_PolicyViolations(t *testing.T) {
	recipient := clientstest.RandomAddress()
	tests := []struct {
		name   string
		body   map[string]any
		reason string
	}{
		{"over limit", map[string]any{"recipient": recipient, "amount": 5, "currency": "USDC"}, types.ReasonAmountExceedsLimit},
		{"unsupported currency", map[string]any{"recipient": recipient, "amount": 0.1, "currency": "BTC"}, types.ReasonUnsupportedCurrency},
		{"bad recipient", map[string]any{"recipient": "not-an-address", "amount": 0.1, "currency": "SOL"}, types.ReasonInvalidAddress},
		{"zero amount", map[string]any{"recipient": recipient, "amount": 0, "currency": "SOL"}, types.ReasonInvalidAmount},
		{"too precise", map[string]any{"recipient": recipient, "amount": "0.0000001", "currency": "USDC"}, types.ReasonInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			rec, out := h.do(t, http.MethodPost, "/api/agent-request", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.reason, out["error"])
			assert.Empty(t, h.ledger.Transfers())
			if tt.reason == types.ReasonUnsupportedCurrency {
				assert.ElementsMatch(t, []any{"SOL", "USDC"}, out["supported_currencies"])
			}
		})
	}
}

func TestAgentRequest_LedgerFailures(t *testing.T) {
	recipient := clientstest.RandomAddress()
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"rpc throttled", types.NewError(types.KindLedgerUnavailable, types.ReasonRPCRateLimited, "429"), http.StatusTooManyRequests},
		{"network down", types.NewError(types.KindLedgerUnavailable, types.ReasonNetworkUnreachable, "down"), http.StatusServiceUnavailable},
		{"rejected", types.NewError(types.KindTransferRejected, types.ReasonInsufficientFunds, "no funds"), http.StatusInternalServerError},
		{"timeout", types.NewError(types.KindConfirmationTimeout, types.ReasonNotConfirmed, "slow"), http.StatusInternalServerError},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.ledger.TransferErr = tt.err

			rec, out := h.do(t, http.MethodPost, "/api/agent-request", map[string]any{
				"recipient": recipient, "amount": 0.1, "currency": "SOL",
			})
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, false, out["success"])
			assert.NotEmpty(t, out["message"])
		})
	}
}

func TestSendPayment_Shapes(t *testing.T) {
	recipient := clientstest.RandomAddress()
	tests := []struct {
		name     string
		body     string
		amount   float64
		currency string
	}{
		{"flat", fmt.Sprintf(`{"recipient":%q,"amount":0.2,"currency":"SOL"}`, recipient), 0.2, "SOL"},
		{"payment summary", fmt.Sprintf(`{"payment_summary":{"recipient":%q,"amount":"0.3","currency":"USDC"}}`, recipient), 0.3, "USDC"},
		{"settlement", fmt.Sprintf(`{"settlementResponse":{"recipient":%q},"serviceResponse":{"price":"$0.50"}}`, recipient), 0.5, "USDC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			rec, out := h.do(t, http.MethodPost, "/api/send-payment", tt.body)

			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			tx := out["transaction"].(map[string]any)
			assert.Equal(t, tt.amount, tx["amount"])
			assert.Equal(t, tt.currency, tx["currency"])
			assert.Equal(t, recipient, tx["recipient"])
		})
	}
}

func TestSendPayment_Metadata(t *testing.T) {
	recipient := clientstest.RandomAddress()

	h := newHarness(t)
	rec, out := h.do(t, http.MethodPost, "/api/send-payment",
		fmt.Sprintf(`{"recipient":%q,"amount":0.2,"currency":"SOL","agent_id":"agent-3","memo":"invoice 12"}`, recipient))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "agent-3", out["agent_info"].(map[string]any)["agent_id"])
	require.Len(t, h.ledger.Transfers(), 1)
	assert.Contains(t, string(h.ledger.Transfers()[0].Request.Annotation), "invoice 12")

	h = newHarness(t)
	rec, out = h.do(t, http.MethodPost, "/api/send-payment",
		fmt.Sprintf(`{"recipient":%q,"amount":0.2,"currency":"SOL","agent_id":42}`, recipient))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, types.ReasonInvalidField, out["error"])
	assert.Empty(t, h.ledger.Transfers())
}

func TestSendPayment_Undecodable(t *testing.T) {
	h := newHarness(t)
	rec, out := h.do(t, http.MethodPost, "/api/send-payment", `{"hello":"world"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, types.ReasonMissingChallenge, out["error"])
	assert.NotNil(t, out["example"])
}

// downstream answers 402 until a proof arrives, then retryStatus.
func downstream(t *testing.T, recipient string, retryStatus int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/free" {
			w.WriteHeader(http.StatusTeapot)
			_, _ = w.Write([]byte(`{"free":true}`))
			return
		}
		if r.Header.Get(codec.LegacyProofHeader) != "" {
			w.WriteHeader(retryStatus)
			_, _ = w.Write([]byte(`{"data":"premium"}`))
			return
		}
		w.Header().Set(codec.DefaultChallengeHeader,
			fmt.Sprintf(`{"amount":0.001,"recipient":%q,"resource":"/premium","nonce":"abc","timestamp":1700000000,"token":"SOL"}`, recipient))
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":"Payment required"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProxy_DirectSuccessKeepsStatus(t *testing.T) {
	h := newHarness(t)
	srv := downstream(t, clientstest.RandomAddress(), http.StatusOK)

	rec, out := h.do(t, http.MethodPost, "/api/proxy", map[string]any{"endpoint": srv.URL + "/free"})

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, false, out["paid"])
	assert.Equal(t, map[string]any{"free": true}, out["data"])
	assert.Nil(t, out["payment"])
	assert.Empty(t, h.ledger.Transfers())
}

func TestProxy_PaysChallenge(t *testing.T) {
	h := newHarness(t)
	recipient := clientstest.RandomAddress()
	srv := downstream(t, recipient, http.StatusOK)

	rec, out := h.do(t, http.MethodPost, "/api/proxy", map[string]any{
		"endpoint": srv.URL + "/premium",
		"request":  map[string]any{"method": "GET", "headers": map[string]string{"X-Trace": "1"}},
	})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, out["paid"])
	payment := out["payment"].(map[string]any)
	assert.Equal(t, "vault", payment["paidBy"])
	assert.Equal(t, "sig1", payment["signature"])
	assert.Equal(t, "SOL", payment["token"])
	assert.Equal(t, 0.001, payment["amount"])
	assert.Equal(t, map[string]any{"data": "premium"}, out["data"])
}

func TestProxy_PaidButDenied(t *testing.T) {
	h := newHarness(t)
	srv := downstream(t, clientstest.RandomAddress(), http.StatusForbidden)

	rec, out := h.do(t, http.MethodPost, "/api/proxy", map[string]any{"endpoint": srv.URL + "/premium"})

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "Payment processed but request still failed", out["message"])
	require.NotNil(t, out["payment"])
	assert.Equal(t, "sig1", out["payment"].(map[string]any)["signature"])
	assert.Len(t, h.ledger.Transfers(), 1)
}

func TestProxy_TransferFailureReturnsChallenge(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"rejected", types.NewError(types.KindTransferRejected, types.ReasonInsufficientFunds, "no funds"), http.StatusInternalServerError},
		{"unconfirmed", types.NewError(types.KindConfirmationTimeout, types.ReasonNotConfirmed, "outcome unknown").
			WithData(map[string]any{"signature": "pending-sig"}), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.ledger.TransferErr = tt.err
			recipient := clientstest.RandomAddress()
			var calls int32
			inner := downstream(t, recipient, http.StatusOK)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				inner.Config.Handler.ServeHTTP(w, r)
			}))
			defer srv.Close()

			rec, out := h.do(t, http.MethodPost, "/api/proxy", map[string]any{"endpoint": srv.URL + "/premium"})

			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, false, out["success"])
			require.NotNil(t, out["challenge"])
			challenge := out["challenge"].(map[string]any)
			assert.Equal(t, recipient, challenge["recipient"])
			assert.Equal(t, "abc", challenge["nonce"])
			assert.Nil(t, out["payment"])
			assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
		})
	}
}

func TestProxy_AutoPayDisabled(t *testing.T) {
	h := newHarness(t, withProxyOptions(proxy.WithAutoPay(false)))
	recipient := clientstest.RandomAddress()
	srv := downstream(t, recipient, http.StatusOK)

	rec, out := h.do(t, http.MethodPost, "/api/proxy", map[string]any{"endpoint": srv.URL + "/premium"})

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	require.NotNil(t, out["challenge"])
	assert.Equal(t, recipient, out["challenge"].(map[string]any)["recipient"])
	assert.Empty(t, h.ledger.Transfers())
}

func TestProxy_MissingEndpoint(t *testing.T) {
	h := newHarness(t)
	rec, out := h.do(t, http.MethodPost, "/api/proxy", map[string]any{"method": "GET"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, types.ReasonMissingEndpoint, out["error"])
}

func TestVaultBalance(t *testing.T) {
	h := newHarness(t)
	h.ledger.Balances[types.CurrencySOL] = decimal.RequireFromString("1.5")

	rec, out := h.do(t, http.MethodGet, "/api/vault-balance", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["success"])
	balances := out["balances"].(map[string]any)
	assert.Equal(t, 1.5, balances["sol"])
	assert.Equal(t, float64(0), balances["usdc"])
	assert.Equal(t, []any{"USDC"}, out["degraded"])
	assert.Contains(t, out["scanUrl"], h.ledger.Address())
}

func TestVaultBalance_SoftFailure(t *testing.T) {
	h := newHarness(t)
	h.ledger.BalanceErr = types.NewError(types.KindLedgerUnavailable, types.ReasonNetworkUnreachable, "down")

	rec, out := h.do(t, http.MethodGet, "/api/vault-balance", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, out["success"])
	assert.Equal(t, "Could not fetch balance", out["message"])
}

func TestGate_RateLimitsPaymentEndpoints(t *testing.T) {
	counter := gate.NewMemoryCounter(time.Minute)
	t.Cleanup(counter.Close)
	g := gate.New(gate.Config{Limit: 1, Window: time.Hour}, gate.PresenceAuthenticator{}, counter)
	h := newHarness(t, withGate(g))
	body := map[string]any{"recipient": clientstest.RandomAddress(), "amount": 0.01, "currency": "SOL"}

	rec, _ := h.do(t, http.MethodPost, "/api/agent-request", body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, out := h.do(t, http.MethodPost, "/api/agent-request", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, types.ReasonRateLimited, out["error"])
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Len(t, h.ledger.Transfers(), 1)

	// balance reads are not counted
	rec, _ = h.do(t, http.MethodGet, "/api/vault-balance", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec, out := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "devnet", out["network"])
}

func TestAgentRequest_PresenceAuthLeavesAgentUnset(t *testing.T) {
	g := gate.New(gate.Config{AuthEnabled: true}, gate.PresenceAuthenticator{}, nil)
	h := newHarness(t, withGate(g))

	raw, err := json.Marshal(map[string]any{"recipient": clientstest.RandomAddress(), "amount": 0.01, "currency": "SOL"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/agent-request", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(gate.HeaderAPIKey, "key-123")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	transfers := h.ledger.Transfers()
	require.Len(t, transfers, 1)

	var memo map[string]any
	require.NoError(t, json.Unmarshal(transfers[0].Request.Annotation, &memo))
	assert.NotContains(t, memo, "agent_id")
	assert.NotContains(t, string(transfers[0].Request.Annotation), "api-key")
}
