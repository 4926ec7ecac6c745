package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vitwit/x402-agent-gateway/gate"
	"github.com/vitwit/x402-agent-gateway/proxy"
	"github.com/vitwit/x402-agent-gateway/types"
	"github.com/vitwit/x402-agent-gateway/utils"
)

const maxRequestBytes = 1 << 20

var paymentExample = map[string]any{
	"recipient":    "SolanaWalletAddressHere",
	"amount":       0.50,
	"currency":     "USDC",
	"memo":         "Optional description",
	"agent_id":     "optional-agent-identifier",
	"service_name": "optional-service-name",
}

type agentPaymentRequest struct {
	Recipient   string           `json:"recipient" validate:"required"`
	Amount      *decimal.Decimal `json:"amount" validate:"required"`
	Currency    string           `json:"currency" validate:"required"`
	Memo        string           `json:"memo,omitempty"`
	AgentID     string           `json:"agent_id,omitempty"`
	ServiceName string           `json:"service_name,omitempty"`
}

type transactionView struct {
	Signature   string      `json:"signature"`
	ExplorerURL string      `json:"explorer_url"`
	Amount      json.Number `json:"amount"`
	Currency    string      `json:"currency"`
	Recipient   string      `json:"recipient"`
	Payer       string      `json:"payer"`
	Timestamp   time.Time   `json:"timestamp"`
}

type paymentResponse struct {
	Success     bool                  `json:"success"`
	Message     string                `json:"message"`
	Transaction transactionView       `json:"transaction"`
	AgentInfo   types.PaymentMetadata `json:"agent_info"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"network": s.deps.Ledger.Network().String(),
	})
}

// handleAgentRequest pays a recipient named directly by the agent.
func (s *Server) handleAgentRequest(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req agentPaymentRequest
	if err := utils.DecodeJSONBody(raw, &req); err != nil {
		body := envelope(r, types.AsGatewayError(err))
		body.Message = "Request must include: recipient (wallet address), amount (number), and currency (USDC or SOL)"
		body.Example = paymentExample
		writeJSON(w, http.StatusBadRequest, body)
		return
	}

	ch := &types.PaymentChallenge{
		Amount:    *req.Amount,
		Currency:  types.ParseCurrency(req.Currency),
		Recipient: strings.TrimSpace(req.Recipient),
		IssuedAt:  s.now().UTC(),
		Shape:     types.ShapeFlat,
	}
	meta := types.PaymentMetadata{AgentID: req.AgentID, ServiceName: req.ServiceName, Memo: req.Memo}
	s.pay(w, r, ch, meta)
}

// handleSendPayment pays whatever challenge shape the body carries.
func (s *Server) handleSendPayment(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ch, err := s.deps.Codec.Decode(http.Header{}, raw)
	if err != nil {
		body := envelope(r, types.AsGatewayError(err))
		body.Example = map[string]any{"recipient": "SolanaWalletAddressHere", "amount": 0.1, "currency": "USDC"}
		writeJSON(w, http.StatusBadRequest, body)
		return
	}

	var meta types.PaymentMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		writeError(w, r, types.NewError(types.KindValidation, types.ReasonInvalidField,
			"agent_id, service_name and memo must be strings").Wrap(err))
		return
	}
	s.pay(w, r, ch, meta)
}

func (s *Server) pay(w http.ResponseWriter, r *http.Request, ch *types.PaymentChallenge, meta types.PaymentMetadata) {
	if meta.AgentID == "" {
		if subject, ok := gate.SubjectFromContext(r.Context()); ok {
			meta.AgentID = subject
		}
	}

	// the transfer outlives a disconnecting caller, bounded by the ledger's own timeout
	proof, err := s.deps.Payer.Execute(context.WithoutCancel(r.Context()), ch, s.deps.Limits, meta)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, paymentResponse{
		Success: true,
		Message: "Payment completed successfully",
		Transaction: transactionView{
			Signature:   proof.Signature,
			ExplorerURL: proof.ExplorerURL,
			Amount:      json.Number(proof.Amount.String()),
			Currency:    proof.Currency.String(),
			Recipient:   proof.Recipient,
			Payer:       proof.Payer,
			Timestamp:   proof.PaidAt,
		},
		AgentInfo: meta,
	})
}

type proxyTarget struct {
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

type proxyRequest struct {
	Endpoint string `json:"endpoint"`
	proxyTarget
	// Request is the older nested form of method, headers and body.
	Request *proxyTarget `json:"request,omitempty"`

	AgentID     string `json:"agent_id,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
	Memo        string `json:"memo,omitempty"`
}

type proxyResponse struct {
	Success bool            `json:"success"`
	Paid    bool            `json:"paid"`
	Status  int             `json:"status"`
	Data    json.RawMessage `json:"data"`
	Payment *paymentView    `json:"payment"`
	Path    []proxy.State   `json:"state_path,omitempty"`
}

// handleProxy calls a downstream endpoint on the agent's behalf, paying any
// 402 challenge on the way.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req proxyRequest
	if err := utils.DecodeJSONBody(raw, &req); err != nil {
		writeError(w, r, err)
		return
	}
	target := req.proxyTarget
	if req.Request != nil {
		target = *req.Request
	}

	meta := types.PaymentMetadata{AgentID: req.AgentID, ServiceName: req.ServiceName, Memo: req.Memo}
	if meta.AgentID == "" {
		if subject, ok := gate.SubjectFromContext(r.Context()); ok {
			meta.AgentID = subject
		}
	}

	header := make(http.Header, len(target.Headers))
	for k, v := range target.Headers {
		header.Set(k, v)
	}

	res, err := s.deps.Orchestrator.Do(r.Context(), &proxy.Request{
		Endpoint: strings.TrimSpace(req.Endpoint),
		Method:   target.Method,
		Header:   header,
		Body:     outboundBody(target.Body),
		Metadata: meta,
	})

	switch res.State {
	case proxy.StateDirectSuccess, proxy.StateFinalSuccess:
		status := res.StatusCode
		if res.State == proxy.StateFinalSuccess {
			status = http.StatusOK
		}
		writeJSON(w, status, proxyResponse{
			Success: true,
			Paid:    res.Payment != nil,
			Status:  res.StatusCode,
			Data:    downstreamData(res.Body),
			Payment: newPaymentView(res.Payment),
			Path:    res.Path,
		})

	case proxy.StatePaymentRequired:
		gerr := types.NewError(types.KindPolicyViolation, types.ReasonAutoPayDisabled,
			"Payment required; automatic payment is disabled").
			WithData(map[string]any{"challenge": res.Challenge})
		body := envelope(r, gerr)
		body.Data = downstreamData(res.Body)
		writeJSON(w, http.StatusPaymentRequired, body)

	case proxy.StatePaidButDenied:
		status := res.StatusCode
		if status < http.StatusBadRequest {
			status = http.StatusInternalServerError
		}
		s.logger.Error("vault paid but downstream denied content", map[string]any{
			"endpoint":  req.Endpoint,
			"status":    res.StatusCode,
			"signature": res.Payment.Signature,
		})
		body := envelope(r, res.Err)
		body.Data = downstreamData(res.Body)
		writeJSON(w, status, body)

	default:
		gerr := types.AsGatewayError(err)
		body := envelope(r, gerr)
		if body.Challenge == nil {
			body.Challenge = res.Challenge
		}
		writeJSON(w, gerr.HTTPStatus(), body)
	}
}

type balanceResponse struct {
	Success      bool                   `json:"success"`
	Message      string                 `json:"message,omitempty"`
	VaultAddress string                 `json:"vaultAddress,omitempty"`
	Network      string                 `json:"network"`
	Balances     map[string]json.Number `json:"balances"`
	Degraded     []string               `json:"degraded,omitempty"`
	ScanURL      string                 `json:"scanUrl,omitempty"`
}

// handleVaultBalance always answers 200; failures are reported in the body.
func (s *Server) handleVaultBalance(w http.ResponseWriter, r *http.Request) {
	resp := balanceResponse{
		Network:  s.deps.Ledger.Network().String(),
		Balances: make(map[string]json.Number, len(s.deps.Assets)),
	}
	for _, a := range s.deps.Assets {
		resp.Balances[strings.ToLower(a.Symbol.String())] = "0"
	}

	vault := s.deps.Ledger.Address()
	if vault == "" {
		resp.Message = "Vault not configured yet"
		writeJSON(w, http.StatusOK, resp)
		return
	}

	type fetched struct {
		balance *types.Balance
		err     error
	}
	results := make([]fetched, len(s.deps.Assets))

	var wg sync.WaitGroup
	for i, asset := range s.deps.Assets {
		wg.Add(1)
		go func(i int, asset types.TokenInfo) {
			defer wg.Done()
			b, err := s.deps.Ledger.GetBalance(r.Context(), vault, asset)
			results[i] = fetched{balance: b, err: err}
		}(i, asset)
	}
	wg.Wait()

	for i, res := range results {
		if res.err != nil {
			s.logger.Warn("vault balance unavailable", map[string]any{
				"currency": s.deps.Assets[i].Symbol.String(),
				"error":    res.err,
			})
			resp.Message = "Could not fetch balance"
			for k := range resp.Balances {
				resp.Balances[k] = "0"
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}
		key := strings.ToLower(res.balance.Currency.String())
		resp.Balances[key] = json.Number(res.balance.Amount.String())
		if res.balance.Degraded {
			resp.Degraded = append(resp.Degraded, res.balance.Currency.String())
		}
	}

	resp.Success = true
	resp.VaultAddress = vault
	resp.ScanURL = s.deps.Ledger.Network().ExplorerAccountURL(vault)
	writeJSON(w, http.StatusOK, resp)
}

func readBody(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		return nil, types.NewError(types.KindValidation, types.ReasonMissingField, "failed to read request body").Wrap(err)
	}
	return raw, nil
}

// outboundBody forwards JSON strings as their raw text and everything else
// as JSON.
func outboundBody(raw json.RawMessage) []byte {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return []byte(s)
		}
	}
	return []byte(trimmed)
}

// downstreamData embeds a downstream body, quoting it when it is not JSON.
func downstreamData(body []byte) json.RawMessage {
	if len(body) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, _ := json.Marshal(string(body))
	return quoted
}
