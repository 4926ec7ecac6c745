package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/vitwit/x402-agent-gateway/types"
)

// errorBody is the envelope every failed call returns.
type errorBody struct {
	Success             bool                    `json:"success"`
	Error               string                  `json:"error"`
	Kind                types.ErrorKind         `json:"kind"`
	Message             string                  `json:"message"`
	RequestID           string                  `json:"request_id"`
	Details             any                     `json:"details,omitempty"`
	SupportedCurrencies []string                `json:"supported_currencies,omitempty"`
	Challenge           *types.PaymentChallenge `json:"challenge,omitempty"`
	Payment             *paymentView            `json:"payment,omitempty"`
	Example             any                     `json:"example,omitempty"`
	Data                json.RawMessage         `json:"data,omitempty"`
}

// paymentView is the receipt shape returned to agents.
type paymentView struct {
	Amount      json.Number `json:"amount"`
	Token       string      `json:"token"`
	Recipient   string      `json:"recipient"`
	Signature   string      `json:"signature"`
	PaidBy      string      `json:"paidBy"`
	Payer       string      `json:"payer"`
	ExplorerURL string      `json:"explorer_url,omitempty"`
	Nonce       string      `json:"nonce,omitempty"`
}

func newPaymentView(p *types.PaymentProof) *paymentView {
	if p == nil {
		return nil
	}
	return &paymentView{
		Amount:      json.Number(p.Amount.String()),
		Token:       p.Currency.String(),
		Recipient:   p.Recipient,
		Signature:   p.Signature,
		PaidBy:      "vault",
		Payer:       p.Payer,
		ExplorerURL: p.ExplorerURL,
		Nonce:       p.Nonce,
	}
}

func requestID(r *http.Request) string {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return "req_" + id
	}
	return "req_" + uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err as the error envelope using its own status.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	gerr := types.AsGatewayError(err)
	writeJSON(w, gerr.HTTPStatus(), envelope(r, gerr))
}

func envelope(r *http.Request, gerr *types.GatewayError) *errorBody {
	body := &errorBody{
		Error:     gerr.Reason,
		Kind:      gerr.Kind,
		Message:   gerr.Message,
		RequestID: requestID(r),
	}

	data, ok := gerr.Data.(map[string]any)
	if !ok {
		body.Details = gerr.Data
		return body
	}

	rest := make(map[string]any, len(data))
	for k, v := range data {
		switch k {
		case "supported_currencies":
			if list, ok := v.([]string); ok {
				body.SupportedCurrencies = list
				continue
			}
		case "challenge":
			if ch, ok := v.(*types.PaymentChallenge); ok {
				body.Challenge = ch
				continue
			}
		case "payment":
			if p, ok := v.(*types.PaymentProof); ok {
				body.Payment = newPaymentView(p)
				continue
			}
		}
		rest[k] = v
	}
	if len(rest) > 0 {
		body.Details = rest
	}
	return body
}
