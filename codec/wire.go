package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vitwit/x402-agent-gateway/types"
	"github.com/vitwit/x402-agent-gateway/utils"
)

var errNoAmount = errors.New("amount is missing")

// wireChallenge is the challenge object downstream services put in the
// challenge header, under "challenge" in the body, or flat in the body.
type wireChallenge struct {
	Amount    json.RawMessage `json:"amount"`
	Recipient string          `json:"recipient"`
	Resource  string          `json:"resource,omitempty"`
	Nonce     string          `json:"nonce,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	Token     string          `json:"token,omitempty"`
	Currency  string          `json:"currency,omitempty"`
}

// outgoingChallenge is what the paywall emits.
type outgoingChallenge struct {
	Amount    json.Number `json:"amount"`
	Recipient string      `json:"recipient"`
	Resource  string      `json:"resource,omitempty"`
	Nonce     string      `json:"nonce,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Token     string      `json:"token"`
}

// wireProof is attached to the retried request.
type wireProof struct {
	Amount    json.Number `json:"amount"`
	Recipient string      `json:"recipient"`
	Resource  string      `json:"resource,omitempty"`
	Nonce     string      `json:"nonce,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Token     string      `json:"token"`
	Signature string      `json:"signature"`
	Payer     string      `json:"payer"`
	PaidAt    int64       `json:"paid_at,omitempty"`
}

type incomingProof struct {
	Amount    json.RawMessage `json:"amount"`
	Recipient string          `json:"recipient"`
	Resource  string          `json:"resource,omitempty"`
	Nonce     string          `json:"nonce,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
	Token     string          `json:"token,omitempty"`
	Currency  string          `json:"currency,omitempty"`
	Signature string          `json:"signature"`
	Payer     string          `json:"payer"`
	PaidAt    json.RawMessage `json:"paid_at,omitempty"`
}

// parseAmount accepts a JSON number or a numeric string.
func parseAmount(raw json.RawMessage) (decimal.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return decimal.Zero, errNoAmount
	}

	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return decimal.Zero, fmt.Errorf("invalid amount %s: %w", raw, err)
		}
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, errNoAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}

// parseTimestamp accepts unix seconds or milliseconds as a number or string,
// or a formatted date string. Absent values resolve to fallback.
func parseTimestamp(raw json.RawMessage, fallback time.Time) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return fallback, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		if strings.TrimSpace(s) == "" {
			return fallback, nil
		}
		return utils.ParseFlexibleTime(s)
	}
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %s: %w", raw, err)
	}
	return utils.UnixFlexible(int64(f)), nil
}

// currencyOf picks the first non-empty symbol, falling back to the default.
func currencyOf(candidates ...string) (types.Currency, bool) {
	for _, c := range candidates {
		if strings.TrimSpace(c) != "" {
			return types.ParseCurrency(c), false
		}
	}
	return types.DefaultCurrency, true
}

func decodeError(reason, message string, err error) *types.GatewayError {
	gerr := types.NewError(types.KindDecode, reason, message)
	if err != nil {
		gerr = gerr.Wrap(err)
	}
	return gerr
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}
