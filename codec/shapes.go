package codec

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/vitwit/x402-agent-gateway/types"
	"github.com/vitwit/x402-agent-gateway/utils"
)

// parseHeaderShape decodes the structured challenge object carried in the
// challenge header or under "challenge" in a 402 body.
func parseHeaderShape(raw []byte, now time.Time) (*types.PaymentChallenge, error) {
	var w wireChallenge
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, decodeError(types.ReasonInvalidChallenge, "payment challenge is not a JSON object", err)
	}
	return fromWire(&w, types.ShapeHeader, now)
}

// parseFlatShape decodes {recipient, amount, currency} either at the top level
// of the body or nested under payment_summary.
func parseFlatShape(raw []byte, now time.Time) (*types.PaymentChallenge, error) {
	var w wireChallenge
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, decodeError(types.ReasonInvalidChallenge, "payment details are not a JSON object", err)
	}
	return fromWire(&w, types.ShapeFlat, now)
}

type settlementDocument struct {
	SettlementResponse struct {
		Recipient string `json:"recipient"`
		Currency  string `json:"currency,omitempty"`
		Nonce     string `json:"nonce,omitempty"`
		Resource  string `json:"resource,omitempty"`
	} `json:"settlementResponse"`
	ServiceResponse struct {
		Price    json.RawMessage `json:"price,omitempty"`
		Resource string          `json:"resource,omitempty"`
	} `json:"serviceResponse"`
	Amount    json.RawMessage `json:"amount,omitempty"`
	Currency  string          `json:"currency,omitempty"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// parseSettlementShape decodes a settlement/service response pair. The amount
// comes from a human price string such as "$0.50" when one is present.
func parseSettlementShape(raw []byte, now time.Time) (*types.PaymentChallenge, error) {
	var doc settlementDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, decodeError(types.ReasonInvalidChallenge, "settlement response is malformed", err)
	}

	recipient := strings.TrimSpace(doc.SettlementResponse.Recipient)
	if recipient == "" {
		return nil, decodeError(types.ReasonInvalidChallenge, "settlementResponse.recipient is missing", nil)
	}

	var price string
	priceIsString := len(doc.ServiceResponse.Price) > 0 &&
		json.Unmarshal(doc.ServiceResponse.Price, &price) == nil && price != ""

	ch := &types.PaymentChallenge{
		Recipient: recipient,
		Nonce:     doc.SettlementResponse.Nonce,
		Resource:  firstNonEmpty(doc.ServiceResponse.Resource, doc.SettlementResponse.Resource),
		Shape:     types.ShapeSettlement,
	}

	if priceIsString {
		amount, err := utils.ParsePriceString(price)
		if err != nil {
			return nil, decodeError(types.ReasonInvalidChallenge, "serviceResponse.price has no usable amount", err)
		}
		ch.Amount = amount
	} else {
		amount, err := parseAmount(doc.Amount)
		if err != nil {
			return nil, decodeError(types.ReasonInvalidChallenge, "settlement response has no usable amount", err)
		}
		ch.Amount = amount
	}

	ch.Currency, ch.CurrencyWasDefaulted = currencyOf(doc.Currency, doc.SettlementResponse.Currency)

	issued, err := parseTimestamp(doc.Timestamp, now)
	if err != nil {
		return nil, decodeError(types.ReasonInvalidChallenge, "invalid challenge timestamp", err)
	}
	ch.IssuedAt = issued
	return ch, nil
}

func fromWire(w *wireChallenge, shape types.ChallengeShape, now time.Time) (*types.PaymentChallenge, error) {
	recipient := strings.TrimSpace(w.Recipient)
	if recipient == "" {
		return nil, decodeError(types.ReasonInvalidChallenge, "payment challenge has no recipient", nil)
	}
	amount, err := parseAmount(w.Amount)
	if err != nil {
		return nil, decodeError(types.ReasonInvalidChallenge, "payment challenge has no usable amount", err)
	}
	issued, err := parseTimestamp(w.Timestamp, now)
	if err != nil {
		return nil, decodeError(types.ReasonInvalidChallenge, "invalid challenge timestamp", err)
	}

	currency, defaulted := currencyOf(w.Token, w.Currency)
	return &types.PaymentChallenge{
		Amount:               amount,
		Currency:             currency,
		Recipient:            recipient,
		Resource:             w.Resource,
		Nonce:                w.Nonce,
		IssuedAt:             issued,
		CurrencyWasDefaulted: defaulted,
		Shape:                shape,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
