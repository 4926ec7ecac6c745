// Package codec translates between downstream payment challenges and the
// gateway's canonical records, and encodes payment proofs for the retry.
package codec

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/vitwit/x402-agent-gateway/types"
	"github.com/vitwit/x402-agent-gateway/utils"
)

const (
	DefaultChallengeHeader = "X-Payment-Challenge"
	ProofHeader            = "X-Payment"
	LegacyProofHeader      = "X-Payment-Request"
)

// ErrNoProof is returned by DecodeProof when the request carries no proof at all.
var ErrNoProof = errors.New("no payment proof on request")

// Body keys that hold a header-shaped challenge.
var challengeBodyKeys = []string{"challenge", "payment_challenge"}

// Encoded is the extra material for the retried request.
type Encoded struct {
	Header http.Header
	Body   []byte
}

// Codec is stateless apart from its configuration and safe for concurrent use.
type Codec struct {
	cfg types.CodecConfig
	now func() time.Time
}

// New returns a codec. Zero-valued fields in cfg fall back to the defaults.
func New(cfg types.CodecConfig) *Codec {
	if cfg.ChallengeHeader == "" {
		cfg.ChallengeHeader = DefaultChallengeHeader
	}
	if len(cfg.ProofHeaders) == 0 {
		cfg.ProofHeaders = []string{ProofHeader, LegacyProofHeader}
	}
	return &Codec{cfg: cfg, now: time.Now}
}

func (c *Codec) Config() types.CodecConfig {
	return c.cfg
}

// Decode extracts the payment challenge from a 402 response. Shapes are tried
// in priority order: challenge header (or "challenge" body object), settlement
// response, then flat payment details.
func (c *Codec) Decode(header http.Header, body []byte) (*types.PaymentChallenge, error) {
	now := c.now().UTC()

	if raw := strings.TrimSpace(header.Get(c.cfg.ChallengeHeader)); raw != "" {
		return parseHeaderShape([]byte(raw), now)
	}

	var doc map[string]json.RawMessage
	if utils.IsJSONObject(body) {
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, decodeError(types.ReasonMissingChallenge, "402 response body is not valid JSON", err)
		}
	}

	for _, key := range challengeBodyKeys {
		if raw, ok := doc[key]; ok && isObject(raw) {
			return parseHeaderShape(raw, now)
		}
	}

	_, hasSettlement := doc["settlementResponse"]
	_, hasService := doc["serviceResponse"]
	if hasSettlement && hasService {
		return parseSettlementShape(body, now)
	}

	if raw, ok := doc["payment_summary"]; ok && isObject(raw) {
		return parseFlatShape(raw, now)
	}

	_, hasRecipient := doc["recipient"]
	_, hasAmount := doc["amount"]
	if hasRecipient || hasAmount {
		return parseFlatShape(body, now)
	}

	return nil, decodeError(types.ReasonMissingChallenge, "no recognised payment challenge in 402 response", nil)
}

// Encode builds the retry material for proof. When a proof body field is
// configured and body is a JSON object, the proof is merged into it as well.
func (c *Codec) Encode(proof *types.PaymentProof, body []byte) (*Encoded, error) {
	if proof == nil {
		return nil, errors.New("nil payment proof")
	}

	w := wireProof{
		Amount:    json.Number(proof.Amount.String()),
		Recipient: proof.Recipient,
		Resource:  proof.Resource,
		Nonce:     proof.Nonce,
		Timestamp: proof.IssuedAt.Unix(),
		Token:     proof.Currency.String(),
		Signature: proof.Signature,
		Payer:     proof.Payer,
	}
	if !proof.PaidAt.IsZero() {
		w.PaidAt = proof.PaidAt.Unix()
	}
	encoded, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}

	out := &Encoded{Header: http.Header{}, Body: body}
	for _, name := range c.cfg.ProofHeaders {
		out.Header.Set(name, string(encoded))
	}

	if c.cfg.ProofBodyField != "" && utils.IsJSONObject(body) {
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, err
		}
		doc[c.cfg.ProofBodyField] = encoded
		merged, err := json.Marshal(doc)
		if err != nil {
			return nil, err
		}
		out.Body = merged
	}
	return out, nil
}

// DecodeProof reads a proof from the first configured proof header present.
func (c *Codec) DecodeProof(header http.Header) (*types.PaymentProof, error) {
	var raw string
	for _, name := range c.cfg.ProofHeaders {
		if v := strings.TrimSpace(header.Get(name)); v != "" {
			raw = v
			break
		}
	}
	if raw == "" {
		return nil, ErrNoProof
	}

	var w incomingProof
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, decodeError(types.ReasonInvalidProof, "payment proof is not valid JSON", err)
	}
	if w.Signature == "" || w.Recipient == "" {
		return nil, decodeError(types.ReasonInvalidProof, "payment proof must include signature and recipient", nil)
	}
	amount, err := parseAmount(w.Amount)
	if err != nil {
		return nil, decodeError(types.ReasonInvalidProof, "payment proof has no usable amount", err)
	}
	issued, err := parseTimestamp(w.Timestamp, time.Time{})
	if err != nil {
		return nil, decodeError(types.ReasonInvalidProof, "invalid proof timestamp", err)
	}
	paid, err := parseTimestamp(w.PaidAt, time.Time{})
	if err != nil {
		return nil, decodeError(types.ReasonInvalidProof, "invalid proof payment time", err)
	}
	currency, _ := currencyOf(w.Token, w.Currency)

	return &types.PaymentProof{
		Amount:    amount,
		Currency:  currency,
		Recipient: w.Recipient,
		Resource:  w.Resource,
		Nonce:     w.Nonce,
		IssuedAt:  issued,
		Payer:     w.Payer,
		Signature: w.Signature,
		PaidAt:    paid,
	}, nil
}

// MarshalChallenge renders a challenge the way downstream services issue it.
func (c *Codec) MarshalChallenge(ch *types.PaymentChallenge) ([]byte, error) {
	if ch == nil {
		return nil, errors.New("nil payment challenge")
	}
	return json.Marshal(outgoingChallenge{
		Amount:    json.Number(ch.Amount.String()),
		Recipient: ch.Recipient,
		Resource:  ch.Resource,
		Nonce:     ch.Nonce,
		Timestamp: ch.IssuedAt.Unix(),
		Token:     ch.Currency.String(),
	})
}

// ChallengeHeader is the response header name challenges are read from.
func (c *Codec) ChallengeHeader() string {
	return c.cfg.ChallengeHeader
}
