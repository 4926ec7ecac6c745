package codec

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/x402-agent-gateway/types"
)

const recipient = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCodec(cfg types.CodecConfig) *Codec {
	c := New(cfg)
	c.now = func() time.Time { return fixedNow }
	return c
}

func TestParseHeaderShape(t *testing.T) {
	raw := []byte(`{"amount":0.001,"recipient":"` + recipient + `","resource":"/premium","nonce":"abc","timestamp":1700000000,"token":"SOL"}`)

	ch, err := parseHeaderShape(raw, fixedNow)
	require.NoError(t, err)
	assert.True(t, ch.Amount.Equal(decimal.RequireFromString("0.001")))
	assert.Equal(t, types.CurrencySOL, ch.Currency)
	assert.False(t, ch.CurrencyWasDefaulted)
	assert.Equal(t, "/premium", ch.Resource)
	assert.Equal(t, "abc", ch.Nonce)
	assert.Equal(t, int64(1700000000), ch.IssuedAt.Unix())
	assert.Equal(t, types.ShapeHeader, ch.Shape)
}

func TestParseHeaderShape_StringAmountAndNoTimestamp(t *testing.T) {
	ch, err := parseHeaderShape([]byte(`{"amount":"0.25","recipient":"`+recipient+`"}`), fixedNow)
	require.NoError(t, err)
	assert.True(t, ch.Amount.Equal(decimal.RequireFromString("0.25")))
	assert.Equal(t, fixedNow, ch.IssuedAt)
	assert.Equal(t, types.DefaultCurrency, ch.Currency)
	assert.True(t, ch.CurrencyWasDefaulted)
}

func TestParseSettlementShape(t *testing.T) {
	raw := []byte(`{
		"settlementResponse": {"recipient": "` + recipient + `", "nonce": "n-1"},
		"serviceResponse": {"price": "$0.50", "resource": "/report"}
	}`)

	ch, err := parseSettlementShape(raw, fixedNow)
	require.NoError(t, err)
	assert.True(t, ch.Amount.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, recipient, ch.Recipient)
	assert.Equal(t, "/report", ch.Resource)
	assert.Equal(t, "n-1", ch.Nonce)
	assert.Equal(t, types.CurrencyUSDC, ch.Currency)
	assert.True(t, ch.CurrencyWasDefaulted)
	assert.Equal(t, types.ShapeSettlement, ch.Shape)
}

func TestParseSettlementShape_FallsBackToTopLevelAmount(t *testing.T) {
	raw := []byte(`{"settlementResponse":{"recipient":"` + recipient + `"},"serviceResponse":{},"amount":0.2,"currency":"SOL"}`)

	ch, err := parseSettlementShape(raw, fixedNow)
	require.NoError(t, err)
	assert.True(t, ch.Amount.Equal(decimal.RequireFromString("0.2")))
	assert.Equal(t, types.CurrencySOL, ch.Currency)
	assert.False(t, ch.CurrencyWasDefaulted)
}

func TestParseSettlementShape_UnusablePrice(t *testing.T) {
	raw := []byte(`{"settlementResponse":{"recipient":"` + recipient + `"},"serviceResponse":{"price":"free"}}`)

	_, err := parseSettlementShape(raw, fixedNow)
	assert.True(t, types.HasReason(err, types.ReasonInvalidChallenge))
	assert.True(t, types.IsKind(err, types.KindDecode))
}

func TestParseFlatShape(t *testing.T) {
	ch, err := parseFlatShape([]byte(`{"recipient":"`+recipient+`","amount":0.1,"currency":"usdc"}`), fixedNow)
	require.NoError(t, err)
	assert.Equal(t, types.CurrencyUSDC, ch.Currency)
	assert.False(t, ch.CurrencyWasDefaulted)
	assert.Equal(t, types.ShapeFlat, ch.Shape)

	_, err = parseFlatShape([]byte(`{"amount":0.1}`), fixedNow)
	assert.True(t, types.HasReason(err, types.ReasonInvalidChallenge))
}

func TestDecode_Priority(t *testing.T) {
	c := newTestCodec(types.CodecConfig{})

	header := http.Header{}
	header.Set("X-Payment-Challenge", `{"amount":0.001,"recipient":"`+recipient+`","token":"SOL"}`)
	body := []byte(`{"payment_summary":{"recipient":"other","amount":5,"currency":"USDC"}}`)

	ch, err := c.Decode(header, body)
	require.NoError(t, err)
	assert.Equal(t, types.ShapeHeader, ch.Shape)
	assert.Equal(t, recipient, ch.Recipient)

	ch, err = c.Decode(http.Header{}, body)
	require.NoError(t, err)
	assert.Equal(t, types.ShapeFlat, ch.Shape)
	assert.Equal(t, "other", ch.Recipient)
}

func TestDecode_BodyChallengeObject(t *testing.T) {
	c := newTestCodec(types.CodecConfig{})
	body := []byte(`{"error":"Payment required","challenge":{"amount":0.01,"recipient":"` + recipient + `","token":"SOL"}}`)

	ch, err := c.Decode(http.Header{}, body)
	require.NoError(t, err)
	assert.Equal(t, types.ShapeHeader, ch.Shape)
	assert.True(t, ch.Amount.Equal(decimal.RequireFromString("0.01")))
}

func TestDecode_MissingChallenge(t *testing.T) {
	c := newTestCodec(types.CodecConfig{})

	for _, body := range []string{``, `not json`, `{"error":"Payment required"}`, `[1,2]`} {
		_, err := c.Decode(http.Header{}, []byte(body))
		require.Error(t, err, body)
		assert.True(t, types.HasReason(err, types.ReasonMissingChallenge), body)
		assert.Equal(t, http.StatusBadRequest, types.AsGatewayError(err).HTTPStatus())
	}
}

func TestDecode_CustomHeaderName(t *testing.T) {
	c := newTestCodec(types.CodecConfig{ChallengeHeader: "X-Price"})
	header := http.Header{}
	header.Set("X-Price", `{"amount":"1","recipient":"`+recipient+`","currency":"SOL"}`)

	ch, err := c.Decode(header, nil)
	require.NoError(t, err)
	assert.Equal(t, types.CurrencySOL, ch.Currency)
}

func TestEncodeDecodeProof(t *testing.T) {
	c := newTestCodec(types.CodecConfig{})
	proof := &types.PaymentProof{
		Amount:    decimal.RequireFromString("0.001"),
		Currency:  types.CurrencySOL,
		Recipient: recipient,
		Resource:  "/premium",
		Nonce:     "abc",
		IssuedAt:  time.Unix(1700000000, 0).UTC(),
		Payer:     "payer",
		Signature: "sig",
		PaidAt:    time.Unix(1700000100, 0).UTC(),
	}

	enc, err := c.Encode(proof, []byte(`{"q":1}`))
	require.NoError(t, err)
	assert.Equal(t, enc.Header.Get(ProofHeader), enc.Header.Get(LegacyProofHeader))
	assert.JSONEq(t, `{"q":1}`, string(enc.Body))

	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(enc.Header.Get(ProofHeader)), &wire))
	assert.Equal(t, 0.001, wire["amount"])
	assert.Equal(t, "SOL", wire["token"])

	got, err := c.DecodeProof(enc.Header)
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(proof.Amount))
	assert.Equal(t, proof.Currency, got.Currency)
	assert.Equal(t, proof.Recipient, got.Recipient)
	assert.Equal(t, proof.Resource, got.Resource)
	assert.Equal(t, proof.Nonce, got.Nonce)
	assert.Equal(t, proof.IssuedAt, got.IssuedAt)
	assert.Equal(t, proof.Signature, got.Signature)
	assert.Equal(t, proof.Payer, got.Payer)
	assert.Equal(t, proof.PaidAt, got.PaidAt)
}

func TestEncode_MergesIntoBodyField(t *testing.T) {
	c := newTestCodec(types.CodecConfig{ProofBodyField: "payment"})
	proof := &types.PaymentProof{Amount: decimal.RequireFromString("1"), Currency: types.CurrencyUSDC, Recipient: recipient, Signature: "s"}

	enc, err := c.Encode(proof, []byte(`{"query":"x"}`))
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(enc.Body, &doc))
	assert.Contains(t, doc, "query")
	assert.Contains(t, doc, "payment")

	enc, err = c.Encode(proof, []byte(`plain`))
	require.NoError(t, err)
	assert.Equal(t, []byte(`plain`), enc.Body)
}

func TestDecodeProof_Absent(t *testing.T) {
	c := newTestCodec(types.CodecConfig{})
	_, err := c.DecodeProof(http.Header{})
	assert.True(t, errors.Is(err, ErrNoProof))

	header := http.Header{}
	header.Set(LegacyProofHeader, `{"amount":1}`)
	_, err = c.DecodeProof(header)
	assert.True(t, types.HasReason(err, types.ReasonInvalidProof))
}

func TestMarshalChallenge_RoundTrip(t *testing.T) {
	c := newTestCodec(types.CodecConfig{})
	ch := &types.PaymentChallenge{
		Amount:    decimal.RequireFromString("0.01"),
		Currency:  types.CurrencySOL,
		Recipient: recipient,
		Resource:  "/exclusive",
		Nonce:     "n",
		IssuedAt:  time.Unix(1700000000, 0).UTC(),
	}
	raw, err := c.MarshalChallenge(ch)
	require.NoError(t, err)

	header := http.Header{}
	header.Set(c.ChallengeHeader(), string(raw))
	got, err := c.Decode(header, nil)
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(ch.Amount))
	assert.Equal(t, ch.Currency, got.Currency)
	assert.Equal(t, ch.Nonce, got.Nonce)
	assert.Equal(t, ch.IssuedAt, got.IssuedAt)
}

func TestRoundTrip_AllShapes(t *testing.T) {
	tests := []struct {
		name   string
		header string
		body   string
		shape  types.ChallengeShape
	}{
		{
			name:   "header",
			header: `{"amount":0.001,"recipient":"` + recipient + `","resource":"/premium","nonce":"abc","timestamp":1700000000,"token":"SOL"}`,
			shape:  types.ShapeHeader,
		},
		{
			name:  "settlement and service",
			body:  `{"settlementResponse":{"recipient":"` + recipient + `"},"serviceResponse":{"price":"$0.50"}}`,
			shape: types.ShapeSettlement,
		},
		{
			name:  "payment summary",
			body:  `{"payment_summary":{"recipient":"` + recipient + `","amount":"0.3","currency":"USDC"}}`,
			shape: types.ShapeFlat,
		},
		{
			name:  "flat",
			body:  `{"recipient":"` + recipient + `","amount":0.2,"currency":"SOL","resource":"/report","nonce":"n-7"}`,
			shape: types.ShapeFlat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCodec(types.CodecConfig{})
			header := http.Header{}
			if tt.header != "" {
				header.Set(DefaultChallengeHeader, tt.header)
			}

			ch, err := c.Decode(header, []byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.shape, ch.Shape)

			proof := &types.PaymentProof{
				Amount:    ch.Amount,
				Currency:  ch.Currency,
				Recipient: ch.Recipient,
				Resource:  ch.Resource,
				Nonce:     ch.Nonce,
				IssuedAt:  ch.IssuedAt,
				Payer:     "payer",
				Signature: "sig",
				PaidAt:    fixedNow,
			}
			enc, err := c.Encode(proof, nil)
			require.NoError(t, err)

			got, err := c.DecodeProof(enc.Header)
			require.NoError(t, err)
			assert.True(t, got.Amount.Equal(ch.Amount), "amount %s != %s", got.Amount, ch.Amount)
			assert.Equal(t, ch.Currency, got.Currency)
			assert.Equal(t, ch.Recipient, got.Recipient)
			assert.Equal(t, ch.Resource, got.Resource)
			assert.Equal(t, ch.Nonce, got.Nonce)
			assert.True(t, ch.IssuedAt.Equal(got.IssuedAt))
		})
	}
}
