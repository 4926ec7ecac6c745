package verification

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vitwit/x402-agent-gateway/clients"
	"github.com/vitwit/x402-agent-gateway/types"
)

// VerificationResult is the outcome of checking a proof. Invalid proofs are
// reported through Valid and InvalidReason, not as errors.
type VerificationResult struct {
	Valid         bool            `json:"valid"`
	InvalidReason string          `json:"invalidReason,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      types.Currency  `json:"currency"`
	Payer         string          `json:"payer,omitempty"`
	Signature     string          `json:"signature,omitempty"`
	// Underpaid is set when the only problem is the amount.
	Underpaid bool `json:"underpaid,omitempty"`
}

// Verifier checks payment proofs against issued challenges and the ledger.
type Verifier struct {
	ledger  clients.Ledger
	nonces  *NonceStore
	assets  map[types.Currency]types.TokenInfo
	timeout time.Duration
}

func NewVerifier(ledger clients.Ledger, nonces *NonceStore, assets []types.TokenInfo, timeout time.Duration) *Verifier {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	v := &Verifier{
		ledger:  ledger,
		nonces:  nonces,
		assets:  make(map[types.Currency]types.TokenInfo, len(assets)),
		timeout: timeout,
	}
	for _, a := range assets {
		v.assets[a.Symbol] = a
	}
	return v
}

// Verify checks proof against the challenge it claims to answer. On success
// the nonce and signature are consumed. The error is reserved for ledger
// failures.
func (v *Verifier) Verify(ctx context.Context, proof *types.PaymentProof, resource string) (*VerificationResult, error) {
	verifyCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	result := &VerificationResult{
		Amount:    proof.Amount,
		Currency:  proof.Currency,
		Payer:     proof.Payer,
		Signature: proof.Signature,
	}
	invalid := func(format string, args ...any) (*VerificationResult, error) {
		result.InvalidReason = fmt.Sprintf(format, args...)
		return result, nil
	}

	req, err := v.nonces.Lookup(proof.Nonce)
	if err != nil {
		return invalid("%v", err)
	}
	if req.Resource != "" && (req.Resource != resource || (proof.Resource != "" && proof.Resource != req.Resource)) {
		return invalid("nonce was issued for %s", req.Resource)
	}
	if proof.Recipient != req.Recipient {
		return invalid("Invalid recipient")
	}
	if proof.Currency != req.Currency {
		return invalid("expected payment in %s", req.Currency)
	}
	if proof.Amount.LessThan(req.Amount) {
		result.Underpaid = true
		return invalid("Insufficient payment amount")
	}

	asset, ok := v.assets[req.Currency]
	if !ok {
		return invalid("unsupported currency %s", req.Currency)
	}

	confirmed, err := v.ledger.SignatureStatus(verifyCtx, proof.Signature)
	if err != nil {
		if types.IsKind(err, types.KindValidation) {
			return invalid("invalid transaction signature")
		}
		return nil, err
	}
	if !confirmed {
		return invalid("transaction %s is not confirmed", proof.Signature)
	}

	paid, err := v.ledger.TransferredTo(verifyCtx, proof.Signature, req.Recipient, asset)
	if err != nil {
		if types.IsKind(err, types.KindDecode) || types.IsKind(err, types.KindValidation) {
			return invalid("transaction does not contain a usable transfer")
		}
		return nil, err
	}
	if paid.LessThan(req.Amount) {
		result.Underpaid = true
		return invalid("transaction paid %s %s, %s required", paid, req.Currency, req.Amount)
	}

	if err := v.nonces.Consume(proof.Nonce, proof.Signature); err != nil {
		return invalid("%v", err)
	}

	result.Valid = true
	result.Amount = paid
	return result, nil
}
