// Package clientstest provides an in-memory Ledger for tests.
package clientstest

import (
	"context"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/vitwit/x402-agent-gateway/clients"
	"github.com/vitwit/x402-agent-gateway/types"
)

// Transfer is one recorded call to TransferNative or TransferToken.
type Transfer struct {
	Request   types.TransferRequest
	Native    bool
	Signature string
}

// FakeLedger records transfers instead of sending them. Zero value is not
// usable, construct with NewFakeLedger.
type FakeLedger struct {
	mu sync.Mutex

	vault   string
	network types.Network

	// TransferErr, when set, is returned by every transfer.
	TransferErr error
	// BalanceErr, when set, is returned by GetBalance.
	BalanceErr error
	Balances   map[types.Currency]decimal.Decimal

	transfers []Transfer
	landed    map[string]landed
}

type landed struct {
	to     string
	amount decimal.Decimal
	asset  types.Currency
}

var _ clients.Ledger = (*FakeLedger)(nil)

func NewFakeLedger(vault string) *FakeLedger {
	return &FakeLedger{
		vault:    vault,
		network:  types.NetworkSolanaDevnet,
		Balances: map[types.Currency]decimal.Decimal{},
		landed:   map[string]landed{},
	}
}

// RandomAddress returns a fresh valid ledger address.
func RandomAddress() string {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		panic(err)
	}
	return key.PublicKey().String()
}

func (f *FakeLedger) Address() string        { return f.vault }
func (f *FakeLedger) Network() types.Network { return f.network }
func (f *FakeLedger) Close()                 {}

func (f *FakeLedger) ValidateAddress(addr string) error {
	if _, err := solana.PublicKeyFromBase58(addr); err != nil {
		return types.NewError(types.KindValidation, types.ReasonInvalidAddress, "invalid address").Wrap(err)
	}
	return nil
}

func (f *FakeLedger) GetBalance(_ context.Context, address string, asset types.TokenInfo) (*types.Balance, error) {
	if f.BalanceErr != nil {
		return nil, f.BalanceErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	amount, ok := f.Balances[asset.Symbol]
	return &types.Balance{Address: address, Currency: asset.Symbol, Amount: amount, Degraded: !ok && !asset.IsNative()}, nil
}

func (f *FakeLedger) TransferNative(_ context.Context, req *types.TransferRequest) (string, error) {
	return f.record(req, true)
}

func (f *FakeLedger) TransferToken(_ context.Context, req *types.TransferRequest) (string, error) {
	return f.record(req, false)
}

func (f *FakeLedger) record(req *types.TransferRequest, native bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TransferErr != nil {
		return "", f.TransferErr
	}
	sig := fmt.Sprintf("sig%d", len(f.transfers)+1)
	f.transfers = append(f.transfers, Transfer{Request: *req, Native: native, Signature: sig})
	f.landed[sig] = landed{to: req.To, amount: req.Amount, asset: req.Asset.Symbol}
	return sig, nil
}

func (f *FakeLedger) SignatureStatus(_ context.Context, signature string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.landed[signature]
	return ok, nil
}

func (f *FakeLedger) TransferredTo(_ context.Context, signature, recipient string, asset types.TokenInfo) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.landed[signature]
	if !ok || l.to != recipient || l.asset != asset.Symbol {
		return decimal.Zero, nil
	}
	return l.amount, nil
}

// Land registers a transaction as if another wallet had sent it.
func (f *FakeLedger) Land(signature, recipient string, amount decimal.Decimal, currency types.Currency) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.landed[signature] = landed{to: recipient, amount: amount, asset: currency}
}

// Transfers returns a copy of the recorded transfers.
func (f *FakeLedger) Transfers() []Transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Transfer(nil), f.transfers...)
}
