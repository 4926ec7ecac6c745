package clients

import (
	"context"

	"github.com/shopspring/decimal"
	x402types "github.com/vitwit/x402-agent-gateway/types"
)

// Ledger is the capability the gateway needs from the blockchain.
type Ledger interface {
	// Address is the vault (payer) address.
	Address() string
	Network() x402types.Network
	// ValidateAddress checks that addr is a syntactically valid account address.
	ValidateAddress(addr string) error
	// GetBalance returns the holding of asset at address. A missing token
	// holding yields a zero balance with Degraded set rather than an error.
	GetBalance(ctx context.Context, address string, asset x402types.TokenInfo) (*x402types.Balance, error)
	// TransferNative moves the chain-native coin and waits for confirmation.
	TransferNative(ctx context.Context, req *x402types.TransferRequest) (string, error)
	// TransferToken moves a fungible token, provisioning the recipient's
	// holding account in the same transaction when needed.
	TransferToken(ctx context.Context, req *x402types.TransferRequest) (string, error)
	// SignatureStatus reports whether a transaction reached the configured commitment.
	SignatureStatus(ctx context.Context, signature string) (bool, error)
	// TransferredTo reports the amount of asset a landed transaction moved to recipient.
	TransferredTo(ctx context.Context, signature, recipient string, asset x402types.TokenInfo) (decimal.Decimal, error)
	Close()
}
