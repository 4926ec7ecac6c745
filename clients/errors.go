package clients

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/gagliardetto/solana-go/rpc"
	x402types "github.com/vitwit/x402-agent-gateway/types"
)

// Substrings the Solana RPC and its HTTP transport use for failures we classify.
var (
	rateLimitMarkers = []string{"429", "too many requests", "rate limit"}

	staleBlockhashMarkers = []string{"blockhash not found", "block height exceeded", "blockhash expired"}

	insufficientFundsMarkers = []string{
		"insufficient funds",
		"insufficient lamports",
		"attempt to debit an account but found no record of a prior credit",
		"custom program error: 0x1",
	}

	unreachableMarkers = []string{"connection refused", "no such host", "i/o timeout", "connection reset", "eof"}

	// Failures after which a sent transaction may still have reached the node.
	deliveryUnknownMarkers = []string{"i/o timeout", "connection reset", "eof"}

	accountNotFoundMarkers = []string{"could not find account", "account not found"}
)

func containsAny(msg string, markers []string) bool {
	msg = strings.ToLower(msg)
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func isAccountNotFound(err error) bool {
	return errors.Is(err, rpc.ErrNotFound) || containsAny(err.Error(), accountNotFoundMarkers)
}

// deliveryUnknown reports whether a send failed after the request may have
// left the process, so the transaction can still land.
func deliveryUnknown(err error) bool {
	if containsAny(err.Error(), rateLimitMarkers) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || containsAny(err.Error(), deliveryUnknownMarkers)
}

func isStaleBlockhash(err error) bool {
	return containsAny(err.Error(), staleBlockhashMarkers)
}

// classifyRPCError maps a failed read or preparation call onto the gateway taxonomy.
func classifyRPCError(op string, err error) *x402types.GatewayError {
	msg := err.Error()
	switch {
	case containsAny(msg, rateLimitMarkers):
		return x402types.NewError(
			x402types.KindLedgerUnavailable,
			x402types.ReasonRPCRateLimited,
			"the Solana RPC endpoint has reached its rate limit, try again in a few moments",
		).Wrap(fmt.Errorf("%s: %w", op, err))
	default:
		return x402types.NewError(
			x402types.KindLedgerUnavailable,
			x402types.ReasonNetworkUnreachable,
			"unable to reach the Solana network",
		).Wrap(fmt.Errorf("%s: %w", op, err))
	}
}

// classifySendError maps a rejected submission. Transport and throttling
// failures are reported as unavailability, everything else as a rejection.
func classifySendError(err error) *x402types.GatewayError {
	msg := err.Error()
	var netErr net.Error
	switch {
	case containsAny(msg, rateLimitMarkers):
		return classifyRPCError("send transaction", err)
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr), containsAny(msg, unreachableMarkers):
		return classifyRPCError("send transaction", err)
	case isStaleBlockhash(err):
		return x402types.NewError(
			x402types.KindTransferRejected,
			x402types.ReasonStaleBlockhash,
			"transaction rejected: recent blockhash is no longer valid",
		).Wrap(err)
	case containsAny(msg, insufficientFundsMarkers):
		return x402types.NewError(
			x402types.KindTransferRejected,
			x402types.ReasonInsufficientFunds,
			"vault has insufficient funds for this transfer",
		).Wrap(err)
	default:
		return x402types.NewError(
			x402types.KindTransferRejected,
			x402types.ReasonTransactionFailed,
			"transaction rejected by the ledger",
		).Wrap(err)
	}
}
