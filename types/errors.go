package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the failure class surfaced to callers.
type ErrorKind string

const (
	KindValidation          ErrorKind = "VALIDATION_ERROR"
	KindPolicyViolation     ErrorKind = "POLICY_VIOLATION"
	KindLedgerUnavailable   ErrorKind = "LEDGER_UNAVAILABLE"
	KindConfirmationTimeout ErrorKind = "CONFIRMATION_TIMEOUT"
	KindTransferRejected    ErrorKind = "TRANSFER_REJECTED"
	KindDecode              ErrorKind = "DECODE_ERROR"
	KindPaidButDenied       ErrorKind = "PAID_BUT_DENIED"
	KindDownstream          ErrorKind = "DOWNSTREAM_ERROR"
	KindRateLimited         ErrorKind = "RATE_LIMITED"
	KindUnauthenticated     ErrorKind = "UNAUTHENTICATED"
	KindConfig              ErrorKind = "CONFIG_ERROR"
	KindInternal            ErrorKind = "INTERNAL_ERROR"
)

// Common reason codes
const (
	ReasonMissingField          = "MISSING_FIELD"
	ReasonInvalidField          = "INVALID_FIELD"
	ReasonInvalidAmount         = "INVALID_AMOUNT"
	ReasonMissingEndpoint       = "MISSING_ENDPOINT"
	ReasonInvalidEndpoint       = "INVALID_ENDPOINT"
	ReasonAmountExceedsLimit    = "AMOUNT_EXCEEDS_LIMIT"
	ReasonUnsupportedCurrency   = "UNSUPPORTED_CURRENCY"
	ReasonInvalidAddress        = "INVALID_ADDRESS"
	ReasonMissingChallenge      = "MISSING_CHALLENGE"
	ReasonInvalidChallenge      = "INVALID_CHALLENGE"
	ReasonInvalidProof          = "INVALID_PROOF"
	ReasonRPCRateLimited        = "RPC_RATE_LIMITED"
	ReasonNetworkUnreachable    = "NETWORK_UNREACHABLE"
	ReasonDownstreamUnreachable = "DOWNSTREAM_UNREACHABLE"
	ReasonResponseTooLarge      = "DOWNSTREAM_RESPONSE_TOO_LARGE"
	ReasonInsufficientFunds     = "INSUFFICIENT_FUNDS"
	ReasonStaleBlockhash        = "STALE_BLOCKHASH"
	ReasonTransactionFailed     = "TRANSACTION_FAILED"
	ReasonNotConfirmed          = "NOT_CONFIRMED"
	ReasonDenied                = "DENIED_AFTER_PAYMENT"
	ReasonRateLimited           = "RATE_LIMIT_EXCEEDED"
	ReasonMissingCredential     = "MISSING_CREDENTIAL"
	ReasonInvalidCredential     = "INVALID_CREDENTIAL"
	ReasonVaultNotConfigured    = "VAULT_NOT_CONFIGURED"
	ReasonAutoPayDisabled       = "AUTO_PAY_DISABLED"
)

// GatewayError is the structured error every component returns.
type GatewayError struct {
	Kind    ErrorKind `json:"kind"`
	Reason  string    `json:"error"`
	Message string    `json:"message"`
	// Data is safe to share with the caller, e.g. the original challenge.
	Data interface{} `json:"details,omitempty"`
	Err  error       `json:"-"`
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the failure class onto the inbound response status.
func (e *GatewayError) HTTPStatus() int {
	switch e.Kind {
	case KindValidation, KindPolicyViolation, KindDecode:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindLedgerUnavailable, KindDownstream:
		switch e.Reason {
		case ReasonRPCRateLimited:
			return http.StatusTooManyRequests
		case ReasonResponseTooLarge:
			return http.StatusBadGateway
		}
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewError builds a GatewayError.
func NewError(kind ErrorKind, reason, message string) *GatewayError {
	return &GatewayError{Kind: kind, Reason: reason, Message: message}
}

// WithData attaches caller-visible context.
func (e *GatewayError) WithData(data interface{}) *GatewayError {
	e.Data = data
	return e
}

// Wrap records the underlying cause.
func (e *GatewayError) Wrap(err error) *GatewayError {
	e.Err = err
	return e
}

// AsGatewayError extracts a GatewayError from err, wrapping unknown errors as internal.
func AsGatewayError(err error) *GatewayError {
	if err == nil {
		return nil
	}
	var gerr *GatewayError
	if errors.As(err, &gerr) {
		return gerr
	}
	return &GatewayError{Kind: KindInternal, Reason: "INTERNAL_ERROR", Message: err.Error(), Err: err}
}

// IsKind reports whether err is a GatewayError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var gerr *GatewayError
	return errors.As(err, &gerr) && gerr.Kind == kind
}

// HasReason reports whether err is a GatewayError with the given reason.
func HasReason(err error, reason string) bool {
	var gerr *GatewayError
	return errors.As(err, &gerr) && gerr.Reason == reason
}
