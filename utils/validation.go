package utils

import (
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	base58Pattern   = regexp.MustCompile("^[1-9A-HJ-NP-Za-km-z]+$")
	nonPricePattern = regexp.MustCompile(`[^0-9.]`)

	maxBaseUnits = decimal.NewFromBigInt(new(big.Int).SetUint64(math.MaxUint64), 0)
)

// ValidateAmount checks if an amount string is a valid positive decimal
func ValidateAmount(amount string) (*decimal.Decimal, error) {
	if amount == "" {
		return nil, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}

	if !dec.IsPositive() {
		return nil, fmt.Errorf("amount must be greater than zero")
	}

	return &dec, nil
}

// ParsePriceString extracts the amount from a human-readable price such as
// "$0.50" or "0.25 USDC" by dropping everything except digits and '.'.
func ParsePriceString(price string) (decimal.Decimal, error) {
	cleaned := nonPricePattern.ReplaceAllString(price, "")
	if cleaned == "" {
		return decimal.Zero, fmt.Errorf("no numeric value in price %q", price)
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid price %q: %w", price, err)
	}
	return d, nil
}

// ToBaseUnits converts a human-scale amount into the ledger's integer unit.
// Amounts that would lose precision below the smallest unit are rejected.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (uint64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("amount cannot be negative")
	}
	scaled := amount.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more than %d fractional digits", amount, decimals)
	}
	if scaled.GreaterThan(maxBaseUnits) {
		return 0, fmt.Errorf("amount %s overflows base units", amount)
	}
	return scaled.BigInt().Uint64(), nil
}

// FromBaseUnits formats an integer base-unit amount back into human scale.
func FromBaseUnits(units uint64, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), -decimals)
}

// ParseFlexibleTime parses time fields that might be in different formats
func ParseFlexibleTime(timeStr string) (time.Time, error) {
	timeStr = strings.TrimSpace(timeStr)
	if secs, err := strconv.ParseInt(timeStr, 10, 64); err == nil {
		return UnixFlexible(secs), nil
	}

	formats := []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05",
		"2006-01-02",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, timeStr); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse time: %s", timeStr)
}

// UnixFlexible interprets v as unix seconds, or milliseconds when it is too
// large to be a plausible seconds value.
func UnixFlexible(v int64) time.Time {
	if v > 1e12 {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}

// IsBase58String reports whether s only uses the base58 alphabet
func IsBase58String(s string) bool {
	return base58Pattern.MatchString(s)
}
