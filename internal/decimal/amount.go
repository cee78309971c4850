// Package decimal implements the arbitrary-precision arithmetic the indexer
// needs for yocto-NEAR-scale stake amounts (10^24+ base units), where float64
// loses precision and the interchange contract with the document store is a
// decimal string.
package decimal

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrParseAmount is returned when a raw amount string cannot be reduced to a
// non-negative integer, per the ParseAmount entry in SPEC_FULL.md §7.
var ErrParseAmount = errors.New("decimal: invalid amount")

// ParseAmount normalizes a raw amount token into a non-negative arbitrary
// precision integer. It strips surrounding whitespace and quotes, truncates
// at the first decimal point (base-unit amounts are always whole numbers;
// a fractional suffix only ever appears when a float leaked through, e.g. a
// log line's "123.45"), and rejects negative or non-numeric remainders.
func ParseAmount(raw string) (*big.Int, error) {
	cleaned := strings.Trim(strings.TrimSpace(raw), `"`)
	if idx := strings.IndexByte(cleaned, '.'); idx >= 0 {
		cleaned = cleaned[:idx]
	}
	if cleaned == "" {
		return nil, fmt.Errorf("%w: empty amount", ErrParseAmount)
	}

	n, ok := new(big.Int).SetString(cleaned, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrParseAmount, raw)
	}
	if n.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative amount %q", ErrParseAmount, raw)
	}
	return n, nil
}

// Serialize re-renders n as the decimal string the document store expects.
func Serialize(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

// ParseAmountOrZero is ParseAmount with anomalies swallowed to zero, for call
// sites that log-and-continue rather than abort (e.g. the classifier summing
// amounts across receipts for a single transaction).
func ParseAmountOrZero(raw string) *big.Int {
	n, err := ParseAmount(raw)
	if err != nil {
		return big.NewInt(0)
	}
	return n
}
