package settlement

import (
	"math/big"

	"github.com/pkg/errors"
)

// Monetary values are arbitrary precision integers in the token's smallest
// unit, persisted as canonical decimal strings. Floating point never touches
// an amount.

// ParseAmount parses a canonical decimal string into a non-negative integer.
func ParseAmount(s string) (*big.Int, error) {
	if len(s) == 0 {
		return nil, errors.New("empty amount")
	}

	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, errors.Errorf("invalid amount %q", s)
	}

	if v.Sign() < 0 {
		return nil, errors.Errorf("negative amount %q", s)
	}

	// Reject non-canonical forms like "007" so stored strings compare by
	// equality.
	if v.String() != s {
		return nil, errors.Errorf("non-canonical amount %q", s)
	}

	return v, nil
}

// FormatAmount renders the canonical decimal form used in storage and on the
// wire.
func FormatAmount(v *big.Int) string {
	return v.String()
}
