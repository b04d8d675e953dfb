// Package amount converts between human-facing point quantities and the
// ledger's fixed-point integer units.
package amount

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// MaxDecimals is the largest precision a ledger token can declare.
const MaxDecimals = 18

var (
	// ErrNotPositive is returned for zero or negative quantities.
	ErrNotPositive = errors.New("amount must be positive")
	// ErrOverflow is returned when the raw value does not fit in 64 bits.
	ErrOverflow = errors.New("amount exceeds ledger range")
)

var maxRaw = fromUint64(math.MaxUint64)

// ToRaw returns round(ui × 10^decimals) using round half away from zero.
// A quantity that rounds to zero raw units is rejected.
func ToRaw(ui decimal.Decimal, decimals uint8) (uint64, error) {
	if decimals > MaxDecimals {
		return 0, fmt.Errorf("amount: unsupported precision %d", decimals)
	}
	if !ui.IsPositive() {
		return 0, ErrNotPositive
	}
	raw := ui.Shift(int32(decimals)).Round(0)
	if !raw.IsPositive() {
		return 0, fmt.Errorf("%w: %s is below one raw unit at %d decimals", ErrNotPositive, ui.String(), decimals)
	}
	if raw.GreaterThan(maxRaw) {
		return 0, ErrOverflow
	}
	return raw.BigInt().Uint64(), nil
}

// ToUI converts raw units back into the human quantity.
func ToUI(raw uint64, decimals uint8) decimal.Decimal {
	return fromUint64(raw).Shift(-int32(decimals))
}

// WithinCeiling reports whether 0 < ui <= ceiling.
func WithinCeiling(ui, ceiling decimal.Decimal) bool {
	return ui.IsPositive() && ui.LessThanOrEqual(ceiling)
}

func fromUint64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}
