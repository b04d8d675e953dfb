package amount

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestToRawRoundsHalfAwayFromZero(t *testing.T) {
	cases := []struct {
		ui       string
		decimals uint8
		want     uint64
	}{
		{"1.005", 2, 101},
		{"1.004", 2, 100},
		{"5", 0, 5},
		{"2.5", 0, 3},
		{"0.5", 0, 1},
		{"10", 6, 10_000_000},
		{"0.000000001", 9, 1},
	}
	for _, tc := range cases {
		got, err := ToRaw(decimal.RequireFromString(tc.ui), tc.decimals)
		require.NoError(t, err, tc.ui)
		require.Equal(t, tc.want, got, tc.ui)
	}
}

func TestToRawRejectsNonPositive(t *testing.T) {
	for _, ui := range []string{"0", "-1", "0.001"} {
		_, err := ToRaw(decimal.RequireFromString(ui), 2)
		if !errors.Is(err, ErrNotPositive) {
			t.Fatalf("%s: expected ErrNotPositive, got %v", ui, err)
		}
	}
}

func TestToRawOverflow(t *testing.T) {
	_, err := ToRaw(decimal.RequireFromString("100"), 18)
	require.ErrorIs(t, err, ErrOverflow)

	_, err = ToRaw(decimal.NewFromInt(1), 19)
	require.Error(t, err)
}

func TestRoundTripWithinOneUnit(t *testing.T) {
	unit := decimal.New(1, -2)
	for _, ui := range []string{"1.005", "3.14159", "7", "9.999"} {
		value := decimal.RequireFromString(ui)
		raw, err := ToRaw(value, 2)
		require.NoError(t, err)
		back := ToUI(raw, 2)
		require.True(t, back.Sub(value).Abs().LessThanOrEqual(unit), "%s -> %d -> %s", ui, raw, back)
	}
}

func TestWithinCeiling(t *testing.T) {
	ceiling := decimal.NewFromInt(10)
	require.True(t, WithinCeiling(decimal.NewFromInt(10), ceiling))
	require.True(t, WithinCeiling(decimal.RequireFromString("0.01"), ceiling))
	require.False(t, WithinCeiling(decimal.RequireFromString("10.0001"), ceiling))
	require.False(t, WithinCeiling(decimal.Zero, ceiling))
	require.False(t, WithinCeiling(decimal.NewFromInt(-3), ceiling))
}
