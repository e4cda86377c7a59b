package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var saudi = CountryHint{CallingCode: "966", Region: "SA"}

func TestNormalizePhone(t *testing.T) {
	t.Run("InternationalDoubleZeroPrefix", func(t *testing.T) {
		got, err := NormalizePhone("00966512345678", saudi)
		require.NoError(t, err)
		assert.Equal(t, "+966512345678", got)
	})

	t.Run("WhitespaceAndDetachedPlus", func(t *testing.T) {
		got, err := NormalizePhone("  + 966 51 234   5678 ", saudi)
		require.NoError(t, err)
		assert.Equal(t, "+966512345678", got)
	})

	t.Run("LocalTrunkPrefix", func(t *testing.T) {
		got, err := NormalizePhone("0512345678", saudi)
		require.NoError(t, err)
		assert.Equal(t, "+966512345678", got)
	})

	t.Run("BareNumberStartingWithNineGetsCallingCode", func(t *testing.T) {
		got, err := NormalizePhone("9123456789", CountryHint{CallingCode: "98", Region: "IR"})
		require.NoError(t, err)
		assert.Equal(t, "+989123456789", got)
	})

	t.Run("ShortLocalNumberFallsBackToDigitCount", func(t *testing.T) {
		got, err := NormalizePhone("1234567", CountryHint{})
		require.NoError(t, err)
		assert.Equal(t, "+1234567", got)
	})

	t.Run("TooFewDigits", func(t *testing.T) {
		for _, raw := range []string{"", "   ", "12345", "+12 34", "abc"} {
			_, err := NormalizePhone(raw, saudi)
			assert.ErrorIs(t, err, ErrInvalidPhoneNumber, raw)
		}
	})

	t.Run("Idempotent", func(t *testing.T) {
		inputs := []string{"00966512345678", "0512345678", "+16502530000", "+4930123456", "1234567", "9123456789"}
		for _, raw := range inputs {
			first, err := NormalizePhone(raw, saudi)
			require.NoError(t, err, raw)
			second, err := NormalizePhone(first, saudi)
			require.NoError(t, err, first)
			assert.Equal(t, first, second, raw)
		}
	})

	t.Run("HintIsPerCall", func(t *testing.T) {
		a, err := NormalizePhone("9123456789", CountryHint{CallingCode: "98", Region: "IR"})
		require.NoError(t, err)
		b, err := NormalizePhone("9123456789", saudi)
		require.NoError(t, err)
		assert.Equal(t, "+989123456789", a)
		assert.Equal(t, "+9669123456789", b)
	})
}

func TestApplyCallingCode(t *testing.T) {
	assert.Equal(t, "+966512345678", applyCallingCode("+966512345678", "966"))
	assert.Equal(t, "+9669123", applyCallingCode("+9123", "966"))
	assert.Equal(t, "+14155550100", applyCallingCode("+14155550100", "966"))
	assert.Equal(t, "+9123", applyCallingCode("+9123", ""))
}

func TestCalendarBoundaries(t *testing.T) {
	riyadh := time.FixedZone("AST", 3*3600)
	now := time.Date(2026, 3, 15, 22, 30, 0, 0, time.UTC) // 01:30 on the 16th in Riyadh

	assert.Equal(t, time.Date(2026, 3, 16, 0, 0, 0, 0, riyadh), StartOfDay(now, riyadh))
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, riyadh), StartOfMonth(now, riyadh))
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), StartOfDay(now, nil))
	assert.Equal(t, time.UTC, LoadLocationOrUTC("Nowhere/Atlantis"))
}
