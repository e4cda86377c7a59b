package utils

import (
	"errors"
	"strings"
	"unicode"

	"github.com/ttacon/libphonenumber"
)

// ErrInvalidPhoneNumber is returned when no normalization path yields at least MinPhoneDigits digits
var ErrInvalidPhoneNumber = errors.New("invalid phone number")

// CountryHint carries the default country of the account a request belongs to
type CountryHint struct {
	CallingCode string // numeric, without "+", e.g. "966"
	Region      string // ISO 3166-1 alpha-2, e.g. "SA"
}

// NormalizePhone turns a free-form phone string into an E.164 address using hint for local formats.
func NormalizePhone(raw string, hint CountryHint) (string, error) {
	candidate := cleanPhone(raw)
	if candidate == "" {
		return "", ErrInvalidPhoneNumber
	}

	if !strings.HasPrefix(candidate, "+") {
		switch {
		case strings.HasPrefix(candidate, "00"):
			candidate = "+" + candidate[2:]
		case strings.HasPrefix(candidate, "0"):
			// The inner "00" test can never match here since the previous case already took it.
			// Kept so that local "0..." input is handled exactly like the legacy gateway did.
			if len(candidate) > 10 && strings.HasPrefix(candidate, "00") {
				candidate = "+" + candidate[2:]
			} else {
				candidate = "+" + candidate
			}
		case len(candidate) > 9:
			candidate = "+" + candidate
		default:
			candidate = "+" + candidate
		}
	}

	candidate = applyCallingCode(candidate, hint.CallingCode)

	if e164, ok := validatePhone(candidate, hint.Region); ok {
		return applyCallingCode(e164, hint.CallingCode), nil
	}

	digits := onlyDigits(candidate)
	if len(digits) < MinPhoneDigits {
		return "", ErrInvalidPhoneNumber
	}
	return "+" + digits, nil
}

// cleanPhone trims, collapses whitespace, joins "+ " and drops the remaining inner spaces
func cleanPhone(raw string) string {
	s := strings.Join(strings.Fields(raw), " ")
	s = strings.ReplaceAll(s, "+ ", "+")
	return strings.ReplaceAll(s, " ", "")
}

// applyCallingCode prefixes numbers that start with +9 but lack the expected calling code
func applyCallingCode(candidate, callingCode string) string {
	if callingCode == "" || !strings.HasPrefix(candidate, "+9") {
		return candidate
	}
	if strings.HasPrefix(candidate, "+"+callingCode) {
		return candidate
	}
	return "+" + callingCode + candidate[1:]
}

// validatePhone asks libphonenumber for the canonical form. A "+0" candidate is a local
// number with a trunk prefix, so it is parsed in national form against the region.
func validatePhone(candidate, region string) (e164 string, ok bool) {
	defer func() {
		if recover() != nil {
			e164, ok = "", false
		}
	}()

	input := candidate
	if strings.HasPrefix(candidate, "+0") {
		if region == "" {
			return "", false
		}
		input = candidate[1:]
	}

	num, err := libphonenumber.Parse(input, strings.ToUpper(region))
	if err != nil || !libphonenumber.IsValidNumber(num) {
		return "", false
	}
	return libphonenumber.Format(num, libphonenumber.E164), true
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < unicode.MaxASCII && unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
