// Package phone canonicalizes Kenyan phone numbers to the single
// E.164-without-plus form (254XXXXXXXXX) used as user identity,
// session key and lock owner throughout the system.
package phone

import (
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidPhone is returned for input that cannot be canonicalized
// into a valid Kenyan subscriber number.
var ErrInvalidPhone = errors.New("invalid phone number")

// subscriberRe validates the 9-digit subscriber portion against the
// operator prefix rules: Safaricom/Airtel/Telkom mobile ranges start
// with 7 or 1.
var subscriberRe = regexp.MustCompile(`^254(7\d{8}|1\d{8})$`)

// Normalize canonicalizes a raw phone string.
//
// Rules, applied in order:
//   - strip whitespace and hyphens, drop a leading '+'
//   - "254..." is accepted as-is
//   - a leading '0' is replaced with "254"
//   - exactly 9 digits get "254" prepended
//   - anything else is ErrInvalidPhone
//
// The result is validated against the operator prefix regex, so
// Normalize(Normalize(x)) == Normalize(x) for every accepted x.
func Normalize(raw string) (string, error) {
	s := strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '-' {
			return -1
		}
		return r
	}, raw)
	s = strings.TrimPrefix(s, "+")
	if s == "" {
		return "", ErrInvalidPhone
	}

	switch {
	case strings.HasPrefix(s, "254"):
		// already canonical form
	case strings.HasPrefix(s, "0"):
		s = "254" + s[1:]
	case len(s) == 9:
		s = "254" + s
	default:
		return "", ErrInvalidPhone
	}

	if !subscriberRe.MatchString(s) {
		return "", ErrInvalidPhone
	}
	return s, nil
}

// IsValid reports whether raw canonicalizes to a valid number.
func IsValid(raw string) bool {
	_, err := Normalize(raw)
	return err == nil
}

// Mask redacts the middle digits of a normalized phone for logging.
// "254712345678" becomes "254712***678".
func Mask(normalized string) string {
	if len(normalized) < 9 {
		return "***"
	}
	return normalized[:6] + "***" + normalized[len(normalized)-3:]
}
