// Package utils provides small helper functions used across layers,
// independent of domain or business logic.
//
// This file holds the two phone-number normalizations used by the engine.
// They are deliberately distinct and must not be unified:
//
//   - MappingPhone produces the stable key used to match a sender against a
//     mapping's stored numbers. It strips formatting and leading zeros and
//     nothing else, so a number stored once keeps matching regardless of how
//     the transport renders it.
//   - CanonicalPhone produces a country-code-aware canonical form used by
//     bulk deduplication. It rewrites local prefixes into the default country
//     code, which would be wrong for mapping keys (it would silently re-key
//     existing mappings when the default country changes).
package utils

import "strings"

// MappingPhone normalizes a phone number into the mapping-key form:
// digits only, leading zeros removed. An input with no digits yields "".
func MappingPhone(s string) string {
	digits := digitsOnly(s)
	return strings.TrimLeft(digits, "0")
}

// CanonicalPhone normalizes a phone number into a country-code-prefixed
// canonical form for deduplication. defaultCC is the country calling code
// (digits, e.g. "62") applied to local numbers.
//
// Rules, in order: "00" international prefix is dropped; a single leading
// "0" (local format) is replaced by defaultCC; a short number that does not
// already start with defaultCC gets it prepended.
func CanonicalPhone(s, defaultCC string) string {
	digits := digitsOnly(s)
	if digits == "" {
		return ""
	}
	switch {
	case strings.HasPrefix(digits, "00"):
		return strings.TrimLeft(digits[2:], "0")
	case strings.HasPrefix(digits, "0"):
		return defaultCC + strings.TrimLeft(digits, "0")
	case defaultCC != "" && !strings.HasPrefix(digits, defaultCC) && len(digits) <= 10:
		return defaultCC + digits
	default:
		return digits
	}
}

// MaskPhone redacts the middle of a phone number for logs, keeping at most
// the first two and last two digits (e.g. "628123456789" → "62********89").
func MaskPhone(s string) string {
	digits := digitsOnly(s)
	if len(digits) <= 4 {
		return strings.Repeat("*", len(digits))
	}
	return digits[:2] + strings.Repeat("*", len(digits)-4) + digits[len(digits)-2:]
}

// digitsOnly drops every non-digit byte.
func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
