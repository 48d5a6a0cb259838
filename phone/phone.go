// Package phone canonicalizes contact numbers to a country-agnostic
// subscriber form so numbers scraped from different sources compare equal.
package phone

import (
	"strings"
)

// Style selects the display form produced by Format
type Style int

const (
	Local Style = iota
	International
)

const subscriberLength = 9

// Normalizer holds the numbering plan used for normalization and display.
// The zero value is not usable; use Default or NewNormalizer.
type Normalizer struct {
	CountryCode     string
	TrunkPrefix     byte
	MobilePrefixes  map[string]bool
	GeographicAreas map[byte]bool
}

// Default is the Israeli numbering plan
var Default = NewNormalizer("972")

// NewNormalizer builds a normalizer for the given country calling code
func NewNormalizer(countryCode string) *Normalizer {
	return &Normalizer{
		CountryCode: countryCode,
		TrunkPrefix: '0',
		MobilePrefixes: map[string]bool{
			"50": true, "51": true, "52": true, "53": true,
			"54": true, "55": true, "58": true,
		},
		GeographicAreas: map[byte]bool{
			'2': true, '3': true, '4': true, '8': true, '9': true,
		},
	}
}

// Normalize returns the 9-digit subscriber form of raw. When raw cannot be
// normalized it is returned unchanged, so callers detect failure by
// comparing output and input.
func (n *Normalizer) Normalize(raw string) string {
	digits := digitsOnly(raw)

	switch {
	case strings.HasPrefix(digits, "00"+n.CountryCode):
		digits = digits[2+len(n.CountryCode):]
	case strings.HasPrefix(digits, n.CountryCode):
		digits = digits[len(n.CountryCode):]
	}

	if len(digits) > 0 && digits[0] == n.TrunkPrefix {
		digits = digits[1:]
	}

	switch {
	case len(digits) == subscriberLength:
		return digits
	case len(digits) == subscriberLength+1 && digits[0] == n.TrunkPrefix:
		return digits[1:]
	}
	return raw
}

// Format renders raw in local or international display form. Numbers that
// cannot be normalized are returned unchanged.
func (n *Normalizer) Format(raw string, style Style) string {
	normalized := n.Normalize(raw)
	if len(normalized) != subscriberLength || !isDigits(normalized) {
		return raw
	}

	if style == International {
		return "+" + n.CountryCode + "-" + normalized[:2] + "-" + normalized[2:5] + "-" + normalized[5:]
	}

	trunk := string(n.TrunkPrefix)
	prefix := normalized[:2]
	if n.MobilePrefixes[prefix] {
		return trunk + prefix + "-" + normalized[2:5] + "-" + normalized[5:]
	}
	if n.GeographicAreas[normalized[0]] {
		return trunk + normalized[:1] + "-" + normalized[1:4] + "-" + normalized[4:]
	}
	return trunk + prefix + "-" + normalized[2:5] + "-" + normalized[5:]
}

// Equal reports whether two numbers share a normalized form
func (n *Normalizer) Equal(a, b string) bool {
	return n.Normalize(a) == n.Normalize(b)
}

// Normalize uses the default numbering plan
func Normalize(raw string) string {
	return Default.Normalize(raw)
}

// Format uses the default numbering plan
func Format(raw string, style Style) string {
	return Default.Format(raw, style)
}

// Equal uses the default numbering plan
func Equal(a, b string) bool {
	return Default.Equal(a, b)
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
