package textsim

import (
	"regexp"
	"strings"

	"rental_dedupe/identity"
)

// Address comparator weights
const (
	weightStreet = 0.5
	weightNumber = 0.3
	weightCity   = 0.2
)

var (
	numberRegex         = regexp.MustCompile(`\d+`)
	addressPartSplitter = regexp.MustCompile(`[,،]`)
)

// AddressComponents is the lightweight parse of a free-text address
type AddressComponents struct {
	Street string
	Number string
	City   string
}

// ParseAddress extracts street, building number and city from an address
// of the form "street number, city".
func ParseAddress(address string) AddressComponents {
	norm := normalizeAddress(address)

	var c AddressComponents
	c.Number = numberRegex.FindString(norm)

	withoutNumber := strings.TrimSpace(numberRegex.ReplaceAllString(norm, ""))
	parts := addressPartSplitter.Split(withoutNumber, -1)
	if len(parts) > 0 {
		c.Street = collapse(parts[0])
	}
	if len(parts) > 1 {
		c.City = collapse(parts[1])
	}
	return c
}

// AddressSimilarity scores two addresses in [0,1] as the weighted sum of
// street edit similarity (0.5), an exact building number match (0.3) and
// city edit similarity (0.2). Components missing on either side add
// nothing, so identical addresses without a number top out at 0.7.
func AddressSimilarity(a, b string) float64 {
	if normalizeAddress(a) == "" || normalizeAddress(b) == "" {
		return 0
	}

	ca, cb := ParseAddress(a), ParseAddress(b)

	score := 0.0
	if ca.Street != "" && cb.Street != "" {
		score += levenshteinSimilarity(ca.Street, cb.Street) * weightStreet
	}
	if ca.Number != "" && ca.Number == cb.Number {
		score += weightNumber
	}
	if ca.City != "" && cb.City != "" {
		score += levenshteinSimilarity(ca.City, cb.City) * weightCity
	}
	return score
}

// normalizeAddress runs each comma separated part through the shared
// street normalization and keeps the separators ParseAddress splits on.
func normalizeAddress(address string) string {
	parts := addressPartSplitter.Split(address, -1)
	empty := true
	for i, p := range parts {
		parts[i] = identity.NormalizeAddress(p)
		if parts[i] != "" {
			empty = false
		}
	}
	if empty {
		return ""
	}
	return strings.Join(parts, ", ")
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
