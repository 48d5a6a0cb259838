// Package identity normalizes the identifying parts of a listing (source
// URL, address, free text) before they are compared.
package identity

import (
	"net/url"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

// DefaultItemURLMarker marks permalink URLs that identify a single listing
const DefaultItemURLMarker = "/item/"

const minTokenLength = 3

var streetReplacements = map[string]string{
	"street":    "st",
	"avenue":    "ave",
	"road":      "rd",
	"boulevard": "blvd",
	"lane":      "ln",
	"square":    "sq",
	"apartment": "apt",
	"floor":     "fl",
	"building":  "bldg",
	"רחוב":      "רח",
	"שדרות":     "שד",
	"שדרת":      "שד",
	"דירה":      "",
	"קומה":      "",
}

// NormalizeURL reduces a URL to scheme, host and path. Query strings and
// fragments carry tracking noise, not listing identity.
func NormalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.TrimSpace(raw)
	}
	p := u.Path
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + p
}

// IsItemURL reports whether raw is a permalink to a single listing
func IsItemURL(raw, marker string) bool {
	if marker == "" {
		marker = DefaultItemURLMarker
	}
	return raw != "" && strings.Contains(raw, marker)
}

// NormalizeAddress lowercases, drops punctuation and abbreviates common
// street words so "Herzl Street" and "herzl st." compare equal.
func NormalizeAddress(addr string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(addr)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}

	words := strings.Fields(b.String())
	out := words[:0]
	for _, w := range words {
		if abbrev, ok := streetReplacements[w]; ok {
			if abbrev == "" {
				continue
			}
			w = abbrev
		}
		out = append(out, w)
	}
	return strings.Join(out, " ")
}

// AddressTokens returns the words of the normalized address that are
// longer than two characters.
func AddressTokens(addr string) []string {
	var tokens []string
	for _, t := range strings.Fields(NormalizeAddress(addr)) {
		if len([]rune(t)) >= minTokenLength {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// SharedTokens counts distinct tokens present in both slices
func SharedTokens(a, b []string) int {
	seen := make(map[string]bool, len(a))
	for _, t := range a {
		seen[t] = true
	}
	shared := 0
	for _, t := range b {
		if seen[t] {
			shared++
			delete(seen, t)
		}
	}
	return shared
}

// CleanText strips HTML markup (social posts are often captured as HTML)
// and collapses whitespace.
func CleanText(s string) string {
	if strings.ContainsAny(s, "<&") {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
		if err == nil {
			doc.Find("br").ReplaceWithHtml("\n")
			doc.Find("script, style").Remove()
			s = doc.Text()
		}
	}
	return strings.Join(strings.Fields(s), " ")
}
