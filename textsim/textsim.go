// Package textsim scores free-text similarity between listing titles,
// descriptions and addresses.
package textsim

import (
	"math"
	"regexp"
	"strings"
	"unicode"
)

// Language selects normalization and stop words
type Language string

const (
	Hebrew  Language = "hebrew"
	English Language = "english"
)

// Ensemble weights: edit distance, jaccard, token overlap, length ratio
const (
	weightLevenshtein = 0.3
	weightJaccard     = 0.3
	weightOverlap     = 0.3
	weightLength      = 0.1
)

var (
	whitespaceRegex  = regexp.MustCompile(`\s+`)
	punctuationRegex = regexp.MustCompile(`[.,!?;:'"״׳]`)
	niqqudRegex      = regexp.MustCompile(`[\x{0591}-\x{05C7}]`)
)

type expansion struct {
	pattern *regexp.Regexp
	replace string
}

// Expansions run on punctuation-free text, so quoted shorthand such as
// מ"ר is compared in its stripped form.
var hebrewExpansions = []expansion{
	{regexp.MustCompile(`דירת? (\d+)`), "דירה $1 חדרים"},
}

var englishExpansions = []expansion{
	{regexp.MustCompile(`\b(\d+)\s*(?:br|bd|bdr|bed|beds|bedroom)\b`), "$1 bedrooms"},
	{regexp.MustCompile(`\b(\d+)\s*(?:rm|rms|room)\b`), "$1 rooms"},
	{regexp.MustCompile(`\b(?:sqm|m2)\b`), "square meters"},
	{regexp.MustCompile(`\bapt\b`), "apartment"},
}

var stopWords = map[Language]map[string]bool{
	Hebrew: setOf(
		"של", "את", "על", "עם", "אל", "מן", "בין", "לא", "כל", "גם", "רק",
		"יש", "אין", "זה", "זאת", "הוא", "היא", "הם", "הן", "אני", "אתה",
	),
	English: setOf(
		"the", "a", "an", "and", "or", "but", "in", "on", "at", "to", "for",
		"of", "with", "by", "from", "is", "are", "was", "were", "been", "have", "has",
	),
}

// Components are the individual metrics behind Similarity
type Components struct {
	Levenshtein  float64
	Jaccard      float64
	TokenOverlap float64
	Length       float64
}

// Weighted combines the components into the final score, clamped to 1
func (c Components) Weighted() float64 {
	score := weightLevenshtein*c.Levenshtein +
		weightJaccard*c.Jaccard +
		weightOverlap*c.TokenOverlap +
		weightLength*c.Length
	return math.Min(1, score)
}

// Similarity scores two texts in [0,1]. Texts identical after normalization
// score exactly 1.
func Similarity(a, b string, lang Language) float64 {
	na := Normalize(a, lang)
	nb := Normalize(b, lang)
	if na == nb {
		return 1
	}
	return Compare(na, nb, lang).Weighted()
}

// Compare computes the metric components for two already normalized texts
func Compare(na, nb string, lang Language) Components {
	return Components{
		Levenshtein:  levenshteinSimilarity(na, nb),
		Jaccard:      jaccardSimilarity(na, nb),
		TokenOverlap: tokenOverlapSimilarity(na, nb, lang),
		Length:       lengthSimilarity(na, nb),
	}
}

// Normalize lowercases, collapses whitespace, strips punctuation and vowel
// marks (Hebrew), then expands common abbreviations.
func Normalize(text string, lang Language) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = whitespaceRegex.ReplaceAllString(s, " ")
	s = punctuationRegex.ReplaceAllString(s, "")

	expansions := englishExpansions
	if lang == Hebrew {
		s = niqqudRegex.ReplaceAllString(s, "")
		expansions = hebrewExpansions
	}
	for _, e := range expansions {
		s = e.pattern.ReplaceAllString(s, e.replace)
	}

	s = whitespaceRegex.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// DetectLanguage returns Hebrew when any text contains Hebrew letters
func DetectLanguage(texts ...string) Language {
	for _, t := range texts {
		for _, r := range t {
			if unicode.Is(unicode.Hebrew, r) {
				return Hebrew
			}
		}
	}
	return English
}

func levenshteinSimilarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	maxLen := max(len(ra), len(rb))
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(LevenshteinDistance(ra, rb))/float64(maxLen)
}

// LevenshteinDistance is the rune-level edit distance between a and b
func LevenshteinDistance(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prevRow := make([]int, len(b)+1)
	row := make([]int, len(b)+1)
	for j := range prevRow {
		prevRow[j] = j
	}

	for i := 1; i <= len(a); i++ {
		row[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			row[j] = min(prevRow[j]+1, row[j-1]+1, prevRow[j-1]+cost)
		}
		prevRow, row = row, prevRow
	}
	return prevRow[len(b)]
}

func jaccardSimilarity(a, b string) float64 {
	setA := setOf(strings.Fields(a)...)
	setB := setOf(strings.Fields(b)...)

	union := len(setA)
	intersection := 0
	for token := range setB {
		if setA[token] {
			intersection++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenOverlapSimilarity(a, b string, lang Language) float64 {
	tokensA := tokenize(a, lang)
	tokensB := tokenize(b, lang)
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0
	}

	counts := make(map[string]int, len(tokensA))
	for _, t := range tokensA {
		counts[t]++
	}
	overlap := 0
	for _, t := range tokensB {
		if counts[t] > 0 {
			overlap++
			counts[t]--
		}
	}
	return float64(2*overlap) / float64(len(tokensA)+len(tokensB))
}

func tokenize(text string, lang Language) []string {
	stop := stopWords[lang]
	var tokens []string
	for _, t := range strings.Fields(text) {
		if len([]rune(t)) <= 1 || stop[t] {
			continue
		}
		tokens = append(tokens, t)
	}
	return tokens
}

func lengthSimilarity(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	maxLen := max(la, lb)
	if maxLen == 0 {
		return 1
	}
	return float64(min(la, lb)) / float64(maxLen)
}

func setOf(items ...string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
