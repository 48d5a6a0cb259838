package textsim

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSimilarity_IdenticalAfterNormalization(t *testing.T) {
	cases := []struct {
		name string
		a, b string
		lang Language
	}{
		{"case and punctuation", "Nice apartment, close to the sea!", "nice   apartment close to the sea", English},
		{"niqqud", "שָׁלוֹם", "שלום", Hebrew},
		{"hebrew room abbreviation", "דירת 3 חד'", "דירה 3 חד׳", Hebrew},
		{"hebrew area abbreviation", `80 מ"ר`, "80 מ״ר", Hebrew},
		{"english abbreviations", "3br apt, 70 sqm", "3 bedrooms apartment 70 square meters", English},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, 1.0, Similarity(tc.a, tc.b, tc.lang))
		})
	}
}

func TestSimilarity_Range(t *testing.T) {
	pairs := [][2]string{
		{"", ""},
		{"", "something"},
		{"alpha beta", "gamma delta"},
		{"sunny 3 room flat", "sunny 4 room flat near park"},
		{"דירה מרווחת במרכז העיר", "דירה מרווחת בצפון העיר"},
	}
	for _, p := range pairs {
		for _, lang := range []Language{English, Hebrew} {
			s := Similarity(p[0], p[1], lang)
			assert.GreaterOrEqual(t, s, 0.0)
			assert.LessOrEqual(t, s, 1.0)
			assert.InDelta(t, s, Similarity(p[1], p[0], lang), 1e-9, "similarity must be symmetric")
		}
	}
}

func TestSimilarity_EmptySideIsLow(t *testing.T) {
	for _, tc := range []struct {
		text string
		lang Language
	}{
		{"Bright 3 room apartment", English},
		{"x", English},
		{"דירה מרווחת במרכז העיר", Hebrew},
	} {
		assert.Less(t, Similarity(tc.text, "", tc.lang), 0.2)
		assert.Less(t, Similarity("", tc.text, tc.lang), 0.2)
	}
}

func TestSimilarity_Ordering(t *testing.T) {
	base := "bright 3 room apartment with balcony"
	near := Similarity(base, "bright 3 room apartment with a big balcony", English)
	far := Similarity(base, "parking spot for rent downtown", English)

	assert.Greater(t, near, 0.7)
	assert.Less(t, far, 0.3)
	assert.Less(t, Similarity("alpha beta", "gamma delta", English), 0.3)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "דירה 3 חדרים חד", Normalize("  דירת 3 חד'  ", Hebrew))
	assert.Equal(t, "80 מר", Normalize(`80 מ"ר`, Hebrew))
	assert.Equal(t, "דירה חד שינה", Normalize("דירה חד' שינה", Hebrew))
	assert.Equal(t, "2 bedrooms apartment", Normalize("2 BR Apt.", English))
	assert.Equal(t, "hello world", Normalize("Hello,\n\tWorld!", English))
}

func TestLevenshteinDistance(t *testing.T) {
	assert.Equal(t, 3, LevenshteinDistance([]rune("kitten"), []rune("sitting")))
	assert.Equal(t, 0, LevenshteinDistance([]rune("same"), []rune("same")))
	assert.Equal(t, 4, LevenshteinDistance(nil, []rune("abcd")))
	assert.Equal(t, 1, LevenshteinDistance([]rune("שלום"), []rune("שלם")))
}

func TestComponents(t *testing.T) {
	t.Run("jaccard", func(t *testing.T) {
		assert.InDelta(t, 0.5, jaccardSimilarity("a b c", "b c d"), 1e-9)
		assert.Equal(t, 0.0, jaccardSimilarity("", ""))
	})

	t.Run("token overlap counts multiplicity", func(t *testing.T) {
		assert.InDelta(t, 4.0/6.0, tokenOverlapSimilarity("room room view", "room view view", English), 1e-9)
	})

	t.Run("token overlap ignores stop words and single characters", func(t *testing.T) {
		assert.Equal(t, 1.0, tokenOverlapSimilarity("the flat x", "a flat", English))
		assert.Equal(t, 1.0, tokenOverlapSimilarity("דירה של משפחה", "דירה משפחה", Hebrew))
	})

	t.Run("length ratio", func(t *testing.T) {
		assert.InDelta(t, 0.5, lengthSimilarity("ab", "abcd"), 1e-9)
		assert.Equal(t, 1.0, lengthSimilarity("", ""))
	})

	t.Run("weighted clamps at one", func(t *testing.T) {
		c := Components{Levenshtein: 1, Jaccard: 1, TokenOverlap: 1, Length: 1}
		assert.Equal(t, 1.0, c.Weighted())
	})
}

func TestDetectLanguage(t *testing.T) {
	assert.Equal(t, Hebrew, DetectLanguage("Apartment", "דירה להשכרה"))
	assert.Equal(t, English, DetectLanguage("Apartment", "for rent"))
	assert.Equal(t, English, DetectLanguage())
}
