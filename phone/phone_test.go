package phone

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var validNumbers = []struct {
	raw  string
	want string
}{
	{"050-123-4567", "501234567"},
	{"0501234567", "501234567"},
	{"501234567", "501234567"},
	{"+972-50-123-4567", "501234567"},
	{"972501234567", "501234567"},
	{"+972 0 52 555 1234", "525551234"},
	{"00972501234567", "501234567"},
	{"(052) 555 1234", "525551234"},
	{"077-1234567", "771234567"},
	{"00501234567", "501234567"},
	{"02-212-34567", "221234567"},
}

func TestNormalize(t *testing.T) {
	for _, tc := range validNumbers {
		t.Run(tc.raw, func(t *testing.T) {
			assert.Equal(t, tc.want, Normalize(tc.raw))
		})
	}
}

func TestNormalize_InvalidLengthReturnsInput(t *testing.T) {
	for _, raw := range []string{"", "12345", "03-1234567", "not a phone", "+1 (415) 555-0100 ext 12"} {
		t.Run(raw, func(t *testing.T) {
			assert.Equal(t, raw, Normalize(raw))
		})
	}
}

func TestFormat(t *testing.T) {
	t.Run("mobile local", func(t *testing.T) {
		assert.Equal(t, "050-123-4567", Format("+972501234567", Local))
	})

	t.Run("mobile international", func(t *testing.T) {
		assert.Equal(t, "+972-50-123-4567", Format("0501234567", International))
	})

	t.Run("geographic area code", func(t *testing.T) {
		assert.Equal(t, "02-212-34567", Format("221234567", Local))
	})

	t.Run("other prefix", func(t *testing.T) {
		assert.Equal(t, "077-123-4567", Format("0771234567", Local))
	})

	t.Run("invalid input unchanged", func(t *testing.T) {
		assert.Equal(t, "12-34", Format("12-34", Local))
		assert.Equal(t, "12-34", Format("12-34", International))
	})
}

func TestFormat_RoundTrip(t *testing.T) {
	for _, tc := range validNumbers {
		normalized := Normalize(tc.raw)
		for _, style := range []Style{Local, International} {
			formatted := Format(normalized, style)
			assert.Equal(t, normalized, Normalize(formatted), "raw=%s formatted=%s", tc.raw, formatted)
		}
	}
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal("050-123-4567", "+972 50 1234567"))
	assert.False(t, Equal("050-123-4567", "050-123-4568"))
}

func TestNewNormalizer_OtherCountry(t *testing.T) {
	n := NewNormalizer("44")
	assert.Equal(t, "791234567", n.Normalize("+44 07912 34567"))
	assert.Equal(t, "+44-79-123-4567", n.Format("0791234567", International))
}
