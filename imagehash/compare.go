package imagehash

import (
	"math/bits"
	"strconv"
)

// Similarity thresholds on perceptual hashes
const (
	NearIdenticalThreshold = 0.95
	LikelySimilarThreshold = 0.85
)

// Similarity returns 1 - hamming/64 for two hex hashes, or 0 when either is
// empty or malformed.
func Similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	x, err := strconv.ParseUint(a, 16, 64)
	if err != nil {
		return 0
	}
	y, err := strconv.ParseUint(b, 16, 64)
	if err != nil {
		return 0
	}
	return 1 - float64(bits.OnesCount64(x^y))/hashBits
}

// PerceptualSimilarity compares the perceptual hashes of two images
func PerceptualSimilarity(a, b Hashes) float64 {
	return Similarity(a.Perceptual, b.Perceptual)
}

// NearIdentical reports whether two images are practically the same photo
func NearIdentical(a, b Hashes) bool {
	return PerceptualSimilarity(a, b) > NearIdenticalThreshold
}
