// Package imagehash computes perceptual, difference and average hashes of
// listing photos and compares them by Hamming distance.
package imagehash

import (
	"fmt"
	"image"
	"math"
	"regexp"
	"sort"

	"golang.org/x/image/draw"
)

const (
	sampleSize = 32
	dctSize    = 8
	hashBits   = 64
)

var hexHashRegex = regexp.MustCompile(`^[0-9a-f]{16}$`)

// Hashes holds the three 64-bit hashes of an image as 16-char hex strings.
// Either all three are set or none is.
type Hashes struct {
	Perceptual string `json:"phash,omitempty" db:"phash"`
	Difference string `json:"dhash,omitempty" db:"dhash"`
	Average    string `json:"ahash,omitempty" db:"ahash"`
}

// IsEmpty reports whether the image could not be hashed
func (h Hashes) IsEmpty() bool {
	return h.Perceptual == "" && h.Difference == "" && h.Average == ""
}

// Valid reports whether the hashes are all empty or all well formed
func (h Hashes) Valid() bool {
	if h.IsEmpty() {
		return true
	}
	return hexHashRegex.MatchString(h.Perceptual) &&
		hexHashRegex.MatchString(h.Difference) &&
		hexHashRegex.MatchString(h.Average)
}

// cosTable[k][n] = cos((2n+1)kπ / 2N)
var cosTable = func() [dctSize][sampleSize]float64 {
	var t [dctSize][sampleSize]float64
	for k := 0; k < dctSize; k++ {
		for n := 0; n < sampleSize; n++ {
			t[k][n] = math.Cos(float64((2*n+1)*k) * math.Pi / (2 * sampleSize))
		}
	}
	return t
}()

// HashImage grayscales img, samples it to 32x32 and computes all hashes
func HashImage(img image.Image) Hashes {
	pixels := samplePixels(img)
	return Hashes{
		Perceptual: perceptualHash(pixels),
		Difference: differenceHash(pixels),
		Average:    averageHash(pixels),
	}
}

func samplePixels(img image.Image) []float64 {
	gray := image.NewGray(image.Rect(0, 0, sampleSize, sampleSize))
	draw.CatmullRom.Scale(gray, gray.Bounds(), img, img.Bounds(), draw.Src, nil)

	pixels := make([]float64, sampleSize*sampleSize)
	for y := 0; y < sampleSize; y++ {
		for x := 0; x < sampleSize; x++ {
			pixels[y*sampleSize+x] = float64(gray.Pix[y*gray.Stride+x])
		}
	}
	return pixels
}

// perceptualHash keeps the 8x8 lowest frequencies of a 32x32 DCT-II and
// sets a bit for every coefficient above their median.
func perceptualHash(pixels []float64) string {
	// rows[i][v]: DCT along each row, only the low frequencies
	var rows [sampleSize][dctSize]float64
	for i := 0; i < sampleSize; i++ {
		for v := 0; v < dctSize; v++ {
			sum := 0.0
			for j := 0; j < sampleSize; j++ {
				sum += pixels[i*sampleSize+j] * cosTable[v][j]
			}
			rows[i][v] = sum
		}
	}

	coeffs := make([]float64, 0, dctSize*dctSize)
	for u := 0; u < dctSize; u++ {
		for v := 0; v < dctSize; v++ {
			sum := 0.0
			for i := 0; i < sampleSize; i++ {
				sum += rows[i][v] * cosTable[u][i]
			}
			coeffs = append(coeffs, (2.0/sampleSize)*dctWeight(u)*dctWeight(v)*sum)
		}
	}

	sorted := append([]float64(nil), coeffs...)
	sort.Float64s(sorted)
	median := sorted[len(sorted)/2]

	var bits uint64
	for _, c := range coeffs {
		bits <<= 1
		if c > median {
			bits |= 1
		}
	}
	return formatHash(bits)
}

func dctWeight(k int) float64 {
	if k == 0 {
		return 1 / math.Sqrt2
	}
	return 1
}

// differenceHash compares each pixel with its right neighbour row by row and
// keeps the first 64 comparisons.
func differenceHash(pixels []float64) string {
	var bits uint64
	n := 0
	for y := 0; y < sampleSize && n < hashBits; y++ {
		for x := 0; x < sampleSize-1 && n < hashBits; x++ {
			idx := y*sampleSize + x
			bits <<= 1
			if pixels[idx] > pixels[idx+1] {
				bits |= 1
			}
			n++
		}
	}
	return formatHash(bits)
}

// averageHash compares the first 64 pixels with the mean of the whole sample
func averageHash(pixels []float64) string {
	sum := 0.0
	for _, p := range pixels {
		sum += p
	}
	mean := sum / float64(len(pixels))

	var bits uint64
	for _, p := range pixels[:hashBits] {
		bits <<= 1
		if p > mean {
			bits |= 1
		}
	}
	return formatHash(bits)
}

func formatHash(bits uint64) string {
	return fmt.Sprintf("%016x", bits)
}
