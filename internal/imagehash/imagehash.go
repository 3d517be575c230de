// Package imagehash computes DCT-based perceptual hashes of screenshots so
// visually similar pages can be grouped.
package imagehash

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"math/bits"
	"sort"
	"strconv"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	hashSize       = 8
	highFreqFactor = 4
	sampleSize     = hashSize * highFreqFactor
)

// ErrEmptyImage is returned for zero-sized input.
var ErrEmptyImage = errors.New("image has no pixels")

// Hash is a 64-bit perceptual hash. Bit 63 is the top-left low-frequency
// coefficient, bits follow in row-major order.
type Hash uint64

// String renders the hash as 16 lowercase hex digits.
func (h Hash) String() string {
	return fmt.Sprintf("%016x", uint64(h))
}

// Parse reads a hash produced by String.
func Parse(s string) (Hash, error) {
	if len(s) != 16 {
		return 0, fmt.Errorf("hash %q: want 16 hex digits", s)
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("hash %q: %w", s, err)
	}
	return Hash(v), nil
}

// Distance is the number of differing bits between two hashes.
func Distance(a, b Hash) int {
	return bits.OnesCount64(uint64(a ^ b))
}

// cosTable[k][n] = cos(pi*k*(2n+1)/(2N)) for the sample grid.
var cosTable = func() [sampleSize][sampleSize]float64 {
	var t [sampleSize][sampleSize]float64
	for k := 0; k < sampleSize; k++ {
		for n := 0; n < sampleSize; n++ {
			t[k][n] = math.Cos(math.Pi * float64(k) * float64(2*n+1) / float64(2*sampleSize))
		}
	}
	return t
}()

// Perceptual hashes img: grayscale, downsample to 32x32, 2D DCT, then one
// bit per low-frequency coefficient above the median.
func Perceptual(img image.Image) (Hash, error) {
	if img.Bounds().Empty() {
		return 0, ErrEmptyImage
	}
	gray := image.NewGray(image.Rect(0, 0, sampleSize, sampleSize))
	draw.CatmullRom.Scale(gray, gray.Bounds(), img, img.Bounds(), draw.Src, nil)

	var pixels [sampleSize][sampleSize]float64
	for y := 0; y < sampleSize; y++ {
		for x := 0; x < sampleSize; x++ {
			pixels[y][x] = float64(gray.GrayAt(x, y).Y)
		}
	}

	// Separable DCT-II; only the hashSize x hashSize corner is needed.
	var rows [sampleSize][hashSize]float64
	for y := 0; y < sampleSize; y++ {
		for k := 0; k < hashSize; k++ {
			var sum float64
			for x := 0; x < sampleSize; x++ {
				sum += pixels[y][x] * cosTable[k][x]
			}
			rows[y][k] = sum
		}
	}
	coeffs := make([]float64, 0, hashSize*hashSize)
	for k := 0; k < hashSize; k++ {
		for j := 0; j < hashSize; j++ {
			var sum float64
			for y := 0; y < sampleSize; y++ {
				sum += rows[y][j] * cosTable[k][y]
			}
			coeffs = append(coeffs, sum)
		}
	}

	med := median(coeffs)
	var h Hash
	for _, c := range coeffs {
		h <<= 1
		if c > med {
			h |= 1
		}
	}
	return h, nil
}

// FromBytes decodes a PNG, JPEG or WebP image and hashes it.
func FromBytes(data []byte) (Hash, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("decode image: %w", err)
	}
	return Perceptual(img)
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// Hasher adapts FromBytes to the result assembler.
type Hasher struct{}

// Hash returns the hex perceptual hash of an encoded screenshot.
func (Hasher) Hash(data []byte) (string, error) {
	h, err := FromBytes(data)
	if err != nil {
		return "", err
	}
	return h.String(), nil
}
