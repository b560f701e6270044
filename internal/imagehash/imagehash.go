// Package imagehash computes perceptual image hashes.
//
// # Overview
//
// Two 64-bit hash algorithms are provided, both comparable under Hamming
// distance:
//
//   - dHash: gradient hash over a 9×8 grayscale resample. Always computed.
//   - pHash: DCT hash over a 32×32 grayscale resample, using the top-left
//     8×8 coefficient block compared against the median. Optional.
//
// # Determinism
//
// Identical input bytes produce identical hash values on every platform.
// The pipeline is fixed: orientation-corrected decode → grayscale →
// deterministic pure-Go resample (golang.org/x/image/draw) → integer or
// float64 arithmetic with a fixed iteration order. No map iteration, no
// platform intrinsics beyond bits.OnesCount64, which is exact by definition.
package imagehash

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
)

// Hash is one computed perceptual hash with the pixel geometry of the
// source image it was computed from.
type Hash struct {
	Algorithm string
	Hash      uint64
	Width     int
	Height    int
}

const (
	// AlgDHash tags gradient hashes.
	AlgDHash = "dhash"
	// AlgPHash tags DCT hashes.
	AlgPHash = "phash"
)

// Config selects which hashes Compute produces. DHash is unconditional.
type Config struct {
	PHash bool
}

// Compute produces perceptual hashes for an already orientation-corrected
// image. dHash is always present; pHash is appended when requested.
func Compute(img image.Image, cfg Config) []Hash {
	b := img.Bounds()
	out := []Hash{{
		Algorithm: AlgDHash,
		Hash:      DHash(img),
		Width:     b.Dx(),
		Height:    b.Dy(),
	}}
	if cfg.PHash {
		out = append(out, Hash{
			Algorithm: AlgPHash,
			Hash:      PHash(img),
			Width:     b.Dx(),
			Height:    b.Dy(),
		})
	}
	return out
}

// DHash computes the 64-bit difference hash: resample to 9×8 grayscale and
// set one bit per horizontal neighbor pair, left pixel brighter than right.
func DHash(img image.Image) uint64 {
	px := resampleGray(img, 9, 8)
	var h uint64
	bit := 0
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			if px[y*9+x] > px[y*9+x+1] {
				h |= 1 << uint(63-bit)
			}
			bit++
		}
	}
	return h
}

// PHash computes the 64-bit DCT hash: resample to 32×32 grayscale, take the
// 2D DCT-II, keep the top-left 8×8 coefficient block, and set one bit per
// coefficient above the median of the block excluding the DC term.
func PHash(img image.Image) uint64 {
	px := resampleGray(img, 32, 32)
	in := make([]float64, 32*32)
	for i, v := range px {
		in[i] = float64(v)
	}
	coeffs := dct2d(in, 32)

	// Median over the 63 non-DC coefficients of the 8×8 block.
	block := make([]float64, 0, 64)
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			block = append(block, coeffs[y*32+x])
		}
	}
	median := medianOf(block[1:])

	var h uint64
	for i, c := range block {
		if c > median {
			h |= 1 << uint(63-i)
		}
	}
	return h
}

// resampleGray scales img to w×h using Catmull-Rom and converts to 8-bit
// luma with the Rec. 601 weights. Row-major output.
func resampleGray(img image.Image, w, h int) []uint8 {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	px := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := dst.RGBAAt(x, y)
			px[y*w+x] = luma601(c)
		}
	}
	return px
}

func luma601(c color.RGBA) uint8 {
	// Integer Rec. 601: (299R + 587G + 114B) / 1000, rounded.
	v := (299*uint32(c.R) + 587*uint32(c.G) + 114*uint32(c.B) + 500) / 1000
	return uint8(v)
}

// dct2d computes the 2D DCT-II of an n×n row-major block by applying the
// 1D transform to rows then columns. O(n³); n is 32 here, so the constant
// cost per image is fixed and small next to decode time.
func dct2d(in []float64, n int) []float64 {
	tmp := make([]float64, n*n)
	for y := 0; y < n; y++ {
		dct1d(in[y*n:(y+1)*n], tmp[y*n:(y+1)*n], n)
	}
	out := make([]float64, n*n)
	col := make([]float64, n)
	res := make([]float64, n)
	for x := 0; x < n; x++ {
		for y := 0; y < n; y++ {
			col[y] = tmp[y*n+x]
		}
		dct1d(col, res, n)
		for y := 0; y < n; y++ {
			out[y*n+x] = res[y]
		}
	}
	return out
}

func dct1d(in, out []float64, n int) {
	for k := 0; k < n; k++ {
		var sum float64
		for i := 0; i < n; i++ {
			sum += in[i] * math.Cos(math.Pi*float64(k)*(2*float64(i)+1)/(2*float64(n)))
		}
		scale := math.Sqrt(2.0 / float64(n))
		if k == 0 {
			scale = math.Sqrt(1.0 / float64(n))
		}
		out[k] = sum * scale
	}
}

func medianOf(vals []float64) float64 {
	s := make([]float64, len(vals))
	copy(s, vals)
	// Insertion sort keeps this allocation-free beyond the copy; the
	// slice is 63 elements.
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
	m := len(s) / 2
	if len(s)%2 == 1 {
		return s[m]
	}
	return (s[m-1] + s[m]) / 2
}
