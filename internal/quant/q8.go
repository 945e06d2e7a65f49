// Package quant implements the block quantization formats used for model
// weights and activations: Q8_0 (32 symmetric int8 codes per scale), Q4_K
// (256 asymmetric 4-bit codes with two-level scales) and Q8_K (256 int8 codes
// with per-16 partial sums, the activation side of Q4_K dot products).
package quant

import "math"

// QK8 is the number of values in a Q8_0 block.
const QK8 = 32

// BlockQ8 holds 32 values as scale*q[i].
type BlockQ8 struct {
	Scale float32
	Qs    [QK8]int8
}

// roundAway rounds half away from zero, matching C roundf.
func roundAway(x float32) int32 {
	return int32(math.Round(float64(x)))
}

func clampI8(v int32) int8 {
	if v > 127 {
		return 127
	}
	if v < -128 {
		return -128
	}
	return int8(v)
}

// QuantizeQ8Block encodes exactly 32 values into b.
func QuantizeQ8Block(b *BlockQ8, x []float32) {
	var amax float32
	for _, v := range x[:QK8] {
		if a := float32(math.Abs(float64(v))); a > amax {
			amax = a
		}
	}
	if amax == 0 {
		b.Scale = 0
		b.Qs = [QK8]int8{}
		return
	}
	b.Scale = amax / 127
	inv := 127 / amax
	for i, v := range x[:QK8] {
		b.Qs[i] = clampI8(roundAway(v * inv))
	}
}

// QuantizeQ8 encodes x into dst. len(x) must equal len(dst)*32.
func QuantizeQ8(dst []BlockQ8, x []float32) {
	if len(x) != len(dst)*QK8 {
		panic("quant: QuantizeQ8 length mismatch")
	}
	for i := range dst {
		QuantizeQ8Block(&dst[i], x[i*QK8:(i+1)*QK8])
	}
}

// DequantizeQ8 expands src into dst (len(dst) == len(src)*32).
func DequantizeQ8(dst []float32, src []BlockQ8) {
	for i := range src {
		s := src[i].Scale
		out := dst[i*QK8 : (i+1)*QK8]
		for j, q := range src[i].Qs {
			out[j] = s * float32(q)
		}
	}
}

// QuantizeRowsQ8 quantizes m rows of k values (k a multiple of 32) into
// dst laid out row-major as [m][k/32].
func QuantizeRowsQ8(dst []BlockQ8, x []float32, m, k int) {
	nb := k / QK8
	for r := 0; r < m; r++ {
		QuantizeQ8(dst[r*nb:(r+1)*nb], x[r*k:(r+1)*k])
	}
}

// QuantizeRowsTransposeQ8 quantizes m rows of k values and stores them
// block-major: dst[b*mPad+r] is block b of row r. Rows in [m, mPad) are
// zero blocks so kernels can process mPad rows without bounds checks.
func QuantizeRowsTransposeQ8(dst []BlockQ8, x []float32, m, k, mPad int) {
	nb := k / QK8
	for r := 0; r < m; r++ {
		row := x[r*k : (r+1)*k]
		for b := 0; b < nb; b++ {
			QuantizeQ8Block(&dst[b*mPad+r], row[b*QK8:(b+1)*QK8])
		}
	}
	for b := 0; b < nb; b++ {
		for r := m; r < mPad; r++ {
			dst[b*mPad+r] = BlockQ8{}
		}
	}
}
