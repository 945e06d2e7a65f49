package quant

import "math"

// BlockQ8K holds 256 activation values as D*q[i]; Bsums[j] is the sum of
// codes j*16..j*16+15, used to fold the Q4_K offsets into one multiply.
type BlockQ8K struct {
	D     float32
	Qs    [QK]int8
	Bsums [QK / 16]int16
}

// QuantizeQ8KBlock encodes exactly 256 values into b.
func QuantizeQ8KBlock(b *BlockQ8K, x []float32) {
	var amax float32
	for _, v := range x[:QK] {
		if a := float32(math.Abs(float64(v))); a > amax {
			amax = a
		}
	}
	if amax == 0 {
		*b = BlockQ8K{}
		return
	}
	b.D = amax / 127
	id := 1 / b.D
	for i, v := range x[:QK] {
		b.Qs[i] = clampI8(roundAway(v * id))
	}
	for j := range b.Bsums {
		var s int16
		for _, q := range b.Qs[j*16 : (j+1)*16] {
			s += int16(q)
		}
		b.Bsums[j] = s
	}
}

// QuantizeQ8K encodes x into dst. len(x) must equal len(dst)*256.
func QuantizeQ8K(dst []BlockQ8K, x []float32) {
	if len(x) != len(dst)*QK {
		panic("quant: QuantizeQ8K length mismatch")
	}
	for i := range dst {
		QuantizeQ8KBlock(&dst[i], x[i*QK:(i+1)*QK])
	}
}

// DequantizeQ8K expands src into dst.
func DequantizeQ8K(dst []float32, src []BlockQ8K) {
	for bi := range src {
		d := src[bi].D
		out := dst[bi*QK : (bi+1)*QK]
		for i, q := range src[bi].Qs {
			out[i] = d * float32(q)
		}
	}
}
