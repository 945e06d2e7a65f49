package quant

import "math"

// QK is the number of values in a Q4_K or Q8_K super-block.
const QK = 256

// q4kGroup is the sub-group size inside a Q4_K super-block.
const q4kGroup = 32

// BlockQ4K holds 256 values as d*Scales[g]*q - Dmin*Mins[g] with q in [0,15].
// Nibble i lives in Qs[i/2]: even i in the low nibble.
type BlockQ4K struct {
	D      float32
	Dmin   float32
	Scales [8]uint8
	Mins   [8]uint8
	Qs     [QK / 2]uint8
}

func ceilCode(v, unit float32) uint8 {
	if unit == 0 {
		return 0
	}
	c := float32(math.Ceil(float64(v / unit)))
	if c > 255 {
		return 255
	}
	if c < 0 {
		return 0
	}
	return uint8(c)
}

// QuantizeQ4KBlock encodes exactly 256 values into b.
//
// Per 32-value sub-group the offset is -min(0, min(x)); offsets and spans are
// encoded as 8-bit codes against the largest sub-group offset and span, with
// codes rounded up so every sub-group's effective range still covers its
// values. That keeps the per-element error within half an effective step.
func QuantizeQ4KBlock(b *BlockQ4K, x []float32) {
	var mins, maxs [8]float32
	var maxMin float32
	for g := 0; g < 8; g++ {
		lo, hi := x[g*q4kGroup], x[g*q4kGroup]
		for _, v := range x[g*q4kGroup : (g+1)*q4kGroup] {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		if lo > 0 {
			lo = 0
		}
		mins[g] = -lo
		maxs[g] = hi
		if mins[g] > maxMin {
			maxMin = mins[g]
		}
	}

	b.Dmin = maxMin / 255
	var effMin, spans [8]float32
	var maxSpan float32
	for g := 0; g < 8; g++ {
		b.Mins[g] = ceilCode(mins[g], b.Dmin)
		effMin[g] = b.Dmin * float32(b.Mins[g])
		spans[g] = (maxs[g] + effMin[g]) / 15
		if spans[g] > maxSpan {
			maxSpan = spans[g]
		}
	}

	b.D = maxSpan / 255
	b.Qs = [QK / 2]uint8{}
	for g := 0; g < 8; g++ {
		b.Scales[g] = ceilCode(spans[g], b.D)
		step := b.D * float32(b.Scales[g])
		for j := 0; j < q4kGroup; j++ {
			i := g*q4kGroup + j
			var q int32
			if step > 0 {
				q = roundAway((x[i] + effMin[g]) / step)
				if q < 0 {
					q = 0
				} else if q > 15 {
					q = 15
				}
			}
			if i&1 == 0 {
				b.Qs[i/2] |= uint8(q)
			} else {
				b.Qs[i/2] |= uint8(q) << 4
			}
		}
	}
}

// QuantizeQ4K encodes x into dst. len(x) must equal len(dst)*256.
func QuantizeQ4K(dst []BlockQ4K, x []float32) {
	if len(x) != len(dst)*QK {
		panic("quant: QuantizeQ4K length mismatch")
	}
	for i := range dst {
		QuantizeQ4KBlock(&dst[i], x[i*QK:(i+1)*QK])
	}
}

// Nibble returns code i of the block.
func (b *BlockQ4K) Nibble(i int) uint8 {
	v := b.Qs[i/2]
	if i&1 == 0 {
		return v & 0x0F
	}
	return v >> 4
}

// StepAndMin returns the effective scale and offset of sub-group g.
func (b *BlockQ4K) StepAndMin(g int) (float32, float32) {
	return b.D * float32(b.Scales[g]), b.Dmin * float32(b.Mins[g])
}

// DequantizeQ4K expands src into dst (len(dst) == len(src)*256).
func DequantizeQ4K(dst []float32, src []BlockQ4K) {
	for bi := range src {
		b := &src[bi]
		out := dst[bi*QK : (bi+1)*QK]
		for g := 0; g < 8; g++ {
			step, m := b.StepAndMin(g)
			for j := 0; j < q4kGroup; j++ {
				i := g*q4kGroup + j
				out[i] = step*float32(b.Nibble(i)) - m
			}
		}
	}
}
