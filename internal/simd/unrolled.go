package simd

import "github.com/23skdu/longbow-qasr/internal/quant"

// unrolled keeps several independent accumulators per loop so the compiler
// can keep them in registers and the CPU can overlap the multiplies. It is
// registered under the ISA name of the host when that ISA is present.
type unrolled struct {
	name string
}

func (u unrolled) Name() string { return u.name }

func dotQ8BlockUnrolled(a, b *quant.BlockQ8) int32 {
	var s0, s1, s2, s3 int32
	for i := 0; i < quant.QK8; i += 8 {
		s0 += int32(a.Qs[i])*int32(b.Qs[i]) + int32(a.Qs[i+4])*int32(b.Qs[i+4])
		s1 += int32(a.Qs[i+1])*int32(b.Qs[i+1]) + int32(a.Qs[i+5])*int32(b.Qs[i+5])
		s2 += int32(a.Qs[i+2])*int32(b.Qs[i+2]) + int32(a.Qs[i+6])*int32(b.Qs[i+6])
		s3 += int32(a.Qs[i+3])*int32(b.Qs[i+3]) + int32(a.Qs[i+7])*int32(b.Qs[i+7])
	}
	return s0 + s1 + s2 + s3
}

func (unrolled) DotQ8(a, b []quant.BlockQ8) float32 {
	var sum float32
	for i := range a {
		sum += float32(dotQ8BlockUnrolled(&a[i], &b[i])) * a[i].Scale * b[i].Scale
	}
	return sum
}

func (unrolled) DotQ8Cols(out []float32, w []quant.BlockQ8, xt []quant.BlockQ8, stride int) {
	for i := range out {
		out[i] = 0
	}
	n := len(out)
	for bi := range w {
		wb := &w[bi]
		col := xt[bi*stride:]
		i := 0
		for ; i+1 < n; i += 2 {
			d0 := dotQ8BlockUnrolled(wb, &col[i])
			d1 := dotQ8BlockUnrolled(wb, &col[i+1])
			out[i] += float32(d0) * wb.Scale * col[i].Scale
			out[i+1] += float32(d1) * wb.Scale * col[i+1].Scale
		}
		for ; i < n; i++ {
			out[i] += float32(dotQ8BlockUnrolled(wb, &col[i])) * wb.Scale * col[i].Scale
		}
	}
}

func (unrolled) DotQ4K(w []quant.BlockQ4K, x []quant.BlockQ8K) float32 {
	var sum float32
	for bi := range w {
		wb, xb := &w[bi], &x[bi]
		for g := 0; g < 8; g++ {
			base := g * 32
			qs := wb.Qs[base/2 : base/2+16]
			xs := xb.Qs[base : base+32]
			var d0, d1 int32
			for j := 0; j < 16; j += 2 {
				q0, q1 := qs[j], qs[j+1]
				d0 += int32(q0&0x0F)*int32(xs[2*j]) + int32(q0>>4)*int32(xs[2*j+1])
				d1 += int32(q1&0x0F)*int32(xs[2*j+2]) + int32(q1>>4)*int32(xs[2*j+3])
			}
			bsum := int32(xb.Bsums[2*g]) + int32(xb.Bsums[2*g+1])
			step, m := wb.StepAndMin(g)
			sum += xb.D * (step*float32(d0+d1) - m*float32(bsum))
		}
	}
	return sum
}

func (unrolled) DotF32(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	n := len(a)
	i := 0
	for ; i+3 < n; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	for ; i < n; i++ {
		s0 += a[i] * b[i]
	}
	return (s0 + s1) + (s2 + s3)
}

func (unrolled) Axpy(dst []float32, a float32, x []float32) {
	n := len(dst)
	i := 0
	for ; i+3 < n; i += 4 {
		dst[i] += a * x[i]
		dst[i+1] += a * x[i+1]
		dst[i+2] += a * x[i+2]
		dst[i+3] += a * x[i+3]
	}
	for ; i < n; i++ {
		dst[i] += a * x[i]
	}
}
