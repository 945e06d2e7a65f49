package simd

import "github.com/23skdu/longbow-qasr/internal/quant"

type generic struct{}

func (generic) Name() string { return "generic" }

func dotQ8Block(a, b *quant.BlockQ8) int32 {
	var s int32
	for i := 0; i < quant.QK8; i++ {
		s += int32(a.Qs[i]) * int32(b.Qs[i])
	}
	return s
}

func (generic) DotQ8(a, b []quant.BlockQ8) float32 {
	var sum float32
	for i := range a {
		sum += float32(dotQ8Block(&a[i], &b[i])) * a[i].Scale * b[i].Scale
	}
	return sum
}

func (g generic) DotQ8Cols(out []float32, w []quant.BlockQ8, xt []quant.BlockQ8, stride int) {
	for i := range out {
		out[i] = 0
	}
	for bi := range w {
		wb := &w[bi]
		col := xt[bi*stride:]
		for i := range out {
			out[i] += float32(dotQ8Block(wb, &col[i])) * wb.Scale * col[i].Scale
		}
	}
}

func dotQ4KBlock(w *quant.BlockQ4K, x *quant.BlockQ8K) float32 {
	var sum float32
	for g := 0; g < 8; g++ {
		var dot int32
		base := g * 32
		for j := 0; j < 32; j += 2 {
			q := w.Qs[(base+j)/2]
			dot += int32(q&0x0F)*int32(x.Qs[base+j]) + int32(q>>4)*int32(x.Qs[base+j+1])
		}
		bsum := int32(x.Bsums[2*g]) + int32(x.Bsums[2*g+1])
		step, m := w.StepAndMin(g)
		sum += x.D * (step*float32(dot) - m*float32(bsum))
	}
	return sum
}

func (generic) DotQ4K(w []quant.BlockQ4K, x []quant.BlockQ8K) float32 {
	var sum float32
	for i := range w {
		sum += dotQ4KBlock(&w[i], &x[i])
	}
	return sum
}

func (generic) DotF32(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func (generic) Axpy(dst []float32, a float32, x []float32) {
	for i := range dst {
		dst[i] += a * x[i]
	}
}
