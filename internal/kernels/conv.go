package kernels

import (
	"github.com/23skdu/longbow-qasr/internal/quant"
)

// ConvShape describes a square-kernel 2-D convolution over an input laid
// out [CIn][H][W].
type ConvShape struct {
	CIn, H, W int
	COut      int
	Kernel    int
	Stride    int
	Pad       int
}

// Out returns the output height and width.
func (s ConvShape) Out() (int, int) {
	h := (s.H+2*s.Pad-s.Kernel)/s.Stride + 1
	w := (s.W+2*s.Pad-s.Kernel)/s.Stride + 1
	return h, w
}

// Patch is the im2col row length, CIn*Kernel*Kernel.
func (s ConvShape) Patch() int {
	return s.CIn * s.Kernel * s.Kernel
}

// im2col writes the patch matrix. With transposed set the layout is
// [spatial][patch], otherwise [patch][spatial].
func im2col(cols, in []float32, s ConvShape, transposed bool) {
	ho, wo := s.Out()
	spatial := ho * wo
	patch := s.Patch()
	for c := 0; c < s.CIn; c++ {
		for ky := 0; ky < s.Kernel; ky++ {
			for kx := 0; kx < s.Kernel; kx++ {
				p := (c*s.Kernel+ky)*s.Kernel + kx
				for oy := 0; oy < ho; oy++ {
					iy := oy*s.Stride - s.Pad + ky
					for ox := 0; ox < wo; ox++ {
						ix := ox*s.Stride - s.Pad + kx
						var v float32
						if iy >= 0 && iy < s.H && ix >= 0 && ix < s.W {
							v = in[(c*s.H+iy)*s.W+ix]
						}
						sp := oy*wo + ox
						if transposed {
							cols[sp*patch+p] = v
						} else {
							cols[p*spatial+sp] = v
						}
					}
				}
			}
		}
	}
}

// Conv2D computes an f32 convolution into out[COut][Ho][Wo] with weights
// [COut][CIn][K][K].
func (k *Kernels) Conv2D(out, in, weight, bias []float32, s ConvShape) {
	ho, wo := s.Out()
	spatial := ho * wo
	patch := s.Patch()
	k.cols = grow(k.cols, patch*spatial)
	cols := k.cols
	im2col(cols, in, s, false)

	k.Pool.ParallelFor(s.COut, func(c0, c1 int) {
		for c := c0; c < c1; c++ {
			o := out[c*spatial : (c+1)*spatial]
			var b float32
			if bias != nil {
				b = bias[c]
			}
			for i := range o {
				o[i] = b
			}
			wr := weight[c*patch : (c+1)*patch]
			for p, wv := range wr {
				if wv != 0 {
					k.Dot.Axpy(o, wv, cols[p*spatial:(p+1)*spatial])
				}
			}
		}
	})
}

// Conv2DQ8 is Conv2D with Q8_0 weights of COut rows of Patch()/32 blocks.
// Patch() must be a multiple of 32.
func (k *Kernels) Conv2DQ8(out, in []float32, weight []quant.BlockQ8, bias []float32, s ConvShape) {
	ho, wo := s.Out()
	spatial := ho * wo
	patch := s.Patch()
	k.cols = grow(k.cols, patch*spatial)
	im2col(k.cols, in, s, true)

	k.tmp = grow(k.tmp, spatial*s.COut)
	tmp := k.tmp
	k.LinearQ8(tmp, k.cols, weight, bias, spatial, patch, s.COut)
	for sp := 0; sp < spatial; sp++ {
		row := tmp[sp*s.COut : (sp+1)*s.COut]
		for c, v := range row {
			out[c*spatial+sp] = v
		}
	}
}
