package kernels

import (
	"time"

	"github.com/23skdu/longbow-qasr/internal/metrics"
	"github.com/23skdu/longbow-qasr/internal/quant"
)

// LinearQ8 computes out[seq][outDim] = x[seq][in] · wᵀ + bias for a Q8_0
// weight matrix stored as outDim rows of in/32 blocks. bias may be nil.
//
// A single row quantizes x once and shards output rows across workers.
// Several rows are quantized into a block-major transposed buffer so each
// weight row is streamed once for all activation rows; results land in a
// transposed scratch matrix that is then copied back row-major.
func (k *Kernels) LinearQ8(out, x []float32, w []quant.BlockQ8, bias []float32, seq, in, outDim int) {
	start := time.Now()
	defer func() { metrics.RecordKernelDuration("linear_q8", time.Since(start)) }()

	nb := in / quant.QK8
	if seq == 1 {
		k.xq8 = grow(k.xq8, nb)
		quant.QuantizeQ8(k.xq8, x[:in])
		xq := k.xq8
		k.Pool.ParallelFor(outDim, func(r0, r1 int) {
			for r := r0; r < r1; r++ {
				v := k.Dot.DotQ8(w[r*nb:(r+1)*nb], xq)
				if bias != nil {
					v += bias[r]
				}
				out[r] = v
			}
		})
		return
	}

	k.xq8 = grow(k.xq8, nb*seq)
	quant.QuantizeRowsTransposeQ8(k.xq8, x, seq, in, seq)
	xt := k.xq8
	k.outT = grow(k.outT, outDim*seq)
	outT := k.outT
	k.Pool.ParallelFor(outDim, func(r0, r1 int) {
		for r := r0; r < r1; r++ {
			k.Dot.DotQ8Cols(outT[r*seq:(r+1)*seq], w[r*nb:(r+1)*nb], xt, seq)
		}
	})
	k.untranspose(out, outT, bias, seq, outDim)
}

// LinearQ4K is LinearQ8 for Q4_K weights. Activations are quantized to
// Q8_K once per row.
func (k *Kernels) LinearQ4K(out, x []float32, w []quant.BlockQ4K, bias []float32, seq, in, outDim int) {
	start := time.Now()
	defer func() { metrics.RecordKernelDuration("linear_q4k", time.Since(start)) }()

	nb := in / quant.QK
	k.xq8k = grow(k.xq8k, nb*seq)
	for i := 0; i < seq; i++ {
		quant.QuantizeQ8K(k.xq8k[i*nb:(i+1)*nb], x[i*in:(i+1)*in])
	}
	xq := k.xq8k

	if seq == 1 {
		k.Pool.ParallelFor(outDim, func(r0, r1 int) {
			for r := r0; r < r1; r++ {
				v := k.Dot.DotQ4K(w[r*nb:(r+1)*nb], xq)
				if bias != nil {
					v += bias[r]
				}
				out[r] = v
			}
		})
		return
	}

	k.outT = grow(k.outT, outDim*seq)
	outT := k.outT
	k.Pool.ParallelFor(outDim, func(r0, r1 int) {
		for r := r0; r < r1; r++ {
			wr := w[r*nb : (r+1)*nb]
			for i := 0; i < seq; i++ {
				outT[r*seq+i] = k.Dot.DotQ4K(wr, xq[i*nb:(i+1)*nb])
			}
		}
	})
	k.untranspose(out, outT, bias, seq, outDim)
}

func (k *Kernels) untranspose(out, outT, bias []float32, seq, outDim int) {
	k.Pool.ParallelFor(seq, func(i0, i1 int) {
		for i := i0; i < i1; i++ {
			row := out[i*outDim : (i+1)*outDim]
			for r := range row {
				v := outT[r*seq+i]
				if bias != nil {
					v += bias[r]
				}
				row[r] = v
			}
		}
	})
}

// LinearF32 computes out = x · wᵀ + bias with f32 weights of shape
// [outDim][in].
func (k *Kernels) LinearF32(out, x, w, bias []float32, seq, in, outDim int) {
	k.Pool.ParallelFor(outDim, func(r0, r1 int) {
		for i := 0; i < seq; i++ {
			xi := x[i*in : (i+1)*in]
			for r := r0; r < r1; r++ {
				v := k.Dot.DotF32(w[r*in:(r+1)*in], xi)
				if bias != nil {
					v += bias[r]
				}
				out[i*outDim+r] = v
			}
		}
	})
}

// ArgmaxQ4K returns the index of the largest entry of w · x, where w holds
// rows Q4_K rows of in values. Ties resolve to the lowest index.
func (k *Kernels) ArgmaxQ4K(x []float32, w []quant.BlockQ4K, rows, in int) int {
	start := time.Now()
	defer func() { metrics.RecordKernelDuration("argmax_q4k", time.Since(start)) }()

	nb := in / quant.QK
	k.xq8k = grow(k.xq8k, nb)
	quant.QuantizeQ8K(k.xq8k, x[:in])
	xq := k.xq8k

	type best struct {
		idx int
		val float32
	}
	shards := make([]best, k.Pool.Size())
	for i := range shards {
		shards[i].idx = -1
	}
	k.Pool.Run(func(tid, n int) {
		chunk := (rows + n - 1) / n
		r0 := tid * chunk
		r1 := min(r0+chunk, rows)
		b := best{idx: -1}
		for r := r0; r < r1; r++ {
			v := k.Dot.DotQ4K(w[r*nb:(r+1)*nb], xq)
			if b.idx < 0 || v > b.val {
				b = best{idx: r, val: v}
			}
		}
		shards[tid] = b
	})

	out := best{idx: -1}
	for _, b := range shards {
		if b.idx < 0 {
			continue
		}
		if out.idx < 0 || b.val > out.val || (b.val == out.val && b.idx < out.idx) {
			out = b
		}
	}
	if out.idx < 0 {
		return 0
	}
	return out.idx
}
