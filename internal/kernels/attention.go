package kernels

import (
	"math"
	"time"

	"github.com/23skdu/longbow-qasr/internal/metrics"
)

// WindowAttention computes bidirectional attention for q, k, v laid out
// [seq][heads][headDim]. bounds lists window starts followed by a final
// end sentinel, e.g. {0, 104, 208, seq}; every query attends only to keys
// inside its own window.
func (k *Kernels) WindowAttention(out, q, kk, v []float32, seq, heads, headDim int, bounds []int) {
	start := time.Now()
	defer func() { metrics.RecordKernelDuration("attn_window", time.Since(start)) }()

	scale := float32(1 / math.Sqrt(float64(headDim)))
	stride := heads * headDim
	maxWin := 0
	for w := 0; w+1 < len(bounds); w++ {
		maxWin = max(maxWin, bounds[w+1]-bounds[w])
	}

	k.Pool.ParallelFor(heads, func(h0, h1 int) {
		scores := make([]float32, maxWin)
		for h := h0; h < h1; h++ {
			off := h * headDim
			for w := 0; w+1 < len(bounds); w++ {
				ws, we := bounds[w], min(bounds[w+1], seq)
				for i := ws; i < we; i++ {
					qi := q[i*stride+off : i*stride+off+headDim]
					sc := scores[:we-ws]
					for j := ws; j < we; j++ {
						sc[j-ws] = k.Dot.DotF32(qi, kk[j*stride+off:j*stride+off+headDim]) * scale
					}
					Softmax(sc)
					o := out[i*stride+off : i*stride+off+headDim]
					clear(o)
					for j := ws; j < we; j++ {
						k.Dot.Axpy(o, sc[j-ws], v[j*stride+off:j*stride+off+headDim])
					}
				}
			}
		}
	})
}

// KV is a view over a half-precision key/value cache: rows of kvDim values
// per position.
type KV struct {
	K, V []uint16
	Len  int
}

// CausalAttention computes grouped-query attention for seqQ new queries,
// q laid out [seqQ][heads][headDim], against the first kv.Len cached
// positions. Query i sits at global position qPos+i and sees keys
// [0, min(kv.Len, qPos+i+1)).
func (k *Kernels) CausalAttention(out, q []float32, kv KV, seqQ, heads, kvHeads, headDim, qPos int) {
	start := time.Now()
	defer func() { metrics.RecordKernelDuration("attn_causal", time.Since(start)) }()

	scale := float32(1 / math.Sqrt(float64(headDim)))
	group := heads / kvHeads
	kvDim := kvHeads * headDim
	qStride := heads * headDim

	k.Pool.ParallelFor(heads*seqQ, func(t0, t1 int) {
		scores := make([]float32, kv.Len)
		acc := make([]float32, headDim)
		for t := t0; t < t1; t++ {
			h, i := t/seqQ, t%seqQ
			kh := h / group
			visible := min(kv.Len, qPos+i+1)
			qi := q[i*qStride+h*headDim : i*qStride+(h+1)*headDim]

			mx := float32(math.Inf(-1))
			for j := 0; j < visible; j++ {
				kr := kv.K[j*kvDim+kh*headDim : j*kvDim+(kh+1)*headDim]
				var s float32
				for d, x := range qi {
					s += x * F16(kr[d])
				}
				s *= scale
				scores[j] = s
				if s > mx {
					mx = s
				}
			}
			var sum float32
			for j := 0; j < visible; j++ {
				e := float32(math.Exp(float64(scores[j] - mx)))
				scores[j] = e
				sum += e
			}
			clear(acc)
			for j := 0; j < visible; j++ {
				p := scores[j] / sum
				vr := kv.V[j*kvDim+kh*headDim : j*kvDim+(kh+1)*headDim]
				for d := range acc {
					acc[d] += p * F16(vr[d])
				}
			}
			copy(out[i*qStride+h*headDim:], acc)
		}
	})
}
