package kernels

import (
	"math"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/23skdu/longbow-qasr/internal/quant"
)

func randVec(r *rand.Rand, n int) []float32 {
	x := make([]float32, n)
	for i := range x {
		x[i] = r.Float32()*2 - 1
	}
	return x
}

func near(a, b, tol float32) bool {
	return math.Abs(float64(a-b)) <= float64(tol)*(1+math.Abs(float64(b)))
}

func TestPoolParallelForCoversRange(t *testing.T) {
	for _, threads := range []int{1, 2, 3, 8} {
		p := NewPool(threads)
		for _, total := range []int{0, 1, 5, 64, 1001} {
			hits := make([]int32, total)
			p.ParallelFor(total, func(s, e int) {
				for i := s; i < e; i++ {
					atomic.AddInt32(&hits[i], 1)
				}
			})
			for i, h := range hits {
				if h != 1 {
					t.Fatalf("threads=%d total=%d: index %d visited %d times", threads, total, i, h)
				}
			}
		}
		p.Close()
	}
}

func TestPoolNestedRunIsSerial(t *testing.T) {
	p := NewPool(4)
	defer p.Close()

	var inner atomic.Int32
	p.Run(func(tid, n int) {
		p.Run(func(tid2, n2 int) {
			if n2 != 1 {
				t.Errorf("nested run split into %d", n2)
			}
			inner.Add(1)
		})
	})
	if got := inner.Load(); got != 4 {
		t.Errorf("inner calls = %d, want 4", got)
	}
}

func refLinear(x, w, bias []float32, seq, in, out int) []float32 {
	y := make([]float32, seq*out)
	for i := 0; i < seq; i++ {
		for r := 0; r < out; r++ {
			var s float64
			for j := 0; j < in; j++ {
				s += float64(x[i*in+j]) * float64(w[r*in+j])
			}
			if bias != nil {
				s += float64(bias[r])
			}
			y[i*out+r] = float32(s)
		}
	}
	return y
}

func TestLinearQ8(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	const in, out = 128, 24
	k := New(3)
	defer k.Close()

	w := randVec(r, out*in)
	bias := randVec(r, out)
	wq := make([]quant.BlockQ8, out*in/quant.QK8)
	quant.QuantizeRowsQ8(wq, w, out, in)

	tests := []struct {
		name string
		seq  int
	}{
		{"matvec", 1},
		{"gemm", 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := randVec(r, tt.seq*in)
			got := make([]float32, tt.seq*out)
			k.LinearQ8(got, x, wq, bias, tt.seq, in, out)
			want := refLinear(x, w, bias, tt.seq, in, out)
			for i := range got {
				if math.Abs(float64(got[i]-want[i])) > 0.1 {
					t.Fatalf("out[%d] = %v, want %v", i, got[i], want[i])
				}
			}
		})
	}
}

func TestLinearQ8GemmMatchesMatvecRows(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	const in, out, seq = 64, 10, 5
	k := New(2)
	defer k.Close()

	wq := make([]quant.BlockQ8, out*in/quant.QK8)
	quant.QuantizeRowsQ8(wq, randVec(r, out*in), out, in)
	x := randVec(r, seq*in)

	gemm := make([]float32, seq*out)
	k.LinearQ8(gemm, x, wq, nil, seq, in, out)
	for i := 0; i < seq; i++ {
		row := make([]float32, out)
		k.LinearQ8(row, x[i*in:(i+1)*in], wq, nil, 1, in, out)
		for j := range row {
			if !near(gemm[i*out+j], row[j], 1e-5) {
				t.Fatalf("row %d col %d: gemm %v matvec %v", i, j, gemm[i*out+j], row[j])
			}
		}
	}
}

func TestLinearQ4KAndArgmax(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	const in, out = 256, 40
	k := New(4)
	defer k.Close()

	w := randVec(r, out*in)
	wq := make([]quant.BlockQ4K, out*in/quant.QK)
	quant.QuantizeQ4K(wq, w)
	wd := make([]float32, out*in)
	quant.DequantizeQ4K(wd, wq)

	x := randVec(r, 3*in)
	got := make([]float32, 3*out)
	k.LinearQ4K(got, x, wq, nil, 3, in, out)
	want := refLinear(x, wd, nil, 3, in, out)
	for i := range got {
		if math.Abs(float64(got[i]-want[i])) > 0.2 {
			t.Fatalf("out[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	row := make([]float32, out)
	k.LinearQ4K(row, x[:in], wq, nil, 1, in, out)
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	if idx := k.ArgmaxQ4K(x[:in], wq, out, in); idx != best {
		t.Errorf("ArgmaxQ4K = %d, want %d", idx, best)
	}
}

func TestNorms(t *testing.T) {
	x := []float32{1, 2, 3, 4}
	ones := []float32{1, 1, 1, 1}
	zeros := make([]float32, 4)

	out := make([]float32, 4)
	LayerNorm(out, x, ones, zeros, 1, 4, 1e-5)
	var mean float32
	for _, v := range out {
		mean += v
	}
	if !near(mean/4, 0, 1e-5) {
		t.Errorf("LayerNorm mean = %v", mean/4)
	}

	RMSNorm(out, x, ones, 1, 4, 0)
	var ss float32
	for _, v := range out {
		ss += v * v
	}
	if !near(ss/4, 1, 1e-5) {
		t.Errorf("RMSNorm mean square = %v", ss/4)
	}

	heads := []float32{3, 4, 30, 40}
	RMSNormHeads(heads, []float32{1, 1}, 1, 2, 2, 0)
	if !near(heads[0], heads[2], 1e-6) || !near(heads[1], heads[3], 1e-6) {
		t.Errorf("per-head RMSNorm should be scale invariant per head: %v", heads)
	}
}

func TestActivations(t *testing.T) {
	g := []float32{0, 1, -1}
	GELU(g)
	if g[0] != 0 || !near(g[1], 0.8412, 1e-3) || !near(g[2], -0.1588, 1e-3) {
		t.Errorf("GELU = %v", g)
	}

	gu := []float32{1, 2, -1, 3}
	out := make([]float32, 2)
	SwiGLU(out, gu, 1, 2)
	if !near(out[0], 2*0.7310586, 1e-5) || !near(out[1], 3*-0.2689414, 1e-5) {
		t.Errorf("SwiGLU = %v", out)
	}

	s := []float32{1000, 1001, 1002}
	Softmax(s)
	if !near(s[0]+s[1]+s[2], 1, 1e-6) || s[2] <= s[1] {
		t.Errorf("Softmax = %v", s)
	}
}

func TestRopeGrowsAndRotates(t *testing.T) {
	rp := NewRope(4, 10000)
	x := []float32{1, 0, 0, 0}
	rp.Apply(x, 1, 1, 0)
	if x[0] != 1 || x[2] != 0 {
		t.Errorf("position 0 must be identity, got %v", x)
	}
	if rp.Rows() != 1024 {
		t.Errorf("initial rows = %d", rp.Rows())
	}
	rp.Ensure(3000)
	if rp.Rows() != 4096 {
		t.Errorf("rows after growth = %d, want 4096", rp.Rows())
	}

	y := []float32{1, 0, 0, 0}
	rp.Apply(y, 1, 1, 2500)
	norm := y[0]*y[0] + y[2]*y[2]
	if !near(norm, 1, 1e-5) {
		t.Errorf("rotation changed norm: %v", y)
	}
	if !near(y[0], float32(math.Cos(2500)), 1e-4) {
		t.Errorf("y[0] = %v, want cos(2500)", y[0])
	}
}

func TestSinusoidalPE(t *testing.T) {
	pe := make([]float32, 3*8)
	SinusoidalPE(pe, 3, 8)
	for j := 0; j < 4; j++ {
		if pe[j] != 0 || pe[4+j] != 1 {
			t.Fatalf("row 0 = %v", pe[:8])
		}
	}
	if !near(pe[8], float32(math.Sin(1)), 1e-6) {
		t.Errorf("pe[1][0] = %v", pe[8])
	}
}

func TestWindowAttentionIsolatesWindows(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	const seq, heads, hd = 6, 2, 4
	k := New(2)
	defer k.Close()

	q := randVec(r, seq*heads*hd)
	kk := randVec(r, seq*heads*hd)
	v := randVec(r, seq*heads*hd)
	bounds := []int{0, 3, seq}

	a := make([]float32, seq*heads*hd)
	k.WindowAttention(a, q, kk, v, seq, heads, hd, bounds)

	for i := 3 * heads * hd; i < len(kk); i++ {
		kk[i] += 5
		v[i] -= 5
	}
	b := make([]float32, seq*heads*hd)
	k.WindowAttention(b, q, kk, v, seq, heads, hd, bounds)

	for i := 0; i < 3*heads*hd; i++ {
		if a[i] != b[i] {
			t.Fatalf("first window changed at %d after editing second window", i)
		}
	}
}

func TestCausalAttentionMasksFuture(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	const n, heads, kvHeads, hd = 5, 4, 2, 8
	k := New(3)
	defer k.Close()

	kvDim := kvHeads * hd
	kv := KV{K: make([]uint16, n*kvDim), V: make([]uint16, n*kvDim), Len: n}
	quant.ToF16(kv.K, randVec(r, n*kvDim))
	quant.ToF16(kv.V, randVec(r, n*kvDim))
	q := randVec(r, n*heads*hd)

	a := make([]float32, n*heads*hd)
	k.CausalAttention(a, q, kv, n, heads, kvHeads, hd, 0)

	quant.ToF16(kv.K[3*kvDim:], randVec(r, 2*kvDim))
	quant.ToF16(kv.V[3*kvDim:], randVec(r, 2*kvDim))
	b := make([]float32, n*heads*hd)
	k.CausalAttention(b, q, kv, n, heads, kvHeads, hd, 0)

	for i := 0; i < 3*heads*hd; i++ {
		if a[i] != b[i] {
			t.Fatalf("query before position 3 saw future keys (index %d)", i)
		}
	}

	first := make([]float32, heads*hd)
	k.CausalAttention(first, q[:heads*hd], kv, 1, heads, kvHeads, hd, 0)
	for h := 0; h < heads; h++ {
		vr := kv.V[(h/2)*hd : (h/2+1)*hd]
		for d := 0; d < hd; d++ {
			if !near(first[h*hd+d], F16(vr[d]), 1e-6) {
				t.Fatalf("position 0 must copy its own value row")
			}
		}
	}
}

func naiveConv(in, w, b []float32, s ConvShape) []float32 {
	ho, wo := s.Out()
	out := make([]float32, s.COut*ho*wo)
	for c := 0; c < s.COut; c++ {
		for oy := 0; oy < ho; oy++ {
			for ox := 0; ox < wo; ox++ {
				sum := b[c]
				for ci := 0; ci < s.CIn; ci++ {
					for ky := 0; ky < s.Kernel; ky++ {
						for kx := 0; kx < s.Kernel; kx++ {
							iy, ix := oy*s.Stride-s.Pad+ky, ox*s.Stride-s.Pad+kx
							if iy < 0 || iy >= s.H || ix < 0 || ix >= s.W {
								continue
							}
							sum += in[(ci*s.H+iy)*s.W+ix] * w[((c*s.CIn+ci)*s.Kernel+ky)*s.Kernel+kx]
						}
					}
				}
				out[(c*ho+oy)*wo+ox] = sum
			}
		}
	}
	return out
}

func TestConv2D(t *testing.T) {
	r := rand.New(rand.NewSource(6))
	k := New(2)
	defer k.Close()

	s := ConvShape{CIn: 32, H: 8, W: 7, COut: 5, Kernel: 3, Stride: 2, Pad: 1}
	in := randVec(r, s.CIn*s.H*s.W)
	w := randVec(r, s.COut*s.Patch())
	b := randVec(r, s.COut)
	want := naiveConv(in, w, b, s)

	ho, wo := s.Out()
	if ho != 4 || wo != 4 {
		t.Fatalf("Out() = %d,%d", ho, wo)
	}

	got := make([]float32, len(want))
	k.Conv2D(got, in, w, b, s)
	for i := range got {
		if !near(got[i], want[i], 1e-4) {
			t.Fatalf("Conv2D[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	wq := make([]quant.BlockQ8, s.COut*s.Patch()/quant.QK8)
	quant.QuantizeRowsQ8(wq, w, s.COut, s.Patch())
	k.Conv2DQ8(got, in, wq, b, s)
	for i := range got {
		if math.Abs(float64(got[i]-want[i])) > 0.25 {
			t.Fatalf("Conv2DQ8[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
