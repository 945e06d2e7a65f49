package simd

import (
	"math"
	"math/rand"
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

func approx(a, b, tol float32) bool {
	d := float64(a - b)
	return math.Abs(d) <= float64(tol)*(1+math.Abs(float64(b)))
}

func TestSelectReturnsRegistered(t *testing.T) {
	d := Select()
	if d == nil {
		t.Fatal("Select returned nil")
	}
	if _, ok := ByName(d.Name()); !ok {
		t.Errorf("selected %q is not registered", d.Name())
	}
	if len(Names()) < 2 {
		t.Errorf("expected generic and unrolled, got %v", Names())
	}
}

func TestSelectHonorsEnv(t *testing.T) {
	t.Setenv("QASR_DOT", "generic")
	if got := Select().Name(); got != "generic" {
		t.Errorf("Select() = %q, want generic", got)
	}
	t.Setenv("QASR_DOT", "does-not-exist")
	if Select() == nil {
		t.Error("unknown QASR_DOT should fall back")
	}
}

func TestImplementationsAgree(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	ref := generic{}

	a := make([]quant.BlockQ8, 8)
	b := make([]quant.BlockQ8, 8)
	quant.QuantizeQ8(a, randVec(r, 256))
	quant.QuantizeQ8(b, randVec(r, 256))

	w4 := make([]quant.BlockQ4K, 2)
	x8 := make([]quant.BlockQ8K, 2)
	quant.QuantizeQ4K(w4, randVec(r, 512))
	quant.QuantizeQ8K(x8, randVec(r, 512))

	fa, fb := randVec(r, 103), randVec(r, 103)

	const stride, cols = 5, 3
	xt := make([]quant.BlockQ8, 8*stride)
	quant.QuantizeRowsTransposeQ8(xt, randVec(r, cols*256), cols, 256, stride)

	for _, name := range Names() {
		d, _ := ByName(name)
		t.Run(name, func(t *testing.T) {
			if got, want := d.DotQ8(a, b), ref.DotQ8(a, b); !approx(got, want, 1e-5) {
				t.Errorf("DotQ8 = %v, want %v", got, want)
			}
			if got, want := d.DotQ4K(w4, x8), ref.DotQ4K(w4, x8); !approx(got, want, 1e-4) {
				t.Errorf("DotQ4K = %v, want %v", got, want)
			}
			if got, want := d.DotF32(fa, fb), ref.DotF32(fa, fb); !approx(got, want, 1e-4) {
				t.Errorf("DotF32 = %v, want %v", got, want)
			}

			got := make([]float32, cols)
			want := make([]float32, cols)
			d.DotQ8Cols(got, a, xt, stride)
			ref.DotQ8Cols(want, a, xt, stride)
			for i := range got {
				if !approx(got[i], want[i], 1e-5) {
					t.Errorf("DotQ8Cols[%d] = %v, want %v", i, got[i], want[i])
				}
			}

			dst := make([]float32, len(fa))
			exp := make([]float32, len(fa))
			d.Axpy(dst, 0.5, fa)
			ref.Axpy(exp, 0.5, fa)
			for i := range dst {
				if dst[i] != exp[i] {
					t.Fatalf("Axpy[%d] = %v, want %v", i, dst[i], exp[i])
				}
			}
		})
	}
}

func TestDotQ4KMatchesDequantized(t *testing.T) {
	r := rand.New(rand.NewSource(8))
	w := make([]quant.BlockQ4K, 1)
	x := make([]quant.BlockQ8K, 1)
	quant.QuantizeQ4K(w, randVec(r, 256))
	quant.QuantizeQ8K(x, randVec(r, 256))

	wf := make([]float32, 256)
	xf := make([]float32, 256)
	quant.DequantizeQ4K(wf, w)
	quant.DequantizeQ8K(xf, x)

	var want float64
	for i := range wf {
		want += float64(wf[i]) * float64(xf[i])
	}
	got := generic{}.DotQ4K(w, x)
	if math.Abs(float64(got)-want) > 1e-3*(1+math.Abs(want)) {
		t.Errorf("DotQ4K = %v, dequantized dot = %v", got, want)
	}
}

func TestHostCPU(t *testing.T) {
	info := HostCPU()
	if info.LogicalCores < 0 {
		t.Errorf("negative logical cores: %d", info.LogicalCores)
	}
}
