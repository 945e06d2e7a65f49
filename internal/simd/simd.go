// Package simd selects the dot-product implementation used by the kernels.
// Implementations register themselves per architecture and the best one
// supported by the running CPU is picked once at startup.
package simd

import (
	"os"
	"sort"
	"sync"

	"github.com/23skdu/longbow-qasr/internal/quant"
	"github.com/klauspost/cpuid/v2"
)

// Dotter computes the inner products the quantized GEMM kernels are built on.
type Dotter interface {
	Name() string
	// DotQ8 returns sum over blocks of a[b]·b[b].
	DotQ8(a, b []quant.BlockQ8) float32
	// DotQ8Cols computes out[i] = sum_b w[b]·xt[b*stride+i] for i < len(out),
	// where xt is a block-major transposed activation matrix.
	DotQ8Cols(out []float32, w []quant.BlockQ8, xt []quant.BlockQ8, stride int)
	// DotQ4K returns the dot product of a Q4_K weight row and Q8_K activations.
	DotQ4K(w []quant.BlockQ4K, x []quant.BlockQ8K) float32
	DotF32(a, b []float32) float32
	// Axpy computes dst += a*x.
	Axpy(dst []float32, a float32, x []float32)
}

var (
	mu        sync.Mutex
	registry  = map[string]Dotter{}
	preferred = "generic"
)

func register(d Dotter, prefer bool) {
	mu.Lock()
	defer mu.Unlock()
	registry[d.Name()] = d
	if prefer {
		preferred = d.Name()
	}
}

func init() {
	register(generic{}, false)
	register(unrolled{name: "unrolled"}, false)
}

// Select returns the preferred implementation, honoring QASR_DOT when it
// names a registered one.
func Select() Dotter {
	if name := os.Getenv("QASR_DOT"); name != "" {
		if d, ok := ByName(name); ok {
			return d
		}
	}
	mu.Lock()
	defer mu.Unlock()
	return registry[preferred]
}

// ByName looks up a registered implementation.
func ByName(name string) (Dotter, bool) {
	mu.Lock()
	defer mu.Unlock()
	d, ok := registry[name]
	return d, ok
}

// Names lists registered implementations.
func Names() []string {
	mu.Lock()
	defer mu.Unlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// CPUInfo describes the host for diagnostics.
type CPUInfo struct {
	Brand         string
	PhysicalCores int
	LogicalCores  int
	Features      []string
}

func HostCPU() CPUInfo {
	return CPUInfo{
		Brand:         cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		Features:      cpuid.CPU.FeatureSet(),
	}
}
