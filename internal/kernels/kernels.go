// Package kernels holds the numeric building blocks of the encoder and
// decoder: quantized and f32 linear layers, norms, activations, rotary and
// sinusoidal position embeddings, attention and 2-D convolution. Every
// kernel that scales with model size is split across a Pool.
package kernels

import (
	"github.com/23skdu/longbow-qasr/internal/metrics"
	"github.com/23skdu/longbow-qasr/internal/quant"
	"github.com/23skdu/longbow-qasr/internal/simd"
)

// Kernels binds a worker pool to a dot-product implementation and owns the
// scratch buffers reused between calls. A Kernels is driven by one caller
// at a time.
type Kernels struct {
	Pool *Pool
	Dot  simd.Dotter

	xq8  []quant.BlockQ8
	xq8k []quant.BlockQ8K
	outT []float32
	cols []float32
	tmp  []float32
}

// New creates kernels backed by a pool of the given size.
func New(threads int) *Kernels {
	p := NewPool(threads)
	metrics.ThreadPoolSize.Set(float64(p.Size()))
	return &Kernels{Pool: p, Dot: simd.Select()}
}

// Close releases the worker pool.
func (k *Kernels) Close() {
	k.Pool.Close()
}

func grow[T any](buf []T, n int) []T {
	if cap(buf) >= n {
		return buf[:n]
	}
	return make([]T, n)
}
