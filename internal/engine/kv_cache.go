package engine

import (
	"fmt"

	"github.com/23skdu/longbow-qasr/internal/kernels"
	"github.com/23skdu/longbow-qasr/internal/metrics"
	"github.com/23skdu/longbow-qasr/internal/quant"
)

// KVCache stores half-precision keys and values for every decoder layer,
// one row of kvDim values per position. Capacity grows by doubling and
// never shrinks; Size is the number of valid positions.
type KVCache struct {
	layers int
	kvDim  int

	kCache [][]uint16
	vCache [][]uint16

	capacity int
	length   int
}

// NewKVCache allocates an empty cache. Storage is reserved on first use.
func NewKVCache(layers, kvDim int) *KVCache {
	return &KVCache{
		layers: layers,
		kvDim:  kvDim,
		kCache: make([][]uint16, layers),
		vCache: make([][]uint16, layers),
	}
}

// Size is the number of valid positions.
func (c *KVCache) Size() int { return c.length }

// Capacity is the number of positions storage is reserved for.
func (c *KVCache) Capacity() int { return c.capacity }

// Bytes is the reserved storage size across all layers.
func (c *KVCache) Bytes() int64 {
	return int64(c.layers) * 2 * int64(c.capacity) * int64(c.kvDim) * 2
}

// Reserve grows storage to hold at least n positions. The first
// allocation leaves 1024 positions of headroom; later ones double.
// Existing rows are preserved.
func (c *KVCache) Reserve(n int) {
	if n <= c.capacity {
		return
	}
	capacity := c.capacity
	if capacity == 0 {
		capacity = n + 1024
	}
	for capacity < n {
		capacity *= 2
	}
	for l := 0; l < c.layers; l++ {
		k := make([]uint16, capacity*c.kvDim)
		v := make([]uint16, capacity*c.kvDim)
		copy(k, c.kCache[l][:c.length*c.kvDim])
		copy(v, c.vCache[l][:c.length*c.kvDim])
		c.kCache[l], c.vCache[l] = k, v
	}
	c.capacity = capacity
	metrics.RecordKVCacheStats(c.capacity, c.length, c.Bytes())
}

// Update writes seq rows of k and v for layer starting at pos. Storage
// must already be reserved.
func (c *KVCache) Update(layer, pos int, k, v []float32, seq int) error {
	if layer < 0 || layer >= c.layers {
		return fmt.Errorf("invalid layer index: %d", layer)
	}
	if pos < 0 || pos+seq > c.capacity {
		return fmt.Errorf("position out of bounds: %d+%d (capacity %d)", pos, seq, c.capacity)
	}
	n := seq * c.kvDim
	quant.ToF16(c.kCache[layer][pos*c.kvDim:pos*c.kvDim+n], k[:n])
	quant.ToF16(c.vCache[layer][pos*c.kvDim:pos*c.kvDim+n], v[:n])
	return nil
}

// Get returns the first n rows of a layer for attention.
func (c *KVCache) Get(layer, n int) kernels.KV {
	return kernels.KV{
		K:   c.kCache[layer][:n*c.kvDim],
		V:   c.vCache[layer][:n*c.kvDim],
		Len: n,
	}
}

// commit marks positions [0, n) valid once every layer has been written.
func (c *KVCache) commit(n int) {
	c.length = n
	metrics.KVCacheLength.Set(float64(n))
}

// Truncate drops positions at and beyond n. Rows below n are untouched.
func (c *KVCache) Truncate(n int) {
	if n < c.length {
		c.commit(max(n, 0))
	}
}

// Reset empties the cache and keeps the storage.
func (c *KVCache) Reset() {
	c.commit(0)
}

// Free releases the storage.
func (c *KVCache) Free() {
	for l := range c.kCache {
		c.kCache[l], c.vCache[l] = nil, nil
	}
	c.capacity, c.length = 0, 0
	metrics.RecordKVCacheStats(0, 0, 0)
}
