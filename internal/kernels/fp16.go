package kernels

import (
	"sync"

	"github.com/x448/float16"
)

var (
	f16Once  sync.Once
	f16Table []float32
)

// F16 returns the float32 value of an IEEE half-precision bit pattern
// through a lookup table built on first use.
func F16(h uint16) float32 {
	f16Once.Do(func() {
		f16Table = make([]float32, 1<<16)
		for i := range f16Table {
			f16Table[i] = float16.Frombits(uint16(i)).Float32()
		}
	})
	return f16Table[h]
}
