//go:build amd64 && !noasm

package simd

import "github.com/klauspost/cpuid/v2"

func init() {
	if cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3) {
		register(unrolled{name: "avx2"}, true)
	}
}
