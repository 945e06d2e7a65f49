//go:build arm64 && !noasm

package simd

import "github.com/klauspost/cpuid/v2"

func init() {
	if cpuid.CPU.Supports(cpuid.ASIMD) {
		register(unrolled{name: "neon"}, true)
	}
}
