package quant

import (
	"encoding/binary"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// BF16ToF32 decodes little-endian bfloat16 bytes.
func BF16ToF32(src []byte) []float32 {
	return bfloat16.DecodeFloat32(src)
}

// BF16RowToF32 decodes one bfloat16 value per element of dst from src
// without allocating; used for token embedding lookups.
func BF16RowToF32(dst []float32, src []byte) {
	for i := range dst {
		bits := uint32(binary.LittleEndian.Uint16(src[2*i:])) << 16
		dst[i] = math.Float32frombits(bits)
	}
}

// F16ToF32 decodes little-endian IEEE half-precision bytes.
func F16ToF32(src []byte) []float32 {
	out := make([]float32, len(src)/2)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(src[2*i:])).Float32()
	}
	return out
}

// F32Bytes reinterprets little-endian float32 bytes.
func F32Bytes(src []byte) []float32 {
	out := make([]float32, len(src)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[4*i:]))
	}
	return out
}

// ToF16 converts x to half-precision bit patterns in dst.
func ToF16(dst []uint16, x []float32) {
	for i, v := range x {
		dst[i] = float16.Fromfloat32(v).Bits()
	}
}

// FromF16 converts half-precision bit patterns to float32.
func FromF16(dst []float32, src []uint16) {
	for i, h := range src {
		dst[i] = float16.Frombits(h).Float32()
	}
}
