package quant

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Serialized block sizes (little-endian, no padding).
const (
	SizeQ8  = 4 + QK8
	SizeQ4K = 4 + 4 + 8 + 8 + QK/2
)

// EncodeQ8 appends the serialized blocks to dst.
func EncodeQ8(dst []byte, src []BlockQ8) []byte {
	for i := range src {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(src[i].Scale))
		for _, q := range src[i].Qs {
			dst = append(dst, byte(q))
		}
	}
	return dst
}

// DecodeQ8 fills dst from serialized bytes.
func DecodeQ8(dst []BlockQ8, src []byte) error {
	if len(src) != len(dst)*SizeQ8 {
		return fmt.Errorf("q8_0 payload is %d bytes, want %d", len(src), len(dst)*SizeQ8)
	}
	for i := range dst {
		p := src[i*SizeQ8:]
		dst[i].Scale = math.Float32frombits(binary.LittleEndian.Uint32(p))
		for j := 0; j < QK8; j++ {
			dst[i].Qs[j] = int8(p[4+j])
		}
	}
	return nil
}

// EncodeQ4K appends the serialized blocks to dst.
func EncodeQ4K(dst []byte, src []BlockQ4K) []byte {
	for i := range src {
		b := &src[i]
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(b.D))
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(b.Dmin))
		dst = append(dst, b.Scales[:]...)
		dst = append(dst, b.Mins[:]...)
		dst = append(dst, b.Qs[:]...)
	}
	return dst
}

// DecodeQ4K fills dst from serialized bytes.
func DecodeQ4K(dst []BlockQ4K, src []byte) error {
	if len(src) != len(dst)*SizeQ4K {
		return fmt.Errorf("q4_k payload is %d bytes, want %d", len(src), len(dst)*SizeQ4K)
	}
	for i := range dst {
		p := src[i*SizeQ4K:]
		b := &dst[i]
		b.D = math.Float32frombits(binary.LittleEndian.Uint32(p))
		b.Dmin = math.Float32frombits(binary.LittleEndian.Uint32(p[4:]))
		copy(b.Scales[:], p[8:16])
		copy(b.Mins[:], p[16:24])
		copy(b.Qs[:], p[24:24+QK/2])
	}
	return nil
}
