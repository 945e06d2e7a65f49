package gguf

import (
	"encoding/binary"
	"fmt"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-qasr/internal/quant"
)

// Block sizes
const (
	BlockSizeQ8_0 = 32
	BlockSizeQ4K  = 256
	BlockSizeQ6K  = 256
)

func f16(b []byte) float32 {
	return float16.Frombits(binary.LittleEndian.Uint16(b)).Float32()
}

// Dequantize converts any supported tensor to float32.
func Dequantize(t *TensorInfo) ([]float32, error) {
	n := int(t.Elements())
	switch t.Type {
	case GGMLTypeF32:
		return quant.F32Bytes(t.Data[:n*4]), nil
	case GGMLTypeF16:
		return quant.F16ToF32(t.Data[:n*2]), nil
	case GGMLTypeBF16:
		return quant.BF16ToF32(t.Data[:n*2]), nil
	case GGMLTypeQ8_0:
		return DequantizeQ8_0(t.Data, n), nil
	case GGMLTypeQ4_K:
		return DequantizeQ4K(t.Data, n), nil
	case GGMLTypeQ6_K:
		return DequantizeQ6K(t.Data, n), nil
	}
	return nil, fmt.Errorf("tensor %q: cannot dequantize %v", t.Name, t.Type)
}

// DequantizeQ8_0 decodes ggml Q8_0: an f16 scale followed by 32 int8 codes.
func DequantizeQ8_0(data []byte, numElements int) []float32 {
	const blockSizeBytes = 34
	out := make([]float32, numElements)
	for i := 0; i < numElements/BlockSizeQ8_0; i++ {
		block := data[i*blockSizeBytes : (i+1)*blockSizeBytes]
		d := f16(block)
		for j := 0; j < BlockSizeQ8_0; j++ {
			out[i*BlockSizeQ8_0+j] = d * float32(int8(block[2+j]))
		}
	}
	return out
}

// scaleMinK4 unpacks the 6-bit scale and min of sub-block j from the 12
// packed bytes of a Q4_K super-block.
func scaleMinK4(j int, q []byte) (uint8, uint8) {
	if j < 4 {
		return q[j] & 63, q[j+4] & 63
	}
	sc := (q[j+4] & 0xF) | ((q[j-4] >> 6) << 4)
	m := (q[j+4] >> 4) | ((q[j] >> 6) << 4)
	return sc, m
}

// DequantizeQ4K decodes ggml Q4_K super-blocks of 144 bytes:
// d (f16), dmin (f16), 12 bytes of packed 6-bit scales/mins, 128 bytes of
// nibbles. Each 32-byte run of nibbles holds 64 weights, low nibbles first.
func DequantizeQ4K(data []byte, numElements int) []float32 {
	const blockSizeBytes = 144
	out := make([]float32, numElements)

	for i := 0; i < numElements/BlockSizeQ4K; i++ {
		block := data[i*blockSizeBytes : (i+1)*blockSizeBytes]
		d := f16(block[0:2])
		dmin := f16(block[2:4])
		scales := block[4:16]
		qs := block[16:144]
		y := out[i*BlockSizeQ4K:]

		is := 0
		for j := 0; j < BlockSizeQ4K; j += 64 {
			sc, m := scaleMinK4(is, scales)
			d1, m1 := d*float32(sc), dmin*float32(m)
			sc, m = scaleMinK4(is+1, scales)
			d2, m2 := d*float32(sc), dmin*float32(m)
			q := qs[j/2 : j/2+32]
			for l := 0; l < 32; l++ {
				y[j+l] = d1*float32(q[l]&0xF) - m1
				y[j+32+l] = d2*float32(q[l]>>4) - m2
			}
			is += 2
		}
	}
	return out
}

// DequantizeQ6K decodes ggml Q6_K super-blocks of 210 bytes: 128 bytes of
// low nibbles, 64 bytes of high bit pairs, 16 int8 scales and an f16 d.
func DequantizeQ6K(data []byte, numElements int) []float32 {
	const blockSizeBytes = 210
	out := make([]float32, numElements)

	for i := 0; i < numElements/BlockSizeQ6K; i++ {
		block := data[i*blockSizeBytes : (i+1)*blockSizeBytes]
		ql := block[0:128]
		qh := block[128:192]
		sc := block[192:208]
		d := f16(block[208:210])
		y := out[i*BlockSizeQ6K:]

		for n := 0; n < 2; n++ {
			l0, h0, s0, y0 := ql[n*64:], qh[n*32:], sc[n*8:], y[n*128:]
			for l := 0; l < 32; l++ {
				is := l / 16
				q1 := int8((l0[l]&0xF)|((h0[l]>>0)&3)<<4) - 32
				q2 := int8((l0[l+32]&0xF)|((h0[l]>>2)&3)<<4) - 32
				q3 := int8((l0[l]>>4)|((h0[l]>>4)&3)<<4) - 32
				q4 := int8((l0[l+32]>>4)|((h0[l]>>6)&3)<<4) - 32
				y0[l] = d * float32(int8(s0[is])) * float32(q1)
				y0[l+32] = d * float32(int8(s0[is+2])) * float32(q2)
				y0[l+64] = d * float32(int8(s0[is+4])) * float32(q3)
				y0[l+96] = d * float32(int8(s0[is+6])) * float32(q4)
			}
		}
	}
	return out
}
