package kernels

import "math"

const sqrt2OverPi = 0.7978845608028654

// GELU applies the tanh approximation in place.
func GELU(x []float32) {
	for i, v := range x {
		f := float64(v)
		x[i] = float32(0.5 * f * (1 + math.Tanh(sqrt2OverPi*(f+0.044715*f*f*f))))
	}
}

func silu(v float32) float32 {
	return v / (1 + float32(math.Exp(float64(-v))))
}

// SiLU applies x*sigmoid(x) in place.
func SiLU(x []float32) {
	for i, v := range x {
		x[i] = silu(v)
	}
}

// SwiGLU reads seq rows of interleaved (gate, up) pairs of width 2*inter
// and writes silu(gate)*up to out[seq][inter].
func SwiGLU(out, gateUp []float32, seq, inter int) {
	for i := 0; i < seq; i++ {
		gu := gateUp[i*2*inter : (i+1)*2*inter]
		o := out[i*inter : (i+1)*inter]
		for j := range o {
			o[j] = silu(gu[2*j]) * gu[2*j+1]
		}
	}
}

// Softmax normalizes x in place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	mx := x[0]
	for _, v := range x[1:] {
		if v > mx {
			mx = v
		}
	}
	var sum float32
	for i, v := range x {
		e := float32(math.Exp(float64(v - mx)))
		x[i] = e
		sum += e
	}
	inv := 1 / sum
	for i := range x {
		x[i] *= inv
	}
}

// Add accumulates src into dst.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}
