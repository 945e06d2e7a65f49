package kernels

import "math"

// LayerNorm normalizes each of seq rows of x to zero mean and unit
// variance, then applies the affine w and b. out may alias x.
func LayerNorm(out, x, w, b []float32, seq, dim int, eps float32) {
	for i := 0; i < seq; i++ {
		row := x[i*dim : (i+1)*dim]
		o := out[i*dim : (i+1)*dim]
		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(dim)
		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(dim)
		inv := float32(1 / math.Sqrt(variance+float64(eps)))
		m := float32(mean)
		for j, v := range row {
			o[j] = (v-m)*inv*w[j] + b[j]
		}
	}
}

// RMSNorm scales each row by the reciprocal root mean square and w.
func RMSNorm(out, x, w []float32, seq, dim int, eps float32) {
	for i := 0; i < seq; i++ {
		rmsRow(out[i*dim:(i+1)*dim], x[i*dim:(i+1)*dim], w, eps)
	}
}

// RMSNormHeads applies RMSNorm in place to every head_dim slice of x,
// laid out [seq][heads][headDim], sharing one weight vector.
func RMSNormHeads(x, w []float32, seq, heads, headDim int, eps float32) {
	for i := 0; i < seq*heads; i++ {
		h := x[i*headDim : (i+1)*headDim]
		rmsRow(h, h, w, eps)
	}
}

func rmsRow(out, x, w []float32, eps float32) {
	var ss float64
	for _, v := range x {
		ss += float64(v) * float64(v)
	}
	inv := float32(1 / math.Sqrt(ss/float64(len(x))+float64(eps)))
	for j, v := range x {
		out[j] = v * inv * w[j]
	}
}
