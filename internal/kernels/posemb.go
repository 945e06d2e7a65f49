package kernels

import "math"

// SinusoidalPE fills out[n][dim] with the sin/cos table used by the audio
// encoder: the first half of each row holds sin(p·ω_j), the second half
// cos(p·ω_j), with ω_j = 10000^(-j/(dim/2-1)).
func SinusoidalPE(out []float32, n, dim int) {
	half := dim / 2
	step := math.Log(10000) / float64(half-1)
	for p := 0; p < n; p++ {
		row := out[p*dim : (p+1)*dim]
		for j := 0; j < half; j++ {
			a := float64(p) * math.Exp(-float64(j)*step)
			row[j] = float32(math.Sin(a))
			row[half+j] = float32(math.Cos(a))
		}
	}
}
