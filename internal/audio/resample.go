package audio

import "math"

const (
	sincHalf    = 16 // zero crossings per side
	kaiserBeta  = 6.0
	besselTerms = 20
)

func besselI0(x float64) float64 {
	sum, term, xx := 1.0, 1.0, x*x
	for k := 1; k <= besselTerms; k++ {
		term *= xx / (4 * float64(k) * float64(k))
		sum += term
	}
	return sum
}

// Resample converts x from rate from to rate to with a Kaiser-windowed sinc
// interpolator. The cutoff sits at the lower of the two Nyquist rates and
// each output is normalized by its kernel weight so edges stay unbiased.
func Resample(x []float32, from, to int) []float32 {
	if from == to || len(x) == 0 {
		return x
	}
	outN := int(int64(len(x)) * int64(to) / int64(from))
	out := make([]float32, outN)

	ratio := float64(to) / float64(from)
	cutoff := math.Min(ratio, 1)
	invI0 := 1 / besselI0(kaiserBeta)

	for i := range out {
		pos := float64(i) / ratio
		center := int(pos)
		var acc, wsum float64
		for j := center - sincHalf + 1; j <= center+sincHalf; j++ {
			d := float64(j) - pos
			arg := d * cutoff
			s := 1.0
			if math.Abs(arg) >= 1e-9 {
				s = math.Sin(math.Pi*arg) / (math.Pi * arg)
			}
			npos := d / sincHalf
			var w float64
			if npos > -1 && npos < 1 {
				w = besselI0(kaiserBeta*math.Sqrt(1-npos*npos)) * invI0
			}
			c := s * w * cutoff
			if j >= 0 && j < len(x) {
				acc += float64(x[j]) * c
			}
			wsum += c
		}
		if wsum > 1e-9 {
			out[i] = float32(acc / wsum)
		}
	}
	return out
}
