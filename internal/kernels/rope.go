package kernels

import "math"

// Rope caches cos/sin tables for NeoX rotary embeddings. Rows are indexed
// by absolute position and hold headDim entries with the half-dim angles
// duplicated, so both halves of a head read the same column index.
type Rope struct {
	headDim int
	theta   float64
	cos     []float32
	sin     []float32
	rows    int
}

func NewRope(headDim int, theta float64) *Rope {
	return &Rope{headDim: headDim, theta: theta}
}

// Ensure grows the tables to cover positions [0, n), doubling capacity.
// Tables never shrink.
func (r *Rope) Ensure(n int) {
	if n <= r.rows {
		return
	}
	rows := max(r.rows, 1024)
	for rows < n {
		rows *= 2
	}
	half := r.headDim / 2
	cos := make([]float32, rows*r.headDim)
	sin := make([]float32, rows*r.headDim)
	copy(cos, r.cos)
	copy(sin, r.sin)
	for p := r.rows; p < rows; p++ {
		base := p * r.headDim
		for j := 0; j < half; j++ {
			inv := math.Pow(r.theta, -2*float64(j)/float64(r.headDim))
			angle := float64(p) * inv
			c, s := float32(math.Cos(angle)), float32(math.Sin(angle))
			cos[base+j], cos[base+half+j] = c, c
			sin[base+j], sin[base+half+j] = s, s
		}
	}
	r.cos, r.sin, r.rows = cos, sin, rows
}

// Rows is the number of cached positions.
func (r *Rope) Rows() int {
	return r.rows
}

// Apply rotates x, laid out [seq][heads][headDim], in place. Row i uses
// position startPos+i.
func (r *Rope) Apply(x []float32, seq, heads, startPos int) {
	r.Ensure(startPos + seq)
	hd := r.headDim
	half := hd / 2
	for i := 0; i < seq; i++ {
		base := (startPos + i) * hd
		c := r.cos[base : base+hd]
		s := r.sin[base : base+hd]
		for h := 0; h < heads; h++ {
			v := x[(i*heads+h)*hd : (i*heads+h+1)*hd]
			for j := 0; j < half; j++ {
				x1, x2 := v[j], v[j+half]
				v[j] = x1*c[j] - x2*s[j]
				v[j+half] = x2*c[j+half] + x1*s[j+half]
			}
		}
	}
}
