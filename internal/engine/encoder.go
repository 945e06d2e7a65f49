package engine

import (
	"time"

	"github.com/23skdu/longbow-qasr/internal/audio"
	"github.com/23skdu/longbow-qasr/internal/kernels"
	"github.com/23skdu/longbow-qasr/internal/metrics"
)

// StemChunk runs the convolutional stem over mel frames [start,
// start+width) of a [NMel][frames] spectrogram: three stride-2 conv+GELU
// layers, flattening to [tokens][ConvProj], the conv_out projection and a
// chunk-local sinusoidal position embedding. It returns [tokens][EncDModel].
func (c *Context) StemChunk(mel []float32, frames, start, width int) ([]float32, int) {
	cfg := &c.Config
	e := &c.W.Enc
	hid, d := cfg.ConvHidden, cfg.EncDModel

	in := make([]float32, audio.NMel*width)
	for m := 0; m < audio.NMel; m++ {
		copy(in[m*width:(m+1)*width], mel[m*frames+start:m*frames+start+width])
	}

	s1 := kernels.ConvShape{CIn: 1, H: audio.NMel, W: width, COut: hid, Kernel: 3, Stride: 2, Pad: 1}
	h1, w1 := s1.Out()
	c1 := make([]float32, hid*h1*w1)
	c.k.Conv2D(c1, in, e.Conv1W, e.Conv1B, s1)
	kernels.GELU(c1)

	s2 := kernels.ConvShape{CIn: hid, H: h1, W: w1, COut: hid, Kernel: 3, Stride: 2, Pad: 1}
	h2, w2 := s2.Out()
	c2 := make([]float32, hid*h2*w2)
	c.k.Conv2DQ8(c2, c1, e.Conv2W, e.Conv2B, s2)
	kernels.GELU(c2)

	s3 := kernels.ConvShape{CIn: hid, H: h2, W: w2, COut: hid, Kernel: 3, Stride: 2, Pad: 1}
	h3, w3 := s3.Out()
	c3 := make([]float32, hid*h3*w3)
	c.k.Conv2DQ8(c3, c2, e.Conv3W, e.Conv3B, s3)
	kernels.GELU(c3)

	// [hid][h3][w3] -> [w3][hid*h3]
	proj := hid * h3
	flat := make([]float32, w3*proj)
	for t := 0; t < w3; t++ {
		row := flat[t*proj : (t+1)*proj]
		for ch := 0; ch < hid; ch++ {
			for f := 0; f < h3; f++ {
				row[ch*h3+f] = c3[ch*h3*w3+f*w3+t]
			}
		}
	}

	out := make([]float32, w3*d)
	c.k.LinearQ8(out, flat, e.ConvOut, nil, w3, proj, d)
	pe := make([]float32, w3*d)
	kernels.SinusoidalPE(pe, w3, d)
	kernels.Add(out, pe)
	return out, w3
}

// windowBounds splits n tokens into attention windows of size win and
// appends the end sentinel.
func windowBounds(n, win int) []int {
	var b []int
	for s := 0; s < n; s += win {
		b = append(b, s)
	}
	return append(b, n)
}

// EncoderTransformer runs the encoder layers, the final LayerNorm and the
// output projection over n stem tokens. x is overwritten. The result is
// [n][EncOutput].
func (c *Context) EncoderTransformer(x []float32, n int) []float32 {
	cfg := &c.Config
	e := &c.W.Enc
	d, ffn := cfg.EncDModel, cfg.EncFFN
	win := cfg.TokensPerChunk() * (c.winFrames / cfg.EncChunk)
	bounds := windowBounds(n, win)

	x = x[:n*d]
	xn := make([]float32, n*d)
	q := make([]float32, n*d)
	k := make([]float32, n*d)
	v := make([]float32, n*d)
	attn := make([]float32, n*d)
	proj := make([]float32, n*d)
	mid := make([]float32, n*ffn)

	for i := range e.Layers {
		l := &e.Layers[i]
		kernels.LayerNorm(xn, x, l.AttnNormW, l.AttnNormB, n, d, cfg.EncEps)
		c.k.LinearQ8(q, xn, l.Wq, l.Bq, n, d, d)
		c.k.LinearQ8(k, xn, l.Wk, l.Bk, n, d, d)
		c.k.LinearQ8(v, xn, l.Wv, l.Bv, n, d, d)
		c.k.WindowAttention(attn, q, k, v, n, cfg.EncHeads, cfg.EncHeadDim, bounds)
		c.k.LinearQ8(proj, attn, l.Wo, l.Bo, n, d, d)
		kernels.Add(x, proj)

		kernels.LayerNorm(xn, x, l.FFNNormW, l.FFNNormB, n, d, cfg.EncEps)
		c.k.LinearQ8(mid, xn, l.Fc1, l.Fc1B, n, d, ffn)
		kernels.GELU(mid)
		c.k.LinearQ8(proj, mid, l.Fc2, l.Fc2B, n, ffn, d)
		kernels.Add(x, proj)
	}

	kernels.LayerNorm(x, x, e.LnPostW, e.LnPostB, n, d, cfg.EncEps)
	hidden := mid[:n*d]
	c.k.LinearQ8(hidden, x, e.Proj1, e.Proj1B, n, d, d)
	kernels.GELU(hidden)
	out := make([]float32, n*cfg.EncOutput)
	c.k.LinearQ8(out, hidden, e.Proj2, e.Proj2B, n, d, cfg.EncOutput)
	return out
}

// EncodeMel encodes a [NMel][frames] spectrogram. It returns the encoder
// output rows and their count.
func (c *Context) EncodeMel(mel []float32, frames int) ([]float32, int) {
	if frames <= 0 {
		return nil, 0
	}
	chunk := c.Config.EncChunk
	d := c.Config.EncDModel
	var x []float32
	n := 0
	for s := 0; s < frames; s += chunk {
		out, t := c.StemChunk(mel, frames, s, min(chunk, frames-s))
		x = append(x, out[:t*d]...)
		n += t
	}
	return c.EncoderTransformer(x, n), n
}

// Encode computes the mel spectrogram of 16 kHz samples and encodes it.
// It returns no rows for audio shorter than one mel frame.
func (c *Context) Encode(samples []float32) ([]float32, int) {
	start := time.Now()
	mel, frames := audio.MelSpectrogram(samples)
	out, n := c.EncodeMel(mel, frames)
	if n > 0 {
		metrics.RecordEncode(time.Since(start))
	}
	return out, n
}

// StemCache keeps the stem outputs of the mel chunks of an audio span that
// only grows at its end, together with the mel clamp peak they were
// computed with. Every chunk but the last is reusable on the next call.
type StemCache struct {
	chunks [][]float32
	tokens []int
	Peak   float32

	// Hits and Total describe the last EncodeStemCached call.
	Hits, Total int
}

func NewStemCache() *StemCache {
	return &StemCache{Peak: audio.UnsetPeak}
}

// Len is the number of cached chunks.
func (s *StemCache) Len() int { return len(s.chunks) }

// Clear drops every entry and forgets the peak.
func (s *StemCache) Clear() {
	s.chunks = s.chunks[:0]
	s.tokens = s.tokens[:0]
	s.Peak = audio.UnsetPeak
}

// EncodeStemCached encodes samples like Encode but reuses cached stem
// outputs for every chunk except the previously last one, whose
// reflect-padded tail changes as audio grows. The first call fixes the
// mel clamp peak for the lifetime of the cache.
func (c *Context) EncodeStemCached(samples []float32, sc *StemCache) ([]float32, int) {
	start := time.Now()
	mel, frames := audio.MelSpectrogramWithPeak(samples, &sc.Peak)
	sc.Hits, sc.Total = 0, 0
	if frames == 0 {
		return nil, 0
	}
	chunk := c.Config.EncChunk
	d := c.Config.EncDModel
	nChunks := (frames + chunk - 1) / chunk
	prev := len(sc.chunks)

	var x []float32
	n := 0
	for i := 0; i < nChunks; i++ {
		if i < prev-1 {
			sc.Hits++
		} else {
			s := i * chunk
			out, t := c.StemChunk(mel, frames, s, min(chunk, frames-s))
			if i < len(sc.chunks) {
				sc.chunks[i], sc.tokens[i] = out, t
			} else {
				sc.chunks = append(sc.chunks, out)
				sc.tokens = append(sc.tokens, t)
			}
		}
		x = append(x, sc.chunks[i][:sc.tokens[i]*d]...)
		n += sc.tokens[i]
	}
	sc.chunks = sc.chunks[:nChunks]
	sc.tokens = sc.tokens[:nChunks]
	sc.Total = nChunks
	metrics.StemCacheHits.Add(float64(sc.Hits))

	out := c.EncoderTransformer(x, n)
	metrics.RecordEncode(time.Since(start))
	return out, n
}
