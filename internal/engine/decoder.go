package engine

import (
	"fmt"

	"github.com/23skdu/longbow-qasr/internal/kernels"
)

// decoderScratch holds activations reused across decoder calls. Buffers
// grow to the largest sequence seen.
type decoderScratch struct {
	x, xn  []float32
	q, k   []float32
	v      []float32
	attn   []float32
	proj   []float32
	gu     []float32
	ffn    []float32
	logitX []float32
}

func growF32(buf []float32, n int) []float32 {
	if cap(buf) < n {
		return make([]float32, n)
	}
	return buf[:n]
}

func (s *decoderScratch) ensure(cfg *ModelConfig, seq int) {
	h := cfg.DecHidden
	s.x = growF32(s.x, seq*h)
	s.xn = growF32(s.xn, seq*h)
	s.q = growF32(s.q, seq*cfg.QDim())
	s.k = growF32(s.k, seq*cfg.KVDim())
	s.v = growF32(s.v, seq*cfg.KVDim())
	s.attn = growF32(s.attn, seq*cfg.QDim())
	s.proj = growF32(s.proj, seq*h)
	s.gu = growF32(s.gu, seq*2*cfg.DecInter)
	s.ffn = growF32(s.ffn, seq*cfg.DecInter)
	s.logitX = growF32(s.logitX, h)
}

// Embed writes the embedding row of id into dst. Ids outside the
// vocabulary produce a zero row.
func (c *Context) Embed(dst []float32, id int) {
	h := c.Config.DecHidden
	if id < 0 || id >= c.Config.Vocab {
		clear(dst[:h])
		return
	}
	c.W.Dec.TokEmb.Row(dst[:h], id, h)
}

// EmbedTokens returns the embeddings of ids as [len(ids)][DecHidden].
func (c *Context) EmbedTokens(ids []int) []float32 {
	h := c.Config.DecHidden
	out := make([]float32, len(ids)*h)
	for i, id := range ids {
		c.Embed(out[i*h:(i+1)*h], id)
	}
	return out
}

// KVLen is the number of decoder positions held in the KV cache.
func (c *Context) KVLen() int { return c.kv.Size() }

// TruncateKV drops cached positions at and beyond n.
func (c *Context) TruncateKV(n int) { c.kv.Truncate(n) }

// ResetKV empties the KV cache.
func (c *Context) ResetKV() { c.kv.Reset() }

// layers runs every decoder layer over seq rows in s.x placed at positions
// [start, start+seq) and commits them to the KV cache. The result is left
// in s.x.
func (c *Context) layers(seq, start int) error {
	cfg := &c.Config
	s := &c.dec
	h, hd := cfg.DecHidden, cfg.DecHeadDim
	heads, kvHeads := cfg.DecHeads, cfg.DecKVHeads
	qDim, kvDim, inter := cfg.QDim(), cfg.KVDim(), cfg.DecInter

	c.kv.Reserve(start + seq)
	c.act.begin(start, seq)
	x := s.x[:seq*h]
	xn := s.xn[:seq*h]
	for i := range c.W.Dec.Layers {
		l := &c.W.Dec.Layers[i]

		kernels.RMSNorm(xn, x, l.InputNorm, seq, h, cfg.DecEps)
		q, k, v := s.q[:seq*qDim], s.k[:seq*kvDim], s.v[:seq*kvDim]
		c.k.LinearQ4K(q, xn, l.Wq, nil, seq, h, qDim)
		c.k.LinearQ4K(k, xn, l.Wk, nil, seq, h, kvDim)
		c.k.LinearQ4K(v, xn, l.Wv, nil, seq, h, kvDim)
		kernels.RMSNormHeads(q, l.QNorm, seq, heads, hd, cfg.DecEps)
		kernels.RMSNormHeads(k, l.KNorm, seq, kvHeads, hd, cfg.DecEps)
		c.rope.Apply(q, seq, heads, start)
		c.rope.Apply(k, seq, kvHeads, start)

		if err := c.kv.Update(i, start, k, v, seq); err != nil {
			return fmt.Errorf("decoder layer %d: %w", i, err)
		}
		attn := s.attn[:seq*qDim]
		c.k.CausalAttention(attn, q, c.kv.Get(i, start+seq), seq, heads, kvHeads, hd, start)
		proj := s.proj[:seq*h]
		c.k.LinearQ4K(proj, attn, l.Wo, nil, seq, qDim, h)
		kernels.Add(x, proj)

		kernels.RMSNorm(xn, x, l.PostAttnNorm, seq, h, cfg.DecEps)
		gu := s.gu[:seq*2*inter]
		c.k.LinearQ4K(gu, xn, l.GateUp, nil, seq, h, 2*inter)
		ffn := s.ffn[:seq*inter]
		kernels.SwiGLU(ffn, gu, seq, inter)
		c.k.LinearQ4K(proj, ffn, l.Down, nil, seq, inter, h)
		c.act.layer(i, q, k, v, attn, proj)
		kernels.Add(x, proj)
	}
	c.kv.commit(start + seq)
	return nil
}

// Prefill appends seq embedding rows to the KV cache without producing a
// token.
func (c *Context) Prefill(embeds []float32, seq int) error {
	if seq <= 0 {
		return nil
	}
	h := c.Config.DecHidden
	if len(embeds) < seq*h {
		return fmt.Errorf("prefill: %d values for %d rows of %d", len(embeds), seq, h)
	}
	c.dec.ensure(&c.Config, seq)
	copy(c.dec.x, embeds[:seq*h])
	if err := c.layers(seq, c.kv.Size()); err != nil {
		return err
	}
	c.act.end(-1)
	return nil
}

// Forward appends one embedding row at the next position and returns the
// greedy next token.
func (c *Context) Forward(embed []float32) (int, error) {
	cfg := &c.Config
	h := cfg.DecHidden
	c.dec.ensure(cfg, 1)
	copy(c.dec.x, embed[:h])
	if err := c.layers(1, c.kv.Size()); err != nil {
		return 0, err
	}
	xn := c.dec.logitX
	kernels.RMSNorm(xn, c.dec.x[:h], c.W.Dec.Norm, 1, h, cfg.DecEps)
	tok := c.k.ArgmaxQ4K(xn, c.W.Dec.TokEmbQ4K, cfg.Vocab, h)
	c.act.end(tok)
	return tok, nil
}
