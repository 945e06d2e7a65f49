package engine

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-qasr/internal/logger"
	"github.com/23skdu/longbow-qasr/internal/metrics"
	"github.com/23skdu/longbow-qasr/internal/quant"
	"github.com/23skdu/longbow-qasr/internal/tensor"
)

// weightLoader reads a store into Weights. When cached is set the large
// quantized matrices were already filled from model.qcache and only the
// float vectors are read.
type weightLoader struct {
	store   tensor.Store
	cfg     ModelConfig
	workers int
	cached  bool
}

func (wl *weightLoader) get(name string, want int) (tensor.Tensor, error) {
	t, err := tensor.Get(wl.store, name)
	if err != nil {
		return tensor.Tensor{}, err
	}
	if t.Elements() != want {
		return tensor.Tensor{}, fmt.Errorf("tensor %s: shape %v has %d elements, want %d", name, t.Shape, t.Elements(), want)
	}
	return t, nil
}

func (wl *weightLoader) f32(name string, n int) ([]float32, error) {
	t, err := wl.get(name, n)
	if err != nil {
		return nil, err
	}
	return t.Float32s()
}

func (wl *weightLoader) q8(name string, rows, cols int) ([]quant.BlockQ8, error) {
	t, err := wl.get(name, rows*cols)
	if err != nil {
		return nil, err
	}
	nb := cols / quant.QK8
	out := make([]quant.BlockQ8, rows*nb)
	row := make([]float32, cols)
	for r := 0; r < rows; r++ {
		t.Row(row, r, cols)
		quant.QuantizeQ8(out[r*nb:(r+1)*nb], row)
	}
	metrics.RecordQuantized("q8_0")
	return out, nil
}

// q4k quantizes a [rows][cols] tensor. Large tables are split across
// workers by row range.
func (wl *weightLoader) q4k(name string, rows, cols int) ([]quant.BlockQ4K, error) {
	t, err := wl.get(name, rows*cols)
	if err != nil {
		return nil, err
	}
	nb := cols / quant.QK
	out := make([]quant.BlockQ4K, rows*nb)
	parts := 1
	if rows >= 4096 {
		parts = wl.workers
	}
	chunk := (rows + parts - 1) / parts
	var g errgroup.Group
	for r0 := 0; r0 < rows; r0 += chunk {
		r1 := min(r0+chunk, rows)
		g.Go(func() error {
			row := make([]float32, cols)
			for r := r0; r < r1; r++ {
				t.Row(row, r, cols)
				quant.QuantizeQ4K(out[r*nb:(r+1)*nb], row)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("quantize %s: %w", name, err)
	}
	metrics.RecordQuantized("q4_k")
	return out, nil
}

// gateUp interleaves gate and up rows (gate r at 2r, up r at 2r+1) and
// quantizes the result.
func (wl *weightLoader) gateUp(prefix string) ([]quant.BlockQ4K, error) {
	inter, hidden := wl.cfg.DecInter, wl.cfg.DecHidden
	gate, err := wl.get(prefix+"mlp.gate_proj.weight", inter*hidden)
	if err != nil {
		return nil, err
	}
	up, err := wl.get(prefix+"mlp.up_proj.weight", inter*hidden)
	if err != nil {
		return nil, err
	}
	nb := hidden / quant.QK
	out := make([]quant.BlockQ4K, 2*inter*nb)
	row := make([]float32, hidden)
	for r := 0; r < inter; r++ {
		gate.Row(row, r, hidden)
		quant.QuantizeQ4K(out[2*r*nb:(2*r+1)*nb], row)
		up.Row(row, r, hidden)
		quant.QuantizeQ4K(out[(2*r+1)*nb:(2*r+2)*nb], row)
	}
	metrics.RecordQuantized("q4_k")
	return out, nil
}

func (wl *weightLoader) encoderLayer(l *EncoderLayer, i int) error {
	d, ffn := wl.cfg.EncDModel, wl.cfg.EncFFN
	p := fmt.Sprintf("%slayers.%d.", encPrefix, i)

	var err error
	vec := func(dst *[]float32, name string, n int) {
		if err == nil {
			*dst, err = wl.f32(p+name, n)
		}
	}
	mat := func(dst *[]quant.BlockQ8, name string, rows, cols int) {
		if err == nil && !wl.cached {
			*dst, err = wl.q8(p+name, rows, cols)
		}
	}
	mat(&l.Wq, "self_attn.q_proj.weight", d, d)
	mat(&l.Wk, "self_attn.k_proj.weight", d, d)
	mat(&l.Wv, "self_attn.v_proj.weight", d, d)
	mat(&l.Wo, "self_attn.out_proj.weight", d, d)
	mat(&l.Fc1, "fc1.weight", ffn, d)
	mat(&l.Fc2, "fc2.weight", d, ffn)
	vec(&l.Bq, "self_attn.q_proj.bias", d)
	vec(&l.Bk, "self_attn.k_proj.bias", d)
	vec(&l.Bv, "self_attn.v_proj.bias", d)
	vec(&l.Bo, "self_attn.out_proj.bias", d)
	vec(&l.AttnNormW, "self_attn_layer_norm.weight", d)
	vec(&l.AttnNormB, "self_attn_layer_norm.bias", d)
	vec(&l.Fc1B, "fc1.bias", ffn)
	vec(&l.Fc2B, "fc2.bias", d)
	vec(&l.FFNNormW, "final_layer_norm.weight", d)
	vec(&l.FFNNormB, "final_layer_norm.bias", d)
	if err != nil {
		return fmt.Errorf("encoder layer %d: %w", i, err)
	}
	return nil
}

func (wl *weightLoader) encoderStem(e *EncoderWeights) error {
	cfg := wl.cfg
	h, d := cfg.ConvHidden, cfg.EncDModel

	var err error
	vec := func(dst *[]float32, name string, n int) {
		if err == nil {
			*dst, err = wl.f32(encPrefix+name, n)
		}
	}
	vec(&e.Conv1W, "conv2d1.weight", h*9)
	vec(&e.Conv1B, "conv2d1.bias", h)
	vec(&e.Conv2B, "conv2d2.bias", h)
	vec(&e.Conv3B, "conv2d3.bias", h)
	vec(&e.LnPostW, "ln_post.weight", d)
	vec(&e.LnPostB, "ln_post.bias", d)
	vec(&e.Proj1B, "proj1.bias", d)
	vec(&e.Proj2B, "proj2.bias", cfg.EncOutput)
	if err != nil {
		return err
	}

	// conv2/conv3 are small and always requantized.
	if e.Conv2W, err = wl.q8(encPrefix+"conv2d2.weight", h, h*9); err != nil {
		return err
	}
	if e.Conv3W, err = wl.q8(encPrefix+"conv2d3.weight", h, h*9); err != nil {
		return err
	}
	if wl.cached {
		return nil
	}
	if e.ConvOut, err = wl.q8(encPrefix+"conv_out.weight", d, cfg.ConvProj); err != nil {
		return err
	}
	if e.Proj1, err = wl.q8(encPrefix+"proj1.weight", d, d); err != nil {
		return err
	}
	e.Proj2, err = wl.q8(encPrefix+"proj2.weight", cfg.EncOutput, d)
	return err
}

func (wl *weightLoader) decoderLayer(l *DecoderLayer, i int) error {
	cfg := wl.cfg
	hidden, hd := cfg.DecHidden, cfg.DecHeadDim
	p := fmt.Sprintf("%slayers.%d.", decPrefix, i)

	var err error
	vec := func(dst *[]float32, name string, n int) {
		if err == nil {
			*dst, err = wl.f32(p+name, n)
		}
	}
	mat := func(dst *[]quant.BlockQ4K, name string, rows, cols int) {
		if err == nil && !wl.cached {
			*dst, err = wl.q4k(p+name, rows, cols)
		}
	}
	vec(&l.QNorm, "self_attn.q_norm.weight", hd)
	vec(&l.KNorm, "self_attn.k_norm.weight", hd)
	vec(&l.InputNorm, "input_layernorm.weight", hidden)
	vec(&l.PostAttnNorm, "post_attention_layernorm.weight", hidden)
	mat(&l.Wq, "self_attn.q_proj.weight", cfg.QDim(), hidden)
	mat(&l.Wk, "self_attn.k_proj.weight", cfg.KVDim(), hidden)
	mat(&l.Wv, "self_attn.v_proj.weight", cfg.KVDim(), hidden)
	mat(&l.Wo, "self_attn.o_proj.weight", hidden, cfg.QDim())
	mat(&l.Down, "mlp.down_proj.weight", hidden, cfg.DecInter)
	if err == nil && !wl.cached {
		l.GateUp, err = wl.gateUp(p)
	}
	if err != nil {
		return fmt.Errorf("decoder layer %d: %w", i, err)
	}
	return nil
}

func (wl *weightLoader) decoderTop(dw *DecoderWeights) error {
	cfg := wl.cfg
	var err error
	if dw.Norm, err = wl.f32(decPrefix+"norm.weight", cfg.DecHidden); err != nil {
		return err
	}
	emb, err := tensor.Get(wl.store, decPrefix+"embed_tokens.weight")
	if err != nil {
		return err
	}
	if len(emb.Shape) != 2 || int(emb.Shape[0]) != cfg.Vocab || int(emb.Shape[1]) != cfg.DecHidden {
		return fmt.Errorf("tensor %s: shape %v, want [%d %d]", emb.Name, emb.Shape, cfg.Vocab, cfg.DecHidden)
	}
	dw.TokEmb = emb
	if wl.cached {
		return nil
	}
	dw.TokEmbQ4K, err = wl.q4k(emb.Name, cfg.Vocab, cfg.DecHidden)
	return err
}

// load fills w. Layers are loaded concurrently, bounded by the worker
// count.
func (wl *weightLoader) load(w *Weights) error {
	cfg := wl.cfg
	if len(w.Enc.Layers) != cfg.EncLayers {
		w.Enc.Layers = make([]EncoderLayer, cfg.EncLayers)
	}
	if len(w.Dec.Layers) != cfg.DecLayers {
		w.Dec.Layers = make([]DecoderLayer, cfg.DecLayers)
	}

	var g errgroup.Group
	g.SetLimit(max(wl.workers, 1))
	g.Go(func() error { return wl.encoderStem(&w.Enc) })
	g.Go(func() error { return wl.decoderTop(&w.Dec) })
	for i := range w.Enc.Layers {
		g.Go(func() error { return wl.encoderLayer(&w.Enc.Layers[i], i) })
	}
	for i := range w.Dec.Layers {
		g.Go(func() error { return wl.decoderLayer(&w.Dec.Layers[i], i) })
	}
	return g.Wait()
}

// loadWeights reads all weights, using the quantized cache at cachePath
// when it is valid and rewriting it when it is not. An empty cachePath
// disables the cache.
func loadWeights(s tensor.Store, cfg ModelConfig, cachePath string, workers int, log *logger.Logger) (*Weights, bool, error) {
	w := &Weights{}
	cached := false
	if cachePath != "" {
		err := readQCache(cachePath, cfg, s.SourceSize(), w)
		switch {
		case err == nil:
			cached = true
			metrics.QCacheHits.Inc()
			log.Info("quantized weight cache loaded", "path", cachePath)
		case errors.Is(err, os.ErrNotExist):
			metrics.RecordQCacheMiss("missing")
		default:
			reason := "invalid"
			if !errors.Is(err, ErrCacheInvalid) {
				reason = "read_error"
			}
			metrics.RecordQCacheMiss(reason)
			log.Warn("ignoring quantized weight cache", "path", cachePath, "error", err)
			w = &Weights{}
		}
	}

	wl := &weightLoader{store: s, cfg: cfg, workers: workers, cached: cached}
	if err := wl.load(w); err != nil {
		return nil, false, err
	}

	if cachePath != "" && !cached {
		if err := writeQCache(cachePath, cfg, s.SourceSize(), w); err != nil {
			metrics.QCacheWriteFailures.Inc()
			log.Warn("could not write quantized weight cache", "path", cachePath, "error", err)
		} else {
			log.Info("quantized weight cache written", "path", cachePath)
		}
	}
	return w, cached, nil
}
