// Package engine loads Qwen3-ASR weights and runs the audio encoder and
// the text decoder. A Context owns the weights, the KV cache, the worker
// pool and the scratch buffers; exactly one caller drives it at a time.
package engine

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-qasr/internal/tensor"
)

var (
	// ErrUnsupportedModel is returned when the weight store does not look
	// like a Qwen3-ASR checkpoint.
	ErrUnsupportedModel = errors.New("unsupported model")
	// ErrCacheInvalid reports a quantized-weight cache that does not match
	// the live weights. Callers requantize instead of failing.
	ErrCacheInvalid = errors.New("quantized weight cache invalid")
)

const (
	encPrefix = "thinker.audio_tower."
	decPrefix = "thinker.model."

	// Present only in the 1.7B checkpoint, which has 24 encoder layers.
	variantProbe = encPrefix + "layers.18.self_attn.q_proj.weight"
	modelProbe   = encPrefix + "conv2d1.weight"
)

// ModelConfig holds the dimensions of one model variant. It is fixed at
// load time.
type ModelConfig struct {
	Variant string

	EncDModel  int
	EncLayers  int
	EncHeads   int
	EncHeadDim int
	EncFFN     int
	EncOutput  int
	EncEps     float32

	// Mel frames per conv chunk and per attention window.
	EncChunk       int
	EncWindowInfer int

	ConvHidden int
	ConvProj   int

	DecHidden  int
	DecLayers  int
	DecHeads   int
	DecKVHeads int
	DecHeadDim int
	DecInter   int
	DecEps     float32
	RopeTheta  float64

	Vocab int
}

// QDim is the width of the concatenated query heads.
func (c ModelConfig) QDim() int { return c.DecHeads * c.DecHeadDim }

// KVDim is the width of one cached key or value row.
func (c ModelConfig) KVDim() int { return c.DecKVHeads * c.DecHeadDim }

// TokensPerChunk is the number of encoder tokens a full mel chunk yields
// after three stride-2 convolutions.
func (c ModelConfig) TokensPerChunk() int {
	return convTokens(c.EncChunk)
}

func convTokens(frames int) int {
	w := frames
	for range 3 {
		w = (w+2-3)/2 + 1
	}
	return w
}

func withCommon(c ModelConfig) ModelConfig {
	c.EncHeadDim = 64
	c.EncEps = 1e-5
	c.EncChunk = 100
	c.EncWindowInfer = 800
	c.ConvHidden = 480
	c.ConvProj = 480 * 16
	c.DecLayers = 28
	c.DecHeads = 16
	c.DecKVHeads = 8
	c.DecHeadDim = 128
	c.DecEps = 1e-6
	c.RopeTheta = 1e6
	c.Vocab = 151936
	return c
}

// Config1_7B and Config0_6B are the two supported variants.
var (
	Config1_7B = withCommon(ModelConfig{
		Variant:   "1.7B",
		EncDModel: 1024,
		EncLayers: 24,
		EncHeads:  16,
		EncFFN:    4096,
		EncOutput: 2048,
		DecHidden: 2048,
		DecInter:  6144,
	})
	Config0_6B = withCommon(ModelConfig{
		Variant:   "0.6B",
		EncDModel: 896,
		EncLayers: 18,
		EncHeads:  14,
		EncFFN:    3584,
		EncOutput: 1024,
		DecHidden: 1024,
		DecInter:  3072,
	})
)

// DetectConfig picks the variant from the tensors present in s.
func DetectConfig(s tensor.Store) (ModelConfig, error) {
	if _, ok := s.Find(modelProbe); !ok {
		return ModelConfig{}, fmt.Errorf("%w: %s missing", ErrUnsupportedModel, modelProbe)
	}
	if _, ok := s.Find(variantProbe); ok {
		return Config1_7B, nil
	}
	return Config0_6B, nil
}

// Validate checks the block alignment the quantized kernels rely on.
func (c ModelConfig) Validate() error {
	checks := []struct {
		name string
		v    int
		unit int
	}{
		{"enc_d_model", c.EncDModel, 32},
		{"enc_ffn", c.EncFFN, 32},
		{"conv_proj", c.ConvProj, 32},
		{"conv_patch", c.ConvHidden * 9, 32},
		{"dec_hidden", c.DecHidden, 256},
		{"dec_q_dim", c.QDim(), 256},
		{"dec_intermediate", c.DecInter, 256},
	}
	for _, ch := range checks {
		if ch.v <= 0 || ch.v%ch.unit != 0 {
			return fmt.Errorf("invalid %s: %d (must be a positive multiple of %d)", ch.name, ch.v, ch.unit)
		}
	}
	if c.EncOutput != c.DecHidden {
		return fmt.Errorf("invalid enc_output: %d (must equal dec_hidden %d)", c.EncOutput, c.DecHidden)
	}
	if c.EncHeads*c.EncHeadDim != c.EncDModel {
		return fmt.Errorf("invalid enc_heads: %d x %d != %d", c.EncHeads, c.EncHeadDim, c.EncDModel)
	}
	if c.DecKVHeads <= 0 || c.DecHeads%c.DecKVHeads != 0 {
		return fmt.Errorf("invalid dec_kv_heads: %d (must divide %d)", c.DecKVHeads, c.DecHeads)
	}
	if c.EncChunk <= 0 || c.EncWindowInfer < c.EncChunk {
		return fmt.Errorf("invalid encoder window: chunk %d, window %d", c.EncChunk, c.EncWindowInfer)
	}
	return nil
}
