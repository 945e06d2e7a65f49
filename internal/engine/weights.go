package engine

import (
	"github.com/23skdu/longbow-qasr/internal/quant"
	"github.com/23skdu/longbow-qasr/internal/tensor"
)

type EncoderLayer struct {
	Wq, Wk, Wv, Wo []quant.BlockQ8
	Bq, Bk, Bv, Bo []float32

	AttnNormW, AttnNormB []float32

	Fc1, Fc2   []quant.BlockQ8
	Fc1B, Fc2B []float32

	FFNNormW, FFNNormB []float32
}

type EncoderWeights struct {
	// conv1 has a single input channel, so it stays f32.
	Conv1W, Conv1B []float32
	Conv2W, Conv3W []quant.BlockQ8
	Conv2B, Conv3B []float32
	ConvOut        []quant.BlockQ8

	Layers []EncoderLayer

	LnPostW, LnPostB []float32
	Proj1, Proj2     []quant.BlockQ8
	Proj1B, Proj2B   []float32
}

type DecoderLayer struct {
	Wq, Wk, Wv, Wo []quant.BlockQ4K
	QNorm, KNorm   []float32

	InputNorm    []float32
	PostAttnNorm []float32

	// Rows alternate gate and up so one GEMM feeds SwiGLU directly.
	GateUp []quant.BlockQ4K
	Down   []quant.BlockQ4K
}

type DecoderWeights struct {
	Layers []DecoderLayer
	Norm   []float32

	// TokEmb stays in its source dtype and is expanded one row at a time;
	// TokEmbQ4K doubles as the tied output head.
	TokEmb    tensor.Tensor
	TokEmbQ4K []quant.BlockQ4K
}

// Weights is everything the forward passes read. It is immutable once
// loaded.
type Weights struct {
	Enc EncoderWeights
	Dec DecoderWeights
}

// byteSize reports the quantized footprint, for load logging.
func (w *Weights) byteSize() int64 {
	var n int64
	q8 := func(b []quant.BlockQ8) { n += int64(len(b) * quant.SizeQ8) }
	q4 := func(b []quant.BlockQ4K) { n += int64(len(b) * quant.SizeQ4K) }
	for i := range w.Enc.Layers {
		l := &w.Enc.Layers[i]
		for _, b := range [][]quant.BlockQ8{l.Wq, l.Wk, l.Wv, l.Wo, l.Fc1, l.Fc2} {
			q8(b)
		}
	}
	for _, b := range [][]quant.BlockQ8{w.Enc.Conv2W, w.Enc.Conv3W, w.Enc.ConvOut, w.Enc.Proj1, w.Enc.Proj2} {
		q8(b)
	}
	for i := range w.Dec.Layers {
		l := &w.Dec.Layers[i]
		for _, b := range [][]quant.BlockQ4K{l.Wq, l.Wk, l.Wv, l.Wo, l.GateUp, l.Down} {
			q4(b)
		}
	}
	q4(w.Dec.TokEmbQ4K)
	return n
}
