package gguf

import (
	"fmt"
	"regexp"

	"github.com/23skdu/longbow-qasr/internal/logger"
	"github.com/23skdu/longbow-qasr/internal/tensor"
)

const (
	encPrefix = "thinker.audio_tower."
	decPrefix = "thinker.model."
)

var (
	encLayerRe = regexp.MustCompile(`^enc\.layers\.(\d+)\.(.+)$`)
	decLayerRe = regexp.MustCompile(`^dec\.layers\.(\d+)\.(.+)$`)

	encGlobal = map[string]string{
		"enc.conv1.weight":    "conv2d1.weight",
		"enc.conv1.bias":      "conv2d1.bias",
		"enc.conv2.weight":    "conv2d2.weight",
		"enc.conv2.bias":      "conv2d2.bias",
		"enc.conv3.weight":    "conv2d3.weight",
		"enc.conv3.bias":      "conv2d3.bias",
		"enc.conv_out.weight": "conv_out.weight",
		"enc.ln_post.weight":  "ln_post.weight",
		"enc.ln_post.bias":    "ln_post.bias",
		"enc.proj1.weight":    "proj1.weight",
		"enc.proj1.bias":      "proj1.bias",
		"enc.proj2.weight":    "proj2.weight",
		"enc.proj2.bias":      "proj2.bias",
	}
	encLayer = map[string]string{
		"attn.q.weight":    "self_attn.q_proj.weight",
		"attn.q.bias":      "self_attn.q_proj.bias",
		"attn.k.weight":    "self_attn.k_proj.weight",
		"attn.k.bias":      "self_attn.k_proj.bias",
		"attn.v.weight":    "self_attn.v_proj.weight",
		"attn.v.bias":      "self_attn.v_proj.bias",
		"attn.o.weight":    "self_attn.out_proj.weight",
		"attn.o.bias":      "self_attn.out_proj.bias",
		"attn_norm.weight": "self_attn_layer_norm.weight",
		"attn_norm.bias":   "self_attn_layer_norm.bias",
		"ffn.fc1.weight":   "fc1.weight",
		"ffn.fc1.bias":     "fc1.bias",
		"ffn.fc2.weight":   "fc2.weight",
		"ffn.fc2.bias":     "fc2.bias",
		"ffn_norm.weight":  "final_layer_norm.weight",
		"ffn_norm.bias":    "final_layer_norm.bias",
	}
	decLayer = map[string]string{
		"attn.q.weight":         "self_attn.q_proj.weight",
		"attn.k.weight":         "self_attn.k_proj.weight",
		"attn.v.weight":         "self_attn.v_proj.weight",
		"attn.o.weight":         "self_attn.o_proj.weight",
		"attn.q_norm.weight":    "self_attn.q_norm.weight",
		"attn.k_norm.weight":    "self_attn.k_norm.weight",
		"input_norm.weight":     "input_layernorm.weight",
		"post_attn_norm.weight": "post_attention_layernorm.weight",
		"mlp.down.weight":       "mlp.down_proj.weight",
	}
)

// entry resolves one checkpoint name. rowParity >= 0 selects the even (0)
// or odd (1) rows of an interleaved fused tensor.
type entry struct {
	info      *TensorInfo
	rowParity int
	cols      int
}

// Store exposes a converted GGUF checkpoint under the safetensors checkpoint
// tensor names. Quantized tensors are dequantized to a fresh F32 tensor on
// every lookup, so callers should look each name up once. It is safe for
// concurrent use.
type Store struct {
	file    *GGUFFile
	entries map[string]entry
}

// OpenStore maps a GGUF file.
func OpenStore(path string) (*Store, error) {
	f, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := NewStore(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

// NewStore indexes a parsed file.
func NewStore(f *GGUFFile) (*Store, error) {
	s := &Store{file: f, entries: map[string]entry{}}
	hidden, _ := f.Uint("qwen_asr.dec_hidden")

	for _, t := range f.Tensors {
		if hf, ok := encGlobal[t.Name]; ok {
			s.add(encPrefix+hf, t, -1, 0)
			continue
		}
		if m := encLayerRe.FindStringSubmatch(t.Name); m != nil {
			if hf, ok := encLayer[m[2]]; ok {
				s.add(fmt.Sprintf("%slayers.%s.%s", encPrefix, m[1], hf), t, -1, 0)
				continue
			}
		}
		if m := decLayerRe.FindStringSubmatch(t.Name); m != nil {
			if m[2] == "mlp.gate_up.weight" {
				cols := int(hidden)
				if len(t.Dimensions) == 2 {
					cols = int(t.Dimensions[0])
				}
				if cols == 0 {
					return nil, fmt.Errorf("%s: cannot split without qwen_asr.dec_hidden", t.Name)
				}
				base := fmt.Sprintf("%slayers.%s.mlp.", decPrefix, m[1])
				s.add(base+"gate_proj.weight", t, 0, cols)
				s.add(base+"up_proj.weight", t, 1, cols)
				continue
			}
			if hf, ok := decLayer[m[2]]; ok {
				s.add(fmt.Sprintf("%slayers.%s.%s", decPrefix, m[1], hf), t, -1, 0)
				continue
			}
		}
		switch t.Name {
		case "dec.tok_emb.f16":
			s.add(decPrefix+"embed_tokens.weight", t, -1, 0)
		case "dec.norm.weight":
			s.add(decPrefix+"norm.weight", t, -1, 0)
		case "dec.tok_emb.q4k":
			// recomputed from the embedding table by the loader
		default:
			s.add(t.Name, t, -1, 0)
		}
	}
	logger.Log.Debug("gguf store indexed", "tensors", len(f.Tensors), "names", len(s.entries))
	return s, nil
}

func (s *Store) add(name string, t *TensorInfo, parity, cols int) {
	s.entries[name] = entry{info: t, rowParity: parity, cols: cols}
}

func shape(t *TensorInfo) []int64 {
	out := make([]int64, len(t.Dimensions))
	for i, d := range t.Dimensions {
		// GGUF lists ne[0] (the fastest axis) first.
		out[len(out)-1-i] = int64(d)
	}
	return out
}

func (s *Store) Find(name string) (tensor.Tensor, bool) {
	e, ok := s.entries[name]
	if !ok {
		return tensor.Tensor{}, false
	}
	if e.rowParity < 0 {
		switch e.info.Type {
		case GGMLTypeF32:
			return tensor.Tensor{Name: name, DType: tensor.F32, Shape: shape(e.info), Data: e.info.Data}, true
		case GGMLTypeF16:
			return tensor.Tensor{Name: name, DType: tensor.F16, Shape: shape(e.info), Data: e.info.Data}, true
		case GGMLTypeBF16:
			return tensor.Tensor{Name: name, DType: tensor.BF16, Shape: shape(e.info), Data: e.info.Data}, true
		}
	}

	full, err := Dequantize(e.info)
	if err != nil {
		logger.Log.Warn("gguf dequantize failed", "tensor", e.info.Name, "error", err)
		return tensor.Tensor{}, false
	}
	if e.rowParity >= 0 {
		rows := len(full) / e.cols / 2
		half := make([]float32, rows*e.cols)
		for r := 0; r < rows; r++ {
			src := (2*r + e.rowParity) * e.cols
			copy(half[r*e.cols:(r+1)*e.cols], full[src:src+e.cols])
		}
		return tensor.FromFloat32s(name, half, int64(rows), int64(e.cols)), true
	}
	return tensor.FromFloat32s(name, full, shape(e.info)...), true
}

// File returns the parsed GGUF file.
func (s *Store) File() *GGUFFile {
	return s.file
}

// SourceSize is the size of the mapped file.
func (s *Store) SourceSize() int64 {
	return int64(len(s.file.Data))
}

func (s *Store) Close() error {
	return s.file.Close()
}
