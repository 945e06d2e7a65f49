package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// ActivationLog records per-layer decoder activation statistics for one
// decoder call, for diagnosing numeric blowups in quantized weights.
type ActivationLog struct {
	Start  int        `json:"start"`
	Seq    int        `json:"seq"`
	Layers []LayerLog `json:"layers"`
	Token  int        `json:"token"`
}

// LayerLog summarizes one decoder layer.
type LayerLog struct {
	Idx        int     `json:"idx"`
	QMax       float32 `json:"q_max"`
	KMax       float32 `json:"k_max"`
	VMax       float32 `json:"v_max"`
	AttnOutMax float32 `json:"attn_out_max"`
	FFNOutMax  float32 `json:"ffn_out_max"`
	NaN        int     `json:"nan"`
	Inf        int     `json:"inf"`
}

// ActivationLogger collects ActivationLogs while enabled. It keeps at most
// limit calls.
type ActivationLogger struct {
	limit int
	calls []ActivationLog
	cur   *ActivationLog
}

func NewActivationLogger(limit int) *ActivationLogger {
	return &ActivationLogger{limit: max(limit, 1)}
}

// EnableActivationLog starts recording decoder statistics. A nil logger
// disables recording.
func (c *Context) EnableActivationLog(al *ActivationLogger) { c.act = al }

func (al *ActivationLogger) begin(start, seq int) {
	if al == nil || len(al.calls) >= al.limit {
		return
	}
	al.calls = append(al.calls, ActivationLog{Start: start, Seq: seq, Token: -1})
	al.cur = &al.calls[len(al.calls)-1]
}

func (al *ActivationLogger) layer(idx int, q, k, v, attn, ffn []float32) {
	if al == nil || al.cur == nil {
		return
	}
	l := LayerLog{
		Idx:        idx,
		QMax:       maxAbs(q),
		KMax:       maxAbs(k),
		VMax:       maxAbs(v),
		AttnOutMax: maxAbs(attn),
		FFNOutMax:  maxAbs(ffn),
	}
	for _, s := range [][]float32{q, k, v, attn, ffn} {
		n, i := countNaNInf(s)
		l.NaN += n
		l.Inf += i
	}
	al.cur.Layers = append(al.cur.Layers, l)
}

func (al *ActivationLogger) end(token int) {
	if al == nil || al.cur == nil {
		return
	}
	al.cur.Token = token
	al.cur = nil
}

// Calls returns the recorded logs.
func (al *ActivationLogger) Calls() []ActivationLog { return al.calls }

// Unstable reports the first layer with NaN or Inf activations.
func (al *ActivationLogger) Unstable() (LayerLog, bool) {
	for _, c := range al.calls {
		for _, l := range c.Layers {
			if l.NaN > 0 || l.Inf > 0 {
				return l, true
			}
		}
	}
	return LayerLog{}, false
}

// SaveToFile writes the recorded logs as indented JSON.
func (al *ActivationLogger) SaveToFile(filename string) error {
	if len(al.calls) == 0 {
		return fmt.Errorf("no activation log to save")
	}
	data, err := json.MarshalIndent(al.calls, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal activation log: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write activation log: %w", err)
	}
	return nil
}

func maxAbs(data []float32) float32 {
	var m float32
	for _, v := range data {
		if v < 0 {
			v = -v
		}
		if v > m {
			m = v
		}
	}
	return m
}

func countNaNInf(data []float32) (nanCount, infCount int) {
	for _, v := range data {
		if math.IsNaN(float64(v)) {
			nanCount++
		} else if math.IsInf(float64(v), 0) {
			infCount++
		}
	}
	return nanCount, infCount
}
