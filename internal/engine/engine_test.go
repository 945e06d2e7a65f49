package engine

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/23skdu/longbow-qasr/internal/audio"
	"github.com/23skdu/longbow-qasr/internal/metrics"
	"github.com/23skdu/longbow-qasr/internal/quant"
	"github.com/23skdu/longbow-qasr/internal/tensor"
)

// tinyConfig keeps every dimension block aligned while staying small
// enough to quantize in milliseconds.
var tinyConfig = ModelConfig{
	Variant:        "tiny",
	EncDModel:      64,
	EncLayers:      1,
	EncHeads:       2,
	EncHeadDim:     32,
	EncFFN:         128,
	EncOutput:      256,
	EncEps:         1e-5,
	EncChunk:       100,
	EncWindowInfer: 200,
	ConvHidden:     32,
	ConvProj:       32 * 16,
	DecHidden:      256,
	DecLayers:      2,
	DecHeads:       2,
	DecKVHeads:     1,
	DecHeadDim:     128,
	DecInter:       256,
	DecEps:         1e-6,
	RopeTheta:      1e6,
	Vocab:          64,
}

type storeBuilder struct {
	s *tensor.MemStore
	r *rand.Rand
}

func (b *storeBuilder) rand(name string, scale float32, shape ...int64) {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	x := make([]float32, n)
	for i := range x {
		x[i] = (b.r.Float32()*2 - 1) * scale
	}
	b.s.Put(name, x, shape...)
}

func (b *storeBuilder) ones(name string, n int) {
	x := make([]float32, n)
	for i := range x {
		x[i] = 1
	}
	b.s.Put(name, x, int64(n))
}

func newTestStore(cfg ModelConfig, seed int64) *tensor.MemStore {
	b := &storeBuilder{s: tensor.NewMemStore(), r: rand.New(rand.NewSource(seed))}
	hid, d := int64(cfg.ConvHidden), int64(cfg.EncDModel)
	ffn, out := int64(cfg.EncFFN), int64(cfg.EncOutput)

	e := encPrefix
	b.rand(e+"conv2d1.weight", 0.3, hid, 1, 3, 3)
	b.rand(e+"conv2d1.bias", 0.05, hid)
	b.rand(e+"conv2d2.weight", 0.05, hid, hid, 3, 3)
	b.rand(e+"conv2d2.bias", 0.05, hid)
	b.rand(e+"conv2d3.weight", 0.05, hid, hid, 3, 3)
	b.rand(e+"conv2d3.bias", 0.05, hid)
	b.rand(e+"conv_out.weight", 0.05, d, int64(cfg.ConvProj))
	b.ones(e+"ln_post.weight", int(d))
	b.rand(e+"ln_post.bias", 0.01, d)
	b.rand(e+"proj1.weight", 0.1, d, d)
	b.rand(e+"proj1.bias", 0.01, d)
	b.rand(e+"proj2.weight", 0.1, out, d)
	b.rand(e+"proj2.bias", 0.01, out)
	for i := 0; i < cfg.EncLayers; i++ {
		p := fmt.Sprintf("%slayers.%d.", e, i)
		for _, n := range []string{"q_proj", "k_proj", "v_proj", "out_proj"} {
			b.rand(p+"self_attn."+n+".weight", 0.1, d, d)
			b.rand(p+"self_attn."+n+".bias", 0.01, d)
		}
		b.ones(p+"self_attn_layer_norm.weight", int(d))
		b.rand(p+"self_attn_layer_norm.bias", 0.01, d)
		b.rand(p+"fc1.weight", 0.1, ffn, d)
		b.rand(p+"fc1.bias", 0.01, ffn)
		b.rand(p+"fc2.weight", 0.1, d, ffn)
		b.rand(p+"fc2.bias", 0.01, d)
		b.ones(p+"final_layer_norm.weight", int(d))
		b.rand(p+"final_layer_norm.bias", 0.01, d)
	}

	h, inter := int64(cfg.DecHidden), int64(cfg.DecInter)
	qd, kvd := int64(cfg.QDim()), int64(cfg.KVDim())
	m := decPrefix
	b.rand(m+"embed_tokens.weight", 0.5, int64(cfg.Vocab), h)
	b.ones(m+"norm.weight", int(h))
	for i := 0; i < cfg.DecLayers; i++ {
		p := fmt.Sprintf("%slayers.%d.", m, i)
		b.rand(p+"self_attn.q_proj.weight", 0.05, qd, h)
		b.rand(p+"self_attn.k_proj.weight", 0.05, kvd, h)
		b.rand(p+"self_attn.v_proj.weight", 0.05, kvd, h)
		b.rand(p+"self_attn.o_proj.weight", 0.05, h, qd)
		b.ones(p+"self_attn.q_norm.weight", cfg.DecHeadDim)
		b.ones(p+"self_attn.k_norm.weight", cfg.DecHeadDim)
		b.ones(p+"input_layernorm.weight", int(h))
		b.ones(p+"post_attention_layernorm.weight", int(h))
		b.rand(p+"mlp.gate_proj.weight", 0.05, inter, h)
		b.rand(p+"mlp.up_proj.weight", 0.05, inter, h)
		b.rand(p+"mlp.down_proj.weight", 0.05, h, inter)
	}
	return b.s
}

func newTestContext(t *testing.T, cacheDir string) *Context {
	t.Helper()
	c, err := LoadStore(newTestStore(tinyConfig, 1), tinyConfig, Options{Threads: 2, CacheDir: cacheDir})
	if err != nil {
		t.Fatalf("LoadStore failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func testSignal(n int, seed int64) []float32 {
	r := rand.New(rand.NewSource(seed))
	x := make([]float32, n)
	for i := range x {
		x[i] = 0.3*float32(math.Sin(2*math.Pi*440*float64(i)/16000)) + 0.05*(r.Float32()*2-1)
	}
	return x
}

func TestDetectConfig(t *testing.T) {
	tests := []struct {
		name    string
		tensors []string
		want    string
		wantErr error
	}{
		{"empty store", nil, "", ErrUnsupportedModel},
		{"small variant", []string{modelProbe}, "0.6B", nil},
		{"large variant", []string{modelProbe, variantProbe}, "1.7B", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tensor.NewMemStore()
			for _, n := range tt.tensors {
				s.Put(n, []float32{0})
			}
			cfg, err := DetectConfig(s)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("DetectConfig error = %v, want %v", err, tt.wantErr)
			}
			if cfg.Variant != tt.want {
				t.Errorf("variant = %q, want %q", cfg.Variant, tt.want)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	bad := tinyConfig
	bad.DecHidden = 200
	heads := tinyConfig
	heads.EncHeads = 3

	tests := []struct {
		name    string
		cfg     ModelConfig
		wantErr bool
	}{
		{"1.7B", Config1_7B, false},
		{"0.6B", Config0_6B, false},
		{"tiny", tinyConfig, false},
		{"misaligned hidden", bad, true},
		{"head mismatch", heads, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTokensPerChunk(t *testing.T) {
	if got := Config0_6B.TokensPerChunk(); got != 13 {
		t.Errorf("TokensPerChunk = %d, want 13", got)
	}
}

func TestQCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(tinyConfig, 7)
	opts := Options{Threads: 2, CacheDir: dir}

	first, err := LoadStore(store, tinyConfig, opts)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	defer first.Close()
	if first.FromCache {
		t.Fatal("first load claims to come from cache")
	}
	if _, err := os.Stat(QCachePath(dir)); err != nil {
		t.Fatalf("cache not written: %v", err)
	}

	before := metrics.QuantizedCount()
	second, err := LoadStore(store, tinyConfig, opts)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	defer second.Close()
	if !second.FromCache {
		t.Fatal("second load did not use the cache")
	}
	// Only conv2d2 and conv2d3 are requantized on a hit.
	if got := metrics.QuantizedCount() - before; got != 2 {
		t.Errorf("cache hit quantized %d tensors, want 2", got)
	}
	if diff := cmp.Diff(first.W.Dec.TokEmbQ4K, second.W.Dec.TokEmbQ4K); diff != "" {
		t.Errorf("token embedding differs after reload (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(first.W.Enc.Layers[0].Fc1, second.W.Enc.Layers[0].Fc1); diff != "" {
		t.Errorf("fc1 differs after reload (-first +second):\n%s", diff)
	}

	store.Size++
	before = metrics.QuantizedCount()
	third, err := LoadStore(store, tinyConfig, opts)
	if err != nil {
		t.Fatalf("stale load: %v", err)
	}
	defer third.Close()
	if third.FromCache {
		t.Fatal("stale cache was reused")
	}
	if got := metrics.QuantizedCount() - before; got <= 2 {
		t.Errorf("stale cache quantized only %d tensors", got)
	}
}

func TestQCacheTruncatedFile(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(tinyConfig, 3)
	c, err := LoadStore(store, tinyConfig, Options{CacheDir: dir})
	if err != nil {
		t.Fatal(err)
	}
	c.Close()

	path := QCachePath(dir)
	st, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(path, st.Size()-10); err != nil {
		t.Fatal(err)
	}
	var w Weights
	if err := readQCache(path, tinyConfig, store.SourceSize(), &w); !errors.Is(err, ErrCacheInvalid) {
		t.Fatalf("readQCache on truncated file = %v, want ErrCacheInvalid", err)
	}
	if got := CacheStatus(dir, store); got[:5] != "stale" {
		t.Errorf("CacheStatus = %q, want stale", got)
	}
}

func TestQ4KShardedMatchesSerial(t *testing.T) {
	const rows, cols = 4096, 2 * quant.QK
	r := rand.New(rand.NewSource(11))
	x := make([]float32, rows*cols)
	for i := range x {
		x[i] = float32(r.NormFloat64())
	}
	s := tensor.NewMemStore()
	s.Put("w", x, rows, cols)

	serial, err := (&weightLoader{store: s, workers: 1}).q4k("w", rows, cols)
	if err != nil {
		t.Fatalf("serial: %v", err)
	}
	sharded, err := (&weightLoader{store: s, workers: 3}).q4k("w", rows, cols)
	if err != nil {
		t.Fatalf("sharded: %v", err)
	}
	if diff := cmp.Diff(serial, sharded); diff != "" {
		t.Errorf("sharded quantization differs (-serial +sharded):\n%s", diff)
	}

	if _, err := (&weightLoader{store: s, workers: 3}).q4k("w", rows, cols/2); err == nil {
		t.Error("expected a shape error")
	}
}

func TestKVCacheGrowthPreservesRows(t *testing.T) {
	kv := NewKVCache(2, 4)
	kv.Reserve(3)
	if kv.Capacity() < 3 {
		t.Fatalf("capacity %d after Reserve(3)", kv.Capacity())
	}
	k := []float32{0.5, 1, 1.5, 2, -0.5, -1, -1.5, -2, 0.25, 0.75, 1.25, 1.75}
	v := []float32{2, 4, 8, 16, -2, -4, -8, -16, 0.125, 0.375, 0.625, 0.875}
	for l := 0; l < 2; l++ {
		if err := kv.Update(l, 0, k, v, 3); err != nil {
			t.Fatal(err)
		}
	}
	kv.commit(3)

	kv.Reserve(5000)
	if kv.Capacity() < 5000 {
		t.Fatalf("capacity %d after Reserve(5000)", kv.Capacity())
	}
	if kv.Size() != 3 {
		t.Fatalf("Size = %d after growth, want 3", kv.Size())
	}
	view := kv.Get(1, 3)
	gotK := make([]float32, 12)
	gotV := make([]float32, 12)
	quant.FromF16(gotK, view.K)
	quant.FromF16(gotV, view.V)
	if diff := cmp.Diff(k, gotK); diff != "" {
		t.Errorf("keys changed by growth (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(v, gotV); diff != "" {
		t.Errorf("values changed by growth (-want +got):\n%s", diff)
	}

	if err := kv.Update(0, kv.Capacity(), k[:4], v[:4], 1); err == nil {
		t.Error("Update past capacity succeeded")
	}
	kv.Truncate(1)
	if kv.Size() != 1 {
		t.Errorf("Size = %d after Truncate(1)", kv.Size())
	}
	kv.Reset()
	if kv.Size() != 0 {
		t.Errorf("Size = %d after Reset", kv.Size())
	}
}

func TestKVCacheHalfPrecisionError(t *testing.T) {
	const dim, seq = 64, 16
	r := rand.New(rand.NewSource(12))
	k := make([]float32, dim*seq)
	v := make([]float32, dim*seq)
	for i := range k {
		k[i] = float32(r.NormFloat64() * 4)
		v[i] = float32(r.NormFloat64() * 64)
	}
	kv := NewKVCache(1, dim)
	kv.Reserve(seq)
	if err := kv.Update(0, 0, k, v, seq); err != nil {
		t.Fatal(err)
	}
	kv.commit(seq)

	view := kv.Get(0, seq)
	got := make([]float32, dim*seq)
	for _, tt := range []struct {
		name string
		want []float32
		raw  []uint16
	}{{"keys", k, view.K}, {"values", v, view.V}} {
		quant.FromF16(got, tt.raw)
		for i, w := range tt.want {
			// Round to nearest with an 11-bit significand, plus the subnormal step.
			bound := math.Abs(float64(w))/2048 + 1.0/(1<<24)
			if e := math.Abs(float64(got[i] - w)); e > bound {
				t.Fatalf("%s[%d] = %v, want %v within %g", tt.name, i, got[i], w, bound)
			}
		}
	}
}

func TestPrefillMatchesSequentialForward(t *testing.T) {
	c := newTestContext(t, "")
	h := c.Config.DecHidden
	ids := []int{3, 17, 42, 5, 9, 60}
	emb := c.EmbedTokens(ids)

	for i := range ids {
		if _, err := c.Forward(emb[i*h : (i+1)*h]); err != nil {
			t.Fatal(err)
		}
	}
	if c.KVLen() != len(ids) {
		t.Fatalf("KVLen = %d, want %d", c.KVLen(), len(ids))
	}
	seqLast := append([]float32(nil), c.dec.x[:h]...)

	c.ResetKV()
	if err := c.Prefill(emb, len(ids)); err != nil {
		t.Fatal(err)
	}
	batchLast := c.dec.x[(len(ids)-1)*h : len(ids)*h]

	opt := cmpopts.EquateApprox(0.02, 0.02)
	if diff := cmp.Diff(seqLast, batchLast, opt); diff != "" {
		t.Errorf("prefill and sequential forward disagree (-seq +prefill):\n%s", diff)
	}
}

func TestForwardTokenInVocab(t *testing.T) {
	c := newTestContext(t, "")
	al := NewActivationLogger(4)
	c.EnableActivationLog(al)

	emb := make([]float32, c.Config.DecHidden)
	c.Embed(emb, 11)
	tok, err := c.Forward(emb)
	if err != nil {
		t.Fatal(err)
	}
	if tok < 0 || tok >= c.Config.Vocab {
		t.Fatalf("token %d outside vocabulary", tok)
	}

	calls := al.Calls()
	if len(calls) != 1 || len(calls[0].Layers) != c.Config.DecLayers || calls[0].Token != tok {
		t.Fatalf("activation log = %+v", calls)
	}
	if l, bad := al.Unstable(); bad {
		t.Errorf("layer %d produced NaN/Inf", l.Idx)
	}

	c.Embed(emb, c.Config.Vocab+5)
	for i, v := range emb {
		if v != 0 {
			t.Fatalf("out-of-range embedding[%d] = %v, want 0", i, v)
		}
	}
}

func TestWindowBounds(t *testing.T) {
	tests := []struct {
		n, win int
		want   []int
	}{
		{0, 26, []int{0}},
		{13, 26, []int{0, 13}},
		{26, 26, []int{0, 26}},
		{40, 26, []int{0, 26, 40}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.n, tt.win), func(t *testing.T) {
			if diff := cmp.Diff(tt.want, windowBounds(tt.n, tt.win)); diff != "" {
				t.Errorf("windowBounds mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEncodeShapes(t *testing.T) {
	c := newTestContext(t, "")
	// 1.5 s yields 150 mel frames: one full chunk and one of 50.
	out, n := c.Encode(testSignal(24000, 1))
	want := convTokens(100) + convTokens(50)
	if n != want {
		t.Fatalf("Encode returned %d rows, want %d", n, want)
	}
	if len(out) != n*c.Config.EncOutput {
		t.Fatalf("output has %d values, want %d", len(out), n*c.Config.EncOutput)
	}
	for i, v := range out {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("output[%d] = %v", i, v)
		}
	}

	if _, n := c.Encode(make([]float32, 10)); n != 0 {
		t.Errorf("tiny input encoded to %d rows", n)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	c := newTestContext(t, "")
	x := testSignal(16000, 2)
	a, _ := c.Encode(x)
	b, _ := c.Encode(x)
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("repeated encode differs:\n%s", diff)
	}
}

func TestEncodeStemCached(t *testing.T) {
	c := newTestContext(t, "")
	full := testSignal(48000, 3)

	sc := NewStemCache()
	plain, _ := c.Encode(full[:32000])
	got, _ := c.EncodeStemCached(full[:32000], sc)
	if diff := cmp.Diff(plain, got); diff != "" {
		t.Fatalf("cold stem cache differs from Encode:\n%s", diff)
	}
	if sc.Hits != 0 || sc.Len() != 2 {
		t.Fatalf("cold call: hits=%d len=%d", sc.Hits, sc.Len())
	}

	grown, n := c.EncodeStemCached(full, sc)
	if sc.Hits != 1 || sc.Total != 3 {
		t.Errorf("grown call: hits=%d total=%d, want 1/3", sc.Hits, sc.Total)
	}

	fresh := NewStemCache()
	fresh.Peak = sc.Peak
	want, wantN := c.EncodeStemCached(full, fresh)
	if n != wantN {
		t.Fatalf("rows = %d, want %d", n, wantN)
	}
	if diff := cmp.Diff(want, grown); diff != "" {
		t.Errorf("reused stem chunks changed the output:\n%s", diff)
	}

	sc.Clear()
	if sc.Len() != 0 || sc.Peak != audio.UnsetPeak {
		t.Errorf("Clear left len=%d peak=%v", sc.Len(), sc.Peak)
	}
}

func TestSetEncoderWindow(t *testing.T) {
	c := newTestContext(t, "")
	tests := []struct{ in, want int }{
		{50, 100},
		{150, 100},
		{200, 200},
		{900, 200},
	}
	for _, tt := range tests {
		c.SetEncoderWindow(tt.in)
		if got := c.EncoderWindow(); got != tt.want {
			t.Errorf("SetEncoderWindow(%d) -> %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeLanguage(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "", false},
		{"english", "English", false},
		{" CHINESE ", "Chinese", false},
		{"Klingon", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeLanguage(tt.in)
			if (err != nil) != tt.wantErr || got != tt.want {
				t.Errorf("NormalizeLanguage(%q) = %q, %v", tt.in, got, err)
			}
		})
	}
}
