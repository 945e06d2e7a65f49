// Package transcribe drives an encoder/decoder model over audio: batch
// transcription with optional segmenting, and a streaming session that
// commits text incrementally with prefix rollback.
package transcribe

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/23skdu/longbow-qasr/internal/audio"
	"github.com/23skdu/longbow-qasr/internal/config"
	"github.com/23skdu/longbow-qasr/internal/engine"
	"github.com/23skdu/longbow-qasr/internal/logger"
	"github.com/23skdu/longbow-qasr/internal/metrics"
)

// Model is the inference surface the pipelines drive. *engine.Context
// implements it.
type Model interface {
	Hidden() int
	Encode(samples []float32) ([]float32, int)
	EncodeStemCached(samples []float32, sc *engine.StemCache) ([]float32, int)
	SetEncoderWindow(frames int)
	EncoderWindow() int

	Embed(dst []float32, id int)
	Prefill(embeds []float32, seq int) error
	Forward(embed []float32) (int, error)
	KVLen() int
	TruncateKV(n int)
	ResetKV()
}

var _ Model = (*engine.Context)(nil)

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	Encode(text string) []int
	Decode(id int) string
}

// TokenFunc receives text pieces as they are committed.
type TokenFunc func(piece string)

var errEncode = errors.New("encoder produced no output")

// Perf describes the last transcription call.
type Perf struct {
	TotalMs  float64
	EncodeMs float64
	DecodeMs float64
	AudioMs  float64

	TextTokens    int
	PrefillTotal  int
	PrefillReused int

	Segments       int
	Retries        int
	RepeatDropped  int
	RecoveryResets int
	PeriodicResets int
}

// Transcriber runs the pipelines against one model. Like the model it is
// not safe for concurrent use.
type Transcriber struct {
	m   Model
	tok Tokenizer
	cfg config.Transcribe
	log *logger.Logger

	language     string
	promptTokens []int
	forceTokens  []int

	Perf Perf
}

// New prepares a transcriber. The system prompt and the forced language are
// tokenized once here; an unknown language is an error.
func New(m Model, tok Tokenizer, cfg config.Transcribe, log *logger.Logger) (*Transcriber, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Log
	}
	lang, err := engine.NormalizeLanguage(cfg.Language)
	if err != nil {
		return nil, err
	}
	t := &Transcriber{
		m:        m,
		tok:      tok,
		cfg:      cfg,
		log:      log.With("transcribe"),
		language: lang,
	}
	if p := strings.TrimSpace(cfg.Prompt); p != "" {
		t.promptTokens = tok.Encode(p)
	}
	if lang != "" {
		t.forceTokens = append(tok.Encode("language "+lang), engine.TokenASRText)
	}
	m.SetEncoderWindow(int(cfg.EncWindowSec * 100))
	return t, nil
}

// Config returns the tuning in effect.
func (t *Transcriber) Config() config.Transcribe { return t.cfg }

// Language is the forced output language, or "" for auto-detection.
func (t *Transcriber) Language() string { return t.language }

func msSince(t0 time.Time) float64 {
	return float64(time.Since(t0).Microseconds()) / 1000
}

func audioMs(n int64) float64 {
	return 1000 * float64(n) / audio.SampleRate
}

func (t *Transcriber) resetPerf(audioSamples int64) {
	t.Perf = Perf{AudioMs: audioMs(audioSamples)}
}

func (t *Transcriber) finish(mode string, start time.Time) {
	t.Perf.TotalMs = msSince(start)
	metrics.RecordTranscription(mode, time.Since(start), time.Duration(t.Perf.AudioMs*float64(time.Millisecond)))
	p := t.Perf
	t.log.Info("transcription finished",
		"mode", mode,
		"audio_ms", int(p.AudioMs),
		"total_ms", int(p.TotalMs),
		"encode_ms", int(p.EncodeMs),
		"decode_ms", int(p.DecodeMs),
		"text_tokens", p.TextTokens,
		"prefill_reused", p.PrefillReused,
		"prefill_total", p.PrefillTotal)
}

// skipSilence applies silence compaction when enabled.
func (t *Transcriber) skipSilence(samples []float32) []float32 {
	if !t.cfg.SkipSilence || len(samples) == 0 {
		return samples
	}
	out := audio.CompactSilence(samples)
	used := 100 * float64(len(out)) / float64(len(samples))
	t.log.Info("silence skip", "used_pct", fmt.Sprintf("%.1f", used), "from", len(samples), "to", len(out))
	return out
}

// promptLen is the number of rows preceding the audio rows.
func (t *Transcriber) promptLen() int {
	return len(engine.PrefixHead) + len(t.promptTokens) + len(engine.PrefixTail)
}

// buildInput lays out the decoder input: prompt prefix, encoder rows, the
// assistant suffix, any forced-language tokens and then extra.
func (t *Transcriber) buildInput(enc []float32, encN int, extra []int) ([]float32, int) {
	h := t.m.Hidden()
	total := t.promptLen() + encN + len(engine.SuffixBase) + len(t.forceTokens) + len(extra)
	out := make([]float32, total*h)
	row := 0
	put := func(ids []int) {
		for _, id := range ids {
			t.m.Embed(out[row*h:(row+1)*h], id)
			row++
		}
	}
	put(engine.PrefixHead)
	put(t.promptTokens)
	put(engine.PrefixTail)
	copy(out[row*h:], enc[:encN*h])
	row += encN
	put(engine.SuffixBase)
	put(t.forceTokens)
	put(extra)
	return out, total
}

// segment transcribes one span from an empty KV cache. past, when set, is
// fed after the suffix followed by a fresh <asr_text> marker. Each text
// piece is passed to emit. It returns the trimmed text and the number of
// text tokens.
func (t *Transcriber) segment(samples []float32, past []int, emit TokenFunc) (string, int, error) {
	h := t.m.Hidden()

	t0 := time.Now()
	enc, n := t.m.Encode(samples)
	t.Perf.EncodeMs += msSince(t0)
	if n <= 0 {
		return "", 0, errEncode
	}

	var extra []int
	if len(past) > 0 {
		extra = append(append(extra, past...), engine.TokenASRText)
	}
	input, total := t.buildInput(enc, n, extra)

	t0 = time.Now()
	t.m.ResetKV()
	prefill := total - 1
	if err := t.m.Prefill(input, prefill); err != nil {
		return "", 0, fmt.Errorf("prefill: %w", err)
	}
	t.Perf.PrefillTotal += prefill
	metrics.RecordPrefill(prefill, 0)
	token, err := t.m.Forward(input[prefill*h:])
	if err != nil {
		return "", 0, fmt.Errorf("decode: %w", err)
	}
	t.Perf.DecodeMs += msSince(t0)

	t0 = time.Now()
	inText := len(t.forceTokens) > 0 || len(past) > 0
	var sb strings.Builder
	embed := make([]float32, h)
	generated, textTokens := 0, 0
	for generated < t.cfg.MaxTokens {
		generated++
		if engine.IsEOS(token) {
			break
		}
		if token == engine.TokenASRText {
			inText = true
		} else if inText {
			piece := t.tok.Decode(token)
			sb.WriteString(piece)
			textTokens++
			if emit != nil {
				emit(piece)
			}
		}
		t.m.Embed(embed, token)
		if token, err = t.m.Forward(embed); err != nil {
			return "", 0, fmt.Errorf("decode: %w", err)
		}
	}
	d := time.Since(t0)
	t.Perf.DecodeMs += float64(d.Microseconds()) / 1000
	t.Perf.TextTokens += textTokens
	metrics.RecordDecode(d, generated)
	t.log.Debug("segment decoded", "enc_rows", n, "prefill", prefill, "generated", generated, "text_tokens", textTokens)

	return strings.TrimSpace(sb.String()), textTokens, nil
}
