package transcribe

import (
	"fmt"
	"io"
	"math/rand"
	"slices"
	"strconv"
	"strings"
	"testing"

	"github.com/23skdu/longbow-qasr/internal/audio"
	"github.com/23skdu/longbow-qasr/internal/config"
	"github.com/23skdu/longbow-qasr/internal/engine"
	"github.com/23skdu/longbow-qasr/internal/logger"
)

// Word tokens are wordBase+i and decode to " w<i>".
const wordBase = 1000

// rowsPerSample is the fake encoder rate: one row per 100 ms.
const rowsPerSample = audio.SampleRate / 10

// fakeModel stands in for the engine. Rows are tagged so the scripted
// decoder can read back what it was fed: token rows carry their id, audio
// rows carry the sum of the samples they cover.
type fakeModel struct {
	win      int
	kv       [][]float32
	prefills int
	next     func(f *fakeModel) int

	// answers holds answer() as it stood after each prefill.
	answers [][]int
}

const fakeHidden = 3

func (f *fakeModel) Hidden() int { return fakeHidden }

func (f *fakeModel) Encode(samples []float32) ([]float32, int) {
	n := len(samples) / rowsPerSample
	out := make([]float32, n*fakeHidden)
	for i := range n {
		var sum float32
		for _, v := range samples[i*rowsPerSample : (i+1)*rowsPerSample] {
			sum += v
		}
		out[i*fakeHidden] = sum
		out[i*fakeHidden+2] = 1
	}
	return out, n
}

func (f *fakeModel) EncodeStemCached(samples []float32, _ *engine.StemCache) ([]float32, int) {
	return f.Encode(samples)
}

func (f *fakeModel) SetEncoderWindow(frames int) { f.win = frames }
func (f *fakeModel) EncoderWindow() int          { return f.win }

func (f *fakeModel) Embed(dst []float32, id int) {
	dst[0], dst[1], dst[2] = float32(id), 1, 0
}

func (f *fakeModel) Prefill(embeds []float32, seq int) error {
	for i := range seq {
		f.kv = append(f.kv, slices.Clone(embeds[i*fakeHidden:(i+1)*fakeHidden]))
	}
	f.prefills++
	f.answers = append(f.answers, f.answer())
	return nil
}

func (f *fakeModel) Forward(embed []float32) (int, error) {
	f.kv = append(f.kv, slices.Clone(embed[:fakeHidden]))
	return f.next(f), nil
}

func (f *fakeModel) KVLen() int { return len(f.kv) }

func (f *fakeModel) TruncateKV(n int) {
	if n < len(f.kv) {
		f.kv = f.kv[:n]
	}
}

func (f *fakeModel) ResetKV() { f.kv = f.kv[:0] }

func (f *fakeModel) audioRows() int {
	n := 0
	for _, r := range f.kv {
		if r[2] == 1 {
			n++
		}
	}
	return n
}

// answer returns the token ids after the last "assistant\n".
func (f *fakeModel) answer() []int {
	var ids []int
	for i := len(f.kv) - 1; i >= 1; i-- {
		if f.kv[i][1] == 1 && f.kv[i][0] == 198 && f.kv[i-1][1] == 1 && f.kv[i-1][0] == 77091 {
			for _, r := range f.kv[i+1:] {
				ids = append(ids, int(r[0]))
			}
			return ids
		}
	}
	return nil
}

// ideal transcribes every audio row as one word and then stops.
func ideal(f *fakeModel) int {
	ans := f.answer()
	i := -1
	for j, id := range ans {
		if id == engine.TokenASRText {
			i = j
		}
	}
	if i < 0 {
		return engine.TokenASRText
	}
	next := wordBase
	if text := ans[i+1:]; len(text) > 0 {
		next = text[len(text)-1] + 1
	}
	if next-wordBase >= f.audioRows() {
		return engine.TokenIMEnd
	}
	return next
}

// stuck repeats one word forever.
func stuck(f *fakeModel) int {
	if !slices.Contains(f.answer(), engine.TokenASRText) {
		return engine.TokenASRText
	}
	return wordBase + 5
}

// collapsing stops immediately whenever it is conditioned on past text.
func collapsing(f *fakeModel) int {
	ans := f.answer()
	if i := slices.Index(ans, engine.TokenASRText); i > 0 && len(ans) == i+1 {
		return engine.TokenIMEnd
	}
	return ideal(f)
}

type fakeTokenizer struct{}

func (fakeTokenizer) Decode(id int) string {
	if id >= wordBase {
		return fmt.Sprintf(" w%d", id-wordBase)
	}
	return ""
}

func (fakeTokenizer) Encode(text string) []int {
	var ids []int
	for _, f := range strings.Fields(text) {
		if n, err := strconv.Atoi(strings.TrimPrefix(f, "w")); err == nil && strings.HasPrefix(f, "w") {
			ids = append(ids, wordBase+n)
			continue
		}
		ids = append(ids, 500+len(f))
	}
	return ids
}

func words(from, to int) string {
	var sb strings.Builder
	for i := from; i < to; i++ {
		if i > from {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "w%d", i)
	}
	return sb.String()
}

func noise(n int, seed int64) []float32 {
	r := rand.New(rand.NewSource(seed))
	x := make([]float32, n)
	for i := range x {
		x[i] = float32(r.Float64()-0.5) * 0.6
	}
	return x
}

func newTestTranscriber(t *testing.T, next func(*fakeModel) int, tune func(*config.Transcribe)) (*Transcriber, *fakeModel) {
	t.Helper()
	cfg := config.DefaultTranscribe()
	if tune != nil {
		tune(&cfg)
	}
	m := &fakeModel{next: next}
	tr, err := New(m, fakeTokenizer{}, cfg, logger.New("error", "json", io.Discard))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr, m
}
