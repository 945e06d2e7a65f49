package transcribe

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/23skdu/longbow-qasr/internal/audio"
	"github.com/23skdu/longbow-qasr/internal/engine"
	"github.com/23skdu/longbow-qasr/internal/metrics"
)

const (
	maxEncWindows       = 4
	maxPrefixTokens     = 150
	maxRepeatRun        = 12
	droppedRepeatLimit  = 8
	overlapMax          = 48
	overlapMin          = 4
	degenMaxPeriod      = 6
	degenMinRepeats     = 4
	staleChunks         = 4
	resetIntervalChunks = 45
	resetCarryTokens    = 24
)

// State is the phase a StreamingSession is in for its current chunk.
type State int

const (
	// StateColdStart covers the first unfixed chunks, whose output is
	// never committed.
	StateColdStart State = iota
	// StateSteady commits text with prefix rollback.
	StateSteady
	// StateRecoveryReset follows detected degeneration: the decoder
	// context is re-anchored on recently emitted text.
	StateRecoveryReset
	// StatePeriodicReset bounds context growth on long streams.
	StatePeriodicReset
)

func (s State) String() string {
	switch s {
	case StateColdStart:
		return "cold-start"
	case StateSteady:
		return "steady"
	case StateRecoveryReset:
		return "recovery-reset"
	case StatePeriodicReset:
		return "periodic-reset"
	}
	return "unknown"
}

// encWindow is an encoded, immutable span of encoder input.
type encWindow struct {
	start int64
	rows  []float32
	n     int
}

// StreamingSession transcribes audio chunk by chunk. Each chunk re-runs the
// decoder over the audio so far, conditioned on the previously decoded text
// minus a rollback tail, and commits the part of the new text that is
// unlikely to change.
type StreamingSession struct {
	t    *Transcriber
	cb   TokenFunc
	live *audio.LiveAudio

	pastText     bool
	encCache     bool
	chunkSamples int64
	winSamples   int64

	// buf holds audio from global sample base onward.
	buf    []float32
	base   int64
	eof    bool
	cursor int64

	chunk int
	state State

	raw      []int
	stable   []int
	emitted  []int
	stagnant int

	windows    []encWindow
	nextWindow int64
	stem       *engine.StemCache
	prevInput  []float32

	result strings.Builder
}

func (t *Transcriber) newSession(samples []float32, live *audio.LiveAudio, cb TokenFunc) *StreamingSession {
	s := &StreamingSession{
		t:            t,
		cb:           cb,
		live:         live,
		pastText:     t.cfg.PastText.Resolve(true),
		encCache:     !t.cfg.NoEncCache || live != nil,
		chunkSamples: max(int64(t.cfg.StreamChunkSec*audio.SampleRate), 1),
		winSamples:   int64(t.m.EncoderWindow()) * audio.SampleRate / 100,
		buf:          samples,
		eof:          live == nil,
		stem:         engine.NewStemCache(),
	}
	if s.winSamples <= 0 {
		s.winSamples = 8 * audio.SampleRate
	}
	return s
}

// TranscribeStream transcribes a complete buffer chunk by chunk, passing
// committed text to cb as it is produced. Without a callback the chunked
// loop has nothing to report early, so the whole buffer is decoded at once.
func (t *Transcriber) TranscribeStream(samples []float32, cb TokenFunc) (string, error) {
	start := time.Now()
	t.resetPerf(int64(len(samples)))
	defer t.finish("stream", start)

	samples = t.skipSilence(samples)
	if cb == nil {
		t.Perf.Segments = 1
		text, _, err := t.segment(samples, nil, nil)
		if err != nil {
			metrics.RecordUnitFailure("stream")
			return "", err
		}
		return text, nil
	}
	return t.newSession(samples, nil, cb).Run()
}

// TranscribeLive consumes live until end of stream is signaled and it has
// been drained. Encoder window caching is always on for live input.
func (t *Transcriber) TranscribeLive(live *audio.LiveAudio, cb TokenFunc) (string, error) {
	start := time.Now()
	t.resetPerf(0)
	s := t.newSession(nil, live, cb)
	defer func() {
		t.Perf.AudioMs = audioMs(s.end())
		t.finish("live", start)
	}()
	return s.Run()
}

// end is the global index one past the last buffered sample.
func (s *StreamingSession) end() int64 { return s.base + int64(len(s.buf)) }

// State reports the phase of the most recent chunk.
func (s *StreamingSession) State() State { return s.state }

// Run processes chunks until the input is exhausted and returns the
// whitespace-trimmed committed text.
func (s *StreamingSession) Run() (string, error) {
	decoded, failed := 0, 0
	for s.cursor < s.end() || !s.eof {
		if s.live != nil {
			s.pull()
			if s.end() == 0 && s.eof {
				break
			}
		}
		t0 := time.Now()
		s.cursor = min(s.cursor+s.chunkSamples, s.end())
		switch err := s.step(); {
		case err != nil:
			failed++
			metrics.RecordUnitFailure("stream")
			s.t.log.Warn("stream chunk failed", "chunk", s.chunk, "cursor", s.cursor, "error", err)
		case s.state != StateColdStart || s.t.cfg.StreamColdStartTokens > 0:
			decoded++
		}
		s.t.Perf.TotalMs += msSince(t0)
		s.chunk++
	}
	if failed > 0 && decoded == 0 {
		return "", fmt.Errorf("stream: all %d chunks failed", failed)
	}
	return strings.TrimSpace(s.result.String()), nil
}

// pull blocks until a full chunk past the cursor is buffered or the
// producer signals end of stream.
func (s *StreamingSession) pull() {
	x, start, eof := s.live.Drain(s.cursor + s.chunkSamples)
	s.eof = eof
	if len(x) == 0 {
		return
	}
	if start != s.end() {
		// The producer was reset underneath us; resync on its offset.
		s.buf, s.base = nil, start
		s.cursor = max(s.cursor, start)
	}
	s.buf = append(s.buf, x...)
}

func (s *StreamingSession) final() bool {
	return s.eof && s.cursor >= s.end()
}

// step runs one chunk through the state machine.
func (s *StreamingSession) step() error {
	t, cfg := s.t, s.t.cfg
	final := s.final()
	unfixed := s.chunk < cfg.StreamUnfixedChunks && !final

	maxNew := cfg.StreamMaxNewTokens
	if unfixed {
		s.state = StateColdStart
		if cfg.StreamColdStartTokens == 0 {
			t.log.Debug("stream chunk skipped", "chunk", s.chunk, "state", s.state.String())
			return nil
		}
		maxNew = cfg.StreamColdStartTokens
	} else {
		s.state = StateSteady
	}

	enc, encN, fullEnd, ok := s.encode()
	if !ok {
		return errEncode
	}

	prefixFull := 0
	if s.pastText && !unfixed && len(s.raw) > 0 {
		prefixFull = max(len(s.raw)-cfg.StreamRollback, 0)
	}
	nPrefix := min(prefixFull, maxPrefixTokens)
	prefix := s.raw[prefixFull-nPrefix : prefixFull]

	t0 := time.Now()
	input, total := t.buildInput(enc, encN, prefix)
	token, err := s.prefill(input, total)
	if err != nil {
		return fmt.Errorf("prefill: %w", err)
	}
	t.Perf.DecodeMs += msSince(t0)

	t0 = time.Now()
	out, generated, err := s.decode(token, maxNew)
	d := time.Since(t0)
	t.Perf.DecodeMs += float64(d.Microseconds()) / 1000
	metrics.RecordDecode(d, generated)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	kept, dropped := suppressRepeats(s.raw[:prefixFull], out)
	if dropped > 0 {
		t.Perf.RepeatDropped += dropped
		metrics.RepeatSuppressedTokens.Add(float64(dropped))
	}
	if unfixed {
		// Cold-start output never becomes prefix or text.
		s.raw = s.raw[:0]
	} else {
		s.raw = append(s.raw[:prefixFull], kept...)
	}

	textStart := 0
	if len(t.forceTokens) == 0 {
		if i := slices.Index(s.raw, engine.TokenASRText); i >= 0 {
			textStart = i + 1
		}
	}
	candidate := s.raw[textStart:]

	candLen := 0
	switch {
	case final:
		candLen = len(candidate)
	case !unfixed:
		candLen = len(candidate) - cfg.StreamRollback
		if candLen <= 0 && len(candidate) > 0 {
			candLen = len(candidate) - 1
		}
		candLen = max(candLen, 0)
	}

	reps, period := tailRepeat(candidate[:candLen], degenMaxPeriod)
	if !final && !unfixed && generated >= maxNew && candLen-len(s.stable) <= 1 {
		s.stagnant++
	} else {
		s.stagnant = 0
	}

	t.log.Debug("stream chunk",
		"chunk", s.chunk,
		"state", s.state.String(),
		"enc_rows", encN,
		"windows", len(s.windows),
		"prefix", nPrefix,
		"generated", generated,
		"dropped", dropped,
		"candidate", candLen,
		"stable", len(s.stable))

	if (period > 0 && reps >= degenMinRepeats) || s.stagnant >= staleChunks || dropped >= droppedRepeatLimit {
		s.reset(StateRecoveryReset, fullEnd)
		t.log.Debug("stream recovery reset", "chunk", s.chunk, "reps", reps, "period", period, "dropped", dropped)
	} else {
		s.commit(candidate[:candLen])
		if !final && s.pastText && !unfixed && (s.chunk+1)%resetIntervalChunks == 0 {
			s.reset(StatePeriodicReset, fullEnd)
			t.log.Debug("stream periodic reset", "chunk", s.chunk)
		}
	}

	if s.live != nil && s.encCache {
		s.trim(fullEnd)
	}
	return nil
}

// encode produces the encoder rows for audio [0, cursor). Completed windows
// are encoded once and cached; only the trailing partial window is redone,
// through the stem cache. fullEnd is where the partial window starts.
func (s *StreamingSession) encode() (rows []float32, n int, fullEnd int64, ok bool) {
	t := s.t
	t0 := time.Now()
	defer func() { t.Perf.EncodeMs += msSince(t0) }()

	if !s.encCache {
		rows, n = t.m.Encode(s.buf[:s.cursor-s.base])
		return rows, n, 0, n > 0
	}

	fullEnd = s.cursor / s.winSamples * s.winSamples
	for s.nextWindow < fullEnd {
		win := s.buf[s.nextWindow-s.base : s.nextWindow-s.base+s.winSamples]
		var wr []float32
		var wn int
		if s.stem.Len() > 0 {
			wr, wn = t.m.EncodeStemCached(win, s.stem)
			s.stem.Clear()
		} else {
			wr, wn = t.m.Encode(win)
		}
		if wn <= 0 {
			return nil, 0, fullEnd, false
		}
		s.windows = append(s.windows, encWindow{start: s.nextWindow, rows: wr, n: wn})
		s.nextWindow += s.winSamples
	}
	for len(s.windows) > maxEncWindows {
		s.windows = s.windows[1:]
		metrics.EncoderWindowEvictions.Inc()
	}

	var partial []float32
	var pn int
	if fullEnd < s.cursor {
		partial, pn = t.m.EncodeStemCached(s.buf[fullEnd-s.base:s.cursor-s.base], s.stem)
		if pn <= 0 {
			return nil, 0, fullEnd, false
		}
	}

	h := t.m.Hidden()
	for _, w := range s.windows {
		n += w.n
	}
	n += pn
	rows = make([]float32, 0, n*h)
	for _, w := range s.windows {
		rows = append(rows, w.rows[:w.n*h]...)
	}
	rows = append(rows, partial[:pn*h]...)
	return rows, n, fullEnd, n > 0
}

// prefill feeds all but the last input row, reusing the KV cache for the
// leading rows that match the previous chunk's input exactly, and returns
// the first generated token.
func (s *StreamingSession) prefill(input []float32, total int) (int, error) {
	m, h := s.t.m, s.t.m.Hidden()
	n := total - 1

	reuse := 0
	if s.prevInput != nil {
		limit := min(n, len(s.prevInput)/h, m.KVLen())
		for reuse < limit && slices.Equal(input[reuse*h:(reuse+1)*h], s.prevInput[reuse*h:(reuse+1)*h]) {
			reuse++
		}
	}
	if reuse > 0 {
		m.TruncateKV(reuse)
	} else {
		m.ResetKV()
	}
	if err := m.Prefill(input[reuse*h:n*h], n-reuse); err != nil {
		s.prevInput = nil
		return 0, err
	}
	s.prevInput = append(s.prevInput[:0], input[:n*h]...)
	s.t.Perf.PrefillTotal += n
	s.t.Perf.PrefillReused += reuse
	metrics.RecordPrefill(n, reuse)
	return m.Forward(input[n*h:])
}

// decode generates up to maxNew tokens starting with token. The count
// includes a terminating EOS.
func (s *StreamingSession) decode(token, maxNew int) ([]int, int, error) {
	m := s.t.m
	embed := make([]float32, m.Hidden())
	var out []int
	generated := 0
	for generated < maxNew {
		generated++
		if engine.IsEOS(token) {
			break
		}
		out = append(out, token)
		m.Embed(embed, token)
		var err error
		if token, err = m.Forward(embed); err != nil {
			return out, generated, err
		}
	}
	return out, generated, nil
}

// commit advances the stable text to candidate and emits whatever was not
// emitted before. A candidate that is a prefix of the stable text, as when
// rollback trims a short transcript, leaves it untouched.
func (s *StreamingSession) commit(candidate []int) {
	lcp := 0
	for lcp < len(s.stable) && lcp < len(candidate) && s.stable[lcp] == candidate[lcp] {
		lcp++
	}
	if lcp == len(candidate) {
		return
	}
	s.stable = append(s.stable[:0], candidate...)

	from := lcp + overlap(s.emitted, candidate[lcp:])
	for _, id := range s.stable[from:] {
		piece := s.t.tok.Decode(id)
		s.result.WriteString(piece)
		s.emitted = append(s.emitted, id)
		s.t.Perf.TextTokens++
		if s.cb != nil {
			s.cb(piece)
		}
	}
}

// reset re-anchors the decoder on the tail of the emitted text and drops
// every cache derived from earlier context.
func (s *StreamingSession) reset(kind State, fullEnd int64) {
	s.state = kind
	if kind == StateRecoveryReset {
		s.t.Perf.RecoveryResets++
		metrics.RecordStreamReset("recovery")
	} else {
		s.t.Perf.PeriodicResets++
		metrics.RecordStreamReset("periodic")
	}

	carry := s.emitted[max(len(s.emitted)-resetCarryTokens, 0):]
	s.raw = s.raw[:0]
	if len(s.t.forceTokens) == 0 {
		s.raw = append(s.raw, engine.TokenASRText)
	}
	s.raw = append(s.raw, carry...)
	s.stable = append(s.stable[:0], carry...)

	s.prevInput = nil
	s.windows = nil
	if s.encCache {
		s.nextWindow = fullEnd
	}
	s.stem.Clear()
	s.stagnant = 0
}

// trim releases live audio that precedes the partial encoder window.
func (s *StreamingSession) trim(fullEnd int64) {
	drop := fullEnd - s.base
	if drop <= 0 {
		return
	}
	drop = min(drop, int64(len(s.buf)))
	s.buf = slices.Clone(s.buf[drop:])
	s.base += drop
}

// suppressRepeats appends out to the history, dropping tokens that would
// extend a run of one token past maxRepeatRun.
func suppressRepeats(history, out []int) (kept []int, dropped int) {
	prev, run := -1, 0
	for i := len(history) - 1; i >= 0 && run < maxRepeatRun; i-- {
		if prev >= 0 && history[i] != prev {
			break
		}
		prev = history[i]
		run++
	}
	for _, tok := range out {
		if tok == prev {
			run++
		} else {
			prev, run = tok, 1
		}
		if run > maxRepeatRun {
			dropped++
			continue
		}
		kept = append(kept, tok)
	}
	return kept, dropped
}

// tailRepeat finds the period p <= maxPeriod whose block repeats most often
// at the end of toks. It returns the repeat count and the period, or zeros
// when no block repeats.
func tailRepeat(toks []int, maxPeriod int) (reps, period int) {
	for p := 1; p <= maxPeriod && 2*p <= len(toks); p++ {
		r := 1
		for end := len(toks) - p; end-p >= 0; end -= p {
			if !slices.Equal(toks[end-p:end], toks[len(toks)-p:]) {
				break
			}
			r++
		}
		if r > reps {
			reps, period = r, p
		}
	}
	if reps < 2 {
		return 0, 0
	}
	return reps, period
}

// overlap returns the length k of the longest emitted tail that equals the
// head of next, for k in [overlapMin, overlapMax]. Zero means no overlap.
func overlap(emitted, next []int) int {
	for k := min(len(next), len(emitted), overlapMax); k >= overlapMin; k-- {
		if slices.Equal(emitted[len(emitted)-k:], next[:k]) {
			return k
		}
	}
	return 0
}
