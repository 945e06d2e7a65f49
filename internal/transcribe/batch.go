package transcribe

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/23skdu/longbow-qasr/internal/audio"
	"github.com/23skdu/longbow-qasr/internal/metrics"
)

const (
	maxSegments     = 128
	minSegmentLen   = audio.SampleRate / 2
	splitWindow     = audio.SampleRate / 10
	collapseBreaker = 2
)

// Transcribe converts a whole recording to text. With SegmentSec > 0 long
// input is cut at low-energy points and each piece is decoded from a fresh
// KV cache. cb, when non-nil, receives text as it becomes final.
func (t *Transcriber) Transcribe(samples []float32, cb TokenFunc) (string, error) {
	start := time.Now()
	t.resetPerf(int64(len(samples)))
	defer t.finish("batch", start)

	samples = t.skipSilence(samples)
	n := len(samples)

	segSec := t.cfg.SegmentSec
	search := min(t.cfg.SearchSec, segSec/2)
	target := int(segSec * audio.SampleRate)
	margin := int(search * audio.SampleRate)

	if segSec <= 0 || n <= target+margin {
		t.Perf.Segments = 1
		text, _, err := t.segment(samples, nil, cb)
		if err != nil {
			metrics.RecordUnitFailure("batch")
			return "", err
		}
		return text, nil
	}

	splits := splitPoints(samples, target, margin)
	t.Perf.Segments = len(splits) - 1

	useCond := t.cfg.PastText.Resolve(false)
	cleanup := useCond
	collapses := 0
	var result strings.Builder

	for s := 0; s+1 < len(splits); s++ {
		seg := samples[splits[s]:splits[s+1]]
		core := len(seg)
		if len(seg) < minSegmentLen {
			padded := make([]float32, minSegmentLen)
			copy(padded, seg)
			seg = padded
		}

		var past []int
		if useCond && result.Len() > 0 {
			past = t.tok.Encode(result.String())
		}

		var emit TokenFunc
		if !cleanup && cb != nil {
			first := true
			emit = func(piece string) {
				if first {
					first = false
					if needSpace(result.String(), piece) {
						cb(" ")
					}
				}
				cb(piece)
			}
		}
		text, tokens, err := t.segment(seg, past, emit)
		if err != nil {
			metrics.RecordUnitFailure("batch")
			t.log.Warn("segment failed", "segment", s, "start", splits[s], "error", err)
			continue
		}

		if cleanup && useCond && len(past) > 0 && shouldRetry(result.String(), text, core, tokens) {
			collapses++
			t.Perf.Retries++
			metrics.SegmentRetries.Inc()
			t.log.Debug("segment collapsed, retrying unconditioned", "segment", s, "collapses", collapses)
			if text, _, err = t.segment(seg, nil, nil); err != nil {
				metrics.RecordUnitFailure("batch")
				t.log.Warn("segment retry failed", "segment", s, "error", err)
				continue
			}
			if collapses >= collapseBreaker {
				useCond = false
				t.log.Info("past text conditioning disabled", "collapses", collapses)
			}
		}

		if cleanup {
			text = strings.TrimLeftFunc(text, unicode.IsSpace)
		}
		if text == "" {
			continue
		}
		sep := needSpace(result.String(), text)
		if sep {
			result.WriteByte(' ')
		}
		result.WriteString(text)
		if cleanup && cb != nil {
			if sep {
				cb(" ")
			}
			cb(text)
		}
	}
	return strings.TrimSpace(result.String()), nil
}

// splitPoints returns segment boundaries for samples, starting with 0 and
// ending with len(samples). Each cut lands at the quietest point within
// margin of the next target-length boundary.
func splitPoints(samples []float32, target, margin int) []int {
	n := len(samples)
	splits := []int{0}
	for pos := 0; pos+target+margin < n && len(splits) < maxSegments; {
		cut := quietestPoint(samples, pos+target, margin)
		if cut <= pos {
			cut = pos + target
		}
		splits = append(splits, cut)
		pos = cut
	}
	return append(splits, n)
}

// quietestPoint scans 100 ms windows with 50% overlap in
// [center-margin, center+margin] and returns the middle of the window with
// the lowest mean energy.
func quietestPoint(samples []float32, center, margin int) int {
	lo := max(center-margin, 0)
	hi := min(center+margin, len(samples))
	if hi-lo < splitWindow {
		return center
	}
	best, bestE := center, float32(-1)
	for pos := lo; pos+splitWindow <= hi; pos += splitWindow / 2 {
		var e float32
		for _, v := range samples[pos : pos+splitWindow] {
			e += v * v
		}
		e /= splitWindow
		if bestE < 0 || e < bestE {
			best, bestE = pos+splitWindow/2, e
		}
	}
	return best
}

// shouldRetry reports whether a conditioned segment looks collapsed: empty
// output, far too few tokens for the audio it covers, or a long segment
// repeating text that is already in the result.
func shouldRetry(result, text string, coreSamples, tokens int) bool {
	if text == "" {
		return true
	}
	sec := float64(coreSamples) / audio.SampleRate
	if sec >= 8 && tokens < max(12, int(sec*1.75)) {
		return true
	}
	return len(text) >= 48 && strings.Contains(result, text)
}

func isPunct(r rune) bool {
	return unicode.IsPunct(r) || unicode.IsSymbol(r)
}

// needSpace reports whether a separator belongs between prev and next.
func needSpace(prev, next string) bool {
	if prev == "" || next == "" {
		return false
	}
	p, _ := utf8.DecodeLastRuneInString(prev)
	r, _ := utf8.DecodeRuneInString(next)
	return !unicode.IsSpace(p) && !unicode.IsSpace(r) && !isPunct(r)
}
