package eval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-qasr/internal/audio"
	"github.com/23skdu/longbow-qasr/internal/logger"
)

// Entry is one manifest line.
type Entry struct {
	Audio     string
	Reference string
}

// ParseManifest reads "audio<TAB>reference" lines. Blank lines and lines
// starting with '#' are skipped; relative audio paths are taken relative to
// baseDir.
func ParseManifest(r io.Reader, baseDir string) ([]Entry, error) {
	var entries []Entry
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" || strings.HasPrefix(text, "#") {
			continue
		}
		path, ref, ok := strings.Cut(text, "\t")
		if !ok || strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("manifest line %d: want audio<TAB>reference", line)
		}
		path = strings.TrimSpace(path)
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		entries = append(entries, Entry{Audio: path, Reference: strings.TrimSpace(ref)})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return entries, nil
}

// TranscribeFunc turns 16 kHz mono samples into text.
type TranscribeFunc func(samples []float32) (string, error)

// Result scores one entry.
type Result struct {
	Entry
	Hypothesis string
	WER        float64
	Edits      int
	RefWords   int
	AudioLen   time.Duration
	Elapsed    time.Duration
	Err        error
}

// Report aggregates a run. WER is total edits over total reference words.
type Report struct {
	Results  []Result
	WER      float64
	Edits    int
	RefWords int
	AudioLen time.Duration
	Elapsed  time.Duration
	Failed   int
}

// RTF is elapsed time over audio time.
func (r *Report) RTF() float64 {
	if r.AudioLen <= 0 {
		return 0
	}
	return r.Elapsed.Seconds() / r.AudioLen.Seconds()
}

// Options tune Run.
type Options struct {
	// LoadWorkers bounds concurrent audio decoding. Transcription itself
	// runs one entry at a time.
	LoadWorkers int
	Load        func(path string) ([]float32, error)
}

// Run decodes every entry's audio, transcribes it and scores the result.
// Entries whose audio fails to load or transcribe are reported and counted
// as failed; they do not stop the run.
func Run(ctx context.Context, entries []Entry, fn TranscribeFunc, opts Options) (*Report, error) {
	load := opts.Load
	if load == nil {
		load = audio.LoadWAV
	}
	workers := opts.LoadWorkers
	if workers <= 0 {
		workers = 4
	}

	samples := make([][]float32, len(entries))
	loadErrs := make([]error, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, e := range entries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			samples[i], loadErrs[i] = load(e.Audio)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log := logger.Log.With("eval")
	rep := &Report{Results: make([]Result, len(entries))}
	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := Result{Entry: e, Err: loadErrs[i]}
		if res.Err == nil {
			res.AudioLen = time.Duration(float64(len(samples[i])) / audio.SampleRate * float64(time.Second))
			start := time.Now()
			res.Hypothesis, res.Err = fn(samples[i])
			res.Elapsed = time.Since(start)
			samples[i] = nil
		}
		if res.Err != nil {
			rep.Failed++
			log.Warn("eval entry failed", "audio", e.Audio, "error", res.Err)
		}
		res.WER, res.Edits, res.RefWords = WER(e.Reference, res.Hypothesis)
		log.Info("eval entry", "audio", e.Audio, "wer", fmt.Sprintf("%.4f", res.WER))

		rep.Results[i] = res
		rep.Edits += res.Edits
		rep.RefWords += res.RefWords
		rep.AudioLen += res.AudioLen
		rep.Elapsed += res.Elapsed
	}
	if rep.RefWords > 0 {
		rep.WER = float64(rep.Edits) / float64(rep.RefWords)
	}
	return rep, nil
}

// Render writes a per-file table followed by the aggregate row.
func (r *Report) Render(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Audio", "WER", "Edits", "Words", "Audio s", "RTF", "Error"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	for _, res := range r.Results {
		errText := ""
		if res.Err != nil {
			errText = res.Err.Error()
		}
		rtf := 0.0
		if res.AudioLen > 0 {
			rtf = res.Elapsed.Seconds() / res.AudioLen.Seconds()
		}
		table.Append([]string{
			filepath.Base(res.Entry.Audio),
			fmt.Sprintf("%.2f%%", 100*res.WER),
			fmt.Sprint(res.Edits),
			fmt.Sprint(res.RefWords),
			fmt.Sprintf("%.1f", res.AudioLen.Seconds()),
			fmt.Sprintf("%.3f", rtf),
			errText,
		})
	}
	table.SetFooter([]string{
		fmt.Sprintf("%d files", len(r.Results)),
		fmt.Sprintf("%.2f%%", 100*r.WER),
		fmt.Sprint(r.Edits),
		fmt.Sprint(r.RefWords),
		fmt.Sprintf("%.1f", r.AudioLen.Seconds()),
		fmt.Sprintf("%.3f", r.RTF()),
		fmt.Sprintf("%d failed", r.Failed),
	})
	table.Render()
}
