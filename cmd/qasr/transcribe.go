package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-qasr/internal/audio"
	"github.com/23skdu/longbow-qasr/internal/engine"
	"github.com/23skdu/longbow-qasr/internal/export"
	"github.com/23skdu/longbow-qasr/internal/transcribe"
)

func newTranscribeCmd(a *app) *cobra.Command {
	var (
		tf     tuningFlags
		stream bool
		silent bool
		actLog string
	)
	cmd := &cobra.Command{
		Use:   "transcribe <file.wav | ->",
		Short: "Transcribe a WAV file, or audio on stdin with \"-\"",
		Long: `Transcribe a WAV file, or audio on stdin with "-".

Stdin may carry a WAV file or raw s16le 16 kHz mono. With --stream, stdin
is transcribed live as it arrives; a file is transcribed in chunks with
text printed as it is committed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mctx, tr, err := a.newTranscriber(cmd.Flags(), &tf)
			if err != nil {
				return err
			}
			defer mctx.Close()

			var al *engine.ActivationLogger
			if actLog != "" {
				al = engine.NewActivationLogger(256)
				mctx.EnableActivationLog(al)
			}

			out := cmd.OutOrStdout()
			var cb transcribe.TokenFunc
			if !silent {
				cb = func(piece string) { fmt.Fprint(out, piece) }
			}

			source := args[0]
			text, mode, err := run(tr, source, stream, cb, cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("transcription failed: %w", err)
			}
			if silent {
				fmt.Fprintln(out, text)
			} else {
				fmt.Fprintln(out)
			}
			if a.cfg.Verbose >= 1 {
				printPerf(cmd.ErrOrStderr(), tr.Perf)
			}
			if al != nil {
				if l, bad := al.Unstable(); bad {
					a.log.Warn("non-finite decoder activations", "layer", l.Idx, "nan", l.NaN, "inf", l.Inf)
				}
				if err := al.SaveToFile(actLog); err != nil {
					return err
				}
			}
			return a.export(cmd.Context(), source, mode, text, tr)
		},
	}
	tf.register(cmd.Flags())
	cmd.Flags().BoolVar(&stream, "stream", false, "streaming mode: chunked decoding with prefix rollback")
	cmd.Flags().BoolVar(&silent, "silent", false, "print only the final transcription")
	cmd.Flags().StringVar(&actLog, "dump-activations", "", "write per-layer decoder statistics to this JSON file")
	return cmd
}

func run(tr *transcribe.Transcriber, source string, stream bool, cb transcribe.TokenFunc, stdin io.Reader) (string, string, error) {
	switch {
	case source == "-" && stream:
		live, err := audio.StreamPCM(stdin)
		if err != nil {
			return "", "", err
		}
		text, err := tr.TranscribeLive(live, cb)
		return text, "live", err
	case source == "-":
		samples, err := audio.ReadPCM(stdin)
		if err != nil {
			return "", "", err
		}
		text, err := tr.Transcribe(samples, cb)
		return text, "batch", err
	}

	samples, err := audio.LoadWAV(source)
	if err != nil {
		return "", "", err
	}
	if stream {
		text, err := tr.TranscribeStream(samples, cb)
		return text, "stream", err
	}
	text, err := tr.Transcribe(samples, cb)
	return text, "batch", err
}

func printPerf(w io.Writer, p transcribe.Perf) {
	tps := 0.0
	if p.TotalMs > 0 {
		tps = 1000 * float64(p.TextTokens) / p.TotalMs
	}
	fmt.Fprintf(w, "Inference: %.0f ms, %d text tokens (%.2f tok/s, encoding: %.0f ms, decoding: %.0f ms)\n",
		p.TotalMs, p.TextTokens, tps, p.EncodeMs, p.DecodeMs)
	if p.AudioMs > 0 && p.TotalMs > 0 {
		fmt.Fprintf(w, "Audio: %.1f s processed in %.1f s (%.2fx realtime)\n",
			p.AudioMs/1000, p.TotalMs/1000, p.AudioMs/p.TotalMs)
	}
	if p.PrefillTotal > 0 && p.PrefillReused > 0 {
		fmt.Fprintf(w, "Prefill: %d of %d rows reused\n", p.PrefillReused, p.PrefillTotal)
	}
}

// export writes one transcript to the configured sink, if any.
func (a *app) export(ctx context.Context, source, mode, text string, tr *transcribe.Transcriber) error {
	sink, err := a.openSink()
	if err != nil || sink == nil {
		return err
	}
	defer sink.Close()

	if source == "-" {
		source = "stdin"
	}
	rec := export.NewTranscript(source, mode, text)
	rec.Language = tr.Language()
	rec.AudioMs = tr.Perf.AudioMs
	rec.TotalMs = tr.Perf.TotalMs
	rec.Tokens = tr.Perf.TextTokens
	if err := sink.Write(ctx, []export.Transcript{rec}); err != nil {
		return fmt.Errorf("export transcript: %w", err)
	}
	return nil
}
