package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-qasr/internal/eval"
)

func newEvalCmd(a *app) *cobra.Command {
	var (
		tf      tuningFlags
		stream  bool
		workers int
		maxWER  float64
	)
	cmd := &cobra.Command{
		Use:   "eval <manifest.tsv>",
		Short: "Score transcriptions against reference text",
		Long: `Score transcriptions against reference text.

The manifest has one "audio<TAB>reference" pair per line; lines starting
with # are ignored and relative audio paths are taken relative to the
manifest. CJK text is scored per character.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			entries, err := eval.ParseManifest(f, filepath.Dir(args[0]))
			f.Close()
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("manifest %s has no entries", args[0])
			}

			mctx, tr, err := a.newTranscriber(cmd.Flags(), &tf)
			if err != nil {
				return err
			}
			defer mctx.Close()

			fn := func(samples []float32) (string, error) { return tr.Transcribe(samples, nil) }
			if stream {
				fn = func(samples []float32) (string, error) {
					return tr.TranscribeStream(samples, func(string) {})
				}
			}
			rep, err := eval.Run(cmd.Context(), entries, fn, eval.Options{LoadWorkers: workers})
			if err != nil {
				return err
			}
			rep.Render(cmd.OutOrStdout())
			if maxWER > 0 && rep.WER > maxWER {
				return fmt.Errorf("WER %.4f exceeds --max-wer %.4f", rep.WER, maxWER)
			}
			return nil
		},
	}
	tf.register(cmd.Flags())
	cmd.Flags().BoolVar(&stream, "stream", false, "score the chunked streaming path instead of batch")
	cmd.Flags().IntVar(&workers, "load-workers", 4, "concurrent audio decoders")
	cmd.Flags().Float64Var(&maxWER, "max-wer", 0, "fail when the aggregate WER is above this (0 = never)")
	return cmd
}
