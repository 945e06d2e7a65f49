package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-qasr/internal/audio"
	"github.com/23skdu/longbow-qasr/internal/monitoring"
)

func newLiveCmd(a *app) *cobra.Command {
	var (
		tf       tuningFlags
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "live",
		Short: "Transcribe the default microphone until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mctx, tr, err := a.newTranscriber(cmd.Flags(), &tf)
			if err != nil {
				return err
			}
			defer mctx.Close()

			mon := monitoring.NewHealthMonitor(engineInfo(a, mctx))
			if a.cfg.MetricsAddr != "" {
				go func() {
					if err := mon.Start(a.cfg.MetricsAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.log.Warn("metrics server stopped", "error", err)
					}
				}()
				defer mon.Stop(context.WithoutCancel(cmd.Context()))
			}

			live := audio.NewLiveAudio()
			capture, err := audio.StartCapture(live)
			if err != nil {
				return err
			}
			defer capture.Stop()

			ctx := cmd.Context()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			go func() {
				<-ctx.Done()
				capture.Stop()
			}()
			fmt.Fprintln(cmd.ErrOrStderr(), "Listening... press Ctrl+C to stop.")

			out := cmd.OutOrStdout()
			start := time.Now()
			text, err := tr.TranscribeLive(live, func(piece string) { fmt.Fprint(out, piece) })
			fmt.Fprintln(out)
			mon.RecordTranscription(monitoring.PerfPoint{
				Timestamp: start,
				Audio:     time.Duration(tr.Perf.AudioMs * float64(time.Millisecond)),
				Duration:  time.Since(start),
				Tokens:    tr.Perf.TextTokens,
				Failed:    err != nil,
			})
			if err != nil {
				return fmt.Errorf("transcription failed: %w", err)
			}
			if a.cfg.Verbose >= 1 {
				printPerf(cmd.ErrOrStderr(), tr.Perf)
			}
			// The command context is usually canceled by now.
			return a.export(context.WithoutCancel(cmd.Context()), "microphone", "live", text, tr)
		},
	}
	tf.register(cmd.Flags())
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 = until interrupted)")
	return cmd
}
