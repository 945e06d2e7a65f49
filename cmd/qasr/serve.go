package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-qasr/internal/engine"
	"github.com/23skdu/longbow-qasr/internal/monitoring"
	"github.com/23skdu/longbow-qasr/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		tf   tuningFlags
		addr string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve transcription over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tc := a.cfg.Transcribe
			if err := tf.apply(cmd.Flags(), &tc); err != nil {
				return err
			}
			if err := tc.Validate(); err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				a.cfg.Server.Addr = addr
			}

			mctx, err := a.loadModel()
			if err != nil {
				return err
			}
			defer mctx.Close()

			sink, err := a.openSink()
			if err != nil {
				return err
			}
			if sink != nil {
				defer sink.Close()
			}

			srv := server.New(mctx, mctx.Tok, server.Options{
				Transcribe:     tc,
				MaxBodyMB:      a.cfg.Server.MaxBodyMB,
				APIKey:         a.cfg.Server.APIKey,
				AllowedOrigins: a.cfg.Server.AllowedOrigins,
				Sink:           sink,
				Monitor:        monitoring.NewHealthMonitor(engineInfo(a, mctx)),
			})

			errc := make(chan error, 1)
			go func() { errc <- srv.ListenAndServe(a.cfg.Server.Addr) }()
			select {
			case err := <-errc:
				return err
			case <-cmd.Context().Done():
			}
			a.log.Info("shutting down")
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}
	tf.register(cmd.Flags())
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config, :8080)")
	return cmd
}

// engineInfo reports the loaded model to the health monitor.
func engineInfo(a *app, c *engine.Context) func() monitoring.EngineInfo {
	status := c.CacheStatus(cacheDir(a, c))
	return func() monitoring.EngineInfo {
		return monitoring.EngineInfo{
			ModelLoaded: true,
			ModelDir:    c.Dir,
			Variant:     c.Config.Variant,
			Threads:     c.Threads(),
			DotStrategy: c.DotStrategy(),
			CacheStatus: status,
			KVCacheLen:  c.KVLen(),
			KVCacheCap:  c.KVCapacity(),
		}
	}
}

// cacheDir is where the loaded model's qcache lives.
func cacheDir(a *app, c *engine.Context) string {
	if a.cfg.CacheDir != "" {
		return a.cfg.CacheDir
	}
	return c.Dir
}
