package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-qasr/internal/engine"
	"github.com/23skdu/longbow-qasr/internal/hub"
)

func newQuantizeCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "quantize",
		Short: "Build the quantized weight cache (model.qcache)",
		Long: `Build the quantized weight cache (model.qcache).

Loading a model quantizes its weights, which takes a while for the larger
variant. The cache lets later runs skip that step. A valid cache is kept
unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.noCache {
				return errors.New("--no-cache cannot be combined with quantize")
			}
			if force {
				path, err := a.qcachePath()
				if err != nil {
					return err
				}
				if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
					return err
				}
			}

			start := time.Now()
			mctx, err := a.loadModel()
			if err != nil {
				return err
			}
			defer mctx.Close()

			dir := cacheDir(a, mctx)
			out := cmd.OutOrStdout()
			if mctx.FromCache {
				fmt.Fprintf(out, "%s is up to date\n", engine.QCachePath(dir))
			} else {
				fmt.Fprintf(out, "quantized %s model in %s\n", mctx.Config.Variant, time.Since(start).Round(time.Millisecond))
			}
			fmt.Fprintf(out, "%s: %s\n", engine.QCachePath(dir), mctx.CacheStatus(dir))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "rebuild even if a valid cache exists")
	return cmd
}

// qcachePath is the cache location for the configured model, before it is
// loaded.
func (a *app) qcachePath() (string, error) {
	if a.cfg.CacheDir != "" {
		return engine.QCachePath(a.cfg.CacheDir), nil
	}
	if a.cfg.ModelDir == "" {
		return "", errors.New("no model given (use --model or QASR_MODEL_DIR)")
	}
	path, err := hub.ResolveModelPath(a.cfg.ModelDir)
	if err != nil {
		return "", err
	}
	store, dir, err := engine.OpenStore(path)
	if err != nil {
		return "", err
	}
	store.Close()
	return engine.QCachePath(dir), nil
}
