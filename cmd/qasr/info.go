package main

import (
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-qasr/internal/engine"
	"github.com/23skdu/longbow-qasr/internal/hub"
	"github.com/23skdu/longbow-qasr/internal/simd"
)

func newInfoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show host, kernel and model details",
		Long: `Show host, kernel and model details.

With --model the model configuration and the state of its quantized
weight cache are shown too. The weights are opened but not loaded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			writeHostInfo(out, a.cfg.EffectiveThreads())
			if a.cfg.ModelDir == "" {
				return nil
			}
			fmt.Fprintln(out)
			return a.writeModelInfo(out)
		},
	}
}

func writeHostInfo(w io.Writer, threads int) {
	cpu := simd.HostCPU()
	rows := [][]string{
		{"CPU", cpu.Brand},
		{"Cores", fmt.Sprintf("%d physical, %d logical", cpu.PhysicalCores, cpu.LogicalCores)},
		{"Platform", runtime.GOOS + "/" + runtime.GOARCH},
		{"Threads", fmt.Sprint(threads)},
		{"Dot kernel", simd.Select().Name()},
		{"Available kernels", strings.Join(simd.Names(), ", ")},
		{"CPU features", strings.Join(cpu.Features, " ")},
	}
	renderTable(w, []string{"Host", ""}, rows)
}

func (a *app) writeModelInfo(w io.Writer) error {
	path, err := hub.ResolveModelPath(a.cfg.ModelDir)
	if err != nil {
		return err
	}
	store, dir, err := engine.OpenStore(path)
	if err != nil {
		return err
	}
	defer store.Close()
	cfg, err := engine.DetectConfig(store)
	if err != nil {
		return err
	}
	cache := a.cfg.CacheDir
	if cache == "" {
		cache = dir
	}

	rows := [][]string{
		{"Path", path},
		{"Variant", cfg.Variant},
		{"Weights", fmt.Sprintf("%d MB", store.SourceSize()>>20)},
		{"Encoder", fmt.Sprintf("%d layers, d_model %d, %d heads", cfg.EncLayers, cfg.EncDModel, cfg.EncHeads)},
		{"Decoder", fmt.Sprintf("%d layers, hidden %d, %d/%d heads", cfg.DecLayers, cfg.DecHidden, cfg.DecHeads, cfg.DecKVHeads)},
		{"Encoder window", fmt.Sprintf("%d frames (%.1f s)", cfg.EncWindowInfer, float64(cfg.EncWindowInfer)/100)},
		{"Vocabulary", fmt.Sprint(cfg.Vocab)},
		{"Weight cache", engine.CacheStatus(cache, store)},
		{"Languages", engine.SupportedLanguages()},
	}
	renderTable(w, []string{"Model", ""}, rows)
	return nil
}

func renderTable(w io.Writer, header []string, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.AppendBulk(rows)
	table.Render()
}
