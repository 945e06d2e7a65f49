package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"

	"github.com/23skdu/longbow-qasr/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommands(t *testing.T) {
	var names []string
	for _, c := range newCLI().Commands() {
		names = append(names, c.Name())
	}
	want := []string{"transcribe", "live", "serve", "eval", "quantize", "info"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("commands mismatch (-want +got):\n%s", diff)
	}
}

func parseTuning(t *testing.T, args ...string) (*pflag.FlagSet, *tuningFlags) {
	t.Helper()
	tf := &tuningFlags{}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	tf.register(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatal(err)
	}
	return fs, tf
}

func TestTuningFlagsOverrideOnlyWhenSet(t *testing.T) {
	fs, tf := parseTuning(t, "-S", "30", "--past-text", "yes", "--language", "German")
	tc := config.DefaultTranscribe()
	tc.StreamMaxNewTokens = 7
	if err := tf.apply(fs, &tc); err != nil {
		t.Fatal(err)
	}

	want := config.DefaultTranscribe()
	want.SegmentSec = 30
	want.PastText = config.PastTextOn
	want.Language = "German"
	want.StreamMaxNewTokens = 7
	if diff := cmp.Diff(want, tc); diff != "" {
		t.Errorf("tuning mismatch (-want +got):\n%s", diff)
	}
}

func TestTuningFlagsRejectBadPastText(t *testing.T) {
	fs, tf := parseTuning(t, "--past-text", "maybe")
	tc := config.DefaultTranscribe()
	if err := tf.apply(fs, &tc); err == nil {
		t.Error("expected error for --past-text maybe")
	}
}

func TestSetupLayersConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qasr.yaml")
	yaml := "model_dir: /models/from-file\nthreads: 2\ntranscribe:\n  segment_sec: 20\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("QASR_THREADS", "6")

	a := &app{}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.StringVar(&a.cfgPath, "config", "", "")
	fs.StringVarP(&a.model, "model", "d", "", "")
	fs.IntVarP(&a.threads, "threads", "t", 0, "")
	if err := fs.Parse([]string{"--config", path, "-d", "/models/flag"}); err != nil {
		t.Fatal(err)
	}
	if err := a.setup(fs); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if a.cfg.ModelDir != "/models/flag" {
		t.Errorf("model = %q, flag should win", a.cfg.ModelDir)
	}
	if a.cfg.Threads != 6 {
		t.Errorf("threads = %d, environment should override the file", a.cfg.Threads)
	}
	if a.cfg.Transcribe.SegmentSec != 20 {
		t.Errorf("segment_sec = %v, want 20 from file", a.cfg.Transcribe.SegmentSec)
	}
}

func TestTranscribeRequiresModel(t *testing.T) {
	t.Setenv("QASR_MODEL_DIR", "")
	_, err := execute(t, "transcribe", "missing.wav")
	if err == nil || !strings.Contains(err.Error(), "no model") {
		t.Errorf("err = %v, want missing model error", err)
	}
}

func TestTranscribeRejectsBadWindow(t *testing.T) {
	_, err := execute(t, "transcribe", "--enc-window-sec", "12", "-d", t.TempDir(), "x.wav")
	if err == nil || !strings.Contains(err.Error(), "enc_window_sec") {
		t.Errorf("err = %v, want enc_window_sec error", err)
	}
}

func TestInfoWithoutModel(t *testing.T) {
	t.Setenv("QASR_MODEL_DIR", "")
	out, err := execute(t, "info", "-t", "3")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	for _, want := range []string{"DOT KERNEL", "THREADS", "3"} {
		if !strings.Contains(strings.ToUpper(out), want) {
			t.Errorf("info output missing %q:\n%s", want, out)
		}
	}
}

func TestEvalEmptyManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.tsv")
	if err := os.WriteFile(path, []byte("# nothing\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := execute(t, "eval", path)
	if err == nil || !strings.Contains(err.Error(), "no entries") {
		t.Errorf("err = %v", err)
	}
}
