package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Transcribe.SegmentSec != 0 {
		t.Errorf("expected SegmentSec 0, got %v", cfg.Transcribe.SegmentSec)
	}
	if cfg.Transcribe.SearchSec != 3 {
		t.Errorf("expected SearchSec 3, got %v", cfg.Transcribe.SearchSec)
	}
	if cfg.Transcribe.StreamChunkSec != 2 {
		t.Errorf("expected StreamChunkSec 2, got %v", cfg.Transcribe.StreamChunkSec)
	}
	if cfg.Transcribe.StreamRollback != 5 {
		t.Errorf("expected StreamRollback 5, got %d", cfg.Transcribe.StreamRollback)
	}
	if cfg.Transcribe.StreamUnfixedChunks != 2 {
		t.Errorf("expected StreamUnfixedChunks 2, got %d", cfg.Transcribe.StreamUnfixedChunks)
	}
	if cfg.Transcribe.StreamMaxNewTokens != 32 {
		t.Errorf("expected StreamMaxNewTokens 32, got %d", cfg.Transcribe.StreamMaxNewTokens)
	}
	if cfg.Transcribe.PastText != PastTextAuto {
		t.Errorf("expected PastText auto, got %q", cfg.Transcribe.PastText)
	}
	if cfg.Transcribe.SkipSilence {
		t.Error("expected SkipSilence false")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestPastTextResolve(t *testing.T) {
	tests := []struct {
		mode      PastTextMode
		streaming bool
		want      bool
	}{
		{PastTextAuto, true, true},
		{PastTextAuto, false, false},
		{PastTextOn, false, true},
		{PastTextOff, true, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			if got := tt.mode.Resolve(tt.streaming); got != tt.want {
				t.Errorf("%s.Resolve(%v) = %v, want %v", tt.mode, tt.streaming, got, tt.want)
			}
		})
	}
}

func TestParsePastTextMode(t *testing.T) {
	tests := []struct {
		in      string
		want    PastTextMode
		wantErr bool
	}{
		{"", PastTextAuto, false},
		{"AUTO", PastTextAuto, false},
		{"on", PastTextOn, false},
		{"1", PastTextOn, false},
		{"off", PastTextOff, false},
		{"false", PastTextOff, false},
		{"maybe", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePastTextMode(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid config", func(*Config) {}, false},
		{"negative threads", func(c *Config) { c.Threads = -1 }, true},
		{"negative segment", func(c *Config) { c.Transcribe.SegmentSec = -1 }, true},
		{"zero chunk", func(c *Config) { c.Transcribe.StreamChunkSec = 0 }, true},
		{"negative rollback", func(c *Config) { c.Transcribe.StreamRollback = -2 }, true},
		{"zero max new", func(c *Config) { c.Transcribe.StreamMaxNewTokens = 0 }, true},
		{"window too large", func(c *Config) { c.Transcribe.EncWindowSec = 9 }, true},
		{"window too small", func(c *Config) { c.Transcribe.EncWindowSec = 0.5 }, true},
		{"bad past text", func(c *Config) { c.Transcribe.PastText = "sometimes" }, true},
		{"zero body", func(c *Config) { c.Server.MaxBodyMB = 0 }, true},
		{"cold start off", func(c *Config) { c.Transcribe.StreamColdStartTokens = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qasr.yaml")
	yamlText := `
model_dir: /models/qwen3-asr-0.6b
threads: 4
transcribe:
  segment_sec: 30
  past_text: "on"
  language: English
server:
  addr: ":9000"
`
	if err := os.WriteFile(path, []byte(yamlText), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("QASR_THREADS", "2")
	t.Setenv("QASR_SKIP_SILENCE", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := Default()
	want.ModelDir = "/models/qwen3-asr-0.6b"
	want.Threads = 2
	want.Transcribe.SegmentSec = 30
	want.Transcribe.PastText = PastTextOn
	want.Transcribe.Language = "English"
	want.Transcribe.SkipSilence = true
	want.Server.Addr = ":9000"

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadBadEnv(t *testing.T) {
	t.Setenv("QASR_THREADS", "many")
	if _, err := Load(""); err == nil {
		t.Error("expected error for non-numeric QASR_THREADS")
	}
}

func TestCacheDirOrModel(t *testing.T) {
	cfg := Default()
	cfg.ModelDir = "/m"
	if got := cfg.CacheDirOrModel(); got != "/m" {
		t.Errorf("got %q", got)
	}
	cfg.CacheDir = "/c"
	if got := cfg.CacheDirOrModel(); got != "/c" {
		t.Errorf("got %q", got)
	}
}

func TestEffectiveThreads(t *testing.T) {
	cfg := Default()
	if cfg.EffectiveThreads() < 1 {
		t.Error("expected at least one thread")
	}
	cfg.Threads = 3
	if cfg.EffectiveThreads() != 3 {
		t.Errorf("got %d", cfg.EffectiveThreads())
	}
}
