package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// PastTextMode controls whether previously decoded text is fed back to the
// decoder as context.
type PastTextMode string

const (
	PastTextAuto PastTextMode = "auto"
	PastTextOn   PastTextMode = "on"
	PastTextOff  PastTextMode = "off"
)

// Resolve returns the effective setting. Auto enables conditioning for
// streaming and disables it for segmented batch transcription.
func (m PastTextMode) Resolve(streaming bool) bool {
	switch m {
	case PastTextOn:
		return true
	case PastTextOff:
		return false
	default:
		return streaming
	}
}

// ParsePastTextMode accepts auto/on/off and the usual boolean spellings.
func ParsePastTextMode(s string) (PastTextMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return PastTextAuto, nil
	case "on", "yes", "true", "1":
		return PastTextOn, nil
	case "off", "no", "false", "0":
		return PastTextOff, nil
	}
	return "", fmt.Errorf("invalid past_text: %q (must be auto, on or off)", s)
}

// Transcribe holds the tuning knobs applied to an engine context.
type Transcribe struct {
	SegmentSec float64 `yaml:"segment_sec"`
	SearchSec  float64 `yaml:"search_sec"`

	StreamChunkSec        float64 `yaml:"stream_chunk_sec"`
	StreamRollback        int     `yaml:"stream_rollback"`
	StreamUnfixedChunks   int     `yaml:"stream_unfixed_chunks"`
	StreamMaxNewTokens    int     `yaml:"stream_max_new_tokens"`
	StreamColdStartTokens int     `yaml:"stream_cold_start_tokens"`
	NoEncCache            bool    `yaml:"no_enc_cache"`

	EncWindowSec float64      `yaml:"enc_window_sec"`
	PastText     PastTextMode `yaml:"past_text"`
	SkipSilence  bool         `yaml:"skip_silence"`
	Language     string       `yaml:"language"`
	Prompt       string       `yaml:"prompt"`
	MaxTokens    int          `yaml:"max_tokens"`
}

type Server struct {
	Addr           string   `yaml:"addr"`
	MaxBodyMB      int      `yaml:"max_body_mb"`
	APIKey         string   `yaml:"api_key"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type Export struct {
	FlightAddr string `yaml:"flight_addr"`
	IPCPath    string `yaml:"ipc_path"`
}

type Config struct {
	ModelDir    string `yaml:"model_dir"`
	CacheDir    string `yaml:"cache_dir"`
	Threads     int    `yaml:"threads"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	Verbose     int    `yaml:"verbose"`
	MetricsAddr string `yaml:"metrics_addr"`

	Transcribe Transcribe `yaml:"transcribe"`
	Server     Server     `yaml:"server"`
	Export     Export     `yaml:"export"`
}

func DefaultTranscribe() Transcribe {
	return Transcribe{
		SegmentSec:            0,
		SearchSec:             3,
		StreamChunkSec:        2,
		StreamRollback:        5,
		StreamUnfixedChunks:   2,
		StreamMaxNewTokens:    32,
		StreamColdStartTokens: 5,
		EncWindowSec:          8,
		PastText:              PastTextAuto,
		MaxTokens:             2048,
	}
}

func Default() Config {
	return Config{
		Threads:     0,
		LogLevel:    "warn",
		LogFormat:   "console",
		MetricsAddr: ":9090",
		Transcribe:  DefaultTranscribe(),
		Server: Server{
			Addr:      ":8080",
			MaxBodyMB: 64,
		},
	}
}

// Load reads a YAML file on top of the defaults and applies QASR_* overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from QASR_* environment variables.
func (c *Config) ApplyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	str("QASR_MODEL_DIR", &c.ModelDir)
	str("QASR_CACHE_DIR", &c.CacheDir)
	str("QASR_LOG_LEVEL", &c.LogLevel)
	str("QASR_LOG_FORMAT", &c.LogFormat)
	str("QASR_METRICS_ADDR", &c.MetricsAddr)
	str("QASR_SERVER_ADDR", &c.Server.Addr)
	str("QASR_LANGUAGE", &c.Transcribe.Language)
	str("QASR_PROMPT", &c.Transcribe.Prompt)
	str("QASR_FLIGHT_ADDR", &c.Export.FlightAddr)
	str("QASR_API_KEY", &c.Server.APIKey)

	if v, ok := os.LookupEnv("QASR_THREADS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid QASR_THREADS: %q", v)
		}
		c.Threads = n
	}
	if v, ok := os.LookupEnv("QASR_PAST_TEXT"); ok {
		m, err := ParsePastTextMode(v)
		if err != nil {
			return err
		}
		c.Transcribe.PastText = m
	}
	if v, ok := os.LookupEnv("QASR_SKIP_SILENCE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid QASR_SKIP_SILENCE: %q", v)
		}
		c.Transcribe.SkipSilence = b
	}
	if v, ok := os.LookupEnv("QASR_STREAM_NO_ENC_CACHE"); ok && v != "" && v != "0" {
		c.Transcribe.NoEncCache = true
	}
	return nil
}

// EffectiveThreads resolves Threads=0 to the detected CPU count.
func (c *Config) EffectiveThreads() int {
	if c.Threads > 0 {
		return c.Threads
	}
	return runtime.NumCPU()
}

// CacheDirOrModel returns the directory holding model.qcache.
func (c *Config) CacheDirOrModel() string {
	if c.CacheDir != "" {
		return c.CacheDir
	}
	return c.ModelDir
}

func (c *Config) Validate() error {
	if c.Threads < 0 {
		return fmt.Errorf("invalid threads: %d (must be non-negative)", c.Threads)
	}
	if c.Verbose < 0 {
		return fmt.Errorf("invalid verbose: %d (must be non-negative)", c.Verbose)
	}
	if c.Server.MaxBodyMB <= 0 {
		return fmt.Errorf("invalid max_body_mb: %d (must be positive)", c.Server.MaxBodyMB)
	}
	return c.Transcribe.Validate()
}

func (t *Transcribe) Validate() error {
	if t.SegmentSec < 0 {
		return fmt.Errorf("invalid segment_sec: %g (must be non-negative)", t.SegmentSec)
	}
	if t.SearchSec < 0 {
		return fmt.Errorf("invalid search_sec: %g (must be non-negative)", t.SearchSec)
	}
	if t.StreamChunkSec <= 0 {
		return fmt.Errorf("invalid stream_chunk_sec: %g (must be positive)", t.StreamChunkSec)
	}
	if t.StreamRollback < 0 {
		return fmt.Errorf("invalid stream_rollback: %d (must be non-negative)", t.StreamRollback)
	}
	if t.StreamUnfixedChunks < 0 {
		return fmt.Errorf("invalid stream_unfixed_chunks: %d (must be non-negative)", t.StreamUnfixedChunks)
	}
	if t.StreamMaxNewTokens <= 0 {
		return fmt.Errorf("invalid stream_max_new_tokens: %d (must be positive)", t.StreamMaxNewTokens)
	}
	if t.StreamColdStartTokens < 0 {
		return fmt.Errorf("invalid stream_cold_start_tokens: %d (must be non-negative)", t.StreamColdStartTokens)
	}
	if t.EncWindowSec < 1 || t.EncWindowSec > 8 {
		return fmt.Errorf("invalid enc_window_sec: %g (must be in [1, 8])", t.EncWindowSec)
	}
	if t.MaxTokens <= 0 {
		return fmt.Errorf("invalid max_tokens: %d (must be positive)", t.MaxTokens)
	}
	if _, err := ParsePastTextMode(string(t.PastText)); err != nil {
		return err
	}
	return nil
}
