package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/23skdu/longbow-qasr/internal/config"
	"github.com/23skdu/longbow-qasr/internal/engine"
	"github.com/23skdu/longbow-qasr/internal/export"
	"github.com/23skdu/longbow-qasr/internal/hub"
	"github.com/23skdu/longbow-qasr/internal/logger"
	"github.com/23skdu/longbow-qasr/internal/transcribe"
)

// app carries the settings shared by every subcommand. cfg is filled in by
// the root pre-run hook: defaults, then the config file, then QASR_*
// variables, then flags given on the command line.
type app struct {
	cfgPath string
	cfg     config.Config
	log     *logger.Logger

	model     string
	threads   int
	cacheDir  string
	noCache   bool
	logLevel  string
	logFormat string
	verbose   int
	ipcPath   string
	flight    string
}

func newCLI() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "qasr",
		Short: "Speech-to-text with Qwen3-ASR on the CPU",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return a.setup(cmd.Flags())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", "", "YAML config file")
	pf.StringVarP(&a.model, "model", "d", "", "model directory, .gguf file or hub name (org/name[@revision])")
	pf.IntVarP(&a.threads, "threads", "t", 0, "worker threads (0 = all CPUs)")
	pf.StringVar(&a.cacheDir, "cache-dir", "", "directory for model.qcache (default: model directory)")
	pf.BoolVar(&a.noCache, "no-cache", false, "neither read nor write the quantized weight cache")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&a.logFormat, "log-format", "", "log format: console or json")
	pf.CountVarP(&a.verbose, "verbose", "v", "more output (-v performance, -vv debug)")
	pf.StringVar(&a.ipcPath, "export-ipc", "", "append transcripts to this Arrow IPC file")
	pf.StringVar(&a.flight, "export-flight", "", "send transcripts to this Arrow Flight endpoint")

	cobra.EnableCommandSorting = false
	root.AddCommand(
		newTranscribeCmd(a),
		newLiveCmd(a),
		newServeCmd(a),
		newEvalCmd(a),
		newQuantizeCmd(a),
		newInfoCmd(a),
	)
	return root
}

func (a *app) setup(fs *pflag.FlagSet) error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	if fs.Changed("model") {
		cfg.ModelDir = a.model
	}
	if fs.Changed("threads") {
		cfg.Threads = a.threads
	}
	if fs.Changed("cache-dir") {
		cfg.CacheDir = a.cacheDir
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = a.logLevel
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = a.logFormat
	}
	if fs.Changed("verbose") {
		cfg.Verbose = a.verbose
		cfg.LogLevel = logger.LevelForVerbosity(a.verbose)
	}
	if fs.Changed("export-ipc") {
		cfg.Export.IPCPath = a.ipcPath
	}
	if fs.Changed("export-flight") {
		cfg.Export.FlightAddr = a.flight
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	a.cfg = cfg
	a.log = logger.Log.With("cli")
	return nil
}

// loadModel resolves the model argument and loads it.
func (a *app) loadModel() (*engine.Context, error) {
	if a.cfg.ModelDir == "" {
		return nil, errors.New("no model given (use --model or QASR_MODEL_DIR)")
	}
	path, err := hub.ResolveModelPath(a.cfg.ModelDir)
	if err != nil {
		return nil, err
	}
	if path != a.cfg.ModelDir {
		a.log.Info("resolved hub model", "model", a.cfg.ModelDir, "path", path)
	}
	a.cfg.ModelDir = path
	return engine.Load(path, engine.Options{
		Threads:  a.cfg.EffectiveThreads(),
		CacheDir: a.cfg.CacheDir,
		NoCache:  a.noCache,
		Logger:   logger.Log,
	})
}

// newTranscriber loads the model and prepares a transcriber with the
// command's tuning applied. The caller closes the returned context.
func (a *app) newTranscriber(fs *pflag.FlagSet, tf *tuningFlags) (*engine.Context, *transcribe.Transcriber, error) {
	tc := a.cfg.Transcribe
	if err := tf.apply(fs, &tc); err != nil {
		return nil, nil, err
	}
	if err := tc.Validate(); err != nil {
		return nil, nil, err
	}
	ctx, err := a.loadModel()
	if err != nil {
		return nil, nil, err
	}
	tr, err := transcribe.New(ctx, ctx.Tok, tc, logger.Log)
	if err != nil {
		ctx.Close()
		if errors.Is(err, engine.ErrUnsupportedLanguage) {
			return nil, nil, fmt.Errorf("%w (supported: %s)", err, engine.SupportedLanguages())
		}
		return nil, nil, err
	}
	return ctx, tr, nil
}

// openSink opens the configured export sink, or returns nil when none is
// configured.
func (a *app) openSink() (export.Sink, error) {
	return export.Open(a.cfg.Export.IPCPath, a.cfg.Export.FlightAddr)
}

// tuningFlags are the transcription knobs exposed on the command line.
// Only flags that were given override the loaded configuration.
type tuningFlags struct {
	segmentSec   float64
	searchSec    float64
	chunkSec     float64
	maxNew       int
	encWindowSec float64
	pastText     string
	skipSilence  bool
	noEncCache   bool
	prompt       string
	language     string
}

func (tf *tuningFlags) register(fs *pflag.FlagSet) {
	d := config.DefaultTranscribe()
	fs.Float64VarP(&tf.segmentSec, "segment-sec", "S", d.SegmentSec, "segment target seconds (0 = decode the whole file at once)")
	fs.Float64VarP(&tf.searchSec, "search-sec", "W", d.SearchSec, "silence search window around each segment cut, in seconds")
	fs.Float64Var(&tf.chunkSec, "stream-chunk-sec", d.StreamChunkSec, "audio added per streaming step, in seconds")
	fs.IntVar(&tf.maxNew, "stream-max-new-tokens", d.StreamMaxNewTokens, "max generated tokens per streaming step")
	fs.Float64Var(&tf.encWindowSec, "enc-window-sec", d.EncWindowSec, "encoder attention window in seconds (1..8)")
	fs.StringVar(&tf.pastText, "past-text", string(d.PastText), "condition on previously decoded text: yes, no or auto")
	fs.BoolVar(&tf.skipSilence, "skip-silence", false, "drop long silent spans before inference")
	fs.BoolVar(&tf.noEncCache, "no-enc-cache", false, "re-encode all audio on every streaming step")
	fs.StringVar(&tf.prompt, "prompt", "", "system prompt for biasing spelling and vocabulary")
	fs.StringVar(&tf.language, "language", "", "force the output language (auto-detected if omitted)")
}

func (tf *tuningFlags) apply(fs *pflag.FlagSet, tc *config.Transcribe) error {
	if fs.Changed("segment-sec") {
		tc.SegmentSec = tf.segmentSec
	}
	if fs.Changed("search-sec") {
		tc.SearchSec = tf.searchSec
	}
	if fs.Changed("stream-chunk-sec") {
		tc.StreamChunkSec = tf.chunkSec
	}
	if fs.Changed("stream-max-new-tokens") {
		tc.StreamMaxNewTokens = tf.maxNew
	}
	if fs.Changed("enc-window-sec") {
		tc.EncWindowSec = tf.encWindowSec
	}
	if fs.Changed("past-text") {
		m, err := config.ParsePastTextMode(tf.pastText)
		if err != nil {
			return err
		}
		tc.PastText = m
	}
	if fs.Changed("skip-silence") {
		tc.SkipSilence = tf.skipSilence
	}
	if fs.Changed("no-enc-cache") {
		tc.NoEncCache = tf.noEncCache
	}
	if fs.Changed("prompt") {
		tc.Prompt = tf.prompt
	}
	if fs.Changed("language") {
		tc.Language = tf.language
	}
	return nil
}
