package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/23skdu/longbow-qasr/internal/gguf"
	"github.com/23skdu/longbow-qasr/internal/kernels"
	"github.com/23skdu/longbow-qasr/internal/logger"
	"github.com/23skdu/longbow-qasr/internal/metrics"
	"github.com/23skdu/longbow-qasr/internal/safetensors"
	"github.com/23skdu/longbow-qasr/internal/tensor"
	"github.com/23skdu/longbow-qasr/internal/tokenizer"
)

// Options control loading.
type Options struct {
	// Threads sizes the worker pool; 0 or less means one worker.
	Threads int
	// CacheDir holds model.qcache. Load defaults it to the model
	// directory; LoadStore treats empty as "no cache".
	CacheDir string
	// NoCache disables reading and writing model.qcache.
	NoCache bool
	Logger  *logger.Logger
}

// Context is a loaded model. It is not safe for concurrent use.
type Context struct {
	Config ModelConfig
	W      *Weights
	// Tok is nil for contexts built with LoadStore.
	Tok *tokenizer.Tokenizer

	FromCache bool
	Dir       string

	store tensor.Store
	k     *kernels.Kernels
	rope  *kernels.Rope
	kv    *KVCache
	log   *logger.Logger

	winFrames int
	dec       decoderScratch
	act       *ActivationLogger
}

// Load opens a model directory of safetensors shards, or a single .gguf
// file, together with its tokenizer.
func Load(path string, opts Options) (*Context, error) {
	store, dir, err := OpenStore(path)
	if err != nil {
		return nil, err
	}

	tok, err := tokenizer.Load(dir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load tokenizer from %s: %w", dir, err)
	}

	cfg, err := DetectConfig(store)
	if err != nil {
		store.Close()
		return nil, err
	}
	if opts.CacheDir == "" {
		opts.CacheDir = dir
	}
	c, err := LoadStore(store, cfg, opts)
	if err != nil {
		store.Close()
		return nil, err
	}
	c.Tok = tok
	c.Dir = dir
	return c, nil
}

// OpenStore opens the weights at path without loading them. dir is the
// directory holding the tokenizer files.
func OpenStore(path string) (store tensor.Store, dir string, err error) {
	dir = path
	if strings.HasSuffix(strings.ToLower(path), ".gguf") {
		dir = filepath.Dir(path)
		store, err = gguf.OpenStore(path)
	} else {
		store, err = safetensors.OpenDir(path)
	}
	if err != nil {
		return nil, "", fmt.Errorf("open weights %s: %w", path, err)
	}
	return store, dir, nil
}

// LoadStore builds a context from an already opened store and a known
// configuration. The context takes ownership of the store only on success.
func LoadStore(store tensor.Store, cfg ModelConfig, opts Options) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = logger.Log
	}
	log = log.With("engine")
	threads := max(opts.Threads, 1)

	cachePath := ""
	if opts.CacheDir != "" && !opts.NoCache {
		cachePath = QCachePath(opts.CacheDir)
	}

	start := time.Now()
	w, cached, err := loadWeights(store, cfg, cachePath, threads, log)
	if err != nil {
		return nil, fmt.Errorf("load weights: %w", err)
	}
	metrics.RecordModelLoad(time.Since(start))

	c := &Context{
		Config:    cfg,
		W:         w,
		FromCache: cached,
		store:     store,
		k:         kernels.New(threads),
		rope:      kernels.NewRope(cfg.DecHeadDim, cfg.RopeTheta),
		kv:        NewKVCache(cfg.DecLayers, cfg.KVDim()),
		log:       log,
		winFrames: cfg.EncWindowInfer,
	}
	log.Info("model loaded",
		"variant", cfg.Variant,
		"enc_layers", cfg.EncLayers,
		"dec_layers", cfg.DecLayers,
		"quantized_mb", w.byteSize()>>20,
		"from_cache", cached,
		"threads", c.k.Pool.Size(),
		"dot", c.k.Dot.Name(),
		"elapsed", time.Since(start).String())
	return c, nil
}

// Logger is the context's component logger.
func (c *Context) Logger() *logger.Logger { return c.log }

// Threads is the worker pool size.
func (c *Context) Threads() int { return c.k.Pool.Size() }

// Hidden is the decoder width, which is also the width of encoder output
// rows and token embeddings.
func (c *Context) Hidden() int { return c.Config.DecHidden }

// SetEncoderWindow sets the encoder attention span in mel frames. It is
// clamped to [EncChunk, EncWindowInfer] and rounded down to whole chunks.
func (c *Context) SetEncoderWindow(frames int) {
	frames = min(max(frames, c.Config.EncChunk), c.Config.EncWindowInfer)
	c.winFrames = frames / c.Config.EncChunk * c.Config.EncChunk
}

// EncoderWindow is the attention span in mel frames.
func (c *Context) EncoderWindow() int { return c.winFrames }

// DotStrategy names the dot-product kernel in use.
func (c *Context) DotStrategy() string { return c.k.Dot.Name() }

// KVCapacity is the number of positions the KV cache holds without
// growing.
func (c *Context) KVCapacity() int { return c.kv.Capacity() }

// CacheStatus reports the qcache state for this context's weights.
func (c *Context) CacheStatus(dir string) string {
	if c.store == nil {
		return "unknown"
	}
	return CacheStatus(dir, c.store)
}

// Close releases the pool, the KV cache and the weight store.
func (c *Context) Close() error {
	c.k.Close()
	c.kv.Free()
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// CacheStatus describes the qcache in dir relative to the weights in
// store, for reporting.
func CacheStatus(dir string, store tensor.Store) string {
	path := QCachePath(dir)
	st, err := os.Stat(path)
	if err != nil {
		return "absent"
	}
	cfg, err := DetectConfig(store)
	if err != nil {
		return "unknown model"
	}
	f, err := os.Open(path)
	if err != nil {
		return err.Error()
	}
	defer f.Close()
	var h qcacheHeader
	if err := readHeader(f, &h); err != nil {
		return "invalid: " + err.Error()
	}
	if err := h.validate(expectedHeader(cfg, store.SourceSize()), st.Size()); err != nil {
		return "stale: " + err.Error()
	}
	return fmt.Sprintf("valid (%d MB)", st.Size()>>20)
}
