package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var quantizedTensors atomic.Int64

var (
	ModelLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qasr_model_load_duration_seconds",
		Help:    "Time to load and prepare model weights",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	QCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qasr_qcache_hits_total",
		Help: "Model loads served from a valid quantized-weight cache",
	})

	QCacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qasr_qcache_misses_total",
		Help: "Model loads that fell back to requantization, by reason",
	}, []string{"reason"})

	QCacheWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qasr_qcache_write_failures_total",
		Help: "Failed attempts to persist the quantized-weight cache",
	})

	QuantizedTensorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qasr_quantized_tensors_total",
		Help: "Tensors quantized online at load time, by format",
	}, []string{"format"})

	EncodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qasr_encode_duration_seconds",
		Help:    "Mel + encoder forward time per call",
		Buckets: prometheus.DefBuckets,
	})

	DecodeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qasr_decode_duration_seconds",
		Help:    "Prefill + autoregressive decode time per segment or chunk",
		Buckets: prometheus.DefBuckets,
	})

	PrefillTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qasr_prefill_tokens_total",
		Help: "Positions requested for prefill",
	})

	PrefillReusedTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qasr_prefill_reused_tokens_total",
		Help: "Prefill positions served from the KV cache without recomputation",
	})

	GeneratedTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qasr_generated_tokens_total",
		Help: "Tokens produced by the decoder",
	})

	TranscriptionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qasr_transcription_duration_seconds",
		Help:    "Wall time per transcription call",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 300},
	}, []string{"mode"})

	RealTimeFactor = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qasr_real_time_factor",
		Help:    "Processing time divided by audio duration",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.75, 1, 1.5, 2, 5},
	}, []string{"mode"})

	SegmentFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qasr_unit_failures_total",
		Help: "Segments or chunks skipped after a per-unit failure",
	}, []string{"mode"})

	SegmentRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qasr_segment_retries_total",
		Help: "Conditioned segments retried without past text",
	})

	StreamResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qasr_stream_resets_total",
		Help: "Streaming state re-anchors, by kind",
	}, []string{"kind"})

	RepeatSuppressedTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qasr_repeat_suppressed_tokens_total",
		Help: "Tokens dropped by the consecutive-repeat guard",
	})

	EncoderWindowEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qasr_encoder_window_evictions_total",
		Help: "Cached encoder windows evicted by the sliding cap",
	})

	StemCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qasr_stem_cache_hits_total",
		Help: "Conv stem chunks reused from the stem cache",
	})

	KVCacheCapacity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qasr_kv_cache_capacity_positions",
		Help: "Allocated KV cache capacity in positions",
	})

	KVCacheLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qasr_kv_cache_length_positions",
		Help: "Valid KV cache positions",
	})

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qasr_kv_cache_capacity_bytes",
		Help: "Total capacity of KV cache in bytes",
	})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qasr_kernel_duration_seconds",
		Help:    "Histogram of kernel execution times",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"kernel"})

	ThreadPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qasr_thread_pool_workers",
		Help: "Workers in the kernel thread pool, caller included",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qasr_http_requests_total",
		Help: "HTTP requests by route and status",
	}, []string{"route", "status"})

	ExportedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qasr_exported_records_total",
		Help: "Transcript records exported, by sink",
	}, []string{"sink"})
)

func RecordModelLoad(d time.Duration) {
	ModelLoadDuration.Observe(d.Seconds())
}

func RecordQCacheMiss(reason string) {
	QCacheMisses.WithLabelValues(reason).Inc()
}

// RecordQuantized counts one online quantization of a tensor.
func RecordQuantized(format string) {
	quantizedTensors.Add(1)
	QuantizedTensorsTotal.WithLabelValues(format).Inc()
}

// QuantizedCount returns the process-wide number of online quantizations.
func QuantizedCount() int64 {
	return quantizedTensors.Load()
}

func RecordEncode(d time.Duration) {
	EncodeDuration.Observe(d.Seconds())
}

func RecordDecode(d time.Duration, generated int) {
	DecodeDuration.Observe(d.Seconds())
	GeneratedTokensTotal.Add(float64(generated))
}

func RecordPrefill(total, reused int) {
	PrefillTokensTotal.Add(float64(total))
	PrefillReusedTokensTotal.Add(float64(reused))
}

func RecordTranscription(mode string, total, audio time.Duration) {
	TranscriptionDuration.WithLabelValues(mode).Observe(total.Seconds())
	if audio > 0 {
		RealTimeFactor.WithLabelValues(mode).Observe(total.Seconds() / audio.Seconds())
	}
}

func RecordUnitFailure(mode string) {
	SegmentFailures.WithLabelValues(mode).Inc()
}

func RecordStreamReset(kind string) {
	StreamResets.WithLabelValues(kind).Inc()
}

func RecordKVCacheStats(capacity, length int, bytes int64) {
	KVCacheCapacity.Set(float64(capacity))
	KVCacheLength.Set(float64(length))
	KVCacheCapacityBytes.Set(float64(bytes))
}

func RecordKernelDuration(name string, duration time.Duration) {
	KernelDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func RecordHTTPRequest(route string, status string) {
	HTTPRequests.WithLabelValues(route, status).Inc()
}

func RecordExport(sink string, n int) {
	ExportedRecords.WithLabelValues(sink).Add(float64(n))
}
