package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsExistence(t *testing.T) {
	RecordModelLoad(2 * time.Second)
	RecordEncode(30 * time.Millisecond)
	RecordDecode(120*time.Millisecond, 17)
	RecordKernelDuration("linear_q8", 5*time.Millisecond)
	RecordTranscription("batch", time.Second, 4*time.Second)
	RecordTranscription("stream", time.Second, 0)
	RecordKVCacheStats(2048, 300, 2048*1024)
	RecordHTTPRequest("/v1/transcribe", "200")
	RecordExport("ipc", 3)
}

func TestRecordQuantizedCounts(t *testing.T) {
	before := QuantizedCount()
	RecordQuantized("q8_0")
	RecordQuantized("q4_k")
	if got := QuantizedCount() - before; got != 2 {
		t.Errorf("QuantizedCount advanced by %d, want 2", got)
	}
}

func TestRecordPrefill(t *testing.T) {
	total := testutil.ToFloat64(PrefillTokensTotal)
	reused := testutil.ToFloat64(PrefillReusedTokensTotal)

	RecordPrefill(100, 80)

	if got := testutil.ToFloat64(PrefillTokensTotal) - total; got != 100 {
		t.Errorf("prefill total advanced by %v", got)
	}
	if got := testutil.ToFloat64(PrefillReusedTokensTotal) - reused; got != 80 {
		t.Errorf("prefill reused advanced by %v", got)
	}
}

func TestRecordStreamReset(t *testing.T) {
	tests := []struct {
		kind string
		n    int
	}{
		{"recovery", 2},
		{"periodic", 1},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			c := StreamResets.WithLabelValues(tt.kind)
			before := testutil.ToFloat64(c)
			for i := 0; i < tt.n; i++ {
				RecordStreamReset(tt.kind)
			}
			if got := testutil.ToFloat64(c) - before; got != float64(tt.n) {
				t.Errorf("%s resets advanced by %v, want %d", tt.kind, got, tt.n)
			}
		})
	}
}

func TestRecordQCacheMiss(t *testing.T) {
	c := QCacheMisses.WithLabelValues("source_size")
	before := testutil.ToFloat64(c)
	RecordQCacheMiss("source_size")
	if got := testutil.ToFloat64(c) - before; got != 1 {
		t.Errorf("miss counter advanced by %v", got)
	}
}

func TestRecordKVCacheStatsGauges(t *testing.T) {
	RecordKVCacheStats(4096, 1234, 1<<20)
	if got := testutil.ToFloat64(KVCacheCapacity); got != 4096 {
		t.Errorf("capacity = %v", got)
	}
	if got := testutil.ToFloat64(KVCacheLength); got != 1234 {
		t.Errorf("length = %v", got)
	}
}
