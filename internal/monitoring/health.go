package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-qasr/internal/logger"
)

const (
	maxPerfHistory = 1000
	maxAlerts      = 100

	// rtfWarn flags transcriptions that ran slower than the audio they
	// covered.
	rtfWarn = 1.0
)

// Version is reported by /status. It is overridden at link time.
var Version = "dev"

// Severity grades an alert. Unresolved errors degrade the status and
// unresolved criticals make it critical.
type Severity string

const (
	SevInfo     Severity = "info"
	SevWarning  Severity = "warning"
	SevError    Severity = "error"
	SevCritical Severity = "critical"
)

// HealthStatus is the /status document.
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Engine      EngineInfo      `json:"engine"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

// SystemInfo describes the host process.
type SystemInfo struct {
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
	CPUs       int    `json:"cpus"`
	Goroutines int    `json:"goroutines"`
	HeapMB     int    `json:"heap_mb"`
	SysMB      int    `json:"sys_mb"`
}

// EngineInfo describes the loaded model.
type EngineInfo struct {
	ModelLoaded bool   `json:"model_loaded"`
	ModelDir    string `json:"model_dir"`
	Variant     string `json:"variant"`
	Threads     int    `json:"threads"`
	DotStrategy string `json:"dot_strategy"`
	CacheStatus string `json:"cache_status"`
	KVCacheLen  int    `json:"kv_cache_len"`
	KVCacheCap  int    `json:"kv_cache_cap"`
}

// PerformanceInfo summarizes recent transcriptions.
type PerformanceInfo struct {
	Transcriptions int       `json:"transcriptions"`
	AvgRTF         float64   `json:"avg_rtf"`
	AvgLatencyMs   float64   `json:"avg_latency_ms"`
	P95LatencyMs   float64   `json:"p95_latency_ms"`
	TokensPerSec   float64   `json:"tokens_per_second"`
	ErrorRate      float64   `json:"error_rate"`
	LastRun        time.Time `json:"last_run"`
}

// Alert is raised by a component (engine, transcribe, export) and stays
// until resolved or cleared.
type Alert struct {
	Level      Severity   `json:"level"`
	Component  string     `json:"component"`
	Message    string     `json:"message"`
	Raised     time.Time  `json:"raised"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

func (a Alert) open() bool { return a.ResolvedAt == nil }

// PerfPoint is one finished transcription.
type PerfPoint struct {
	Timestamp time.Time
	Audio     time.Duration
	Duration  time.Duration
	Tokens    int
	Failed    bool
}

// HealthMonitor tracks recent transcriptions and alerts and serves them as
// JSON.
type HealthMonitor struct {
	startTime   time.Time
	server      *http.Server
	engine      func() EngineInfo
	log         *logger.Logger
	mu          sync.RWMutex
	alerts      []Alert
	lastRun     time.Time
	perfHistory []PerfPoint
}

// NewHealthMonitor creates a monitor. engine, when non-nil, is polled for
// the model section of the status.
func NewHealthMonitor(engine func() EngineInfo) *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		engine:    engine,
		log:       logger.Log.With("monitoring"),
	}
}

// Handler serves /healthz, /status, /metrics and the alert admin routes.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start serves Handler on addr until Stop.
func (hm *HealthMonitor) Start(addr string) error {
	hm.server = &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	hm.log.Info("health monitor starting", "addr", addr)
	return hm.server.ListenAndServe()
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

// RecordTranscription adds a finished call to the history and raises
// alerts for failures and slower than real-time runs.
func (hm *HealthMonitor) RecordTranscription(p PerfPoint) {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	hm.mu.Lock()
	hm.lastRun = p.Timestamp
	hm.perfHistory = append(hm.perfHistory, p)
	if len(hm.perfHistory) > maxPerfHistory {
		hm.perfHistory = hm.perfHistory[1:]
	}
	hm.mu.Unlock()

	switch {
	case p.Failed:
		hm.AddAlert(SevError, "transcribe", "transcription failed")
	case p.Audio > 0 && p.Duration.Seconds()/p.Audio.Seconds() > rtfWarn:
		hm.AddAlert(SevWarning, "transcribe",
			fmt.Sprintf("slower than real time: rtf %.2f", p.Duration.Seconds()/p.Audio.Seconds()))
	}
}

// AddAlert records an alert, dropping the oldest past maxAlerts.
func (hm *HealthMonitor) AddAlert(level Severity, component, message string) {
	hm.log.Warn("alert", "level", string(level), "component", component, "message", message)

	hm.mu.Lock()
	hm.alerts = append(hm.alerts, Alert{Level: level, Component: component, Message: message, Raised: time.Now()})
	if over := len(hm.alerts) - maxAlerts; over > 0 {
		hm.alerts = hm.alerts[over:]
	}
	hm.mu.Unlock()
}

// ResolveAlert marks the i-th alert resolved. Out of range is a no-op.
func (hm *HealthMonitor) ResolveAlert(i int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if i < 0 || i >= len(hm.alerts) || !hm.alerts[i].open() {
		return
	}
	now := time.Now()
	hm.alerts[i].ResolvedAt = &now
}

// ClearAlerts drops every alert.
func (hm *HealthMonitor) ClearAlerts() {
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth answers 200 only while healthy, for load balancer probes.
func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := hm.Status()
	code := http.StatusOK
	if st.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status":    st.Status,
		"timestamp": st.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, hm.Alerts())
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST only"})
		return
	}
	hm.ClearAlerts()
	writeJSON(w, http.StatusOK, map[string]string{"message": "alerts cleared"})
}

// Alerts returns a copy of the current alerts.
func (hm *HealthMonitor) Alerts() []Alert {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	out := make([]Alert, len(hm.alerts))
	copy(out, hm.alerts)
	return out
}

// Status computes the current health. Unresolved critical alerts, or a
// missing model, make it "critical"; unresolved errors make it "degraded".
func (hm *HealthMonitor) Status() HealthStatus {
	var eng EngineInfo
	if hm.engine != nil {
		eng = hm.engine()
	}

	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, a := range hm.alerts {
		if !a.open() {
			continue
		}
		if a.Level == SevCritical {
			status = "critical"
			break
		}
		if a.Level == SevError {
			status = "degraded"
		}
	}
	if hm.engine != nil && !eng.ModelLoaded {
		status = "critical"
	}

	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Version:     Version,
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Engine:      eng,
		Performance: hm.performance(),
		Alerts:      alerts,
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
		CPUs:       runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
		HeapMB:     int(m.HeapAlloc >> 20),
		SysMB:      int(m.Sys >> 20),
	}
}

// performance must be called with hm.mu held.
func (hm *HealthMonitor) performance() PerformanceInfo {
	info := PerformanceInfo{Transcriptions: len(hm.perfHistory), LastRun: hm.lastRun}
	if len(hm.perfHistory) == 0 {
		return info
	}

	var total, audio time.Duration
	var tokens, failed int
	latencies := make([]float64, 0, len(hm.perfHistory))
	for _, p := range hm.perfHistory {
		total += p.Duration
		audio += p.Audio
		tokens += p.Tokens
		if p.Failed {
			failed++
		}
		latencies = append(latencies, float64(p.Duration.Nanoseconds())/1e6)
	}
	sort.Float64s(latencies)
	p95 := min(int(float64(len(latencies))*0.95), len(latencies)-1)

	info.AvgLatencyMs = float64(total.Nanoseconds()) / float64(len(hm.perfHistory)) / 1e6
	info.P95LatencyMs = latencies[p95]
	info.ErrorRate = float64(failed) / float64(len(hm.perfHistory))
	if audio > 0 {
		info.AvgRTF = total.Seconds() / audio.Seconds()
	}
	if total > 0 {
		info.TokensPerSec = float64(tokens) / total.Seconds()
	}
	return info
}
