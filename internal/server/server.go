// Package server exposes transcription over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/23skdu/longbow-qasr/internal/config"
	"github.com/23skdu/longbow-qasr/internal/export"
	"github.com/23skdu/longbow-qasr/internal/logger"
	"github.com/23skdu/longbow-qasr/internal/metrics"
	"github.com/23skdu/longbow-qasr/internal/monitoring"
	"github.com/23skdu/longbow-qasr/internal/transcribe"
)

// Options configure a Server. Sink and Monitor are optional.
type Options struct {
	Transcribe config.Transcribe
	MaxBodyMB  int
	// APIKey, when set, is required on /v1 routes.
	APIKey         string
	AllowedOrigins []string

	Sink    export.Sink
	Monitor *monitoring.HealthMonitor
}

// Server serves one model. Requests that need the model are serialized:
// the model holds a single KV cache.
type Server struct {
	m    transcribe.Model
	tok  transcribe.Tokenizer
	opts Options
	log  *logger.Logger

	busy chan struct{}

	router *gin.Engine
	srv    *http.Server
}

func New(m transcribe.Model, tok transcribe.Tokenizer, opts Options) *Server {
	if opts.MaxBodyMB <= 0 {
		opts.MaxBodyMB = 64
	}
	if opts.Monitor == nil {
		opts.Monitor = monitoring.NewHealthMonitor(nil)
	}
	s := &Server{
		m:    m,
		tok:  tok,
		opts: opts,
		log:  logger.Log.With("server"),
		busy: make(chan struct{}, 1),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog(), cors(s.opts.AllowedOrigins))

	health := gin.WrapH(s.opts.Monitor.Handler())
	r.GET("/healthz", health)
	r.GET("/status", health)
	r.GET("/metrics", health)

	v1 := r.Group("/v1", authenticate(s.opts.APIKey))
	v1.POST("/transcribe", s.handleTranscribe)
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("listening", "addr", addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// requestLog tags each request with an id, logs it and counts it.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.RecordHTTPRequest(route, strconv.Itoa(status))
		if route == "/healthz" || route == "/metrics" {
			return
		}
		s.log.Info("http request",
			"request_id", id,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP())
	}
}

// acquire waits for the model. It fails when ctx ends first.
func (s *Server) acquire(ctx context.Context) error {
	select {
	case s.busy <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) release() { <-s.busy }
