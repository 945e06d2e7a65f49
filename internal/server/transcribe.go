package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/23skdu/longbow-qasr/internal/audio"
	"github.com/23skdu/longbow-qasr/internal/config"
	"github.com/23skdu/longbow-qasr/internal/export"
	"github.com/23skdu/longbow-qasr/internal/monitoring"
	"github.com/23skdu/longbow-qasr/internal/transcribe"
)

const exportTimeout = 30 * time.Second

// TranscribeResponse is the JSON body of a finished transcription, and the
// payload of the SSE "done" event.
type TranscribeResponse struct {
	ID       string  `json:"id"`
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Mode     string  `json:"mode"`
	AudioMs  float64 `json:"audio_ms"`
	TotalMs  float64 `json:"total_ms"`
	EncodeMs float64 `json:"encode_ms"`
	DecodeMs float64 `json:"decode_ms"`
	Tokens   int     `json:"tokens"`
	Segments int     `json:"segments,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleTranscribe accepts a WAV or raw s16le body, or a multipart form
// with a "file" part. stream=true answers with server-sent events.
func (s *Server) handleTranscribe(c *gin.Context) {
	samples, source, err := s.readAudio(c)
	if err != nil {
		status := http.StatusBadRequest
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, errorResponse{Error: err.Error()})
		return
	}

	cfg, stream, err := s.requestConfig(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if err := s.acquire(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "request canceled while waiting for the model"})
		return
	}
	tr, err := transcribe.New(s.m, s.tok, cfg, s.log)
	if err != nil {
		s.release()
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if stream {
		s.streamTranscription(c, tr, samples, source)
		return
	}

	start := time.Now()
	text, err := tr.Transcribe(samples, nil)
	resp := s.complete(c.GetString("request_id"), "batch", source, tr, text, err, start)
	s.release()
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

type streamResult struct {
	resp TranscribeResponse
	err  error
}

func (s *Server) streamTranscription(c *gin.Context, tr *transcribe.Transcriber, samples []float32, source string) {
	ctx := c.Request.Context()
	id := c.GetString("request_id")
	pieces := make(chan string, 64)
	done := make(chan streamResult, 1)

	go func() {
		defer s.release()
		start := time.Now()
		text, err := tr.TranscribeStream(samples, func(piece string) {
			select {
			case pieces <- piece:
			case <-ctx.Done():
			}
		})
		close(pieces)
		done <- streamResult{resp: s.complete(id, "stream", source, tr, text, err, start), err: err}
	}()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Stream(func(w io.Writer) bool {
		if piece, ok := <-pieces; ok {
			c.SSEvent("token", gin.H{"text": piece})
			return true
		}
		res := <-done
		if res.err != nil {
			c.SSEvent("error", errorResponse{Error: res.err.Error()})
			return false
		}
		c.SSEvent("done", res.resp)
		return false
	})
}

// complete records a finished call with the monitor and the export sink and
// builds the response.
func (s *Server) complete(id, mode, source string, tr *transcribe.Transcriber, text string, err error, start time.Time) TranscribeResponse {
	p := tr.Perf
	s.opts.Monitor.RecordTranscription(monitoring.PerfPoint{
		Timestamp: start,
		Audio:     time.Duration(p.AudioMs * float64(time.Millisecond)),
		Duration:  time.Since(start),
		Tokens:    p.TextTokens,
		Failed:    err != nil,
	})
	resp := TranscribeResponse{
		ID:       id,
		Text:     text,
		Language: tr.Language(),
		Mode:     mode,
		AudioMs:  p.AudioMs,
		TotalMs:  p.TotalMs,
		EncodeMs: p.EncodeMs,
		DecodeMs: p.DecodeMs,
		Tokens:   p.TextTokens,
		Segments: p.Segments,
	}
	if err != nil {
		s.log.Error("transcription failed", "request_id", id, "mode", mode, "error", err)
		return resp
	}
	if s.opts.Sink != nil {
		rec := export.NewTranscript(source, mode, text)
		if id != "" {
			rec.ID = id
		}
		rec.Language = resp.Language
		rec.AudioMs = p.AudioMs
		rec.TotalMs = p.TotalMs
		rec.Tokens = p.TextTokens
		ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
		defer cancel()
		if err := s.opts.Sink.Write(ctx, []export.Transcript{rec}); err != nil {
			s.log.Warn("transcript export failed", "request_id", id, "error", err)
			s.opts.Monitor.AddAlert(monitoring.SevWarning, "export", err.Error())
		}
	}
	return resp
}

// readAudio decodes the request audio. WAV input is detected by its RIFF
// header; anything else is raw s16le 16 kHz mono.
func (s *Server) readAudio(c *gin.Context) ([]float32, string, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(s.opts.MaxBodyMB)<<20)

	source := "http"
	var data []byte
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("file")
		if err != nil {
			return nil, "", fmt.Errorf("multipart field \"file\": %w", err)
		}
		f, err := fh.Open()
		if err != nil {
			return nil, "", err
		}
		defer f.Close()
		if data, err = io.ReadAll(f); err != nil {
			return nil, "", err
		}
		source = fh.Filename
	} else {
		var err error
		if data, err = io.ReadAll(c.Request.Body); err != nil {
			return nil, "", err
		}
	}

	samples, err := audio.ReadPCM(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode audio: %w", err)
	}
	if len(samples) == 0 {
		return nil, "", errors.New("audio is empty")
	}
	return samples, source, nil
}

// requestConfig applies the per-request query overrides to the server
// defaults.
func (s *Server) requestConfig(c *gin.Context) (config.Transcribe, bool, error) {
	cfg := s.opts.Transcribe
	if v, ok := c.GetQuery("language"); ok {
		cfg.Language = v
	}
	if v, ok := c.GetQuery("prompt"); ok {
		cfg.Prompt = v
	}
	if v, ok := c.GetQuery("segment_sec"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, false, fmt.Errorf("invalid segment_sec: %q", v)
		}
		cfg.SegmentSec = f
	}
	if v, ok := c.GetQuery("past_text"); ok {
		m, err := config.ParsePastTextMode(v)
		if err != nil {
			return cfg, false, err
		}
		cfg.PastText = m
	}
	stream := false
	if v, ok := c.GetQuery("stream"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, false, fmt.Errorf("invalid stream: %q", v)
		}
		stream = b
	}
	if err := cfg.Validate(); err != nil {
		return cfg, false, err
	}
	return cfg, stream, nil
}
