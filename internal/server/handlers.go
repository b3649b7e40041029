package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/polyglot-llm/inference-relay/internal/backend"
	"github.com/polyglot-llm/inference-relay/internal/metrics"
	"github.com/polyglot-llm/inference-relay/internal/relay"
	"github.com/polyglot-llm/inference-relay/internal/storage"
	"github.com/polyglot-llm/inference-relay/internal/translate"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "OpenAI-compatible inference proxy",
		"status":  "running",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	call := s.beginCall(r, relay.ModelsPath, false)
	defer s.finishCall(r.Context(), call)

	body, err := s.engine.ListModels(r.Context(), requestOptions(r))
	if err != nil {
		relayErr := call.fail(err)
		AddError(r.Context(), err)
		if relayErr.Kind == relay.KindTransport {
			writeDetail(w, http.StatusInternalServerError, "Failed to fetch models")
			return
		}
		writeDetail(w, relayErr.Status, relayErr.Detail)
		return
	}

	call.status = http.StatusOK
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// generationHandler relays POST bodies to the same path on the backend.
func (s *Server) generationHandler(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := relay.DecodeRequest(r.Body)
		if err != nil {
			call := s.beginCall(r, path, false)
			relayErr := call.fail(err)
			AddError(r.Context(), err)
			writeDetail(w, relayErr.Status, relayErr.Detail)
			s.finishCall(r.Context(), call)
			return
		}

		if doc.StreamRequested() {
			s.streamGeneration(w, r, path, doc)
			return
		}

		call := s.beginCall(r, path, false)
		defer s.finishCall(r.Context(), call)

		out, err := s.engine.Complete(r.Context(), path, doc, requestOptions(r))
		if err != nil {
			relayErr := call.fail(err)
			AddError(r.Context(), err)
			writeDetail(w, relayErr.Status, relayErr.Detail)
			return
		}

		call.status = http.StatusOK
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) streamGeneration(w http.ResponseWriter, r *http.Request, path string, doc translate.Document) {
	call := s.beginCall(r, path, true)
	defer s.finishCall(r.Context(), call)

	flusher, ok := w.(http.Flusher)
	if !ok {
		call.status = http.StatusInternalServerError
		writeDetail(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	stream, err := s.engine.Stream(r.Context(), path, doc, requestOptions(r))
	if err != nil {
		relayErr := call.fail(err)
		AddError(r.Context(), err)
		if relayErr.Kind == relay.KindBackend {
			// Nothing has been written yet, so the backend status can still be
			// surfaced, with the body kept in stream framing.
			w.Header().Set("Content-Type", relay.StreamContentType)
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(relayErr.Status)
			w.Write(relay.ErrorEvent(relayErr.Detail))
			flusher.Flush()
			return
		}
		writeDetail(w, relayErr.Status, relayErr.Detail)
		return
	}
	defer stream.Close()

	h := w.Header()
	h.Set("Content-Type", relay.StreamContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	call.status = http.StatusOK

	// From here on the status line is committed; failures go in-band.
	lines, err := stream.Forward(w, flusher.Flush)
	call.lines = lines
	if err != nil {
		call.fail(err)
		call.status = http.StatusOK
		AddError(r.Context(), err)
		if r.Context().Err() != nil {
			s.logger.Debug("caller disconnected mid-stream",
				slog.String("request_id", GetRequestID(r.Context())),
				slog.Int("lines", lines))
			return
		}
		w.Write(relay.ErrorEvent(relay.AsError(err).Detail))
		flusher.Flush()
	}
}

func requestOptions(r *http.Request) *backend.RequestOptions {
	return &backend.RequestOptions{
		UserAgent: r.UserAgent(),
		RequestID: GetRequestID(r.Context()),
	}
}

// relayCall accumulates the outcome of one relayed call for metrics and the
// relay log.
type relayCall struct {
	requestID string
	endpoint  string
	streaming bool
	start     time.Time
	status    int
	lines     int
	errKind   string
	errText   string
}

func (s *Server) beginCall(r *http.Request, endpoint string, streaming bool) *relayCall {
	AddLogField(r.Context(), "endpoint", endpoint)
	AddLogField(r.Context(), "stream", strconv.FormatBool(streaming))
	return &relayCall{
		requestID: GetRequestID(r.Context()),
		endpoint:  endpoint,
		streaming: streaming,
		start:     time.Now(),
	}
}

func (c *relayCall) fail(err error) *relay.Error {
	relayErr := relay.AsError(err)
	c.status = relayErr.Status
	c.errKind = relayErr.Kind.String()
	c.errText = relayErr.Detail
	return relayErr
}

func (s *Server) finishCall(ctx context.Context, c *relayCall) {
	duration := time.Since(c.start)

	s.metrics.Observe(metrics.Observation{
		Endpoint:  c.endpoint,
		Streaming: c.streaming,
		Status:    c.status,
		Lines:     c.lines,
		Duration:  duration,
		ErrorKind: c.errKind,
	})

	if s.relayLog == nil {
		return
	}
	rec := &storage.RelayRecord{
		RequestID: c.requestID,
		Endpoint:  c.endpoint,
		Streaming: c.streaming,
		Status:    c.status,
		Lines:     c.lines,
		Duration:  duration,
		Error:     c.errText,
	}
	// The caller may already be gone; the record is still wanted.
	if err := s.relayLog.Record(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.Warn("failed to record relay call",
			slog.String("request_id", c.requestID),
			slog.String("error", err.Error()))
	}
}
