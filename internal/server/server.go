package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polyglot-llm/inference-relay/internal/auth"
	"github.com/polyglot-llm/inference-relay/internal/metrics"
	"github.com/polyglot-llm/inference-relay/internal/relay"
	"github.com/polyglot-llm/inference-relay/internal/storage"
)

// Options wires the server's collaborators. Authenticator and Engine are
// required; Metrics and RelayLog are optional.
type Options struct {
	Addr          string
	Logger        *slog.Logger
	Authenticator *auth.Authenticator
	Engine        *relay.Engine
	Metrics       *metrics.Collector
	RelayLog      storage.RelayLog
}

type Server struct {
	Router *chi.Mux

	httpServer *http.Server
	engine     *relay.Engine
	metrics    *metrics.Collector
	relayLog   storage.RelayLog
	logger     *slog.Logger
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "inference-relay")
	})

	// Installed on the mux before any route so that every route, including
	// ones added later and the 404/405 handlers, sits behind it.
	r.Use(AuthMiddleware(opts.Authenticator))

	s := &Server{
		Router:   r,
		engine:   opts.Engine,
		metrics:  opts.Metrics,
		relayLog: opts.RelayLog,
		logger:   logger,
	}
	s.routes()

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	r := s.Router

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/openapi.json", s.handleOpenAPI)
	r.Get("/docs", s.handleDocs)

	r.Get("/v1/models", s.handleModels)
	r.Post("/v1/chat/completions", s.generationHandler("/v1/chat/completions"))
	r.Post("/v1/completions", s.generationHandler("/v1/completions"))

	if s.relayLog != nil {
		r.Get("/admin/relay-log", s.handleRelayLog)
	}
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeDetail(w, http.StatusNotFound, "Not Found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeDetail(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting server", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests,
// including open streams, until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Relayed documents keep <, > and & as the backend sent them.
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.Encode(v)
}

// writeDetail writes the generic {"detail": ...} error envelope.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
