// Package transport is the operator-facing API surface: evaluation and
// approval entry points, risk controls, loop lifecycle, audit reads,
// Prometheus metrics and a live SSE event stream.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/tradewheel/autonomy/internal/engine"
	"github.com/tradewheel/autonomy/internal/observ"
)

var log = observ.Component("transport")

type ctxKey string

const requestIDKey ctxKey = "request_id"

// Config tunes the API server.
type Config struct {
	Addr                 string
	ShutdownGraceSeconds int
}

// Server wires the engine behind a versioned JSON API.
type Server struct {
	eng    *engine.Engine
	stream *Stream
	router *mux.Router
	http   *http.Server
	grace  time.Duration
}

func New(eng *engine.Engine, stream *Stream, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ShutdownGraceSeconds <= 0 {
		cfg.ShutdownGraceSeconds = 10
	}
	s := &Server{
		eng:    eng,
		stream: stream,
		grace:  time.Duration(cfg.ShutdownGraceSeconds) * time.Second,
	}

	r := mux.NewRouter()
	r.Use(s.requestID, s.logRequests)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/evaluate", s.handleEvaluate).Methods(http.MethodPost)
	v1.HandleFunc("/ideas/pending", s.handlePendingIdeas).Methods(http.MethodGet)
	v1.HandleFunc("/ideas/{id}/approve", s.handleApprove).Methods(http.MethodPost)
	v1.HandleFunc("/ideas/{id}/reject", s.handleReject).Methods(http.MethodPost)
	v1.HandleFunc("/kill-switch", s.handleKillSwitch).Methods(http.MethodPost)
	v1.HandleFunc("/resume", s.handleResume).Methods(http.MethodPost)
	v1.HandleFunc("/loop/start", s.handleLoopStart).Methods(http.MethodPost)
	v1.HandleFunc("/loop/stop", s.handleLoopStop).Methods(http.MethodPost)
	v1.HandleFunc("/loop/status", s.handleLoopStatus).Methods(http.MethodGet)
	v1.HandleFunc("/decisions", s.handleDecisions).Methods(http.MethodGet)
	v1.HandleFunc("/risk/status", s.handleRiskStatus).Methods(http.MethodGet)
	v1.HandleFunc("/risk/config", s.handleRiskConfig).Methods(http.MethodPut)
	v1.Handle("/stream", stream).Methods(http.MethodGet)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", observ.MetricsHandler()).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errBody{Error: "not found"})
	})

	s.router = r
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: the event stream holds its connection open.
	}
	return s
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start serves until Shutdown. A closed-server error is a clean exit.
func (s *Server) Start() error {
	log.Info().Str("addr", s.http.Addr).Msg("api server listening")
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured grace.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.grace)
	defer cancel()
	log.Info().Msg("api server shutting down")
	return s.http.Shutdown(ctx)
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		id, _ := r.Context().Value(requestIDKey).(string)
		log.Debug().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.status).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("request")
	})
}

// statusWriter captures the response code for the request log. Flush
// passes through so the event stream keeps working behind it.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type errBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errBody{Error: msg})
}
