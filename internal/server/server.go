// Package server exposes bound graphs over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/rpattn/dashdag/internal/ctxlog"
	"github.com/rpattn/dashdag/internal/domain"
	"github.com/rpattn/dashdag/internal/export"
	"github.com/rpattn/dashdag/internal/flatten"
	"github.com/rpattn/dashdag/internal/ingestion"
	"github.com/rpattn/dashdag/internal/kvstore"
	"github.com/rpattn/dashdag/internal/middleware"
	"github.com/rpattn/dashdag/internal/module"
	"github.com/rpattn/dashdag/internal/transformations"
	"github.com/rpattn/dashdag/pkg/validator"
)

// Options configures the HTTP surface.
type Options struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
	LoaderWait     time.Duration
	DefaultMode    transformations.Mode
	// KeyMaker must match the executor's; nil means kvstore.DefaultKeyMaker.
	KeyMaker kvstore.KeyMaker
	Logger   *slog.Logger
}

// Server routes graph requests to a namespace.
type Server struct {
	graphs    *module.Namespace
	store     kvstore.Store
	validator *validator.GraphValidator
	exports   http.Handler
	ingest    http.Handler
	opts      Options
}

// New creates a server for graphs. store backs the per-request state
// loader; functions is used to validate graphs on demand.
func New(graphs *module.Namespace, functions transformations.Functions, store kvstore.Store, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		graphs:    graphs,
		store:     store,
		validator: validator.NewGraphValidator(functions),
		exports:   export.NewHTTPHandler(export.NewService(graphs)),
		opts:      opts,
	}
	if writer, ok := store.(kvstore.Writer); ok {
		s.ingest = ingestion.NewHTTPHandler(ingestion.NewService(writer, opts.KeyMaker))
	}
	return s
}

// Handler returns the routed handler wrapped in CORS, logging, request
// timeout and state loader middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.health)
	mux.HandleFunc("GET /api/graphs", s.listGraphs)
	mux.HandleFunc("GET /api/graphs/{name}/flattened", s.flattened)
	mux.HandleFunc("GET /api/graphs/{name}/validate", s.validate)
	mux.HandleFunc("POST /api/graphs/{name}/execute", s.execute)
	mux.Handle("POST /api/graphs/{name}/exports/{export}/{format}", s.exports)
	if s.ingest != nil {
		mux.Handle("POST /api/state/{reducer}", s.ingest)
	}

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.opts.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	var h http.Handler = middleware.DataLoaderMiddleware(s.store, s.opts.LoaderWait)(mux)
	h = s.withTimeout(h)
	h = middleware.LoggingMiddleware(s.opts.Logger)(h)
	return corsHandler.Handler(h)
}

func (s *Server) withTimeout(next http.Handler) http.Handler {
	if s.opts.RequestTimeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "graphs": len(s.graphs.Names())})
}

func (s *Server) listGraphs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"namespace": s.graphs.Name(),
		"graphs":    s.graphs.Describe(),
	})
}

func (s *Server) flattened(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := s.lookup(w, r)
	if !ok {
		return
	}
	flat, err := flatten.Endpoint(endpoint)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, flat)
}

func (s *Server) validate(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.validator.ValidateEndpoint(endpoint))
}

type executeRequest struct {
	Parameters map[string]any `json:"parameters"`
	Exports    []string       `json:"exports"`
	Mode       string         `json:"mode"`
}

type executeResponse struct {
	Results transformations.Results `json:"results"`
	Failed  []string                `json:"failed,omitempty"`
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	mode := s.opts.DefaultMode
	if req.Mode != "" {
		parsed, err := transformations.ParseMode(req.Mode)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		mode = parsed
	}

	opts := []transformations.ExecOption{transformations.WithMode(mode)}
	if len(req.Exports) > 0 {
		opts = append(opts, transformations.WithExports(req.Exports...))
	}
	if loader := middleware.StateLoaderFromContext(r.Context()); loader != nil {
		opts = append(opts, transformations.WithStore(loader))
	}

	name := r.PathValue("name")
	results, err := s.graphs.Call(r.Context(), name, req.Parameters, opts...)
	if err != nil {
		status := export.StatusFor(err)
		if status == http.StatusInternalServerError {
			ctxlog.FromContext(r.Context()).Error("Graph execution failed.", "graph", name, "error", err)
		}
		writeError(w, status, err)
		return
	}

	resp := executeResponse{Results: results, Failed: domain.SortedKeys(results.Errors())}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (domain.Endpoint, bool) {
	name := r.PathValue("name")
	endpoint, ok := s.graphs.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", module.ErrUnknownGraph, name))
		return domain.Endpoint{}, false
	}
	return endpoint, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response.", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
