// Package api implements the chorus HTTP surface: health and version
// probes, service introspection, token usage, Prometheus metrics, event
// injection and the chat gateway's websocket route.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nugget/chorus/internal/app"
	"github.com/nugget/chorus/internal/buildinfo"
	"github.com/nugget/chorus/internal/connwatch"
	"github.com/nugget/chorus/internal/events"
	"github.com/nugget/chorus/internal/usage"
)

// maxEventBody bounds POST /v1/events request bodies.
const maxEventBody = 64 << 10

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	core    *app.Core
	logger  *slog.Logger

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, core *app.Core, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		core:    core,
		logger:  logger.With("component", "api"),
	}
}

// Handler returns the routed handler. Start serves it; tests use it
// directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/services", s.handleServices)
	mux.HandleFunc("POST /v1/events", s.handleEvent)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.Handle("GET /metrics", s.core.Metrics.Handler())
	mux.HandleFunc("GET /{$}", s.handleRoot)

	if gw, ok := s.core.GatewayHandler(); ok {
		mux.Handle("GET "+s.core.Config.Gateway.Path, gw)
	}

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Chorus",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	info := buildinfo.Info()
	info["uptime"] = buildinfo.Uptime().Truncate(time.Second).String()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, info, s.logger)
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status       string                      `json:"status"`
	Storage      string                      `json:"storage,omitempty"`
	Dependencies map[string]connwatch.Status `json:"dependencies,omitempty"`
}

// handleHealth pings storage directly. Watched dependencies that are
// down degrade the status but do not fail the probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "healthy", Dependencies: s.core.Deps.Status()}
	for _, st := range resp.Dependencies {
		if !st.Ready {
			resp.Status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := s.core.Store.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", "error", err)
		resp.Status = "unhealthy"
		resp.Storage = err.Error()
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, resp, s.logger)
}

// serviceInfo is the JSON form of a registry descriptor.
type serviceInfo struct {
	Name       string   `json:"name"`
	EventTypes []string `json:"event_types"`
	Actions    []string `json:"actions"`
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	descs := s.core.Registry.Descriptors()
	out := make([]serviceInfo, 0, len(descs))
	for _, d := range descs {
		info := serviceInfo{Name: d.Name, Actions: d.ActionNames()}
		for _, t := range d.EventTypes {
			info.EventTypes = append(info.EventTypes, string(t))
		}
		out = append(out, info)
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"sealed":   s.core.Registry.Sealed(),
		"services": out,
	}, s.logger)
}

// EventRequest is the body of POST /v1/events.
type EventRequest struct {
	Type    string         `json:"type"`
	Details events.Details `json:"details"`
}

// handleEvent injects a domain event as if it had arrived from the
// gateway. Action events are refused: they only originate inside.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	t, err := events.ParseType(req.Type)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if t.Family() != events.FamilyDomain {
		s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("%s is an action event", t))
		return
	}
	if !s.core.Registry.IsEventProvided(t) {
		s.errorResponse(w, http.StatusUnprocessableEntity, fmt.Sprintf("no service provides %s", t))
		return
	}

	ev := s.core.Emit(t, req.Details)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"id": ev.ID, "type": string(ev.Type)}, s.logger)
}

// handleUsage reports token usage per model over ?window= (a Go
// duration, default 24h) ending now.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid window %q", v))
			return
		}
		window = d
	}

	end := time.Now()
	start := end.Add(-window)
	res, err := s.core.Store.Commit(r.Context(), usage.ByModel(start, end))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	rep, err := usage.DecodeReport(res.Reads)
	if err != nil {
		s.logger.Error("decode usage report", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"start":    start.UTC().Format(time.RFC3339),
		"end":      end.UTC().Format(time.RFC3339),
		"total":    rep.Total,
		"by_model": rep.ByModel,
	}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
