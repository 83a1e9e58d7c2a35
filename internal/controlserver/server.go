// Package controlserver hosts a LocalEvaluator as a remote decision oracle.
//
// DESIGN: Meters in other processes point control.mode remote at this
// server. It answers decisions from the shared policy and reconciles budgets
// from the records those meters report back:
//
//	POST /v1/decide    control.Request  -> control.Decision (wire format)
//	POST /v1/events    control.Event    -> 202, kept in a recent-events ring
//	GET  /v1/events    recent events
//	POST /v1/metrics   MetricRecord     -> 202, fanned out to every sink
//	GET  /ws/metrics   WebSocket ingest of MetricRecords (WebSocketEmitter)
//	GET  /v1/budgets   ?context_id=...  -> spend per applicable budget
//	GET  /v1/policy    active policy; PUT replaces it from YAML
//	GET  /health, /stats, /dashboard, /metrics
//
// Routes under /v1 and /ws require "Authorization: Bearer <api_key>" when
// server.api_key is set.
//
// FILES:
//   - server.go:   Server, routing, auth and lifecycle
//   - handlers.go: /v1 handlers
//   - stream.go:   WebSocket record ingest
//   - stats.go:    /stats and /health
package controlserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/compresr/llm-meter/internal/config"
	"github.com/compresr/llm-meter/internal/control"
	"github.com/compresr/llm-meter/internal/meter"
)

// Server is the control server.
type Server struct {
	cfg     config.ServerConfig
	rt      *meter.Runtime
	events  *eventRing
	started time.Time

	httpServer *http.Server
}

// New creates a server over the runtime's evaluator and sinks. The runtime
// must have been set up with control.mode local.
func New(cfg config.ServerConfig, rt *meter.Runtime) (*Server, error) {
	if rt == nil || rt.Evaluator == nil {
		return nil, fmt.Errorf("control server requires control.mode %q", config.ControlLocal)
	}
	s := &Server{
		cfg:     cfg,
		rt:      rt,
		events:  newEventRing(defaultEventRingSize),
		started: time.Now(),
	}
	return s, nil
}

// Handler returns the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST "+control.PathDecide, s.handleDecide)
	mux.HandleFunc("POST "+control.PathRelease, s.handleRelease)
	mux.HandleFunc("POST "+control.PathEvents, s.handleEvents)
	mux.HandleFunc("GET "+control.PathEvents, s.handleRecentEvents)
	mux.HandleFunc("POST "+control.PathMetrics, s.handleMetrics)
	mux.HandleFunc("GET /v1/budgets", s.handleBudgets)
	mux.HandleFunc("GET /v1/policy", s.handleGetPolicy)
	mux.HandleFunc("PUT /v1/policy", s.handlePutPolicy)
	if s.cfg.MetricsWebSocket {
		mux.HandleFunc("GET /ws/metrics", s.handleMetricStream)
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /dashboard", s.rt.Tracker.HandleDashboard)
	mux.HandleFunc("GET /dashboard/sessions", s.rt.Tracker.HandleSessions)
	if s.rt.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.rt.Registry, promhttp.HandlerOpts{}))
	}

	return s.authenticate(mux)
}

// authenticate guards /v1 and /ws routes with the configured bearer token.
func (s *Server) authenticate(next http.Handler) http.Handler {
	if s.cfg.APIKey == "" {
		return next
	}
	want := []byte("Bearer " + s.cfg.APIKey)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/v1/") || strings.HasPrefix(r.URL.Path, "/ws/") {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeError(w, "invalid API key", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       2 * s.cfg.ReadTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("control server listening")
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("control server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.DefaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"message": msg, "type": "control_error"},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func logAlert(req control.Request, a control.Alert) {
	log.Warn().
		Str("context_id", req.ContextID).
		Str("provider", req.Provider.String()).
		Str("model", req.Model).
		Str("rule", a.Rule).
		Float64("percent", a.Percent).
		Msg(a.Message)
}
