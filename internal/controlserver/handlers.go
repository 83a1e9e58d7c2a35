package controlserver

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/llm-meter/internal/config"
	"github.com/compresr/llm-meter/internal/control"
	"github.com/compresr/llm-meter/internal/monitoring"
)

// handleDecide evaluates one request against the active policy. Evaluation
// errors are answered with 500 so the caller applies its own fail mode.
func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var req control.Request
	if !decodeBody(w, r, &req) {
		return
	}

	d, err := s.rt.Evaluator.Decide(r.Context(), req)
	if err != nil {
		log.Error().Err(err).Str("context_id", req.ContextID).Msg("decide failed")
		writeError(w, "decision unavailable", http.StatusInternalServerError)
		return
	}
	for _, a := range d.Alerts {
		logAlert(req, a)
	}
	if d.Kind != control.KindAllow {
		log.Info().
			Str("context_id", req.ContextID).
			Str("model", req.Model).
			Str("decision", d.String()).
			Msg("policy decision")
	}
	writeJSON(w, http.StatusOK, d)
}

// handleRelease refunds a reservation the caller gave up on.
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req control.Request
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.rt.Evaluator.Release(r.Context(), req); err != nil {
		log.Error().Err(err).Str("context_id", req.ContextID).Msg("release failed")
		writeError(w, "release failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleEvents records an applied action.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var ev control.Event
	if !decodeBody(w, r, &ev) {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.events.Add(ev)
	log.Info().
		Str("span_id", ev.SpanID).
		Str("context_id", ev.ContextID).
		Str("source", ev.Source).
		Str("action", ev.Action).
		Str("reason", ev.Reason).
		Msg("control event")
	w.WriteHeader(http.StatusAccepted)
}

// handleRecentEvents lists the most recent events, newest last.
func (s *Server) handleRecentEvents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"events": s.events.List()})
}

// handleMetrics fans a reported record out to every sink, which also
// reconciles budgets with the call's actual cost.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var rec monitoring.MetricRecord
	if !decodeBody(w, r, &rec) {
		return
	}
	if rec.SpanID == "" || rec.Outcome == "" {
		writeError(w, "span_id and outcome are required", http.StatusBadRequest)
		return
	}
	s.rt.Gateway.Emit(r.Context(), &rec)
	w.WriteHeader(http.StatusAccepted)
}

// handleBudgets reports the budgets that apply to a context.
func (s *Server) handleBudgets(w http.ResponseWriter, r *http.Request) {
	contextID := r.URL.Query().Get("context_id")
	budgets, err := s.rt.Evaluator.Budgets(r.Context(), contextID)
	if err != nil {
		log.Error().Err(err).Str("context_id", contextID).Msg("budget lookup failed")
		writeError(w, "budget lookup failed", http.StatusInternalServerError)
		return
	}
	if budgets == nil {
		budgets = []control.BudgetStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"context_id": contextID, "budgets": budgets})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, _ *http.Request) {
	p := s.rt.Evaluator.Policy()
	if p == nil {
		p = &control.Policy{}
	}
	writeJSON(w, http.StatusOK, p)
}

// handlePutPolicy replaces the active policy with a YAML body. Spend and
// throttle windows carry over.
func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, config.MaxControlBodySize)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, "invalid request", http.StatusBadRequest)
		return
	}
	p, err := control.ParsePolicy(data)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.rt.Evaluator.SetPolicy(p)
	log.Info().
		Int("blocks", len(p.Blocks)).
		Int("budgets", len(p.Budgets)).
		Int("throttles", len(p.Throttles)).
		Msg("policy replaced")
	writeJSON(w, http.StatusOK, p)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, config.MaxControlBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request", http.StatusBadRequest)
		return false
	}
	return true
}

// =============================================================================
// RECENT EVENTS
// =============================================================================

const defaultEventRingSize = 256

// eventRing keeps the last N events.
type eventRing struct {
	mu     sync.Mutex
	buf    []control.Event
	next   int
	filled bool
}

func newEventRing(size int) *eventRing {
	return &eventRing{buf: make([]control.Event, size)}
}

func (r *eventRing) Add(ev control.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.filled = true
	}
}

// List returns the events oldest first.
func (r *eventRing) List() []control.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.filled {
		return append([]control.Event{}, r.buf[:r.next]...)
	}
	out := make([]control.Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
