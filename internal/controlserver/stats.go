package controlserver

import (
	"net/http"
	"time"
)

// StatsResponse is the JSON response for GET /stats.
type StatsResponse struct {
	Uptime string `json:"uptime"`
	Server struct {
		Sinks        int    `json:"sinks"`
		RecentEvents int    `json:"recent_events"`
		FailMode     string `json:"fail_mode"`
	} `json:"server"`
	Metrics any `json:"metrics"`
	Spend   struct {
		GlobalUSD float64 `json:"global_usd"`
		Contexts  int     `json:"contexts"`
	} `json:"spend"`
}

// handleStats returns aggregated metrics as JSON.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	var resp StatsResponse
	resp.Uptime = time.Since(s.started).Truncate(time.Second).String()
	resp.Server.Sinks = s.rt.Gateway.Len()
	resp.Server.RecentEvents = len(s.events.List())
	resp.Server.FailMode = string(s.rt.Client.FailMode())
	resp.Metrics = s.rt.Collector.Stats()
	resp.Spend.GlobalUSD = s.rt.Tracker.GetGlobalCost()
	resp.Spend.Contexts = len(s.rt.Tracker.AllSessions())

	writeJSON(w, http.StatusOK, resp)
}

// handleHealth returns server health. Budget lookups read the spend store,
// so a lost Redis connection reports degraded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":  "ok",
		"time":    time.Now().Format(time.RFC3339),
		"version": Version,
	}
	if _, err := s.rt.Evaluator.Budgets(r.Context(), "_health_"); err != nil {
		health["status"] = "degraded"
		health["error"] = err.Error()
	}

	status := http.StatusOK
	if health["status"] != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// Version is reported by /health. The CLI overrides it at startup.
var Version = "dev"
