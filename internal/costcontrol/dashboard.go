package costcontrol

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// dashboardRow is one context line of the spend table.
type dashboardRow struct {
	Context  string
	Model    string
	Calls    int
	Tokens   int64
	Cost     float64
	CapPct   float64 // 0 when no per-context cap
	BarClass string
	Ago      string
}

type dashboardPage struct {
	TotalCost  float64
	Contexts   int
	Calls      int
	Tokens     int64
	CapSummary string
	ShowCap    bool
	Rows       []dashboardRow
}

var dashboardTmpl = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="5">
<title>LLM Meter - Spend Dashboard</title>
<style>
body { font-family: ui-monospace, monospace; background: #101418; color: #d0d7de; margin: 24px; }
h1 { font-size: 18px; color: #6cb6ff; }
.cards { display: flex; gap: 32px; margin: 16px 0 24px; }
.card span { display: block; font-size: 11px; color: #8c959f; text-transform: uppercase; }
.card b { font-size: 22px; }
table { width: 100%; border-collapse: collapse; }
th, td { text-align: left; padding: 8px 12px; border-bottom: 1px solid #2d333b; font-size: 13px; }
th { font-size: 11px; color: #8c959f; text-transform: uppercase; }
.cost { color: #f0883e; }
.bar { display: inline-block; width: 100px; height: 8px; background: #2d333b; margin-right: 6px; }
.bar i { display: block; height: 100%; }
.ok { background: #3fb950; } .warn { background: #d29922; } .danger { background: #f85149; }
.empty { color: #8c959f; padding: 32px 0; }
</style>
</head>
<body>
<h1>LLM Meter - Spend Dashboard</h1>
<div class="cards">
  <div class="card"><span>Total Spend</span><b class="cost">${{printf "%.4f" .TotalCost}}</b></div>
  <div class="card"><span>Contexts</span><b>{{.Contexts}}</b></div>
  <div class="card"><span>Calls</span><b>{{.Calls}}</b></div>
  <div class="card"><span>Tokens</span><b>{{.Tokens}}</b></div>
  <div class="card"><span>Budget Cap</span><b>{{.CapSummary}}</b></div>
</div>
{{if not .Rows}}<div class="empty">No contexts yet. Calls appear here once metered.</div>
{{else}}<table>
<tr><th>Context</th><th>Model</th><th>Calls</th><th>Tokens</th><th>Cost</th>{{if .ShowCap}}<th>Cap</th>{{end}}<th>Last Activity</th></tr>
{{range .Rows}}<tr>
<td>{{.Context}}</td><td>{{.Model}}</td><td>{{.Calls}}</td><td>{{.Tokens}}</td><td class="cost">${{printf "%.4f" .Cost}}</td>
{{- if $.ShowCap}}<td><span class="bar"><i class="{{.BarClass}}" style="width:{{printf "%.0f" .CapPct}}%"></i></span>{{printf "%.0f" .CapPct}}%</td>{{end}}
<td>{{.Ago}}</td></tr>
{{end}}</table>
{{end}}</body>
</html>
`))

// HandleDashboard serves the spend dashboard HTML page.
func (t *Tracker) HandleDashboard(w http.ResponseWriter, _ *http.Request) {
	page := t.dashboard(time.Now())
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTmpl.Execute(w, page); err != nil {
		log.Error().Err(err).Msg("costcontrol: render dashboard")
	}
}

func (t *Tracker) dashboard(now time.Time) dashboardPage {
	sessions := t.AllSessions()
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastUpdated.After(sessions[j].LastUpdated)
	})

	cfg := t.Config()
	page := dashboardPage{
		Contexts:   len(sessions),
		CapSummary: capSummary(cfg),
		ShowCap:    cfg.Enabled && cfg.ContextCap > 0,
	}
	for _, s := range sessions {
		page.TotalCost += s.Cost
		page.Calls += s.RequestCount
		page.Tokens += s.TokenCount

		row := dashboardRow{
			Context: displayContext(s.ID),
			Model:   s.Model,
			Calls:   s.RequestCount,
			Tokens:  s.TokenCount,
			Cost:    s.Cost,
			Ago:     ago(now.Sub(s.LastUpdated)),
		}
		if page.ShowCap {
			row.CapPct = min(100, s.Cost/cfg.ContextCap*100)
			switch {
			case row.CapPct > 80:
				row.BarClass = "danger"
			case row.CapPct > 50:
				row.BarClass = "warn"
			default:
				row.BarClass = "ok"
			}
		}
		page.Rows = append(page.Rows, row)
	}
	return page
}

func capSummary(cfg CostControlConfig) string {
	if !cfg.Enabled {
		return "Unlimited"
	}
	var parts []string
	if cfg.ContextCap > 0 {
		parts = append(parts, "$"+formatCost(cfg.ContextCap)+"/context")
	}
	if cfg.GlobalCap > 0 {
		parts = append(parts, "$"+formatCost(cfg.GlobalCap)+" global")
	}
	if len(parts) == 0 {
		return "Unlimited"
	}
	return strings.Join(parts, ", ")
}

func displayContext(id string) string {
	switch {
	case id == "":
		return "(default)"
	case len(id) > 24:
		return id[:24] + "..."
	}
	return id
}

func ago(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh ago", int(d.Hours()))
}

// formatCost uses more decimals below one dollar.
func formatCost(v float64) string {
	if v >= 1.0 {
		return fmt.Sprintf("%.2f", v)
	}
	return fmt.Sprintf("%.4f", v)
}

// HandleSessions serves the context snapshots as JSON, most expensive first.
func (t *Tracker) HandleSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := t.AllSessions()
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Cost > sessions[j].Cost
	})
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"global_cost": t.GetGlobalCost(),
		"contexts":    sessions,
	})
}
