package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/compresr/llm-meter/internal/monitoring"
)

// runReport summarizes a metric log written by the jsonl or sqlite sink.
func runReport(args []string, stdout, stderr io.Writer) int {
	var (
		path       string
		contextID  string
		since      time.Duration
		jsonOutput bool
	)

	for i := 0; i < len(args); {
		switch args[i] {
		case "-h", "--help":
			printReportHelp(stdout)
			return 0
		case "--context":
			if i+1 >= len(args) {
				fmt.Fprintln(stderr, "Error: --context requires a value")
				return 2
			}
			contextID = args[i+1]
			i += 2
		case "--since":
			if i+1 >= len(args) {
				fmt.Fprintln(stderr, "Error: --since requires a value")
				return 2
			}
			d, err := time.ParseDuration(args[i+1])
			if err != nil {
				fmt.Fprintf(stderr, "Error: invalid --since: %v\n", err)
				return 2
			}
			since = d
			i += 2
		case "--json":
			jsonOutput = true
			i++
		default:
			if strings.HasPrefix(args[i], "-") || path != "" {
				fmt.Fprintf(stderr, "Error: unexpected argument: %s\n", args[i])
				return 2
			}
			path = args[i]
			i++
		}
	}
	if path == "" {
		fmt.Fprintln(stderr, "Error: FILE is required")
		printReportHelp(stderr)
		return 2
	}

	var cutoff time.Time
	if since > 0 {
		cutoff = time.Now().Add(-since)
	}
	records, err := loadRecords(path, monitoring.RecordFilter{ContextID: contextID, Since: cutoff}, stderr)
	if err != nil {
		printError(stderr, err.Error())
		return 1
	}
	summary := monitoring.Summarize(records)

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			printError(stderr, err.Error())
			return 1
		}
		return 0
	}
	printSummary(stdout, summary)
	return 0
}

// loadRecords reads path by extension: .db/.sqlite through the sqlite sink,
// anything else as JSONL. JSONL is filtered in memory.
func loadRecords(path string, f monitoring.RecordFilter, warn io.Writer) ([]*monitoring.MetricRecord, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		db, err := monitoring.NewSQLiteEmitter(path)
		if err != nil {
			return nil, err
		}
		defer func() { _ = db.Close() }()
		return db.Query(context.Background(), f)
	}

	all, skipped, err := monitoring.ReadJSONL(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if skipped > 0 {
		printWarn(warn, fmt.Sprintf("skipped %d malformed lines in %s", skipped, path))
	}
	out := all[:0]
	for _, r := range all {
		if f.ContextID != "" && r.ContextID != f.ContextID {
			continue
		}
		if !f.Since.IsZero() && r.StartedAt.Before(f.Since) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func printSummary(w io.Writer, s monitoring.Summary) {
	printHeader(w, "llm-meter report")
	printInfo(w, fmt.Sprintf("%d records, %d traces, $%.6f total", s.Records, s.Traces, s.CostUSD))
	if s.Records == 0 {
		return
	}

	outcomes := make([]string, 0, len(s.Outcomes))
	for o, n := range s.Outcomes {
		outcomes = append(outcomes, fmt.Sprintf("%s=%d", o, n))
	}
	sort.Strings(outcomes)
	printInfo(w, "outcomes: "+strings.Join(outcomes, " "))
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PROVIDER\tMODEL\tCALLS\tFAILED\tINPUT\tOUTPUT\tCOST USD\tAVG MS")
	for _, m := range s.Models {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%.6f\t%.0f\n",
			m.Provider, m.Model, m.Calls, m.Failures, m.InputTokens, m.OutputTokens, m.CostUSD, m.AvgLatencyMs)
	}
	_ = tw.Flush()

	if _, anonymous := s.Contexts[""]; len(s.Contexts) > 1 || !anonymous {
		fmt.Fprintln(w)
		ids := make([]string, 0, len(s.Contexts))
		for id := range s.Contexts {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "CONTEXT\tCOST USD")
		for _, id := range ids {
			name := id
			if name == "" {
				name = "-"
			}
			fmt.Fprintf(tw, "%s\t%.6f\n", name, s.Contexts[id])
		}
		_ = tw.Flush()
	}
}

func printReportHelp(w io.Writer) {
	fmt.Fprintln(w, "Summarize a metric log")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: llm-meter report FILE [OPTIONS]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "FILE is a .jsonl telemetry log or a .db/.sqlite sink database.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Options:")
	fmt.Fprintln(w, "      --context ID       Only records of this context")
	fmt.Fprintln(w, "      --since DURATION   Only records started within DURATION (e.g. 24h)")
	fmt.Fprintln(w, "      --json             JSON output")
}
