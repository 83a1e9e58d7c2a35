package monitoring

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)
)

const metricRecordsSchema = `
CREATE TABLE IF NOT EXISTS metric_records (
    span_id        TEXT PRIMARY KEY,
    trace_id       TEXT NOT NULL,
    parent_span_id TEXT,
    context_id     TEXT,
    provider       TEXT NOT NULL,
    model          TEXT NOT NULL,
    outcome        TEXT NOT NULL,
    stream         INTEGER NOT NULL,
    started_at     INTEGER NOT NULL, -- unix milliseconds
    latency_ms     INTEGER NOT NULL,
    total_tokens   INTEGER,
    cost_usd       REAL,
    record         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metric_records_context ON metric_records(context_id, started_at);
CREATE INDEX IF NOT EXISTS idx_metric_records_trace ON metric_records(trace_id);
`

// SQLiteEmitter stores records in a SQLite database for later reporting.
type SQLiteEmitter struct {
	db *sql.DB
}

// NewSQLiteEmitter opens (or creates) the database at path and ensures the
// schema. Pass ":memory:" for an in-memory store.
func NewSQLiteEmitter(path string) (*SQLiteEmitter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if path == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(metricRecordsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteEmitter{db: db}, nil
}

// Close closes the database.
func (s *SQLiteEmitter) Close() error { return s.db.Close() }

// Emit inserts the record. Re-emitting a span replaces the earlier row.
func (s *SQLiteEmitter) Emit(ctx context.Context, r *MetricRecord) error {
	blob, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	var totalTokens sql.NullInt64
	if r.Usage != nil {
		totalTokens = sql.NullInt64{Int64: int64(r.Usage.TotalTokens), Valid: true}
	}
	var cost sql.NullFloat64
	if r.CostUSD != nil {
		cost = sql.NullFloat64{Float64: *r.CostUSD, Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO metric_records(span_id, trace_id, parent_span_id, context_id, provider, model, outcome, stream, started_at, latency_ms, total_tokens, cost_usd, record)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(span_id) DO UPDATE SET record = excluded.record
    `,
		r.SpanID, r.TraceID, r.ParentSpanID, r.ContextID, r.Provider.String(), r.Model,
		string(r.Outcome), r.Stream, r.StartedAt.UnixMilli(), r.LatencyMs, totalTokens, cost, string(blob),
	)
	if err != nil {
		return fmt.Errorf("insert record %s: %w", r.SpanID, err)
	}
	return nil
}

// RecordFilter narrows Query results. Zero fields match everything.
type RecordFilter struct {
	ContextID string
	TraceID   string
	Since     time.Time
	Limit     int
}

// Query returns stored records ordered by start time.
func (s *SQLiteEmitter) Query(ctx context.Context, f RecordFilter) ([]*MetricRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.ContextID != "" {
		where = append(where, "context_id = ?")
		args = append(args, f.ContextID)
	}
	if f.TraceID != "" {
		where = append(where, "trace_id = ?")
		args = append(args, f.TraceID)
	}
	if !f.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}

	query := "SELECT record FROM metric_records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at, rowid"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*MetricRecord
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var r MetricRecord
		if err := json.Unmarshal([]byte(blob), &r); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

// SpendByContext sums the actual cost per context id.
func (s *SQLiteEmitter) SpendByContext(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT COALESCE(context_id, ''), COALESCE(SUM(cost_usd), 0)
        FROM metric_records GROUP BY context_id
    `)
	if err != nil {
		return nil, fmt.Errorf("query spend: %w", err)
	}
	defer func() { _ = rows.Close() }()

	spend := make(map[string]float64)
	for rows.Next() {
		var (
			contextID string
			total     float64
		)
		if err := rows.Scan(&contextID, &total); err != nil {
			return nil, err
		}
		spend[contextID] = total
	}
	return spend, rows.Err()
}
