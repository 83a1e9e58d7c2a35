package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/compresr/llm-meter/internal/adapters"
)

func costPtr(v float64) *float64 { return &v }

func sampleRecord(spanID string) *MetricRecord {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &MetricRecord{
		TraceID:   "trace-1",
		SpanID:    spanID,
		Sequence:  1,
		ContextID: "tenant-a",
		Provider:  adapters.ProviderOpenAI,
		Model:     "gpt-4o-mini",
		StartedAt: start,
		EndedAt:   start.Add(250 * time.Millisecond),
		LatencyMs: 250,
		Usage:     &adapters.NormalizedUsage{InputTokens: 100, OutputTokens: 20, TotalTokens: 120},
		CostUSD:   costPtr(0.002),
		Outcome:   OutcomeSuccess,
		ToolCalls: []adapters.ToolCall{{ID: "call_1", Name: "search"}},
	}
}

func TestJSONLEmitter_WritesAndReadsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "metrics.jsonl")
	e, err := NewJSONLEmitter(TelemetryConfig{Enabled: true, LogPath: path})
	require.NoError(t, err)

	require.NoError(t, e.Emit(context.Background(), sampleRecord("s1")))
	failed := sampleRecord("s2")
	failed.Usage = nil
	failed.CostUSD = nil
	failed.Outcome = OutcomeError
	failed.Error = "upstream 500"
	require.NoError(t, e.Emit(context.Background(), failed))
	assert.Equal(t, 2, e.Count())
	require.NoError(t, e.Close())

	records, skipped, err := ReadJSONL(path)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, records, 2)
	assert.Equal(t, "s1", records[0].SpanID)
	require.NotNil(t, records[0].Usage)
	assert.Equal(t, 120, records[0].Usage.TotalTokens)
	assert.Nil(t, records[1].Usage, "unknown usage must stay unknown on disk")
	assert.Equal(t, "upstream 500", records[1].Error)
}

func TestJSONLEmitter_SkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"span_id\":\"a\"}\nnot json\n\n"), 0600))

	records, skipped, err := ReadJSONL(path)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, 1, skipped)
}

func TestJSONLEmitter_Disabled(t *testing.T) {
	e, err := NewJSONLEmitter(TelemetryConfig{})
	require.NoError(t, err)
	require.NoError(t, e.Emit(context.Background(), sampleRecord("s1")))
	assert.Zero(t, e.Count())
}

func TestCollector_Stats(t *testing.T) {
	c := NewCollector()
	ctx := context.Background()

	require.NoError(t, c.Emit(ctx, sampleRecord("s1")))

	blocked := &MetricRecord{Outcome: OutcomeBlocked, Error: "blocked"}
	require.NoError(t, c.Emit(ctx, blocked))

	stream := sampleRecord("s3")
	stream.Stream = true
	stream.Outcome = OutcomeAborted
	stream.Usage = nil
	stream.CostUSD = nil
	stream.RequestedModel = "gpt-4o"
	stream.ThrottledMs = 500
	require.NoError(t, c.Emit(ctx, stream))

	s := c.Stats()
	assert.Equal(t, int64(3), s.Calls.Total)
	assert.Equal(t, int64(1), s.Calls.Successful)
	assert.Equal(t, int64(1), s.Calls.Blocked)
	assert.Equal(t, int64(1), s.Calls.Aborted)
	assert.Equal(t, int64(1), s.Calls.Streams)
	assert.Equal(t, int64(1), s.Calls.Degraded)
	assert.Equal(t, int64(1), s.Calls.Throttled)
	assert.Equal(t, int64(100), s.Tokens.InputTokens)
	assert.Equal(t, int64(1), s.Tokens.UnknownUsage)
	assert.InDelta(t, 0.002, s.CostUSD, 1e-9)
}

func TestPrometheusEmitter(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheusEmitter("llmmeter", reg)

	require.NoError(t, p.Emit(context.Background(), sampleRecord("s1")))
	require.NoError(t, p.Emit(context.Background(), sampleRecord("s2")))

	assert.Equal(t, 2.0, testutil.ToFloat64(p.callsTotal.WithLabelValues("openai", "gpt-4o-mini", "success", "false")))
	assert.Equal(t, 200.0, testutil.ToFloat64(p.tokensTotal.WithLabelValues("openai", "gpt-4o-mini", "input")))
	assert.InDelta(t, 0.004, testutil.ToFloat64(p.costTotal.WithLabelValues("openai", "gpt-4o-mini", "tenant-a")), 1e-12)
	assert.Equal(t, 2.0, testutil.ToFloat64(p.toolCalls.WithLabelValues("openai", "search")))

	count, err := testutil.GatherAndCount(reg, "llmmeter_llm_call_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestOTelEmitter_OneSpanPerRecord(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	e := NewOTelEmitter(tp.Tracer("llm-meter-test"))

	rec := sampleRecord("s1")
	rec.RequestedModel = "gpt-4o"
	require.NoError(t, e.Emit(context.Background(), rec))

	failed := sampleRecord("s2")
	failed.Outcome = OutcomeFailed
	failed.Error = "stream reset"
	require.NoError(t, e.Emit(context.Background(), failed))

	spans := sr.Ended()
	require.Len(t, spans, 2)

	first := spans[0]
	assert.Equal(t, "llm.call gpt-4o-mini", first.Name())
	assert.Equal(t, rec.StartedAt, first.StartTime())
	assert.Equal(t, rec.EndedAt, first.EndTime())
	assert.Contains(t, first.Attributes(), attribute.String("gen_ai.request.model", "gpt-4o"))
	assert.Contains(t, first.Attributes(), attribute.Int("gen_ai.usage.input_tokens", 100))

	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "stream reset", spans[1].Status().Description)
}

func TestSQLiteEmitter_QueryAndSpend(t *testing.T) {
	s, err := NewSQLiteEmitter(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	first := sampleRecord("s1")
	second := sampleRecord("s2")
	second.StartedAt = first.StartedAt.Add(time.Minute)
	second.CostUSD = costPtr(0.003)
	other := sampleRecord("s3")
	other.ContextID = "tenant-b"
	other.TraceID = "trace-2"
	other.Usage = nil
	other.CostUSD = nil

	for _, r := range []*MetricRecord{second, first, other} {
		require.NoError(t, s.Emit(ctx, r))
	}
	// Re-emitting the same span keeps one row.
	require.NoError(t, s.Emit(ctx, first))

	records, err := s.Query(ctx, RecordFilter{ContextID: "tenant-a"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "s1", records[0].SpanID)
	assert.Equal(t, "s2", records[1].SpanID)

	since, err := s.Query(ctx, RecordFilter{Since: first.StartedAt.Add(30 * time.Second)})
	require.NoError(t, err)
	require.Len(t, since, 1)
	assert.Equal(t, "s2", since[0].SpanID)

	byTrace, err := s.Query(ctx, RecordFilter{TraceID: "trace-2"})
	require.NoError(t, err)
	require.Len(t, byTrace, 1)
	assert.Nil(t, byTrace[0].Usage)

	spend, err := s.SpendByContext(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.005, spend["tenant-a"], 1e-9)
	assert.Equal(t, 0.0, spend["tenant-b"])
}

func TestWebSocketEmitter_StreamsToCollector(t *testing.T) {
	received := make(chan *MetricRecord, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/metrics" {
			http.NotFound(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.CloseNow() }()
		_ = ReadStream(r.Context(), conn, func(rec *MetricRecord) { received <- rec })
	}))
	defer srv.Close()

	e := NewWebSocketEmitter(srv.URL, time.Second)
	require.NoError(t, e.Emit(context.Background(), sampleRecord("s1")))
	require.NoError(t, e.Emit(context.Background(), sampleRecord("s2")))

	for _, want := range []string{"s1", "s2"} {
		select {
		case got := <-received:
			assert.Equal(t, want, got.SpanID)
			assert.Equal(t, 120, got.TotalTokens())
		case <-time.After(2 * time.Second):
			t.Fatalf("record %s not received", want)
		}
	}
	require.NoError(t, e.Close())
}

func TestWebSocketEmitter_UnreachableCollector(t *testing.T) {
	e := NewWebSocketEmitter("http://127.0.0.1:1", 200*time.Millisecond)
	assert.Error(t, e.Emit(context.Background(), sampleRecord("s1")))
}

func TestToWebSocketURL(t *testing.T) {
	assert.Equal(t, "wss://collector.example.com", toWebSocketURL("https://collector.example.com"))
	assert.Equal(t, "ws://localhost:8790", toWebSocketURL("http://localhost:8790"))
	assert.Equal(t, "ws://already", toWebSocketURL("ws://already"))
}

func TestSummarize(t *testing.T) {
	cheap := sampleRecord("s1")
	pricey := sampleRecord("s2")
	pricey.Model = "gpt-4o"
	pricey.CostUSD = costPtr(0.05)
	failed := sampleRecord("s3")
	failed.TraceID = "trace-2"
	failed.Outcome = OutcomeError
	failed.CostUSD = nil
	failed.Usage = nil

	s := Summarize([]*MetricRecord{cheap, pricey, failed})
	assert.Equal(t, 3, s.Records)
	assert.Equal(t, 2, s.Traces)
	assert.InDelta(t, 0.052, s.CostUSD, 1e-9)
	assert.Equal(t, 2, s.Outcomes[OutcomeSuccess])
	assert.Equal(t, 1, s.Outcomes[OutcomeError])
	require.Len(t, s.Models, 2)
	assert.Equal(t, "gpt-4o", s.Models[0].Model)
	assert.Equal(t, 2, s.Models[1].Calls)
	assert.Equal(t, 1, s.Models[1].Failures)
}
