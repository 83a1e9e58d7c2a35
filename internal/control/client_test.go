package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/llm-meter/internal/monitoring"
)

// =============================================================================
// CLIENT
// =============================================================================

func TestClient_FailOpenAndClosed(t *testing.T) {
	broken := OracleFunc(func(context.Context, Request) (Decision, error) {
		return Decision{}, errors.New("connection refused")
	})

	open := NewClient(broken)
	assert.Equal(t, FailOpen, open.FailMode())
	assert.Equal(t, Allow(), open.Decide(context.Background(), Request{Model: "gpt-4o"}))

	closed := NewClient(broken, WithFailMode(FailClosed))
	d := closed.Decide(context.Background(), Request{Model: "gpt-4o"})
	assert.Equal(t, KindBlock, d.Kind)
	assert.Equal(t, UnavailableReason, d.Reason)
}

func TestClient_TimeoutBoundsHungOracle(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	// Ignores its context entirely.
	hung := OracleFunc(func(context.Context, Request) (Decision, error) {
		<-release
		return Allow(), nil
	})
	c := NewClient(hung, WithDecideTimeout(20*time.Millisecond), WithFailMode(FailClosed))

	start := time.Now()
	d := c.Decide(context.Background(), Request{})
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, Block(UnavailableReason), d)
}

func TestClient_TimedOutDecisionReleasesReservation(t *testing.T) {
	ev := NewLocalEvaluator(mustPolicy(t, "budgets:\n  - name: b\n    limit: 1\n"))
	slow := &slowEvaluator{LocalEvaluator: ev, delay: 30 * time.Millisecond}
	c := NewClient(slow, WithDecideTimeout(5*time.Millisecond), WithFailMode(FailClosed))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := c.Decide(ctx, Request{ContextID: "c", EstimatedCost: 0.4})
		assert.Equal(t, Block(UnavailableReason), d)
	}
	require.NoError(t, c.Wait(ctx))

	statuses, err := ev.Budgets(ctx, "c")
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Zero(t, statuses[0].Spent)
}

// slowEvaluator answers after delay regardless of its context.
type slowEvaluator struct {
	*LocalEvaluator
	delay time.Duration
}

func (s *slowEvaluator) Decide(_ context.Context, req Request) (Decision, error) {
	time.Sleep(s.delay)
	return s.LocalEvaluator.Decide(context.Background(), req)
}

func TestClient_MalformedAndPanickingOracle(t *testing.T) {
	malformed := OracleFunc(func(context.Context, Request) (Decision, error) {
		return Decision{Kind: KindDegrade}, nil
	})
	assert.Equal(t, Block(UnavailableReason), NewClient(malformed, WithFailMode(FailClosed)).Decide(context.Background(), Request{}))

	panicky := OracleFunc(func(context.Context, Request) (Decision, error) {
		panic("boom")
	})
	assert.Equal(t, Allow(), NewClient(panicky).Decide(context.Background(), Request{}))
}

func TestClient_NilOracleAllows(t *testing.T) {
	assert.Equal(t, Allow(), NewClient(nil).Decide(context.Background(), Request{}))
	var c *Client
	assert.Equal(t, Allow(), c.Decide(context.Background(), Request{}))
	c.ReportEvent(context.Background(), Event{})
}

func TestClient_AlertHandlers(t *testing.T) {
	oracle := OracleFunc(func(context.Context, Request) (Decision, error) {
		d := Allow()
		d.Alerts = []Alert{{Rule: "half", Message: "budget at 60%", Percent: 60}}
		return d, nil
	})

	var got []Alert
	c := NewClient(oracle, WithAlertHandler(func(_ context.Context, _ Request, a Alert) {
		got = append(got, a)
	}))
	c.OnAlert(func(context.Context, Request, Alert) { panic("handler bug") })

	d := c.Decide(context.Background(), Request{ContextID: "c"})
	assert.Equal(t, KindAllow, d.Kind)
	require.Len(t, got, 1)
	assert.Equal(t, "half", got[0].Rule)
}

type recordingReporter struct {
	mu      sync.Mutex
	events  []Event
	metrics []*monitoring.MetricRecord
	block   chan struct{}
}

func (r *recordingReporter) ReportEvent(ctx context.Context, ev Event) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingReporter) ReportMetric(_ context.Context, rec *monitoring.MetricRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = append(r.metrics, rec)
	return nil
}

func TestClient_ReportingIsFireAndForget(t *testing.T) {
	rep := &recordingReporter{block: make(chan struct{})}
	c := NewClient(nil, WithReporter(rep))

	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	c.ReportEvent(ctx, Event{SpanID: "s1", Action: "block"})
	c.ReportMetric(ctx, &monitoring.MetricRecord{SpanID: "s1", Outcome: monitoring.OutcomeBlocked})
	assert.Less(t, time.Since(start), time.Second)

	// Cancelling the caller's context does not cancel the report.
	cancel()
	close(rep.block)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	require.NoError(t, c.Wait(waitCtx))

	rep.mu.Lock()
	defer rep.mu.Unlock()
	require.Len(t, rep.events, 1)
	assert.Equal(t, "s1", rep.events[0].SpanID)
	require.Len(t, rep.metrics, 1)
}

func TestClient_ReportRateLimit(t *testing.T) {
	rep := &recordingReporter{}
	c := NewClient(nil, WithReporter(rep), WithReportLimit(0.001, 2))

	for i := 0; i < 5; i++ {
		c.ReportEvent(context.Background(), Event{})
	}
	require.NoError(t, c.Wait(context.Background()))

	rep.mu.Lock()
	defer rep.mu.Unlock()
	assert.Len(t, rep.events, 2)
}

func TestClientConfig_Validate(t *testing.T) {
	assert.NoError(t, (&ClientConfig{}).Validate())
	assert.NoError(t, (&ClientConfig{FailMode: FailClosed}).Validate())
	assert.Error(t, (&ClientConfig{FailMode: "maybe"}).Validate())
	assert.Error(t, (&ClientConfig{Timeout: -1}).Validate())
}

// =============================================================================
// REMOTE ORACLE
// =============================================================================

func TestRemoteOracle_Decide(t *testing.T) {
	var gotReq Request
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathDecide, r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_, _ = w.Write([]byte(`{"action":"throttle","delayMs":1500,"reason":"slow down","alerts":[{"rule":"a","message":"m"}]}`))
	}))
	t.Cleanup(srv.Close)

	o := NewRemoteOracle(srv.URL+"/", WithAPIKey("secret"))
	d, err := o.Decide(context.Background(), Request{ContextID: "c", Provider: "openai", Model: "gpt-4o", Metadata: map[string]any{"team": "x"}})
	require.NoError(t, err)

	assert.Equal(t, KindThrottle, d.Kind)
	assert.Equal(t, 1500*time.Millisecond, d.Delay)
	assert.Equal(t, "slow down", d.Reason)
	require.Len(t, d.Alerts, 1)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "c", gotReq.ContextID)
	assert.Equal(t, "x", gotReq.Metadata["team"])
}

func TestRemoteOracle_MalformedAnswersFallBack(t *testing.T) {
	bodies := map[string]string{
		"unknown action":   `{"action":"maybe"}`,
		"invalid json":     `{"action":`,
		"degrade no model": `{"action":"degrade"}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			t.Cleanup(srv.Close)

			o := NewRemoteOracle(srv.URL)
			_, err := o.Decide(context.Background(), Request{})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedDecision)

			d := NewClient(o, WithFailMode(FailClosed)).Decide(context.Background(), Request{})
			assert.Equal(t, Block(UnavailableReason), d)
		})
	}
}

func TestRemoteOracle_HTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	_, err := NewRemoteOracle(srv.URL).Decide(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 500")

	assert.Equal(t, Allow(), NewClient(NewRemoteOracle(srv.URL)).Decide(context.Background(), Request{}))
}

func TestRemoteOracle_ReportsAndClientDefaultsReporter(t *testing.T) {
	var events, metrics atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case PathEvents:
			events.Add(1)
		case PathMetrics:
			metrics.Add(1)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(NewRemoteOracle(srv.URL))
	c.ReportEvent(context.Background(), Event{Action: "allow"})
	c.ReportMetric(context.Background(), &monitoring.MetricRecord{Outcome: monitoring.OutcomeBlocked})
	require.NoError(t, c.Wait(context.Background()))

	assert.Equal(t, int32(1), events.Load())
	assert.Equal(t, int32(1), metrics.Load())
}
