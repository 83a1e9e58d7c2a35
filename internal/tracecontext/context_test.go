package tracecontext

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrent_GlobalFallback(t *testing.T) {
	ResetGlobal()
	t.Cleanup(ResetGlobal)

	a := Current(context.Background())
	b := Current(context.Background())
	require.NotNil(t, a)
	assert.Same(t, a, b)
	assert.NotEmpty(t, a.TraceID)

	ResetGlobal()
	c := Current(context.Background())
	assert.NotSame(t, a, c)
	assert.NotEqual(t, a.TraceID, c.TraceID)
}

func TestEnterScope_IsolatesFromGlobal(t *testing.T) {
	ResetGlobal()
	t.Cleanup(ResetGlobal)

	ctx, cc := EnterScope(context.Background(), ScopeOptions{
		TraceID:   "trace-1",
		ContextID: "tenant-a",
		Metadata:  map[string]any{"env": "test"},
	})
	assert.Same(t, cc, Current(ctx))
	assert.Equal(t, "trace-1", cc.TraceID)
	assert.Equal(t, "tenant-a", cc.ContextID)
	assert.Equal(t, map[string]any{"env": "test"}, cc.Metadata())

	RecordCallRelationship(ctx, "span-1")
	assert.Equal(t, int64(0), Current(context.Background()).Sequence())
	assert.Equal(t, int64(1), cc.Sequence())
}

func TestEnterScope_InheritsFromEnclosing(t *testing.T) {
	outer, _ := EnterScope(context.Background(), ScopeOptions{
		ContextID:  "tenant-a",
		Metadata:   map[string]any{"env": "test", "team": "search"},
		AgentStack: []string{"planner"},
	})
	inner, cc := EnterScope(outer, ScopeOptions{Metadata: map[string]any{"team": "ranking"}})

	assert.Equal(t, "tenant-a", cc.ContextID)
	assert.NotEqual(t, Current(outer).TraceID, cc.TraceID)
	assert.Equal(t, map[string]any{"env": "test", "team": "ranking"}, Current(inner).Metadata())
	assert.Equal(t, []string{"planner"}, cc.AgentStack())
}

func TestRecordCallRelationship_SequenceAndParent(t *testing.T) {
	ctx, cc := EnterScope(context.Background(), ScopeOptions{TraceID: "t"})

	first := RecordCallRelationship(ctx, "span-a")
	assert.Equal(t, int64(1), first.Sequence)
	assert.Empty(t, first.ParentSpanID)
	assert.Equal(t, "t", first.TraceID)

	second := RecordCallRelationship(ctx, "span-b")
	assert.Equal(t, int64(2), second.Sequence)
	assert.Equal(t, "span-a", second.ParentSpanID)
	assert.Equal(t, "span-b", cc.ParentSpanID())
}

func TestRecordCallRelationship_NestedCallsUseActiveSpan(t *testing.T) {
	ctx, _ := EnterScope(context.Background(), ScopeOptions{})

	parent := RecordCallRelationship(ctx, "span-a")
	assert.Empty(t, parent.ParentSpanID)

	// Two tool calls issued while span-a is still running.
	inA := WithSpan(ctx, "span-a")
	child1 := RecordCallRelationship(inA, "span-b")
	child2 := RecordCallRelationship(inA, "span-c")

	assert.Equal(t, "span-a", child1.ParentSpanID)
	assert.Equal(t, "span-a", child2.ParentSpanID)

	grandchild := RecordCallRelationship(WithSpan(inA, "span-c"), "span-d")
	assert.Equal(t, "span-c", grandchild.ParentSpanID)
}

func TestRecordCallRelationship_ConcurrentSequenceIsUnique(t *testing.T) {
	ctx, cc := EnterScope(context.Background(), ScopeOptions{})

	const n = 200
	seen := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- RecordCallRelationship(ctx, NewID()).Sequence
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[int64]bool)
	for s := range seen {
		unique[s] = true
	}
	assert.Len(t, unique, n)
	assert.Equal(t, int64(n), cc.Sequence())
}

func TestRelationship_SnapshotIsDetached(t *testing.T) {
	ctx, cc := EnterScope(context.Background(), ScopeOptions{AgentStack: []string{"root"}})
	rel := RecordCallRelationship(ctx, "s1")

	cc.PushAgent("child")
	cc.SetMetadata("k", "v")

	assert.Equal(t, []string{"root"}, rel.AgentStack)
	assert.Empty(t, rel.Metadata)
}

func TestWithAgent_PopsOnErrorAndPanic(t *testing.T) {
	ctx, cc := EnterScope(context.Background(), ScopeOptions{})

	err := WithAgent(ctx, "researcher", func(ctx context.Context) error {
		assert.Equal(t, []string{"researcher"}, Current(ctx).AgentStack())
		return errors.New("boom")
	})
	assert.EqualError(t, err, "boom")
	assert.Empty(t, cc.AgentStack())

	assert.Panics(t, func() {
		_ = WithAgent(ctx, "writer", func(context.Context) error {
			panic("unexpected")
		})
	})
	assert.Empty(t, cc.AgentStack())
}

func TestPushPopAgent(t *testing.T) {
	ctx, _ := EnterScope(context.Background(), ScopeOptions{})
	PushAgent(ctx, "a")
	PushAgent(ctx, "b")
	assert.Equal(t, []string{"a", "b"}, Current(ctx).AgentStack())
	assert.Equal(t, "b", PopAgent(ctx))
	assert.Equal(t, "a", PopAgent(ctx))
	assert.Equal(t, "", PopAgent(ctx))
}

func TestWithScope(t *testing.T) {
	var inner *CallContext
	err := WithScope(context.Background(), ScopeOptions{ContextID: "job-7"}, func(ctx context.Context) error {
		inner = Current(ctx)
		SetMetadata(ctx, "step", 1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "job-7", inner.ContextID)
	assert.Equal(t, map[string]any{"step": 1}, inner.Metadata())
}

func TestMatchFrame(t *testing.T) {
	assert.Equal(t, "Planner.Run", matchFrame("github.com/acme/app/agents.(*Planner).Run", []string{"agents"}))
	assert.Equal(t, "", matchFrame("github.com/acme/app/http.Serve", []string{"agents"}))
	assert.Equal(t, "", matchFrame("github.com/compresr/llm-meter/internal/tracecontext.Current", []string{"tracecontext"}))

	hint, ok := AgentHinterFunc(func(context.Context) (string, bool) { return "fixed", true }).AgentHint(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "fixed", hint)
}
