// Package tracecontext tracks the logical call chain an LLM call belongs to.
//
// DESIGN: A CallContext is carried by context.Context, so it follows the
// caller's execution path across goroutines the same way cancellation does.
// When no scope was entered, a lazily created process-wide context is used so
// zero-configuration callers still get a coherent trace.
//
// Each intercepted call records its relationship to the chain before it is
// dispatched: the sequence number advances, the current parent span is
// snapshotted and the call's own span becomes the parent of whatever is issued
// while it runs. The dispatched call additionally receives its span on the
// ctx (WithSpan), which keeps concurrent sibling chains correct.
package tracecontext

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// =============================================================================
// CALL CONTEXT
// =============================================================================

// CallContext is the state of one logical call chain.
// TraceID and ContextID never change after creation.
type CallContext struct {
	TraceID   string
	ContextID string

	mu           sync.Mutex
	sequence     int64
	parentSpanID string
	agentStack   []string
	metadata     map[string]any
}

// Relationship is the snapshot taken for one call right before dispatch.
type Relationship struct {
	TraceID      string
	ContextID    string
	Sequence     int64
	ParentSpanID string
	AgentStack   []string
	Metadata     map[string]any
}

// NewID returns a fresh trace or span id.
func NewID() string {
	return uuid.NewString()
}

func newCallContext(traceID, contextID string, agentStack []string, metadata map[string]any) *CallContext {
	if traceID == "" {
		traceID = NewID()
	}
	md := make(map[string]any, len(metadata))
	maps.Copy(md, metadata)
	return &CallContext{
		TraceID:    traceID,
		ContextID:  contextID,
		agentStack: slices.Clone(agentStack),
		metadata:   md,
	}
}

// Sequence returns the number of calls recorded so far.
func (c *CallContext) Sequence() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequence
}

// ParentSpanID returns the span of the most recently dispatched call.
func (c *CallContext) ParentSpanID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parentSpanID
}

// AgentStack returns a copy of the agent stack, outermost first.
func (c *CallContext) AgentStack() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.agentStack)
}

// Metadata returns a copy of the metadata bag.
func (c *CallContext) Metadata() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.metadata)
}

// SetMetadata sets one metadata key.
func (c *CallContext) SetMetadata(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// PushAgent appends a label to the agent stack.
func (c *CallContext) PushAgent(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentStack = append(c.agentStack, name)
}

// PopAgent removes and returns the innermost label, or "" when empty.
func (c *CallContext) PopAgent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.agentStack)
	if n == 0 {
		return ""
	}
	name := c.agentStack[n-1]
	c.agentStack = c.agentStack[:n-1]
	return name
}

// record increments the sequence, snapshots the chain and makes spanID the
// new parent. parentOverride, when set, replaces the stored parent in the
// snapshot.
func (c *CallContext) record(spanID, parentOverride string) Relationship {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sequence++
	parent := c.parentSpanID
	if parentOverride != "" {
		parent = parentOverride
	}
	rel := Relationship{
		TraceID:      c.TraceID,
		ContextID:    c.ContextID,
		Sequence:     c.sequence,
		ParentSpanID: parent,
		AgentStack:   slices.Clone(c.agentStack),
		Metadata:     maps.Clone(c.metadata),
	}
	c.parentSpanID = spanID
	return rel
}

// =============================================================================
// CONTEXT PROPAGATION
// =============================================================================

type ctxKey int

const (
	callContextKey ctxKey = iota
	activeSpanKey
)

var (
	globalMu sync.Mutex
	global   *CallContext
)

// Current returns the CallContext active on ctx, falling back to the
// process-wide context when no scope was entered.
func Current(ctx context.Context) *CallContext {
	if ctx != nil {
		if cc, ok := ctx.Value(callContextKey).(*CallContext); ok && cc != nil {
			return cc
		}
	}
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = newCallContext("", "", nil, nil)
	}
	return global
}

// ResetGlobal discards the process-wide fallback context.
func ResetGlobal() {
	globalMu.Lock()
	defer globalMu.Unlock()
	global = nil
}

// ScopeOptions configure a new scope. Empty fields inherit from the
// enclosing context where that makes sense.
type ScopeOptions struct {
	// TraceID of the new chain; a fresh id when empty.
	TraceID string
	// ContextID keys budgets and rate limits; inherited when empty.
	ContextID string
	// Metadata is merged over the enclosing context's metadata.
	Metadata map[string]any
	// AgentStack replaces the inherited agent stack when non-nil.
	AgentStack []string
}

// EnterScope returns a ctx carrying a new CallContext. The scope lasts for as
// long as the returned ctx (or one derived from it) is used.
func EnterScope(ctx context.Context, opts ScopeOptions) (context.Context, *CallContext) {
	if ctx == nil {
		ctx = context.Background()
	}
	parent := Current(ctx)

	contextID := opts.ContextID
	if contextID == "" {
		contextID = parent.ContextID
	}
	metadata := parent.Metadata()
	maps.Copy(metadata, opts.Metadata)
	stack := opts.AgentStack
	if stack == nil {
		stack = parent.AgentStack()
	}

	cc := newCallContext(opts.TraceID, contextID, stack, metadata)
	// A fresh chain has no active span from an enclosing call.
	ctx = context.WithValue(ctx, activeSpanKey, "")
	return context.WithValue(ctx, callContextKey, cc), cc
}

// WithScope runs fn inside a new scope.
func WithScope(ctx context.Context, opts ScopeOptions, fn func(ctx context.Context) error) error {
	scoped, _ := EnterScope(ctx, opts)
	return fn(scoped)
}

// WithSpan marks spanID as the call currently executing on ctx. Calls issued
// with the returned ctx become its children.
func WithSpan(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, activeSpanKey, spanID)
}

// ActiveSpan returns the span marked on ctx by WithSpan.
func ActiveSpan(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(activeSpanKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// RecordCallRelationship records a call about to be dispatched with spanID.
// Must be called before dispatch so nested calls see spanID as their parent.
func RecordCallRelationship(ctx context.Context, spanID string) Relationship {
	active, _ := ActiveSpan(ctx)
	return Current(ctx).record(spanID, active)
}

// =============================================================================
// AGENT STACK
// =============================================================================

// PushAgent pushes a label onto the current context's agent stack.
func PushAgent(ctx context.Context, name string) {
	Current(ctx).PushAgent(name)
}

// PopAgent pops the innermost label of the current context's agent stack.
func PopAgent(ctx context.Context) string {
	return Current(ctx).PopAgent()
}

// WithAgent runs fn with name pushed on the agent stack. The label is popped
// when fn returns, fails or panics.
func WithAgent(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	cc := Current(ctx)
	cc.PushAgent(name)
	defer cc.PopAgent()
	return fn(ctx)
}

// SetMetadata sets a metadata key on the current context.
func SetMetadata(ctx context.Context, key string, value any) {
	Current(ctx).SetMetadata(key, value)
}
