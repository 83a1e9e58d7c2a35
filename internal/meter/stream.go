package meter

import (
	"context"
	"errors"
	"iter"
	"runtime"
	"sync"

	"github.com/compresr/llm-meter/internal/adapters"
	"github.com/compresr/llm-meter/internal/monitoring"
	"github.com/compresr/llm-meter/internal/tracecontext"
)

// =============================================================================
// STREAM OBSERVER
// =============================================================================

// streamObserver accumulates what a stream revealed so far. It is shared by
// the generic Stream and the HTTP transport's metered body.
type streamObserver struct {
	pc        *PendingCall
	usage     *adapters.UsageAccumulator
	requestID string
	toolCalls []adapters.ToolCall
	eventErr  string
}

func newStreamObserver(pc *PendingCall) *streamObserver {
	return &streamObserver{
		pc:    pc,
		usage: adapters.NewUsageAccumulator(pc.Provider),
	}
}

func (o *streamObserver) observe(info adapters.EventInfo) {
	if o.requestID == "" && info.RequestID != "" {
		o.requestID = info.RequestID
	}
	if info.Usage != nil {
		o.usage.Merge(info.Usage)
	}
	o.toolCalls = append(o.toolCalls, info.ToolCalls...)
	if info.Error != "" && o.eventErr == "" {
		o.eventErr = info.Error
	}
}

// complete finalizes a stream that ran to its end. A provider error event
// turns completion into failure.
func (o *streamObserver) complete(ctx context.Context) {
	if o.eventErr != "" {
		o.fail(ctx, o.eventErr)
		return
	}
	o.pc.finish(ctx, callResult{
		outcome:   monitoring.OutcomeCompleted,
		usage:     o.usage.Snapshot(),
		requestID: o.requestID,
		toolCalls: o.toolCalls,
	})
}

// abort finalizes a stream the consumer stopped early with the partial
// usage and tool calls seen so far.
func (o *streamObserver) abort(ctx context.Context) {
	o.pc.finish(ctx, callResult{
		outcome:   monitoring.OutcomeAborted,
		usage:     o.usage.Snapshot(),
		err:       o.eventErr,
		requestID: o.requestID,
		toolCalls: o.toolCalls,
	})
}

// end finalizes a stream that stopped with err. A cancelled or expired
// context means the consumer gave up, which is an abort, not a failure.
func (o *streamObserver) end(ctx context.Context, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		o.abort(ctx)
		return
	}
	o.fail(ctx, err.Error())
}

// fail finalizes a broken stream. Usage is dropped.
func (o *streamObserver) fail(ctx context.Context, msg string) {
	o.pc.finish(ctx, callResult{
		outcome:   monitoring.OutcomeFailed,
		err:       msg,
		requestID: o.requestID,
		toolCalls: o.toolCalls,
	})
}

// =============================================================================
// GENERIC STREAMS
// =============================================================================

// StreamBinding tells the meter how to read one SDK's streaming request and
// event types.
type StreamBinding[Req, E any] struct {
	Provider adapters.Provider

	Model           func(Req) string
	SetModel        func(Req, string) Req
	Prompt          func(Req) string
	MaxOutputTokens func(Req) int

	// Inspect reports what one event reveals. Nil records no usage.
	Inspect func(E) adapters.EventInfo
}

// Stream wraps a provider event stream. Events pass through unmodified.
type Stream[E any] struct {
	seq     iter.Seq2[E, error]
	inspect func(E) adapters.EventInfo
	*streamEnd
}

// streamEnd is the part of a Stream its cleanup can see. It must not point
// back at the Stream, or the Stream would never become unreachable.
type streamEnd struct {
	ctx context.Context
	obs *streamObserver

	mu       sync.Mutex
	consumed bool
}

// CallStream intercepts one streaming provider call. fn opens the stream;
// an error from fn is recorded as a failed stream and returned unchanged.
//
// The record of the call is emitted once the returned Stream is iterated or
// closed. A Stream dropped without either is recorded as aborted when the
// garbage collector reclaims it, so callers that may not iterate should
// Close it.
func CallStream[Req, E any](ctx context.Context, m *Meter, b StreamBinding[Req, E], req Req, fn func(ctx context.Context, req Req) (iter.Seq2[E, error], error)) (*Stream[E], error) {
	if m == nil {
		m = New()
	}

	pc, err := m.begin(ctx, requestInfo(b.Provider, true, req, b.Model, b.Prompt, b.MaxOutputTokens, &req, b.SetModel))
	if err != nil {
		return nil, err
	}
	obs := newStreamObserver(pc)

	settled := false
	defer func() {
		if !settled {
			obs.fail(ctx, "provider call panicked")
		}
	}()

	pc.markDispatched()
	callCtx := tracecontext.WithSpan(ctx, pc.SpanID)
	seq, err := fn(callCtx, req)
	settled = true
	if err != nil {
		obs.fail(ctx, err.Error())
		return nil, err
	}

	st := &Stream[E]{
		seq:       seq,
		inspect:   b.Inspect,
		streamEnd: &streamEnd{ctx: ctx, obs: obs},
	}
	runtime.AddCleanup(st, (*streamEnd).abandon, st.streamEnd)
	return st, nil
}

// SpanID returns the span of the underlying call.
func (s *Stream[E]) SpanID() string {
	return s.obs.pc.SpanID
}

// Iter returns the event sequence. It can be ranged over once; later calls
// yield ErrStreamConsumed.
//
// The record is emitted when the sequence ends: completed at the end of the
// stream, aborted when the loop body breaks or panics or the provider
// yields a context cancellation, failed when it yields any other error. The
// record is emitted before the error reaches the caller, and an abort before
// the underlying stream is released.
func (s *Stream[E]) Iter() iter.Seq2[E, error] {
	return func(yield func(E, error) bool) {
		if !s.claim() {
			var zero E
			yield(zero, ErrStreamConsumed)
			return
		}

		done := false
		defer func() {
			if !done {
				s.obs.abort(s.ctx)
			}
		}()

		for ev, err := range s.seq {
			if err != nil {
				s.obs.end(s.ctx, err)
				done = true
				yield(ev, err)
				return
			}
			if s.inspect != nil {
				s.obs.observe(s.inspect(ev))
			}
			if !yield(ev, nil) {
				s.obs.abort(s.ctx)
				done = true
				return
			}
		}
		s.obs.complete(s.ctx)
		done = true
	}
}

// Close finalizes a stream that was never iterated as aborted. It is a
// no-op once iteration started.
func (s *Stream[E]) Close() error {
	if s.claim() {
		s.obs.abort(s.ctx)
	}
	return nil
}

func (e *streamEnd) claim() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.consumed {
		return false
	}
	e.consumed = true
	return true
}

func (e *streamEnd) abandon() {
	if e.claim() {
		e.obs.abort(e.ctx)
	}
}
