// Package monitoring - gateway.go delivers finished records to sinks.
//
// DESIGN: Gateway is the only path from the meter to the sinks. Emit fans a
// record out to every sink concurrently and waits for all of them. Sink
// errors and panics are logged and contained: a broken sink never reaches
// the caller's call path.
package monitoring

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Emitter receives finished metric records. Implementations may fail; the
// Gateway logs and swallows the error.
type Emitter interface {
	Emit(ctx context.Context, record *MetricRecord) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, record *MetricRecord) error

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, record *MetricRecord) error {
	return f(ctx, record)
}

// Gateway fans records out to registered emitters.
type Gateway struct {
	mu       sync.RWMutex
	emitters []namedEmitter
}

type namedEmitter struct {
	name    string
	emitter Emitter
}

// NewGateway creates a gateway with the given emitters.
func NewGateway(emitters ...Emitter) *Gateway {
	g := &Gateway{}
	for _, e := range emitters {
		g.Add(e)
	}
	return g
}

// Add registers an emitter. Nil emitters are ignored.
func (g *Gateway) Add(e Emitter) {
	if e == nil {
		return
	}
	g.AddNamed(fmt.Sprintf("%T", e), e)
}

// AddNamed registers an emitter under a name used in logs.
func (g *Gateway) AddNamed(name string, e Emitter) {
	if e == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.emitters = append(g.emitters, namedEmitter{name: name, emitter: e})
}

// Len returns the number of registered emitters.
func (g *Gateway) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.emitters)
}

// Emit delivers record to every emitter and waits for them to finish.
// It never fails.
func (g *Gateway) Emit(ctx context.Context, record *MetricRecord) {
	if g == nil || record == nil {
		return
	}
	g.mu.RLock()
	emitters := append([]namedEmitter(nil), g.emitters...)
	g.mu.RUnlock()

	// Sinks run after the call has settled; a cancelled caller ctx must not
	// drop the record.
	ctx = context.WithoutCancel(ctx)

	var eg errgroup.Group
	for _, ne := range emitters {
		eg.Go(func() error {
			emitSafely(ctx, ne, record)
			return nil
		})
	}
	_ = eg.Wait()
}

func emitSafely(ctx context.Context, ne namedEmitter, record *MetricRecord) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("emitter", ne.name).
				Str("span_id", record.SpanID).
				Interface("panic", r).
				Msg("monitoring: emitter panicked")
		}
	}()
	if err := ne.emitter.Emit(ctx, record); err != nil {
		log.Warn().
			Err(err).
			Str("emitter", ne.name).
			Str("span_id", record.SpanID).
			Msg("monitoring: emitter failed")
	}
}
