package sink

import (
	"context"

	"github.com/MrWong99/turnkeeper/internal/resilience"
	"github.com/MrWong99/turnkeeper/pkg/events"
)

// Guard puts a sink behind a circuit breaker. While the breaker is open,
// Emit fails fast with [resilience.ErrCircuitOpen] instead of waiting on a
// target that is known to be down.
type Guard struct {
	next    events.Sink
	breaker *resilience.CircuitBreaker
}

var _ events.Sink = (*Guard)(nil)

// NewGuard wraps next with a breaker built from cfg.
func NewGuard(next events.Sink, cfg resilience.CircuitBreakerConfig) *Guard {
	return &Guard{next: next, breaker: resilience.NewCircuitBreaker(cfg)}
}

// Emit implements [events.Sink].
func (g *Guard) Emit(ctx context.Context, ev events.Event) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.next.Emit(ctx, ev)
	})
}

// State returns the breaker state.
func (g *Guard) State() resilience.State { return g.breaker.State() }

// Fallback tries its targets in order, each behind its own breaker, until one
// accepts the event. A typical chain is the database first and a local file
// second.
type Fallback struct {
	group *resilience.FallbackGroup[events.Sink]
}

var _ events.Sink = (*Fallback)(nil)

// NewFallback builds a fallback chain. It needs at least one target.
func NewFallback(cfg resilience.CircuitBreakerConfig, first Target, rest ...Target) *Fallback {
	g := resilience.NewFallbackGroup(first.Name, first.Sink, resilience.FallbackConfig{CircuitBreaker: cfg})
	for _, t := range rest {
		g.Add(t.Name, t.Sink)
	}
	return &Fallback{group: g}
}

// Emit implements [events.Sink].
func (f *Fallback) Emit(ctx context.Context, ev events.Event) error {
	_, err := f.group.Execute(ctx, func(ctx context.Context, s events.Sink) error {
		return s.Emit(ctx, ev)
	})
	return err
}

// States returns the breaker state of every target.
func (f *Fallback) States() map[string]resilience.State { return f.group.States() }
