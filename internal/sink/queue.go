package sink

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/turnkeeper/internal/observe"
	"github.com/MrWong99/turnkeeper/pkg/events"
)

// DefaultQueueSize is the buffer depth used when NewQueue is given size <= 0.
const DefaultQueueSize = 64

type queued struct {
	ctx context.Context
	ev  events.Event
}

// Queue decouples a slow sink from the caller. Emit enqueues without blocking
// and fails with [ErrQueueFull] when the buffer is full; a single goroutine
// delivers queued events in order.
type Queue struct {
	next    events.Sink
	name    string
	metrics *observe.Metrics

	ch      chan queued
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ events.Sink = (*Queue)(nil)

// NewQueue starts a queue of the given depth in front of next. Delivery
// failures of next are logged and counted under name in m, which may be nil.
func NewQueue(next events.Sink, size int, name string, m *observe.Metrics) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	q := &Queue{
		next:    next,
		name:    name,
		metrics: m,
		ch:      make(chan queued, size),
		done:    make(chan struct{}),
	}
	go q.loop()
	return q
}

// Emit implements [events.Sink]. The event is delivered later with a context
// that keeps the values of ctx but not its cancellation.
func (q *Queue) Emit(ctx context.Context, ev events.Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- queued{ctx: context.WithoutCancel(ctx), ev: ev}:
		return nil
	default:
		q.dropped.Add(1)
		return ErrQueueFull
	}
}

// Dropped returns the number of events rejected because the queue was full.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Len returns the number of events waiting for delivery.
func (q *Queue) Len() int { return len(q.ch) }

func (q *Queue) loop() {
	defer close(q.done)
	for item := range q.ch {
		if err := q.next.Emit(item.ctx, item.ev); err != nil {
			if q.metrics != nil {
				q.metrics.RecordSinkError(item.ctx, q.name)
			}
			slog.WarnContext(item.ctx, "queued event delivery failed",
				"sink", q.name,
				"type", item.ev.Type.String(),
				"err", err)
		}
	}
}

// Close stops accepting events and waits until queued events are delivered or
// ctx ends. Calling Close more than once is safe.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
