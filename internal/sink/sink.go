// Package sink provides [events.Sink] implementations that deliver detected
// conversational events to the outside world.
//
// Terminal sinks write somewhere: [File] appends JSON lines, [Hub] broadcasts
// to WebSocket subscribers, [Postgres] persists sessions and events, [Log]
// writes structured log lines and [Recorder] keeps events in memory.
//
// Wrappers shape delivery: [Queue] decouples a slow sink from the frame loop
// and drops events when full, [Guard] puts a sink behind a circuit breaker,
// [Fallback] moves to the next target when one fails and [Fanout] delivers to
// several sinks at once.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/turnkeeper/internal/observe"
	"github.com/MrWong99/turnkeeper/pkg/events"
)

// Sentinel errors.
var (
	// ErrQueueFull is returned by [Queue.Emit] when the buffer has no room.
	ErrQueueFull = errors.New("sink: queue full")

	// ErrClosed is returned by sinks that have been closed.
	ErrClosed = errors.New("sink: closed")
)

// Record is the envelope written by the file and WebSocket sinks.
type Record struct {
	Time      time.Time    `json:"time"`
	SessionID string       `json:"session_id,omitempty"`
	Event     events.Event `json:"event"`
}

// newRecord stamps ev with the session carried by ctx.
func newRecord(ctx context.Context, ev events.Event) Record {
	return Record{
		Time:      time.Now().UTC(),
		SessionID: events.SessionID(ctx),
		Event:     ev,
	}
}

// ─── Recorder ────────────────────────────────────────────────────────────────

// Recorder keeps every event in memory. Batch analysis collects its output
// through it. Safe for concurrent use.
type Recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

var _ events.Sink = (*Recorder)(nil)

// Emit implements [events.Sink].
func (r *Recorder) Emit(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
	return nil
}

// Events returns a copy of the recorded events in emission order.
func (r *Recorder) Events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.evs...)
}

// Reset drops all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = nil
}

// ─── Log ─────────────────────────────────────────────────────────────────────

// Log writes every event as a structured log line.
type Log struct {
	Logger *slog.Logger
	Level  slog.Level
}

var _ events.Sink = Log{}

// Emit implements [events.Sink].
func (l Log) Emit(ctx context.Context, ev events.Event) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []slog.Attr{
		slog.String(observe.SessionAttr, events.SessionID(ctx)),
		slog.String("type", ev.Type.String()),
		slog.Float64("timestamp_s", ev.Timestamp.Seconds()),
		slog.Float64("confidence", ev.Confidence),
	}
	switch ev.Type {
	case events.Return:
		attrs = append(attrs, slog.Float64("response_latency_s", ev.ResponseLatency.Seconds()))
	case events.MissedOpportunity:
		attrs = append(attrs, slog.Float64("silence_duration_s", ev.SilenceDuration.Seconds()))
	}
	if ev.PitchHz > 0 {
		attrs = append(attrs, slog.Float64("pitch_hz", ev.PitchHz))
	}
	logger.LogAttrs(ctx, l.Level, "conversation event", attrs...)
	return nil
}

// ─── Fanout ──────────────────────────────────────────────────────────────────

// Target is a named sink taking part in a [Fanout].
type Target struct {
	Name string
	Sink events.Sink
}

// Fanout delivers every event to all targets concurrently.
type Fanout struct {
	targets []Target
	metrics *observe.Metrics
}

var _ events.Sink = (*Fanout)(nil)

// NewFanout returns a fan-out over targets. Failures of individual targets
// are counted in m under the target name; m may be nil.
func NewFanout(m *observe.Metrics, targets ...Target) *Fanout {
	return &Fanout{targets: targets, metrics: m}
}

// Targets returns the names of the targets.
func (f *Fanout) Targets() []string {
	names := make([]string, len(f.targets))
	for i, t := range f.targets {
		names[i] = t.Name
	}
	return names
}

// Emit implements [events.Sink]. All targets are attempted even when some
// fail; the returned error joins every failure.
func (f *Fanout) Emit(ctx context.Context, ev events.Event) error {
	if len(f.targets) == 1 {
		return f.deliver(ctx, f.targets[0], ev)
	}
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, t := range f.targets {
		g.Go(func() error {
			if err := f.deliver(ctx, t, ev); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (f *Fanout) deliver(ctx context.Context, t Target, ev events.Event) error {
	err := t.Sink.Emit(ctx, ev)
	if err == nil {
		return nil
	}
	if f.metrics != nil {
		f.metrics.RecordSinkError(ctx, t.Name)
	}
	return fmt.Errorf("%s: %w", t.Name, err)
}
