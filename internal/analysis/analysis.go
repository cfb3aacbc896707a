// Package analysis runs the detection engine over a complete recording and
// returns every event plus summary statistics. It is the offline counterpart
// of the live capture loop and shares the same engine, so both produce
// identical events for identical audio.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/turnkeeper/internal/engine"
	"github.com/MrWong99/turnkeeper/internal/observe"
	"github.com/MrWong99/turnkeeper/internal/sink"
	"github.com/MrWong99/turnkeeper/pkg/audio"
	"github.com/MrWong99/turnkeeper/pkg/events"
	"github.com/MrWong99/turnkeeper/pkg/provider/vad"
)

// Result is the outcome of one analysis run.
type Result struct {
	SessionID string
	Duration  time.Duration
	Frames    int
	Events    []events.Event
	Summary   events.Summary
}

// MarshalJSON renders the result as
// {"session_id", "duration_s", "events": [...], "summary": {...}}.
func (r Result) MarshalJSON() ([]byte, error) {
	evs := r.Events
	if evs == nil {
		evs = []events.Event{}
	}
	return json.Marshal(struct {
		SessionID string         `json:"session_id"`
		Duration  float64        `json:"duration_s"`
		Events    []events.Event `json:"events"`
		Summary   events.Summary `json:"summary"`
	}{
		SessionID: r.SessionID,
		Duration:  float64(r.Duration.Milliseconds()) / 1000,
		Events:    evs,
		Summary:   r.Summary,
	})
}

// Options tune a run. The zero value is usable.
type Options struct {
	// SessionID labels the run. Empty leaves it unset.
	SessionID string

	// Sink receives every event in addition to the result. May be nil.
	Sink events.Sink

	// OnFrame, if set, is called with the VAD result of every frame.
	OnFrame func(frame audio.AudioFrame, res vad.Result)

	// VAD replaces the default energy detector. May be nil.
	VAD vad.Engine

	// Metrics and Logger are handed to the engine.
	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Analyze drains src through a fresh engine configured by cfg, flushes at the
// end of the stream and returns the collected events. It stops early with
// ctx's error when ctx is cancelled.
func Analyze(ctx context.Context, src audio.Source, cfg engine.Config, opts Options) (Result, error) {
	ctx, span := observe.StartSessionSpan(ctx, "analysis.Analyze", opts.SessionID)
	defer span.End()

	rec := &sink.Recorder{}
	var out events.Sink = rec
	if opts.Sink != nil {
		out = sink.NewFanout(opts.Metrics,
			sink.Target{Name: "result", Sink: rec},
			sink.Target{Name: "output", Sink: opts.Sink},
		)
	}

	var engOpts []engine.Option
	if opts.VAD != nil {
		engOpts = append(engOpts, engine.WithVAD(opts.VAD))
	}
	if opts.Metrics != nil {
		engOpts = append(engOpts, engine.WithMetrics(opts.Metrics))
	}
	if opts.Logger != nil {
		engOpts = append(engOpts, engine.WithLogger(opts.Logger))
	}
	eng, err := engine.New(cfg, out, engOpts...)
	if err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("analysis: %w", err)
	}
	defer eng.Close()

	eng.StartSession(ctx, opts.SessionID)
	sampleRate := eng.Config().SampleRate

	var (
		frames int
		end    time.Duration
	)
	for {
		if frames%256 == 0 {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
		}
		frame, ok := src.NextFrame()
		if !ok {
			break
		}
		res := eng.ProcessFrame(ctx, frame)
		if opts.OnFrame != nil {
			opts.OnFrame(frame, res)
		}
		frames++
		end = max(end, frame.Timestamp+frame.Duration(sampleRate))
	}
	eng.Flush(ctx)
	eng.StopSession(ctx)

	// Decoded files know their exact length; the last frame may be padded.
	if d, ok := src.(interface{ Duration() time.Duration }); ok {
		end = d.Duration()
	}

	evs := rec.Events()
	r := Result{
		SessionID: opts.SessionID,
		Duration:  end,
		Frames:    frames,
		Events:    evs,
		Summary:   events.Summarize(evs),
	}
	span.SetAttributes(
		attribute.Int("frames", frames),
		attribute.Int("events", len(evs)),
	)
	return r, nil
}
