// Package events defines conversational turn events, their JSON wire form and
// the Sink interface the detection engine emits them to.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Type identifies the kind of conversational event.
type Type int

const (
	// Serve is a child-initiated speech segment.
	Serve Type = iota + 1

	// Return is an adult segment starting within the response threshold after
	// a serve.
	Return

	// MissedOpportunity is silence exceeding the missed threshold after a
	// serve with no qualifying return.
	MissedOpportunity
)

// String returns the wire name of the type.
func (t Type) String() string {
	switch t {
	case Serve:
		return "serve"
	case Return:
		return "return"
	case MissedOpportunity:
		return "missed_opportunity"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (t Type) MarshalText() ([]byte, error) {
	switch t {
	case Serve, Return, MissedOpportunity:
		return []byte(t.String()), nil
	default:
		return nil, fmt.Errorf("events: unknown event type %d", int(t))
	}
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (t *Type) UnmarshalText(b []byte) error {
	switch string(b) {
	case "serve":
		*t = Serve
	case "return":
		*t = Return
	case "missed_opportunity":
		*t = MissedOpportunity
	default:
		return fmt.Errorf("events: unknown event type %q", b)
	}
	return nil
}

// Event is an immutable conversational turn event.
//
// Timestamp is relative to the session start. PitchHz is set for events
// derived from a segment. ResponseLatency is only meaningful for Return and
// SilenceDuration only for MissedOpportunity.
type Event struct {
	Type            Type
	Timestamp       time.Duration
	Confidence      float64
	PitchHz         float64
	ResponseLatency time.Duration
	SilenceDuration time.Duration
}

// wireEvent is the JSON form. Floats are pre-rounded so the encoder prints
// them at fixed precision.
type wireEvent struct {
	Type            Type     `json:"type"`
	Timestamp       float64  `json:"timestamp"`
	Confidence      float64  `json:"confidence"`
	PitchHz         *float64 `json:"pitch_hz,omitempty"`
	ResponseLatency *float64 `json:"response_latency,omitempty"`
	SilenceDuration *float64 `json:"silence_duration,omitempty"`
}

// MarshalJSON renders the event with timestamp, confidence and durations in
// seconds at two decimals and pitch at one decimal. Optional fields are
// omitted when they do not apply to the event type.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		Type:       e.Type,
		Timestamp:  round(e.Timestamp.Seconds(), 2),
		Confidence: round(e.Confidence, 2),
	}
	if e.PitchHz > 0 {
		w.PitchHz = ptr(round(e.PitchHz, 1))
	}
	switch e.Type {
	case Return:
		w.ResponseLatency = ptr(round(e.ResponseLatency.Seconds(), 2))
	case MissedOpportunity:
		w.SilenceDuration = ptr(round(e.SilenceDuration.Seconds(), 2))
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses the wire form produced by MarshalJSON.
func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*e = Event{
		Type:       w.Type,
		Timestamp:  seconds(w.Timestamp),
		Confidence: w.Confidence,
	}
	if w.PitchHz != nil {
		e.PitchHz = *w.PitchHz
	}
	if w.ResponseLatency != nil {
		e.ResponseLatency = seconds(*w.ResponseLatency)
	}
	if w.SilenceDuration != nil {
		e.SilenceDuration = seconds(*w.SilenceDuration)
	}
	return nil
}

// String returns a compact human-readable description.
func (e Event) String() string {
	s := e.Type.String() + "@" + strconv.FormatFloat(e.Timestamp.Seconds(), 'f', 2, 64) + "s"
	switch e.Type {
	case Return:
		s += " latency=" + strconv.FormatFloat(e.ResponseLatency.Seconds(), 'f', 2, 64) + "s"
	case MissedOpportunity:
		s += " silence=" + strconv.FormatFloat(e.SilenceDuration.Seconds(), 'f', 2, 64) + "s"
	}
	if e.PitchHz > 0 {
		s += " pitch=" + strconv.FormatFloat(e.PitchHz, 'f', 1, 64) + "Hz"
	}
	return s
}

// Sink receives events from the engine. Emit must not block for long; a
// returned error is logged by the caller and the event is dropped.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, e Event) error

// Emit calls f(ctx, e).
func (f SinkFunc) Emit(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Discard is a Sink that drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}

func seconds(v float64) time.Duration {
	return time.Duration(math.Round(v * float64(time.Second)))
}

func ptr[T any](v T) *T { return &v }
