// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session maintains its own internal state
// (hysteresis state, noise floor, segment arena) so that multiple concurrent
// audio streams can be processed independently.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// detection result, making it suitable for a cooperative per-frame processing
// loop. Finalized speech segments are popped with SessionHandle.Segment.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import (
	"time"

	"github.com/MrWong99/turnkeeper/pkg/audio"
)

// Threshold bounds. Configured thresholds outside this range are clamped.
const (
	MinThreshold = 0.001
	MaxThreshold = 1.0
)

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// frames passed to ProcessFrame. Typical: 16000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	// Typical: 30.
	FrameSizeMs int

	// Threshold is the normalized RMS energy (0–1 relative to full scale)
	// above which a frame counts as speech when Adaptive is false. Clamped to
	// [MinThreshold, MaxThreshold].
	Threshold float64

	// Adaptive replaces the fixed Threshold with a multiple of a noise floor
	// that is tracked while the stream is silent.
	Adaptive bool

	// MinSpeech is the shortest segment that is surfaced. Shorter segments are
	// discarded silently.
	MinSpeech time.Duration

	// Hangover is the grace period after speech stops before the segment is
	// finalized. Speech resuming within it continues the same segment.
	Hangover time.Duration

	// MaxSegment bounds the sample arena kept for a segment. Samples beyond it
	// are not retained, though the segment timing still covers them.
	MaxSegment time.Duration
}

// ClampThreshold limits v to [MinThreshold, MaxThreshold].
func ClampThreshold(v float64) float64 {
	return min(max(v, MinThreshold), MaxThreshold)
}

// SessionHandle represents an active VAD session for a single audio stream. It is
// an interface so that test code can supply mock implementations without a live
// engine. Each session maintains its own detection state; Reset clears this state
// without closing the session.
type SessionHandle interface {
	// ProcessFrame analyses a single audio frame and returns the detection
	// result. Empty or invalid frames report zero energy and leave the state
	// unchanged. It never blocks and never fails.
	ProcessFrame(frame audio.AudioFrame) Result

	// Segment pops the segment finalized by the most recent ProcessFrame, if
	// any. The returned Samples alias session-owned memory and are only valid
	// until the next ProcessFrame or Reset.
	Segment() (Segment, bool)

	// SilenceDuration returns how long the stream has been silent since the
	// last speech ended, measured on frame timestamps. It is zero while speech
	// (including hangover) is in progress and zero if no speech has been seen
	// since the last Reset.
	SilenceDuration() time.Duration

	// State returns the current hysteresis state.
	State() State

	// Threshold returns the effective energy threshold in use.
	Threshold() float64

	// Reset clears all accumulated detection state without closing the
	// session.
	Reset()

	// Close releases all resources associated with the session. After Close,
	// ProcessFrame is a no-op. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Flusher is implemented by sessions that can finalize an open segment at end
// of stream. Flush reports whether a segment became available via Segment.
type Flusher interface {
	Flush() bool
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration. The
	// session is immediately ready to accept audio frames.
	//
	// Returns an error if the configuration is structurally invalid (e.g. a
	// non-positive sample rate). Out-of-range thresholds are clamped, not
	// rejected.
	NewSession(cfg Config) (SessionHandle, error)
}
