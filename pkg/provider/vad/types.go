package vad

import "time"

// State enumerates the hysteresis states of a VAD session.
type State int

const (
	// StateSilence means no speech is in progress.
	StateSilence State = iota

	// StateSpeech means the current frame is speech.
	StateSpeech

	// StateHangover means speech stopped recently; the segment stays open
	// until the hangover period expires.
	StateHangover
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateSilence:
		return "SILENCE"
	case StateSpeech:
		return "SPEECH"
	case StateHangover:
		return "HANGOVER"
	default:
		return "UNKNOWN"
	}
}

// Result is the detection result for a single frame.
type Result struct {
	// IsSpeech is true in both StateSpeech and StateHangover.
	IsSpeech bool

	// Energy is the normalized RMS energy of the frame (0–1).
	Energy float64

	// ZCR is the fraction of adjacent sample pairs that change sign.
	ZCR float64

	// Threshold is the effective energy threshold applied to this frame.
	Threshold float64

	// State is the state after processing the frame.
	State State

	// SpeechStart is the timestamp of the open segment. Zero when silent.
	SpeechStart time.Duration

	// SpeechDuration is how long the open segment has run so far.
	SpeechDuration time.Duration
}

// Segment is a finalized run of speech.
type Segment struct {
	// Start is the timestamp of the first speech frame.
	Start time.Duration

	// End is the timestamp at which speech stopped, i.e. the start of the
	// hangover that finalized the segment.
	End time.Duration

	// Duration is End - Start.
	Duration time.Duration

	// AvgEnergy is the mean normalized energy over the segment's frames.
	AvgEnergy float64

	// Samples holds the segment audio, capped by Config.MaxSegment. Trailing
	// hangover audio is not included.
	Samples []int16
}
