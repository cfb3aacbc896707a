package audio

import "time"

// AudioFrame is a fixed-length block of mono signed 16-bit PCM samples handed
// from a [Source] to the detection engine. Frames are the atomic unit of audio
// transport: one frame is consumed per processing step and no reference to
// Samples is retained after that step.
type AudioFrame struct {
	// Samples holds the PCM samples of this frame. The slice may alias a
	// buffer owned by the source; consumers must not keep it past the call
	// they received it in.
	Samples []int16

	// Timestamp is the offset of the first sample from the start of the
	// stream. Timestamps are monotonically non-decreasing within a session.
	Timestamp time.Duration

	// Valid is false for placeholder frames (e.g. a read that produced no
	// audio). Invalid frames are ignored by the VAD.
	Valid bool
}

// Duration returns the playback length of the frame at sampleRate.
func (f AudioFrame) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(sampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FrameSamples returns the number of samples in a frame of frameMs at
// sampleRate, e.g. 480 for 30 ms at 16 kHz.
func FrameSamples(sampleRate, frameMs int) int {
	return sampleRate * frameMs / 1000
}

// SampleTime converts an absolute sample index at sampleRate into a stream
// offset.
func SampleTime(index uint64, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	sec := index / uint64(sampleRate)
	rem := index % uint64(sampleRate)
	return time.Duration(sec)*time.Second + time.Duration(rem)*time.Second/time.Duration(sampleRate)
}
