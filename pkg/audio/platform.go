// Package audio defines the audio frame type and the Frame Source contract
// consumed by the turnkeeper detection engine.
//
// The primary abstraction is [Source]: a non-blocking supplier of fixed-length
// [AudioFrame] values at a fixed sample rate. Two implementations ship here:
//
//   - [RingBuffer]: a single-producer/single-consumer circular buffer fed by
//     a live capture callback (see audio/capture). On overflow the oldest
//     unread audio is dropped; the producer never blocks.
//   - [FileSource]: a decoded WAV file served frame by frame for offline
//     analysis.
//
// This package lives under pkg/ because external code (other capture
// backends, network receivers) is expected to implement [Source].
package audio

// Source supplies fixed-length audio frames to the engine.
//
// Implementations must never block: when no complete frame is buffered,
// NextFrame returns ok == false immediately and the caller skips the tick.
// Timestamps are monotonically non-decreasing for the lifetime of the source.
// Sample rate and frame size are fixed for the lifetime of the source.
type Source interface {
	// NextFrame returns the next unread frame, or ok == false when no complete
	// frame is available. The returned Samples slice is only valid until the
	// next call to NextFrame.
	NextFrame() (frame AudioFrame, ok bool)

	// FramesAvailable reports how many complete frames can currently be read
	// without waiting.
	FramesAvailable() int
}

// Drain reads every available frame from src and discards it. It returns the
// number of frames discarded. Use it to keep a live buffer warm while no
// session is active.
func Drain(src Source) int {
	n := 0
	for {
		if _, ok := src.NextFrame(); !ok {
			return n
		}
		n++
	}
}
