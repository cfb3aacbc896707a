package audio

import (
	"sync/atomic"
)

// RingBuffer is a fixed-capacity circular buffer of int16 samples with
// single-producer/single-consumer discipline. It implements [Source].
//
// The write position is advanced only by the producer ([RingBuffer.Write]) and
// the read position only by the consumer ([RingBuffer.NextFrame]). Both are
// absolute, monotonically increasing sample counters; the slot for a sample is
// its position modulo capacity. No mutex is involved: the position counters
// are the only shared mutable state.
//
// When the producer laps the consumer the oldest unread audio is lost. The
// consumer detects this, skips forward to the oldest sample still held and
// counts the gap in [RingBuffer.Dropped]. A frame copied while the producer
// was overwriting it is discarded and re-read, so sample order is never
// corrupted.
type RingBuffer struct {
	data       []int16
	capacity   uint64
	frameSize  int
	sampleRate int

	writePos atomic.Uint64 // producer-owned, published after the copy
	claimPos atomic.Uint64 // producer-owned, published before the copy
	readPos  atomic.Uint64 // consumer-owned
	dropped  atomic.Uint64 // consumer-owned

	// frame is the consumer's scratch buffer returned by NextFrame.
	frame []int16
}

// NewRingBuffer creates a ring buffer holding durationMs of audio at
// sampleRate and serving frames of frameMs. Capacity is rounded up to a whole
// number of frames and is never smaller than two frames.
func NewRingBuffer(sampleRate, frameMs, durationMs int) *RingBuffer {
	frameSize := FrameSamples(sampleRate, frameMs)
	if frameSize <= 0 {
		frameSize = 1
	}
	capacity := sampleRate * durationMs / 1000
	if rem := capacity % frameSize; rem != 0 {
		capacity += frameSize - rem
	}
	if capacity < 2*frameSize {
		capacity = 2 * frameSize
	}
	return &RingBuffer{
		data:       make([]int16, capacity),
		capacity:   uint64(capacity),
		frameSize:  frameSize,
		sampleRate: sampleRate,
		frame:      make([]int16, frameSize),
	}
}

// Write appends samples. It never blocks: if the buffer is full the oldest
// unread samples are overwritten. Must only be called from the producer
// goroutine (e.g. a capture callback).
func (rb *RingBuffer) Write(samples []int16) {
	if len(samples) == 0 {
		return
	}
	// Only the newest capacity samples can survive this write.
	w := rb.writePos.Load()
	if uint64(len(samples)) > rb.capacity {
		skip := uint64(len(samples)) - rb.capacity
		samples = samples[skip:]
		w += skip
	}
	rb.claimPos.Store(w + uint64(len(samples)))
	for i, s := range samples {
		rb.data[(w+uint64(i))%rb.capacity] = s
	}
	rb.writePos.Store(w + uint64(len(samples)))
}

// WritePCM appends little-endian 16-bit PCM bytes. See [RingBuffer.Write].
func (rb *RingBuffer) WritePCM(pcm []byte) {
	rb.Write(BytesToSamples(pcm))
}

// NextFrame implements [Source]. Must only be called from the consumer
// goroutine. The returned Samples slice is reused by the next call.
func (rb *RingBuffer) NextFrame() (AudioFrame, bool) {
	fs := uint64(rb.frameSize)
	for {
		r := rb.readPos.Load()
		w := rb.writePos.Load()

		if w-r > rb.capacity {
			// Lapped: the oldest unread samples are gone.
			oldest := w - rb.capacity
			rb.dropped.Add(oldest - r)
			r = oldest
			rb.readPos.Store(r)
		}
		if w-r < fs {
			return AudioFrame{}, false
		}

		for i := uint64(0); i < fs; i++ {
			rb.frame[i] = rb.data[(r+i)%rb.capacity]
		}

		// If the producer wrote over the region we just copied, retry.
		if rb.claimPos.Load()-r > rb.capacity {
			continue
		}

		rb.readPos.Store(r + fs)
		return AudioFrame{
			Samples:   rb.frame,
			Timestamp: SampleTime(r, rb.sampleRate),
			Valid:     true,
		}, true
	}
}

// FramesAvailable implements [Source].
func (rb *RingBuffer) FramesAvailable() int {
	w := rb.writePos.Load()
	r := rb.readPos.Load()
	avail := w - r
	if avail > rb.capacity {
		avail = rb.capacity
	}
	return int(avail / uint64(rb.frameSize))
}

// Dropped returns the total number of samples lost to overflow.
func (rb *RingBuffer) Dropped() uint64 {
	return rb.dropped.Load()
}

// Capacity returns the buffer capacity in samples.
func (rb *RingBuffer) Capacity() int {
	return int(rb.capacity)
}

// FrameSize returns the number of samples per frame served by NextFrame.
func (rb *RingBuffer) FrameSize() int {
	return rb.frameSize
}

// SampleRate returns the sample rate the buffer was created for.
func (rb *RingBuffer) SampleRate() int {
	return rb.sampleRate
}

// Compile-time interface check.
var _ Source = (*RingBuffer)(nil)
