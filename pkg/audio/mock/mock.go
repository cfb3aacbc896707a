// Package mock provides an in-memory mock implementation of [audio.Source]
// for use in unit tests.
//
// The mock is safe for concurrent use. It records every call so that tests can
// assert on call counts, and it exposes exported fields the test can set to
// control what frames are returned.
//
// Typical usage:
//
//	src := &mock.Source{}
//	src.Push(audio.AudioFrame{Samples: make([]int16, 480), Valid: true})
//	frame, ok := src.NextFrame()
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/turnkeeper/pkg/audio"
)

// Source is a mock implementation of [audio.Source] that replays queued frames
// in FIFO order. Set FrameDuration to have [Source.PushSamples] assign
// consecutive timestamps automatically.
type Source struct {
	mu sync.Mutex

	// FrameDuration is the timestamp step used by PushSamples.
	FrameDuration time.Duration

	queue []audio.AudioFrame
	next  time.Duration

	// CallCountNextFrame records how many times NextFrame was called.
	CallCountNextFrame int

	// CallCountFramesAvailable records how many times FramesAvailable was called.
	CallCountFramesAvailable int
}

// Push enqueues frames exactly as given.
func (s *Source) Push(frames ...audio.AudioFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, frames...)
}

// PushSamples enqueues a valid frame holding a copy of samples, stamped
// FrameDuration after the previous PushSamples frame.
func (s *Source) PushSamples(samples []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]int16, len(samples))
	copy(cp, samples)
	s.queue = append(s.queue, audio.AudioFrame{Samples: cp, Timestamp: s.next, Valid: true})
	s.next += s.FrameDuration
}

// NextFrame implements [audio.Source].
func (s *Source) NextFrame() (audio.AudioFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountNextFrame++
	if len(s.queue) == 0 {
		return audio.AudioFrame{}, false
	}
	f := s.queue[0]
	s.queue = s.queue[1:]
	return f, true
}

// FramesAvailable implements [audio.Source].
func (s *Source) FramesAvailable() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountFramesAvailable++
	return len(s.queue)
}

var _ audio.Source = (*Source)(nil)
