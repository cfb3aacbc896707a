// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config.
// Use Session to script per-frame results and segments and inspect the frames
// that were submitted for processing.
//
// Example:
//
//	sess := &mock.Session{
//	    Results: []vad.Result{{IsSpeech: true, State: vad.StateSpeech}},
//	}
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(cfg)
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/turnkeeper/pkg/audio"
	"github.com/MrWong99/turnkeeper/pkg/provider/vad"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	// Cfg is the Config passed to NewSession.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by NewSession. If nil, NewSession
	// returns a new default Session.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Reset clears all recorded calls. Thread-safe.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = nil
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle.
//
// ProcessFrame returns Results in order, repeating the last one once they run
// out (or the zero Result if Results is empty). Segments keyed by the frame
// timestamp are handed out by Segment right after that frame is processed.
type Session struct {
	mu sync.Mutex

	// Results are returned by successive ProcessFrame calls.
	Results []vad.Result

	// Segments maps a frame timestamp to the segment finalized by that frame.
	Segments map[time.Duration]vad.Segment

	// Silence is returned by SilenceDuration.
	Silence time.Duration

	// ThresholdValue is returned by Threshold.
	ThresholdValue float64

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// Frames records the timestamp of every frame passed to ProcessFrame.
	Frames []time.Duration

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	last    vad.Result
	pending *vad.Segment
}

// ProcessFrame records the call and returns the next scripted result.
func (s *Session) ProcessFrame(frame audio.AudioFrame) vad.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames = append(s.Frames, frame.Timestamp)
	if len(s.Results) > 0 {
		s.last = s.Results[0]
		s.Results = s.Results[1:]
	}
	s.pending = nil
	if seg, ok := s.Segments[frame.Timestamp]; ok {
		s.pending = &seg
	}
	return s.last
}

// Segment returns the segment scripted for the last processed frame, once.
func (s *Session) Segment() (vad.Segment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return vad.Segment{}, false
	}
	seg := *s.pending
	s.pending = nil
	return seg, true
}

// SilenceDuration returns Silence.
func (s *Session) SilenceDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Silence
}

// State returns the state of the last returned result.
func (s *Session) State() vad.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last.State
}

// Threshold returns ThresholdValue.
func (s *Session) Threshold() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ThresholdValue
}

// Reset records the call by incrementing ResetCallCount.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
	s.pending = nil
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// ResetCalls clears all recorded call history. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames = nil
	s.ResetCallCount = 0
	s.CloseCallCount = 0
}

// Ensure Session implements vad.SessionHandle at compile time.
var _ vad.SessionHandle = (*Session)(nil)
