// Package energy implements a [vad.Engine] that classifies frames by
// normalized RMS energy and zero-crossing rate, with a three-state hysteresis
// (SILENCE, SPEECH, HANGOVER) and an optional adaptive noise floor.
//
// All per-session memory is allocated in NewSession: the segment sample arena
// is sized from Config.MaxSegment and never grows.
package energy

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/MrWong99/turnkeeper/pkg/audio"
	"github.com/MrWong99/turnkeeper/pkg/provider/vad"
)

// Tuning constants for the detector.
const (
	// NoiseAlpha is the decay factor of the noise floor moving average.
	NoiseAlpha = 0.995

	// NoiseFloorMin and NoiseFloorMax bound the tracked noise floor.
	NoiseFloorMin = 0.001
	NoiseFloorMax = 0.1

	// InitialNoiseFloor is the noise floor after Reset.
	InitialNoiseFloor = 0.01

	// AdaptiveMultiplier scales the noise floor into the effective threshold.
	AdaptiveMultiplier = 3.0

	// ZCRLow and ZCRHigh bound the zero-crossing band typical of speech.
	// Frames outside it need SuspiciousZCRFactor times the threshold.
	ZCRLow              = 0.05
	ZCRHigh             = 0.5
	SuspiciousZCRFactor = 1.5

	// DefaultThreshold is used when Config.Threshold is zero.
	DefaultThreshold = 0.02

	// DefaultMaxSegment is used when Config.MaxSegment is zero.
	DefaultMaxSegment = 10 * time.Second
)

// ErrInvalidConfig is returned by NewSession for structurally invalid configs.
var ErrInvalidConfig = errors.New("energy: invalid config")

// Engine creates energy-based VAD sessions. The zero value is ready to use.
type Engine struct{}

// New returns an energy VAD engine.
func New() *Engine {
	return &Engine{}
}

// NewSession implements [vad.Engine].
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	return NewSession(cfg)
}

var _ vad.Engine = (*Engine)(nil)

// Session is a single-stream energy VAD. It is not safe for concurrent use.
type Session struct {
	sampleRate int
	threshold  float64
	adaptive   bool
	minSpeech  time.Duration
	hangover   time.Duration
	noiseFloor float64

	state      vad.State
	stateStart time.Duration
	segStart   time.Duration
	segEnd     time.Duration
	lastEnd    time.Duration
	lastNow    time.Duration
	lastTail   time.Duration
	spoken     bool

	energySum   float64
	energyCount int

	// arena holds segment audio; committed marks the end of the last speech
	// frame so trailing hangover audio can be cut off.
	arena     []int16
	written   int
	committed int

	pending vad.Segment
	ready   bool
	closed  bool
}

// NewSession creates a session directly without going through an Engine.
func NewSession(cfg vad.Config) (*Session, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d", ErrInvalidConfig, cfg.SampleRate)
	}
	if cfg.MinSpeech < 0 || cfg.Hangover < 0 || cfg.MaxSegment < 0 {
		return nil, fmt.Errorf("%w: negative duration", ErrInvalidConfig)
	}
	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	maxSeg := cfg.MaxSegment
	if maxSeg == 0 {
		maxSeg = DefaultMaxSegment
	}
	arenaLen := int(int64(cfg.SampleRate) * int64(maxSeg) / int64(time.Second))

	s := &Session{
		sampleRate: cfg.SampleRate,
		threshold:  vad.ClampThreshold(threshold),
		adaptive:   cfg.Adaptive,
		minSpeech:  cfg.MinSpeech,
		hangover:   cfg.Hangover,
		arena:      make([]int16, arenaLen),
	}
	s.Reset()
	return s, nil
}

// Energy returns the RMS of samples normalized to full scale (0–1).
func Energy(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		f := float64(v)
		sum += f * f
	}
	return math.Sqrt(sum/float64(len(samples))) / 32768.0
}

// ZeroCrossingRate returns the fraction of adjacent sample pairs whose sign
// differs. Zero counts as positive.
func ZeroCrossingRate(samples []int16) float64 {
	if len(samples) < 2 {
		return 0
	}
	crossings := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i] >= 0) != (samples[i-1] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}

// Threshold implements [vad.SessionHandle].
func (s *Session) Threshold() float64 {
	if s.adaptive {
		return s.noiseFloor * AdaptiveMultiplier
	}
	return s.threshold
}

// SetThreshold changes the fixed threshold, clamped to the valid range.
func (s *Session) SetThreshold(v float64) {
	s.threshold = vad.ClampThreshold(v)
}

// NoiseFloor returns the tracked noise floor.
func (s *Session) NoiseFloor() float64 {
	return s.noiseFloor
}

// State implements [vad.SessionHandle].
func (s *Session) State() vad.State {
	return s.state
}

// ProcessFrame implements [vad.SessionHandle].
func (s *Session) ProcessFrame(frame audio.AudioFrame) vad.Result {
	s.ready = false
	res := vad.Result{Threshold: s.Threshold(), State: s.state}
	if s.closed || !frame.Valid || len(frame.Samples) == 0 {
		res.IsSpeech = s.state != vad.StateSilence
		return res
	}

	now := frame.Timestamp
	s.lastNow = now
	s.lastTail = now + frame.Duration(s.sampleRate)
	energy := Energy(frame.Samples)
	zcr := ZeroCrossingRate(frame.Samples)
	res.Energy = energy
	res.ZCR = zcr

	if s.adaptive && s.state == vad.StateSilence {
		s.noiseFloor = min(max(NoiseAlpha*s.noiseFloor+(1-NoiseAlpha)*energy, NoiseFloorMin), NoiseFloorMax)
	}

	threshold := s.Threshold()
	speech := energy > threshold
	if speech && (zcr < ZCRLow || zcr > ZCRHigh) {
		speech = energy > threshold*SuspiciousZCRFactor
	}

	switch s.state {
	case vad.StateSilence:
		if speech {
			s.enter(vad.StateSpeech, now)
			s.segStart = now
			s.energySum, s.energyCount = 0, 0
			s.written, s.committed = 0, 0
			s.accumulate(frame.Samples, energy)
		}
	case vad.StateSpeech:
		if speech {
			s.accumulate(frame.Samples, energy)
		} else {
			s.segEnd = now
			s.enter(vad.StateHangover, now)
			s.store(frame.Samples)
		}
	case vad.StateHangover:
		switch {
		case speech:
			s.enter(vad.StateSpeech, now)
			s.accumulate(frame.Samples, energy)
		case now-s.stateStart > s.hangover:
			s.enter(vad.StateSilence, now)
			s.finalize()
		default:
			s.store(frame.Samples)
		}
	}

	res.State = s.state
	res.Threshold = threshold
	res.IsSpeech = s.state != vad.StateSilence
	if res.IsSpeech {
		res.SpeechStart = s.segStart
		res.SpeechDuration = now - s.segStart
	}
	return res
}

// Segment implements [vad.SessionHandle].
func (s *Session) Segment() (vad.Segment, bool) {
	if !s.ready {
		return vad.Segment{}, false
	}
	s.ready = false
	return s.pending, true
}

// SilenceDuration implements [vad.SessionHandle].
func (s *Session) SilenceDuration() time.Duration {
	if s.state != vad.StateSilence || !s.spoken {
		return 0
	}
	return max(s.lastNow-s.lastEnd, 0)
}

// Flush implements [vad.Flusher]. An open segment is finalized as if the
// stream had gone silent right after the last processed frame.
func (s *Session) Flush() bool {
	switch s.state {
	case vad.StateSpeech:
		s.segEnd = s.lastTail
	case vad.StateHangover:
	default:
		return false
	}
	s.enter(vad.StateSilence, s.lastNow)
	s.finalize()
	return s.ready
}

// Reset implements [vad.SessionHandle].
func (s *Session) Reset() {
	s.state = vad.StateSilence
	s.stateStart = 0
	s.segStart, s.segEnd, s.lastEnd, s.lastNow, s.lastTail = 0, 0, 0, 0, 0
	s.spoken = false
	s.energySum, s.energyCount = 0, 0
	s.written, s.committed = 0, 0
	s.noiseFloor = InitialNoiseFloor
	s.pending = vad.Segment{}
	s.ready = false
}

// Close implements [vad.SessionHandle].
func (s *Session) Close() error {
	s.closed = true
	return nil
}

func (s *Session) enter(state vad.State, now time.Duration) {
	s.state = state
	s.stateStart = now
}

func (s *Session) accumulate(samples []int16, energy float64) {
	s.energySum += energy
	s.energyCount++
	s.store(samples)
	s.committed = s.written
}

func (s *Session) store(samples []int16) {
	s.written += copy(s.arena[s.written:], samples)
}

func (s *Session) finalize() {
	s.lastEnd = s.segEnd
	s.spoken = true

	dur := s.segEnd - s.segStart
	if dur < s.minSpeech {
		return
	}
	avg := 0.0
	if s.energyCount > 0 {
		avg = s.energySum / float64(s.energyCount)
	}
	s.pending = vad.Segment{
		Start:     s.segStart,
		End:       s.segEnd,
		Duration:  dur,
		AvgEnergy: avg,
		Samples:   s.arena[:s.committed],
	}
	s.ready = true
}

var (
	_ vad.SessionHandle = (*Session)(nil)
	_ vad.Flusher       = (*Session)(nil)
)
