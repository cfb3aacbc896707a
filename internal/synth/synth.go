// Package synth builds synthetic mono test signals: silence, sine tones and
// seeded white noise placed at given offsets. It backs the detector tests and
// the calibration fixtures.
package synth

import (
	"math"
	"math/rand/v2"
	"time"
)

// Signal is a mono 16-bit buffer under construction. Methods add to the
// existing content and clip at full scale.
type Signal struct {
	rate    int
	samples []int16
}

// New returns length of silence at sampleRate.
func New(sampleRate int, length time.Duration) *Signal {
	n := int(int64(sampleRate) * int64(length) / int64(time.Second))
	return &Signal{rate: sampleRate, samples: make([]int16, n)}
}

// Tone adds a sine at freq Hz with peak amplitude amp (fraction of full
// scale) over [from, to).
func (s *Signal) Tone(freq, amp float64, from, to time.Duration) *Signal {
	lo, hi := s.span(from, to)
	for i := lo; i < hi; i++ {
		t := float64(i-lo) / float64(s.rate)
		s.add(i, amp*math.Sin(2*math.Pi*freq*t))
	}
	return s
}

// Noise adds uniform white noise of peak amplitude amp over [from, to). The
// same seed always yields the same samples.
func (s *Signal) Noise(amp float64, seed uint64, from, to time.Duration) *Signal {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	lo, hi := s.span(from, to)
	for i := lo; i < hi; i++ {
		s.add(i, amp*(2*rng.Float64()-1))
	}
	return s
}

// Samples returns the signal. The slice is shared with the Signal.
func (s *Signal) Samples() []int16 {
	return s.samples
}

// SampleRate returns the rate the signal was built for.
func (s *Signal) SampleRate() int {
	return s.rate
}

func (s *Signal) span(from, to time.Duration) (int, int) {
	lo := int(int64(s.rate) * int64(from) / int64(time.Second))
	hi := int(int64(s.rate) * int64(to) / int64(time.Second))
	return max(lo, 0), min(hi, len(s.samples))
}

func (s *Signal) add(i int, v float64) {
	x := float64(s.samples[i]) + v*32767
	s.samples[i] = int16(min(max(math.Round(x), -32768), 32767))
}

// Sine returns n samples of a sine at freq Hz and peak amplitude amp.
func Sine(freq, amp float64, sampleRate, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		v := amp * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)) * 32767
		out[i] = int16(math.Round(v))
	}
	return out
}
