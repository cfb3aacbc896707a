// Package pitch estimates the fundamental frequency of voiced speech with the
// YIN algorithm and classifies the speaker as adult or child from it.
//
// An [Estimator] owns a fixed difference buffer sized at construction, so
// estimation never allocates. It is not safe for concurrent use; create one
// per processing goroutine.
package pitch

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// Speaker is the coarse speaker class derived from pitch.
type Speaker int

const (
	// SpeakerUnknown means no usable pitch was found.
	SpeakerUnknown Speaker = iota
	SpeakerAdult
	SpeakerChild
)

// String returns "unknown", "adult" or "child".
func (s Speaker) String() string {
	switch s {
	case SpeakerAdult:
		return "adult"
	case SpeakerChild:
		return "child"
	default:
		return "unknown"
	}
}

// Result is the outcome of one pitch estimate.
type Result struct {
	Valid      bool
	PitchHz    float64
	Confidence float64
	Speaker    Speaker
}

const (
	// MaxLag caps the largest lag examined, bounding the difference buffer.
	MaxLag = 1024

	// MaxEstimates caps the number of windows the robust estimator collects.
	MaxEstimates = 16

	// DefaultYINThreshold is the voicing threshold on the normalized
	// difference function.
	DefaultYINThreshold = 0.15

	// FallbackThreshold is the ceiling for accepting the global minimum when
	// no lag passes the voicing threshold.
	FallbackThreshold = 0.5

	// DefaultQuietRMS is the normalized RMS below which input is rejected.
	DefaultQuietRMS = 0.01

	DefaultMinHz            = 75.0
	DefaultMaxHz            = 500.0
	DefaultChildThresholdHz = 280.0
)

// ErrInvalidConfig is returned by NewEstimator for unusable configurations.
var ErrInvalidConfig = errors.New("pitch: invalid config")

// Config controls an Estimator. Zero fields take the defaults above.
type Config struct {
	SampleRate       int
	MinHz            float64
	MaxHz            float64
	ChildThresholdHz float64
	YINThreshold     float64
	QuietRMS         float64
}

func (c Config) withDefaults() Config {
	if c.MinHz == 0 {
		c.MinHz = DefaultMinHz
	}
	if c.MaxHz == 0 {
		c.MaxHz = DefaultMaxHz
	}
	if c.ChildThresholdHz == 0 {
		c.ChildThresholdHz = DefaultChildThresholdHz
	}
	if c.YINThreshold == 0 {
		c.YINThreshold = DefaultYINThreshold
	}
	if c.QuietRMS == 0 {
		c.QuietRMS = DefaultQuietRMS
	}
	return c
}

// Estimator runs single-window and windowed-median YIN estimates.
type Estimator struct {
	cfg    Config
	tauMin int
	tauMax int
	window int

	diff    []float64
	pitches [MaxEstimates]float64
}

// NewEstimator validates cfg and allocates the difference buffer.
func NewEstimator(cfg Config) (*Estimator, error) {
	cfg = cfg.withDefaults()
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate %d", ErrInvalidConfig, cfg.SampleRate)
	}
	if cfg.MinHz <= 0 || cfg.MaxHz <= cfg.MinHz {
		return nil, fmt.Errorf("%w: pitch range %.1f-%.1f Hz", ErrInvalidConfig, cfg.MinHz, cfg.MaxHz)
	}
	tauMin := max(int(float64(cfg.SampleRate)/cfg.MaxHz), 2)
	tauMax := min(int(float64(cfg.SampleRate)/cfg.MinHz), MaxLag)
	if tauMax-tauMin < 3 {
		return nil, fmt.Errorf("%w: lag range %d-%d too narrow at %d Hz", ErrInvalidConfig, tauMin, tauMax, cfg.SampleRate)
	}
	// 50 ms windows, but never shorter than two periods of the lowest pitch.
	window := max(cfg.SampleRate/20, 2*tauMax)

	return &Estimator{
		cfg:    cfg,
		tauMin: tauMin,
		tauMax: tauMax,
		window: window,
		diff:   make([]float64, tauMax),
	}, nil
}

// Window returns the number of samples analysed per robust window.
func (e *Estimator) Window() int { return e.window }

// LagRange returns the lag bounds in samples as a half-open range: lags in
// [tauMin, tauMax) are scored, so tauMax (sampleRate/MinHz) itself never is.
func (e *Estimator) LagRange() (tauMin, tauMax int) { return e.tauMin, e.tauMax }

// Classify maps a pitch to a speaker class using the configured threshold.
func (e *Estimator) Classify(hz float64) Speaker {
	return Classify(hz, e.cfg.ChildThresholdHz)
}

// Classify maps hz to SpeakerChild at or above childThresholdHz, SpeakerAdult
// below it and SpeakerUnknown for non-positive values.
func Classify(hz, childThresholdHz float64) Speaker {
	switch {
	case hz <= 0 || math.IsNaN(hz):
		return SpeakerUnknown
	case hz >= childThresholdHz:
		return SpeakerChild
	default:
		return SpeakerAdult
	}
}

// Estimate runs YIN over the whole block. Blocks shorter than two maximum
// lags, or quieter than the quiet floor, yield an invalid result.
func (e *Estimator) Estimate(samples []int16) Result {
	if len(samples) < 2*e.tauMax {
		return Result{}
	}
	if rms(samples) < e.cfg.QuietRMS {
		return Result{}
	}

	e.difference(samples)
	e.cumulativeMean()
	tau := e.absoluteThreshold()
	if tau < 0 {
		return Result{}
	}
	refined := e.parabolic(tau)
	if refined <= 0 {
		return Result{}
	}
	hz := float64(e.cfg.SampleRate) / refined
	return Result{
		Valid:      true,
		PitchHz:    hz,
		Confidence: 1 - e.diff[tau],
		Speaker:    e.Classify(hz),
	}
}

// EstimateRobust runs Estimate over half-overlapping windows and returns the
// median of the estimates that fall strictly inside the pitch range.
// Confidence grows with the number of agreeing windows and saturates at 8.
func (e *Estimator) EstimateRobust(samples []int16) Result {
	hop := e.window / 2
	n := 0
	for i := 0; i+e.window <= len(samples) && n < MaxEstimates; i += hop {
		r := e.Estimate(samples[i : i+e.window])
		if r.Valid && r.PitchHz > e.cfg.MinHz && r.PitchHz < e.cfg.MaxHz {
			e.pitches[n] = r.PitchHz
			n++
		}
	}
	if n == 0 {
		return Result{}
	}
	found := e.pitches[:n]
	slices.Sort(found)
	hz := found[n/2]
	return Result{
		Valid:      true,
		PitchHz:    hz,
		Confidence: min(float64(n)/8, 1),
		Speaker:    e.Classify(hz),
	}
}

// EstimateSegment picks the robust estimate for segments longer than one
// window and the single-window estimate otherwise.
func (e *Estimator) EstimateSegment(samples []int16) Result {
	if len(samples) > e.window {
		return e.EstimateRobust(samples)
	}
	return e.Estimate(samples)
}

func rms(samples []int16) float64 {
	var sum float64
	for _, v := range samples {
		f := float64(v)
		sum += f * f
	}
	return math.Sqrt(sum/float64(len(samples))) / 32768.0
}

// difference fills d(tau) = sum_j (x[j] - x[j+tau])^2 for tau in [1, tauMax).
func (e *Estimator) difference(x []int16) {
	length := len(x) - e.tauMax
	e.diff[0] = 0
	for tau := 1; tau < e.tauMax; tau++ {
		var sum float64
		for j := range length {
			d := float64(x[j]) - float64(x[j+tau])
			sum += d * d
		}
		e.diff[tau] = sum
	}
}

// cumulativeMean turns d into d'(tau) = d(tau) * tau / sum_{k<=tau} d(k).
func (e *Estimator) cumulativeMean() {
	e.diff[0] = 1
	var running float64
	for tau := 1; tau < e.tauMax; tau++ {
		running += e.diff[tau]
		if running > 0 {
			e.diff[tau] = e.diff[tau] * float64(tau) / running
		} else {
			e.diff[tau] = 1
		}
	}
}

// absoluteThreshold returns the first local minimum below the voicing
// threshold, else the global minimum if it is below FallbackThreshold, else -1.
func (e *Estimator) absoluteThreshold() int {
	d := e.diff
	for tau := e.tauMin; tau < e.tauMax-1; tau++ {
		if d[tau] < e.cfg.YINThreshold && d[tau] < d[tau-1] && d[tau] <= d[tau+1] {
			return tau
		}
	}
	best := e.tauMin
	for tau := e.tauMin + 1; tau < e.tauMax; tau++ {
		if d[tau] < d[best] {
			best = tau
		}
	}
	if d[best] < FallbackThreshold {
		return best
	}
	return -1
}

func (e *Estimator) parabolic(tau int) float64 {
	if tau <= 0 || tau >= e.tauMax-1 {
		return float64(tau)
	}
	s0, s1, s2 := e.diff[tau-1], e.diff[tau], e.diff[tau+1]
	return float64(tau) + (s2-s0)/(2*(2*s1-s2-s0+1e-10))
}
