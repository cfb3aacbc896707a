// Package turn implements the conversational turn state machine. It judges
// each finalized speech segment as it arrives and watches the silence after a
// child serve, producing serve, return and missed-opportunity events.
//
// The detector keeps no queue: its only memory between segments is whether it
// is waiting for a response and when the last child segment ended.
package turn

import (
	"time"

	"github.com/MrWong99/turnkeeper/pkg/events"
	"github.com/MrWong99/turnkeeper/pkg/pitch"
	"github.com/MrWong99/turnkeeper/pkg/provider/vad"
)

// Default thresholds.
const (
	DefaultResponseThreshold = 3 * time.Second
	DefaultMissedThreshold   = 5 * time.Second
)

// Config holds the detector timing thresholds.
type Config struct {
	// ResponseThreshold is the longest gap between the end of a child segment
	// and the start of an adult segment that still counts as a return.
	ResponseThreshold time.Duration

	// MissedThreshold is the silence after a serve that counts as a missed
	// opportunity.
	MissedThreshold time.Duration
}

// Detector is the turn state machine. It is not safe for concurrent use.
type Detector struct {
	cfg Config

	waiting   bool
	childEnd  time.Duration
	serveConf float64
}

// New returns a Detector in the idle state. Zero thresholds take defaults.
func New(cfg Config) *Detector {
	if cfg.ResponseThreshold <= 0 {
		cfg.ResponseThreshold = DefaultResponseThreshold
	}
	if cfg.MissedThreshold <= 0 {
		cfg.MissedThreshold = DefaultMissedThreshold
	}
	return &Detector{cfg: cfg}
}

// Config returns the effective thresholds.
func (d *Detector) Config() Config { return d.cfg }

// Waiting reports whether a serve is awaiting a response.
func (d *Detector) Waiting() bool { return d.waiting }

// Reset returns the detector to idle.
func (d *Detector) Reset() {
	d.waiting = false
	d.childEnd = 0
	d.serveConf = 0
}

// OnSegment judges one finalized segment. Segment times are stream offsets;
// origin is the stream offset of the session start and is subtracted from
// every event timestamp.
//
// A child segment always produces a Serve and (re)arms the wait. An adult
// segment ends a pending wait, producing a Return only when it started within
// the response threshold. Adult segments while idle and segments of unknown
// speakers produce nothing.
func (d *Detector) OnSegment(seg vad.Segment, p pitch.Result, origin time.Duration) (events.Event, bool) {
	switch p.Speaker {
	case pitch.SpeakerChild:
		d.waiting = true
		d.childEnd = seg.End
		d.serveConf = p.Confidence
		return events.Event{
			Type:       events.Serve,
			Timestamp:  seg.End - origin,
			Confidence: p.Confidence,
			PitchHz:    p.PitchHz,
		}, true

	case pitch.SpeakerAdult:
		if !d.waiting {
			return events.Event{}, false
		}
		d.waiting = false
		latency := seg.Start - d.childEnd
		if latency > d.cfg.ResponseThreshold {
			return events.Event{}, false
		}
		return events.Event{
			Type:            events.Return,
			Timestamp:       seg.Start - origin,
			Confidence:      p.Confidence,
			PitchHz:         p.PitchHz,
			ResponseLatency: latency,
		}, true
	}
	return events.Event{}, false
}

// CheckSilence is called on every processed frame with the current stream
// offset and the silence reported by the VAD. While waiting, silence at or
// beyond the missed threshold produces one MissedOpportunity and clears the
// wait.
func (d *Detector) CheckSilence(now, silence, origin time.Duration) (events.Event, bool) {
	if !d.waiting || silence < d.cfg.MissedThreshold {
		return events.Event{}, false
	}
	d.waiting = false
	return events.Event{
		Type:            events.MissedOpportunity,
		Timestamp:       now - origin,
		Confidence:      d.serveConf,
		SilenceDuration: silence,
	}, true
}
