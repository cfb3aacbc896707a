package energy_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/turnkeeper/internal/synth"
	"github.com/MrWong99/turnkeeper/pkg/audio"
	"github.com/MrWong99/turnkeeper/pkg/provider/vad"
	"github.com/MrWong99/turnkeeper/pkg/provider/vad/energy"
)

const rate = 16000

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func defaultConfig() vad.Config {
	return vad.Config{
		SampleRate:  rate,
		FrameSizeMs: 30,
		Threshold:   0.02,
		MinSpeech:   100 * time.Millisecond,
		Hangover:    200 * time.Millisecond,
		MaxSegment:  10 * time.Second,
	}
}

func newSession(t *testing.T, cfg vad.Config) *energy.Session {
	t.Helper()
	s, err := energy.NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

// segmentCopy is a Segment whose samples have been copied out of the arena.
type segmentCopy struct {
	vad.Segment
	at time.Duration
}

// feed runs every frame of samples through s and collects the segments in
// the order they were finalized.
func feed(s *energy.Session, samples []int16) []segmentCopy {
	src := audio.NewSampleSource(samples, rate, 30)
	var out []segmentCopy
	for {
		f, ok := src.NextFrame()
		if !ok {
			return out
		}
		s.ProcessFrame(f)
		if seg, ok := s.Segment(); ok {
			cp := seg
			cp.Samples = append([]int16(nil), seg.Samples...)
			out = append(out, segmentCopy{Segment: cp, at: f.Timestamp})
		}
	}
}

func TestEnergy(t *testing.T) {
	t.Parallel()
	if got := energy.Energy(nil); got != 0 {
		t.Errorf("Energy(nil) = %v, want 0", got)
	}
	full := []int16{32767, -32768, 32767, -32768}
	if got := energy.Energy(full); math.Abs(got-1) > 1e-4 {
		t.Errorf("Energy(full scale) = %v, want ~1", got)
	}
	sine := synth.Sine(440, 0.5, rate, rate)
	if got := energy.Energy(sine); math.Abs(got-0.5/math.Sqrt2) > 1e-3 {
		t.Errorf("Energy(sine 0.5) = %v, want %v", got, 0.5/math.Sqrt2)
	}
}

func TestZeroCrossingRate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		samples []int16
		want    float64
	}{
		{name: "empty", samples: nil, want: 0},
		{name: "single", samples: []int16{5}, want: 0},
		{name: "alternating", samples: []int16{1, -1, 1, -1, 1}, want: 1},
		{name: "constant", samples: []int16{3, 3, 3}, want: 0},
		{name: "zero counts as positive", samples: []int16{0, -1, 0}, want: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := energy.ZeroCrossingRate(tc.samples); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestNewSession_Invalid(t *testing.T) {
	t.Parallel()
	cfg := defaultConfig()
	cfg.SampleRate = 0
	if _, err := energy.NewSession(cfg); !errors.Is(err, energy.ErrInvalidConfig) {
		t.Errorf("got %v, want ErrInvalidConfig", err)
	}
	cfg = defaultConfig()
	cfg.Hangover = -time.Second
	if _, err := energy.New().NewSession(cfg); !errors.Is(err, energy.ErrInvalidConfig) {
		t.Errorf("got %v, want ErrInvalidConfig", err)
	}
}

func TestThresholdClamped(t *testing.T) {
	t.Parallel()
	cfg := defaultConfig()
	cfg.Threshold = 5
	s := newSession(t, cfg)
	if got := s.Threshold(); got != vad.MaxThreshold {
		t.Errorf("Threshold = %v, want %v", got, vad.MaxThreshold)
	}
	s.SetThreshold(1e-6)
	if got := s.Threshold(); got != vad.MinThreshold {
		t.Errorf("Threshold = %v, want %v", got, vad.MinThreshold)
	}
}

func TestSilenceNeverLeavesSilence(t *testing.T) {
	t.Parallel()
	for _, adaptive := range []bool{false, true} {
		cfg := defaultConfig()
		cfg.Adaptive = adaptive
		s := newSession(t, cfg)
		src := audio.NewSampleSource(make([]int16, rate*5), rate, 30)
		for {
			f, ok := src.NextFrame()
			if !ok {
				break
			}
			res := s.ProcessFrame(f)
			if res.IsSpeech || res.State != vad.StateSilence {
				t.Fatalf("adaptive=%v: left SILENCE at %v", adaptive, f.Timestamp)
			}
			if _, ok := s.Segment(); ok {
				t.Fatalf("adaptive=%v: segment produced from silence", adaptive)
			}
		}
		if got := s.SilenceDuration(); got != 0 {
			t.Errorf("adaptive=%v: SilenceDuration with no prior speech = %v, want 0", adaptive, got)
		}
	}
}

func TestToneSegmentTiming(t *testing.T) {
	t.Parallel()
	s := newSession(t, defaultConfig())
	sig := synth.New(rate, 3*time.Second).Tone(300, 0.5, time.Second, 2*time.Second)

	segs := feed(s, sig.Samples())
	if len(segs) != 1 {
		t.Fatalf("segments: got %d, want 1", len(segs))
	}
	seg := segs[0]
	if seg.Start != ms(990) || seg.End != ms(2010) {
		t.Errorf("segment = [%v, %v], want [990ms, 2010ms]", seg.Start, seg.End)
	}
	if seg.Duration != seg.End-seg.Start {
		t.Errorf("Duration = %v, want %v", seg.Duration, seg.End-seg.Start)
	}
	if seg.at != ms(2220) {
		t.Errorf("finalized at %v, want 2220ms (hangover expiry)", seg.at)
	}
	if want := 34 * 480; len(seg.Samples) != want {
		t.Errorf("samples = %d, want %d (hangover audio excluded)", len(seg.Samples), want)
	}
	if seg.AvgEnergy <= 0.2 {
		t.Errorf("AvgEnergy = %v, want > 0.2", seg.AvgEnergy)
	}
	// Last processed frame starts at 2970ms.
	if got := s.SilenceDuration(); got != ms(2970-2010) {
		t.Errorf("SilenceDuration = %v, want %v", got, ms(960))
	}
}

func TestShortBurstDiscarded(t *testing.T) {
	t.Parallel()
	s := newSession(t, defaultConfig())
	// 60 ms of loud tone is below the 100 ms minimum.
	sig := synth.New(rate, 2*time.Second).Tone(1000, 0.8, ms(300), ms(360))
	if segs := feed(s, sig.Samples()); len(segs) != 0 {
		t.Fatalf("segments: got %d, want 0", len(segs))
	}
	if s.State() != vad.StateSilence {
		t.Errorf("State = %v, want SILENCE", s.State())
	}
}

func TestHangoverBridgesGap(t *testing.T) {
	t.Parallel()
	s := newSession(t, defaultConfig())
	sig := synth.New(rate, 3*time.Second).
		Tone(300, 0.5, time.Second, ms(1300)).
		Tone(300, 0.5, ms(1410), ms(1700))

	segs := feed(s, sig.Samples())
	if len(segs) != 1 {
		t.Fatalf("segments: got %d, want 1", len(segs))
	}
	if segs[0].Start != ms(990) || segs[0].End != ms(1710) {
		t.Errorf("segment = [%v, %v], want [990ms, 1710ms]", segs[0].Start, segs[0].End)
	}
}

func TestLongGapSplitsSegments(t *testing.T) {
	t.Parallel()
	s := newSession(t, defaultConfig())
	sig := synth.New(rate, 3*time.Second).
		Tone(300, 0.5, ms(500), ms(800)).
		Tone(300, 0.5, ms(1500), ms(1800))
	if segs := feed(s, sig.Samples()); len(segs) != 2 {
		t.Fatalf("segments: got %d, want 2", len(segs))
	}
}

func TestSuspiciousZCRNeedsMoreEnergy(t *testing.T) {
	t.Parallel()
	// RMS ~0.025: above the 0.02 threshold but below 1.5x.
	amp := 0.025 * math.Sqrt2
	frame := func(freq float64) audio.AudioFrame {
		return audio.AudioFrame{Samples: synth.Sine(freq, amp, rate, 480), Valid: true}
	}

	low := newSession(t, defaultConfig())
	res := low.ProcessFrame(frame(300)) // ZCR ~0.0375
	if res.IsSpeech {
		t.Errorf("300 Hz at marginal energy classified as speech (zcr=%v)", res.ZCR)
	}

	mid := newSession(t, defaultConfig())
	res = mid.ProcessFrame(frame(1000)) // ZCR ~0.125
	if !res.IsSpeech {
		t.Errorf("1000 Hz at marginal energy not classified as speech (zcr=%v)", res.ZCR)
	}
}

func TestInvalidFrameIgnored(t *testing.T) {
	t.Parallel()
	s := newSession(t, defaultConfig())
	loud := synth.Sine(1000, 0.8, rate, 480)
	s.ProcessFrame(audio.AudioFrame{Samples: loud, Valid: true})
	if s.State() != vad.StateSpeech {
		t.Fatalf("State = %v, want SPEECH", s.State())
	}

	for _, f := range []audio.AudioFrame{
		{Samples: loud, Valid: false, Timestamp: ms(30)},
		{Samples: nil, Valid: true, Timestamp: ms(60)},
	} {
		res := s.ProcessFrame(f)
		if res.Energy != 0 {
			t.Errorf("Energy = %v, want 0", res.Energy)
		}
		if s.State() != vad.StateSpeech {
			t.Errorf("State changed to %v on ignored frame", s.State())
		}
	}
}

func TestAdaptiveNoiseFloor(t *testing.T) {
	t.Parallel()
	cfg := defaultConfig()
	cfg.Adaptive = true
	s := newSession(t, cfg)
	if got := s.Threshold(); math.Abs(got-energy.InitialNoiseFloor*energy.AdaptiveMultiplier) > 1e-12 {
		t.Fatalf("initial adaptive threshold = %v", got)
	}

	feed(s, make([]int16, rate*20))
	if got := s.NoiseFloor(); got != energy.NoiseFloorMin {
		t.Errorf("NoiseFloor after long silence = %v, want clamp %v", got, energy.NoiseFloorMin)
	}

	// Quiet steady noise pulls the floor to its own energy and stays silent.
	s.Reset()
	noisy := synth.New(rate, 60*time.Second).Noise(0.02, 7, 0, 60*time.Second)
	want := energy.Energy(noisy.Samples())
	if segs := feed(s, noisy.Samples()); len(segs) != 0 {
		t.Fatalf("segments from background noise: got %d, want 0", len(segs))
	}
	if got := s.NoiseFloor(); math.Abs(got-want) > 0.002 {
		t.Errorf("NoiseFloor = %v, want ~%v", got, want)
	}
}

func TestAdaptiveFloorFrozenDuringSpeech(t *testing.T) {
	t.Parallel()
	cfg := defaultConfig()
	cfg.Adaptive = true
	s := newSession(t, cfg)
	loud := synth.Sine(1000, 0.8, rate, 480)
	s.ProcessFrame(audio.AudioFrame{Samples: loud, Valid: true})
	before := s.NoiseFloor()
	for i := 1; i < 20; i++ {
		s.ProcessFrame(audio.AudioFrame{Samples: loud, Valid: true, Timestamp: ms(30 * i)})
	}
	if got := s.NoiseFloor(); got != before {
		t.Errorf("NoiseFloor moved during speech: %v -> %v", before, got)
	}
}

func TestFlush(t *testing.T) {
	t.Parallel()
	s := newSession(t, defaultConfig())
	sig := synth.New(rate, time.Second).Tone(300, 0.5, ms(500), time.Second)
	if segs := feed(s, sig.Samples()); len(segs) != 0 {
		t.Fatalf("segments before flush: got %d, want 0", len(segs))
	}
	if !s.Flush() {
		t.Fatal("Flush reported no segment")
	}
	seg, ok := s.Segment()
	if !ok {
		t.Fatal("Segment after Flush: none")
	}
	// Last frame starts at 990ms and ends at 1020ms.
	if seg.Start != ms(480) || seg.End != ms(1020) {
		t.Errorf("segment = [%v, %v], want [480ms, 1020ms]", seg.Start, seg.End)
	}
	if s.Flush() {
		t.Error("second Flush produced a segment")
	}
}

func TestResetClearsState(t *testing.T) {
	t.Parallel()
	s := newSession(t, defaultConfig())
	sig := synth.New(rate, 3*time.Second).Tone(300, 0.5, time.Second, 2*time.Second)
	feed(s, sig.Samples())
	if s.SilenceDuration() == 0 {
		t.Fatal("expected non-zero silence before Reset")
	}
	s.Reset()
	if s.SilenceDuration() != 0 || s.State() != vad.StateSilence {
		t.Errorf("after Reset: silence=%v state=%v", s.SilenceDuration(), s.State())
	}
	if _, ok := s.Segment(); ok {
		t.Error("segment survived Reset")
	}
}

func TestSegmentArenaBounded(t *testing.T) {
	t.Parallel()
	cfg := defaultConfig()
	cfg.MaxSegment = 500 * time.Millisecond
	s := newSession(t, cfg)
	sig := synth.New(rate, 4*time.Second).Tone(300, 0.5, 0, 2*time.Second)
	segs := feed(s, sig.Samples())
	if len(segs) != 1 {
		t.Fatalf("segments: got %d, want 1", len(segs))
	}
	if got := len(segs[0].Samples); got != rate/2 {
		t.Errorf("samples = %d, want arena size %d", got, rate/2)
	}
	if segs[0].Duration < 1900*time.Millisecond {
		t.Errorf("Duration = %v, timing must still cover the whole segment", segs[0].Duration)
	}
}

func TestClosedSessionIgnoresFrames(t *testing.T) {
	t.Parallel()
	s := newSession(t, defaultConfig())
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	res := s.ProcessFrame(audio.AudioFrame{Samples: synth.Sine(1000, 0.8, rate, 480), Valid: true})
	if res.IsSpeech {
		t.Error("closed session detected speech")
	}
}
