package turn_test

import (
	"testing"
	"time"

	"github.com/MrWong99/turnkeeper/internal/turn"
	"github.com/MrWong99/turnkeeper/pkg/events"
	"github.com/MrWong99/turnkeeper/pkg/pitch"
	"github.com/MrWong99/turnkeeper/pkg/provider/vad"
)

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func seg(start, end int) vad.Segment {
	return vad.Segment{Start: ms(start), End: ms(end), Duration: ms(end - start)}
}

var (
	child   = pitch.Result{Valid: true, PitchHz: 300, Confidence: 0.9, Speaker: pitch.SpeakerChild}
	adult   = pitch.Result{Valid: true, PitchHz: 150, Confidence: 0.75, Speaker: pitch.SpeakerAdult}
	unknown = pitch.Result{}
)

func TestDefaults(t *testing.T) {
	t.Parallel()
	cfg := turn.New(turn.Config{}).Config()
	if cfg.ResponseThreshold != 3*time.Second || cfg.MissedThreshold != 5*time.Second {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestServeThenReturn(t *testing.T) {
	t.Parallel()
	d := turn.New(turn.Config{})

	ev, ok := d.OnSegment(seg(990, 1500), child, 0)
	if !ok || ev.Type != events.Serve {
		t.Fatalf("child segment: got %v ok=%v, want serve", ev, ok)
	}
	if ev.Timestamp != ms(1500) || ev.PitchHz != 300 || ev.Confidence != 0.9 {
		t.Errorf("serve = %+v", ev)
	}
	if !d.Waiting() {
		t.Fatal("not waiting after serve")
	}

	ev, ok = d.OnSegment(seg(2490, 3000), adult, 0)
	if !ok || ev.Type != events.Return {
		t.Fatalf("adult segment: got %v ok=%v, want return", ev, ok)
	}
	if ev.Timestamp != ms(2490) || ev.ResponseLatency != ms(990) {
		t.Errorf("return = %+v", ev)
	}
	if d.Waiting() {
		t.Error("still waiting after return")
	}

	// No missed opportunity for a serve that was answered.
	if ev, ok := d.CheckSilence(ms(9000), 6*time.Second, 0); ok {
		t.Errorf("unexpected %v after return", ev)
	}
	// A second adult segment does not produce another return.
	if ev, ok := d.OnSegment(seg(3200, 3600), adult, 0); ok {
		t.Errorf("unexpected %v for second adult segment", ev)
	}
}

func TestReturnAtExactThreshold(t *testing.T) {
	t.Parallel()
	d := turn.New(turn.Config{ResponseThreshold: 3 * time.Second})
	d.OnSegment(seg(0, 1000), child, 0)
	ev, ok := d.OnSegment(seg(4000, 4500), adult, 0)
	if !ok || ev.ResponseLatency != 3*time.Second {
		t.Errorf("got %v ok=%v, want return with 3s latency", ev, ok)
	}
}

func TestLateAdultClearsWaiting(t *testing.T) {
	t.Parallel()
	d := turn.New(turn.Config{})
	d.OnSegment(seg(0, 1000), child, 0)

	if ev, ok := d.OnSegment(seg(4100, 4500), adult, 0); ok {
		t.Fatalf("late adult produced %v", ev)
	}
	if d.Waiting() {
		t.Fatal("late adult did not clear waiting")
	}
	if ev, ok := d.OnSegment(seg(4600, 5000), adult, 0); ok {
		t.Errorf("second late adult re-armed: %v", ev)
	}
	if ev, ok := d.CheckSilence(ms(20000), 15*time.Second, 0); ok {
		t.Errorf("missed after late adult: %v", ev)
	}
}

func TestMissedOpportunityFiresOnce(t *testing.T) {
	t.Parallel()
	d := turn.New(turn.Config{})
	d.OnSegment(seg(990, 2010), child, 0)

	if _, ok := d.CheckSilence(ms(7000), ms(4990), 0); ok {
		t.Fatal("missed fired below threshold")
	}
	ev, ok := d.CheckSilence(ms(7020), ms(5010), 0)
	if !ok || ev.Type != events.MissedOpportunity {
		t.Fatalf("got %v ok=%v, want missed_opportunity", ev, ok)
	}
	if ev.Timestamp != ms(7020) || ev.SilenceDuration != ms(5010) || ev.Confidence != 0.9 {
		t.Errorf("missed = %+v", ev)
	}
	if ev.PitchHz != 0 {
		t.Errorf("missed carries pitch %v", ev.PitchHz)
	}
	for i := range 10 {
		if ev, ok := d.CheckSilence(ms(7050+30*i), ms(5040+30*i), 0); ok {
			t.Fatalf("missed fired again: %v", ev)
		}
	}
}

func TestAdultIgnoredWhenIdle(t *testing.T) {
	t.Parallel()
	d := turn.New(turn.Config{})
	if ev, ok := d.OnSegment(seg(0, 1000), adult, 0); ok {
		t.Errorf("idle adult produced %v", ev)
	}
	if d.Waiting() {
		t.Error("idle adult armed waiting")
	}
}

func TestUnknownSpeakerIgnored(t *testing.T) {
	t.Parallel()
	d := turn.New(turn.Config{})
	d.OnSegment(seg(0, 1000), child, 0)
	if ev, ok := d.OnSegment(seg(1500, 2000), unknown, 0); ok {
		t.Errorf("unknown speaker produced %v", ev)
	}
	if !d.Waiting() {
		t.Error("unknown speaker cleared waiting")
	}
}

func TestDoubleServeRearms(t *testing.T) {
	t.Parallel()
	d := turn.New(turn.Config{})
	first, ok1 := d.OnSegment(seg(0, 1000), child, 0)
	second, ok2 := d.OnSegment(seg(2000, 3000), child, 0)
	if !ok1 || !ok2 || first.Type != events.Serve || second.Type != events.Serve {
		t.Fatalf("got %v/%v, want two serves", first, second)
	}
	// Latency is measured from the latest child segment.
	ev, ok := d.OnSegment(seg(4000, 4500), adult, 0)
	if !ok || ev.ResponseLatency != time.Second {
		t.Errorf("got %v ok=%v, want return with 1s latency", ev, ok)
	}
}

func TestTimestampsRelativeToOrigin(t *testing.T) {
	t.Parallel()
	d := turn.New(turn.Config{})
	origin := ms(60000)
	ev, _ := d.OnSegment(seg(61000, 62000), child, origin)
	if ev.Timestamp != ms(2000) {
		t.Errorf("serve timestamp = %v, want 2s", ev.Timestamp)
	}
	ev, _ = d.CheckSilence(ms(67000), ms(5000), origin)
	if ev.Timestamp != ms(7000) {
		t.Errorf("missed timestamp = %v, want 7s", ev.Timestamp)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()
	d := turn.New(turn.Config{})
	d.OnSegment(seg(0, 1000), child, 0)
	d.Reset()
	if d.Waiting() {
		t.Fatal("waiting after Reset")
	}
	if ev, ok := d.OnSegment(seg(1500, 2000), adult, 0); ok {
		t.Errorf("adult after Reset produced %v", ev)
	}
}
