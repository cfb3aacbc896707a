package capture

import (
	"errors"
	"testing"

	"github.com/MrWong99/turnkeeper/pkg/audio"
)

// stereoPCM returns n interleaved stereo frames with the same value v in both
// channels.
func stereoPCM(n int, v int16) []byte {
	s := make([]int16, 2*n)
	for i := range s {
		s[i] = v
	}
	return audio.SamplesToBytes(s)
}

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()
	c := Config{}.withDefaults()
	if c.SampleRate != DefaultSampleRate || c.FrameMs != DefaultFrameMs || c.DeviceSampleRate != DefaultSampleRate {
		t.Errorf("rates = %+v", c)
	}
	if c.Channels != 1 || c.BufferSeconds != DefaultBufferSeconds || c.PeriodMs != DefaultPeriodMs {
		t.Errorf("config = %+v", c)
	}
	if got := (Config{Channels: 6}).withDefaults().Channels; got != 1 {
		t.Errorf("channels = %d, want fallback to mono", got)
	}
}

func TestWrite_NativeFormat(t *testing.T) {
	t.Parallel()
	c := newCapture(Config{})
	c.write(audio.SamplesToBytes(make([]int16, 480)))

	if n := c.Ring().FramesAvailable(); n != 1 {
		t.Fatalf("frames = %d, want 1", n)
	}
	f, ok := c.Ring().NextFrame()
	if !ok || len(f.Samples) != 480 || f.Timestamp != 0 {
		t.Errorf("frame = %v samples at %v, ok %v", len(f.Samples), f.Timestamp, ok)
	}
}

func TestWrite_ConvertsStereo48k(t *testing.T) {
	t.Parallel()
	c := newCapture(Config{DeviceSampleRate: 48000, Channels: 2})

	// 30 ms of 48 kHz stereo becomes one 30 ms frame at 16 kHz mono.
	c.write(stereoPCM(1440, 1000))

	f, ok := c.Ring().NextFrame()
	if !ok {
		t.Fatal("no frame after converted write")
	}
	if len(f.Samples) != 480 {
		t.Fatalf("samples = %d, want 480", len(f.Samples))
	}
	for i, s := range f.Samples {
		// Interpolation may truncate by one.
		if s < 999 || s > 1000 {
			t.Fatalf("sample[%d] = %d, want 1000", i, s)
		}
	}
}

func TestWrite_OddBufferDropped(t *testing.T) {
	t.Parallel()
	c := newCapture(Config{})
	c.write(make([]byte, 961))
	if n := c.Ring().FramesAvailable(); n != 0 {
		t.Errorf("frames = %d, want 0", n)
	}
}

func TestWrite_OverflowDropsOldest(t *testing.T) {
	t.Parallel()
	c := newCapture(Config{BufferSeconds: 1})
	capacity := c.Ring().Capacity()

	// Two seconds into a one second ring.
	for range 2 * 16000 / 480 {
		c.write(audio.SamplesToBytes(make([]int16, 480)))
	}
	if got := c.Ring().FramesAvailable(); got != capacity/480 {
		t.Errorf("frames = %d, want %d", got, capacity/480)
	}
	if _, ok := c.Ring().NextFrame(); !ok {
		t.Fatal("no frame")
	}
	if c.Ring().Dropped() == 0 {
		t.Error("overflow not counted")
	}
}

func TestLifecycle_WithoutDevice(t *testing.T) {
	t.Parallel()
	c := newCapture(Config{})
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := c.Start(); !errors.Is(err, ErrClosed) {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
}
