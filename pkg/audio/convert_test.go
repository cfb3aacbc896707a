package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/turnkeeper/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func TestBytesToSamples_RoundTrip(t *testing.T) {
	t.Parallel()
	in := []int16{0, 1, -1, 32767, -32768, 1234}
	got := audio.BytesToSamples(samplesToBytes(in))
	if len(got) != len(in) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(in))
	}
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], in[i])
		}
	}
	back := audio.SamplesToBytes(got)
	if string(back) != string(samplesToBytes(in)) {
		t.Error("SamplesToBytes did not reproduce the original bytes")
	}
}

func TestBytesToSamples_OddTrailingByte(t *testing.T) {
	t.Parallel()
	got := audio.BytesToSamples([]byte{0x01, 0x00, 0xFF})
	if len(got) != 1 || got[0] != 1 {
		t.Errorf("got %v, want [1]", got)
	}
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()
	// Two stereo frames: L=100,R=200 and L=-100,R=-200
	mono := audio.StereoToMono(samplesToBytes([]int16{100, 200, -100, -200}))
	got := audio.BytesToSamples(mono)
	want := []int16{150, -150}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono_Clamping(t *testing.T) {
	t.Parallel()
	got := audio.BytesToSamples(audio.StereoToMono(samplesToBytes([]int16{32767, 32767})))
	if len(got) != 1 || got[0] != 32767 {
		t.Errorf("got %v, want [32767]", got)
	}
}

func TestDownmixInts(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		data     []int
		channels int
		bitDepth int
		want     []int16
	}{
		{name: "mono 16-bit passthrough", data: []int{5, -5}, channels: 1, bitDepth: 16, want: []int16{5, -5}},
		{name: "stereo 16-bit average", data: []int{100, 300, -100, -300}, channels: 2, bitDepth: 16, want: []int16{200, -200}},
		{name: "24-bit scaled down", data: []int{256 * 1000}, channels: 1, bitDepth: 24, want: []int16{1000}},
		{name: "8-bit unsigned centred", data: []int{128, 255}, channels: 1, bitDepth: 8, want: []int16{0, 127 << 8}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := audio.DownmixInts(tc.data, tc.channels, tc.bitDepth)
			if len(got) != len(tc.want) {
				t.Fatalf("length mismatch: got %d, want %d", len(got), len(tc.want))
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Errorf("sample %d: got %d, want %d", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestResampleMono16_SameRate(t *testing.T) {
	t.Parallel()
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 48000, 48000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleSamples_Downsample(t *testing.T) {
	t.Parallel()
	in := make([]int16, 4800)
	for i := range in {
		in[i] = 1000
	}
	got := audio.ResampleSamples(in, 48000, 16000)
	if len(got) != 1600 {
		t.Fatalf("length: got %d, want 1600", len(got))
	}
	for i, s := range got {
		if s != 1000 {
			t.Fatalf("sample %d: got %d, want 1000", i, s)
		}
	}
}

func TestResampleSamples_ZeroRate(t *testing.T) {
	t.Parallel()
	in := []int16{1, 2, 3}
	if got := audio.ResampleSamples(in, 0, 16000); len(got) != len(in) {
		t.Errorf("zero srcRate: got %d samples, want input unchanged", len(got))
	}
}

func TestPCMConverter_NoOp(t *testing.T) {
	t.Parallel()
	c := &audio.PCMConverter{Source: audio.Format{SampleRate: 16000, Channels: 1}, TargetRate: 16000}
	got := c.Convert(samplesToBytes([]int16{7, 8, 9}))
	if len(got) != 3 || got[2] != 9 {
		t.Errorf("got %v, want [7 8 9]", got)
	}
}

func TestPCMConverter_StereoResample(t *testing.T) {
	t.Parallel()
	c := &audio.PCMConverter{Source: audio.Format{SampleRate: 48000, Channels: 2}, TargetRate: 16000}
	stereo := make([]int16, 960) // 10 ms of 48 kHz stereo
	for i := range stereo {
		stereo[i] = 500
	}
	got := c.Convert(samplesToBytes(stereo))
	if len(got) != 160 {
		t.Fatalf("length: got %d, want 160", len(got))
	}
	if got[0] != 500 {
		t.Errorf("sample 0: got %d, want 500", got[0])
	}
}

func TestPCMConverter_OddByteCount(t *testing.T) {
	t.Parallel()
	c := &audio.PCMConverter{Source: audio.Format{SampleRate: 48000, Channels: 2}, TargetRate: 16000}
	if got := c.Convert([]byte{1, 2, 3}); got != nil {
		t.Errorf("expected nil for odd byte count, got %v", got)
	}
}
