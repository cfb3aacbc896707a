package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// PCMConverter converts raw little-endian 16-bit PCM from a capture device's
// native format into mono samples at the target rate. It logs a warning on the
// first format mismatch and on the first misaligned buffer.
// Create one per stream; not designed for shared use across goroutines.
type PCMConverter struct {
	Source         Format
	TargetRate     int
	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns pcm as mono int16 samples at TargetRate. Conversion order:
// channel down-mix first, then resample. A buffer with an odd byte count is
// dropped and nil is returned.
func (c *PCMConverter) Convert(pcm []byte) []int16 {
	if len(pcm)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio converter: odd byte count in PCM data, dropping buffer",
				"bytes", len(pcm),
				"sampleRate", c.Source.SampleRate,
				"channels", c.Source.Channels,
			)
		})
		return nil
	}

	if c.Source.Channels == 1 && c.Source.SampleRate == c.TargetRate {
		return BytesToSamples(pcm)
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(c.Source.SampleRate, c.Source.Channels),
			"to", formatString(c.TargetRate, 1),
		)
	})

	if c.Source.Channels == 2 {
		pcm = StereoToMono(pcm)
	}
	if c.Source.SampleRate != c.TargetRate {
		pcm = ResampleMono16(pcm, c.Source.SampleRate, c.TargetRate)
	}
	return BytesToSamples(pcm)
}

// BytesToSamples decodes little-endian 16-bit PCM into samples. A trailing odd
// byte is ignored.
func BytesToSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return out
}

// SamplesToBytes encodes samples as little-endian 16-bit PCM.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	// Each stereo frame is 4 bytes (2 bytes L + 2 bytes R).
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		lSample := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rSample := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := clamp16((lSample + rSample) / 2)

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// DownmixInts averages interleaved integer samples of the given channel count
// and bit depth into mono int16 samples, rescaling to 16-bit full scale.
func DownmixInts(data []int, channels, bitDepth int) []int16 {
	if channels <= 0 {
		channels = 1
	}
	shift := bitDepth - 16
	frames := len(data) / channels
	out := make([]int16, frames)
	for i := range frames {
		var sum int64
		for ch := range channels {
			sum += int64(data[i*channels+ch])
		}
		avg := sum / int64(channels)
		switch {
		case shift > 0:
			avg >>= shift
		case shift < 0:
			// 8-bit WAV is unsigned with a 128 offset.
			if bitDepth == 8 {
				avg -= 128
			}
			avg <<= -shift
		}
		out[i] = int16(max(min(avg, 32767), -32768))
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	return SamplesToBytes(ResampleSamples(BytesToSamples(pcm), srcRate, dstRate))
}

// ResampleSamples is [ResampleMono16] on decoded samples.
func ResampleSamples(in []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(in) == 0 {
		return in
	}
	dstSamples := int(int64(len(in)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]int16, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := in[srcIdx]
		s1 := s0
		if srcIdx+1 < len(in) {
			s1 = in[srcIdx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

func clamp16(v int32) int32 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return v
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
