package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-audio/wav"
)

// ErrInvalidWAV is returned when the input is not a readable RIFF/WAVE file.
var ErrInvalidWAV = errors.New("audio: invalid WAV file")

// FileSource serves a fully decoded WAV recording as fixed-length mono frames
// at a target sample rate. The recording is down-mixed and resampled once at
// load time; the final partial frame is zero-padded. It implements [Source].
//
// A FileSource is not safe for concurrent use.
type FileSource struct {
	samples   []int16
	frameSize int
	rate      int
	pos       int
	frame     []int16
	original  Format
}

// OpenFile decodes the WAV file at path. See [NewFileSource].
func OpenFile(path string, sampleRate, frameMs int) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audio: open %q: %w", path, err)
	}
	defer f.Close()
	src, err := NewFileSource(f, sampleRate, frameMs)
	if err != nil {
		return nil, fmt.Errorf("audio: decode %q: %w", path, err)
	}
	return src, nil
}

// NewFileSource decodes a WAV stream and prepares it for framing at
// sampleRate with frames of frameMs.
func NewFileSource(r io.ReadSeeker, sampleRate, frameMs int) (*FileSource, error) {
	frameSize := FrameSamples(sampleRate, frameMs)
	if frameSize <= 0 {
		return nil, fmt.Errorf("audio: frame of %d ms at %d Hz holds no samples", frameMs, sampleRate)
	}

	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, ErrInvalidWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
	}
	if buf == nil || buf.Format == nil {
		return nil, ErrInvalidWAV
	}

	channels := buf.Format.NumChannels
	srcRate := buf.Format.SampleRate
	bitDepth := buf.SourceBitDepth
	if bitDepth == 0 {
		bitDepth = int(dec.BitDepth)
	}

	mono := DownmixInts(buf.Data, channels, bitDepth)
	mono = ResampleSamples(mono, srcRate, sampleRate)

	return &FileSource{
		samples:   mono,
		frameSize: frameSize,
		rate:      sampleRate,
		frame:     make([]int16, frameSize),
		original:  Format{SampleRate: srcRate, Channels: channels},
	}, nil
}

// NewSampleSource wraps already decoded mono samples at sampleRate.
func NewSampleSource(samples []int16, sampleRate, frameMs int) *FileSource {
	frameSize := max(FrameSamples(sampleRate, frameMs), 1)
	return &FileSource{
		samples:   samples,
		frameSize: frameSize,
		rate:      sampleRate,
		frame:     make([]int16, frameSize),
		original:  Format{SampleRate: sampleRate, Channels: 1},
	}
}

// NextFrame implements [Source].
func (s *FileSource) NextFrame() (AudioFrame, bool) {
	if s.pos >= len(s.samples) {
		return AudioFrame{}, false
	}
	n := copy(s.frame, s.samples[s.pos:])
	clear(s.frame[n:])
	ts := SampleTime(uint64(s.pos), s.rate)
	s.pos += s.frameSize
	return AudioFrame{Samples: s.frame, Timestamp: ts, Valid: true}, true
}

// FramesAvailable implements [Source]. A trailing partial frame counts as one.
func (s *FileSource) FramesAvailable() int {
	rem := len(s.samples) - s.pos
	if rem <= 0 {
		return 0
	}
	return (rem + s.frameSize - 1) / s.frameSize
}

// Duration returns the length of the decoded recording.
func (s *FileSource) Duration() time.Duration {
	return SampleTime(uint64(len(s.samples)), s.rate)
}

// OriginalFormat reports the sample rate and channel count of the file before
// conversion.
func (s *FileSource) OriginalFormat() Format {
	return s.original
}

// Rewind restarts the source from the first frame.
func (s *FileSource) Rewind() {
	s.pos = 0
}

var _ Source = (*FileSource)(nil)
