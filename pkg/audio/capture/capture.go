// Package capture reads the default microphone through miniaudio (malgo) and
// feeds a drop-oldest [audio.RingBuffer]. The device callback is the single
// producer of the ring; the detection loop is its single consumer.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/turnkeeper/pkg/audio"
)

// Defaults applied by [Config] zero values.
const (
	DefaultSampleRate    = 16000
	DefaultFrameMs       = 30
	DefaultBufferSeconds = 10
	DefaultPeriodMs      = 20
)

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("capture: closed")

// Config describes the capture stream.
type Config struct {
	// SampleRate is the rate frames are delivered at.
	SampleRate int

	// FrameMs is the length of each frame read from the ring.
	FrameMs int

	// DeviceSampleRate is the rate requested from the device. Zero requests
	// SampleRate. Other rates are resampled.
	DeviceSampleRate int

	// Channels requested from the device. Stereo is down-mixed. Default 1.
	Channels int

	// BufferSeconds sizes the ring buffer.
	BufferSeconds int

	// PeriodMs is the device callback period.
	PeriodMs int
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.FrameMs <= 0 {
		c.FrameMs = DefaultFrameMs
	}
	if c.DeviceSampleRate <= 0 {
		c.DeviceSampleRate = c.SampleRate
	}
	if c.Channels != 2 {
		c.Channels = 1
	}
	if c.BufferSeconds <= 0 {
		c.BufferSeconds = DefaultBufferSeconds
	}
	if c.PeriodMs <= 0 {
		c.PeriodMs = DefaultPeriodMs
	}
	return c
}

// Capture owns one malgo context and capture device.
type Capture struct {
	cfg  Config
	ring *audio.RingBuffer
	conv *audio.PCMConverter
	log  *slog.Logger

	mu      sync.Mutex
	mctx    *malgo.AllocatedContext
	device  *malgo.Device
	running bool
	closed  bool

	// stopping is set while the device is stopped on purpose, so the stop
	// callback can tell a requested stop from a lost device.
	stopping atomic.Bool
	lost     chan struct{}
}

// Option configures a [Capture].
type Option func(*Capture)

// WithLogger sets the logger for device messages.
func WithLogger(l *slog.Logger) Option {
	return func(c *Capture) { c.log = l }
}

// New initialises the audio backend and the default capture device. The
// device is not started until [Capture.Start].
func New(cfg Config, opts ...Option) (*Capture, error) {
	c := newCapture(cfg, opts...)

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		c.log.Debug("capture: backend", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("capture: init context: %w", err)
	}

	c.mctx = mctx
	if err := c.initDevice(); err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, err
	}
	return c, nil
}

func (c *Capture) initDevice() error {
	dc := malgo.DefaultDeviceConfig(malgo.Capture)
	dc.Capture.Format = malgo.FormatS16
	dc.Capture.Channels = uint32(c.cfg.Channels)
	dc.SampleRate = uint32(c.cfg.DeviceSampleRate)
	dc.PeriodSizeInMilliseconds = uint32(c.cfg.PeriodMs)
	dc.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(c.mctx.Context, dc, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) { c.write(input) },
		Stop: c.deviceStopped,
	})
	if err != nil {
		return fmt.Errorf("capture: init device: %w", err)
	}
	c.device = device
	return nil
}

func newCapture(cfg Config, opts ...Option) *Capture {
	cfg = cfg.withDefaults()
	c := &Capture{
		cfg:  cfg,
		ring: audio.NewRingBuffer(cfg.SampleRate, cfg.FrameMs, cfg.BufferSeconds*1000),
		conv: &audio.PCMConverter{
			Source:     audio.Format{SampleRate: cfg.DeviceSampleRate, Channels: cfg.Channels},
			TargetRate: cfg.SampleRate,
		},
		log:  slog.Default(),
		lost: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// write is the device callback. It runs on the audio thread and must not
// block.
func (c *Capture) write(pcm []byte) {
	if samples := c.conv.Convert(pcm); len(samples) > 0 {
		c.ring.Write(samples)
	}
}

// deviceStopped is the stop callback. A stop nobody asked for means the
// device went away.
func (c *Capture) deviceStopped() {
	if c.stopping.Load() {
		return
	}
	c.log.Warn("capture: device stopped unexpectedly")
	c.signalLost()
}

func (c *Capture) signalLost() {
	select {
	case c.lost <- struct{}{}:
	default:
	}
}

// Lost delivers a value each time the device stops without a call to Stop or
// Close. Pair it with a [Supervisor].
func (c *Capture) Lost() <-chan struct{} { return c.lost }

// Restart tears down the current device and opens the default capture device
// again. Buffered frames are kept.
func (c *Capture) Restart() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.mctx == nil {
		return nil
	}
	if c.device != nil {
		c.stopping.Store(true)
		c.device.Uninit()
		c.stopping.Store(false)
		c.device = nil
	}
	c.running = false
	if err := c.initDevice(); err != nil {
		return err
	}
	if err := c.device.Start(); err != nil {
		return fmt.Errorf("capture: start device: %w", err)
	}
	c.running = true
	c.log.Info("capture restarted")
	return nil
}

// Ring returns the buffer frames are read from. It implements
// [audio.Source].
func (c *Capture) Ring() *audio.RingBuffer { return c.ring }

// Config returns the effective configuration.
func (c *Capture) Config() Config { return c.cfg }

// Start begins capturing. Calling Start on a running capture is a no-op.
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.running || c.device == nil {
		return nil
	}
	if err := c.device.Start(); err != nil {
		return fmt.Errorf("capture: start device: %w", err)
	}
	c.running = true
	c.log.Info("capture started",
		"device_rate", c.cfg.DeviceSampleRate,
		"rate", c.cfg.SampleRate,
		"channels", c.cfg.Channels,
		"buffer_s", c.cfg.BufferSeconds,
	)
	return nil
}

// Stop pauses capturing. Buffered frames stay readable.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || c.device == nil {
		return nil
	}
	c.running = false
	c.stopping.Store(true)
	defer c.stopping.Store(false)
	if err := c.device.Stop(); err != nil {
		return fmt.Errorf("capture: stop device: %w", err)
	}
	return nil
}

// Close stops the device and releases the backend. It is idempotent.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.stopping.Store(true)
	var errs []error
	if c.device != nil {
		if c.running {
			errs = append(errs, c.device.Stop())
		}
		c.device.Uninit()
	}
	if c.mctx != nil {
		errs = append(errs, c.mctx.Uninit())
		c.mctx.Free()
	}
	c.running = false
	return errors.Join(errs...)
}
