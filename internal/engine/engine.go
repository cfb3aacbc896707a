// Package engine owns one conversational turn-detection pipeline: a VAD
// session, a pitch estimator and a turn detector, driven frame by frame from an
// [audio.Source] and reporting events to an [events.Sink].
//
// All state lives in the [Engine] value; there are no package-level
// singletons, so several engines can run side by side in one process. The
// engine is safe for concurrent use: session control (StartSession,
// StopSession, Status) may be called from any goroutine while another
// goroutine feeds frames.
//
// Events are delivered to the sink synchronously while the engine lock is
// held. Once StopSession returns, no further event of that session reaches the
// sink. Sinks that may be slow should be wrapped in a queue (see
// internal/sink) so the frame loop never stalls.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/turnkeeper/internal/observe"
	"github.com/MrWong99/turnkeeper/internal/turn"
	"github.com/MrWong99/turnkeeper/pkg/audio"
	"github.com/MrWong99/turnkeeper/pkg/events"
	"github.com/MrWong99/turnkeeper/pkg/pitch"
	"github.com/MrWong99/turnkeeper/pkg/provider/vad"
	"github.com/MrWong99/turnkeeper/pkg/provider/vad/energy"
)

// Default detection parameters.
const (
	DefaultSampleRate = 16000
	DefaultFrameMs    = 30
	DefaultMinSpeech  = 100 * time.Millisecond
	DefaultHangover   = 200 * time.Millisecond
)

// Config holds the detection parameters fixed for the lifetime of a session.
// Zero fields take defaults.
type Config struct {
	SampleRate int
	FrameMs    int

	VADThreshold float64
	VADAdaptive  bool
	MinSpeech    time.Duration
	Hangover     time.Duration
	MaxSegment   time.Duration

	PitchMinHz            float64
	PitchMaxHz            float64
	ChildPitchThresholdHz float64

	ResponseThreshold time.Duration
	MissedThreshold   time.Duration
}

// DefaultConfig returns the stock detection parameters.
func DefaultConfig() Config {
	return Config{
		SampleRate:            DefaultSampleRate,
		FrameMs:               DefaultFrameMs,
		VADThreshold:          energy.DefaultThreshold,
		VADAdaptive:           false,
		MinSpeech:             DefaultMinSpeech,
		Hangover:              DefaultHangover,
		MaxSegment:            energy.DefaultMaxSegment,
		PitchMinHz:            pitch.DefaultMinHz,
		PitchMaxHz:            pitch.DefaultMaxHz,
		ChildPitchThresholdHz: pitch.DefaultChildThresholdHz,
		ResponseThreshold:     turn.DefaultResponseThreshold,
		MissedThreshold:       turn.DefaultMissedThreshold,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SampleRate == 0 {
		c.SampleRate = d.SampleRate
	}
	if c.FrameMs == 0 {
		c.FrameMs = d.FrameMs
	}
	if c.VADThreshold == 0 {
		c.VADThreshold = d.VADThreshold
	}
	c.VADThreshold = vad.ClampThreshold(c.VADThreshold)
	if c.MinSpeech == 0 {
		c.MinSpeech = d.MinSpeech
	}
	if c.Hangover == 0 {
		c.Hangover = d.Hangover
	}
	if c.MaxSegment == 0 {
		c.MaxSegment = d.MaxSegment
	}
	if c.PitchMinHz == 0 {
		c.PitchMinHz = d.PitchMinHz
	}
	if c.PitchMaxHz == 0 {
		c.PitchMaxHz = d.PitchMaxHz
	}
	if c.ChildPitchThresholdHz == 0 {
		c.ChildPitchThresholdHz = d.ChildPitchThresholdHz
	}
	if c.ResponseThreshold == 0 {
		c.ResponseThreshold = d.ResponseThreshold
	}
	if c.MissedThreshold == 0 {
		c.MissedThreshold = d.MissedThreshold
	}
	return c
}

// VAD returns the VAD session parameters derived from c.
func (c Config) VAD() vad.Config {
	return vad.Config{
		SampleRate:  c.SampleRate,
		FrameSizeMs: c.FrameMs,
		Threshold:   c.VADThreshold,
		Adaptive:    c.VADAdaptive,
		MinSpeech:   c.MinSpeech,
		Hangover:    c.Hangover,
		MaxSegment:  c.MaxSegment,
	}
}

// Pitch returns the estimator parameters derived from c.
func (c Config) Pitch() pitch.Config {
	return pitch.Config{
		SampleRate:       c.SampleRate,
		MinHz:            c.PitchMinHz,
		MaxHz:            c.PitchMaxHz,
		ChildThresholdHz: c.ChildPitchThresholdHz,
	}
}

// Turn returns the turn detector thresholds derived from c.
func (c Config) Turn() turn.Config {
	return turn.Config{
		ResponseThreshold: c.ResponseThreshold,
		MissedThreshold:   c.MissedThreshold,
	}
}

// Status is a point-in-time snapshot of the engine.
type Status struct {
	Active    bool
	SessionID string

	// Frames counts frames processed in the current or last session.
	Frames uint64

	// EventsInSession counts events emitted in the current or last session.
	EventsInSession int

	// Uptime is the time since the engine was created.
	Uptime time.Duration

	// Summary aggregates the events of the current or last session.
	Summary events.Summary
}

// Report describes a stopped session.
type Report struct {
	SessionID string
	Started   time.Time
	Stopped   time.Time
	Frames    uint64
	Summary   events.Summary
}

// pipeline bundles the per-session detection components built from one Config.
type pipeline struct {
	cfg   Config
	vad   vad.SessionHandle
	pitch *pitch.Estimator
	turn  *turn.Detector
}

// Option is a functional option for configuring an Engine during construction.
type Option func(*Engine)

// WithVAD replaces the energy VAD backend.
func WithVAD(v vad.Engine) Option {
	return func(e *Engine) { e.vadEngine = v }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithSinkName sets the sink label used in the sink error metric.
func WithSinkName(name string) Option {
	return func(e *Engine) { e.sinkName = name }
}

// WithClock overrides the wall clock used for uptime and session times.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine runs the detection pipeline for one audio stream.
type Engine struct {
	vadEngine vad.Engine
	sink      events.Sink
	sinkName  string
	metrics   *observe.Metrics
	log       *slog.Logger
	now       func() time.Time
	created   time.Time

	mu      sync.Mutex
	p       pipeline
	pending *pipeline

	active    bool
	sessionID string
	started   time.Time
	origin    time.Duration
	hasOrigin bool
	lastTail  time.Duration
	frames    uint64
	emitted   int
	summary   events.Summary
	closed    bool
}

// New builds an engine for cfg. Zero config fields take defaults; the VAD
// threshold is clamped into range. A nil sink discards events. Errors are
// returned only for structurally unusable configs, such as a non-positive
// sample rate or a pitch range that leaves no lags to search.
func New(cfg Config, sink events.Sink, opts ...Option) (*Engine, error) {
	e := &Engine{
		vadEngine: energy.New(),
		sink:      sink,
		sinkName:  "default",
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.sink == nil {
		e.sink = events.Discard
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	e.created = e.now()

	p, err := e.build(cfg)
	if err != nil {
		return nil, err
	}
	e.p = p
	return e, nil
}

func (e *Engine) build(cfg Config) (pipeline, error) {
	cfg = cfg.withDefaults()
	if cfg.FrameMs <= 0 {
		return pipeline{}, fmt.Errorf("engine: frame size %d ms", cfg.FrameMs)
	}
	est, err := pitch.NewEstimator(cfg.Pitch())
	if err != nil {
		return pipeline{}, fmt.Errorf("engine: pitch estimator: %w", err)
	}
	sess, err := e.vadEngine.NewSession(cfg.VAD())
	if err != nil {
		return pipeline{}, fmt.Errorf("engine: vad session: %w", err)
	}
	return pipeline{
		cfg:   cfg,
		vad:   sess,
		pitch: est,
		turn:  turn.New(cfg.Turn()),
	}, nil
}

// Config returns the configuration of the current session.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p.cfg
}

// SetConfig validates cfg and schedules it for the next StartSession. A
// running session keeps its configuration until it stops.
func (e *Engine) SetConfig(cfg Config) error {
	p, err := e.build(cfg)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending != nil {
		_ = e.pending.vad.Close()
	}
	e.pending = &p
	return nil
}

// ─── Session control ─────────────────────────────────────────────────────────

// StartSession resets the pipeline and begins a new session. Calling it while
// a session is active restarts detection under the new ID. Event timestamps
// are relative to the first frame processed after this call.
func (e *Engine) StartSession(ctx context.Context, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if e.pending != nil {
		_ = e.p.vad.Close()
		e.p = *e.pending
		e.pending = nil
	}
	e.resetLocked()
	if !e.active {
		e.metrics.ActiveSessions.Add(ctx, 1)
	}
	e.active = true
	e.sessionID = id
	e.started = e.now()
	e.log.InfoContext(ctx, "session started",
		slog.String(observe.SessionAttr, id),
		slog.Bool("adaptive", e.p.cfg.VADAdaptive),
		slog.Float64("child_threshold_hz", e.p.cfg.ChildPitchThresholdHz),
	)
}

// StopSession ends the active session and returns its report. It reports
// false when no session was active. Detection state is reset, so a pending
// serve is dropped without a missed-opportunity event.
func (e *Engine) StopSession(ctx context.Context) (Report, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return Report{}, false
	}
	e.active = false
	e.metrics.ActiveSessions.Add(ctx, -1)
	rep := Report{
		SessionID: e.sessionID,
		Started:   e.started,
		Stopped:   e.now(),
		Frames:    e.frames,
		Summary:   e.summary,
	}
	e.p.vad.Reset()
	e.p.turn.Reset()
	e.log.InfoContext(ctx, "session stopped",
		slog.String(observe.SessionAttr, rep.SessionID),
		slog.Uint64("frames", rep.Frames),
		slog.Int("serves", rep.Summary.TotalServes),
		slog.Int("returns", rep.Summary.TotalReturns),
		slog.Int("missed", rep.Summary.MissedOpportunities),
	)
	return rep, true
}

// Active reports whether a session is running.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Active:          e.active,
		SessionID:       e.sessionID,
		Frames:          e.frames,
		EventsInSession: e.emitted,
		Uptime:          e.now().Sub(e.created),
		Summary:         e.summary,
	}
}

// Close stops any active session and releases the VAD session. The engine is
// unusable afterwards.
func (e *Engine) Close() error {
	e.StopSession(context.Background())
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	var errs []error
	errs = append(errs, e.p.vad.Close())
	if e.pending != nil {
		errs = append(errs, e.pending.vad.Close())
		e.pending = nil
	}
	return errors.Join(errs...)
}

func (e *Engine) resetLocked() {
	e.p.vad.Reset()
	e.p.turn.Reset()
	e.hasOrigin = false
	e.origin = 0
	e.lastTail = 0
	e.frames = 0
	e.emitted = 0
	e.summary = events.Summary{}
}

// ─── Frame processing ────────────────────────────────────────────────────────

// ProcessFrame runs one frame through the pipeline: VAD, then pitch and turn
// detection on any segment the frame finalized, then the missed-opportunity
// check. It is a no-op while no session is active and returns the VAD result
// otherwise.
func (e *Engine) ProcessFrame(ctx context.Context, frame audio.AudioFrame) vad.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return vad.Result{}
	}
	start := time.Now()

	if !e.hasOrigin {
		e.origin = frame.Timestamp
		e.hasOrigin = true
	}
	res := e.p.vad.ProcessFrame(frame)
	e.frames++
	if frame.Valid {
		e.lastTail = max(e.lastTail, frame.Timestamp+frame.Duration(e.p.cfg.SampleRate))
	}

	if seg, ok := e.p.vad.Segment(); ok {
		e.handleSegment(ctx, seg)
	}
	if ev, ok := e.p.turn.CheckSilence(frame.Timestamp, e.p.vad.SilenceDuration(), e.origin); ok {
		e.emit(ctx, ev)
	}

	e.metrics.FramesProcessed.Add(ctx, 1)
	e.metrics.FrameDuration.Record(ctx, time.Since(start).Seconds())
	return res
}

// Flush ends the stream: an open segment is finalized and the silence up to
// the end of the last frame is checked for a missed opportunity. Batch
// analysis calls it after the last frame.
func (e *Engine) Flush(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active || !e.hasOrigin {
		return
	}
	if f, ok := e.p.vad.(vad.Flusher); ok && f.Flush() {
		if seg, ok := e.p.vad.Segment(); ok {
			e.handleSegment(ctx, seg)
		}
	}
	silence := e.p.vad.SilenceDuration()
	if silence == 0 {
		return
	}
	// Silence is reported at the start of the last frame; the stream runs on
	// to its end.
	frameLen := time.Duration(e.p.cfg.FrameMs) * time.Millisecond
	if ev, ok := e.p.turn.CheckSilence(e.lastTail, silence+frameLen, e.origin); ok {
		e.emit(ctx, ev)
	}
}

func (e *Engine) handleSegment(ctx context.Context, seg vad.Segment) {
	p := e.p.pitch.EstimateSegment(seg.Samples)
	e.metrics.RecordSegment(ctx, p.Speaker.String())
	if p.Valid {
		e.metrics.PitchHz.Record(ctx, p.PitchHz)
	}
	e.log.DebugContext(ctx, "segment classified",
		slog.String(observe.SessionAttr, e.sessionID),
		slog.Duration("start", seg.Start-e.origin),
		slog.Duration("duration", seg.Duration),
		slog.Float64("avg_energy", seg.AvgEnergy),
		slog.Float64("pitch_hz", p.PitchHz),
		slog.Float64("confidence", p.Confidence),
		slog.String("speaker", p.Speaker.String()),
	)
	if ev, ok := e.p.turn.OnSegment(seg, p, e.origin); ok {
		e.emit(ctx, ev)
	}
}

// emit delivers ev to the sink. Sink failures are logged and counted but never
// stop processing.
func (e *Engine) emit(ctx context.Context, ev events.Event) {
	e.emitted++
	e.summary.Add(ev)
	e.metrics.RecordEvent(ctx, ev.Type.String())
	if ev.Type == events.Return {
		e.metrics.ResponseLatency.Record(ctx, ev.ResponseLatency.Seconds())
	}
	e.log.InfoContext(ctx, "event",
		slog.String(observe.SessionAttr, e.sessionID),
		slog.String("type", ev.Type.String()),
		slog.Duration("timestamp", ev.Timestamp),
		slog.Float64("confidence", ev.Confidence),
	)
	if err := e.sink.Emit(events.WithSessionID(ctx, e.sessionID), ev); err != nil {
		e.metrics.RecordSinkError(ctx, e.sinkName)
		e.log.WarnContext(ctx, "event sink failed",
			slog.String(observe.SessionAttr, e.sessionID),
			slog.String("type", ev.Type.String()),
			slog.Any("err", err),
		)
	}
}

// ─── Cooperative loop ────────────────────────────────────────────────────────

// Poll performs one cooperative tick: it reads at most one frame from src and
// processes it. It reports false when no frame was available, in which case
// the caller should simply try again on the next tick.
func (e *Engine) Poll(ctx context.Context, src audio.Source) bool {
	frame, ok := src.NextFrame()
	if !ok {
		return false
	}
	e.ProcessFrame(ctx, frame)
	return true
}

// dropCounter is implemented by sources that lose audio on overflow, such as
// [audio.RingBuffer].
type dropCounter interface {
	Dropped() uint64
	FrameSize() int
}

// Run polls src every interval until ctx is cancelled, draining all buffered
// frames on each tick. Frames read while no session is active are discarded,
// which keeps a live buffer from overflowing between sessions.
func (e *Engine) Run(ctx context.Context, src audio.Source, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("engine: run interval %v", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	dc, _ := src.(dropCounter)
	var lastDropped uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if !e.Active() {
			audio.Drain(src)
		}
		for e.Poll(ctx, src) {
		}
		if dc != nil && dc.FrameSize() > 0 {
			// Count whole frames only; the remainder carries to the next tick.
			size := uint64(dc.FrameSize())
			if lost := (dc.Dropped() - lastDropped) / size; lost > 0 {
				lastDropped += lost * size
				e.metrics.FramesDropped.Add(ctx, int64(lost))
			}
		}
	}
}
