// Package app wires all turnkeeper subsystems into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the detection loop and the HTTP control surface,
// and Shutdown tears everything down in order.
//
// For testing, inject test doubles via functional options (WithSource,
// WithSessionStore, WithSink, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/turnkeeper/internal/config"
	"github.com/MrWong99/turnkeeper/internal/engine"
	"github.com/MrWong99/turnkeeper/internal/health"
	"github.com/MrWong99/turnkeeper/internal/observe"
	"github.com/MrWong99/turnkeeper/internal/resilience"
	"github.com/MrWong99/turnkeeper/internal/sink"
	"github.com/MrWong99/turnkeeper/pkg/audio"
	"github.com/MrWong99/turnkeeper/pkg/audio/capture"
	"github.com/MrWong99/turnkeeper/pkg/events"
)

// DefaultEventsPath is the websocket route when none is configured.
const DefaultEventsPath = "/events"

// shutdownGrace bounds the HTTP server drain after Run's context is done.
const shutdownGrace = 5 * time.Second

// App owns all subsystem lifetimes of the turnkeeper service.
type App struct {
	cfg      *config.Config
	log      *slog.Logger
	level    *slog.LevelVar
	metrics  *observe.Metrics
	registry *config.Registry

	// Subsystems, initialised in New and torn down in Shutdown.
	eng      *engine.Engine
	sessions *SessionManager
	store    SessionStore
	health   *health.Handler
	fanout   *sink.Fanout
	hub      *sink.Hub
	src      audio.Source
	capture  *capture.Capture
	extra    []sink.Target

	// closers run in reverse order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSource injects the audio source instead of opening the microphone.
func WithSource(src audio.Source) Option {
	return func(a *App) { a.src = src }
}

// WithSessionStore injects a session store instead of the postgres sink.
func WithSessionStore(s SessionStore) Option {
	return func(a *App) { a.store = s }
}

// WithSink adds an extra event target next to the configured sinks.
func WithSink(name string, s events.Sink) Option {
	return func(a *App) { a.extra = append(a.extra, sink.Target{Name: name, Sink: s}) }
}

// WithRegistry replaces the default VAD registry.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevel hands the App the level variable of the active log handler so
// config reloads can change verbosity.
func WithLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. On error every
// resource opened so far is released.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:    cfg,
		log:    slog.Default(),
		health: health.New(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.registry == nil {
		a.registry = config.NewDefaultRegistry()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
	}
	a.level.Set(cfg.Server.LogLevel.Slog())

	if err := a.init(ctx); err != nil {
		_ = a.closeAll(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	// ── 1. Sinks ─────────────────────────────────────────────────────────
	targets, err := a.initSinks(ctx)
	if err != nil {
		return fmt.Errorf("app: init sinks: %w", err)
	}
	a.fanout = sink.NewFanout(a.metrics, targets...)

	// ── 2. Engine ────────────────────────────────────────────────────────
	if err := a.initEngine(); err != nil {
		return fmt.Errorf("app: init engine: %w", err)
	}

	// ── 3. Sessions ──────────────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Engine: a.eng,
		Store:  a.store,
		Logger: a.log,
	})

	// ── 4. Audio ─────────────────────────────────────────────────────────
	if err := a.initAudio(); err != nil {
		return fmt.Errorf("app: init audio: %w", err)
	}

	a.health.Add(health.ReadyCheck("engine", func() bool { return a.eng != nil }))
	a.log.Info("app initialised",
		"sinks", a.fanout.Targets(),
		"vad", cmp.Or(a.cfg.Detection.VAD, config.DefaultVAD),
		"capture", a.capture != nil,
	)
	return nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initSinks builds every configured event target. Slow or remote sinks sit
// behind a circuit breaker and a bounded queue so they never stall detection.
func (a *App) initSinks(ctx context.Context) ([]sink.Target, error) {
	s := a.cfg.Sinks
	size := cmp.Or(s.QueueSize, sink.DefaultQueueSize)
	var targets []sink.Target

	if s.Log {
		targets = append(targets, sink.Target{Name: "log", Sink: sink.Log{Logger: a.log, Level: slog.LevelInfo}})
	}

	if s.File != nil {
		f, err := sink.NewFile(s.File.Path)
		if err != nil {
			return nil, err
		}
		a.addCloser(func(context.Context) error { return f.Close() })

		g := sink.NewGuard(f, a.breaker("file"))
		a.health.Add(health.BreakerCheck("sink.file", g.State))
		targets = append(targets, a.queued("file", g, size))
	}

	if s.Postgres != nil {
		pg, err := sink.NewPostgres(ctx, s.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		a.addCloser(func(context.Context) error { pg.Close(); return nil })
		a.health.Add(health.PingCheck("postgres", pg))
		if a.store == nil {
			a.store = pg
		}

		if s.Postgres.Spool != "" {
			spool, err := sink.NewFile(s.Postgres.Spool)
			if err != nil {
				return nil, err
			}
			a.addCloser(func(context.Context) error { return spool.Close() })

			fb := sink.NewFallback(a.breaker("postgres"),
				sink.Target{Name: "postgres", Sink: pg},
				sink.Target{Name: "spool", Sink: spool},
			)
			a.health.Add(health.BreakerCheck("sink.postgres", func() resilience.State {
				return fb.States()["postgres"]
			}))
			targets = append(targets, a.queued("postgres", fb, size))
		} else {
			g := sink.NewGuard(pg, a.breaker("postgres"))
			a.health.Add(health.BreakerCheck("sink.postgres", g.State))
			targets = append(targets, a.queued("postgres", g, size))
		}
	}

	if s.WebSocket.Enabled {
		a.hub = sink.NewHub()
		a.hub.OriginPatterns = s.WebSocket.OriginPatterns
		a.addCloser(func(context.Context) error { return a.hub.Close() })
		targets = append(targets, sink.Target{Name: "websocket", Sink: a.hub})
	}

	return append(targets, a.extra...), nil
}

func (a *App) queued(name string, next events.Sink, size int) sink.Target {
	q := sink.NewQueue(next, size, name, a.metrics)
	a.addCloser(q.Close)
	return sink.Target{Name: name, Sink: q}
}

func (a *App) breaker(name string) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		Name:         name,
		MaxFailures:  a.cfg.Sinks.Breaker.MaxFailures,
		ResetTimeout: a.cfg.Sinks.Breaker.ResetTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			a.log.Warn("sink circuit breaker", "sink", name, "from", from.String(), "to", to.String())
		},
	}
}

func (a *App) initEngine() error {
	v, err := a.registry.CreateVAD(a.cfg.Detection)
	if err != nil {
		return err
	}
	eng, err := engine.New(a.cfg.Detection.Engine(), a.fanout,
		engine.WithVAD(v),
		engine.WithMetrics(a.metrics),
		engine.WithLogger(a.log),
		engine.WithSinkName("fanout"),
	)
	if err != nil {
		return err
	}
	a.eng = eng
	a.addCloser(func(context.Context) error { return eng.Close() })
	return nil
}

// initAudio opens the microphone unless a source was injected.
func (a *App) initAudio() error {
	if a.src != nil || !a.cfg.Capture.Enabled {
		return nil
	}
	ec := a.eng.Config()
	c, err := capture.New(capture.Config{
		SampleRate:       ec.SampleRate,
		FrameMs:          ec.FrameMs,
		DeviceSampleRate: a.cfg.Capture.DeviceSampleRate,
		BufferSeconds:    a.cfg.Capture.BufferSeconds,
	}, capture.WithLogger(a.log))
	if err != nil {
		return err
	}
	a.capture = c
	a.src = c.Ring()
	a.addCloser(func(context.Context) error { return c.Close() })
	return nil
}

func (a *App) addCloser(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Engine returns the detection engine.
func (a *App) Engine() *engine.Engine { return a.eng }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Health returns the health handler so callers can add checks.
func (a *App) Health() *health.Handler { return a.health }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the detection loop and the HTTP server, and blocks until ctx is
// cancelled or one of them fails. A nil error means a clean stop.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.capture != nil {
		if err := a.capture.Start(); err != nil {
			return fmt.Errorf("app: %w", err)
		}
		sup := capture.NewSupervisor(a.capture, a.capture.Lost(), capture.SupervisorConfig{Logger: a.log})
		g.Go(func() error { return sup.Run(ctx) })
	}
	if a.src != nil {
		interval := time.Duration(a.eng.Config().FrameMs) * time.Millisecond
		g.Go(func() error { return a.eng.Run(ctx, a.src, interval) })
	}
	if addr := a.cfg.Server.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			var err error
			if tls := a.cfg.Server.TLS; tls != nil {
				err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			} else {
				err = srv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("app: http server: %w", err)
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	a.log.Info("app running", "listen_addr", a.cfg.Server.ListenAddr, "source", a.src != nil)
	return g.Wait()
}

// ─── Config reload ───────────────────────────────────────────────────────────

// OnConfigChange applies a reloaded config. The log level changes at once;
// detection parameters are staged for the next session. Sections that need a
// restart are only reported.
func (a *App) OnConfigChange(old, cur *config.Config) {
	d := config.Diff(old, cur)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Slog())
		a.log.Info("log level changed", "level", string(d.NewLogLevel))
	}
	if d.DetectionChanged {
		a.stageDetection(cur.Detection, d.DetectionFields)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart", "sections", d.RestartRequired)
	}
}

func (a *App) stageDetection(dc config.DetectionConfig, fields []string) {
	next := dc.Engine()
	if a.src != nil {
		// The live source was sized for the current frame geometry.
		running := a.eng.Config()
		if slices.Contains(fields, "sample_rate") || slices.Contains(fields, "frame_ms") {
			a.log.Warn("sample_rate and frame_ms need a restart with a live source")
		}
		next.SampleRate, next.FrameMs = running.SampleRate, running.FrameMs
	}
	if slices.Contains(fields, "vad") {
		a.log.Warn("vad backend change needs a restart", "vad", dc.VAD)
	}
	if err := a.eng.SetConfig(next); err != nil {
		a.log.Warn("detection config rejected", "err", err)
		return
	}
	a.log.Info("detection config staged for next session", "fields", fields)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends the active session, then tears down all subsystems in
// reverse-init order. It respects the context deadline: if ctx expires before
// all closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		if rep, ok := a.sessions.Stop(ctx); ok {
			a.log.Info("session stopped on shutdown", observe.SessionAttr, rep.SessionID)
		}
		shutdownErr = a.closeAll(ctx)
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll(ctx context.Context) error {
	for i := len(a.closers) - 1; i >= 0; i-- {
		select {
		case <-ctx.Done():
			a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
			return ctx.Err()
		default:
		}
		if err := a.closers[i](ctx); err != nil {
			a.log.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
	return nil
}
