package capture

import (
	"context"
	"log/slog"
	"time"
)

// Default restart parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Restarter reopens an audio input. [Capture] implements it.
type Restarter interface {
	Restart() error
}

// Supervisor restarts a capture device after it is lost, with exponential
// backoff between attempts. A device that cannot be brought back within
// MaxRetries attempts is left down until the next loss signal.
type Supervisor struct {
	target     Restarter
	lost       <-chan struct{}
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	onRestart  func()
	log        *slog.Logger
}

// SupervisorConfig configures a [Supervisor].
type SupervisorConfig struct {
	// MaxRetries is the maximum number of restart attempts per loss.
	// Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial wait between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff caps the wait. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnRestart is called after a successful restart. May be nil.
	OnRestart func()

	Logger *slog.Logger
}

// NewSupervisor returns a Supervisor that restarts target whenever lost
// delivers.
func NewSupervisor(target Restarter, lost <-chan struct{}, cfg SupervisorConfig) *Supervisor {
	s := &Supervisor{
		target:     target,
		lost:       lost,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		maxBackoff: cfg.MaxBackoff,
		onRestart:  cfg.OnRestart,
		log:        cfg.Logger,
	}
	if s.maxRetries <= 0 {
		s.maxRetries = defaultMaxRetries
	}
	if s.backoff <= 0 {
		s.backoff = defaultBackoff
	}
	if s.maxBackoff <= 0 {
		s.maxBackoff = defaultMaxBackoff
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	return s
}

// Run waits for loss signals until ctx is cancelled. It always returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.lost:
			s.restart(ctx)
		}
	}
}

// restart tries to reopen the device with exponential backoff. It reports
// whether the device came back.
func (s *Supervisor) restart(ctx context.Context) bool {
	wait := s.backoff
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		err := s.target.Restart()
		if err == nil {
			s.log.Info("capture: device restored", "attempt", attempt)
			if s.onRestart != nil {
				s.onRestart()
			}
			return true
		}
		s.log.Warn("capture: restart failed",
			"attempt", attempt,
			"max_retries", s.maxRetries,
			"backoff", wait,
			"err", err,
		)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
		wait = min(wait*2, s.maxBackoff)
	}
	s.log.Error("capture: device lost, giving up", "max_retries", s.maxRetries)
	return false
}
