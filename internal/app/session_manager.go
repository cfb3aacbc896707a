package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/turnkeeper/internal/engine"
	"github.com/MrWong99/turnkeeper/internal/observe"
	"github.com/MrWong99/turnkeeper/pkg/events"
)

// storeTimeout bounds each session store call so a slow database never holds
// up session control.
const storeTimeout = 5 * time.Second

// SessionInfo holds metadata about the active session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string `json:"session_id"`

	// StartedAt is when the session was started.
	StartedAt time.Time `json:"started_at"`

	// Source labels where the audio comes from, e.g. "microphone".
	Source string `json:"source"`
}

// SessionStore persists session rows. Implemented by the postgres sink.
type SessionStore interface {
	StartSession(ctx context.Context, id, source string, startedAt time.Time) error
	EndSession(ctx context.Context, id string, endedAt time.Time, s events.Summary) error
}

// SessionManager serialises session control for one engine. Starting while a
// session is active ends the old session first.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu     sync.Mutex
	active bool
	info   SessionInfo
	last   *engine.Report

	eng    *engine.Engine
	store  SessionStore
	source string
	now    func() time.Time
	log    *slog.Logger
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Engine *engine.Engine

	// Store is optional.
	Store SessionStore

	// Source labels persisted sessions. Default: "live".
	Source string

	Now    func() time.Time
	Logger *slog.Logger
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		eng:    cfg.Engine,
		store:  cfg.Store,
		source: cfg.Source,
		now:    cfg.Now,
		log:    cfg.Logger,
	}
	if sm.source == "" {
		sm.source = "live"
	}
	if sm.now == nil {
		sm.now = time.Now
	}
	if sm.log == nil {
		sm.log = slog.Default()
	}
	return sm
}

// Start begins a new session. An empty id is replaced by a random UUID. A
// running session is stopped and persisted first.
func (sm *SessionManager) Start(ctx context.Context, id string) SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.active {
		sm.stopLocked(ctx)
	}
	if id == "" {
		id = uuid.NewString()
	}
	info := SessionInfo{SessionID: id, StartedAt: sm.now().UTC(), Source: sm.source}

	// The row must exist before the first event is written.
	if sm.store != nil {
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		if err := sm.store.StartSession(sctx, id, sm.source, info.StartedAt); err != nil {
			sm.log.WarnContext(ctx, "session store: start failed", observe.SessionAttr, id, "err", err)
		}
		cancel()
	}

	sm.eng.StartSession(ctx, id)
	sm.active = true
	sm.info = info
	return info
}

// Stop ends the active session and returns its report. It reports false when
// no session was active.
func (sm *SessionManager) Stop(ctx context.Context) (engine.Report, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if !sm.active {
		return engine.Report{}, false
	}
	return sm.stopLocked(ctx), true
}

func (sm *SessionManager) stopLocked(ctx context.Context) engine.Report {
	rep, ok := sm.eng.StopSession(ctx)
	if !ok {
		rep = engine.Report{SessionID: sm.info.SessionID, Started: sm.info.StartedAt, Stopped: sm.now()}
	}
	sm.active = false
	sm.last = &rep

	if sm.store != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
		if err := sm.store.EndSession(sctx, rep.SessionID, rep.Stopped.UTC(), rep.Summary); err != nil {
			sm.log.WarnContext(ctx, "session store: end failed", observe.SessionAttr, rep.SessionID, "err", err)
		}
		cancel()
	}
	return rep
}

// Active returns the running session, if any.
func (sm *SessionManager) Active() (SessionInfo, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info, sm.active
}

// Last returns the report of the most recently stopped session.
func (sm *SessionManager) Last() (engine.Report, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.last == nil {
		return engine.Report{}, false
	}
	return *sm.last, true
}
