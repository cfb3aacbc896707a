package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/turnkeeper/pkg/events"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id                   TEXT         PRIMARY KEY,
    started_at           TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at             TIMESTAMPTZ,
    source               TEXT         NOT NULL DEFAULT '',
    total_serves         INTEGER      NOT NULL DEFAULT 0,
    total_returns        INTEGER      NOT NULL DEFAULT 0,
    missed_opportunities INTEGER      NOT NULL DEFAULT 0,
    avg_latency_ms       BIGINT
);

CREATE INDEX IF NOT EXISTS idx_sessions_started_at
    ON sessions (started_at);
`

const ddlConversationEvents = `
CREATE TABLE IF NOT EXISTS conversation_events (
    id                  BIGSERIAL    PRIMARY KEY,
    session_id          TEXT         NOT NULL,
    type                TEXT         NOT NULL,
    offset_ms           BIGINT       NOT NULL,
    confidence          REAL         NOT NULL DEFAULT 0,
    pitch_hz            REAL,
    response_latency_ms BIGINT,
    silence_ms          BIGINT,
    recorded_at         TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversation_events_session
    ON conversation_events (session_id, offset_ms);
`

// Migrate creates the sessions and conversation_events tables if they do not
// exist. It is idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlSessions, ddlConversationEvents} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("sink: postgres: migrate: %w", err)
		}
	}
	return nil
}

// Postgres persists sessions and their events. Events without a session ID in
// their context are stored under the empty ID. Safe for concurrent use.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ events.Sink = (*Postgres)(nil)

// NewPostgres connects to dsn, verifies the connection and runs [Migrate].
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("sink: postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("sink: postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sink: postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() { p.pool.Close() }

// Ping checks database connectivity. It backs the readiness probe.
func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

// StartSession records a new session. Starting an existing ID again resets
// its end time and counters.
func (p *Postgres) StartSession(ctx context.Context, id, source string, startedAt time.Time) error {
	const q = `
		INSERT INTO sessions (id, started_at, source)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET started_at = EXCLUDED.started_at,
		    source = EXCLUDED.source,
		    ended_at = NULL,
		    total_serves = 0,
		    total_returns = 0,
		    missed_opportunities = 0,
		    avg_latency_ms = NULL`
	if _, err := p.pool.Exec(ctx, q, id, startedAt, source); err != nil {
		return fmt.Errorf("sink: postgres: start session: %w", err)
	}
	return nil
}

// EndSession stores the end time and summary of a session.
func (p *Postgres) EndSession(ctx context.Context, id string, endedAt time.Time, s events.Summary) error {
	const q = `
		UPDATE sessions
		SET ended_at = $2,
		    total_serves = $3,
		    total_returns = $4,
		    missed_opportunities = $5,
		    avg_latency_ms = $6
		WHERE id = $1`
	var avg *int64
	if d, ok := s.AverageLatency(); ok {
		v := d.Milliseconds()
		avg = &v
	}
	tag, err := p.pool.Exec(ctx, q, id, endedAt, s.TotalServes, s.TotalReturns, s.MissedOpportunities, avg)
	if err != nil {
		return fmt.Errorf("sink: postgres: end session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sink: postgres: end session: unknown session %q", id)
	}
	return nil
}

// Emit implements [events.Sink].
func (p *Postgres) Emit(ctx context.Context, ev events.Event) error {
	const q = `
		INSERT INTO conversation_events
		    (session_id, type, offset_ms, confidence, pitch_hz, response_latency_ms, silence_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	var (
		pitchHz        *float64
		latency, quiet *int64
	)
	if ev.PitchHz > 0 {
		pitchHz = &ev.PitchHz
	}
	switch ev.Type {
	case events.Return:
		v := ev.ResponseLatency.Milliseconds()
		latency = &v
	case events.MissedOpportunity:
		v := ev.SilenceDuration.Milliseconds()
		quiet = &v
	}
	_, err := p.pool.Exec(ctx, q,
		events.SessionID(ctx),
		ev.Type.String(),
		ev.Timestamp.Milliseconds(),
		ev.Confidence,
		pitchHz,
		latency,
		quiet,
	)
	if err != nil {
		return fmt.Errorf("sink: postgres: insert event: %w", err)
	}
	return nil
}

// Events returns the stored events of a session in timestamp order.
func (p *Postgres) Events(ctx context.Context, sessionID string) ([]events.Event, error) {
	const q = `
		SELECT type, offset_ms, confidence, pitch_hz, response_latency_ms, silence_ms
		FROM   conversation_events
		WHERE  session_id = $1
		ORDER  BY offset_ms, id`

	rows, err := p.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sink: postgres: query events: %w", err)
	}
	evs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (events.Event, error) {
		var (
			ev             events.Event
			typ            string
			offset         int64
			confidence     float32
			pitchHz        *float32
			latency, quiet *int64
		)
		if err := row.Scan(&typ, &offset, &confidence, &pitchHz, &latency, &quiet); err != nil {
			return ev, err
		}
		if err := ev.Type.UnmarshalText([]byte(typ)); err != nil {
			return ev, err
		}
		ev.Timestamp = time.Duration(offset) * time.Millisecond
		ev.Confidence = float64(confidence)
		if pitchHz != nil {
			ev.PitchHz = float64(*pitchHz)
		}
		if latency != nil {
			ev.ResponseLatency = time.Duration(*latency) * time.Millisecond
		}
		if quiet != nil {
			ev.SilenceDuration = time.Duration(*quiet) * time.Millisecond
		}
		return ev, nil
	})
	if err != nil {
		return nil, fmt.Errorf("sink: postgres: scan events: %w", err)
	}
	return evs, nil
}

// SessionSummary loads the stored summary counters of a session. ok is false
// when the session does not exist.
func (p *Postgres) SessionSummary(ctx context.Context, id string) (s events.Summary, ok bool, err error) {
	const q = `
		SELECT total_serves, total_returns, missed_opportunities
		FROM   sessions
		WHERE  id = $1`
	err = p.pool.QueryRow(ctx, q, id).Scan(&s.TotalServes, &s.TotalReturns, &s.MissedOpportunities)
	if errors.Is(err, pgx.ErrNoRows) {
		return events.Summary{}, false, nil
	}
	if err != nil {
		return events.Summary{}, false, fmt.Errorf("sink: postgres: session summary: %w", err)
	}
	return s, true, nil
}
