package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/turnkeeper/internal/resilience"
)

func ok(context.Context) error { return nil }

func get(t *testing.T, h http.HandlerFunc, ctx context.Context) (int, result) {
	t.Helper()
	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h(rec, req)

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthz_AlwaysReturns200(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "broken", Check: func(context.Context) error { return errors.New("down") }})

	code, body := get(t, h.Healthz, context.Background())
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("healthz = %d %q, want 200 ok", code, body.Status)
	}
}

func TestHealthz_ContentType(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	New().Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		wantStatus int
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{},
		},
		{
			name:       "all pass",
			checkers:   []Checker{{Name: "engine", Check: ok}, {Name: "postgres", Check: ok}},
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"engine": "ok", "postgres": "ok"},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "postgres", Check: func(context.Context) error { return errors.New("connection refused") }},
				{Name: "engine", Check: ok},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"postgres": "fail: connection refused", "engine": "ok"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, body := get(t, New(tt.checkers...).Readyz, context.Background())
			if code != tt.wantStatus {
				t.Errorf("status = %d, want %d", code, tt.wantStatus)
			}
			if len(body.Checks) != len(tt.wantChecks) {
				t.Errorf("checks = %v, want %v", body.Checks, tt.wantChecks)
			}
			for k, v := range tt.wantChecks {
				if body.Checks[k] != v {
					t.Errorf("check %s = %q, want %q", k, body.Checks[k], v)
				}
			}
		})
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()
	slow := func(context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	}
	h := New(
		Checker{Name: "a", Check: slow},
		Checker{Name: "b", Check: slow},
		Checker{Name: "c", Check: slow},
	)

	start := time.Now()
	code, _ := get(t, h.Readyz, context.Background())
	if code != http.StatusOK {
		t.Errorf("status = %d", code)
	}
	if d := time.Since(start); d > 500*time.Millisecond {
		t.Errorf("readyz took %v, checks ran sequentially", d)
	}
}

func TestAdd(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "engine", Check: ok})
	h.Add(Checker{Name: "file", Check: func(context.Context) error { return errors.New("disk full") }})

	code, body := get(t, h.Readyz, context.Background())
	if code != http.StatusServiceUnavailable || body.Checks["file"] != "fail: disk full" {
		t.Errorf("readyz = %d %v", code, body.Checks)
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	New(Checker{Name: "test", Check: ok}).Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, rec.Code)
		}
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	t.Parallel()
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if code, _ := get(t, h.Readyz, ctx); code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", code, http.StatusServiceUnavailable)
	}
}

// ─── stock checkers ──────────────────────────────────────────────────────────

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestPingCheck(t *testing.T) {
	t.Parallel()
	if err := PingCheck("pg", pinger{}).Check(context.Background()); err != nil {
		t.Errorf("healthy ping: %v", err)
	}
	if err := PingCheck("pg", pinger{err: errors.New("eof")}).Check(context.Background()); err == nil {
		t.Error("failing ping reported healthy")
	}
}

func TestBreakerCheck(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state   resilience.State
		wantErr bool
	}{
		{state: resilience.StateClosed},
		{state: resilience.StateHalfOpen},
		{state: resilience.StateOpen, wantErr: true},
	}
	for _, tt := range tests {
		c := BreakerCheck("postgres", func() resilience.State { return tt.state })
		if err := c.Check(context.Background()); (err != nil) != tt.wantErr {
			t.Errorf("state %v: err = %v, wantErr %v", tt.state, err, tt.wantErr)
		}
	}
}

func TestBreakerCheck_LiveBreaker(t *testing.T) {
	t.Parallel()
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "file", MaxFailures: 1, ResetTimeout: time.Hour})
	c := BreakerCheck("file", cb.State)

	if err := c.Check(context.Background()); err != nil {
		t.Fatalf("closed breaker: %v", err)
	}
	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("boom") })
	if err := c.Check(context.Background()); err == nil {
		t.Error("open breaker reported healthy")
	}
}

func TestReadyCheck(t *testing.T) {
	t.Parallel()
	ready := false
	c := ReadyCheck("engine", func() bool { return ready })
	if err := c.Check(context.Background()); err == nil {
		t.Error("not-ready probe passed")
	}
	ready = true
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("ready probe failed: %v", err)
	}
}
