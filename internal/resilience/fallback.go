package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every target in a [FallbackGroup] failed or
// was skipped by its breaker.
var ErrAllFailed = errors.New("resilience: all targets failed")

// FallbackConfig configures the breaker created for each target.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary target and any number of fallbacks of the same
// type. Execute tries them in registration order, skipping targets whose
// breaker is open.
//
// Targets must be registered before the group is shared between goroutines.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a group with primary as the first target.
func NewFallbackGroup[T any](name string, primary T, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.Add(name, primary)
	return fg
}

// Add appends a fallback target.
func (fg *FallbackGroup[T]) Add(name string, target T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   target,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Len returns the number of targets.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// States returns the breaker state of every target, keyed by name.
func (fg *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(fg.entries))
	for i := range fg.entries {
		out[fg.entries[i].name] = fg.entries[i].breaker.State()
	}
	return out
}

// Execute calls fn with each target in order until one succeeds and returns
// the name of that target. When all fail, the error wraps [ErrAllFailed] and
// every per-target error.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(context.Context, T) error) (string, error) {
	errs := make([]error, 0, len(fg.entries))
	for i := range fg.entries {
		entry := &fg.entries[i]
		err := entry.breaker.Execute(ctx, func(ctx context.Context) error {
			return fn(ctx, entry.value)
		})
		if err == nil {
			return entry.name, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		errs = append(errs, fmt.Errorf("%s: %w", entry.name, err))
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping target, circuit open", "target", entry.name)
			continue
		}
		if i < len(fg.entries)-1 {
			slog.Warn("target failed, trying next", "target", entry.name, "err", err)
		}
	}
	return "", fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
