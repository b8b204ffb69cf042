package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/hemdan/internal/observe"
)

// ErrAllFailed is returned when no entry of a [FallbackGroup] produced a
// result.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig is applied to the breaker of every entry in a group.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// Kind labels provider metrics, e.g. "llm". Metrics are recorded only
	// when Metrics is set.
	Kind    string
	Metrics *observe.Metrics
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup is an ordered list of interchangeable backends, each behind
// its own [CircuitBreaker]. Entries must be added before the group is shared
// between goroutines.
type FallbackGroup[T any] struct {
	cfg     FallbackConfig
	members []member[T]
}

// NewFallbackGroup returns a group whose first entry is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg}
	g.AddFallback(primaryName, primary)
	return g
}

// AddFallback appends an entry tried after all earlier ones.
func (g *FallbackGroup[T]) AddFallback(name string, value T) {
	bc := g.cfg.CircuitBreaker
	bc.Name = name
	g.members = append(g.members, member[T]{name: name, value: value, breaker: NewCircuitBreaker(bc)})
}

// Len returns the number of entries.
func (g *FallbackGroup[T]) Len() int { return len(g.members) }

// States reports each entry's breaker state by name.
func (g *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(g.members))
	for _, m := range g.members {
		out[m.name] = m.breaker.State()
	}
	return out
}

// Execute calls fn with each entry in order until one returns nil.
func (g *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := Do(g, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// Do calls fn with each entry in order and returns the first successful
// result. Entries with an open breaker are skipped. Once fn reports that the
// caller's context was cancelled the remaining entries are not tried.
func Do[T, R any](g *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for _, m := range g.members {
		var out R
		err := m.breaker.Execute(func() error {
			var err error
			out, err = fn(m.value)
			return err
		})
		switch {
		case err == nil:
			g.record(m.name, "ok")
			return out, nil
		case errors.Is(err, context.Canceled):
			return zero, err
		case errors.Is(err, ErrCircuitOpen):
			g.record(m.name, "skipped")
			slog.Debug("provider skipped, circuit open", "provider", m.name)
		default:
			g.record(m.name, "error")
			slog.Warn("provider failed", "provider", m.name, "err", err)
		}
		lastErr = err
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

func (g *FallbackGroup[T]) record(name, status string) {
	met := g.cfg.Metrics
	if met == nil {
		return
	}
	ctx := context.Background()
	met.RecordProviderRequest(ctx, name, g.cfg.Kind, status)
	if status == "error" {
		met.RecordProviderError(ctx, name, g.cfg.Kind)
	}
}
