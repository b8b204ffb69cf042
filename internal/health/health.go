// Package health provides the liveness and readiness endpoints and the
// readiness flag that gates the chat API.
//
//   - /healthz: liveness, always 200 while the process serves HTTP.
//   - /readyz: 200 only when every registered [Checker] passes.
//
// Responses are JSON objects with a "status" field ("ok" or "fail") and a
// "checks" map holding the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when the dependency
// is healthy and must respect context cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] for checkers. They run concurrently on each
// /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every checker with a [checkTimeout] deadline and returns 200
// only when all pass.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res, ok := h.Evaluate(r.Context())
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Evaluate runs all checkers and reports per-check results.
func (h *Handler) Evaluate(ctx context.Context) (result, bool) {
	checks := make(map[string]string, len(h.checkers))
	var (
		mu    sync.Mutex
		allOK = true
		g     errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			err := c.Check(cctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
			} else {
				checks[c.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	if !allOK {
		res.Status = "fail"
	}
	return res, allOK
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// ErrNotReady is reported by [Flag.Check] until the flag is set.
var ErrNotReady = errors.New("not ready")

// Flag is an explicit readiness switch. The zero value is not ready. It is
// safe for concurrent use.
type Flag struct {
	ready  atomic.Bool
	reason atomic.Value // string
}

// Set marks the flag ready.
func (f *Flag) Set() {
	f.ready.Store(true)
	f.reason.Store("")
}

// Unset marks the flag not ready with a human-readable reason.
func (f *Flag) Unset(reason string) {
	f.ready.Store(false)
	f.reason.Store(reason)
}

// Ready reports whether the flag is set.
func (f *Flag) Ready() bool { return f.ready.Load() }

// Check adapts the flag to [Checker.Check].
func (f *Flag) Check(context.Context) error {
	if f.ready.Load() {
		return nil
	}
	if r, _ := f.reason.Load().(string); r != "" {
		return errors.Join(ErrNotReady, errors.New(r))
	}
	return ErrNotReady
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
