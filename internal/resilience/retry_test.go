package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/MrWong99/hemdan/pkg/provider/llm"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsTransient(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("bad request"), false},
		{"deadline", fmt.Errorf("generate: %w", context.DeadlineExceeded), true},
		{"cancelled", fmt.Errorf("generate: %w", context.Canceled), false},
		{"net timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, true},
		{"marked", Transient(errors.New("model warming up")), true},
		{"rate limited", fmt.Errorf("openai: %w", &llm.StatusError{Code: 429, Err: errors.New("slow down")}), true},
		{"server error", &llm.StatusError{Code: 502, Err: errors.New("bad gateway")}, true},
		{"unauthorized", &llm.StatusError{Code: 401, Err: errors.New("no key")}, false},
		{"circuit open", fmt.Errorf("%w: %w", ErrAllFailed, ErrCircuitOpen), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
	if Transient(nil) != nil {
		t.Error("Transient(nil) != nil")
	}
}

func TestRetry(t *testing.T) {
	orig := RetryBackoff
	RetryBackoff = time.Millisecond
	t.Cleanup(func() { RetryBackoff = orig })

	tests := []struct {
		name      string
		attempts  int
		errs      []error
		wantCalls int
		wantErr   bool
	}{
		{"first try", 2, []error{nil}, 1, false},
		{"transient then ok", 2, []error{context.DeadlineExceeded, nil}, 2, false},
		{"transient twice", 2, []error{context.DeadlineExceeded, context.DeadlineExceeded}, 2, true},
		{"permanent", 3, []error{errors.New("invalid request")}, 1, true},
		{"zero attempts runs once", 0, []error{context.DeadlineExceeded}, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Retry(context.Background(), tt.attempts, func(context.Context) error {
				e := tt.errs[min(calls, len(tt.errs)-1)]
				calls++
				return e
			})
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetry_StopsWhenContextEnds(t *testing.T) {
	orig := RetryBackoff
	RetryBackoff = time.Hour
	t.Cleanup(func() { RetryBackoff = orig })

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Retry(ctx, 5, func(context.Context) error {
		calls++
		return Transient(errors.New("busy"))
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if err == nil {
		t.Error("want the last error from fn")
	}
}
