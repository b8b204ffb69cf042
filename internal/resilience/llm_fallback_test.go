package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/hemdan/pkg/provider/llm"
	llmmock "github.com/MrWong99/hemdan/pkg/provider/llm/mock"
)

func newLLMFallback(primary, backup llm.Provider) *LLMFallback {
	fb := NewLLMFallback(primary, "hosted", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("local", backup)
	return fb
}

func TestLLMFallback_Complete(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{CompleteErr: &llm.StatusError{Code: 503, Err: errors.New("overloaded")}}
	backup := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Ah, Lorenzo."}}
	fb := newLLMFallback(primary, backup)

	req := llm.CompletionRequest{
		SystemPrompt: "You are Hemdan.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "Where are we?"}},
	}
	resp, err := fb.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Ah, Lorenzo." {
		t.Errorf("Content = %q", resp.Content)
	}
	if len(primary.Calls()) != 1 || len(backup.Calls()) != 1 {
		t.Fatalf("calls: primary %d backup %d, want 1 each", len(primary.Calls()), len(backup.Calls()))
	}
	if got := backup.Calls()[0].Req.SystemPrompt; got != "You are Hemdan." {
		t.Errorf("backup got SystemPrompt %q, request not forwarded", got)
	}
}

func TestLLMFallback_CompleteAllFail(t *testing.T) {
	t.Parallel()
	fb := newLLMFallback(
		&llmmock.Provider{CompleteErr: errors.New("hosted down")},
		&llmmock.Provider{CompleteErr: errors.New("local down")},
	)
	if _, err := fb.Complete(context.Background(), llm.CompletionRequest{}); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestLLMFallback_StreamCompletion(t *testing.T) {
	t.Parallel()
	fb := newLLMFallback(
		&llmmock.Provider{StreamErr: errors.New("connect refused")},
		&llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "The obelisk "}, {Text: "of Karnak.", FinishReason: "stop"}}},
	)
	ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var text string
	for c := range ch {
		text += c.Text
	}
	if text != "The obelisk of Karnak." {
		t.Errorf("streamed %q", text)
	}
}

func TestLLMFallback_CapabilitiesFromPrimary(t *testing.T) {
	t.Parallel()
	fb := newLLMFallback(
		&llmmock.Provider{ModelCapabilities: llm.ModelCapabilities{ContextWindow: 128000, SupportsJSONMode: true}},
		&llmmock.Provider{ModelCapabilities: llm.ModelCapabilities{ContextWindow: 8192}},
	)
	caps := fb.Capabilities()
	if caps.ContextWindow != 128000 || !caps.SupportsJSONMode {
		t.Errorf("Capabilities = %+v, want primary's", caps)
	}
	if n, err := fb.CountTokens([]llm.Message{{Role: llm.RoleUser, Content: "abcdefgh"}}); err != nil || n != 6 {
		t.Errorf("CountTokens = %d, %v, want 6", n, err)
	}
	if s := fb.States(); len(s) != 2 || s["hosted"] != StateClosed {
		t.Errorf("States = %v", s)
	}
}
