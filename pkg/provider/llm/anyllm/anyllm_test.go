package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/hemdan/pkg/provider/llm"
)

func TestConvertMessage(t *testing.T) {
	got := convertMessage(llm.Message{Role: llm.RoleAssistant, Content: "Marhaba", Name: "Hemdan"})
	if got.Role != "assistant" || got.ContentString() != "Marhaba" || got.Name != "Hemdan" {
		t.Errorf("convertMessage = %+v, want assistant/Marhaba/Hemdan", got)
	}
}

func TestBuildParams(t *testing.T) {
	p := &Provider{model: "claude-sonnet-4-5"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "persona",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		Temperature:  0,
		MaxTokens:    50,
	})
	if len(params.Messages) != 2 || params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Fatalf("messages = %+v, want system + user", params.Messages)
	}
	if params.Temperature == nil || *params.Temperature != 0 {
		t.Errorf("Temperature = %v, want explicit 0", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 50 {
		t.Errorf("MaxTokens = %v, want 50", params.MaxTokens)
	}

	params = p.buildParams(llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	if params.MaxTokens != nil {
		t.Errorf("MaxTokens = %v, want nil when unset", *params.MaxTokens)
	}
}

func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model      string
		wantWindow int
		wantJSON   bool
	}{
		{"gpt-4o-mini", 128_000, true},
		{"Claude-Sonnet-4-5", 200_000, false},
		{"gemini-2.0-flash", 1_048_576, true},
		{"llama3.1:8b", 128_000, false},
		{"my-custom-model", 32_768, false},
	}
	for _, tc := range tests {
		t.Run(tc.model, func(t *testing.T) {
			caps := modelCapabilities(tc.model)
			if caps.ContextWindow != tc.wantWindow {
				t.Errorf("ContextWindow = %d, want %d", caps.ContextWindow, tc.wantWindow)
			}
			if caps.SupportsJSONMode != tc.wantJSON {
				t.Errorf("SupportsJSONMode = %v, want %v", caps.SupportsJSONMode, tc.wantJSON)
			}
		})
	}
}

func TestNew(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty providerName")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy")); err == nil {
		t.Error("expected error for unsupported provider")
	}
	if _, err := New("anthropic", "claude-sonnet-4-5", anyllmlib.WithAPIKey("sk-ant-test")); err != nil {
		t.Errorf("anthropic with key: %v", err)
	}
	if _, err := New("ollama", "llama3"); err != nil {
		t.Errorf("ollama without key: %v", err)
	}
}

func TestCountTokens(t *testing.T) {
	p := &Provider{model: "llama3"}
	n, err := p.CountTokens([]llm.Message{{Content: "Hello world"}, {Content: ""}})
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	// (11+3)/4 + 4 for the first, 0 + 4 for the second.
	if n != 11 {
		t.Errorf("CountTokens = %d, want 11", n)
	}
}
