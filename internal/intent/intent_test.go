package intent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/hemdan/internal/phonetic"
	"github.com/MrWong99/hemdan/pkg/provider/llm"
	llmmock "github.com/MrWong99/hemdan/pkg/provider/llm/mock"
)

func reply(content string) *llmmock.Provider {
	return &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: content}}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	const utterance = "Who built the obelisk of Karnak?"
	tests := []struct {
		name     string
		provider *llmmock.Provider
		want     Result
	}{
		{
			name:     "lore query with subject",
			provider: reply(`{"intent": "lore_query", "subject": "obelisk of Karnak"}`),
			want:     Result{Intent: LoreQuery, Subject: "obelisk of Karnak"},
		},
		{
			name:     "place identification with null subject",
			provider: reply(`{"intent": "place_identification", "subject": null}`),
			want:     Result{Intent: PlaceIdentification},
		},
		{
			name:     "general conversation without subject key",
			provider: reply(`{"intent": "general_conversation"}`),
			want:     Result{Intent: GeneralConversation},
		},
		{
			name:     "fenced json",
			provider: reply("```json\n{\"intent\": \"place_identification\", \"subject\": \" temple \"}\n```"),
			want:     Result{Intent: PlaceIdentification, Subject: "temple"},
		},
		{
			name:     "malformed json falls back",
			provider: reply(`intent: lore_query`),
			want:     Result{Intent: LoreQuery, Subject: utterance},
		},
		{
			name:     "unknown label falls back",
			provider: reply(`{"intent": "trade", "subject": "gold"}`),
			want:     Result{Intent: LoreQuery, Subject: utterance},
		},
		{
			name:     "call failure falls back",
			provider: &llmmock.Provider{CompleteErr: errors.New("connection refused")},
			want:     Result{Intent: LoreQuery, Subject: utterance},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := New(tt.provider).Classify(context.Background(), utterance)
			if got != tt.want {
				t.Errorf("Classify = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestClassify_Request(t *testing.T) {
	t.Parallel()
	p := reply(`{"intent": "general_conversation", "subject": null}`)
	New(p).Classify(context.Background(), "Hello Hemdan")

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("Complete called %d times, want 1", len(calls))
	}
	req := calls[0].Req
	if req.ResponseFormat != llm.ResponseFormatJSON || req.Temperature != 0 || req.MaxTokens != 50 {
		t.Errorf("request = format %q temp %v max %d", req.ResponseFormat, req.Temperature, req.MaxTokens)
	}
	if !strings.Contains(req.SystemPrompt, "place_identification") {
		t.Error("system prompt does not list the intents")
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != llm.RoleUser || req.Messages[0].Content != "Hello Hemdan" {
		t.Errorf("messages = %+v", req.Messages)
	}
	if _, ok := calls[0].Ctx.Deadline(); !ok {
		t.Error("call context has no deadline")
	}
}

func TestClassify_Timeout(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{CompleteFunc: func(int, llm.CompletionRequest) (*llm.CompletionResponse, error) {
		time.Sleep(50 * time.Millisecond)
		return nil, context.DeadlineExceeded
	}}
	got := New(p, WithTimeout(10*time.Millisecond)).Classify(context.Background(), "what is this?")
	if got.Intent != LoreQuery || got.Subject != "what is this?" {
		t.Errorf("Classify = %+v, want lore fallback", got)
	}
	if d, _ := p.Calls()[0].Ctx.Deadline(); time.Until(d) > 10*time.Millisecond {
		t.Errorf("deadline %v is later than the configured timeout", d)
	}
}

func TestClassify_MatchesSubject(t *testing.T) {
	t.Parallel()
	m := phonetic.New([]string{"Obelisk of Karnak", "Temple of Luxor"})
	tests := []struct {
		content   string
		wantMatch string
	}{
		{`{"intent": "lore_query", "subject": "obelisk of carnac"}`, "Obelisk of Karnak"},
		{`{"intent": "lore_query", "subject": "temple of luxer"}`, "Temple of Luxor"},
		{`{"intent": "lore_query", "subject": "Ramesses"}`, ""},
		{`{"intent": "general_conversation", "subject": null}`, ""},
	}
	for _, tt := range tests {
		got := New(reply(tt.content), WithMatcher(m)).Classify(context.Background(), "question")
		if got.Match != tt.wantMatch {
			t.Errorf("%s: Match = %q, want %q", tt.content, got.Match, tt.wantMatch)
		}
	}
}

func TestIntent_Valid(t *testing.T) {
	t.Parallel()
	for _, i := range []Intent{PlaceIdentification, LoreQuery, GeneralConversation} {
		if !i.Valid() {
			t.Errorf("%q not valid", i)
		}
	}
	if Intent("").Valid() || Intent("lore").Valid() {
		t.Error("invalid label accepted")
	}
}
