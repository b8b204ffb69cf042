// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider wraps a remote or local model API (OpenAI, Anthropic, Gemini,
// a local Ollama instance, …) and exposes a uniform interface Hemdan uses for
// both intent classification and in-character generation, without coupling to
// any specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import "context"

// FinishReasonError marks a streamed Chunk that carries a mid-stream failure
// in its Text field.
const FinishReasonError = "error"

// ResponseFormatJSON asks the model for a single JSON object.
const ResponseFormatJSON = "json_object"

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is sent as the first "system" message when non-empty.
	SystemPrompt string

	// Messages is the ordered conversation. The last message is normally from
	// the "user" role.
	Messages []Message

	// Temperature controls output randomness in the range [0.0, 2.0]. It is
	// always forwarded, so 0 requests greedy decoding.
	Temperature float64

	// MaxTokens caps the completion length. Zero means the provider default.
	MaxTokens int

	// ResponseFormat is "" for free text or [ResponseFormatJSON]. Providers
	// without a native JSON mode ignore it; the prompt must ask for JSON too.
	ResponseFormat string
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content. On a FinishReasonError chunk it
	// holds the error message instead.
	Text string

	// FinishReason is set on the final chunk: "stop", "length",
	// [FinishReasonError], or "" for non-final chunks.
	FinishReason string
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a channel that emits
	// Chunk values as they arrive. The channel is closed when generation
	// finishes or ctx is cancelled; it is never nil when error is nil.
	//
	// Errors after the stream has started arrive as a Chunk with
	// FinishReason == FinishReasonError. Callers must drain the channel.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates how many tokens messages would consume. It may
	// over-count but should not under-count.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static metadata about the underlying model.
	Capabilities() ModelCapabilities
}

// EstimateTokens is the ~4 characters per token approximation shared by
// providers without a local tokenizer, plus a small per-message overhead.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content)+3)/4 + 4
	}
	return total
}

// StatusError carries the HTTP status of a failed backend call. It reports
// itself as transient for rate limiting and server-side failures.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string { return e.Err.Error() }

func (e *StatusError) Unwrap() error { return e.Err }

// Transient reports whether retrying the call may succeed.
func (e *StatusError) Transient() bool {
	return e.Code == 429 || e.Code >= 500
}
