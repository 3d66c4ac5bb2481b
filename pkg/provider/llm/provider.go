// Package llm defines the Provider interface for text-generation backends.
//
// An LLM provider wraps a remote or local model API (OpenAI, an
// OpenRouter-style SSE endpoint, or any backend supported by any-llm-go) and
// exposes a uniform interface for the generation engine to stream
// completions, perform one-shot completions, and estimate token counts
// without coupling to any specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends
// or when the supplied context is cancelled.
package llm

import "context"

// Provider is the abstraction over any text-generation backend.
type Provider interface {
	// StreamCompletion starts a streaming completion and returns a channel
	// of [StreamEvent] values. The channel is closed when the stream
	// finishes, fails, or ctx is cancelled. A non-nil error return means
	// the stream never started (configuration or connection failure).
	//
	// Cancellation via ctx is not reported as an event error; the channel
	// simply closes after the events already produced. Callers decide
	// whether partial output is kept.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error)

	// Complete performs a non-streaming completion and returns the full
	// response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the token count for messages. Estimates are
	// deliberately coarse (roughly four characters per token) and must be
	// applied uniformly so budgets stay comparable.
	CountTokens(messages []Message) (int, error)

	// Capabilities reports the model's limits.
	Capabilities() ModelCapabilities
}

// ModelCapabilities describes what the configured model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens one completion may generate.
	MaxOutputTokens int

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// EstimateTokens is the shared coarse token estimate: ceil(len/4) per
// message content plus a small per-message overhead for role framing.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total
}
