package llm

// Message represents a single message in a completion request.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name for multi-speaker contexts.
	Name string
}

// CompletionRequest carries everything the model needs to produce a
// response. A zero-value request is invalid; at minimum Messages must be
// non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. Roles must strictly
	// alternate between "user" and "assistant" after any leading system
	// messages; use the session window normalizer before building a request.
	Messages []Message

	// SystemPrompt is the assembled system directive, injected ahead of
	// Messages as a "system" role message by providers without a dedicated
	// system field.
	SystemPrompt string

	// Temperature controls sampling randomness in [0.0, 2.0].
	Temperature float64

	// MaxTokens caps completion length. Zero means provider default.
	MaxTokens int

	// ResponseJSON asks the provider for a JSON-object response when the
	// backend supports it. Used by director-mode and consistency calls.
	ResponseJSON bool
}

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	// Content is the full text of the model's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// EventKind discriminates the variants of a [StreamEvent].
type EventKind int

const (
	// EventResponseStarted signals that reasoning (if any) is finished and
	// the reply text is about to stream.
	EventResponseStarted EventKind = iota

	// EventChunk carries an incremental text fragment. The concatenation of
	// all chunk texts is the full response.
	EventChunk

	// EventReasoningStep carries one completed step of multi-step thinking.
	EventReasoningStep

	// EventDone signals normal stream termination.
	EventDone

	// EventError signals abnormal stream termination. No further events
	// follow; the channel closes.
	EventError
)

// String returns the event kind's name.
func (k EventKind) String() string {
	switch k {
	case EventResponseStarted:
		return "response_started"
	case EventChunk:
		return "chunk"
	case EventReasoningStep:
		return "reasoning_step"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// StreamEvent is the tagged variant emitted on a streaming completion
// channel. Consumers dispatch on Kind; only the fields documented for each
// kind are meaningful.
type StreamEvent struct {
	Kind EventKind

	// Text is the fragment for EventChunk.
	Text string

	// Title and Content describe an EventReasoningStep.
	Title   string
	Content string

	// FinishReason is set on EventDone: "stop", "length", or "".
	FinishReason string

	// Err is set on EventError.
	Err error
}

// Chunk constructs an EventChunk.
func Chunk(text string) StreamEvent {
	return StreamEvent{Kind: EventChunk, Text: text}
}

// ReasoningStep constructs an EventReasoningStep.
func ReasoningStep(title, content string) StreamEvent {
	return StreamEvent{Kind: EventReasoningStep, Title: title, Content: content}
}

// ResponseStarted constructs an EventResponseStarted.
func ResponseStarted() StreamEvent {
	return StreamEvent{Kind: EventResponseStarted}
}

// Done constructs an EventDone.
func Done(finishReason string) StreamEvent {
	return StreamEvent{Kind: EventDone, FinishReason: finishReason}
}

// Error constructs an EventError.
func Error(err error) StreamEvent {
	return StreamEvent{Kind: EventError, Err: err}
}
