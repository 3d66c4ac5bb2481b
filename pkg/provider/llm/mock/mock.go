// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the engine sends correct
// CompletionRequests and to feed controlled responses without a live LLM
// backend. All fields are safe to set before calling any method; mutating
// them during a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    StreamEvents: []llm.StreamEvent{llm.Chunk("Hi!"), llm.Done("stop")},
//	}
//	ch, err := p.StreamCompletion(ctx, req)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/emberlore/emberlore/pkg/provider/llm"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	// Ctx is the context passed to StreamCompletion.
	Ctx context.Context
	// Req is the CompletionRequest passed to StreamCompletion.
	Req llm.CompletionRequest
}

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// CountTokensCall records a single invocation of CountTokens.
type CountTokensCall struct {
	// Messages is the slice passed to CountTokens.
	Messages []llm.Message
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause methods to return zero values and nil errors.
// Set Err fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// StreamEvents is the sequence of events emitted on the channel returned
	// by StreamCompletion. All events are sent before the channel is closed.
	StreamEvents []llm.StreamEvent

	// StreamDelay, if non-zero, is slept between consecutive stream events.
	// Useful for exercising cancellation and throttling behaviour.
	StreamDelay time.Duration

	// StreamFn, if non-nil, replaces the canned StreamEvents behaviour
	// entirely. The call is still recorded.
	StreamFn func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamEvent, error)

	// StreamErr, if non-nil, is returned as the error from StreamCompletion
	// instead of starting a channel.
	StreamErr error

	// CompleteResponse is returned by Complete. May be nil (returns nil, nil).
	CompleteResponse *llm.CompletionResponse

	// CompleteResponses, if non-empty, is consumed one response per Complete
	// call before falling back to CompleteResponse.
	CompleteResponses []*llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// CompleteErrs, if non-empty, is consumed one error per Complete call
	// before falling back to CompleteErr. Nil entries mean success.
	CompleteErrs []error

	// TokenCount is returned by CountTokens. When zero, CountTokens falls
	// back to the shared coarse estimate so session-budget tests behave like
	// a real provider.
	TokenCount int

	// CountTokensErr, if non-nil, is returned as the error from CountTokens.
	CountTokensErr error

	// ModelCapabilities is returned by Capabilities.
	ModelCapabilities llm.ModelCapabilities

	// --- Call records (read after test) ---

	// StreamCalls records every invocation of StreamCompletion in order.
	StreamCalls []StreamCall

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall

	// CountTokensCalls records every invocation of CountTokens in order.
	CountTokensCalls []CountTokensCall

	// CapabilitiesCallCount is the number of times Capabilities was called.
	CapabilitiesCallCount int
}

// StreamCompletion records the call and returns a channel that emits StreamEvents.
// If StreamErr is set, it returns nil, StreamErr without opening a channel.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	if p.StreamFn != nil {
		fn := p.StreamFn
		p.mu.Unlock()
		return fn(ctx, req)
	}
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	events := make([]llm.StreamEvent, len(p.StreamEvents))
	copy(events, p.StreamEvents)
	delay := p.StreamDelay
	p.mu.Unlock()

	ch := make(chan llm.StreamEvent, len(events))
	go func() {
		defer close(ch)
		for i, ev := range events {
			if delay > 0 && i > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
			}
			select {
			case <-ctx.Done():
				return
			case ch <- ev:
			}
		}
	}()
	return ch, nil
}

// Complete records the call and returns the next queued response, or the
// CompleteResponse/CompleteErr fallbacks.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})

	var err error
	if len(p.CompleteErrs) > 0 {
		err = p.CompleteErrs[0]
		p.CompleteErrs = p.CompleteErrs[1:]
	} else {
		err = p.CompleteErr
	}
	if err != nil {
		return nil, err
	}

	if len(p.CompleteResponses) > 0 {
		resp := p.CompleteResponses[0]
		p.CompleteResponses = p.CompleteResponses[1:]
		return resp, nil
	}
	return p.CompleteResponse, nil
}

// CountTokens records the call and returns TokenCount, CountTokensErr.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := make([]llm.Message, len(messages))
	copy(msgs, messages)
	p.CountTokensCalls = append(p.CountTokensCalls, CountTokensCall{Messages: msgs})
	if p.CountTokensErr != nil {
		return 0, p.CountTokensErr
	}
	if p.TokenCount != 0 {
		return p.TokenCount, nil
	}
	return llm.EstimateTokens(messages), nil
}

// Capabilities records the call and returns ModelCapabilities.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ModelCapabilities
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
	p.CompleteCalls = nil
	p.CountTokensCalls = nil
	p.CapabilitiesCallCount = 0
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
