// Package mock provides a test double for the embeddings.Provider interface.
//
// Use Provider to return pre-canned embedding vectors without a live model
// and to verify that the correct texts are submitted for embedding.
//
// Example:
//
//	p := &mock.Provider{
//	    EmbedResult:     []float32{0.1, 0.2, 0.3},
//	    DimensionsValue: 3,
//	    ModelIDValue:    "test-embed-v1",
//	}
//	vec, _ := p.Embed(ctx, "hello world")
package mock

import (
	"context"
	"sync"

	"github.com/emberlore/emberlore/pkg/provider/embeddings"
)

// EmbedCall records a single invocation of Embed.
type EmbedCall struct {
	// Ctx is the context passed to Embed.
	Ctx context.Context
	// Text is the string passed to Embed.
	Text string
}

// EmbedBatchCall records a single invocation of EmbedBatch.
type EmbedBatchCall struct {
	// Ctx is the context passed to EmbedBatch.
	Ctx context.Context
	// Texts is a copy of the string slice passed to EmbedBatch.
	Texts []string
}

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// EmbedFn, if non-nil, computes the vector for each text. Useful for
	// deterministic per-text vectors in similarity tests. Takes priority
	// over EmbedResult, and EmbedBatch applies it per element.
	EmbedFn func(text string) []float32

	// EmbedResult is returned by Embed. If nil, a zero-length slice is returned.
	EmbedResult []float32

	// EmbedErr, if non-nil, is returned as the error from Embed.
	EmbedErr error

	// EmbedBatchResult is returned by EmbedBatch when EmbedFn is nil.
	EmbedBatchResult [][]float32

	// EmbedBatchErr, if non-nil, is returned as the error from EmbedBatch.
	EmbedBatchErr error

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// --- Call records (read after test) ---

	// EmbedCalls records every invocation of Embed in order.
	EmbedCalls []EmbedCall

	// EmbedBatchCalls records every invocation of EmbedBatch in order.
	EmbedBatchCalls []EmbedBatchCall
}

// Embed records the call and returns EmbedFn(text) or EmbedResult.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, EmbedCall{Ctx: ctx, Text: text})
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	if p.EmbedFn != nil {
		return p.EmbedFn(text), nil
	}
	return p.EmbedResult, nil
}

// EmbedBatch records the call and returns per-text EmbedFn results or
// EmbedBatchResult.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]string, len(texts))
	copy(cp, texts)
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, EmbedBatchCall{Ctx: ctx, Texts: cp})
	if p.EmbedBatchErr != nil {
		return nil, p.EmbedBatchErr
	}
	if p.EmbedFn != nil {
		out := make([][]float32, len(texts))
		for i, t := range texts {
			out[i] = p.EmbedFn(t)
		}
		return out, nil
	}
	return p.EmbedBatchResult, nil
}

// Dimensions returns DimensionsValue.
func (p *Provider) Dimensions() int {
	return p.DimensionsValue
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	return p.ModelIDValue
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = nil
	p.EmbedBatchCalls = nil
}

// Ensure Provider implements embeddings.Provider at compile time.
var _ embeddings.Provider = (*Provider)(nil)
