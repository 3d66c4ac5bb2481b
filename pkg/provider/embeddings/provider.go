// Package embeddings defines the Provider interface for vector embedding backends.
//
// An embeddings provider maps text to dense float32 vectors. The archive layer
// uses these vectors for semantic recall: knowledge entries and summarised
// conversation spans are embedded once and matched against the embedding of the
// current turn by cosine distance.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by a single Provider instance share the dimensionality
// reported by Dimensions. Vectors from different instances must not be mixed
// in one similarity computation unless both use the same model and space.
type Provider interface {
	// Embed computes the embedding vector for a single text string. Returns a
	// float32 slice of length Dimensions() or an error if the request fails or
	// ctx is cancelled. Text is passed through verbatim; any model-specific
	// prefixing is the caller's concern.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes embedding vectors for a slice of texts in a single
	// provider call. The returned slice has the same length as texts and the
	// i-th element corresponds to texts[i]. On error the entire result is nil;
	// partial results are never returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed length of every vector produced by this
	// provider, constant for the instance's lifetime.
	Dimensions() int

	// ModelID returns the provider-specific model identifier, for logging and
	// for detecting model drift between indexing and querying.
	ModelID() string
}
