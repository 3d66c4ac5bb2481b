package engine

import (
	"context"
	"fmt"

	"github.com/emberlore/emberlore/internal/session/postgres"
	"github.com/emberlore/emberlore/pkg/provider/embeddings"
)

// SimilaritySearcher finds lore entries near an embedding vector. It is
// satisfied by [postgres.LoreIndex].
type SimilaritySearcher interface {
	SimilarEntries(ctx context.Context, baseID string, embedding []float32, topK int) ([]postgres.SimilarEntry, error)
}

// SemanticRecall implements [Recaller] over an embeddings provider and a
// vector similarity index: the query text is embedded and the nearest lore
// contents are returned as auxiliary retrieval texts.
type SemanticRecall struct {
	embedder embeddings.Provider
	index    SimilaritySearcher
}

// Compile-time check that *SemanticRecall satisfies [Recaller].
var _ Recaller = (*SemanticRecall)(nil)

// NewSemanticRecall creates a [SemanticRecall] over the given embedder and
// similarity index.
func NewSemanticRecall(embedder embeddings.Provider, index SimilaritySearcher) *SemanticRecall {
	return &SemanticRecall{embedder: embedder, index: index}
}

// Recall implements [Recaller].
func (r *SemanticRecall) Recall(ctx context.Context, baseID, text string, k int) ([]string, error) {
	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("engine: embed recall query: %w", err)
	}
	similar, err := r.index.SimilarEntries(ctx, baseID, vec, k)
	if err != nil {
		return nil, fmt.Errorf("engine: similar lore lookup: %w", err)
	}
	texts := make([]string, 0, len(similar))
	for _, s := range similar {
		texts = append(texts, s.Content)
	}
	return texts, nil
}
