package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/emberlore/emberlore/pkg/types"
)

// LoreIndex stores one embedding vector per knowledge entry and answers
// nearest-neighbour queries over them. It complements keyword retrieval:
// a turn that never names an entry's keywords can still surface the entry
// when its embedding lands close to the turn's.
//
// Obtain one via [Archive.Lore] rather than constructing directly.
// All methods are safe for concurrent use.
type LoreIndex struct {
	pool *pgxpool.Pool
}

// SimilarEntry pairs a matched entry id with its cosine distance to the
// query vector. Lower distance means higher similarity.
type SimilarEntry struct {
	BaseID   string
	EntryID  string
	Content  string
	Distance float64
}

// UpsertEntry stores or replaces the embedding for one knowledge entry.
// The entry's content is stored alongside so recall results are usable
// without a second lookup.
func (l *LoreIndex) UpsertEntry(ctx context.Context, baseID string, entry types.KnowledgeEntry, embedding []float32) error {
	const q = `
		INSERT INTO lore_embeddings (base_id, entry_id, content, embedding, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (base_id, entry_id) DO UPDATE SET
		    content    = EXCLUDED.content,
		    embedding  = EXCLUDED.embedding,
		    updated_at = EXCLUDED.updated_at`

	vec := pgvector.NewVector(embedding)
	if _, err := l.pool.Exec(ctx, q, baseID, entry.ID, entry.Content, vec, time.Now()); err != nil {
		return fmt.Errorf("lore index: upsert entry: %w", err)
	}
	return nil
}

// DeleteEntry removes one entry's embedding. Deleting an unknown entry is
// not an error.
func (l *LoreIndex) DeleteEntry(ctx context.Context, baseID, entryID string) error {
	const q = `DELETE FROM lore_embeddings WHERE base_id = $1 AND entry_id = $2`
	if _, err := l.pool.Exec(ctx, q, baseID, entryID); err != nil {
		return fmt.Errorf("lore index: delete entry: %w", err)
	}
	return nil
}

// SimilarEntries returns the topK entries of one base closest to the query
// embedding by cosine distance, most similar first.
func (l *LoreIndex) SimilarEntries(ctx context.Context, baseID string, embedding []float32, topK int) ([]SimilarEntry, error) {
	if topK <= 0 {
		topK = 5
	}

	const q = `
		SELECT base_id, entry_id, content, embedding <=> $1 AS distance
		FROM   lore_embeddings
		WHERE  base_id = $2
		ORDER  BY distance
		LIMIT  $3`

	rows, err := l.pool.Query(ctx, q, pgvector.NewVector(embedding), baseID, topK)
	if err != nil {
		return nil, fmt.Errorf("lore index: similar entries: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SimilarEntry, error) {
		var se SimilarEntry
		if err := row.Scan(&se.BaseID, &se.EntryID, &se.Content, &se.Distance); err != nil {
			return SimilarEntry{}, err
		}
		return se, nil
	})
	if err != nil {
		return nil, fmt.Errorf("lore index: scan rows: %w", err)
	}
	if results == nil {
		results = []SimilarEntry{}
	}
	return results, nil
}
