// Package postgres provides the durable archive behind the in-memory session
// store: finalised conversation turns are appended to PostgreSQL, and lore
// entries are indexed by embedding vector for semantic recall beyond keyword
// matching. The pgvector extension must be available in the target database;
// [Migrate] installs it via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	archive, err := postgres.NewArchive(ctx, dsn, 1536)
//	if err != nil { … }
//	defer archive.Close()
//
//	_ = archive.ArchiveMessage(ctx, sessionID, msg)
//	hits, _ := archive.Lore().SimilarEntries(ctx, baseID, queryVec, 5)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlArchivedMessages = `
CREATE TABLE IF NOT EXISTS archived_messages (
    id           TEXT         PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    role         TEXT         NOT NULL,
    content      TEXT         NOT NULL,
    speaker_name TEXT         NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_archived_messages_session
    ON archived_messages (session_id, created_at);

CREATE INDEX IF NOT EXISTS idx_archived_messages_fts
    ON archived_messages USING GIN (to_tsvector('english', content));
`

const ddlMemorySummaries = `
CREATE TABLE IF NOT EXISTS memory_summaries (
    session_id  TEXT         PRIMARY KEY,
    summary     TEXT         NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// ddlLoreEmbeddings returns the lore embedding DDL with the vector dimension
// substituted. The dimension is baked into the column type at creation time.
func ddlLoreEmbeddings(dimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS lore_embeddings (
    base_id     TEXT         NOT NULL,
    entry_id    TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    embedding   vector(%d),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (base_id, entry_id)
);

CREATE INDEX IF NOT EXISTS idx_lore_embeddings_vec
    ON lore_embeddings USING hnsw (embedding vector_cosine_ops);
`, dimensions)
}

// Migrate creates or ensures all required tables and extensions exist. It is
// idempotent and safe to call on every application start.
//
// dimensions must match the embedding model in use (e.g., 1536 for OpenAI
// text-embedding-3-small). Changing it after the first migration requires a
// manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dimensions int) error {
	statements := []string{
		ddlArchivedMessages,
		ddlMemorySummaries,
		ddlLoreEmbeddings(dimensions),
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
