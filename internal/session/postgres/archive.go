package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/emberlore/emberlore/pkg/types"
)

// Archive is the PostgreSQL-backed durable layer. It holds a single
// [pgxpool.Pool] and exposes the lore embedding index via [Archive.Lore].
//
// All operations are safe for concurrent use.
type Archive struct {
	pool *pgxpool.Pool
	lore *LoreIndex
}

// NewArchive connects to the database at dsn, registers pgvector types on
// every connection, and runs [Migrate].
func NewArchive(ctx context.Context, dsn string, embeddingDimensions int) (*Archive, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres archive: parse dsn: %w", err)
	}

	// Register pgvector types so vector columns scan into pgvector.Vector.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres archive: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres archive: migrate: %w", err)
	}

	return &Archive{
		pool: pool,
		lore: &LoreIndex{pool: pool},
	}, nil
}

// Lore returns the embedding index over knowledge entries.
func (a *Archive) Lore() *LoreIndex { return a.lore }

// Ping verifies database connectivity. Suitable as a readiness check.
func (a *Archive) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

// Close releases all connections held by the pool.
func (a *Archive) Close() {
	a.pool.Close()
}

// ArchiveMessage upserts one finalised message. Re-archiving after an edit
// or alternates swap replaces the stored row whole.
func (a *Archive) ArchiveMessage(ctx context.Context, sessionID string, msg types.Message) error {
	const q = `
		INSERT INTO archived_messages (id, session_id, role, content, speaker_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
		    role         = EXCLUDED.role,
		    content      = EXCLUDED.content,
		    speaker_name = EXCLUDED.speaker_name,
		    created_at   = EXCLUDED.created_at`

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := a.pool.Exec(ctx, q, msg.ID, sessionID, string(msg.Role), msg.Content, msg.SpeakerName, ts)
	if err != nil {
		return fmt.Errorf("postgres archive: archive message: %w", err)
	}
	return nil
}

// DeleteMessage removes one archived message. Deleting an unknown id is not
// an error.
func (a *Archive) DeleteMessage(ctx context.Context, messageID string) error {
	if _, err := a.pool.Exec(ctx, `DELETE FROM archived_messages WHERE id = $1`, messageID); err != nil {
		return fmt.Errorf("postgres archive: delete message: %w", err)
	}
	return nil
}

// SessionMessages returns a session's archived messages in chronological
// order. The slice is empty, never nil, when nothing is archived.
func (a *Archive) SessionMessages(ctx context.Context, sessionID string) ([]types.Message, error) {
	const q = `
		SELECT id, role, content, speaker_name, created_at
		FROM   archived_messages
		WHERE  session_id = $1
		ORDER  BY created_at, id`

	rows, err := a.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres archive: session messages: %w", err)
	}

	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Message, error) {
		var (
			m    types.Message
			role string
		)
		if err := row.Scan(&m.ID, &role, &m.Content, &m.SpeakerName, &m.Timestamp); err != nil {
			return types.Message{}, err
		}
		m.Role = types.Role(role)
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres archive: scan rows: %w", err)
	}
	if msgs == nil {
		msgs = []types.Message{}
	}
	return msgs, nil
}

// SearchMessages performs full-text search over archived content, scoped to
// one session when sessionID is non-empty. Results are ranked by relevance.
func (a *Archive) SearchMessages(ctx context.Context, sessionID, query string, limit int) ([]types.Message, error) {
	if limit <= 0 {
		limit = 20
	}

	const q = `
		SELECT id, role, content, speaker_name, created_at
		FROM   archived_messages
		WHERE  to_tsvector('english', content) @@ plainto_tsquery('english', $1)
		  AND  ($2 = '' OR session_id = $2)
		ORDER  BY ts_rank(to_tsvector('english', content), plainto_tsquery('english', $1)) DESC
		LIMIT  $3`

	rows, err := a.pool.Query(ctx, q, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres archive: search messages: %w", err)
	}

	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Message, error) {
		var (
			m    types.Message
			role string
		)
		if err := row.Scan(&m.ID, &role, &m.Content, &m.SpeakerName, &m.Timestamp); err != nil {
			return types.Message{}, err
		}
		m.Role = types.Role(role)
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres archive: scan rows: %w", err)
	}
	if msgs == nil {
		msgs = []types.Message{}
	}
	return msgs, nil
}

// SaveSummary upserts a session's running memory summary.
func (a *Archive) SaveSummary(ctx context.Context, sessionID, summary string) error {
	const q = `
		INSERT INTO memory_summaries (session_id, summary, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (session_id) DO UPDATE SET
		    summary    = EXCLUDED.summary,
		    updated_at = now()`

	if _, err := a.pool.Exec(ctx, q, sessionID, summary); err != nil {
		return fmt.Errorf("postgres archive: save summary: %w", err)
	}
	return nil
}

// Summary returns a session's stored memory summary, or "" when none exists.
func (a *Archive) Summary(ctx context.Context, sessionID string) (string, error) {
	var summary string
	err := a.pool.QueryRow(ctx,
		`SELECT summary FROM memory_summaries WHERE session_id = $1`, sessionID,
	).Scan(&summary)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("postgres archive: summary: %w", err)
	}
	return summary, nil
}
