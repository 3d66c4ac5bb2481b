package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/emberlore/emberlore/internal/session/postgres"
	"github.com/emberlore/emberlore/pkg/types"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if EMBERLORE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("EMBERLORE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("EMBERLORE_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestArchive creates a fresh [postgres.Archive]. Tables are created by
// Migrate; rows written by one test are isolated via unique session ids.
func newTestArchive(t *testing.T) *postgres.Archive {
	t.Helper()
	ctx := context.Background()

	archive, err := postgres.NewArchive(ctx, testDSN(t), testEmbeddingDim)
	if err != nil {
		t.Fatalf("NewArchive: %v", err)
	}
	t.Cleanup(archive.Close)
	return archive
}

func TestArchive_RoundTrip(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	sessionID := "sess-roundtrip-" + time.Now().Format("150405.000000000")

	m1 := types.Message{
		ID:        sessionID + "-m1",
		Role:      types.RoleUser,
		Content:   "I follow the river north.",
		Timestamp: time.Now().Add(-time.Minute),
	}
	m2 := types.Message{
		ID:          sessionID + "-m2",
		Role:        types.RoleAssistant,
		Content:     "The current quickens as the gorge narrows.",
		SpeakerName: "Mira",
		Timestamp:   time.Now(),
	}
	if err := a.ArchiveMessage(ctx, sessionID, m1); err != nil {
		t.Fatalf("ArchiveMessage: %v", err)
	}
	if err := a.ArchiveMessage(ctx, sessionID, m2); err != nil {
		t.Fatalf("ArchiveMessage: %v", err)
	}

	got, err := a.SessionMessages(ctx, sessionID)
	if err != nil {
		t.Fatalf("SessionMessages: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d messages, want 2", len(got))
	}
	if got[0].ID != m1.ID || got[1].ID != m2.ID {
		t.Errorf("messages out of order: %s, %s", got[0].ID, got[1].ID)
	}
	if got[1].SpeakerName != "Mira" {
		t.Errorf("speaker name = %q, want Mira", got[1].SpeakerName)
	}
}

func TestArchive_UpsertReplaces(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	sessionID := "sess-upsert-" + time.Now().Format("150405.000000000")

	m := types.Message{ID: sessionID + "-m", Role: types.RoleAssistant, Content: "draft", Timestamp: time.Now()}
	if err := a.ArchiveMessage(ctx, sessionID, m); err != nil {
		t.Fatalf("ArchiveMessage: %v", err)
	}
	m.Content = "final"
	if err := a.ArchiveMessage(ctx, sessionID, m); err != nil {
		t.Fatalf("ArchiveMessage (upsert): %v", err)
	}

	got, err := a.SessionMessages(ctx, sessionID)
	if err != nil {
		t.Fatalf("SessionMessages: %v", err)
	}
	if len(got) != 1 || got[0].Content != "final" {
		t.Errorf("upsert did not replace: %+v", got)
	}
}

func TestArchive_SearchMessages(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	sessionID := "sess-search-" + time.Now().Format("150405.000000000")

	msgs := []types.Message{
		{ID: sessionID + "-1", Role: types.RoleUser, Content: "The dragon sleeps on a hoard of silver.", Timestamp: time.Now()},
		{ID: sessionID + "-2", Role: types.RoleAssistant, Content: "A merchant sells rope and lanterns.", Timestamp: time.Now()},
	}
	for _, m := range msgs {
		if err := a.ArchiveMessage(ctx, sessionID, m); err != nil {
			t.Fatalf("ArchiveMessage: %v", err)
		}
	}

	hits, err := a.SearchMessages(ctx, sessionID, "dragon silver", 10)
	if err != nil {
		t.Fatalf("SearchMessages: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != msgs[0].ID {
		t.Errorf("unexpected search hits: %+v", hits)
	}
}

func TestArchive_SummaryRoundTrip(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	sessionID := "sess-summary-" + time.Now().Format("150405.000000000")

	if got, err := a.Summary(ctx, sessionID); err != nil || got != "" {
		t.Fatalf("expected empty summary for fresh session, got %q, %v", got, err)
	}
	if err := a.SaveSummary(ctx, sessionID, "first"); err != nil {
		t.Fatalf("SaveSummary: %v", err)
	}
	if err := a.SaveSummary(ctx, sessionID, "second"); err != nil {
		t.Fatalf("SaveSummary (upsert): %v", err)
	}
	got, err := a.Summary(ctx, sessionID)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if got != "second" {
		t.Errorf("summary = %q, want %q", got, "second")
	}
}

func TestLoreIndex_SimilarEntries(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	baseID := "base-" + time.Now().Format("150405.000000000")

	entries := []struct {
		entry types.KnowledgeEntry
		vec   []float32
	}{
		{types.KnowledgeEntry{ID: "north", Content: "the northern wastes"}, []float32{1, 0, 0, 0}},
		{types.KnowledgeEntry{ID: "south", Content: "the southern isles"}, []float32{0, 1, 0, 0}},
		{types.KnowledgeEntry{ID: "near-north", Content: "the frozen pass"}, []float32{0.9, 0.1, 0, 0}},
	}
	for _, e := range entries {
		if err := a.Lore().UpsertEntry(ctx, baseID, e.entry, e.vec); err != nil {
			t.Fatalf("UpsertEntry: %v", err)
		}
	}

	hits, err := a.Lore().SimilarEntries(ctx, baseID, []float32{1, 0, 0, 0}, 2)
	if err != nil {
		t.Fatalf("SimilarEntries: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].EntryID != "north" || hits[1].EntryID != "near-north" {
		t.Errorf("unexpected ranking: %s, %s", hits[0].EntryID, hits[1].EntryID)
	}
	if hits[0].Distance > hits[1].Distance {
		t.Error("results not ordered by ascending distance")
	}
}

func TestLoreIndex_DeleteEntry(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()
	baseID := "base-del-" + time.Now().Format("150405.000000000")

	entry := types.KnowledgeEntry{ID: "gone", Content: "soon removed"}
	if err := a.Lore().UpsertEntry(ctx, baseID, entry, []float32{0, 0, 1, 0}); err != nil {
		t.Fatalf("UpsertEntry: %v", err)
	}
	if err := a.Lore().DeleteEntry(ctx, baseID, "gone"); err != nil {
		t.Fatalf("DeleteEntry: %v", err)
	}
	hits, err := a.Lore().SimilarEntries(ctx, baseID, []float32{0, 0, 1, 0}, 5)
	if err != nil {
		t.Fatalf("SimilarEntries: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("expected no hits after delete, got %d", len(hits))
	}

	// Deleting again is not an error.
	if err := a.Lore().DeleteEntry(ctx, baseID, "gone"); err != nil {
		t.Errorf("second DeleteEntry: %v", err)
	}
}
