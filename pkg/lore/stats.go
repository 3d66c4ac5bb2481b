package lore

import (
	"sync"
	"time"

	"github.com/emberlore/emberlore/pkg/types"
)

// StatsReader supplies entry interaction stats to the retriever. The
// retriever only reads; recording views is the engine's job after a prompt
// actually surfaced an entry.
type StatsReader interface {
	// Stat returns the interaction stat for (baseID, entryID). The second
	// return is false when the entry has never been viewed.
	Stat(baseID, entryID string) (types.EntryInteractionStat, bool)
}

// StatsStore extends [StatsReader] with recording.
type StatsStore interface {
	StatsReader

	// RecordView increments the view count and updates the last-viewed
	// timestamp for (baseID, entryID).
	RecordView(baseID, entryID string)
}

// Compile-time check that *MemStats satisfies [StatsStore].
var _ StatsStore = (*MemStats)(nil)

// MemStats is the in-memory [StatsStore]. Stats live independently of the
// entries they describe; a stat for a deleted entry is harmless dead weight.
//
// Safe for concurrent use.
type MemStats struct {
	mu    sync.RWMutex
	stats map[statKey]types.EntryInteractionStat
}

type statKey struct {
	baseID  string
	entryID string
}

// NewMemStats returns an empty stats store.
func NewMemStats() *MemStats {
	return &MemStats{stats: make(map[statKey]types.EntryInteractionStat)}
}

// Stat implements [StatsReader].
func (m *MemStats) Stat(baseID, entryID string) (types.EntryInteractionStat, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stats[statKey{baseID, entryID}]
	return s, ok
}

// RecordView implements [StatsStore].
func (m *MemStats) RecordView(baseID, entryID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := statKey{baseID, entryID}
	s := m.stats[k]
	s.BaseID = baseID
	s.EntryID = entryID
	s.ViewCount++
	s.LastViewed = time.Now()
	m.stats[k] = s
}
