// Package lore implements keyword-based retrieval over knowledge bases.
//
// An [Index] is an inverted index built from the keywords of a
// [types.KnowledgeBase]: plain keywords go into an exact-match table (and a
// stemmed table when stemming changes the word), while multiword keywords and
// keywords containing regex metacharacters compile into word-boundary
// patterns. Indexes are
// cheap to rebuild and are cached per base by [IndexCache], keyed on a
// serialized snapshot of the entry set, so repeated chat turns against an
// unchanged base never recompute.
//
// All exported types are safe for concurrent use.
package lore

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/emberlore/emberlore/pkg/types"
)

// minKeywordLen is the shortest keyword admitted to the index. One-character
// keywords match too much prose to carry any signal.
const minKeywordLen = 2

// regexMeta detects keywords the author intended as patterns rather than
// literal words.
const regexMeta = `\.+*?()|[]{}^$`

// patternKey is a compiled regex keyword bound to one entry.
type patternKey struct {
	re    *regexp.Regexp
	entry int // index into Index.entries
}

// Index is the derived, cached inverted index for one knowledge base.
// It is read-only after construction.
type Index struct {
	baseID  string
	entries []types.KnowledgeEntry // enabled entries in encounter order

	exact    map[string][]int
	stemmed  map[string][]int
	patterns []patternKey
	always   []int
	byID     map[string]int
}

// BaseID returns the ID of the knowledge base this index was built from.
func (ix *Index) BaseID() string { return ix.baseID }

// Entry returns the indexed entry with the given ID, if present.
func (ix *Index) Entry(id string) (types.KnowledgeEntry, bool) {
	i, ok := ix.byID[id]
	if !ok {
		return types.KnowledgeEntry{}, false
	}
	return ix.entries[i], true
}

// Len returns the number of enabled entries in the index.
func (ix *Index) Len() int { return len(ix.entries) }

// Build constructs an [Index] from base. Disabled entries are skipped.
// Keywords are trimmed and lower-cased; keywords shorter than two characters
// are dropped. A keyword containing regex metacharacters becomes a compiled
// word-boundary pattern; if compilation fails the keyword degrades to a
// word-anchored literal pattern rather than failing the build.
func Build(base types.KnowledgeBase) *Index {
	ix := &Index{
		baseID:  base.ID,
		exact:   make(map[string][]int),
		stemmed: make(map[string][]int),
		byID:    make(map[string]int),
	}

	for _, e := range base.Entries {
		if !e.Enabled {
			continue
		}
		idx := len(ix.entries)
		ix.entries = append(ix.entries, e)
		ix.byID[e.ID] = idx
		if e.AlwaysActive {
			ix.always = append(ix.always, idx)
		}

		for _, kw := range e.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if len(kw) < minKeywordLen {
				continue
			}

			if strings.ContainsAny(kw, regexMeta) {
				re, err := regexp.Compile(`\b(?:` + kw + `)\b`)
				if err != nil {
					// Degrade to a literal pattern so a broken regex still
					// matches its own text, without also matching inside
					// longer words.
					slog.Debug("lore: invalid regex keyword, using literal match",
						"base_id", base.ID, "entry_id", e.ID, "keyword", kw, "error", err)
					ix.patterns = append(ix.patterns, patternKey{re: literalPattern(kw), entry: idx})
					continue
				}
				ix.patterns = append(ix.patterns, patternKey{re: re, entry: idx})
				continue
			}

			ix.addExact(kw, idx)
		}
	}

	return ix
}

// addExact inserts kw into the exact table and, when stemming changes the
// word, into the stemmed table as well. Multiword keywords become literal
// patterns since word-level tables cannot represent them.
func (ix *Index) addExact(kw string, entry int) {
	if strings.ContainsRune(kw, ' ') {
		ix.patterns = append(ix.patterns, patternKey{re: literalPattern(kw), entry: entry})
		return
	}
	ix.exact[kw] = appendUnique(ix.exact[kw], entry)
	if st := Stem(kw); st != kw {
		ix.stemmed[st] = appendUnique(ix.stemmed[st], entry)
	}
}

// literalPattern compiles kw into a quoted regex anchored at word boundaries.
// An anchor is only applied where the edge of kw is an ASCII word character;
// \b beside a symbol would invert its meaning and reject matches like
// "cat(x)" for the keyword "cat(".
func literalPattern(kw string) *regexp.Regexp {
	expr := regexp.QuoteMeta(kw)
	if isWordByte(kw[0]) {
		expr = `\b` + expr
	}
	if isWordByte(kw[len(kw)-1]) {
		expr += `\b`
	}
	return regexp.MustCompile(expr)
}

func isWordByte(b byte) bool {
	return b == '_' ||
		('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z') || ('0' <= b && b <= '9')
}

func appendUnique(s []int, v int) []int {
	for _, x := range s {
		if x == v {
			return s
		}
	}
	return append(s, v)
}

// Stem applies a conservative suffix-stripping stemmer: trailing "ing"/"ed"
// for words longer than five characters, then trailing "es"/"s" for plurals
// unless the word ends in "ss" or "us". Multiword keywords pass through with
// only the final word stemmed.
func Stem(word string) string {
	if i := strings.LastIndexByte(word, ' '); i >= 0 {
		return word[:i+1] + Stem(word[i+1:])
	}
	if len(word) > 5 {
		if strings.HasSuffix(word, "ing") {
			return word[:len(word)-3]
		}
		if strings.HasSuffix(word, "ed") {
			return word[:len(word)-2]
		}
	}
	if strings.HasSuffix(word, "ss") || strings.HasSuffix(word, "us") {
		return word
	}
	if strings.HasSuffix(word, "es") {
		return word[:len(word)-2]
	}
	if strings.HasSuffix(word, "s") {
		return word[:len(word)-1]
	}
	return word
}

// IndexCache caches one [Index] per knowledge base. The cache is invalidated
// per base whenever the serialized entry set changes (enabled flags, keywords,
// or content); name and category edits do not force a rebuild.
//
// The cache is an explicit object owned by the engine instance rather than
// package-level state, so tests get isolated caches for free.
type IndexCache struct {
	mu      sync.Mutex
	indexes map[string]cachedIndex
	builds  int
}

type cachedIndex struct {
	snapshot string
	index    *Index
}

// NewIndexCache returns an empty cache.
func NewIndexCache() *IndexCache {
	return &IndexCache{indexes: make(map[string]cachedIndex)}
}

// Get returns the cached index for base, rebuilding only when the entry
// snapshot differs from the cached one.
func (c *IndexCache) Get(base types.KnowledgeBase) *Index {
	snap := snapshot(base)

	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.indexes[base.ID]; ok && cached.snapshot == snap {
		return cached.index
	}

	ix := Build(base)
	c.indexes[base.ID] = cachedIndex{snapshot: snap, index: ix}
	c.builds++
	return ix
}

// Invalidate drops the cached index for the given base ID.
func (c *IndexCache) Invalidate(baseID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.indexes, baseID)
}

// Builds returns how many index constructions the cache has performed.
// Exposed for tests and metrics.
func (c *IndexCache) Builds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.builds
}

// snapshot serializes the content-relevant fields of every entry. The
// separators cannot appear inside IDs, so distinct entry sets produce
// distinct snapshots.
func snapshot(base types.KnowledgeBase) string {
	var sb strings.Builder
	for _, e := range base.Entries {
		sb.WriteString(e.ID)
		sb.WriteByte(0x1f)
		if e.Enabled {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
		sb.WriteByte(0x1f)
		sb.WriteString(strings.Join(e.Keywords, "\x1e"))
		sb.WriteByte(0x1f)
		sb.WriteString(e.Content)
		sb.WriteByte(0x1d)
	}
	return sb.String()
}
