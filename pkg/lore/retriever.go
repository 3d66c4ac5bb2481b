package lore

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/emberlore/emberlore/pkg/types"
)

// Retrieval tuning constants. The totals are additive across independent
// signals, so these weights only make sense relative to each other.
const (
	// TopK is the number of entries returned per retrieval.
	TopK = 7

	// alwaysActiveBonus guarantees always-active entries a seat regardless
	// of conversation content.
	alwaysActiveBonus = 100

	// speakerLinkBonus ties lore to the cast present in the scene.
	speakerLinkBonus = 50

	// interactionWeight scales log1p(viewCount) so repeat views help
	// without dominating linearly.
	interactionWeight = 15

	// matchExponent makes repeated mentions super-linear without being
	// purely linear.
	matchExponent = 1.2

	// auxTextBase is the contextual weight of persona and recall texts,
	// deliberately the same as the oldest message weight.
	auxTextBase = 2

	// recentTextBase and agePenalty set the per-message recency decay:
	// max(auxTextBase, recentTextBase - agePenalty*age).
	recentTextBase = 12
	agePenalty     = 2
)

// ScoredEntry pairs a retrieved entry with its total relevance score.
type ScoredEntry struct {
	Entry types.KnowledgeEntry
	Score float64
}

// Retrieve scores every indexed entry against the conversation window,
// auxiliary texts, interaction stats, and linked speaker names, and returns
// the top [TopK] entries by total score. Ties break by encounter order in
// the knowledge base.
//
// The window is ordered oldest-first; the last element is the most recent
// message and carries the highest contextual weight. Auxiliary texts
// (persona descriptions, semantic recall snippets) are scanned at the
// lowest weight.
//
// Retrieve is pure with respect to its inputs: it reads the index and stats
// but mutates nothing.
func Retrieve(ix *Index, window []types.Message, auxTexts []string, stats StatsReader, speakerNames []string) []ScoredEntry {
	if ix == nil || ix.Len() == 0 {
		return nil
	}

	scores := make([]float64, len(ix.entries))

	// Always-active bonus.
	for _, i := range ix.always {
		scores[i] += alwaysActiveBonus
	}

	// Interaction bonus.
	if stats != nil {
		for i, e := range ix.entries {
			if s, ok := stats.Stat(ix.baseID, e.ID); ok && s.ViewCount > 0 {
				scores[i] += math.Round(math.Log1p(float64(s.ViewCount)) * interactionWeight)
			}
		}
	}

	// Speaker-link bonus.
	for _, name := range speakerNames {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		for i, e := range ix.entries {
			if entryHasKeyword(e, name) {
				scores[i] += speakerLinkBonus
			}
		}
	}

	// Contextual match bonus: recent messages decay with age.
	for pos, msg := range window {
		age := len(window) - 1 - pos
		base := float64(recentTextBase - agePenalty*age)
		if base < auxTextBase {
			base = auxTextBase
		}
		scoreText(ix, msg.Content, base, scores)
	}
	for _, text := range auxTexts {
		scoreText(ix, text, auxTextBase, scores)
	}

	var ranked []ScoredEntry
	for i, s := range scores {
		if s > 0 {
			ranked = append(ranked, ScoredEntry{Entry: ix.entries[i], Score: s})
		}
	}
	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].Score > ranked[b].Score })
	if len(ranked) > TopK {
		ranked = ranked[:TopK]
	}
	return ranked
}

// scoreText finds every entry matching text and adds
// base * matchCount^matchExponent to its running score. Matches come from
// the exact table, the stemmed table (deduplicated against exact hits for
// the same word), and the compiled regex keywords.
func scoreText(ix *Index, text string, base float64, scores []float64) {
	if text == "" {
		return
	}
	lower := strings.ToLower(text)

	counts := make(map[int]int)

	for word, n := range wordCounts(lower) {
		exactHits := ix.exact[word]
		for _, e := range exactHits {
			counts[e] += n
		}

		// Stemmed lookup: stem both the text word and the keyword side, but
		// never double-count an entry already hit exactly by this word.
		st := Stem(word)
		seen := func(e int) bool {
			for _, x := range exactHits {
				if x == e {
					return true
				}
			}
			return false
		}
		if st != word {
			for _, e := range ix.exact[st] {
				if !seen(e) {
					counts[e] += n
				}
			}
		}
		for _, e := range ix.stemmed[st] {
			if !seen(e) {
				counts[e] += n
			}
		}
	}

	for _, p := range ix.patterns {
		if hits := p.re.FindAllStringIndex(lower, -1); len(hits) > 0 {
			counts[p.entry] += len(hits)
		}
	}

	for e, n := range counts {
		scores[e] += base * math.Pow(float64(n), matchExponent)
	}
}

// wordCounts tokenizes lower-cased text into words (letters, digits,
// apostrophes and hyphens survive inside a word) and returns per-word
// frequencies.
func wordCounts(lower string) map[string]int {
	counts := make(map[string]int)
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' && r != '-'
	})
	for _, f := range fields {
		f = strings.Trim(f, "'-")
		if len(f) >= minKeywordLen {
			counts[f]++
		}
	}
	return counts
}

// entryHasKeyword reports whether the entry carries want (already
// lower-cased and trimmed) as one of its keywords.
func entryHasKeyword(e types.KnowledgeEntry, want string) bool {
	for _, kw := range e.Keywords {
		if strings.ToLower(strings.TrimSpace(kw)) == want {
			return true
		}
	}
	return false
}
