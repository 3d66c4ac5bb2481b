package lore_test

import (
	"fmt"
	"math"
	"testing"

	"github.com/emberlore/emberlore/pkg/lore"
	"github.com/emberlore/emberlore/pkg/types"
)

func retrievalBase() types.KnowledgeBase {
	return types.KnowledgeBase{
		ID: "world-r",
		Entries: []types.KnowledgeEntry{
			{ID: "A", Name: "Creed", Keywords: []string{"creed"}, Content: "The order's creed.", Enabled: true, AlwaysActive: true},
			{ID: "B", Name: "Sword", Keywords: []string{"sword"}, Content: "A named blade.", Enabled: true},
			{ID: "C", Name: "Keep", Keywords: []string{"fortress"}, Content: "Black stone.", Enabled: true},
		},
	}
}

func userMsg(content string) types.Message {
	return types.Message{Role: types.RoleUser, Content: content}
}

func TestRetrieve_AlwaysActiveIncludedRegardlessOfContent(t *testing.T) {
	t.Parallel()

	ix := lore.Build(retrievalBase())
	got := lore.Retrieve(ix, []types.Message{userMsg("nothing relevant here")}, nil, nil, nil)

	if len(got) != 1 {
		t.Fatalf("got %d entries, want only the always-active one", len(got))
	}
	if got[0].Entry.ID != "A" {
		t.Fatalf("got entry %q, want always-active A", got[0].Entry.ID)
	}
	if got[0].Score < 100 {
		t.Errorf("always-active score = %v, want >= 100", got[0].Score)
	}
}

func TestRetrieve_KeywordMatchScoresAboveZero(t *testing.T) {
	t.Parallel()

	ix := lore.Build(retrievalBase())
	got := lore.Retrieve(ix, []types.Message{userMsg("I draw my sword")}, nil, nil, nil)

	if len(got) != 2 {
		t.Fatalf("got %d entries, want A (always) and B (matched)", len(got))
	}
	byID := map[string]float64{}
	for _, s := range got {
		byID[s.Entry.ID] = s.Score
	}
	if byID["B"] <= 0 {
		t.Errorf("B score = %v, want > 0", byID["B"])
	}
	if byID["A"] < 100 {
		t.Errorf("A score = %v, want >= 100", byID["A"])
	}
}

func TestRetrieve_StemmedMatch(t *testing.T) {
	t.Parallel()

	ix := lore.Build(retrievalBase())
	got := lore.Retrieve(ix, []types.Message{userMsg("two swords crossed")}, nil, nil, nil)

	found := false
	for _, s := range got {
		if s.Entry.ID == "B" {
			found = true
		}
	}
	if !found {
		t.Error("plural 'swords' should match keyword 'sword' via stemming")
	}
}

func TestRetrieve_RecencyDecay(t *testing.T) {
	t.Parallel()

	ix := lore.Build(retrievalBase())

	// "sword" in the most recent message scores 12 * 1^1.2 = 12.
	recent := lore.Retrieve(ix, []types.Message{
		userMsg("hello"),
		userMsg("my sword"),
	}, nil, nil, nil)

	// Same mention two turns older scores 12-2*2 = 8.
	older := lore.Retrieve(ix, []types.Message{
		userMsg("my sword"),
		userMsg("hello"),
		userMsg("more talk"),
	}, nil, nil, nil)

	scoreOf := func(entries []lore.ScoredEntry, id string) float64 {
		for _, s := range entries {
			if s.Entry.ID == id {
				return s.Score
			}
		}
		return 0
	}

	if r, o := scoreOf(recent, "B"), scoreOf(older, "B"); r <= o {
		t.Errorf("recent mention score %v should exceed older mention score %v", r, o)
	}
}

func TestRetrieve_RepeatedMentionsSuperLinear(t *testing.T) {
	t.Parallel()

	ix := lore.Build(retrievalBase())

	once := lore.Retrieve(ix, []types.Message{userMsg("sword")}, nil, nil, nil)
	thrice := lore.Retrieve(ix, []types.Message{userMsg("sword sword sword")}, nil, nil, nil)

	var s1, s3 float64
	for _, s := range once {
		if s.Entry.ID == "B" {
			s1 = s.Score
		}
	}
	for _, s := range thrice {
		if s.Entry.ID == "B" {
			s3 = s.Score
		}
	}

	if s3 <= 3*s1 {
		t.Errorf("three mentions (%v) should score more than 3x one mention (%v)", s3, s1)
	}
	want := s1 * math.Pow(3, 1.2)
	if math.Abs(s3-want) > 1e-9 {
		t.Errorf("three mentions = %v, want %v", s3, want)
	}
}

func TestRetrieve_InteractionBonus(t *testing.T) {
	t.Parallel()

	ix := lore.Build(retrievalBase())
	stats := lore.NewMemStats()
	for i := 0; i < 5; i++ {
		stats.RecordView("world-r", "C")
	}

	got := lore.Retrieve(ix, []types.Message{userMsg("quiet evening")}, nil, stats, nil)

	var cScore float64
	for _, s := range got {
		if s.Entry.ID == "C" {
			cScore = s.Score
		}
	}
	want := math.Round(math.Log1p(5) * 15)
	if cScore != want {
		t.Errorf("C interaction score = %v, want %v", cScore, want)
	}
}

func TestRetrieve_SpeakerLinkBonus(t *testing.T) {
	t.Parallel()

	base := retrievalBase()
	base.Entries = append(base.Entries, types.KnowledgeEntry{
		ID: "D", Name: "Mira", Keywords: []string{"mira"}, Content: "The ranger.", Enabled: true,
	})
	ix := lore.Build(base)

	got := lore.Retrieve(ix, []types.Message{userMsg("quiet evening")}, nil, nil, []string{"Mira"})

	var dScore float64
	for _, s := range got {
		if s.Entry.ID == "D" {
			dScore = s.Score
		}
	}
	if dScore != 50 {
		t.Errorf("speaker-linked entry score = %v, want 50", dScore)
	}
}

func TestRetrieve_TopKCapAndTieOrder(t *testing.T) {
	t.Parallel()

	base := types.KnowledgeBase{ID: "world-many"}
	for i := 0; i < 10; i++ {
		base.Entries = append(base.Entries, types.KnowledgeEntry{
			ID:       fmt.Sprintf("e%d", i),
			Keywords: []string{"ember"},
			Content:  "x",
			Enabled:  true,
		})
	}
	ix := lore.Build(base)

	got := lore.Retrieve(ix, []types.Message{userMsg("the ember glows")}, nil, nil, nil)
	if len(got) != lore.TopK {
		t.Fatalf("got %d entries, want capped at %d", len(got), lore.TopK)
	}
	// Equal scores keep encounter order.
	for i, s := range got {
		want := fmt.Sprintf("e%d", i)
		if s.Entry.ID != want {
			t.Errorf("position %d: got %q, want %q (encounter order on tie)", i, s.Entry.ID, want)
		}
	}
}

func TestRetrieve_AuxTextsWeightedLow(t *testing.T) {
	t.Parallel()

	ix := lore.Build(retrievalBase())

	got := lore.Retrieve(ix, nil, []string{"a sword rests on the wall"}, nil, nil)
	var bScore float64
	for _, s := range got {
		if s.Entry.ID == "B" {
			bScore = s.Score
		}
	}
	if bScore != 2 {
		t.Errorf("aux text match score = %v, want flat base 2", bScore)
	}
}
