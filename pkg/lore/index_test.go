package lore_test

import (
	"testing"

	"github.com/emberlore/emberlore/pkg/lore"
	"github.com/emberlore/emberlore/pkg/types"
)

func testBase() types.KnowledgeBase {
	return types.KnowledgeBase{
		ID:   "world-1",
		Name: "Ironhold",
		Entries: []types.KnowledgeEntry{
			{ID: "e1", Name: "The Sword", Keywords: []string{"sword", "blade"}, Content: "An ancient blade.", Enabled: true},
			{ID: "e2", Name: "The Keep", Keywords: []string{"keep", "fortress"}, Content: "A fortress of black stone.", Enabled: true},
			{ID: "e3", Name: "Hidden", Keywords: []string{"secret"}, Content: "Disabled entry.", Enabled: false},
		},
	}
}

func TestBuild_SkipsDisabledEntries(t *testing.T) {
	t.Parallel()

	ix := lore.Build(testBase())
	if got := ix.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}
	if _, ok := ix.Entry("e3"); ok {
		t.Error("disabled entry e3 should not be indexed")
	}
	if _, ok := ix.Entry("e1"); !ok {
		t.Error("enabled entry e1 missing from index")
	}
}

func TestBuild_InvalidRegexDegradesToLiteral(t *testing.T) {
	t.Parallel()

	base := types.KnowledgeBase{
		ID: "world-re",
		Entries: []types.KnowledgeEntry{
			{ID: "bad", Keywords: []string{"(unclosed"}, Content: "x", Enabled: true},
		},
	}

	// Build must not fail, and the keyword must still match literally.
	ix := lore.Build(base)
	got := lore.Retrieve(ix, []types.Message{
		{Role: types.RoleUser, Content: "the (unclosed door"},
	}, nil, nil, nil)
	if len(got) != 1 || got[0].Entry.ID != "bad" {
		t.Fatalf("expected literal match for invalid regex keyword, got %+v", got)
	}
}

func TestBuild_LiteralFallbackAnchoredAtWordEdges(t *testing.T) {
	t.Parallel()

	base := types.KnowledgeBase{
		ID: "world-re3",
		Entries: []types.KnowledgeEntry{
			{ID: "fn", Keywords: []string{"cat("}, Content: "x", Enabled: true},
		},
	}
	ix := lore.Build(base)

	got := lore.Retrieve(ix, []types.Message{
		{Role: types.RoleUser, Content: "call cat(x) here"},
	}, nil, nil, nil)
	if len(got) != 1 || got[0].Entry.ID != "fn" {
		t.Fatalf("expected literal match at word boundary, got %+v", got)
	}

	// The literal must not match inside a longer identifier.
	got = lore.Retrieve(ix, []types.Message{
		{Role: types.RoleUser, Content: "call concat(x) here"},
	}, nil, nil, nil)
	if len(got) != 0 {
		t.Fatalf("literal keyword matched inside a longer word: %+v", got)
	}
}

func TestBuild_MultiwordKeywordAnchored(t *testing.T) {
	t.Parallel()

	base := types.KnowledgeBase{
		ID: "world-phrase",
		Entries: []types.KnowledgeEntry{
			{ID: "sw", Keywords: []string{"silver sword"}, Content: "x", Enabled: true},
		},
	}
	ix := lore.Build(base)

	got := lore.Retrieve(ix, []types.Message{
		{Role: types.RoleUser, Content: "she drew the silver sword"},
	}, nil, nil, nil)
	if len(got) != 1 || got[0].Entry.ID != "sw" {
		t.Fatalf("expected multiword keyword match, got %+v", got)
	}

	got = lore.Retrieve(ix, []types.Message{
		{Role: types.RoleUser, Content: "she drew the quicksilver sword"},
	}, nil, nil, nil)
	if len(got) != 0 {
		t.Fatalf("multiword keyword matched mid-word: %+v", got)
	}
}

func TestBuild_RegexKeywordMatchesPattern(t *testing.T) {
	t.Parallel()

	base := types.KnowledgeBase{
		ID: "world-re2",
		Entries: []types.KnowledgeEntry{
			{ID: "re", Keywords: []string{"drag(on|oon)"}, Content: "x", Enabled: true},
		},
	}
	ix := lore.Build(base)

	got := lore.Retrieve(ix, []types.Message{
		{Role: types.RoleUser, Content: "a dragoon appears"},
	}, nil, nil, nil)
	if len(got) != 1 || got[0].Entry.ID != "re" {
		t.Fatalf("expected regex keyword match, got %+v", got)
	}
}

func TestStem(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
	}{
		{"swords", "sword"},
		{"boxes", "box"},
		{"glass", "glass"},
		{"radius", "radius"},
		{"walking", "walk"},
		{"hunted", "hunt"},
		{"red", "red"},   // too short for -ed
		{"sing", "sing"}, // too short for -ing
		{"iron keeps", "iron keep"},
	}
	for _, tc := range cases {
		if got := lore.Stem(tc.in); got != tc.want {
			t.Errorf("Stem(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestIndexCache_HitAndInvalidation(t *testing.T) {
	t.Parallel()

	cache := lore.NewIndexCache()
	base := testBase()

	first := cache.Get(base)
	second := cache.Get(base)
	if first != second {
		t.Error("unchanged base should return the cached index")
	}
	if got := cache.Builds(); got != 1 {
		t.Fatalf("Builds() = %d after two identical Gets, want 1", got)
	}

	// Toggling an enabled flag must force a rebuild.
	base.Entries[2].Enabled = true
	third := cache.Get(base)
	if third == first {
		t.Error("enabled-flag change should rebuild the index")
	}
	if got := cache.Builds(); got != 2 {
		t.Fatalf("Builds() = %d after enabled-flag change, want 2", got)
	}

	// Keyword and content edits likewise.
	base.Entries[0].Keywords = append(base.Entries[0].Keywords, "relic")
	cache.Get(base)
	base.Entries[1].Content = "rebuilt"
	cache.Get(base)
	if got := cache.Builds(); got != 4 {
		t.Fatalf("Builds() = %d after keyword+content edits, want 4", got)
	}
}

func TestIndexCache_PerBaseIsolation(t *testing.T) {
	t.Parallel()

	cache := lore.NewIndexCache()
	a := testBase()
	b := testBase()
	b.ID = "world-2"

	ia := cache.Get(a)
	cache.Get(b)

	// Mutating base b must not invalidate base a.
	b.Entries[0].Content = "changed"
	cache.Get(b)
	if cache.Get(a) != ia {
		t.Error("mutation of another base invalidated this base's cache entry")
	}
}
