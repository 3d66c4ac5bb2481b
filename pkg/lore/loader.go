package lore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/emberlore/emberlore/pkg/types"
)

// WorldFile is the top-level structure of an Emberlore world YAML file.
//
// Example:
//
//	world:
//	  id: "frosthold"
//	  name: "The Frosthold Reaches"
//	entries:
//	  - id: "oath-true-north"
//	    name: "Oath of True North"
//	    keywords: ["oath", "north"]
//	    content: "Every ranger swears the Oath of True North at first frost."
//	    always_active: true
type WorldFile struct {
	World   WorldMeta   `yaml:"world"`
	Entries []EntryFile `yaml:"entries"`
}

// WorldMeta holds top-level metadata for a world.
type WorldMeta struct {
	// ID identifies the knowledge base. Falls back to the file name
	// (without extension) when empty.
	ID string `yaml:"id"`

	// Name is the world's display name.
	Name string `yaml:"name"`
}

// EntryFile is a single lore entry as written in a world YAML file.
// Enabled defaults to true when omitted.
type EntryFile struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Keywords     []string `yaml:"keywords"`
	Content      string   `yaml:"content"`
	Disabled     bool     `yaml:"disabled"`
	AlwaysActive bool     `yaml:"always_active"`
	Category     string   `yaml:"category"`
}

// LoadBase reads and parses a world YAML file from disk into a
// [types.KnowledgeBase]. Returns a descriptive error if the file cannot be
// opened, parsed, or validated.
func LoadBase(path string) (types.KnowledgeBase, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.KnowledgeBase{}, fmt.Errorf("lore: open world file %q: %w", path, err)
	}
	defer f.Close()

	base, err := LoadBaseFromReader(f)
	if err != nil {
		return types.KnowledgeBase{}, fmt.Errorf("lore: parse world file %q: %w", path, err)
	}
	if base.ID == "" {
		base.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return base, nil
}

// LoadBaseFromReader parses world YAML from an [io.Reader].
// The reader is consumed entirely; the caller is responsible for closing it.
func LoadBaseFromReader(r io.Reader) (types.KnowledgeBase, error) {
	var wf WorldFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true) // reject unknown keys to catch typos
	if err := dec.Decode(&wf); err != nil {
		return types.KnowledgeBase{}, fmt.Errorf("lore: decode world yaml: %w", err)
	}

	base := types.KnowledgeBase{
		ID:      wf.World.ID,
		Name:    wf.World.Name,
		Entries: make([]types.KnowledgeEntry, 0, len(wf.Entries)),
	}
	seen := make(map[string]struct{}, len(wf.Entries))
	for i, ef := range wf.Entries {
		if ef.ID == "" {
			return types.KnowledgeBase{}, fmt.Errorf("lore: entry %d has no id", i)
		}
		if _, dup := seen[ef.ID]; dup {
			return types.KnowledgeBase{}, fmt.Errorf("lore: duplicate entry id %q", ef.ID)
		}
		seen[ef.ID] = struct{}{}
		base.Entries = append(base.Entries, types.KnowledgeEntry{
			ID:           ef.ID,
			Name:         ef.Name,
			Keywords:     ef.Keywords,
			Content:      ef.Content,
			Enabled:      !ef.Disabled,
			AlwaysActive: ef.AlwaysActive,
			Category:     ef.Category,
		})
	}
	return base, nil
}

// LoadDir loads every .yaml/.yml file in dir as a world and returns the
// bases keyed by ID, in deterministic file-name order. A directory with no
// world files yields an empty map, not an error.
func LoadDir(dir string) (map[string]types.KnowledgeBase, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("lore: read world dir %q: %w", dir, err)
	}

	names := make([]string, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		switch filepath.Ext(de.Name()) {
		case ".yaml", ".yml":
			names = append(names, de.Name())
		}
	}
	sort.Strings(names)

	bases := make(map[string]types.KnowledgeBase, len(names))
	for _, name := range names {
		base, err := LoadBase(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if _, dup := bases[base.ID]; dup {
			return nil, fmt.Errorf("lore: duplicate world id %q in %q", base.ID, name)
		}
		bases[base.ID] = base
	}
	return bases, nil
}
