// Package prompt assembles the per-turn system directive injected into every
// generation call.
//
// The directive is built from five sections in a fixed order: base
// behavioral instructions, user persona, memory summary, retrieved lore, and
// character persona. The character persona is always last on purpose — with
// conflicting guidance, later-positioned instructions dominate, and the
// character's voice must win.
//
// The assembler is pure: it performs no I/O, has no side effects, and is
// safe for concurrent use.
package prompt

import (
	"fmt"
	"strings"

	"github.com/emberlore/emberlore/pkg/types"
)

// Input carries everything the assembler needs for one turn.
// Empty fields cause their sections to be omitted entirely rather than
// rendering as empty headers.
type Input struct {
	// Instructions is the base behavioral preamble (roleplay rules, style
	// guidance). Usually constant per deployment.
	Instructions string

	// UserPersona describes the human participant. Nil omits the section.
	UserPersona *types.Persona

	// MemorySummary is the session's running condensation of older turns.
	MemorySummary string

	// Lore is the ranked retrieval result, highest score first.
	Lore []types.KnowledgeEntry

	// Character is the active character. Its persona closes the directive.
	Character types.Character
}

// Assemble renders the system directive from in.
func Assemble(in Input) string {
	var sb strings.Builder

	if s := strings.TrimSpace(in.Instructions); s != "" {
		sb.WriteString(s)
	}

	if in.UserPersona != nil {
		if s := formatUserPersona(in.UserPersona); s != "" {
			writeSection(&sb, "About the User", s)
		}
	}

	if s := strings.TrimSpace(in.MemorySummary); s != "" {
		writeSection(&sb, "Memory",
			"Summary of earlier conversation, kept for continuity. Treat it as established history:\n"+s)
	}

	if len(in.Lore) > 0 {
		if s := formatLoreSection(in.Lore); s != "" {
			writeSection(&sb, "World Information", s)
		}
	}

	if s := formatCharacterPersona(in.Character); s != "" {
		writeSection(&sb, "Your Character", s)
	}

	return sb.String()
}

// writeSection appends a markdown-style section, separating it from prior
// content with a blank line.
func writeSection(sb *strings.Builder, title, body string) {
	if sb.Len() > 0 {
		sb.WriteString("\n\n")
	}
	sb.WriteString("## ")
	sb.WriteString(title)
	sb.WriteString("\n")
	sb.WriteString(body)
}

// formatUserPersona renders the user persona as name + description lines.
func formatUserPersona(p *types.Persona) string {
	name := strings.TrimSpace(p.Name)
	desc := strings.TrimSpace(p.Description)
	switch {
	case name == "" && desc == "":
		return ""
	case desc == "":
		return fmt.Sprintf("The user is %s.", name)
	case name == "":
		return desc
	default:
		return fmt.Sprintf("The user is %s. %s", name, desc)
	}
}

// formatLoreSection renders each entry with its name and keyword list as a
// header over its content.
func formatLoreSection(entries []types.KnowledgeEntry) string {
	var lines []string
	for _, e := range entries {
		header := e.Name
		if header == "" {
			header = e.ID
		}
		if len(e.Keywords) > 0 {
			header += " (" + strings.Join(e.Keywords, ", ") + ")"
		}
		content := strings.TrimSpace(e.Content)
		if content == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("### %s\n%s", header, content))
	}
	return strings.Join(lines, "\n\n")
}

// formatCharacterPersona renders the closing character section.
func formatCharacterPersona(c types.Character) string {
	persona := strings.TrimSpace(c.Persona)
	name := strings.TrimSpace(c.Name)
	switch {
	case name == "" && persona == "":
		return ""
	case persona == "":
		return fmt.Sprintf("You are %s.", name)
	case name == "":
		return persona
	default:
		return fmt.Sprintf("You are %s. %s", name, persona)
	}
}
