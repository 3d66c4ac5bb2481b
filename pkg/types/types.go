// Package types defines the shared types used across all Emberlore packages.
//
// These types form the lingua franca between the lore retriever, prompt
// assembler, session store, and generation engine. They are intentionally
// plain data records — external collaborators (UI, import/export, settings)
// produce and consume them without depending on engine internals.
package types

import "time"

// Role identifies the speaker of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Alternates records the sibling regenerations of a single conversational
// turn. IDs is ordered by creation; ActiveIndex selects which sibling
// currently occupies the turn's slot in the session's message sequence.
//
// Invariant: ActiveIndex is a valid index into IDs, and the owning message's
// own ID appears in IDs.
type Alternates struct {
	IDs         []string `json:"ids"`
	ActiveIndex int      `json:"activeIndex"`
}

// Message is a single conversation message.
type Message struct {
	// ID uniquely identifies the message within its session.
	ID string `json:"id"`

	// Role is the speaker role: user, assistant, or system.
	Role Role `json:"role"`

	// Content is the message text. For a streaming assistant message this is
	// the text accumulated so far.
	Content string `json:"content"`

	// SpeakerName attributes the message to a named character in group
	// sessions. Empty for single-character sessions.
	SpeakerName string `json:"speakerName,omitempty"`

	// Timestamp is when the message was created or last finalised.
	Timestamp time.Time `json:"timestamp"`

	// Alternates links this message to its sibling regenerations, if any.
	Alternates *Alternates `json:"alternates,omitempty"`
}

// Character is a chat participant driven by the model.
type Character struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Persona is the free-text character description injected into the
	// system directive. It always occupies the final prompt section so it
	// dominates conflicting guidance.
	Persona string `json:"persona"`
}

// Persona describes the human participant.
type Persona struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// KnowledgeEntry is a discrete lore fact inside a KnowledgeBase. Entries are
// mutated only through explicit edit operations and never deleted implicitly.
type KnowledgeEntry struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Keywords []string `json:"keywords"`
	Content  string   `json:"content"`

	// Enabled entries participate in index construction; disabled entries
	// are skipped entirely.
	Enabled bool `json:"enabled"`

	// AlwaysActive entries are injected into every prompt regardless of
	// relevance matching.
	AlwaysActive bool `json:"alwaysActive"`

	Category string `json:"category,omitempty"`
}

// KnowledgeBase is an ordered collection of lore entries ("world").
// Entry IDs are unique within a base.
type KnowledgeBase struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Entries []KnowledgeEntry `json:"entries"`
}

// EntryInteractionStat tracks how often a lore entry has been surfaced.
// Counts are monotonically increasing and have an independent lifecycle from
// the entries themselves — a stat can outlive a deleted entry harmlessly.
type EntryInteractionStat struct {
	BaseID     string    `json:"baseId"`
	EntryID    string    `json:"entryId"`
	ViewCount  int       `json:"viewCount"`
	LastViewed time.Time `json:"lastViewed"`
}

// GenerationSettings carries the per-session model parameters.
type GenerationSettings struct {
	// Provider selects the backend: "openai", "openrouter", or an
	// any-llm-go provider name such as "anthropic" or "ollama".
	Provider string `json:"provider" yaml:"provider"`

	// Model is the provider-specific model identifier.
	Model string `json:"model" yaml:"model"`

	// Temperature controls sampling randomness, [0.0, 2.0].
	Temperature float64 `json:"temperature" yaml:"temperature"`

	// ContextSize is the token budget for material sent per turn.
	ContextSize int `json:"contextSize" yaml:"context_size"`

	// MaxOutputTokens caps completion length. Zero means provider default.
	MaxOutputTokens int `json:"maxOutputTokens" yaml:"max_output_tokens"`

	// MemoryEnabled turns on long-term summarisation for the session.
	MemoryEnabled bool `json:"memoryEnabled" yaml:"memory_enabled"`
}

// Session is a single-character conversation.
type Session struct {
	ID string `json:"id"`

	// MessageIDs is the canonical turn order. Alternates navigation swaps
	// individual IDs in place without changing the sequence length.
	MessageIDs []string `json:"messageIds"`

	// CharacterID selects the active character.
	CharacterID string `json:"characterId"`

	// KnowledgeBaseID optionally links a lore knowledge base.
	KnowledgeBaseID string `json:"knowledgeBaseId,omitempty"`

	Settings GenerationSettings `json:"settings"`

	// MemorySummary is the running, compounding condensation of older turns.
	MemorySummary string `json:"memorySummary,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// GroupSession is a multi-character conversation driven by director-mode
// generation. It shares Session's shape plus the active cast.
type GroupSession struct {
	Session

	// CharacterIDs lists the active cast in speaking-priority order.
	CharacterIDs []string `json:"characterIds"`
}

// TurnAction is one attributed unit of dialogue or narration produced by a
// director-mode generation call.
type TurnAction struct {
	SpeakerName string `json:"speakerName"`
	Content     string `json:"content"`
}
