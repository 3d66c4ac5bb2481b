// Package session provides conversation state for Emberlore chats: an
// in-memory [Store] of sessions and messages, token-budget fitting and role
// normalisation of the history window, and the long-term memory manager that
// condenses older turns into a running summary.
//
// All exported types are safe for concurrent use. Records are mutated only
// by whole-value replacement, never in place, so a concurrent reader always
// observes a complete snapshot.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emberlore/emberlore/pkg/types"
)

// ErrNotFound is returned when a session or message id is unknown.
var ErrNotFound = errors.New("session: not found")

// ErrNoAlternates is returned when alternates navigation is requested on a
// message that has no sibling regenerations.
var ErrNoAlternates = errors.New("session: message has no alternates")

// Direction selects a sibling during alternates navigation.
type Direction int

const (
	// Previous activates the preceding sibling, clamped at the first.
	Previous Direction = iota
	// Next activates the following sibling, clamped at the last.
	Next
)

// Store holds sessions and their messages in memory. It is the canonical
// turn-order authority: a session's MessageIDs sequence decides which
// messages, and which alternate siblings, are visible.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]types.Session
	messages map[string]types.Message
	casts    map[string][]string // session id → group character ids
	now      func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]types.Session),
		messages: make(map[string]types.Message),
		casts:    make(map[string][]string),
		now:      time.Now,
	}
}

// CreateSession creates a single-character session with the given settings.
func (s *Store) CreateSession(characterID, knowledgeBaseID string, settings types.GenerationSettings) types.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sess := types.Session{
		ID:              uuid.NewString(),
		CharacterID:     characterID,
		KnowledgeBaseID: knowledgeBaseID,
		Settings:        settings,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.sessions[sess.ID] = sess
	return sess
}

// CreateGroupSession creates a multi-character session with the given cast.
func (s *Store) CreateGroupSession(characterIDs []string, knowledgeBaseID string, settings types.GenerationSettings) types.GroupSession {
	sess := s.CreateSession("", knowledgeBaseID, settings)

	s.mu.Lock()
	defer s.mu.Unlock()
	cast := make([]string, len(characterIDs))
	copy(cast, characterIDs)
	s.casts[sess.ID] = cast
	return types.GroupSession{Session: sess, CharacterIDs: cast}
}

// Session returns the session with the given id.
func (s *Store) Session(id string) (types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return types.Session{}, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	return sess, nil
}

// GroupSession returns the group session with the given id.
func (s *Store) GroupSession(id string) (types.GroupSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return types.GroupSession{}, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	cast, ok := s.casts[id]
	if !ok {
		return types.GroupSession{}, fmt.Errorf("session %q is not a group session: %w", id, ErrNotFound)
	}
	out := make([]string, len(cast))
	copy(out, cast)
	return types.GroupSession{Session: sess, CharacterIDs: out}, nil
}

// UpdateSession replaces the stored session whole.
func (s *Store) UpdateSession(sess types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return fmt.Errorf("session %q: %w", sess.ID, ErrNotFound)
	}
	sess.UpdatedAt = s.now()
	s.sessions[sess.ID] = sess
	return nil
}

// DeleteSession removes the session and every message it references,
// including inactive alternate siblings. Deleting an unknown id is an error.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	for _, mid := range sess.MessageIDs {
		if m, ok := s.messages[mid]; ok && m.Alternates != nil {
			for _, sib := range m.Alternates.IDs {
				delete(s.messages, sib)
			}
		}
		delete(s.messages, mid)
	}
	delete(s.sessions, id)
	delete(s.casts, id)
	return nil
}

// AppendMessage adds a message to the end of the session's turn order.
// A missing id or timestamp is filled in.
func (s *Store) AppendMessage(sessionID string, msg types.Message) (types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return types.Message{}, fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}

	s.messages[msg.ID] = msg
	sess.MessageIDs = append(sess.MessageIDs, msg.ID)
	sess.UpdatedAt = s.now()
	s.sessions[sessionID] = sess
	return msg, nil
}

// Message returns the message with the given id.
func (s *Store) Message(id string) (types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return types.Message{}, fmt.Errorf("message %q: %w", id, ErrNotFound)
	}
	return m, nil
}

// UpdateMessage replaces the stored message whole.
func (s *Store) UpdateMessage(msg types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.ID]; !ok {
		return fmt.Errorf("message %q: %w", msg.ID, ErrNotFound)
	}
	s.messages[msg.ID] = msg
	return nil
}

// RemoveMessage deletes the message and drops it from the session's turn
// order. Alternate siblings of the removed message are deleted with it.
func (s *Store) RemoveMessage(sessionID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	m, ok := s.messages[messageID]
	if !ok {
		return fmt.Errorf("message %q: %w", messageID, ErrNotFound)
	}

	if m.Alternates != nil {
		for _, sib := range m.Alternates.IDs {
			delete(s.messages, sib)
		}
	}
	delete(s.messages, messageID)

	ids := make([]string, 0, len(sess.MessageIDs))
	for _, id := range sess.MessageIDs {
		if id != messageID {
			ids = append(ids, id)
		}
	}
	sess.MessageIDs = ids
	sess.UpdatedAt = s.now()
	s.sessions[sessionID] = sess
	return nil
}

// History resolves the session's turn order into messages, oldest first.
// Each slot yields its currently active alternate.
func (s *Store) History(sessionID string) ([]types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}

	out := make([]types.Message, 0, len(sess.MessageIDs))
	for _, id := range sess.MessageIDs {
		m, ok := s.messages[id]
		if !ok {
			// A dangling id means a bug elsewhere; skip rather than fail the turn.
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Condense replaces the given messages in the session's turn order with the
// single marker message, permanently. The marker takes the slot of the first
// condensed message; the condensed messages and their alternate siblings are
// deleted. Ids not present in the turn order are ignored so a condensation
// computed from a fitted window is safe to apply as-is.
func (s *Store) Condense(sessionID string, condensedIDs []string, marker types.Message) (types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return types.Message{}, fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	if len(condensedIDs) == 0 {
		return types.Message{}, fmt.Errorf("session %q: condense with no message ids", sessionID)
	}

	condensed := make(map[string]struct{}, len(condensedIDs))
	for _, id := range condensedIDs {
		condensed[id] = struct{}{}
	}

	if marker.ID == "" {
		marker.ID = uuid.NewString()
	}
	if marker.Timestamp.IsZero() {
		marker.Timestamp = s.now()
	}

	ids := make([]string, 0, len(sess.MessageIDs))
	placed := false
	for _, id := range sess.MessageIDs {
		if _, gone := condensed[id]; !gone {
			ids = append(ids, id)
			continue
		}
		if !placed {
			ids = append(ids, marker.ID)
			placed = true
		}
		if m, ok := s.messages[id]; ok && m.Alternates != nil {
			for _, sib := range m.Alternates.IDs {
				delete(s.messages, sib)
			}
		}
		delete(s.messages, id)
	}
	if !placed {
		return types.Message{}, fmt.Errorf("session %q: no condensed message in turn order: %w", sessionID, ErrNotFound)
	}

	s.messages[marker.ID] = marker
	sess.MessageIDs = ids
	sess.UpdatedAt = s.now()
	s.sessions[sessionID] = sess
	return marker, nil
}

// Fork creates a new session containing copies of the original's messages up
// to and including atMessageID. Messages are deep-copied under fresh ids so
// later edits in either branch stay isolated. Alternate links are not carried
// into the fork; only the active sibling of each turn is copied.
func (s *Store) Fork(sessionID, atMessageID string) (types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return types.Session{}, fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}

	cut := -1
	for i, id := range sess.MessageIDs {
		if id == atMessageID {
			cut = i
			break
		}
	}
	if cut < 0 {
		return types.Session{}, fmt.Errorf("message %q not in session %q: %w", atMessageID, sessionID, ErrNotFound)
	}

	now := s.now()
	fork := types.Session{
		ID:              uuid.NewString(),
		CharacterID:     sess.CharacterID,
		KnowledgeBaseID: sess.KnowledgeBaseID,
		Settings:        sess.Settings,
		MemorySummary:   sess.MemorySummary,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, id := range sess.MessageIDs[:cut+1] {
		src, ok := s.messages[id]
		if !ok {
			continue
		}
		cp := src
		cp.ID = uuid.NewString()
		cp.Alternates = nil
		s.messages[cp.ID] = cp
		fork.MessageIDs = append(fork.MessageIDs, cp.ID)
	}
	s.sessions[fork.ID] = fork
	return fork, nil
}

// AddAlternate stores alt as a new sibling regeneration of the turn currently
// occupied by slotID, makes it the active sibling, and swaps it into the
// session's turn order. The returned message carries the updated alternates
// record; the turn-order length never changes.
func (s *Store) AddAlternate(sessionID, slotID string, alt types.Message) (types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return types.Message{}, fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	current, ok := s.messages[slotID]
	if !ok {
		return types.Message{}, fmt.Errorf("message %q: %w", slotID, ErrNotFound)
	}

	if alt.ID == "" {
		alt.ID = uuid.NewString()
	}
	if alt.Timestamp.IsZero() {
		alt.Timestamp = s.now()
	}

	var ids []string
	if current.Alternates != nil {
		ids = append(ids, current.Alternates.IDs...)
	} else {
		ids = []string{current.ID}
	}
	ids = append(ids, alt.ID)
	record := types.Alternates{IDs: ids, ActiveIndex: len(ids) - 1}

	// Every sibling carries the shared record so navigation can start from
	// whichever sibling occupies the slot.
	for _, sib := range ids[:len(ids)-1] {
		if m, ok := s.messages[sib]; ok {
			rec := record
			m.Alternates = &rec
			s.messages[sib] = m
		}
	}
	rec := record
	alt.Alternates = &rec
	s.messages[alt.ID] = alt

	if err := s.swapSlotLocked(&sess, slotID, alt.ID); err != nil {
		return types.Message{}, err
	}
	sess.UpdatedAt = s.now()
	s.sessions[sessionID] = sess
	return alt, nil
}

// NavigateAlternate activates the previous or next sibling of the turn
// occupied by slotID and swaps it into the session's turn order. Navigation
// clamps at either end. The returned message is the newly active sibling.
func (s *Store) NavigateAlternate(sessionID, slotID string, dir Direction) (types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return types.Message{}, fmt.Errorf("session %q: %w", sessionID, ErrNotFound)
	}
	current, ok := s.messages[slotID]
	if !ok {
		return types.Message{}, fmt.Errorf("message %q: %w", slotID, ErrNotFound)
	}
	if current.Alternates == nil || len(current.Alternates.IDs) < 2 {
		return types.Message{}, fmt.Errorf("message %q: %w", slotID, ErrNoAlternates)
	}

	record := *current.Alternates
	switch dir {
	case Previous:
		if record.ActiveIndex > 0 {
			record.ActiveIndex--
		}
	case Next:
		if record.ActiveIndex < len(record.IDs)-1 {
			record.ActiveIndex++
		}
	}

	activeID := record.IDs[record.ActiveIndex]
	for _, sib := range record.IDs {
		if m, ok := s.messages[sib]; ok {
			rec := record
			m.Alternates = &rec
			s.messages[sib] = m
		}
	}

	if activeID != slotID {
		if err := s.swapSlotLocked(&sess, slotID, activeID); err != nil {
			return types.Message{}, err
		}
		sess.UpdatedAt = s.now()
		s.sessions[sessionID] = sess
	}

	active, ok := s.messages[activeID]
	if !ok {
		return types.Message{}, fmt.Errorf("alternate %q: %w", activeID, ErrNotFound)
	}
	return active, nil
}

// swapSlotLocked replaces oldID with newID in the session's turn order.
// Must be called with s.mu held.
func (s *Store) swapSlotLocked(sess *types.Session, oldID, newID string) error {
	for i, id := range sess.MessageIDs {
		if id == oldID {
			ids := make([]string, len(sess.MessageIDs))
			copy(ids, sess.MessageIDs)
			ids[i] = newID
			sess.MessageIDs = ids
			return nil
		}
	}
	return fmt.Errorf("message %q not in turn order: %w", oldID, ErrNotFound)
}
