package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/kaptinlin/jsonrepair"

	"github.com/emberlore/emberlore/pkg/provider/llm"
	"github.com/emberlore/emberlore/pkg/types"
)

// NarratorName attributes turn actions whose speaker matches no active
// character.
const NarratorName = "Narrator"

// speakerMatchThreshold is the minimum Jaro-Winkler similarity for fuzzy
// attribution of a turn action to a cast member.
const speakerMatchThreshold = 0.85

// directorInstructions is appended to the base instructions in group mode.
// The model acts as a scene director emitting attributed turn actions rather
// than streaming free text.
const directorInstructions = `You are directing a scene with multiple characters.
Respond with ONLY a JSON array of turn actions, each an object with exactly two
string fields: "speakerName" and "content". Use a character's name for dialogue
and actions, or "Narrator" for scene description. Keep the scene moving; two to
four actions per turn is typical.`

// GroupTurn carries the per-turn collaborator data for a multi-character
// generation.
type GroupTurn struct {
	Cast        []types.Character
	Base        types.KnowledgeBase
	UserPersona *types.Persona
}

// SendGroup appends userText as a user message and runs one non-streaming
// director call that returns a JSON array of {speakerName, content} actions.
// Each action is materialized as one assistant message attributed to the
// matching cast member, or to "Narrator" when the name matches nobody.
//
// Director calls are generations and are never auto-retried; the caller
// regenerates explicitly.
func (e *Engine) SendGroup(ctx context.Context, sessionID, userText string, turn GroupTurn) ([]types.Message, error) {
	gctx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer e.end()
	start := e.now()

	// Director mode only runs against group sessions.
	if _, err := e.store.GroupSession(sessionID); err != nil {
		return nil, err
	}

	if strings.TrimSpace(userText) != "" {
		userMsg, err := e.store.AppendMessage(sessionID, types.Message{
			Role:    types.RoleUser,
			Content: userText,
		})
		if err != nil {
			return nil, err
		}
		e.archive(gctx, sessionID, userMsg)
	}

	sess, err := e.store.Session(sessionID)
	if err != nil {
		return nil, err
	}
	history, err := e.store.History(sessionID)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(turn.Cast))
	for _, c := range turn.Cast {
		names = append(names, c.Name)
	}

	// Cast personas travel in the instructions block; the single-character
	// persona slot stays empty so no one character gets primacy.
	extra := directorInstructions + "\n\n" + castBlock(turn.Cast)
	tc, err := e.buildContext(gctx, sess, history, turn.Base, turn.UserPersona, types.Character{}, names, extra)
	if err != nil {
		return nil, err
	}

	req := e.request(sess, tc)
	req.ResponseJSON = true

	resp, err := e.provider.Complete(gctx, req)
	seconds := e.now().Sub(start).Seconds()
	if err != nil {
		e.recordGeneration(ctx, "director", "error", seconds)
		return nil, fmt.Errorf("engine: director call failed: %w", err)
	}

	actions, err := decodeActions(resp.Content)
	if err != nil {
		e.recordGeneration(ctx, "director", "error", seconds)
		return nil, err
	}

	out := make([]types.Message, 0, len(actions))
	for _, a := range actions {
		content := strings.TrimSpace(a.Content)
		if content == "" {
			continue
		}
		speaker := matchSpeaker(a.SpeakerName, turn.Cast)
		msg, err := e.store.AppendMessage(sessionID, types.Message{
			Role:        types.RoleAssistant,
			SpeakerName: speaker,
			Content:     content,
		})
		if err != nil {
			return out, err
		}
		e.archive(ctx, sessionID, msg)
		out = append(out, msg)
	}

	slog.Info("engine: director turn complete",
		"session_id", sessionID, "actions", len(out))
	e.recordGeneration(ctx, "director", "ok", seconds)
	return out, nil
}

// decodeActions parses the director's JSON array, repairing malformed output
// before giving up. Code fences around the array are tolerated.
func decodeActions(raw string) ([]types.TurnAction, error) {
	text := stripCodeFence(raw)

	var actions []types.TurnAction
	if err := json.Unmarshal([]byte(text), &actions); err == nil {
		return actions, nil
	}

	fixed, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return nil, &llm.APIError{
			Kind:    llm.KindParse,
			Message: "director response is not a JSON array of turn actions",
			Cause:   err,
		}
	}
	if err := json.Unmarshal([]byte(fixed), &actions); err != nil {
		return nil, &llm.APIError{
			Kind:    llm.KindParse,
			Message: "director response is not a JSON array of turn actions",
			Cause:   err,
		}
	}
	return actions, nil
}

// stripCodeFence removes a surrounding markdown code fence, if present.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// matchSpeaker attributes a reported speaker name to a cast member: exact
// case-insensitive match first, then the best Jaro-Winkler score at or above
// the threshold, else the Narrator.
func matchSpeaker(name string, cast []types.Character) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return NarratorName
	}
	lower := strings.ToLower(name)
	if lower == strings.ToLower(NarratorName) {
		return NarratorName
	}

	for _, c := range cast {
		if strings.ToLower(c.Name) == lower {
			return c.Name
		}
	}

	best := ""
	bestScore := 0.0
	for _, c := range cast {
		if score := matchr.JaroWinkler(lower, strings.ToLower(c.Name), false); score > bestScore {
			best = c.Name
			bestScore = score
		}
	}
	if bestScore >= speakerMatchThreshold {
		return best
	}
	return NarratorName
}

// castBlock renders the active characters' personas for the director prompt.
func castBlock(cast []types.Character) string {
	var sb strings.Builder
	sb.WriteString("## Cast\n")
	for _, c := range cast {
		sb.WriteString("- ")
		sb.WriteString(c.Name)
		if p := strings.TrimSpace(c.Persona); p != "" {
			sb.WriteString(": ")
			sb.WriteString(p)
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
