package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emberlore/emberlore/internal/session"
	"github.com/emberlore/emberlore/pkg/provider/llm"
	"github.com/emberlore/emberlore/pkg/types"
)

// Send appends userText as a user message, assembles the turn context, and
// streams one assistant reply into a brand-new message.
//
// On cancellation the partial content is kept permanently and the result's
// outcome is [OutcomeCancelled] with no error. On any other failure the new
// assistant message is removed from the session entirely and the error is
// returned.
func (e *Engine) Send(ctx context.Context, sessionID, userText string, turn Turn) (*Result, error) {
	gctx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer e.end()
	start := e.now()

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

	tc, err := e.buildContext(gctx, sess, history, turn.Base, turn.UserPersona, turn.Character, []string{turn.Character.Name}, "")
	if err != nil {
		return nil, err
	}
	req := e.request(sess, tc)

	if e.thinking {
		if guidance, ok := e.runReasoning(gctx, req); ok && guidance != "" {
			req.SystemPrompt += "\n\n## Reasoning\n" + guidance
		}
	}

	assistant, err := e.store.AppendMessage(sessionID, types.Message{
		Role:        types.RoleAssistant,
		SpeakerName: turn.Character.Name,
	})
	if err != nil {
		return nil, err
	}

	apply := func(content string) {
		m := assistant
		m.Content = content
		if err := e.store.UpdateMessage(m); err != nil {
			slog.Warn("engine: failed to apply streamed content", "message_id", m.ID, "error", err)
		}
	}

	content, finish, outcome, streamErr := e.stream(gctx, req, "", apply)
	seconds := e.now().Sub(start).Seconds()

	switch outcome {
	case OutcomeFailed:
		// Brand-new message: nothing partial is kept.
		if rmErr := e.store.RemoveMessage(sessionID, assistant.ID); rmErr != nil {
			slog.Warn("engine: failed to remove message after generation failure",
				"message_id", assistant.ID, "error", rmErr)
		}
		e.recordGeneration(ctx, "chat", "error", seconds)
		return nil, fmt.Errorf("engine: generation failed: %w", streamErr)
	case OutcomeCancelled:
		final := e.finalize(ctx, sessionID, assistant, content)
		slog.Info("engine: generation cancelled",
			"session_id", sessionID, "kept_chars", len(content))
		e.recordGeneration(ctx, "chat", "cancelled", seconds)
		return &Result{Message: final, Outcome: OutcomeCancelled, Warning: tc.warning}, nil
	default:
		final := e.finalize(ctx, sessionID, assistant, content)
		e.recordGeneration(ctx, "chat", "ok", seconds)
		return &Result{Message: final, Outcome: OutcomeCompleted, FinishReason: finish, Warning: tc.warning}, nil
	}
}

// Continue resumes generation onto an existing assistant message, appending
// streamed text to its current content. On failure the message's prior
// content is left untouched; on cancellation the extended partial content is
// kept.
func (e *Engine) Continue(ctx context.Context, sessionID, messageID string, turn Turn) (*Result, error) {
	gctx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer e.end()
	start := e.now()

	msg, err := e.store.Message(messageID)
	if err != nil {
		return nil, err
	}
	prior := msg.Content

	sess, err := e.store.Session(sessionID)
	if err != nil {
		return nil, err
	}
	history, err := e.store.History(sessionID)
	if err != nil {
		return nil, err
	}

	// The history ends with the assistant message being continued; the model
	// picks up from there.
	tc, err := e.buildContext(gctx, sess, history, turn.Base, turn.UserPersona, turn.Character, []string{turn.Character.Name}, "")
	if err != nil {
		return nil, err
	}
	req := e.request(sess, tc)

	apply := func(content string) {
		m := msg
		m.Content = content
		if err := e.store.UpdateMessage(m); err != nil {
			slog.Warn("engine: failed to apply streamed content", "message_id", m.ID, "error", err)
		}
	}

	content, finish, outcome, streamErr := e.stream(gctx, req, prior, apply)
	seconds := e.now().Sub(start).Seconds()

	switch outcome {
	case OutcomeFailed:
		// A continue failure restores the message's prior content.
		restored := msg
		restored.Content = prior
		if upErr := e.store.UpdateMessage(restored); upErr != nil {
			slog.Warn("engine: failed to restore prior content after continue failure",
				"message_id", msg.ID, "error", upErr)
		}
		e.recordGeneration(ctx, "continue", "error", seconds)
		return nil, fmt.Errorf("engine: continue failed: %w", streamErr)
	case OutcomeCancelled:
		final := e.finalize(ctx, sessionID, msg, content)
		slog.Info("engine: continue cancelled",
			"session_id", sessionID, "kept_chars", len(content))
		e.recordGeneration(ctx, "continue", "cancelled", seconds)
		return &Result{Message: final, Outcome: OutcomeCancelled, Warning: tc.warning}, nil
	default:
		final := e.finalize(ctx, sessionID, msg, content)
		e.recordGeneration(ctx, "continue", "ok", seconds)
		return &Result{Message: final, Outcome: OutcomeCompleted, FinishReason: finish, Warning: tc.warning}, nil
	}
}

// Regenerate re-runs generation for the assistant turn currently occupying
// slotID. The prior message is not replaced: the new reply becomes a sibling
// under a shared alternates record, active and swapped into the turn slot.
// The request context is the history strictly before the slot.
//
// Streaming happens into a detached buffer; the alternate is only stored on
// completion or cancellation, so a failure leaves the session untouched.
func (e *Engine) Regenerate(ctx context.Context, sessionID, slotID string, turn Turn) (*Result, error) {
	gctx, err := e.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer e.end()
	start := e.now()

	sess, err := e.store.Session(sessionID)
	if err != nil {
		return nil, err
	}
	history, err := e.store.History(sessionID)
	if err != nil {
		return nil, err
	}
	cut := -1
	for i, m := range history {
		if m.ID == slotID {
			cut = i
			break
		}
	}
	if cut < 0 {
		return nil, fmt.Errorf("engine: message %q not in session %q turn order", slotID, sessionID)
	}
	history = history[:cut]

	tc, err := e.buildContext(gctx, sess, history, turn.Base, turn.UserPersona, turn.Character, []string{turn.Character.Name}, "")
	if err != nil {
		return nil, err
	}
	req := e.request(sess, tc)

	content, finish, outcome, streamErr := e.stream(gctx, req, "", func(string) {})
	seconds := e.now().Sub(start).Seconds()

	if outcome == OutcomeFailed {
		e.recordGeneration(ctx, "regenerate", "error", seconds)
		return nil, fmt.Errorf("engine: regeneration failed: %w", streamErr)
	}

	alt, err := e.store.AddAlternate(sessionID, slotID, types.Message{
		Role:        types.RoleAssistant,
		SpeakerName: turn.Character.Name,
		Content:     content,
		Timestamp:   e.now(),
	})
	if err != nil {
		return nil, err
	}
	e.archive(ctx, sessionID, alt)

	if outcome == OutcomeCancelled {
		slog.Info("engine: regeneration cancelled",
			"session_id", sessionID, "kept_chars", len(content))
		e.recordGeneration(ctx, "regenerate", "cancelled", seconds)
		return &Result{Message: alt, Outcome: OutcomeCancelled, Warning: tc.warning}, nil
	}
	e.recordGeneration(ctx, "regenerate", "ok", seconds)
	return &Result{Message: alt, Outcome: OutcomeCompleted, FinishReason: finish, Warning: tc.warning}, nil
}

// NavigateAlternate activates the previous or next sibling regeneration of
// the turn occupying slotID, swapping it into the session's turn order.
func (e *Engine) NavigateAlternate(sessionID, slotID string, dir session.Direction) (types.Message, error) {
	return e.store.NavigateAlternate(sessionID, slotID, dir)
}

// stream consumes the provider's event channel, coalescing chunks into
// throttled apply calls. seed is prior content the chunks extend (used by
// Continue). The returned content always includes everything streamed,
// whether or not it was applied yet.
//
// Outcomes: EventError -> Failed; channel closed by context cancellation
// without a Done event -> Cancelled (content applied, no error); Done ->
// Completed. A channel that closes with neither Done nor cancellation is a
// dropped connection and counts as Failed.
func (e *Engine) stream(ctx context.Context, req llm.CompletionRequest, seed string, apply func(content string)) (content, finishReason string, outcome Outcome, err error) {
	ch, err := e.provider.StreamCompletion(ctx, req)
	if err != nil {
		return seed, "", OutcomeFailed, err
	}

	var sb strings.Builder
	sb.WriteString(seed)
	lastApplied := e.now()
	done := false
	var streamErr error

	for ev := range ch {
		switch ev.Kind {
		case llm.EventChunk:
			sb.WriteString(ev.Text)
			e.emit(ev)
			if now := e.now(); now.Sub(lastApplied) >= e.throttle {
				apply(sb.String())
				lastApplied = now
			}
		case llm.EventReasoningStep, llm.EventResponseStarted:
			e.emit(ev)
		case llm.EventDone:
			done = true
			finishReason = ev.FinishReason
		case llm.EventError:
			streamErr = ev.Err
		}
	}

	content = sb.String()
	switch {
	case streamErr != nil:
		return content, "", OutcomeFailed, streamErr
	case done:
		apply(content)
		return content, finishReason, OutcomeCompleted, nil
	case ctx.Err() != nil:
		apply(content)
		return content, "", OutcomeCancelled, nil
	default:
		return content, "", OutcomeFailed, &llm.APIError{
			Kind:    llm.KindNetwork,
			Message: "stream ended without completion",
		}
	}
}

// finalize writes the message's final content and timestamp to the store,
// mirrors it to the archive, and returns the stored value.
func (e *Engine) finalize(ctx context.Context, sessionID string, msg types.Message, content string) types.Message {
	msg.Content = content
	msg.Timestamp = e.now()
	if err := e.store.UpdateMessage(msg); err != nil {
		slog.Warn("engine: failed to finalize message", "message_id", msg.ID, "error", err)
	}
	e.archive(ctx, sessionID, msg)
	return msg
}

// recordGeneration records the turn latency histogram and provider counters.
func (e *Engine) recordGeneration(ctx context.Context, mode, status string, seconds float64) {
	if e.metrics == nil {
		return
	}
	e.metrics.GenerationDuration.Record(ctx, seconds)
	e.metrics.RecordProviderRequest(ctx, "llm", mode, status)
}
