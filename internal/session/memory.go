package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/emberlore/emberlore/internal/resilience"
	"github.com/emberlore/emberlore/pkg/provider/llm"
	"github.com/emberlore/emberlore/pkg/types"
)

// memoryTriggerRatio is the fraction of the context budget at which the
// memory manager condenses older turns.
const memoryTriggerRatio = 0.75

// condensedMarker is the content of the synthetic system message that
// replaces summarised turns in the working history.
const condensedMarker = "Older parts of this conversation were condensed into the memory summary."

// summarisationPrompt is the system prompt sent to the LLM when condensing
// conversation segments into the running memory summary.
const summarisationPrompt = `Condense the following roleplay conversation into a compact memory summary.
Preserve: events that happened, revealed information, emotional states, promises made,
relationships between characters, and any items or places introduced.
If a previous summary is provided, merge it into the new summary rather than repeating it.
Write the summary as established history, in third person, and be concise.`

// SummarizationError wraps a failed summarisation attempt. It is non-fatal:
// the memory manager returns the unmodified history and summary alongside it,
// and sending the user's message must proceed regardless.
type SummarizationError struct {
	Cause error
}

func (e *SummarizationError) Error() string {
	return fmt.Sprintf("session: summarization failed: %v", e.Cause)
}

func (e *SummarizationError) Unwrap() error { return e.Cause }

// Summariser produces a compact summary of a conversation segment, folding
// any prior summary into the result so summaries compound rather than reset.
type Summariser interface {
	Summarise(ctx context.Context, priorSummary string, messages []types.Message) (string, error)
}

// LLMSummariser summarises conversation segments through an LLM provider.
// Calls are idempotent, so transient server errors are retried with backoff;
// a circuit breaker stops a wedged provider from being hammered every turn.
type LLMSummariser struct {
	llm     llm.Provider
	retry   resilience.RetryConfig
	breaker *resilience.Breaker
}

// NewLLMSummariser creates an [LLMSummariser] backed by the given provider.
func NewLLMSummariser(provider llm.Provider) *LLMSummariser {
	return &LLMSummariser{
		llm:     provider,
		breaker: resilience.NewBreaker(resilience.BreakerConfig{Name: "summariser"}),
	}
}

// Summarise implements [Summariser]. The prior summary, when present, is
// included in the request so the model folds it into the new summary.
func (s *LLMSummariser) Summarise(ctx context.Context, priorSummary string, messages []types.Message) (string, error) {
	if len(messages) == 0 {
		return priorSummary, nil
	}

	var sb strings.Builder
	if priorSummary != "" {
		fmt.Fprintf(&sb, "Previous summary:\n%s\n\nNew conversation to merge in:\n", priorSummary)
	}
	for _, m := range messages {
		speaker := string(m.Role)
		if m.SpeakerName != "" {
			speaker = m.SpeakerName
		}
		fmt.Fprintf(&sb, "[%s]: %s\n", speaker, m.Content)
	}

	var summary string
	err := s.breaker.Do(func() error {
		return resilience.Retry(ctx, s.retry, llm.IsRetryable, func(ctx context.Context) error {
			resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
				SystemPrompt: summarisationPrompt,
				Messages: []llm.Message{
					{Role: "user", Content: sb.String()},
				},
				Temperature: 0.3,
			})
			if err != nil {
				return err
			}
			summary = strings.TrimSpace(resp.Content)
			return nil
		})
	})
	if err != nil {
		return "", fmt.Errorf("summarise: %w", err)
	}
	return summary, nil
}

// Memory decides when accumulated history exceeds the trigger threshold and
// drives summarisation, splicing the result back into the working history.
type Memory struct {
	summariser Summariser
	now        func() time.Time
}

// NewMemory creates a [Memory] manager using the given summariser.
func NewMemory(summariser Summariser) *Memory {
	return &Memory{summariser: summariser, now: time.Now}
}

// Condensation is the outcome of a [Memory.MaybeSummarize] call.
//
// When a summarisation ran, CondensedIDs and Marker are set so the caller
// can splice the condensation back into the stored session: the condensed
// turns must be replaced by the marker permanently, or the next turn would
// re-fit the full transcript and summarise the same messages again.
type Condensation struct {
	// History is the working window to use for this turn: the kept newer
	// half prepended with the synthetic marker when a summarisation ran,
	// otherwise the input history unchanged.
	History []types.Message

	// Summary is the running memory summary, compounded when a
	// summarisation ran.
	Summary string

	// CondensedIDs lists the messages folded into the summary, in turn
	// order. Empty when no summarisation ran.
	CondensedIDs []string

	// Marker is the synthetic system message standing in for the condensed
	// turns. Zero when no summarisation ran.
	Marker types.Message
}

// MaybeSummarize condenses the oldest half of fitted when the session has
// memory enabled and the estimated history tokens reach 0.75 of the context
// budget. When the threshold is not met, the returned [Condensation] carries
// fitted and the current summary unchanged. On failure the unmodified inputs
// are returned alongside a [SummarizationError]; callers surface a warning
// and proceed, because a failed summarisation must never block the user's
// message.
func (m *Memory) MaybeSummarize(ctx context.Context, sess types.Session, fitted []types.Message) (Condensation, error) {
	unchanged := Condensation{History: fitted, Summary: sess.MemorySummary}

	if !sess.Settings.MemoryEnabled {
		return unchanged, nil
	}

	threshold := int(memoryTriggerRatio * float64(sess.Settings.ContextSize))
	tokens := EstimateHistoryTokens(fitted)
	if tokens < threshold {
		return unchanged, nil
	}

	half := len(fitted) / 2
	if half == 0 {
		return unchanged, nil
	}

	oldest := fitted[:half]
	kept := fitted[half:]

	summary, err := m.summariser.Summarise(ctx, sess.MemorySummary, oldest)
	if err != nil {
		slog.Warn("memory summarisation failed, continuing with full history",
			"session_id", sess.ID,
			"history_tokens", tokens,
			"error", err)
		return unchanged, &SummarizationError{Cause: err}
	}

	marker := types.Message{
		ID:        uuid.NewString(),
		Role:      types.RoleSystem,
		Content:   condensedMarker,
		Timestamp: m.now(),
	}

	slog.Info("memory summarisation complete",
		"session_id", sess.ID,
		"condensed_messages", len(oldest),
		"kept_messages", len(kept))

	condensedIDs := make([]string, len(oldest))
	for i, msg := range oldest {
		condensedIDs[i] = msg.ID
	}

	history := make([]types.Message, 0, len(kept)+1)
	history = append(history, marker)
	history = append(history, kept...)
	return Condensation{
		History:      history,
		Summary:      summary,
		CondensedIDs: condensedIDs,
		Marker:       marker,
	}, nil
}
