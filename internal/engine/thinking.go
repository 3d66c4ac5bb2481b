package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/emberlore/emberlore/pkg/provider/llm"
)

// reasoningStep is one bounded pre-generation thinking step.
type reasoningStep struct {
	title       string
	instruction string
}

// defaultReasoningSteps run in order when thinking mode is enabled. Each step
// sees the full turn context plus the prior steps' notes.
var defaultReasoningSteps = []reasoningStep{
	{
		title:       "Recall",
		instruction: "Before replying, list the facts from the conversation and the world information that matter most for the user's last message. Two to four short bullet points.",
	},
	{
		title:       "Plan",
		instruction: "Decide how the character should react to the user's last message. Two or three sentences covering tone and what to reveal or hold back.",
	},
}

// runReasoning executes the thinking steps, emitting a ReasoningStep event
// per completed step and a ResponseStarted event before returning. Each step
// races against its own timer; if any step exceeds the bound or fails, the
// whole mode is abandoned and the caller falls back to direct generation.
//
// The returned guidance is the concatenated step notes, appended to the
// system directive of the main generation. ok is false on fallback.
func (e *Engine) runReasoning(ctx context.Context, req llm.CompletionRequest) (guidance string, ok bool) {
	var notes strings.Builder

	for _, step := range defaultReasoningSteps {
		sctx, cancel := context.WithTimeout(ctx, e.stepTimeout)
		resp, err := e.provider.Complete(sctx, llm.CompletionRequest{
			SystemPrompt: req.SystemPrompt,
			Messages: append(append([]llm.Message{}, req.Messages...), llm.Message{
				Role:    "user",
				Content: step.instruction,
			}),
			Temperature: req.Temperature,
		})
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				slog.Warn("engine: reasoning step timed out, falling back to direct generation",
					"step", step.title, "timeout", e.stepTimeout)
			} else {
				slog.Warn("engine: reasoning step failed, falling back to direct generation",
					"step", step.title, "error", err)
			}
			return "", false
		}

		content := strings.TrimSpace(resp.Content)
		e.emit(llm.ReasoningStep(step.title, content))
		fmt.Fprintf(&notes, "%s:\n%s\n\n", step.title, content)
	}

	e.emit(llm.ResponseStarted())
	return strings.TrimSpace(notes.String()), true
}
