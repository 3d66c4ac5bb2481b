package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/emberlore/emberlore/internal/resilience"
	"github.com/emberlore/emberlore/pkg/provider/llm"
	"github.com/emberlore/emberlore/pkg/types"
)

// consistencyPrompt asks the model to audit a draft reply against established
// lore, answering in a fixed JSON shape.
const consistencyPrompt = `You are a continuity checker for a roleplay world.
Given established world facts and a draft reply, report whether the draft
contradicts any fact. Respond with ONLY a JSON object:
{"consistent": true|false, "issues": ["each contradiction, briefly"]}.
An empty issues array means the draft is consistent.`

// ConsistencyReport is the outcome of a world-consistency check.
type ConsistencyReport struct {
	Consistent bool     `json:"consistent"`
	Issues     []string `json:"issues"`
}

// CheckConsistency validates a draft reply against the given lore entries
// with one non-streaming call. The call is idempotent, so transient server
// errors are retried with backoff; all other failures surface immediately.
func (e *Engine) CheckConsistency(ctx context.Context, draft string, entries []types.KnowledgeEntry) (*ConsistencyReport, error) {
	if strings.TrimSpace(draft) == "" {
		return &ConsistencyReport{Consistent: true}, nil
	}

	var sb strings.Builder
	sb.WriteString("Established world facts:\n")
	for _, entry := range entries {
		content := strings.TrimSpace(entry.Content)
		if content == "" {
			continue
		}
		fmt.Fprintf(&sb, "- %s\n", content)
	}
	fmt.Fprintf(&sb, "\nDraft reply to check:\n%s\n", draft)

	var report ConsistencyReport
	err := resilience.Retry(ctx, e.retry, llm.IsRetryable, func(ctx context.Context) error {
		resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: consistencyPrompt,
			Messages: []llm.Message{
				{Role: "user", Content: sb.String()},
			},
			ResponseJSON: true,
		})
		if err != nil {
			return err
		}
		return decodeReport(resp.Content, &report)
	})
	if err != nil {
		return nil, fmt.Errorf("engine: consistency check failed: %w", err)
	}
	return &report, nil
}

// decodeReport parses the checker's JSON object, repairing malformed output
// before giving up.
func decodeReport(raw string, report *ConsistencyReport) error {
	text := stripCodeFence(raw)
	if err := json.Unmarshal([]byte(text), report); err == nil {
		return nil
	}
	fixed, err := jsonrepair.JSONRepair(text)
	if err == nil {
		if uerr := json.Unmarshal([]byte(fixed), report); uerr == nil {
			return nil
		}
	}
	return &llm.APIError{
		Kind:    llm.KindParse,
		Message: "consistency response is not a JSON report",
	}
}
