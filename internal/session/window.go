package session

import (
	"strings"

	"github.com/emberlore/emberlore/pkg/types"
)

// charsPerToken is the heuristic ratio used for token estimation.
// English text averages roughly 4 characters per token across common
// LLM tokenizers. This avoids pulling in a tokenizer dependency.
const charsPerToken = 4

// EstimateMessageTokens returns ceil(len(content)/4) for one message.
func EstimateMessageTokens(m types.Message) int {
	return (len(m.Content) + charsPerToken - 1) / charsPerToken
}

// EstimateHistoryTokens sums [EstimateMessageTokens] over the slice.
func EstimateHistoryTokens(history []types.Message) int {
	total := 0
	for _, m := range history {
		total += EstimateMessageTokens(m)
	}
	return total
}

// Fit returns the longest contiguous suffix of history whose estimated token
// sum fits within budget. It scans from newest to oldest and stops before the
// message that would exceed the budget, so the result never reorders and
// never drops from the middle. A history that already fits is returned whole.
func Fit(history []types.Message, budget int) []types.Message {
	if budget <= 0 {
		return nil
	}

	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		tokens := EstimateMessageTokens(history[i])
		if total+tokens > budget {
			break
		}
		total += tokens
		start = i
	}
	return history[start:]
}

// Normalize merges every run of consecutive non-system messages sharing the
// same role into one message, so the result strictly alternates user and
// assistant turns as generation APIs require. Merged content is joined with a
// blank line; the merged message keeps the first sibling's id and speaker
// name and the latest sibling's timestamp. System messages pass through
// unmerged and unmoved. Deletions and forks can leave same-role messages
// adjacent, which is what this repairs.
func Normalize(history []types.Message) []types.Message {
	if len(history) == 0 {
		return nil
	}

	out := make([]types.Message, 0, len(history))
	for _, m := range history {
		if m.Role == types.RoleSystem || len(out) == 0 {
			out = append(out, m)
			continue
		}

		last := &out[len(out)-1]
		if last.Role != m.Role || last.Role == types.RoleSystem {
			out = append(out, m)
			continue
		}

		last.Content = strings.Join([]string{last.Content, m.Content}, "\n\n")
		if m.Timestamp.After(last.Timestamp) {
			last.Timestamp = m.Timestamp
		}
	}
	return out
}
