package session

import (
	"strings"
	"testing"
	"time"

	"github.com/emberlore/emberlore/pkg/types"
)

func msg(role types.Role, content string) types.Message {
	return types.Message{ID: content, Role: role, Content: content}
}

func TestEstimateMessageTokens(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"empty", "", 0},
		{"one char rounds up", "a", 1},
		{"exact multiple", "abcd", 1},
		{"five chars", "abcde", 2},
		{"four hundred chars", strings.Repeat("a", 400), 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateMessageTokens(types.Message{Content: tt.content})
			if got != tt.want {
				t.Errorf("EstimateMessageTokens() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFit_WholeHistoryWithinBudget(t *testing.T) {
	history := []types.Message{
		msg(types.RoleUser, "hello"),
		msg(types.RoleAssistant, "hi there"),
	}
	got := Fit(history, 1000)
	if len(got) != 2 {
		t.Fatalf("expected whole history, got %d messages", len(got))
	}
}

func TestFit_ContiguousSuffix(t *testing.T) {
	// Each message estimates to 10 tokens (40 chars).
	history := []types.Message{
		msg(types.RoleUser, strings.Repeat("a", 40)),
		msg(types.RoleAssistant, strings.Repeat("b", 40)),
		msg(types.RoleUser, strings.Repeat("c", 40)),
		msg(types.RoleAssistant, strings.Repeat("d", 40)),
	}
	got := Fit(history, 25)
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	// Must be the newest two, in original order.
	if got[0].ID != history[2].ID || got[1].ID != history[3].ID {
		t.Errorf("expected suffix [%s %s], got [%s %s]",
			history[2].ID, history[3].ID, got[0].ID, got[1].ID)
	}
}

func TestFit_ExcludesMessageThatWouldExceed(t *testing.T) {
	history := []types.Message{
		msg(types.RoleUser, strings.Repeat("a", 400)), // 100 tokens
		msg(types.RoleAssistant, strings.Repeat("b", 40)), // 10 tokens
	}
	got := Fit(history, 50)
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if got[0].ID != history[1].ID {
		t.Errorf("expected newest message kept, got %s", got[0].ID)
	}
}

func TestFit_ZeroBudget(t *testing.T) {
	history := []types.Message{msg(types.RoleUser, "hello")}
	if got := Fit(history, 0); len(got) != 0 {
		t.Errorf("expected empty result for zero budget, got %d messages", len(got))
	}
}

func TestNormalize_MergesAdjacentSameRole(t *testing.T) {
	t1 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	history := []types.Message{
		{ID: "a", Role: types.RoleUser, Content: "first", Timestamp: t1},
		{ID: "b", Role: types.RoleUser, Content: "second", Timestamp: t2},
		{ID: "c", Role: types.RoleAssistant, Content: "reply", Timestamp: t2},
	}
	got := Normalize(history)
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].Content != "first\n\nsecond" {
		t.Errorf("merged content = %q, want %q", got[0].Content, "first\n\nsecond")
	}
	if got[0].ID != "a" {
		t.Errorf("merged message keeps first id, got %q", got[0].ID)
	}
	if !got[0].Timestamp.Equal(t2) {
		t.Errorf("merged timestamp = %v, want latest %v", got[0].Timestamp, t2)
	}
}

func TestNormalize_SystemMessagesPassThrough(t *testing.T) {
	history := []types.Message{
		msg(types.RoleUser, "one"),
		msg(types.RoleSystem, "marker"),
		msg(types.RoleUser, "two"),
	}
	got := Normalize(history)
	if len(got) != 3 {
		t.Fatalf("expected 3 messages (system interrupts merging), got %d", len(got))
	}
	if got[1].Role != types.RoleSystem {
		t.Errorf("expected system message preserved in place")
	}
}

func TestNormalize_AdjacentSystemNotMerged(t *testing.T) {
	history := []types.Message{
		msg(types.RoleSystem, "one"),
		msg(types.RoleSystem, "two"),
	}
	got := Normalize(history)
	if len(got) != 2 {
		t.Fatalf("system messages must never merge, got %d messages", len(got))
	}
}

func TestNormalize_NoAdjacentSameRoleRemains(t *testing.T) {
	history := []types.Message{
		msg(types.RoleUser, "a"),
		msg(types.RoleUser, "b"),
		msg(types.RoleAssistant, "c"),
		msg(types.RoleAssistant, "d"),
		msg(types.RoleUser, "e"),
	}
	got := Normalize(history)
	for i := 1; i < len(got); i++ {
		if got[i].Role != types.RoleSystem && got[i].Role == got[i-1].Role {
			t.Fatalf("adjacent same-role messages at %d: %v", i, got[i].Role)
		}
	}

	// Concatenated content survives in order.
	var in, out strings.Builder
	for _, m := range history {
		in.WriteString(m.Content)
	}
	for _, m := range got {
		out.WriteString(strings.ReplaceAll(m.Content, "\n\n", ""))
	}
	if in.String() != out.String() {
		t.Errorf("content concatenation changed: %q vs %q", in.String(), out.String())
	}
}

func TestNormalize_Empty(t *testing.T) {
	if got := Normalize(nil); got != nil {
		t.Errorf("expected nil for empty input, got %v", got)
	}
}
