package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/emberlore/emberlore/internal/session"
	"github.com/emberlore/emberlore/pkg/provider/llm"
	mockllm "github.com/emberlore/emberlore/pkg/provider/llm/mock"
	"github.com/emberlore/emberlore/pkg/types"
)

var groupCast = []types.Character{
	{ID: "char-1", Name: "Mira", Persona: "A wry cartographer."},
	{ID: "char-2", Name: "Brom", Persona: "A taciturn blacksmith."},
}

func TestMatchSpeaker(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"exact", "Mira", "Mira"},
		{"case insensitive", "mira", "Mira"},
		{"fuzzy close", "Mirra", "Mira"},
		{"fuzzy other", "brom the smith", "Brom"},
		{"narrator literal", "narrator", "Narrator"},
		{"no match", "Queen Alsephina", "Narrator"},
		{"empty", "  ", "Narrator"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := matchSpeaker(tc.in, groupCast); got != tc.want {
				t.Errorf("matchSpeaker(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestDecodeActions(t *testing.T) {
	t.Run("valid array", func(t *testing.T) {
		actions, err := decodeActions(`[{"speakerName":"Mira","content":"Hello."}]`)
		if err != nil {
			t.Fatalf("decodeActions: %v", err)
		}
		if len(actions) != 1 || actions[0].SpeakerName != "Mira" || actions[0].Content != "Hello." {
			t.Errorf("actions = %+v", actions)
		}
	})

	t.Run("code fenced", func(t *testing.T) {
		raw := "```json\n[{\"speakerName\":\"Brom\",\"content\":\"Hmph.\"}]\n```"
		actions, err := decodeActions(raw)
		if err != nil {
			t.Fatalf("decodeActions: %v", err)
		}
		if len(actions) != 1 || actions[0].SpeakerName != "Brom" {
			t.Errorf("actions = %+v", actions)
		}
	})

	t.Run("repairable trailing comma", func(t *testing.T) {
		actions, err := decodeActions(`[{"speakerName":"Mira","content":"Look there."},]`)
		if err != nil {
			t.Fatalf("decodeActions: %v", err)
		}
		if len(actions) != 1 {
			t.Errorf("actions length = %d, want 1", len(actions))
		}
	})

	t.Run("unrepairable garbage", func(t *testing.T) {
		_, err := decodeActions("the director refuses to answer in JSON")
		if err == nil {
			t.Fatal("expected parse error")
		}
		kind, ok := llm.KindOf(err)
		if !ok || kind != llm.KindParse {
			t.Errorf("error kind = %v, want parse", kind)
		}
	})
}

func TestSendGroup_MaterializesAttributedActions(t *testing.T) {
	p := &mockllm.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `[
				{"speakerName": "Mira", "content": "The pass is north of here."},
				{"speakerName": "Bromm", "content": "I'll sharpen your blade first."},
				{"speakerName": "A cold wind", "content": "Wind howls through the forge."}
			]`,
		},
	}
	store := session.NewStore()
	group := store.CreateGroupSession([]string{"char-1", "char-2"}, "base-1", defaultSettings())
	e := New(p, store)

	msgs, err := e.SendGroup(context.Background(), group.ID, "Which way to the pass?", GroupTurn{Cast: groupCast})
	if err != nil {
		t.Fatalf("SendGroup: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("materialized messages = %d, want 3", len(msgs))
	}

	wantSpeakers := []string{"Mira", "Brom", "Narrator"}
	for i, want := range wantSpeakers {
		if msgs[i].SpeakerName != want {
			t.Errorf("message %d speaker = %q, want %q", i, msgs[i].SpeakerName, want)
		}
		if msgs[i].Role != types.RoleAssistant {
			t.Errorf("message %d role = %q, want assistant", i, msgs[i].Role)
		}
	}

	if len(p.CompleteCalls) != 1 {
		t.Fatalf("complete calls = %d, want 1", len(p.CompleteCalls))
	}
	if !p.CompleteCalls[0].Req.ResponseJSON {
		t.Error("director call must request a JSON response")
	}

	history, err := store.History(group.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 4 {
		t.Errorf("history length = %d, want user + 3 actions", len(history))
	}
	if got := e.State(); got != StateIdle {
		t.Errorf("state = %v, want idle", got)
	}
}

func TestSendGroup_RejectsPlainSession(t *testing.T) {
	p := &mockllm.Provider{}
	e, _, sess := newTestEngine(t, p, defaultSettings())

	_, err := e.SendGroup(context.Background(), sess.ID, "hello", GroupTurn{Cast: groupCast})
	if !errors.Is(err, session.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound for non-group session", err)
	}
	if len(p.CompleteCalls) != 0 {
		t.Error("no director call should be made for a plain session")
	}
}

func TestSendGroup_ParseFailureSurfacesError(t *testing.T) {
	p := &mockllm.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "no json here at all"},
	}
	store := session.NewStore()
	group := store.CreateGroupSession([]string{"char-1"}, "", defaultSettings())
	e := New(p, store)

	_, err := e.SendGroup(context.Background(), group.ID, "hello", GroupTurn{Cast: groupCast[:1]})
	if err == nil {
		t.Fatal("expected parse error")
	}
	kind, ok := llm.KindOf(err)
	if !ok || kind != llm.KindParse {
		t.Errorf("error kind = %v, want parse", kind)
	}

	history, _ := store.History(group.ID)
	if len(history) != 1 {
		t.Errorf("history length = %d, want only the user message", len(history))
	}
}
