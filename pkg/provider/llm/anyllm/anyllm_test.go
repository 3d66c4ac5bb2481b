package anyllm

import (
	"testing"

	"github.com/emberlore/emberlore/pkg/provider/llm"
)

// ── buildParams ───────────────────────────────────────────────────────────────

// TestBuildParams_SystemPromptFirst checks that the system prompt leads the
// converted message list.
func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You are a storyteller.",
		Messages: []llm.Message{
			{Role: "user", Content: "Hello!"},
		},
	})
	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].Role != "system" {
		t.Errorf("expected first role system, got %q", params.Messages[0].Role)
	}
	if params.Messages[1].Role != "user" {
		t.Errorf("expected second role user, got %q", params.Messages[1].Role)
	}
}

// TestBuildParams_Sampling checks temperature and max-token plumbing.
func TestBuildParams_Sampling(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: "Hi"}},
		Temperature: 0.7,
		MaxTokens:   512,
	})
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Errorf("expected temperature 0.7, got %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 512 {
		t.Errorf("expected max tokens 512, got %v", params.MaxTokens)
	}
}

// TestBuildParams_ZeroSamplingOmitted checks that unset sampling fields stay nil.
func TestBuildParams_ZeroSamplingOmitted(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "Hi"}},
	})
	if params.Temperature != nil {
		t.Errorf("expected nil temperature, got %v", *params.Temperature)
	}
	if params.MaxTokens != nil {
		t.Errorf("expected nil max tokens, got %v", *params.MaxTokens)
	}
}

// ── modelCapabilities ─────────────────────────────────────────────────────────

// TestModelCapabilities_Claude checks the Claude catch-all.
func TestModelCapabilities_Claude(t *testing.T) {
	caps := modelCapabilities("claude-3-5-sonnet-latest")
	if caps.ContextWindow != 200_000 {
		t.Errorf("expected context window 200000, got %d", caps.ContextWindow)
	}
	if caps.MaxOutputTokens != 8_192 {
		t.Errorf("expected max output 8192, got %d", caps.MaxOutputTokens)
	}
}

// TestModelCapabilities_Gemini15Pro checks the Gemini 1.5 Pro window.
func TestModelCapabilities_Gemini15Pro(t *testing.T) {
	caps := modelCapabilities("gemini-1.5-pro")
	if caps.ContextWindow != 2_097_152 {
		t.Errorf("expected context window 2097152, got %d", caps.ContextWindow)
	}
}

// TestModelCapabilities_Unknown checks defaults for unrecognised models.
func TestModelCapabilities_Unknown(t *testing.T) {
	caps := modelCapabilities("local-mystery-model")
	if caps.ContextWindow <= 0 || caps.MaxOutputTokens <= 0 {
		t.Error("expected positive defaults for unknown model")
	}
	if !caps.SupportsStreaming {
		t.Error("expected streaming support by default")
	}
}

// ── New ───────────────────────────────────────────────────────────────────────

// TestNew_MissingProviderName ensures constructor rejects an empty provider name.
func TestNew_MissingProviderName(t *testing.T) {
	_, err := New("", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for empty provider name")
	}
	if kind, ok := llm.KindOf(err); !ok || kind != llm.KindConfiguration {
		t.Errorf("expected configuration error, got %v", err)
	}
}

// TestNew_UnsupportedProvider ensures unknown backends are rejected.
func TestNew_UnsupportedProvider(t *testing.T) {
	_, err := New("carrier-pigeon", "rfc-1149")
	if err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}
