package openrouter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/emberlore/emberlore/pkg/provider/llm"
)

// collect drains all events from a stream into a slice.
func collect(t *testing.T, ch <-chan llm.StreamEvent) []llm.StreamEvent {
	t.Helper()
	var events []llm.StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func textOf(events []llm.StreamEvent) string {
	var sb strings.Builder
	for _, ev := range events {
		if ev.Kind == llm.EventChunk {
			sb.WriteString(ev.Text)
		}
	}
	return sb.String()
}

func TestReadStream_DataLinesAndDone(t *testing.T) {
	t.Parallel()

	body := strings.NewReader(
		"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n" +
			": keep-alive comment line\n" +
			"event: something-ignored\n" +
			"data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n" +
			"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n" +
			"data: [DONE]\n" +
			"data: {\"choices\":[{\"delta\":{\"content\":\"after done, never read\"}}]}\n",
	)

	p := &Provider{}
	ch := make(chan llm.StreamEvent, 16)
	go func() {
		defer close(ch)
		p.readStream(context.Background(), body, ch)
	}()
	events := collect(t, ch)

	if got := textOf(events); got != "Hello" {
		t.Errorf("streamed text = %q, want %q", got, "Hello")
	}
	last := events[len(events)-1]
	if last.Kind != llm.EventDone {
		t.Fatalf("last event = %v, want done", last.Kind)
	}
	if last.FinishReason != "stop" {
		t.Errorf("finish reason = %q, want %q", last.FinishReason, "stop")
	}
}

func TestReadStream_EOFWithoutDone(t *testing.T) {
	t.Parallel()

	// The trailing line has no newline: an unterminated fragment that must
	// be tolerated (logged, not fatal).
	body := strings.NewReader(
		"data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n" +
			"data: {\"choices\":[{\"delta\":{\"content\":\"trunc",
	)

	p := &Provider{}
	ch := make(chan llm.StreamEvent, 16)
	go func() {
		defer close(ch)
		p.readStream(context.Background(), body, ch)
	}()
	events := collect(t, ch)

	if got := textOf(events); got != "partial" {
		t.Errorf("streamed text = %q, want %q", got, "partial")
	}
	if last := events[len(events)-1]; last.Kind != llm.EventDone {
		t.Errorf("stream should end with done even without [DONE], got %v", last.Kind)
	}
}

func TestReadStream_MalformedChunkIsParseError(t *testing.T) {
	t.Parallel()

	body := strings.NewReader("data: {not json}\n")

	p := &Provider{}
	ch := make(chan llm.StreamEvent, 16)
	go func() {
		defer close(ch)
		p.readStream(context.Background(), body, ch)
	}()
	events := collect(t, ch)

	if len(events) != 1 || events[0].Kind != llm.EventError {
		t.Fatalf("expected single error event, got %+v", events)
	}
	kind, ok := llm.KindOf(events[0].Err)
	if !ok || kind != llm.KindParse {
		t.Errorf("error kind = %v, want parse", kind)
	}
}

func TestStreamCompletion_EndToEnd(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n" +
				"data: [DONE]\n\n"))
	}))
	defer srv.Close()

	p, err := New("test-key", "test/model", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ch, err := p.StreamCompletion(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion() error: %v", err)
	}
	events := collect(t, ch)
	if got := textOf(events); got != "Hi" {
		t.Errorf("streamed text = %q, want %q", got, "Hi")
	}
}

func TestNew_FailsFastWithoutCredentials(t *testing.T) {
	t.Parallel()

	if _, err := New("", "model"); err == nil {
		t.Error("missing api key should fail construction")
	} else if kind, ok := llm.KindOf(err); !ok || kind != llm.KindConfiguration {
		t.Errorf("error kind = %v, want configuration", kind)
	}

	if _, err := New("key", ""); err == nil {
		t.Error("missing model should fail construction")
	}
}

func TestComplete_HTTPErrorClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		want   llm.ErrorKind
	}{
		{401, llm.KindAuthentication},
		{403, llm.KindAuthentication},
		{429, llm.KindRateLimit},
		{500, llm.KindServer},
		{503, llm.KindServer},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		}))

		p, err := New("k", "m", WithBaseURL(srv.URL))
		if err != nil {
			t.Fatalf("New() error: %v", err)
		}
		_, err = p.Complete(context.Background(), llm.CompletionRequest{
			Messages: []llm.Message{{Role: "user", Content: "x"}},
		})
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if kind, ok := llm.KindOf(err); !ok || kind != tc.want {
			t.Errorf("status %d: kind = %v, want %v", tc.status, kind, tc.want)
		}
		srv.Close()
	}
}

func TestComplete_ParsesContentAndUsage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{
			"choices":[{"message":{"content":"All is well."}}],
			"usage":{"prompt_tokens":10,"completion_tokens":4,"total_tokens":14}
		}`))
	}))
	defer srv.Close()

	p, err := New("k", "m", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "status?"}},
	})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if resp.Content != "All is well." {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 14 {
		t.Errorf("total tokens = %d, want 14", resp.Usage.TotalTokens)
	}
}
