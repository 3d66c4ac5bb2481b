// Package openrouter provides an LLM provider for OpenRouter-compatible
// chat-completion APIs, speaking the raw server-sent-events wire format
// directly over net/http.
//
// The streaming contract is reproduced exactly for interoperability: each
// line prefixed "data: " carries either the literal token "[DONE]"
// (terminating the stream) or a JSON object whose choices[0].delta.content
// field, if present, is the next text fragment. Lines not matching the
// prefix are ignored. A final unterminated buffer fragment at stream end is
// logged as an anomaly.
package openrouter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/emberlore/emberlore/pkg/provider/llm"
)

// DefaultBaseURL is the OpenRouter chat-completions endpoint.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// dataPrefix is the SSE line prefix carrying payloads.
const dataPrefix = "data: "

// doneToken terminates the stream.
const doneToken = "[DONE]"

// Compile-time check that *Provider satisfies [llm.Provider].
var _ llm.Provider = (*Provider)(nil)

// Provider implements llm.Provider against an OpenRouter-compatible API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	referer string
}

// Option is a functional option for [New].
type Option func(*Provider)

// WithBaseURL overrides the default API base URL. Useful for proxies and
// local OpenAI-compatible servers.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient substitutes the HTTP client. The default has no timeout
// because the main generation stream is unbounded by design.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithReferer sets the HTTP-Referer header OpenRouter uses for app
// attribution.
func WithReferer(ref string) Option {
	return func(p *Provider) { p.referer = ref }
}

// New constructs an OpenRouter provider. apiKey and model must be non-empty;
// missing values fail fast before any network call.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, llm.NotConfigured("openrouter: api key")
	}
	if model == "" {
		return nil, llm.NotConfigured("openrouter: model")
	}
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: DefaultBaseURL,
		client:  &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// request is the JSON body for the chat-completions endpoint.
type request struct {
	Model          string    `json:"model"`
	Messages       []message `json:"messages"`
	Temperature    float64   `json:"temperature"`
	MaxTokens      int       `json:"max_tokens,omitempty"`
	Stream         bool      `json:"stream"`
	ResponseFormat *respFmt  `json:"response_format,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type respFmt struct {
	Type string `json:"type"`
}

// streamDelta is one SSE payload object.
type streamDelta struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// completion is the non-streaming response body.
type completion struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error,omitempty"`
}

// StreamCompletion implements [llm.Provider].
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
	resp, err := p.post(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.StreamEvent, 32)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		p.readStream(ctx, resp.Body, ch)
	}()
	return ch, nil
}

// readStream consumes SSE lines from body and emits events on ch until
// [DONE], EOF, an error, or context cancellation.
func (p *Provider) readStream(ctx context.Context, body io.Reader, ch chan<- llm.StreamEvent) {
	send := func(ev llm.StreamEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	reader := bufio.NewReader(body)
	finishReason := ""
	for {
		if ctx.Err() != nil {
			return
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if rest := strings.TrimSpace(line); rest != "" {
					slog.Warn("openrouter: unterminated fragment at stream end", "fragment", rest)
				}
				send(llm.Done(finishReason))
				return
			}
			if ctx.Err() != nil {
				return
			}
			send(llm.Error(&llm.APIError{Kind: llm.KindNetwork, Message: "read stream: " + err.Error(), Cause: err}))
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := line[len(dataPrefix):]
		if payload == doneToken {
			send(llm.Done(finishReason))
			return
		}

		var delta streamDelta
		if err := json.Unmarshal([]byte(payload), &delta); err != nil {
			send(llm.Error(&llm.APIError{Kind: llm.KindParse, Message: "malformed stream chunk", Cause: err}))
			return
		}
		if len(delta.Choices) == 0 {
			continue
		}
		choice := delta.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		if choice.Delta.Content != "" {
			if !send(llm.Chunk(choice.Delta.Content)) {
				return
			}
		}
	}
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.post(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &llm.APIError{Kind: llm.KindNetwork, Message: "read response: " + err.Error(), Cause: err}
	}

	var out completion
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &llm.APIError{Kind: llm.KindParse, Message: "malformed completion response", Cause: err}
	}
	if out.Error != nil {
		return nil, llm.StatusError(out.Error.Code, out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return nil, &llm.APIError{Kind: llm.KindParse, Message: "empty choices in response"}
	}

	return &llm.CompletionResponse{
		Content: out.Choices[0].Message.Content,
		Usage: llm.Usage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
			TotalTokens:      out.Usage.TotalTokens,
		},
	}, nil
}

// CountTokens implements [llm.Provider] using the shared coarse estimate.
func (p *Provider) CountTokens(messages []llm.Message) (int, error) {
	return llm.EstimateTokens(messages), nil
}

// Capabilities implements [llm.Provider]. OpenRouter fronts many models;
// conservative defaults are reported and the engine trusts the configured
// context budget over these.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	return llm.ModelCapabilities{
		ContextWindow:     128_000,
		MaxOutputTokens:   4_096,
		SupportsStreaming: true,
	}
}

// buildRequest converts an llm.CompletionRequest into the wire request.
func (p *Provider) buildRequest(req llm.CompletionRequest, stream bool) request {
	msgs := make([]message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, message{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, message{Role: m.Role, Content: m.Content})
	}
	r := request{
		Model:       p.model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if req.ResponseJSON {
		r.ResponseFormat = &respFmt{Type: "json_object"}
	}
	return r
}

// post sends the request body and classifies transport and HTTP failures.
func (p *Provider) post(ctx context.Context, body request) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openrouter: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("openrouter: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	if p.referer != "" {
		httpReq.Header.Set("HTTP-Referer", p.referer)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &llm.APIError{Kind: llm.KindNetwork, Message: "request failed: " + err.Error(), Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, llm.StatusError(resp.StatusCode, strings.TrimSpace(string(errBody)))
	}
	return resp, nil
}
