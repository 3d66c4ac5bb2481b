// Package openai provides an embeddings provider backed by the OpenAI API.
//
// The text-embedding-3 model family supports truncated output vectors; use
// [WithDimensions] to request a specific width so stored lore embeddings
// match the column width of the vector index they are written to.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/emberlore/emberlore/pkg/provider/embeddings"
)

// DefaultModel is the default OpenAI embeddings model.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

// Ensure Provider implements the embeddings.Provider interface.
var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider using the OpenAI API.
type Provider struct {
	client     oai.Client
	model      string
	dimensions int

	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithBaseURL overrides the default OpenAI API base URL. Use this to point
// the provider at any OpenAI-compatible embeddings endpoint.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.timeout = d
	}
}

// WithDimensions requests output vectors of the given width. Only the
// text-embedding-3 family honors the request; for other models the value
// is still reported by [Provider.Dimensions] but not sent to the API.
func WithDimensions(n int) Option {
	return func(p *Provider) {
		p.dimensions = n
	}
}

// New constructs a new OpenAI embeddings Provider.
// If model is empty, DefaultModel (text-embedding-3-small) is used.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embeddings: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	p := &Provider{model: model}
	for _, o := range opts {
		o(p)
	}
	if p.dimensions < 0 {
		return nil, fmt.Errorf("openai embeddings: dimensions must be positive, got %d", p.dimensions)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if p.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(p.baseURL))
	}
	if p.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: p.timeout,
		}))
	}

	p.client = oai.NewClient(reqOpts...)
	return p, nil
}

// params assembles the request, attaching the truncated-width parameter when
// one was requested and the model can honor it.
func (p *Provider) params(input oai.EmbeddingNewParamsInputUnion) oai.EmbeddingNewParams {
	req := oai.EmbeddingNewParams{
		Model: p.model,
		Input: input,
	}
	if p.dimensions > 0 && supportsDimensions(p.model) {
		req.Dimensions = param.NewOpt(int64(p.dimensions))
	}
	return req
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.Embeddings.New(ctx, p.params(oai.EmbeddingNewParamsInputUnion{
		OfString: param.NewOpt(text),
	}))
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings: empty response")
	}
	return float64ToFloat32(resp.Data[0].Embedding), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := p.client.Embeddings.New(ctx, p.params(oai.EmbeddingNewParamsInputUnion{
		OfArrayOfStrings: texts,
	}))
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed batch: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	// The API may return entries out of order; place each by its index.
	result := make([][]float32, len(texts))
	for _, e := range resp.Data {
		if int(e.Index) >= len(texts) {
			return nil, fmt.Errorf("openai embeddings: unexpected index %d", e.Index)
		}
		result[e.Index] = float64ToFloat32(e.Embedding)
	}
	return result, nil
}

// Dimensions implements embeddings.Provider. A width requested via
// [WithDimensions] takes precedence over the model's native width.
func (p *Provider) Dimensions() int {
	if p.dimensions > 0 {
		return p.dimensions
	}
	return modelDimensions(p.model)
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return p.model
}

// supportsDimensions reports whether the model accepts the Dimensions
// request parameter.
func supportsDimensions(model string) bool {
	return strings.Contains(strings.ToLower(model), "text-embedding-3")
}

// modelDimensions returns the native embedding width for known OpenAI models.
func modelDimensions(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "text-embedding-3-large"):
		return 3072
	default:
		// text-embedding-3-small, ada-002, and unknown models.
		return 1536
	}
}

// float64ToFloat32 converts a []float64 slice to []float32.
func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
