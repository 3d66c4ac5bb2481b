package openai

import (
	"testing"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
)

// TestNew_RequiresAPIKey checks that a missing key is rejected.
func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New("", "text-embedding-3-small"); err == nil {
		t.Fatal("expected error for empty api key, got nil")
	}
}

// TestNew_DefaultsModel checks that an empty model falls back to DefaultModel.
func TestNew_DefaultsModel(t *testing.T) {
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ModelID() != DefaultModel {
		t.Errorf("model = %q, want %q", p.ModelID(), DefaultModel)
	}
}

// TestParams_DimensionsOnlyForEmbedding3 checks that the truncated-width
// parameter is attached for the text-embedding-3 family and omitted elsewhere.
func TestParams_DimensionsOnlyForEmbedding3(t *testing.T) {
	p3 := &Provider{model: "text-embedding-3-small", dimensions: 256}
	if req := p3.params(oai.EmbeddingNewParamsInputUnion{OfString: param.NewOpt("x")}); !req.Dimensions.Valid() || req.Dimensions.Value != 256 {
		t.Errorf("text-embedding-3 request dimensions = %+v, want 256", req.Dimensions)
	}

	ada := &Provider{model: "text-embedding-ada-002", dimensions: 256}
	if req := ada.params(oai.EmbeddingNewParamsInputUnion{OfString: param.NewOpt("x")}); req.Dimensions.Valid() {
		t.Errorf("ada-002 request carries dimensions %+v, want omitted", req.Dimensions)
	}
}

// TestDimensions_RequestedWidthWins checks the Dimensions precedence rules.
func TestDimensions_RequestedWidthWins(t *testing.T) {
	tests := []struct {
		model     string
		requested int
		want      int
	}{
		{"text-embedding-3-small", 0, 1536},
		{"text-embedding-3-large", 0, 3072},
		{"text-embedding-3-large", 512, 512},
		{"text-embedding-ada-002", 0, 1536},
	}
	for _, tt := range tests {
		p := &Provider{model: tt.model, dimensions: tt.requested}
		if got := p.Dimensions(); got != tt.want {
			t.Errorf("Dimensions(%s, requested=%d) = %d, want %d",
				tt.model, tt.requested, got, tt.want)
		}
	}
}

// TestFloat64ToFloat32 checks the response vector conversion.
func TestFloat64ToFloat32(t *testing.T) {
	got := float64ToFloat32([]float64{0.5, -1.25, 2})
	want := []float32{0.5, -1.25, 2}
	if len(got) != len(want) {
		t.Fatalf("length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
