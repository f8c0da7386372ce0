package openai

import (
	"testing"

	oai "github.com/openai/openai-go"
)

// TestSizeForRatio_Square verifies the default square mapping.
func TestSizeForRatio_Square(t *testing.T) {
	if got := sizeForRatio("1:1"); got != oai.ImageGenerateParamsSize1024x1024 {
		t.Errorf("1:1: got %s", got)
	}
}

// TestSizeForRatio_Landscape verifies landscape ratios collapse to 1792x1024.
func TestSizeForRatio_Landscape(t *testing.T) {
	for _, ratio := range []string{"16:9", "4:3"} {
		if got := sizeForRatio(ratio); got != oai.ImageGenerateParamsSize1792x1024 {
			t.Errorf("%s: got %s", ratio, got)
		}
	}
}

// TestSizeForRatio_Portrait verifies portrait ratios collapse to 1024x1792.
func TestSizeForRatio_Portrait(t *testing.T) {
	for _, ratio := range []string{"9:16", "3:4"} {
		if got := sizeForRatio(ratio); got != oai.ImageGenerateParamsSize1024x1792 {
			t.Errorf("%s: got %s", ratio, got)
		}
	}
}

// TestSizeForRatio_Unknown verifies unrecognised ratios default to square.
func TestSizeForRatio_Unknown(t *testing.T) {
	if got := sizeForRatio("21:9"); got != oai.ImageGenerateParamsSize1024x1024 {
		t.Errorf("unknown ratio: got %s", got)
	}
}

// TestNew_MissingAPIKey checks that an empty API key is rejected.
func TestNew_MissingAPIKey(t *testing.T) {
	if _, err := New("", "dall-e-3"); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

// TestNew_DefaultModel verifies that an empty model string defaults to dall-e-3.
func TestNew_DefaultModel(t *testing.T) {
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.model != DefaultModel {
		t.Errorf("expected default model %s, got %s", DefaultModel, p.model)
	}
}
