// Package openai provides an image provider backed by the OpenAI Images API.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/murmurapp/voicebridge/pkg/provider/image"
)

// DefaultModel is the default OpenAI image model.
const DefaultModel = oai.ImageModelDallE3

// Ensure Provider implements the image.Provider interface.
var _ image.Provider = (*Provider)(nil)

// Provider implements image.Provider using the OpenAI Images API.
type Provider struct {
	client oai.Client
	model  string
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout. Image generation is slow;
// callers should allow for tens of seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI image Provider.
// If model is empty, DefaultModel (dall-e-3) is used.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai image: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{client: client, model: model}, nil
}

// Generate implements image.Provider.
func (p *Provider) Generate(ctx context.Context, prompt, aspectRatio string) (string, error) {
	resp, err := p.client.Images.Generate(ctx, oai.ImageGenerateParams{
		Prompt: prompt,
		Model:  p.model,
		Size:   sizeForRatio(aspectRatio),
	})
	if err != nil {
		return "", fmt.Errorf("openai image: generate: %w", err)
	}
	if len(resp.Data) == 0 {
		return "", fmt.Errorf("openai image: empty response")
	}

	img := resp.Data[0]
	if img.URL != "" {
		return img.URL, nil
	}
	if img.B64JSON != "" {
		return "data:image/png;base64," + img.B64JSON, nil
	}
	return "", fmt.Errorf("openai image: response carried neither url nor b64 payload")
}

// sizeForRatio maps an aspect ratio to the nearest size the Images API
// supports. Landscape ratios collapse to 1792x1024 and portrait ratios to
// 1024x1792.
func sizeForRatio(ratio string) oai.ImageGenerateParamsSize {
	switch ratio {
	case "16:9", "4:3":
		return oai.ImageGenerateParamsSize1792x1024
	case "9:16", "3:4":
		return oai.ImageGenerateParamsSize1024x1792
	default:
		return oai.ImageGenerateParamsSize1024x1024
	}
}
