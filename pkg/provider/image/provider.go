// Package image defines the Provider interface for image generation backends.
//
// An image provider turns a natural-language prompt into a rendered image and
// returns a URL the client UI can display. Implementations must be safe for
// concurrent use.
package image

import "context"

// Provider is the abstraction over any image generation backend.
type Provider interface {
	// Generate renders an image for prompt at the given aspect ratio
	// ("1:1", "16:9", "9:16", "4:3", "3:4") and returns a displayable URL.
	// Implementations map unsupported ratios to their closest supported
	// size rather than failing.
	Generate(ctx context.Context, prompt, aspectRatio string) (url string, err error)
}
