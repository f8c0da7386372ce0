// Package search defines the Provider interface for web search backends.
//
// A search provider answers a natural-language query with a plain-text
// summary suitable for reading back to the user verbatim. Implementations
// must be safe for concurrent use.
package search

import "context"

// Provider is the abstraction over any web search backend.
type Provider interface {
	// Search runs query against the backend and returns a text summary of
	// the results. An empty result set is not an error; implementations
	// return a "no results" sentence instead.
	Search(ctx context.Context, query string) (string, error)
}
