// Package history defines the conversation history store behind the
// search_past_chats tool.
//
// A history store persists finished conversation messages per user and
// retrieves the ones most relevant to a query, either by vector similarity
// (when an embeddings provider is configured) or by full-text search.
package history

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultSearchLimit is how many past messages a search returns at most.
const DefaultSearchLimit = 5

// Message is one stored conversation message.
type Message struct {
	ID        int64
	UserID    string
	Role      string
	Content   string
	CreatedAt time.Time
}

// Result is a message matched by a search, with its relevance score. Lower
// Distance means more relevant; full-text matches report a rank-derived
// pseudo-distance so both search modes sort the same way.
type Result struct {
	Message
	Distance float64
}

// Store is the abstraction over any history persistence backend.
// Implementations must be safe for concurrent use.
type Store interface {
	// SaveMessage persists one message for userID.
	SaveMessage(ctx context.Context, userID, role, content string) error

	// Search returns up to limit messages of userID relevant to query,
	// most relevant first. An empty result is not an error.
	Search(ctx context.Context, userID, query string, limit int) ([]Result, error)
}

// Searcher adapts a [Store] to the single-user text-in text-out shape the
// tool dispatcher consumes.
type Searcher struct {
	store  Store
	userID string
	limit  int
}

// NewSearcher wraps store for userID. A non-positive limit falls back to
// [DefaultSearchLimit].
func NewSearcher(store Store, userID string, limit int) *Searcher {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	return &Searcher{store: store, userID: userID, limit: limit}
}

// SearchPastChats runs query against the store and renders the matches as a
// plain-text block for the speech model.
func (s *Searcher) SearchPastChats(ctx context.Context, query string) (string, error) {
	results, err := s.store.Search(ctx, s.userID, query, s.limit)
	if err != nil {
		return "", fmt.Errorf("history: search: %w", err)
	}
	return FormatResults(results), nil
}

// FormatResults renders search results into the text block handed back to
// the speech model.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return "No relevant past conversations found."
	}

	var b strings.Builder
	b.WriteString("Relevant past conversation excerpts:\n")
	for _, r := range results {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", r.CreatedAt.Format("2006-01-02"), r.Role, r.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}
