// Package serper provides a search provider backed by the Serper.dev Google
// Search API.
package serper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/murmurapp/voicebridge/pkg/provider/search"
)

// DefaultBaseURL is the Serper.dev search endpoint.
const DefaultBaseURL = "https://google.serper.dev"

// DefaultResultCount is how many organic results are requested per query.
const DefaultResultCount = 5

// Ensure Provider implements the search.Provider interface.
var _ search.Provider = (*Provider)(nil)

// Provider implements search.Provider using the Serper.dev API.
type Provider struct {
	apiKey  string
	baseURL string
	count   int
	client  *http.Client
}

// Option is a functional option for Provider.
type Option func(*Provider)

// WithBaseURL overrides the default Serper endpoint.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(url, "/")
	}
}

// WithResultCount sets how many organic results to request.
func WithResultCount(n int) Option {
	return func(p *Provider) {
		p.count = n
	}
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.client = c
	}
}

// New constructs a Serper search Provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("serper: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		count:   DefaultResultCount,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// searchRequest is the Serper request body.
type searchRequest struct {
	Query string `json:"q"`
	Num   int    `json:"num"`
}

// searchResponse is the subset of the Serper response the provider reads.
type searchResponse struct {
	AnswerBox struct {
		Answer  string `json:"answer"`
		Snippet string `json:"snippet"`
	} `json:"answerBox"`
	KnowledgeGraph struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"knowledgeGraph"`
	Organic []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
	} `json:"organic"`
}

// Search implements search.Provider.
func (p *Provider) Search(ctx context.Context, query string) (string, error) {
	body, err := json.Marshal(searchRequest{Query: query, Num: p.count})
	if err != nil {
		return "", fmt.Errorf("serper: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("serper: build request: %w", err)
	}
	req.Header.Set("X-API-KEY", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("serper: search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("serper: search: status %d: %s", resp.StatusCode, payload)
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("serper: decode response: %w", err)
	}
	return summarize(query, parsed), nil
}

// summarize renders the response into the plain-text block handed back to
// the speech model.
func summarize(query string, r searchResponse) string {
	var b strings.Builder

	if r.AnswerBox.Answer != "" {
		fmt.Fprintf(&b, "Answer: %s\n", r.AnswerBox.Answer)
	} else if r.AnswerBox.Snippet != "" {
		fmt.Fprintf(&b, "Answer: %s\n", r.AnswerBox.Snippet)
	}
	if r.KnowledgeGraph.Title != "" && r.KnowledgeGraph.Description != "" {
		fmt.Fprintf(&b, "%s: %s\n", r.KnowledgeGraph.Title, r.KnowledgeGraph.Description)
	}

	for i, res := range r.Organic {
		fmt.Fprintf(&b, "%d. %s", i+1, res.Title)
		if res.Snippet != "" {
			fmt.Fprintf(&b, " — %s", res.Snippet)
		}
		if res.Link != "" {
			fmt.Fprintf(&b, " (%s)", res.Link)
		}
		b.WriteByte('\n')
	}

	if b.Len() == 0 {
		return fmt.Sprintf("No web results found for %q.", query)
	}
	return strings.TrimRight(b.String(), "\n")
}
