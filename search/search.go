// Package search finds reference product images via a grounded Gemini
// query. Zero results and outright failures are both normal outcomes for
// callers; neither should abort a report.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Config contains search client configuration
type Config struct {
	APIKey     string
	Model      string
	MaxResults int // Maximum candidate URLs returned per query
}

// DefaultConfig returns default search configuration
func DefaultConfig() Config {
	return Config{
		Model:      "gemini-2.0-flash",
		MaxResults: 5,
	}
}

// Client queries Gemini with Google Search grounding for candidate image
// URLs.
type Client struct {
	config Config
	genai  *genai.Client
}

// New creates a new search Client
func New(ctx context.Context, config Config) (*Client, error) {
	if config.Model == "" {
		config.Model = "gemini-2.0-flash"
	}
	if config.MaxResults <= 0 {
		config.MaxResults = 5
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return &Client{config: config, genai: client}, nil
}

// SearchImages runs one scoped search query and returns an ordered list of
// candidate image URLs. An empty list means the search found nothing; only
// transport or model failures return an error.
func (c *Client) SearchImages(ctx context.Context, query string) ([]string, error) {
	prompt := fmt.Sprintf(`Find direct image URLs for the following product detail. Use web search.

%s

Return ONLY a JSON array of up to %d direct image URLs (ending in an image file or served as an image), best match first. No commentary.
Format: ["url1", "url2"]`, query, c.config.MaxResults)

	resp, err := c.genai.Models.GenerateContent(ctx, c.config.Model, genai.Text(prompt), &genai.GenerateContentConfig{
		Tools: []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
	})
	if err != nil {
		return nil, fmt.Errorf("image search failed: %w", err)
	}

	return parseCandidateURLs(resp.Text(), c.config.MaxResults), nil
}

// parseCandidateURLs recovers a URL list from a model response. The model
// is asked for a bare JSON array but may wrap it in prose or code fences,
// so parsing is lenient: strict JSON first, then the first bracketed block,
// then any http(s) tokens in the text.
func parseCandidateURLs(text string, max int) []string {
	text = strings.TrimSpace(text)

	var parsed []string
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		start := strings.Index(text, "[")
		end := strings.LastIndex(text, "]")
		if start >= 0 && end > start {
			if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err != nil {
				parsed = nil
			}
		}
	}
	if parsed == nil {
		parsed = scanURLTokens(text)
	}

	urls := make([]string, 0, len(parsed))
	seen := make(map[string]bool)
	for _, u := range parsed {
		u = strings.TrimSpace(u)
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			continue
		}
		if seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
		if len(urls) >= max {
			break
		}
	}
	return urls
}

// scanURLTokens pulls bare http(s) tokens out of free text, in order.
func scanURLTokens(text string) []string {
	var urls []string
	for _, field := range strings.FieldsFunc(text, func(r rune) bool {
		return r == ' ' || r == '\n' || r == '\t' || r == '"' || r == ',' || r == '\'' || r == '`'
	}) {
		if strings.HasPrefix(field, "http://") || strings.HasPrefix(field, "https://") {
			urls = append(urls, strings.TrimRight(field, ").;"))
		}
	}
	return urls
}

// BuildQuery composes the scoped natural-language query for a section of a
// product's QC report.
func BuildQuery(brand, model, name, sectionName string) string {
	parts := make([]string, 0, 4)
	for _, p := range []string{brand, model, name, sectionName} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, strings.TrimSpace(p))
		}
	}
	return strings.Join(parts, " ") + " authentic reference photo"
}
