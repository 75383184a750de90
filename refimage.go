// Package refimage implements the edge side of the QC catalog's product
// image pipeline: fetching third-party product pages to extract candidate
// image URLs, and proxying image binaries past origin CORS policies.
package refimage

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config contains edge fetch configuration
type Config struct {
	FetchTimeout      time.Duration // Timeout for fetching a product page
	ImageTimeout      time.Duration // Timeout for fetching an individual image
	MaxImageSizeBytes int64         // Maximum image size to relay (bytes)
	MaxImages         int           // Maximum image candidates returned per page
	UserAgent         string        // Request identity sent to origins
}

// DefaultConfig returns default edge fetch configuration
func DefaultConfig() Config {
	return Config{
		FetchTimeout:      8 * time.Second,
		ImageTimeout:      10 * time.Second,
		MaxImageSizeBytes: 10 * 1024 * 1024, // 10MB
		MaxImages:         20,
		UserAgent:         defaultUserAgent,
	}
}

// Some origins reject non-browser clients outright, so the default identity
// looks like a real browser rather than a bot UA.
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Client performs the outbound fetches for metadata extraction and image
// proxying. It holds no per-request state; concurrent use is safe.
type Client struct {
	config     Config
	httpClient *http.Client
}

// New creates a new edge Client
func New(config Config) *Client {
	if config.MaxImages <= 0 {
		config.MaxImages = 20
	}
	if config.UserAgent == "" {
		config.UserAgent = defaultUserAgent
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			// No client-level timeout; each operation sets its own
			// context deadline so fetch and image budgets stay separate.
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// validateTargetURL checks that raw parses as an absolute http/https URL.
// Rejected before any network call.
func validateTargetURL(raw string) (*url.URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidURL, parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return parsed, nil
}

// newRequest builds an outbound GET with the browser-like identity headers.
func (c *Client) newRequest(ctx context.Context, method, target string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,image/*,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	return req, nil
}

// resolveURL resolves a potentially relative URL against a base URL
func resolveURL(base *url.URL, href string) (string, error) {
	parsed, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	resolved := base.ResolveReference(parsed)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", resolved.Scheme)
	}
	return resolved.String(), nil
}
