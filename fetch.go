package refimage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/qcatalog/refimage/models"
)

// maxHTMLBytes bounds how much of a page body is parsed. Product pages past
// this size are truncated; candidates found before the cut still count.
const maxHTMLBytes = 4 * 1024 * 1024

// FetchMetadata fetches a product page and extracts a ranked, deduplicated
// list of candidate image URLs. Curated meta tags (Open Graph, Twitter
// cards) come first, then <img> sources in document order, then JSON-LD
// image fields. An empty list is a valid result; upstream failures are
// reported distinctly so callers never mistake "unreachable" for "no
// images found".
func (c *Client) FetchMetadata(ctx context.Context, targetURL string) (*models.MetadataResult, error) {
	parsed, err := validateTargetURL(targetURL)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.FetchTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, "GET", targetURL)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, wrapTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{Status: resp.StatusCode}
	}

	// Redirects may have moved us; relative URLs resolve against the final
	// location, not the requested one.
	base := parsed
	if resp.Request != nil && resp.Request.URL != nil {
		base = resp.Request.URL
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxHTMLBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	images := extractImageCandidates(doc, base, c.config.MaxImages)

	return &models.MetadataResult{
		URL:       targetURL,
		Images:    images,
		FetchedAt: time.Now(),
	}, nil
}

// wrapTransportError maps a transport-level failure onto the error taxonomy.
func wrapTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		// Both sentinels stay in the chain so callers can map a timeout
		// to a different status than a plain connection failure.
		return fmt.Errorf("%w: timed out: %w", ErrUpstreamUnavailable, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
}

// candidateList accumulates image URLs, deduplicating while preserving
// first-seen order, capped at max entries.
type candidateList struct {
	urls []string
	seen map[string]bool
	max  int
}

func newCandidateList(max int) *candidateList {
	return &candidateList{seen: make(map[string]bool), max: max}
}

func (l *candidateList) add(base *url.URL, raw string) {
	raw = strings.TrimSpace(raw)
	if raw == "" || l.full() {
		return
	}
	resolved, err := resolveURL(base, raw)
	if err != nil || l.seen[resolved] {
		return
	}
	l.seen[resolved] = true
	l.urls = append(l.urls, resolved)
}

func (l *candidateList) full() bool {
	return len(l.urls) >= l.max
}

// extractImageCandidates walks the document three times, highest-priority
// sources first: explicit meta/link image tags, then <img> elements, then
// JSON-LD structured data.
func extractImageCandidates(doc *html.Node, base *url.URL, max int) []string {
	list := newCandidateList(max)
	collectMetaImages(doc, base, list)
	collectImgTags(doc, base, list)
	collectStructuredDataImages(doc, base, list)
	if list.urls == nil {
		return []string{}
	}
	return list.urls
}

// metaImageKeys are the meta property/name values whose content attribute
// names the page's curated image.
var metaImageKeys = map[string]bool{
	"og:image":            true,
	"og:image:url":        true,
	"og:image:secure_url": true,
	"twitter:image":       true,
	"twitter:image:src":   true,
	"itemprop:image":      true,
}

// collectMetaImages extracts curated image URLs from meta and link tags.
func collectMetaImages(n *html.Node, base *url.URL, list *candidateList) {
	var f func(*html.Node)
	f = func(n *html.Node) {
		if list.full() {
			return
		}
		if n.Type == html.ElementNode {
			switch n.Data {
			case "meta":
				var property, name, itemprop, content string
				for _, attr := range n.Attr {
					switch attr.Key {
					case "property":
						property = strings.ToLower(attr.Val)
					case "name":
						name = strings.ToLower(attr.Val)
					case "itemprop":
						itemprop = strings.ToLower(attr.Val)
					case "content":
						content = attr.Val
					}
				}
				if metaImageKeys[property] || metaImageKeys[name] || itemprop == "image" {
					list.add(base, content)
				}
			case "link":
				var rel, href string
				for _, attr := range n.Attr {
					switch attr.Key {
					case "rel":
						rel = strings.ToLower(attr.Val)
					case "href":
						href = attr.Val
					}
				}
				if rel == "image_src" {
					list.add(base, href)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(n)
}

// collectImgTags extracts <img> sources in document order. Lazy-loading
// variants (data-src) and the first srcset entry are considered when src is
// absent.
func collectImgTags(n *html.Node, base *url.URL, list *candidateList) {
	var f func(*html.Node)
	f = func(n *html.Node) {
		if list.full() {
			return
		}
		if n.Type == html.ElementNode && n.Data == "img" {
			var src, dataSrc, srcset string
			for _, attr := range n.Attr {
				switch attr.Key {
				case "src":
					src = attr.Val
				case "data-src":
					dataSrc = attr.Val
				case "srcset":
					srcset = attr.Val
				}
			}
			switch {
			case src != "":
				list.add(base, src)
			case dataSrc != "":
				list.add(base, dataSrc)
			case srcset != "":
				list.add(base, firstSrcsetURL(srcset))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(n)
}

// firstSrcsetURL returns the URL of the first srcset entry, stripping the
// width/density descriptor.
func firstSrcsetURL(srcset string) string {
	entry := srcset
	if idx := strings.Index(entry, ","); idx >= 0 {
		entry = entry[:idx]
	}
	fields := strings.Fields(entry)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// collectStructuredDataImages extracts "image" fields from JSON-LD blocks.
// Scripts are parsed as data only, never executed.
func collectStructuredDataImages(n *html.Node, base *url.URL, list *candidateList) {
	var f func(*html.Node)
	f = func(n *html.Node) {
		if list.full() {
			return
		}
		if n.Type == html.ElementNode && n.Data == "script" {
			for _, attr := range n.Attr {
				if attr.Key == "type" && strings.EqualFold(attr.Val, "application/ld+json") {
					if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
						var payload interface{}
						if err := json.Unmarshal([]byte(n.FirstChild.Data), &payload); err == nil {
							walkStructuredData(payload, base, list, 0)
						}
					}
					break
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(n)
}

// walkStructuredData recursively scans decoded JSON-LD for image values.
// Image fields appear as plain strings, arrays, or ImageObject maps with a
// "url"/"contentUrl" key.
func walkStructuredData(v interface{}, base *url.URL, list *candidateList, depth int) {
	if depth > 6 || list.full() {
		return
	}
	switch val := v.(type) {
	case map[string]interface{}:
		if img, ok := val["image"]; ok {
			addStructuredImage(img, base, list, depth+1)
		}
		for key, child := range val {
			if key == "image" {
				continue
			}
			switch child.(type) {
			case map[string]interface{}, []interface{}:
				walkStructuredData(child, base, list, depth+1)
			}
		}
	case []interface{}:
		for _, item := range val {
			walkStructuredData(item, base, list, depth+1)
		}
	}
}

func addStructuredImage(v interface{}, base *url.URL, list *candidateList, depth int) {
	if depth > 6 || list.full() {
		return
	}
	switch val := v.(type) {
	case string:
		list.add(base, val)
	case []interface{}:
		for _, item := range val {
			addStructuredImage(item, base, list, depth+1)
		}
	case map[string]interface{}:
		if u, ok := val["url"].(string); ok {
			list.add(base, u)
		} else if u, ok := val["contentUrl"].(string); ok {
			list.add(base, u)
		}
	}
}
