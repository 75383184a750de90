package refimage

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"

	// Decoders registered for the dimension probe only; payload bytes are
	// always relayed untouched.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/qcatalog/refimage/models"
)

// ProxyImage fetches an image binary and returns it for re-serving with
// permissive CORS headers, shielding the browser from the origin's own CORS
// policy. The payload is relayed verbatim with the origin's content type;
// non-image content types are rejected rather than relayed.
func (c *Client) ProxyImage(ctx context.Context, imageURL string) (*models.ProxyResult, error) {
	if _, err := validateTargetURL(imageURL); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.ImageTimeout)
	defer cancel()

	req, err := c.newRequest(ctx, "GET", imageURL)
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

	contentType := resp.Header.Get("Content-Type")
	if !IsImageContentType(contentType) {
		return nil, fmt.Errorf("%w: got %q", ErrNotAnImage, contentType)
	}

	if resp.ContentLength > c.config.MaxImageSizeBytes {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrImageTooLarge, resp.ContentLength, c.config.MaxImageSizeBytes)
	}

	// Read one byte past the ceiling so a lying Content-Length still fails
	// instead of relaying a truncated image.
	limited := io.LimitReader(resp.Body, c.config.MaxImageSizeBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, wrapTransportError(err)
	}
	if int64(len(data)) > c.config.MaxImageSizeBytes {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrImageTooLarge, c.config.MaxImageSizeBytes)
	}

	result := &models.ProxyResult{
		Data:         data,
		ContentType:  contentType,
		SourceStatus: resp.StatusCode,
	}

	// Best effort; an undecodable payload is still relayed as-is.
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		result.Width = cfg.Width
		result.Height = cfg.Height
	}

	return result, nil
}

// ValidateImageURL checks that a candidate URL serves an image without
// downloading the full payload. It tries HEAD first and falls back to a
// ranged GET for origins that reject HEAD.
func (c *Client) ValidateImageURL(ctx context.Context, imageURL string) error {
	if _, err := validateTargetURL(imageURL); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.ImageTimeout)
	defer cancel()

	contentType, err := c.probeContentType(ctx, http.MethodHead, imageURL)
	if err != nil || contentType == "" {
		contentType, err = c.probeContentType(ctx, http.MethodGet, imageURL)
	}
	if err != nil {
		return err
	}
	if !IsImageContentType(contentType) {
		return fmt.Errorf("%w: got %q", ErrNotAnImage, contentType)
	}
	return nil
}

func (c *Client) probeContentType(ctx context.Context, method, imageURL string) (string, error) {
	req, err := c.newRequest(ctx, method, imageURL)
	if err != nil {
		return "", err
	}
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-511")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", wrapTransportError(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 512))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &UpstreamError{Status: resp.StatusCode}
	}
	return resp.Header.Get("Content-Type"), nil
}

// IsImageContentType reports whether a Content-Type header value denotes an
// image payload.
func IsImageContentType(contentType string) bool {
	mediaType := contentType
	if idx := strings.Index(mediaType, ";"); idx >= 0 {
		mediaType = mediaType[:idx]
	}
	return strings.HasPrefix(strings.TrimSpace(strings.ToLower(mediaType)), "image/")
}
