package refimage

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidURL is returned when the input is not an absolute http or
	// https URL. Caller error, no network call is made.
	ErrInvalidURL = errors.New("invalid URL: must be absolute http or https")

	// ErrNotAnImage is returned when a proxied target serves a non-image
	// content type. The payload is never relayed.
	ErrNotAnImage = errors.New("target content type is not an image")

	// ErrImageTooLarge is returned when a proxied target exceeds the
	// configured size ceiling.
	ErrImageTooLarge = errors.New("image exceeds maximum allowed size")

	// ErrUpstreamUnavailable is returned when the target origin could not
	// be reached at all (connection failure or timeout).
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// UpstreamError reports a reachable origin that answered with a non-2xx
// status. Kept distinct from ErrUpstreamUnavailable so callers can tell
// "origin refused" apart from "origin unreachable" and from an empty result.
type UpstreamError struct {
	Status int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.Status)
}
