// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repository/transport/service layers.
var (
	// ErrNotFound indicates the requested asset or album does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates the fingerprint is already indexed. Callers treat it
	// as "already stored", not as a failure.
	ErrConflict = errors.New("fingerprint already indexed")

	// ErrTransportUnavailable indicates the transport profile required for the
	// operation is not configured. Not retried.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrRateLimitTimeout indicates an upload token was not granted within the
	// configured wait bound.
	ErrRateLimitTimeout = errors.New("rate limit wait timed out")

	// ErrTransportIO indicates a network or remote platform failure.
	ErrTransportIO = errors.New("transport i/o")

	// ErrCorruptIndex indicates the local index store cannot be read.
	ErrCorruptIndex = errors.New("index store unreadable")

	// ErrInvalidInput indicates a request that can never succeed as given
	// (empty file, oversized file, malformed range).
	ErrInvalidInput = errors.New("invalid input")
)

// Hint returns a user-facing remedy for errors that need operator action,
// or "" when the error carries none.
func Hint(err error) string {
	switch {
	case errors.Is(err, ErrTransportUnavailable):
		return "configure the full transport: set api_id and api_hash (TG_API_ID/TG_API_HASH) next to the bot token"
	case errors.Is(err, ErrCorruptIndex):
		return "the local index is unreadable; move it aside and run `televault rebuild` to restore it from the channel"
	case errors.Is(err, ErrRateLimitTimeout):
		return "the upload queue is saturated; retry later or raise rate_limit.timeout"
	default:
		return ""
	}
}
