// Package common defines shared constants and sentinel errors used across
// client and server layers of petsync. Callers should use errors.Is to
// match these values.
package common

import (
	"context"
	"errors"
)

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// ErrLogWrite means a mutation could not be durably recorded. The
	// attempted enqueue did not happen and the caller must not report success.
	ErrLogWrite = errors.New("mutation log write failed")

	// ErrTransport is a retryable network failure (unreachable backend,
	// timeout, throttling).
	ErrTransport = errors.New("transport error")

	// ErrAuth means the caller identity was refused. Not retryable; the
	// session layer has to re-authenticate.
	ErrAuth = errors.New("unauthorized")

	// ErrValidation means the backend refused a request as malformed. Not
	// retryable.
	ErrValidation = errors.New("validation error")

	// ErrVersionConflict is returned by stores when an optimistic update lost.
	ErrVersionConflict = errors.New("version conflict")

	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("closed")

	// ErrInvalidToken is returned for a malformed or expired access token.
	ErrInvalidToken = errors.New("invalid token")
)

// IsRetryable reports whether err is a transient failure worth retrying.
// Caller cancellation is never retryable; deadline expiry on a network call
// is, because timeouts are treated as transport failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrValidation) || errors.Is(err, ErrLogWrite) {
		return false
	}
	return errors.Is(err, ErrTransport) || errors.Is(err, context.DeadlineExceeded)
}
