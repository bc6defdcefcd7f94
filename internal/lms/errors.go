package lms

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for LMS operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrFetch indicates a prefetch run failed as a whole: the auth check or the
	// course listing failed, or nothing was retrieved. The cached graph is kept.
	ErrFetch = errors.New("lms fetch failed")

	// ErrUnauthorized indicates the LMS rejected the API key.
	ErrUnauthorized = errors.New("lms unauthorized")

	// ErrNotFound indicates the requested LMS object does not exist.
	ErrNotFound = errors.New("lms object not found")

	// ErrInvalidCredentials indicates an empty API key or unusable base URL.
	ErrInvalidCredentials = errors.New("invalid lms credentials")
)

// StatusError is a non-2xx response from the LMS.
type StatusError struct {
	StatusCode int
	Path       string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("lms: GET %s: status %d", e.Path, e.StatusCode)
	}
	return fmt.Sprintf("lms: GET %s: status %d: %s", e.Path, e.StatusCode, e.Body)
}

// Unwrap maps auth and not-found statuses onto the package sentinels.
func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

// retryable reports whether the status is worth another attempt.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
