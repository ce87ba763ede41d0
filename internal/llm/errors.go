package llm

import (
	"errors"
	"fmt"
)

// ErrUnavailable wraps every failure to obtain a completion from the chat
// collaborator.
var ErrUnavailable = errors.New("llm: chat collaborator unavailable")

// ErrEmptyReply is returned when the completion carries no choices.
var ErrEmptyReply = errors.New("llm: empty reply")

// HTTPError represents a non-2xx response from the chat endpoint.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("llm: HTTP %d: %s", e.StatusCode, e.Body)
}

// IsRateLimited returns true for 429.
func (e *HTTPError) IsRateLimited() bool {
	return e.StatusCode == 429
}

// IsRetryable returns true for rate limits (429) and server errors (5xx).
func (e *HTTPError) IsRetryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// AuthError indicates the API key was rejected.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("llm: authentication failed (HTTP %d): %s", e.StatusCode, e.Message)
}

// unavailable joins ErrUnavailable with the cause so callers can match on
// either.
func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
