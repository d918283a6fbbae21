package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// ErrNotSupported is returned for operations a backend does not implement,
// such as pulling models through a hosted OpenAI-compatible API.
var ErrNotSupported = errors.New("operation not supported by this backend")

// StatusError is returned when a backend responds with a non-success HTTP status.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Status)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// Retryable reports whether err is transient: a connection failure, a timeout,
// or an HTTP 429/5xx from the backend. Callers use it to decide whether another
// attempt can succeed. Context cancellation is never retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status == http.StatusTooManyRequests || se.Status >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Transport-level failures (refused, reset, DNS) arrive as *url.Error.
	var ue *url.Error
	return errors.As(err, &ue)
}
