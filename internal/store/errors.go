package store

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrNotFound is returned when no document has the requested id in the partition
	ErrNotFound = errors.New("document not found")

	// ErrPreconditionFailed is returned when an IfMatch version token is stale
	ErrPreconditionFailed = errors.New("document version token mismatch")

	// ErrConflict is returned by Create when the id already exists
	ErrConflict = errors.New("document already exists")

	// ErrUnknownProcedure is returned when no script is registered under the name
	ErrUnknownProcedure = errors.New("unknown stored procedure")
)

// ThrottledError is the store's "request rate too large" signal.
type ThrottledError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *ThrottledError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("request rate too large (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("request rate too large (retry after %s)", e.RetryAfter)
}

func (e *ThrottledError) Unwrap() error {
	return e.Err
}

func (e *ThrottledError) StatusCode() int {
	return http.StatusTooManyRequests
}

// RetryAfter reports the server-suggested backoff when err is a throttling
// response.
func RetryAfter(err error) (time.Duration, bool) {
	var throttled *ThrottledError
	if errors.As(err, &throttled) {
		return throttled.RetryAfter, true
	}
	return 0, false
}

// IsGone reports whether err means the document was concurrently modified or
// removed. Queue call sites treat both as "the intended effect is moot".
func IsGone(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrPreconditionFailed)
}
