package fetch

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

var (
	// ErrNotReady marks a dataset the server is still preparing.
	ErrNotReady = errors.New("dataset not ready")
	// ErrInvalidQuery marks a query rejected before or by the server.
	ErrInvalidQuery = errors.New("invalid query")
	// ErrMalformedPayload marks a response body that could not be decoded.
	ErrMalformedPayload = errors.New("malformed payload")
)

// FetchError is any failure of a resource request other than not-ready.
type FetchError struct {
	Resource   string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.Resource, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Resource, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NotReadyError is returned for HTTP 503. It is expected while a dataset is
// being prepared and should be shown as loading, not as a failure.
type NotReadyError struct {
	Resource   string
	RetryAfter time.Duration
}

func (e *NotReadyError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("fetch %s: %v (retry after %s)", e.Resource, ErrNotReady, e.RetryAfter)
	}
	return fmt.Sprintf("fetch %s: %v", e.Resource, ErrNotReady)
}

func (e *NotReadyError) Unwrap() error { return ErrNotReady }

// IsNotReady reports whether err is, or wraps, a not-ready response.
func IsNotReady(err error) bool { return errors.Is(err, ErrNotReady) }

func statusError(resource string, resp *http.Response, body string) error {
	if resp.StatusCode == http.StatusServiceUnavailable {
		return &NotReadyError{Resource: resource, RetryAfter: retryAfter(resp.Header)}
	}
	err := errors.New(http.StatusText(resp.StatusCode))
	if body != "" {
		err = errors.New(body)
	}
	if resp.StatusCode == http.StatusBadRequest {
		err = fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	return &FetchError{Resource: resource, StatusCode: resp.StatusCode, Err: err}
}

func retryAfter(h http.Header) time.Duration {
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
