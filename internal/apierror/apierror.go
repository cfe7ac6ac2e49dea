// Package apierror classifies remote API failures into a typed taxonomy so
// that retry policies can switch on an error kind instead of sniffing status
// codes or message substrings at every call site.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind identifies a class of remote API failure.
type Kind int

const (
	// KindUnknown covers network failures and anything not otherwise classified.
	KindUnknown Kind = iota
	// KindThrottled means the remote explicitly signalled a rate limit.
	KindThrottled
	// KindConflict is an optimistic-concurrency write conflict (409).
	KindConflict
	// KindTransientServer is a 5xx.
	KindTransientServer
	// KindAuth is a 401 or a genuine permission-denied 403.
	KindAuth
	// KindNotFound is a 404.
	KindNotFound
	// KindValidation is any other 4xx, e.g. a malformed payload (400).
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindThrottled:
		return "throttled"
	case KindConflict:
		return "conflict"
	case KindTransientServer:
		return "transient_server"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// APIError is a classified remote failure. Message never contains credentials
// or request headers.
type APIError struct {
	Kind       Kind
	StatusCode int
	// RetryAfter is the server-provided wait, zero when the server gave none.
	RetryAfter time.Duration
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// KindOf returns the kind of err, KindUnknown when err carries no classification.
func KindOf(err error) Kind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindUnknown
}

// Is reports whether err is an APIError of the given kind.
func Is(err error, kind Kind) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// RetryAfterOf returns the server-provided retry delay carried by err, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter, true
	}
	return 0, false
}

// Classify maps a Notion-style response to a typed error. It returns nil for
// 2xx statuses. Retry-After is honoured on 429 responses when present.
func Classify(statusCode int, body []byte, header http.Header) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	e := &APIError{StatusCode: statusCode, Message: truncate(string(body), 256)}
	switch {
	case statusCode == http.StatusConflict:
		e.Kind = KindConflict
	case statusCode == http.StatusTooManyRequests:
		e.Kind = KindThrottled
		e.RetryAfter = parseRetryAfter(header)
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		e.Kind = KindAuth
	case statusCode == http.StatusNotFound:
		e.Kind = KindNotFound
	case statusCode >= 500:
		e.Kind = KindTransientServer
	case statusCode >= 400:
		e.Kind = KindValidation
	default:
		e.Kind = KindUnknown
	}
	return e
}

// ClassifyCanvas maps a Canvas response to a typed error. Canvas reuses 403
// for both throttling and permission denied; the two are told apart by the
// response body, which reads "403 Forbidden (Rate Limit Exceeded)" when the
// quota is exhausted.
func ClassifyCanvas(statusCode int, body []byte, header http.Header) error {
	if statusCode == http.StatusForbidden && strings.Contains(string(body), "Rate Limit Exceeded") {
		return &APIError{
			Kind:       KindThrottled,
			StatusCode: statusCode,
			RetryAfter: parseRetryAfter(header),
			Message:    "canvas rate limit exceeded",
		}
	}
	return Classify(statusCode, body, header)
}

func parseRetryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
