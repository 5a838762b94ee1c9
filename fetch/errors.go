// Package fetch provides a retrying JSON-over-HTTP GET with failure
// classification, so collection scripts can make partial-result
// decisions instead of failing whole runs.
//
// Failures fall into three classes:
//   - Throttle: rate limiting and transient server errors, retried with
//     exponential backoff.
//   - AccessBlock: an explicit block (HTTP 403 with "blocked" semantics),
//     retried after a long fixed cooldown unrelated to attempt count.
//   - Fatal: everything else, raised immediately without retry.
package fetch

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Class is the failure classification for a fetch attempt.
type Class int

// Failure classes. Classify is the pure mapping from a response to one
// of these; the retry loop only ever branches on the class.
const (
	// ClassThrottle marks transient failures retried with exponential backoff.
	ClassThrottle Class = iota
	// ClassAccessBlock marks an explicit access block requiring a long cooldown.
	ClassAccessBlock
	// ClassFatal marks hard failures raised immediately.
	ClassFatal
)

// String returns the class name for telemetry and log fields.
func (c Class) String() string {
	switch c {
	case ClassThrottle:
		return "throttle"
	case ClassAccessBlock:
		return "access_block"
	case ClassFatal:
		return "fatal"
	}
	return "unknown"
}

// throttleStatuses are the transport statuses classified as throttling.
var throttleStatuses = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// Classify maps an HTTP failure status and its error message to a
// failure class. A 403 whose message contains "blocked" (case
// insensitive) is an access block; 429 and common transient 5xx are
// throttling; anything else is fatal.
func Classify(status int, msg string) Class {
	if isBlocked(status, msg) {
		return ClassAccessBlock
	}
	if throttleStatuses[status] {
		return ClassThrottle
	}
	return ClassFatal
}

func isBlocked(status int, msg string) bool {
	return status == 403 && strings.Contains(strings.ToLower(msg), "blocked")
}

// ThrottleError is a retryable throttling failure (HTTP 429 or a
// transient 5xx).
type ThrottleError struct {
	// Status is the HTTP status that triggered the classification.
	Status int
	// URL is the requested URL.
	URL string
	// Msg is the upstream error message.
	Msg string
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("retryable HTTP %d from %s: %s", e.Status, e.URL, e.Msg)
}

// BlockedError is an access-block failure, distinct from ordinary
// throttling so callers can stop paging an endpoint while keeping
// partial results instead of abandoning the whole operation.
type BlockedError struct {
	// Status is the HTTP status, always 403 in practice.
	Status int
	// URL is the requested URL.
	URL string
	// Msg is the upstream error message.
	Msg string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("HTTP %d blocked from %s: %s", e.Status, e.URL, e.Msg)
}

// StatusError is a hard protocol failure: a non-OK status that is
// neither throttling nor an access block. Never retried.
type StatusError struct {
	Status int
	URL    string
	Msg    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d from %s: %s", e.Status, e.URL, e.Msg)
}

// BodyError is a response body that did not parse as JSON, indicating a
// non-API response such as an HTML error page. It is retried like a
// throttle failure up to the retry budget; parsing is not expected to
// recover within a single call, but the upstream may.
type BodyError struct {
	Status  int
	URL     string
	Snippet string
}

func (e *BodyError) Error() string {
	return fmt.Sprintf("non-JSON %d from %s: %s", e.Status, e.URL, e.Snippet)
}

// classOf classifies an error from a single attempt. Transport-level
// failures (url.Error) and non-JSON bodies are treated as throttling:
// both are transient from the caller's point of view.
func classOf(err error) Class {
	var blocked *BlockedError
	if errors.As(err, &blocked) {
		return ClassAccessBlock
	}
	var throttle *ThrottleError
	if errors.As(err, &throttle) {
		return ClassThrottle
	}
	var body *BodyError
	if errors.As(err, &body) {
		return ClassThrottle
	}
	var transport *url.Error
	if errors.As(err, &transport) {
		return ClassThrottle
	}
	return ClassFatal
}
