package sseserver

import "errors"

var (
	// ErrSessionNotFound is returned when a session id is unknown to the
	// registry or the session has already closed. Callers must open a new
	// stream; retrying the same id cannot succeed.
	ErrSessionNotFound = errors.New("session not found")

	// ErrBackpressure is returned when a session's inbound queue stays full
	// for the whole delivery wait. The condition is retryable after a delay.
	ErrBackpressure = errors.New("session inbound queue is full")
)

// ErrorKind is the machine-checkable error discriminator carried in every
// structured error response body.
type ErrorKind string

const (
	ErrorKindMissingParameter ErrorKind = "missing_parameter"
	ErrorKindBadRequest       ErrorKind = "bad_request"
	ErrorKindSessionNotFound  ErrorKind = "session_not_found"
	ErrorKindMethodNotAllowed ErrorKind = "method_not_allowed"
	ErrorKindListingFailed    ErrorKind = "listing_failed"
	ErrorKindBackpressure     ErrorKind = "backpressure"
	ErrorKindInternal         ErrorKind = "internal"
)
