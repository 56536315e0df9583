package backend

import (
	"errors"
	"fmt"
	"strings"
)

// NetworkError is a transport level failure: the request never produced an HTTP
// response, timed out, or was rejected locally by the rate limiter or circuit
// breaker. It is never retried immediately; the next poll or user action retries.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// BackendError is a response carrying a structured {error} body or a non-2xx status.
// Message is shown to the user verbatim.
type BackendError struct {
	Status  int
	Message string
	// Err is the decode failure for a response whose body could not be read.
	Err error
}

func (e *BackendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backend error (status %d): %s: %v", e.Status, e.Message, e.Err)
	}
	return fmt.Sprintf("backend error (status %d): %s", e.Status, e.Message)
}

func (e *BackendError) Unwrap() error { return e.Err }

// IsNetwork reports whether err is or wraps a NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// AsBackend extracts a BackendError from err.
func AsBackend(err error) (*BackendError, bool) {
	var be *BackendError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// MentionsInsufficientFunds reports whether a backend message rejects a trade for lack of cash.
func (e *BackendError) MentionsInsufficientFunds() bool {
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "insufficient") || strings.Contains(msg, "not enough cash") ||
		strings.Contains(msg, "not enough funds")
}

// MentionsClosedMarket reports whether a backend message rejects a trade on a closed market.
func (e *BackendError) MentionsClosedMarket() bool {
	msg := strings.ToLower(e.Message)
	return strings.Contains(msg, "closed") || strings.Contains(msg, "not open") || strings.Contains(msg, "resolved")
}
