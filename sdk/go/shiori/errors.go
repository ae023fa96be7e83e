// Package shiori provides a Go client for the Shiori context API.
package shiori

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents an error from the Shiori API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("shiori: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func statusIs(err error, code int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == code
	}
	return false
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return statusIs(err, http.StatusNotFound) }

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool { return statusIs(err, http.StatusUnauthorized) }

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool { return statusIs(err, http.StatusForbidden) }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return statusIs(err, http.StatusTooManyRequests) }

// IsNotReady returns true when a run's result was requested before the run
// reached a terminal status.
func IsNotReady(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == "NOT_READY"
}

// IsAlreadyTerminal returns true when a cancel targeted a finished run.
func IsAlreadyTerminal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == "ALREADY_TERMINAL"
}
