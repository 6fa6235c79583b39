package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a non-2xx response from the sekimon API.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("sekimon: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func statusIs(err error, code int) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == code
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return statusIs(err, http.StatusNotFound) }

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool { return statusIs(err, http.StatusUnauthorized) }

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool { return statusIs(err, http.StatusForbidden) }

// IsConflict returns true if the error is a 409: a lost race or a task in
// the wrong state.
func IsConflict(err error) bool { return statusIs(err, http.StatusConflict) }

// IsRateLimited returns true if the error is a 429.
func IsRateLimited(err error) bool { return statusIs(err, http.StatusTooManyRequests) }
