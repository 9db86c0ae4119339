package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is the typed outcome every service returns on failure. Handlers map
// Status straight onto the HTTP response; Code is machine-readable.
type Error struct {
	Status int
	Code   string
	Err    error
	Fields map[string]string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

func Validation(code string, err error) *Error {
	return New(http.StatusBadRequest, code, err)
}

func ValidationFields(code string, err error, fields map[string]string) *Error {
	e := Validation(code, err)
	e.Fields = fields
	return e
}

// Quality marks an image that failed the intake heuristics. The client should
// retake the photo and resubmit.
func Quality(code string, err error) *Error {
	return New(http.StatusUnprocessableEntity, code, err)
}

// Classification marks an adapter failure or timeout. Retryable by
// resubmission; never substituted with a fabricated result.
func Classification(code string, err error) *Error {
	return New(http.StatusBadGateway, code, err)
}

func NotFound(err error) *Error {
	return New(http.StatusNotFound, "NOT_FOUND", err)
}

func Forbidden(err error) *Error {
	return New(http.StatusForbidden, "FORBIDDEN", err)
}

func Unauthorized(err error) *Error {
	return New(http.StatusUnauthorized, "UNAUTHORIZED", err)
}

func Conflict(code string, err error) *Error {
	return New(http.StatusConflict, code, err)
}

// Transient marks an unavailable dependency (storage, database). Safe to
// retry; the boundary layer hides the underlying detail from the client.
func Transient(err error) *Error {
	return New(http.StatusServiceUnavailable, "TRANSIENT", err)
}

func From(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

func IsNotFound(err error) bool {
	if ae, ok := From(err); ok {
		return ae.Status == http.StatusNotFound
	}
	return false
}

func IsForbidden(err error) bool {
	if ae, ok := From(err); ok {
		return ae.Status == http.StatusForbidden
	}
	return false
}

func IsTransient(err error) bool {
	if ae, ok := From(err); ok {
		return ae.Status == http.StatusServiceUnavailable
	}
	return false
}

func StatusOf(err error) int {
	if ae, ok := From(err); ok && ae.Status != 0 {
		return ae.Status
	}
	return http.StatusInternalServerError
}

func CodeOf(err error) string {
	if ae, ok := From(err); ok && ae.Code != "" {
		return ae.Code
	}
	return "INTERNAL"
}
