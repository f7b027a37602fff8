package liveblog

import (
	"errors"
	"fmt"
)

var (
	ErrConflict     = errors.New("etag conflict")
	ErrNotLoggedIn  = errors.New("not logged in")
	ErrInvalidInput = errors.New("invalid input")
)

// ConflictError is returned when a conditional PATCH is rejected because the
// caller's etag no longer matches the server state.
type ConflictError struct {
	Path string
	Etag string
}

func (e *ConflictError) Error() string {
	if e.Path == "" {
		return "etag conflict"
	}
	return fmt.Sprintf("etag conflict for %s", e.Path)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}
