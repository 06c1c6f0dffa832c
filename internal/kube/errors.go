package kube

import (
	"errors"
	"fmt"
)

// ErrNoServerConfigured is returned when no cluster endpoint can be resolved
// from the ambient configuration.
var ErrNoServerConfigured = errors.New("no server configured")

// RequestError is a non-200 answer from the API server.
type RequestError struct {
	StatusCode int
	Status     string
	Path       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s %s", e.Status, e.Path)
}

// NotFoundError is a 404 on a single-object get. It is a state, not a failure.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return "not found: " + e.Path
}

func (e *NotFoundError) IsNotFound() {}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// StatusCode returns the API server status carried by err, or 0.
func StatusCode(err error) int {
	var re *RequestError
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}
