package backend

import (
	"errors"
	"fmt"

	"github.com/g960059/printwatch/internal/security"
)

// MaintenanceError is returned for 503 responses. It is never retried.
type MaintenanceError struct {
	Path string
}

func (e *MaintenanceError) Error() string {
	return "server under maintenance"
}

// HTTPError is a response whose status is outside the request's success codes.
type HTTPError struct {
	Status int
	Path   string
	Body   string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return ""
	}
	path := security.Redact(e.Path)
	if body := security.Truncate(e.Body, 200); body != "" {
		return fmt.Sprintf("unexpected status code %d for %s: %s", e.Status, path, body)
	}
	return fmt.Sprintf("unexpected status code %d for %s", e.Status, path)
}

// FailedToFetchDataError means the transport failed before a response arrived.
type FailedToFetchDataError struct {
	Path string
	Err  error
}

func (e *FailedToFetchDataError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("failed to fetch %s", e.Path)
	}
	return fmt.Sprintf("failed to fetch %s: %v", e.Path, e.Err)
}

func (e *FailedToFetchDataError) Unwrap() error {
	return e.Err
}

// StreamUnavailableError means the backend has no stream URL for a webcam.
type StreamUnavailableError struct {
	Path string
}

func (e *StreamUnavailableError) Error() string {
	return fmt.Sprintf("stream unavailable at %s", e.Path)
}

// StatusOf extracts the HTTP status carried by err, if any.
func StatusOf(err error) (int, bool) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status, true
	}
	var maintenance *MaintenanceError
	if errors.As(err, &maintenance) {
		return 503, true
	}
	var unavailable *StreamUnavailableError
	if errors.As(err, &unavailable) {
		return 404, true
	}
	return 0, false
}
