package errors

import (
	"fmt"
)

// ErrSyncInProgress is returned when a git sync is requested while another
// one is still running. Callers are expected to retry once the running sync
// settles rather than queueing.
var ErrSyncInProgress = New("a sync is already in progress")

// MissingFieldError represents a missing required field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}
