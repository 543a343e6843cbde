package errors

import (
	goerrors "errors"
	"fmt"
)

// New returns an error with the given message.
func New(message string) error {
	return goerrors.New(message)
}

// contextError annotates an error with the operation that produced it.
type contextError struct {
	context string
	err     error
}

func (err contextError) Error() string {
	return fmt.Sprintf("%s: %s", err.context, err.err)
}

func (err contextError) Unwrap() error {
	return err.err
}

// WithContext wraps err with a short description of the operation that
// failed. Contexts stack, so the final message reads from the outermost
// operation down to the root cause.
func WithContext(err error, context string) error {
	return contextError{context, err}
}

// RootCause returns the innermost error in a chain of context wrappers.
func RootCause(err error) error {
	for {
		ctxErr, ok := err.(contextError)
		if !ok {
			return err
		}
		err = ctxErr.err
	}
}

// FriendlyError is an error whose message is meant to be shown to the user
// verbatim, without the "context: cause" chain prefix.
type FriendlyError struct {
	message string
}

func (err FriendlyError) Error() string {
	return err.message
}

// FriendlyMessage implements the friendly interface.
func (err FriendlyError) FriendlyMessage() string {
	return err.message
}

// NewFriendlyError creates an error that will be printed to the user as-is.
func NewFriendlyError(format string, args ...interface{}) FriendlyError {
	return FriendlyError{message: fmt.Sprintf(format, args...)}
}

// friendly is implemented by errors that carry a user-facing message.
type friendly interface {
	FriendlyMessage() string
}

// GetPrintableMessage returns the message that should be shown to the user
// for err: the friendly message if any error in the chain has one, and the
// plain error string otherwise.
func GetPrintableMessage(err error) string {
	for cause := err; cause != nil; {
		if friendlyErr, ok := cause.(friendly); ok {
			return friendlyErr.FriendlyMessage()
		}

		ctxErr, ok := cause.(contextError)
		if !ok {
			break
		}
		cause = ctxErr.err
	}
	return err.Error()
}
