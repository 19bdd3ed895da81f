package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a missing entity.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists reports a uniqueness collision enforced by the store.
	ErrAlreadyExists = errors.New("already exists")
	// ErrStatusConflict reports a conditional status write whose precondition no longer holds.
	ErrStatusConflict = errors.New("status conflict")
	// ErrInvalidTransition reports a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrMalformedFilter reports a filter rejected at the CRUD boundary.
	ErrMalformedFilter = errors.New("malformed filter")
	// ErrInvalidMessage reports an ingestion payload without identity or text.
	ErrInvalidMessage = errors.New("invalid message")
)

// ExternalError wraps a failed classifier or transport call.
type ExternalError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *ExternalError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: timeout: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ExternalError) Unwrap() error {
	return e.Err
}

// NewExternalError classifies err; deadline expiry is flagged as a timeout.
func NewExternalError(op string, err error) *ExternalError {
	return &ExternalError{
		Op:      op,
		Timeout: errors.Is(err, context.DeadlineExceeded),
		Err:     err,
	}
}

// IsExternal reports whether err came from an external collaborator.
func IsExternal(err error) bool {
	var ext *ExternalError
	return errors.As(err, &ext)
}
