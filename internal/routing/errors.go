package routing

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyExists    = errors.New("already exists")
	ErrNotFound         = errors.New("not found")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrServiceStopped   = errors.New("connector service is stopped")
	ErrServiceDestroyed = errors.New("connector service is destroyed")
	ErrQueueFull        = errors.New("outbound queue is full")
	ErrNotProcessor     = errors.New("connector cannot process messages")
	ErrLifecycle        = errors.New("lifecycle failure")
)

// PermanentError marks a processing failure that must not be redelivered.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsPermanent checks if error is permanent
func IsPermanent(err error) bool {
	var permanentErr *PermanentError
	return errors.As(err, &permanentErr)
}

// ActionError reports a failing pipeline action.
type ActionError struct {
	Stage string
	Index int
	Err   error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s action %d failed: %v", e.Stage, e.Index, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// SunkError wraps a failure whose message was already handed to a failed sink.
// The message is accounted for; callers must not dead-letter or fail it again.
type SunkError struct {
	Err error
}

func (e *SunkError) Error() string {
	return e.Err.Error()
}

func (e *SunkError) Unwrap() error {
	return e.Err
}

// IsSunk reports whether err carries a message already stored by a failed sink.
func IsSunk(err error) bool {
	var sunk *SunkError
	return errors.As(err, &sunk)
}
