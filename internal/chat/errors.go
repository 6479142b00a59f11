package chat

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidMessage  = errors.New("message is empty or too long")
	ErrInvalidRoomCode = errors.New("invalid room code")
	ErrNotInRoom       = errors.New("not in a room")
	ErrAlreadyInRoom   = errors.New("already in a room")
	ErrRoomUnavailable = errors.New("room does not exist or has expired")
	ErrRateLimited     = errors.New("sending too fast")
	ErrSendFailed      = errors.New("data channel not open")
	ErrNotResendable   = errors.New("only failed local messages can be resent")
	ErrCancelled       = errors.New("left the room before the operation completed")
	ErrClosed          = errors.New("chat closed")
)

// Error describes which façade operation failed and why.
type Error struct {
	Op      string
	Err     error
	Details string
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func WrapError(op string, err error, details string) *Error {
	return &Error{Op: op, Err: err, Details: details}
}

// RateLimitError is a policy rejection, not a failure: the message was
// never sent and may be retried after RetryAfter.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%v, try again in %s", ErrRateLimited, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
