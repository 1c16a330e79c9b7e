package provider

import (
	"errors"
	"fmt"
)

// Sentinels matched with errors.Is against any *Error.
var (
	// ErrTimeout means the outcome of the call is unknown and the caller may
	// retry with the same idempotency key.
	ErrTimeout = errors.New("provider timeout")
	// ErrRejected means the provider refused the request; retrying will not help.
	ErrRejected = errors.New("provider rejected")
	// ErrNotFound is a rejection for a missing repository, PR or issue.
	ErrNotFound = errors.New("provider resource not found")
)

// Kind classifies a provider failure.
type Kind string

const (
	KindTimeout  Kind = "timeout"
	KindRejected Kind = "rejected"
	KindNotFound Kind = "not_found"
)

// Error is the error type returned by Client implementations.
type Error struct {
	Op      string
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Op, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match the sentinels by kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrRejected:
		return e.Kind == KindRejected || e.Kind == KindNotFound
	case ErrNotFound:
		return e.Kind == KindNotFound
	}
	return false
}

// Rejected builds a terminal provider error.
func Rejected(op string, status int, msg string) *Error {
	k := KindRejected
	if status == 404 {
		k = KindNotFound
	}
	return &Error{Op: op, Kind: k, Status: status, Message: msg}
}

// Timeout builds a retryable provider error.
func Timeout(op string, err error) *Error {
	msg := "deadline exceeded"
	if err != nil {
		msg = err.Error()
	}
	return &Error{Op: op, Kind: KindTimeout, Message: msg, Err: err}
}

// Classify maps an arbitrary error from a provider call onto an *Error.
// Deadline expiry, network timeouts, transport failures and 5xx answers all
// leave the outcome unknown and are classified as timeouts.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return Timeout(op, err)
}

// IsRetryable reports whether err leaves the outcome unknown.
func IsRetryable(err error) bool { return errors.Is(err, ErrTimeout) }
