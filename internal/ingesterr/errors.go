// Package ingesterr classifies ingestion failures by kind.
//
// Every stage of the pipeline (source, embedding, sink) wraps its failures in
// an *Error so the executor can decide between retrying and failing the job
// without knowing anything about the concrete backend.
package ingesterr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind identifies the class of an ingestion error.
type Kind string

const (
	KindValidation          Kind = "ValidationError"
	KindConnection          Kind = "ConnectionError"
	KindAuth                Kind = "AuthError"
	KindNotFound            Kind = "NotFound"
	KindProviderUnavailable Kind = "ProviderUnavailable"
	KindRateLimited         Kind = "RateLimited"
	KindInvalidInput        Kind = "InvalidInput"
	KindIndexUnavailable    Kind = "IndexUnavailable"
	KindSchemaMismatch      Kind = "SchemaMismatch"
	KindInvalidState        Kind = "InvalidState"
	KindCancelled           Kind = "Cancelled"
	KindInternal            Kind = "InternalError"
)

// Error is an ingestion error carrying its kind.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "s3.get" or "embed".
	Op  string
	Err error
	// RetryAfter is a delay suggested by the remote side (RateLimited only).
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind from a message.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Errorf creates an error of the given kind with a formatted message.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to err. A nil err stays nil. If err is already an
// *Error its kind is kept, so the innermost classification wins.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// RateLimited creates a RateLimited error with a suggested retry delay.
func RateLimited(op string, err error, retryAfter time.Duration) error {
	return &Error{Kind: KindRateLimited, Op: op, Err: err, RetryAfter: retryAfter}
}

// Validation is shorthand for a ValidationError with a formatted message.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err. Context cancellation maps to Cancelled,
// deadline expiry to ProviderUnavailable, and anything unclassified to
// InternalError.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindProviderUnavailable
	}
	return KindInternal
}

// Is reports whether err is of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether another attempt could succeed.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConnection, KindAuth, KindProviderUnavailable, KindRateLimited, KindIndexUnavailable:
		return true
	default:
		return false
	}
}

// RetryAfter returns the delay suggested by a RateLimited error, or zero.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindRateLimited {
		return e.RetryAfter
	}
	return 0
}

// Message returns the innermost human readable message of err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Err != nil {
		return e.Err.Error()
	}
	return err.Error()
}
