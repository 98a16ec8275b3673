// Package ingesterr defines the tagged error taxonomy shared by every
// component: validation, transport, quota, and consistency (spec §7). Each
// is a distinct sentinel wrapped with a cause so callers dispatch on
// errors.Is rather than string matching.
package ingesterr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed row or schema drift. Fatal: never retried.
	ErrValidation = errors.New("validation error")
	// ErrTransport marks a network, TLS, or auth failure. Retried with backoff.
	ErrTransport = errors.New("transport error")
	// ErrQuota marks a rate or capacity rejection. Paused, not retried in-loop.
	ErrQuota = errors.New("quota error")
	// ErrConsistency marks a gap that persisted after repair. Alerted, not retried.
	ErrConsistency = errors.New("consistency error")
)

// Validation formats a ValidationError naming the offending field or row.
func Validation(format string, args ...any) error {
	return &taggedError{tag: ErrValidation, msg: fmt.Sprintf(format, args...)}
}

// Transport wraps err as a TransportError. Returns nil if err is nil.
func Transport(err error) error {
	if err == nil {
		return nil
	}
	return &taggedError{tag: ErrTransport, cause: err}
}

// Quota wraps err as a QuotaError. Returns nil if err is nil.
func Quota(err error) error {
	if err == nil {
		return nil
	}
	return &taggedError{tag: ErrQuota, cause: err}
}

// Consistency formats a ConsistencyError describing the unresolved range.
func Consistency(format string, args ...any) error {
	return &taggedError{tag: ErrConsistency, msg: fmt.Sprintf(format, args...)}
}

type taggedError struct {
	tag   error
	cause error
	msg   string
}

func (e *taggedError) Error() string {
	if e.cause != nil {
		return e.tag.Error() + ": " + e.cause.Error()
	}
	return e.tag.Error() + ": " + e.msg
}

func (e *taggedError) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	return e.tag
}

func (e *taggedError) Is(target error) bool {
	return target == e.tag
}
