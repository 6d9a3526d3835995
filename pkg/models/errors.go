package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies failures for retry and surfacing decisions.
// Retry policy keys off the kind, never off the error message.
type ErrorKind string

const (
	// ErrKindValidation is malformed caller input. Never retried.
	ErrKindValidation ErrorKind = "validation"
	// ErrKindResourceMissing is a missing connection, unit, or run.
	ErrKindResourceMissing ErrorKind = "resource_missing"
	// ErrKindTransient covers network errors, provider 5xx, and 429
	// with retry-after. Retried with backoff within budget.
	ErrKindTransient ErrorKind = "transient"
	// ErrKindPermanent covers provider 4xx (other than 429), schema
	// violations, and revoked auth. Fails the step immediately.
	ErrKindPermanent ErrorKind = "permanent"
	// ErrKindConflict is a duplicate dedup key or run. Not an error for
	// callers; collapsed into a "duplicate" outcome.
	ErrKindConflict ErrorKind = "conflict"
	// ErrKindInternal is a violated invariant, logged with full context.
	ErrKindInternal ErrorKind = "internal"
)

// ClassifiedError carries an ErrorKind alongside the underlying error.
type ClassifiedError struct {
	Kind       ErrorKind
	Err        error
	RetryAfter time.Duration // hint from a 429 response, zero if absent
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classified wraps err with the given kind.
func Classified(kind ErrorKind, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Err: err}
}

// Classify returns the ErrorKind of err, defaulting to internal for
// unclassified errors.
func Classify(err error) ErrorKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrKindInternal
}

// Retryable reports whether err should be retried.
func Retryable(err error) bool {
	return Classify(err) == ErrKindTransient
}
