package api

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransient marks queue, store, and network failures worth retrying.
	ErrTransient = errors.New("transient infrastructure failure")
	// ErrUnavailable marks a capability that is not configured, such as the fallback parser
	// without a credential.
	ErrUnavailable = errors.New("capability unavailable")
)

// ParseFailure reasons.
const (
	ReasonEmptyText           = "empty_text"
	ReasonFallbackUnavailable = "no_regex_match_fallback_unavailable"
	ReasonFallbackRejected    = "fallback_rejected"
)

// ParseFailure is returned when no parser stage could extract a transaction.
// The message is malformed from the pipeline's point of view and is retained, not retried.
type ParseFailure struct {
	Reason string
	Err    error
}

func (e *ParseFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("parse failed (%s)", e.Reason)
}

func (e *ParseFailure) Unwrap() error { return e.Err }

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

func (e *transientError) Is(target error) bool { return target == ErrTransient }

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err should be retried: explicitly transient errors and
// stage timeouts both qualify.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

// IsParseFailure reports whether err carries a ParseFailure.
func IsParseFailure(err error) bool {
	var pf *ParseFailure
	return errors.As(err, &pf)
}
