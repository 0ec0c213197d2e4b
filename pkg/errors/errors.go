// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the tagged error model shared by all Entativa ID
// components. Every component returns a *Error whose Kind tells the caller
// how to react: input and conflict errors are never retried, transient errors
// may be retried once at the component boundary, fatal errors abort the
// operation, and auth/policy errors additionally produce audit events.
package errors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Kind classifies an error for propagation and wire translation.
type Kind string

// Error kinds.
const (
	// KindInput is a malformed request or a violated validation rule.
	KindInput Kind = "input"

	// KindAuth is an authentication or authorization failure. Messages of
	// this kind must not reveal whether a subject exists.
	KindAuth Kind = "auth"

	// KindConflict is a uniqueness or state conflict (duplicate eid/email,
	// duplicate pending reservation, PKCE mismatch).
	KindConflict Kind = "conflict"

	// KindPolicy is a policy refusal (protected handle, rate limit, MFA
	// required). Policy errors carry a remediation hint.
	KindPolicy Kind = "policy"

	// KindTransient is a recoverable infrastructure failure (cache
	// unreachable, store timeout). Retried once at the component boundary.
	KindTransient Kind = "transient"

	// KindFatal is an unrecoverable failure (signing key missing, corrupt
	// state). The operation never succeeds silently.
	KindFatal Kind = "fatal"

	// KindNotFound is a missing entity. Callers decide whether it surfaces
	// as input, auth, or conflict at the wire layer.
	KindNotFound Kind = "not_found"
)

// Error is the tagged outcome returned by Entativa ID components.
type Error struct {
	// Kind classifies the error.
	Kind Kind

	// Message is a human-readable description safe to surface externally.
	Message string

	// Field names the offending request field for input errors.
	Field string

	// Hint carries a remediation hint for policy errors.
	Hint string

	// Cause is the underlying error, if any. Never surfaced externally.
	Cause error
}

// Error returns the error message.
func (e *Error) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("%s: %s (field %q)", e.Kind, e.Message, e.Field)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithField attaches the offending field name and returns the error.
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// WithHint attaches a remediation hint and returns the error.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind wrapping a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Input creates an input error.
func Input(message string) *Error { return New(KindInput, message) }

// Inputf creates a formatted input error.
func Inputf(format string, args ...any) *Error { return Newf(KindInput, format, args...) }

// Auth creates an auth error. The message must stay generic.
func Auth(message string) *Error { return New(KindAuth, message) }

// Conflict creates a conflict error.
func Conflict(message string) *Error { return New(KindConflict, message) }

// Policy creates a policy error.
func Policy(message string) *Error { return New(KindPolicy, message) }

// Transient creates a transient error wrapping a cause.
func Transient(message string, cause error) *Error {
	return Wrap(KindTransient, message, cause)
}

// Fatal creates a fatal error wrapping a cause.
func Fatal(message string, cause error) *Error {
	return Wrap(KindFatal, message, cause)
}

// NotFound creates a not-found error.
func NotFound(message string) *Error { return New(KindNotFound, message) }

// Is reports whether any error in err's chain matches target. Re-exported
// so callers mixing tagged and sentinel errors need a single import.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain matching target.
func As(err error, target any) bool { return errors.As(err, target) }

// KindOf returns the kind of err, walking the unwrap chain.
// Untagged errors report KindFatal: an error nobody classified must not be
// mistaken for something retriable or user-caused.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// IsKind reports whether err (or anything it wraps) has the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsInput reports whether err is an input error.
func IsInput(err error) bool { return IsKind(err, KindInput) }

// IsAuth reports whether err is an auth error.
func IsAuth(err error) bool { return IsKind(err, KindAuth) }

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool { return IsKind(err, KindConflict) }

// IsPolicy reports whether err is a policy error.
func IsPolicy(err error) bool { return IsKind(err, KindPolicy) }

// IsTransient reports whether err is a transient error.
func IsTransient(err error) bool { return IsKind(err, KindTransient) }

// IsFatal reports whether err is a fatal error.
func IsFatal(err error) bool { return IsKind(err, KindFatal) }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// retryInitialInterval is the starting backoff for the single internal retry.
const retryInitialInterval = 100 * time.Millisecond

// Retry runs op and retries it exactly once if it fails with a transient
// error. Non-transient failures stop immediately. The final transient failure
// is surfaced unchanged so the wire layer can translate it to
// "service unavailable".
func Retry(ctx context.Context, op func(ctx context.Context) error) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = retryInitialInterval

	operation := func() (struct{}, error) {
		err := op(ctx)
		if err != nil && !IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(2), // initial attempt plus one retry
	)
	return err
}
