package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies service failures so transport layers can map them to
// status codes without string matching.
type ErrorKind string

const (
	KindDuplicateBranch     ErrorKind = "DUPLICATE_BRANCH"
	KindInvalidName         ErrorKind = "INVALID_NAME"
	KindNotFound            ErrorKind = "NOT_FOUND"
	KindAlreadyLocked       ErrorKind = "ALREADY_LOCKED"
	KindNotLockHolder       ErrorKind = "NOT_LOCK_HOLDER"
	KindStaleVersion        ErrorKind = "STALE_VERSION"
	KindMissingResolution   ErrorKind = "MISSING_RESOLUTION"
	KindInvalidCustomValue  ErrorKind = "INVALID_CUSTOM_VALUE"
	KindUnresolvedConflicts ErrorKind = "UNRESOLVED_CONFLICTS"
	KindInvalidTransition   ErrorKind = "INVALID_TRANSITION"
	KindBranchNotMergeable  ErrorKind = "BRANCH_NOT_MERGEABLE"
	KindInternal            ErrorKind = "INTERNAL"
)

// Error is the service error type carried across package boundaries.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// DuplicateBranch reports a name collision on branch or change order creation.
func DuplicateBranch(format string, args ...any) *Error {
	return newError(KindDuplicateBranch, format, args...)
}

// InvalidName reports a malformed identifier or missing required input.
func InvalidName(format string, args ...any) *Error {
	return newError(KindInvalidName, format, args...)
}

// NotFound reports a missing branch, entity, version, or change order.
func NotFound(format string, args ...any) *Error {
	return newError(KindNotFound, format, args...)
}

// AlreadyLocked reports a lock acquisition against a branch another actor
// holds.
func AlreadyLocked(format string, args ...any) *Error {
	return newError(KindAlreadyLocked, format, args...)
}

// NotLockHolder reports a mutation or unlock by someone other than the lock
// holder.
func NotLockHolder(format string, args ...any) *Error {
	return newError(KindNotLockHolder, format, args...)
}

// StaleVersion reports an optimistic guard failure: the chain advanced past
// the version the caller last saw.
func StaleVersion(format string, args ...any) *Error {
	return newError(KindStaleVersion, format, args...)
}

// MissingResolution reports a conflict with no decision supplied.
func MissingResolution(format string, args ...any) *Error {
	return newError(KindMissingResolution, format, args...)
}

// InvalidCustomValue reports a custom resolution value that fails validation.
func InvalidCustomValue(format string, args ...any) *Error {
	return newError(KindInvalidCustomValue, format, args...)
}

// UnresolvedConflicts reports a merge attempted while conflicts remain
// undecided.
func UnresolvedConflicts(format string, args ...any) *Error {
	return newError(KindUnresolvedConflicts, format, args...)
}

// InvalidTransition reports an operation forbidden in the current state.
func InvalidTransition(format string, args ...any) *Error {
	return newError(KindInvalidTransition, format, args...)
}

// BranchNotMergeable reports a merge precondition failure.
func BranchNotMergeable(format string, args ...any) *Error {
	return newError(KindBranchNotMergeable, format, args...)
}

// Internal reports invariant violations such as a corrupt version chain.
// These are bugs or data corruption, never caller mistakes.
func Internal(format string, args ...any) *Error {
	return newError(KindInternal, format, args...)
}

// KindOf extracts the kind from an error chain, or KindInternal for errors
// that did not originate in this package.
func KindOf(err error) ErrorKind {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var domainErr *Error
	return errors.As(err, &domainErr) && domainErr.Kind == kind
}
