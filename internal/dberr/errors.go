// Package dberr defines the error taxonomy carried out-of-band with the
// failing operation and wraps causes with github.com/juju/errors
// so callers can both pattern-match on Kind and print the full chain.
package dberr

import (
	stderrors "errors"
	"fmt"

	"github.com/juju/errors"
)

// Kind identifies the class of failure, independent of the wrapped cause.
type Kind int

const (
	Unknown Kind = iota
	DatabaseExists
	DatabaseNotFound
	TableExists
	TableNotFound
	IndexExists
	IndexNotFound
	ColumnNotFound
	InvalidValueCount
	IncompatibleType
	StringOverflow
	ResultOutOfRange
	DateTimeFormat
	IndexEntryNotFound
	DuplicateKey
	BufferpoolFull
	FileExists
	FileNotFound
	FileNotClosed
	FileNotOpen
	UnixError
	TransactionAbort
)

var kindNames = map[Kind]string{
	Unknown:            "Unknown",
	DatabaseExists:     "DatabaseExists",
	DatabaseNotFound:   "DatabaseNotFound",
	TableExists:        "TableExists",
	TableNotFound:      "TableNotFound",
	IndexExists:        "IndexExists",
	IndexNotFound:      "IndexNotFound",
	ColumnNotFound:     "ColumnNotFound",
	InvalidValueCount:  "InvalidValueCount",
	IncompatibleType:   "IncompatibleType",
	StringOverflow:     "StringOverflow",
	ResultOutOfRange:   "ResultOutOfRange",
	DateTimeFormat:     "DateTimeFormat",
	IndexEntryNotFound: "IndexEntryNotFound",
	DuplicateKey:       "DuplicateKey",
	BufferpoolFull:     "BufferpoolFull",
	FileExists:         "FileExists",
	FileNotFound:       "FileNotFound",
	FileNotClosed:      "FileNotClosed",
	FileNotOpen:        "FileNotOpen",
	UnixError:          "UnixError",
	TransactionAbort:   "TransactionAbort",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Unknown"
}

// AbortReason narrows a TransactionAbort error.
type AbortReason string

const (
	DeadlockPrevention  AbortReason = "DEADLOCK-PREVENTION"
	UpgradeConflict     AbortReason = "UPGRADE-CONFLICT"
	LockOnShrinking     AbortReason = "LOCK-ON-SHRINKING"
	CommitAborted       AbortReason = "COMMIT-ABORTED"
	NestLoopJoinFailure AbortReason = "NESTLOOPJOIN-FILE-FAILURE"
)

// Error is the concrete error type returned by every emberdb package.
type Error struct {
	Kind   Kind
	Reason AbortReason // only meaningful when Kind == TransactionAbort
	cause  error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.Reason, errors.Cause(e.cause))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.cause)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a bare Kind error with a message, annotated via juju/errors so
// the call site is captured in the trace.
func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, cause: errors.Errorf(format, args...)}
}

// Wrap annotates an existing cause with a Kind, preserving the original
// error for errors.Cause()/errors.As() callers.
func Wrap(kind Kind, cause error, format string, args ...interface{}) error {
	if cause == nil {
		return New(kind, format, args...)
	}
	return &Error{Kind: kind, cause: errors.Annotatef(cause, format, args...)}
}

// Abort builds a TransactionAbort error for the given reason.
func Abort(reason AbortReason, format string, args ...interface{}) error {
	return &Error{Kind: TransactionAbort, Reason: reason, cause: errors.Errorf(format, args...)}
}

// As reports whether err (or something it wraps) is a *Error, and if so
// returns it.
func As(err error) (*Error, bool) {
	var target *Error
	if stderrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Is reports whether err is a *Error of the given Kind.
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// IsAbortReason reports whether err is a TransactionAbort of the given reason.
func IsAbortReason(err error, reason AbortReason) bool {
	e, ok := As(err)
	return ok && e.Kind == TransactionAbort && e.Reason == reason
}
