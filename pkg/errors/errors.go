// Package errors defines the error kinds surfaced by the storage core:
// NotFound, Conflict, IoError, Corruption, ShardUnavailable,
// InvalidArgument, Cancelled. Each kind wraps a cause via
// github.com/cockroachdb/errors so a Corruption raised deep inside WAL
// replay keeps its stack trace when it surfaces at a stats call or a log
// line.
package errors

import (
	"fmt"

	cockroach "github.com/cockroachdb/errors"
)

// Kind is one of the seven error kinds the core exposes to callers.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindConflict
	KindIoError
	KindCorruption
	KindShardUnavailable
	KindInvalidArgument
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindConflict:
		return "Conflict"
	case KindIoError:
		return "IoError"
	case KindCorruption:
		return "Corruption"
	case KindShardUnavailable:
		return "ShardUnavailable"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type every fallible core operation returns.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "shard.Put", "wal.Append"
	err  error  // wrapped cause, carries a cockroachdb stack trace
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// New builds a new Error of the given kind, capturing a stack trace at the
// call site via cockroachdb/errors.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, err: cockroach.NewWithDepth(1, msg)}
}

// Newf is New with formatting.
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, err: cockroach.NewWithDepthf(1, format, args...)}
}

// Wrap attaches a kind and operation name to an existing error, preserving
// (or starting) a cockroachdb stack trace.
func Wrap(kind Kind, op string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, err: cockroach.Wrap(cause, op)}
}

// Is reports whether the outermost *Error in err's chain (err itself or the
// nearest *Error it wraps) carries the given Kind; the kinds of *Errors
// wrapped deeper than that one are not consulted.
func Is(err error, kind Kind) bool {
	var e *Error
	if cockroach.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind carried by err, or KindUnknown if err is not (or
// does not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if cockroach.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Convenience constructors for the kinds callers reach for most often.

func NotFoundf(op, format string, args ...interface{}) *Error {
	return Newf(KindNotFound, op, format, args...)
}

func Conflictf(op, format string, args ...interface{}) *Error {
	return Newf(KindConflict, op, format, args...)
}

func InvalidArgumentf(op, format string, args ...interface{}) *Error {
	return Newf(KindInvalidArgument, op, format, args...)
}

func ShardUnavailablef(op, format string, args ...interface{}) *Error {
	return Newf(KindShardUnavailable, op, format, args...)
}

// DuplicateKeyError reports a unique-index violation. Kept as a distinct
// typed error rather than folded into a generic Conflict message, since it
// carries the offending key for the caller to report.
type DuplicateKeyError struct {
	Key string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key violation: key %q already exists in unique index", e.Key)
}
