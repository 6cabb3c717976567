// Package veloxerr defines the typed error kinds surfaced by the VeloxDB
// core (spec §7). Every non-fatal error returns a stable Kind, a message,
// and optional structured detail about the offending id, class, or key.
package veloxerr

import (
	"errors"
	"fmt"
)

// Kind identifies a category of engine error. Callers should switch on Kind,
// not on error strings.
type Kind uint8

const (
	// KindUnknown is never returned; it is the zero value guard.
	KindUnknown Kind = iota
	KindTransactionConflict
	KindTransactionNotAllowed
	KindReferentialIntegrityViolation
	KindUniquenessViolation
	KindIndexKeyTypeMismatch
	KindSchemaIncompatible
	KindChangesetCorrupted
	KindLogCorrupted
	KindUnavailable
	KindConflictWithSchemaUpdate
	KindCanceled
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindTransactionConflict:
		return "TransactionConflict"
	case KindTransactionNotAllowed:
		return "TransactionNotAllowed"
	case KindReferentialIntegrityViolation:
		return "ReferentialIntegrityViolation"
	case KindUniquenessViolation:
		return "UniquenessViolation"
	case KindIndexKeyTypeMismatch:
		return "IndexKeyTypeMismatch"
	case KindSchemaIncompatible:
		return "SchemaIncompatible"
	case KindChangesetCorrupted:
		return "ChangesetCorrupted"
	case KindLogCorrupted:
		return "LogCorrupted"
	case KindUnavailable:
		return "Unavailable"
	case KindConflictWithSchemaUpdate:
		return "ConflictWithSchemaUpdate"
	case KindCanceled:
		return "Canceled"
	case KindFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Detail carries optional structured context about the error: the
// offending object id, class name, or index key.
type Detail struct {
	ClassName string
	ObjectID  uint64
	Key       string
}

// Error is the typed error value returned by every core operation that can
// fail. It wraps an optional underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Detail  Detail
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with no detail.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around an existing cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// WithDetail attaches structured detail and returns the same Error for
// chaining: `return veloxerr.New(...).WithDetail(...)`.
func (e *Error) WithDetail(d Detail) *Error {
	e.Detail = d
	return e
}

// Is reports whether err carries the given Kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, or KindUnknown if err is not a
// *Error (or wraps one).
func KindOf(err error) Kind {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return KindUnknown
}
