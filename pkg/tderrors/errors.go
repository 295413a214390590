// Package tderrors declares tandem's observable error taxonomy.
//
// Every error the core surfaces across a package boundary (storage,
// RPC, or the client adapter) is either one of the Kinds below or a
// plain Go error that a caller should treat as BackendIO. The RPC layer
// serializes Kind across the wire so a client can branch on it without
// string matching, mirroring how the teacher threads %w-wrapped errors
// through pkg/storage into pkg/api and back into pkg/client.
package tderrors

import (
	"errors"
	"fmt"
)

// Kind names one of the observable error categories from the contract.
type Kind string

const (
	NotFound           Kind = "not_found"
	InvalidArgument    Kind = "invalid_argument"
	IncompatibleServer Kind = "incompatible_server"
	BackendIO          Kind = "backend_io"
	Decode             Kind = "decode"
	Unsupported        Kind = "unsupported"
	Transport          Kind = "transport"
	ContentionExceeded Kind = "contention_exceeded"
)

// Error is a Kind-tagged, wrappable error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a Kind-tagged error with no wrapped cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a Kind-tagged error around an existing cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind of err, defaulting to BackendIO for errors that
// were never tagged (the same default the teacher's grpc interceptor applies
// to unexpected internal errors).
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return BackendIO
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
