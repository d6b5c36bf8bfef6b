// Package errs classifies storage-core failures into the four kinds the
// engine's collaborators (server, SQL layer, studio) switch on: IoError,
// CorruptedData, KeyNotFound, InvalidOperation.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the coarse failure classification surfaced to collaborators.
type Kind uint8

const (
	// KindIO wraps an operating-system I/O failure. Never retried by the core.
	KindIO Kind = iota
	// KindCorrupted marks a failed integrity check (checksum mismatch,
	// structurally broken SSTable). A torn WAL tail is NOT this kind.
	KindCorrupted
	// KindNotFound is a collaborator convenience; the hot path prefers
	// (value, bool) and never constructs this internally.
	KindNotFound
	// KindInvalid marks programmer/operator misuse: a closed write queue,
	// a nonsensical configuration, an unsupported admin command.
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "IoError"
	case KindCorrupted:
		return "CorruptedData"
	case KindNotFound:
		return "KeyNotFound"
	case KindInvalid:
		return "InvalidOperation"
	default:
		return "UnknownError"
	}
}

// Error is a classified, wrapped failure. The wrapped cause is preserved and
// reachable through Unwrap, so errors.Is / errors.As still find the original
// OS or parse error.
type Error struct {
	kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.kind.String()
	}
	return fmt.Sprintf("%s: %v", e.kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// KindOf reports the failure classification of err, or KindIO if err was not
// produced by this package (a conservative default: unclassified failures
// are treated as non-retryable I/O by callers that switch on Kind).
func KindOf(err error) Kind {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.kind
	}
	return KindIO
}

// IO wraps cause (typically an *os.PathError or similar) as an IoError,
// annotated with msg for operator-facing context.
func IO(cause error, msg string) error {
	return &Error{kind: KindIO, cause: errors.Wrap(cause, msg)}
}

// IOf is IO with a formatted message.
func IOf(cause error, format string, args ...any) error {
	return &Error{kind: KindIO, cause: errors.Wrapf(cause, format, args...)}
}

// Corrupted constructs a CorruptedData failure carrying msg.
func Corrupted(msg string) error {
	return &Error{kind: KindCorrupted, cause: errors.New(msg)}
}

// Corruptedf is Corrupted with a formatted message.
func Corruptedf(format string, args ...any) error {
	return &Error{kind: KindCorrupted, cause: errors.Errorf(format, args...)}
}

// NotFound constructs a KeyNotFound error for collaborators that want a
// named error instead of the engine's native (value, bool) return.
func NotFound(key []byte) error {
	return &Error{kind: KindNotFound, cause: errors.Errorf("key not found: %q", key)}
}

// Invalid constructs an InvalidOperation error: programmer or operator misuse.
func Invalid(msg string) error {
	return &Error{kind: KindInvalid, cause: errors.New(msg)}
}

// Invalidf is Invalid with a formatted message.
func Invalidf(format string, args ...any) error {
	return &Error{kind: KindInvalid, cause: errors.Errorf(format, args...)}
}

// Is reports whether err is a classified *Error of the given kind.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}
