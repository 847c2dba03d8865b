// Package buserr defines the stable D-Bus error-name kinds surfaced
// on the wire as a method-error reply's error-name field, per
// SPEC_FULL.md §7.
package buserr

import (
	"errors"
	"fmt"
)

// Kind is one of the stable, wire-visible error names.
type Kind string

const (
	NoMemory            Kind = "org.freedesktop.DBus.Error.NoMemory"
	ServiceDoesNotExist Kind = "org.freedesktop.DBus.Error.ServiceDoesNotExist"
	NameHasNoOwner      Kind = "org.freedesktop.DBus.Error.NameHasNoOwner"
	NoReply             Kind = "org.freedesktop.DBus.Error.NoReply"
	AccessDenied        Kind = "org.freedesktop.DBus.Error.AccessDenied"
	InvalidArgs         Kind = "org.freedesktop.DBus.Error.InvalidArgs"
	BadAddress          Kind = "org.freedesktop.DBus.Error.BadAddress"
	InvalidSignature    Kind = "org.freedesktop.DBus.Error.InvalidSignature"
	UnknownMethod       Kind = "org.freedesktop.DBus.Error.UnknownMethod"
	SpawnExecFailed     Kind = "org.freedesktop.DBus.Error.Spawn.ExecFailed"
	SpawnChildExited    Kind = "org.freedesktop.DBus.Error.Spawn.ChildExited"
	SpawnChildSignaled  Kind = "org.freedesktop.DBus.Error.Spawn.ChildSignaled"
	SpawnFailed         Kind = "org.freedesktop.DBus.Error.Spawn.FailedToSetup"
)

// Error pairs a stable wire Kind with a human-readable message and an
// optional wrapped cause, so callers can still errors.Is/As through to
// the underlying failure while the dispatcher only needs Kind to
// build a method-error reply.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// KindOf extracts the wire Kind from err, defaulting to NoReply for
// errors the bus didn't originate (per spec.md §7's "all other logical
// errors" bucket, which still needs a reply rather than a dropped
// connection).
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return NoReply
}
