// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package dbus

import (
	"fmt"

	"github.com/sandia-minimega/dbus/internal/dbuserr"
)

// Standard bus error names (spec.md §4.9's failure semantics and
// §9's Error kinds), returned to a caller as the ErrorName of a
// KindError reply when dispatch fails before reaching a handler.
const (
	ErrUnknownInterface  = "org.freedesktop.DBus.Error.UnknownInterface"
	ErrUnknownMethod     = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrUnknownObject     = "org.freedesktop.DBus.Error.UnknownObject"
	ErrUnknownProperty   = "org.freedesktop.DBus.Error.UnknownProperty"
	ErrPropertyReadOnly  = "org.freedesktop.DBus.Error.PropertyReadOnly"
	ErrPropertyWriteOnly = "org.freedesktop.DBus.Error.PropertyWriteOnly"
	ErrInvalidArgs       = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrFailed            = "org.freedesktop.DBus.Error.Failed"
	ErrNoReply           = "org.freedesktop.DBus.Error.NoReply"
)

// Error is a D-Bus error reply: a dotted error name plus a
// human-readable message. A method handler returns one of these to
// control exactly what error name a caller sees; an internal parse or
// protocol error is reported as org.freedesktop.DBus.Error.InvalidArgs,
// and any other error as org.freedesktop.DBus.Error.Failed, in both cases
// with the error's own text as the message (spec.md §7's "dispatch
// errors for method calls are transformed into D-Bus error responses").
type Error struct {
	Name string
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Name, e.Msg) }

// NewError builds an Error with a formatted message.
func NewError(name, format string, args ...interface{}) *Error {
	return &Error{Name: name, Msg: fmt.Sprintf(format, args...)}
}

// errorNameFor picks the D-Bus error name and message to send back for
// err, which may be a *Error (caller-chosen name), a *dbuserr.Error
// (mapped from its Kind), or any other error (generic Failed).
func errorNameFor(err error) (name, msg string) {
	if derr, ok := err.(*Error); ok {
		return derr.Name, derr.Msg
	}
	if kerr, ok := err.(*dbuserr.Error); ok {
		switch kerr.Kind {
		case dbuserr.Parse, dbuserr.Protocol:
			return ErrInvalidArgs, err.Error()
		case dbuserr.Dispatch:
			return ErrFailed, err.Error()
		case dbuserr.Policy:
			return ErrFailed, err.Error()
		}
	}
	return ErrFailed, err.Error()
}
