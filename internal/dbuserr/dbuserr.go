// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package dbuserr classifies the error kinds used across the dbus module
// (see the spec's error handling design): parse, protocol, registration,
// dispatch, transport, and policy errors all carry a Kind so that calling
// code can switch on the failure class with errors.As, the way the rest
// of the module reports failures with fmt.Errorf and %w rather than a
// zoo of sentinel values.
package dbuserr

import "fmt"

type Kind int

const (
	Parse Kind = iota
	Protocol
	Registration
	Dispatch
	Transport
	Policy
)

func (k Kind) String() string {
	switch k {
	case Parse:
		return "parse"
	case Protocol:
		return "protocol"
	case Registration:
		return "registration"
	case Dispatch:
		return "dispatch"
	case Transport:
		return "transport"
	case Policy:
		return "policy"
	default:
		return "unknown"
	}
}

// Error is the classified error type returned across package boundaries.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dbus: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("dbus: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

func Newf(kind Kind, format string, arg ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, arg...)}
}

func Wrap(kind Kind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func ParseErr(format string, arg ...interface{}) error {
	return Newf(Parse, format, arg...)
}

func ProtocolErr(format string, arg ...interface{}) error {
	return Newf(Protocol, format, arg...)
}

func RegistrationErr(format string, arg ...interface{}) error {
	return Newf(Registration, format, arg...)
}

func DispatchErr(format string, arg ...interface{}) error {
	return Newf(Dispatch, format, arg...)
}

func TransportErr(format string, arg ...interface{}) error {
	return Newf(Transport, format, arg...)
}

func PolicyErr(format string, arg ...interface{}) error {
	return Newf(Policy, format, arg...)
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Kind == kind
}
