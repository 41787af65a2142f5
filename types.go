// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package dbus is a D-Bus client library and in-process broker: connect
// to a session or system bus (or an in-process one backed by
// internal/broker), call methods, export objects, emit and subscribe to
// signals.
package dbus

// ObjectPath is a D-Bus object path value, distinguished from a plain
// string so argument marshaling picks signature code 'o' instead of 's'.
type ObjectPath string

// Signature is a D-Bus type signature value (signature code 'g').
type Signature string

// Variant wraps an arbitrary argument value together with the D-Bus
// signature it was (or should be) encoded as, for variant-typed ('v')
// arguments and properties.
type Variant struct {
	Sig   string
	Value interface{}
}

// NewVariant infers v's signature and wraps it.
func NewVariant(v interface{}) (Variant, error) {
	sig, err := signatureFor(v)
	if err != nil {
		return Variant{}, err
	}
	return Variant{Sig: sig, Value: v}, nil
}
