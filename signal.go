// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package dbus

import (
	"encoding/binary"

	"github.com/sandia-minimega/dbus/internal/match"
	"github.com/sandia-minimega/dbus/internal/message"
)

// Signal is one delivered KindSignal message, handed to every
// AddMatchSignal/AddMatch handler whose rule matches it.
type Signal struct {
	Sender string
	Path   ObjectPath
	Name   string // "interface.member"

	sig   string
	body  []byte
	order binary.ByteOrder
}

// Store decodes the signal's body into values, one pointer per
// top-level argument.
func (s *Signal) Store(values ...interface{}) error {
	if len(values) == 0 {
		return nil
	}
	return DecodeBody(s.sig, s.body, s.order, values...)
}

// Emit sends a signal from path/iface/name with args as its body.
func (c *Conn) Emit(path ObjectPath, iface, name string, args ...interface{}) error {
	argSig, body, err := EncodeArgs(args...)
	if err != nil {
		return err
	}
	b := message.NewBuilder(message.KindSignal, c.allocSerial(), wireOrder).
		SetPath(string(path)).SetInterface(iface).SetMember(name)
	if argSig != "" {
		b.SetBody(argSig, body)
	}
	raw, err := b.Build()
	if err != nil {
		return err
	}
	return c.send(raw)
}

// AddMatchSignal subscribes handler to signals named iface.member. path
// may be empty to match the signal regardless of source path.
func (c *Conn) AddMatchSignal(iface, member string, path ObjectPath, handler func(*Signal)) (remove func(), err error) {
	r := &match.Rule{Type: "signal", Interface: iface, Member: member}
	if path != "" {
		r.Path = string(path)
	}
	return c.AddMatch(r, handler)
}

// AddMatch registers an arbitrary match rule (spec.md §4.4's match
// grammar) and forwards it to the bus with AddMatch so broadcast
// signals actually reach this connection; the forwarding call sets
// FlagNoReplyExpected and its result is not waited on (spec.md §9: "the
// library does not block a caller on the bus's acknowledgement").
func (c *Conn) AddMatch(r *match.Rule, handler func(*Signal)) (remove func(), err error) {
	wrapped := func(cand match.Candidate) bool {
		m := c.scanMsg
		handler(&Signal{
			Sender: m.Sender,
			Path:   ObjectPath(m.Path),
			Name:   m.Interface + "." + m.Member,
			sig:    m.Signature,
			body:   m.Body(),
			order:  m.Order,
		})
		return true
	}

	c.mu.Lock()
	id := c.matches.Add(r, wrapped)
	c.mu.Unlock()

	if c.UniqueName() != "" {
		c.Object(busServiceName, busObjectPath).Call(busServiceName+".AddMatch", FlagNoReplyExpected, r.Format())
	}

	return func() {
		c.mu.Lock()
		c.matches.Remove(id)
		c.mu.Unlock()
		c.Object(busServiceName, busObjectPath).Call(busServiceName+".RemoveMatch", FlagNoReplyExpected, r.Format())
	}, nil
}
