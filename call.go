// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package dbus

import (
	"encoding/binary"
	"strings"

	"github.com/sandia-minimega/dbus/internal/message"
	"github.com/sandia-minimega/dbus/internal/sig"
	"github.com/sandia-minimega/dbus/internal/wire"
)

// CallFlags mirrors the three wire flag bits a method call may set
// (spec.md §3's Message Flags), re-exported under its own name so
// callers never need to import internal/message.
type CallFlags byte

const (
	FlagNoReplyExpected               CallFlags = 1 << 0
	FlagNoAutoStart                   CallFlags = 1 << 1
	FlagAllowInteractiveAuthorization CallFlags = 1 << 2
)

// Object is a remote (or local) object reachable at a bus name and
// path, the client-side handle methods are called through (grounded on
// the Object/Call shape used across the Go D-Bus ecosystem, rewritten
// against this module's message/wire types).
type Object struct {
	conn *Conn
	dest string
	path ObjectPath
}

// Object returns a handle for dest's object at path. dest may be a
// unique name (":1.N"), a well-known bus name, or empty for messages
// that have no destination (unusual outside the bus itself).
func (c *Conn) Object(dest string, path ObjectPath) *Object {
	return &Object{conn: c, dest: dest, path: path}
}

// Call is the outcome of one method invocation: either an error (from
// encoding the call, sending it, or a KindError reply) or a decodable
// KindReturn body.
type Call struct {
	Err   error
	sig   string
	body  []byte
	order binary.ByteOrder
}

// Call invokes method (an "interface.Member" name, or a bare member
// name for an unqualified call) on o and blocks for its reply. The
// library imposes no timeout (spec.md §9): a handler invoked from
// within this connection's own dispatch loop must not call Call
// synchronously on the same Conn, since the reply it is waiting for can
// only be delivered by that same loop going on to process the next
// incoming message.
func (o *Object) Call(method string, flags CallFlags, args ...interface{}) *Call {
	ifaceName, member := splitMethod(method)

	argSig, body, err := EncodeArgs(args...)
	if err != nil {
		return &Call{Err: err}
	}

	serial := o.conn.allocSerial()
	b := message.NewBuilder(message.KindMethodCall, serial, wireOrder).
		SetFlags(message.Flags(flags)).
		SetPath(string(o.path)).
		SetMember(member).
		SetDestination(o.dest)
	if ifaceName != "" {
		b.SetInterface(ifaceName)
	}
	if argSig != "" {
		b.SetBody(argSig, body)
	}
	raw, err := b.Build()
	if err != nil {
		return &Call{Err: err}
	}

	noReply := flags&FlagNoReplyExpected != 0
	var waitCh chan *message.Message
	if !noReply {
		waitCh = make(chan *message.Message, 1)
		o.conn.mu.Lock()
		o.conn.replies[serial] = &replyWaiter{expectSender: o.conn.resolveExpectedSender(o.dest), ch: waitCh}
		o.conn.mu.Unlock()
	}

	if err := o.conn.send(raw); err != nil {
		if waitCh != nil {
			o.conn.mu.Lock()
			delete(o.conn.replies, serial)
			o.conn.mu.Unlock()
		}
		return &Call{Err: err}
	}
	if noReply {
		return &Call{}
	}

	reply := <-waitCh
	if reply.Kind == message.KindError {
		msg := reply.ErrorName
		var decoded string
		if DecodeBody(reply.Signature, reply.Body(), reply.Order, &decoded) == nil {
			msg = decoded
		}
		return &Call{Err: &Error{Name: reply.ErrorName, Msg: msg}}
	}
	return &Call{sig: reply.Signature, body: reply.Body(), order: reply.Order}
}

// Store decodes the call's reply into retvalues, one pointer per
// top-level return value.
func (c *Call) Store(retvalues ...interface{}) error {
	if c.Err != nil {
		return c.Err
	}
	if len(retvalues) == 0 {
		return nil
	}
	return DecodeBody(c.sig, c.body, c.order, retvalues...)
}

// Values decodes the reply's top-level arguments without the caller
// needing to know their types up front, for generic tools that only want
// to display a reply (e.g. cmd/dbusmon).
func (c *Call) Values() ([]interface{}, error) {
	if c.Err != nil {
		return nil, c.Err
	}
	if c.sig == "" {
		return nil, nil
	}
	types, err := sig.Split(c.sig)
	if err != nil {
		return nil, err
	}
	it := wire.NewIterator(c.body, c.sig, c.order)
	out := make([]interface{}, len(types))
	for i, t := range types {
		v, err := decodeDynamic(it, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// splitMethod divides "org.freedesktop.DBus.RequestName" into its
// interface ("org.freedesktop.DBus") and member ("RequestName"); a name
// with no dot is treated as a bare member with no interface constraint.
func splitMethod(name string) (ifaceName, member string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}

// resolveExpectedSender computes the sender a reply from dest must
// carry: dest itself when it is already a unique name or the bus, the
// tracked unique name when dest is a tracked well-known name, or no
// constraint when neither is known (spec.md §3's reply record sender
// validation, simplified to what a tracker has actually resolved).
func (c *Conn) resolveExpectedSender(dest string) string {
	if dest == "" || dest == busServiceName || (len(dest) > 0 && dest[0] == ':') {
		return dest
	}
	if t, ok := c.trackers[dest]; ok {
		return t.UniqueName()
	}
	return ""
}
