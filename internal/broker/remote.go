// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package broker implements the in-process D-Bus server: per-remote
// connection lifecycle, well-known service name queues, and message
// routing by destination or match set (spec.md §4.7).
package broker

import (
	"encoding/binary"

	"github.com/sandia-minimega/dbus/internal/auth"
	"github.com/sandia-minimega/dbus/internal/dbuserr"
	"github.com/sandia-minimega/dbus/internal/match"
	"github.com/sandia-minimega/dbus/internal/message"
	"github.com/sandia-minimega/dbus/internal/wire"
)

// remoteState is a Remote's position in the lifecycle spec.md §4.7
// names: "new → awaiting-NUL → authing → ready-needs-hello → ready".
type remoteState int

const (
	StateNew remoteState = iota
	StateAwaitingNUL
	StateAuthing
	StateReadyNeedsHello
	StateReady
)

// Send is how a remote's outbound bytes reach its transport; owned by
// the connection-core layer, not this package (spec.md §1's scope:
// socket/address-family selection stays external).
type Send func(data []byte) error

// Remote is one connected peer's server-side bookkeeping (spec.md §3's
// "Remote (server-side)").
type Remote struct {
	UniqueName string // ":1.N", assigned on Hello
	send       Send

	State      remoteState
	HaveHello  bool
	Names      map[string]bool // unique name + requested, unreleased names
	Matches    *match.List
	matchIDs   map[uint64]string // match id -> original rule text, for RemoveMatch

	srv     *Server
	authSrv *auth.Server
	msgBuf  []byte // buffered bytes once past the SASL handshake
	poison  error  // sticky: set once Feed hits an unrecoverable error
}

func newRemote(unique string, send Send) *Remote {
	return &Remote{
		UniqueName: unique,
		send:       send,
		State:      StateNew,
		Names:      make(map[string]bool),
		Matches:    &match.List{},
		matchIDs:   make(map[uint64]string),
	}
}

// Deliver sends a built message to this remote.
func (r *Remote) Deliver(data []byte) error {
	return r.send(data)
}

// Feed supplies newly received bytes from this remote's transport,
// driving it through the leading-NUL byte, the SASL handshake, and the
// message parse loop in turn (spec.md §4.7's remote lifecycle). A
// non-nil error poisons the remote; the transport owner should
// disconnect it and call Server.Disconnect.
func (r *Remote) Feed(data []byte) error {
	if r.poison != nil {
		return r.poison
	}
	if err := r.feed(data); err != nil {
		r.poison = err
		return err
	}
	return nil
}

func (r *Remote) feed(data []byte) error {
	switch r.State {
	case StateNew:
		if len(data) == 0 {
			return nil
		}
		if data[0] != 0 {
			return dbuserr.ProtocolErr("broker: expected leading NUL byte from remote")
		}
		data = data[1:]
		r.State = StateAuthing
		fallthrough
	case StateAuthing:
		toSend, err := r.authSrv.Feed(data)
		if err != nil {
			return err
		}
		for _, line := range toSend {
			if err := r.Deliver([]byte(line)); err != nil {
				return err
			}
		}
		if !r.authSrv.Ready() {
			return nil
		}
		r.msgBuf = append(r.msgBuf, r.authSrv.Leftover()...)
		r.State = StateReadyNeedsHello
		return r.drainMessages()
	default:
		r.msgBuf = append(r.msgBuf, data...)
		return r.drainMessages()
	}
}

// drainMessages splits as many complete messages as are buffered off
// r.msgBuf and dispatches each in turn, the way the connection core's
// parse loop sizes a message from its first sixteen bytes before
// pulling the rest (spec.md §4.5).
func (r *Remote) drainMessages() error {
	for {
		if len(r.msgBuf) < message.HeaderLen {
			return nil
		}
		var hdr [message.HeaderLen]byte
		copy(hdr[:], r.msgBuf[:message.HeaderLen])
		order, err := endianOrder(hdr[0])
		if err != nil {
			return err
		}
		fieldsLen := order.Uint32(r.msgBuf[12:16])
		bodyLen := message.PeekBodyLen(hdr, order)
		if uint64(fieldsLen) > wire.MaxMessageSize || uint64(bodyLen) > wire.MaxMessageSize {
			return dbuserr.ParseErr("broker: declared length exceeds max message size")
		}
		bodyStart := message.HeaderLen + int(fieldsLen)
		for bodyStart%8 != 0 {
			bodyStart++
		}
		total := bodyStart + int(bodyLen)
		if total > wire.MaxMessageSize {
			return dbuserr.ParseErr("broker: message of %d bytes exceeds max %d", total, wire.MaxMessageSize)
		}
		if len(r.msgBuf) < total {
			return nil
		}
		raw := r.msgBuf[:total]
		r.msgBuf = r.msgBuf[total:]

		m, err := message.Parse(raw)
		if err != nil {
			return err
		}
		if err := r.srv.dispatch(r, m); err != nil {
			return err
		}
	}
}

func endianOrder(b byte) (binary.ByteOrder, error) {
	switch b {
	case 'l':
		return binary.LittleEndian, nil
	case 'B':
		return binary.BigEndian, nil
	default:
		return nil, dbuserr.ParseErr("broker: bad endian byte %q", b)
	}
}

// rewriteSender re-encodes m with its sender header field overwritten
// to this broker's view of the truth (the remote's own unique name),
// so a remote cannot forge Sender (spec.md §4.7: "rewrites the sender
// header field"). The C original precomputes a padded field blob and
// memcpys it in; re-building through message.Builder is the idiomatic
// Go equivalent and is simpler to keep correct, at the cost of one
// extra allocation per forwarded message.
func rewriteSender(m *message.Message, sender string) ([]byte, error) {
	b := message.NewBuilder(m.Kind, m.Serial, m.Order).
		SetFlags(m.Flags).
		SetPath(m.Path).
		SetInterface(m.Interface).
		SetMember(m.Member).
		SetErrorName(m.ErrorName).
		SetDestination(m.Destination).
		SetSender(sender)
	if m.HasReplySerial {
		b.SetReplySerial(m.ReplySerial)
	}
	if m.Signature != "" {
		b.SetBody(m.Signature, m.Body())
	}
	return b.Build()
}
