// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package message implements D-Bus message-format version 1: parsing
// the 16-byte fixed header plus header-field array off the wire, and
// building outgoing messages with correct padding (spec.md §3, §6).
package message

import (
	"encoding/binary"

	"github.com/sandia-minimega/dbus/internal/dbuserr"
	"github.com/sandia-minimega/dbus/internal/sig"
	"github.com/sandia-minimega/dbus/internal/wire"
)

// Kind is the message type byte.
type Kind byte

const (
	KindMethodCall Kind = 1
	KindReturn     Kind = 2
	KindError      Kind = 3
	KindSignal     Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindMethodCall:
		return "method_call"
	case KindReturn:
		return "method_return"
	case KindError:
		return "error"
	case KindSignal:
		return "signal"
	default:
		return "unknown"
	}
}

// Flags are the per-message flag bits.
type Flags byte

const (
	FlagNoReplyExpected Flags = 1 << 0
	FlagNoAutoStart     Flags = 1 << 1
	FlagAllowInteractiveAuthorization Flags = 1 << 2
)

// Header field type codes, spec.md §6.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrorName   = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
)

const protocolVersion = 1

// Message is an immutable parsed or built D-Bus message. Create one via
// Parse (receive path) or Build (send path); the zero value is not
// usable.
type Message struct {
	Kind    Kind
	Flags   Flags
	Serial  uint32
	Order   binary.ByteOrder

	Path        string
	Interface   string
	Member      string
	ErrorName   string
	ReplySerial uint32
	HasReplySerial bool
	Destination string
	Sender      string
	Signature   string

	body []byte
}

// Body returns the raw argument payload; decode it with an
// wire.Iterator constructed against m.Signature.
func (m *Message) Body() []byte { return m.body }

// Builder accumulates header fields and an argument payload for one
// outgoing message.
type Builder struct {
	kind   Kind
	flags  Flags
	serial uint32
	order  binary.ByteOrder

	path        string
	iface       string
	member      string
	errorName   string
	replySerial uint32
	hasReply    bool
	destination string
	sender      string
	argSig      string
	body        []byte
}

// NewBuilder starts a Builder for a message of the given kind and
// serial, encoded in the given byte order (native order unless acting
// as a forwarding broker that must preserve an already-encoded body).
func NewBuilder(kind Kind, serial uint32, order binary.ByteOrder) *Builder {
	return &Builder{kind: kind, serial: serial, order: order}
}

func (b *Builder) SetFlags(f Flags) *Builder       { b.flags = f; return b }
func (b *Builder) SetPath(v string) *Builder       { b.path = v; return b }
func (b *Builder) SetInterface(v string) *Builder  { b.iface = v; return b }
func (b *Builder) SetMember(v string) *Builder     { b.member = v; return b }
func (b *Builder) SetErrorName(v string) *Builder  { b.errorName = v; return b }
func (b *Builder) SetReplySerial(v uint32) *Builder { b.replySerial = v; b.hasReply = true; return b }
func (b *Builder) SetDestination(v string) *Builder { b.destination = v; return b }
func (b *Builder) SetSender(v string) *Builder     { b.sender = v; return b }

// SetBody attaches an already-encoded argument payload of the given
// signature (typically produced by a wire.Buffer).
func (b *Builder) SetBody(argSig string, body []byte) *Builder {
	b.argSig = argSig
	b.body = body
	return b
}

// Build validates the required fields for b.kind (spec.md §3) and
// serializes the fixed header, header-field array, 8-byte pad, and
// body into one byte slice.
func (b *Builder) Build() ([]byte, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}

	fieldsSig := "a(yv)"
	fb := wire.NewBuffer(fieldsSig, b.order)
	if err := fb.ArrayBegin("(yv)"); err != nil {
		return nil, err
	}
	appendField := func(code byte, sigStr string, write func(*wire.Buffer) error) error {
		if err := fb.ArrayEntry(); err != nil {
			return err
		}
		if err := fb.StructBegin(); err != nil {
			return err
		}
		if err := fb.Byte(code); err != nil {
			return err
		}
		if err := fb.VariantBegin(sigStr); err != nil {
			return err
		}
		if err := write(fb); err != nil {
			return err
		}
		return fb.StructEnd()
	}

	if b.path != "" {
		if err := appendField(fieldPath, "o", func(w *wire.Buffer) error { return w.ObjectPath(b.path) }); err != nil {
			return nil, err
		}
	}
	if b.iface != "" {
		if err := appendField(fieldInterface, "s", func(w *wire.Buffer) error { return w.String(b.iface) }); err != nil {
			return nil, err
		}
	}
	if b.member != "" {
		if err := appendField(fieldMember, "s", func(w *wire.Buffer) error { return w.String(b.member) }); err != nil {
			return nil, err
		}
	}
	if b.errorName != "" {
		if err := appendField(fieldErrorName, "s", func(w *wire.Buffer) error { return w.String(b.errorName) }); err != nil {
			return nil, err
		}
	}
	if b.hasReply {
		if err := appendField(fieldReplySerial, "u", func(w *wire.Buffer) error { return w.Uint32(b.replySerial) }); err != nil {
			return nil, err
		}
	}
	if b.destination != "" {
		if err := appendField(fieldDestination, "s", func(w *wire.Buffer) error { return w.String(b.destination) }); err != nil {
			return nil, err
		}
	}
	if b.sender != "" {
		if err := appendField(fieldSender, "s", func(w *wire.Buffer) error { return w.String(b.sender) }); err != nil {
			return nil, err
		}
	}
	if b.argSig != "" {
		if err := appendField(fieldSignature, "g", func(w *wire.Buffer) error { return w.Signature(b.argSig) }); err != nil {
			return nil, err
		}
	}
	if err := fb.ArrayEnd(); err != nil {
		return nil, err
	}

	out := make([]byte, 0, 16+fb.Len()+8+len(b.body))
	endian := byte('l')
	if b.order == binary.BigEndian {
		endian = 'B'
	}
	out = append(out, endian, byte(b.kind), byte(b.flags), protocolVersion)
	out = b.order.AppendUint32(out, uint32(len(b.body)))
	out = b.order.AppendUint32(out, b.serial)
	out = b.order.AppendUint32(out, uint32(fb.Len()))
	out = append(out, fb.Bytes()...)

	for len(out)%8 != 0 {
		out = append(out, 0)
	}
	out = append(out, b.body...)

	if len(out) > wire.MaxMessageSize {
		return nil, dbuserr.ParseErr("message: built message of %d bytes exceeds max %d", len(out), wire.MaxMessageSize)
	}
	return out, nil
}

func (b *Builder) validate() error {
	switch b.kind {
	case KindMethodCall:
		if b.path == "" || b.member == "" {
			return dbuserr.ProtocolErr("message: method call requires path and member")
		}
	case KindReturn:
		if !b.hasReply {
			return dbuserr.ProtocolErr("message: method return requires reply-serial")
		}
	case KindError:
		if !b.hasReply || b.errorName == "" {
			return dbuserr.ProtocolErr("message: error requires reply-serial and error-name")
		}
	case KindSignal:
		if b.path == "" || b.iface == "" || b.member == "" {
			return dbuserr.ProtocolErr("message: signal requires path, interface, and member")
		}
	default:
		return dbuserr.ProtocolErr("message: unknown kind %d", b.kind)
	}
	return nil
}

// HeaderLen is the fixed-size portion of every message before the
// header-field array's own length prefix.
const HeaderLen = 16

// PeekBodyLen reads the 32-bit argument-byte-length out of a complete
// 16-byte fixed header (already endian-corrected), used by the parse
// loop to know how many more bytes to buffer before calling Parse.
func PeekBodyLen(header [HeaderLen]byte, order binary.ByteOrder) uint32 {
	return order.Uint32(header[4:8])
}

// Parse decodes one complete message (fixed header, header fields,
// padding, and body) from data. data must contain exactly one message's
// worth of bytes; the caller's framing loop is responsible for knowing
// how many bytes that is (via the fixed header's declared lengths).
func Parse(data []byte) (*Message, error) {
	if len(data) < HeaderLen {
		return nil, dbuserr.ParseErr("message: short header, have %d bytes", len(data))
	}
	var order binary.ByteOrder
	switch data[0] {
	case 'l':
		order = binary.LittleEndian
	case 'B':
		order = binary.BigEndian
	default:
		return nil, dbuserr.ParseErr("message: bad endian byte %q", data[0])
	}

	m := &Message{
		Kind:  Kind(data[1]),
		Flags: Flags(data[2]),
		Order: order,
	}
	if data[3] != protocolVersion {
		return nil, dbuserr.ProtocolErr("message: unsupported protocol version %d", data[3])
	}
	bodyLen := order.Uint32(data[4:8])
	m.Serial = order.Uint32(data[8:12])
	fieldsLen := order.Uint32(data[12:16])

	if uint64(bodyLen) > wire.MaxMessageSize || uint64(fieldsLen) > wire.MaxMessageSize {
		return nil, dbuserr.ParseErr("message: declared length exceeds max message size")
	}

	fieldsStart := HeaderLen
	fieldsEnd := fieldsStart + int(fieldsLen)
	if fieldsEnd > len(data) {
		return nil, dbuserr.ParseErr("message: short header-field array")
	}

	if err := m.parseFields(data[fieldsStart:fieldsEnd], order); err != nil {
		return nil, err
	}

	bodyStart := fieldsEnd
	for bodyStart%8 != 0 {
		bodyStart++
	}
	bodyEnd := bodyStart + int(bodyLen)
	if bodyEnd > len(data) {
		return nil, dbuserr.ParseErr("message: short body, want %d bytes after padding", bodyLen)
	}
	if bodyEnd > wire.MaxMessageSize {
		return nil, dbuserr.ParseErr("message: total message size exceeds max %d", wire.MaxMessageSize)
	}
	m.body = data[bodyStart:bodyEnd]

	if err := m.validateRequiredFields(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Message) parseFields(data []byte, order binary.ByteOrder) error {
	it := wire.NewIterator(data, "a(yv)", order)
	if _, err := it.ArrayBegin("(yv)"); err != nil {
		return err
	}
	for it.ArrayHasNext() {
		if err := it.ArrayEntry(); err != nil {
			return err
		}
		if err := it.StructBegin(); err != nil {
			return err
		}
		code, err := it.Byte()
		if err != nil {
			return err
		}
		innerSig, err := it.VariantBegin()
		if err != nil {
			return err
		}
		switch code {
		case fieldPath:
			if innerSig != "o" {
				return dbuserr.ParseErr("message: path field has signature %q, want o", innerSig)
			}
			if m.Path, err = it.ObjectPath(); err != nil {
				return err
			}
		case fieldInterface:
			if innerSig != "s" {
				return dbuserr.ParseErr("message: interface field has signature %q, want s", innerSig)
			}
			if m.Interface, err = it.String(); err != nil {
				return err
			}
		case fieldMember:
			if innerSig != "s" {
				return dbuserr.ParseErr("message: member field has signature %q, want s", innerSig)
			}
			if m.Member, err = it.String(); err != nil {
				return err
			}
		case fieldErrorName:
			if innerSig != "s" {
				return dbuserr.ParseErr("message: error-name field has signature %q, want s", innerSig)
			}
			if m.ErrorName, err = it.String(); err != nil {
				return err
			}
		case fieldReplySerial:
			if innerSig != "u" {
				return dbuserr.ParseErr("message: reply-serial field has signature %q, want u", innerSig)
			}
			if m.ReplySerial, err = it.Uint32(); err != nil {
				return err
			}
			m.HasReplySerial = true
		case fieldDestination:
			if innerSig != "s" {
				return dbuserr.ParseErr("message: destination field has signature %q, want s", innerSig)
			}
			if m.Destination, err = it.String(); err != nil {
				return err
			}
		case fieldSender:
			if innerSig != "s" {
				return dbuserr.ParseErr("message: sender field has signature %q, want s", innerSig)
			}
			if m.Sender, err = it.String(); err != nil {
				return err
			}
		case fieldSignature:
			if innerSig != "g" {
				return dbuserr.ParseErr("message: signature field has signature %q, want g", innerSig)
			}
			if m.Signature, err = it.SignatureValue(); err != nil {
				return err
			}
		default:
			// unknown header field: skip its value regardless of type,
			// spec.md §8 scenario 5.
			if err := it.SkipValue(); err != nil {
				return err
			}
		}
		if err := it.StructEnd(); err != nil {
			return err
		}
	}
	return it.ArrayEnd()
}

func (m *Message) validateRequiredFields() error {
	switch m.Kind {
	case KindMethodCall:
		if m.Path == "" || m.Member == "" {
			return dbuserr.ProtocolErr("message: method call missing path or member")
		}
	case KindReturn:
		if !m.HasReplySerial {
			return dbuserr.ProtocolErr("message: method return missing reply-serial")
		}
	case KindError:
		if !m.HasReplySerial || m.ErrorName == "" {
			return dbuserr.ProtocolErr("message: error missing reply-serial or error-name")
		}
	case KindSignal:
		if m.Path == "" || m.Interface == "" || m.Member == "" {
			return dbuserr.ProtocolErr("message: signal missing path, interface, or member")
		}
	default:
		return dbuserr.ProtocolErr("message: unknown kind %d", m.Kind)
	}
	if m.Signature != "" {
		if err := sig.Validate(m.Signature); err != nil {
			return dbuserr.Wrap(dbuserr.Parse, "message: invalid body signature", err)
		}
	}
	return nil
}
