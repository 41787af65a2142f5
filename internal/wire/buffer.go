// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package wire implements the D-Bus binary wire format: an appendable,
// alignment-tracking Buffer for building argument payloads, a typed
// Iterator for reading them back, and an in-place endian flipper. All
// three are signature-driven: the type byte currently under the cursor
// decides what the next typed operation is allowed to do.
package wire

import (
	"encoding/binary"
	"math"

	"github.com/sandia-minimega/dbus/internal/dbuserr"
	"github.com/sandia-minimega/dbus/internal/sig"
)

// MaxArraySize and MaxMessageSize bound parse-time allocation; see
// spec.md §4.1 and §6.
const (
	MaxArraySize   = 64 * 1024 * 1024
	MaxMessageSize = 128 * 1024 * 1024
)

// arrayFrame tracks a begun array: where its 4-byte length prefix lives,
// where the counted element bytes actually start (after the
// element-alignment padding that follows the length, which the D-Bus
// wire format excludes from the declared length), and the element type
// it resets the cursor to on each ArrayEntry.
type arrayFrame struct {
	lenOffset int
	dataStart int
	elemSig   string
}

// Buffer accumulates an argument payload for one complete signature.
// Order is the byte order new values are appended in (always native when
// building outgoing messages; see spec.md §4.1's note on endian
// handling).
type Buffer struct {
	Order order

	data []byte
	// sig is the full signature being built; cursor is how far into it
	// the next typed append must match.
	fullSig string
	cursor  int

	arrayStack []arrayFrame
}

type order = binary.ByteOrder

// NewBuffer starts a Buffer that will hold values of fullSig, encoded
// with the given byte order (binary.LittleEndian or binary.BigEndian).
func NewBuffer(fullSig string, order binary.ByteOrder) *Buffer {
	return &Buffer{Order: order, fullSig: fullSig}
}

func (b *Buffer) Bytes() []byte { return b.data }

func (b *Buffer) Signature() string { return b.fullSig }

// Len reports the number of bytes appended so far.
func (b *Buffer) Len() int { return len(b.data) }

// expect consumes the type code at the cursor if it matches want, else
// fails. Used by every typed append so a caller can't write a string into
// a slot the signature says is an integer.
func (b *Buffer) expect(want byte) error {
	if b.cursor >= len(b.fullSig) {
		return dbuserr.ParseErr("buffer: signature %q exhausted, expected %q", b.fullSig, want)
	}
	if b.fullSig[b.cursor] != want {
		return dbuserr.ParseErr("buffer: signature %q at %d is %q, not %q", b.fullSig, b.cursor, b.fullSig[b.cursor], want)
	}
	b.cursor++
	return nil
}

// align appends zeroed padding bytes until the buffer length is a
// multiple of n. Padding bytes must be zero so that two equal-valued
// messages serialize to identical bytes (spec.md §4.1).
func (b *Buffer) align(n int) {
	for len(b.data)%n != 0 {
		b.data = append(b.data, 0)
	}
}

func (b *Buffer) Byte(v byte) error {
	if err := b.expect('y'); err != nil {
		return err
	}
	b.data = append(b.data, v)
	return nil
}

func (b *Buffer) Bool(v bool) error {
	if err := b.expect('b'); err != nil {
		return err
	}
	b.align(4)
	n := uint32(0)
	if v {
		n = 1
	}
	b.data = b.Order.AppendUint32(b.data, n)
	return nil
}

func (b *Buffer) Int16(v int16) error {
	if err := b.expect('n'); err != nil {
		return err
	}
	b.align(2)
	b.data = b.Order.AppendUint16(b.data, uint16(v))
	return nil
}

func (b *Buffer) Uint16(v uint16) error {
	if err := b.expect('q'); err != nil {
		return err
	}
	b.align(2)
	b.data = b.Order.AppendUint16(b.data, v)
	return nil
}

func (b *Buffer) Int32(v int32) error {
	if err := b.expect('i'); err != nil {
		return err
	}
	b.align(4)
	b.data = b.Order.AppendUint32(b.data, uint32(v))
	return nil
}

func (b *Buffer) Uint32(v uint32) error {
	if err := b.expect('u'); err != nil {
		return err
	}
	b.align(4)
	b.data = b.Order.AppendUint32(b.data, v)
	return nil
}

func (b *Buffer) Int64(v int64) error {
	if err := b.expect('x'); err != nil {
		return err
	}
	b.align(8)
	b.data = b.Order.AppendUint64(b.data, uint64(v))
	return nil
}

func (b *Buffer) Uint64(v uint64) error {
	if err := b.expect('t'); err != nil {
		return err
	}
	b.align(8)
	b.data = b.Order.AppendUint64(b.data, v)
	return nil
}

func (b *Buffer) Double(v float64) error {
	if err := b.expect('d'); err != nil {
		return err
	}
	b.align(8)
	b.data = b.Order.AppendUint64(b.data, math.Float64bits(v))
	return nil
}

func (b *Buffer) String(v string) error {
	if err := b.expect('s'); err != nil {
		return err
	}
	b.appendLengthPrefixed(v)
	return nil
}

func (b *Buffer) ObjectPath(v string) error {
	if err := b.expect('o'); err != nil {
		return err
	}
	b.appendLengthPrefixed(v)
	return nil
}

func (b *Buffer) appendLengthPrefixed(v string) {
	b.align(4)
	b.data = b.Order.AppendUint32(b.data, uint32(len(v)))
	b.data = append(b.data, v...)
	b.data = append(b.data, 0)
}

// Signature appends a type signature value: an 8-bit length prefix, the
// bytes, and a trailing NUL (no 4-byte alignment; signatures are 1-byte
// aligned).
func (b *Buffer) Signature(v string) error {
	if err := b.expect('g'); err != nil {
		return err
	}
	if len(v) > 255 {
		return dbuserr.ParseErr("buffer: signature value %q exceeds 255 bytes", v)
	}
	b.data = append(b.data, byte(len(v)))
	b.data = append(b.data, v...)
	b.data = append(b.data, 0)
	return nil
}

// VariantBegin opens a variant: writes the inline signature prefix for
// innerSig and pushes innerSig onto the cursor so that exactly one value
// of that type must follow.
func (b *Buffer) VariantBegin(innerSig string) error {
	if err := b.expect('v'); err != nil {
		return err
	}
	if err := sig.Validate(innerSig); err != nil {
		return err
	}
	if len(innerSig) > 255 {
		return dbuserr.ParseErr("buffer: variant signature %q exceeds 255 bytes", innerSig)
	}
	b.data = append(b.data, byte(len(innerSig)))
	b.data = append(b.data, innerSig...)
	b.data = append(b.data, 0)

	// splice innerSig into the cursor stream so the next typed append(s)
	// are validated against it, then resume the outer signature.
	rest := b.fullSig[b.cursor:]
	b.fullSig = b.fullSig[:b.cursor] + innerSig + rest
	return nil
}

// ArrayBegin opens an array of elemSig, reserving the 4-byte length
// prefix to be patched by ArrayEnd.
func (b *Buffer) ArrayBegin(elemSig string) error {
	if err := b.expect('a'); err != nil {
		return err
	}
	// the cursor sits at the start of elemSig within fullSig; advance it
	// past the element type so fullSig[cursor:] resumes at whatever
	// follows the whole "a<T>" in the outer signature. ArrayEntry splices
	// elemSig back in front of that tail for each element.
	elemEnd, err := sig.Next(b.fullSig, b.cursor)
	if err != nil {
		return err
	}
	if b.fullSig[b.cursor:elemEnd] != elemSig {
		return dbuserr.ParseErr("buffer: array element signature %q does not match expected %q", elemSig, b.fullSig[b.cursor:elemEnd])
	}
	b.cursor = elemEnd

	b.align(4)
	lenOffset := len(b.data)
	b.data = b.Order.AppendUint32(b.data, 0) // placeholder, patched at ArrayEnd
	// arrays are padded to the element alignment even when empty, but that
	// padding is not itself counted in the declared length (spec.md §4.1;
	// matches adbus_buf_beginarray capturing dataindex after alignfield).
	b.align(sig.Alignment(elemSig[0]))
	dataStart := len(b.data)

	b.arrayStack = append(b.arrayStack, arrayFrame{lenOffset: lenOffset, dataStart: dataStart, elemSig: elemSig})
	return nil
}

// ArrayEntry resets the cursor to the array's element type so the next
// value(s) belong to one array element.
func (b *Buffer) ArrayEntry() error {
	if len(b.arrayStack) == 0 {
		return dbuserr.ParseErr("buffer: array-entry with no open array")
	}
	frame := b.arrayStack[len(b.arrayStack)-1]
	rest := b.fullSig[b.cursor:]
	b.fullSig = b.fullSig[:b.cursor] + frame.elemSig + rest
	return nil
}

// ArrayEnd patches the recorded 4-byte element-byte length and pops the
// array frame.
func (b *Buffer) ArrayEnd() error {
	if len(b.arrayStack) == 0 {
		return dbuserr.ParseErr("buffer: array-end with no open array")
	}
	frame := b.arrayStack[len(b.arrayStack)-1]
	b.arrayStack = b.arrayStack[:len(b.arrayStack)-1]

	elemBytes := len(b.data) - frame.dataStart
	if elemBytes > MaxArraySize {
		return dbuserr.ParseErr("buffer: array of %d bytes exceeds max %d", elemBytes, MaxArraySize)
	}
	b.Order.PutUint32(b.data[frame.lenOffset:frame.lenOffset+4], uint32(elemBytes))
	// cursor already sits past the 'a<T>' type (ArrayBegin advanced it),
	// so nothing more to consume here.
	return nil
}

func (b *Buffer) StructBegin() error {
	if err := b.expect('('); err != nil {
		return err
	}
	b.align(8)
	return nil
}

func (b *Buffer) StructEnd() error {
	if b.cursor >= len(b.fullSig) || b.fullSig[b.cursor] != ')' {
		return dbuserr.ParseErr("buffer: struct-end without matching fields at %d", b.cursor)
	}
	b.cursor++
	return nil
}

func (b *Buffer) DictEntryBegin() error {
	if err := b.expect('{'); err != nil {
		return err
	}
	b.align(8)
	return nil
}

func (b *Buffer) DictEntryEnd() error {
	if b.cursor >= len(b.fullSig) || b.fullSig[b.cursor] != '}' {
		return dbuserr.ParseErr("buffer: dict-entry-end without matching fields at %d", b.cursor)
	}
	b.cursor++
	return nil
}
