// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package wire

import (
	"math"

	"github.com/sandia-minimega/dbus/internal/dbuserr"
	"github.com/sandia-minimega/dbus/internal/sig"
)

// Iterator is a read cursor over an argument payload: (data, end,
// signature). Typed readers advance both the data pointer and the
// signature cursor; scope helpers (ArrayBegin/End, etc.) bound
// sub-iteration the same way Buffer's do for writing.
type Iterator struct {
	Order order

	data []byte
	pos  int

	fullSig string
	cursor  int

	arrayStack []iterArrayFrame
}

type iterArrayFrame struct {
	end     int // byte position where the array's elements end
	elemSig string
}

func NewIterator(data []byte, fullSig string, order order) *Iterator {
	return &Iterator{Order: order, data: data, fullSig: fullSig}
}

func (it *Iterator) Signature() string { return it.fullSig }

// Done reports whether the iterator has consumed the entire top-level
// signature.
func (it *Iterator) Done() bool { return it.cursor >= len(it.fullSig) }

func (it *Iterator) remaining() int { return len(it.data) - it.pos }

func (it *Iterator) align(n int) error {
	for it.pos%n != 0 {
		if it.pos >= len(it.data) {
			return dbuserr.ParseErr("iterator: padding ran past buffer end")
		}
		it.pos++
	}
	return nil
}

func (it *Iterator) expect(want byte) error {
	if it.cursor >= len(it.fullSig) {
		return dbuserr.ParseErr("iterator: signature %q exhausted, expected %q", it.fullSig, want)
	}
	if it.fullSig[it.cursor] != want {
		return dbuserr.ParseErr("iterator: signature %q at %d is %q, not %q", it.fullSig, it.cursor, it.fullSig[it.cursor], want)
	}
	it.cursor++
	return nil
}

func (it *Iterator) need(n int) error {
	if it.remaining() < n {
		return dbuserr.ParseErr("iterator: need %d bytes, have %d", n, it.remaining())
	}
	return nil
}

func (it *Iterator) Byte() (byte, error) {
	if err := it.expect('y'); err != nil {
		return 0, err
	}
	if err := it.need(1); err != nil {
		return 0, err
	}
	v := it.data[it.pos]
	it.pos++
	return v, nil
}

func (it *Iterator) Bool() (bool, error) {
	if err := it.expect('b'); err != nil {
		return false, err
	}
	if err := it.align(4); err != nil {
		return false, err
	}
	if err := it.need(4); err != nil {
		return false, err
	}
	v := it.Order.Uint32(it.data[it.pos:])
	it.pos += 4
	return v != 0, nil
}

func (it *Iterator) Int16() (int16, error) {
	if err := it.expect('n'); err != nil {
		return 0, err
	}
	if err := it.align(2); err != nil {
		return 0, err
	}
	if err := it.need(2); err != nil {
		return 0, err
	}
	v := int16(it.Order.Uint16(it.data[it.pos:]))
	it.pos += 2
	return v, nil
}

func (it *Iterator) Uint16() (uint16, error) {
	if err := it.expect('q'); err != nil {
		return 0, err
	}
	if err := it.align(2); err != nil {
		return 0, err
	}
	if err := it.need(2); err != nil {
		return 0, err
	}
	v := it.Order.Uint16(it.data[it.pos:])
	it.pos += 2
	return v, nil
}

func (it *Iterator) Int32() (int32, error) {
	if err := it.expect('i'); err != nil {
		return 0, err
	}
	if err := it.align(4); err != nil {
		return 0, err
	}
	if err := it.need(4); err != nil {
		return 0, err
	}
	v := int32(it.Order.Uint32(it.data[it.pos:]))
	it.pos += 4
	return v, nil
}

func (it *Iterator) Uint32() (uint32, error) {
	if err := it.expect('u'); err != nil {
		return 0, err
	}
	if err := it.align(4); err != nil {
		return 0, err
	}
	if err := it.need(4); err != nil {
		return 0, err
	}
	v := it.Order.Uint32(it.data[it.pos:])
	it.pos += 4
	return v, nil
}

func (it *Iterator) Int64() (int64, error) {
	if err := it.expect('x'); err != nil {
		return 0, err
	}
	if err := it.align(8); err != nil {
		return 0, err
	}
	if err := it.need(8); err != nil {
		return 0, err
	}
	v := int64(it.Order.Uint64(it.data[it.pos:]))
	it.pos += 8
	return v, nil
}

func (it *Iterator) Uint64() (uint64, error) {
	if err := it.expect('t'); err != nil {
		return 0, err
	}
	if err := it.align(8); err != nil {
		return 0, err
	}
	if err := it.need(8); err != nil {
		return 0, err
	}
	v := it.Order.Uint64(it.data[it.pos:])
	it.pos += 8
	return v, nil
}

func (it *Iterator) Double() (float64, error) {
	if err := it.expect('d'); err != nil {
		return 0, err
	}
	if err := it.align(8); err != nil {
		return 0, err
	}
	if err := it.need(8); err != nil {
		return 0, err
	}
	v := math.Float64frombits(it.Order.Uint64(it.data[it.pos:]))
	it.pos += 8
	return v, nil
}

func (it *Iterator) readLengthPrefixed() (string, error) {
	if err := it.align(4); err != nil {
		return "", err
	}
	n, err := it.Uint32NoSigCheck()
	if err != nil {
		return "", err
	}
	if err := it.need(int(n) + 1); err != nil {
		return "", err
	}
	s := string(it.data[it.pos : it.pos+int(n)])
	it.pos += int(n) + 1 // skip trailing NUL
	return s, nil
}

// Uint32NoSigCheck reads a raw 4-byte length without consuming a
// signature type code; used internally by string/array readers whose
// length prefix is not itself a typed 'u' value.
func (it *Iterator) Uint32NoSigCheck() (uint32, error) {
	if err := it.need(4); err != nil {
		return 0, err
	}
	v := it.Order.Uint32(it.data[it.pos:])
	it.pos += 4
	return v, nil
}

func (it *Iterator) String() (string, error) {
	if err := it.expect('s'); err != nil {
		return "", err
	}
	return it.readLengthPrefixed()
}

func (it *Iterator) ObjectPath() (string, error) {
	if err := it.expect('o'); err != nil {
		return "", err
	}
	return it.readLengthPrefixed()
}

func (it *Iterator) SignatureValue() (string, error) {
	if err := it.expect('g'); err != nil {
		return "", err
	}
	if err := it.need(1); err != nil {
		return "", err
	}
	n := int(it.data[it.pos])
	it.pos++
	if err := it.need(n + 1); err != nil {
		return "", err
	}
	s := string(it.data[it.pos : it.pos+n])
	it.pos += n + 1
	return s, nil
}

// VariantBegin reads the inline signature prefix of a variant and splices
// it into the cursor stream so the next typed read(s) see the concrete
// type.
func (it *Iterator) VariantBegin() (innerSig string, err error) {
	if err := it.expect('v'); err != nil {
		return "", err
	}
	if err := it.need(1); err != nil {
		return "", err
	}
	n := int(it.data[it.pos])
	it.pos++
	if err := it.need(n + 1); err != nil {
		return "", err
	}
	innerSig = string(it.data[it.pos : it.pos+n])
	it.pos += n + 1
	if err := sig.Validate(innerSig); err != nil {
		return "", err
	}
	rest := it.fullSig[it.cursor:]
	it.fullSig = it.fullSig[:it.cursor] + innerSig + rest
	return innerSig, nil
}

// ArrayBegin reads the 4-byte array length, aligns to the element type,
// and returns the element signature; ArrayHasNext reports whether any
// elements are left to read.
func (it *Iterator) ArrayBegin(expectElemSig string) (elemSig string, err error) {
	if err := it.expect('a'); err != nil {
		return "", err
	}
	elemEnd, err := sig.Next(it.fullSig, it.cursor)
	if err != nil {
		return "", err
	}
	elemSig = it.fullSig[it.cursor:elemEnd]
	if expectElemSig != "" && elemSig != expectElemSig {
		return "", dbuserr.ParseErr("iterator: array element signature %q does not match expected %q", elemSig, expectElemSig)
	}
	it.cursor = elemEnd

	if err := it.align(4); err != nil {
		return "", err
	}
	n, err := it.Uint32NoSigCheck()
	if err != nil {
		return "", err
	}
	if n > MaxArraySize {
		return "", dbuserr.ParseErr("iterator: array of %d bytes exceeds max %d", n, MaxArraySize)
	}
	if err := it.align(sig.Alignment(elemSig[0])); err != nil {
		return "", err
	}
	end := it.pos + int(n)
	if err := it.need(int(n)); err != nil {
		return "", err
	}
	it.arrayStack = append(it.arrayStack, iterArrayFrame{end: end, elemSig: elemSig})
	return elemSig, nil
}

// ArrayHasNext reports whether another element remains in the
// innermost open array.
func (it *Iterator) ArrayHasNext() bool {
	if len(it.arrayStack) == 0 {
		return false
	}
	frame := it.arrayStack[len(it.arrayStack)-1]
	return it.pos < frame.end
}

// ArrayEntry resets the cursor to the array's element type, to be called
// before reading each element while ArrayHasNext is true.
func (it *Iterator) ArrayEntry() error {
	if len(it.arrayStack) == 0 {
		return dbuserr.ParseErr("iterator: array-entry with no open array")
	}
	frame := it.arrayStack[len(it.arrayStack)-1]
	rest := it.fullSig[it.cursor:]
	it.fullSig = it.fullSig[:it.cursor] + frame.elemSig + rest
	return nil
}

func (it *Iterator) ArrayEnd() error {
	if len(it.arrayStack) == 0 {
		return dbuserr.ParseErr("iterator: array-end with no open array")
	}
	frame := it.arrayStack[len(it.arrayStack)-1]
	it.arrayStack = it.arrayStack[:len(it.arrayStack)-1]
	it.pos = frame.end
	return nil
}

func (it *Iterator) StructBegin() error {
	if err := it.expect('('); err != nil {
		return err
	}
	return it.align(8)
}

func (it *Iterator) StructEnd() error {
	if it.cursor >= len(it.fullSig) || it.fullSig[it.cursor] != ')' {
		return dbuserr.ParseErr("iterator: struct-end without matching fields at %d", it.cursor)
	}
	it.cursor++
	return nil
}

func (it *Iterator) DictEntryBegin() error {
	if err := it.expect('{'); err != nil {
		return err
	}
	return it.align(8)
}

func (it *Iterator) DictEntryEnd() error {
	if it.cursor >= len(it.fullSig) || it.fullSig[it.cursor] != '}' {
		return dbuserr.ParseErr("iterator: dict-entry-end without matching fields at %d", it.cursor)
	}
	it.cursor++
	return nil
}

// SkipValue advances over one complete value of the type at the cursor,
// regardless of complexity, without decoding it into a typed result. Used
// by the message parser for unknown header fields and variants whose
// concrete type isn't statically interesting (spec.md §4.1, scenario 5).
func (it *Iterator) SkipValue() error {
	if it.cursor >= len(it.fullSig) {
		return dbuserr.ParseErr("iterator: skip-value with no type at cursor")
	}
	switch it.fullSig[it.cursor] {
	case 'y':
		_, err := it.Byte()
		return err
	case 'b':
		_, err := it.Bool()
		return err
	case 'n':
		_, err := it.Int16()
		return err
	case 'q':
		_, err := it.Uint16()
		return err
	case 'i':
		_, err := it.Int32()
		return err
	case 'u':
		_, err := it.Uint32()
		return err
	case 'x':
		_, err := it.Int64()
		return err
	case 't':
		_, err := it.Uint64()
		return err
	case 'd':
		_, err := it.Double()
		return err
	case 's':
		_, err := it.String()
		return err
	case 'o':
		_, err := it.ObjectPath()
		return err
	case 'g':
		_, err := it.SignatureValue()
		return err
	case 'h':
		if err := it.expect('h'); err != nil {
			return err
		}
		if err := it.align(4); err != nil {
			return err
		}
		_, err := it.Uint32NoSigCheck()
		return err
	case 'v':
		if _, err := it.VariantBegin(); err != nil {
			return err
		}
		return it.SkipValue()
	case 'a':
		if _, err := it.ArrayBegin(""); err != nil {
			return err
		}
		for it.ArrayHasNext() {
			if err := it.ArrayEntry(); err != nil {
				return err
			}
			if err := it.SkipValue(); err != nil {
				return err
			}
		}
		return it.ArrayEnd()
	case '(':
		if err := it.StructBegin(); err != nil {
			return err
		}
		for it.cursor < len(it.fullSig) && it.fullSig[it.cursor] != ')' {
			if err := it.SkipValue(); err != nil {
				return err
			}
		}
		return it.StructEnd()
	case '{':
		if err := it.DictEntryBegin(); err != nil {
			return err
		}
		if err := it.SkipValue(); err != nil {
			return err
		}
		if err := it.SkipValue(); err != nil {
			return err
		}
		return it.DictEntryEnd()
	default:
		return dbuserr.ParseErr("iterator: unknown type %q at cursor", it.fullSig[it.cursor])
	}
}
