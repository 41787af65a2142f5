// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package wire

import (
	"encoding/binary"

	"github.com/sandia-minimega/dbus/internal/dbuserr"
	"github.com/sandia-minimega/dbus/internal/sig"
)

// Flip byte-reverses every primitive value in data according to fullSig,
// recursing into arrays/structs/dicts/variants, converting a
// foreign-endian payload to the machine's native order in place. Used
// exactly once per foreign-endian message on receipt (spec.md §4.1,
// §9): everything downstream then treats the buffer as native-endian.
func Flip(data []byte, fullSig string) error {
	pos := 0
	cur := 0
	for cur < len(fullSig) {
		next, newPos, err := flipOne(data, pos, fullSig, cur)
		if err != nil {
			return err
		}
		cur = next
		pos = newPos
	}
	return nil
}

func align(pos, n int) int {
	for pos%n != 0 {
		pos++
	}
	return pos
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}

// flipOne flips the single value whose type starts at fullSig[cur],
// returning the signature cursor and data position just past it.
func flipOne(data []byte, pos int, fullSig string, cur int) (nextCur, nextPos int, err error) {
	if cur >= len(fullSig) {
		return cur, pos, dbuserr.ParseErr("flip: signature %q exhausted", fullSig)
	}
	switch c := fullSig[cur]; c {
	case 'y':
		return cur + 1, pos + 1, nil
	case 'b', 'i', 'u', 'h':
		pos = align(pos, 4)
		if pos+4 > len(data) {
			return cur, pos, dbuserr.ParseErr("flip: short buffer for %q", c)
		}
		reverse(data[pos : pos+4])
		return cur + 1, pos + 4, nil
	case 'n', 'q':
		pos = align(pos, 2)
		if pos+2 > len(data) {
			return cur, pos, dbuserr.ParseErr("flip: short buffer for %q", c)
		}
		reverse(data[pos : pos+2])
		return cur + 1, pos + 2, nil
	case 'x', 't', 'd':
		pos = align(pos, 8)
		if pos+8 > len(data) {
			return cur, pos, dbuserr.ParseErr("flip: short buffer for %q", c)
		}
		reverse(data[pos : pos+8])
		return cur + 1, pos + 8, nil
	case 's', 'o':
		pos = align(pos, 4)
		if pos+4 > len(data) {
			return cur, pos, dbuserr.ParseErr("flip: short buffer for %q", c)
		}
		reverse(data[pos : pos+4])
		n := binary.NativeEndian.Uint32(data[pos : pos+4])
		// string/path content is raw bytes, no recursion needed
		pos += 4 + int(n) + 1
		return cur + 1, pos, nil
	case 'g':
		n := int(data[pos])
		pos += 1 + n + 1
		return cur + 1, pos, nil
	case 'v':
		n := int(data[pos])
		innerSig := string(data[pos+1 : pos+1+n])
		pos += 1 + n + 1
		if err := sig.Validate(innerSig); err != nil {
			return cur, pos, err
		}
		_, pos, err = flipOne(data, pos, innerSig, 0)
		if err != nil {
			return cur, pos, err
		}
		return cur + 1, pos, nil
	case 'a':
		elemEnd, err := sig.Next(fullSig, cur+1)
		if err != nil {
			return cur, pos, err
		}
		elemSig := fullSig[cur+1 : elemEnd]

		pos = align(pos, 4)
		if pos+4 > len(data) {
			return cur, pos, dbuserr.ParseErr("flip: short buffer for array length")
		}
		reverse(data[pos : pos+4])
		n := binary.NativeEndian.Uint32(data[pos : pos+4])
		pos += 4
		pos = align(pos, sig.Alignment(elemSig[0]))

		end := pos + int(n)
		for pos < end {
			_, pos, err = flipOne(data, pos, elemSig, 0)
			if err != nil {
				return cur, pos, err
			}
		}
		return elemEnd, pos, nil
	case '(':
		pos = align(pos, 8)
		fields, err := sig.StructFields(fullSig[cur:mustStructEnd(fullSig, cur)])
		if err != nil {
			return cur, pos, err
		}
		for _, f := range fields {
			_, pos, err = flipOne(data, pos, f, 0)
			if err != nil {
				return cur, pos, err
			}
		}
		end, _ := sig.Next(fullSig, cur)
		return end, pos, nil
	case '{':
		pos = align(pos, 8)
		key, val, err := sig.DictEntryFields(fullSig[cur : mustDictEnd(fullSig, cur)])
		if err != nil {
			return cur, pos, err
		}
		_, pos, err = flipOne(data, pos, key, 0)
		if err != nil {
			return cur, pos, err
		}
		_, pos, err = flipOne(data, pos, val, 0)
		if err != nil {
			return cur, pos, err
		}
		end, _ := sig.Next(fullSig, cur)
		return end, pos, nil
	default:
		return cur, pos, dbuserr.ParseErr("flip: unknown type code %q", c)
	}
}

func mustStructEnd(fullSig string, cur int) int {
	end, _ := sig.Next(fullSig, cur)
	return end
}

func mustDictEnd(fullSig string, cur int) int {
	end, _ := sig.Next(fullSig, cur)
	return end
}

// FlipUint32 is used by the message parser to byte-reverse the fixed
// header's body-length and serial fields before the signature-driven
// Flip runs on the variable part.
func FlipUint32(v uint32) uint32 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	reverse(b[:])
	return binary.LittleEndian.Uint32(b[:])
}
