// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package sig walks the D-Bus type grammar: given a pointer into a
// signature string it finds the end of exactly one complete type,
// recursing through arrays, structs, dict entries and variants. It is
// used by the wire iterator, the wire builder, and the message parser,
// all of which need to advance over a type without caring what it means.
package sig

import "github.com/sandia-minimega/dbus/internal/dbuserr"

// Alignment returns the required byte alignment for the type beginning at
// sig[0]. See spec.md §3: 1 for y,g,v; 2 for n,q; 4 for b,i,u,s,o,a; 8 for
// x,t,d,(,{.
func Alignment(typeCode byte) int {
	switch typeCode {
	case 'y', 'g', 'v':
		return 1
	case 'n', 'q':
		return 2
	case 'b', 'i', 'u', 's', 'o', 'a':
		return 4
	case 'x', 't', 'd', '(', '{':
		return 8
	}
	return 1
}

func IsBasic(typeCode byte) bool {
	switch typeCode {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 's', 'o', 'g':
		return true
	}
	return false
}

// Next returns the index just past one complete type starting at sig[pos].
// It fails on unbalanced brackets, a dict-entry appearing outside of an
// array, a dict-entry with other than exactly two element types, or an
// unknown type code.
func Next(sigStr string, pos int) (int, error) {
	if pos >= len(sigStr) {
		return pos, dbuserr.ParseErr("signature %q: expected a type at %d", sigStr, pos)
	}

	switch c := sigStr[pos]; c {
	case 'y', 'b', 'n', 'q', 'i', 'u', 'x', 't', 'd', 's', 'o', 'g', 'v', 'h':
		return pos + 1, nil
	case 'a':
		next := pos + 1
		if next >= len(sigStr) {
			return pos, dbuserr.ParseErr("signature %q: array with no element type", sigStr)
		}
		if sigStr[next] == '{' {
			return nextDictEntry(sigStr, next)
		}
		return Next(sigStr, next)
	case '(':
		i := pos + 1
		count := 0
		for i < len(sigStr) && sigStr[i] != ')' {
			var err error
			i, err = Next(sigStr, i)
			if err != nil {
				return pos, err
			}
			count++
		}
		if i >= len(sigStr) {
			return pos, dbuserr.ParseErr("signature %q: unbalanced struct starting at %d", sigStr, pos)
		}
		if count == 0 {
			return pos, dbuserr.ParseErr("signature %q: empty struct at %d", sigStr, pos)
		}
		return i + 1, nil
	case '{':
		return pos, dbuserr.ParseErr("signature %q: dict entry not inside an array at %d", sigStr, pos)
	default:
		return pos, dbuserr.ParseErr("signature %q: unknown type code %q at %d", sigStr, c, pos)
	}
}

// nextDictEntry parses a{kv} starting at the '{'. Dict entries must have
// exactly two sub-types and the key must be a basic type.
func nextDictEntry(sigStr string, pos int) (int, error) {
	if sigStr[pos] != '{' {
		return pos, dbuserr.ParseErr("signature %q: expected '{' at %d", sigStr, pos)
	}
	i := pos + 1
	if i >= len(sigStr) {
		return pos, dbuserr.ParseErr("signature %q: unbalanced dict entry at %d", sigStr, pos)
	}
	if !IsBasic(sigStr[i]) {
		return pos, dbuserr.ParseErr("signature %q: dict entry key must be a basic type at %d", sigStr, i)
	}
	keyEnd, err := Next(sigStr, i)
	if err != nil {
		return pos, err
	}
	valEnd, err := Next(sigStr, keyEnd)
	if err != nil {
		return pos, err
	}
	if valEnd >= len(sigStr) || sigStr[valEnd] != '}' {
		return pos, dbuserr.ParseErr("signature %q: dict entry must have exactly two types, closing at %d", sigStr, valEnd)
	}
	return valEnd + 1, nil
}

// Split decomposes a complete signature string into its top-level types.
func Split(sigStr string) ([]string, error) {
	var out []string
	i := 0
	for i < len(sigStr) {
		end, err := Next(sigStr, i)
		if err != nil {
			return nil, err
		}
		out = append(out, sigStr[i:end])
		i = end
	}
	return out, nil
}

// Validate checks that sigStr is entirely composed of complete,
// well-formed types.
func Validate(sigStr string) error {
	_, err := Split(sigStr)
	return err
}

// ArrayElement returns the element type signature of an array type "a<T>".
func ArrayElement(sigStr string) (string, error) {
	if len(sigStr) == 0 || sigStr[0] != 'a' {
		return "", dbuserr.ParseErr("signature %q: not an array type", sigStr)
	}
	end, err := Next(sigStr, 1)
	if err != nil {
		return "", err
	}
	return sigStr[1:end], nil
}

// StructFields decomposes a struct type "(...)" into its member types.
func StructFields(sigStr string) ([]string, error) {
	if len(sigStr) < 2 || sigStr[0] != '(' || sigStr[len(sigStr)-1] != ')' {
		return nil, dbuserr.ParseErr("signature %q: not a struct type", sigStr)
	}
	return Split(sigStr[1 : len(sigStr)-1])
}

// DictEntryFields decomposes a dict-entry type "{KV}" into its key and
// value type.
func DictEntryFields(sigStr string) (key, val string, err error) {
	if len(sigStr) < 3 || sigStr[0] != '{' || sigStr[len(sigStr)-1] != '}' {
		return "", "", dbuserr.ParseErr("signature %q: not a dict entry type", sigStr)
	}
	inner := sigStr[1 : len(sigStr)-1]
	parts, err := Split(inner)
	if err != nil {
		return "", "", err
	}
	if len(parts) != 2 {
		return "", "", dbuserr.ParseErr("signature %q: dict entry must have exactly two types", sigStr)
	}
	return parts[0], parts[1], nil
}
