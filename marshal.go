// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package dbus

import (
	"encoding/binary"
	"reflect"
	"strings"

	"github.com/sandia-minimega/dbus/internal/dbuserr"
	"github.com/sandia-minimega/dbus/internal/sig"
	"github.com/sandia-minimega/dbus/internal/wire"
)

// wireOrder is the byte order every outgoing message is encoded with.
// Incoming messages are re-read in whatever order their header declares
// (internal/message handles that); this package only ever originates
// little-endian traffic.
var wireOrder binary.ByteOrder = binary.LittleEndian

// signatureFor infers the D-Bus signature of a Go value for argument
// encoding. Basic types map one-to-one onto the signature alphabet;
// slices, arrays, maps and structs recurse through reflection, since a
// fixed type-switch can't enumerate every slice-of-T or struct-of-T a
// caller might pass (grounded on the reflect-based marshalers carried
// by the wider D-Bus library ecosystem, not hand-rolled here).
func signatureFor(v interface{}) (string, error) {
	switch v.(type) {
	case byte:
		return "y", nil
	case bool:
		return "b", nil
	case int16:
		return "n", nil
	case uint16:
		return "q", nil
	case int32:
		return "i", nil
	case uint32:
		return "u", nil
	case int64:
		return "x", nil
	case uint64:
		return "t", nil
	case float64:
		return "d", nil
	case string:
		return "s", nil
	case ObjectPath:
		return "o", nil
	case Signature:
		return "g", nil
	case Variant:
		return "v", nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		elemSig, err := signatureForType(rv.Type().Elem())
		if err != nil {
			return "", err
		}
		return "a" + elemSig, nil
	case reflect.Map:
		keySig, err := signatureForType(rv.Type().Key())
		if err != nil {
			return "", err
		}
		valSig, err := signatureForType(rv.Type().Elem())
		if err != nil {
			return "", err
		}
		return "a{" + keySig + valSig + "}", nil
	case reflect.Struct:
		var b strings.Builder
		b.WriteByte('(')
		for i := 0; i < rv.NumField(); i++ {
			fsig, err := signatureFor(rv.Field(i).Interface())
			if err != nil {
				return "", err
			}
			b.WriteString(fsig)
		}
		b.WriteByte(')')
		return b.String(), nil
	}
	return "", dbuserr.ParseErr("dbus: argument of type %T has no D-Bus signature", v)
}

func signatureForType(t reflect.Type) (string, error) {
	return signatureFor(reflect.Zero(t).Interface())
}

// EncodeArgs builds a message body for args, returning both the
// signature it encoded (for the message header) and the wire bytes.
func EncodeArgs(args ...interface{}) (signature string, body []byte, err error) {
	sigs := make([]string, len(args))
	for i, a := range args {
		s, err := signatureFor(a)
		if err != nil {
			return "", nil, err
		}
		sigs[i] = s
	}
	full := strings.Join(sigs, "")
	buf := wire.NewBuffer(full, wireOrder)
	for _, a := range args {
		if err := encodeValue(buf, a); err != nil {
			return "", nil, err
		}
	}
	return full, buf.Bytes(), nil
}

func encodeValue(buf *wire.Buffer, v interface{}) error {
	switch x := v.(type) {
	case byte:
		return buf.Byte(x)
	case bool:
		return buf.Bool(x)
	case int16:
		return buf.Int16(x)
	case uint16:
		return buf.Uint16(x)
	case int32:
		return buf.Int32(x)
	case uint32:
		return buf.Uint32(x)
	case int64:
		return buf.Int64(x)
	case uint64:
		return buf.Uint64(x)
	case float64:
		return buf.Double(x)
	case string:
		return buf.String(x)
	case ObjectPath:
		return buf.ObjectPath(string(x))
	case Signature:
		return buf.Signature(string(x))
	case Variant:
		if err := buf.VariantBegin(x.Sig); err != nil {
			return err
		}
		return encodeValue(buf, x.Value)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		elemSig, err := signatureForType(rv.Type().Elem())
		if err != nil {
			return err
		}
		if err := buf.ArrayBegin(elemSig); err != nil {
			return err
		}
		for i := 0; i < rv.Len(); i++ {
			if err := buf.ArrayEntry(); err != nil {
				return err
			}
			if err := encodeValue(buf, rv.Index(i).Interface()); err != nil {
				return err
			}
		}
		return buf.ArrayEnd()
	case reflect.Map:
		keySig, err := signatureForType(rv.Type().Key())
		if err != nil {
			return err
		}
		valSig, err := signatureForType(rv.Type().Elem())
		if err != nil {
			return err
		}
		if err := buf.ArrayBegin("{" + keySig + valSig + "}"); err != nil {
			return err
		}
		iter := rv.MapRange()
		for iter.Next() {
			if err := buf.ArrayEntry(); err != nil {
				return err
			}
			if err := buf.DictEntryBegin(); err != nil {
				return err
			}
			if err := encodeValue(buf, iter.Key().Interface()); err != nil {
				return err
			}
			if err := encodeValue(buf, iter.Value().Interface()); err != nil {
				return err
			}
			if err := buf.DictEntryEnd(); err != nil {
				return err
			}
		}
		return buf.ArrayEnd()
	case reflect.Struct:
		if err := buf.StructBegin(); err != nil {
			return err
		}
		for i := 0; i < rv.NumField(); i++ {
			if err := encodeValue(buf, rv.Field(i).Interface()); err != nil {
				return err
			}
		}
		return buf.StructEnd()
	}
	return dbuserr.ParseErr("dbus: cannot encode value of type %T", v)
}

// DecodeBody decodes a message body of signature sigStr into ptrs, one
// pointer per top-level type. Each ptr's pointed-to type must either
// match the D-Bus type exactly (e.g. *int32 for 'i') or be *interface{}
// / *Variant for a dynamically-typed slot.
func DecodeBody(sigStr string, body []byte, order binary.ByteOrder, ptrs ...interface{}) error {
	types, err := sig.Split(sigStr)
	if err != nil {
		return err
	}
	if len(types) != len(ptrs) {
		return dbuserr.ParseErr("dbus: signature %q has %d values, %d destinations given", sigStr, len(types), len(ptrs))
	}
	it := wire.NewIterator(body, sigStr, order)
	for i, ptr := range ptrs {
		rv := reflect.ValueOf(ptr)
		if rv.Kind() != reflect.Ptr || rv.IsNil() {
			return dbuserr.ParseErr("dbus: decode destination %d is not a non-nil pointer", i)
		}
		if err := decodeInto(it, types[i], rv.Elem()); err != nil {
			return err
		}
	}
	return nil
}

func decodeInto(it *wire.Iterator, t string, ev reflect.Value) error {
	switch t {
	case "y":
		v, err := it.Byte()
		return assign(ev, v, err)
	case "b":
		v, err := it.Bool()
		return assign(ev, v, err)
	case "n":
		v, err := it.Int16()
		return assign(ev, v, err)
	case "q":
		v, err := it.Uint16()
		return assign(ev, v, err)
	case "i":
		v, err := it.Int32()
		return assign(ev, v, err)
	case "u":
		v, err := it.Uint32()
		return assign(ev, v, err)
	case "x":
		v, err := it.Int64()
		return assign(ev, v, err)
	case "t":
		v, err := it.Uint64()
		return assign(ev, v, err)
	case "d":
		v, err := it.Double()
		return assign(ev, v, err)
	case "s":
		v, err := it.String()
		return assign(ev, v, err)
	case "o":
		v, err := it.ObjectPath()
		return assign(ev, ObjectPath(v), err)
	case "g":
		v, err := it.SignatureValue()
		return assign(ev, Signature(v), err)
	case "v":
		inner, err := it.VariantBegin()
		if err != nil {
			return err
		}
		val, err := decodeDynamic(it, inner)
		if err != nil {
			return err
		}
		if ev.Type() == variantType {
			ev.Set(reflect.ValueOf(Variant{Sig: inner, Value: val}))
			return nil
		}
		return assign(ev, val, nil)
	}

	switch t[0] {
	case 'a':
		if len(t) >= 2 && t[1] == '{' {
			return decodeMap(it, t, ev)
		}
		return decodeSlice(it, t, ev)
	case '(':
		return decodeStruct(it, t, ev)
	}
	return dbuserr.ParseErr("dbus: cannot decode type %q", t)
}

var variantType = reflect.TypeOf(Variant{})

// assign stores v into ev, converting when ev is a concrete (non-empty)
// interface-compatible or identically-kinded target, and boxing into
// ev directly when ev is an interface{} slot.
func assign(ev reflect.Value, v interface{}, err error) error {
	if err != nil {
		return err
	}
	rv := reflect.ValueOf(v)
	if ev.Kind() == reflect.Interface {
		ev.Set(rv)
		return nil
	}
	if !rv.Type().ConvertibleTo(ev.Type()) {
		return dbuserr.ParseErr("dbus: cannot store %T into %s", v, ev.Type())
	}
	ev.Set(rv.Convert(ev.Type()))
	return nil
}

func decodeSlice(it *wire.Iterator, t string, ev reflect.Value) error {
	elemType, err := sig.ArrayElement(t)
	if err != nil {
		return err
	}
	if _, err := it.ArrayBegin(elemType); err != nil {
		return err
	}

	var goElem reflect.Type
	var out reflect.Value
	switch ev.Kind() {
	case reflect.Slice:
		goElem = ev.Type().Elem()
		out = reflect.MakeSlice(ev.Type(), 0, 0)
	case reflect.Interface:
		goElem = genericGoType(elemType)
		out = reflect.MakeSlice(reflect.SliceOf(goElem), 0, 0)
	default:
		return dbuserr.ParseErr("dbus: cannot decode array %q into %s", t, ev.Type())
	}

	for it.ArrayHasNext() {
		if err := it.ArrayEntry(); err != nil {
			return err
		}
		elemPtr := reflect.New(goElem)
		if err := decodeInto(it, elemType, elemPtr.Elem()); err != nil {
			return err
		}
		out = reflect.Append(out, elemPtr.Elem())
	}
	if err := it.ArrayEnd(); err != nil {
		return err
	}
	ev.Set(out)
	return nil
}

func decodeMap(it *wire.Iterator, t string, ev reflect.Value) error {
	keySig, valSig, err := sig.DictEntryFields(t[1:])
	if err != nil {
		return err
	}
	if _, err := it.ArrayBegin("{" + keySig + valSig + "}"); err != nil {
		return err
	}

	var keyType, valType reflect.Type
	switch ev.Kind() {
	case reflect.Map:
		keyType, valType = ev.Type().Key(), ev.Type().Elem()
	case reflect.Interface:
		keyType, valType = genericGoType(keySig), genericGoType(valSig)
	default:
		return dbuserr.ParseErr("dbus: cannot decode dict %q into %s", t, ev.Type())
	}
	m := reflect.MakeMap(reflect.MapOf(keyType, valType))

	for it.ArrayHasNext() {
		if err := it.ArrayEntry(); err != nil {
			return err
		}
		if err := it.DictEntryBegin(); err != nil {
			return err
		}
		kPtr := reflect.New(keyType)
		if err := decodeInto(it, keySig, kPtr.Elem()); err != nil {
			return err
		}
		vPtr := reflect.New(valType)
		if err := decodeInto(it, valSig, vPtr.Elem()); err != nil {
			return err
		}
		if err := it.DictEntryEnd(); err != nil {
			return err
		}
		m.SetMapIndex(kPtr.Elem(), vPtr.Elem())
	}
	if err := it.ArrayEnd(); err != nil {
		return err
	}
	ev.Set(m)
	return nil
}

func decodeStruct(it *wire.Iterator, t string, ev reflect.Value) error {
	fields, err := sig.StructFields(t)
	if err != nil {
		return err
	}
	if err := it.StructBegin(); err != nil {
		return err
	}

	if ev.Kind() == reflect.Struct {
		if ev.NumField() != len(fields) {
			return dbuserr.ParseErr("dbus: struct %q has %d fields, target %s has %d", t, len(fields), ev.Type(), ev.NumField())
		}
		for i, fsig := range fields {
			if err := decodeInto(it, fsig, ev.Field(i)); err != nil {
				return err
			}
		}
	} else if ev.Kind() == reflect.Interface {
		out := make([]interface{}, len(fields))
		for i, fsig := range fields {
			ptr := reflect.New(genericGoType(fsig))
			if err := decodeInto(it, fsig, ptr.Elem()); err != nil {
				return err
			}
			out[i] = ptr.Elem().Interface()
		}
		ev.Set(reflect.ValueOf(out))
	} else {
		return dbuserr.ParseErr("dbus: cannot decode struct %q into %s", t, ev.Type())
	}
	return it.StructEnd()
}

// decodeDynamic decodes one value of innerSig into a plain Go value,
// used for variant contents whose static type isn't known by the
// caller.
func decodeDynamic(it *wire.Iterator, innerSig string) (interface{}, error) {
	target := reflect.New(genericGoType(innerSig)).Elem()
	if err := decodeInto(it, innerSig, target); err != nil {
		return nil, err
	}
	return target.Interface(), nil
}

// genericGoType maps a D-Bus type to the Go type decodeDynamic and the
// interface{}-typed decode paths use to hold it.
func genericGoType(t string) reflect.Type {
	switch t {
	case "y":
		return reflect.TypeOf(byte(0))
	case "b":
		return reflect.TypeOf(false)
	case "n":
		return reflect.TypeOf(int16(0))
	case "q":
		return reflect.TypeOf(uint16(0))
	case "i":
		return reflect.TypeOf(int32(0))
	case "u":
		return reflect.TypeOf(uint32(0))
	case "x":
		return reflect.TypeOf(int64(0))
	case "t":
		return reflect.TypeOf(uint64(0))
	case "d":
		return reflect.TypeOf(float64(0))
	case "s":
		return reflect.TypeOf("")
	case "o":
		return reflect.TypeOf(ObjectPath(""))
	case "g":
		return reflect.TypeOf(Signature(""))
	case "v":
		return variantType
	}
	if len(t) == 0 {
		return reflect.TypeOf((*interface{})(nil)).Elem()
	}
	switch t[0] {
	case 'a':
		if len(t) >= 2 && t[1] == '{' {
			key, val, err := sig.DictEntryFields(t[1:])
			if err != nil {
				return reflect.TypeOf((*interface{})(nil)).Elem()
			}
			return reflect.MapOf(genericGoType(key), genericGoType(val))
		}
		elem, err := sig.ArrayElement(t)
		if err != nil {
			return reflect.TypeOf((*interface{})(nil)).Elem()
		}
		return reflect.SliceOf(genericGoType(elem))
	case '(':
		return reflect.TypeOf([]interface{}{})
	}
	return reflect.TypeOf((*interface{})(nil)).Elem()
}
