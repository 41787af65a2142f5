// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package wire_test

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/sandia-minimega/dbus/internal/wire"
)

func TestArrayOfInt32RoundTrip(t *testing.T) {
	b := wire.NewBuffer("ai", binary.LittleEndian)
	if err := b.ArrayBegin("i"); err != nil {
		t.Fatal(err)
	}
	for _, v := range []int32{1, 2, 3} {
		if err := b.ArrayEntry(); err != nil {
			t.Fatal(err)
		}
		if err := b.Int32(v); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.ArrayEnd(); err != nil {
		t.Fatal(err)
	}

	data := b.Bytes()
	// spec.md §8 scenario 4: 4-byte length 12, then three LE int32s.
	want := []byte{12, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0}
	if diff := cmp.Diff(want, data); diff != "" {
		t.Fatalf("encoded bytes mismatch (-want +got):\n%s", diff)
	}

	it := wire.NewIterator(data, "ai", binary.LittleEndian)
	elemSig, err := it.ArrayBegin("i")
	if err != nil {
		t.Fatal(err)
	}
	if elemSig != "i" {
		t.Fatalf("elemSig = %q, want i", elemSig)
	}
	var got []int32
	for it.ArrayHasNext() {
		if err := it.ArrayEntry(); err != nil {
			t.Fatal(err)
		}
		v, err := it.Int32()
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, v)
	}
	if err := it.ArrayEnd(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int32{1, 2, 3}, got); diff != "" {
		t.Fatalf("decoded values mismatch (-want +got):\n%s", diff)
	}
}

func TestEmptyByteArrayPadding(t *testing.T) {
	b := wire.NewBuffer("yay", binary.LittleEndian)
	if err := b.Byte(1); err != nil {
		t.Fatal(err)
	}
	if err := b.ArrayBegin("y"); err != nil {
		t.Fatal(err)
	}
	if err := b.ArrayEnd(); err != nil {
		t.Fatal(err)
	}
	data := b.Bytes()
	// byte at offset 0, three pad bytes to reach the 4-byte-aligned
	// array length at offset 4, length 0, then nothing (ay has 1-byte
	// element alignment so no further padding).
	want := []byte{1, 0, 0, 0, 0, 0, 0, 0}
	if diff := cmp.Diff(want, data); diff != "" {
		t.Fatalf("encoded bytes mismatch (-want +got):\n%s", diff)
	}
}

func TestStringRoundTrip(t *testing.T) {
	b := wire.NewBuffer("s", binary.LittleEndian)
	if err := b.String("hello"); err != nil {
		t.Fatal(err)
	}
	it := wire.NewIterator(b.Bytes(), "s", binary.LittleEndian)
	got, err := it.String()
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello" {
		t.Fatalf("String() = %q, want hello", got)
	}
}

func TestVariantRoundTrip(t *testing.T) {
	b := wire.NewBuffer("v", binary.LittleEndian)
	if err := b.VariantBegin("s"); err != nil {
		t.Fatal(err)
	}
	if err := b.String("variant-value"); err != nil {
		t.Fatal(err)
	}

	it := wire.NewIterator(b.Bytes(), "v", binary.LittleEndian)
	innerSig, err := it.VariantBegin()
	if err != nil {
		t.Fatal(err)
	}
	if innerSig != "s" {
		t.Fatalf("innerSig = %q, want s", innerSig)
	}
	got, err := it.String()
	if err != nil {
		t.Fatal(err)
	}
	if got != "variant-value" {
		t.Fatalf("String() = %q, want variant-value", got)
	}
}

func TestStructRoundTrip(t *testing.T) {
	b := wire.NewBuffer("(is)", binary.LittleEndian)
	if err := b.StructBegin(); err != nil {
		t.Fatal(err)
	}
	if err := b.Int32(42); err != nil {
		t.Fatal(err)
	}
	if err := b.String("answer"); err != nil {
		t.Fatal(err)
	}
	if err := b.StructEnd(); err != nil {
		t.Fatal(err)
	}

	it := wire.NewIterator(b.Bytes(), "(is)", binary.LittleEndian)
	if err := it.StructBegin(); err != nil {
		t.Fatal(err)
	}
	n, err := it.Int32()
	if err != nil {
		t.Fatal(err)
	}
	s, err := it.String()
	if err != nil {
		t.Fatal(err)
	}
	if err := it.StructEnd(); err != nil {
		t.Fatal(err)
	}
	if n != 42 || s != "answer" {
		t.Fatalf("got (%d, %q), want (42, \"answer\")", n, s)
	}
}

func TestDictRoundTrip(t *testing.T) {
	b := wire.NewBuffer("a{sv}", binary.LittleEndian)
	if err := b.ArrayBegin("{sv}"); err != nil {
		t.Fatal(err)
	}
	if err := b.ArrayEntry(); err != nil {
		t.Fatal(err)
	}
	if err := b.DictEntryBegin(); err != nil {
		t.Fatal(err)
	}
	if err := b.String("key"); err != nil {
		t.Fatal(err)
	}
	if err := b.VariantBegin("i"); err != nil {
		t.Fatal(err)
	}
	if err := b.Int32(7); err != nil {
		t.Fatal(err)
	}
	if err := b.DictEntryEnd(); err != nil {
		t.Fatal(err)
	}
	if err := b.ArrayEnd(); err != nil {
		t.Fatal(err)
	}

	it := wire.NewIterator(b.Bytes(), "a{sv}", binary.LittleEndian)
	if _, err := it.ArrayBegin("{sv}"); err != nil {
		t.Fatal(err)
	}
	if !it.ArrayHasNext() {
		t.Fatal("expected one dict entry")
	}
	if err := it.ArrayEntry(); err != nil {
		t.Fatal(err)
	}
	if err := it.DictEntryBegin(); err != nil {
		t.Fatal(err)
	}
	k, err := it.String()
	if err != nil {
		t.Fatal(err)
	}
	innerSig, err := it.VariantBegin()
	if err != nil {
		t.Fatal(err)
	}
	v, err := it.Int32()
	if err != nil {
		t.Fatal(err)
	}
	if err := it.DictEntryEnd(); err != nil {
		t.Fatal(err)
	}
	if err := it.ArrayEnd(); err != nil {
		t.Fatal(err)
	}
	if k != "key" || innerSig != "i" || v != 7 {
		t.Fatalf("got (%q, %q, %d), want (key, i, 7)", k, innerSig, v)
	}
}

func TestFlipRoundTrip(t *testing.T) {
	b := wire.NewBuffer("ai", binary.BigEndian)
	if err := b.ArrayBegin("i"); err != nil {
		t.Fatal(err)
	}
	for _, v := range []int32{1, 2, 3} {
		if err := b.ArrayEntry(); err != nil {
			t.Fatal(err)
		}
		if err := b.Int32(v); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.ArrayEnd(); err != nil {
		t.Fatal(err)
	}

	data := b.Bytes()
	if err := wire.Flip(data, "ai"); err != nil {
		t.Fatal(err)
	}

	it := wire.NewIterator(data, "ai", binary.LittleEndian)
	if _, err := it.ArrayBegin("i"); err != nil {
		t.Fatal(err)
	}
	var got []int32
	for it.ArrayHasNext() {
		if err := it.ArrayEntry(); err != nil {
			t.Fatal(err)
		}
		v, err := it.Int32()
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, v)
	}
	if diff := cmp.Diff([]int32{1, 2, 3}, got); diff != "" {
		t.Fatalf("flipped values mismatch (-want +got):\n%s", diff)
	}
}

func TestOversizeArrayRejected(t *testing.T) {
	// Declared length MaxArraySize+1 (0x04000001, little-endian).
	data := []byte{0x01, 0x00, 0x00, 0x04}
	it := wire.NewIterator(data, "ai", binary.LittleEndian)
	if _, err := it.ArrayBegin("i"); err == nil {
		t.Fatal("ArrayBegin accepted an array longer than MaxArraySize")
	}
	if wire.MaxArraySize != 64*1024*1024 {
		t.Fatalf("MaxArraySize = %d, want 64MiB", wire.MaxArraySize)
	}
}
