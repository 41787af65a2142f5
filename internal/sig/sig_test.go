// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package sig_test

import (
	"testing"

	"github.com/sandia-minimega/dbus/internal/sig"
)

func TestValidate(t *testing.T) {
	var validSigs = []string{
		"", "y", "b", "n", "q", "i", "u", "x", "t", "d", "s", "o", "g", "v",
		"ai", "as", "a(ii)", "a{sv}", "(isa{sv})", "aai", "(i(i)s)",
		"a{s(ii)}", "aaaai",
	}
	for _, s := range validSigs {
		if err := sig.Validate(s); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", s, err)
		}
	}

	var invalidSigs = []string{
		"(", ")", "(i", "a", "a{s}", "a{sii}", "{sv}", "z", "a{iv", "((i)",
	}
	for _, s := range invalidSigs {
		if err := sig.Validate(s); err == nil {
			t.Errorf("Validate(%q) = nil, want error", s)
		}
	}
}

func TestSplit(t *testing.T) {
	parts, err := sig.Split("isa{sv}")
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	want := []string{"i", "s", "a{sv}"}
	if len(parts) != len(want) {
		t.Fatalf("Split(%q) = %v, want %v", "isa{sv}", parts, want)
	}
	for i := range want {
		if parts[i] != want[i] {
			t.Errorf("Split(%q)[%d] = %q, want %q", "isa{sv}", i, parts[i], want[i])
		}
	}
}

func TestArrayElement(t *testing.T) {
	el, err := sig.ArrayElement("a(is)")
	if err != nil || el != "(is)" {
		t.Fatalf("ArrayElement = %q, %v, want (is), nil", el, err)
	}
}

func TestDictEntryFields(t *testing.T) {
	k, v, err := sig.DictEntryFields("{sv}")
	if err != nil || k != "s" || v != "v" {
		t.Fatalf("DictEntryFields = %q, %q, %v, want s, v, nil", k, v, err)
	}
	if _, _, err := sig.DictEntryFields("{siv}"); err == nil {
		t.Fatalf("DictEntryFields({siv}) = nil error, want error")
	}
}

func TestAlignment(t *testing.T) {
	cases := map[byte]int{
		'y': 1, 'g': 1, 'v': 1,
		'n': 2, 'q': 2,
		'b': 4, 'i': 4, 'u': 4, 's': 4, 'o': 4, 'a': 4,
		'x': 8, 't': 8, 'd': 8, '(': 8, '{': 8,
	}
	for typeCode, want := range cases {
		if got := sig.Alignment(typeCode); got != want {
			t.Errorf("Alignment(%q) = %d, want %d", typeCode, got, want)
		}
	}
}
