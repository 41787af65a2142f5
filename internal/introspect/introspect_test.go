// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package introspect_test

import (
	"strings"
	"testing"

	"github.com/sandia-minimega/dbus/internal/introspect"
)

func TestRenderXMLMethodAndChild(t *testing.T) {
	iface, err := introspect.NewInterface("com.x",
		introspect.Method("M",
			[]introspect.Arg{{Name: "arg0", Signature: "i"}},
			[]introspect.Arg{{Name: "result", Signature: "s"}}),
	)
	if err != nil {
		t.Fatalf("NewInterface: %v", err)
	}

	out, err := introspect.RenderXML([]*introspect.Interface{iface}, []string{"b"})
	if err != nil {
		t.Fatalf("RenderXML: %v", err)
	}

	if strings.Count(out, `<interface name="com.x">`) != 1 {
		t.Fatalf("expected exactly one com.x interface element, got:\n%s", out)
	}
	if !strings.Contains(out, `<node name="b"></node>`) && !strings.Contains(out, `<node name="b">`) {
		t.Fatalf("expected child node b, got:\n%s", out)
	}
	if !strings.Contains(out, `name="M"`) {
		t.Fatalf("expected method M, got:\n%s", out)
	}
	if !strings.Contains(out, `type="i"`) || !strings.Contains(out, `type="s"`) {
		t.Fatalf("expected arg types i and s, got:\n%s", out)
	}
}

func TestDuplicateMemberRejected(t *testing.T) {
	_, err := introspect.NewInterface("com.x",
		introspect.Method("M", nil, nil),
		introspect.Method("M", nil, nil),
	)
	if err == nil {
		t.Fatal("expected duplicate member to be rejected")
	}
}

func TestPropertyAccessString(t *testing.T) {
	cases := map[introspect.PropAccess]string{
		introspect.PropRead:      "read",
		introspect.PropWrite:     "write",
		introspect.PropReadWrite: "readwrite",
	}
	for access, want := range cases {
		if got := access.String(); got != want {
			t.Errorf("%v.String() = %q, want %q", access, got, want)
		}
	}
}

func TestRefcount(t *testing.T) {
	iface, _ := introspect.NewInterface("com.x")
	iface.Ref()
	iface.Ref()
	if iface.Unref() {
		t.Fatal("Unref should not hit zero after two refs and one unref")
	}
	if !iface.Unref() {
		t.Fatal("Unref should hit zero on the second unref")
	}
}
