// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package object_test

import (
	"testing"

	"github.com/sandia-minimega/dbus/internal/introspect"
	"github.com/sandia-minimega/dbus/internal/object"
)

type fakeState struct {
	val string
}

func newPropIface(t *testing.T, state *fakeState) *introspect.Interface {
	t.Helper()
	get := func(ctx interface{}) (interface{}, error) {
		return ctx.(*fakeState).val, nil
	}
	set := func(ctx interface{}, v interface{}) error {
		ctx.(*fakeState).val = v.(string)
		return nil
	}
	iface, err := introspect.NewInterface("com.x.Props",
		introspect.Property("RW", "s", introspect.PropReadWrite, get, set),
		introspect.Property("RO", "s", introspect.PropRead, get, nil),
		introspect.Property("WO", "s", introspect.PropWrite, nil, set),
	)
	if err != nil {
		t.Fatalf("NewInterface: %v", err)
	}
	return iface
}

func TestGetProperty(t *testing.T) {
	tree := object.NewTree()
	state := &fakeState{val: "hello"}
	iface := newPropIface(t, state)
	bind, err := tree.Bind("/o", iface, state)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	v, sig, err := tree.GetProperty(bind, "com.x.Props", "RW")
	if err != nil {
		t.Fatalf("GetProperty: %v", err)
	}
	if v.(string) != "hello" || sig != "s" {
		t.Fatalf("got %v %q", v, sig)
	}
}

func TestGetWriteOnlyPropertyRejected(t *testing.T) {
	tree := object.NewTree()
	state := &fakeState{}
	iface := newPropIface(t, state)
	bind, _ := tree.Bind("/o", iface, state)

	if _, _, err := tree.GetProperty(bind, "com.x.Props", "WO"); err == nil {
		t.Fatal("expected Get on write-only property to fail")
	}
}

func TestSetReadOnlyPropertyRejected(t *testing.T) {
	tree := object.NewTree()
	state := &fakeState{val: "x"}
	iface := newPropIface(t, state)
	bind, _ := tree.Bind("/o", iface, state)

	if err := tree.SetProperty(bind, "com.x.Props", "RO", "y"); err == nil {
		t.Fatal("expected Set on read-only property to fail")
	}
	if state.val != "x" {
		t.Fatalf("state mutated despite rejected Set: %q", state.val)
	}
}

func TestSetProperty(t *testing.T) {
	tree := object.NewTree()
	state := &fakeState{val: "old"}
	iface := newPropIface(t, state)
	bind, _ := tree.Bind("/o", iface, state)

	if err := tree.SetProperty(bind, "com.x.Props", "RW", "new"); err != nil {
		t.Fatalf("SetProperty: %v", err)
	}
	if state.val != "new" {
		t.Fatalf("got %q", state.val)
	}
}

func TestUnknownPropertyRejected(t *testing.T) {
	tree := object.NewTree()
	state := &fakeState{}
	iface := newPropIface(t, state)
	bind, _ := tree.Bind("/o", iface, state)

	if _, _, err := tree.GetProperty(bind, "com.x.Props", "NoSuchProp"); err == nil {
		t.Fatal("expected unknown property to be rejected")
	}
}

func TestWrongInterfaceNameRejected(t *testing.T) {
	tree := object.NewTree()
	state := &fakeState{}
	iface := newPropIface(t, state)
	bind, _ := tree.Bind("/o", iface, state)

	if _, _, err := tree.GetProperty(bind, "com.x.Wrong", "RW"); err == nil {
		t.Fatal("expected mismatched interface name to be rejected")
	}
}

func TestGetAllPropertiesSkipsWriteOnly(t *testing.T) {
	tree := object.NewTree()
	state := &fakeState{val: "v"}
	iface := newPropIface(t, state)
	bind, _ := tree.Bind("/o", iface, state)

	all, err := tree.GetAllProperties(bind, "com.x.Props")
	if err != nil {
		t.Fatalf("GetAllProperties: %v", err)
	}
	names := map[string]bool{}
	for _, pv := range all {
		names[pv.Name] = true
	}
	if !names["RW"] || !names["RO"] {
		t.Fatalf("expected RW and RO in result, got %v", names)
	}
	if names["WO"] {
		t.Fatal("write-only property should be excluded from GetAll")
	}
}

func TestGetAllPropertiesEmptyInterfaceNameUsesBindInterface(t *testing.T) {
	tree := object.NewTree()
	state := &fakeState{val: "v"}
	iface := newPropIface(t, state)
	bind, _ := tree.Bind("/o", iface, state)

	all, err := tree.GetAllProperties(bind, "")
	if err != nil {
		t.Fatalf("GetAllProperties: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d properties, want 2", len(all))
	}
}
