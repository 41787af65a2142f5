// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package dbus

import (
	"strings"
	"testing"
	"time"

	"github.com/sandia-minimega/dbus/internal/broker"
)

// newTestBus starts an in-process broker and dials n connections against
// it, each already past Hello (spec.md §8 scenario 1).
func newTestBus(t *testing.T, n int) []*Conn {
	t.Helper()
	srv, err := broker.NewServer()
	if err != nil {
		t.Fatalf("broker.NewServer: %v", err)
	}
	conns := make([]*Conn, n)
	for i := range conns {
		c, err := DialInProcess(srv)
		if err != nil {
			t.Fatalf("DialInProcess: %v", err)
		}
		t.Cleanup(func() { c.Close() })
		conns[i] = c
	}
	return conns
}

// greeter is exported over D-Bus by TestExportAndCall.
type greeter struct {
	calls int
}

func (g *greeter) Hello(name string) (string, error) {
	g.calls++
	if name == "" {
		return "", NewError(ErrInvalidArgs, "name must not be empty")
	}
	return "Hello, " + name + "!", nil
}

func TestHelloAssignsUniqueName(t *testing.T) {
	conns := newTestBus(t, 1)
	c := conns[0]
	if !strings.HasPrefix(c.UniqueName(), ":1.") {
		t.Fatalf("UniqueName() = %q, want a :1.N unique name", c.UniqueName())
	}
}

func TestExportAndCall(t *testing.T) {
	conns := newTestBus(t, 2)
	owner, caller := conns[0], conns[1]

	g := &greeter{}
	if err := owner.Export(g, "/example/Greeter", "com.example.Greeter"); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if _, err := owner.RequestName("com.example.App", NameFlagAllowReplacement); err != nil {
		t.Fatalf("RequestName: %v", err)
	}

	obj := caller.Object("com.example.App", "/example/Greeter")
	var reply string
	call := obj.Call("com.example.Greeter.Hello", 0, "World")
	if call.Err != nil {
		t.Fatalf("Call: %v", call.Err)
	}
	if err := call.Store(&reply); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if reply != "Hello, World!" {
		t.Fatalf("reply = %q, want %q", reply, "Hello, World!")
	}
	if g.calls != 1 {
		t.Fatalf("handler invoked %d times, want 1", g.calls)
	}

	// InvalidArgs path: the handler's *Error is surfaced verbatim.
	call = obj.Call("com.example.Greeter.Hello", 0, "")
	if call.Err == nil {
		t.Fatal("Call with empty name: want an error")
	}
	derr, ok := call.Err.(*Error)
	if !ok || derr.Name != ErrInvalidArgs {
		t.Fatalf("Call err = %#v, want *Error{Name: ErrInvalidArgs}", call.Err)
	}

	// Unknown method on a bound interface still resolves through the
	// object tree and yields UnknownMethod (spec.md §4.9).
	call = obj.Call("com.example.Greeter.Goodbye", 0)
	derr, ok = call.Err.(*Error)
	if !ok || derr.Name != ErrUnknownMethod {
		t.Fatalf("Call to unknown method err = %#v, want ErrUnknownMethod", call.Err)
	}
}

func TestIntrospectListsExportedInterface(t *testing.T) {
	conns := newTestBus(t, 2)
	owner, caller := conns[0], conns[1]

	if err := owner.Export(&greeter{}, "/example/Greeter", "com.example.Greeter"); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if err := owner.Export(nil, "/example/Greeter/Child", "com.example.Other"); err != nil {
		t.Fatalf("Export child: %v", err)
	}
	if _, err := owner.RequestName("com.example.App", 0); err != nil {
		t.Fatalf("RequestName: %v", err)
	}

	call := caller.Object("com.example.App", "/example/Greeter").
		Call("org.freedesktop.DBus.Introspectable.Introspect", 0)
	if call.Err != nil {
		t.Fatalf("Introspect call: %v", call.Err)
	}
	var xml string
	if err := call.Store(&xml); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if !strings.Contains(xml, `interface name="com.example.Greeter"`) {
		t.Fatalf("introspection XML missing exported interface:\n%s", xml)
	}
	if !strings.Contains(xml, `node name="Child"`) {
		t.Fatalf("introspection XML missing child node:\n%s", xml)
	}
	if !strings.Contains(xml, "org.freedesktop.DBus.Properties") {
		t.Fatalf("introspection XML missing builtin Properties interface:\n%s", xml)
	}
}

func TestSignalDelivery(t *testing.T) {
	conns := newTestBus(t, 2)
	emitter, listener := conns[0], conns[1]

	received := make(chan string, 1)
	remove, err := listener.AddMatchSignal("com.example.Greeter", "Greeted", "", func(s *Signal) {
		var who string
		if err := s.Store(&who); err != nil {
			t.Errorf("Store signal body: %v", err)
			return
		}
		received <- who
	})
	if err != nil {
		t.Fatalf("AddMatchSignal: %v", err)
	}
	defer remove()

	if err := emitter.Emit("/example/Greeter", "com.example.Greeter", "Greeted", "Ada"); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	select {
	case who := <-received:
		if who != "Ada" {
			t.Fatalf("signal arg = %q, want %q", who, "Ada")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("signal not delivered within timeout")
	}
}

func TestRequestNameOwnershipTransfer(t *testing.T) {
	conns := newTestBus(t, 2)
	a, b := conns[0], conns[1]

	lostA := make(chan struct{}, 1)
	acquiredB := make(chan struct{}, 1)
	removeA, err := a.AddMatchSignal(busServiceName, "NameLost", busObjectPath, func(*Signal) {
		select {
		case lostA <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("AddMatchSignal NameLost: %v", err)
	}
	defer removeA()
	removeB, err := b.AddMatchSignal(busServiceName, "NameAcquired", busObjectPath, func(*Signal) {
		select {
		case acquiredB <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("AddMatchSignal NameAcquired: %v", err)
	}
	defer removeB()

	reply, err := a.RequestName("com.example.Churn", NameFlagAllowReplacement)
	if err != nil {
		t.Fatalf("RequestName(A): %v", err)
	}
	if reply != RequestNamePrimaryOwner {
		t.Fatalf("RequestName(A) = %v, want RequestNamePrimaryOwner", reply)
	}

	reply, err = b.RequestName("com.example.Churn", NameFlagReplaceExisting)
	if err != nil {
		t.Fatalf("RequestName(B): %v", err)
	}
	if reply != RequestNamePrimaryOwner {
		t.Fatalf("RequestName(B) = %v, want RequestNamePrimaryOwner", reply)
	}

	owner, err := b.GetNameOwner("com.example.Churn")
	if err != nil {
		t.Fatalf("GetNameOwner: %v", err)
	}
	if owner != b.UniqueName() {
		t.Fatalf("owner = %q, want %q", owner, b.UniqueName())
	}

	select {
	case <-lostA:
	case <-time.After(2 * time.Second):
		t.Fatal("A never received NameLost")
	}
	select {
	case <-acquiredB:
	case <-time.After(2 * time.Second):
		t.Fatal("B never received NameAcquired")
	}
}

func TestTrackRemoteFollowsOwnerChange(t *testing.T) {
	conns := newTestBus(t, 3)
	a, b, watcher := conns[0], conns[1], conns[2]

	if _, err := a.RequestName("com.example.Tracked", NameFlagAllowReplacement); err != nil {
		t.Fatalf("RequestName(A): %v", err)
	}

	tracker, err := watcher.TrackRemote("com.example.Tracked")
	if err != nil {
		t.Fatalf("TrackRemote: %v", err)
	}
	defer tracker.Close()
	if tracker.UniqueName() != a.UniqueName() {
		t.Fatalf("tracker resolved %q, want %q", tracker.UniqueName(), a.UniqueName())
	}

	if _, err := b.RequestName("com.example.Tracked", NameFlagReplaceExisting); err != nil {
		t.Fatalf("RequestName(B): %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for tracker.UniqueName() != b.UniqueName() {
		if time.Now().After(deadline) {
			t.Fatalf("tracker never followed ownership to %q, stuck at %q", b.UniqueName(), tracker.UniqueName())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestExportWithPropertiesGetSet(t *testing.T) {
	conns := newTestBus(t, 2)
	owner, caller := conns[0], conns[1]

	state := "initial"
	props := []PropertySpec{{
		Name:   "Value",
		Sig:    "s",
		Access: PropReadWrite,
		Get:    func() (interface{}, error) { return state, nil },
		Set: func(v interface{}) error {
			state = v.(string)
			return nil
		},
	}}
	if err := owner.ExportWithProperties(nil, "/example/Config", "com.example.Config", props...); err != nil {
		t.Fatalf("ExportWithProperties: %v", err)
	}
	if _, err := owner.RequestName("com.example.App", 0); err != nil {
		t.Fatalf("RequestName: %v", err)
	}

	obj := caller.Object("com.example.App", "/example/Config")
	call := obj.Call("org.freedesktop.DBus.Properties.Get", 0, "com.example.Config", "Value")
	if call.Err != nil {
		t.Fatalf("Get: %v", call.Err)
	}
	var got Variant
	if err := call.Store(&got); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if got.Value != "initial" {
		t.Fatalf("Get returned %#v, want %q", got.Value, "initial")
	}

	call = obj.Call("org.freedesktop.DBus.Properties.Set", 0, "com.example.Config", "Value",
		Variant{Sig: "s", Value: "updated"})
	if call.Err != nil {
		t.Fatalf("Set: %v", call.Err)
	}
	if state != "updated" {
		t.Fatalf("state = %q after Set, want %q", state, "updated")
	}
}

func TestListNamesIncludesOwnedAndUnique(t *testing.T) {
	conns := newTestBus(t, 1)
	c := conns[0]
	if _, err := c.RequestName("com.example.Listed", 0); err != nil {
		t.Fatalf("RequestName: %v", err)
	}
	names, err := c.ListNames()
	if err != nil {
		t.Fatalf("ListNames: %v", err)
	}
	var haveUnique, haveWellKnown, haveBus bool
	for _, n := range names {
		switch n {
		case c.UniqueName():
			haveUnique = true
		case "com.example.Listed":
			haveWellKnown = true
		case busServiceName:
			haveBus = true
		}
	}
	if !haveUnique || !haveWellKnown || !haveBus {
		t.Fatalf("ListNames() = %v, missing one of unique/well-known/bus name", names)
	}
}
