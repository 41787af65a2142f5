// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package broker_test

import (
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/sandia-minimega/dbus/internal/broker"
	"github.com/sandia-minimega/dbus/internal/message"
	"github.com/sandia-minimega/dbus/internal/wire"
)

// fakeRemote drives one side of the server.NewRemote/Remote.Feed
// contract over an in-memory buffer instead of a real transport,
// recording every message the broker delivers back to it.
type fakeRemote struct {
	t      *testing.T
	remote *broker.Remote
	inbox  [][]byte
}

func newFakeRemote(t *testing.T, srv *broker.Server) *fakeRemote {
	t.Helper()
	fr := &fakeRemote{t: t}
	fr.remote = srv.NewRemote(func(data []byte) error {
		fr.inbox = append(fr.inbox, append([]byte(nil), data...))
		return nil
	})
	return fr
}

// handshake drives the leading NUL byte and AUTH EXTERNAL for uid id
// through to BEGIN, matching spec.md §8 scenario 1.
func (fr *fakeRemote) handshake(id string) {
	fr.t.Helper()
	hexID := hex.EncodeToString([]byte(id))
	if err := fr.remote.Feed([]byte("\x00AUTH EXTERNAL " + hexID + "\r\n")); err != nil {
		fr.t.Fatalf("handshake AUTH: %v", err)
	}
	if len(fr.inbox) == 0 {
		fr.t.Fatalf("handshake: no OK reply")
	}
	fr.inbox = nil
	if err := fr.remote.Feed([]byte("BEGIN\r\n")); err != nil {
		fr.t.Fatalf("handshake BEGIN: %v", err)
	}
}

func (fr *fakeRemote) hello() string {
	fr.t.Helper()
	b := message.NewBuilder(message.KindMethodCall, 1, binary.LittleEndian).
		SetPath("/org/freedesktop/DBus").
		SetInterface("org.freedesktop.DBus").
		SetMember("Hello").
		SetDestination("org.freedesktop.DBus")
	data, err := b.Build()
	if err != nil {
		fr.t.Fatalf("build Hello: %v", err)
	}
	fr.inbox = nil
	if err := fr.remote.Feed(data); err != nil {
		fr.t.Fatalf("feed Hello: %v", err)
	}
	// The method return comes first, then the directed NameAcquired for
	// the new unique name.
	if len(fr.inbox) != 2 {
		fr.t.Fatalf("Hello: got %d messages, want 2 (reply and NameAcquired)", len(fr.inbox))
	}
	reply, err := message.Parse(fr.inbox[0])
	if err != nil {
		fr.t.Fatalf("parse Hello reply: %v", err)
	}
	it := wire.NewIterator(reply.Body(), reply.Signature, reply.Order)
	unique, err := it.String()
	if err != nil {
		fr.t.Fatalf("decode Hello reply: %v", err)
	}
	return unique
}

func (fr *fakeRemote) requestName(name string, flags broker.RequestNameFlags) broker.RequestNameResult {
	fr.t.Helper()
	buf := wire.NewBuffer("su", binary.LittleEndian)
	if err := buf.String(name); err != nil {
		fr.t.Fatalf("encode name: %v", err)
	}
	if err := buf.Uint32(uint32(flags)); err != nil {
		fr.t.Fatalf("encode flags: %v", err)
	}
	b := message.NewBuilder(message.KindMethodCall, 2, binary.LittleEndian).
		SetPath("/org/freedesktop/DBus").
		SetInterface("org.freedesktop.DBus").
		SetMember("RequestName").
		SetDestination("org.freedesktop.DBus").
		SetBody("su", buf.Bytes())
	data, err := b.Build()
	if err != nil {
		fr.t.Fatalf("build RequestName: %v", err)
	}
	fr.inbox = nil
	if err := fr.remote.Feed(data); err != nil {
		fr.t.Fatalf("feed RequestName: %v", err)
	}
	reply, err := message.Parse(fr.inbox[0])
	if err != nil {
		fr.t.Fatalf("parse RequestName reply: %v", err)
	}
	it := wire.NewIterator(reply.Body(), reply.Signature, reply.Order)
	result, err := it.Uint32()
	if err != nil {
		fr.t.Fatalf("decode RequestName reply: %v", err)
	}
	return broker.RequestNameResult(result)
}

// signalMembers extracts the Member of every signal message currently
// queued in the inbox, in order.
func (fr *fakeRemote) signalMembers() []string {
	var members []string
	for _, raw := range fr.inbox {
		m, err := message.Parse(raw)
		if err != nil {
			fr.t.Fatalf("parse inbox message: %v", err)
		}
		if m.Kind == message.KindSignal {
			members = append(members, m.Member)
		}
	}
	return members
}

func TestHelloAssignsSequentialUniqueNames(t *testing.T) {
	srv, err := broker.NewServer()
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	a := newFakeRemote(t, srv)
	a.handshake("1000")
	if got := a.hello(); got != ":1.1" {
		t.Errorf("first Hello = %q, want :1.1", got)
	}

	b := newFakeRemote(t, srv)
	b.handshake("1000")
	if got := b.hello(); got != ":1.2" {
		t.Errorf("second Hello = %q, want :1.2", got)
	}
}

func TestFirstCallMustBeHello(t *testing.T) {
	srv, err := broker.NewServer()
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	fr := newFakeRemote(t, srv)
	fr.handshake("1000")

	b := message.NewBuilder(message.KindMethodCall, 1, binary.LittleEndian).
		SetPath("/org/freedesktop/DBus").
		SetInterface("org.freedesktop.DBus").
		SetMember("ListNames").
		SetDestination("org.freedesktop.DBus")
	data, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := fr.remote.Feed(data); err == nil {
		t.Fatalf("expected protocol error for non-Hello first call, got nil")
	}
}

func TestRequestNameOwnershipReplacement(t *testing.T) {
	srv, err := broker.NewServer()
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	a := newFakeRemote(t, srv)
	a.handshake("1000")
	a.hello()

	b := newFakeRemote(t, srv)
	b.handshake("1000")
	b.hello()

	if result := a.requestName("com.x", broker.FlagAllowReplacement); result != broker.RequestNamePrimaryOwner {
		t.Fatalf("A RequestName = %v, want PrimaryOwner", result)
	}
	a.inbox = nil

	if result := b.requestName("com.x", broker.FlagReplaceExisting); result != broker.RequestNamePrimaryOwner {
		t.Fatalf("B RequestName = %v, want PrimaryOwner", result)
	}

	aSignals := a.signalMembers()
	if len(aSignals) == 0 || aSignals[0] != "NameLost" {
		t.Errorf("A signals = %v, want NameLost first", aSignals)
	}

	bSignals := b.signalMembers()
	foundAcquired := false
	for _, m := range bSignals {
		if m == "NameAcquired" {
			foundAcquired = true
		}
	}
	if !foundAcquired {
		t.Errorf("B signals = %v, want NameAcquired", bSignals)
	}
}

func TestDirectedMessageRoutesToOwnerOnly(t *testing.T) {
	srv, err := broker.NewServer()
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	a := newFakeRemote(t, srv)
	a.handshake("1000")
	aUnique := a.hello()

	b := newFakeRemote(t, srv)
	b.handshake("1000")
	b.hello()

	a.inbox = nil
	b.inbox = nil

	bldr := message.NewBuilder(message.KindMethodCall, 5, binary.LittleEndian).
		SetPath("/x").
		SetMember("Ping").
		SetInterface("org.freedesktop.DBus.Peer").
		SetDestination(aUnique)
	data, err := bldr.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if err := b.remote.Feed(data); err != nil {
		t.Fatalf("feed directed message: %v", err)
	}
	if len(a.inbox) != 1 {
		t.Fatalf("A inbox = %d messages, want 1", len(a.inbox))
	}
	if len(b.inbox) != 0 {
		t.Fatalf("B inbox = %d messages, want 0 (sender shouldn't self-deliver a directed call)", len(b.inbox))
	}
}

func TestUnknownDestinationReturnsInvalidDestination(t *testing.T) {
	srv, err := broker.NewServer()
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	a := newFakeRemote(t, srv)
	a.handshake("1000")
	a.hello()
	a.inbox = nil

	bldr := message.NewBuilder(message.KindMethodCall, 9, binary.LittleEndian).
		SetPath("/x").
		SetMember("Ping").
		SetInterface("org.freedesktop.DBus.Peer").
		SetDestination("com.nobody.home")
	data, err := bldr.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := a.remote.Feed(data); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if len(a.inbox) != 1 {
		t.Fatalf("inbox = %d, want 1 error reply", len(a.inbox))
	}
	reply, err := message.Parse(a.inbox[0])
	if err != nil {
		t.Fatalf("parse reply: %v", err)
	}
	if reply.Kind != message.KindError {
		t.Fatalf("reply kind = %v, want error", reply.Kind)
	}
	if reply.ErrorName != "org.freedesktop.DBus.Error.InvalidDestination" {
		t.Errorf("error name = %q", reply.ErrorName)
	}
}

func TestDisconnectReleasesOwnedNames(t *testing.T) {
	srv, err := broker.NewServer()
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	a := newFakeRemote(t, srv)
	a.handshake("1000")
	a.hello()
	b := newFakeRemote(t, srv)
	b.handshake("1000")
	b.hello()

	a.requestName("com.x", 0)
	b.requestName("com.x", 0) // queued behind A

	srv.Disconnect(a.remote)

	b.inbox = nil
	if result := b.requestName("com.x", 0); result != broker.RequestNameAlreadyOwner {
		t.Errorf("B RequestName after A disconnects = %v, want AlreadyOwner (promoted from queue by A's disconnect)", result)
	}
}
