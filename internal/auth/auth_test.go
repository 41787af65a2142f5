// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package auth_test

import (
	"encoding/hex"
	"testing"

	"github.com/sandia-minimega/dbus/internal/auth"
)

// TestHelloHandshake exercises spec.md §8 scenario 1: client sends AUTH
// EXTERNAL for id "1000", server accepts and replies with its guid,
// client sends BEGIN.
func TestHelloHandshake(t *testing.T) {
	srv := auth.NewServer(func(id string) bool { return id == "1000" }, "1234deadbeef")
	cli := auth.NewClient("1000", nil, nil)

	startLine, err := cli.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if startLine != "AUTH EXTERNAL 31303030\r\n" {
		t.Fatalf("Start line = %q, want AUTH EXTERNAL 31303030", startLine)
	}

	srvReplies, err := srv.Feed([]byte(startLine))
	if err != nil {
		t.Fatalf("server Feed: %v", err)
	}
	if len(srvReplies) != 1 || srvReplies[0] != "OK 1234deadbeef\r\n" {
		t.Fatalf("server replies = %v, want [OK 1234deadbeef]", srvReplies)
	}

	cliReplies, result, err := cli.Feed([]byte(srvReplies[0]))
	if err != nil {
		t.Fatalf("client Feed: %v", err)
	}
	if result == nil {
		t.Fatal("expected client handshake to finish on OK")
	}
	if result.Mechanism != "EXTERNAL" {
		t.Fatalf("Mechanism = %q, want EXTERNAL", result.Mechanism)
	}
	if len(cliReplies) != 1 || cliReplies[0] != "BEGIN\r\n" {
		t.Fatalf("client replies = %v, want [BEGIN]", cliReplies)
	}

	if _, err := srv.Feed([]byte(cliReplies[0])); err != nil {
		t.Fatalf("server Feed(BEGIN): %v", err)
	}
	if !srv.Ready() {
		t.Fatal("server should be ready after BEGIN")
	}
	if srv.ID() != "1000" {
		t.Fatalf("server ID = %q, want 1000", srv.ID())
	}
}

func TestExternalRejectedFallsBackToCookie(t *testing.T) {
	cli := auth.NewClient("1000", fakeCookies{"org_freedesktop_general": map[string]string{"1": "s3cr3t"}},
		func(n int) ([]byte, error) { return make([]byte, n), nil })

	if _, err := cli.Start(); err != nil {
		t.Fatal(err)
	}

	replies, result, err := cli.Feed([]byte("REJECTED EXTERNAL\r\n"))
	if err != nil {
		t.Fatalf("Feed(REJECTED): %v", err)
	}
	if result != nil {
		t.Fatal("handshake should not be finished yet")
	}
	if len(replies) != 1 || replies[0] != "AUTH DBUS_COOKIE_SHA1 31303030\r\n" {
		t.Fatalf("replies = %v, want [AUTH DBUS_COOKIE_SHA1 31303030]", replies)
	}

	challenge := "org_freedesktop_general 1 deadbeef"
	dataLine := "DATA " + hex.EncodeToString([]byte(challenge)) + "\r\n"
	replies, result, err = cli.Feed([]byte(dataLine))
	if err != nil {
		t.Fatalf("Feed(DATA): %v", err)
	}
	if result != nil {
		t.Fatal("handshake should not be finished after DATA")
	}
	if len(replies) != 1 {
		t.Fatalf("expected one DATA reply, got %v", replies)
	}

	replies, result, err = cli.Feed([]byte("OK deadbeefcafe\r\n"))
	if err != nil {
		t.Fatalf("Feed(OK): %v", err)
	}
	if result == nil || result.Mechanism != "DBUS_COOKIE_SHA1" {
		t.Fatalf("result = %+v, want DBUS_COOKIE_SHA1 success", result)
	}
	if len(replies) != 1 || replies[0] != "BEGIN\r\n" {
		t.Fatalf("replies = %v, want [BEGIN]", replies)
	}
}

func TestServerRejectsUnknownMechanism(t *testing.T) {
	srv := auth.NewServer(func(id string) bool { return true }, "guid")
	replies, err := srv.Feed([]byte("AUTH DBUS_COOKIE_SHA1 31303030\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(replies) != 1 || replies[0] != "REJECTED EXTERNAL\r\n" {
		t.Fatalf("replies = %v, want [REJECTED EXTERNAL]", replies)
	}
}

func TestServerCancelResets(t *testing.T) {
	srv := auth.NewServer(func(id string) bool { return false }, "guid")
	if _, err := srv.Feed([]byte("AUTH EXTERNAL 31303030\r\n")); err != nil {
		t.Fatal(err)
	}
	replies, err := srv.Feed([]byte("CANCEL\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(replies) != 1 || replies[0] != "REJECTED EXTERNAL\r\n" {
		t.Fatalf("replies = %v, want [REJECTED EXTERNAL]", replies)
	}
}

func TestServerUnknownCommandYieldsError(t *testing.T) {
	srv := auth.NewServer(func(id string) bool { return true }, "guid")
	replies, err := srv.Feed([]byte("BOGUS\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(replies) != 1 || replies[0] != "ERROR\r\n" {
		t.Fatalf("replies = %v, want [ERROR]", replies)
	}
}

type fakeCookies map[string]map[string]string

func (f fakeCookies) Lookup(keyring, id string) (string, error) {
	return f[keyring][id], nil
}
