// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package transport_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sandia-minimega/dbus/internal/transport"
)

func TestParseAddressListUnix(t *testing.T) {
	addrs, err := transport.ParseAddressList("unix:path=/tmp/sock;unix:abstract=foo")
	if err != nil {
		t.Fatalf("ParseAddressList: %v", err)
	}
	if len(addrs) != 2 {
		t.Fatalf("got %d addresses, want 2", len(addrs))
	}
	if addrs[0].Transport != "unix" || addrs[0].Params["path"] != "/tmp/sock" {
		t.Fatalf("got %+v", addrs[0])
	}
	if addrs[1].Params["abstract"] != "foo" {
		t.Fatalf("got %+v", addrs[1])
	}
}

func TestParseAddressListTCP(t *testing.T) {
	addrs, err := transport.ParseAddressList("tcp:host=localhost,port=1234")
	if err != nil {
		t.Fatalf("ParseAddressList: %v", err)
	}
	if addrs[0].Params["host"] != "localhost" || addrs[0].Params["port"] != "1234" {
		t.Fatalf("got %+v", addrs[0])
	}
}

func TestParseAddressUnescapesPercent(t *testing.T) {
	addrs, err := transport.ParseAddressList("unix:file=/tmp/has%20space")
	if err != nil {
		t.Fatalf("ParseAddressList: %v", err)
	}
	if addrs[0].Params["file"] != "/tmp/has space" {
		t.Fatalf("got %q", addrs[0].Params["file"])
	}
}

func TestParseAddressListRejectsMissingColon(t *testing.T) {
	if _, err := transport.ParseAddressList("not-an-address"); err == nil {
		t.Fatal("expected missing ':' to be rejected")
	}
}

func TestParseAddressListRejectsMalformedKV(t *testing.T) {
	if _, err := transport.ParseAddressList("unix:justkey"); err == nil {
		t.Fatal("expected malformed key=value to be rejected")
	}
}

func TestResolveSessionAddressPriority(t *testing.T) {
	env := map[string]string{
		"DBUS_STARTER_ADDRESS":     "unix:file=/starter",
		"DBUS_SESSION_BUS_ADDRESS": "unix:file=/session",
	}
	got := transport.ResolveSessionAddress(func(k string) string { return env[k] })
	if got != "unix:file=/starter" {
		t.Fatalf("got %q, want starter address to win", got)
	}
}

func TestResolveSessionAddressFallsBackToAutostart(t *testing.T) {
	got := transport.ResolveSessionAddress(func(string) string { return "" })
	if got != "autostart:" {
		t.Fatalf("got %q, want autostart:", got)
	}
}

func TestResolveSystemAddressFallback(t *testing.T) {
	got := transport.ResolveSystemAddress(func(string) string { return "" })
	if got != "unix:file=/var/run/dbus/system_bus_socket" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveSystemAddressFromEnv(t *testing.T) {
	got := transport.ResolveSystemAddress(func(k string) string {
		if k == "DBUS_SYSTEM_BUS_ADDRESS" {
			return "unix:file=/custom"
		}
		return ""
	})
	if got != "unix:file=/custom" {
		t.Fatalf("got %q", got)
	}
}

func TestDiskCookieSourceLookup(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "org_freedesktop_general"), []byte("1 1234567890 deadbeefcafef00d\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	src := transport.DiskCookieSource{Dir: dir}
	cookie, err := src.Lookup("org_freedesktop_general", "1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if cookie != "deadbeefcafef00d" {
		t.Fatalf("got %q", cookie)
	}
}

func TestDiskCookieSourceUnknownID(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "k"), []byte("1 0 aa\n"), 0600)
	src := transport.DiskCookieSource{Dir: dir}
	if _, err := src.Lookup("k", "2"); err == nil {
		t.Fatal("expected unknown id to be rejected")
	}
}

func TestDiskCookieSourceMissingFile(t *testing.T) {
	src := transport.DiskCookieSource{Dir: t.TempDir()}
	if _, err := src.Lookup("nope", "1"); err == nil {
		t.Fatal("expected missing keyring file to error")
	}
}

func TestDialUnsupportedTransport(t *testing.T) {
	if _, err := transport.Dial(transport.Address{Transport: "launchd"}); err == nil {
		t.Fatal("expected unsupported transport to be rejected")
	}
}

func TestDialUnixMissingParams(t *testing.T) {
	if _, err := transport.Dial(transport.Address{Transport: "unix", Params: map[string]string{}}); err == nil {
		t.Fatal("expected missing file=/abstract= to be rejected")
	}
}

func TestDialTCPMissingParams(t *testing.T) {
	if _, err := transport.Dial(transport.Address{Transport: "tcp", Params: map[string]string{"host": "x"}}); err == nil {
		t.Fatal("expected missing port= to be rejected")
	}
}

func TestLocalUIDIsNumeric(t *testing.T) {
	uid := transport.LocalUID()
	if uid == "" {
		t.Fatal("expected non-empty uid")
	}
	for _, c := range uid {
		if c < '0' || c > '9' {
			t.Fatalf("LocalUID() = %q, want all-digit", uid)
		}
	}
}
