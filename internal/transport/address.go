// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package transport resolves bus addresses and dials the underlying
// unix/tcp transport (spec.md §6's address grammar and resolution
// rules, §4.3's peer-credential lookup for SASL EXTERNAL).
package transport

import (
	"os"
	"strings"

	"github.com/sandia-minimega/dbus/internal/dbuserr"
)

// Address is one parsed `<proto>:<k>=<v>,...` entry from an address
// list (spec.md §6's address string grammar).
type Address struct {
	Transport string
	Params    map[string]string
}

// ParseAddressList splits a semicolon-separated D-Bus address list
// into its component addresses.
func ParseAddressList(s string) ([]Address, error) {
	var out []Address
	for _, part := range strings.Split(s, ";") {
		if part == "" {
			continue
		}
		a, err := parseAddress(part)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, dbuserr.ParseErr("transport: empty address list")
	}
	return out, nil
}

func parseAddress(s string) (Address, error) {
	proto, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Address{}, dbuserr.ParseErr("transport: address %q missing ':'", s)
	}
	a := Address{Transport: proto, Params: map[string]string{}}
	if rest == "" {
		return a, nil
	}
	for _, kv := range strings.Split(rest, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return Address{}, dbuserr.ParseErr("transport: address %q has malformed key=value %q", s, kv)
		}
		a.Params[k] = unescape(v)
	}
	return a, nil
}

// unescape decodes the D-Bus address `%XX` percent-escaping used for
// characters outside the address grammar's safe set.
func unescape(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			hi, lo := fromHex(s[i+1]), fromHex(s[i+2])
			if hi >= 0 && lo >= 0 {
				b.WriteByte(byte(hi<<4 | lo))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func fromHex(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	default:
		return -1
	}
}

const systemBusFallback = "unix:file=/var/run/dbus/system_bus_socket"

// ResolveSessionAddress implements spec.md §6's session/default bus
// resolution order: DBUS_STARTER_ADDRESS, then
// DBUS_SESSION_BUS_ADDRESS, then (Windows only, not applicable here)
// a shared-memory segment, then the literal "autostart:".
func ResolveSessionAddress(getenv func(string) string) string {
	if v := getenv("DBUS_STARTER_ADDRESS"); v != "" {
		return v
	}
	if v := getenv("DBUS_SESSION_BUS_ADDRESS"); v != "" {
		return v
	}
	return "autostart:"
}

// ResolveSystemAddress implements spec.md §6's system bus resolution:
// DBUS_SYSTEM_BUS_ADDRESS, else the well-known socket path.
func ResolveSystemAddress(getenv func(string) string) string {
	if v := getenv("DBUS_SYSTEM_BUS_ADDRESS"); v != "" {
		return v
	}
	return systemBusFallback
}

// Getenv is os.Getenv, indirected so callers (and tests) can supply a
// fake environment without mutating the process's.
func Getenv(key string) string { return os.Getenv(key) }
