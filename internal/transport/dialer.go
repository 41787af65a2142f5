// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package transport

import (
	"net"

	"github.com/sandia-minimega/dbus/internal/dbuserr"
	"golang.org/x/sys/unix"
)

// Dial connects to a, returning the raw net.Conn. The caller owns the
// SASL handshake and NUL-byte preamble (spec.md §4.3); this layer only
// resolves the address grammar to a socket.
func Dial(a Address) (net.Conn, error) {
	switch a.Transport {
	case "unix":
		return dialUnix(a)
	case "tcp":
		return dialTCP(a)
	default:
		return nil, dbuserr.TransportErr("transport: unsupported transport %q", a.Transport)
	}
}

func dialUnix(a Address) (net.Conn, error) {
	if path, ok := a.Params["file"]; ok {
		conn, err := net.Dial("unix", path)
		if err != nil {
			return nil, dbuserr.Wrap(dbuserr.Transport, "transport: unix dial failed", err)
		}
		return conn, nil
	}
	if name, ok := a.Params["abstract"]; ok {
		// Linux abstract-namespace sockets are addressed with a leading
		// NUL; net.Dial's "unix" network turns a leading '@' in the path
		// string into that NUL.
		conn, err := net.Dial("unix", "@"+name)
		if err != nil {
			return nil, dbuserr.Wrap(dbuserr.Transport, "transport: unix abstract dial failed", err)
		}
		return conn, nil
	}
	return nil, dbuserr.TransportErr("transport: unix address missing file= or abstract=")
}

func dialTCP(a Address) (net.Conn, error) {
	host, ok := a.Params["host"]
	if !ok {
		return nil, dbuserr.TransportErr("transport: tcp address missing host=")
	}
	port, ok := a.Params["port"]
	if !ok {
		return nil, dbuserr.TransportErr("transport: tcp address missing port=")
	}
	conn, err := net.Dial("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, dbuserr.Wrap(dbuserr.Transport, "transport: tcp dial failed", err)
	}
	return conn, nil
}

// LocalUID returns the local process's user id, used by
// internal/auth's Client to build the SASL EXTERNAL identity
// (spec.md §4.3).
func LocalUID() string {
	return uitoa(unix.Getuid())
}

// PeerCredentials reads the connecting process's credentials off a
// unix-domain-socket connection via SO_PEERCRED, for a server deciding
// whether to accept an EXTERNAL auth attempt's claimed identity
// (spec.md §4.3's server-side EXTERNAL validation).
func PeerCredentials(conn net.Conn) (uid int, err error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, dbuserr.TransportErr("transport: peer credentials require a unix socket connection")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, dbuserr.Wrap(dbuserr.Transport, "transport: SyscallConn failed", err)
	}
	var cred *unix.Ucred
	var sockErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		cred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctrlErr != nil {
		return 0, dbuserr.Wrap(dbuserr.Transport, "transport: Control failed", ctrlErr)
	}
	if sockErr != nil {
		return 0, dbuserr.Wrap(dbuserr.Transport, "transport: GetsockoptUcred failed", sockErr)
	}
	return int(cred.Uid), nil
}

func uitoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
