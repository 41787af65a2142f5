// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package auth implements the D-Bus SASL handshake: a line-framed ASCII
// protocol layered over the transport's byte stream, with client-side
// EXTERNAL and DBUS_COOKIE_SHA1 mechanisms and a server-side EXTERNAL
// validator (spec.md §4.3, §6). The leading NUL byte required ahead of
// the handshake is the caller's responsibility, not this package's.
package auth

import (
	"strings"

	"github.com/sandia-minimega/dbus/internal/dbuserr"
)

// lineScanner accumulates bytes until a complete CRLF-terminated line
// is available, exposing one command per call to Next. It buffers
// across short reads the way a transport naturally delivers them.
type lineScanner struct {
	buf []byte
}

func (s *lineScanner) Feed(data []byte) error {
	s.buf = append(s.buf, data...)
	return s.checkOverflow()
}

// Next pops one CRLF-terminated line (without the CRLF) off the front
// of the buffer. ok is false if no complete line is buffered yet.
func (s *lineScanner) Next() (line string, ok bool) {
	idx := strings.Index(string(s.buf), "\r\n")
	if idx < 0 {
		return "", false
	}
	line = string(s.buf[:idx])
	s.buf = s.buf[idx+2:]
	return line, true
}

// maxLineLen bounds a single unterminated buffered line so a
// misbehaving peer can't grow the scanner's buffer without limit
// before ever sending a CRLF.
const maxLineLen = 16 * 1024

func (s *lineScanner) checkOverflow() error {
	if len(s.buf) > maxLineLen {
		return dbuserr.ProtocolErr("auth: line exceeds %d bytes without CRLF", maxLineLen)
	}
	return nil
}
