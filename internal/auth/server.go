// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package auth

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/sandia-minimega/dbus/internal/dbuserr"
)

// ExternalValidator accepts or rejects a decoded EXTERNAL identity
// (e.g. validated against a transport's peer credentials).
type ExternalValidator func(id string) bool

type serverState int

const (
	serverAwaitingAuth serverState = iota
	serverAwaitingBegin
	serverDone
)

// Server drives the server side of the SASL handshake: only EXTERNAL
// is supported (spec.md §4.3's server progression), with CANCEL
// resetting to the initial state and unknown commands answered with
// ERROR without changing state.
type Server struct {
	validate ExternalValidator
	guid     string

	scanner lineScanner
	state   serverState
	id      string
}

// NewServer starts a server handshake. guid is the server's unique
// identifier string emitted in the OK reply (spec.md §8 scenario 1's
// "OK 1234deadbeef").
func NewServer(validate ExternalValidator, guid string) *Server {
	return &Server{validate: validate, guid: guid}
}

// NewGUID generates a random 128-bit hex server identifier.
func NewGUID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", dbuserr.Wrap(dbuserr.Transport, "auth: guid generation failed", err)
	}
	return hex.EncodeToString(b), nil
}

// Ready reports whether BEGIN has been received and steady-state
// message traffic may now follow.
func (s *Server) Ready() bool { return s.state == serverDone }

// Feed supplies newly received bytes from the client, returning zero
// or more lines to send in reply.
func (s *Server) Feed(data []byte) (toSend []string, err error) {
	if s.state == serverDone {
		return nil, dbuserr.ProtocolErr("auth: server handshake already finished")
	}
	if err := s.scanner.Feed(data); err != nil {
		return nil, err
	}
	for {
		line, ok := s.scanner.Next()
		if !ok {
			return toSend, nil
		}
		out, err := s.handleLine(line)
		if err != nil {
			return nil, err
		}
		if out != "" {
			toSend = append(toSend, out)
		}
		if s.state == serverDone {
			return toSend, nil
		}
	}
}

func (s *Server) handleLine(line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERROR\r\n", nil
	}

	if fields[0] == "CANCEL" {
		s.state = serverAwaitingAuth
		s.id = ""
		return "REJECTED EXTERNAL\r\n", nil
	}

	switch s.state {
	case serverAwaitingAuth:
		if fields[0] != "AUTH" || len(fields) < 2 {
			return "ERROR\r\n", nil
		}
		mechanism := fields[1]
		if mechanism != "EXTERNAL" {
			return "REJECTED EXTERNAL\r\n", nil
		}
		var hexID string
		if len(fields) >= 3 {
			hexID = fields[2]
		}
		raw, err := hex.DecodeString(hexID)
		if err != nil {
			return "REJECTED EXTERNAL\r\n", nil
		}
		id := string(raw)
		if s.validate == nil || !s.validate(id) {
			return "REJECTED EXTERNAL\r\n", nil
		}
		s.id = id
		s.state = serverAwaitingBegin
		return "OK " + s.guid + "\r\n", nil

	case serverAwaitingBegin:
		if fields[0] == "BEGIN" {
			s.state = serverDone
			return "", nil
		}
		return "ERROR\r\n", nil

	default:
		return "ERROR\r\n", nil
	}
}

// ID returns the validated EXTERNAL identity once the handshake has
// completed.
func (s *Server) ID() string { return s.id }

// Leftover returns bytes fed to the server but not yet consumed as
// protocol lines. Once Ready reports true, any trailing bytes in the
// same read belong to the message stream, not the handshake.
func (s *Server) Leftover() []byte { return s.scanner.buf }
