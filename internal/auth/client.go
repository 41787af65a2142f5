// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package auth

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"

	"github.com/sandia-minimega/dbus/internal/dbuserr"
)

// attempt tracks one mechanism's progress through the client state
// machine (spec.md §4.3's "external ∈ {unsupported, not-tried,
// begun}").
type attempt int

const (
	notTried attempt = iota
	begun
	unsupported
)

// CookieSource looks up a DBUS_COOKIE_SHA1 cookie value by keyring
// name and cookie id. Reading the keyring file from disk is an
// external concern (spec.md §1); a real implementation lives in
// internal/transport and is injected here.
type CookieSource interface {
	Lookup(keyring, id string) (cookie string, err error)
}

// RandomBytes supplies cryptographically random bytes for the cookie
// mechanism's client nonce (spec.md §6's random-byte() transport
// callback, batched).
type RandomBytes func(n int) ([]byte, error)

// ClientResult is returned once the handshake finishes successfully.
type ClientResult struct {
	// Mechanism is the name of the mechanism that succeeded.
	Mechanism string
}

// Client drives the client side of the SASL handshake: AUTH EXTERNAL
// first, falling back to AUTH DBUS_COOKIE_SHA1 on REJECTED, then BEGIN
// on OK (spec.md §4.3).
type Client struct {
	id      string
	cookies CookieSource
	rand    RandomBytes

	scanner lineScanner

	external attempt
	cookie   attempt
	pending  string // mechanism awaiting a DATA challenge response
	done     bool
}

// NewClient starts a client handshake for local identity id (numeric
// UID on POSIX, SID string on Windows — spec.md §4.3), using cookies
// for DBUS_COOKIE_SHA1 fallback and rand for its nonce.
func NewClient(id string, cookies CookieSource, rand RandomBytes) *Client {
	return &Client{id: id, cookies: cookies, rand: rand}
}

// Start returns the initial line to send: "AUTH EXTERNAL <hex-id>\r\n".
func (c *Client) Start() (string, error) {
	if c.external != notTried {
		return "", dbuserr.ProtocolErr("auth: client already started")
	}
	c.external = begun
	return "AUTH EXTERNAL " + hex.EncodeToString([]byte(c.id)) + "\r\n", nil
}

// Feed supplies newly received bytes from the server. It returns zero
// or more lines to send in reply, and reports whether the handshake
// has finished (successfully; failure is returned as an error).
func (c *Client) Feed(data []byte) (toSend []string, result *ClientResult, err error) {
	if c.done {
		return nil, nil, dbuserr.ProtocolErr("auth: client handshake already finished")
	}
	if err := c.scanner.Feed(data); err != nil {
		return nil, nil, err
	}
	for {
		line, ok := c.scanner.Next()
		if !ok {
			return toSend, nil, nil
		}
		out, res, err := c.handleLine(line)
		if err != nil {
			return nil, nil, err
		}
		if out != "" {
			toSend = append(toSend, out)
		}
		if res != nil {
			c.done = true
			return toSend, res, nil
		}
	}
}

func (c *Client) handleLine(line string) (toSend string, result *ClientResult, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil, dbuserr.ProtocolErr("auth: empty server line")
	}
	switch fields[0] {
	case "REJECTED":
		return c.retry()
	case "DATA":
		if len(fields) != 2 {
			return "", nil, dbuserr.ProtocolErr("auth: malformed DATA line %q", line)
		}
		return c.handleData(fields[1])
	case "OK":
		return "BEGIN\r\n", &ClientResult{Mechanism: c.mechanismName()}, nil
	case "ERROR":
		return "", nil, dbuserr.ProtocolErr("auth: server error: %s", line)
	default:
		return "", nil, dbuserr.ProtocolErr("auth: unexpected server line %q", line)
	}
}

// Leftover returns bytes fed to the client but not yet consumed as
// protocol lines. Once the handshake finishes, any trailing bytes in
// the same read belong to the message stream, not the handshake.
func (c *Client) Leftover() []byte { return c.scanner.buf }

func (c *Client) mechanismName() string {
	if c.pending == "DBUS_COOKIE_SHA1" {
		return "DBUS_COOKIE_SHA1"
	}
	return "EXTERNAL"
}

// retry advances to the next untried mechanism after a REJECTED.
func (c *Client) retry() (string, *ClientResult, error) {
	if c.external == begun {
		c.external = unsupported
	}
	if c.cookie == notTried {
		c.cookie = begun
		c.pending = "DBUS_COOKIE_SHA1"
		return "AUTH DBUS_COOKIE_SHA1 " + hex.EncodeToString([]byte(c.id)) + "\r\n", nil, nil
	}
	return "", nil, dbuserr.ProtocolErr("auth: no remaining mechanisms after REJECTED")
}

// handleData computes the DBUS_COOKIE_SHA1 response to a server
// challenge of the hex-encoded form "<keyring> <id> <server-challenge>".
func (c *Client) handleData(hexChallenge string) (string, *ClientResult, error) {
	if c.cookies == nil {
		return "", nil, dbuserr.ProtocolErr("auth: DBUS_COOKIE_SHA1 challenge received with no cookie source")
	}
	raw, err := hex.DecodeString(hexChallenge)
	if err != nil {
		return "", nil, dbuserr.Wrap(dbuserr.Parse, "auth: bad DATA hex", err)
	}
	parts := strings.SplitN(string(raw), " ", 3)
	if len(parts) != 3 {
		return "", nil, dbuserr.ProtocolErr("auth: malformed cookie challenge %q", raw)
	}
	keyring, id, serverChallenge := parts[0], parts[1], parts[2]

	cookie, err := c.cookies.Lookup(keyring, id)
	if err != nil {
		return "", nil, dbuserr.Wrap(dbuserr.Protocol, "auth: cookie lookup failed", err)
	}

	localRandom, err := c.rand(64)
	if err != nil {
		return "", nil, dbuserr.Wrap(dbuserr.Transport, "auth: random bytes failed", err)
	}
	localRandomHex := hex.EncodeToString(localRandom)

	h := sha1.New()
	h.Write([]byte(serverChallenge + ":" + localRandomHex + ":" + cookie))
	digest := hex.EncodeToString(h.Sum(nil))

	reply := localRandomHex + " " + digest
	return "DATA " + hex.EncodeToString([]byte(reply)) + "\r\n", nil, nil
}
