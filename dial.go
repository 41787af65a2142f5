// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package dbus

import (
	"crypto/rand"
	"encoding/binary"
	"net"

	"github.com/sandia-minimega/dbus/internal/auth"
	"github.com/sandia-minimega/dbus/internal/broker"
	"github.com/sandia-minimega/dbus/internal/dbuserr"
	"github.com/sandia-minimega/dbus/internal/message"
	"github.com/sandia-minimega/dbus/internal/transport"
	"github.com/sandia-minimega/dbus/internal/wire"
	log "github.com/sandia-minimega/dbus/pkg/dbuslog"
)

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, dbuserr.Wrap(dbuserr.Transport, "dbus: random bytes failed", err)
	}
	return b, nil
}

// Dial connects to address (a semicolon-separated D-Bus address list,
// spec.md §6), trying each entry in turn, then runs the SASL handshake
// and the mandatory Hello call. The returned Conn's dispatch loop is
// already running.
func Dial(address string) (*Conn, error) {
	addrs, err := transport.ParseAddressList(address)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for _, a := range addrs {
		conn, err := transport.Dial(a)
		if err != nil {
			lastErr = err
			continue
		}
		return dialHandshake(conn)
	}
	if lastErr == nil {
		lastErr = dbuserr.TransportErr("dbus: no usable address in %q", address)
	}
	return nil, lastErr
}

// DialSession connects to the session bus resolved from the process
// environment (spec.md §6).
func DialSession() (*Conn, error) {
	return Dial(transport.ResolveSessionAddress(transport.Getenv))
}

// DialSystem connects to the system bus resolved from the process
// environment.
func DialSystem() (*Conn, error) {
	return Dial(transport.ResolveSystemAddress(transport.Getenv))
}

func dialHandshake(conn net.Conn) (*Conn, error) {
	rawSend := func(data []byte) error {
		_, err := conn.Write(data)
		return err
	}

	client := auth.NewClient(transport.LocalUID(), transport.DiskCookieSource{}, randomBytes)
	start, err := client.Start()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := rawSend([]byte{0}); err != nil {
		conn.Close()
		return nil, err
	}
	if err := rawSend([]byte(start)); err != nil {
		conn.Close()
		return nil, err
	}

	readBuf := make([]byte, 4096)
	var leftover []byte
	for {
		n, err := conn.Read(readBuf)
		if err != nil {
			conn.Close()
			return nil, dbuserr.Wrap(dbuserr.Transport, "dbus: auth read failed", err)
		}
		toSend, result, err := client.Feed(readBuf[:n])
		if err != nil {
			conn.Close()
			return nil, err
		}
		for _, line := range toSend {
			if err := rawSend([]byte(line)); err != nil {
				conn.Close()
				return nil, err
			}
		}
		if result != nil {
			leftover = client.Leftover()
			break
		}
	}

	incoming := make(chan []byte, 64)
	c := newConn(rawSend, conn.Close, incoming)
	c.startSocketReader(conn, leftover)
	go c.dispatchLoop()
	if err := c.hello(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// DialInProcess connects directly to an in-process broker: no socket,
// but the same SASL handshake and Hello call run exactly as they would
// over a real transport (spec.md §1's in-process server is not a
// shortcut around the protocol, only around the socket).
func DialInProcess(srv *broker.Server) (*Conn, error) {
	incoming := make(chan []byte, 64)
	var remote *broker.Remote
	remote = srv.NewRemote(func(data []byte) error {
		incoming <- data
		return nil
	})
	rawSend := func(data []byte) error { return remote.Feed(data) }

	client := auth.NewClient(transport.LocalUID(), transport.DiskCookieSource{}, randomBytes)
	start, err := client.Start()
	if err != nil {
		return nil, err
	}
	if err := rawSend([]byte{0}); err != nil {
		return nil, err
	}
	if err := rawSend([]byte(start)); err != nil {
		return nil, err
	}

	var leftover []byte
	for {
		data := <-incoming
		toSend, result, err := client.Feed(data)
		if err != nil {
			return nil, err
		}
		for _, line := range toSend {
			if err := rawSend([]byte(line)); err != nil {
				return nil, err
			}
		}
		if result != nil {
			leftover = client.Leftover()
			break
		}
	}

	c := newConn(rawSend, func() error { return nil }, incoming)
	go c.dispatchLoop()
	if len(leftover) > 0 {
		incoming <- leftover
	}
	if err := c.hello(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// startSocketReader runs the byte-stream-to-message framing loop on its
// own goroutine, feeding complete messages into c.incoming for the
// dispatch loop to parse (spec.md §4.1's fixed header plus declared
// lengths determine a message's total size before it can be handed off).
func (c *Conn) startSocketReader(conn net.Conn, leftover []byte) {
	go func() {
		buf := append([]byte{}, leftover...)
		readBuf := make([]byte, 65536)
		for {
			for {
				msg, rest, ok, err := splitOneMessage(buf)
				if err != nil {
					log.Error("dbus: message framing failed, connection poisoned: %v", err)
					c.Close()
					return
				}
				if !ok {
					break
				}
				buf = rest
				select {
				case c.incoming <- msg:
				case <-c.done:
					return
				}
			}
			n, err := conn.Read(readBuf)
			if err != nil {
				log.Error("dbus: read failed: %v", err)
				c.Close()
				return
			}
			buf = append(buf, readBuf[:n]...)
		}
	}()
}

func endianOrderByte(b byte) (binary.ByteOrder, error) {
	switch b {
	case 'l':
		return binary.LittleEndian, nil
	case 'B':
		return binary.BigEndian, nil
	default:
		return nil, dbuserr.ParseErr("dbus: bad endian byte %q", b)
	}
}

// splitOneMessage peels exactly one complete message off the front of
// buf, the byte-stream counterpart to internal/broker's framing loop.
func splitOneMessage(buf []byte) (msg, rest []byte, ok bool, err error) {
	if len(buf) < message.HeaderLen {
		return nil, buf, false, nil
	}
	var hdr [message.HeaderLen]byte
	copy(hdr[:], buf[:message.HeaderLen])
	order, err := endianOrderByte(hdr[0])
	if err != nil {
		return nil, buf, false, err
	}
	fieldsLen := order.Uint32(buf[12:16])
	bodyLen := message.PeekBodyLen(hdr, order)
	if uint64(fieldsLen) > wire.MaxMessageSize || uint64(bodyLen) > wire.MaxMessageSize {
		return nil, buf, false, dbuserr.ParseErr("dbus: declared length exceeds max message size")
	}
	bodyStart := message.HeaderLen + int(fieldsLen)
	for bodyStart%8 != 0 {
		bodyStart++
	}
	total := bodyStart + int(bodyLen)
	if uint64(total) > wire.MaxMessageSize {
		return nil, buf, false, dbuserr.ParseErr("dbus: message of %d bytes exceeds max %d", total, wire.MaxMessageSize)
	}
	if len(buf) < total {
		return nil, buf, false, nil
	}
	return buf[:total], buf[total:], true, nil
}

// hello performs the mandatory first call every connection must make
// (spec.md §4.2): org.freedesktop.DBus.Hello, which assigns this
// connection's unique name.
func (c *Conn) hello() error {
	call := c.Object(busServiceName, busObjectPath).Call(busServiceName+".Hello", 0)
	if call.Err != nil {
		return call.Err
	}
	var unique string
	if err := call.Store(&unique); err != nil {
		return err
	}
	c.mu.Lock()
	c.uniqueName = unique
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })
	return nil
}

// RequestNameFlags are the flags RequestName accepts (spec.md §4.7's
// service-name ownership request).
type RequestNameFlags uint32

const (
	NameFlagAllowReplacement RequestNameFlags = 1 << 0
	NameFlagReplaceExisting  RequestNameFlags = 1 << 1
	NameFlagDoNotQueue       RequestNameFlags = 1 << 2
)

// RequestNameReply is RequestName's outcome.
type RequestNameReply uint32

const (
	RequestNamePrimaryOwner RequestNameReply = 1
	RequestNameInQueue      RequestNameReply = 2
	RequestNameExists       RequestNameReply = 3
	RequestNameAlreadyOwner RequestNameReply = 4
)

// ReleaseNameReply is ReleaseName's outcome.
type ReleaseNameReply uint32

const (
	ReleaseNameReleased    ReleaseNameReply = 1
	ReleaseNameNonExistent ReleaseNameReply = 2
	ReleaseNameNotOwner    ReleaseNameReply = 3
)

// RequestName asks the bus to assign name to this connection.
func (c *Conn) RequestName(name string, flags RequestNameFlags) (RequestNameReply, error) {
	call := c.Object(busServiceName, busObjectPath).Call(busServiceName+".RequestName", 0, name, uint32(flags))
	if call.Err != nil {
		return 0, call.Err
	}
	var reply uint32
	if err := call.Store(&reply); err != nil {
		return 0, err
	}
	return RequestNameReply(reply), nil
}

// ReleaseName asks the bus to relinquish ownership of name.
func (c *Conn) ReleaseName(name string) (ReleaseNameReply, error) {
	call := c.Object(busServiceName, busObjectPath).Call(busServiceName+".ReleaseName", 0, name)
	if call.Err != nil {
		return 0, call.Err
	}
	var reply uint32
	if err := call.Store(&reply); err != nil {
		return 0, err
	}
	return ReleaseNameReply(reply), nil
}

// GetNameOwner resolves a well-known bus name to its current owner's
// unique name.
func (c *Conn) GetNameOwner(name string) (string, error) {
	call := c.Object(busServiceName, busObjectPath).Call(busServiceName+".GetNameOwner", 0, name)
	if call.Err != nil {
		return "", call.Err
	}
	var owner string
	if err := call.Store(&owner); err != nil {
		return "", err
	}
	return owner, nil
}

// NameHasOwner reports whether name is currently owned by anyone.
func (c *Conn) NameHasOwner(name string) (bool, error) {
	call := c.Object(busServiceName, busObjectPath).Call(busServiceName+".NameHasOwner", 0, name)
	if call.Err != nil {
		return false, call.Err
	}
	var has bool
	if err := call.Store(&has); err != nil {
		return false, err
	}
	return has, nil
}

// ListNames returns every currently owned bus name, unique and well-known.
func (c *Conn) ListNames() ([]string, error) {
	call := c.Object(busServiceName, busObjectPath).Call(busServiceName+".ListNames", 0)
	if call.Err != nil {
		return nil, call.Err
	}
	var names []string
	if err := call.Store(&names); err != nil {
		return nil, err
	}
	return names, nil
}

// GetId returns the bus's own GUID.
func (c *Conn) GetId() (string, error) {
	call := c.Object(busServiceName, busObjectPath).Call(busServiceName+".GetId", 0)
	if call.Err != nil {
		return "", call.Err
	}
	var id string
	if err := call.Store(&id); err != nil {
		return "", err
	}
	return id, nil
}
