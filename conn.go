// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package dbus

import (
	"sync"
	"sync/atomic"

	"github.com/sandia-minimega/dbus/internal/auth"
	"github.com/sandia-minimega/dbus/internal/match"
	"github.com/sandia-minimega/dbus/internal/message"
	"github.com/sandia-minimega/dbus/internal/object"
	"github.com/sandia-minimega/dbus/internal/sig"
	"github.com/sandia-minimega/dbus/internal/wire"
	log "github.com/sandia-minimega/dbus/pkg/dbuslog"
)

const (
	busServiceName = "org.freedesktop.DBus"
	busObjectPath  = ObjectPath("/org/freedesktop/DBus")
)

// Conn is one client connection: a parsed-message dispatch loop running
// on its own goroutine (spec.md §5's "single-threaded cooperative per
// connection"), plus a thread-safe Send path any goroutine may use. This
// is the Go-idiomatic stand-in for the proxy-hook scheme spec.md §4.6
// describes: rather than marshaling every registration call onto an
// owner thread through an explicit hook, registration state (the object
// tree, match list, reply table, tracked-remote set) is protected by mu
// and safe to call from any goroutine. Method-call handlers run on the
// dispatch loop without mu held; signal (match) handlers run inside the
// match scan with mu held, so they must not call a Conn method that takes
// mu (see handle).
type Conn struct {
	mu     sync.Mutex // guards tree, matches, replies, trackers, uniqueName
	sendMu sync.Mutex // serializes writes onto the wire

	rawSend func(data []byte) error
	closer  func() error

	nextSerial uint32 // atomic

	uniqueName string
	ready      chan struct{}
	readyOnce  sync.Once

	tree     *object.Tree
	matches  *match.List
	replies  map[uint32]*replyWaiter
	trackers map[string]*TrackedRemote

	// scanMsg is the message currently being matched against c.matches,
	// set just before Scan and read by the handler closures it invokes
	// (the connection-core analogue of internal/broker's scanBytes: the
	// "current message" lives on the connection, not as a parameter
	// threaded through match.Handler's fixed signature).
	scanMsg *message.Message

	incoming chan []byte
	done     chan struct{}

	closeOnce sync.Once
	closeErr  error

	machineID string
}

type replyWaiter struct {
	// expectSender constrains which sender may fire this reply; ""
	// means any sender is accepted (spec.md §8 scenario 3: the unique
	// name resolved at registration time, not re-resolved later).
	expectSender string
	ch           chan *message.Message
}

func newConn(rawSend func([]byte) error, closer func() error, incoming chan []byte) *Conn {
	c := &Conn{
		rawSend:  rawSend,
		closer:   closer,
		tree:     object.NewTree(),
		matches:  &match.List{},
		replies:  make(map[uint32]*replyWaiter),
		trackers: make(map[string]*TrackedRemote),
		incoming: incoming,
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
	}
	if id, err := auth.NewGUID(); err == nil {
		c.machineID = id
	}
	return c
}

// allocSerial returns the next outgoing serial, wrapping past 0xffffffff
// back to 1 (0 is never a valid serial, spec.md §3).
func (c *Conn) allocSerial() uint32 {
	for {
		s := atomic.AddUint32(&c.nextSerial, 1)
		if s != 0 {
			return s
		}
	}
}

// send writes a fully-built message to the wire. Safe from any
// goroutine (spec.md §4.5's "Send" thread-safety requirement).
func (c *Conn) send(data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.rawSend(data)
}

// UniqueName returns the bus-assigned name for this connection, set by
// the initial Hello call. Empty until the connection finishes dialing.
func (c *Conn) UniqueName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uniqueName
}

// Close tears down the connection: the dispatch loop and any socket
// reader goroutine stop, and outstanding Call waiters never fire
// (spec.md §5: "disconnecting a connection runs all release hooks").
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.closer != nil {
			c.closeErr = c.closer()
		}
	})
	return c.closeErr
}

func (c *Conn) dispatchLoop() {
	for {
		select {
		case data, ok := <-c.incoming:
			if !ok {
				return
			}
			m, err := message.Parse(data)
			if err != nil {
				log.Error("dbus: parse failed, connection poisoned: %v", err)
				c.Close()
				return
			}
			c.handle(m)
		case <-c.done:
			return
		}
	}
}

// handle is the per-message dispatch step described by spec.md §4.5:
// run the match list first (1), then reply-table lookup for returns and
// errors (2), then method-call dispatch (3). It always runs on the
// dispatch-loop goroutine, never concurrently with itself.
func (c *Conn) handle(m *message.Message) {
	args := newClientArgSource(m)
	cand := match.CandidateFromMessage(m, args)

	// match.List is safe for one goroutine to mutate reentrantly from
	// within its own Scan (that's what its cursor/scanning bookkeeping
	// is for) but is not safe for a second goroutine to mutate
	// concurrently with a Scan in progress; c.mu serializes the two.
	// Signal/method handlers must not call back into AddMatch, Unexport,
	// or another Conn method that takes c.mu from within the handler
	// itself — spawn a goroutine for that instead (the same constraint
	// Call's doc comment states for reentrant calls).
	c.mu.Lock()
	c.scanMsg = m
	c.matches.Scan(cand)
	c.mu.Unlock()

	switch m.Kind {
	case message.KindReturn, message.KindError:
		c.mu.Lock()
		w, ok := c.replies[m.ReplySerial]
		if ok {
			if senderMatches(w.expectSender, m.Sender) {
				delete(c.replies, m.ReplySerial)
			} else {
				ok = false
			}
		}
		c.mu.Unlock()
		if ok {
			w.ch <- m
		}
	case message.KindMethodCall:
		c.dispatchMethodCall(m)
	}
}

// senderMatches implements the reply record's sender validation
// (spec.md §3: "sender is validated against the expected remote's
// unique name or the bus"). An empty expectation imposes no constraint.
func senderMatches(expect, got string) bool {
	return expect == "" || expect == got || got == busServiceName
}

// clientArgSource lazily decodes a message's top-level string/object-
// path/signature arguments so match rules' arg<N> constraints can be
// tested without the caller needing to know the body's shape up front
// (spec.md §4.4), the client-side mirror of internal/broker's argSource.
type clientArgSource struct {
	m       *message.Message
	decoded []string
	present []bool
	done    bool
}

func newClientArgSource(m *message.Message) *clientArgSource { return &clientArgSource{m: m} }

func (a *clientArgSource) ensure() {
	if a.done {
		return
	}
	a.done = true
	if a.m.Signature == "" {
		return
	}
	types, err := sig.Split(a.m.Signature)
	if err != nil {
		return
	}
	it := wire.NewIterator(a.m.Body(), a.m.Signature, a.m.Order)
	for _, t := range types {
		switch t {
		case "s":
			v, err := it.String()
			a.append(v, err == nil)
			if err != nil {
				return
			}
		case "o":
			v, err := it.ObjectPath()
			a.append(v, err == nil)
			if err != nil {
				return
			}
		case "g":
			v, err := it.SignatureValue()
			a.append(v, err == nil)
			if err != nil {
				return
			}
		default:
			if err := it.SkipValue(); err != nil {
				return
			}
			a.append("", false)
		}
	}
}

func (a *clientArgSource) append(v string, ok bool) {
	a.decoded = append(a.decoded, v)
	a.present = append(a.present, ok)
}

// StringArg implements match.ArgSource.
func (a *clientArgSource) StringArg(n int) (string, bool) {
	a.ensure()
	if n < 0 || n >= len(a.decoded) || !a.present[n] {
		return "", false
	}
	return a.decoded[n], true
}
