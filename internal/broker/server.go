// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package broker

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sandia-minimega/dbus/internal/auth"
	"github.com/sandia-minimega/dbus/internal/dbuserr"
	"github.com/sandia-minimega/dbus/internal/match"
	"github.com/sandia-minimega/dbus/internal/message"
	"github.com/sandia-minimega/dbus/internal/sig"
	"github.com/sandia-minimega/dbus/internal/wire"
	log "github.com/sandia-minimega/dbus/pkg/dbuslog"
)

const (
	busName = "org.freedesktop.DBus"
	busPath = "/org/freedesktop/DBus"

	errNameHasNoOwner     = "org.freedesktop.DBus.Error.NameHasNoOwner"
	errInvalidDestination = "org.freedesktop.DBus.Error.InvalidDestination"
	errUnknownMethod      = "org.freedesktop.DBus.Error.UnknownMethod"
	errInvalidArgs        = "org.freedesktop.DBus.Error.InvalidArgs"
	errMatchNotFound      = "org.freedesktop.DBus.Error.MatchRuleNotFound"
	errFailed             = "org.freedesktop.DBus.Error.Failed"
)

// Server is the in-process bus: the set of connected remotes, the
// well-known service-name ownership queues, and the routing decision
// for every message a remote sends (spec.md §4.7). Internal data
// structures are mutated only under mu, matching spec.md §5's "Server
// concurrency" requirement.
type Server struct {
	mu sync.Mutex

	guid       string
	remotes    map[*Remote]bool
	uniques    map[string]*Remote
	names      map[string]*nameQueue
	nextUnique uint64
	serial     uint32

	// scanBytes is the already-sender-rewritten wire bytes of the
	// message currently being fanned out to match lists; set just
	// before each List.Scan call and read by the closures registered
	// in handleBusMethod's AddMatch case (spec.md §9's note that the
	// reentrant scan cursor, not a parameter, carries state across the
	// callback boundary — this is the broker's analogous "current
	// message" slot).
	scanBytes []byte
}

// NewServer creates a bus with a freshly generated GUID (spec.md §4.3's
// "OK <uuid>"). The GUID is not persisted: every Server gets a new one.
func NewServer() (*Server, error) {
	guid, err := auth.NewGUID()
	if err != nil {
		return nil, err
	}
	return &Server{
		guid:    guid,
		remotes: make(map[*Remote]bool),
		uniques: make(map[string]*Remote),
		names:   make(map[string]*nameQueue),
	}, nil
}

// NewRemote registers a newly connected peer. send delivers bytes back
// over that peer's transport; the broker never touches the socket
// itself (spec.md §1's scoping).
func (s *Server) NewRemote(send Send) *Remote {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := newRemote("", send)
	r.srv = s
	r.authSrv = auth.NewServer(acceptAnyExternalIdentity, s.guid)
	s.remotes[r] = true
	return r
}

// acceptAnyExternalIdentity admits any caller the transport already let
// through; spec.md §1 places credential passing on sockets out of
// scope, so the broker does not second-guess the identity the
// transport handed it.
func acceptAnyExternalIdentity(string) bool { return true }

// Disconnect removes r from the bus: its owned names are released
// (promoting queue successors with the usual signal triple) and its
// unique name is freed.
func (s *Server) Disconnect(r *Remote) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.remotes, r)
	if r.UniqueName != "" {
		delete(s.uniques, r.UniqueName)
	}
	for name := range r.Names {
		q, ok := s.names[name]
		if !ok {
			continue
		}
		_, changes := releaseName(q, name, r)
		s.applyOwnerChanges(changes)
		if len(q.entries) == 0 {
			delete(s.names, name)
		}
	}
}

func (s *Server) nextSerial() uint32 {
	s.serial++
	if s.serial == 0 {
		s.serial = 1
	}
	return s.serial
}

// dispatch handles one parsed message from r (called via Remote.Feed ->
// drainMessages -> dispatch), holding s.mu for the whole message.
func (s *Server) dispatch(r *Remote, m *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	isHelloCall := m.Kind == message.KindMethodCall && m.Member == "Hello" &&
		(m.Interface == "" || m.Interface == busName)

	if !r.HaveHello {
		if !isHelloCall {
			return dbuserr.ProtocolErr("broker: first call from remote must target %s.Hello", busName)
		}
		return s.handleHello(r, m)
	}
	if isHelloCall {
		return s.replyError(r, m, errFailed, "already handled an Hello message")
	}

	// The broker is authoritative over Sender; a remote's own claim is
	// discarded (spec.md §4.7).
	m.Sender = r.UniqueName

	rewritten, err := rewriteSender(m, r.UniqueName)
	if err != nil {
		return err
	}

	if m.Kind == message.KindMethodCall && m.Destination == busName {
		if err := s.handleBusMethod(r, m); err != nil {
			return err
		}
		// Calls to the bus itself are also run through every remote's
		// match list, so a remote with a matching rule sees them too
		// (spec.md §4.7's routing note).
		s.fanOutBroadcast(m, rewritten)
		return nil
	}

	if m.Destination != "" {
		return s.routeDirected(r, m, rewritten)
	}
	s.fanOutBroadcast(m, rewritten)
	return nil
}

func (s *Server) handleHello(r *Remote, m *message.Message) error {
	s.nextUnique++
	unique := fmt.Sprintf(":1.%d", s.nextUnique)
	r.UniqueName = unique
	r.HaveHello = true
	r.State = StateReady
	s.uniques[unique] = r

	q := s.queueFor(unique)
	q.entries = append(q.entries, queueEntry{remote: r, allowReplacement: false})
	r.Names[unique] = true

	if err := s.reply(r, m, "s", func(b *wire.Buffer) error { return b.String(unique) }); err != nil {
		return err
	}
	if err := s.emitDirectedSignal(r, "NameAcquired", unique); err != nil {
		log.Error("broker: NameAcquired to %s failed: %v", unique, err)
	}
	s.broadcastNameOwnerChanged(unique, "", unique)
	return nil
}

func (s *Server) handleBusMethod(r *Remote, m *message.Message) error {
	switch m.Member {
	case "RequestName":
		return s.handleRequestName(r, m)
	case "ReleaseName":
		return s.handleReleaseName(r, m)
	case "AddMatch":
		return s.handleAddMatch(r, m)
	case "RemoveMatch":
		return s.handleRemoveMatch(r, m)
	case "GetNameOwner":
		return s.handleGetNameOwner(r, m)
	case "NameHasOwner":
		return s.handleNameHasOwner(r, m)
	case "ListNames":
		return s.reply(r, m, "as", func(b *wire.Buffer) error { return encodeStringArray(b, s.listNames()) })
	case "GetId":
		return s.reply(r, m, "s", func(b *wire.Buffer) error { return b.String(s.guid) })
	default:
		return s.replyError(r, m, errUnknownMethod, fmt.Sprintf("unknown bus method %q", m.Member))
	}
}

func (s *Server) handleRequestName(r *Remote, m *message.Message) error {
	it := wire.NewIterator(m.Body(), m.Signature, m.Order)
	name, err := it.String()
	if err != nil {
		return s.replyError(r, m, errInvalidArgs, err.Error())
	}
	flags, err := it.Uint32()
	if err != nil {
		return s.replyError(r, m, errInvalidArgs, err.Error())
	}
	if err := validateBusName(name); err != nil {
		return s.replyError(r, m, errInvalidArgs, err.Error())
	}

	q := s.queueFor(name)
	result, changes := requestName(q, name, r, RequestNameFlags(flags))
	r.Names[name] = true
	if err := s.reply(r, m, "u", func(b *wire.Buffer) error { return b.Uint32(uint32(result)) }); err != nil {
		return err
	}
	s.applyOwnerChanges(changes)
	return nil
}

func (s *Server) handleReleaseName(r *Remote, m *message.Message) error {
	name, err := decodeOneString(m)
	if err != nil {
		return s.replyError(r, m, errInvalidArgs, err.Error())
	}
	q, ok := s.names[name]
	if !ok {
		return s.reply(r, m, "u", func(b *wire.Buffer) error { return b.Uint32(uint32(ReleaseNameNonExistent)) })
	}
	result, changes := releaseName(q, name, r)
	if result == ReleaseNameReleased {
		delete(r.Names, name)
	}
	if len(q.entries) == 0 {
		delete(s.names, name)
	}
	if err := s.reply(r, m, "u", func(b *wire.Buffer) error { return b.Uint32(uint32(result)) }); err != nil {
		return err
	}
	s.applyOwnerChanges(changes)
	return nil
}

func (s *Server) handleAddMatch(r *Remote, m *message.Message) error {
	rule, err := decodeOneString(m)
	if err != nil {
		return s.replyError(r, m, errInvalidArgs, err.Error())
	}
	parsed, err := match.Parse(rule)
	if err != nil {
		return s.replyError(r, m, errInvalidArgs, err.Error())
	}
	id := r.Matches.Add(parsed, s.matchHandler(r))
	r.matchIDs[id] = rule
	return s.replyEmpty(r, m)
}

func (s *Server) handleRemoveMatch(r *Remote, m *message.Message) error {
	rule, err := decodeOneString(m)
	if err != nil {
		return s.replyError(r, m, errInvalidArgs, err.Error())
	}
	for id, text := range r.matchIDs {
		if text != rule {
			continue
		}
		r.Matches.Remove(id)
		delete(r.matchIDs, id)
		return s.replyEmpty(r, m)
	}
	return s.replyError(r, m, errMatchNotFound, fmt.Sprintf("no such match rule %q", rule))
}

func (s *Server) handleGetNameOwner(r *Remote, m *message.Message) error {
	name, err := decodeOneString(m)
	if err != nil {
		return s.replyError(r, m, errInvalidArgs, err.Error())
	}
	dest := s.resolveDestination(name)
	if dest == nil {
		return s.replyError(r, m, errNameHasNoOwner, fmt.Sprintf("name %q has no owner", name))
	}
	return s.reply(r, m, "s", func(b *wire.Buffer) error { return b.String(dest.UniqueName) })
}

func (s *Server) handleNameHasOwner(r *Remote, m *message.Message) error {
	name, err := decodeOneString(m)
	if err != nil {
		return s.replyError(r, m, errInvalidArgs, err.Error())
	}
	has := s.resolveDestination(name) != nil
	return s.reply(r, m, "b", func(b *wire.Buffer) error { return b.Bool(has) })
}

// applyOwnerChanges emits the signal triple for each transition in the
// order spec.md §3 requires: NameLost, then NameAcquired, then the
// globally broadcast NameOwnerChanged.
func (s *Server) applyOwnerChanges(changes []nameOwnerChange) {
	for _, c := range changes {
		if c.lostTo != nil {
			if err := s.emitDirectedSignal(c.lostTo, "NameLost", c.name); err != nil {
				log.Error("broker: NameLost to %s failed: %v", c.lostTo.UniqueName, err)
			}
		}
		if c.acquiredTo != nil {
			if err := s.emitDirectedSignal(c.acquiredTo, "NameAcquired", c.name); err != nil {
				log.Error("broker: NameAcquired to %s failed: %v", c.acquiredTo.UniqueName, err)
			}
		}
		s.broadcastNameOwnerChanged(c.name, c.old, c.new)
	}
}

func (s *Server) routeDirected(r *Remote, m *message.Message, bytes []byte) error {
	dest := s.resolveDestination(m.Destination)
	if dest == nil {
		if m.Kind == message.KindMethodCall {
			return s.replyError(r, m, errInvalidDestination, fmt.Sprintf("name %q has no owner", m.Destination))
		}
		log.Debug("broker: dropping %s to unknown destination %q", m.Kind, m.Destination)
		return nil
	}
	return dest.Deliver(bytes)
}

// fanOutBroadcast scans every remote's match list against m. It runs for
// destination-less messages and for method calls addressed to the bus
// itself; any other directed message goes only to routeDirected and is
// never match-scanned.
func (s *Server) fanOutBroadcast(m *message.Message, bytes []byte) {
	args := newArgSource(m)
	cand := match.CandidateFromMessage(m, args)
	s.scanBytes = bytes
	for remote := range s.remotes {
		remote.Matches.Scan(cand)
	}
}

func (s *Server) matchHandler(remote *Remote) match.Handler {
	return func(match.Candidate) bool {
		if err := remote.Deliver(s.scanBytes); err != nil {
			log.Error("broker: delivering matched message to %s failed: %v", remote.UniqueName, err)
		}
		return true
	}
}

func (s *Server) emitDirectedSignal(r *Remote, member, arg string) error {
	order := binary.LittleEndian
	buf := wire.NewBuffer("s", order)
	if err := buf.String(arg); err != nil {
		return err
	}
	b := message.NewBuilder(message.KindSignal, s.nextSerial(), order).
		SetPath(busPath).SetInterface(busName).SetMember(member).
		SetSender(busName).SetDestination(r.UniqueName).SetBody("s", buf.Bytes())
	out, err := b.Build()
	if err != nil {
		return err
	}
	return r.Deliver(out)
}

func (s *Server) broadcastNameOwnerChanged(name, old, newOwner string) {
	order := binary.LittleEndian
	buf := wire.NewBuffer("sss", order)
	if err := buf.String(name); err != nil {
		log.Error("broker: NameOwnerChanged build failed: %v", err)
		return
	}
	if err := buf.String(old); err != nil {
		log.Error("broker: NameOwnerChanged build failed: %v", err)
		return
	}
	if err := buf.String(newOwner); err != nil {
		log.Error("broker: NameOwnerChanged build failed: %v", err)
		return
	}
	b := message.NewBuilder(message.KindSignal, s.nextSerial(), order).
		SetPath(busPath).SetInterface(busName).SetMember("NameOwnerChanged").
		SetSender(busName).SetBody("sss", buf.Bytes())
	out, err := b.Build()
	if err != nil {
		log.Error("broker: NameOwnerChanged build failed: %v", err)
		return
	}
	m, err := message.Parse(out)
	if err != nil {
		log.Error("broker: NameOwnerChanged reparse failed: %v", err)
		return
	}
	s.fanOutBroadcast(m, out)
}

func (s *Server) queueFor(name string) *nameQueue {
	q, ok := s.names[name]
	if !ok {
		q = &nameQueue{}
		s.names[name] = q
	}
	return q
}

func (s *Server) resolveDestination(name string) *Remote {
	if name == "" {
		return nil
	}
	if name[0] == ':' {
		return s.uniques[name]
	}
	if q, ok := s.names[name]; ok {
		return q.owner()
	}
	return nil
}

func (s *Server) listNames() []string {
	out := []string{busName}
	for name, q := range s.names {
		if q.owner() != nil {
			out = append(out, name)
		}
	}
	for unique := range s.uniques {
		out = append(out, unique)
	}
	sort.Strings(out)
	return out
}

func (s *Server) reply(r *Remote, m *message.Message, bodySig string, fill func(*wire.Buffer) error) error {
	b := message.NewBuilder(message.KindReturn, s.nextSerial(), m.Order).
		SetReplySerial(m.Serial).
		SetSender(busName).
		SetDestination(r.UniqueName)
	if bodySig != "" {
		buf := wire.NewBuffer(bodySig, m.Order)
		if err := fill(buf); err != nil {
			return err
		}
		b.SetBody(bodySig, buf.Bytes())
	}
	out, err := b.Build()
	if err != nil {
		return err
	}
	return r.Deliver(out)
}

func (s *Server) replyEmpty(r *Remote, m *message.Message) error {
	return s.reply(r, m, "", nil)
}

func (s *Server) replyError(r *Remote, m *message.Message, errName, msg string) error {
	buf := wire.NewBuffer("s", m.Order)
	if err := buf.String(msg); err != nil {
		return err
	}
	b := message.NewBuilder(message.KindError, s.nextSerial(), m.Order).
		SetReplySerial(m.Serial).
		SetErrorName(errName).
		SetSender(busName).
		SetDestination(r.UniqueName).
		SetBody("s", buf.Bytes())
	out, err := b.Build()
	if err != nil {
		return err
	}
	return r.Deliver(out)
}

func decodeOneString(m *message.Message) (string, error) {
	it := wire.NewIterator(m.Body(), m.Signature, m.Order)
	return it.String()
}

func encodeStringArray(b *wire.Buffer, values []string) error {
	if err := b.ArrayBegin("s"); err != nil {
		return err
	}
	for _, v := range values {
		if err := b.ArrayEntry(); err != nil {
			return err
		}
		if err := b.String(v); err != nil {
			return err
		}
	}
	return b.ArrayEnd()
}

// validateBusName checks the well-known bus name grammar of spec.md
// §6: dotted, segments beginning with a non-digit from [A-Za-z_-].
func validateBusName(name string) error {
	if name == "" || len(name) > 255 {
		return dbuserr.RegistrationErr("broker: bus name %q has invalid length", name)
	}
	if name[0] == ':' {
		return dbuserr.RegistrationErr("broker: %q is a unique name, not requestable", name)
	}
	parts := strings.Split(name, ".")
	if len(parts) < 2 {
		return dbuserr.RegistrationErr("broker: bus name %q must contain at least one dot", name)
	}
	for _, p := range parts {
		if p == "" {
			return dbuserr.RegistrationErr("broker: bus name %q has an empty segment", name)
		}
		if p[0] >= '0' && p[0] <= '9' {
			return dbuserr.RegistrationErr("broker: bus name segment %q must not start with a digit", p)
		}
		for _, c := range p {
			if !isBusNameChar(c) {
				return dbuserr.RegistrationErr("broker: bus name %q has invalid character %q", name, c)
			}
		}
	}
	return nil
}

func isBusNameChar(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		return true
	default:
		return false
	}
}

// argSource lazily decodes a message's top-level string/object-
// path/signature arguments so match rules' arg<N> constraints can be
// tested without the caller needing to know the body's shape up front
// (spec.md §4.4).
type argSource struct {
	m       *message.Message
	decoded []string
	present []bool
	done    bool
}

func newArgSource(m *message.Message) *argSource { return &argSource{m: m} }

func (a *argSource) ensure() {
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

func (a *argSource) append(v string, ok bool) {
	a.decoded = append(a.decoded, v)
	a.present = append(a.present, ok)
}

// StringArg implements match.ArgSource.
func (a *argSource) StringArg(n int) (string, bool) {
	a.ensure()
	if n < 0 || n >= len(a.decoded) || !a.present[n] {
		return "", false
	}
	return a.decoded[n], true
}
