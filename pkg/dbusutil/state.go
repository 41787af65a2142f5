// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package dbusutil provides the registration bookkeeping every long-lived
// D-Bus caller needs: exports, signal subscriptions, and remote trackers
// made through a State are undone together by one Reset, rather than each
// caller hand-tracking its own remove closures. Method calls are not
// wrapped.
package dbusutil

import (
	"sync"

	dbus "github.com/sandia-minimega/dbus"
	"github.com/sandia-minimega/dbus/internal/match"
	"github.com/sandia-minimega/dbus/pkg/dbuslog"
)

// State shadows every registration a caller makes through it with a local
// record, so that Reset can guarantee all of them are undone before the
// caller's own context goes away. Reset does not cancel a Call that is
// waiting for its reply; the library imposes no timeout on a Call.
type State struct {
	conn *dbus.Conn

	mu   sync.Mutex
	undo []func()
}

// NewState returns a State that shadows registrations made on conn.
func NewState(conn *dbus.Conn) *State {
	return &State{conn: conn}
}

// Conn returns the underlying connection, for calls State does not wrap
// (plain Object.Call, Emit) that a caller still wants to issue through the
// same connection a State is tracking.
func (s *State) Conn() *dbus.Conn {
	return s.conn
}

func (s *State) record(undo func()) {
	s.mu.Lock()
	s.undo = append(s.undo, undo)
	s.mu.Unlock()
}

// Export shadows Conn.Export: Reset will Unexport path/ifaceName.
func (s *State) Export(obj interface{}, path dbus.ObjectPath, ifaceName string) error {
	if err := s.conn.Export(obj, path, ifaceName); err != nil {
		return err
	}
	s.record(func() {
		if err := s.conn.Unexport(path, ifaceName); err != nil {
			dbuslog.Debug("dbusutil: unexport %s %s: %v", path, ifaceName, err)
		}
	})
	return nil
}

// ExportWithProperties shadows Conn.ExportWithProperties.
func (s *State) ExportWithProperties(obj interface{}, path dbus.ObjectPath, ifaceName string, props ...dbus.PropertySpec) error {
	if err := s.conn.ExportWithProperties(obj, path, ifaceName, props...); err != nil {
		return err
	}
	s.record(func() {
		if err := s.conn.Unexport(path, ifaceName); err != nil {
			dbuslog.Debug("dbusutil: unexport %s %s: %v", path, ifaceName, err)
		}
	})
	return nil
}

// AddMatchSignal shadows Conn.AddMatchSignal: Reset will call the returned
// remove closure. The handler keeps running until Reset, or until the
// caller calls the returned remove itself — whichever comes first; calling
// both is safe, the second remove is a no-op on an already-removed rule.
func (s *State) AddMatchSignal(iface, member string, path dbus.ObjectPath, handler func(*dbus.Signal)) (func(), error) {
	remove, err := s.conn.AddMatchSignal(iface, member, path, handler)
	if err != nil {
		return nil, err
	}
	return s.shadow(remove), nil
}

// AddMatch shadows Conn.AddMatch.
func (s *State) AddMatch(r *match.Rule, handler func(*dbus.Signal)) (func(), error) {
	remove, err := s.conn.AddMatch(r, handler)
	if err != nil {
		return nil, err
	}
	return s.shadow(remove), nil
}

// shadow wraps a remove closure so it only ever fires once, and records it
// for Reset.
func (s *State) shadow(remove func()) func() {
	var once sync.Once
	wrapped := func() { once.Do(remove) }
	s.record(wrapped)
	return wrapped
}

// TrackRemote shadows Conn.TrackRemote: Reset will Close the tracker.
func (s *State) TrackRemote(name string) (*dbus.TrackedRemote, error) {
	t, err := s.conn.TrackRemote(name)
	if err != nil {
		return nil, err
	}
	s.record(t.Close)
	return t, nil
}

// Reset undoes every registration made through s, in reverse order (later
// registrations may depend on earlier ones — an exported object referenced
// by a signal handler, say — so tearing down latest-first avoids
// momentarily exposing a handler whose dependency is already gone), then
// clears the shadow list. Reset is safe to call more than once; the second
// call undoes nothing.
func (s *State) Reset() {
	s.mu.Lock()
	undo := s.undo
	s.undo = nil
	s.mu.Unlock()

	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}
