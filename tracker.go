// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package dbus

import "sync"

// TrackedRemote follows one well-known bus name's current owner,
// updating as NameOwnerChanged signals arrive (spec.md §3's Tracked
// remote, and spec.md §8 scenario 3: reply re-routing must keep using
// the unique name resolved at registration time, not whatever owns the
// name by the time a reply arrives).
type TrackedRemote struct {
	conn *Conn
	name string

	mu     sync.Mutex
	unique string

	removeMatch func()
}

// TrackRemote starts tracking name. If name is already a unique name
// it is returned as-is and never changes; otherwise GetNameOwner
// resolves the current owner and a NameOwnerChanged subscription keeps
// it current.
func (c *Conn) TrackRemote(name string) (*TrackedRemote, error) {
	t := &TrackedRemote{conn: c, name: name}

	if name == "" || name[0] == ':' {
		t.unique = name
		return t, nil
	}

	remove, err := c.AddMatchSignal(busServiceName, "NameOwnerChanged", busObjectPath, func(sig *Signal) {
		var changedName, oldOwner, newOwner string
		if err := sig.Store(&changedName, &oldOwner, &newOwner); err != nil {
			return
		}
		if changedName != name {
			return
		}
		t.mu.Lock()
		t.unique = newOwner
		t.mu.Unlock()
	})
	if err != nil {
		return nil, err
	}
	t.removeMatch = remove

	if owner, err := c.GetNameOwner(name); err == nil {
		t.mu.Lock()
		t.unique = owner
		t.mu.Unlock()
	}

	c.mu.Lock()
	c.trackers[name] = t
	c.mu.Unlock()

	return t, nil
}

// UniqueName returns the last known owner's unique name, or "" if the
// name currently has no owner.
func (t *TrackedRemote) UniqueName() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unique
}

// Close stops tracking and releases the underlying match subscription.
func (t *TrackedRemote) Close() {
	if t.removeMatch != nil {
		t.removeMatch()
	}
	t.conn.mu.Lock()
	delete(t.conn.trackers, t.name)
	t.conn.mu.Unlock()
}
