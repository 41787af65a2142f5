// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package match

// Handler is invoked for each match entry whose Rule matches a
// candidate message. Returning false stops the remaining iteration
// over the list for this message (spec.md §4.5's "run-to-completion
// per message unless a filter's handler cancels dispatch").
type Handler func(c Candidate) (keepGoing bool)

// entry is one registered filter plus its callback and an id used for
// removal (ids are never reused, so comparing against the id stored by
// a caller remains valid across insertions/removals).
type entry struct {
	id      uint64
	rule    *Rule
	handler Handler
	removed bool
}

// List is an insertion-order set of match entries, scanned once per
// candidate message. Handlers may register or remove entries from
// within a callback; an active scan's cursor survives such mutation by
// tracking position as an index that only ever advances (spec.md §4.5:
// "an internal iterator cursor is stored on the list so that recursive
// dispatch ... does not lose position; removing the current match
// advances the cursor").
type List struct {
	entries []*entry
	nextID  uint64
	cursor  int
	scanning bool
}

// Add appends a new entry, returning an id usable with Remove.
func (l *List) Add(r *Rule, h Handler) uint64 {
	l.nextID++
	id := l.nextID
	l.entries = append(l.entries, &entry{id: id, rule: r, handler: h})
	return id
}

// Remove marks the entry with the given id as removed. Entries are
// tombstoned rather than resliced, so indices already captured by an
// in-progress Scan stay valid: removing the entry currently being
// dispatched (including from within its own handler) simply causes the
// scan to skip it on any future pass, without otherwise disturbing the
// scan's position.
func (l *List) Remove(id uint64) bool {
	for _, e := range l.entries {
		if e.id != id || e.removed {
			continue
		}
		e.removed = true
		return true
	}
	return false
}

// Len reports the number of live (non-removed) entries.
func (l *List) Len() int {
	n := 0
	for _, e := range l.entries {
		if !e.removed {
			n++
		}
	}
	return n
}

// Scan evaluates c against every live entry's Rule in insertion order,
// invoking its Handler on a match. Entries added during the scan are
// visited if appended after the current cursor position; entries
// removed during the scan are skipped. Scan compacts the removed
// entries out of the backing slice once it completes, so repeated
// Add/Remove churn does not leak memory across many scans.
func (l *List) Scan(c Candidate) {
	wasScanning := l.scanning
	l.scanning = true
	if !wasScanning {
		l.cursor = 0
	}
	savedCursor := l.cursor
	for l.cursor = 0; l.cursor < len(l.entries); l.cursor++ {
		e := l.entries[l.cursor]
		if e.removed {
			continue
		}
		if !e.rule.Matches(c) {
			continue
		}
		if !e.handler(c) {
			break
		}
	}
	if !wasScanning {
		l.scanning = false
		l.compact()
	} else {
		l.cursor = savedCursor
	}
}

func (l *List) compact() {
	live := l.entries[:0]
	for _, e := range l.entries {
		if !e.removed {
			live = append(live, e)
		}
	}
	l.entries = live
}
