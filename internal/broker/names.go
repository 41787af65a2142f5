// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package broker

// RequestNameFlags are the bits RequestName accepts (spec.md §4.7).
type RequestNameFlags uint32

const (
	FlagAllowReplacement RequestNameFlags = 1 << 0
	FlagReplaceExisting  RequestNameFlags = 1 << 1
	FlagDoNotQueue       RequestNameFlags = 1 << 2
)

// RequestNameResult mirrors org.freedesktop.DBus.RequestName's four
// reply codes.
type RequestNameResult uint32

const (
	RequestNamePrimaryOwner RequestNameResult = 1
	RequestNameInQueue      RequestNameResult = 2
	RequestNameExists       RequestNameResult = 3
	RequestNameAlreadyOwner RequestNameResult = 4
)

// ReleaseNameResult mirrors org.freedesktop.DBus.ReleaseName's reply
// codes.
type ReleaseNameResult uint32

const (
	ReleaseNameReleased  ReleaseNameResult = 1
	ReleaseNameNonExistent ReleaseNameResult = 2
	ReleaseNameNotOwner  ReleaseNameResult = 3
)

// queueEntry is one (remote, allow-replacement) position in a service
// name's ownership queue (spec.md §3's "Service queue (server-side)").
type queueEntry struct {
	remote          *Remote
	allowReplacement bool
}

// nameQueue is the ordered ownership queue for one well-known bus
// name. The head (index 0) is the current owner.
type nameQueue struct {
	entries []queueEntry
}

func (q *nameQueue) owner() *Remote {
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0].remote
}

func (q *nameQueue) indexOf(r *Remote) int {
	for i, e := range q.entries {
		if e.remote == r {
			return i
		}
	}
	return -1
}

func (q *nameQueue) removeAt(i int) {
	q.entries = append(q.entries[:i], q.entries[i+1:]...)
}

// nameOwnerChange describes one NameOwnerChanged transition to emit:
// old/new are unique names, "" meaning no owner.
type nameOwnerChange struct {
	name     string
	old, new string
	// acquired/lost additionally fire NameAcquired(new)/NameLost(old)
	// to the directly affected remotes (spec.md §4.7's signal triple).
	acquiredTo *Remote
	lostTo     *Remote
}

// requestName implements the RequestName state table in spec.md §4.7.
// It mutates q in place and returns the reply code plus any signals to
// broadcast (in emission order: the caller's reply must be sent before
// these by the caller).
func requestName(q *nameQueue, name string, r *Remote, flags RequestNameFlags) (RequestNameResult, []nameOwnerChange) {
	allow := flags&FlagAllowReplacement != 0
	doNotQueue := flags&FlagDoNotQueue != 0
	replace := flags&FlagReplaceExisting != 0

	if len(q.entries) == 0 {
		q.entries = append(q.entries, queueEntry{remote: r, allowReplacement: allow})
		return RequestNamePrimaryOwner, []nameOwnerChange{
			{name: name, old: "", new: r.UniqueName, acquiredTo: r},
		}
	}

	if i := q.indexOf(r); i == 0 {
		q.entries[0].allowReplacement = allow
		return RequestNameAlreadyOwner, nil
	} else if i > 0 {
		q.entries[i].allowReplacement = allow
	}

	head := q.entries[0]
	if head.allowReplacement && replace {
		q.removeAt(0)
		if i := q.indexOf(r); i >= 0 {
			q.removeAt(i)
		}
		q.entries = append([]queueEntry{{remote: r, allowReplacement: allow}}, q.entries...)
		return RequestNamePrimaryOwner, []nameOwnerChange{
			{name: name, old: head.remote.UniqueName, new: r.UniqueName, lostTo: head.remote, acquiredTo: r},
		}
	}

	if doNotQueue {
		if i := q.indexOf(r); i > 0 {
			q.removeAt(i)
		}
		return RequestNameExists, nil
	}

	if i := q.indexOf(r); i < 0 {
		q.entries = append(q.entries, queueEntry{remote: r, allowReplacement: allow})
	}
	return RequestNameInQueue, nil
}

// releaseName implements ReleaseName: removes r from q, promoting the
// next entry to owner if r was the head.
func releaseName(q *nameQueue, name string, r *Remote) (ReleaseNameResult, []nameOwnerChange) {
	i := q.indexOf(r)
	if i < 0 {
		return ReleaseNameNotOwner, nil
	}
	wasOwner := i == 0
	q.removeAt(i)
	if !wasOwner {
		return ReleaseNameReleased, nil
	}
	if len(q.entries) == 0 {
		return ReleaseNameReleased, []nameOwnerChange{{name: name, old: r.UniqueName, new: "", lostTo: r}}
	}
	newOwner := q.entries[0].remote
	return ReleaseNameReleased, []nameOwnerChange{
		{name: name, old: r.UniqueName, new: newOwner.UniqueName, lostTo: r, acquiredTo: newOwner},
	}
}
