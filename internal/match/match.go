// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package match parses D-Bus match-rule strings and tests messages
// against them (spec.md §4.4).
package match

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sandia-minimega/dbus/internal/dbuserr"
	"github.com/sandia-minimega/dbus/internal/message"
)

const maxArgIndex = 63

// Rule is a parsed match-rule filter. A zero-value field matches
// anything; a non-zero field matches iff the candidate message carries
// an equal value (spec.md §4.4).
type Rule struct {
	Type        string
	Sender      string
	Interface   string
	Member      string
	Path        string
	Destination string

	// Args holds arg<N>='value' constraints keyed by index.
	Args map[int]string
}

// Messages carrying string arguments for arg<N> matching implement
// this; the connection core and broker both provide argument access
// via a decoded string vector rather than re-parsing the wire body
// here, since match evaluation only cares about string equality.
type ArgSource interface {
	// StringArg returns the Nth top-level string-typed argument and
	// true, or "", false if there is no such argument (wrong type or
	// out of range).
	StringArg(n int) (string, bool)
}

// Candidate is the subset of a message's routing-relevant fields a
// Rule is tested against.
type Candidate struct {
	Type        string
	Sender      string
	Interface   string
	Member      string
	Path        string
	Destination string
	Args        ArgSource
}

// CandidateFromMessage builds a Candidate from a parsed message, using
// m.Kind.String() for the "type" field (method_call/method_return/error/signal
// per spec.md §4.4) and args for arg<N> lookups.
func CandidateFromMessage(m *message.Message, args ArgSource) Candidate {
	return Candidate{
		Type:        m.Kind.String(),
		Sender:      m.Sender,
		Interface:   m.Interface,
		Member:      m.Member,
		Path:        m.Path,
		Destination: m.Destination,
		Args:        args,
	}
}

// Parse parses a comma-separated key='value' match-rule string.
// Recognized keys: type, sender, interface, member, path, destination,
// arg0..arg63. Unknown keys are rejected; values must be single-quoted
// and may not themselves contain a quote.
func Parse(s string) (*Rule, error) {
	r := &Rule{}
	for _, pair := range splitTopLevel(s) {
		if pair == "" {
			continue
		}
		key, val, err := splitPair(pair)
		if err != nil {
			return nil, err
		}
		switch {
		case key == "type":
			r.Type = val
		case key == "sender":
			r.Sender = val
		case key == "interface":
			r.Interface = val
		case key == "member":
			r.Member = val
		case key == "path":
			r.Path = val
		case key == "destination":
			r.Destination = val
		case strings.HasPrefix(key, "arg"):
			n, err := strconv.Atoi(key[3:])
			if err != nil {
				return nil, dbuserr.ParseErr("match: bad arg key %q", key)
			}
			if n < 0 || n > maxArgIndex {
				return nil, dbuserr.ParseErr("match: arg index %d out of range 0..%d", n, maxArgIndex)
			}
			if r.Args == nil {
				r.Args = make(map[int]string)
			}
			r.Args[n] = val
		default:
			return nil, dbuserr.ParseErr("match: unknown key %q", key)
		}
	}
	return r, nil
}

// splitTopLevel splits on commas that are not inside a quoted value.
func splitTopLevel(s string) []string {
	var parts []string
	var cur strings.Builder
	inQuote := false
	for _, c := range s {
		switch {
		case c == '\'':
			inQuote = !inQuote
			cur.WriteRune(c)
		case c == ',' && !inQuote:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(c)
		}
	}
	parts = append(parts, cur.String())
	return parts
}

func splitPair(pair string) (key, val string, err error) {
	eq := strings.IndexByte(pair, '=')
	if eq < 0 {
		return "", "", dbuserr.ParseErr("match: %q is not key=value", pair)
	}
	key = pair[:eq]
	rawVal := pair[eq+1:]
	if len(rawVal) < 2 || rawVal[0] != '\'' || rawVal[len(rawVal)-1] != '\'' {
		return "", "", dbuserr.ParseErr("match: value %q is not single-quoted", rawVal)
	}
	val = rawVal[1 : len(rawVal)-1]
	if strings.ContainsRune(val, '\'') {
		return "", "", dbuserr.ParseErr("match: quoted value %q contains a quote", rawVal)
	}
	return key, val, nil
}

// Matches reports whether c satisfies r: every present field in r
// equals the corresponding field in c; absent fields impose no
// constraint.
func (r *Rule) Matches(c Candidate) bool {
	if r.Type != "" && r.Type != c.Type {
		return false
	}
	if r.Sender != "" && r.Sender != c.Sender {
		return false
	}
	if r.Interface != "" && r.Interface != c.Interface {
		return false
	}
	if r.Member != "" && r.Member != c.Member {
		return false
	}
	if r.Path != "" && r.Path != c.Path {
		return false
	}
	if r.Destination != "" && r.Destination != c.Destination {
		return false
	}
	for n, want := range r.Args {
		if c.Args == nil {
			return false
		}
		got, ok := c.Args.StringArg(n)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Format renders r back into a match-rule string. Key order is fixed
// (type, sender, interface, member, path, destination, then arg<N> in
// ascending N) so Parse(Format(r)) round-trips up to argument-order,
// matching spec.md §8's round-trip property.
func (r *Rule) Format() string {
	var parts []string
	add := func(key, val string) {
		if val != "" {
			parts = append(parts, fmt.Sprintf("%s='%s'", key, val))
		}
	}
	add("type", r.Type)
	add("sender", r.Sender)
	add("interface", r.Interface)
	add("member", r.Member)
	add("path", r.Path)
	add("destination", r.Destination)

	argNums := make([]int, 0, len(r.Args))
	for n := range r.Args {
		argNums = append(argNums, n)
	}
	sort.Ints(argNums)
	for _, n := range argNums {
		add(fmt.Sprintf("arg%d", n), r.Args[n])
	}
	return strings.Join(parts, ",")
}
