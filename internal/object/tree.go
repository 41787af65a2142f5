// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package object implements the bus-facing, path-hierarchical object
// tree: ref-counted nodes binding interfaces, and the built-in
// Introspectable and Properties interfaces every node carries
// (spec.md §3's Object-path node / Bind, §4.8, §9's cyclic-ownership
// note).
package object

import (
	"sort"
	"strings"
	"sync"

	"github.com/sandia-minimega/dbus/internal/dbuserr"
	"github.com/sandia-minimega/dbus/internal/introspect"
)

const (
	IntrospectableInterface = "org.freedesktop.DBus.Introspectable"
	PropertiesInterface     = "org.freedesktop.DBus.Properties"
	PeerInterface           = "org.freedesktop.DBus.Peer"
)

// Bind is one (path, interface) registration: the node it lives on,
// the shared Interface it implements, an opaque handler context, and
// release hooks run on unbind (spec.md §3's Bind, §4.6's proxy hooks).
type Bind struct {
	Path      string
	Interface *introspect.Interface
	Context   interface{}

	releaseHooks []func()
	proxyRelease func(func())
}

// OnRelease registers a hook run when this bind is torn down. If proxy
// is set (spec.md §4.6), the hook runs through it instead of inline,
// so a bind owned by a foreign thread is released on that thread.
func (b *Bind) OnRelease(hook func()) {
	b.releaseHooks = append(b.releaseHooks, hook)
}

func (b *Bind) SetReleaseProxy(proxy func(func())) {
	b.proxyRelease = proxy
}

func (b *Bind) release() {
	for _, h := range b.releaseHooks {
		if b.proxyRelease != nil {
			b.proxyRelease(h)
		} else {
			h()
		}
	}
}

// node is one path-tree entry. Children are owned by their parent
// (child-owning, parent-weak per spec.md §9 to keep ownership a DAG);
// the parent pointer is used only to walk upward on refcount drops, not
// to keep the parent alive.
type node struct {
	name     string
	parent   *node
	children map[string]*node
	binds    map[string]*Bind // interface name -> bind, excludes builtins
	refcount int
}

func newNode(name string, parent *node) *node {
	return &node{name: name, parent: parent, children: make(map[string]*node), binds: make(map[string]*Bind)}
}

// Tree is the process-wide (or per-connection) path-hierarchical
// object tree.
type Tree struct {
	mu   sync.Mutex
	root *node

	builtinIntrospectable *introspect.Interface
	builtinProperties     *introspect.Interface
	builtinPeer           *introspect.Interface
}

// NewTree creates an empty object tree. The built-in
// org.freedesktop.DBus.Properties interface's Get/Set/GetAll dispatch
// through each bound Member's own Getter/Setter (see properties.go).
// org.freedesktop.DBus.Peer (Ping/GetMachineId) is carried on every node
// the same way, a near-zero-cost liveness probe every connection can
// rely on without binding anything itself.
func NewTree() *Tree {
	t := &Tree{root: newNode("", nil)}
	t.builtinIntrospectable, _ = introspect.NewInterface(IntrospectableInterface,
		introspect.Method("Introspect", nil, []introspect.Arg{{Name: "xml_data", Signature: "s"}}))
	t.builtinProperties, _ = introspect.NewInterface(PropertiesInterface,
		introspect.Method("Get",
			[]introspect.Arg{{Name: "interface_name", Signature: "s"}, {Name: "property_name", Signature: "s"}},
			[]introspect.Arg{{Name: "value", Signature: "v"}}),
		introspect.Method("Set",
			[]introspect.Arg{{Name: "interface_name", Signature: "s"}, {Name: "property_name", Signature: "s"}, {Name: "value", Signature: "v"}},
			nil),
		introspect.Method("GetAll",
			[]introspect.Arg{{Name: "interface_name", Signature: "s"}},
			[]introspect.Arg{{Name: "properties", Signature: "a{sv}"}}),
	)
	t.builtinPeer, _ = introspect.NewInterface(PeerInterface,
		introspect.Method("Ping", nil, nil),
		introspect.Method("GetMachineId", nil, []introspect.Arg{{Name: "machine_uuid", Signature: "s"}}),
	)
	return t
}

// normalize validates and splits a path per spec.md §6: leading slash,
// segments of [A-Za-z0-9_], no trailing slash unless root, no empty
// segments.
func normalize(path string) ([]string, error) {
	if path == "" || path[0] != '/' {
		return nil, dbuserr.RegistrationErr("object: path %q must start with /", path)
	}
	if path == "/" {
		return nil, nil
	}
	if strings.HasSuffix(path, "/") {
		return nil, dbuserr.RegistrationErr("object: path %q must not end with /", path)
	}
	segs := strings.Split(path[1:], "/")
	for _, s := range segs {
		if s == "" {
			return nil, dbuserr.RegistrationErr("object: path %q has an empty segment", path)
		}
		for _, c := range s {
			if !isPathChar(c) {
				return nil, dbuserr.RegistrationErr("object: path %q has invalid character %q", path, c)
			}
		}
	}
	return segs, nil
}

func isPathChar(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		return true
	default:
		return false
	}
}

// Bind installs iface at path, creating intermediate nodes as needed.
// iface is ref-counted: the same *Interface may be bound at multiple
// paths or shared across trees safely (spec.md §5's shared-resource
// policy).
func (t *Tree) Bind(path string, iface *introspect.Interface, ctx interface{}) (*Bind, error) {
	segs, err := normalize(path)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.ensurePath(segs)
	if _, exists := n.binds[iface.Name]; exists {
		return nil, dbuserr.RegistrationErr("object: interface %q already bound at %q", iface.Name, path)
	}

	b := &Bind{Path: path, Interface: iface, Context: ctx}
	n.binds[iface.Name] = b
	n.refcount++
	iface.Ref()
	return b, nil
}

// ensurePath walks/creates nodes along segs, incrementing each
// intermediate node's refcount for the child it gains (the child
// counts toward its parent's refcount per spec.md §3: "Refcount equals
// non-builtin binds plus live children").
func (t *Tree) ensurePath(segs []string) *node {
	n := t.root
	for _, s := range segs {
		child, ok := n.children[s]
		if !ok {
			child = newNode(s, n)
			n.children[s] = child
			n.refcount++
		}
		n = child
	}
	return n
}

// Unbind removes iface's bind from path. If the node's refcount
// reaches zero, the node and its builtin binds are dropped and the
// parent is dereferenced, recursively (spec.md §3).
func (t *Tree) Unbind(path string, ifaceName string) error {
	segs, err := normalize(path)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.find(segs)
	if n == nil {
		return dbuserr.RegistrationErr("object: no node at %q", path)
	}
	b, ok := n.binds[ifaceName]
	if !ok {
		return dbuserr.RegistrationErr("object: interface %q not bound at %q", ifaceName, path)
	}
	delete(n.binds, ifaceName)
	n.refcount--
	b.release()
	b.Interface.Unref()

	t.dropIfEmpty(n)
	return nil
}

// dropIfEmpty removes n (and recursively its now-childless parent) once
// its refcount reaches zero.
func (t *Tree) dropIfEmpty(n *node) {
	for n != nil && n.parent != nil && n.refcount <= 0 && len(n.binds) == 0 && len(n.children) == 0 {
		parent := n.parent
		delete(parent.children, n.name)
		parent.refcount--
		n = parent
	}
}

func (t *Tree) find(segs []string) *node {
	n := t.root
	for _, s := range segs {
		child, ok := n.children[s]
		if !ok {
			return nil
		}
		n = child
	}
	return n
}

// Lookup resolves (path, interfaceName) to a Bind. interfaceName may
// be empty, in which case the first non-builtin bind on the node is
// returned if there is exactly one (unqualified method dispatch).
func (t *Tree) Lookup(path, interfaceName string) (*Bind, error) {
	segs, err := normalize(path)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.find(segs)
	if n == nil {
		return nil, dbuserr.DispatchErr("object: unknown path %q", path)
	}
	if interfaceName != "" {
		b, ok := n.binds[interfaceName]
		if !ok {
			return nil, dbuserr.DispatchErr("object: unknown interface %q at %q", interfaceName, path)
		}
		return b, nil
	}
	if len(n.binds) == 1 {
		for _, b := range n.binds {
			return b, nil
		}
	}
	return nil, dbuserr.DispatchErr("object: ambiguous interface at %q, specify one explicitly", path)
}

// Exists reports whether a node exists at path.
func (t *Tree) Exists(path string) bool {
	segs, err := normalize(path)
	if err != nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.find(segs) != nil
}

// ChildNames returns the immediate child segment names of path, sorted,
// for introspection rendering (spec.md §8 scenario 6).
func (t *Tree) ChildNames(path string) ([]string, error) {
	segs, err := normalize(path)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.find(segs)
	if n == nil {
		return nil, dbuserr.DispatchErr("object: unknown path %q", path)
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// BoundInterfaces returns the non-builtin interfaces bound at path,
// for introspection rendering.
func (t *Tree) BoundInterfaces(path string) ([]*introspect.Interface, error) {
	segs, err := normalize(path)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.find(segs)
	if n == nil {
		return nil, dbuserr.DispatchErr("object: unknown path %q", path)
	}
	out := make([]*introspect.Interface, 0, len(n.binds))
	for _, b := range n.binds {
		out = append(out, b.Interface)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Introspectable, Properties, and Peer return the tree's shared
// built-in interfaces, installed implicitly on every node (spec.md §3,
// §4.8, and the Peer liveness probe supplementing it).
func (t *Tree) Introspectable() *introspect.Interface { return t.builtinIntrospectable }
func (t *Tree) Properties() *introspect.Interface     { return t.builtinProperties }
func (t *Tree) Peer() *introspect.Interface           { return t.builtinPeer }
