// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package introspect holds named interfaces, their members (methods,
// signals, properties), and renders the D-Bus introspection XML
// dialect (spec.md §3's Interface data model, §4.8).
package introspect

import (
	"encoding/xml"
	"sync"

	"github.com/sandia-minimega/dbus/internal/dbuserr"
)

// PropAccess is a property's read/write mode.
type PropAccess int

const (
	PropRead PropAccess = iota
	PropWrite
	PropReadWrite
)

func (a PropAccess) String() string {
	switch a {
	case PropRead:
		return "read"
	case PropWrite:
		return "write"
	default:
		return "readwrite"
	}
}

// Arg is one named, typed method/signal argument.
type Arg struct {
	Name      string
	Signature string
}

// Annotation is a D-Bus introspection annotation (e.g.
// org.freedesktop.DBus.Deprecated).
type Annotation struct {
	Name  string
	Value string
}

// MethodHandler is invoked with a decoded-argument reader and a reply
// builder; its concrete signature lives in the object package (which
// owns the iterator/builder types) — introspect only needs the
// metadata to render XML and needs no handler type of its own besides
// an opaque context, so handlers are stored by the object package
// alongside a *Member, not inside it.

// Member is one named entry in an Interface: a method, a signal, or a
// property (spec.md §3).
type Member struct {
	Name string

	// Method fields.
	IsMethod bool
	InArgs   []Arg
	OutArgs  []Arg

	// Signal fields.
	IsSignal   bool
	SignalArgs []Arg

	// Property fields. Getter/Setter are invoked with the bind's opaque
	// handler context (spec.md §3: "property (type, get/set handlers)").
	IsProperty bool
	PropType   string
	PropAccess PropAccess
	Getter     func(ctx interface{}) (value interface{}, err error)
	Setter     func(ctx interface{}, value interface{}) error

	Annotations []Annotation
}

// Method constructs a method Member.
func Method(name string, in, out []Arg, annotations ...Annotation) *Member {
	return &Member{Name: name, IsMethod: true, InArgs: in, OutArgs: out, Annotations: annotations}
}

// Signal constructs a signal Member.
func Signal(name string, args []Arg, annotations ...Annotation) *Member {
	return &Member{Name: name, IsSignal: true, SignalArgs: args, Annotations: annotations}
}

// Property constructs a property Member. setter may be nil for a
// read-only property.
func Property(name, sig string, access PropAccess, getter func(interface{}) (interface{}, error), setter func(interface{}, interface{}) error, annotations ...Annotation) *Member {
	return &Member{Name: name, IsProperty: true, PropType: sig, PropAccess: access, Getter: getter, Setter: setter, Annotations: annotations}
}

// Interface is a named, reference-counted collection of Members.
// Interfaces are immutable once built and may be shared by multiple
// binds across connections (spec.md §5's shared-resource policy).
type Interface struct {
	Name    string
	members map[string]*Member
	order   []string

	mu       sync.Mutex
	refcount int
}

// NewInterface builds an immutable Interface from name and members.
// Duplicate member names are rejected.
func NewInterface(name string, members ...*Member) (*Interface, error) {
	iface := &Interface{Name: name, members: make(map[string]*Member, len(members))}
	for _, m := range members {
		if _, exists := iface.members[m.Name]; exists {
			return nil, dbuserr.RegistrationErr("introspect: duplicate member %q on interface %q", m.Name, name)
		}
		iface.members[m.Name] = m
		iface.order = append(iface.order, m.Name)
	}
	return iface, nil
}

// Member looks up a member by name.
func (i *Interface) Member(name string) (*Member, bool) {
	m, ok := i.members[name]
	return m, ok
}

// Members returns all members in declaration order.
func (i *Interface) Members() []*Member {
	out := make([]*Member, len(i.order))
	for idx, name := range i.order {
		out[idx] = i.members[name]
	}
	return out
}

// Ref and Unref implement the reference count described in spec.md
// §3's Interface data model: "a bind ref pins one copy per path".
func (i *Interface) Ref() {
	i.mu.Lock()
	i.refcount++
	i.mu.Unlock()
}

// Unref decrements the refcount and reports whether it reached zero.
func (i *Interface) Unref() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.refcount--
	return i.refcount <= 0
}

// --- XML rendering (spec.md §4.8) ---

type xmlNode struct {
	XMLName    xml.Name      `xml:"node"`
	Interfaces []xmlInterface `xml:"interface"`
	Children   []xmlChild    `xml:"node"`
}

type xmlInterface struct {
	Name       string        `xml:"name,attr"`
	Methods    []xmlMethod   `xml:"method"`
	Signals    []xmlSignal   `xml:"signal"`
	Properties []xmlProperty `xml:"property"`
}

type xmlMethod struct {
	Name        string          `xml:"name,attr"`
	Args        []xmlArg        `xml:"arg"`
	Annotations []xmlAnnotation `xml:"annotation"`
}

type xmlSignal struct {
	Name        string          `xml:"name,attr"`
	Args        []xmlArg        `xml:"arg"`
	Annotations []xmlAnnotation `xml:"annotation"`
}

type xmlProperty struct {
	Name        string          `xml:"name,attr"`
	Type        string          `xml:"type,attr"`
	Access      string          `xml:"access,attr"`
	Annotations []xmlAnnotation `xml:"annotation"`
}

type xmlArg struct {
	Name      string `xml:"name,attr,omitempty"`
	Type      string `xml:"type,attr"`
	Direction string `xml:"direction,attr,omitempty"`
}

type xmlAnnotation struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type xmlChild struct {
	Name string `xml:"name,attr"`
}

// RenderXML builds the introspection document for one path: ifaces is
// the set of interfaces bound at this node, childNames its immediate
// children (spec.md §8 scenario 6).
func RenderXML(ifaces []*Interface, childNames []string) (string, error) {
	doc := xmlNode{}
	for _, iface := range ifaces {
		xi := xmlInterface{Name: iface.Name}
		for _, m := range iface.Members() {
			switch {
			case m.IsMethod:
				xi.Methods = append(xi.Methods, xmlMethod{
					Name:        m.Name,
					Args:        renderArgs(m.InArgs, "in", m.OutArgs, "out"),
					Annotations: renderAnnotations(m.Annotations),
				})
			case m.IsSignal:
				xi.Signals = append(xi.Signals, xmlSignal{
					Name:        m.Name,
					Args:        renderArgs(m.SignalArgs, "", nil, ""),
					Annotations: renderAnnotations(m.Annotations),
				})
			case m.IsProperty:
				xi.Properties = append(xi.Properties, xmlProperty{
					Name:        m.Name,
					Type:        m.PropType,
					Access:      m.PropAccess.String(),
					Annotations: renderAnnotations(m.Annotations),
				})
			}
		}
		doc.Interfaces = append(doc.Interfaces, xi)
	}
	for _, name := range childNames {
		doc.Children = append(doc.Children, xmlChild{Name: name})
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", dbuserr.Wrap(dbuserr.Dispatch, "introspect: xml render failed", err)
	}
	header := `<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN"
"http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">
`
	return header + string(out), nil
}

func renderArgs(in []Arg, inDir string, out []Arg, outDir string) []xmlArg {
	var args []xmlArg
	for _, a := range in {
		args = append(args, xmlArg{Name: a.Name, Type: a.Signature, Direction: inDir})
	}
	for _, a := range out {
		args = append(args, xmlArg{Name: a.Name, Type: a.Signature, Direction: outDir})
	}
	return args
}

func renderAnnotations(anns []Annotation) []xmlAnnotation {
	var out []xmlAnnotation
	for _, a := range anns {
		out = append(out, xmlAnnotation{Name: a.Name, Value: a.Value})
	}
	return out
}
