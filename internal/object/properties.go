// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package object

import (
	"github.com/sandia-minimega/dbus/internal/dbuserr"
	"github.com/sandia-minimega/dbus/internal/introspect"
)

// PropertyValue pairs a decoded value with the signature it must be
// encoded as, for GetAll's {s:v} dict (spec.md §4.8).
type PropertyValue struct {
	Name      string
	Signature string
	Value     interface{}
}

// GetProperty implements org.freedesktop.DBus.Properties.Get: look up
// ifaceName on the node at b, then dispatch to the named property's
// Getter.
func (t *Tree) GetProperty(b *Bind, ifaceName, propName string) (interface{}, string, error) {
	iface, member, err := t.resolveProperty(b, ifaceName, propName)
	if err != nil {
		return nil, "", err
	}
	if member.PropAccess == introspect.PropWrite {
		return nil, "", dbuserr.DispatchErr("object: property %q on %q is write-only", propName, iface.Name)
	}
	if member.Getter == nil {
		return nil, "", dbuserr.DispatchErr("object: property %q on %q has no getter", propName, iface.Name)
	}
	v, err := member.Getter(b.Context)
	if err != nil {
		return nil, "", err
	}
	return v, member.PropType, nil
}

// SetProperty implements org.freedesktop.DBus.Properties.Set.
func (t *Tree) SetProperty(b *Bind, ifaceName, propName string, value interface{}) error {
	iface, member, err := t.resolveProperty(b, ifaceName, propName)
	if err != nil {
		return err
	}
	if member.PropAccess == introspect.PropRead {
		return dbuserr.DispatchErr("object: property %q on %q is read-only", propName, iface.Name)
	}
	if member.Setter == nil {
		return dbuserr.DispatchErr("object: property %q on %q has no setter", propName, iface.Name)
	}
	return member.Setter(b.Context, value)
}

// GetAllProperties implements org.freedesktop.DBus.Properties.GetAll:
// every readable property on ifaceName, in declaration order.
func (t *Tree) GetAllProperties(b *Bind, ifaceName string) ([]PropertyValue, error) {
	iface := b.Interface
	if ifaceName != "" && iface.Name != ifaceName {
		return nil, dbuserr.DispatchErr("object: interface %q not bound at %q", ifaceName, b.Path)
	}
	var out []PropertyValue
	for _, m := range iface.Members() {
		if !m.IsProperty || m.PropAccess == introspect.PropWrite || m.Getter == nil {
			continue
		}
		v, err := m.Getter(b.Context)
		if err != nil {
			return nil, err
		}
		out = append(out, PropertyValue{Name: m.Name, Signature: m.PropType, Value: v})
	}
	return out, nil
}

func (t *Tree) resolveProperty(b *Bind, ifaceName, propName string) (*introspect.Interface, *introspect.Member, error) {
	if ifaceName != "" && b.Interface.Name != ifaceName {
		return nil, nil, dbuserr.DispatchErr("object: interface %q not bound at %q", ifaceName, b.Path)
	}
	m, ok := b.Interface.Member(propName)
	if !ok || !m.IsProperty {
		return nil, nil, dbuserr.DispatchErr("object: unknown property %q on %q", propName, b.Interface.Name)
	}
	return b.Interface, m, nil
}
