// Copyright 2015-2023 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package dbus

import (
	"fmt"
	"reflect"

	"github.com/sandia-minimega/dbus/internal/dbuserr"
	"github.com/sandia-minimega/dbus/internal/introspect"
	"github.com/sandia-minimega/dbus/internal/message"
	"github.com/sandia-minimega/dbus/internal/object"
	"github.com/sandia-minimega/dbus/internal/sig"
	"github.com/sandia-minimega/dbus/internal/wire"
	log "github.com/sandia-minimega/dbus/pkg/dbuslog"
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// PropAccess is a property's read/write mode, mirroring
// internal/introspect.PropAccess so callers describing an exported
// property don't need to import an internal package.
type PropAccess int

const (
	PropRead PropAccess = iota
	PropWrite
	PropReadWrite
)

// PropertySpec describes one exported property: its wire signature,
// access mode, and getter/setter closures. Go methods have no
// reflection-visible convention for "this is a read/write property", so
// unlike methods, properties are always spelled out explicitly
// (spec.md §3's property Member: type plus get/set handlers).
type PropertySpec struct {
	Name   string
	Sig    string
	Access PropAccess
	Get    func() (interface{}, error)
	Set    func(interface{}) error
}

// boundObject is the Context carried by every Bind this package
// creates: the reflect.Value of the exported Go object plus its
// method-name lookup table, built once at Export time so dispatch never
// re-walks the method set per call.
type boundObject struct {
	value   reflect.Value
	methods map[string]reflect.Method
}

// Export publishes obj's exported methods as a D-Bus interface at path.
// Each method's Go parameter and return types become its D-Bus in/out
// argument signatures (grounded on the reflect-based Export pattern
// used across the Go D-Bus ecosystem); the method's final return value
// must be error, and a non-nil error becomes the call's error reply
// instead of a return (see errorNameFor).
func (c *Conn) Export(obj interface{}, path ObjectPath, ifaceName string) error {
	return c.export(obj, path, ifaceName, nil)
}

// ExportWithProperties is Export plus a set of explicitly described
// properties on the same interface.
func (c *Conn) ExportWithProperties(obj interface{}, path ObjectPath, ifaceName string, props ...PropertySpec) error {
	return c.export(obj, path, ifaceName, props)
}

func (c *Conn) export(obj interface{}, path ObjectPath, ifaceName string, props []PropertySpec) error {
	bound := &boundObject{methods: make(map[string]reflect.Method)}
	var members []*introspect.Member

	if obj != nil {
		bound.value = reflect.ValueOf(obj)
		t := bound.value.Type()
		for i := 0; i < t.NumMethod(); i++ {
			rm := t.Method(i)
			in, out, err := methodArgs(rm)
			if err != nil {
				return err
			}
			bound.methods[rm.Name] = rm
			members = append(members, introspect.Method(rm.Name, in, out))
		}
	}

	for _, p := range props {
		p := p
		members = append(members, introspect.Property(p.Name, p.Sig, introspect.PropAccess(p.Access),
			func(interface{}) (interface{}, error) { return p.Get() },
			propSetter(p),
		))
	}

	iface, err := introspect.NewInterface(ifaceName, members...)
	if err != nil {
		return err
	}
	_, err = c.tree.Bind(string(path), iface, bound)
	return err
}

func propSetter(p PropertySpec) func(interface{}, interface{}) error {
	if p.Set == nil {
		return nil
	}
	return func(_ interface{}, v interface{}) error { return p.Set(v) }
}

// Unexport removes ifaceName from path.
func (c *Conn) Unexport(path ObjectPath, ifaceName string) error {
	return c.tree.Unbind(string(path), ifaceName)
}

func methodArgs(rm reflect.Method) (in, out []introspect.Arg, err error) {
	mt := rm.Type
	numIn := mt.NumIn() - 1 // drop the receiver
	numOut := mt.NumOut()
	if numOut == 0 || mt.Out(numOut-1) != errorType {
		return nil, nil, dbuserr.RegistrationErr("dbus: method %s must return error as its last result", rm.Name)
	}
	for i := 0; i < numIn; i++ {
		s, err := signatureForType(mt.In(i + 1))
		if err != nil {
			return nil, nil, err
		}
		in = append(in, introspect.Arg{Name: fmt.Sprintf("arg%d", i), Signature: s})
	}
	for i := 0; i < numOut-1; i++ {
		s, err := signatureForType(mt.Out(i))
		if err != nil {
			return nil, nil, err
		}
		out = append(out, introspect.Arg{Name: fmt.Sprintf("out%d", i), Signature: s})
	}
	return in, out, nil
}

// methodReply is the signature/body pair a dispatched call produces,
// kept separate from message.Builder so callMethod doesn't need to know
// the reply's serial or destination until dispatchMethodCall builds it.
type methodReply struct {
	sig  string
	body []byte
}

// dispatchMethodCall is step 3 of spec.md §4.5's per-message dispatch:
// run after the match-list scan and the reply-table lookup have already
// had their turn. It never blocks on anything but the handler itself.
func (c *Conn) dispatchMethodCall(m *message.Message) {
	noReply := m.Flags&message.FlagNoReplyExpected != 0

	reply, err := c.callMethod(m)
	if noReply {
		return
	}

	var raw []byte
	var buildErr error
	if err != nil {
		name, msg := errorNameFor(err)
		argSig, body, encErr := EncodeArgs(msg)
		b := message.NewBuilder(message.KindError, c.allocSerial(), wireOrder).
			SetReplySerial(m.Serial).SetErrorName(name).SetDestination(m.Sender)
		if encErr == nil {
			b.SetBody(argSig, body)
		}
		raw, buildErr = b.Build()
	} else {
		b := message.NewBuilder(message.KindReturn, c.allocSerial(), wireOrder).
			SetReplySerial(m.Serial).SetDestination(m.Sender)
		if reply.sig != "" {
			b.SetBody(reply.sig, reply.body)
		}
		raw, buildErr = b.Build()
	}
	if buildErr != nil {
		log.Error("dbus: failed to build reply to serial %d: %v", m.Serial, buildErr)
		return
	}
	if err := c.send(raw); err != nil {
		log.Error("dbus: failed to send reply to serial %d: %v", m.Serial, err)
	}
}

// callMethod resolves and invokes the handler for a method-call
// message, special-casing the three built-in interfaces every node
// carries (spec.md §4.8) before falling through to the object tree.
func (c *Conn) callMethod(m *message.Message) (*methodReply, error) {
	switch m.Interface {
	case object.IntrospectableInterface:
		return c.handleIntrospect(m)
	case object.PropertiesInterface:
		return c.handleProperties(m)
	case object.PeerInterface:
		return c.handlePeer(m)
	}

	bind, err := c.tree.Lookup(m.Path, m.Interface)
	if err != nil {
		return nil, &Error{Name: ErrUnknownObject, Msg: err.Error()}
	}
	member, ok := bind.Interface.Member(m.Member)
	if !ok || !member.IsMethod {
		return nil, &Error{Name: ErrUnknownMethod, Msg: fmt.Sprintf("no method %q on %q", m.Member, bind.Interface.Name)}
	}
	bound, _ := bind.Context.(*boundObject)
	if bound == nil {
		return nil, &Error{Name: ErrFailed, Msg: "method has no handler"}
	}
	rm, ok := bound.methods[member.Name]
	if !ok {
		return nil, &Error{Name: ErrFailed, Msg: "method has no handler"}
	}

	args, err := decodeMethodArgs(m, rm.Type)
	if err != nil {
		return nil, &Error{Name: ErrInvalidArgs, Msg: err.Error()}
	}
	in := make([]reflect.Value, 0, len(args)+1)
	in = append(in, bound.value)
	in = append(in, args...)
	outVals := rm.Func.Call(in)

	if errVal := outVals[len(outVals)-1]; !errVal.IsNil() {
		return nil, errVal.Interface().(error)
	}
	outArgs := make([]interface{}, 0, len(outVals)-1)
	for _, v := range outVals[:len(outVals)-1] {
		outArgs = append(outArgs, v.Interface())
	}
	sigStr, body, err := EncodeArgs(outArgs...)
	if err != nil {
		return nil, err
	}
	return &methodReply{sig: sigStr, body: body}, nil
}

func decodeMethodArgs(m *message.Message, mt reflect.Type) ([]reflect.Value, error) {
	numIn := mt.NumIn() - 1
	if numIn == 0 {
		return nil, nil
	}
	types, err := sig.Split(m.Signature)
	if err != nil {
		return nil, err
	}
	if len(types) != numIn {
		return nil, dbuserr.ProtocolErr("dbus: method expects %d arguments, got %d", numIn, len(types))
	}
	it := wire.NewIterator(m.Body(), m.Signature, m.Order)
	out := make([]reflect.Value, numIn)
	for i := 0; i < numIn; i++ {
		ev := reflect.New(mt.In(i + 1)).Elem()
		if err := decodeInto(it, types[i], ev); err != nil {
			return nil, err
		}
		out[i] = ev
	}
	return out, nil
}

func (c *Conn) handleIntrospect(m *message.Message) (*methodReply, error) {
	if m.Member != "Introspect" {
		return nil, &Error{Name: ErrUnknownMethod, Msg: "no such method on Introspectable"}
	}
	ifaces, err := c.tree.BoundInterfaces(m.Path)
	if err != nil {
		return nil, &Error{Name: ErrUnknownObject, Msg: err.Error()}
	}
	ifaces = append(ifaces, c.tree.Introspectable(), c.tree.Properties(), c.tree.Peer())
	children, err := c.tree.ChildNames(m.Path)
	if err != nil {
		return nil, &Error{Name: ErrUnknownObject, Msg: err.Error()}
	}
	xmlStr, err := introspect.RenderXML(ifaces, children)
	if err != nil {
		return nil, err
	}
	sigStr, body, err := EncodeArgs(xmlStr)
	if err != nil {
		return nil, err
	}
	return &methodReply{sig: sigStr, body: body}, nil
}

func (c *Conn) handleProperties(m *message.Message) (*methodReply, error) {
	switch m.Member {
	case "Get":
		var ifaceName, propName string
		if err := DecodeBody(m.Signature, m.Body(), m.Order, &ifaceName, &propName); err != nil {
			return nil, &Error{Name: ErrInvalidArgs, Msg: err.Error()}
		}
		bind, err := c.tree.Lookup(m.Path, ifaceName)
		if err != nil {
			return nil, &Error{Name: ErrUnknownInterface, Msg: err.Error()}
		}
		v, vsig, err := c.tree.GetProperty(bind, ifaceName, propName)
		if err != nil {
			return nil, &Error{Name: ErrUnknownProperty, Msg: err.Error()}
		}
		sigStr, body, err := EncodeArgs(Variant{Sig: vsig, Value: v})
		if err != nil {
			return nil, err
		}
		return &methodReply{sig: sigStr, body: body}, nil

	case "Set":
		var ifaceName, propName string
		var value Variant
		if err := DecodeBody(m.Signature, m.Body(), m.Order, &ifaceName, &propName, &value); err != nil {
			return nil, &Error{Name: ErrInvalidArgs, Msg: err.Error()}
		}
		bind, err := c.tree.Lookup(m.Path, ifaceName)
		if err != nil {
			return nil, &Error{Name: ErrUnknownInterface, Msg: err.Error()}
		}
		if err := c.tree.SetProperty(bind, ifaceName, propName, value.Value); err != nil {
			return nil, &Error{Name: ErrPropertyReadOnly, Msg: err.Error()}
		}
		return &methodReply{}, nil

	case "GetAll":
		var ifaceName string
		if err := DecodeBody(m.Signature, m.Body(), m.Order, &ifaceName); err != nil {
			return nil, &Error{Name: ErrInvalidArgs, Msg: err.Error()}
		}
		bind, err := c.tree.Lookup(m.Path, ifaceName)
		if err != nil {
			return nil, &Error{Name: ErrUnknownInterface, Msg: err.Error()}
		}
		props, err := c.tree.GetAllProperties(bind, ifaceName)
		if err != nil {
			return nil, err
		}
		dict := make(map[string]Variant, len(props))
		for _, p := range props {
			dict[p.Name] = Variant{Sig: p.Signature, Value: p.Value}
		}
		sigStr, body, err := EncodeArgs(dict)
		if err != nil {
			return nil, err
		}
		return &methodReply{sig: sigStr, body: body}, nil
	}
	return nil, &Error{Name: ErrUnknownMethod, Msg: "no such method on Properties"}
}

// handlePeer implements org.freedesktop.DBus.Peer: Ping (empty reply)
// and GetMachineId, a per-connection random id generated once at dial
// time (supplementing spec.md §4.8's built-in interfaces with the
// liveness probe every real bus exposes).
func (c *Conn) handlePeer(m *message.Message) (*methodReply, error) {
	switch m.Member {
	case "Ping":
		return &methodReply{}, nil
	case "GetMachineId":
		sigStr, body, err := EncodeArgs(c.machineID)
		if err != nil {
			return nil, err
		}
		return &methodReply{sig: sigStr, body: body}, nil
	}
	return nil, &Error{Name: ErrUnknownMethod, Msg: "no such method on Peer"}
}
