// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package server

import (
	"net"
	"sort"
	"sync"

	"github.com/juju/errors"

	sonarerrors "github.com/juju/sonar/core/errors"
	"github.com/juju/sonar/core/message"
	"github.com/juju/sonar/core/name"
	"github.com/juju/sonar/core/namespace"
)

// ObjectStore persists objects of types whose schema is Persistent.
type ObjectStore interface {
	// Create stores a new object with the wire form of its attributes.
	Create(tname, oname string, attrs map[string][]string) error

	// Update stores a new value of one attribute.
	Update(tname, oname, aname string, values []string) error

	// Delete drops an object.
	Delete(tname, oname string) error
}

// ObjectLoader reads back the objects of a type from a store.
type ObjectLoader interface {
	Load(tname string, fn func(oname string, attrs map[string][]string) error) error
}

// AddressFilter can veto access from a remote address regardless of the
// privileges of the user.
type AddressFilter func(n name.Name, u namespace.User, addr net.Addr, action namespace.Action) bool

// AllowNetworks returns a filter which refuses every action to clients
// connected from outside networks.
func AllowNetworks(networks []*net.IPNet) AddressFilter {
	return func(_ name.Name, _ namespace.User, addr net.Addr, _ namespace.Action) bool {
		ip := addrIP(addr)
		if ip == nil {
			return false
		}
		for _, network := range networks {
			if network.Contains(ip) {
				return true
			}
		}
		return false
	}
}

func addrIP(addr net.Addr) net.IP {
	switch addr := addr.(type) {
	case nil:
		return nil
	case *net.TCPAddr:
		return addr.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	return net.ParseIP(host)
}

// Namespace is the authoritative tree of types, objects and attributes.
// Mutation happens on the task processor; the locks only make lookups
// from other goroutines safe.
type Namespace struct {
	mu    sync.RWMutex
	types map[string]*TypeNode
	order []string

	store  ObjectStore
	filter AddressFilter
}

// NewNamespace returns an empty namespace. The store may be nil.
func NewNamespace(store ObjectStore) *Namespace {
	return &Namespace{
		types: make(map[string]*TypeNode),
		store: store,
	}
}

// SetAddressFilter installs a filter consulted by the address aware
// permission checks.
func (ns *Namespace) SetAddressFilter(f AddressFilter) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.filter = f
}

// RegisterType adds a type to the namespace. Registering a type name a
// second time returns the existing node.
func (ns *Namespace) RegisterType(schema *namespace.Schema, persistent bool) *TypeNode {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if node, ok := ns.types[schema.TypeName]; ok {
		return node
	}
	node := &TypeNode{
		schema:     schema,
		persistent: persistent,
		objects:    make(map[string]namespace.SonarObject),
	}
	ns.types[schema.TypeName] = node
	ns.order = append(ns.order, schema.TypeName)
	return node
}

// TypeNames returns the registered type names in registration order.
func (ns *Namespace) TypeNames() []string {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return append([]string(nil), ns.order...)
}

// TypeNode returns the node of a registered type.
func (ns *Namespace) TypeNode(tname string) (*TypeNode, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	node, ok := ns.types[tname]
	return node, ok
}

func (ns *Namespace) typeNode(n name.Name) (*TypeNode, error) {
	node, ok := ns.TypeNode(n.TypePart())
	if !ok {
		return nil, sonarerrors.NewNameUnknown(n.String())
	}
	return node, nil
}

func (ns *Namespace) objectNode(o namespace.SonarObject) (*TypeNode, error) {
	node, ok := ns.TypeNode(o.TypeName())
	if !ok {
		return nil, sonarerrors.NewNameUnknown(o.TypeName())
	}
	return node, nil
}

// AddObject inserts an object without storing it.
func (ns *Namespace) AddObject(o namespace.SonarObject) error {
	node, err := ns.objectNode(o)
	if err != nil {
		return errors.Trace(err)
	}
	return node.add(o)
}

// StoreObject stores an object in the backing store and then inserts it.
// A store failure leaves the namespace unchanged.
func (ns *Namespace) StoreObject(o namespace.SonarObject) error {
	node, err := ns.objectNode(o)
	if err != nil {
		return errors.Trace(err)
	}
	if node.Lookup(o.Name()) != nil {
		return sonarerrors.NameExists
	}
	if node.persistent && ns.store != nil {
		if err := ns.store.Create(o.TypeName(), o.Name(), node.marshalAll(o)); err != nil {
			return errors.Annotatef(err, "storing %s/%s", o.TypeName(), o.Name())
		}
	}
	return node.add(o)
}

// Restore rebuilds an object from its stored attributes and inserts it
// without storing it again. Unknown attributes are skipped.
func (ns *Namespace) Restore(tname, oname string, attrs map[string][]string) error {
	node, ok := ns.TypeNode(tname)
	if !ok {
		return sonarerrors.NewNameUnknown(tname)
	}
	o, err := node.newObject(oname)
	if err != nil {
		return errors.Trace(err)
	}
	for aname, values := range attrs {
		if _, ok := node.schema.Attribute(aname); !ok {
			continue
		}
		if err := node.setField(ns, o, aname, values); err != nil {
			return errors.Annotatef(err, "restoring %s/%s/%s", tname, oname, aname)
		}
	}
	return node.add(o)
}

// Load restores the objects of every persistent type, in registration
// order so that references to earlier types resolve.
func (ns *Namespace) Load(l ObjectLoader) error {
	for _, tname := range ns.TypeNames() {
		node, _ := ns.TypeNode(tname)
		if !node.persistent {
			continue
		}
		err := l.Load(tname, func(oname string, attrs map[string][]string) error {
			return ns.Restore(tname, oname, attrs)
		})
		if err != nil {
			return errors.Annotatef(err, "loading %s", tname)
		}
	}
	return nil
}

// RemoveObject destroys an object and drops it from the namespace.
func (ns *Namespace) RemoveObject(o namespace.SonarObject) error {
	node, err := ns.objectNode(o)
	if err != nil {
		return errors.Trace(err)
	}
	if err := o.Destroy(); err != nil {
		return errors.Annotatef(err, "destroying %s/%s", o.TypeName(), o.Name())
	}
	if node.persistent && ns.store != nil {
		if err := ns.store.Delete(o.TypeName(), o.Name()); err != nil {
			return errors.Annotatef(err, "deleting %s/%s", o.TypeName(), o.Name())
		}
	}
	node.remove(o.Name())
	return nil
}

// SetAttribute sets an attribute of a live object through its mutator. If
// the object does not exist a new phantom object holding the value is
// returned instead.
func (ns *Namespace) SetAttribute(n name.Name, values []string) (namespace.SonarObject, error) {
	node, err := ns.typeNode(n)
	if err != nil {
		return nil, errors.Trace(err)
	}
	o := node.Lookup(n.ObjectPart())
	if o == nil {
		phantom, err := node.newObject(n.ObjectPart())
		if err != nil {
			return nil, errors.Trace(err)
		}
		if err := node.setPhantom(ns, phantom, n.AttributePart(), values); err != nil {
			return nil, errors.Trace(err)
		}
		return phantom, nil
	}
	return nil, node.setValue(ns, o, n.AttributePart(), values)
}

// SetPhantomAttribute assigns an attribute of a phantom object.
func (ns *Namespace) SetPhantomAttribute(n name.Name, values []string, phantom namespace.SonarObject) error {
	node, err := ns.typeNode(n)
	if err != nil {
		return errors.Trace(err)
	}
	return node.setPhantom(ns, phantom, n.AttributePart(), values)
}

// IsReadable reports whether the attribute named by n can be read.
func (ns *Namespace) IsReadable(n name.Name) bool {
	node, ok := ns.TypeNode(n.TypePart())
	if !ok {
		return false
	}
	a, ok := node.schema.Attribute(n.AttributePart())
	return ok && a.Readable()
}

// GetAttribute returns the wire form of an attribute value.
func (ns *Namespace) GetAttribute(n name.Name) ([]string, error) {
	node, err := ns.typeNode(n)
	if err != nil {
		return nil, errors.Trace(err)
	}
	o := node.Lookup(n.ObjectPart())
	if o == nil {
		return nil, sonarerrors.NameInvalid
	}
	return node.getValue(o, n.AttributePart())
}

// LookupObject is part of the namespace.Lookup interface.
func (ns *Namespace) LookupObject(tname, oname string) namespace.SonarObject {
	if oname == "" {
		return nil
	}
	node, ok := ns.TypeNode(tname)
	if !ok {
		return nil
	}
	return node.Lookup(oname)
}

// LookupName returns the object named by an object name, or nil.
func (ns *Namespace) LookupName(n name.Name) namespace.SonarObject {
	if !n.IsObject() {
		return nil
	}
	return ns.LookupObject(n.TypePart(), n.ObjectPart())
}

// Objects is part of the namespace.Lookup interface.
func (ns *Namespace) Objects(tname string) []namespace.SonarObject {
	node, ok := ns.TypeNode(tname)
	if !ok {
		return nil
	}
	return node.Objects()
}

// Count returns the number of objects of a type.
func (ns *Namespace) Count(tname string) int {
	node, ok := ns.TypeNode(tname)
	if !ok {
		return 0
	}
	return node.Size()
}

// CreateObject returns a new, not yet stored, object for an object name.
func (ns *Namespace) CreateObject(n name.Name) (namespace.SonarObject, error) {
	if !n.IsObject() || n.ObjectPart() == "" {
		return nil, sonarerrors.NameInvalid
	}
	node, err := ns.typeNode(n)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return node.newObject(n.ObjectPart())
}

// Enumerate encodes everything contained by n. The filter, if not nil,
// decides which attributes are included in type and object enumerations.
func (ns *Namespace) Enumerate(enc *message.Encoder, n name.Name, filter func(name.Name) bool) error {
	switch {
	case !n.Valid():
		return sonarerrors.NameInvalid
	case n.IsRoot():
		for _, t := range ns.TypeNames() {
			if err := enc.Encode(message.Type, t); err != nil {
				return errors.Trace(err)
			}
		}
		return enc.Encode(message.Type)
	case n.IsType():
		node, err := ns.typeNode(n)
		if err != nil {
			return errors.Trace(err)
		}
		if err := enc.Encode(message.Type, n.TypePart()); err != nil {
			return errors.Trace(err)
		}
		if err := node.enumerateObjects(enc, filter); err != nil {
			return errors.Trace(err)
		}
		return enc.Encode(message.Type)
	case n.IsObject():
		o := ns.LookupName(n)
		if o == nil {
			return sonarerrors.NameInvalid
		}
		return ns.EnumerateObject(enc, o, filter)
	default:
		node, err := ns.typeNode(n)
		if err != nil {
			return errors.Trace(err)
		}
		if n.ObjectPart() == "" {
			return node.enumerateAttribute(enc, n.AttributePart())
		}
		values, err := ns.GetAttribute(n)
		if err != nil {
			return errors.Trace(err)
		}
		return enc.EncodeValues(message.Attribute, n.String(), values)
	}
}

// EnumerateObject encodes the readable attributes of an object using
// absolute attribute names.
func (ns *Namespace) EnumerateObject(enc *message.Encoder, o namespace.SonarObject, filter func(name.Name) bool) error {
	node, err := ns.objectNode(o)
	if err != nil {
		return errors.Trace(err)
	}
	return node.enumerateObject(enc, o, filter, true)
}

// CanRead reports whether u, connected from addr, may read n.
func (ns *Namespace) CanRead(n name.Name, u namespace.User, addr net.Addr) bool {
	return ns.can(namespace.Read, n, u, addr)
}

// CanUpdate reports whether u, connected from addr, may update n.
func (ns *Namespace) CanUpdate(n name.Name, u namespace.User, addr net.Addr) bool {
	return ns.can(namespace.Update, n, u, addr)
}

// CanAdd reports whether u, connected from addr, may add n.
func (ns *Namespace) CanAdd(n name.Name, u namespace.User, addr net.Addr) bool {
	return ns.can(namespace.Add, n, u, addr)
}

// CanRemove reports whether u, connected from addr, may remove n.
func (ns *Namespace) CanRemove(n name.Name, u namespace.User, addr net.Addr) bool {
	return ns.can(namespace.Remove, n, u, addr)
}

func (ns *Namespace) can(a namespace.Action, n name.Name, u namespace.User, addr net.Addr) bool {
	ns.mu.RLock()
	filter := ns.filter
	ns.mu.RUnlock()
	if filter != nil && !filter(n, u, addr, a) {
		return false
	}
	return namespace.Can(ns, a, n, u)
}

// TypeNode holds the live objects of one type.
type TypeNode struct {
	schema     *namespace.Schema
	persistent bool

	mu      sync.RWMutex
	objects map[string]namespace.SonarObject
}

// Schema returns the schema of the type.
func (t *TypeNode) Schema() *namespace.Schema {
	return t.schema
}

// Lookup returns the named object or nil.
func (t *TypeNode) Lookup(oname string) namespace.SonarObject {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.objects[oname]
}

// Objects returns the objects of the type sorted by name.
func (t *TypeNode) Objects() []namespace.SonarObject {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]namespace.SonarObject, 0, len(t.objects))
	for _, o := range t.objects {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name() < out[j].Name()
	})
	return out
}

// Size returns the number of objects of the type.
func (t *TypeNode) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.objects)
}

func (t *TypeNode) add(o namespace.SonarObject) error {
	if o.Name() == "" {
		return sonarerrors.NameInvalid
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.objects[o.Name()]; ok {
		return sonarerrors.NameExists
	}
	t.objects[o.Name()] = o
	return nil
}

func (t *TypeNode) remove(oname string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.objects, oname)
}

func (t *TypeNode) newObject(oname string) (namespace.SonarObject, error) {
	if oname == "" {
		return nil, sonarerrors.NameInvalid
	}
	if t.schema.New == nil {
		return nil, sonarerrors.UnableToAdd
	}
	return t.schema.New(oname), nil
}

func (t *TypeNode) attribute(aname string) (namespace.Attribute, error) {
	a, ok := t.schema.Attribute(aname)
	if !ok {
		return a, sonarerrors.NewNameUnknown(t.schema.TypeName + name.Sep + name.Sep + aname)
	}
	return a, nil
}

func (t *TypeNode) setValue(ns *Namespace, o namespace.SonarObject, aname string, values []string) error {
	a, err := t.attribute(aname)
	if err != nil {
		return errors.Trace(err)
	}
	if !a.Writable() {
		return sonarerrors.UnableToWrite
	}
	v, err := namespace.Unmarshal(ns, a.Type, values)
	if err != nil {
		return errors.Trace(err)
	}
	if !t.persistent || ns.store == nil {
		return errors.Trace(a.Set(o, v))
	}

	// A mutator may change derived attributes too, so every stored
	// attribute which changed is written back.
	before := t.storedValues(o)
	if err := a.Set(o, v); err != nil {
		return errors.Trace(err)
	}
	for _, sa := range t.schema.Attributes() {
		if !sa.Stored() {
			continue
		}
		old := before[sa.Name]
		if namespace.ValuesEqual(sa.Type, old, sa.Get(o)) {
			continue
		}
		err := ns.store.Update(o.TypeName(), o.Name(), sa.Name, namespace.Marshal(sa.Type, sa.Get(o)))
		if err != nil {
			t.restore(o, before)
			return errors.Annotatef(err, "updating %s/%s/%s", o.TypeName(), o.Name(), sa.Name)
		}
	}
	return nil
}

func (t *TypeNode) storedValues(o namespace.SonarObject) map[string]interface{} {
	values := make(map[string]interface{})
	for _, a := range t.schema.Attributes() {
		if a.Stored() {
			values[a.Name] = a.Get(o)
		}
	}
	return values
}

func (t *TypeNode) restore(o namespace.SonarObject, values map[string]interface{}) {
	for _, a := range t.schema.Attributes() {
		v, ok := values[a.Name]
		switch {
		case !ok:
		case a.Field != nil:
			a.Field(o, v)
		case a.Set != nil:
			_ = a.Set(o, v)
		}
	}
}

// setPhantom assigns a client supplied value to an object which is not
// yet in the namespace. The raw field assignment is used so no mutator
// runs before the object exists.
func (t *TypeNode) setPhantom(ns *Namespace, o namespace.SonarObject, aname string, values []string) error {
	a, err := t.attribute(aname)
	if err != nil {
		return errors.Trace(err)
	}
	if !a.Writable() {
		return sonarerrors.UnableToWrite
	}
	v, err := namespace.Unmarshal(ns, a.Type, values)
	if err != nil {
		return errors.Trace(err)
	}
	if a.Field != nil {
		a.Field(o, v)
		return nil
	}
	return errors.Trace(a.Set(o, v))
}

// setField assigns a stored value while loading an object.
func (t *TypeNode) setField(ns *Namespace, o namespace.SonarObject, aname string, values []string) error {
	a, err := t.attribute(aname)
	if err != nil {
		return errors.Trace(err)
	}
	v, err := namespace.Unmarshal(ns, a.Type, values)
	if err != nil {
		return errors.Trace(err)
	}
	switch {
	case a.Field != nil:
		a.Field(o, v)
		return nil
	case a.Set != nil:
		return errors.Trace(a.Set(o, v))
	}
	return sonarerrors.UnableToWrite
}

func (t *TypeNode) getValue(o namespace.SonarObject, aname string) ([]string, error) {
	a, err := t.attribute(aname)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !a.Readable() {
		return nil, sonarerrors.UnableToRead
	}
	return namespace.Marshal(a.Type, a.Get(o)), nil
}

func (t *TypeNode) marshalAll(o namespace.SonarObject) map[string][]string {
	attrs := make(map[string][]string)
	for _, a := range t.schema.Attributes() {
		if a.Stored() {
			attrs[a.Name] = namespace.Marshal(a.Type, a.Get(o))
		}
	}
	return attrs
}

func (t *TypeNode) enumerateObjects(enc *message.Encoder, filter func(name.Name) bool) error {
	for _, o := range t.Objects() {
		if err := enc.Encode(message.Object, o.Name()); err != nil {
			return errors.Trace(err)
		}
		if err := t.enumerateObject(enc, o, filter, false); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (t *TypeNode) enumerateObject(enc *message.Encoder, o namespace.SonarObject, filter func(name.Name) bool, absolute bool) error {
	for _, a := range t.schema.Attributes() {
		if !a.Readable() {
			continue
		}
		n := name.ForAttribute(o.TypeName(), o.Name(), a.Name)
		if filter != nil && !filter(n) {
			continue
		}
		param := a.Name
		if absolute {
			param = n.String()
		}
		if err := enc.EncodeValues(message.Attribute, param, namespace.Marshal(a.Type, a.Get(o))); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func (t *TypeNode) enumerateAttribute(enc *message.Encoder, aname string) error {
	a, err := t.attribute(aname)
	if err != nil {
		return errors.Trace(err)
	}
	if !a.Readable() {
		return sonarerrors.UnableToRead
	}
	for _, o := range t.Objects() {
		n := name.ForAttribute(o.TypeName(), o.Name(), aname)
		if err := enc.EncodeValues(message.Attribute, n.String(), namespace.Marshal(a.Type, a.Get(o))); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
