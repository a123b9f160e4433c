// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package client

import (
	"sort"
	"sync"

	"github.com/juju/errors"

	sonarerrors "github.com/juju/sonar/core/errors"
	"github.com/juju/sonar/core/message"
	"github.com/juju/sonar/core/name"
	"github.com/juju/sonar/core/namespace"
)

// ProxyListener is told about changes to the objects of a TypeCache.
// Calls for one cache are made one at a time, in the order the changes
// were applied. A listener may read from the cache, but must not add or
// remove listeners from within a call.
type ProxyListener interface {
	// ProxyAdded is called when the server declares an object.
	ProxyAdded(p *Proxy)

	// EnumerationComplete is called once every object of the type
	// has been declared.
	EnumerationComplete()

	// ProxyRemoved is called when an object is removed, or when the
	// connection to the server is lost.
	ProxyRemoved(p *Proxy)

	// ProxyChanged is called when an attribute of a declared object
	// changes.
	ProxyChanged(p *Proxy, aname string)
}

// TypeCache holds the proxies of one type.
type TypeCache struct {
	schema *namespace.Schema
	ns     *ClientNamespace

	// listenMu serialises changes with their notifications and with
	// listener registration.
	listenMu  sync.Mutex
	listeners []ProxyListener

	mu         sync.Mutex
	children   map[string]*Proxy
	phantom    *Proxy
	enumerated bool
}

// NewTypeCache returns an empty cache for objects described by schema.
// Only the attribute names and types of the schema are used.
func NewTypeCache(schema *namespace.Schema) *TypeCache {
	return &TypeCache{
		schema:   schema,
		children: make(map[string]*Proxy),
	}
}

// Schema returns the schema the cache decodes attributes with.
func (tc *TypeCache) Schema() *namespace.Schema {
	return tc.schema
}

// TypeName returns the name of the cached type.
func (tc *TypeCache) TypeName() string {
	return tc.schema.TypeName
}

func (tc *TypeCache) attribute(aname string) (namespace.Attribute, error) {
	a, ok := tc.schema.Attribute(aname)
	if !ok {
		return a, sonarerrors.NewNameUnknown(name.ForAttribute(tc.TypeName(), "", aname).String())
	}
	return a, nil
}

func (tc *TypeCache) getProxyLocked(oname string) *Proxy {
	if p, ok := tc.children[oname]; ok {
		return p
	}
	p := newProxy(tc, oname)
	tc.children[oname] = p
	tc.phantom = p
	return p
}

// GetProxy returns the proxy for oname. A proxy for an unknown name is
// created as a phantom: it holds attribute values but is not visible
// through Lookup until the server declares it.
func (tc *TypeCache) GetProxy(oname string) *Proxy {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.getProxyLocked(oname)
}

// Phantom returns the proxy waiting to be declared, if any.
func (tc *TypeCache) Phantom() *Proxy {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.phantom
}

// Add declares oname, promoting its phantom if there is one.
func (tc *TypeCache) Add(oname string) *Proxy {
	tc.listenMu.Lock()
	defer tc.listenMu.Unlock()

	tc.mu.Lock()
	p := tc.getProxyLocked(oname)
	if tc.phantom == p {
		tc.phantom = nil
	}
	added := !p.declared
	p.declared = true
	tc.mu.Unlock()

	if added {
		for _, l := range tc.listeners {
			l.ProxyAdded(p)
		}
	}
	return p
}

// Remove drops a declared object. Its proxy becomes a zombie.
func (tc *TypeCache) Remove(oname string) (*Proxy, error) {
	tc.listenMu.Lock()
	defer tc.listenMu.Unlock()

	tc.mu.Lock()
	p, ok := tc.children[oname]
	if !ok || !p.declared {
		tc.mu.Unlock()
		return nil, sonarerrors.NewNameUnknown(name.ForObject(tc.TypeName(), oname).String())
	}
	delete(tc.children, oname)
	p.zombie = true
	tc.mu.Unlock()

	for _, l := range tc.listeners {
		l.ProxyRemoved(p)
	}
	return p, nil
}

// EnumerationComplete records that every object of the type has been
// declared.
func (tc *TypeCache) EnumerationComplete() {
	tc.listenMu.Lock()
	defer tc.listenMu.Unlock()

	tc.mu.Lock()
	tc.enumerated = true
	tc.mu.Unlock()

	for _, l := range tc.listeners {
		l.EnumerationComplete()
	}
}

// Enumerated reports whether the initial enumeration has completed.
func (tc *TypeCache) Enumerated() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.enumerated
}

// UpdateAttribute stores a value sent by the server. Listeners are not
// told about changes to the pending phantom.
func (tc *TypeCache) UpdateAttribute(p *Proxy, aname string, values []string) error {
	a, err := tc.attribute(aname)
	if err != nil {
		return errors.Trace(err)
	}
	var l namespace.Lookup
	if tc.ns != nil {
		l = tc.ns
	}
	v, err := namespace.Unmarshal(l, a.Type, values)
	if err != nil {
		return errors.Annotatef(err, "%s/%s", p, aname)
	}

	tc.listenMu.Lock()
	defer tc.listenMu.Unlock()

	tc.mu.Lock()
	p.attrs[aname] = v
	notify := p != tc.phantom
	tc.mu.Unlock()

	if notify {
		for _, l := range tc.listeners {
			l.ProxyChanged(p, aname)
		}
	}
	return nil
}

// Attribute returns the cached value of an attribute.
func (tc *TypeCache) Attribute(p *Proxy, aname string) (interface{}, error) {
	if _, err := tc.attribute(aname); err != nil {
		return nil, errors.Trace(err)
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return p.attrs[aname], nil
}

// SetAttribute asks the server to change an attribute. With check set,
// nothing is sent when v equals the cached value. Writes to zombies are
// dropped.
func (tc *TypeCache) SetAttribute(p *Proxy, aname string, v interface{}, check bool) error {
	a, err := tc.attribute(aname)
	if err != nil {
		return errors.Trace(err)
	}
	tc.mu.Lock()
	zombie := p.zombie
	same := check && namespace.ValuesEqual(a.Type, p.attrs[aname], v)
	tc.mu.Unlock()
	if zombie || same {
		return nil
	}
	n := name.ForAttribute(tc.TypeName(), p.name, aname)
	var enc message.Encoder
	if err := enc.EncodeValues(message.Attribute, n.String(), namespace.Marshal(a.Type, v)); err != nil {
		return errors.Trace(err)
	}
	return tc.send(enc.Take())
}

// AddProxyListener adds l and immediately replays ProxyAdded for every
// declared object, followed by EnumerationComplete if the initial
// enumeration has finished.
func (tc *TypeCache) AddProxyListener(l ProxyListener) {
	tc.listenMu.Lock()
	defer tc.listenMu.Unlock()

	proxies := tc.Objects()
	enumerated := tc.Enumerated()
	for _, p := range proxies {
		l.ProxyAdded(p)
	}
	if enumerated {
		l.EnumerationComplete()
	}
	tc.listeners = append(tc.listeners, l)
}

// RemoveProxyListener removes l.
func (tc *TypeCache) RemoveProxyListener(l ProxyListener) {
	tc.listenMu.Lock()
	defer tc.listenMu.Unlock()
	for i, existing := range tc.listeners {
		if existing == l {
			tc.listeners = append(tc.listeners[:i:i], tc.listeners[i+1:]...)
			return
		}
	}
}

// Lookup returns the declared object named oname, or nil.
func (tc *TypeCache) Lookup(oname string) *Proxy {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	p, ok := tc.children[oname]
	if !ok || !p.declared {
		return nil
	}
	return p
}

// Objects returns the declared objects ordered by name.
func (tc *TypeCache) Objects() []*Proxy {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.declaredLocked()
}

func (tc *TypeCache) declaredLocked() []*Proxy {
	out := make([]*Proxy, 0, len(tc.children))
	for _, p := range tc.children {
		if p.declared {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Size returns the number of declared objects.
func (tc *TypeCache) Size() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	n := 0
	for _, p := range tc.children {
		if p.declared {
			n++
		}
	}
	return n
}

// Reset turns every proxy into a zombie and empties the cache. Listeners
// are told that each declared object has gone. The initial enumeration
// must be repeated after reconnecting.
func (tc *TypeCache) Reset() {
	tc.listenMu.Lock()
	defer tc.listenMu.Unlock()

	tc.mu.Lock()
	removed := tc.declaredLocked()
	for _, p := range tc.children {
		p.zombie = true
	}
	tc.children = make(map[string]*Proxy)
	tc.phantom = nil
	tc.enumerated = false
	tc.mu.Unlock()

	for _, p := range removed {
		for _, l := range tc.listeners {
			l.ProxyRemoved(p)
		}
	}
}

// IgnoreAttribute stops updates of one attribute for every object of the
// type.
func (tc *TypeCache) IgnoreAttribute(aname string) error {
	return tc.request(message.Ignore, name.ForAttribute(tc.TypeName(), "", aname))
}

// WatchObject asks for every attribute of p.
func (tc *TypeCache) WatchObject(p *Proxy) error {
	if p.Zombie() {
		return nil
	}
	return tc.request(message.Enumerate, name.ForObject(tc.TypeName(), p.name))
}

// IgnoreObject removes a watch added by WatchObject. The object is still
// watched if its type is.
func (tc *TypeCache) IgnoreObject(p *Proxy) error {
	if p.Zombie() {
		return nil
	}
	return tc.request(message.Ignore, name.ForObject(tc.TypeName(), p.name))
}

// RemoveObject asks the server to remove p.
func (tc *TypeCache) RemoveObject(p *Proxy) error {
	if p.Zombie() {
		return nil
	}
	return tc.request(message.Remove, name.ForObject(tc.TypeName(), p.name))
}

// CreateObject asks the server to create an object with default
// attribute values.
func (tc *TypeCache) CreateObject(oname string) error {
	return tc.request(message.Object, name.ForObject(tc.TypeName(), oname))
}

// CreateObjectWith asks the server to create an object with the given
// attribute values. The attribute records and the create record are
// written together so that no other request can come between them.
func (tc *TypeCache) CreateObjectWith(oname string, attrs map[string]interface{}) error {
	anames := make([]string, 0, len(attrs))
	for aname := range attrs {
		anames = append(anames, aname)
	}
	sort.Strings(anames)

	var enc message.Encoder
	for _, aname := range anames {
		a, err := tc.attribute(aname)
		if err != nil {
			return errors.Trace(err)
		}
		n := name.ForAttribute(tc.TypeName(), oname, aname)
		if err := enc.EncodeValues(message.Attribute, n.String(), namespace.Marshal(a.Type, attrs[aname])); err != nil {
			return errors.Trace(err)
		}
	}
	if err := enc.Encode(message.Object, name.ForObject(tc.TypeName(), oname).String()); err != nil {
		return errors.Trace(err)
	}
	return tc.send(enc.Take())
}

func (tc *TypeCache) request(code message.Code, n name.Name) error {
	data, err := message.Encode(code, n.String())
	if err != nil {
		return errors.Trace(err)
	}
	return tc.send(data)
}

func (tc *TypeCache) send(data []byte) error {
	if tc.ns == nil {
		return ErrNotConnected
	}
	return tc.ns.send(data)
}
