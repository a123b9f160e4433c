// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package client

import (
	"sort"
	"strings"
	"sync"

	"github.com/juju/errors"

	sonarerrors "github.com/juju/sonar/core/errors"
	"github.com/juju/sonar/core/message"
	"github.com/juju/sonar/core/name"
	"github.com/juju/sonar/core/namespace"
)

// ErrNotConnected is returned for requests made before a namespace is
// attached to a client.
const ErrNotConnected = errors.ConstError("not connected")

// Sender writes encoded requests to a server. Each call is written
// without being interleaved with any other.
type Sender interface {
	Send(data []byte) error
}

// ClientNamespace is the client's cache of the server namespace. It holds
// one TypeCache per type the client is interested in, and applies the
// records sent by the server to them.
type ClientNamespace struct {
	mu     sync.RWMutex
	types  map[string]*TypeCache
	sender Sender

	// Only used by the goroutine applying records.
	curType *TypeCache
	curObj  *Proxy
}

// NewNamespace returns an empty namespace.
func NewNamespace() *ClientNamespace {
	return &ClientNamespace{types: make(map[string]*TypeCache)}
}

// AddType adds a cache for the objects of one type.
func (ns *ClientNamespace) AddType(tc *TypeCache) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	tc.ns = ns
	ns.types[tc.TypeName()] = tc
}

// TypeCache returns the cache for tname.
func (ns *ClientNamespace) TypeCache(tname string) (*TypeCache, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	tc, ok := ns.types[tname]
	return tc, ok
}

// TypeNames returns the names of the cached types in order.
func (ns *ClientNamespace) TypeNames() []string {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	out := make([]string, 0, len(ns.types))
	for t := range ns.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (ns *ClientNamespace) setSender(s Sender) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.sender = s
}

func (ns *ClientNamespace) send(data []byte) error {
	ns.mu.RLock()
	s := ns.sender
	ns.mu.RUnlock()
	if s == nil {
		return ErrNotConnected
	}
	return errors.Trace(s.Send(data))
}

func isAbsolute(path string) bool {
	return strings.Contains(path, "/")
}

func (ns *ClientNamespace) currentType() (*TypeCache, error) {
	if ns.curType == nil {
		return nil, sonarerrors.NameInvalid
	}
	return ns.curType, nil
}

func (ns *ClientNamespace) typeOf(n name.Name) (*TypeCache, error) {
	tc, ok := ns.TypeCache(n.TypePart())
	if !ok {
		return nil, sonarerrors.NameInvalid
	}
	ns.curType = tc
	return tc, nil
}

// SetCurrentType handles a TYPE record. An empty type name ends the
// enumeration of the current type.
func (ns *ClientNamespace) SetCurrentType(tname string) error {
	if tname == "" {
		if ns.curType != nil {
			ns.curType.EnumerationComplete()
		}
		ns.curType = nil
		ns.curObj = nil
		return nil
	}
	tc, _ := ns.TypeCache(tname)
	ns.curType = tc
	ns.curObj = nil
	if tc == nil {
		return sonarerrors.NameInvalid
	}
	return nil
}

// PutObject handles an OBJECT record. A relative name belongs to the
// current type.
func (ns *ClientNamespace) PutObject(path string) error {
	if !isAbsolute(path) {
		tc, err := ns.currentType()
		if err != nil {
			return errors.Trace(err)
		}
		ns.curObj = tc.Add(path)
		return nil
	}
	n := name.New(path)
	if !n.IsObject() {
		return sonarerrors.NameInvalid
	}
	tc, err := ns.typeOf(n)
	if err != nil {
		return errors.Trace(err)
	}
	ns.curObj = tc.Add(n.ObjectPart())
	return nil
}

// RemoveObject handles a REMOVE record.
func (ns *ClientNamespace) RemoveObject(path string) error {
	if !isAbsolute(path) {
		tc, err := ns.currentType()
		if err != nil {
			return errors.Trace(err)
		}
		_, err = tc.Remove(path)
		return errors.Trace(err)
	}
	n := name.New(path)
	if !n.IsObject() {
		return sonarerrors.NameInvalid
	}
	tc, err := ns.typeOf(n)
	if err != nil {
		return errors.Trace(err)
	}
	_, err = tc.Remove(n.ObjectPart())
	return errors.Trace(err)
}

// UpdateAttribute handles an ATTRIBUTE record. A relative name is an
// attribute of the current object.
func (ns *ClientNamespace) UpdateAttribute(path string, values []string) error {
	if !isAbsolute(path) {
		tc, err := ns.currentType()
		if err != nil {
			return errors.Trace(err)
		}
		if ns.curObj == nil {
			return sonarerrors.NameInvalid
		}
		return errors.Trace(tc.UpdateAttribute(ns.curObj, path, values))
	}
	n := name.New(path)
	if !n.IsAttribute() || !n.Valid() {
		return sonarerrors.WrongParameterCount
	}
	tc, err := ns.typeOf(n)
	if err != nil {
		return errors.Trace(err)
	}
	ns.curObj = tc.GetProxy(n.ObjectPart())
	return errors.Trace(tc.UpdateAttribute(ns.curObj, n.AttributePart(), values))
}

// Apply handles one record from the server. SHOW records are not handled
// here.
func (ns *ClientNamespace) Apply(rec []string) error {
	code, ok := message.ParseCode(rec[0])
	if !ok {
		return sonarerrors.InvalidMessageCode
	}
	params := rec[1:]
	switch code {
	case message.Type:
		switch len(params) {
		case 0:
			return ns.SetCurrentType("")
		case 1:
			return ns.SetCurrentType(params[0])
		}
	case message.Object:
		if len(params) == 1 {
			return ns.PutObject(params[0])
		}
	case message.Remove:
		if len(params) == 1 {
			return ns.RemoveObject(params[0])
		}
	case message.Attribute:
		if len(params) >= 1 {
			return ns.UpdateAttribute(params[0], params[1:])
		}
	default:
		return sonarerrors.InvalidMessageCode
	}
	return sonarerrors.WrongParameterCount
}

// reset empties every cache after the connection is lost.
func (ns *ClientNamespace) reset() {
	ns.mu.RLock()
	types := make([]*TypeCache, 0, len(ns.types))
	for _, tc := range ns.types {
		types = append(types, tc)
	}
	ns.mu.RUnlock()
	for _, tc := range types {
		tc.Reset()
	}
	ns.curType = nil
	ns.curObj = nil
}

// LookupObject is part of the namespace.Lookup interface.
func (ns *ClientNamespace) LookupObject(tname, oname string) namespace.SonarObject {
	tc, ok := ns.TypeCache(tname)
	if !ok {
		return nil
	}
	if p := tc.Lookup(oname); p != nil {
		return p
	}
	return nil
}

// Objects is part of the namespace.Lookup interface.
func (ns *ClientNamespace) Objects(tname string) []namespace.SonarObject {
	tc, ok := ns.TypeCache(tname)
	if !ok {
		return nil
	}
	proxies := tc.Objects()
	out := make([]namespace.SonarObject, len(proxies))
	for i, p := range proxies {
		out[i] = p
	}
	return out
}

// Count returns the number of declared objects of a type.
func (ns *ClientNamespace) Count(tname string) int {
	tc, ok := ns.TypeCache(tname)
	if !ok {
		return 0
	}
	return tc.Size()
}
