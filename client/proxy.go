// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package client

import (
	"github.com/juju/sonar/core/name"
)

// Proxy is the client side copy of a server object. Its attribute values
// are kept current by the records the server sends for it.
//
// A proxy is a phantom until the server declares it, declared until the
// server removes it, and a zombie after that. Writes to a zombie are
// dropped.
type Proxy struct {
	cache *TypeCache
	name  string

	// Guarded by cache.mu.
	attrs    map[string]interface{}
	declared bool
	zombie   bool
}

func newProxy(cache *TypeCache, oname string) *Proxy {
	attrs := make(map[string]interface{})
	for _, a := range cache.schema.Attributes() {
		attrs[a.Name] = nil
	}
	return &Proxy{cache: cache, name: oname, attrs: attrs}
}

// TypeName is part of the namespace.SonarObject interface.
func (p *Proxy) TypeName() string {
	return p.cache.TypeName()
}

// Name is part of the namespace.SonarObject interface.
func (p *Proxy) Name() string {
	return p.name
}

// Destroy asks the server to remove the object.
func (p *Proxy) Destroy() error {
	return p.cache.RemoveObject(p)
}

// Get returns the cached value of an attribute.
func (p *Proxy) Get(aname string) (interface{}, error) {
	return p.cache.Attribute(p, aname)
}

// Set asks the server to change an attribute, unless the cached value is
// already equal to v.
func (p *Proxy) Set(aname string, v interface{}) error {
	return p.cache.SetAttribute(p, aname, v, true)
}

// Zombie reports whether the server has removed the object.
func (p *Proxy) Zombie() bool {
	p.cache.mu.Lock()
	defer p.cache.mu.Unlock()
	return p.zombie
}

// String returns the namespace name of the object.
func (p *Proxy) String() string {
	return name.ForObject(p.TypeName(), p.name).String()
}
