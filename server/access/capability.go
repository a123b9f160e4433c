// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package access

import (
	"github.com/juju/sonar/core/namespace"
)

// Capability groups privileges which can be switched on or off together.
type Capability struct {
	base
	enabled bool
}

// NewCapability returns a disabled capability.
func NewCapability(name string) *Capability {
	return &Capability{base: base{tname: namespace.CapabilityType, name: name}}
}

// Enabled is part of the namespace.Capability interface.
func (c *Capability) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

// SetEnabled enables or disables the capability.
func (c *Capability) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
}

// CapabilitySchema describes the capability type.
var CapabilitySchema = namespace.MustNewSchema(namespace.CapabilityType,
	func(name string) namespace.SonarObject { return NewCapability(name) },
	namespace.Attribute{
		Name: "enabled",
		Type: namespace.Type{Kind: namespace.Bool},
		Get:  func(o namespace.SonarObject) interface{} { return o.(*Capability).Enabled() },
		Set: func(o namespace.SonarObject, v interface{}) error {
			o.(*Capability).SetEnabled(boolValue(v))
			return nil
		},
	},
)
